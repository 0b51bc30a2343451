package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/govledger/internal/config"
)

// PolicySummary is the output of policy check.
type PolicySummary struct {
	File                      string   `json:"file"`
	Database                  string   `json:"database"`
	Issuers                   []string `json:"issuers"`
	Agents                    []string `json:"agents"`
	ReservationTTL            string   `json:"reservation_ttl"`
	TokenTTL                  string   `json:"token_ttl"`
	ReportTimeout             string   `json:"report_timeout"`
	ReviewMinLatency          string   `json:"review_min_latency"`
	ChallengeExpiry           string   `json:"challenge_expiry"`
	RejectedSatisfiesSequence bool     `json:"rejected_satisfies_sequence"`
	Workers                   int      `json:"workers"`
	DevelopmentAttestor       bool     `json:"development_attestor"`
}

func summarize(file string, p config.Policy) PolicySummary {
	return PolicySummary{
		File:                      file,
		Database:                  p.Database,
		Issuers:                   slices.Sorted(maps.Keys(p.Issuers)),
		Agents:                    p.Agents,
		ReservationTTL:            p.ReservationTTL.String(),
		TokenTTL:                  p.TokenTTL.String(),
		ReportTimeout:             p.ReportTimeout.String(),
		ReviewMinLatency:          p.Review.MinLatency.String(),
		ChallengeExpiry:           p.Review.ChallengeExpiry.String(),
		RejectedSatisfiesSequence: p.Sequencing.RejectedSatisfiesSequence,
		Workers:                   p.Workers,
		DevelopmentAttestor:       p.AttestorSeed == "",
	}
}

func (s PolicySummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: ok\n", s.File)
	fmt.Fprintf(&b, "  issuers: %s\n", strings.Join(s.Issuers, ", "))
	fmt.Fprintf(&b, "  agents:  %s\n", strings.Join(s.Agents, ", "))
	fmt.Fprintf(&b, "  reservation %s, token %s, report timeout %s\n", s.ReservationTTL, s.TokenTTL, s.ReportTimeout)
	fmt.Fprintf(&b, "  review min latency %s, challenge expiry %s\n", s.ReviewMinLatency, s.ChallengeExpiry)
	fmt.Fprintf(&b, "  rejected satisfies sequence: %t, workers: %d", s.RejectedSatisfiesSequence, s.Workers)
	if s.DevelopmentAttestor {
		b.WriteString("\n  warning: no attestor_seed, proofs are signed with the development key")
	}
	return b.String()
}

// NewPolicyCommand creates the policy command group.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect governance policies",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Validate a CUE policy file against the schema",
		Long: `Validate a CUE policy file against the embedded schema and print the
effective policy with every default applied.

Exit codes:
  0 - Policy is valid
  1 - Policy is invalid`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			p, err := config.Load(args[0])
			if err != nil {
				if ferr := out.Error("E100", err.Error(), nil); ferr != nil {
					return ferr
				}
				return WrapExitError(ExitFailure, "policy invalid", err)
			}
			return out.Success(summarize(args[0], p))
		},
	})
	return cmd
}
