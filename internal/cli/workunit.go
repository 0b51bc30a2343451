package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/govledger/internal/engine"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/review"
)

// ReservationView is the output of reserve.
type ReservationView struct {
	ir.Reservation
}

func (v ReservationView) String() string {
	return fmt.Sprintf("reserved %s #%d for %s until %s (sequence %d)",
		v.Type, v.Number, v.OwnerID, v.ExpiresAt.Format(time.RFC3339), v.Sequence)
}

// NewReserveCommand creates the reserve command.
func NewReserveCommand(rootOpts *RootOptions) *cobra.Command {
	var workUnitType, owner string
	cmd := &cobra.Command{
		Use:   "reserve",
		Short: "Reserve the next work unit number",
		Long: `Reserve the next number of a work unit type for an issuer. The reservation
is single use and expires after the policy's reservation TTL.

Exit codes:
  0 - Number reserved
  1 - Refused (previous unit still open, number already held, ...)
  2 - Command error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts, cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()
			eng, err := e.engine()
			if err != nil {
				return err
			}
			defer eng.Close()

			rsv, err := eng.Reserve(context.Background(), workUnitType, owner)
			if err != nil {
				return e.refuse("reservation refused", err)
			}
			return e.out.Success(ReservationView{rsv})
		},
	}
	cmd.Flags().StringVar(&workUnitType, "type", "", "work unit type (required)")
	cmd.Flags().StringVar(&owner, "owner", "", "issuer the number is reserved for (required)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

// StatusView is the output of status.
type StatusView struct {
	WorkUnit  ir.WorkUnit           `json:"work_unit"`
	SubUnits  []ir.SubUnit          `json:"sub_units"`
	Composite *ir.CompositeFinality `json:"composite,omitempty"`
	Review    string                `json:"review"`
	Terminal  *ir.LedgerEntry       `json:"terminal,omitempty"`
}

func (v StatusView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s #%d by %s  %s\n", v.WorkUnit.ID, v.WorkUnit.Type, v.WorkUnit.Number, v.WorkUnit.IssuerID, v.WorkUnit.Status)
	for _, su := range v.SubUnits {
		fmt.Fprintf(&b, "  %-12s %-10s %s", su.ID, su.Status, su.AgentID)
		if len(su.DependsOn) > 0 {
			fmt.Fprintf(&b, " after %s", strings.Join(su.DependsOn, ","))
		}
		b.WriteString("\n")
	}
	if v.Composite != nil {
		fmt.Fprintf(&b, "composite: %s", v.Composite.State)
		if v.Composite.MerkleRoot != "" {
			fmt.Fprintf(&b, " root %s", v.Composite.MerkleRoot)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "review: %s", v.Review)
	if v.Terminal != nil {
		fmt.Fprintf(&b, "\nterminal: %s at sequence %d", v.Terminal.Kind, v.Terminal.Sequence)
	}
	return b.String()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <work-unit>",
		Short: "Show the derived state of a work unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts, cmd, true)
			if err != nil {
				return err
			}
			defer e.Close()
			eng, err := e.engine()
			if err != nil {
				return err
			}
			defer eng.Close()

			st, err := eng.Status(context.Background(), args[0])
			if err != nil {
				return e.refuse("status unavailable", err)
			}
			view := StatusView{
				WorkUnit: st.WorkUnit,
				SubUnits: st.SubUnits,
				Review:   string(st.Review.State),
				Terminal: st.Terminal,
			}
			if st.HasComposite {
				view.Composite = &st.Composite
			}
			return e.out.Success(view)
		},
	}
}

// ChallengeView is the output of challenge.
type ChallengeView struct {
	ir.Challenge
}

func (v ChallengeView) String() string {
	return fmt.Sprintf("challenge %s for %s\n%s\nanswer after %s, before %s",
		v.ID, v.ReportRef, v.Question,
		v.EligibleAt().Format(time.RFC3339), v.ExpiresAt.Format(time.RFC3339))
}

// NewChallengeCommand creates the challenge command.
func NewChallengeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "challenge <work-unit>",
		Short: "Issue the review challenge of a sealed work unit",
		Long: `Issue the review challenge of a sealed work unit, or show the one that is
still open. The question is derived from the reviewed reports.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts, cmd, true)
			if err != nil {
				return err
			}
			defer e.Close()
			eng, err := e.engine()
			if err != nil {
				return err
			}
			defer eng.Close()

			c, err := eng.Challenge(context.Background(), args[0])
			if err != nil {
				return e.refuse("challenge refused", err)
			}
			return e.out.Success(ChallengeView{c})
		},
	}
}

// AnswerView is the output of answer.
type AnswerView struct {
	ChallengeID string `json:"challenge_id"`
	Approved    bool   `json:"approved"`
	LatencyMs   int64  `json:"latency_ms"`
	MerkleRoot  string `json:"merkle_root,omitempty"`
	ClosedAt    uint64 `json:"closed_at,omitempty"`
}

func (v AnswerView) String() string {
	return fmt.Sprintf("approved %s after %dms; composite %s is FINAL, work unit closed at sequence %d",
		v.ChallengeID, v.LatencyMs, v.MerkleRoot, v.ClosedAt)
}

// NewAnswerCommand creates the answer command.
func NewAnswerCommand(rootOpts *RootOptions) *cobra.Command {
	var reviewer, response string
	var wait bool
	cmd := &cobra.Command{
		Use:   "answer <challenge-id>",
		Short: "Answer a review challenge",
		Long: `Answer a review challenge. A correct answer given after the minimum
review latency approves the composite, makes it FINAL and closes the work
unit. A premature answer is refused and the challenge stays open; a wrong
answer consumes it.

With --wait the command blocks until the challenge becomes answerable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts, cmd, true)
			if err != nil {
				return err
			}
			defer e.Close()
			eng, err := e.engine()
			if err != nil {
				return err
			}
			defer eng.Close()
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			if wait {
				c, ok, err := eng.ReviewGate().Challenge(ctx, args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read challenge", err)
				}
				if ok {
					e.out.VerboseLog("waiting until %s", c.EligibleAt().Format(time.RFC3339))
					if err := eng.ReviewGate().Await(ctx, c); err != nil {
						return WrapExitError(ExitCommandError, "wait interrupted", err)
					}
				}
			}

			out, err := eng.Answer(ctx, review.AnswerRequest{
				ChallengeID: args[0],
				ReviewerID:  reviewer,
				Response:    response,
			})
			if err != nil {
				return e.refuse("answer refused", err)
			}
			return e.out.Success(answerView(out))
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer identity (required)")
	cmd.Flags().StringVar(&response, "response", "", "answer to the challenge question (required)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the minimum review latency has passed")
	_ = cmd.MarkFlagRequired("reviewer")
	_ = cmd.MarkFlagRequired("response")
	return cmd
}

func answerView(out engine.ReviewOutcome) AnswerView {
	return AnswerView{
		ChallengeID: out.Decision.ChallengeID,
		Approved:    out.Decision.Approved,
		LatencyMs:   out.Decision.LatencyMs,
		MerkleRoot:  out.Composite.MerkleRoot,
		ClosedAt:    out.Closed.Sequence,
	}
}
