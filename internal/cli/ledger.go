package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
)

// VerifyResult is the output of verify.
type VerifyResult struct {
	From     uint64 `json:"from"`
	To       uint64 `json:"to"`
	Valid    bool   `json:"valid"`
	HeadHash string `json:"head_hash,omitempty"`
}

func (r VerifyResult) String() string {
	return fmt.Sprintf("chain valid: sequences %d..%d, head %s", r.From, r.To, r.HeadHash)
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	var from, to uint64
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the ledger hash chain",
		Long: `Recompute every entry hash and link in the range and report the first
sequence where the chain breaks.

Exit codes:
  0 - Chain is intact
  1 - Chain is broken
  2 - Command error (database not found, etc.)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts, cmd, true)
			if err != nil {
				return err
			}
			defer e.Close()
			ctx := context.Background()

			if err := e.ledger.Verify(ctx, from, to); err != nil {
				return e.refuse("chain verification failed", err)
			}
			head, ok, err := e.ledger.Head(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read head", err)
			}
			res := VerifyResult{From: max(from, 1), To: to, Valid: true}
			if ok {
				res.HeadHash = head.EntryHash
				if to == 0 || to > head.Sequence {
					res.To = head.Sequence
				}
			}
			return e.out.Success(res)
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 1, "first sequence to verify")
	cmd.Flags().Uint64Var(&to, "to", 0, "last sequence to verify (0 = head)")
	return cmd
}

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	From     uint64
	To       uint64
	Kinds    []string
	Actor    string
	WorkUnit string
	Limit    int
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "log",
		Short: "List ledger entries",
		Long: `List ledger entries in sequence order, optionally filtered.

Examples:
  govledger log --work-unit wu-1
  govledger log --kind GATE_FAILED --kind FAULT --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, cmd)
		},
	}
	cmd.Flags().Uint64Var(&opts.From, "from", 0, "first sequence")
	cmd.Flags().Uint64Var(&opts.To, "to", 0, "last sequence")
	cmd.Flags().StringSliceVar(&opts.Kinds, "kind", nil, "entry kinds to include")
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "only entries appended by this actor")
	cmd.Flags().StringVar(&opts.WorkUnit, "work-unit", "", "only entries of this work unit")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of entries")
	return cmd
}

func runLog(opts *LogOptions, cmd *cobra.Command) error {
	f := ledger.Filter{
		ActorID: opts.Actor,
		FromSeq: opts.From,
		ToSeq:   opts.To,
		Limit:   opts.Limit,
	}
	for _, k := range opts.Kinds {
		kind := ir.EntryKind(strings.ToUpper(k))
		if !kind.Valid() {
			return NewExitError(ExitCommandError, fmt.Sprintf("unknown entry kind %q", k))
		}
		f.Kinds = append(f.Kinds, kind)
	}
	if opts.WorkUnit != "" {
		f.Attrs = map[string]string{ir.AttrWorkUnitID: opts.WorkUnit}
	}

	e, err := openEnv(opts.RootOptions, cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	entries, err := e.ledger.Find(context.Background(), f)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read ledger", err)
	}
	if opts.Format == "json" {
		if entries == nil {
			entries = []ir.LedgerEntry{}
		}
		return e.out.Success(entries)
	}
	w := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(w, "No entries.")
		return nil
	}
	for _, entry := range entries {
		fmt.Fprintln(w, entryLine(entry, opts.Verbose))
	}
	return nil
}

// entryLine renders one entry on one line. Verbose adds the hashes and
// attributes.
func entryLine(e ir.LedgerEntry, verbose bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%6d  %s  %-18s %-10s %s",
		e.Sequence, e.Timestamp.UTC().Format(time.RFC3339), e.Kind, e.ActorID, e.PayloadRef)
	if verbose {
		fmt.Fprintf(&b, "\n        hash=%s prev=%s", e.EntryHash, e.PrevHash)
		for _, k := range e.Attrs.SortedKeys() {
			if s, ok := ir.Scalar(e.Attrs[k]); ok {
				fmt.Fprintf(&b, "\n        %s=%s", k, s)
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// NewHeadCommand creates the head command.
func NewHeadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "head",
		Short: "Show the latest ledger entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts, cmd, true)
			if err != nil {
				return err
			}
			defer e.Close()

			head, ok, err := e.ledger.Head(context.Background())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read head", err)
			}
			if !ok {
				return e.out.Error("E404", "ledger is empty", nil)
			}
			if rootOpts.Format == "json" {
				return e.out.Success(head)
			}
			fmt.Fprintln(cmd.OutOrStdout(), entryLine(head, true))
			return nil
		},
	}
}
