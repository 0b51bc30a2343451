// Package audit summarizes a ledger: what was appended, by whom, which
// gates failed, whether the hash chain holds and whether every issuer's
// numbering is continuous.
//
// The report is derived from one full read of the ledger. It holds no state
// of its own and can be rebuilt at any time.
package audit

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
)

// Report is the audit summary of a ledger.
type Report struct {
	Height      uint64            `json:"height"`
	HeadHash    string            `json:"head_hash,omitempty"`
	ByKind      map[string]int    `json:"by_kind"`
	ByActor     map[string]int    `json:"by_actor"`
	GateFailure map[string]int    `json:"gate_failures"`
	Faults      map[string]int    `json:"faults"`
	Chain       ChainResult       `json:"chain"`
	Sequences   []IssuerSequence  `json:"sequences"`
	Overrides   []OverrideSummary `json:"overrides,omitempty"`
}

// ChainResult is the outcome of verifying the hash chain.
type ChainResult struct {
	Valid    bool   `json:"valid"`
	BrokenAt uint64 `json:"broken_at,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// IssuerSequence is the numbering of one (type, issuer) pair.
type IssuerSequence struct {
	Type     string   `json:"type"`
	Issuer   string   `json:"issuer"`
	Issued   []uint64 `json:"issued"`
	Gaps     []uint64 `json:"gaps,omitempty"`
	Open     string   `json:"open,omitempty"`
	Closed   int      `json:"closed"`
	Rejected int      `json:"rejected"`
}

// Continuous reports whether the issued numbers have no gaps.
func (s IssuerSequence) Continuous() bool { return len(s.Gaps) == 0 }

// OverrideSummary is one used override.
type OverrideSummary struct {
	Sequence uint64 `json:"sequence"`
	Actor    string `json:"actor"`
	Code     string `json:"code"`
	Reason   string `json:"reason"`
}

type seqKey struct{ typ, issuer string }

// Build reads the whole ledger and summarizes it.
func Build(ctx context.Context, l *ledger.Ledger) (Report, error) {
	entries, err := l.Entries(ctx, 1, 0)
	if err != nil {
		return Report{}, fmt.Errorf("audit: read ledger: %w", err)
	}
	r := Report{
		ByKind:      make(map[string]int),
		ByActor:     make(map[string]int),
		GateFailure: make(map[string]int),
		Faults:      make(map[string]int),
		Chain:       ChainResult{Valid: true},
	}

	seqs := make(map[seqKey]*IssuerSequence)
	units := make(map[string]seqKey)
	open := make(map[string]bool)

	for _, e := range entries {
		r.Height = e.Sequence
		r.HeadHash = e.EntryHash
		r.ByKind[string(e.Kind)]++
		r.ByActor[e.ActorID]++

		switch e.Kind {
		case ir.KindGateFailed:
			r.GateFailure[e.Attrs.String(ir.AttrCode)]++
		case ir.KindFault:
			r.Faults[e.Attrs.String(ir.AttrFaultKind)]++
		case ir.KindOverride:
			r.Overrides = append(r.Overrides, OverrideSummary{
				Sequence: e.Sequence,
				Actor:    e.ActorID,
				Code:     e.Attrs.String(ir.AttrCode),
				Reason:   e.Attrs.String(ir.AttrReason),
			})
		case ir.KindWorkUnitIssued:
			wu, _, err := ir.DecodeWorkUnit(e.Attrs)
			if err != nil {
				return Report{}, fmt.Errorf("audit: sequence %d: %w", e.Sequence, err)
			}
			k := seqKey{wu.Type, wu.IssuerID}
			s, ok := seqs[k]
			if !ok {
				s = &IssuerSequence{Type: wu.Type, Issuer: wu.IssuerID}
				seqs[k] = s
			}
			s.Issued = append(s.Issued, wu.Number)
			units[wu.ID] = k
			open[wu.ID] = true
		case ir.KindClosed, ir.KindRejected:
			id := e.Attrs.String(ir.AttrWorkUnitID)
			k, ok := units[id]
			if !ok {
				continue
			}
			delete(open, id)
			if e.Kind == ir.KindClosed {
				seqs[k].Closed++
			} else {
				seqs[k].Rejected++
			}
		}
	}

	for id := range open {
		seqs[units[id]].Open = id
	}
	for _, k := range slices.SortedFunc(maps.Keys(seqs), func(a, b seqKey) int {
		return cmp.Or(cmp.Compare(a.typ, b.typ), cmp.Compare(a.issuer, b.issuer))
	}) {
		s := seqs[k]
		slices.Sort(s.Issued)
		s.Gaps = gaps(s.Issued)
		r.Sequences = append(r.Sequences, *s)
	}

	if err := l.VerifyAll(ctx); err != nil {
		fe, ok := fault.As(err)
		if !ok || !errors.Is(err, fault.ErrIntegrity) {
			return Report{}, fmt.Errorf("audit: verify: %w", err)
		}
		r.Chain = ChainResult{Valid: false, BrokenAt: fe.Sequence, Detail: fe.Message}
	}
	return r, nil
}

// gaps lists the numbers missing from 1..max of sorted.
func gaps(sorted []uint64) []uint64 {
	var out []uint64
	next := uint64(1)
	for _, n := range sorted {
		for ; next < n; next++ {
			out = append(out, next)
		}
		if n >= next {
			next = n + 1
		}
	}
	return out
}

// OK reports whether the chain verifies and every sequence is continuous.
func (r Report) OK() bool {
	if !r.Chain.Valid {
		return false
	}
	for _, s := range r.Sequences {
		if !s.Continuous() {
			return false
		}
	}
	return true
}

// WriteText renders r for a terminal. Maps are printed in key order.
func (r Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "height: %d\n", r.Height)
	if r.HeadHash != "" {
		fmt.Fprintf(&b, "head:   %s\n", r.HeadHash)
	}
	if r.Chain.Valid {
		b.WriteString("chain:  valid\n")
	} else {
		fmt.Fprintf(&b, "chain:  BROKEN at sequence %d: %s\n", r.Chain.BrokenAt, r.Chain.Detail)
	}

	section(&b, "entries by kind", r.ByKind)
	section(&b, "entries by actor", r.ByActor)
	section(&b, "gate failures by code", r.GateFailure)
	section(&b, "faults by kind", r.Faults)

	if len(r.Overrides) > 0 {
		b.WriteString("\noverrides\n")
		for _, o := range r.Overrides {
			fmt.Fprintf(&b, "  #%d %s waived %s: %s\n", o.Sequence, o.Actor, o.Code, o.Reason)
		}
	}

	if len(r.Sequences) > 0 {
		b.WriteString("\nsequences\n")
		for _, s := range r.Sequences {
			fmt.Fprintf(&b, "  %s/%s issued=%v closed=%d rejected=%d", s.Type, s.Issuer, s.Issued, s.Closed, s.Rejected)
			if s.Open != "" {
				fmt.Fprintf(&b, " open=%s", s.Open)
			}
			if !s.Continuous() {
				fmt.Fprintf(&b, " GAPS=%v", s.Gaps)
			}
			b.WriteString("\n")
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func section(b *strings.Builder, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s\n", title)
	keys := slices.Sorted(maps.Keys(counts))
	width := 0
	for _, k := range keys {
		width = max(width, len(k))
	}
	for _, k := range keys {
		fmt.Fprintf(b, "  %-*s %d\n", width, k, counts[k])
	}
}
