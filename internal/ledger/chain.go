package ledger

import (
	"context"
	"slices"
	"time"

	"github.com/roach88/govledger/internal/ir"
)

// Chain composes transaction steps into one TxFunc. Each step reads a view
// that includes the drafts of the steps before it, so a later check can
// rely on an earlier step's entry. The first failing step ends the chain:
// only its own drafts and error are returned, and nothing the earlier steps
// drafted is appended.
func Chain(steps ...TxFunc) TxFunc {
	return func(ctx context.Context, v View) ([]Draft, error) {
		pv := &pendingView{base: v}
		var drafts []Draft
		for _, step := range steps {
			out, err := step(ctx, pv)
			if err != nil {
				return out, err
			}
			if err := pv.add(ctx, out); err != nil {
				return nil, err
			}
			drafts = append(drafts, out...)
		}
		return drafts, nil
	}
}

// pendingView overlays drafts not yet committed on a base view. Pending
// entries carry the sequence and timestamp they would be committed with;
// their hashes are left empty.
type pendingView struct {
	base    View
	pending []ir.LedgerEntry
}

func (p *pendingView) add(ctx context.Context, drafts []Draft) error {
	if len(drafts) == 0 {
		return nil
	}
	head, _, err := p.Head(ctx)
	if err != nil {
		return err
	}
	now := p.base.Now().UTC()
	for i, d := range drafts {
		attrs := d.Attrs.Clone()
		if attrs == nil {
			attrs = ir.IRObject{}
		}
		p.pending = append(p.pending, ir.LedgerEntry{
			Sequence:   head.Sequence + uint64(i) + 1,
			Kind:       d.Kind,
			PayloadRef: d.PayloadRef,
			ActorID:    d.ActorID,
			Timestamp:  now,
			Attrs:      attrs,
		})
	}
	return nil
}

func (p *pendingView) Head(ctx context.Context) (ir.LedgerEntry, bool, error) {
	if n := len(p.pending); n > 0 {
		return cloneEntry(p.pending[n-1]), true, nil
	}
	return p.base.Head(ctx)
}

func (p *pendingView) Find(ctx context.Context, f Filter) ([]ir.LedgerEntry, error) {
	var extra []ir.LedgerEntry
	for _, e := range p.pending {
		if f.Match(e) {
			extra = append(extra, cloneEntry(e))
		}
	}
	if !f.Descending {
		out, err := p.base.Find(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, extra...)
		if f.Limit > 0 && len(out) > f.Limit {
			out = out[:f.Limit]
		}
		return out, nil
	}

	slices.Reverse(extra)
	if f.Limit > 0 {
		if len(extra) >= f.Limit {
			return extra[:f.Limit], nil
		}
		f.Limit -= len(extra)
	}
	out, err := p.base.Find(ctx, f)
	if err != nil {
		return nil, err
	}
	return append(extra, out...), nil
}

func (p *pendingView) Last(ctx context.Context, f Filter) (ir.LedgerEntry, bool, error) {
	for i := len(p.pending) - 1; i >= 0; i-- {
		if f.Match(p.pending[i]) {
			return cloneEntry(p.pending[i]), true, nil
		}
	}
	return p.base.Last(ctx, f)
}

func (p *pendingView) Now() time.Time {
	return p.base.Now()
}
