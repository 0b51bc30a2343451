package graph

import (
	"context"
	"fmt"

	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
)

// Apply folds one ledger entry into the graph. Entries of other kinds are
// ignored. SUBUNIT_FAILED marks only its own node; a cascade is recorded as
// one entry per node.
func (g *Graph) Apply(e ir.LedgerEntry) error {
	id := e.Attrs.String(ir.AttrSubUnitID)
	switch e.Kind {
	case ir.KindSubUnitDispatched:
		return g.Transition(id, ir.SubUnitDispatched)
	case ir.KindSubUnitStarted:
		return g.Transition(id, ir.SubUnitExecuting)
	case ir.KindReportSubmitted:
		return g.Transition(id, ir.SubUnitReported)
	case ir.KindSubUnitFailed:
		n, ok := g.nodes[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSubUnit, id)
		}
		if n.Status == ir.SubUnitReported {
			return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, id, n.Status, ir.SubUnitFailed)
		}
		n.Status = ir.SubUnitFailed
	}
	return nil
}

// Kinds that change SubUnit status.
var statusKinds = []ir.EntryKind{
	ir.KindSubUnitDispatched,
	ir.KindSubUnitStarted,
	ir.KindReportSubmitted,
	ir.KindSubUnitFailed,
}

// Replay rebuilds the graph of workUnitID from its issued plan and every
// status entry recorded since. ok is false when the unit was never issued.
func Replay(ctx context.Context, v ledger.View, workUnitID string) (*Graph, ledger.Plan, bool, error) {
	plan, ok, err := ledger.IssuedPlan(ctx, v, workUnitID)
	if err != nil || !ok {
		return nil, ledger.Plan{}, false, err
	}
	g, err := New(workUnitID, plan.SubUnits)
	if err != nil {
		return nil, ledger.Plan{}, false, err
	}
	entries, err := v.Find(ctx, ledger.ByWorkUnit(workUnitID, statusKinds...))
	if err != nil {
		return nil, ledger.Plan{}, false, err
	}
	for _, e := range entries {
		if err := g.Apply(e); err != nil {
			return nil, ledger.Plan{}, false, fmt.Errorf("replay %s at sequence %d: %w", workUnitID, e.Sequence, err)
		}
	}
	return g, plan, true, nil
}
