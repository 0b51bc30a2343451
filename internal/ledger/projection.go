package ledger

import (
	"context"
	"fmt"

	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/ir"
)

// Plan is a WorkUnit as issued, with its declared SubUnits.
type Plan struct {
	WorkUnit ir.WorkUnit
	SubUnits []ir.SubUnit
	Entry    ir.LedgerEntry
}

// IssuedPlan loads the WORKUNIT_ISSUED entry of workUnitID.
func IssuedPlan(ctx context.Context, v View, workUnitID string) (Plan, bool, error) {
	e, ok, err := v.Last(ctx, ByWorkUnit(workUnitID, ir.KindWorkUnitIssued))
	if err != nil || !ok {
		return Plan{}, false, err
	}
	wu, subs, err := ir.DecodeWorkUnit(e.Attrs)
	if err != nil {
		return Plan{}, false, fmt.Errorf("decode plan of %s at sequence %d: %w", workUnitID, e.Sequence, err)
	}
	return Plan{WorkUnit: wu, SubUnits: subs, Entry: e}, true, nil
}

// Terminal returns the CLOSED or REJECTED entry of workUnitID, if any.
func Terminal(ctx context.Context, v View, workUnitID string) (ir.LedgerEntry, bool, error) {
	return v.Last(ctx, ByWorkUnit(workUnitID, ir.KindClosed, ir.KindRejected))
}

// RequireOpen fails with a terminal fault when workUnitID is CLOSED or
// REJECTED. op names the refused operation.
func RequireOpen(ctx context.Context, v View, workUnitID, op string) error {
	e, ok, err := Terminal(ctx, v, workUnitID)
	if err != nil {
		return err
	}
	if ok {
		return fault.NewTerminalError(workUnitID, e.Kind, op)
	}
	return nil
}

// Status derives the lifecycle status of an issued WorkUnit from its
// entries. ok is false when the unit was never issued. CLOSED and REJECTED
// are final.
func Status(ctx context.Context, v View, workUnitID string) (ir.WorkUnitStatus, bool, error) {
	entries, err := v.Find(ctx, ByWorkUnit(workUnitID))
	if err != nil {
		return "", false, err
	}
	var status ir.WorkUnitStatus
	for _, e := range entries {
		if status == ir.WorkUnitClosed || status == ir.WorkUnitRejected {
			break
		}
		switch e.Kind {
		case ir.KindWorkUnitIssued:
			status = ir.WorkUnitIssued
		case ir.KindSubUnitDispatched, ir.KindSubUnitStarted:
			if status == ir.WorkUnitIssued {
				status = ir.WorkUnitExecuting
			}
		case ir.KindFinalitySealed:
			status = ir.WorkUnitReported
		case ir.KindReviewApproved, ir.KindFinalityFinal:
			status = ir.WorkUnitReviewed
		case ir.KindClosed:
			status = ir.WorkUnitClosed
		case ir.KindRejected:
			status = ir.WorkUnitRejected
		}
	}
	return status, status != "", nil
}
