package dispatch

import (
	"context"
	"fmt"

	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/graph"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
)

// Collected is a REPORT_SUBMITTED entry decoded.
type Collected struct {
	Report     ir.ExecutionReport
	ReportHash string
	Sequence   uint64
}

// Task is everything an agent is given for one SubUnit: the SubUnit itself
// and the reports of the SubUnits it depends on, all of which are finished.
type Task struct {
	Token   Token
	SubUnit ir.SubUnit
	Inputs  []Collected
}

// Reports returns the collected reports of workUnitID in sequence order.
// Only REPORTED SubUnits appear.
func (d *Dispatcher) Reports(ctx context.Context, workUnitID string) ([]Collected, error) {
	return Reports(ctx, d.ledger, workUnitID)
}

// Reports decodes the REPORT_SUBMITTED entries of workUnitID.
func Reports(ctx context.Context, v ledger.View, workUnitID string) ([]Collected, error) {
	entries, err := v.Find(ctx, ledger.ByWorkUnit(workUnitID, ir.KindReportSubmitted))
	if err != nil {
		return nil, err
	}
	out := make([]Collected, 0, len(entries))
	for _, e := range entries {
		r, err := ir.DecodeReport(e.Attrs)
		if err != nil {
			return nil, fmt.Errorf("report at sequence %d: %w", e.Sequence, err)
		}
		out = append(out, Collected{
			Report:     r,
			ReportHash: e.Attrs.String(ir.AttrReportHash),
			Sequence:   e.Sequence,
		})
	}
	return out, nil
}

// Task resolves the work handed to the holder of tokenID.
func (d *Dispatcher) Task(ctx context.Context, tokenID string) (Task, error) {
	tok, err := lookupToken(ctx, d.ledger, tokenID)
	if err != nil {
		return Task{}, err
	}
	g, _, ok, err := graph.Replay(ctx, d.ledger, tok.WorkUnitID)
	if err != nil {
		return Task{}, err
	}
	su, found := g.SubUnit(tok.SubUnitID)
	if !ok || !found {
		return Task{}, fault.NewTokenInvalidError(fault.CodeTokenMismatch, tokenID, "token names no issued sub unit")
	}

	reports, err := Reports(ctx, d.ledger, tok.WorkUnitID)
	if err != nil {
		return Task{}, err
	}
	deps := make(map[string]bool, len(su.DependsOn))
	for _, id := range su.DependsOn {
		deps[id] = true
	}
	var inputs []Collected
	for _, c := range reports {
		if deps[c.Report.SubUnitID] {
			inputs = append(inputs, c)
		}
	}
	return Task{Token: tok, SubUnit: su, Inputs: inputs}, nil
}

// Graph replays the current graph of workUnitID.
func (d *Dispatcher) Graph(ctx context.Context, workUnitID string) (*graph.Graph, bool, error) {
	g, _, ok, err := graph.Replay(ctx, d.ledger, workUnitID)
	return g, ok, err
}

// Ready returns the SubUnits of workUnitID that can be dispatched now.
func (d *Dispatcher) Ready(ctx context.Context, workUnitID string) ([]string, error) {
	g, ok, err := d.Graph(ctx, workUnitID)
	if err != nil || !ok {
		return nil, err
	}
	return g.ReadySet(), nil
}

// NeedsRejection reports whether a SubUnit of workUnitID has failed, which
// means the WorkUnit can only end REJECTED.
func (d *Dispatcher) NeedsRejection(ctx context.Context, workUnitID string) (bool, error) {
	g, ok, err := d.Graph(ctx, workUnitID)
	if err != nil || !ok {
		return false, err
	}
	return g.Failed(), nil
}
