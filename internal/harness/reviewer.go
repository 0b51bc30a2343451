package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/govledger/internal/dispatch"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/review"
)

// ReadingReviewer plays a reviewer in scripted runs: it answers a
// challenge from the collected reports it refers to. Read runs before the
// answer is derived and usually advances the clock past the minimum
// review latency.
type ReadingReviewer struct {
	Name   string
	Ledger *ledger.Ledger
	Read   func(ctx context.Context, c ir.Challenge) error
}

// ID implements engine.Reviewer.
func (r ReadingReviewer) ID() string { return r.Name }

// Respond implements engine.Reviewer.
func (r ReadingReviewer) Respond(ctx context.Context, c ir.Challenge) (string, error) {
	if r.Read != nil {
		if err := r.Read(ctx, c); err != nil {
			return "", err
		}
	}
	workUnitID, _, ok := strings.Cut(c.ReportRef, "@")
	if !ok {
		return "", fmt.Errorf("malformed review reference %q", c.ReportRef)
	}
	collected, err := dispatch.Reports(ctx, r.Ledger, workUnitID)
	if err != nil {
		return "", err
	}
	reports := make([]ir.ExecutionReport, 0, len(collected))
	for _, cr := range collected {
		reports = append(reports, cr.Report)
	}

	issued, err := r.Ledger.Find(ctx, ledger.Filter{
		Kinds: []ir.EntryKind{ir.KindChallengeIssued},
		Attrs: map[string]string{ir.AttrReportRef: c.ReportRef},
	})
	if err != nil {
		return "", err
	}
	attempt := slices.IndexFunc(issued, func(e ir.LedgerEntry) bool {
		return e.Attrs.String(ir.AttrChallengeID) == c.ID
	})
	if attempt < 0 {
		return "", fmt.Errorf("challenge %s was never issued", c.ID)
	}

	q, err := review.Derive(c.ReportRef, reports, attempt)
	if err != nil {
		return "", err
	}
	return q.Answer, nil
}
