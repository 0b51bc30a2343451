package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govledger/internal/config"
	"github.com/roach88/govledger/internal/dispatch"
	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/finality"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/review"
	"github.com/roach88/govledger/internal/testutil"
)

const testPolicy = `
issuers: alice: {
	lanes: ["core"]
	scope: ["api", "docs"]
}
agents: ["agent-1", "agent-2"]
workers: 2
review: min_latency: "5s"
`

type fixture struct {
	ledger *ledger.Ledger
	clock  *testutil.ManualClock
	engine *Engine
}

func reportingAgent(hash string) Agent {
	return AgentFunc(func(ctx context.Context, task dispatch.Task) (ir.ExecutionReport, error) {
		return ir.ExecutionReport{
			AgentID:    task.SubUnit.AgentID,
			ResultHash: strings.Repeat(hash, 32),
			Metrics:    map[string]int64{"files_created": int64(len(task.Inputs) + 1)},
		}, nil
	})
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	policy, err := config.Parse("test.cue", testPolicy)
	require.NoError(t, err)

	clk := testutil.NewManualClock(testutil.Epoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(ledger.NewMemory(), ledger.WithClock(clk), ledger.WithLogger(logger))

	base := []Option{
		WithLogger(logger),
		WithIDGenerator(testutil.NewSequentialIDs("tok")),
		WithAgent("agent-1", reportingAgent("a1")),
		WithAgent("agent-2", reportingAgent("b2")),
	}
	e, err := New(l, policy, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return &fixture{ledger: l, clock: clk, engine: e}
}

func (f *fixture) issue(t *testing.T, id string, subs ...ir.SubUnit) {
	t.Helper()
	ctx := context.Background()
	rsv, err := f.engine.Reserve(ctx, "feature", "alice")
	require.NoError(t, err)
	_, err = f.engine.Issue(ctx, IssueRequest{
		ActorID:  "alice",
		Number:   rsv.Number,
		WorkUnit: workUnit(id),
		SubUnits: subs,
	})
	require.NoError(t, err)
}

func (f *fixture) reviewer() Reviewer {
	return diligentReviewer{
		name:   "bob",
		ledger: f.ledger,
		read:   func() { f.clock.Advance(6 * time.Second) },
	}
}

// diligentReviewer answers from the reviewed reports once read has run.
type diligentReviewer struct {
	name   string
	ledger *ledger.Ledger
	read   func()
}

func (r diligentReviewer) ID() string { return r.name }

func (r diligentReviewer) Respond(ctx context.Context, c ir.Challenge) (string, error) {
	if r.read != nil {
		r.read()
	}
	return expectedAnswer(ctx, r.ledger, c)
}

func expectedAnswer(ctx context.Context, l *ledger.Ledger, c ir.Challenge) (string, error) {
	workUnitID, _, _ := strings.Cut(c.ReportRef, "@")
	collected, err := dispatch.Reports(ctx, l, workUnitID)
	if err != nil {
		return "", err
	}
	reports := make([]ir.ExecutionReport, 0, len(collected))
	for _, cr := range collected {
		reports = append(reports, cr.Report)
	}
	issued, err := l.Find(ctx, ledger.Filter{
		Kinds: []ir.EntryKind{ir.KindChallengeIssued},
		Attrs: map[string]string{ir.AttrReportRef: c.ReportRef},
	})
	if err != nil {
		return "", err
	}
	attempt := slices.IndexFunc(issued, func(e ir.LedgerEntry) bool {
		return e.Attrs.String(ir.AttrChallengeID) == c.ID
	})
	q, err := review.Derive(c.ReportRef, reports, attempt)
	if err != nil {
		return "", err
	}
	return q.Answer, nil
}

func (f *fixture) kinds(t *testing.T, workUnitID string) []ir.EntryKind {
	t.Helper()
	entries, err := f.ledger.Find(context.Background(), ledger.ByWorkUnit(workUnitID))
	require.NoError(t, err)
	out := make([]ir.EntryKind, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Kind)
	}
	return out
}

func workUnit(id string) ir.WorkUnit {
	return ir.WorkUnit{ID: id, Type: "feature", IssuerID: "alice", Lane: "core", Scope: []string{"api"}}
}

func independent() []ir.SubUnit {
	return []ir.SubUnit{{ID: "s1", AgentID: "agent-1"}, {ID: "s2", AgentID: "agent-2"}}
}

func chain() []ir.SubUnit {
	return []ir.SubUnit{{ID: "s1", AgentID: "agent-1"}, {ID: "s2", AgentID: "agent-2", DependsOn: []string{"s1"}}}
}

func TestExecuteReviewClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.issue(t, "wu-1", independent()...)

	out, err := f.engine.Execute(ctx, "wu-1")
	require.NoError(t, err)
	require.True(t, out.Sealed)
	assert.False(t, out.Rejected)
	assert.Equal(t, ir.FinalitySealed, out.Composite.State)
	assert.Len(t, out.Composite.ChildProofRoots, 2)

	rv, err := f.engine.Review(ctx, "wu-1", f.reviewer())
	require.NoError(t, err)
	assert.True(t, rv.Decision.Approved)
	assert.Equal(t, ir.FinalityFinal, rv.Composite.State)
	assert.Equal(t, out.Composite.MerkleRoot, rv.Composite.MerkleRoot)
	assert.Equal(t, ir.KindClosed, rv.Closed.Kind)

	st, err := f.engine.Status(ctx, "wu-1")
	require.NoError(t, err)
	assert.Equal(t, ir.WorkUnitClosed, st.WorkUnit.Status)
	require.NotNil(t, st.Terminal)
	for _, su := range st.SubUnits {
		assert.Equal(t, ir.SubUnitReported, su.Status, su.ID)
	}
	require.NoError(t, f.engine.Aggregator().Verify(ctx, "wu-1"))
	require.NoError(t, f.ledger.VerifyAll(ctx))

	rsv, err := f.engine.Reserve(ctx, "feature", "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rsv.Number)
}

func TestExecuteRunsDependenciesInOrder(t *testing.T) {
	var seen []int
	f := newFixture(t, WithAgent("agent-2", AgentFunc(func(ctx context.Context, task dispatch.Task) (ir.ExecutionReport, error) {
		seen = append(seen, len(task.Inputs))
		return ir.ExecutionReport{AgentID: "agent-2", ResultHash: strings.Repeat("b2", 32)}, nil
	})))
	f.issue(t, "wu-1", chain()...)

	out, err := f.engine.Execute(context.Background(), "wu-1")
	require.NoError(t, err)
	require.True(t, out.Sealed)
	assert.Equal(t, []int{1}, seen, "s2 runs once with the report of s1")
}

func TestReportTimeoutRejects(t *testing.T) {
	f := newFixture(t,
		WithReportTimeout(50*time.Millisecond),
		WithAgent("agent-2", AgentFunc(func(ctx context.Context, _ dispatch.Task) (ir.ExecutionReport, error) {
			<-ctx.Done()
			return ir.ExecutionReport{}, ctx.Err()
		})))
	ctx := context.Background()
	f.issue(t, "wu-1", independent()...)

	out, err := f.engine.Execute(ctx, "wu-1")
	require.NoError(t, err)
	assert.False(t, out.Sealed)
	assert.True(t, out.Rejected)
	assert.Equal(t, []string{"s2"}, out.Failed)
	assert.Equal(t, ir.KindRejected, out.Entry.Kind)

	failed, ok, err := f.ledger.Last(ctx, ledger.ByWorkUnit("wu-1", ir.KindSubUnitFailed))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, failed.Attrs.String(ir.AttrReason), "report timeout")

	_, err = f.engine.Execute(ctx, "wu-1")
	assert.ErrorIs(t, err, ErrTerminal)

	rsv, err := f.engine.Reserve(ctx, "feature", "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rsv.Number)
}

func TestAgentErrorCascades(t *testing.T) {
	f := newFixture(t, WithAgent("agent-1", AgentFunc(func(context.Context, dispatch.Task) (ir.ExecutionReport, error) {
		return ir.ExecutionReport{}, errors.New("compiler crashed")
	})))
	ctx := context.Background()
	f.issue(t, "wu-1", chain()...)

	out, err := f.engine.Execute(ctx, "wu-1")
	require.NoError(t, err)
	assert.True(t, out.Rejected)
	assert.Equal(t, []string{"s1", "s2"}, out.Failed)

	cascaded, ok, err := f.ledger.Last(ctx, ledger.Filter{
		Kinds: []ir.EntryKind{ir.KindSubUnitFailed},
		Attrs: map[string]string{ir.AttrSubUnitID: "s2"},
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.IRBool(true), cascaded.Attrs[ir.AttrCascade])
	assert.NotContains(t, f.kinds(t, "wu-1"), ir.KindFinalitySealed)
}

func TestIssueRefusesCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rsv, err := f.engine.Reserve(ctx, "feature", "alice")
	require.NoError(t, err)

	cyclic := []ir.SubUnit{
		{ID: "s1", AgentID: "agent-1", DependsOn: []string{"s2"}},
		{ID: "s2", AgentID: "agent-2", DependsOn: []string{"s1"}},
	}
	_, err = f.engine.Issue(ctx, IssueRequest{ActorID: "alice", Number: rsv.Number, WorkUnit: workUnit("wu-1"), SubUnits: cyclic})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrCycle)

	head, _, err := f.ledger.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.KindFault, head.Kind)

	// The reservation survives the refusal.
	_, err = f.engine.Issue(ctx, IssueRequest{ActorID: "alice", Number: rsv.Number, WorkUnit: workUnit("wu-1"), SubUnits: independent()})
	require.NoError(t, err)
}

func TestIssueGateFailureKeepsReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rsv, err := f.engine.Reserve(ctx, "feature", "alice")
	require.NoError(t, err)

	wu := workUnit("wu-1")
	wu.Lane = "billing"
	_, err = f.engine.Issue(ctx, IssueRequest{ActorID: "alice", Number: rsv.Number, WorkUnit: wu, SubUnits: independent()})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrGateValidation)

	head, _, err := f.ledger.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.KindGateFailed, head.Kind)

	_, err = f.engine.Issue(ctx, IssueRequest{ActorID: "alice", Number: rsv.Number, WorkUnit: workUnit("wu-1"), SubUnits: independent()})
	require.NoError(t, err)
}

func TestCancelBeforeReporting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.issue(t, "wu-1", chain()...)

	entry, err := f.engine.Cancel(ctx, "wu-1", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, ir.KindRejected, entry.Kind)
	assert.Equal(t, "cancelled", entry.Attrs.String(ir.AttrReason))

	st, err := f.engine.Status(ctx, "wu-1")
	require.NoError(t, err)
	assert.Equal(t, ir.WorkUnitRejected, st.WorkUnit.Status)
	for _, su := range st.SubUnits {
		assert.Equal(t, ir.SubUnitFailed, su.Status, su.ID)
	}
}

func TestCancelAfterReportingRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.issue(t, "wu-1", independent()...)
	_, err := f.engine.Execute(ctx, "wu-1")
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, "wu-1", "alice", "changed my mind")
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrCancellation)

	st, err := f.engine.Status(ctx, "wu-1")
	require.NoError(t, err)
	assert.Nil(t, st.Terminal)
	assert.Equal(t, ir.WorkUnitReported, st.WorkUnit.Status)
}

func TestRejectAfterReportingRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.issue(t, "wu-1", independent()...)
	out, err := f.engine.Execute(ctx, "wu-1")
	require.NoError(t, err)
	require.True(t, out.Sealed)

	_, err = f.engine.Reject(ctx, "wu-1", "alice", "no longer needed")
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrCancellation)
	assert.NotContains(t, f.kinds(t, "wu-1"), ir.KindRejected)

	rv, err := f.engine.Review(ctx, "wu-1", f.reviewer())
	require.NoError(t, err)
	assert.Equal(t, ir.KindClosed, rv.Closed.Kind)
}

func TestRejectBeforeReporting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.issue(t, "wu-1", independent()...)

	entry, err := f.engine.Reject(ctx, "wu-1", "alice", "superseded by plan b")
	require.NoError(t, err)
	assert.Equal(t, ir.KindRejected, entry.Kind)
	assert.Equal(t, "superseded by plan b", entry.Attrs.String(ir.AttrReason))
}

func TestTerminalWorkUnitIsNotReviewed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.issue(t, "wu-1", independent()...)
	_, err := f.engine.Execute(ctx, "wu-1")
	require.NoError(t, err)

	_, err = f.ledger.AppendDraft(ctx, ledger.Draft{
		Kind:       ir.KindRejected,
		PayloadRef: "wu-1",
		ActorID:    "alice",
		Attrs:      ir.IRObject{ir.AttrWorkUnitID: ir.IRString("wu-1")},
	})
	require.NoError(t, err)

	_, err = f.engine.Review(ctx, "wu-1", f.reviewer())
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrImmutabilityViolation)

	kinds := f.kinds(t, "wu-1")
	assert.NotContains(t, kinds, ir.KindChallengeIssued)
	assert.NotContains(t, kinds, ir.KindFinalityFinal)

	st, err := f.engine.Status(ctx, "wu-1")
	require.NoError(t, err)
	assert.Equal(t, ir.WorkUnitRejected, st.WorkUnit.Status)
	assert.Equal(t, ir.FinalitySealed, st.Composite.State)
}

func TestAnswerClosesInOneTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.issue(t, "wu-1", independent()...)
	_, err := f.engine.Execute(ctx, "wu-1")
	require.NoError(t, err)

	c, err := f.engine.Challenge(ctx, "wu-1")
	require.NoError(t, err)
	f.clock.Advance(6 * time.Second)
	answer, err := expectedAnswer(ctx, f.ledger, c)
	require.NoError(t, err)

	rv, err := f.engine.Answer(ctx, review.AnswerRequest{ChallengeID: c.ID, ReviewerID: "bob", Response: answer})
	require.NoError(t, err)
	assert.True(t, rv.Decision.Approved)
	assert.Equal(t, ir.FinalityFinal, rv.Composite.State)

	entries, err := f.ledger.Find(ctx, ledger.ByWorkUnit("wu-1"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 3)
	last := entries[len(entries)-3:]
	assert.Equal(t, ir.KindReviewApproved, last[0].Kind)
	assert.Equal(t, ir.KindFinalityFinal, last[1].Kind)
	assert.Equal(t, ir.KindClosed, last[2].Kind)
	assert.Equal(t, last[0].Sequence+2, last[2].Sequence)
	assert.Equal(t, rv.Closed.Sequence, last[2].Sequence)
}

func TestRecordedApprovalIsFinished(t *testing.T) {
	finish := map[string]func(f *fixture, req review.AnswerRequest) (ReviewOutcome, error){
		"answer again": func(f *fixture, req review.AnswerRequest) (ReviewOutcome, error) {
			return f.engine.Answer(context.Background(), req)
		},
		"review": func(f *fixture, _ review.AnswerRequest) (ReviewOutcome, error) {
			return f.engine.Review(context.Background(), "wu-1", f.reviewer())
		},
	}
	for name, fn := range finish {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.issue(t, "wu-1", independent()...)
			_, err := f.engine.Execute(ctx, "wu-1")
			require.NoError(t, err)

			c, err := f.engine.Challenge(ctx, "wu-1")
			require.NoError(t, err)
			f.clock.Advance(6 * time.Second)
			answer, err := expectedAnswer(ctx, f.ledger, c)
			require.NoError(t, err)
			req := review.AnswerRequest{ChallengeID: c.ID, ReviewerID: "bob", Response: answer}

			// The approval lands without the transitions that follow it.
			d, err := f.engine.ReviewGate().Answer(ctx, req)
			require.NoError(t, err)
			require.True(t, d.Approved)
			st, err := f.engine.Status(ctx, "wu-1")
			require.NoError(t, err)
			require.Equal(t, ir.FinalitySealed, st.Composite.State)

			rv, err := fn(f, req)
			require.NoError(t, err)
			assert.Equal(t, ir.KindClosed, rv.Closed.Kind)
			assert.Equal(t, ir.FinalityFinal, rv.Composite.State)
			assert.Equal(t, c.ID, rv.Decision.ChallengeID)

			st, err = f.engine.Status(ctx, "wu-1")
			require.NoError(t, err)
			assert.Equal(t, ir.WorkUnitClosed, st.WorkUnit.Status)
			assert.Equal(t, ir.FinalityFinal, st.Composite.State)

			faults, err := f.ledger.Find(ctx, ledger.Filter{Kinds: []ir.EntryKind{ir.KindFault}})
			require.NoError(t, err)
			assert.Empty(t, faults, "finishing an approval is not a replay")
		})
	}
}

func TestPrematureReviewRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.issue(t, "wu-1", independent()...)
	_, err := f.engine.Execute(ctx, "wu-1")
	require.NoError(t, err)

	hasty := diligentReviewer{name: "bob", ledger: f.ledger}
	_, err = f.engine.Review(ctx, "wu-1", hasty)
	assert.ErrorIs(t, err, fault.ErrLatencyViolation)

	st, err := f.engine.Status(ctx, "wu-1")
	require.NoError(t, err)
	assert.Equal(t, ir.FinalitySealed, st.Composite.State)
	assert.Nil(t, st.Terminal)
}

func TestCloseRequiresFinalComposite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.issue(t, "wu-1", independent()...)
	_, err := f.engine.Execute(ctx, "wu-1")
	require.NoError(t, err)

	_, err = f.engine.CloseWorkUnit(ctx, "wu-1", "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrGateValidation)
}

func TestExecuteUnknownWorkUnit(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Execute(context.Background(), "wu-404")
	assert.ErrorIs(t, err, ErrNotIssued)
}

func TestNewRejectsBadAttestorSeed(t *testing.T) {
	policy := config.Default()
	policy.AttestorSeed = "zz"
	l := ledger.New(ledger.NewMemory())
	_, err := New(l, policy)
	require.Error(t, err)

	_, err = New(l, policy, WithAttestor(finality.DevelopmentAttestor()))
	require.NoError(t, err)
}
