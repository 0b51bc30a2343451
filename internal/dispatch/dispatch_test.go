package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govledger/internal/config"
	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/gate"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/testutil"
)

const resultHash = "5d41402abc4b2a76b9719d911017c5925d41402abc4b2a76b9719d911017c592"

type fixture struct {
	ledger     *ledger.Ledger
	clock      *testutil.ManualClock
	dispatcher *Dispatcher
}

// newFixture issues wu-1: s1, s2 depending on s1, and an independent s3.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clk := testutil.NewManualClock(testutil.Epoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(ledger.NewMemory(), ledger.WithClock(clk), ledger.WithLogger(logger))

	policy := config.Default()
	opts = append([]Option{
		WithLogger(logger),
		WithIDGenerator(testutil.NewSequentialIDs("tok")),
		WithTokenTTL(time.Minute),
	}, opts...)
	d := New(l, gate.NewValidator(policy, gate.WithLogger(logger)), opts...)

	wu := ir.WorkUnit{ID: "wu-1", Type: "feature", Number: 1, IssuerID: "alice", Lane: "core", Scope: []string{"api"}}
	subs := []ir.SubUnit{
		{ID: "s1", AgentID: "agent-1"},
		{ID: "s2", AgentID: "agent-2", DependsOn: []string{"s1"}},
		{ID: "s3", AgentID: "agent-3"},
	}
	_, err := l.AppendDraft(context.Background(), ledger.Draft{
		Kind: ir.KindWorkUnitIssued, PayloadRef: wu.ID, ActorID: "alice", Attrs: ir.WorkUnitAttrs(wu, subs),
	})
	require.NoError(t, err)
	return &fixture{ledger: l, clock: clk, dispatcher: d}
}

func (f *fixture) report(subUnit, agent string) ir.ExecutionReport {
	return ir.ExecutionReport{
		SubUnitID:  subUnit,
		AgentID:    agent,
		ResultHash: resultHash,
		Metrics:    map[string]int64{"duration_ms": 1200},
		ProducedAt: f.clock.Now(),
	}
}

func (f *fixture) head(t *testing.T) ir.LedgerEntry {
	t.Helper()
	e, ok, err := f.ledger.Head(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	return e
}

func requireCode(t *testing.T, err error, sentinel error, code string) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, sentinel), "got %v", err)
	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, code, fe.Code)
}

func TestDispatchSubmitAndTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dispatcher

	ready, err := d.Ready(ctx, "wu-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s3"}, ready)

	_, ok, err := d.TryDispatch(ctx, "wu-1", "s2")
	require.NoError(t, err)
	assert.False(t, ok, "s2 waits for s1")

	tok, err := d.Dispatch(ctx, "wu-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.ID)
	assert.Equal(t, "agent-1", tok.AgentID)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), tok.ExpiresAt)

	dispatched := f.head(t)
	assert.Equal(t, ir.KindSubUnitDispatched, dispatched.Kind)
	assert.Equal(t, "tok-1", dispatched.Attrs.String(ir.AttrToken))
	assert.Equal(t, "agent-1", dispatched.Attrs.String(ir.AttrAgent))

	_, err = d.Start(ctx, tok.ID)
	require.NoError(t, err)
	task, err := d.Task(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, "s1", task.SubUnit.ID)
	assert.Empty(t, task.Inputs)

	f.clock.Advance(time.Second)
	entry, err := d.Submit(ctx, tok.ID, f.report("s1", "agent-1"))
	require.NoError(t, err)
	assert.Equal(t, ir.KindReportSubmitted, entry.Kind)
	assert.Equal(t, "wu-1", entry.Attrs.String(ir.AttrWorkUnitID))
	assert.Equal(t, "tok-1", entry.Attrs.String(ir.AttrToken))
	want, err := ir.ReportHash(f.report("s1", "agent-1"))
	require.NoError(t, err)
	assert.Equal(t, want, entry.Attrs.String(ir.AttrReportHash))

	tok2, err := d.Dispatch(ctx, "wu-1", "s2")
	require.NoError(t, err)
	task, err = d.Task(ctx, tok2.ID)
	require.NoError(t, err)
	require.Len(t, task.Inputs, 1, "a task sees only the reports of its dependencies")
	assert.Equal(t, "s1", task.Inputs[0].Report.SubUnitID)
	assert.Equal(t, want, task.Inputs[0].ReportHash)

	reports, err := d.Reports(ctx, "wu-1")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, int64(1200), reports[0].Report.Metrics["duration_ms"])
}

func TestTokenErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dispatcher

	tok, err := d.Dispatch(ctx, "wu-1", "s1")
	require.NoError(t, err)

	_, err = d.Submit(ctx, "", f.report("s1", "agent-1"))
	requireCode(t, err, fault.ErrTokenInvalid, fault.CodeTokenMissing)
	audit := f.head(t)
	assert.Equal(t, ir.KindFault, audit.Kind, "token failures are audited")
	assert.Equal(t, fault.CodeTokenMissing, audit.Attrs.String(ir.AttrCode))

	_, err = d.Submit(ctx, "tok-404", f.report("s1", "agent-1"))
	requireCode(t, err, fault.ErrTokenInvalid, fault.CodeTokenMissing)

	_, err = d.Submit(ctx, tok.ID, f.report("s3", "agent-3"))
	requireCode(t, err, fault.ErrTokenInvalid, fault.CodeTokenMismatch)

	_, err = d.Dispatch(ctx, "wu-1", "s1")
	requireCode(t, err, fault.ErrTokenInvalid, fault.CodeTokenLive)

	_, err = d.Submit(ctx, tok.ID, f.report("s1", "agent-1"))
	require.NoError(t, err)
	_, err = d.Submit(ctx, tok.ID, f.report("s1", "agent-1"))
	requireCode(t, err, fault.ErrTokenInvalid, fault.CodeTokenConsumed)

	_, err = d.Dispatch(ctx, "wu-1", "s1")
	requireCode(t, err, fault.ErrTokenInvalid, fault.CodeTokenConsumed)
}

func TestExpiredTokenIsReplaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dispatcher

	old, err := d.Dispatch(ctx, "wu-1", "s3")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	_, err = d.Submit(ctx, old.ID, f.report("s3", "agent-3"))
	requireCode(t, err, fault.ErrTokenInvalid, fault.CodeTokenExpired)

	fresh, err := d.Dispatch(ctx, "wu-1", "s3")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", fresh.ID)

	_, err = d.Submit(ctx, old.ID, f.report("s3", "agent-3"))
	requireCode(t, err, fault.ErrTokenInvalid, fault.CodeTokenExpired)

	_, err = d.Submit(ctx, fresh.ID, f.report("s3", "agent-3"))
	require.NoError(t, err)
}

func TestStartedTokenExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dispatcher

	tok, err := d.Dispatch(ctx, "wu-1", "s3")
	require.NoError(t, err)
	_, err = d.Start(ctx, tok.ID)
	require.NoError(t, err)
	_, err = d.Start(ctx, tok.ID)
	requireCode(t, err, fault.ErrTokenInvalid, fault.CodeTokenMismatch)

	f.clock.Advance(2 * time.Minute)
	_, err = d.Dispatch(ctx, "wu-1", "s3")
	requireCode(t, err, fault.ErrTokenInvalid, fault.CodeTokenExpired)
}

func TestSubmitRunsGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dispatcher

	tok, err := d.Dispatch(ctx, "wu-1", "s1")
	require.NoError(t, err)

	bad := f.report("s1", "agent-1")
	bad.ResultHash = "not-a-hash"
	_, err = d.Submit(ctx, tok.ID, bad)
	require.True(t, errors.Is(err, fault.ErrGateValidation), "got %v", err)

	failed := f.head(t)
	assert.Equal(t, ir.KindGateFailed, failed.Kind)
	assert.Equal(t, "STR-011", failed.Attrs.String(ir.AttrCode))

	early := f.report("s1", "agent-1")
	early.ProducedAt = testutil.Epoch.Add(-time.Hour)
	_, err = d.Submit(ctx, tok.ID, early)
	require.True(t, errors.Is(err, fault.ErrGateValidation), "got %v", err)
	assert.Equal(t, "TMP-002", f.head(t).Attrs.String(ir.AttrCode))

	_, err = d.Submit(ctx, tok.ID, f.report("s1", "agent-1"))
	require.NoError(t, err, "a refused report leaves the token unconsumed")
}

func TestDispatchBlocksUntilReady(t *testing.T) {
	f := newFixture(t, WithPollInterval(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d := f.dispatcher

	tok, err := d.Dispatch(ctx, "wu-1", "s1")
	require.NoError(t, err)

	type result struct {
		tok Token
		err error
	}
	done := make(chan result, 1)
	go func() {
		tok, err := d.Dispatch(ctx, "wu-1", "s2")
		done <- result{tok, err}
	}()

	select {
	case r := <-done:
		t.Fatalf("dispatch returned before s1 reported: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = d.Submit(ctx, tok.ID, f.report("s1", "agent-1"))
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "s2", r.tok.SubUnitID)
	case <-ctx.Done():
		t.Fatal("dispatch did not wake after the dependency reported")
	}
}

func TestDispatchHonoursCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.dispatcher.Dispatch(ctx, "wu-1", "s2")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFailCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dispatcher

	_, err := d.Dispatch(ctx, "wu-1", "s1")
	require.NoError(t, err)

	failed, err := d.Fail(ctx, "wu-1", "s1", "agent crashed")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, failed)

	entries, err := f.ledger.Find(ctx, ledger.ByWorkUnit("wu-1", ir.KindSubUnitFailed))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ir.IRBool(false), entries[0].Attrs[ir.AttrCascade])
	assert.Equal(t, ir.IRBool(true), entries[1].Attrs[ir.AttrCascade])

	reject, err := d.NeedsRejection(ctx, "wu-1")
	require.NoError(t, err)
	assert.True(t, reject)

	_, err = d.Dispatch(ctx, "wu-1", "s2")
	requireCode(t, err, fault.ErrTokenInvalid, fault.CodeTokenFailed)

	g, ok, err := d.Graph(ctx, "wu-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"s3"}, g.ReadySet())
}

func TestTerminalWorkUnitRefusesDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.AppendDraft(ctx, ledger.Draft{
		Kind: ir.KindRejected, PayloadRef: "wu-1", ActorID: "alice",
		Attrs: ir.IRObject{ir.AttrWorkUnitID: ir.IRString("wu-1"), ir.AttrReason: ir.IRString("cancelled")},
	})
	require.NoError(t, err)

	_, err = f.dispatcher.Dispatch(ctx, "wu-1", "s1")
	requireCode(t, err, fault.ErrTokenInvalid, fault.CodeTokenFailed)

	_, err = f.dispatcher.Dispatch(ctx, "wu-9", "s1")
	requireCode(t, err, fault.ErrTokenInvalid, fault.CodeTokenMismatch)
}
