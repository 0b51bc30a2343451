package finality

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govledger/internal/config"
	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/testutil"
)

type fixture struct {
	ledger *ledger.Ledger
	agg    *Aggregator
}

func newFixture(t *testing.T, subs ...ir.SubUnit) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(ledger.NewMemory(),
		ledger.WithClock(testutil.NewManualClock(testutil.Epoch)),
		ledger.WithLogger(logger))
	f := &fixture{ledger: l, agg: New(l, DevelopmentAttestor(), WithLogger(logger))}
	if len(subs) == 0 {
		subs = []ir.SubUnit{{ID: "s1", AgentID: "agent-1"}, {ID: "s2", AgentID: "agent-2"}}
	}
	wu := ir.WorkUnit{ID: "wu-1", Type: "feature", Number: 1, IssuerID: "alice", Lane: "core", Scope: []string{"api"}}
	f.append(t, ir.KindWorkUnitIssued, ir.WorkUnitAttrs(wu, subs))
	return f
}

func (f *fixture) append(t *testing.T, kind ir.EntryKind, attrs ir.IRObject) {
	t.Helper()
	_, err := f.ledger.AppendDraft(context.Background(), ledger.Draft{Kind: kind, ActorID: ledger.SystemActor, Attrs: attrs})
	require.NoError(t, err)
}

func (f *fixture) report(t *testing.T, sub, agent string) {
	t.Helper()
	f.append(t, ir.KindSubUnitDispatched, ir.IRObject{
		ir.AttrWorkUnitID: ir.IRString("wu-1"),
		ir.AttrSubUnitID:  ir.IRString(sub),
	})
	r := ir.ExecutionReport{
		SubUnitID:  sub,
		AgentID:    agent,
		ResultHash: strings.Repeat("c3", 32),
		Metrics:    map[string]int64{"files_created": 2},
		ProducedAt: testutil.Epoch,
	}
	h, err := ir.ReportHash(r)
	require.NoError(t, err)
	f.append(t, ir.KindReportSubmitted, ir.ReportAttrs("wu-1", r, h))
}

func (f *fixture) approve(t *testing.T, root string) {
	t.Helper()
	f.append(t, ir.KindReviewApproved, ir.IRObject{
		ir.AttrWorkUnitID:  ir.IRString("wu-1"),
		ir.AttrReportRef:   ir.IRString(ir.CompositeRef("wu-1", root)),
		ir.AttrChallengeID: ir.IRString("chl-test"),
	})
}

func requireKind(t *testing.T, err error, target error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, target), "got %v", err)
}

func TestAttestorSignsAndVerifies(t *testing.T) {
	a := DevelopmentAttestor()
	assert.Len(t, a.KeyID(), 16)
	p := a.Attest("s1", strings.Repeat("ab", 32))
	require.NoError(t, a.Verify(p, strings.Repeat("ab", 32)))

	assert.ErrorIs(t, a.Verify(p, strings.Repeat("cd", 32)), ErrBadAttestation)
	forged := p
	forged.SubUnitID = "s2"
	assert.ErrorIs(t, a.Verify(forged, p.ReportHash), ErrBadAttestation)

	other, err := NewAttestor(make([]byte, 32))
	require.NoError(t, err)
	assert.NotEqual(t, a.KeyID(), other.KeyID())
	assert.ErrorIs(t, other.Verify(p, p.ReportHash), ErrBadAttestation)

	_, err = NewAttestor([]byte("short"))
	assert.Error(t, err)
}

func TestAttestorFromPolicy(t *testing.T) {
	dev, err := AttestorFromPolicy(config.Policy{})
	require.NoError(t, err)
	assert.Equal(t, DevelopmentAttestor().KeyID(), dev.KeyID())

	seeded, err := AttestorFromPolicy(config.Policy{AttestorSeed: strings.Repeat("01", 32)})
	require.NoError(t, err)
	assert.NotEqual(t, dev.KeyID(), seeded.KeyID())

	_, err = AttestorFromPolicy(config.Policy{AttestorSeed: "zz"})
	assert.Error(t, err)
}

func TestCompositeLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, ok, err := f.agg.Get(ctx, "wu-1")
	require.NoError(t, err)
	assert.False(t, ok)

	f.report(t, "s1", "agent-1")
	p1, err := f.agg.Attach(ctx, "wu-1", "s1")
	require.NoError(t, err)
	again, err := f.agg.Attach(ctx, "wu-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, p1, again, "attach is idempotent")

	c, ok, err := f.agg.Get(ctx, "wu-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.FinalityDraft, c.State)
	assert.Len(t, c.ChildProofRoots, 1)

	_, err = f.agg.Seal(ctx, "wu-1")
	requireKind(t, err, fault.ErrIncompleteChildProofs)
	fe, _ := fault.As(err)
	assert.Contains(t, fe.Message, "s2")

	_, err = f.agg.Attach(ctx, "wu-1", "s2")
	requireKind(t, err, fault.ErrIncompleteChildProofs)

	f.report(t, "s2", "agent-2")
	_, err = f.agg.Attach(ctx, "wu-1", "s2")
	require.NoError(t, err)

	sealed, err := f.agg.Seal(ctx, "wu-1")
	require.NoError(t, err)
	assert.Equal(t, ir.FinalitySealed, sealed.State)
	root, err := MerkleRoot(sealed.ChildProofRoots)
	require.NoError(t, err)
	assert.Equal(t, root, sealed.MerkleRoot)

	_, err = f.agg.Attach(ctx, "wu-1", "s1")
	requireKind(t, err, fault.ErrImmutabilityViolation)
	_, err = f.agg.Seal(ctx, "wu-1")
	requireKind(t, err, fault.ErrImmutabilityViolation)

	_, err = f.agg.Finalize(ctx, "wu-1")
	requireKind(t, err, fault.ErrReviewPending)

	f.approve(t, strings.Repeat("00", 32))
	_, err = f.agg.Finalize(ctx, "wu-1")
	requireKind(t, err, fault.ErrReviewPending)

	f.approve(t, sealed.MerkleRoot)
	final, err := f.agg.Finalize(ctx, "wu-1")
	require.NoError(t, err)
	assert.Equal(t, ir.FinalityFinal, final.State)
	assert.Equal(t, sealed.MerkleRoot, final.MerkleRoot)

	for _, op := range []func() error{
		func() error { _, err := f.agg.Attach(ctx, "wu-1", "s2"); return err },
		func() error { _, err := f.agg.Seal(ctx, "wu-1"); return err },
		func() error { _, err := f.agg.Finalize(ctx, "wu-1"); return err },
	} {
		requireKind(t, op(), fault.ErrImmutabilityViolation)
	}

	require.NoError(t, f.agg.Verify(ctx, "wu-1"))
	inc, err := f.agg.InclusionProof(ctx, "wu-1", "s2")
	require.NoError(t, err)
	assert.Equal(t, final.MerkleRoot, inc.Root)
	assert.NoError(t, VerifyInclusion(inc))

	faults, err := f.ledger.Find(ctx, ledger.Filter{Kinds: []ir.EntryKind{ir.KindFault}})
	require.NoError(t, err)
	assert.NotEmpty(t, faults, "refused transitions are audited")
}

func TestTerminalWorkUnitRefusesTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.report(t, "s1", "agent-1")
	f.report(t, "s2", "agent-2")
	_, err := f.agg.Attach(ctx, "wu-1", "s1")
	require.NoError(t, err)
	_, err = f.agg.Attach(ctx, "wu-1", "s2")
	require.NoError(t, err)
	sealed, err := f.agg.Seal(ctx, "wu-1")
	require.NoError(t, err)
	f.approve(t, sealed.MerkleRoot)

	f.append(t, ir.KindRejected, ir.IRObject{ir.AttrWorkUnitID: ir.IRString("wu-1")})

	_, err = f.agg.Finalize(ctx, "wu-1")
	requireKind(t, err, fault.ErrImmutabilityViolation)
	fe, _ := fault.As(err)
	assert.Equal(t, "WU-TERMINAL", fe.Code)

	c, _, err := f.agg.Get(ctx, "wu-1")
	require.NoError(t, err)
	assert.Equal(t, ir.FinalitySealed, c.State, "a rejected unit never reaches FINAL")
}

func TestAttachAndSealRefuseTerminalWorkUnit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.report(t, "s1", "agent-1")
	f.append(t, ir.KindRejected, ir.IRObject{ir.AttrWorkUnitID: ir.IRString("wu-1")})

	_, err := f.agg.Attach(ctx, "wu-1", "s1")
	requireKind(t, err, fault.ErrImmutabilityViolation)
	_, err = f.agg.Seal(ctx, "wu-1")
	requireKind(t, err, fault.ErrImmutabilityViolation)

	_, ok, err := f.agg.Get(ctx, "wu-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSealRefusesFailedSubUnits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.report(t, "s1", "agent-1")
	_, err := f.agg.Attach(ctx, "wu-1", "s1")
	require.NoError(t, err)
	f.append(t, ir.KindSubUnitFailed, ir.IRObject{
		ir.AttrWorkUnitID: ir.IRString("wu-1"),
		ir.AttrSubUnitID:  ir.IRString("s2"),
	})

	_, err = f.agg.Seal(ctx, "wu-1")
	requireKind(t, err, fault.ErrIncompleteChildProofs)
	c, _, err := f.agg.Get(ctx, "wu-1")
	require.NoError(t, err)
	assert.Equal(t, ir.FinalityDraft, c.State)
}

func TestSealRejectsForeignProof(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ir.SubUnit{ID: "s1", AgentID: "agent-1"})
	f.report(t, "s1", "agent-1")

	other, err := NewAttestor(make([]byte, 32))
	require.NoError(t, err)
	_, err = New(f.ledger, other).Attach(ctx, "wu-1", "s1")
	require.NoError(t, err)

	_, err = f.agg.Seal(ctx, "wu-1")
	requireKind(t, err, fault.ErrIncompleteChildProofs)
	assert.ErrorIs(t, f.agg.Verify(ctx, "wu-1"), ErrBadAttestation)
}

func TestSupersede(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.agg.Supersede(ctx, "wu-1", "wu-2", "alice")
	requireKind(t, err, fault.ErrGateValidation)

	wu2 := ir.WorkUnit{ID: "wu-2", Type: "feature", Number: 2, IssuerID: "alice", Lane: "core", Scope: []string{"api"}, Supersedes: "wu-1"}
	f.append(t, ir.KindWorkUnitIssued, ir.WorkUnitAttrs(wu2, []ir.SubUnit{{ID: "s1", AgentID: "agent-1"}}))

	e, err := f.agg.Supersede(ctx, "wu-1", "wu-2", "alice")
	require.NoError(t, err)
	assert.Equal(t, ir.KindSuperseded, e.Kind)
	assert.Equal(t, "wu-1", e.Attrs.String(ir.AttrWorkUnitID))
	assert.Equal(t, "wu-2", e.Attrs.String(ir.AttrSupersededBy))

	_, err = f.agg.Supersede(ctx, "wu-1", "wu-2", "alice")
	requireKind(t, err, fault.ErrImmutabilityViolation)
}
