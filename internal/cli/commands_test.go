package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govledger/internal/config"
	"github.com/roach88/govledger/internal/dispatch"
	"github.com/roach88/govledger/internal/engine"
	"github.com/roach88/govledger/internal/harness"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/store"
	"github.com/roach88/govledger/internal/testutil"
)

const policyFile = "testdata/policy.cue"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

// seedLedger writes a small fixed ledger to a new database and returns its
// path.
func seedLedger(t *testing.T) (string, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	clk := testutil.NewManualClock(testutil.Epoch)
	l := ledger.New(st, ledger.WithClock(clk), ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	ctx := context.Background()

	wu := ir.WorkUnit{ID: "wu-1", Type: "feature", Number: 1, IssuerID: "alice", Lane: "core", Scope: []string{"api"}}
	drafts := []ledger.Draft{
		{Kind: ir.KindReserved, PayloadRef: "rsv:feature:alice:1", ActorID: "alice", Attrs: ir.IRObject{
			ir.AttrType: ir.IRString("feature"), ir.AttrOwner: ir.IRString("alice"), ir.AttrNumber: ir.IRInt(1),
		}},
		{Kind: ir.KindWorkUnitIssued, PayloadRef: "wu-1", ActorID: "alice",
			Attrs: ir.WorkUnitAttrs(wu, []ir.SubUnit{{ID: "s1", AgentID: "agent-1"}})},
		{Kind: ir.KindGateFailed, PayloadRef: "wu-2", ActorID: "bob", Attrs: ir.IRObject{
			ir.AttrCode: ir.IRString("AUT-003"), ir.AttrGate: ir.IRString("G1"),
		}},
		{Kind: ir.KindRejected, PayloadRef: "wu-1", ActorID: ledger.SystemActor, Attrs: ir.IRObject{
			ir.AttrWorkUnitID: ir.IRString("wu-1"), ir.AttrReason: ir.IRString("cancelled"),
		}},
	}
	for _, d := range drafts {
		_, err := l.AppendDraft(ctx, d)
		require.NoError(t, err)
		clk.Advance(time.Second)
	}
	t.Cleanup(func() { _ = st.Close() })
	return path, st
}

func TestReadCommandsRequireDatabase(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.db")
	for _, args := range [][]string{{"verify"}, {"log"}, {"head"}, {"report"}, {"status", "wu-1"}} {
		t.Run(args[0], func(t *testing.T) {
			_, err := run(t, append(args, "--db", missing)...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), "database not found")
		})
	}
}

func TestLogText(t *testing.T) {
	path, _ := seedLedger(t)
	out, err := run(t, "log", "--db", path)
	require.NoError(t, err)
	golden(t).Assert(t, "log_text", []byte(out))
}

func TestLogFilters(t *testing.T) {
	path, _ := seedLedger(t)

	out, err := run(t, "log", "--db", path, "--kind", "gate_failed", "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Status string           `json:"status"`
		Data   []ir.LedgerEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, ir.KindGateFailed, resp.Data[0].Kind)

	out, err = run(t, "log", "--db", path, "--work-unit", "wu-1")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "\n"))

	out, err = run(t, "log", "--db", path, "--actor", "carol")
	require.NoError(t, err)
	assert.Equal(t, "No entries.\n", out)

	_, err = run(t, "log", "--db", path, "--kind", "BOGUS")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestHead(t *testing.T) {
	path, _ := seedLedger(t)
	out, err := run(t, "head", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "REJECTED")
	assert.Contains(t, out, "reason=cancelled")
}

func TestVerify(t *testing.T) {
	path, st := seedLedger(t)

	out, err := run(t, "verify", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "chain valid: sequences 1..4")

	_, err = st.DB().Exec(`DROP TRIGGER ledger_entries_no_update`)
	require.NoError(t, err)
	_, err = st.DB().Exec(`UPDATE ledger_entries SET payload_ref = 'forged' WHERE sequence = 3`)
	require.NoError(t, err)

	out, err = run(t, "verify", "--db", path, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CHAIN_BROKEN", resp.Error.Kind)
	assert.Equal(t, uint64(3), resp.Error.Sequence)

	// The range before the tampered entry still verifies.
	_, err = run(t, "verify", "--db", path, "--to", "2")
	require.NoError(t, err)
}

func TestReport(t *testing.T) {
	path, _ := seedLedger(t)

	out, err := run(t, "report", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "height: 4")
	assert.Contains(t, out, "feature/alice issued=[1] closed=0 rejected=1")

	out, err = run(t, "report", "--db", path, "--format", "json", "--strict")
	require.NoError(t, err)
	var resp struct {
		Data struct {
			GateFailures map[string]int `json:"gate_failures"`
			Chain        struct {
				Valid bool `json:"valid"`
			} `json:"chain"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Data.Chain.Valid)
	assert.Equal(t, 1, resp.Data.GateFailures["AUT-003"])
}

func TestReserve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	out, err := run(t, "reserve", "--db", path, "--policy", policyFile, "--type", "feature", "--owner", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "reserved feature #1 for alice")

	out, err = run(t, "reserve", "--db", path, "--policy", policyFile, "--type", "feature", "--owner", "alice", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "RESERVATION", resp.Error.Kind)
	assert.Equal(t, "RSV-HELD", resp.Error.Code)

	// The refusal is itself on the ledger.
	out, err = run(t, "log", "--db", path, "--kind", "FAULT")
	require.NoError(t, err)
	assert.Contains(t, out, "FAULT")
}

func TestSchema(t *testing.T) {
	out, err := run(t, "schema", "report")
	require.NoError(t, err)
	var s map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	props, ok := s["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "result_hash")
	assert.Contains(t, props, "metrics")

	out, err = run(t, "schema", "work-unit")
	require.NoError(t, err)
	assert.Contains(t, out, "sub_units")

	_, err = run(t, "schema", "invoice")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestPolicyCheck(t *testing.T) {
	out, err := run(t, "policy", "check", policyFile)
	require.NoError(t, err)
	golden(t).Assert(t, "policy_check", []byte(out))

	out, err = run(t, "policy", "check", "testdata/invalid_policy.cue")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E100]")
}

func TestChallengeAndAnswer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	policy, err := config.Load(policyFile)
	require.NoError(t, err)
	ctx := context.Background()

	st, err := store.Open(path)
	require.NoError(t, err)
	l := ledger.New(st, ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	agent := engine.AgentFunc(func(_ context.Context, task dispatch.Task) (ir.ExecutionReport, error) {
		return ir.ExecutionReport{AgentID: task.SubUnit.AgentID, ResultHash: strings.Repeat("ab", 32)}, nil
	})
	eng, err := engine.New(l, policy, engine.WithAgent("agent-1", agent), engine.WithAgent("agent-2", agent))
	require.NoError(t, err)

	rsv, err := eng.Reserve(ctx, "feature", "alice")
	require.NoError(t, err)
	_, err = eng.Issue(ctx, engine.IssueRequest{
		ActorID:  "alice",
		Number:   rsv.Number,
		WorkUnit: ir.WorkUnit{ID: "wu-1", Type: "feature", IssuerID: "alice", Lane: "core", Scope: []string{"api"}},
		SubUnits: []ir.SubUnit{{ID: "s1", AgentID: "agent-1"}, {ID: "s2", AgentID: "agent-2"}},
	})
	require.NoError(t, err)
	outcome, err := eng.Execute(ctx, "wu-1")
	require.NoError(t, err)
	require.True(t, outcome.Sealed)
	eng.Close()

	common := []string{"--db", path, "--policy", policyFile}
	out, err := run(t, append([]string{"challenge", "wu-1", "--format", "json"}, common...)...)
	require.NoError(t, err)
	var resp struct {
		Data ir.Challenge `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	c := resp.Data
	require.NotEmpty(t, c.ID)

	answer, err := harness.ReadingReviewer{Name: "bob", Ledger: l}.Respond(ctx, c)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	out, err = run(t, append([]string{"answer", c.ID, "--reviewer", "bob", "--response", answer, "--wait"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "approved "+c.ID)
	assert.Contains(t, out, "FINAL")

	out, err = run(t, append([]string{"status", "wu-1"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "CLOSED")
	assert.Contains(t, out, "composite: FINAL")

	_, err = run(t, "verify", "--db", path)
	require.NoError(t, err)
}
