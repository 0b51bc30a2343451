package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/testutil"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestLedger(t *testing.T, s *Store) *ledger.Ledger {
	t.Helper()
	return ledger.New(s,
		ledger.WithClock(testutil.NewManualClock(time.Time{})),
		ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_IdempotentAndVersioned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestLedgerRoundTripThroughSQLite(t *testing.T) {
	s := createTestStore(t)
	l := createTestLedger(t, s)
	ctx := context.Background()

	issued, err := l.AppendDraft(ctx, ledger.Draft{
		Kind:       ir.KindWorkUnitIssued,
		PayloadRef: "wu-1",
		ActorID:    "alice",
		Attrs: ir.WorkUnitAttrs(
			ir.WorkUnit{ID: "wu-1", Type: "feature", Number: 1, IssuerID: "alice", Lane: "core", Scope: []string{"api"}},
			[]ir.SubUnit{{ID: "s1", AgentID: "agent-1"}},
		),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append(ctx, ir.KindFinalityDraft, "wu-1", "govledger"); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.Range(ctx, 1, 1)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("range returned %d entries, want 1", len(got))
	}
	if got[0].EntryHash != issued.EntryHash || !got[0].Timestamp.Equal(issued.Timestamp) {
		t.Errorf("stored entry differs from appended entry")
	}
	if h, _ := ir.EntryHash(got[0]); h != issued.EntryHash {
		t.Errorf("hash of stored entry = %s, want %s", h, issued.EntryHash)
	}

	plan, ok, err := ledger.IssuedPlan(ctx, l, "wu-1")
	if err != nil || !ok {
		t.Fatalf("IssuedPlan: ok=%v err=%v", ok, err)
	}
	if plan.WorkUnit.Number != 1 || len(plan.SubUnits) != 1 {
		t.Errorf("unexpected plan: %+v", plan)
	}

	if err := l.VerifyAll(ctx); err != nil {
		t.Errorf("VerifyAll: %v", err)
	}
}

func TestScanAttrFilters(t *testing.T) {
	s := createTestStore(t)
	l := createTestLedger(t, s)
	ctx := context.Background()

	drafts := []ledger.Draft{
		{Kind: ir.KindReserved, ActorID: "alice", PayloadRef: "r1", Attrs: ir.IRObject{ir.AttrNumber: ir.IRInt(1), ir.AttrOwner: ir.IRString("alice")}},
		{Kind: ir.KindReserved, ActorID: "bob", PayloadRef: "r2", Attrs: ir.IRObject{ir.AttrNumber: ir.IRInt(1), ir.AttrOwner: ir.IRString("bob")}},
		{Kind: ir.KindReserved, ActorID: "alice", PayloadRef: "r3", Attrs: ir.IRObject{ir.AttrNumber: ir.IRInt(2), ir.AttrOwner: ir.IRString("alice")}},
		{Kind: ir.KindCorrection, ActorID: "alice", PayloadRef: "r4", Attrs: ir.IRObject{ir.AttrNumber: ir.StringArray([]string{"1"})}},
	}
	for _, d := range drafts {
		if _, err := l.AppendDraft(ctx, d); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter ledger.Filter
		want   []string
	}{
		{"integer attr", ledger.Filter{Attrs: map[string]string{ir.AttrNumber: "1"}}, []string{"r1", "r2"}},
		{"two attrs", ledger.Filter{Attrs: map[string]string{ir.AttrNumber: "1", ir.AttrOwner: "bob"}}, []string{"r2"}},
		{"kind and actor", ledger.Filter{Kinds: []ir.EntryKind{ir.KindReserved}, ActorID: "alice"}, []string{"r1", "r3"}},
		{"descending limit", ledger.Filter{ActorID: "alice", Descending: true, Limit: 2}, []string{"r4", "r3"}},
		{"sequence range", ledger.Filter{FromSeq: 2, ToSeq: 3}, []string{"r2", "r3"}},
		{"missing attr", ledger.Filter{Attrs: map[string]string{"nope": "1"}}, nil},
	}
	// Mirror the same entries into memory to check both backends agree.
	mem := ledger.NewMemory()
	all, err := s.Range(ctx, 1, 0)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if err := mem.Insert(ctx, all); err != nil {
		t.Fatalf("memory insert: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for name, backend := range map[string]ledger.Backend{"sqlite": s, "memory": mem} {
				got, err := backend.Scan(ctx, tt.filter)
				if err != nil {
					t.Fatalf("%s scan: %v", name, err)
				}
				var refs []string
				for _, e := range got {
					refs = append(refs, e.PayloadRef)
				}
				if strings.Join(refs, ",") != strings.Join(tt.want, ",") {
					t.Errorf("%s: got %v, want %v", name, refs, tt.want)
				}
			}
		})
	}
}

func TestInsertRejectsStaleHead(t *testing.T) {
	s := createTestStore(t)
	l := createTestLedger(t, s)
	ctx := context.Background()

	first, err := l.Append(ctx, ir.KindCorrection, "p", "alice")
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	// A second writer that still believes the ledger is empty.
	stale := ir.LedgerEntry{
		Sequence:   1,
		PrevHash:   ir.GenesisHash,
		Kind:       ir.KindCorrection,
		PayloadRef: "other",
		ActorID:    "bob",
		Timestamp:  time.Unix(0, 1),
		Attrs:      ir.IRObject{},
	}
	stale.EntryHash, _ = ir.EntryHash(stale)
	if err := s.Insert(ctx, []ir.LedgerEntry{stale}); !errors.Is(err, ledger.ErrSequenceTaken) {
		t.Fatalf("Insert(stale) = %v, want ErrSequenceTaken", err)
	}

	// Right sequence, wrong predecessor.
	forked := stale
	forked.Sequence = 2
	forked.EntryHash, _ = ir.EntryHash(forked)
	if err := s.Insert(ctx, []ir.LedgerEntry{forked}); !errors.Is(err, ledger.ErrSequenceTaken) {
		t.Fatalf("Insert(forked) = %v, want ErrSequenceTaken", err)
	}

	head, ok, err := s.Head(ctx)
	if err != nil || !ok {
		t.Fatalf("Head: ok=%v err=%v", ok, err)
	}
	if head.EntryHash != first.EntryHash {
		t.Errorf("head changed after rejected inserts")
	}
}

func TestTriggersBlockMutation(t *testing.T) {
	s := createTestStore(t)
	l := createTestLedger(t, s)
	ctx := context.Background()

	if _, err := l.Append(ctx, ir.KindCorrection, "p", "alice"); err != nil {
		t.Fatalf("append: %v", err)
	}

	_, err := s.db.ExecContext(ctx, "UPDATE ledger_entries SET actor_id = 'mallory' WHERE sequence = 1")
	if err == nil || !strings.Contains(err.Error(), "immutable") {
		t.Errorf("UPDATE error = %v, want immutable", err)
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM ledger_entries")
	if err == nil || !strings.Contains(err.Error(), "immutable") {
		t.Errorf("DELETE error = %v, want immutable", err)
	}
}

func TestVerifyDetectsOutOfBandTamper(t *testing.T) {
	s := createTestStore(t)
	l := createTestLedger(t, s)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := l.Append(ctx, ir.KindCorrection, "p", "alice"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// Someone with file access drops the guard and edits a row.
	if _, err := s.db.ExecContext(ctx, "DROP TRIGGER ledger_entries_no_update"); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, "UPDATE ledger_entries SET payload_ref = 'q' WHERE sequence = 3"); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	err := l.VerifyAll(ctx)
	if !errors.Is(err, fault.ErrChainBroken) {
		t.Fatalf("VerifyAll = %v, want ErrChainBroken", err)
	}
	fe, _ := fault.As(err)
	if fe.Sequence != 3 {
		t.Errorf("broken at %d, want 3", fe.Sequence)
	}
}

func TestCompileFilterSQL(t *testing.T) {
	query, params := compileFilter(ledger.Filter{
		Kinds:      []ir.EntryKind{ir.KindClosed, ir.KindRejected},
		ActorID:    "alice",
		Attrs:      map[string]string{"work_unit_id": "wu-1"},
		Descending: true,
		Limit:      1,
	})

	want := "SELECT " + entryColumns + " FROM ledger_entries WHERE kind IN (?, ?) AND actor_id = ? AND " +
		attrPredicate + " ORDER BY sequence DESC LIMIT ?"
	if query != want {
		t.Errorf("query =\n%s\nwant\n%s", query, want)
	}
	if len(params) != 8 {
		t.Fatalf("len(params) = %d, want 8", len(params))
	}
	if params[3] != `$."work_unit_id"` || params[6] != "wu-1" || params[7] != 1 {
		t.Errorf("unexpected params: %v", params)
	}

	query, params = compileFilter(ledger.Filter{})
	if !strings.HasSuffix(query, "ORDER BY sequence ASC") || len(params) != 0 {
		t.Errorf("empty filter compiled to %q %v", query, params)
	}
}
