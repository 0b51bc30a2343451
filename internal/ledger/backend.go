package ledger

import (
	"context"
	"errors"
	"slices"

	"github.com/roach88/govledger/internal/ir"
)

// ErrSequenceTaken is returned by Backend.Insert when the batch does not
// extend the current head, because another writer appended first.
var ErrSequenceTaken = errors.New("ledger: sequence already taken")

// ErrNotFound is returned when a referenced entry does not exist.
var ErrNotFound = errors.New("ledger: entry not found")

// Backend is the persistence contract of the ledger. Any durable,
// key-ordered store with atomic batch inserts and read-after-write
// consistency satisfies it.
type Backend interface {
	// Head returns the entry with the highest sequence.
	Head(ctx context.Context) (ir.LedgerEntry, bool, error)

	// Insert appends a batch atomically. The first entry must have
	// sequence head+1 and prevHash equal to the head's entryHash, or
	// ErrSequenceTaken is returned and nothing is written.
	Insert(ctx context.Context, entries []ir.LedgerEntry) error

	// Range returns entries with from <= sequence <= to in sequence
	// order. to == 0 means up to the head.
	Range(ctx context.Context, from, to uint64) ([]ir.LedgerEntry, error)

	// Scan returns entries matching f.
	Scan(ctx context.Context, f Filter) ([]ir.LedgerEntry, error)

	Close() error
}

// Filter selects ledger entries. Zero-valued fields match everything.
// Results are always ordered by sequence, ascending unless Descending.
type Filter struct {
	Kinds      []ir.EntryKind
	ActorID    string
	PayloadRef string

	// Attrs matches scalar attribute values by their string form
	// (see ir.Scalar). Non-scalar attributes never match.
	Attrs map[string]string

	FromSeq    uint64
	ToSeq      uint64
	Limit      int
	Descending bool
}

// Match reports whether e satisfies every condition of f except the
// ordering and limit.
func (f Filter) Match(e ir.LedgerEntry) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.PayloadRef != "" && e.PayloadRef != f.PayloadRef {
		return false
	}
	if f.FromSeq > 0 && e.Sequence < f.FromSeq {
		return false
	}
	if f.ToSeq > 0 && e.Sequence > f.ToSeq {
		return false
	}
	for k, want := range f.Attrs {
		got, ok := ir.Scalar(e.Attrs[k])
		if !ok || got != want {
			return false
		}
	}
	return true
}

// ByWorkUnit returns a filter on the work_unit_id attribute.
func ByWorkUnit(workUnitID string, kinds ...ir.EntryKind) Filter {
	return Filter{Kinds: kinds, Attrs: map[string]string{ir.AttrWorkUnitID: workUnitID}}
}

func cloneEntry(e ir.LedgerEntry) ir.LedgerEntry {
	e.Attrs = e.Attrs.Clone()
	return e
}
