package ledger

import (
	"context"
	"fmt"
	"slices"

	"github.com/sasha-s/go-deadlock"

	"github.com/roach88/govledger/internal/ir"
)

// Memory is an in-process Backend. It is used by tests, the scenario
// harness and dry runs.
//
// Thread-safety: All methods are safe for concurrent use.
type Memory struct {
	mu      deadlock.RWMutex
	entries []ir.LedgerEntry
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{}
}

// Head implements Backend.
func (m *Memory) Head(ctx context.Context) (ir.LedgerEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return ir.LedgerEntry{}, false, nil
	}
	return cloneEntry(m.entries[len(m.entries)-1]), true, nil
}

// Insert implements Backend.
func (m *Memory) Insert(ctx context.Context, entries []ir.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prevSeq, prevHash := uint64(0), ir.GenesisHash
	if n := len(m.entries); n > 0 {
		prevSeq, prevHash = m.entries[n-1].Sequence, m.entries[n-1].EntryHash
	}
	for _, e := range entries {
		if e.Sequence != prevSeq+1 || e.PrevHash != prevHash {
			if e.Sequence == entries[0].Sequence {
				return ErrSequenceTaken
			}
			return fmt.Errorf("memory insert: batch is not contiguous at sequence %d", e.Sequence)
		}
		prevSeq, prevHash = e.Sequence, e.EntryHash
	}

	for _, e := range entries {
		m.entries = append(m.entries, cloneEntry(e))
	}
	return nil
}

// Range implements Backend.
func (m *Memory) Range(ctx context.Context, from, to uint64) ([]ir.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := uint64(len(m.entries))
	if from < 1 {
		from = 1
	}
	if to == 0 || to > n {
		to = n
	}
	if from > to {
		return nil, nil
	}
	out := make([]ir.LedgerEntry, 0, to-from+1)
	for _, e := range m.entries[from-1 : to] {
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

// Scan implements Backend.
func (m *Memory) Scan(ctx context.Context, f Filter) ([]ir.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ir.LedgerEntry
	for _, e := range m.entries {
		if f.Match(e) {
			out = append(out, cloneEntry(e))
		}
	}
	if f.Descending {
		slices.Reverse(out)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Close implements Backend.
func (m *Memory) Close() error {
	return nil
}
