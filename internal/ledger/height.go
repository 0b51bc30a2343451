package ledger

import "sync/atomic"

// height tracks the sequence of the last entry this process observed.
//
// It is read without taking the writer lock, so status lines and metrics
// never contend with appends. The backend head remains authoritative; a
// stale height only means another writer appended since.
type height struct {
	seq atomic.Uint64
}

// Load returns the last observed sequence.
func (h *height) Load() uint64 {
	return h.seq.Load()
}

// Observe raises the height to seq. Lower values are ignored, so the
// height never decreases.
func (h *height) Observe(seq uint64) {
	for {
		cur := h.seq.Load()
		if seq <= cur || h.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}
