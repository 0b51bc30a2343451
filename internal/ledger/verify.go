package ledger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/telemetry"
)

// Verify recomputes the hash chain over [from, to] and returns a
// ChainBroken error naming the first offending sequence. to == 0 means the
// head. The entry before from is read to check the first link.
func (l *Ledger) Verify(ctx context.Context, from, to uint64) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "ledger.Verify",
		attribute.Int64("from", int64(from)),
		attribute.Int64("to", int64(to)),
	)
	defer func() {
		l.metrics.Verified(err == nil)
		telemetry.EndSpan(span, err)
	}()

	if from < 1 {
		from = 1
	}
	start := from
	if from > 1 {
		start = from - 1
	}
	entries, err := l.backend.Range(ctx, start, to)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	prevSeq, prevHash := uint64(0), ir.GenesisHash
	if from > 1 {
		if len(entries) == 0 || entries[0].Sequence != from-1 {
			return fault.NewChainBrokenError(from-1, "sequence", "predecessor of range is missing")
		}
		prevSeq, prevHash = entries[0].Sequence, entries[0].EntryHash
		entries = entries[1:]
	}

	for _, e := range entries {
		if err := checkLink(e, prevSeq, prevHash); err != nil {
			l.logger.Warn("ledger chain broken", "seq", e.Sequence, "error", err)
			return err
		}
		prevSeq, prevHash = e.Sequence, e.EntryHash
	}
	return nil
}

// VerifyAll verifies the whole chain.
func (l *Ledger) VerifyAll(ctx context.Context) error {
	return l.Verify(ctx, 1, 0)
}

func checkLink(e ir.LedgerEntry, prevSeq uint64, prevHash string) error {
	if e.Sequence != prevSeq+1 {
		return fault.NewChainBrokenError(prevSeq+1, "sequence",
			fmt.Sprintf("expected sequence %d, found %d", prevSeq+1, e.Sequence))
	}
	if e.PrevHash != prevHash {
		return fault.NewChainBrokenError(e.Sequence, "prev_hash", "does not match predecessor entry hash")
	}
	want, err := ir.EntryHash(e)
	if err != nil {
		return fault.NewChainBrokenError(e.Sequence, "attrs", err.Error())
	}
	if want != e.EntryHash {
		return fault.NewChainBrokenError(e.Sequence, "entry_hash", "recomputed hash does not match stored hash")
	}
	return nil
}
