package sequencer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
)

func issuedFilter(workUnitType, issuerID string) ledger.Filter {
	return ledger.Filter{
		Kinds: []ir.EntryKind{ir.KindWorkUnitIssued},
		Attrs: map[string]string{
			ir.AttrType:   workUnitType,
			ir.AttrIssuer: issuerID,
		},
	}
}

// IssuedUnit returns the WORKUNIT_ISSUED entry for number.
func IssuedUnit(ctx context.Context, v ledger.View, workUnitType, issuerID string, number uint64) (ir.LedgerEntry, bool, error) {
	f := issuedFilter(workUnitType, issuerID)
	f.Attrs[ir.AttrNumber] = strconv.FormatUint(number, 10)
	return v.Last(ctx, f)
}

// NextExpected returns one past the highest issued number, or 1.
func NextExpected(ctx context.Context, v ledger.View, workUnitType, issuerID string) (uint64, error) {
	last, ok, err := v.Last(ctx, issuedFilter(workUnitType, issuerID))
	if err != nil || !ok {
		return 1, err
	}
	n, ok := last.Attrs.Int(ir.AttrNumber)
	if !ok {
		return 0, fmt.Errorf("issued entry %d has no number", last.Sequence)
	}
	return uint64(n) + 1, nil
}

// CheckSequential enforces that number N of (workUnitType, issuerID) is
// issued only after N-1 reached CLOSED, or REJECTED when
// rejectedSatisfies. Number 1 is exempt.
func CheckSequential(ctx context.Context, v ledger.View, workUnitType, issuerID string, number uint64, rejectedSatisfies bool) error {
	next, err := NextExpected(ctx, v, workUnitType, issuerID)
	if err != nil {
		return err
	}
	if number == 0 {
		return fault.NewSequenceGapError(fault.CodeSequenceGap, issuerID, number, next, "numbers start at 1")
	}
	if _, dup, err := IssuedUnit(ctx, v, workUnitType, issuerID, number); err != nil {
		return err
	} else if dup {
		return fault.NewSequenceGapError(fault.CodeSequenceDuplicate, issuerID, number, next,
			fmt.Sprintf("%s number %d already issued", workUnitType, number))
	}
	if number == 1 {
		return nil
	}

	prev, ok, err := IssuedUnit(ctx, v, workUnitType, issuerID, number-1)
	if err != nil {
		return err
	}
	if !ok {
		return fault.NewSequenceGapError(fault.CodeSequenceGap, issuerID, number, next,
			fmt.Sprintf("%s number %d was never issued", workUnitType, number-1))
	}

	terminal, ok, err := ledger.Terminal(ctx, v, prev.PayloadRef)
	if err != nil {
		return err
	}
	switch {
	case ok && terminal.Kind == ir.KindClosed:
		return nil
	case ok && terminal.Kind == ir.KindRejected && rejectedSatisfies:
		return nil
	case ok:
		return fault.NewSequenceGapError(fault.CodeSequenceOpen, issuerID, number, number-1,
			fmt.Sprintf("%s number %d was rejected and policy requires closure", workUnitType, number-1))
	default:
		return fault.NewSequenceGapError(fault.CodeSequenceOpen, issuerID, number, number-1,
			fmt.Sprintf("%s number %d (%s) is not closed", workUnitType, number-1, prev.PayloadRef))
	}
}

// FindReservation derives the latest reservation of number from the
// ledger, including whether it was consumed.
func FindReservation(ctx context.Context, v ledger.View, workUnitType, ownerID string, number uint64) (ir.Reservation, bool, error) {
	e, ok, err := v.Last(ctx, ledger.Filter{
		Kinds: []ir.EntryKind{ir.KindReserved},
		Attrs: map[string]string{
			ir.AttrType:   workUnitType,
			ir.AttrOwner:  ownerID,
			ir.AttrNumber: strconv.FormatUint(number, 10),
		},
	})
	if err != nil || !ok {
		return ir.Reservation{}, false, err
	}
	expires, _ := e.Attrs.Int(ir.AttrExpiresAt)
	rsv := ir.Reservation{
		Type:      workUnitType,
		Number:    number,
		OwnerID:   e.Attrs.String(ir.AttrOwner),
		ExpiresAt: ir.FromUnixNanos(expires),
		Sequence:  e.Sequence,
	}
	_, rsv.Consumed, err = v.Last(ctx, ledger.Filter{
		Kinds: []ir.EntryKind{ir.KindWorkUnitIssued},
		Attrs: map[string]string{ir.AttrReservationSeq: strconv.FormatUint(e.Sequence, 10)},
	})
	if err != nil {
		return ir.Reservation{}, false, err
	}
	return rsv, true, nil
}
