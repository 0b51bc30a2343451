// Package sequencer enforces per-issuer monotonic WorkUnit numbering with
// single-use, time-boxed reservations.
//
// No counter is kept in memory. The next number, live reservations and
// whether a reservation was consumed are all derived from ledger entries:
//
//	RESERVED          claims (type, owner, number) until expires_at
//	WORKUNIT_ISSUED   consumes the reservation named by reservation_seq
//
// Consume checks the reservation and appends the issued unit in one ledger
// transaction, so a reservation is never consumed without its WorkUnit and
// a WorkUnit is never issued without consuming a reservation.
package sequencer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/govledger/internal/config"
	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
)

// DefaultTTL is how long a reservation stays live.
const DefaultTTL = 10 * time.Minute

// Sequencer issues reservations and consumes them into WorkUnits.
type Sequencer struct {
	ledger            *ledger.Ledger
	ttl               time.Duration
	rejectedSatisfies bool
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithTTL sets the reservation lifetime.
func WithTTL(d time.Duration) Option {
	return func(s *Sequencer) {
		s.ttl = d
	}
}

// WithRejectedSatisfiesSequence selects whether a REJECTED predecessor
// unblocks the next number.
func WithRejectedSatisfiesSequence(ok bool) Option {
	return func(s *Sequencer) {
		s.rejectedSatisfies = ok
	}
}

// WithPolicy applies the reservation TTL and sequencing policy.
func WithPolicy(p config.Policy) Option {
	return func(s *Sequencer) {
		s.ttl = p.ReservationTTL
		s.rejectedSatisfies = p.Sequencing.RejectedSatisfiesSequence
	}
}

// New creates a Sequencer over l. By default REJECTED satisfies the
// sequential gate.
func New(l *ledger.Ledger, opts ...Option) *Sequencer {
	s := &Sequencer{
		ledger:            l,
		ttl:               DefaultTTL,
		rejectedSatisfies: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RejectedSatisfiesSequence reports the active sequencing policy.
func (s *Sequencer) RejectedSatisfiesSequence() bool {
	return s.rejectedSatisfies
}

// Reserve claims the next number of (workUnitType, ownerID). It fails with
// a SequenceGapError while the previous unit is still open, and with a
// ReservationError when the owner already holds a live reservation for it.
func (s *Sequencer) Reserve(ctx context.Context, workUnitType, ownerID string) (ir.Reservation, error) {
	var rsv ir.Reservation
	entries, err := s.ledger.Transact(ctx, ownerID, func(ctx context.Context, v ledger.View) ([]ledger.Draft, error) {
		if workUnitType == "" || ownerID == "" {
			return nil, fault.NewReservationError(fault.CodeReservationMissing, "type", 0, "",
				"work unit type and owner are required")
		}
		next, err := NextExpected(ctx, v, workUnitType, ownerID)
		if err != nil {
			return nil, err
		}
		if err := CheckSequential(ctx, v, workUnitType, ownerID, next, s.rejectedSatisfies); err != nil {
			return nil, err
		}

		now := v.Now()
		held, ok, err := FindReservation(ctx, v, workUnitType, ownerID, next)
		if err != nil {
			return nil, err
		}
		if ok && held.Live(now) {
			return nil, fault.NewReservationError(fault.CodeReservationHeld, "number", next,
				held.ExpiresAt.Format(time.RFC3339),
				fmt.Sprintf("number %d is already reserved until %s", next, held.ExpiresAt.Format(time.RFC3339)))
		}

		rsv = ir.Reservation{
			Type:      workUnitType,
			Number:    next,
			OwnerID:   ownerID,
			ExpiresAt: now.Add(s.ttl).UTC(),
		}
		return []ledger.Draft{{
			Kind:       ir.KindReserved,
			PayloadRef: ReservationRef(workUnitType, ownerID, next),
			ActorID:    ownerID,
			Attrs: ir.IRObject{
				ir.AttrType:      ir.IRString(workUnitType),
				ir.AttrOwner:     ir.IRString(ownerID),
				ir.AttrNumber:    ir.IRInt(int64(next)),
				ir.AttrExpiresAt: ir.UnixNanos(rsv.ExpiresAt),
			},
		}}, nil
	})
	if err != nil {
		return ir.Reservation{}, err
	}
	rsv.Sequence = entries[0].Sequence
	return rsv, nil
}

// ConsumeRequest issues WorkUnit against the reservation for Number.
type ConsumeRequest struct {
	// ActorID is the requesting actor; it must own the reservation.
	ActorID  string
	Number   uint64
	WorkUnit ir.WorkUnit
	SubUnits []ir.SubUnit

	// Guard runs inside the same transaction after the reservation and
	// sequential checks pass. Its drafts are appended ahead of the issued
	// entry; an error aborts issuance and its drafts record the failure.
	Guard ledger.TxFunc
}

// Consume validates the reservation and appends WORKUNIT_ISSUED atomically.
func (s *Sequencer) Consume(ctx context.Context, req ConsumeRequest) (ir.LedgerEntry, error) {
	wu := req.WorkUnit
	entries, err := s.ledger.Transact(ctx, req.ActorID, func(ctx context.Context, v ledger.View) ([]ledger.Draft, error) {
		rsv, ok, err := FindReservation(ctx, v, wu.Type, wu.IssuerID, req.Number)
		if err != nil {
			return nil, err
		}
		if !ok {
			next, err := NextExpected(ctx, v, wu.Type, wu.IssuerID)
			if err != nil {
				return nil, err
			}
			return nil, fault.NewReservationError(fault.CodeReservationMissing, "number", req.Number,
				strconv.FormatUint(next, 10),
				fmt.Sprintf("no reservation for %s number %d of %s", wu.Type, req.Number, wu.IssuerID))
		}
		if rsv.OwnerID != req.ActorID {
			return nil, fault.NewReservationError(fault.CodeReservationOwner, "owner", req.Number, rsv.OwnerID,
				fmt.Sprintf("reservation is owned by %s", rsv.OwnerID))
		}
		if rsv.Consumed {
			return nil, fault.NewReservationError(fault.CodeReservationConsumed, "number", req.Number, "",
				"reservation already consumed")
		}
		if !v.Now().Before(rsv.ExpiresAt) {
			return nil, fault.NewReservationError(fault.CodeReservationExpired, "expires_at", req.Number,
				"reserve again",
				fmt.Sprintf("reservation expired at %s", rsv.ExpiresAt.Format(time.RFC3339)))
		}
		if wu.Number != req.Number {
			return nil, fault.NewReservationError(fault.CodeReservationMismatch, "number", req.Number,
				strconv.FormatUint(req.Number, 10),
				fmt.Sprintf("work unit carries number %d", wu.Number))
		}
		if err := CheckSequential(ctx, v, wu.Type, wu.IssuerID, wu.Number, s.rejectedSatisfies); err != nil {
			return nil, err
		}

		var drafts []ledger.Draft
		if req.Guard != nil {
			guarded, err := req.Guard(ctx, v)
			if err != nil {
				return guarded, err
			}
			drafts = guarded
		}

		attrs := ir.WorkUnitAttrs(wu, req.SubUnits)
		attrs[ir.AttrReservationSeq] = ir.IRInt(int64(rsv.Sequence))
		return append(drafts, ledger.Draft{
			Kind:       ir.KindWorkUnitIssued,
			PayloadRef: wu.ID,
			ActorID:    req.ActorID,
			Attrs:      attrs,
		}), nil
	})
	if err != nil {
		return ir.LedgerEntry{}, err
	}
	return entries[len(entries)-1], nil
}

// ValidateSequential checks that wu may be issued now.
func (s *Sequencer) ValidateSequential(ctx context.Context, wu ir.WorkUnit) error {
	return CheckSequential(ctx, s.ledger, wu.Type, wu.IssuerID, wu.Number, s.rejectedSatisfies)
}

// NextExpected returns the next number (workUnitType, issuerID) will be
// allowed to issue once its predecessor is terminal.
func (s *Sequencer) NextExpected(ctx context.Context, workUnitType, issuerID string) (uint64, error) {
	return NextExpected(ctx, s.ledger, workUnitType, issuerID)
}

// Reservation returns the most recent reservation of number.
func (s *Sequencer) Reservation(ctx context.Context, workUnitType, ownerID string, number uint64) (ir.Reservation, bool, error) {
	return FindReservation(ctx, s.ledger, workUnitType, ownerID, number)
}

// ReservationRef is the payload reference of a RESERVED entry.
func ReservationRef(workUnitType, ownerID string, number uint64) string {
	return fmt.Sprintf("rsv:%s:%s:%d", workUnitType, ownerID, number)
}
