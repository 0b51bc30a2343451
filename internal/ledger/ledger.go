// Package ledger implements the append-only, hash-chained governance ledger.
//
// The ledger is the only mutable shared state of the system. Every other
// component derives its view by querying it. All writes go through one
// path: Transact runs a read-validate-append closure under a single writer
// lock, computes the hash chain and inserts the batch atomically. If another
// writer sharing the backend took the next sequence first, the closure is
// re-run against the new head.
//
// Thread-safety model:
//   - reads (Head, Find, Last, Query, Entries): safe from any goroutine
//   - writes (Append, Transact, Audit, Correct): serialized by the writer lock
//   - a TxFunc must not call write methods of the same Ledger
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sasha-s/go-deadlock"
	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/govledger/internal/clock"
	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/telemetry"
)

// DefaultRetries bounds optimistic retries after a lost append race.
const DefaultRetries = 16

// Draft is an entry before the ledger assigns its sequence, chain hashes
// and timestamp.
type Draft struct {
	Kind       ir.EntryKind
	PayloadRef string
	ActorID    string
	Attrs      ir.IRObject
}

// View is the read access a transaction closure gets.
type View interface {
	Head(ctx context.Context) (ir.LedgerEntry, bool, error)
	Find(ctx context.Context, f Filter) ([]ir.LedgerEntry, error)
	Last(ctx context.Context, f Filter) (ir.LedgerEntry, bool, error)
	Now() time.Time
}

// TxFunc validates against the ledger and returns the entries to append.
//
// Returning an error without drafts records the error as a FAULT audit
// entry. Returning drafts and an error appends the drafts and then returns
// the error; this is how a failure is recorded with a specific kind (for
// example GATE_FAILED or REVIEW_REJECTED).
type TxFunc func(ctx context.Context, v View) ([]Draft, error)

// Ledger is the single-writer ledger.
type Ledger struct {
	backend Backend
	mu      deadlock.Mutex
	clock   clock.Clock
	logger  *slog.Logger
	metrics *telemetry.Metrics
	retries int
	height  height
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the wall clock used for entry timestamps.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) {
		l.clock = c
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// WithRetries bounds optimistic append retries.
func WithRetries(n int) Option {
	return func(l *Ledger) {
		l.retries = n
	}
}

// New creates a Ledger over backend.
func New(backend Backend, opts ...Option) *Ledger {
	l := &Ledger{
		backend: backend,
		clock:   clock.System{},
		logger:  slog.Default(),
		retries: DefaultRetries,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Close closes the backend.
func (l *Ledger) Close() error {
	return l.backend.Close()
}

// Now returns the ledger's wall-clock time.
func (l *Ledger) Now() time.Time {
	return l.clock.Now()
}

// Height returns the last sequence this process appended or observed.
func (l *Ledger) Height() uint64 {
	return l.height.Load()
}

// Metrics returns the metrics sink, which may be nil.
func (l *Ledger) Metrics() *telemetry.Metrics {
	return l.metrics
}

// Logger returns the structured logger.
func (l *Ledger) Logger() *slog.Logger {
	return l.logger
}

// Append appends a single entry with no attributes.
func (l *Ledger) Append(ctx context.Context, kind ir.EntryKind, payloadRef, actorID string) (ir.LedgerEntry, error) {
	return l.AppendDraft(ctx, Draft{Kind: kind, PayloadRef: payloadRef, ActorID: actorID})
}

// AppendDraft appends a single entry.
func (l *Ledger) AppendDraft(ctx context.Context, d Draft) (ir.LedgerEntry, error) {
	entries, err := l.Transact(ctx, d.ActorID, func(context.Context, View) ([]Draft, error) {
		return []Draft{d}, nil
	})
	if err != nil {
		return ir.LedgerEntry{}, err
	}
	return entries[0], nil
}

// Transact runs fn under the writer lock and appends what it returns.
// actorID is recorded on the FAULT entry when fn fails without drafts.
//
// Errors outside the fault taxonomy (storage failures, cancelled contexts)
// are returned without an audit entry; everything else is appended before
// it is returned.
func (l *Ledger) Transact(ctx context.Context, actorID string, fn TxFunc) (entries []ir.LedgerEntry, err error) {
	ctx, span := telemetry.StartSpan(ctx, "ledger.Transact", attribute.String("actor", actorID))
	defer func() { telemetry.EndSpan(span, err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	for attempt := 0; attempt <= l.retries; attempt++ {
		drafts, fnErr := fn(ctx, l)
		if fnErr != nil && len(drafts) == 0 {
			if _, ok := fault.As(fnErr); !ok {
				return nil, fnErr
			}
			drafts = []Draft{auditDraft(actorID, fnErr)}
		}
		if len(drafts) == 0 {
			return nil, nil
		}

		entries, appendErr := l.commit(ctx, drafts)
		if errors.Is(appendErr, ErrSequenceTaken) {
			l.metrics.AppendConflict()
			l.logger.Debug("append race lost, retrying", "attempt", attempt+1)
			continue
		}
		if appendErr != nil {
			return nil, errors.Join(fnErr, appendErr)
		}
		return entries, fnErr
	}

	head, _, _ := l.backend.Head(ctx)
	return nil, fault.NewIntegrityError(
		fmt.Sprintf("append lost %d races against concurrent writers", l.retries+1),
		head.Sequence+1,
	)
}

// Audit appends a FAULT entry for err and returns err. Unlike Transact it
// records errors outside the taxonomy too.
func (l *Ledger) Audit(ctx context.Context, actorID string, err error) error {
	if err == nil {
		return nil
	}
	_, txErr := l.Transact(ctx, actorID, func(context.Context, View) ([]Draft, error) {
		return []Draft{auditDraft(actorID, err)}, err
	})
	return txErr
}

// Correct appends a CORRECTION entry referencing seq. The corrected entry
// is never rewritten.
func (l *Ledger) Correct(ctx context.Context, seq uint64, actorID, reason string) (ir.LedgerEntry, error) {
	entries, err := l.Transact(ctx, actorID, func(ctx context.Context, v View) ([]Draft, error) {
		target, err := l.backend.Range(ctx, seq, seq)
		if err != nil {
			return nil, fmt.Errorf("correct: %w", err)
		}
		if len(target) == 0 {
			return nil, fmt.Errorf("correct: %w: sequence %d", ErrNotFound, seq)
		}
		return []Draft{{
			Kind:       ir.KindCorrection,
			PayloadRef: target[0].PayloadRef,
			ActorID:    actorID,
			Attrs: ir.IRObject{
				ir.AttrCorrects: ir.IRInt(int64(seq)),
				ir.AttrKind:     ir.IRString(string(target[0].Kind)),
				ir.AttrReason:   ir.IRString(reason),
			},
		}}, nil
	})
	if err != nil {
		return ir.LedgerEntry{}, err
	}
	return entries[0], nil
}

// commit chains drafts onto the current head and inserts them.
func (l *Ledger) commit(ctx context.Context, drafts []Draft) ([]ir.LedgerEntry, error) {
	head, ok, err := l.backend.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("read head: %w", err)
	}
	prevSeq, prevHash := uint64(0), ir.GenesisHash
	if ok {
		prevSeq, prevHash = head.Sequence, head.EntryHash
		l.height.Observe(prevSeq)
	}

	now := l.clock.Now().UTC()
	entries := make([]ir.LedgerEntry, 0, len(drafts))
	for i, d := range drafts {
		if !d.Kind.Valid() {
			return nil, fmt.Errorf("append: unknown entry kind %q", d.Kind)
		}
		if d.ActorID == "" {
			return nil, fmt.Errorf("append %s: actor is required", d.Kind)
		}
		attrs := d.Attrs.Clone()
		if attrs == nil {
			attrs = ir.IRObject{}
		}
		e := ir.LedgerEntry{
			Sequence:   prevSeq + uint64(i) + 1,
			PrevHash:   prevHash,
			Kind:       d.Kind,
			PayloadRef: d.PayloadRef,
			ActorID:    d.ActorID,
			Timestamp:  now,
			Attrs:      attrs,
		}
		e.EntryHash, err = ir.EntryHash(e)
		if err != nil {
			return nil, fmt.Errorf("append %s: %w", d.Kind, err)
		}
		prevHash = e.EntryHash
		entries = append(entries, e)
	}

	if err := l.backend.Insert(ctx, entries); err != nil {
		if errors.Is(err, ErrSequenceTaken) {
			return nil, err
		}
		return nil, fmt.Errorf("insert: %w", err)
	}

	for _, e := range entries {
		l.metrics.Appended(string(e.Kind))
		switch e.Kind {
		case ir.KindFault:
			l.metrics.Fault(e.Attrs.String(ir.AttrFaultKind))
		case ir.KindGateFailed:
			l.metrics.GateFailed(e.Attrs.String(ir.AttrGate), e.Attrs.String(ir.AttrCode))
		case ir.KindFinalityDraft:
			l.metrics.FinalityTransition(string(ir.FinalityDraft))
		case ir.KindFinalitySealed:
			l.metrics.FinalityTransition(string(ir.FinalitySealed))
		case ir.KindFinalityFinal:
			l.metrics.FinalityTransition(string(ir.FinalityFinal))
		}
		l.logger.Debug("ledger append",
			"seq", e.Sequence,
			"kind", e.Kind,
			"actor", e.ActorID,
			"ref", e.PayloadRef,
		)
	}
	l.height.Observe(entries[len(entries)-1].Sequence)
	return entries, nil
}

func auditDraft(actorID string, err error) Draft {
	ref := ""
	if fe, ok := fault.As(err); ok {
		ref = fe.Ref
	}
	if actorID == "" {
		actorID = SystemActor
	}
	return Draft{
		Kind:       ir.KindFault,
		PayloadRef: ref,
		ActorID:    actorID,
		Attrs:      fault.AuditAttrs(err),
	}
}

// SystemActor is the actor of entries the engine appends on its own behalf.
const SystemActor = "govledger"

// Head returns the latest entry.
func (l *Ledger) Head(ctx context.Context) (ir.LedgerEntry, bool, error) {
	e, ok, err := l.backend.Head(ctx)
	if err == nil && ok {
		l.height.Observe(e.Sequence)
	}
	return e, ok, err
}

// Entries returns the entries in [from, to]; to == 0 means the head.
func (l *Ledger) Entries(ctx context.Context, from, to uint64) ([]ir.LedgerEntry, error) {
	return l.backend.Range(ctx, from, to)
}

// Find returns the entries matching f.
func (l *Ledger) Find(ctx context.Context, f Filter) ([]ir.LedgerEntry, error) {
	return l.backend.Scan(ctx, f)
}

// Last returns the highest-sequence entry matching f.
func (l *Ledger) Last(ctx context.Context, f Filter) (ir.LedgerEntry, bool, error) {
	f.Descending = true
	f.Limit = 1
	entries, err := l.backend.Scan(ctx, f)
	if err != nil || len(entries) == 0 {
		return ir.LedgerEntry{}, false, err
	}
	return entries[0], true, nil
}

// Query returns every entry for which pred is true, in sequence order.
// Prefer Find when the condition can be expressed as a Filter.
func (l *Ledger) Query(ctx context.Context, pred func(ir.LedgerEntry) bool) ([]ir.LedgerEntry, error) {
	all, err := l.backend.Range(ctx, 1, 0)
	if err != nil {
		return nil, err
	}
	var out []ir.LedgerEntry
	for _, e := range all {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out, nil
}
