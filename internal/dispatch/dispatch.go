// Package dispatch hands SubUnits to agents and collects their reports.
//
// A SubUnit is dispatched by issuing a single-use token bound to the
// SubUnit and its assigned agent. The agent reports through Submit with
// that token. Every decision replays the WorkUnit's graph from the ledger
// first; the Dispatcher holds no state of its own beyond a change signal
// that wakes blocked Dispatch calls.
//
// An agent only ever sees its Task: its own SubUnit and the finished
// reports of the SubUnits it depends on. There is no call that exposes
// another SubUnit's in-flight state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sasha-s/go-deadlock"
	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/govledger/internal/config"
	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/gate"
	"github.com/roach88/govledger/internal/graph"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/telemetry"
)

// DefaultTokenTTL is how long a dispatched token stays usable.
const DefaultTokenTTL = 15 * time.Minute

// DefaultPollInterval bounds how long a blocked Dispatch waits before
// re-reading the ledger when no local change was signalled.
const DefaultPollInterval = 250 * time.Millisecond

// errNotReady is internal: the SubUnit still has unreported dependencies.
var errNotReady = errors.New("dispatch: sub unit not ready")

// Dispatcher issues tokens and accepts reports.
type Dispatcher struct {
	ledger    *ledger.Ledger
	validator *gate.Validator
	ids       IDGenerator
	ttl       time.Duration
	poll      time.Duration
	logger    *slog.Logger

	mu      deadlock.Mutex
	changed chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTokenTTL sets the token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		d.ttl = ttl
	}
}

// WithIDGenerator sets the token ID source.
func WithIDGenerator(g IDGenerator) Option {
	return func(d *Dispatcher) {
		d.ids = g
	}
}

// WithPollInterval sets the fallback re-read interval of blocked calls.
func WithPollInterval(p time.Duration) Option {
	return func(d *Dispatcher) {
		d.poll = p
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithPolicy applies the token TTL of p.
func WithPolicy(p config.Policy) Option {
	return func(d *Dispatcher) {
		d.ttl = p.TokenTTL
	}
}

// New creates a Dispatcher. Reports are validated by v.
func New(l *ledger.Ledger, v *gate.Validator, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ledger:    l,
		validator: v,
		ids:       UUIDv7{},
		ttl:       DefaultTokenTTL,
		poll:      DefaultPollInterval,
		logger:    slog.Default(),
		changed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify wakes every blocked Dispatch so it re-reads the ledger. Callers
// that change SubUnit or WorkUnit state outside the Dispatcher use it.
func (d *Dispatcher) Notify() {
	d.mu.Lock()
	defer d.mu.Unlock()
	close(d.changed)
	d.changed = make(chan struct{})
}

func (d *Dispatcher) changes() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.changed
}

// Dispatch blocks until subUnitID is ready and returns its token. A
// DISPATCHED SubUnit whose token expired is dispatched again with a new
// token; one with a live token is refused.
func (d *Dispatcher) Dispatch(ctx context.Context, workUnitID, subUnitID string) (tok Token, err error) {
	ctx, span := telemetry.StartSpan(ctx, "dispatch.Dispatch",
		attribute.String("work_unit", workUnitID),
		attribute.String("sub_unit", subUnitID))
	defer func() { telemetry.EndSpan(span, err) }()

	for {
		wake := d.changes()
		tok, err := d.tryDispatch(ctx, workUnitID, subUnitID)
		if !errors.Is(err, errNotReady) {
			return tok, err
		}
		select {
		case <-ctx.Done():
			return Token{}, ctx.Err()
		case <-wake:
		case <-time.After(d.poll):
		}
	}
}

// TryDispatch is Dispatch without blocking. ok is false when the SubUnit
// is not ready yet.
func (d *Dispatcher) TryDispatch(ctx context.Context, workUnitID, subUnitID string) (Token, bool, error) {
	tok, err := d.tryDispatch(ctx, workUnitID, subUnitID)
	if errors.Is(err, errNotReady) {
		return Token{}, false, nil
	}
	return tok, err == nil, err
}

func (d *Dispatcher) tryDispatch(ctx context.Context, workUnitID, subUnitID string) (Token, error) {
	var tok Token
	entries, err := d.ledger.Transact(ctx, ledger.SystemActor, func(ctx context.Context, v ledger.View) ([]ledger.Draft, error) {
		g, err := d.openGraph(ctx, v, workUnitID)
		if err != nil {
			return nil, err
		}
		su, ok := g.SubUnit(subUnitID)
		if !ok {
			return nil, fault.NewTokenInvalidError(fault.CodeTokenMismatch, "",
				fmt.Sprintf("%s declares no sub unit %s", workUnitID, subUnitID))
		}

		now := v.Now()
		switch su.Status {
		case ir.SubUnitPending:
			if len(g.Pending(subUnitID)) > 0 {
				return nil, errNotReady
			}
		case ir.SubUnitDispatched, ir.SubUnitExecuting:
			last, _, err := v.Last(ctx, ledger.Filter{
				Kinds: []ir.EntryKind{ir.KindSubUnitDispatched},
				Attrs: map[string]string{ir.AttrWorkUnitID: workUnitID, ir.AttrSubUnitID: subUnitID},
			})
			if err != nil {
				return nil, err
			}
			held := decodeToken(last)
			if !held.Expired(now) {
				return nil, fault.NewTokenInvalidError(fault.CodeTokenLive, held.ID,
					fmt.Sprintf("%s holds a live token until %s", subUnitID, held.ExpiresAt.Format(time.RFC3339)))
			}
			if su.Status == ir.SubUnitExecuting {
				return nil, fault.NewTokenInvalidError(fault.CodeTokenExpired, held.ID,
					fmt.Sprintf("%s started but its token expired", subUnitID))
			}
		case ir.SubUnitReported:
			return nil, fault.NewTokenInvalidError(fault.CodeTokenConsumed, "",
				fmt.Sprintf("%s is already reported", subUnitID))
		case ir.SubUnitFailed:
			return nil, fault.NewTokenInvalidError(fault.CodeTokenFailed, "",
				fmt.Sprintf("%s has failed", subUnitID))
		}

		tok = Token{
			ID:         d.ids.Generate(),
			WorkUnitID: workUnitID,
			SubUnitID:  subUnitID,
			AgentID:    su.AgentID,
			IssuedAt:   now.UTC(),
			ExpiresAt:  now.Add(d.ttl).UTC(),
		}
		return []ledger.Draft{{
			Kind:       ir.KindSubUnitDispatched,
			PayloadRef: subUnitID,
			ActorID:    ledger.SystemActor,
			Attrs:      tokenAttrs(tok),
		}}, nil
	})
	if err != nil {
		return Token{}, err
	}
	tok.Sequence = entries[0].Sequence
	tok.IssuedAt = entries[0].Timestamp
	d.ledger.Metrics().TokenIssued()
	d.logger.Debug("sub unit dispatched", "work_unit", workUnitID, "sub_unit", subUnitID, "agent", tok.AgentID)
	d.Notify()
	return tok, nil
}

// openGraph replays the graph of an issued, non-terminal WorkUnit.
func (d *Dispatcher) openGraph(ctx context.Context, v ledger.View, workUnitID string) (*graph.Graph, error) {
	g, _, ok, err := graph.Replay(ctx, v, workUnitID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.NewTokenInvalidError(fault.CodeTokenMismatch, "",
			fmt.Sprintf("work unit %s was never issued", workUnitID))
	}
	terminal, ok, err := ledger.Terminal(ctx, v, workUnitID)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, fault.NewTokenInvalidError(fault.CodeTokenFailed, "",
			fmt.Sprintf("work unit %s is %s", workUnitID, terminal.Kind))
	}
	return g, nil
}

// Start records that the agent holding tokenID began executing.
func (d *Dispatcher) Start(ctx context.Context, tokenID string) (ir.LedgerEntry, error) {
	entries, err := d.ledger.Transact(ctx, ledger.SystemActor, func(ctx context.Context, v ledger.View) ([]ledger.Draft, error) {
		tok, err := lookupToken(ctx, v, tokenID)
		if err != nil {
			return nil, err
		}
		g, err := d.openGraph(ctx, v, tok.WorkUnitID)
		if err != nil {
			return nil, err
		}
		if err := g.Transition(tok.SubUnitID, ir.SubUnitExecuting); err != nil {
			return nil, fault.NewTokenInvalidError(fault.CodeTokenMismatch, tokenID, err.Error())
		}
		return []ledger.Draft{{
			Kind:       ir.KindSubUnitStarted,
			PayloadRef: tok.SubUnitID,
			ActorID:    tok.AgentID,
			Attrs: ir.IRObject{
				ir.AttrWorkUnitID: ir.IRString(tok.WorkUnitID),
				ir.AttrSubUnitID:  ir.IRString(tok.SubUnitID),
				ir.AttrToken:      ir.IRString(tok.ID),
			},
		}}, nil
	})
	if err != nil {
		return ir.LedgerEntry{}, err
	}
	return entries[0], nil
}

// Submit consumes tokenID with report r. The token must be live and bound
// to r's SubUnit and agent, every dependency must be REPORTED, and the
// report must clear the gate pipeline. The REPORT_SUBMITTED entry is the
// token's consumption.
func (d *Dispatcher) Submit(ctx context.Context, tokenID string, r ir.ExecutionReport) (e ir.LedgerEntry, err error) {
	ctx, span := telemetry.StartSpan(ctx, "dispatch.Submit",
		attribute.String("sub_unit", r.SubUnitID),
		attribute.String("agent", r.AgentID))
	defer func() { telemetry.EndSpan(span, err) }()

	entries, err := d.ledger.Transact(ctx, r.AgentID, func(ctx context.Context, v ledger.View) ([]ledger.Draft, error) {
		tok, err := lookupToken(ctx, v, tokenID)
		if err != nil {
			return nil, err
		}
		if tok.SubUnitID != r.SubUnitID || tok.AgentID != r.AgentID {
			return nil, fault.NewTokenInvalidError(fault.CodeTokenMismatch, tokenID,
				fmt.Sprintf("token is bound to %s/%s", tok.SubUnitID, tok.AgentID))
		}
		g, err := d.openGraph(ctx, v, tok.WorkUnitID)
		if err != nil {
			return nil, err
		}
		if pending := g.Pending(r.SubUnitID); len(pending) > 0 {
			return nil, fault.NewStaleReportError(r.SubUnitID, pending)
		}
		status, _ := g.Status(r.SubUnitID)
		if !graph.CanTransition(status, ir.SubUnitReported) {
			return nil, fault.NewTokenInvalidError(fault.CodeTokenFailed, tokenID,
				fmt.Sprintf("%s is %s", r.SubUnitID, status))
		}

		drafts, err := d.validator.Guard(gate.ReportArtifact(r.AgentID, tok.WorkUnitID, tokenID, r))(ctx, v)
		if err != nil {
			return drafts, err
		}

		hash, err := ir.ReportHash(r)
		if err != nil {
			return nil, err
		}
		attrs := ir.ReportAttrs(tok.WorkUnitID, r, hash)
		attrs[ir.AttrToken] = ir.IRString(tokenID)
		return append(drafts, ledger.Draft{
			Kind:       ir.KindReportSubmitted,
			PayloadRef: r.SubUnitID,
			ActorID:    r.AgentID,
			Attrs:      attrs,
		}), nil
	})
	if err != nil {
		return ir.LedgerEntry{}, err
	}
	d.logger.Info("report submitted", "sub_unit", r.SubUnitID, "agent", r.AgentID)
	d.Notify()
	return entries[len(entries)-1], nil
}

// Fail marks subUnitID FAILED and cascades to its transitive dependents,
// appending one SUBUNIT_FAILED entry per node. It returns the failed ids.
func (d *Dispatcher) Fail(ctx context.Context, workUnitID, subUnitID, reason string) ([]string, error) {
	var failed []string
	_, err := d.ledger.Transact(ctx, ledger.SystemActor, func(ctx context.Context, v ledger.View) ([]ledger.Draft, error) {
		g, err := d.openGraph(ctx, v, workUnitID)
		if err != nil {
			return nil, err
		}
		failed, err = g.Fail(subUnitID)
		if err != nil {
			return nil, fmt.Errorf("fail %s: %w", subUnitID, err)
		}
		drafts := make([]ledger.Draft, 0, len(failed))
		for _, id := range failed {
			drafts = append(drafts, ledger.Draft{
				Kind:       ir.KindSubUnitFailed,
				PayloadRef: id,
				ActorID:    ledger.SystemActor,
				Attrs: ir.IRObject{
					ir.AttrWorkUnitID: ir.IRString(workUnitID),
					ir.AttrSubUnitID:  ir.IRString(id),
					ir.AttrReason:     ir.IRString(reason),
					ir.AttrCascade:    ir.IRBool(id != subUnitID),
				},
			})
		}
		return drafts, nil
	})
	if err != nil {
		return nil, err
	}
	d.logger.Warn("sub unit failed", "work_unit", workUnitID, "sub_unit", subUnitID, "cascade", len(failed)-1)
	d.Notify()
	return failed, nil
}
