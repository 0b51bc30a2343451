package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/govledger/internal/config"
	"github.com/roach88/govledger/internal/dispatch"
	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/finality"
	"github.com/roach88/govledger/internal/gate"
	"github.com/roach88/govledger/internal/graph"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/review"
	"github.com/roach88/govledger/internal/sequencer"
	"github.com/roach88/govledger/internal/telemetry"
)

var (
	// ErrNotIssued is returned for a WorkUnit the ledger has no plan for.
	ErrNotIssued = errors.New("engine: work unit not issued")

	// ErrTerminal is returned when a WorkUnit is already CLOSED or REJECTED.
	ErrTerminal = errors.New("engine: work unit is terminal")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine: closed")

	// ErrReportTimeout is the failure recorded when an agent does not
	// report within the policy's report timeout.
	ErrReportTimeout = errors.New("report timeout")
)

// Engine drives WorkUnits through the governance lifecycle.
type Engine struct {
	ledger     *ledger.Ledger
	policy     config.Policy
	sequencer  *sequencer.Sequencer
	validator  *gate.Validator
	dispatcher *dispatch.Dispatcher
	aggregator *finality.Aggregator
	review     *review.Gate
	logger     *slog.Logger

	agents        map[string]Agent
	workers       int
	reportTimeout time.Duration
	ids           dispatch.IDGenerator
	attestor      *finality.Attestor

	queue   *jobQueue
	start   sync.Once
	stop    context.CancelFunc
	running sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger of the engine and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithAgent registers the executor for agentID.
func WithAgent(agentID string, a Agent) Option {
	return func(e *Engine) {
		e.agents[agentID] = a
	}
}

// WithWorkers overrides the policy's worker count.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		e.workers = n
	}
}

// WithReportTimeout overrides the policy's report timeout.
func WithReportTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.reportTimeout = d
	}
}

// WithIDGenerator sets the dispatch token generator.
func WithIDGenerator(g dispatch.IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithAttestor overrides the attestor derived from the policy.
func WithAttestor(a *finality.Attestor) Option {
	return func(e *Engine) {
		e.attestor = a
	}
}

// New wires every component over l with policy.
func New(l *ledger.Ledger, policy config.Policy, opts ...Option) (*Engine, error) {
	e := &Engine{
		ledger:        l,
		policy:        policy,
		logger:        slog.Default(),
		agents:        make(map[string]Agent),
		workers:       policy.Workers,
		reportTimeout: policy.ReportTimeout,
		ids:           dispatch.UUIDv7{},
		queue:         newJobQueue(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers < 1 {
		e.workers = 1
	}
	if e.attestor == nil {
		a, err := finality.AttestorFromPolicy(policy)
		if err != nil {
			return nil, err
		}
		e.attestor = a
	}

	e.validator = gate.NewValidator(policy, gate.WithLogger(e.logger))
	e.sequencer = sequencer.New(l, sequencer.WithPolicy(policy))
	e.dispatcher = dispatch.New(l, e.validator,
		dispatch.WithPolicy(policy),
		dispatch.WithIDGenerator(e.ids),
		dispatch.WithLogger(e.logger))
	e.aggregator = finality.New(l, e.attestor, finality.WithLogger(e.logger))
	e.review = review.New(l, review.WithPolicy(policy), review.WithLogger(e.logger))
	return e, nil
}

// Ledger returns the ledger the engine writes to.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Policy returns the active policy.
func (e *Engine) Policy() config.Policy { return e.policy }

// Sequencer returns the reservation manager.
func (e *Engine) Sequencer() *sequencer.Sequencer { return e.sequencer }

// Validator returns the gate validator.
func (e *Engine) Validator() *gate.Validator { return e.validator }

// Dispatcher returns the dispatcher.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// Aggregator returns the finality aggregator.
func (e *Engine) Aggregator() *finality.Aggregator { return e.aggregator }

// ReviewGate returns the review gate.
func (e *Engine) ReviewGate() *review.Gate { return e.review }

// Close stops the worker pool. In-flight SubUnits finish; queued ones are
// abandoned and their Execute calls return ErrClosed.
func (e *Engine) Close() {
	e.queue.Close()
	if e.stop != nil {
		e.stop()
	}
	e.running.Wait()
}

// Reserve claims the next number of workUnitType for ownerID.
func (e *Engine) Reserve(ctx context.Context, workUnitType, ownerID string) (ir.Reservation, error) {
	rsv, err := e.sequencer.Reserve(ctx, workUnitType, ownerID)
	if err != nil {
		return ir.Reservation{}, err
	}
	e.logger.Info("number reserved", "type", workUnitType, "owner", ownerID, "number", rsv.Number)
	return rsv, nil
}

// IssueRequest issues a WorkUnit against a reservation.
type IssueRequest struct {
	ActorID  string
	Number   uint64
	WorkUnit ir.WorkUnit
	SubUnits []ir.SubUnit
	Override *gate.Override
}

// Issue validates the plan and appends WORKUNIT_ISSUED, consuming the
// reservation. A cyclic plan is refused before the gate runs; a gate
// failure is recorded as GATE_FAILED and the reservation stays live.
func (e *Engine) Issue(ctx context.Context, req IssueRequest) (entry ir.LedgerEntry, err error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.Issue", attribute.String("work_unit", req.WorkUnit.ID))
	defer func() { telemetry.EndSpan(span, err) }()

	wu := req.WorkUnit
	if wu.Number == 0 {
		wu.Number = req.Number
	}
	subs := make([]ir.SubUnit, len(req.SubUnits))
	for i, su := range req.SubUnits {
		su.ParentWorkUnitID = wu.ID
		su.Status = ""
		subs[i] = su
	}

	g, err := graph.New(wu.ID, subs)
	if err == nil {
		err = g.Validate()
	}
	if err != nil {
		return ir.LedgerEntry{}, e.ledger.Audit(ctx, req.ActorID, err)
	}

	artifact := gate.WorkUnitArtifact(req.ActorID, wu, subs)
	if req.Override != nil {
		artifact = artifact.WithOverride(req.Override.Reason, req.Override.Waive...)
	}
	entry, err = e.sequencer.Consume(ctx, sequencer.ConsumeRequest{
		ActorID:  req.ActorID,
		Number:   req.Number,
		WorkUnit: wu,
		SubUnits: subs,
		Guard:    e.validator.Guard(artifact),
	})
	if err != nil {
		e.logger.Warn("issue refused", "work_unit", wu.ID, "error", err)
		return ir.LedgerEntry{}, err
	}
	e.logger.Info("work unit issued", "work_unit", wu.ID, "issuer", wu.IssuerID, "number", wu.Number, "sub_units", len(subs))

	if wu.Supersedes != "" {
		if _, err := e.aggregator.Supersede(ctx, wu.Supersedes, wu.ID, req.ActorID); err != nil {
			return entry, err
		}
	}
	return entry, nil
}

// Outcome is how Execute left a WorkUnit.
type Outcome struct {
	WorkUnitID string
	// Sealed is true when every SubUnit reported and the composite sealed.
	Sealed    bool
	Composite ir.CompositeFinality
	// Rejected is true when the WorkUnit ended REJECTED.
	Rejected bool
	Failed   []string
	Reason   string
	Entry    ir.LedgerEntry
}

// Execute dispatches every SubUnit of workUnitID as it becomes ready and
// waits for all of them to settle. When every SubUnit reported, the
// composite is sealed and awaits review. Otherwise the failure has
// already cascaded and the WorkUnit is rejected.
func (e *Engine) Execute(ctx context.Context, workUnitID string) (out Outcome, err error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.Execute", attribute.String("work_unit", workUnitID))
	defer func() { telemetry.EndSpan(span, err) }()

	out.WorkUnitID = workUnitID
	if err := e.checkOpen(ctx, workUnitID); err != nil {
		return out, err
	}
	e.startWorkers()

	g, _, err := e.dispatcher.Graph(ctx, workUnitID)
	if err != nil {
		return out, err
	}
	done := make(chan result, g.Len())
	queued := make(map[string]bool, g.Len())
	inflight := 0
	enqueue := func(g *graph.Graph) error {
		for _, id := range g.ReadySet() {
			if queued[id] {
				continue
			}
			if !e.queue.Enqueue(job{ctx: ctx, workUnitID: workUnitID, subUnitID: id, done: done}) {
				return ErrClosed
			}
			queued[id] = true
			inflight++
		}
		return nil
	}
	if err := enqueue(g); err != nil {
		return out, err
	}

	for inflight > 0 {
		select {
		case r := <-done:
			inflight--
			if r.err != nil {
				e.logger.Debug("sub unit settled with error", "work_unit", workUnitID, "sub_unit", r.subUnitID, "error", r.err)
			}
		case <-ctx.Done():
			return out, ctx.Err()
		}
		g, _, err = e.dispatcher.Graph(ctx, workUnitID)
		if err != nil {
			return out, err
		}
		if !g.Failed() {
			if err := enqueue(g); err != nil {
				return out, err
			}
		}
	}

	g, _, err = e.dispatcher.Graph(ctx, workUnitID)
	if err != nil {
		return out, err
	}
	var reason string
	if g.Complete() {
		c, err := e.aggregator.Seal(ctx, workUnitID)
		if err == nil {
			out.Sealed = true
			out.Composite = c
			return out, nil
		}
		if !errors.Is(err, fault.ErrIncompleteChildProofs) {
			return out, err
		}
		reason = err.Error()
	}

	for _, su := range g.Snapshot() {
		if su.Status == ir.SubUnitFailed {
			out.Failed = append(out.Failed, su.ID)
		}
	}
	if reason == "" {
		reason = rejectionReason(g, out.Failed)
	}
	out.Entry, err = e.terminate(ctx, workUnitID, ledger.SystemActor, ir.KindRejected, reason, nil)
	if err != nil {
		return out, err
	}
	out.Rejected = true
	out.Reason = reason
	return out, nil
}

func rejectionReason(g *graph.Graph, failed []string) string {
	if len(failed) > 0 {
		return fmt.Sprintf("sub units failed: %v", failed)
	}
	var open []string
	for _, su := range g.Snapshot() {
		if su.Status != ir.SubUnitReported {
			open = append(open, su.ID)
		}
	}
	return fmt.Sprintf("sub units did not report: %v", open)
}

func (e *Engine) checkOpen(ctx context.Context, workUnitID string) error {
	_, ok, err := ledger.IssuedPlan(ctx, e.ledger, workUnitID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotIssued, workUnitID)
	}
	terminal, ok, err := ledger.Terminal(ctx, e.ledger, workUnitID)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, workUnitID, terminal.Kind)
	}
	return nil
}

// startWorkers launches the shared pool on first use.
func (e *Engine) startWorkers() {
	e.start.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		e.stop = cancel
		for range e.workers {
			e.running.Add(1)
			go e.worker(ctx)
		}
		e.logger.Debug("engine workers started", "workers", e.workers)
	})
}

func (e *Engine) worker(ctx context.Context) {
	defer e.running.Done()
	for {
		j, ok := e.queue.TryDequeue()
		if ok {
			err := e.runSubUnit(j.ctx, j.workUnitID, j.subUnitID)
			j.done <- result{subUnitID: j.subUnitID, err: err}
			continue
		}
		if e.queue.Closed() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-e.queue.Wait():
		}
	}
}

// runSubUnit takes one ready SubUnit from dispatch to attached proof. Any
// failure before the report is accepted fails the SubUnit and cascades.
func (e *Engine) runSubUnit(ctx context.Context, workUnitID, subUnitID string) error {
	tok, err := e.dispatcher.Dispatch(ctx, workUnitID, subUnitID)
	if err != nil {
		if fe, ok := fault.As(err); ok && fe.Code == fault.CodeTokenFailed {
			return err
		}
		return e.fail(ctx, workUnitID, subUnitID, err)
	}
	if _, err := e.dispatcher.Start(ctx, tok.ID); err != nil {
		return e.fail(ctx, workUnitID, subUnitID, err)
	}
	task, err := e.dispatcher.Task(ctx, tok.ID)
	if err != nil {
		return e.fail(ctx, workUnitID, subUnitID, err)
	}
	agent, ok := e.agents[tok.AgentID]
	if !ok {
		return e.fail(ctx, workUnitID, subUnitID, fmt.Errorf("no executor registered for agent %s", tok.AgentID))
	}

	r, err := e.invoke(ctx, agent, task)
	if err != nil {
		return e.fail(ctx, workUnitID, subUnitID, err)
	}
	if r.SubUnitID == "" {
		r.SubUnitID = subUnitID
	}
	if r.AgentID == "" {
		r.AgentID = tok.AgentID
	}
	if r.ProducedAt.IsZero() {
		r.ProducedAt = e.ledger.Now()
	}
	if _, err := e.dispatcher.Submit(ctx, tok.ID, r); err != nil {
		return e.fail(ctx, workUnitID, subUnitID, err)
	}
	_, err = e.aggregator.Attach(ctx, workUnitID, subUnitID)
	return err
}

// invoke runs agent under the report timeout. An agent that ignores its
// context is abandoned when the timeout fires.
func (e *Engine) invoke(ctx context.Context, agent Agent, task dispatch.Task) (ir.ExecutionReport, error) {
	actx, cancel := context.WithTimeout(ctx, e.reportTimeout)
	defer cancel()

	type reply struct {
		report ir.ExecutionReport
		err    error
	}
	ch := make(chan reply, 1)
	go func() {
		r, err := agent.Execute(actx, task)
		ch <- reply{r, err}
	}()

	select {
	case rep := <-ch:
		if rep.err != nil && actx.Err() == nil {
			return ir.ExecutionReport{}, rep.err
		}
		if actx.Err() == nil {
			return rep.report, nil
		}
	case <-actx.Done():
	}
	if err := ctx.Err(); err != nil {
		return ir.ExecutionReport{}, err
	}
	return ir.ExecutionReport{}, fmt.Errorf("%w after %s", ErrReportTimeout, e.reportTimeout)
}

// fail records cause as the failure of subUnitID. A cancelled caller
// leaves the SubUnit as it is.
func (e *Engine) fail(ctx context.Context, workUnitID, subUnitID string, cause error) error {
	if ctx.Err() != nil {
		return cause
	}
	failed, err := e.dispatcher.Fail(ctx, workUnitID, subUnitID, cause.Error())
	if err != nil {
		return errors.Join(cause, err)
	}
	e.logger.Debug("sub unit failure recorded",
		"work_unit", workUnitID,
		"sub_unit", subUnitID,
		"failed", failed,
		"error", cause,
	)
	return cause
}

// Reject ends workUnitID REJECTED with reason. Once a SubUnit reported,
// only a failed plan can be rejected; a healthy one has to fail through
// the dispatcher first.
func (e *Engine) Reject(ctx context.Context, workUnitID, actorID, reason string) (ir.LedgerEntry, error) {
	return e.terminate(ctx, workUnitID, actorID, ir.KindRejected, reason,
		func(ctx context.Context, v ledger.View) ([]ledger.Draft, error) {
			g, _, ok, err := graph.Replay(ctx, v, workUnitID)
			if err != nil || !ok {
				return nil, err
			}
			if g.AnyReported() && !g.Failed() {
				return nil, fault.NewCancellationError(workUnitID,
					"a sub unit already reported; reject through the failure path")
			}
			return nil, nil
		})
}

// CloseWorkUnit ends workUnitID CLOSED. The gate requires its composite FINAL with
// a matching review approval.
func (e *Engine) CloseWorkUnit(ctx context.Context, workUnitID, actorID string) (ir.LedgerEntry, error) {
	return e.terminate(ctx, workUnitID, actorID, ir.KindClosed, "", nil)
}

// terminate appends the terminal entry behind the closure gate.
func (e *Engine) terminate(ctx context.Context, workUnitID, actorID string, outcome ir.EntryKind, reason string, extra ledger.TxFunc) (ir.LedgerEntry, error) {
	if actorID == "" {
		actorID = ledger.SystemActor
	}
	entries, err := e.ledger.Transact(ctx, actorID, e.terminationTx(workUnitID, actorID, outcome, reason, extra))
	if err != nil {
		return ir.LedgerEntry{}, err
	}
	e.dispatcher.Notify()
	e.logger.Info("work unit terminal", "work_unit", workUnitID, "outcome", outcome, "reason", reason)
	return entries[len(entries)-1], nil
}

// terminationTx is the closure gate and terminal entry as a transaction
// step. extra drafts are appended between the gate's drafts and the
// terminal entry.
func (e *Engine) terminationTx(workUnitID, actorID string, outcome ir.EntryKind, reason string, extra ledger.TxFunc) ledger.TxFunc {
	artifact := gate.ClosureArtifact(actorID, workUnitID, outcome, reason)
	return func(ctx context.Context, v ledger.View) ([]ledger.Draft, error) {
		drafts, err := e.validator.Guard(artifact)(ctx, v)
		if err != nil {
			return drafts, err
		}
		if extra != nil {
			more, err := extra(ctx, v)
			if err != nil {
				return more, err
			}
			drafts = append(drafts, more...)
		}
		attrs := ir.IRObject{
			ir.AttrWorkUnitID: ir.IRString(workUnitID),
			ir.AttrOutcome:    ir.IRString(string(outcome)),
		}
		if reason != "" {
			attrs[ir.AttrReason] = ir.IRString(reason)
		}
		return append(drafts, ledger.Draft{
			Kind:       outcome,
			PayloadRef: workUnitID,
			ActorID:    actorID,
			Attrs:      attrs,
		}), nil
	}
}

// Cancel rejects workUnitID before any SubUnit reported, failing every
// SubUnit that has not settled. Once a report exists the WorkUnit can
// only be rejected through the failure path.
func (e *Engine) Cancel(ctx context.Context, workUnitID, actorID, reason string) (ir.LedgerEntry, error) {
	if reason == "" {
		reason = "cancelled"
	}
	return e.terminate(ctx, workUnitID, actorID, ir.KindRejected, reason,
		func(ctx context.Context, v ledger.View) ([]ledger.Draft, error) {
			g, _, ok, err := graph.Replay(ctx, v, workUnitID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fault.NewCancellationError(workUnitID, "work unit was never issued")
			}
			if g.AnyReported() {
				return nil, fault.NewCancellationError(workUnitID,
					"a sub unit already reported; reject through the failure path")
			}
			var drafts []ledger.Draft
			for _, su := range g.Snapshot() {
				if su.Status == ir.SubUnitFailed {
					continue
				}
				drafts = append(drafts, ledger.Draft{
					Kind:       ir.KindSubUnitFailed,
					PayloadRef: su.ID,
					ActorID:    ledger.SystemActor,
					Attrs: ir.IRObject{
						ir.AttrWorkUnitID: ir.IRString(workUnitID),
						ir.AttrSubUnitID:  ir.IRString(su.ID),
						ir.AttrReason:     ir.IRString(reason),
						ir.AttrCascade:    ir.IRBool(false),
					},
				})
			}
			return drafts, nil
		})
}

// ReviewOutcome is the result of a review round.
type ReviewOutcome struct {
	Challenge ir.Challenge
	Decision  review.Decision
	Composite ir.CompositeFinality
	Closed    ir.LedgerEntry
}

// Challenge issues (or returns the open) review challenge of workUnitID.
func (e *Engine) Challenge(ctx context.Context, workUnitID string) (ir.Challenge, error) {
	return e.review.IssueChallenge(ctx, workUnitID)
}

// Answer judges a review answer. An approval, the FINAL transition of the
// composite and the CLOSED entry are appended as one transaction. When the
// challenge was already approved but the WorkUnit is still open, Answer
// finishes the finalization instead of replaying the answer.
func (e *Engine) Answer(ctx context.Context, req review.AnswerRequest) (ReviewOutcome, error) {
	if c, ok, err := e.review.Challenge(ctx, req.ChallengeID); err == nil && ok {
		workUnitID, _, _ := strings.Cut(c.ReportRef, "@")
		pending, err := e.approvedOpen(ctx, workUnitID, c.ID)
		if err != nil {
			return ReviewOutcome{}, err
		}
		if pending {
			return e.complete(ctx, workUnitID)
		}
	}

	var out ReviewOutcome
	d, entries, err := e.review.AnswerThen(ctx, req, func(d review.Decision) ledger.TxFunc {
		return ledger.Chain(
			e.aggregator.FinalizeTx(d.WorkUnitID, &out.Composite),
			e.terminationTx(d.WorkUnitID, ledger.SystemActor, ir.KindClosed, "", nil),
		)
	})
	out.Decision = d
	if err != nil {
		return out, err
	}
	out.Closed = entries[len(entries)-1]
	e.dispatcher.Notify()
	e.logger.Info("work unit terminal", "work_unit", d.WorkUnitID, "outcome", ir.KindClosed, "ref", out.Composite.Ref())
	return out, nil
}

// approvedOpen reports whether challengeID is the approved challenge of
// workUnitID while the WorkUnit is still open.
func (e *Engine) approvedOpen(ctx context.Context, workUnitID, challengeID string) (bool, error) {
	st, err := e.review.Status(ctx, workUnitID)
	if err != nil {
		return false, err
	}
	if st.State != review.StateApproved || (challengeID != "" && st.Challenge.ID != challengeID) {
		return false, nil
	}
	_, terminal, err := ledger.Terminal(ctx, e.ledger, workUnitID)
	return !terminal, err
}

// complete finalizes and closes a WorkUnit whose approval is recorded.
func (e *Engine) complete(ctx context.Context, workUnitID string) (ReviewOutcome, error) {
	var out ReviewOutcome
	entries, err := e.ledger.Transact(ctx, ledger.SystemActor, func(ctx context.Context, v ledger.View) ([]ledger.Draft, error) {
		c, _, err := finality.Get(ctx, v, workUnitID)
		if err != nil {
			return nil, err
		}
		closing := e.terminationTx(workUnitID, ledger.SystemActor, ir.KindClosed, "", nil)
		if c.State == ir.FinalityFinal {
			out.Composite = c
			return closing(ctx, v)
		}
		return ledger.Chain(e.aggregator.FinalizeTx(workUnitID, &out.Composite), closing)(ctx, v)
	})
	if err != nil {
		return out, err
	}
	out.Closed = entries[len(entries)-1]
	st, err := e.review.Status(ctx, workUnitID)
	if err != nil {
		return out, err
	}
	out.Challenge = st.Challenge
	out.Decision = review.Decision{
		Approved:    true,
		WorkUnitID:  workUnitID,
		ChallengeID: st.Challenge.ID,
		ReportRef:   st.Challenge.ReportRef,
	}
	e.dispatcher.Notify()
	e.logger.Info("approved work unit finalized", "work_unit", workUnitID, "ref", out.Composite.Ref())
	return out, nil
}

// Review runs one review round of workUnitID with reviewer. A WorkUnit
// already approved but not yet closed is finalized without a new round.
func (e *Engine) Review(ctx context.Context, workUnitID string, reviewer Reviewer) (out ReviewOutcome, err error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.Review", attribute.String("work_unit", workUnitID))
	defer func() { telemetry.EndSpan(span, err) }()

	pending, err := e.approvedOpen(ctx, workUnitID, "")
	if err != nil {
		return out, err
	}
	if pending {
		return e.complete(ctx, workUnitID)
	}

	c, err := e.Challenge(ctx, workUnitID)
	if err != nil {
		return out, err
	}
	response, err := reviewer.Respond(ctx, c)
	if err != nil {
		return ReviewOutcome{Challenge: c}, err
	}
	out, err = e.Answer(ctx, review.AnswerRequest{
		ChallengeID: c.ID,
		ReviewerID:  reviewer.ID(),
		Response:    response,
	})
	out.Challenge = c
	return out, err
}

// Status is the derived state of a WorkUnit.
type Status struct {
	WorkUnit     ir.WorkUnit
	SubUnits     []ir.SubUnit
	Composite    ir.CompositeFinality
	HasComposite bool
	Review       review.Status
	Terminal     *ir.LedgerEntry
}

// Status derives the full state of workUnitID from the ledger.
func (e *Engine) Status(ctx context.Context, workUnitID string) (Status, error) {
	g, plan, ok, err := graph.Replay(ctx, e.ledger, workUnitID)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrNotIssued, workUnitID)
	}
	st := Status{WorkUnit: plan.WorkUnit, SubUnits: g.Snapshot()}
	st.WorkUnit.Status, _, err = ledger.Status(ctx, e.ledger, workUnitID)
	if err != nil {
		return Status{}, err
	}
	st.Composite, st.HasComposite, err = e.aggregator.Get(ctx, workUnitID)
	if err != nil {
		return Status{}, err
	}
	st.Review, err = e.review.Status(ctx, workUnitID)
	if err != nil {
		return Status{}, err
	}
	terminal, ok, err := ledger.Terminal(ctx, e.ledger, workUnitID)
	if err != nil {
		return Status{}, err
	}
	if ok {
		st.Terminal = &terminal
	}
	return st, nil
}
