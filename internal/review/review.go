// Package review is the cognitive-friction gate in front of finality.
//
// A reviewer approves a sealed composite only by answering a question
// derived from the reports it commits to, and only after a minimum time
// has passed since the question was issued. Every challenge, approval and
// rejection is a ledger entry; the approval binds the response hash and
// the measured latency to the composite reference.
//
// Answer checks, in order: the challenge exists, it was not answered
// before, the minimum latency elapsed, it has not expired, the response
// matches. A premature answer leaves the challenge open; a wrong answer
// consumes it.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/govledger/internal/config"
	"github.com/roach88/govledger/internal/dispatch"
	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/telemetry"
)

// Defaults for the review timing policy.
const (
	DefaultMinLatency      = 5 * time.Second
	DefaultChallengeExpiry = 5 * time.Minute
)

// Code of a refused answer whose claimed submission time is ahead of the
// ledger clock.
const codeClock = "CHL-CLOCK"

// Code of a wrong answer.
const codeWrong = "CHL-WRONG"

// State is the typed review state of a composite.
type State string

const (
	StateNone     State = "NONE"
	StatePending  State = "PENDING"
	StateApproved State = "APPROVED"
	StateRejected State = "REJECTED"
)

// Status is the review state of a WorkUnit's composite.
type Status struct {
	State     State
	Challenge ir.Challenge
	Attempts  int
}

// Decision is the recorded outcome of an answer.
type Decision struct {
	Approved     bool
	WorkUnitID   string
	ChallengeID  string
	ReportRef    string
	ResponseHash string
	LatencyMs    int64
	Entry        ir.LedgerEntry
}

// Gate issues challenges and judges answers.
type Gate struct {
	ledger     *ledger.Ledger
	minLatency time.Duration
	expiry     time.Duration
	poll       time.Duration
	logger     *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithMinLatency sets how long a reviewer must wait before answering.
func WithMinLatency(d time.Duration) Option {
	return func(g *Gate) {
		g.minLatency = d
	}
}

// WithExpiry sets how long a challenge can be answered.
func WithExpiry(d time.Duration) Option {
	return func(g *Gate) {
		g.expiry = d
	}
}

// WithPollInterval sets how often Await re-reads the clock.
func WithPollInterval(d time.Duration) Option {
	return func(g *Gate) {
		g.poll = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithPolicy applies the review timing of p.
func WithPolicy(p config.Policy) Option {
	return func(g *Gate) {
		g.minLatency = p.Review.MinLatency
		g.expiry = p.Review.ChallengeExpiry
	}
}

// New creates a review gate over l.
func New(l *ledger.Ledger, opts ...Option) *Gate {
	g := &Gate{
		ledger:     l,
		minLatency: DefaultMinLatency,
		expiry:     DefaultChallengeExpiry,
		poll:       100 * time.Millisecond,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IssueChallenge derives a challenge for the sealed composite of
// workUnitID. An open challenge is returned as is; a new one is issued
// only when none is open.
func (g *Gate) IssueChallenge(ctx context.Context, workUnitID string) (c ir.Challenge, err error) {
	ctx, span := telemetry.StartSpan(ctx, "review.IssueChallenge", attribute.String("work_unit", workUnitID))
	defer func() { telemetry.EndSpan(span, err) }()

	entries, err := g.ledger.Transact(ctx, ledger.SystemActor, func(ctx context.Context, v ledger.View) ([]ledger.Draft, error) {
		if err := ledger.RequireOpen(ctx, v, workUnitID, "challenge"); err != nil {
			return nil, err
		}
		ref, err := sealedRef(ctx, v, workUnitID)
		if err != nil {
			return nil, err
		}
		approved, ok, err := v.Last(ctx, ledger.Filter{
			Kinds: []ir.EntryKind{ir.KindReviewApproved},
			Attrs: map[string]string{ir.AttrReportRef: ref},
		})
		if err != nil {
			return nil, err
		}
		if ok {
			return nil, fault.NewReplayError(approved.Attrs.String(ir.AttrChallengeID))
		}

		issued, err := v.Find(ctx, ledger.Filter{
			Kinds: []ir.EntryKind{ir.KindChallengeIssued},
			Attrs: map[string]string{ir.AttrReportRef: ref},
		})
		if err != nil {
			return nil, err
		}
		now := v.Now()
		if n := len(issued); n > 0 {
			last := decodeChallenge(issued[n-1])
			answered, err := answerOf(ctx, v, last.ID)
			if err != nil {
				return nil, err
			}
			if !answered && now.Before(last.ExpiresAt) {
				c = last
				return nil, nil
			}
		}

		collected, err := dispatch.Reports(ctx, v, workUnitID)
		if err != nil {
			return nil, err
		}
		reports := make([]ir.ExecutionReport, 0, len(collected))
		for _, r := range collected {
			reports = append(reports, r.Report)
		}
		q, err := Derive(ref, reports, len(issued))
		if err != nil {
			return nil, err
		}

		c = ir.Challenge{
			ID:                 q.ID,
			ReportRef:          ref,
			Question:           q.Text,
			ExpectedAnswerHash: ir.AnswerHash(q.ID, q.Answer),
			IssuedAt:           now.UTC(),
			MinLatencyMs:       g.minLatency.Milliseconds(),
			ExpiresAt:          now.Add(g.expiry).UTC(),
		}
		return []ledger.Draft{{
			Kind:       ir.KindChallengeIssued,
			PayloadRef: c.ID,
			ActorID:    ledger.SystemActor,
			Attrs: ir.IRObject{
				ir.AttrWorkUnitID:         ir.IRString(workUnitID),
				ir.AttrReportRef:          ir.IRString(ref),
				ir.AttrChallengeID:        ir.IRString(c.ID),
				ir.AttrQuestion:           ir.IRString(c.Question),
				ir.AttrExpectedAnswerHash: ir.IRString(c.ExpectedAnswerHash),
				ir.AttrMinLatencyMs:       ir.IRInt(c.MinLatencyMs),
				ir.AttrExpiresAt:          ir.UnixNanos(c.ExpiresAt),
			},
		}}, nil
	})
	if err != nil {
		return ir.Challenge{}, err
	}
	if len(entries) == 0 {
		return c, nil
	}
	c.IssuedAt = entries[0].Timestamp
	g.logger.Info("challenge issued", "work_unit", workUnitID, "challenge", c.ID)
	return c, nil
}

// AnswerRequest is a reviewer's response. A zero SubmittedAt means now.
type AnswerRequest struct {
	ChallengeID string
	ReviewerID  string
	Response    string
	SubmittedAt time.Time
}

// Answer judges a response and records the decision.
func (g *Gate) Answer(ctx context.Context, req AnswerRequest) (Decision, error) {
	d, _, err := g.AnswerThen(ctx, req, nil)
	return d, err
}

// AnswerThen judges a response like Answer. When the response is
// approved, the step returned by then runs in the same transaction and
// sees the approval; if that step fails, the approval is not recorded
// either. It returns every entry appended.
func (g *Gate) AnswerThen(ctx context.Context, req AnswerRequest, then func(Decision) ledger.TxFunc) (d Decision, entries []ir.LedgerEntry, err error) {
	ctx, span := telemetry.StartSpan(ctx, "review.Answer", attribute.String("challenge", req.ChallengeID))
	defer func() { telemetry.EndSpan(span, err) }()

	actor := req.ReviewerID
	if actor == "" {
		actor = ledger.SystemActor
	}
	fn := g.judge(req, actor, &d)
	if then != nil {
		fn = ledger.Chain(fn, func(ctx context.Context, v ledger.View) ([]ledger.Draft, error) {
			return then(d)(ctx, v)
		})
	}
	entries, err = g.ledger.Transact(ctx, actor, fn)
	for _, e := range entries {
		if e.Kind == ir.KindReviewApproved || e.Kind == ir.KindReviewRejected {
			d.Entry = e
		}
	}
	d.Approved = d.Entry.Kind == ir.KindReviewApproved
	if err != nil {
		g.logger.Warn("review answer refused", "challenge", req.ChallengeID, "error", err)
		return d, entries, err
	}
	g.ledger.Metrics().ReviewLatency(d.LatencyMs)
	g.logger.Info("review approved", "ref", d.ReportRef, "latency_ms", d.LatencyMs)
	return d, entries, nil
}

// judge is the transaction step that checks an answer and drafts its
// decision into d.
func (g *Gate) judge(req AnswerRequest, actor string, d *Decision) ledger.TxFunc {
	return func(ctx context.Context, v ledger.View) ([]ledger.Draft, error) {
		e, ok, err := v.Last(ctx, ledger.Filter{
			Kinds: []ir.EntryKind{ir.KindChallengeIssued},
			Attrs: map[string]string{ir.AttrChallengeID: req.ChallengeID},
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fault.NewChallengeFailedError(fault.CodeChallengeUnknown, req.ChallengeID, "challenge was never issued")
		}
		c := decodeChallenge(e)
		workUnitID := e.Attrs.String(ir.AttrWorkUnitID)
		if err := ledger.RequireOpen(ctx, v, workUnitID, "answer"); err != nil {
			return nil, err
		}

		answered, err := answerOf(ctx, v, c.ID)
		if err != nil {
			return nil, err
		}
		if answered {
			return nil, fault.NewReplayError(c.ID)
		}

		now := v.Now()
		submitted := req.SubmittedAt
		if submitted.IsZero() {
			submitted = now
		}
		if submitted.After(now) {
			return nil, fault.NewChallengeFailedError(codeClock, c.ID,
				fmt.Sprintf("submitted at %s, after ledger time %s", submitted.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)))
		}
		elapsed := submitted.Sub(c.IssuedAt).Milliseconds()
		if elapsed < c.MinLatencyMs {
			return nil, fault.NewLatencyViolationError(c.ID, elapsed, c.MinLatencyMs)
		}
		if !submitted.Before(c.ExpiresAt) {
			return nil, fault.NewChallengeExpiredError(c.ID)
		}

		*d = Decision{
			WorkUnitID:   workUnitID,
			ChallengeID:  c.ID,
			ReportRef:    c.ReportRef,
			ResponseHash: ir.AnswerHash(c.ID, req.Response),
			LatencyMs:    elapsed,
		}
		attrs := ir.IRObject{
			ir.AttrWorkUnitID:   ir.IRString(workUnitID),
			ir.AttrReportRef:    ir.IRString(c.ReportRef),
			ir.AttrChallengeID:  ir.IRString(c.ID),
			ir.AttrResponseHash: ir.IRString(d.ResponseHash),
			ir.AttrLatencyMs:    ir.IRInt(elapsed),
		}
		if d.ResponseHash != c.ExpectedAnswerHash {
			attrs[ir.AttrReason] = ir.IRString("incorrect response")
			return []ledger.Draft{{
				Kind:       ir.KindReviewRejected,
				PayloadRef: c.ReportRef,
				ActorID:    actor,
				Attrs:      attrs,
			}}, fault.NewChallengeFailedError(codeWrong, c.ID, "response does not match the reviewed content")
		}
		d.Approved = true
		return []ledger.Draft{{
			Kind:       ir.KindReviewApproved,
			PayloadRef: c.ReportRef,
			ActorID:    actor,
			Attrs:      attrs,
		}}, nil
	}
}

// Await blocks until c can be answered, or ctx ends.
func (g *Gate) Await(ctx context.Context, c ir.Challenge) error {
	for {
		remaining := c.EligibleAt().Sub(g.ledger.Now())
		if remaining <= 0 {
			return nil
		}
		t := time.NewTimer(min(remaining, g.poll))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Challenge returns an issued challenge by id.
func (g *Gate) Challenge(ctx context.Context, id string) (ir.Challenge, bool, error) {
	e, ok, err := g.ledger.Last(ctx, ledger.Filter{
		Kinds: []ir.EntryKind{ir.KindChallengeIssued},
		Attrs: map[string]string{ir.AttrChallengeID: id},
	})
	if err != nil || !ok {
		return ir.Challenge{}, false, err
	}
	return decodeChallenge(e), true, nil
}

// Status derives the review state of workUnitID's current composite.
func (g *Gate) Status(ctx context.Context, workUnitID string) (Status, error) {
	return StatusOf(ctx, g.ledger, workUnitID)
}

// StatusOf derives the review state of workUnitID from v.
func StatusOf(ctx context.Context, v ledger.View, workUnitID string) (Status, error) {
	issued, err := v.Find(ctx, ledger.ByWorkUnit(workUnitID, ir.KindChallengeIssued))
	if err != nil {
		return Status{}, err
	}
	if len(issued) == 0 {
		return Status{State: StateNone}, nil
	}
	st := Status{Challenge: decodeChallenge(issued[len(issued)-1]), Attempts: len(issued)}
	e, ok, err := v.Last(ctx, ledger.Filter{
		Kinds: []ir.EntryKind{ir.KindReviewApproved, ir.KindReviewRejected},
		Attrs: map[string]string{ir.AttrChallengeID: st.Challenge.ID},
	})
	switch {
	case err != nil:
		return Status{}, err
	case !ok:
		st.State = StatePending
	case e.Kind == ir.KindReviewApproved:
		st.State = StateApproved
	default:
		st.State = StateRejected
	}
	return st, nil
}

// sealedRef returns the review reference of workUnitID's sealed composite.
func sealedRef(ctx context.Context, v ledger.View, workUnitID string) (string, error) {
	e, ok, err := v.Last(ctx, ledger.ByWorkUnit(workUnitID, ir.KindFinalitySealed, ir.KindFinalityFinal))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fault.NewChallengeFailedError(fault.CodeChallengeInsufficient, workUnitID,
			"composite is not sealed")
	}
	if e.Kind == ir.KindFinalityFinal {
		return "", fault.NewImmutabilityError(workUnitID, ir.FinalityFinal, "review")
	}
	return ir.CompositeRef(workUnitID, e.Attrs.String(ir.AttrMerkleRoot)), nil
}

func answerOf(ctx context.Context, v ledger.View, challengeID string) (bool, error) {
	_, ok, err := v.Last(ctx, ledger.Filter{
		Kinds: []ir.EntryKind{ir.KindReviewApproved, ir.KindReviewRejected},
		Attrs: map[string]string{ir.AttrChallengeID: challengeID},
	})
	return ok, err
}

func decodeChallenge(e ir.LedgerEntry) ir.Challenge {
	minMs, _ := e.Attrs.Int(ir.AttrMinLatencyMs)
	expires, _ := e.Attrs.Int(ir.AttrExpiresAt)
	return ir.Challenge{
		ID:                 e.Attrs.String(ir.AttrChallengeID),
		ReportRef:          e.Attrs.String(ir.AttrReportRef),
		Question:           e.Attrs.String(ir.AttrQuestion),
		ExpectedAnswerHash: e.Attrs.String(ir.AttrExpectedAnswerHash),
		IssuedAt:           e.Timestamp,
		MinLatencyMs:       minMs,
		ExpiresAt:          ir.FromUnixNanos(expires),
	}
}
