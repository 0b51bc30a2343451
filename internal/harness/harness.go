package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/govledger/internal/config"
	"github.com/roach88/govledger/internal/dispatch"
	"github.com/roach88/govledger/internal/engine"
	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/gate"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/review"
	"github.com/roach88/govledger/internal/testutil"
)

// DefaultPolicy is used by scenarios that carry no policy of their own.
const DefaultPolicy = `
issuers: alice: {
	lanes: ["core"]
	scope: ["api", "docs"]
	capabilities: ["override"]
}
issuers: carol: {
	lanes: ["docs"]
	scope: ["docs"]
}
agents: ["agent-1", "agent-2", "agent-3"]
review: min_latency: "5s"
`

// DefaultResultHash is reported by agents without a scripted hash.
var DefaultResultHash = strings.Repeat("ab", 32)

// Result is what a scenario left behind.
type Result struct {
	Trace []TraceEvent

	// Status holds the derived state of every work unit the scenario
	// issued, keyed by id.
	Status map[string]engine.Status

	// ChainErr is the outcome of verifying the whole chain after the last
	// step.
	ChainErr error
}

// TraceEvent is one ledger entry reduced to its deterministic fields.
type TraceEvent struct {
	Seq     uint64
	Kind    ir.EntryKind
	Actor   string
	Subject string
}

func (e TraceEvent) String() string {
	return fmt.Sprintf("%d %s %s %s", e.Seq, e.Kind, e.Actor, e.Subject)
}

// subject picks the most telling identifier of an entry: the fault or gate
// code, then the sub unit, then the work unit, then the payload ref.
func subject(e ir.LedgerEntry) string {
	for _, key := range []string{ir.AttrCode, ir.AttrSubUnitID, ir.AttrWorkUnitID} {
		if s := e.Attrs.String(key); s != "" {
			return s
		}
	}
	if e.PayloadRef != "" {
		return e.PayloadRef
	}
	return "-"
}

// runner holds the state of one scenario run.
type runner struct {
	ledger     *ledger.Ledger
	clock      *testutil.ManualClock
	engine     *engine.Engine
	numbers    map[string]uint64
	challenges map[string]ir.Challenge
	issued     []string
}

// Run executes a scenario against a fresh in-memory ledger. The clock
// starts at testutil.Epoch and only moves on advance and review steps.
// A single worker runs SubUnits so the trace order is fixed.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	src := scenario.Policy
	if src == "" {
		src = DefaultPolicy
	}
	policy, err := config.Parse(scenario.Name+".cue", src)
	if err != nil {
		return nil, fmt.Errorf("scenario policy: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := testutil.NewManualClock(testutil.Epoch)
	l := ledger.New(ledger.NewMemory(), ledger.WithClock(clk), ledger.WithLogger(logger))
	defer l.Close()

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithWorkers(1),
		engine.WithIDGenerator(testutil.NewSequentialIDs("tok")),
	}
	if scenario.ReportTimeout > 0 {
		opts = append(opts, engine.WithReportTimeout(time.Duration(scenario.ReportTimeout)))
	}
	for _, id := range policy.Agents {
		opts = append(opts, engine.WithAgent(id, scriptedAgent(scenario.Agents[id])))
	}
	eng, err := engine.New(l, policy, opts...)
	if err != nil {
		return nil, err
	}
	defer eng.Close()

	r := &runner{
		ledger:     l,
		clock:      clk,
		engine:     eng,
		numbers:    make(map[string]uint64),
		challenges: make(map[string]ir.Challenge),
	}
	for i, step := range scenario.Steps {
		if err := r.step(ctx, step); err != nil {
			return nil, fmt.Errorf("steps[%d] %s: %w", i, step.Op, err)
		}
	}
	return r.result(ctx)
}

func (r *runner) step(ctx context.Context, s Step) error {
	outcome, err := r.apply(ctx, s)
	want := s.Expect
	if want == nil {
		want = &Expect{}
	}
	switch {
	case want.Error == "" && err != nil:
		return err
	case want.Error != "" && err == nil:
		return fmt.Errorf("expected error %s, step succeeded", want.Error)
	case want.Error != "":
		if got := codeOf(err); got != want.Error {
			return fmt.Errorf("expected error %s, got %s (%v)", want.Error, got, err)
		}
	}
	if want.Outcome != "" && outcome != want.Outcome {
		return fmt.Errorf("expected outcome %s, got %s", want.Outcome, outcome)
	}
	return nil
}

// codeOf returns the fault code of err, or its sentinel name for the
// engine's own errors.
func codeOf(err error) string {
	if fe, ok := fault.As(err); ok {
		return fe.Code
	}
	switch {
	case errors.Is(err, engine.ErrNotIssued):
		return "NOT_ISSUED"
	case errors.Is(err, engine.ErrTerminal):
		return "TERMINAL"
	}
	return "UNCLASSIFIED"
}

func (r *runner) apply(ctx context.Context, s Step) (string, error) {
	switch s.Op {
	case OpReserve:
		rsv, err := r.engine.Reserve(ctx, s.Type, s.Actor)
		if err != nil {
			return "", err
		}
		r.numbers[s.Type+"/"+s.Actor] = rsv.Number
		return "", nil

	case OpIssue:
		return "", r.issue(ctx, s)

	case OpExecute:
		out, err := r.engine.Execute(ctx, s.WorkUnit)
		if err != nil {
			return "", err
		}
		if out.Sealed {
			return OutcomeSealed, nil
		}
		return OutcomeRejected, nil

	case OpAdvance:
		r.clock.Advance(time.Duration(s.By))
		return "", nil

	case OpChallenge:
		c, err := r.engine.Challenge(ctx, s.WorkUnit)
		if err != nil {
			return "", err
		}
		r.challenges[s.WorkUnit] = c
		return "", nil

	case OpAnswer:
		c, ok := r.challenges[s.WorkUnit]
		if !ok {
			return "", fmt.Errorf("no challenge issued for %s", s.WorkUnit)
		}
		response, err := r.response(ctx, c, s.Response)
		if err != nil {
			return "", err
		}
		_, err = r.engine.Answer(ctx, review.AnswerRequest{
			ChallengeID: c.ID,
			ReviewerID:  s.Actor,
			Response:    response,
		})
		return "", err

	case OpReview:
		_, err := r.engine.Review(ctx, s.WorkUnit, ReadingReviewer{
			Name:   s.Actor,
			Ledger: r.ledger,
			Read: func(context.Context, ir.Challenge) error {
				r.clock.Advance(time.Duration(s.By))
				return nil
			},
		})
		return "", err

	case OpCancel:
		_, err := r.engine.Cancel(ctx, s.WorkUnit, s.Actor, s.Reason)
		return "", err

	case OpClose:
		_, err := r.engine.CloseWorkUnit(ctx, s.WorkUnit, s.Actor)
		return "", err
	}
	return "", fmt.Errorf("unknown op %q", s.Op)
}

func (r *runner) issue(ctx context.Context, s Step) error {
	number := s.Number
	if number == 0 {
		number = r.numbers[s.Type+"/"+s.Actor]
	}
	lane, scope := s.Lane, s.Scope
	if lane == "" {
		lane = "core"
	}
	if len(scope) == 0 {
		scope = []string{"api"}
	}
	subs := make([]ir.SubUnit, 0, len(s.SubUnits))
	for _, su := range s.SubUnits {
		subs = append(subs, ir.SubUnit{ID: su.ID, AgentID: su.Agent, DependsOn: su.DependsOn})
	}
	req := engine.IssueRequest{
		ActorID: s.Actor,
		Number:  number,
		WorkUnit: ir.WorkUnit{
			ID:         s.WorkUnit,
			Type:       s.Type,
			IssuerID:   s.Actor,
			Lane:       lane,
			Scope:      scope,
			Supersedes: s.Supersedes,
		},
		SubUnits: subs,
	}
	if s.Override != nil {
		req.Override = &gate.Override{Reason: s.Override.Reason, Waive: s.Override.Waive}
	}
	if _, err := r.engine.Issue(ctx, req); err != nil {
		return err
	}
	r.issued = append(r.issued, s.WorkUnit)
	return nil
}

// response resolves the scripted answer to c.
func (r *runner) response(ctx context.Context, c ir.Challenge, scripted string) (string, error) {
	switch scripted {
	case "correct":
		return ReadingReviewer{Ledger: r.ledger}.Respond(ctx, c)
	case "wrong":
		return "not-the-answer", nil
	}
	return scripted, nil
}

func (r *runner) result(ctx context.Context) (*Result, error) {
	entries, err := r.ledger.Entries(ctx, 1, 0)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Trace:    make([]TraceEvent, 0, len(entries)),
		Status:   make(map[string]engine.Status, len(r.issued)),
		ChainErr: r.ledger.VerifyAll(ctx),
	}
	for _, e := range entries {
		res.Trace = append(res.Trace, TraceEvent{
			Seq:     e.Sequence,
			Kind:    e.Kind,
			Actor:   e.ActorID,
			Subject: subject(e),
		})
	}
	for _, id := range slices.Compact(slices.Sorted(slices.Values(r.issued))) {
		st, err := r.engine.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		res.Status[id] = st
	}
	return res, nil
}

// scriptedAgent returns an executor that behaves as script says.
func scriptedAgent(script AgentScript) engine.Agent {
	return engine.AgentFunc(func(ctx context.Context, task dispatch.Task) (ir.ExecutionReport, error) {
		switch script.Behavior {
		case BehaviorFail:
			return ir.ExecutionReport{}, fmt.Errorf("agent %s failed %s", task.SubUnit.AgentID, task.SubUnit.ID)
		case BehaviorTimeout:
			<-ctx.Done()
			return ir.ExecutionReport{}, ctx.Err()
		}
		hash := script.ResultHash
		if hash == "" {
			hash = DefaultResultHash
		}
		return ir.ExecutionReport{
			AgentID:    task.SubUnit.AgentID,
			ResultHash: hash,
			Metrics:    script.Metrics,
		}, nil
	})
}
