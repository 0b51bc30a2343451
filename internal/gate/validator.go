// Package gate runs artifacts through the fail-closed G0..G7 validation
// pipeline.
//
// The pipeline halts at the first failing invariant. A failure is never
// silent: it is returned as a GateValidation error together with a
// GATE_FAILED ledger draft, and Guard hands both to the enclosing ledger
// transaction so the audit entry and the refusal are one atomic step.
//
// An issuer holding the override capability may attach an Override that
// waives named behavioral or temporal invariants. Each waiver used becomes
// an OVERRIDE entry appended ahead of the accepted artifact.
package gate

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/govledger/internal/config"
	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/invariant"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
)

// Subject is what an invariant check sees.
type Subject struct {
	Artifact Artifact
	View     ledger.View
	Policy   config.Policy
	Now      time.Time

	registry *invariant.Registry[*Subject]
	plan     *planResult
}

type planResult struct {
	plan ledger.Plan
	ok   bool
	err  error
}

// Plan loads the issued plan of the artifact's WorkUnit once per run.
func (s *Subject) Plan(ctx context.Context) (ledger.Plan, bool, error) {
	if s.plan == nil {
		p, ok, err := ledger.IssuedPlan(ctx, s.View, s.Artifact.WorkUnitID())
		s.plan = &planResult{plan: p, ok: ok, err: err}
	}
	return s.plan.plan, s.plan.ok, s.plan.err
}

// SubUnit resolves the SubUnit a report is submitted for.
func (s *Subject) SubUnit(ctx context.Context) (ir.SubUnit, bool, error) {
	p, ok, err := s.Plan(ctx)
	if err != nil || !ok {
		return ir.SubUnit{}, false, err
	}
	for _, su := range p.SubUnits {
		if su.ID == s.Artifact.Submission.Report.SubUnitID {
			return su, true, nil
		}
	}
	return ir.SubUnit{}, false, nil
}

// Waiver is a failed invariant excused by an authorized override.
type Waiver struct {
	Code   string
	Gate   invariant.Gate
	Class  invariant.Class
	Detail string
}

// Result is the outcome of one pipeline run.
type Result struct {
	Failure *fault.GateFailure
	Waivers []Waiver
	Checked int
}

// Passed reports whether the artifact cleared every gate.
func (r Result) Passed() bool {
	return r.Failure == nil
}

// Validator runs the pipeline against a policy.
type Validator struct {
	registry *invariant.Registry[*Subject]
	policy   config.Policy
	logger   *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		v.logger = logger
	}
}

// WithRegistry replaces the built-in catalog.
func WithRegistry(r *invariant.Registry[*Subject]) Option {
	return func(v *Validator) {
		v.registry = r
	}
}

// NewValidator creates a validator using Catalog.
func NewValidator(policy config.Policy, opts ...Option) *Validator {
	v := &Validator{
		registry: Catalog(),
		policy:   policy,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Registry returns the invariant catalog in use.
func (v *Validator) Registry() *invariant.Registry[*Subject] {
	return v.registry
}

// Evaluate runs the pipeline without touching the ledger.
func (v *Validator) Evaluate(ctx context.Context, view ledger.View, a Artifact) Result {
	s := &Subject{
		Artifact: a,
		View:     view,
		Policy:   v.policy,
		Now:      view.Now(),
		registry: v.registry,
	}

	var res Result
	for _, g := range invariant.Gates {
		checks := v.registry.For(g, a.Kind)
		if a.Override != nil {
			checks = append(v.registry.For(g, ir.ArtifactOverride), checks...)
		}
		for _, inv := range checks {
			res.Checked++
			verdict := inv.Evaluate(ctx, s)
			if verdict.Passed() {
				continue
			}
			if verdict.Outcome == invariant.Fail && v.waives(a, inv) {
				res.Waivers = append(res.Waivers, Waiver{
					Code:   inv.Code,
					Gate:   inv.Gate,
					Class:  inv.Class,
					Detail: verdict.Detail,
				})
				continue
			}
			detail := verdict.Detail
			if verdict.Outcome == invariant.Unresolved {
				detail = "unresolved: " + detail
			}
			res.Failure = &fault.GateFailure{
				Gate:     inv.Gate.String(),
				Code:     inv.Code,
				Class:    string(inv.Class),
				Field:    verdict.Field,
				Detail:   detail,
				Expected: verdict.Expected,
			}
			return res
		}
	}
	return res
}

func (v *Validator) waives(a Artifact, inv *invariant.Invariant[*Subject]) bool {
	if a.Override == nil || !inv.Waivable() || !slices.Contains(a.Override.Waive, inv.Code) {
		return false
	}
	issuer, ok := v.policy.Issuer(a.ActorID)
	return ok && issuer.Has(config.CapabilityOverride)
}

// Guard returns a ledger transaction step that validates a. On success it
// yields the OVERRIDE drafts of any waivers used; on failure a GATE_FAILED
// draft and the GateValidation error.
func (v *Validator) Guard(a Artifact) ledger.TxFunc {
	return func(ctx context.Context, view ledger.View) ([]ledger.Draft, error) {
		res := v.Evaluate(ctx, view, a)
		if !res.Passed() {
			f := *res.Failure
			v.logger.Warn("gate failed",
				"kind", a.Kind,
				"ref", a.Ref(),
				"gate", f.Gate,
				"code", f.Code,
				"detail", f.Detail,
			)
			return []ledger.Draft{failureDraft(a, f)}, fault.NewGateValidationError(a.Ref(), f)
		}

		drafts := make([]ledger.Draft, 0, len(res.Waivers))
		for _, w := range res.Waivers {
			v.logger.Info("gate check waived", "code", w.Code, "actor", a.ActorID, "ref", a.Ref())
			drafts = append(drafts, overrideDraft(a, w))
		}
		return drafts, nil
	}
}

// Validate runs a standalone pipeline against l, appending any GATE_FAILED
// or OVERRIDE entries.
func (v *Validator) Validate(ctx context.Context, l *ledger.Ledger, a Artifact) ([]ir.LedgerEntry, error) {
	return l.Transact(ctx, actorOf(a), v.Guard(a))
}

func actorOf(a Artifact) string {
	if a.ActorID == "" {
		return ledger.SystemActor
	}
	return a.ActorID
}

func failureDraft(a Artifact, f fault.GateFailure) ledger.Draft {
	attrs := ir.IRObject{
		ir.AttrWorkUnitID: ir.IRString(a.WorkUnitID()),
		ir.AttrKind:       ir.IRString(string(a.Kind)),
		ir.AttrGate:       ir.IRString(f.Gate),
		ir.AttrCode:       ir.IRString(f.Code),
		ir.AttrClass:      ir.IRString(f.Class),
		ir.AttrDetail:     ir.IRString(f.Detail),
	}
	if f.Field != "" {
		attrs[ir.AttrField] = ir.IRString(f.Field)
	}
	if f.Expected != "" {
		attrs[ir.AttrExpected] = ir.IRString(f.Expected)
	}
	return ledger.Draft{
		Kind:       ir.KindGateFailed,
		PayloadRef: a.Ref(),
		ActorID:    actorOf(a),
		Attrs:      attrs,
	}
}

func overrideDraft(a Artifact, w Waiver) ledger.Draft {
	return ledger.Draft{
		Kind:       ir.KindOverride,
		PayloadRef: a.Ref(),
		ActorID:    actorOf(a),
		Attrs: ir.IRObject{
			ir.AttrWorkUnitID: ir.IRString(a.WorkUnitID()),
			ir.AttrKind:       ir.IRString(string(a.Kind)),
			ir.AttrGate:       ir.IRString(w.Gate.String()),
			ir.AttrCode:       ir.IRString(w.Code),
			ir.AttrClass:      ir.IRString(string(w.Class)),
			ir.AttrDetail:     ir.IRString(w.Detail),
			ir.AttrReason:     ir.IRString(a.Override.Reason),
			ir.AttrWaived:     ir.IRBool(true),
		},
	}
}
