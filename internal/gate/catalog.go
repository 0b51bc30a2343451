package gate

import (
	"context"
	"regexp"
	"slices"
	"strconv"

	"github.com/roach88/govledger/internal/config"
	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/invariant"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/sequencer"
)

// Identifiers end up inside composite refs (wu@root) and reservation refs
// (rsv:type:owner:n), so separators are excluded.
var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

var metricName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

type requiredField struct {
	name    string
	present func(Artifact) bool
}

// Schema is the required-field table checked first for every kind.
var Schema = map[ir.ArtifactKind][]requiredField{
	ir.ArtifactWorkUnit: {
		{"id", func(a Artifact) bool { return a.WorkUnit.ID != "" }},
		{"type", func(a Artifact) bool { return a.WorkUnit.Type != "" }},
		{"number", func(a Artifact) bool { return a.WorkUnit.Number > 0 }},
		{"issuer_id", func(a Artifact) bool { return a.WorkUnit.IssuerID != "" }},
		{"lane", func(a Artifact) bool { return a.WorkUnit.Lane != "" }},
		{"scope", func(a Artifact) bool { return len(a.WorkUnit.Scope) > 0 }},
		{"sub_units", func(a Artifact) bool { return len(a.SubUnits) > 0 }},
	},
	ir.ArtifactReport: {
		{"work_unit_id", func(a Artifact) bool { return a.Submission.WorkUnitID != "" }},
		{"token", func(a Artifact) bool { return a.Submission.Token != "" }},
		{"sub_unit_id", func(a Artifact) bool { return a.Submission.Report.SubUnitID != "" }},
		{"agent_id", func(a Artifact) bool { return a.Submission.Report.AgentID != "" }},
		{"result_hash", func(a Artifact) bool { return a.Submission.Report.ResultHash != "" }},
		{"produced_at", func(a Artifact) bool { return !a.Submission.Report.ProducedAt.IsZero() }},
	},
	ir.ArtifactClosure: {
		{"work_unit_id", func(a Artifact) bool { return a.Closure.WorkUnitID != "" }},
		{"outcome", func(a Artifact) bool { return a.Closure.Outcome != "" }},
	},
	ir.ArtifactOverride: {
		{"reason", func(a Artifact) bool { return a.Override != nil && a.Override.Reason != "" }},
		{"waive", func(a Artifact) bool { return a.Override != nil && len(a.Override.Waive) > 0 }},
	},
}

func schemaCheck(kind ir.ArtifactKind) func(context.Context, *Subject) invariant.Verdict {
	return func(_ context.Context, s *Subject) invariant.Verdict {
		for _, f := range Schema[kind] {
			if !f.present(s.Artifact) {
				return invariant.Failf("%s is required", f.name).WithField(f.name)
			}
		}
		return invariant.Ok()
	}
}

type inv = invariant.Invariant[*Subject]

var (
	workUnit = []ir.ArtifactKind{ir.ArtifactWorkUnit}
	report   = []ir.ArtifactKind{ir.ArtifactReport}
	closure  = []ir.ArtifactKind{ir.ArtifactClosure}
	override = []ir.ArtifactKind{ir.ArtifactOverride}
)

// Catalog returns a registry holding every built-in invariant.
func Catalog() *invariant.Registry[*Subject] {
	r := invariant.NewRegistry[*Subject]()
	r.MustRegister(workUnitInvariants()...)
	r.MustRegister(reportInvariants()...)
	r.MustRegister(closureInvariants()...)
	r.MustRegister(overrideInvariants()...)
	return r
}

func workUnitInvariants() []inv {
	return []inv{
		{
			Code: "STR-001", Class: invariant.Structural, Gate: invariant.G0, Kinds: workUnit,
			Description: "work unit carries every required field",
			Check:       schemaCheck(ir.ArtifactWorkUnit),
		},
		{
			Code: "STR-002", Class: invariant.Structural, Gate: invariant.G0, Kinds: workUnit,
			Description: "identifiers are well-formed",
			Check: func(_ context.Context, s *Subject) invariant.Verdict {
				wu := s.Artifact.WorkUnit
				ids := []struct{ field, value string }{
					{"id", wu.ID}, {"type", wu.Type}, {"issuer_id", wu.IssuerID}, {"lane", wu.Lane},
				}
				for _, su := range s.Artifact.SubUnits {
					ids = append(ids, struct{ field, value string }{"sub_units.id", su.ID})
					ids = append(ids, struct{ field, value string }{"sub_units.agent_id", su.AgentID})
				}
				for _, id := range ids {
					if !validID.MatchString(id.value) {
						return invariant.Failf("%s %q is not a valid identifier", id.field, id.value).WithField(id.field)
					}
				}
				return invariant.Ok()
			},
		},
		{
			Code: "STR-003", Class: invariant.Structural, Gate: invariant.G0, Kinds: workUnit,
			Field: "scope", Description: "scope is a set of non-empty items",
			Check: func(_ context.Context, s *Subject) invariant.Verdict {
				seen := map[string]bool{}
				for _, item := range s.Artifact.WorkUnit.Scope {
					if item == "" {
						return invariant.Failf("scope contains an empty item")
					}
					if seen[item] {
						return invariant.Failf("scope item %q is repeated", item)
					}
					seen[item] = true
				}
				return invariant.Ok()
			},
		},
		{
			Code: "STR-004", Class: invariant.Structural, Gate: invariant.G0, Kinds: workUnit,
			Field: "sub_units", Description: "sub unit ids are unique",
			Check: func(_ context.Context, s *Subject) invariant.Verdict {
				seen := map[string]bool{}
				for _, su := range s.Artifact.SubUnits {
					if seen[su.ID] {
						return invariant.Failf("sub unit %q is declared twice", su.ID)
					}
					seen[su.ID] = true
				}
				return invariant.Ok()
			},
		},
		{
			Code: "STR-005", Class: invariant.Structural, Gate: invariant.G0, Kinds: workUnit,
			Field: "depends_on", Description: "dependencies name declared sibling sub units",
			Check: func(_ context.Context, s *Subject) invariant.Verdict {
				declared := map[string]bool{}
				for _, su := range s.Artifact.SubUnits {
					declared[su.ID] = true
				}
				for _, su := range s.Artifact.SubUnits {
					seen := map[string]bool{}
					for _, dep := range su.DependsOn {
						switch {
						case dep == su.ID:
							return invariant.Failf("sub unit %q depends on itself", su.ID)
						case !declared[dep]:
							return invariant.Failf("sub unit %q depends on undeclared %q", su.ID, dep)
						case seen[dep]:
							return invariant.Failf("sub unit %q lists %q twice", su.ID, dep)
						}
						seen[dep] = true
					}
				}
				return invariant.Ok()
			},
		},
		{
			Code: "AUT-001", Class: invariant.Authority, Gate: invariant.G1, Kinds: workUnit,
			Field: "issuer_id", Description: "issuer is registered in the policy",
			Check: func(_ context.Context, s *Subject) invariant.Verdict {
				if _, ok := s.Policy.Issuer(s.Artifact.WorkUnit.IssuerID); !ok {
					return invariant.Failf("issuer %q is not registered", s.Artifact.WorkUnit.IssuerID)
				}
				return invariant.Ok()
			},
		},
		{
			Code: "AUT-002", Class: invariant.Authority, Gate: invariant.G1, Kinds: workUnit,
			Field: "actor_id", Description: "work units are submitted by their issuer",
			Check: func(_ context.Context, s *Subject) invariant.Verdict {
				if s.Artifact.ActorID != s.Artifact.WorkUnit.IssuerID {
					return invariant.Failf("actor %q is not issuer %q", s.Artifact.ActorID, s.Artifact.WorkUnit.IssuerID).
						WithExpected(s.Artifact.WorkUnit.IssuerID)
				}
				return invariant.Ok()
			},
		},
		{
			Code: "AUT-003", Class: invariant.Authority, Gate: invariant.G1, Kinds: workUnit,
			Field: "lane", Description: "issuer may issue into the lane",
			Check: func(_ context.Context, s *Subject) invariant.Verdict {
				issuer, _ := s.Policy.Issuer(s.Artifact.WorkUnit.IssuerID)
				if !issuer.AllowsLane(s.Artifact.WorkUnit.Lane) {
					return invariant.Failf("lane %q is not granted to %s", s.Artifact.WorkUnit.Lane, s.Artifact.WorkUnit.IssuerID)
				}
				return invariant.Ok()
			},
		},
		{
			Code: "AUT-004", Class: invariant.Authority, Gate: invariant.G1, Kinds: workUnit,
			Field: "scope", Description: "scope lies within the issuer's grant",
			Check: func(_ context.Context, s *Subject) invariant.Verdict {
				issuer, _ := s.Policy.Issuer(s.Artifact.WorkUnit.IssuerID)
				if item, ok := issuer.AllowsScope(s.Artifact.WorkUnit.Scope); !ok {
					return invariant.Failf("scope %q is not granted to %s", item, s.Artifact.WorkUnit.IssuerID)
				}
				return invariant.Ok()
			},
		},
		{
			Code: "AUT-005", Class: invariant.Authority, Gate: invariant.G1, Kinds: workUnit,
			Field: "sub_units.agent_id", Description: "sub units are assigned to registered agents",
			Check: func(_ context.Context, s *Subject) invariant.Verdict {
				for _, su := range s.Artifact.SubUnits {
					if !s.Policy.KnowsAgent(su.AgentID) {
						return invariant.Failf("agent %q of %s is not registered", su.AgentID, su.ID)
					}
				}
				return invariant.Ok()
			},
		},
		{
			Code: "INT-001", Class: invariant.Integrity, Gate: invariant.G2, Kinds: workUnit,
			Field: "id", Description: "work unit id has not been issued before",
			Check: func(ctx context.Context, s *Subject) invariant.Verdict {
				_, exists, err := s.Plan(ctx)
				if err != nil {
					return invariant.Unresolvedf("%v", err)
				}
				if exists {
					return invariant.Failf("work unit %s is already issued", s.Artifact.WorkUnit.ID)
				}
				return invariant.Ok()
			},
		},
		{
			Code: "INT-002", Class: invariant.Integrity, Gate: invariant.G2, Kinds: workUnit,
			Field: "supersedes", Description: "a superseded unit is closed, of the same lineage and superseded once",
			Check: checkSupersedes,
		},
		{
			Code: "BEH-001", Class: invariant.Behavioral, Gate: invariant.G3, Kinds: workUnit,
			Field: "sub_units", Description: "fan-out stays within the policy limit",
			Check: func(_ context.Context, s *Subject) invariant.Verdict {
				if n := len(s.Artifact.SubUnits); n > s.Policy.MaxFanOut {
					return invariant.Failf("%d sub units exceed the fan-out limit", n).
						WithExpected(strconv.Itoa(s.Policy.MaxFanOut))
				}
				return invariant.Ok()
			},
		},
		{
			Code: "BEH-002", Class: invariant.Behavioral, Gate: invariant.G4, Kinds: workUnit,
			Field: "number", Description: "the previous number of the issuer is terminal",
			Fixed: true,
			Check: func(ctx context.Context, s *Subject) invariant.Verdict {
				wu := s.Artifact.WorkUnit
				err := sequencer.CheckSequential(ctx, s.View, wu.Type, wu.IssuerID, wu.Number,
					s.Policy.Sequencing.RejectedSatisfiesSequence)
				if fe, ok := fault.As(err); ok {
					return invariant.Failf("%s", fe.Message).WithExpected(fe.Expected)
				}
				if err != nil {
					return invariant.Unresolvedf("%v", err)
				}
				return invariant.Ok()
			},
		},
		{
			Code: "CMP-001", Class: invariant.Composite, Gate: invariant.G5, Kinds: workUnit,
			Field: "sub_units.id", Description: "sub unit ids are not used by another work unit",
			Check: func(ctx context.Context, s *Subject) invariant.Verdict {
				issued, err := s.View.Find(ctx, ledger.Filter{Kinds: []ir.EntryKind{ir.KindWorkUnitIssued}})
				if err != nil {
					return invariant.Unresolvedf("%v", err)
				}
				mine := map[string]bool{}
				for _, su := range s.Artifact.SubUnits {
					mine[su.ID] = true
				}
				for _, e := range issued {
					_, subs, err := ir.DecodeWorkUnit(e.Attrs)
					if err != nil {
						return invariant.Unresolvedf("decode sequence %d: %v", e.Sequence, err)
					}
					for _, su := range subs {
						if mine[su.ID] {
							return invariant.Failf("sub unit %q already belongs to %s", su.ID, su.ParentWorkUnitID)
						}
					}
				}
				return invariant.Ok()
			},
		},
	}
}

func checkSupersedes(ctx context.Context, s *Subject) invariant.Verdict {
	wu := s.Artifact.WorkUnit
	if wu.Supersedes == "" {
		return invariant.Ok()
	}
	if wu.Supersedes == wu.ID {
		return invariant.Failf("work unit supersedes itself")
	}
	old, ok, err := ledger.IssuedPlan(ctx, s.View, wu.Supersedes)
	if err != nil {
		return invariant.Unresolvedf("%v", err)
	}
	if !ok {
		return invariant.Failf("superseded unit %s was never issued", wu.Supersedes)
	}
	if old.WorkUnit.IssuerID != wu.IssuerID || old.WorkUnit.Type != wu.Type {
		return invariant.Failf("superseded unit %s belongs to %s/%s", wu.Supersedes, old.WorkUnit.IssuerID, old.WorkUnit.Type)
	}
	terminal, ok, err := ledger.Terminal(ctx, s.View, wu.Supersedes)
	if err != nil {
		return invariant.Unresolvedf("%v", err)
	}
	if !ok || terminal.Kind != ir.KindClosed {
		return invariant.Failf("superseded unit %s is not closed", wu.Supersedes)
	}
	_, done, err := s.View.Last(ctx, ledger.ByWorkUnit(wu.Supersedes, ir.KindSuperseded))
	if err != nil {
		return invariant.Unresolvedf("%v", err)
	}
	if done {
		return invariant.Failf("unit %s is already superseded", wu.Supersedes)
	}
	return invariant.Ok()
}

func reportInvariants() []inv {
	return []inv{
		{
			Code: "STR-010", Class: invariant.Structural, Gate: invariant.G0, Kinds: report,
			Description: "report carries every required field",
			Check:       schemaCheck(ir.ArtifactReport),
		},
		{
			Code: "STR-011", Class: invariant.Structural, Gate: invariant.G0, Kinds: report,
			Field: "result_hash", Description: "result hash is 64 lowercase hex digits",
			Check: func(_ context.Context, s *Subject) invariant.Verdict {
				if !ir.IsHexHash(s.Artifact.Submission.Report.ResultHash) {
					return invariant.Failf("result hash %q is not a sha-256 hex digest", s.Artifact.Submission.Report.ResultHash)
				}
				return invariant.Ok()
			},
		},
		{
			Code: "STR-012", Class: invariant.Structural, Gate: invariant.G0, Kinds: report,
			Field: "metrics", Description: "metric names are lower snake case",
			Check: func(_ context.Context, s *Subject) invariant.Verdict {
				for name := range s.Artifact.Submission.Report.Metrics {
					if !metricName.MatchString(name) {
						return invariant.Failf("metric name %q is invalid", name)
					}
				}
				return invariant.Ok()
			},
		},
		{
			Code: "AUT-010", Class: invariant.Authority, Gate: invariant.G1, Kinds: report,
			Field: "agent_id", Description: "reports are submitted by the agent they name",
			Check: func(_ context.Context, s *Subject) invariant.Verdict {
				if s.Artifact.ActorID != s.Artifact.Submission.Report.AgentID {
					return invariant.Failf("actor %q submitted a report for agent %q",
						s.Artifact.ActorID, s.Artifact.Submission.Report.AgentID)
				}
				return invariant.Ok()
			},
		},
		{
			Code: "INT-010", Class: invariant.Integrity, Gate: invariant.G2, Kinds: report,
			Field: "sub_unit_id", Description: "sub unit is declared by an issued work unit",
			Check: func(ctx context.Context, s *Subject) invariant.Verdict {
				_, ok, err := s.SubUnit(ctx)
				if err != nil {
					return invariant.Unresolvedf("%v", err)
				}
				if !ok {
					return invariant.Failf("%s is not a sub unit of %s",
						s.Artifact.Submission.Report.SubUnitID, s.Artifact.Submission.WorkUnitID)
				}
				return invariant.Ok()
			},
		},
		{
			Code: "AUT-011", Class: invariant.Authority, Gate: invariant.G2, Kinds: report,
			Field: "agent_id", Description: "report agent is the sub unit's assigned agent",
			Check: func(ctx context.Context, s *Subject) invariant.Verdict {
				su, ok, err := s.SubUnit(ctx)
				if err != nil || !ok {
					return invariant.Unresolvedf("sub unit not resolved")
				}
				if su.AgentID != s.Artifact.Submission.Report.AgentID {
					return invariant.Failf("%s is assigned to %s", su.ID, su.AgentID).WithExpected(su.AgentID)
				}
				return invariant.Ok()
			},
		},
		{
			Code: "TMP-001", Class: invariant.Temporal, Gate: invariant.G3, Kinds: report,
			Field: "produced_at", Description: "report is not dated in the future",
			Fixed: true,
			Check: func(_ context.Context, s *Subject) invariant.Verdict {
				if s.Artifact.Submission.Report.ProducedAt.After(s.Now) {
					return invariant.Failf("produced at %s, after submission", s.Artifact.Submission.Report.ProducedAt)
				}
				return invariant.Ok()
			},
		},
		{
			Code: "TMP-002", Class: invariant.Temporal, Gate: invariant.G3, Kinds: report,
			Field: "produced_at", Description: "report is not dated before its dispatch",
			Fixed: true,
			Check: func(ctx context.Context, s *Subject) invariant.Verdict {
				sub := s.Artifact.Submission
				d, ok, err := s.View.Last(ctx, ledger.Filter{
					Kinds: []ir.EntryKind{ir.KindSubUnitDispatched},
					Attrs: map[string]string{
						ir.AttrWorkUnitID: sub.WorkUnitID,
						ir.AttrSubUnitID:  sub.Report.SubUnitID,
					},
				})
				if err != nil {
					return invariant.Unresolvedf("%v", err)
				}
				if !ok {
					return invariant.Failf("%s was never dispatched", sub.Report.SubUnitID)
				}
				if sub.Report.ProducedAt.Before(d.Timestamp) {
					return invariant.Failf("produced at %s, before dispatch at %s", sub.Report.ProducedAt, d.Timestamp)
				}
				return invariant.Ok()
			},
		},
		{
			Code: "INT-011", Class: invariant.Integrity, Gate: invariant.G4, Kinds: report,
			Field: "work_unit_id", Description: "work unit is still open",
			Check: openCheck,
		},
		{
			Code: "INT-012", Class: invariant.Integrity, Gate: invariant.G5, Kinds: report,
			Field: "sub_unit_id", Description: "a sub unit is reported exactly once",
			Check: func(ctx context.Context, s *Subject) invariant.Verdict {
				sub := s.Artifact.Submission
				prior, ok, err := s.View.Last(ctx, ledger.Filter{
					Kinds: []ir.EntryKind{ir.KindReportSubmitted},
					Attrs: map[string]string{
						ir.AttrWorkUnitID: sub.WorkUnitID,
						ir.AttrSubUnitID:  sub.Report.SubUnitID,
					},
				})
				if err != nil {
					return invariant.Unresolvedf("%v", err)
				}
				if ok {
					return invariant.Failf("%s was reported at sequence %d", sub.Report.SubUnitID, prior.Sequence)
				}
				return invariant.Ok()
			},
		},
		{
			Code: "CMP-010", Class: invariant.Composite, Gate: invariant.G6, Kinds: report,
			Field: "work_unit_id", Description: "composite finality is not sealed",
			Check: func(ctx context.Context, s *Subject) invariant.Verdict {
				sealed, ok, err := s.View.Last(ctx, ledger.ByWorkUnit(s.Artifact.WorkUnitID(),
					ir.KindFinalitySealed, ir.KindFinalityFinal))
				if err != nil {
					return invariant.Unresolvedf("%v", err)
				}
				if ok {
					return invariant.Failf("composite is %s since sequence %d", sealed.Kind, sealed.Sequence)
				}
				return invariant.Ok()
			},
		},
	}
}

func openCheck(ctx context.Context, s *Subject) invariant.Verdict {
	terminal, ok, err := ledger.Terminal(ctx, s.View, s.Artifact.WorkUnitID())
	if err != nil {
		return invariant.Unresolvedf("%v", err)
	}
	if ok {
		return invariant.Failf("%s is already %s", s.Artifact.WorkUnitID(), terminal.Kind)
	}
	return invariant.Ok()
}

func closureInvariants() []inv {
	return []inv{
		{
			Code: "STR-020", Class: invariant.Structural, Gate: invariant.G0, Kinds: closure,
			Description: "closure carries every required field",
			Check:       schemaCheck(ir.ArtifactClosure),
		},
		{
			Code: "STR-021", Class: invariant.Structural, Gate: invariant.G0, Kinds: closure,
			Field: "outcome", Description: "outcome is CLOSED, or REJECTED with a reason",
			Check: func(_ context.Context, s *Subject) invariant.Verdict {
				c := s.Artifact.Closure
				switch {
				case c.Outcome == ir.KindClosed:
					return invariant.Ok()
				case c.Outcome == ir.KindRejected && c.Reason == "":
					return invariant.Failf("a rejection needs a reason").WithField("reason")
				case c.Outcome == ir.KindRejected:
					return invariant.Ok()
				}
				return invariant.Failf("outcome %q is not terminal", c.Outcome)
			},
		},
		{
			Code: "INT-020", Class: invariant.Integrity, Gate: invariant.G2, Kinds: closure,
			Field: "work_unit_id", Description: "closed work unit was issued",
			Check: func(ctx context.Context, s *Subject) invariant.Verdict {
				_, ok, err := s.Plan(ctx)
				if err != nil {
					return invariant.Unresolvedf("%v", err)
				}
				if !ok {
					return invariant.Failf("%s was never issued", s.Artifact.Closure.WorkUnitID)
				}
				return invariant.Ok()
			},
		},
		{
			Code: "AUT-020", Class: invariant.Authority, Gate: invariant.G2, Kinds: closure,
			Field: "actor_id", Description: "a work unit is closed by its issuer or the engine",
			Check: func(ctx context.Context, s *Subject) invariant.Verdict {
				p, ok, err := s.Plan(ctx)
				if err != nil || !ok {
					return invariant.Unresolvedf("plan not resolved")
				}
				if s.Artifact.ActorID != p.WorkUnit.IssuerID && s.Artifact.ActorID != ledger.SystemActor {
					return invariant.Failf("actor %q may not close %s", s.Artifact.ActorID, p.WorkUnit.ID).
						WithExpected(p.WorkUnit.IssuerID)
				}
				return invariant.Ok()
			},
		},
		{
			Code: "INT-021", Class: invariant.Integrity, Gate: invariant.G4, Kinds: closure,
			Field: "work_unit_id", Description: "work unit is still open",
			Check: openCheck,
		},
		{
			Code: "CMP-020", Class: invariant.Composite, Gate: invariant.G6, Kinds: closure,
			Field: "finality", Description: "closing requires FINAL composite finality",
			Check: func(ctx context.Context, s *Subject) invariant.Verdict {
				if s.Artifact.Closure.Outcome != ir.KindClosed {
					return invariant.Ok()
				}
				_, ok, err := s.View.Last(ctx, ledger.ByWorkUnit(s.Artifact.WorkUnitID(), ir.KindFinalityFinal))
				if err != nil {
					return invariant.Unresolvedf("%v", err)
				}
				if !ok {
					return invariant.Failf("composite is not FINAL").WithExpected(string(ir.FinalityFinal))
				}
				return invariant.Ok()
			},
		},
		{
			Code: "CMP-021", Class: invariant.Composite, Gate: invariant.G7, Kinds: closure,
			Field: "review", Description: "the final composite carries a matching review approval",
			Check: func(ctx context.Context, s *Subject) invariant.Verdict {
				if s.Artifact.Closure.Outcome != ir.KindClosed {
					return invariant.Ok()
				}
				final, ok, err := s.View.Last(ctx, ledger.ByWorkUnit(s.Artifact.WorkUnitID(), ir.KindFinalityFinal))
				if err != nil || !ok {
					return invariant.Unresolvedf("final composite not resolved")
				}
				ref := ir.CompositeRef(s.Artifact.WorkUnitID(), final.Attrs.String(ir.AttrMerkleRoot))
				_, ok, err = s.View.Last(ctx, ledger.Filter{
					Kinds: []ir.EntryKind{ir.KindReviewApproved},
					Attrs: map[string]string{ir.AttrReportRef: ref},
				})
				if err != nil {
					return invariant.Unresolvedf("%v", err)
				}
				if !ok {
					return invariant.Failf("no approval recorded for %s", ref)
				}
				return invariant.Ok()
			},
		},
	}
}

func overrideInvariants() []inv {
	return []inv{
		{
			Code: "STR-030", Class: invariant.Structural, Gate: invariant.G0, Kinds: override,
			Description: "override carries a reason and the codes it waives",
			Check:       schemaCheck(ir.ArtifactOverride),
		},
		{
			Code: "STR-031", Class: invariant.Structural, Gate: invariant.G0, Kinds: override,
			Field: "waive", Description: "only registered behavioral or temporal codes that are not fixed can be waived",
			Check: func(_ context.Context, s *Subject) invariant.Verdict {
				for _, code := range s.Artifact.Override.Waive {
					target, ok := s.registry.Lookup(code)
					if !ok {
						return invariant.Failf("unknown code %q", code)
					}
					if !target.Waivable() {
						return invariant.Failf("%s cannot be waived", code)
					}
					if !slices.Contains(target.Kinds, s.Artifact.Kind) {
						return invariant.Failf("%s does not apply to %s", code, s.Artifact.Kind)
					}
				}
				return invariant.Ok()
			},
		},
		{
			Code: "AUT-030", Class: invariant.Authority, Gate: invariant.G1, Kinds: override,
			Field: "actor_id", Description: "actor holds the override capability",
			Check: func(_ context.Context, s *Subject) invariant.Verdict {
				issuer, ok := s.Policy.Issuer(s.Artifact.ActorID)
				if !ok || !issuer.Has(config.CapabilityOverride) {
					return invariant.Failf("%s lacks the %s capability", s.Artifact.ActorID, config.CapabilityOverride).
						WithExpected(config.CapabilityOverride)
				}
				return invariant.Ok()
			},
		},
	}
}
