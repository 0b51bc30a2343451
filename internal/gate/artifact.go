package gate

import (
	"github.com/roach88/govledger/internal/ir"
)

// Artifact is anything submitted through the gate pipeline. Kind selects
// which of the payload fields is meaningful.
type Artifact struct {
	Kind    ir.ArtifactKind
	ActorID string

	// WORK_UNIT
	WorkUnit ir.WorkUnit
	SubUnits []ir.SubUnit

	// EXECUTION_REPORT
	Submission Submission

	// CLOSURE
	Closure Closure

	// Override is an optional waiver request carried with the artifact.
	Override *Override
}

// Submission is a report submitted for a SubUnit.
type Submission struct {
	WorkUnitID string
	Token      string
	Report     ir.ExecutionReport
}

// Closure terminates a WorkUnit.
type Closure struct {
	WorkUnitID string
	Outcome    ir.EntryKind // CLOSED or REJECTED
	Reason     string
}

// Override asks an issuer holding the override capability to waive named
// behavioral or temporal checks.
type Override struct {
	Reason string
	Waive  []string
}

// WorkUnitArtifact wraps a WorkUnit plan.
func WorkUnitArtifact(actorID string, wu ir.WorkUnit, subs []ir.SubUnit) Artifact {
	return Artifact{Kind: ir.ArtifactWorkUnit, ActorID: actorID, WorkUnit: wu, SubUnits: subs}
}

// ReportArtifact wraps a report submission.
func ReportArtifact(actorID, workUnitID, token string, r ir.ExecutionReport) Artifact {
	return Artifact{
		Kind:       ir.ArtifactReport,
		ActorID:    actorID,
		Submission: Submission{WorkUnitID: workUnitID, Token: token, Report: r},
	}
}

// ClosureArtifact wraps a terminal outcome.
func ClosureArtifact(actorID, workUnitID string, outcome ir.EntryKind, reason string) Artifact {
	return Artifact{
		Kind:    ir.ArtifactClosure,
		ActorID: actorID,
		Closure: Closure{WorkUnitID: workUnitID, Outcome: outcome, Reason: reason},
	}
}

// WithOverride returns a copy of a carrying an override request.
func (a Artifact) WithOverride(reason string, codes ...string) Artifact {
	a.Override = &Override{Reason: reason, Waive: codes}
	return a
}

// WorkUnitID returns the WorkUnit the artifact belongs to.
func (a Artifact) WorkUnitID() string {
	switch a.Kind {
	case ir.ArtifactWorkUnit:
		return a.WorkUnit.ID
	case ir.ArtifactReport:
		return a.Submission.WorkUnitID
	case ir.ArtifactClosure:
		return a.Closure.WorkUnitID
	}
	return ""
}

// Ref is the payload reference recorded on gate entries.
func (a Artifact) Ref() string {
	if a.Kind == ir.ArtifactReport && a.Submission.Report.SubUnitID != "" {
		return a.Submission.Report.SubUnitID
	}
	return a.WorkUnitID()
}
