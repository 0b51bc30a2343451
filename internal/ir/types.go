package ir

import (
	"slices"
	"time"
)

// EntryKind tags every ledger entry. One enum covers every artifact event
// so that the ledger schema stays flat.
type EntryKind string

const (
	KindReserved          EntryKind = "RESERVED"
	KindWorkUnitIssued    EntryKind = "WORKUNIT_ISSUED"
	KindSubUnitDispatched EntryKind = "SUBUNIT_DISPATCHED"
	KindSubUnitStarted    EntryKind = "SUBUNIT_STARTED"
	KindReportSubmitted   EntryKind = "REPORT_SUBMITTED"
	KindSubUnitFailed     EntryKind = "SUBUNIT_FAILED"
	KindFinalityDraft     EntryKind = "FINALITY_DRAFT"
	KindProofAttached     EntryKind = "PROOF_ATTACHED"
	KindFinalitySealed    EntryKind = "FINALITY_SEALED"
	KindFinalityFinal     EntryKind = "FINALITY_FINAL"
	KindChallengeIssued   EntryKind = "CHALLENGE_ISSUED"
	KindReviewApproved    EntryKind = "REVIEW_APPROVED"
	KindReviewRejected    EntryKind = "REVIEW_REJECTED"
	KindClosed            EntryKind = "CLOSED"
	KindRejected          EntryKind = "REJECTED"
	KindSuperseded        EntryKind = "SUPERSEDED"
	KindCorrection        EntryKind = "CORRECTION"
	KindOverride          EntryKind = "OVERRIDE"
	KindGateFailed        EntryKind = "GATE_FAILED"
	KindFault             EntryKind = "FAULT"
)

// EntryKinds lists every valid kind in declaration order.
var EntryKinds = []EntryKind{
	KindReserved, KindWorkUnitIssued, KindSubUnitDispatched, KindSubUnitStarted,
	KindReportSubmitted, KindSubUnitFailed, KindFinalityDraft, KindProofAttached,
	KindFinalitySealed, KindFinalityFinal, KindChallengeIssued, KindReviewApproved,
	KindReviewRejected, KindClosed, KindRejected, KindSuperseded, KindCorrection,
	KindOverride, KindGateFailed, KindFault,
}

// Valid reports whether k is a known kind.
func (k EntryKind) Valid() bool {
	return slices.Contains(EntryKinds, k)
}

// Terminal reports whether k ends a WorkUnit's lifecycle.
func (k EntryKind) Terminal() bool {
	return k == KindClosed || k == KindRejected
}

// GenesisHash is the prevHash of the first ledger entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// LedgerEntry is one immutable, hash-chained ledger record.
type LedgerEntry struct {
	Sequence   uint64    `json:"sequence"`
	PrevHash   string    `json:"prev_hash"`
	EntryHash  string    `json:"entry_hash"`
	Kind       EntryKind `json:"kind"`
	PayloadRef string    `json:"payload_ref"`
	ActorID    string    `json:"actor_id"`
	Timestamp  time.Time `json:"timestamp"`
	Attrs      IRObject  `json:"attrs"`
}

// Reservation is a time-boxed claim on the next WorkUnit number of an
// issuer. Its state is derived from ledger entries.
type Reservation struct {
	Type      string    `json:"type"`
	Number    uint64    `json:"number"`
	OwnerID   string    `json:"owner_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
	Sequence  uint64    `json:"sequence"` // ledger sequence of the RESERVED entry
}

// Live reports whether the reservation can still be consumed at now.
func (r Reservation) Live(now time.Time) bool {
	return !r.Consumed && now.Before(r.ExpiresAt)
}

// ArtifactKind tags the artifacts that pass through the gate validator.
type ArtifactKind string

const (
	ArtifactWorkUnit ArtifactKind = "WORK_UNIT"
	ArtifactReport   ArtifactKind = "EXECUTION_REPORT"
	ArtifactClosure  ArtifactKind = "CLOSURE"
	ArtifactOverride ArtifactKind = "OVERRIDE"
)

// WorkUnitStatus is the lifecycle status of a WorkUnit.
type WorkUnitStatus string

const (
	WorkUnitIssued    WorkUnitStatus = "ISSUED"
	WorkUnitExecuting WorkUnitStatus = "EXECUTING"
	WorkUnitReported  WorkUnitStatus = "REPORTED"
	WorkUnitReviewed  WorkUnitStatus = "REVIEWED"
	WorkUnitClosed    WorkUnitStatus = "CLOSED"
	WorkUnitRejected  WorkUnitStatus = "REJECTED"
)

// WorkUnit is a numbered, issuer-scoped unit of governed work.
type WorkUnit struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Number     uint64         `json:"number"`
	IssuerID   string         `json:"issuer_id"`
	Lane       string         `json:"lane"`
	Scope      []string       `json:"scope"`
	Supersedes string         `json:"supersedes,omitempty"`
	Status     WorkUnitStatus `json:"status,omitempty"`
}

// SubUnitStatus is the status of one agent's slice of a WorkUnit.
type SubUnitStatus string

const (
	SubUnitPending    SubUnitStatus = "PENDING"
	SubUnitDispatched SubUnitStatus = "DISPATCHED"
	SubUnitExecuting  SubUnitStatus = "EXECUTING"
	SubUnitReported   SubUnitStatus = "REPORTED"
	SubUnitFailed     SubUnitStatus = "FAILED"
)

// SubUnit is one node of a WorkUnit's orchestration graph.
type SubUnit struct {
	ID               string        `json:"id"`
	ParentWorkUnitID string        `json:"parent_work_unit_id"`
	AgentID          string        `json:"agent_id"`
	DependsOn        []string      `json:"depends_on,omitempty"`
	Status           SubUnitStatus `json:"status,omitempty"`
}

// ExecutionReport is an agent's outcome for a SubUnit. Metrics are integers;
// fractional values are submitted in fixed-point units.
type ExecutionReport struct {
	SubUnitID  string           `json:"sub_unit_id"`
	AgentID    string           `json:"agent_id"`
	ResultHash string           `json:"result_hash"`
	Metrics    map[string]int64 `json:"metrics"`
	ProducedAt time.Time        `json:"produced_at"`
}

// Proof is the per-SubUnit commitment to its report.
type Proof struct {
	SubUnitID   string `json:"sub_unit_id"`
	ReportHash  string `json:"report_hash"`
	Attestation string `json:"attestation"`
	KeyID       string `json:"key_id"`
}

// FinalityState is the composite finality state.
type FinalityState string

const (
	FinalityDraft  FinalityState = "DRAFT"
	FinalitySealed FinalityState = "SEALED"
	FinalityFinal  FinalityState = "FINAL"
)

// CompositeFinality aggregates every child proof of a WorkUnit.
type CompositeFinality struct {
	WorkUnitID      string        `json:"work_unit_id"`
	ChildProofRoots []string      `json:"child_proof_roots"`
	MerkleRoot      string        `json:"merkle_root,omitempty"`
	State           FinalityState `json:"state"`
}

// Ref is the review reference binding an approval to this exact composite.
func (c CompositeFinality) Ref() string {
	return CompositeRef(c.WorkUnitID, c.MerkleRoot)
}

// CompositeRef formats the review reference of a sealed composite.
func CompositeRef(workUnitID, merkleRoot string) string {
	return workUnitID + "@" + merkleRoot
}

// Challenge is a single-use, content-derived review question.
type Challenge struct {
	ID                 string    `json:"id"`
	ReportRef          string    `json:"report_ref"`
	Question           string    `json:"question"`
	ExpectedAnswerHash string    `json:"expected_answer_hash"`
	IssuedAt           time.Time `json:"issued_at"`
	MinLatencyMs       int64     `json:"min_latency_ms"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// EligibleAt is the earliest instant an answer is accepted.
func (c Challenge) EligibleAt() time.Time {
	return c.IssuedAt.Add(time.Duration(c.MinLatencyMs) * time.Millisecond)
}
