// Package fault defines the error taxonomy shared by every ledger component.
//
// Every domain failure is an *Error carrying a Kind, a namespaced Code, the
// offending Field and, where one exists, the Expected next valid value so a
// caller can remediate mechanically. Match kinds with errors.Is against the
// sentinels:
//
//	if errors.Is(err, fault.ErrSequenceGap) { ... }
//
// and recover the record with errors.As.
package fault

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/roach88/govledger/internal/ir"
)

// Kind categorizes a failure.
type Kind string

const (
	KindIntegrity             Kind = "INTEGRITY"
	KindChainBroken           Kind = "CHAIN_BROKEN"
	KindSequenceGap           Kind = "SEQUENCE_GAP"
	KindReservation           Kind = "RESERVATION"
	KindTokenInvalid          Kind = "TOKEN_INVALID"
	KindStaleReport           Kind = "STALE_REPORT"
	KindCycle                 Kind = "CYCLE"
	KindIncompleteChildProofs Kind = "INCOMPLETE_CHILD_PROOFS"
	KindReviewPending         Kind = "REVIEW_PENDING"
	KindImmutabilityViolation Kind = "IMMUTABILITY_VIOLATION"
	KindLatencyViolation      Kind = "LATENCY_VIOLATION"
	KindChallengeFailed       Kind = "CHALLENGE_FAILED"
	KindReplay                Kind = "REPLAY"
	KindChallengeExpired      Kind = "CHALLENGE_EXPIRED"
	KindGateValidation        Kind = "GATE_VALIDATION"
	KindCancellation          Kind = "CANCELLATION"
)

// Error is a classified, auditable failure.
type Error struct {
	// Kind is the failure category.
	Kind Kind

	// Code is the namespaced check code (e.g. "RSV-EXPIRED", "STR-001").
	Code string

	// Message is a human-readable description.
	Message string

	// Field names the offending field or check.
	Field string

	// Ref identifies the artifact involved (work unit, sub unit, challenge).
	Ref string

	// Expected is the next valid value, when one can be computed.
	Expected string

	// Sequence is the offending ledger sequence for chain errors.
	Sequence uint64

	// Details contains additional context.
	Details map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Code != "" {
		msg += "[" + e.Code + "]"
	}
	msg += ": " + e.Message
	if e.Field != "" {
		msg += fmt.Sprintf(" (field=%s)", e.Field)
	}
	if e.Expected != "" {
		msg += fmt.Sprintf(" (expected=%s)", e.Expected)
	}
	if e.Kind == KindChainBroken {
		msg += fmt.Sprintf(" (sequence=%d)", e.Sequence)
	}
	return msg
}

// Is matches sentinel errors by kind, and by code when the sentinel has one.
// A chain break is also an integrity failure.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Kind != e.Kind && !(t.Kind == KindIntegrity && e.Kind == KindChainBroken) {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrIntegrity             = &Error{Kind: KindIntegrity}
	ErrChainBroken           = &Error{Kind: KindChainBroken}
	ErrSequenceGap           = &Error{Kind: KindSequenceGap}
	ErrReservation           = &Error{Kind: KindReservation}
	ErrTokenInvalid          = &Error{Kind: KindTokenInvalid}
	ErrStaleReport           = &Error{Kind: KindStaleReport}
	ErrCycle                 = &Error{Kind: KindCycle}
	ErrIncompleteChildProofs = &Error{Kind: KindIncompleteChildProofs}
	ErrReviewPending         = &Error{Kind: KindReviewPending}
	ErrImmutabilityViolation = &Error{Kind: KindImmutabilityViolation}
	ErrLatencyViolation      = &Error{Kind: KindLatencyViolation}
	ErrChallengeFailed       = &Error{Kind: KindChallengeFailed}
	ErrReplay                = &Error{Kind: KindReplay}
	ErrChallengeExpired      = &Error{Kind: KindChallengeExpired}
	ErrGateValidation        = &Error{Kind: KindGateValidation}
	ErrCancellation          = &Error{Kind: KindCancellation}
)

// As returns the *Error inside err, if any.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// Reservation error codes.
const (
	CodeReservationMissing  = "RSV-MISSING"
	CodeReservationOwner    = "RSV-OWNER"
	CodeReservationConsumed = "RSV-CONSUMED"
	CodeReservationExpired  = "RSV-EXPIRED"
	CodeReservationHeld     = "RSV-HELD"
	CodeReservationMismatch = "RSV-MISMATCH"
)

// Sequence error codes.
const (
	CodeSequenceGap       = "SEQ-GAP"
	CodeSequenceOpen      = "SEQ-OPEN"
	CodeSequenceDuplicate = "SEQ-DUPLICATE"
)

// Token error codes.
const (
	CodeTokenMissing  = "TKN-MISSING"
	CodeTokenConsumed = "TKN-CONSUMED"
	CodeTokenExpired  = "TKN-EXPIRED"
	CodeTokenMismatch = "TKN-MISMATCH"
	CodeTokenLive     = "TKN-LIVE"
	CodeTokenFailed   = "TKN-FAILED"
)

// Challenge error codes.
const (
	CodeChallengeUnknown      = "CHL-UNKNOWN"
	CodeChallengeInsufficient = "CHL-INSUFFICIENT"
)

// Integrity errors.

// NewIntegrityError reports a ledger integrity failure such as an append race
// that exhausted its retries.
func NewIntegrityError(msg string, seq uint64) *Error {
	return &Error{Kind: KindIntegrity, Code: "LDG-RACE", Message: msg, Sequence: seq}
}

// NewChainBrokenError reports the first sequence whose linkage or hash fails.
func NewChainBrokenError(seq uint64, field, msg string) *Error {
	return &Error{Kind: KindChainBroken, Code: "LDG-CHAIN", Message: msg, Field: field, Sequence: seq}
}

// Sequencer errors.

// NewSequenceGapError reports an out-of-order WorkUnit number.
func NewSequenceGapError(code, issuer string, number, expected uint64, msg string) *Error {
	return &Error{
		Kind:     KindSequenceGap,
		Code:     code,
		Message:  msg,
		Field:    "number",
		Ref:      issuer,
		Expected: strconv.FormatUint(expected, 10),
		Details: map[string]string{
			"issuer": issuer,
			"number": strconv.FormatUint(number, 10),
		},
	}
}

// NewReservationError reports a reservation that cannot be used.
func NewReservationError(code, field string, number uint64, expected, msg string) *Error {
	return &Error{
		Kind:     KindReservation,
		Code:     code,
		Message:  msg,
		Field:    field,
		Ref:      strconv.FormatUint(number, 10),
		Expected: expected,
	}
}

// Dispatch errors.

// NewTokenInvalidError reports a missing, expired, consumed or mismatched token.
func NewTokenInvalidError(code, token, msg string) *Error {
	return &Error{Kind: KindTokenInvalid, Code: code, Message: msg, Field: "token", Ref: token}
}

// NewStaleReportError reports a submission whose dependencies are unsatisfied.
func NewStaleReportError(subUnitID string, pending []string) *Error {
	sorted := append([]string(nil), pending...)
	sort.Strings(sorted)
	return &Error{
		Kind:    KindStaleReport,
		Code:    "DSP-STALE",
		Message: fmt.Sprintf("dependencies of %s not reported: %v", subUnitID, sorted),
		Field:   "depends_on",
		Ref:     subUnitID,
	}
}

// NewCycleError reports a dependency cycle, listing the nodes on it.
func NewCycleError(workUnitID string, path []string) *Error {
	return &Error{
		Kind:    KindCycle,
		Code:    "DAG-CYCLE",
		Message: fmt.Sprintf("dependency cycle: %v", path),
		Field:   "depends_on",
		Ref:     workUnitID,
	}
}

// Finality errors.

// NewIncompleteChildProofsError lists the sub units without a proof.
func NewIncompleteChildProofsError(workUnitID string, missing []string) *Error {
	return &Error{
		Kind:    KindIncompleteChildProofs,
		Code:    "FIN-INCOMPLETE",
		Message: fmt.Sprintf("missing proofs for %v", missing),
		Field:   "child_proofs",
		Ref:     workUnitID,
	}
}

// NewReviewPendingError reports a FINAL transition without approval.
func NewReviewPendingError(ref string) *Error {
	return &Error{
		Kind:     KindReviewPending,
		Code:     "FIN-REVIEW",
		Message:  "no review approval recorded",
		Field:    "review",
		Ref:      ref,
		Expected: string(ir.KindReviewApproved),
	}
}

// NewImmutabilityError reports an attempt to mutate a sealed or final record.
func NewImmutabilityError(ref string, state ir.FinalityState, op string) *Error {
	return &Error{
		Kind:    KindImmutabilityViolation,
		Code:    "FIN-IMMUTABLE",
		Message: fmt.Sprintf("%s rejected: composite is %s", op, state),
		Field:   "state",
		Ref:     ref,
	}
}

// NewTerminalError reports an operation on a CLOSED or REJECTED work unit.
func NewTerminalError(workUnitID string, outcome ir.EntryKind, op string) *Error {
	return &Error{
		Kind:    KindImmutabilityViolation,
		Code:    "WU-TERMINAL",
		Message: fmt.Sprintf("%s rejected: %s is %s", op, workUnitID, outcome),
		Field:   "status",
		Ref:     workUnitID,
	}
}

// Review errors.

// NewLatencyViolationError reports an answer submitted before eligibility.
func NewLatencyViolationError(challengeID string, elapsedMs, minMs int64) *Error {
	return &Error{
		Kind:     KindLatencyViolation,
		Code:     "CHL-LATENCY",
		Message:  fmt.Sprintf("answered after %dms, minimum is %dms", elapsedMs, minMs),
		Field:    "submitted_at",
		Ref:      challengeID,
		Expected: strconv.FormatInt(minMs, 10),
	}
}

// NewChallengeFailedError reports a wrong answer or an underivable challenge.
func NewChallengeFailedError(code, challengeID, msg string) *Error {
	return &Error{Kind: KindChallengeFailed, Code: code, Message: msg, Field: "response", Ref: challengeID}
}

// NewReplayError reports a second answer to a consumed challenge.
func NewReplayError(challengeID string) *Error {
	return &Error{Kind: KindReplay, Code: "CHL-REPLAY", Message: "challenge already answered", Ref: challengeID}
}

// NewChallengeExpiredError reports an answer after expiry.
func NewChallengeExpiredError(challengeID string) *Error {
	return &Error{Kind: KindChallengeExpired, Code: "CHL-EXPIRED", Message: "challenge expired", Ref: challengeID}
}

// NewCancellationError reports a cancel refused because reporting started.
func NewCancellationError(workUnitID, msg string) *Error {
	return &Error{Kind: KindCancellation, Code: "WU-CANCEL", Message: msg, Ref: workUnitID}
}

// GateFailure describes the first failing predicate of a gate run.
type GateFailure struct {
	Gate     string
	Code     string
	Class    string
	Field    string
	Detail   string
	Expected string
}

// NewGateValidationError wraps a gate failure.
func NewGateValidationError(ref string, f GateFailure) *Error {
	return &Error{
		Kind:     KindGateValidation,
		Code:     f.Code,
		Message:  fmt.Sprintf("%s %s: %s", f.Gate, f.Code, f.Detail),
		Field:    f.Field,
		Ref:      ref,
		Expected: f.Expected,
		Details: map[string]string{
			"gate":  f.Gate,
			"class": f.Class,
		},
	}
}

// AuditAttrs renders err as the attrs of a FAULT audit entry. Errors outside
// the taxonomy are recorded with kind UNCLASSIFIED.
func AuditAttrs(err error) ir.IRObject {
	fe, ok := As(err)
	if !ok {
		return ir.IRObject{
			ir.AttrFaultKind: ir.IRString("UNCLASSIFIED"),
			ir.AttrDetail:    ir.IRString(err.Error()),
		}
	}
	attrs := ir.IRObject{
		ir.AttrFaultKind: ir.IRString(string(fe.Kind)),
		ir.AttrCode:      ir.IRString(fe.Code),
		ir.AttrDetail:    ir.IRString(fe.Message),
	}
	if fe.Field != "" {
		attrs[ir.AttrField] = ir.IRString(fe.Field)
	}
	if fe.Ref != "" {
		attrs["ref"] = ir.IRString(fe.Ref)
	}
	if fe.Expected != "" {
		attrs[ir.AttrExpected] = ir.IRString(fe.Expected)
	}
	return attrs
}
