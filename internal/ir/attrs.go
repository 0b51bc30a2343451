package ir

import (
	"fmt"
	"slices"
	"time"
)

// Attribute keys used in ledger entry attrs. Attribute filters in the ledger
// query these keys directly.
const (
	AttrWorkUnitID         = "work_unit_id"
	AttrIssuer             = "issuer"
	AttrOwner              = "owner"
	AttrType               = "type"
	AttrNumber             = "number"
	AttrLane               = "lane"
	AttrScope              = "scope"
	AttrSupersedes         = "supersedes"
	AttrSupersededBy       = "superseded_by"
	AttrSubUnits           = "sub_units"
	AttrSubUnitID          = "sub_unit_id"
	AttrAgent              = "agent"
	AttrDependsOn          = "depends_on"
	AttrReservationSeq     = "reservation_seq"
	AttrExpiresAt          = "expires_at"
	AttrToken              = "token"
	AttrReportHash         = "report_hash"
	AttrResultHash         = "result_hash"
	AttrMetrics            = "metrics"
	AttrProducedAt         = "produced_at"
	AttrProofHash          = "proof_hash"
	AttrAttestation        = "attestation"
	AttrKeyID              = "key_id"
	AttrMerkleRoot         = "merkle_root"
	AttrChildProofs        = "child_proofs"
	AttrChallengeID        = "challenge_id"
	AttrQuestion           = "question"
	AttrExpectedAnswerHash = "expected_answer_hash"
	AttrMinLatencyMs       = "min_latency_ms"
	AttrReportRef          = "report_ref"
	AttrResponseHash       = "response_hash"
	AttrLatencyMs          = "latency_ms"
	AttrReason             = "reason"
	AttrGate               = "gate"
	AttrCode               = "code"
	AttrClass              = "class"
	AttrField              = "field"
	AttrDetail             = "detail"
	AttrExpected           = "expected"
	AttrFaultKind          = "fault_kind"
	AttrCorrects           = "corrects"
	AttrKind               = "kind"
	AttrOutcome            = "outcome"
	AttrWaived             = "waived"
	AttrCascade            = "cascade"
)

// UnixNanos encodes t the way it is hashed.
func UnixNanos(t time.Time) IRInt {
	return IRInt(t.UTC().UnixNano())
}

// FromUnixNanos decodes a hashed timestamp.
func FromUnixNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// WorkUnitAttrs encodes an issued WorkUnit and its declared SubUnits. The
// plan is carried on the WORKUNIT_ISSUED entry so that every later view of
// the unit is derived from the ledger.
func WorkUnitAttrs(wu WorkUnit, subs []SubUnit) IRObject {
	scope := slices.Clone(wu.Scope)
	slices.Sort(scope)

	nodes := make(IRArray, 0, len(subs))
	for _, s := range subs {
		deps := slices.Clone(s.DependsOn)
		slices.Sort(deps)
		nodes = append(nodes, IRObject{
			"id":          IRString(s.ID),
			AttrAgent:     IRString(s.AgentID),
			AttrDependsOn: StringArray(deps),
		})
	}

	obj := IRObject{
		AttrWorkUnitID: IRString(wu.ID),
		AttrType:       IRString(wu.Type),
		AttrNumber:     IRInt(int64(wu.Number)),
		AttrIssuer:     IRString(wu.IssuerID),
		AttrLane:       IRString(wu.Lane),
		AttrScope:      StringArray(scope),
		AttrSubUnits:   nodes,
	}
	if wu.Supersedes != "" {
		obj[AttrSupersedes] = IRString(wu.Supersedes)
	}
	return obj
}

// DecodeWorkUnit is the inverse of WorkUnitAttrs.
func DecodeWorkUnit(attrs IRObject) (WorkUnit, []SubUnit, error) {
	number, ok := attrs.Int(AttrNumber)
	if !ok || number < 1 {
		return WorkUnit{}, nil, fmt.Errorf("work unit attrs: missing %s", AttrNumber)
	}
	wu := WorkUnit{
		ID:         attrs.String(AttrWorkUnitID),
		Type:       attrs.String(AttrType),
		Number:     uint64(number),
		IssuerID:   attrs.String(AttrIssuer),
		Lane:       attrs.String(AttrLane),
		Scope:      attrs.Strings(AttrScope),
		Supersedes: attrs.String(AttrSupersedes),
		Status:     WorkUnitIssued,
	}
	if wu.ID == "" {
		return WorkUnit{}, nil, fmt.Errorf("work unit attrs: missing %s", AttrWorkUnitID)
	}

	arr, _ := attrs[AttrSubUnits].(IRArray)
	subs := make([]SubUnit, 0, len(arr))
	for i, v := range arr {
		node, ok := v.(IRObject)
		if !ok {
			return WorkUnit{}, nil, fmt.Errorf("work unit attrs: sub_units[%d] is not an object", i)
		}
		subs = append(subs, SubUnit{
			ID:               node.String("id"),
			ParentWorkUnitID: wu.ID,
			AgentID:          node.String(AttrAgent),
			DependsOn:        node.Strings(AttrDependsOn),
			Status:           SubUnitPending,
		})
	}
	return wu, subs, nil
}

// ReportAttrs encodes a submitted report together with its content hash.
func ReportAttrs(workUnitID string, r ExecutionReport, reportHash string) IRObject {
	obj := ReportObject(r)
	obj[AttrWorkUnitID] = IRString(workUnitID)
	obj[AttrReportHash] = IRString(reportHash)
	return obj
}

// DecodeReport rebuilds an ExecutionReport from REPORT_SUBMITTED attrs.
func DecodeReport(attrs IRObject) (ExecutionReport, error) {
	produced, ok := attrs.Int(AttrProducedAt)
	if !ok {
		return ExecutionReport{}, fmt.Errorf("report attrs: missing %s", AttrProducedAt)
	}
	metrics := map[string]int64{}
	for k, v := range attrs.Object(AttrMetrics) {
		n, ok := v.(IRInt)
		if !ok {
			return ExecutionReport{}, fmt.Errorf("report attrs: metric %q is not an integer", k)
		}
		metrics[k] = int64(n)
	}
	return ExecutionReport{
		SubUnitID:  attrs.String(AttrSubUnitID),
		AgentID:    attrs.String("agent_id"),
		ResultHash: attrs.String(AttrResultHash),
		Metrics:    metrics,
		ProducedAt: FromUnixNanos(produced),
	}, nil
}
