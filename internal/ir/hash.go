package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Domain prefixes for content-addressed hashes. The version suffix leaves
// room for algorithm migration.
const (
	DomainEntry     = "govledger/entry/v1"
	DomainReport    = "govledger/report/v1"
	DomainProof     = "govledger/proof/v1"
	DomainChallenge = "govledger/challenge/v1"
	DomainAnswer    = "govledger/answer/v1"
	DomainContent   = "govledger/content/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data). The null byte
// keeps the domain/data boundary unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EntryHash computes the chain hash of an entry from every field except
// EntryHash itself.
func EntryHash(e LedgerEntry) (string, error) {
	attrs := e.Attrs
	if attrs == nil {
		attrs = IRObject{}
	}
	obj := IRObject{
		"sequence":    IRInt(int64(e.Sequence)),
		"prev_hash":   IRString(e.PrevHash),
		"kind":        IRString(string(e.Kind)),
		"payload_ref": IRString(e.PayloadRef),
		"actor_id":    IRString(e.ActorID),
		"timestamp":   IRInt(e.Timestamp.UTC().UnixNano()),
		"attrs":       attrs,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EntryHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEntry, canonical), nil
}

// ReportObject is the canonical object form of an execution report.
func ReportObject(r ExecutionReport) IRObject {
	metrics := make(IRObject, len(r.Metrics))
	for k, v := range r.Metrics {
		metrics[k] = IRInt(v)
	}
	return IRObject{
		"sub_unit_id": IRString(r.SubUnitID),
		"agent_id":    IRString(r.AgentID),
		"result_hash": IRString(r.ResultHash),
		"metrics":     metrics,
		"produced_at": IRInt(r.ProducedAt.UTC().UnixNano()),
	}
}

// ReportHash computes the content hash of an execution report.
func ReportHash(r ExecutionReport) (string, error) {
	canonical, err := MarshalCanonical(ReportObject(r))
	if err != nil {
		return "", fmt.Errorf("ReportHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainReport, canonical), nil
}

// ProofHash computes the leaf value a proof contributes to the composite.
func ProofHash(p Proof) (string, error) {
	obj := IRObject{
		"sub_unit_id": IRString(p.SubUnitID),
		"report_hash": IRString(p.ReportHash),
		"attestation": IRString(p.Attestation),
		"key_id":      IRString(p.KeyID),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ProofHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainProof, canonical), nil
}

// ContentHash hashes an arbitrary canonical object.
func ContentHash(obj IRObject) (string, error) {
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ContentHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainContent, canonical), nil
}

// ChallengeID derives the deterministic ID of the challenge for a review
// reference and the hash of the content under review.
func ChallengeID(reportRef, contentHash string) string {
	return "chl-" + hashWithDomain(DomainChallenge, []byte(reportRef+"\x00"+contentHash))[:32]
}

// NormalizeAnswer trims and upper-cases a reviewer response.
func NormalizeAnswer(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// AnswerHash hashes a normalized answer salted with its challenge ID.
func AnswerHash(challengeID, answer string) string {
	return hashWithDomain(DomainAnswer, []byte(challengeID+"\x00"+NormalizeAnswer(answer)))
}

// IsHexHash reports whether s is a lowercase hex SHA-256 digest.
func IsHexHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
