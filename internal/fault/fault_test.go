package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govledger/internal/ir"
)

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("consume: %w", NewReservationError(CodeReservationExpired, "expires_at", 3, "", "expired"))

	assert.True(t, errors.Is(err, ErrReservation))
	assert.False(t, errors.Is(err, ErrSequenceGap))
	assert.True(t, errors.Is(err, &Error{Kind: KindReservation, Code: CodeReservationExpired}))
	assert.False(t, errors.Is(err, &Error{Kind: KindReservation, Code: CodeReservationOwner}))
}

func TestChainBrokenIsIntegrity(t *testing.T) {
	err := NewChainBrokenError(7, "prev_hash", "linkage mismatch")

	assert.True(t, errors.Is(err, ErrChainBroken))
	assert.True(t, errors.Is(err, ErrIntegrity))
	assert.False(t, errors.Is(NewIntegrityError("race", 1), ErrChainBroken))
	assert.Contains(t, err.Error(), "sequence=7")
}

func TestSequenceGapCarriesExpected(t *testing.T) {
	err := NewSequenceGapError(CodeSequenceGap, "alice", 3, 2, "unit 2 not closed")

	fe, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, "2", fe.Expected)
	assert.Equal(t, "number", fe.Field)
	assert.Equal(t, "3", fe.Details["number"])
	assert.Contains(t, err.Error(), "expected=2")
}

func TestGateValidationError(t *testing.T) {
	err := NewGateValidationError("wu-1", GateFailure{Gate: "G1", Code: "AUT-001", Class: "AUT", Field: "issuer_id", Detail: "unknown issuer"})

	assert.True(t, errors.Is(err, ErrGateValidation))
	assert.Equal(t, "AUT-001", err.Code)
	assert.Equal(t, "G1", err.Details["gate"])
}

func TestAuditAttrs(t *testing.T) {
	attrs := AuditAttrs(NewReplayError("chl-1"))
	assert.Equal(t, "REPLAY", attrs.String(ir.AttrFaultKind))
	assert.Equal(t, "CHL-REPLAY", attrs.String(ir.AttrCode))
	assert.Equal(t, "chl-1", attrs.String("ref"))

	attrs = AuditAttrs(errors.New("disk full"))
	assert.Equal(t, "UNCLASSIFIED", attrs.String(ir.AttrFaultKind))

	_, err := ir.MarshalCanonical(attrs)
	require.NoError(t, err)
}

func TestStaleReportSortsPending(t *testing.T) {
	err := NewStaleReportError("s3", []string{"s2", "s1"})
	assert.Contains(t, err.Message, "[s1 s2]")
}
