package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
)

// IDGenerator creates token IDs.
type IDGenerator interface {
	Generate() string
}

// UUIDv7 generates time-sortable UUIDv7 token IDs.
type UUIDv7 struct{}

// Generate returns a new UUIDv7 string.
func (UUIDv7) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Token is a single-use authorization for one agent to report one SubUnit.
type Token struct {
	ID         string    `json:"id"`
	WorkUnitID string    `json:"work_unit_id"`
	SubUnitID  string    `json:"sub_unit_id"`
	AgentID    string    `json:"agent_id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Sequence   uint64    `json:"sequence"` // SUBUNIT_DISPATCHED entry
}

// Expired reports whether the token can no longer be used at now.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func tokenAttrs(t Token) ir.IRObject {
	return ir.IRObject{
		ir.AttrWorkUnitID: ir.IRString(t.WorkUnitID),
		ir.AttrSubUnitID:  ir.IRString(t.SubUnitID),
		ir.AttrAgent:      ir.IRString(t.AgentID),
		ir.AttrToken:      ir.IRString(t.ID),
		ir.AttrExpiresAt:  ir.UnixNanos(t.ExpiresAt),
	}
}

func decodeToken(e ir.LedgerEntry) Token {
	expires, _ := e.Attrs.Int(ir.AttrExpiresAt)
	return Token{
		ID:         e.Attrs.String(ir.AttrToken),
		WorkUnitID: e.Attrs.String(ir.AttrWorkUnitID),
		SubUnitID:  e.Attrs.String(ir.AttrSubUnitID),
		AgentID:    e.Attrs.String(ir.AttrAgent),
		IssuedAt:   e.Timestamp,
		ExpiresAt:  ir.FromUnixNanos(expires),
		Sequence:   e.Sequence,
	}
}

// lookupToken resolves a token and checks it can still be used: it exists,
// is the newest token of its SubUnit, has not been consumed and has not
// expired.
func lookupToken(ctx context.Context, v ledger.View, id string) (Token, error) {
	if id == "" {
		return Token{}, fault.NewTokenInvalidError(fault.CodeTokenMissing, id, "token is required")
	}
	e, ok, err := v.Last(ctx, ledger.Filter{
		Kinds: []ir.EntryKind{ir.KindSubUnitDispatched},
		Attrs: map[string]string{ir.AttrToken: id},
	})
	if err != nil {
		return Token{}, err
	}
	if !ok {
		return Token{}, fault.NewTokenInvalidError(fault.CodeTokenMissing, id, "token was never issued")
	}
	tok := decodeToken(e)

	used, ok, err := v.Last(ctx, ledger.Filter{
		Kinds: []ir.EntryKind{ir.KindReportSubmitted},
		Attrs: map[string]string{ir.AttrToken: id},
	})
	if err != nil {
		return Token{}, err
	}
	if ok {
		return Token{}, fault.NewTokenInvalidError(fault.CodeTokenConsumed, id,
			fmt.Sprintf("token consumed at sequence %d", used.Sequence))
	}

	latest, _, err := v.Last(ctx, ledger.Filter{
		Kinds: []ir.EntryKind{ir.KindSubUnitDispatched},
		Attrs: map[string]string{ir.AttrWorkUnitID: tok.WorkUnitID, ir.AttrSubUnitID: tok.SubUnitID},
	})
	if err != nil {
		return Token{}, err
	}
	if latest.Sequence != tok.Sequence {
		return Token{}, fault.NewTokenInvalidError(fault.CodeTokenExpired, id,
			fmt.Sprintf("token replaced at sequence %d", latest.Sequence))
	}
	if tok.Expired(v.Now()) {
		return Token{}, fault.NewTokenInvalidError(fault.CodeTokenExpired, id,
			fmt.Sprintf("token expired at %s", tok.ExpiresAt.Format(time.RFC3339)))
	}
	return tok, nil
}
