package finality

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/roach88/govledger/internal/config"
	"github.com/roach88/govledger/internal/ir"
)

// ErrBadAttestation is returned when a proof's signature does not verify.
var ErrBadAttestation = errors.New("finality: attestation does not verify")

// attestationDomain prefixes the signed message.
const attestationDomain = "govledger/attestation/v1\x00"

// developmentSeed backs the attestor when the policy names none.
var developmentSeed = sha256.Sum256([]byte("govledger development attestor"))

// Attestor signs report hashes into Proofs.
type Attestor struct {
	key   ed25519.PrivateKey
	keyID string
}

// NewAttestor creates an attestor from a 32-byte Ed25519 seed.
func NewAttestor(seed []byte) (*Attestor, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("attestor seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	return &Attestor{key: key, keyID: KeyID(key.Public().(ed25519.PublicKey))}, nil
}

// AttestorFromPolicy uses the policy's attestor seed, or the development
// key when it has none.
func AttestorFromPolicy(p config.Policy) (*Attestor, error) {
	if p.AttestorSeed == "" {
		return NewAttestor(developmentSeed[:])
	}
	seed, err := hex.DecodeString(p.AttestorSeed)
	if err != nil {
		return nil, fmt.Errorf("attestor seed: %w", err)
	}
	return NewAttestor(seed)
}

// DevelopmentAttestor returns the attestor with the built-in key.
func DevelopmentAttestor() *Attestor {
	a, _ := NewAttestor(developmentSeed[:])
	return a
}

// KeyID names a public key by the first 16 hex digits of its SHA-256.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// KeyID returns the id of the attestor's public key.
func (a *Attestor) KeyID() string {
	return a.keyID
}

// PublicKey returns the verification key.
func (a *Attestor) PublicKey() ed25519.PublicKey {
	return a.key.Public().(ed25519.PublicKey)
}

// Attest signs the report hash of subUnitID.
func (a *Attestor) Attest(subUnitID, reportHash string) ir.Proof {
	sig := ed25519.Sign(a.key, attestationMessage(subUnitID, reportHash))
	return ir.Proof{
		SubUnitID:   subUnitID,
		ReportHash:  reportHash,
		Attestation: hex.EncodeToString(sig),
		KeyID:       a.keyID,
	}
}

// Verify checks that p was signed by this attestor over reportHash.
func (a *Attestor) Verify(p ir.Proof, reportHash string) error {
	if p.ReportHash != reportHash {
		return fmt.Errorf("%w: proof of %s commits to %s, report hashes to %s", ErrBadAttestation, p.SubUnitID, p.ReportHash, reportHash)
	}
	if p.KeyID != a.keyID {
		return fmt.Errorf("%w: proof of %s signed by unknown key %s", ErrBadAttestation, p.SubUnitID, p.KeyID)
	}
	sig, err := hex.DecodeString(p.Attestation)
	if err != nil || !ed25519.Verify(a.PublicKey(), attestationMessage(p.SubUnitID, reportHash), sig) {
		return fmt.Errorf("%w: proof of %s", ErrBadAttestation, p.SubUnitID)
	}
	return nil
}

func attestationMessage(subUnitID, reportHash string) []byte {
	return []byte(attestationDomain + subUnitID + "\x00" + reportHash)
}
