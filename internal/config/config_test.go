package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	p := Default()

	assert.Equal(t, "govledger.db", p.Database)
	assert.Equal(t, 10*time.Minute, p.ReservationTTL)
	assert.Equal(t, 15*time.Minute, p.TokenTTL)
	assert.Equal(t, 30*time.Minute, p.ReportTimeout)
	assert.Equal(t, 5*time.Second, p.Review.MinLatency)
	assert.Equal(t, 5*time.Minute, p.Review.ChallengeExpiry)
	assert.True(t, p.Sequencing.RejectedSatisfiesSequence)
	assert.Equal(t, 4, p.Workers)
	assert.Equal(t, 32, p.MaxFanOut)
	assert.Empty(t, p.Issuers)
	assert.Empty(t, p.AttestorSeed)
	assert.Equal(t, slog.LevelInfo, p.SlogLevel())
}

func TestParseOverridesDefaults(t *testing.T) {
	p, err := Parse("policy.cue", `
		log_level: "debug"
		token_ttl: "90s"
		review: min_latency: "10s"
		sequencing: rejected_satisfies_sequence: false
		issuers: alice: {
			lanes: ["core"]
			scope: ["api", "docs"]
			capabilities: ["override"]
		}
		issuers: bob: lanes: ["ops"]
		agents: ["agent-1", "agent-2"]
	`)
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, p.TokenTTL)
	assert.Equal(t, 10*time.Second, p.Review.MinLatency)
	assert.Equal(t, 5*time.Minute, p.Review.ChallengeExpiry, "unset fields keep defaults")
	assert.False(t, p.Sequencing.RejectedSatisfiesSequence)
	assert.Equal(t, slog.LevelDebug, p.SlogLevel())

	alice, ok := p.Issuer("alice")
	require.True(t, ok)
	assert.True(t, alice.AllowsLane("core"))
	assert.False(t, alice.AllowsLane("ops"))
	assert.True(t, alice.Has(CapabilityOverride))
	_, inScope := alice.AllowsScope([]string{"api", "docs"})
	assert.True(t, inScope)
	outside, inScope := alice.AllowsScope([]string{"api", "billing"})
	assert.False(t, inScope)
	assert.Equal(t, "billing", outside)

	bob, ok := p.Issuer("bob")
	require.True(t, ok)
	assert.Empty(t, bob.Scope)
	assert.False(t, bob.Has(CapabilityOverride))

	_, ok = p.Issuer("mallory")
	assert.False(t, ok)
	assert.True(t, p.KnowsAgent("agent-2"))
	assert.False(t, p.KnowsAgent("agent-3"))
}

func TestParseRejectsInvalidPolicies(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"bad duration", `token_ttl: "soon"`},
		{"unknown capability", `issuers: alice: capabilities: ["root"]`},
		{"zero workers", `workers: 0`},
		{"bad log level", `log_level: "trace"`},
		{"short seed", `attestor_seed: "abcd"`},
		{"syntax error", `issuers: {`},
		{"unknown field", `retries: 3`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("bad.cue", tt.src)
			require.Error(t, err)
			var le *LoadError
			assert.True(t, errors.As(err, &le), "error %v should be a *LoadError", err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.cue")
	require.NoError(t, os.WriteFile(path, []byte(`database: "/var/lib/govledger.db"`), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/govledger.db", p.Database)

	_, err = Load(filepath.Join(t.TempDir(), "missing.cue"))
	assert.Error(t, err)
}
