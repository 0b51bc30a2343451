// Package config loads the governance policy.
//
// Policies are CUE files unified against the embedded #Policy schema, so a
// file only needs to state what differs from the defaults:
//
//	issuers: alice: {
//		lanes: ["core"]
//		scope: ["api", "docs"]
//		capabilities: ["override"]
//	}
//	agents: ["agent-1", "agent-2"]
//	review: min_latency: "10s"
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

//go:embed schema.cue
var schemaCUE string

// CapabilityOverride lets an issuer waive behavioral and temporal checks.
const CapabilityOverride = "override"

// Policy is a decoded governance policy.
type Policy struct {
	Database       string
	LogLevel       string
	ReservationTTL time.Duration
	TokenTTL       time.Duration
	ReportTimeout  time.Duration
	Review         Review
	Sequencing     Sequencing
	Workers        int
	MaxFanOut      int
	Issuers        map[string]Issuer
	Agents         []string
	AttestorSeed   string
}

// Review configures the cognitive-friction review gate.
type Review struct {
	MinLatency      time.Duration
	ChallengeExpiry time.Duration
}

// Sequencing configures the sequential issuance gate.
type Sequencing struct {
	// RejectedSatisfiesSequence lets a REJECTED unit N unblock unit N+1.
	// When false only CLOSED does.
	RejectedSatisfiesSequence bool
}

// Issuer is the authority granted to one issuer.
type Issuer struct {
	Lanes        []string
	Scope        []string
	Capabilities []string
}

// AllowsLane reports whether the issuer may issue into lane.
func (i Issuer) AllowsLane(lane string) bool {
	return slices.Contains(i.Lanes, lane)
}

// AllowsScope reports whether every item is inside the issuer's scope.
// It returns the first item that is not.
func (i Issuer) AllowsScope(items []string) (string, bool) {
	for _, s := range items {
		if !slices.Contains(i.Scope, s) {
			return s, false
		}
	}
	return "", true
}

// Has reports whether the issuer holds capability.
func (i Issuer) Has(capability string) bool {
	return slices.Contains(i.Capabilities, capability)
}

// Issuer returns the issuer registered under id.
func (p Policy) Issuer(id string) (Issuer, bool) {
	i, ok := p.Issuers[id]
	return i, ok
}

// KnowsAgent reports whether id is a registered agent.
func (p Policy) KnowsAgent(id string) bool {
	return slices.Contains(p.Agents, id)
}

// SlogLevel maps LogLevel to a slog level.
func (p Policy) SlogLevel() slog.Level {
	switch p.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the policy with every default applied and no issuers.
func Default() Policy {
	p, err := Parse("default.cue", "")
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema is invalid: %v", err))
	}
	return p
}

// Load reads and decodes the policy file at path.
func Load(path string) (Policy, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return Parse(path, string(src))
}

// Parse decodes CUE source. filename is used in error positions.
func Parse(filename, src string) (Policy, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Policy{}, formatCUEError(err)
	}

	v := ctx.CompileString(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return Policy{}, formatCUEError(err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Policy")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Policy{}, formatCUEError(err)
	}

	var raw rawPolicy
	if err := unified.Decode(&raw); err != nil {
		return Policy{}, formatCUEError(err)
	}
	return raw.policy(unified)
}

type rawPolicy struct {
	Database       string `json:"database"`
	LogLevel       string `json:"log_level"`
	ReservationTTL string `json:"reservation_ttl"`
	TokenTTL       string `json:"token_ttl"`
	ReportTimeout  string `json:"report_timeout"`
	Review         struct {
		MinLatency      string `json:"min_latency"`
		ChallengeExpiry string `json:"challenge_expiry"`
	} `json:"review"`
	Sequencing struct {
		RejectedSatisfiesSequence bool `json:"rejected_satisfies_sequence"`
	} `json:"sequencing"`
	Workers   int                  `json:"workers"`
	MaxFanOut int                  `json:"max_fan_out"`
	Issuers   map[string]rawIssuer `json:"issuers"`
	Agents    []string             `json:"agents"`
	Seed      string               `json:"attestor_seed"`
}

type rawIssuer struct {
	Lanes        []string `json:"lanes"`
	Scope        []string `json:"scope"`
	Capabilities []string `json:"capabilities"`
}

func (r rawPolicy) policy(v cue.Value) (Policy, error) {
	p := Policy{
		Database:     r.Database,
		LogLevel:     r.LogLevel,
		Sequencing:   Sequencing{RejectedSatisfiesSequence: r.Sequencing.RejectedSatisfiesSequence},
		Workers:      r.Workers,
		MaxFanOut:    r.MaxFanOut,
		Issuers:      make(map[string]Issuer, len(r.Issuers)),
		Agents:       r.Agents,
		AttestorSeed: r.Seed,
	}
	for id, i := range r.Issuers {
		p.Issuers[id] = Issuer(i)
	}

	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"reservation_ttl", r.ReservationTTL, &p.ReservationTTL},
		{"token_ttl", r.TokenTTL, &p.TokenTTL},
		{"report_timeout", r.ReportTimeout, &p.ReportTimeout},
		{"review.min_latency", r.Review.MinLatency, &p.Review.MinLatency},
		{"review.challenge_expiry", r.Review.ChallengeExpiry, &p.Review.ChallengeExpiry},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.raw)
		if err != nil || parsed <= 0 {
			return Policy{}, &LoadError{
				Field:   d.path,
				Message: fmt.Sprintf("invalid duration %q", d.raw),
				Pos:     v.LookupPath(cue.ParsePath(d.path)).Pos(),
			}
		}
		*d.dst = parsed
	}
	return p, nil
}

// LoadError is a policy error with its source position.
type LoadError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	le := &LoadError{Field: "policy", Message: first.Error()}
	if path := first.Path(); len(path) > 0 {
		le.Field = strings.Join(path, ".")
	}
	if positions := errors.Positions(first); len(positions) > 0 {
		le.Pos = positions[0]
	}
	return le
}
