// Package invariant holds the catalog of named predicates consulted by the
// gate validator.
//
// Each invariant has a unique code namespaced by its class (STR-001,
// AUT-003, ...), is bound to exactly one gate, and applies to a set of
// artifact kinds. A check returns Pass, Fail or Unresolved. Unresolved
// counts as a failure: the registry never lets an ambiguous check through.
package invariant

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/govledger/internal/ir"
)

// Class groups invariants by what they constrain.
type Class string

const (
	Structural Class = "STR"
	Behavioral Class = "BEH"
	Authority  Class = "AUT"
	Temporal   Class = "TMP"
	Integrity  Class = "INT"
	Composite  Class = "CMP"
)

// Classes lists every class.
var Classes = []Class{Structural, Behavioral, Authority, Temporal, Integrity, Composite}

// Waivable reports whether an authorized override may waive failures of
// this class.
func (c Class) Waivable() bool {
	return c == Behavioral || c == Temporal
}

// Gate is a stage of the validation pipeline.
type Gate int

const (
	G0 Gate = iota // structural shape
	G1             // authority and scope
	G2             // lineage and reference resolution
	G3             // execution context
	G4             // dependency and ordering
	G5             // artifact-type specific
	G6             // finality preconditions
	G7             // terminal emission eligibility
)

// Gates lists the pipeline in execution order.
var Gates = []Gate{G0, G1, G2, G3, G4, G5, G6, G7}

func (g Gate) String() string {
	return fmt.Sprintf("G%d", int(g))
}

// Outcome is the result of one check.
type Outcome int

const (
	Pass Outcome = iota
	Fail
	Unresolved
)

func (o Outcome) String() string {
	switch o {
	case Pass:
		return "PASS"
	case Fail:
		return "FAIL"
	default:
		return "UNRESOLVED"
	}
}

// Verdict is a check result. Field and Expected refine the invariant's
// defaults for this particular failure.
type Verdict struct {
	Outcome  Outcome
	Detail   string
	Field    string
	Expected string
}

// Passed reports whether v lets the artifact through.
func (v Verdict) Passed() bool {
	return v.Outcome == Pass
}

// Ok is the passing verdict.
func Ok() Verdict {
	return Verdict{Outcome: Pass}
}

// Failf builds a failing verdict.
func Failf(format string, args ...any) Verdict {
	return Verdict{Outcome: Fail, Detail: fmt.Sprintf(format, args...)}
}

// Unresolvedf builds a verdict for a check that could not decide.
func Unresolvedf(format string, args ...any) Verdict {
	return Verdict{Outcome: Unresolved, Detail: fmt.Sprintf(format, args...)}
}

// WithField sets the offending field.
func (v Verdict) WithField(field string) Verdict {
	v.Field = field
	return v
}

// WithExpected sets the expected value.
func (v Verdict) WithExpected(expected string) Verdict {
	v.Expected = expected
	return v
}

// Invariant is one named predicate over a subject S.
type Invariant[S any] struct {
	Code        string
	Class       Class
	Gate        Gate
	Kinds       []ir.ArtifactKind
	Field       string
	Description string
	// Fixed invariants are never waived, whatever their class.
	Fixed bool
	Check func(ctx context.Context, s S) Verdict
}

// Waivable reports whether an authorized override may excuse a failure.
func (inv *Invariant[S]) Waivable() bool {
	return !inv.Fixed && inv.Class.Waivable()
}

// AppliesTo reports whether the invariant is checked for kind.
func (inv *Invariant[S]) AppliesTo(kind ir.ArtifactKind) bool {
	return slices.Contains(inv.Kinds, kind)
}

// Evaluate runs the check. A panicking check is unresolved.
func (inv *Invariant[S]) Evaluate(ctx context.Context, s S) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			v = Unresolvedf("check panicked: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return Unresolvedf("%v", err)
	}
	v = inv.Check(ctx, s)
	if v.Outcome != Pass && v.Detail == "" {
		v.Detail = inv.Description
	}
	if v.Field == "" {
		v.Field = inv.Field
	}
	return v
}

// Registry is an ordered catalog of invariants with unique codes.
type Registry[S any] struct {
	order  []*Invariant[S]
	byCode map[string]*Invariant[S]
}

// NewRegistry creates an empty registry.
func NewRegistry[S any]() *Registry[S] {
	return &Registry[S]{byCode: make(map[string]*Invariant[S])}
}

// Register adds inv. Codes must be unique and prefixed by the class.
func (r *Registry[S]) Register(inv Invariant[S]) error {
	if inv.Code == "" {
		return fmt.Errorf("register invariant: code is required")
	}
	if !slices.Contains(Classes, inv.Class) {
		return fmt.Errorf("register %s: unknown class %q", inv.Code, inv.Class)
	}
	if !strings.HasPrefix(inv.Code, string(inv.Class)+"-") {
		return fmt.Errorf("register %s: code must be namespaced by class %s", inv.Code, inv.Class)
	}
	if inv.Gate < G0 || inv.Gate > G7 {
		return fmt.Errorf("register %s: unknown gate %d", inv.Code, inv.Gate)
	}
	if len(inv.Kinds) == 0 {
		return fmt.Errorf("register %s: no artifact kinds", inv.Code)
	}
	if inv.Check == nil {
		return fmt.Errorf("register %s: check is required", inv.Code)
	}
	if _, exists := r.byCode[inv.Code]; exists {
		return fmt.Errorf("register %s: duplicate code", inv.Code)
	}
	p := &inv
	r.order = append(r.order, p)
	r.byCode[inv.Code] = p
	return nil
}

// MustRegister is Register for static catalogs.
func (r *Registry[S]) MustRegister(invs ...Invariant[S]) {
	for _, inv := range invs {
		if err := r.Register(inv); err != nil {
			panic(err)
		}
	}
}

// For returns the invariants of gate that apply to kind, in registration
// order.
func (r *Registry[S]) For(gate Gate, kind ir.ArtifactKind) []*Invariant[S] {
	var out []*Invariant[S]
	for _, inv := range r.order {
		if inv.Gate == gate && inv.AppliesTo(kind) {
			out = append(out, inv)
		}
	}
	return out
}

// Lookup returns the invariant registered under code.
func (r *Registry[S]) Lookup(code string) (*Invariant[S], bool) {
	inv, ok := r.byCode[code]
	return inv, ok
}

// Codes returns every registered code in registration order.
func (r *Registry[S]) Codes() []string {
	codes := make([]string, len(r.order))
	for i, inv := range r.order {
		codes[i] = inv.Code
	}
	return codes
}

// Len returns the number of invariants.
func (r *Registry[S]) Len() int {
	return len(r.order)
}
