package harness

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/govledger/internal/ir"
)

// Evaluate checks every assertion of the scenario against result and
// returns one error per failed assertion.
func Evaluate(scenario *Scenario, result *Result) []error {
	var errs []error
	for i, a := range scenario.Assertions {
		if err := evaluate(a, result); err != nil {
			errs = append(errs, fmt.Errorf("assertions[%d] %s: %w", i, a.Type, err))
		}
	}
	return errs
}

func evaluate(a Assertion, result *Result) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(a, result.Trace)
	case AssertTraceOrder:
		return assertTraceOrder(a.Kinds, result.Trace)
	case AssertTraceCount:
		return assertTraceCount(a, result.Trace)
	case AssertFinalState:
		return assertFinalState(a, result)
	case AssertChainValid:
		return result.ChainErr
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// matches reports whether ev agrees with every field a sets.
func matches(a Assertion, ev TraceEvent) bool {
	if string(ev.Kind) != a.Kind {
		return false
	}
	if a.Actor != "" && ev.Actor != a.Actor {
		return false
	}
	return a.Subject == "" || ev.Subject == a.Subject
}

func assertTraceContains(a Assertion, trace []TraceEvent) error {
	if slices.ContainsFunc(trace, func(ev TraceEvent) bool { return matches(a, ev) }) {
		return nil
	}
	return fmt.Errorf("no %s entry matching actor=%q subject=%q", a.Kind, a.Actor, a.Subject)
}

func assertTraceCount(a Assertion, trace []TraceEvent) error {
	n := 0
	for _, ev := range trace {
		if matches(a, ev) {
			n++
		}
	}
	if n != a.Count {
		return fmt.Errorf("%s: got %d entries, want %d", a.Kind, n, a.Count)
	}
	return nil
}

// assertTraceOrder checks that kinds appear as a subsequence of the trace.
func assertTraceOrder(kinds []string, trace []TraceEvent) error {
	next := 0
	for _, ev := range trace {
		if next < len(kinds) && string(ev.Kind) == kinds[next] {
			next++
		}
	}
	if next < len(kinds) {
		return fmt.Errorf("%s not found after %v", kinds[next], kinds[:next])
	}
	return nil
}

func assertFinalState(a Assertion, result *Result) error {
	st, ok := result.Status[a.WorkUnit]
	if !ok {
		return fmt.Errorf("work unit %s was not issued", a.WorkUnit)
	}
	if a.Status != "" && string(st.WorkUnit.Status) != a.Status {
		return fmt.Errorf("status: got %s, want %s", st.WorkUnit.Status, a.Status)
	}
	if a.Composite != "" {
		got := "NONE"
		if st.HasComposite {
			got = string(st.Composite.State)
		}
		if got != a.Composite {
			return fmt.Errorf("composite: got %s, want %s", got, a.Composite)
		}
	}
	if a.Review != "" && string(st.Review.State) != a.Review {
		return fmt.Errorf("review: got %s, want %s", st.Review.State, a.Review)
	}
	if len(a.SubUnits) > 0 {
		got := make(map[string]string, len(st.SubUnits))
		for _, su := range st.SubUnits {
			got[su.ID] = string(su.Status)
		}
		for _, id := range slices.Sorted(maps.Keys(a.SubUnits)) {
			if got[id] != a.SubUnits[id] {
				return fmt.Errorf("sub unit %s: got %q, want %s", id, got[id], a.SubUnits[id])
			}
		}
	}
	return nil
}

// Kinds returns the entry kinds of a trace in order.
func Kinds(trace []TraceEvent) []ir.EntryKind {
	out := make([]ir.EntryKind, len(trace))
	for i, ev := range trace {
		out[i] = ev.Kind
	}
	return out
}
