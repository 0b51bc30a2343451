// Package graph is the orchestration graph of a WorkUnit: a DAG of
// SubUnits whose edges are dependsOn relations.
//
// A Graph is a pure value. The dispatcher rebuilds it from the ledger with
// Replay before every decision, so readiness is always recomputed from the
// current entries and never cached across operations.
package graph

import (
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/ir"
)

// ErrIllegalTransition is returned for a status change the lifecycle
// does not allow.
var ErrIllegalTransition = errors.New("graph: illegal sub unit transition")

// ErrUnknownSubUnit is returned for an id the graph does not contain.
var ErrUnknownSubUnit = errors.New("graph: unknown sub unit")

// transitions is the legal lifecycle of a SubUnit. DISPATCHED may be
// re-entered when an expired token is replaced.
var transitions = map[ir.SubUnitStatus][]ir.SubUnitStatus{
	ir.SubUnitPending:    {ir.SubUnitDispatched, ir.SubUnitFailed},
	ir.SubUnitDispatched: {ir.SubUnitDispatched, ir.SubUnitExecuting, ir.SubUnitReported, ir.SubUnitFailed},
	ir.SubUnitExecuting:  {ir.SubUnitReported, ir.SubUnitFailed},
	ir.SubUnitReported:   nil,
	ir.SubUnitFailed:     nil,
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to ir.SubUnitStatus) bool {
	return slices.Contains(transitions[from], to)
}

// Graph is the SubUnit DAG of one WorkUnit.
type Graph struct {
	workUnitID string
	ids        []string // sorted
	nodes      map[string]*ir.SubUnit
	dependents map[string][]string
}

// New builds a graph from declared SubUnits. Every node starts PENDING.
// Duplicate ids and dependencies on undeclared nodes are rejected; cycles
// are reported by Validate.
func New(workUnitID string, subs []ir.SubUnit) (*Graph, error) {
	g := &Graph{
		workUnitID: workUnitID,
		nodes:      make(map[string]*ir.SubUnit, len(subs)),
		dependents: make(map[string][]string),
	}
	for _, su := range subs {
		if _, dup := g.nodes[su.ID]; dup {
			return nil, fmt.Errorf("graph %s: sub unit %q declared twice", workUnitID, su.ID)
		}
		node := su
		node.ParentWorkUnitID = workUnitID
		node.DependsOn = slices.Clone(su.DependsOn)
		slices.Sort(node.DependsOn)
		node.Status = ir.SubUnitPending
		g.nodes[su.ID] = &node
		g.ids = append(g.ids, su.ID)
	}
	slices.Sort(g.ids)

	for _, id := range g.ids {
		for _, dep := range g.nodes[id].DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("graph %s: %s depends on undeclared %q", workUnitID, id, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	return g, nil
}

// WorkUnitID returns the owning WorkUnit.
func (g *Graph) WorkUnitID() string {
	return g.workUnitID
}

// Len returns the number of SubUnits.
func (g *Graph) Len() int {
	return len(g.ids)
}

// Validate fails with a CycleError if the dependencies are not acyclic.
func (g *Graph) Validate() error {
	_, err := g.TopologicalOrder()
	return err
}

// TopologicalOrder returns the SubUnits in dependency order using Kahn's
// algorithm; ties are broken by id.
func (g *Graph) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.ids))
	var queue []string
	for _, id := range g.ids {
		indegree[id] = len(g.nodes[id].DependsOn)
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(g.ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var freed []string
		for _, dep := range g.dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				freed = append(freed, dep)
			}
		}
		queue = append(queue, freed...)
		slices.Sort(queue)
	}

	if len(order) < len(g.ids) {
		return nil, fault.NewCycleError(g.workUnitID, g.cyclePath(indegree))
	}
	return order, nil
}

// cyclePath walks dependencies among the nodes Kahn could not release and
// returns one cycle, closed on its first node.
func (g *Graph) cyclePath(indegree map[string]int) []string {
	var start string
	for _, id := range g.ids {
		if indegree[id] > 0 {
			start = id
			break
		}
	}

	pos := map[string]int{}
	var walk []string
	for id := start; ; {
		if i, seen := pos[id]; seen {
			return append(walk[i:], id)
		}
		pos[id] = len(walk)
		walk = append(walk, id)
		for _, dep := range g.nodes[id].DependsOn {
			if indegree[dep] > 0 {
				id = dep
				break
			}
		}
	}
}

// Status returns the status of id.
func (g *Graph) Status(id string) (ir.SubUnitStatus, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return "", false
	}
	return n.Status, true
}

// SubUnit returns a copy of node id.
func (g *Graph) SubUnit(id string) (ir.SubUnit, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return ir.SubUnit{}, false
	}
	su := *n
	su.DependsOn = slices.Clone(n.DependsOn)
	return su, true
}

// Dependencies returns the direct dependencies of id, sorted.
func (g *Graph) Dependencies(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return slices.Clone(n.DependsOn)
}

// Pending returns the dependencies of id that are not yet REPORTED.
func (g *Graph) Pending(id string) []string {
	var out []string
	for _, dep := range g.Dependencies(id) {
		if g.nodes[dep].Status != ir.SubUnitReported {
			out = append(out, dep)
		}
	}
	return out
}

// ReadySet returns PENDING nodes whose dependencies are all REPORTED.
func (g *Graph) ReadySet() []string {
	var ready []string
	for _, id := range g.ids {
		if g.nodes[id].Status == ir.SubUnitPending && len(g.Pending(id)) == 0 {
			ready = append(ready, id)
		}
	}
	return ready
}

// Transition moves id to status to. Moving to DISPATCHED additionally
// requires every dependency to be REPORTED.
func (g *Graph) Transition(id string, to ir.SubUnitStatus) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubUnit, id)
	}
	if !CanTransition(n.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, id, n.Status, to)
	}
	if to == ir.SubUnitDispatched {
		if pending := g.Pending(id); len(pending) > 0 {
			return fault.NewStaleReportError(id, pending)
		}
	}
	n.Status = to
	return nil
}

// Fail marks id FAILED and cascades to every transitive dependent that is
// not already terminal. It returns the ids it failed, sorted.
func (g *Graph) Fail(id string) ([]string, error) {
	if err := g.Transition(id, ir.SubUnitFailed); err != nil {
		return nil, err
	}
	failed := []string{id}
	queue := slices.Clone(g.dependents[id])
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		n := g.nodes[next]
		if n.Status == ir.SubUnitFailed || n.Status == ir.SubUnitReported {
			continue
		}
		n.Status = ir.SubUnitFailed
		failed = append(failed, next)
		queue = append(queue, g.dependents[next]...)
	}
	slices.Sort(failed)
	return failed, nil
}

// Complete reports whether every SubUnit is REPORTED.
func (g *Graph) Complete() bool {
	for _, id := range g.ids {
		if g.nodes[id].Status != ir.SubUnitReported {
			return false
		}
	}
	return len(g.ids) > 0
}

// Failed reports whether any SubUnit failed, which marks the WorkUnit for
// rejection.
func (g *Graph) Failed() bool {
	return g.count(ir.SubUnitFailed) > 0
}

// AnyReported reports whether at least one SubUnit is REPORTED.
func (g *Graph) AnyReported() bool {
	return g.count(ir.SubUnitReported) > 0
}

// Settled reports whether no SubUnit can make further progress: every node
// is REPORTED or FAILED.
func (g *Graph) Settled() bool {
	return g.count(ir.SubUnitReported)+g.count(ir.SubUnitFailed) == len(g.ids)
}

func (g *Graph) count(status ir.SubUnitStatus) int {
	n := 0
	for _, id := range g.ids {
		if g.nodes[id].Status == status {
			n++
		}
	}
	return n
}

// Snapshot returns copies of every node sorted by id.
func (g *Graph) Snapshot() []ir.SubUnit {
	out := make([]ir.SubUnit, 0, len(g.ids))
	for _, id := range g.ids {
		su, _ := g.SubUnit(id)
		out = append(out, su)
	}
	return out
}
