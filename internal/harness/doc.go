// Package harness runs scripted governance scenarios against the engine.
//
// A scenario fixes the policy, the behavior of every agent and a list of
// steps. The harness replays the steps against a fresh in-memory ledger
// and reduces the resulting chain to a trace of (sequence, kind, actor,
// subject) lines that is compared with a golden file.
//
// # Scenario Format
//
//	name: review_and_close
//	description: "Two agents report, the reviewer approves"
//	agents:
//	  agent-2: { behavior: fail }
//	steps:
//	  - op: reserve
//	    type: feature
//	    actor: alice
//	  - op: issue
//	    work_unit: wu-1
//	    type: feature
//	    actor: alice
//	    sub_units:
//	      - { id: s1, agent: agent-1 }
//	      - { id: s2, agent: agent-2, depends_on: [s1] }
//	  - op: execute
//	    work_unit: wu-1
//	    expect: { outcome: rejected }
//	assertions:
//	  - type: final_state
//	    work_unit: wu-1
//	    status: REJECTED
//
// Steps are reserve, issue, execute, advance, challenge, answer, review,
// cancel and close. A step with expect.error must fail with that fault
// code; every other step must succeed.
//
// # Assertion Types
//
//   - trace_contains: an entry of kind (and actor, subject) exists
//   - trace_order: kinds appear in this order, not necessarily adjacent
//   - trace_count: exactly count entries match
//   - final_state: derived status, composite, review and sub unit states
//   - chain_valid: the whole chain verifies
//
// # Deterministic Runs
//
// The ledger clock starts at testutil.Epoch and moves only on advance and
// review steps, token ids come from testutil.SequentialIDs, and a single
// worker executes SubUnits. Report timeouts still use real time.
package harness
