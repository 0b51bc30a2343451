// Package engine drives a WorkUnit from reservation to its terminal entry.
//
// The engine owns no state. It composes the components that read and write
// the ledger and runs them in the order governance requires:
//
//	Reserve  sequencer claims the issuer's next number
//	Issue    graph validation, then the gate pipeline, then the issued
//	         entry, all consuming the reservation in one transaction
//	Execute  worker pool dispatches ready SubUnits to agents, collects
//	         reports and attaches proofs; a failure or a report timeout
//	         cascades and the WorkUnit ends REJECTED
//	Review   challenge, answer, FINAL composite and the CLOSED entry
//
// Thread-safety model:
//   - every exported method is safe from any goroutine
//   - workers are shared by all Execute calls and bounded by policy
//   - the ledger writer lock is the only serialization point
package engine
