// Package ir provides the canonical data types of the governance ledger.
//
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types in hashed content; metrics are int64
//   - every hash is computed over RFC 8785 canonical JSON
//   - All JSON tags use snake_case
//   - timestamps are hashed as UTC unix nanoseconds
package ir
