package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/govledger/internal/ledger"
)

// compileFilter converts a ledger filter to parameterized SQL.
//
// MANDATORY: Every query ends in ORDER BY sequence for deterministic results.
// MANDATORY: All values are parameterized, never interpolated.
func compileFilter(f ledger.Filter) (string, []any) {
	var (
		where  []string
		params []any
	)

	if len(f.Kinds) > 0 {
		placeholders := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			placeholders[i] = "?"
			params = append(params, string(k))
		}
		where = append(where, fmt.Sprintf("kind IN (%s)", strings.Join(placeholders, ", ")))
	}
	if f.ActorID != "" {
		where = append(where, "actor_id = ?")
		params = append(params, f.ActorID)
	}
	if f.PayloadRef != "" {
		where = append(where, "payload_ref = ?")
		params = append(params, f.PayloadRef)
	}
	if f.FromSeq > 0 {
		where = append(where, "sequence >= ?")
		params = append(params, f.FromSeq)
	}
	if f.ToSeq > 0 {
		where = append(where, "sequence <= ?")
		params = append(params, f.ToSeq)
	}

	// Sort attribute keys for deterministic SQL text
	keys := make([]string, 0, len(f.Attrs))
	for k := range f.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		where = append(where, attrPredicate)
		path := attrPath(k)
		params = append(params, path, path, path, f.Attrs[k])
	}

	var b strings.Builder
	b.WriteString("SELECT " + entryColumns + " FROM ledger_entries")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY sequence")
	if f.Descending {
		b.WriteString(" DESC")
	} else {
		b.WriteString(" ASC")
	}
	if f.Limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, f.Limit)
	}
	return b.String(), params
}

// attrPredicate compares a scalar attribute by its string form, matching
// ir.Scalar: text as-is, integers in decimal, booleans as true/false.
// Arrays and objects yield NULL and never match.
const attrPredicate = "(CASE json_type(attrs, ?)" +
	" WHEN 'text' THEN json_extract(attrs, ?)" +
	" WHEN 'integer' THEN CAST(json_extract(attrs, ?) AS TEXT)" +
	" WHEN 'true' THEN 'true'" +
	" WHEN 'false' THEN 'false'" +
	" END) = ?"

// attrPath quotes key as a JSON path member.
func attrPath(key string) string {
	return `$."` + strings.ReplaceAll(key, `"`, `\"`) + `"`
}
