// Package row defines the in-memory representation of a changefeed record.
package row

// Row is an unordered mapping from field name to scalar value. A key that
// maps to a Go nil represents an explicit SQL NULL; a key that is absent
// from the map represents a field the source line did not carry (e.g. a
// trailing column omitted from a short line).
//
// Value kinds, per the declared data type driving the parse (see
// internal/protocol): bool, int64, float64, string (covers uuid, text,
// timestamp, date, time, json, array, and bigint-as-string), and int (the
// 0-based ordinal of an enum-typed field).
type Row map[string]any

// Get returns the value for field and whether it was present at all
// (present-with-nil is NULL; absent is no such key on this line).
func (r Row) Get(field string) (any, bool) {
	v, ok := r[field]
	return v, ok
}

// IsNull reports whether field is null: an absent field and a field
// explicitly carrying NULL are treated identically.
func (r Row) IsNull(field string) bool {
	v, ok := r[field]
	return !ok || v == nil
}
