// Package protocol decodes the upstream changefeed's textual wire format
// and builds the subscription query string for a view.
package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/arc-self/viewstream/internal/row"
	"github.com/arc-self/viewstream/internal/schema"
)

// OpType classifies a changefeed line.
type OpType int

const (
	Upsert OpType = iota
	Delete
)

// ParsedEvent is the decoded shape of one non-skipped wire line.
type ParsedEvent struct {
	Row       row.Row
	Timestamp uint64
	Op        OpType
}

// EnumParseError marks an unparseable enum value — a fatal error, distinct
// from every other per-line parse failure, which is dropped and logged.
type EnumParseError struct {
	Field string
	Value string
}

func (e *EnumParseError) Error() string {
	return fmt.Sprintf("protocol: field %q: value %q is not a declared enum member", e.Field, e.Value)
}

const nullLiteral = `\N`

// BuildQuery constructs the subscription query for a view: a streaming
// upsert-envelope projection of its declared columns, keyed by the primary
// key, wrapped in a streaming-copy directive.
//
//	COPY (SUBSCRIBE (SELECT <cols> FROM <view> ENVELOPE UPSERT (KEY (<pk>)) WITH (SNAPSHOT))) TO STDOUT
func BuildQuery(view *schema.View) string {
	cols := append([]string{view.PrimaryKey}, view.NonKeyColumns()...)
	inner := fmt.Sprintf(
		"SELECT %s FROM %s ENVELOPE UPSERT (KEY (%s)) WITH (SNAPSHOT)",
		strings.Join(cols, ", "), view.Name, view.PrimaryKey,
	)
	return fmt.Sprintf("COPY (SUBSCRIBE (%s)) TO STDOUT", inner)
}

// ParseLine decodes one tab-delimited changefeed line.
//
// Returns (nil, "", nil) for a line silently skipped by design (too few
// fields, unparsable timestamp). Returns (nil, reason, nil) for a line
// dropped with a warning the caller should log. Returns (nil, "", err) only
// for the fatal enum case; the caller must treat that as a terminal
// Source failure.
func ParseLine(line string, view *schema.View) (*ParsedEvent, string, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 2 {
		return nil, "", nil
	}

	ts, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return nil, "", nil
	}

	var op OpType
	switch fields[1] {
	case "upsert":
		op = Upsert
	case "delete":
		op = Delete
	default:
		return nil, fmt.Sprintf("protocol: unrecognized opTag %q, dropping line", fields[1]), nil
	}

	cols := append([]string{view.PrimaryKey}, view.NonKeyColumns()...)
	r := make(row.Row, len(cols))
	for i, colName := range cols {
		idx := i + 2
		if idx >= len(fields) {
			break // missing trailing fields become absent
		}
		raw := fields[idx]
		if raw == nullLiteral {
			r[colName] = nil
			continue
		}
		f, _ := view.Field(colName)
		val, dropReason, err := parseValue(raw, f)
		if err != nil {
			return nil, "", err
		}
		if dropReason != "" {
			return nil, dropReason, nil
		}
		r[colName] = val
	}

	return &ParsedEvent{Row: r, Timestamp: ts, Op: op}, "", nil
}

// parseValue decodes one column's text according to its declared type.
func parseValue(s string, f schema.Field) (any, string, error) {
	switch f.Type {
	case schema.Bool:
		return s == "t" || s == "true", "", nil
	case schema.Int:
		iv, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Sprintf("protocol: field %q: malformed integer %q, dropping line", f.Name, s), nil
		}
		return iv, "", nil
	case schema.Float:
		fv, err := strconv.ParseFloat(s, 64)
		if err != nil {
			// Float parse failures propagate as NaN rather than dropping
			// the line.
			return math.NaN(), "", nil
		}
		return fv, "", nil
	case schema.EnumType:
		ords := f.Enum.Ordinals()
		idx, ok := ords[s]
		if !ok {
			return nil, "", &EnumParseError{Field: f.Name, Value: s}
		}
		return idx, "", nil
	default: // BigInt, String, UUID, Timestamp, Date, Time, JSON, Array
		return s, "", nil
	}
}
