// Package view implements the per-subscriber stateful filter sitting
// between a Source and one subscriber: it evaluates a compiled predicate
// against every incoming change and synthesizes the Insert/Update/Delete
// sequence that keeps the subscriber's own mental model of "rows that
// currently match" consistent, including the enter/leave events a raw
// predicate re-evaluation alone would not produce.
package view

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/arc-self/viewstream/internal/event"
	"github.com/arc-self/viewstream/internal/expr"
	"github.com/arc-self/viewstream/internal/row"
	"github.com/arc-self/viewstream/internal/source"
)

// Filter gates which rows are visible: match governs entry, unmatch
// governs exit. An absent unmatch defaults to the logical negation of
// match (the common case). Asymmetric match/unmatch is what lets a
// Trigger implement hysteresis: fire on crossing one threshold, clear
// only on crossing a different one, rather than flapping at a single
// boundary.
type Filter struct {
	Match   *expr.Predicate
	Unmatch *expr.Predicate
}

// NewFilter builds a Filter, defaulting Unmatch to the negation of Match
// when unmatch is nil.
func NewFilter(match, unmatch *expr.Predicate) *Filter {
	if unmatch == nil {
		unmatch = expr.Negate(match)
	}
	return &Filter{Match: match, Unmatch: unmatch}
}

// OutputEvent is what a View hands its consumer.
type OutputEvent struct {
	Type      event.Type
	Row       map[string]any
	Timestamp uint64
}

// View tracks, for one subscriber and one filter, the set of primary keys
// currently visible, and turns each raw Source event into zero or one
// subscriber-facing events.
type View struct {
	sub       *source.Subscription
	filter    *Filter // nil means no filtering: pass every event through
	deltaMode bool
	pkField   string
	logger    *zap.Logger

	// rows holds the last-known row for every key currently visible.
	// Presence in this map IS the visibility state.
	rows map[any]row.Row
}

// Option configures New.
type Option func(*View)

// WithDeltaMode enables compact payloads: Update carries only the primary
// key plus changed fields, Delete carries only the primary key. Disabled
// by default, which always carries the full row (and, for Delete, the
// last row known before removal).
func WithDeltaMode(v *View) { v.deltaMode = true }

// New attaches to src and returns a View ready to be driven by Next.
// filter may be nil for an unfiltered pass-through view. snapshot controls
// whether the subscriber receives synthesized Inserts for rows already
// matching at attach time, or only changes from this point forward — the
// mode the trigger runtime uses, so a newly created trigger does not fire
// for rows that already matched before it existed.
func New(ctx context.Context, src *source.Source, filter *Filter, snapshot bool, logger *zap.Logger, opts ...Option) (*View, error) {
	sub, err := src.Attach(ctx, source.AttachOptions{Snapshot: snapshot})
	if err != nil {
		return nil, fmt.Errorf("view: attach: %w", err)
	}
	v := &View{
		sub:     sub,
		filter:  filter,
		pkField: src.PrimaryKeyField(),
		logger:  logger,
		rows:    make(map[any]row.Row),
	}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// Close detaches from the underlying Source.
func (v *View) Close() {
	v.sub.Detach()
	v.rows = nil
}

// Next blocks for the next subscriber-facing event. Returns false once the
// subscription ends.
func (v *View) Next(ctx context.Context) (*OutputEvent, bool) {
	for {
		raw, ok := v.sub.Next(ctx)
		if !ok {
			return nil, false
		}
		out := v.apply(raw)
		if out != nil {
			return out, true
		}
		// No subscriber-visible effect; keep waiting for the next raw event.
	}
}

func (v *View) apply(raw *event.Event) *OutputEvent {
	pk, present := raw.Row.Get(v.pkField)
	if !present {
		v.logger.Warn("event missing primary key, dropping", zap.String("field", v.pkField))
		return nil
	}

	if v.filter == nil {
		return v.applyUnfiltered(pk, raw)
	}

	if raw.Type == event.Delete {
		if prior, wasVisible := v.rows[pk]; wasVisible {
			delete(v.rows, pk)
			return &OutputEvent{Type: event.Delete, Row: v.deletePayload(pk, prior), Timestamp: raw.Timestamp}
		}
		return nil
	}

	priorRow, wasVisible := v.rows[pk]

	shouldBeIn := v.shouldBeIn(raw, wasVisible, priorRow)

	switch {
	case shouldBeIn && !wasVisible:
		v.rows[pk] = raw.Row
		return &OutputEvent{Type: event.Insert, Row: raw.Row, Timestamp: raw.Timestamp}
	case shouldBeIn && wasVisible:
		v.rows[pk] = raw.Row
		return &OutputEvent{Type: event.Update, Row: v.updatePayload(pk, raw), Timestamp: raw.Timestamp}
	case !shouldBeIn && wasVisible:
		delete(v.rows, pk)
		return &OutputEvent{Type: event.Delete, Row: v.deletePayload(pk, priorRow), Timestamp: raw.Timestamp}
	default: // !shouldBeIn && !wasVisible
		return nil
	}
}

func (v *View) applyUnfiltered(pk any, raw *event.Event) *OutputEvent {
	switch raw.Type {
	case event.Delete:
		prior := v.rows[pk]
		delete(v.rows, pk)
		return &OutputEvent{Type: raw.Type, Row: v.deletePayload(pk, prior), Timestamp: raw.Timestamp}
	case event.Update:
		v.rows[pk] = raw.Row
		return &OutputEvent{Type: raw.Type, Row: v.updatePayload(pk, raw), Timestamp: raw.Timestamp}
	default:
		v.rows[pk] = raw.Row
	}
	return &OutputEvent{Type: raw.Type, Row: raw.Row, Timestamp: raw.Timestamp}
}

// shouldBeIn implements the hysteresis rule: a key not currently visible
// must satisfy match to enter; a key currently visible stays in unless it
// satisfies unmatch. An Update that touches none of match's fields cannot
// change a currently-visible row's outcome, so re-evaluation is skipped.
func (v *View) shouldBeIn(raw *event.Event, wasVisible bool, priorRow row.Row) bool {
	if wasVisible && raw.Type == event.Update && !raw.Fields.Intersects(toFieldSet(v.filter.Match.Fields)) {
		return true
	}
	if !wasVisible {
		return v.evaluate(v.filter.Match, raw.Row)
	}
	return !v.evaluate(v.filter.Unmatch, raw.Row)
}

func (v *View) updatePayload(pk any, raw *event.Event) map[string]any {
	if !v.deltaMode {
		return raw.Row
	}
	out := map[string]any{v.pkField: pk}
	for f := range raw.Fields {
		if val, ok := raw.Row.Get(f); ok {
			out[f] = val
		}
	}
	return out
}

func (v *View) deletePayload(pk any, priorRow row.Row) map[string]any {
	if !v.deltaMode && priorRow != nil {
		return priorRow
	}
	return map[string]any{v.pkField: pk}
}

// evaluate runs a predicate, treating a panicking evaluator (a programmer
// error in a hand-authored comparator, not something the compiler should
// let through, but defended against anyway since this runs per-event on a
// shared goroutine) as non-matching rather than crashing the View.
func (v *View) evaluate(p *expr.Predicate, r row.Row) (matched bool) {
	defer func() {
		if rec := recover(); rec != nil {
			v.logger.Error("predicate evaluation panicked, treating as no-match",
				zap.Any("recovered", rec), zap.String("expression", p.Expression))
			matched = false
		}
	}()
	return p.Evaluate(r)
}

func toFieldSet(m map[string]struct{}) event.FieldSet { return event.FieldSet(m) }
