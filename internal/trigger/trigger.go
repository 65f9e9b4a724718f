package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/viewstream/internal/event"
	"github.com/arc-self/viewstream/internal/expr"
	"github.com/arc-self/viewstream/internal/schema"
	"github.com/arc-self/viewstream/internal/source"
	"github.com/arc-self/viewstream/internal/view"
)

// Trigger is a named, webhook-backed View: its fire predicate governs
// entry, its clear predicate (optional, defaulting to the negation of
// fire) governs exit, giving it hysteresis at the predicate boundary.
// Names are unique per view, not globally.
type Trigger struct {
	Name         string
	ViewName     string
	WebhookURL   string
	FireSource   string // diagnostic rendering of the fire predicate
	ClearSource  string // diagnostic rendering of the clear predicate

	view   *view.View
	cancel context.CancelFunc
}

// Spec is the input to CreateTrigger.
type Spec struct {
	Name       string
	ViewName   string
	WebhookURL string
	Fire       any // raw predicate tree, see expr.Parse
	Clear      any // optional; nil defaults to the negation of Fire
}

// Engine manages the triggers registered against every view: one map per
// view name, each protected by the same engine-wide mutex (contention is
// expected to be low — trigger mutation is an admin-path operation, not a
// per-event one).
type Engine struct {
	mu       sync.Mutex
	byView   map[string]map[string]*Trigger
	registry *source.Registry
	schemas  ViewLookup
	sender   *WebhookSender
	logger   *zap.Logger
}

// ViewLookup resolves a view definition by name; backed by the schema
// loader in production, a fixed map in tests.
type ViewLookup func(name string) (*schema.View, error)

// NewEngine builds a Trigger Engine over the given Source Registry.
func NewEngine(registry *source.Registry, schemas ViewLookup, sender *WebhookSender, logger *zap.Logger) *Engine {
	return &Engine{
		byView:   make(map[string]map[string]*Trigger),
		registry: registry,
		schemas:  schemas,
		sender:   sender,
		logger:   logger,
	}
}

// Create validates name uniqueness, compiles both predicates, attaches a
// snapshot-suppressed View to the view's Source, and starts the pump
// goroutine that turns View output into webhook POSTs.
func (e *Engine) Create(ctx context.Context, spec Spec) (*Trigger, error) {
	e.mu.Lock()
	triggers, ok := e.byView[spec.ViewName]
	if !ok {
		triggers = make(map[string]*Trigger)
		e.byView[spec.ViewName] = triggers
	}
	if _, dup := triggers[spec.Name]; dup {
		e.mu.Unlock()
		return nil, fmt.Errorf("trigger: duplicate name %q for view %q", spec.Name, spec.ViewName)
	}
	e.mu.Unlock()

	sv, err := e.schemas(spec.ViewName)
	if err != nil {
		return nil, fmt.Errorf("trigger: unknown view %q: %w", spec.ViewName, err)
	}

	fire, err := expr.Compile(spec.Fire, sv)
	if err != nil {
		return nil, fmt.Errorf("trigger: compile fire predicate: %w", err)
	}
	var clear *expr.Predicate
	if spec.Clear != nil {
		clear, err = expr.Compile(spec.Clear, sv)
		if err != nil {
			return nil, fmt.Errorf("trigger: compile clear predicate: %w", err)
		}
	}
	filter := view.NewFilter(fire, clear)

	src, err := e.registry.Get(ctx, sv)
	if err != nil {
		return nil, fmt.Errorf("trigger: open source for view %q: %w", spec.ViewName, err)
	}

	// Snapshot suppression on: a newly created trigger must not fire for
	// rows that already matched before it existed.
	v, err := view.New(context.Background(), src, filter, false, e.logger)
	if err != nil {
		return nil, fmt.Errorf("trigger: attach view: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	t := &Trigger{
		Name:        spec.Name,
		ViewName:    spec.ViewName,
		WebhookURL:  spec.WebhookURL,
		FireSource:  fire.Expression,
		view:        v,
		cancel:      cancel,
	}
	if clear != nil {
		t.ClearSource = clear.Expression
	}

	e.mu.Lock()
	if _, dup := triggers[spec.Name]; dup {
		e.mu.Unlock()
		cancel()
		v.Close()
		return nil, fmt.Errorf("trigger: duplicate name %q for view %q", spec.Name, spec.ViewName)
	}
	triggers[spec.Name] = t
	e.mu.Unlock()

	go e.pump(pumpCtx, t)
	return t, nil
}

// pump drains the trigger's View and posts one webhook per Insert
// (fire) or Delete (clear); Updates never cross a visibility boundary and
// are ignored.
func (e *Engine) pump(ctx context.Context, t *Trigger) {
	for {
		out, ok := t.view.Next(ctx)
		if !ok {
			return
		}
		var eventType string
		switch out.Type {
		case event.Insert:
			eventType = "FIRE"
		case event.Delete:
			eventType = "CLEAR"
		default:
			continue
		}

		payload := Payload{
			EventType:   eventType,
			TriggerName: t.Name,
			Timestamp:   nowISO8601(),
			Data:        out.Row,
		}
		deliverCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.sender.Send(deliverCtx, t.WebhookURL, payload); err != nil {
			e.logger.Warn("trigger webhook delivery failed",
				zap.String("trigger", t.Name), zap.String("view", t.ViewName), zap.Error(err))
		}
		cancel()
	}
}

// nowISO8601 is overridable in tests that need a deterministic timestamp.
var nowISO8601 = func() string { return time.Now().UTC().Format(time.RFC3339) }

// Delete removes and tears down a trigger, returning its prior
// definition.
func (e *Engine) Delete(viewName, name string) (*Trigger, error) {
	e.mu.Lock()
	triggers, ok := e.byView[viewName]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("trigger: unknown view %q", viewName)
	}
	t, ok := triggers[name]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("trigger: unknown trigger %q for view %q", name, viewName)
	}
	delete(triggers, name)
	e.mu.Unlock()

	t.cancel()
	t.view.Close()
	return t, nil
}

// Get returns a trigger definition by name.
func (e *Engine) Get(viewName, name string) (*Trigger, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	triggers, ok := e.byView[viewName]
	if !ok {
		return nil, fmt.Errorf("trigger: unknown view %q", viewName)
	}
	t, ok := triggers[name]
	if !ok {
		return nil, fmt.Errorf("trigger: unknown trigger %q for view %q", name, viewName)
	}
	return t, nil
}

// List returns every trigger registered for a view.
func (e *Engine) List(viewName string) []*Trigger {
	e.mu.Lock()
	defer e.mu.Unlock()
	triggers := e.byView[viewName]
	out := make([]*Trigger, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, t)
	}
	return out
}
