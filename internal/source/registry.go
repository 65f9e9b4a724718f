package source

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/arc-self/viewstream/internal/protocol"
	"github.com/arc-self/viewstream/internal/schema"
)

// Dialer opens a fresh upstream connection for one view's subscription
// query. Production wiring passes a function backed by NewPgCopyReader;
// tests pass one that hands back an in-memory fake.
type Dialer func(ctx context.Context, query string) (UpstreamReader, error)

// Registry hands out exactly one Source per view name, creating it lazily
// on first request and tearing it down once its last subscriber detaches.
type Registry struct {
	mu     sync.Mutex
	dsn    string
	dial   Dialer
	logger *zap.Logger

	sources map[string]*Source
}

// NewRegistry builds a Registry backed by a single upstream DSN. dial, if
// nil, defaults to dialing real Postgres connections via NewPgCopyReader.
func NewRegistry(dsn string, dial Dialer, logger *zap.Logger) *Registry {
	if dial == nil {
		dial = func(ctx context.Context, query string) (UpstreamReader, error) {
			return NewPgCopyReader(ctx, dsn, query)
		}
	}
	return &Registry{
		dsn:     dsn,
		dial:    dial,
		logger:  logger,
		sources: make(map[string]*Source),
	}
}

// Get returns the Source for view, creating and starting it if this is the
// first request for that view since the registry started (or since its
// last Source disposed).
func (r *Registry) Get(ctx context.Context, view *schema.View) (*Source, error) {
	r.mu.Lock()
	if s, ok := r.sources[view.Name]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	query := protocol.BuildQuery(view)
	upstream, err := r.dial(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("registry: open source for view %q: %w", view.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[view.Name]; ok {
		upstream.Close()
		return s, nil
	}

	name := view.Name
	s := New(context.Background(), view, upstream, r.logger.With(zap.String("view", name)), func() {
		r.remove(name)
	}, WithExitFunc(os.Exit))
	r.sources[name] = s
	return s, nil
}

func (r *Registry) remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, name)
}

// Snapshot returns the Stats for every currently live Source, for the
// admin introspection surface.
func (r *Registry) Snapshot() []Stats {
	r.mu.Lock()
	sources := make([]*Source, 0, len(r.sources))
	for _, s := range r.sources {
		sources = append(sources, s)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(sources))
	for _, s := range sources {
		out = append(out, s.StatsSnapshot())
	}
	return out
}

// DisposeAll tears down every live Source; used by the shutdown
// coordinator.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	sources := make([]*Source, 0, len(r.sources))
	for _, s := range r.sources {
		sources = append(sources, s)
	}
	r.mu.Unlock()

	for _, s := range sources {
		s.Dispose()
	}
}
