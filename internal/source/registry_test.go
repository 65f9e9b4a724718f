package source_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arc-self/viewstream/internal/schema"
	"github.com/arc-self/viewstream/internal/source"
)

func TestRegistryGetReturnsSameSourceForRepeatedCalls(t *testing.T) {
	view := tradesView(t)
	var dialCount int
	var mu sync.Mutex
	dial := func(ctx context.Context, query string) (source.UpstreamReader, error) {
		mu.Lock()
		dialCount++
		mu.Unlock()
		return newFakeUpstream(), nil
	}
	reg := source.NewRegistry("", dial, zap.NewNop())

	s1, err := reg.Get(context.Background(), view)
	require.NoError(t, err)
	s2, err := reg.Get(context.Background(), view)
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	mu.Lock()
	assert.Equal(t, 1, dialCount)
	mu.Unlock()
}

func TestRegistryCreatesIndependentSourcesPerView(t *testing.T) {
	tradesV := tradesView(t)
	ordersV, err := schema.NewView("orders", "id", []schema.Field{
		{Name: "id", Type: schema.Int},
	})
	require.NoError(t, err)

	dial := func(ctx context.Context, query string) (source.UpstreamReader, error) {
		return newFakeUpstream(), nil
	}
	reg := source.NewRegistry("", dial, zap.NewNop())

	s1, err := reg.Get(context.Background(), tradesV)
	require.NoError(t, err)
	s2, err := reg.Get(context.Background(), ordersV)
	require.NoError(t, err)

	assert.NotSame(t, s1, s2)
}

func TestRegistryDisposeAllTearsDownEverySource(t *testing.T) {
	view := tradesView(t)
	dial := func(ctx context.Context, query string) (source.UpstreamReader, error) {
		return newFakeUpstream(), nil
	}
	reg := source.NewRegistry("", dial, zap.NewNop())

	s, err := reg.Get(context.Background(), view)
	require.NoError(t, err)
	reg.DisposeAll()

	_, err = s.Attach(context.Background(), source.AttachOptions{})
	assert.ErrorIs(t, err, source.ErrDisposed)
}
