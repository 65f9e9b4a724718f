package trigger_test

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arc-self/viewstream/internal/schema"
	"github.com/arc-self/viewstream/internal/source"
	"github.com/arc-self/viewstream/internal/trigger"
)

type fakeUpstream struct {
	mu     sync.Mutex
	lines  chan string
	errs   chan error
	closed bool
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{lines: make(chan string, 64), errs: make(chan error, 1)}
}
func (f *fakeUpstream) Lines(ctx context.Context) (<-chan string, <-chan error) {
	return f.lines, f.errs
}
func (f *fakeUpstream) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.lines)
	}
}
func (f *fakeUpstream) send(l string) { f.lines <- l }

// fakeTransport records every delivered payload instead of making a real
// HTTP call, the same hand-written test-double style used elsewhere in
// this codebase for narrow interface seams.
type fakeTransport struct {
	mu       sync.Mutex
	received []trigger.Payload
	done     chan struct{}
}

func newFakeTransport(expect int) *fakeTransport {
	return &fakeTransport{done: make(chan struct{}, expect)}
}

func (f *fakeTransport) Do(req *http.Request) (*http.Response, error) {
	var p trigger.Payload
	if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.received = append(f.received, p)
	f.mu.Unlock()
	f.done <- struct{}{}
	return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
}

func (f *fakeTransport) waitOne(t *testing.T) trigger.Payload {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for webhook delivery")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received[len(f.received)-1]
}

func ordersView(t *testing.T) *schema.View {
	t.Helper()
	v, err := schema.NewView("orders", "id", []schema.Field{
		{Name: "id", Type: schema.Int},
		{Name: "status", Type: schema.String},
		{Name: "total", Type: schema.Float},
	})
	require.NoError(t, err)
	return v
}

func newTestEngine(t *testing.T, up *fakeUpstream, transport *fakeTransport) (*trigger.Engine, *schema.View) {
	t.Helper()
	sv := ordersView(t)

	dial := func(ctx context.Context, query string) (source.UpstreamReader, error) {
		return up, nil
	}
	registry := source.NewRegistry("", dial, zap.NewNop())

	sender := trigger.NewWebhookSender(zap.NewNop())
	trigger.WithTransport(sender, transport)

	lookup := func(name string) (*schema.View, error) {
		if name == sv.Name {
			return sv, nil
		}
		return nil, assert.AnError
	}

	return trigger.NewEngine(registry, lookup, sender, zap.NewNop()), sv
}

func TestCreateTriggerFiresOnMatchAndClearsOnUnmatch(t *testing.T) {
	up := newFakeUpstream()
	transport := newFakeTransport(2)
	engine, sv := newTestEngine(t, up, transport)

	_, err := engine.Create(context.Background(), trigger.Spec{
		Name:       "big-orders",
		ViewName:   sv.Name,
		WebhookURL: "http://example.invalid/hook",
		Fire:       mustJSON(t, `{"total": {"_gte": 100.0}}`),
	})
	require.NoError(t, err)

	up.send("1\tupsert\t1\topen\t150.0")
	fired := transport.waitOne(t)
	assert.Equal(t, "FIRE", fired.EventType)
	assert.Equal(t, "big-orders", fired.TriggerName)

	up.send("2\tupsert\t1\topen\t10.0")
	cleared := transport.waitOne(t)
	assert.Equal(t, "CLEAR", cleared.EventType)
}

func TestCreateTriggerDuplicateNameIsError(t *testing.T) {
	up := newFakeUpstream()
	transport := newFakeTransport(1)
	engine, sv := newTestEngine(t, up, transport)

	spec := trigger.Spec{
		Name:       "dup",
		ViewName:   sv.Name,
		WebhookURL: "http://example.invalid/hook",
		Fire:       mustJSON(t, `{"total": {"_gte": 100.0}}`),
	}
	_, err := engine.Create(context.Background(), spec)
	require.NoError(t, err)

	_, err = engine.Create(context.Background(), spec)
	assert.Error(t, err)
}

func TestCreateTriggerSuppressesSnapshotForPreexistingMatch(t *testing.T) {
	up := newFakeUpstream()
	transport := newFakeTransport(1)
	engine, sv := newTestEngine(t, up, transport)

	// The Source is created by the first trigger on the view; open it with a
	// trigger that never fires so the row below is already cached when
	// "big-orders" attaches.
	_, err := engine.Create(context.Background(), trigger.Spec{
		Name: "warmup", ViewName: sv.Name, WebhookURL: "http://example.invalid/warmup",
		Fire: mustJSON(t, `{"total": {"_gte": 1000000.0}}`),
	})
	require.NoError(t, err)

	up.send("1\tupsert\t1\topen\t150.0")
	time.Sleep(20 * time.Millisecond)

	_, err = engine.Create(context.Background(), trigger.Spec{
		Name:       "big-orders",
		ViewName:   sv.Name,
		WebhookURL: "http://example.invalid/hook",
		Fire:       mustJSON(t, `{"total": {"_gte": 100.0}}`),
	})
	require.NoError(t, err)

	// a second, genuinely new matching row should still fire
	up.send("2\tupsert\t2\topen\t200.0")
	fired := transport.waitOne(t)
	assert.Equal(t, "FIRE", fired.EventType)
	assert.Len(t, transport.received, 1, "no fire should have been synthesized for the pre-existing row")
}

func TestDeleteTriggerStopsDelivery(t *testing.T) {
	up := newFakeUpstream()
	transport := newFakeTransport(1)
	engine, sv := newTestEngine(t, up, transport)

	_, err := engine.Create(context.Background(), trigger.Spec{
		Name:       "big-orders",
		ViewName:   sv.Name,
		WebhookURL: "http://example.invalid/hook",
		Fire:       mustJSON(t, `{"total": {"_gte": 100.0}}`),
	})
	require.NoError(t, err)

	_, err = engine.Delete(sv.Name, "big-orders")
	require.NoError(t, err)

	up.send("1\tupsert\t1\topen\t500.0")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, transport.received, "deleted trigger must not deliver")

	_, err = engine.Get(sv.Name, "big-orders")
	assert.Error(t, err)
}

func TestListTriggersReturnsAllRegisteredForView(t *testing.T) {
	up := newFakeUpstream()
	transport := newFakeTransport(1)
	engine, sv := newTestEngine(t, up, transport)

	_, err := engine.Create(context.Background(), trigger.Spec{
		Name: "a", ViewName: sv.Name, WebhookURL: "http://example.invalid/a",
		Fire: mustJSON(t, `{"total": {"_gte": 100.0}}`),
	})
	require.NoError(t, err)
	_, err = engine.Create(context.Background(), trigger.Spec{
		Name: "b", ViewName: sv.Name, WebhookURL: "http://example.invalid/b",
		Fire: mustJSON(t, `{"total": {"_gte": 200.0}}`),
	})
	require.NoError(t, err)

	list := engine.List(sv.Name)
	assert.Len(t, list, 2)
}

func mustJSON(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}
