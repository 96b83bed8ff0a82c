package translator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeberry/devicehub/bus"
	"github.com/edgeberry/devicehub/core"
	"github.com/edgeberry/devicehub/hubmqtt"
	"github.com/edgeberry/devicehub/topics"
)

const testDeviceID = "9205255a-af7e-4fbd-b18c-ae5fc29dde6c"

type fakeConn struct {
	mutex    sync.Mutex
	filters  []string
	messages []hubmqtt.Message
}

func (f *fakeConn) Publish(topic string, payload []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.messages = append(f.messages, hubmqtt.Message{Topic: topic, Payload: payload})
	return nil
}

func (f *fakeConn) Subscribe(filter string, handler hubmqtt.Handler) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.filters = append(f.filters, filter)
	return nil
}

func (f *fakeConn) Connected() bool { return true }

func (f *fakeConn) published() []hubmqtt.Message {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]hubmqtt.Message{}, f.messages...)
}

// fakeResolver serves resolve_name on an in-process bus from a plain map.
type fakeResolver struct {
	mutex sync.Mutex
	names map[string]string
	fail  error
	calls int
}

func (f *fakeResolver) resolve(ctx context.Context, request []byte) (interface{}, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	var query bus.ResolveRequest
	if err := json.Unmarshal(request, &query); err != nil {
		return nil, core.Errorf(core.CodeBadRequest, "bad request: %v", err)
	}
	name, ok := f.names[query.UUID.String()]
	if !ok {
		return nil, core.Errorf(core.CodeNotFound, "no device %s", query.UUID)
	}
	return bus.ResolveResponse{Name: name}, nil
}

func (f *fakeResolver) set(id, name string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.names[id] = name
}

func (f *fakeResolver) remove(id string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	delete(f.names, id)
}

func (f *fakeResolver) failWith(err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.fail = err
}

func (f *fakeResolver) callCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls
}

func newTestService(t *testing.T, conn *fakeConn, names map[string]string) (*Service, *fakeResolver) {
	t.Helper()
	resolver := &fakeResolver{names: names}
	b := bus.New(&bus.Builder{Dir: t.TempDir()})
	b.NewServer(bus.ServiceProvisioning).Operation("resolve_name", resolver.resolve)
	return New(&Builder{MQTT: conn, Bus: b}), resolver
}

func TestStartSubscribesRawEvents(t *testing.T) {
	conn := &fakeConn{}
	s, _ := newTestService(t, conn, map[string]string{})
	require.NoError(t, s.Start())
	s.Stop()

	assert.Equal(t, []string{topics.FilterRawEvents}, conn.filters)
}

func TestRepublishPreservesPayloadAndRemainder(t *testing.T) {
	conn := &fakeConn{}
	s, _ := newTestService(t, conn, map[string]string{testDeviceID: "kitchen"})

	s.handleRawEvent(context.Background(), hubmqtt.Message{
		Topic:   "devices/" + testDeviceID + "/messages/events/temperature",
		Payload: []byte(`{"t":21.5}`),
	})
	s.handleRawEvent(context.Background(), hubmqtt.Message{
		Topic:   "devices/" + testDeviceID + "/messages/events",
		Payload: []byte("plain text"),
	})
	s.Stop()

	published := conn.published()
	require.Len(t, published, 2)
	assert.Equal(t, "$devicehub/devicedata/kitchen/messages/events/temperature", published[0].Topic)
	assert.Equal(t, []byte(`{"t":21.5}`), published[0].Payload)
	assert.Equal(t, "$devicehub/devicedata/kitchen/messages/events", published[1].Topic)
	assert.Equal(t, []byte("plain text"), published[1].Payload)
}

func TestLookupCachesResolution(t *testing.T) {
	conn := &fakeConn{}
	s, resolver := newTestService(t, conn, map[string]string{testDeviceID: "kitchen"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.translate(ctx, testDeviceID, "/level", []byte(`{"n":1}`))
	}

	assert.Len(t, conn.published(), 3)
	assert.Equal(t, 1, resolver.callCount())
}

func TestUnresolvableMessagesAreDropped(t *testing.T) {
	conn := &fakeConn{}
	s, resolver := newTestService(t, conn, map[string]string{})
	ctx := context.Background()

	s.translate(ctx, testDeviceID, "/level", []byte(`{}`))
	s.translate(ctx, "not-a-uuid", "/level", []byte(`{}`))

	assert.Empty(t, conn.published())
	// the invalid id never reaches the resolver
	assert.Equal(t, 1, resolver.callCount())
}

func TestForeignTopicsAreIgnored(t *testing.T) {
	conn := &fakeConn{}
	s, resolver := newTestService(t, conn, map[string]string{testDeviceID: "kitchen"})
	ctx := context.Background()

	s.handleRawEvent(ctx, hubmqtt.Message{Topic: topics.Telemetry(testDeviceID)})
	s.handleRawEvent(ctx, hubmqtt.Message{Topic: "devices/" + testDeviceID + "/twin/reported"})
	s.Stop()

	assert.Empty(t, conn.published())
	assert.Zero(t, resolver.callCount())
}

func TestReconcileAppliesRename(t *testing.T) {
	conn := &fakeConn{}
	s, resolver := newTestService(t, conn, map[string]string{testDeviceID: "kitchen"})
	ctx := context.Background()

	s.translate(ctx, testDeviceID, "", []byte(`{}`))
	resolver.set(testDeviceID, "pump-A")
	s.reconcile()
	s.translate(ctx, testDeviceID, "", []byte(`{}`))

	published := conn.published()
	require.Len(t, published, 2)
	assert.Equal(t, "$devicehub/devicedata/kitchen/messages/events", published[0].Topic)
	assert.Equal(t, "$devicehub/devicedata/pump-A/messages/events", published[1].Topic)
}

func TestReconcileDropsGoneDevice(t *testing.T) {
	conn := &fakeConn{}
	s, resolver := newTestService(t, conn, map[string]string{testDeviceID: "kitchen"})
	ctx := context.Background()

	s.translate(ctx, testDeviceID, "", []byte(`{}`))
	resolver.remove(testDeviceID)
	s.reconcile()
	s.translate(ctx, testDeviceID, "", []byte(`{}`))

	assert.Len(t, conn.published(), 1)
	_, ok := s.cache.Get(testDeviceID)
	assert.False(t, ok)
}

func TestReconcileKeepsEntryOnBusFailure(t *testing.T) {
	conn := &fakeConn{}
	s, resolver := newTestService(t, conn, map[string]string{testDeviceID: "kitchen"})
	ctx := context.Background()

	s.translate(ctx, testDeviceID, "", []byte(`{}`))
	resolver.failWith(core.NewError(core.CodeDBUnavailable, "store is down"))
	s.reconcile()

	name, ok := s.cache.Get(testDeviceID)
	require.True(t, ok)
	assert.Equal(t, "kitchen", name)

	// the cached name still serves messages while the bus is down
	s.translate(ctx, testDeviceID, "", []byte(`{}`))
	assert.Len(t, conn.published(), 2)
}

func TestCacheTTLBounds(t *testing.T) {
	cases := []struct {
		configured time.Duration
		effective  time.Duration
	}{
		{0, DefaultCacheTTL},
		{10 * time.Second, 30 * time.Second},
		{2 * time.Minute, 2 * time.Minute},
		{time.Hour, 5 * time.Minute},
	}
	for _, c := range cases {
		s := New(&Builder{
			MQTT:     &fakeConn{},
			Bus:      bus.New(&bus.Builder{Dir: t.TempDir()}),
			CacheTTL: c.configured,
		})
		assert.Equal(t, c.effective, s.ttl, c.configured.String())
	}
}
