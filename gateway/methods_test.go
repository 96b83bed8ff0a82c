package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestCorrelatorSubscribesResponseTopics(t *testing.T) {
	conn := &fakeConn{}
	c := newCorrelator(conn, 0)
	require.NoError(t, c.Start())

	assert.Equal(t, DefaultMethodTimeout, c.timeout)
	assert.ElementsMatch(t, []string{
		topics.FilterMethodResponses,
		topics.FilterMessageAcks,
	}, conn.filters)
}

func TestCallResolvesOnResponse(t *testing.T) {
	conn := &fakeConn{}
	c := newCorrelator(conn, time.Second)
	deviceUUID := uuid.MustParse(testDeviceID)

	results := make(chan MethodResult, 1)
	errs := make(chan error, 1)
	go func() {
		result, err := c.Call(context.Background(), deviceUUID, "reboot", json.RawMessage(`{"force":true}`))
		if err != nil {
			errs <- err
			return
		}
		results <- result
	}()

	require.Eventually(t, func() bool { return len(conn.published()) == 1 },
		time.Second, 5*time.Millisecond)
	published := conn.published()[0]
	assert.Equal(t, topics.MethodRequest(testDeviceID, "reboot"), published.Topic)

	var request methodRequest
	require.NoError(t, json.Unmarshal(published.Payload, &request))
	assert.Equal(t, "reboot", request.MethodName)
	require.NotEmpty(t, request.RequestID)

	response, _ := json.Marshal(MethodResult{
		RequestID: request.RequestID,
		Status:    200,
		Payload:   json.RawMessage(`{"rebooting":true}`),
	})
	c.handleResponse(context.Background(), hubmqtt.Message{
		Topic:   topics.MethodResponse(testDeviceID, "reboot"),
		Payload: response,
	})

	select {
	case result := <-results:
		assert.Equal(t, 200, result.Status)
		assert.JSONEq(t, `{"rebooting":true}`, string(result.Payload))
	case err := <-errs:
		t.Fatalf("call failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("call did not resolve")
	}
	assert.Empty(t, c.pending)
}

func TestCallTimesOut(t *testing.T) {
	conn := &fakeConn{}
	c := newCorrelator(conn, 20*time.Millisecond)

	_, err := c.Call(context.Background(), uuid.MustParse(testDeviceID), "reboot", nil)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeMethodTimeout))
	assert.Empty(t, c.pending)
}

func TestCallStopsOnContextCancel(t *testing.T) {
	conn := &fakeConn{}
	c := newCorrelator(conn, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, uuid.MustParse(testDeviceID), "reboot", nil)
		errs <- err
	}()

	require.Eventually(t, func() bool { return len(conn.published()) == 1 },
		time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		assert.True(t, core.IsCode(err, core.CodeMethodTimeout))
	case <-time.After(time.Second):
		t.Fatal("call did not abort")
	}
}

func TestLateResponseIsDropped(t *testing.T) {
	conn := &fakeConn{}
	c := newCorrelator(conn, time.Second)

	response, _ := json.Marshal(MethodResult{RequestID: "nobody-waits", Status: 200})
	c.handleResponse(context.Background(), hubmqtt.Message{
		Topic:   topics.MethodResponse(testDeviceID, "reboot"),
		Payload: response,
	})
	assert.Empty(t, c.pending)
}

func TestSubmitDoesNotWait(t *testing.T) {
	conn := &fakeConn{}
	c := newCorrelator(conn, time.Second)

	requestID, err := c.Submit(context.Background(), uuid.MustParse(testDeviceID), "identify", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, requestID)
	assert.Empty(t, c.pending)

	published := conn.published()
	require.Len(t, published, 1)
	assert.Equal(t, topics.MethodRequest(testDeviceID, "identify"), published[0].Topic)
}

func TestPostPublishesDevicebound(t *testing.T) {
	conn := &fakeConn{}
	c := newCorrelator(conn, time.Second)

	messageID, err := c.Post(context.Background(), uuid.MustParse(testDeviceID), json.RawMessage(`{"hello":"device"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, messageID)

	published := conn.published()
	require.Len(t, published, 1)
	assert.Equal(t, topics.Devicebound(testDeviceID), published[0].Topic)

	var frame methodRequest
	require.NoError(t, json.Unmarshal(published[0].Payload, &frame))
	assert.Equal(t, messageID, frame.RequestID)
	assert.Empty(t, frame.MethodName)
}

func TestCloseFailsPendingCalls(t *testing.T) {
	conn := &fakeConn{}
	c := newCorrelator(conn, time.Minute)

	results := make(chan MethodResult, 1)
	go func() {
		result, err := c.Call(context.Background(), uuid.MustParse(testDeviceID), "reboot", nil)
		if err == nil {
			results <- result
		}
	}()

	require.Eventually(t, func() bool { return len(conn.published()) == 1 },
		time.Second, 5*time.Millisecond)
	c.Close()

	select {
	case result := <-results:
		assert.Equal(t, 504, result.Status)
	case <-time.After(time.Second):
		t.Fatal("pending call did not fail")
	}

	_, err := c.Call(context.Background(), uuid.MustParse(testDeviceID), "reboot", nil)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeInternalError))
}
