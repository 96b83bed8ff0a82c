package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/edgeberry/devicehub/core"
	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/hubmqtt"
	"github.com/edgeberry/devicehub/topics"
)

// DefaultMethodTimeout is how long a direct method call waits for the
// device before it times out.
const DefaultMethodTimeout = 30 * time.Second

// MethodResult is a device's answer to a direct method call or a
// cloud-to-device message.
type MethodResult struct {
	RequestID string          `json:"requestId"`
	Status    int             `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// methodRequest is the frame published on the device's request topic.
type methodRequest struct {
	RequestID  string          `json:"requestId"`
	MethodName string          `json:"methodName,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Correlator matches asynchronous device responses to pending calls by
// request id. One dispatcher consumes all response topics; callers park
// on a per-request channel until their response arrives or the timeout
// fires. Responses for requests nobody waits for are dropped.
type Correlator struct {
	conn    hubmqtt.Conn
	timeout time.Duration
	mutex   sync.Mutex
	pending map[string]chan MethodResult
	closed  bool
	log     *logrus.Entry
}

func newCorrelator(conn hubmqtt.Conn, timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultMethodTimeout
	}
	return &Correlator{
		conn:    conn,
		timeout: timeout,
		pending: map[string]chan MethodResult{},
		log:     logger.Default(),
	}
}

// Start subscribes the dispatcher to the method response and message
// acknowledgement topics.
func (c *Correlator) Start() error {
	if err := c.conn.Subscribe(topics.FilterMethodResponses, c.handleResponse); err != nil {
		return err
	}
	return c.conn.Subscribe(topics.FilterMessageAcks, c.handleResponse)
}

// Close fails every pending call with a timeout result. Later responses
// are dropped.
func (c *Correlator) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		select {
		case ch <- MethodResult{RequestID: id, Status: 504, Message: "shutting down"}:
		default:
		}
		delete(c.pending, id)
	}
}

func (c *Correlator) handleResponse(ctx context.Context, message hubmqtt.Message) {
	var result MethodResult
	if err := json.Unmarshal(message.Payload, &result); err != nil {
		logger.FromContext(ctx).Warnf("unparsable response on %s: %v", message.Topic, err)
		return
	}
	if result.RequestID == "" {
		return
	}
	c.mutex.Lock()
	ch, ok := c.pending[result.RequestID]
	if ok {
		delete(c.pending, result.RequestID)
	}
	c.mutex.Unlock()
	if !ok {
		// a late or batch-submitted response
		logger.FromContext(ctx).Debugf("dropping response for unknown request %s", result.RequestID)
		return
	}
	ch <- result
}

func (c *Correlator) register(requestID string) (chan MethodResult, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return nil, core.NewError(core.CodeInternalError, "gateway is shutting down")
	}
	ch := make(chan MethodResult, 1)
	c.pending[requestID] = ch
	return ch, nil
}

func (c *Correlator) unregister(requestID string) {
	c.mutex.Lock()
	delete(c.pending, requestID)
	c.mutex.Unlock()
}

// wait publishes the frame and parks until the correlated response, the
// timeout or context cancellation.
func (c *Correlator) wait(ctx context.Context, topic string, frame methodRequest) (MethodResult, error) {
	ch, err := c.register(frame.RequestID)
	if err != nil {
		return MethodResult{}, err
	}
	defer c.unregister(frame.RequestID)

	payload, _ := json.Marshal(frame)
	if err := c.conn.Publish(topic, payload); err != nil {
		return MethodResult{}, core.Errorf(core.CodeInternalError, "cannot publish request: %v", err)
	}

	select {
	case result := <-ch:
		return result, nil
	case <-time.After(c.timeout):
		return MethodResult{}, core.Errorf(core.CodeMethodTimeout,
			"device did not answer request %s within %v", frame.RequestID, c.timeout)
	case <-ctx.Done():
		return MethodResult{}, core.Errorf(core.CodeMethodTimeout, "request %s abandoned: %v", frame.RequestID, ctx.Err())
	}
}

// Call invokes a direct method on a device and waits for the response.
func (c *Correlator) Call(ctx context.Context, deviceUUID uuid.UUID, method string, payload json.RawMessage) (MethodResult, error) {
	frame := methodRequest{
		RequestID:  uuid.NewString(),
		MethodName: method,
		Payload:    payload,
	}
	return c.wait(ctx, topics.MethodRequest(deviceUUID.String(), method), frame)
}

// Send delivers a cloud-to-device message and waits for the device's
// acknowledgement.
func (c *Correlator) Send(ctx context.Context, deviceUUID uuid.UUID, payload json.RawMessage) (MethodResult, error) {
	frame := methodRequest{
		RequestID: uuid.NewString(),
		Payload:   payload,
	}
	return c.wait(ctx, topics.Devicebound(deviceUUID.String()), frame)
}

// Post publishes a cloud-to-device message without waiting and returns
// the message id.
func (c *Correlator) Post(ctx context.Context, deviceUUID uuid.UUID, payload json.RawMessage) (string, error) {
	frame := methodRequest{
		RequestID: uuid.NewString(),
		Payload:   payload,
	}
	body, _ := json.Marshal(frame)
	if err := c.conn.Publish(topics.Devicebound(deviceUUID.String()), body); err != nil {
		return "", core.Errorf(core.CodeInternalError, "cannot publish message: %v", err)
	}
	return frame.RequestID, nil
}

// Submit publishes a direct method request without waiting and returns
// the request id. Responses to submitted requests are dropped by the
// dispatcher.
func (c *Correlator) Submit(ctx context.Context, deviceUUID uuid.UUID, method string, payload json.RawMessage) (string, error) {
	frame := methodRequest{
		RequestID:  uuid.NewString(),
		MethodName: method,
		Payload:    payload,
	}
	body, _ := json.Marshal(frame)
	if err := c.conn.Publish(topics.MethodRequest(deviceUUID.String(), method), body); err != nil {
		return "", core.Errorf(core.CodeInternalError, "cannot publish request: %v", err)
	}
	return frame.RequestID, nil
}
