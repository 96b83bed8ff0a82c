// Copyright 2026 Edgeberry - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@edgeberry.io
//

package gateway

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/edgeberry/devicehub/core"
	"github.com/edgeberry/devicehub/core/access"
	"github.com/edgeberry/devicehub/core/logger"
)

const (
	writeTimeout  = 10 * time.Second
	pongTimeout   = 90 * time.Second
	pingInterval  = 30 * time.Second
	maxFrameSize  = 1 << 20
	sendQueueSize = 64
)

const wsFrameSchemaID = "https://edgeberry.io/schemas/ws-frame.json"

// Origin checks do not apply, access is token-based.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// clientFrame is anything a websocket client may send.
type clientFrame struct {
	Type       string          `json:"type"`
	Topics     []string        `json:"topics,omitempty"`
	Devices    []string        `json:"devices,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
	DeviceID   string          `json:"deviceId,omitempty"`
	MethodName string          `json:"methodName,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type pongFrame struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`
}

type subscribedFrame struct {
	Type    string   `json:"type"`
	Topics  []string `json:"topics"`
	Devices []string `json:"devices"`
}

type errorFrame struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId,omitempty"`
	Error     core.Code `json:"error"`
	Message   string    `json:"message"`
}

// methodResponseFrame answers callMethod and sendMessage frames.
type methodResponseFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	DeviceID  string          `json:"deviceId"`
	Status    int             `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     core.Code       `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// session is one websocket connection. The reader goroutine consumes
// client frames, the writer goroutine owns the outgoing side, and the
// hub delivers broker messages through the out channel.
type session struct {
	gw     *Gateway
	conn   *websocket.Conn
	secret string
	log    *logrus.Entry
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// subscription sets, nil until the first subscribe frame
	mutex   sync.RWMutex
	topics  map[string]struct{}
	devices map[string]struct{}
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.FromContext(ctx).Warnf("websocket upgrade failed: %v", err)
		return
	}

	// authentication happens after the upgrade so browser clients see
	// the close code instead of an opaque handshake failure
	secret := r.URL.Query().Get("token")
	if secret == "" {
		secret = access.BearerToken(r)
	}
	auth, err := g.authenticate(ctx, secret)
	if err != nil {
		code := websocket.ClosePolicyViolation
		reason := "invalid token"
		if core.IsCode(err, core.CodeDBUnavailable) {
			code = websocket.CloseInternalServerErr
			reason = "store unavailable"
		}
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		conn.Close()
		return
	}

	// the session outlives the request, so it gets its own context
	// carrying the request id forward
	sessionCtx, rlog := logger.ContextWithRequestID(context.Background(), logger.RequestIDFromContext(ctx))
	sessionCtx, cancel := context.WithCancel(sessionCtx)
	s := &session{
		gw:     g,
		conn:   conn,
		secret: secret,
		log:    rlog.WithField("session", auth.Name),
		out:    make(chan []byte, sendQueueSize),
		ctx:    sessionCtx,
		cancel: cancel,
	}
	g.hub.add(s)
	go s.writer()
	s.reader()
}

func (s *session) reader() {
	defer func() {
		s.gw.hub.remove(s)
		s.cancel()
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugf("connection closed: %v", err)
			}
			return
		}
		s.handleFrame(frame)
	}
}

func (s *session) writer() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case frame := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if !s.revalidate() {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// revalidate re-checks the session's token so revoked or expired
// tokens lose their connection. Infrastructure trouble does not kill
// clients.
func (s *session) revalidate() bool {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if _, err := s.gw.authenticate(ctx, s.secret); err != nil {
		switch core.CodeOf(err) {
		case core.CodeDBUnavailable, core.CodeInternalError:
			s.log.Warnf("cannot revalidate session: %v", err)
		default:
			s.log.Infof("closing session: %v", err)
			s.close(websocket.ClosePolicyViolation, "token no longer valid")
			return false
		}
	}
	return true
}

func (s *session) close(code int, reason string) {
	s.once.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		s.cancel()
		s.conn.Close()
	})
}

func (s *session) shutdown(reason string) {
	s.close(websocket.CloseNormalClosure, reason)
}

// deliver queues a frame for the writer. A client that cannot keep up
// loses its connection rather than blocking the hub.
func (s *session) deliver(frame []byte) {
	select {
	case s.out <- frame:
	default:
		s.log.Warn("client cannot keep up, dropping connection")
		s.close(websocket.ClosePolicyViolation, "client too slow")
	}
}

func (s *session) reply(v interface{}) {
	frame, err := json.Marshal(v)
	if err != nil {
		s.log.Errorf("cannot marshal frame: %v", err)
		return
	}
	s.deliver(frame)
}

func (s *session) handleFrame(raw []byte) {
	if err := s.gw.frames.ValidateBytes(raw, wsFrameSchemaID); err != nil {
		s.reply(errorFrame{Type: "error", Error: core.CodeBadRequest, Message: err.Error()})
		return
	}
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.reply(errorFrame{Type: "error", Error: core.CodeBadRequest, Message: err.Error()})
		return
	}
	switch frame.Type {
	case "ping":
		s.reply(pongFrame{Type: "pong", TS: time.Now().UTC()})
	case "subscribe":
		s.subscribe(s.ctx, frame.Topics, frame.Devices)
		s.replySubscriptions()
	case "unsubscribe":
		s.unsubscribe(s.ctx, frame.Topics, frame.Devices)
		s.replySubscriptions()
	case "callMethod":
		go s.callMethod(s.ctx, frame)
	case "sendMessage":
		go s.sendMessage(s.ctx, frame)
	default:
		s.reply(errorFrame{Type: "error", Error: core.CodeBadRequest,
			Message: "unknown frame type " + strconv.Quote(frame.Type)})
	}
}

// subscribe extends the session's interest. An omitted list means
// everything, so {"type":"subscribe","devices":["kitchen"]} follows all
// topics of one device. Device entries resolve to UUIDs; unknown
// entries are kept as given and match by name once the device exists.
func (s *session) subscribe(ctx context.Context, topicTypes, devices []string) {
	if len(topicTypes) == 0 {
		topicTypes = []string{"*"}
	}
	if len(devices) == 0 {
		devices = []string{"*"}
	}
	resolved := s.resolveEntries(ctx, devices)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.topics == nil {
		s.topics = map[string]struct{}{}
		s.devices = map[string]struct{}{}
	}
	for _, t := range topicTypes {
		s.topics[t] = struct{}{}
	}
	for _, d := range resolved {
		s.devices[d] = struct{}{}
	}
}

// unsubscribe removes the listed entries; with no lists at all it
// clears the whole subscription.
func (s *session) unsubscribe(ctx context.Context, topicTypes, devices []string) {
	var resolved []string
	if len(devices) > 0 {
		resolved = s.resolveEntries(ctx, devices)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if len(topicTypes) == 0 && len(devices) == 0 {
		s.topics = map[string]struct{}{}
		s.devices = map[string]struct{}{}
		return
	}
	for _, t := range topicTypes {
		delete(s.topics, t)
	}
	for i, d := range resolved {
		delete(s.devices, d)
		delete(s.devices, devices[i])
	}
}

func (s *session) resolveEntries(ctx context.Context, entries []string) []string {
	resolved := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry == "*" {
			resolved = append(resolved, entry)
			continue
		}
		// UUID entries are canonicalized, names are resolved
		if id, err := uuid.Parse(entry); err == nil {
			resolved = append(resolved, id.String())
			continue
		}
		device, err := s.gw.store.DeviceByIdentifier(ctx, entry)
		if err != nil {
			resolved = append(resolved, entry)
			continue
		}
		resolved = append(resolved, device.DeviceID.String())
	}
	return resolved
}

func (s *session) replySubscriptions() {
	s.mutex.RLock()
	topicTypes := setToSorted(s.topics)
	devices := setToSorted(s.devices)
	s.mutex.RUnlock()
	s.reply(subscribedFrame{Type: "subscribed", Topics: topicTypes, Devices: devices})
}

func setToSorted(set map[string]struct{}) []string {
	values := make([]string, 0, len(set))
	for value := range set {
		values = append(values, value)
	}
	sort.Strings(values)
	return values
}

// matches decides whether a broker message reaches this session. Both
// the topic type and the device must be subscribed, by entry or by
// wildcard. A session without subscriptions receives nothing.
func (s *session) matches(topicType, id, name string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if !matchSet(s.topics, topicType) {
		return false
	}
	if matchSet(s.devices, id) {
		return true
	}
	return name != "" && matchSet(s.devices, name)
}

func matchSet(set map[string]struct{}, value string) bool {
	if _, ok := set["*"]; ok {
		return true
	}
	_, ok := set[value]
	return ok
}

func (s *session) callMethod(ctx context.Context, frame clientFrame) {
	requestID := frame.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if frame.DeviceID == "" || frame.MethodName == "" {
		s.reply(errorFrame{Type: "error", RequestID: requestID,
			Error: core.CodeBadRequest, Message: "deviceId and methodName are required"})
		return
	}
	device, err := s.gw.store.DeviceByIdentifier(ctx, frame.DeviceID)
	if err != nil {
		s.replyCallError("methodResponse", requestID, frame.DeviceID, err)
		return
	}
	result, err := s.gw.methods.Call(ctx, device.DeviceID, frame.MethodName, frame.Payload)
	if err != nil {
		s.replyCallError("methodResponse", requestID, frame.DeviceID, err)
		return
	}
	s.replyCallResult("methodResponse", requestID, frame.DeviceID, result)
}

func (s *session) sendMessage(ctx context.Context, frame clientFrame) {
	requestID := frame.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if frame.DeviceID == "" {
		s.reply(errorFrame{Type: "error", RequestID: requestID,
			Error: core.CodeBadRequest, Message: "deviceId is required"})
		return
	}
	device, err := s.gw.store.DeviceByIdentifier(ctx, frame.DeviceID)
	if err != nil {
		s.replyCallError("sendMessageResponse", requestID, frame.DeviceID, err)
		return
	}
	result, err := s.gw.methods.Send(ctx, device.DeviceID, frame.Payload)
	if err != nil {
		s.replyCallError("sendMessageResponse", requestID, frame.DeviceID, err)
		return
	}
	s.replyCallResult("sendMessageResponse", requestID, frame.DeviceID, result)
}

func (s *session) replyCallResult(frameType, requestID, deviceID string, result MethodResult) {
	status := result.Status
	if status == 0 {
		status = http.StatusOK
	}
	s.reply(methodResponseFrame{
		Type:      frameType,
		RequestID: requestID,
		DeviceID:  deviceID,
		Status:    status,
		Payload:   result.Payload,
		Message:   result.Message,
	})
}

func (s *session) replyCallError(frameType, requestID, deviceID string, err error) {
	s.reply(methodResponseFrame{
		Type:      frameType,
		RequestID: requestID,
		DeviceID:  deviceID,
		Status:    httpStatus(err),
		Error:     core.CodeOf(err),
		Message:   core.MessageOf(err),
	})
}
