package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/edgeberry/devicehub/core"
	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/hubmqtt"
	"github.com/edgeberry/devicehub/store"
	"github.com/edgeberry/devicehub/topics"
)

// messageFrame is the fan-out frame sent to websocket clients. The
// topic is the part after the device id, e.g. "telemetry" or
// "events/boot", and deviceId carries the device name when the hub
// knows one.
type messageFrame struct {
	Type     string          `json:"type"`
	Topic    string          `json:"topic"`
	DeviceID string          `json:"deviceId"`
	Data     json.RawMessage `json:"data"`
}

// presence is a device's connection state as derived from its retained
// status topic.
type presence struct {
	Online bool
	Since  time.Time
}

// hub consumes the device topics once and fans messages out to the
// websocket sessions. It also keeps the live connection state of every
// device from the retained status topic.
type hub struct {
	store *store.Store
	conn  hubmqtt.Conn
	log   *logrus.Entry

	mutex    sync.RWMutex
	sessions map[*session]struct{}
	online   map[string]presence
}

func newHub(s *store.Store, conn hubmqtt.Conn) *hub {
	return &hub{
		store:    s,
		conn:     conn,
		log:      logger.Default(),
		sessions: map[*session]struct{}{},
		online:   map[string]presence{},
	}
}

// Start subscribes to the device topics websocket clients can follow.
func (h *hub) Start() error {
	subscriptions := []struct {
		filter  string
		handler hubmqtt.Handler
	}{
		{topics.FilterStatus, h.handleStatus},
		{topics.FilterTelemetry, h.handleMessage},
		{topics.FilterTwinReported, h.handleMessage},
		{topics.FilterEvents, h.handleMessage},
	}
	for _, s := range subscriptions {
		if err := h.conn.Subscribe(s.filter, s.handler); err != nil {
			return err
		}
	}
	return nil
}

func (h *hub) add(s *session) {
	h.mutex.Lock()
	h.sessions[s] = struct{}{}
	h.mutex.Unlock()
}

func (h *hub) remove(s *session) {
	h.mutex.Lock()
	delete(h.sessions, s)
	h.mutex.Unlock()
}

// snapshot returns the current sessions without holding the lock during
// delivery.
func (h *hub) snapshot() []*session {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if len(h.sessions) == 0 {
		return nil
	}
	targets := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		targets = append(targets, s)
	}
	return targets
}

// closeAll disconnects every websocket session for shutdown.
func (h *hub) closeAll() {
	for _, s := range h.snapshot() {
		s.shutdown("server shutting down")
	}
}

func (h *hub) setPresence(id string, online bool, since time.Time) {
	if since.IsZero() {
		since = time.Now().UTC()
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	current, ok := h.online[id]
	if ok && current.Online == online {
		// repeated announcements keep the original transition time
		return
	}
	h.online[id] = presence{Online: online, Since: since}
}

// presenceOf returns a device's connection state. Devices that never
// announced a status are unknown and count as offline.
func (h *hub) presenceOf(id string) (presence, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	state, ok := h.online[id]
	return state, ok
}

func (h *hub) onlineCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	count := 0
	for _, state := range h.online {
		if state.Online {
			count++
		}
	}
	return count
}

type statusFrame struct {
	Status string    `json:"status"`
	TS     time.Time `json:"ts"`
}

// handleStatus tracks the online map. Retained statuses replayed on
// (re)connect seed the map but are not fanned out again.
func (h *hub) handleStatus(ctx context.Context, message hubmqtt.Message) {
	id, rest, ok := topics.Device(message.Topic)
	if !ok {
		return
	}
	var status statusFrame
	if err := json.Unmarshal(message.Payload, &status); err == nil {
		switch status.Status {
		case "online", "offline":
			h.setPresence(id, status.Status == "online", status.TS)
		}
	}
	if message.Retained {
		return
	}
	h.fanOut(ctx, id, rest, message.Payload)
}

func (h *hub) handleMessage(ctx context.Context, message hubmqtt.Message) {
	id, rest, ok := topics.Device(message.Topic)
	if !ok {
		return
	}
	h.fanOut(ctx, id, rest, message.Payload)
}

// fanOut delivers one broker message to every session whose
// subscription matches. The device name is looked up per message, but
// only while somebody is listening.
func (h *hub) fanOut(ctx context.Context, id, rest string, payload []byte) {
	targets := h.snapshot()
	if len(targets) == 0 {
		return
	}
	h.dispatch(targets, id, h.resolveName(ctx, id), rest, payload)
}

func (h *hub) dispatch(targets []*session, id, name, rest string, payload []byte) {
	display := name
	if display == "" {
		display = id
	}
	frame, _ := json.Marshal(messageFrame{
		Type:     "message",
		Topic:    rest,
		DeviceID: display,
		Data:     store.NormalizeEventPayload(payload),
	})
	topicType := topicTypeOf(rest)
	for _, s := range targets {
		if s.matches(topicType, id, name) {
			s.deliver(frame)
		}
	}
}

func (h *hub) resolveName(ctx context.Context, id string) string {
	deviceUUID, err := uuid.Parse(id)
	if err != nil {
		return ""
	}
	name, err := h.store.ResolveName(ctx, deviceUUID)
	if err != nil {
		if !core.IsCode(err, core.CodeNotFound) {
			logger.FromContext(ctx).Warnf("cannot resolve device %s: %v", id, err)
		}
		return ""
	}
	return name
}

// topicTypeOf reduces a topic remainder to the coarse type clients
// subscribe to: telemetry, status, events or twin.
func topicTypeOf(rest string) string {
	if i := strings.IndexByte(rest, '/'); i > 0 {
		return rest[:i]
	}
	return rest
}
