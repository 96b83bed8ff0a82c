// Copyright 2026 Edgeberry - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@edgeberry.io
//

/*
Package twin implements the device twin engine.

Every device owns a pair of JSON documents: desired state written by
applications and reported state written by the device. The engine
mediates updates over MQTT, keeps both documents versioned in the store
and tells devices about the difference between the two. It also records
device status, telemetry and lifecycle events, and exposes the twin
operations on the bus for the application gateway.
*/
package twin

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/edgeberry/devicehub/bus"
	"github.com/edgeberry/devicehub/core"
	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/core/workers"
	"github.com/edgeberry/devicehub/hubmqtt"
	"github.com/edgeberry/devicehub/store"
	"github.com/edgeberry/devicehub/topics"
)

// Builder contains the configuration for the twin engine.
type Builder struct {
	// Store is the identity store. This is mandatory.
	Store *store.Store
	// MQTT is the broker connection. This is mandatory.
	MQTT hubmqtt.Conn
	// Bus carries the twin interface for the gateway. Optional.
	Bus *bus.Bus
	// WorkerCount is the size of the update worker pool, default 8.
	WorkerCount int
}

// Engine is the twin engine.
type Engine struct {
	store *store.Store
	conn  hubmqtt.Conn
	pool  *workers.Pool
	log   *logrus.Entry
}

// New creates the twin engine and registers its bus interface.
func New(b *Builder) *Engine {
	if b.Store == nil {
		panic("store is missing")
	}
	if b.MQTT == nil {
		panic("MQTT connection is missing")
	}
	count := b.WorkerCount
	if count <= 0 {
		count = 8
	}
	e := &Engine{
		store: b.Store,
		conn:  b.MQTT,
		pool:  workers.New(count, 64),
		log:   logger.Default(),
	}
	if b.Bus != nil {
		e.registerBusInterface(b.Bus)
	}
	return e
}

// Start subscribes to the device topics.
func (e *Engine) Start() error {
	subscriptions := []struct {
		filter  string
		handler hubmqtt.Handler
	}{
		{topics.FilterTwinGet, e.handleGet},
		{topics.FilterTwinUpdate, e.handleUpdate},
		{topics.FilterTwinReported, e.handleReported},
		{topics.FilterStatus, e.handleStatus},
		{topics.FilterTelemetry, e.handleDeviceEvent},
		{topics.FilterEvents, e.handleDeviceEvent},
	}
	for _, s := range subscriptions {
		if err := e.conn.Subscribe(s.filter, s.handler); err != nil {
			return err
		}
	}
	return nil
}

// Stop drains the worker pool.
func (e *Engine) Stop() {
	e.pool.Shutdown()
}

// patchSet distinguishes an absent twin section from a present empty
// one: a present section always advances the version.
type patchSet struct {
	desired     map[string]interface{}
	hasDesired  bool
	reported    map[string]interface{}
	hasReported bool
}

// apply merges the patches and returns the full twin pair afterwards,
// plus the new version of every touched section.
func (e *Engine) apply(ctx context.Context, deviceUUID uuid.UUID, patches patchSet) (desired, reported store.TwinSection, updated map[string]int64, err error) {
	desired, reported, err = e.store.GetTwin(ctx, deviceUUID)
	if err != nil {
		return
	}
	updated = map[string]int64{}
	if patches.hasDesired {
		desired, err = e.store.SetDesired(ctx, deviceUUID, patches.desired)
		if err != nil {
			return
		}
		updated["desired"] = desired.Version
	}
	if patches.hasReported {
		reported, err = e.store.SetReported(ctx, deviceUUID, patches.reported)
		if err != nil {
			return
		}
		updated["reported"] = reported.Version
	}
	return
}

type twinState struct {
	DeviceID string                 `json:"deviceId"`
	Desired  map[string]interface{} `json:"desired"`
	Reported map[string]interface{} `json:"reported"`
	Updated  map[string]int64       `json:"updated,omitempty"`
}

type twinDelta struct {
	DeviceID        string                 `json:"deviceId"`
	Delta           map[string]interface{} `json:"delta"`
	DesiredVersion  int64                  `json:"desiredVersion"`
	ReportedVersion int64                  `json:"reportedVersion"`
}

// publishState sends the accepted frame. Deltas are a write-side
// signal: a get answers with the state alone, and a device that wants
// the difference applied gets it on the next update or reported merge.
func (e *Engine) publishState(ctx context.Context, id string, desired, reported store.TwinSection, updated map[string]int64) {
	accepted, _ := json.Marshal(twinState{
		DeviceID: id,
		Desired:  desired.Doc,
		Reported: reported.Doc,
		Updated:  updated,
	})
	if err := e.conn.Publish(topics.TwinAccepted(id), accepted); err != nil {
		logger.FromContext(ctx).Errorf("cannot publish twin state for %s: %v", id, err)
	}
}

// publishDelta sends the delta frame when desired and reported disagree.
func (e *Engine) publishDelta(ctx context.Context, id string, desired, reported store.TwinSection) {
	delta := Delta(desired.Doc, reported.Doc)
	if len(delta) == 0 {
		return
	}
	payload, _ := json.Marshal(twinDelta{
		DeviceID:        id,
		Delta:           delta,
		DesiredVersion:  desired.Version,
		ReportedVersion: reported.Version,
	})
	if err := e.conn.Publish(topics.TwinDelta(id), payload); err != nil {
		logger.FromContext(ctx).Errorf("cannot publish twin delta for %s: %v", id, err)
	}
}

func (e *Engine) publishRejected(ctx context.Context, id string, err error) {
	payload, _ := json.Marshal(map[string]string{
		"error":   string(core.CodeOf(err)),
		"message": core.MessageOf(err),
	})
	if publishErr := e.conn.Publish(topics.TwinRejected(id), payload); publishErr != nil {
		logger.FromContext(ctx).Errorf("cannot publish twin rejection for %s: %v", id, publishErr)
	}
}

func (e *Engine) handleGet(ctx context.Context, message hubmqtt.Message) {
	id, _, ok := topics.Device(message.Topic)
	if !ok {
		return
	}
	e.pool.Submit(ctx, id, func(ctx context.Context) {
		deviceUUID, err := uuid.Parse(id)
		if err != nil {
			e.publishRejected(ctx, id, core.Errorf(core.CodeBadRequest, "invalid device id %q", id))
			return
		}
		desired, reported, err := e.store.GetTwin(ctx, deviceUUID)
		if err != nil {
			e.publishRejected(ctx, id, err)
			return
		}
		e.publishState(ctx, id, desired, reported, nil)
	})
}

// objectSection enforces that a twin section is a JSON object. JSON null
// is present but not an object and therefore rejected too.
func objectSection(raw json.RawMessage, name string) (map[string]interface{}, error) {
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, core.Errorf(core.CodeBadRequest, "%s section does not parse: %v", name, err)
	}
	doc, ok := value.(map[string]interface{})
	if !ok {
		return nil, core.Errorf(core.CodeBadRequest, "%s section must be a JSON object", name)
	}
	return doc, nil
}

func parseUpdatePayload(payload []byte) (patchSet, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(payload, &outer); err != nil {
		return patchSet{}, core.Errorf(core.CodeBadRequest, "twin update does not parse: %v", err)
	}
	var patches patchSet
	var err error
	if raw, ok := outer["desired"]; ok {
		if patches.desired, err = objectSection(raw, "desired"); err != nil {
			return patchSet{}, err
		}
		patches.hasDesired = true
	}
	if raw, ok := outer["reported"]; ok {
		if patches.reported, err = objectSection(raw, "reported"); err != nil {
			return patchSet{}, err
		}
		patches.hasReported = true
	}
	return patches, nil
}

func (e *Engine) handleUpdate(ctx context.Context, message hubmqtt.Message) {
	id, _, ok := topics.Device(message.Topic)
	if !ok {
		return
	}
	payload := message.Payload
	e.pool.Submit(ctx, id, func(ctx context.Context) {
		deviceUUID, err := uuid.Parse(id)
		if err != nil {
			e.publishRejected(ctx, id, core.Errorf(core.CodeBadRequest, "invalid device id %q", id))
			return
		}
		patches, err := parseUpdatePayload(payload)
		if err != nil {
			e.publishRejected(ctx, id, err)
			return
		}
		desired, reported, updated, err := e.apply(ctx, deviceUUID, patches)
		if err != nil {
			e.publishRejected(ctx, id, err)
			return
		}
		if !patches.hasDesired && !patches.hasReported {
			// a no-op update answers with the current state and
			// nothing else
			accepted, _ := json.Marshal(twinState{DeviceID: id, Desired: desired.Doc, Reported: reported.Doc})
			if err := e.conn.Publish(topics.TwinAccepted(id), accepted); err != nil {
				logger.FromContext(ctx).Errorf("cannot publish twin state for %s: %v", id, err)
			}
			return
		}
		if patches.hasReported {
			if err := e.store.TouchDeviceSeen(ctx, deviceUUID, time.Now().UTC()); err != nil {
				logger.FromContext(ctx).Warnf("cannot stamp last seen for %s: %v", id, err)
			}
		}
		e.publishState(ctx, id, desired, reported, updated)
		e.publishDelta(ctx, id, desired, reported)
	})
}

// handleReported takes the shorthand where a device publishes its
// reported document directly. There is no accepted reply, but a delta is
// still sent when desired state is waiting.
func (e *Engine) handleReported(ctx context.Context, message hubmqtt.Message) {
	id, _, ok := topics.Device(message.Topic)
	if !ok {
		return
	}
	payload := message.Payload
	e.pool.Submit(ctx, id, func(ctx context.Context) {
		rlog := logger.FromContext(ctx)
		deviceUUID, err := uuid.Parse(id)
		if err != nil {
			rlog.Warnf("reported state from invalid device id %q", id)
			return
		}
		doc, err := objectSection(payload, "reported")
		if err != nil {
			rlog.Warnf("reported state from %s dropped: %v", id, err)
			return
		}
		reported, err := e.store.SetReported(ctx, deviceUUID, doc)
		if err != nil {
			rlog.Errorf("cannot store reported state for %s: %v", id, err)
			return
		}
		if err := e.store.TouchDeviceSeen(ctx, deviceUUID, time.Now().UTC()); err != nil {
			rlog.Warnf("cannot stamp last seen for %s: %v", id, err)
		}
		desired, _, err := e.store.GetTwin(ctx, deviceUUID)
		if err != nil {
			rlog.Errorf("cannot load twin for %s: %v", id, err)
			return
		}
		e.publishDelta(ctx, id, desired, reported)
	})
}

type statusPayload struct {
	Status string    `json:"status"`
	TS     time.Time `json:"ts"`
}

func (e *Engine) handleStatus(ctx context.Context, message hubmqtt.Message) {
	id, rest, ok := topics.Device(message.Topic)
	if !ok {
		return
	}
	payload := message.Payload
	retained := message.Retained
	e.pool.Submit(ctx, id, func(ctx context.Context) {
		rlog := logger.FromContext(ctx)
		deviceUUID, err := uuid.Parse(id)
		if err != nil {
			return
		}
		var status statusPayload
		if err := json.Unmarshal(payload, &status); err != nil {
			rlog.Warnf("status from %s does not parse: %v", id, err)
			return
		}
		if status.Status != "online" && status.Status != "offline" {
			rlog.Warnf("status from %s has unknown state %q", id, status.Status)
			return
		}
		if err := e.recordStatus(ctx, deviceUUID, status.Status); err != nil {
			rlog.Errorf("cannot record status for %s: %v", id, err)
			return
		}
		if retained {
			// a replayed retained status refreshes the current state
			// but is not a new transition
			return
		}
		if err := e.store.InsertEvent(ctx, deviceUUID, rest, payload); err != nil {
			rlog.Errorf("cannot record status event for %s: %v", id, err)
		}
	})
}

func (e *Engine) recordStatus(ctx context.Context, deviceUUID uuid.UUID, status string) error {
	return e.store.SetDeviceStatus(ctx, deviceUUID, status, time.Now())
}

// handleDeviceEvent records telemetry and lifecycle events and counts
// them as device activity.
func (e *Engine) handleDeviceEvent(ctx context.Context, message hubmqtt.Message) {
	id, rest, ok := topics.Device(message.Topic)
	if !ok {
		return
	}
	payload := message.Payload
	e.pool.Submit(ctx, id, func(ctx context.Context) {
		rlog := logger.FromContext(ctx)
		deviceUUID, err := uuid.Parse(id)
		if err != nil {
			return
		}
		if err := e.store.InsertEvent(ctx, deviceUUID, rest, payload); err != nil {
			rlog.Errorf("cannot record %s from %s: %v", rest, id, err)
			return
		}
		if err := e.store.TouchDeviceSeen(ctx, deviceUUID, time.Now()); err != nil {
			rlog.Errorf("cannot update last seen for %s: %v", id, err)
		}
	})
}

func (e *Engine) registerBusInterface(hubBus *bus.Bus) {
	server := hubBus.NewServer(bus.ServiceTwin)

	server.Operation("get", func(ctx context.Context, request []byte) (interface{}, error) {
		var req bus.TwinGetRequest
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, core.NewError(core.CodeBadRequest, err.Error())
		}
		desired, reported, err := e.store.GetTwin(ctx, req.UUID)
		if err != nil {
			return nil, err
		}
		name, err := e.store.ResolveName(ctx, req.UUID)
		if err != nil && !core.IsCode(err, core.CodeNotFound) {
			return nil, err
		}
		return bus.TwinPair{UUID: req.UUID, DeviceID: name, Desired: desired, Reported: reported}, nil
	})

	setSection := func(reportedSide bool) bus.HandlerFunc {
		return func(ctx context.Context, request []byte) (interface{}, error) {
			var req bus.TwinSetRequest
			if err := json.Unmarshal(request, &req); err != nil {
				return nil, core.NewError(core.CodeBadRequest, err.Error())
			}
			patches := patchSet{}
			if reportedSide {
				patches.reported, patches.hasReported = req.Patch, true
			} else {
				patches.desired, patches.hasDesired = req.Patch, true
			}
			desired, reported, _, err := e.apply(ctx, req.UUID, patches)
			if err != nil {
				return nil, err
			}
			// accepted frames answer device requests; an
			// admin-side merge reaches the device as delta
			e.publishDelta(ctx, req.UUID.String(), desired, reported)
			if reportedSide {
				return reported, nil
			}
			return desired, nil
		}
	}
	server.Operation("set_desired", setSection(false))
	server.Operation("set_reported", setSection(true))

	server.Operation("list_devices", func(ctx context.Context, request []byte) (interface{}, error) {
		var req bus.DeviceListRequest
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, core.NewError(core.CodeBadRequest, err.Error())
		}
		filter := store.DeviceFilter{Model: req.Model, Limit: req.Limit, Offset: req.Offset}
		if req.SeenSince != nil {
			filter.SeenSince = *req.SeenSince
		}
		return e.store.ListDevices(ctx, filter)
	})

	server.Operation("update_device_status", func(ctx context.Context, request []byte) (interface{}, error) {
		var req bus.DeviceStatusRequest
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, core.NewError(core.CodeBadRequest, err.Error())
		}
		if req.Status != "online" && req.Status != "offline" {
			return nil, core.Errorf(core.CodeBadRequest, "unknown status %q", req.Status)
		}
		if err := e.recordStatus(ctx, req.UUID, req.Status); err != nil {
			return nil, err
		}
		payload, _ := json.Marshal(statusPayload{Status: req.Status, TS: time.Now().UTC()})
		if err := e.store.InsertEvent(ctx, req.UUID, "status", payload); err != nil {
			return nil, err
		}
		return nil, nil
	})
}
