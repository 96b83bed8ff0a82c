// Copyright 2026 Edgeberry - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@edgeberry.io
//

/*
Package gateway implements the application-facing side of the hub.

It serves the device REST API and the websocket stream, both guarded by
bearer tokens, plus the admin surface guarded by JWT sessions. Device
addressed routes accept a device UUID or its name; responses always
carry the name. Direct method calls and cloud-to-device messages are
correlated with their MQTT responses by request id. The gateway talks
to the other hub services over the bus and serves the application
interface itself.
*/
package gateway

import (
	"context"
	"crypto/subtle"
	"embed"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/edgeberry/devicehub/bus"
	"github.com/edgeberry/devicehub/core"
	"github.com/edgeberry/devicehub/core/access"
	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/core/schema"
	"github.com/edgeberry/devicehub/hubmqtt"
	"github.com/edgeberry/devicehub/store"
)

//go:embed *.json
var schemaFS embed.FS

// Builder contains the configuration for the gateway.
type Builder struct {
	// Store is the identity store. This is mandatory.
	Store *store.Store
	// MQTT is the broker connection. This is mandatory.
	MQTT hubmqtt.Conn
	// Bus connects to the other hub services. This is mandatory.
	Bus *bus.Bus
	// Addr is the HTTP listen address, default ":8080".
	Addr string
	// AdminUser and AdminPassword guard the admin login. Login stays
	// disabled while either is empty.
	AdminUser     string
	AdminPassword string
	// SessionSecret signs admin session tokens. When empty a volatile
	// secret is generated, invalidating admin sessions on restart.
	SessionSecret []byte
	// SessionTTL is the admin session lifetime, default 24 hours.
	SessionTTL time.Duration
	// MethodTimeout caps direct method calls, default 30 seconds.
	MethodTimeout time.Duration
}

// Gateway is the application gateway service.
type Gateway struct {
	store     *store.Store
	conn      hubmqtt.Conn
	bus       *bus.Bus
	hub       *hub
	methods   *Correlator
	session   *access.AdminSessionBuilder
	frames    *schema.Validator
	router    *mux.Router
	server    *http.Server
	addr      string
	adminUser string
	adminPass string
	log       *logrus.Entry
}

// New creates the gateway and registers its bus interface.
func New(b *Builder) *Gateway {
	if b.Store == nil {
		panic("store is missing")
	}
	if b.MQTT == nil {
		panic("MQTT connection is missing")
	}
	if b.Bus == nil {
		panic("bus is missing")
	}
	addr := b.Addr
	if addr == "" {
		addr = ":8080"
	}
	secret := b.SessionSecret
	log := logger.Default()
	if len(secret) == 0 {
		secret = []byte(uuid.NewString())
		log.Warn("JWT secret is not configured, admin sessions will not survive a restart")
	}
	frames, err := schema.NewValidatorFromFS(schemaFS)
	if err != nil {
		panic(err)
	}
	g := &Gateway{
		store:     b.Store,
		conn:      b.MQTT,
		bus:       b.Bus,
		hub:       newHub(b.Store, b.MQTT),
		methods:   newCorrelator(b.MQTT, b.MethodTimeout),
		session:   &access.AdminSessionBuilder{Secret: secret, TTL: b.SessionTTL, Issuer: "devicehub"},
		frames:    frames,
		addr:      addr,
		adminUser: b.AdminUser,
		adminPass: b.AdminPassword,
		log:       log,
	}
	if g.adminUser == "" || g.adminPass == "" {
		log.Warn("admin credentials are not configured, admin login is disabled")
	}
	g.router = g.buildRouter()
	g.registerBusInterface()
	return g
}

// Start subscribes to the broker and brings up the HTTP server.
func (g *Gateway) Start() error {
	if err := g.hub.Start(); err != nil {
		return err
	}
	if err := g.methods.Start(); err != nil {
		return err
	}
	g.server = &http.Server{
		Addr:              g.addr,
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.log.Errorf("http server: %v", err)
		}
	}()
	g.log.Infof("gateway listening on %s", g.addr)
	return nil
}

// Shutdown stops the HTTP server, disconnects the websocket sessions
// and fails the pending method calls.
func (g *Gateway) Shutdown(ctx context.Context) {
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.log.Warnf("http shutdown: %v", err)
		}
	}
	g.hub.closeAll()
	g.methods.Close()
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// authenticate validates a secret the way the middleware stack does:
// JWT-shaped secrets go to the admin session builder, everything else
// to the token store.
func (g *Gateway) authenticate(ctx context.Context, secret string) (*access.Authorization, error) {
	if secret == "" {
		return nil, core.NewError(core.CodeInvalidToken, "authentication required")
	}
	if strings.Count(secret, ".") == 2 {
		return g.session.Validate(secret)
	}
	return g.store.ValidateToken(ctx, secret)
}

func (g *Gateway) buildRouter() *mux.Router {
	router := mux.NewRouter()
	logger.AddRequestID(router)
	handleCORS(router)
	handleCompression(router)
	router.Use(access.NewAdminSessionMiddleware(g.session))
	router.Use(access.NewTokenMiddleware(&access.TokenMiddlewareBuilder{Validator: g.store}))

	router.HandleFunc("/health", g.health).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/ws", g.serveWS).Methods(http.MethodGet)

	g.adminRoutes(router)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(access.Required)
	api.HandleFunc("/devices", g.listDevices).Methods(http.MethodOptions, http.MethodGet)
	api.HandleFunc("/devices/{id}", g.getDevice).Methods(http.MethodOptions, http.MethodGet)
	api.HandleFunc("/devices/{id}", g.updateDevice).Methods(http.MethodPatch)
	api.Handle("/devices/{id}", access.AdminRequired(http.HandlerFunc(g.deleteDevice))).Methods(http.MethodDelete)
	api.HandleFunc("/devices/{id}/twin", g.getTwin).Methods(http.MethodOptions, http.MethodGet)
	api.HandleFunc("/devices/{id}/twin", g.patchTwin).Methods(http.MethodPatch)
	api.HandleFunc("/devices/{id}/events", g.deviceEvents).Methods(http.MethodOptions, http.MethodGet)
	api.HandleFunc("/devices/{id}/methods/{method}", g.callMethod).Methods(http.MethodOptions, http.MethodPost)
	api.HandleFunc("/batch/methods", g.batchMethods).Methods(http.MethodOptions, http.MethodPost)
	api.HandleFunc("/telemetry", g.telemetry).Methods(http.MethodOptions, http.MethodGet)
	api.HandleFunc("/stats/devices", g.deviceStats).Methods(http.MethodOptions, http.MethodGet)

	return router
}

func handleCORS(router *mux.Router) {
	corsMiddleware := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, PATCH")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			h.ServeHTTP(w, r)
		})
	}
	router.Use(corsMiddleware)
}

func handleCompression(router *mux.Router) {
	compressionMiddleware := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlers.CompressHandler(h).ServeHTTP(w, r)
		})
	}
	router.Use(compressionMiddleware)
}

// httpStatus maps stable error codes to HTTP status codes.
func httpStatus(err error) int {
	switch core.CodeOf(err) {
	case core.CodeBadRequest, core.CodeMissingCSRPem, core.CodeUUIDMismatch,
		core.CodeInvalidUUID, core.CodeInvalidCSR, core.CodeCSRCNMismatch:
		return http.StatusBadRequest
	case core.CodeInvalidToken, core.CodeTokenExpired, core.CodeTokenInactive,
		core.CodeUUIDNotWhitelisted, core.CodeUUIDAlreadyUsed:
		return http.StatusUnauthorized
	case core.CodeNotFound:
		return http.StatusNotFound
	case core.CodeDuplicate:
		return http.StatusConflict
	case core.CodeMethodTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	access.WriteError(w, httpStatus(err), err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func readBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return core.Errorf(core.CodeBadRequest, "cannot read request body: %v", err)
	}
	if len(body) == 0 {
		return core.NewError(core.CodeBadRequest, "request body is missing")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return core.Errorf(core.CodeBadRequest, "request body does not parse: %v", err)
	}
	return nil
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "application",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// deviceView is a device record plus its live connection state.
type deviceView struct {
	store.Device
	Status string `json:"status"`
}

func (g *Gateway) viewOf(device store.Device) deviceView {
	status := "offline"
	if state, ok := g.hub.presenceOf(device.DeviceID.String()); ok && state.Online {
		status = "online"
	}
	return deviceView{Device: device, Status: status}
}

func queryInt(r *http.Request, name string) (int, error) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, core.Errorf(core.CodeBadRequest, "%s must be a non-negative integer", name)
	}
	return n, nil
}

func queryTime(r *http.Request, name string) (*time.Time, error) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, core.Errorf(core.CodeBadRequest, "%s must be an RFC 3339 timestamp", name)
	}
	return &t, nil
}

func (g *Gateway) listDevices(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, err)
		return
	}
	seenSince, err := queryTime(r, "seenSince")
	if err != nil {
		writeError(w, err)
		return
	}
	status := query.Get("status")
	switch status {
	case "", "online", "offline":
	default:
		writeError(w, core.Errorf(core.CodeBadRequest, "unknown status %q", status))
		return
	}

	devices, err := g.bus.Devices().List(r.Context(), bus.DeviceListRequest{
		Model:     query.Get("model"),
		SeenSince: seenSince,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]deviceView, 0, len(devices))
	for _, device := range devices {
		view := g.viewOf(device)
		// the connection state lives in gateway memory only, so this
		// filter applies after the store query
		if status != "" && view.Status != status {
			continue
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func (g *Gateway) getDevice(w http.ResponseWriter, r *http.Request) {
	device, err := g.bus.Devices().Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g.viewOf(device))
}

func (g *Gateway) updateDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name *string                `json:"deviceId"`
		Meta map[string]interface{} `json:"meta"`
	}
	if err := readBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	device, err := g.bus.Devices().Update(r.Context(), bus.DeviceUpdateRequest{
		ID:   mux.Vars(r)["id"],
		Name: body.Name,
		Meta: body.Meta,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g.viewOf(device))
}

func (g *Gateway) deleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := g.bus.Devices().Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resolveDevice translates a path identifier to the device record.
func (g *Gateway) resolveDevice(r *http.Request) (store.Device, error) {
	return g.store.DeviceByIdentifier(r.Context(), mux.Vars(r)["id"])
}

func (g *Gateway) getTwin(w http.ResponseWriter, r *http.Request) {
	device, err := g.resolveDevice(r)
	if err != nil {
		writeError(w, err)
		return
	}
	pair, err := g.bus.Twin().Get(r.Context(), device.DeviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (g *Gateway) patchTwin(w http.ResponseWriter, r *http.Request) {
	device, err := g.resolveDevice(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var outer map[string]json.RawMessage
	if err := readBody(r, &outer); err != nil {
		writeError(w, err)
		return
	}
	for _, section := range []string{"desired", "reported"} {
		raw, ok := outer[section]
		if !ok {
			continue
		}
		patch := map[string]interface{}{}
		if err := json.Unmarshal(raw, &patch); err != nil {
			writeError(w, core.Errorf(core.CodeBadRequest, "%s section must be a JSON object", section))
			return
		}
		if section == "desired" {
			_, err = g.bus.Twin().SetDesired(r.Context(), device.DeviceID, patch)
		} else {
			_, err = g.bus.Twin().SetReported(r.Context(), device.DeviceID, patch)
		}
		if err != nil {
			writeError(w, err)
			return
		}
	}
	pair, err := g.bus.Twin().Get(r.Context(), device.DeviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (g *Gateway) deviceEvents(w http.ResponseWriter, r *http.Request) {
	device, err := g.resolveDevice(r)
	if err != nil {
		writeError(w, err)
		return
	}
	filter, err := eventFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	filter.DeviceUUID = &device.DeviceID
	filter.Topic = r.URL.Query().Get("topic")
	events, err := g.store.Events(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (g *Gateway) telemetry(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	filter.Topic = "telemetry"
	if id := r.URL.Query().Get("deviceId"); id != "" {
		device, err := g.store.DeviceByIdentifier(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		filter.DeviceUUID = &device.DeviceID
	}
	events, err := g.store.Events(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func eventFilter(r *http.Request) (store.EventFilter, error) {
	filter := store.EventFilter{}
	var err error
	if filter.From, err = queryTime(r, "startTime"); err != nil {
		return filter, err
	}
	if filter.Until, err = queryTime(r, "endTime"); err != nil {
		return filter, err
	}
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		return filter, err
	}
	return filter, nil
}

func (g *Gateway) callMethod(w http.ResponseWriter, r *http.Request) {
	device, err := g.resolveDevice(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Payload json.RawMessage `json:"payload"`
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, core.Errorf(core.CodeBadRequest, "cannot read request body: %v", err))
		return
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			writeError(w, core.Errorf(core.CodeBadRequest, "request body does not parse: %v", err))
			return
		}
	}
	result, err := g.methods.Call(r.Context(), device.DeviceID, mux.Vars(r)["method"], body.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	if result.Status == 0 {
		result.Status = http.StatusOK
	}
	writeJSON(w, http.StatusOK, result)
}

type batchRequest struct {
	DeviceIDs  []string        `json:"deviceIds"`
	MethodName string          `json:"methodName"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type batchResult struct {
	DeviceID  string    `json:"deviceId"`
	RequestID string    `json:"requestId,omitempty"`
	Status    string    `json:"status,omitempty"`
	Error     core.Code `json:"error,omitempty"`
}

// batchMethods publishes one method request per device and returns the
// submission records without waiting for any response.
func (g *Gateway) batchMethods(w http.ResponseWriter, r *http.Request) {
	var request batchRequest
	if err := readBody(r, &request); err != nil {
		writeError(w, err)
		return
	}
	if request.MethodName == "" || len(request.DeviceIDs) == 0 {
		writeError(w, core.NewError(core.CodeBadRequest, "deviceIds and methodName are required"))
		return
	}
	results := make([]batchResult, 0, len(request.DeviceIDs))
	for _, id := range request.DeviceIDs {
		device, err := g.store.DeviceByIdentifier(r.Context(), id)
		if err != nil {
			results = append(results, batchResult{DeviceID: id, Error: core.CodeOf(err)})
			continue
		}
		requestID, err := g.methods.Submit(r.Context(), device.DeviceID, request.MethodName, request.Payload)
		if err != nil {
			results = append(results, batchResult{DeviceID: id, Error: core.CodeOf(err)})
			continue
		}
		results = append(results, batchResult{DeviceID: id, RequestID: requestID, Status: "submitted"})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "results": results})
}

func (g *Gateway) deviceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.bus.Devices().Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	online := g.hub.onlineCount()
	offline := stats.Registered - online
	if offline < 0 {
		offline = 0
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"registered": stats.Registered,
		"online":     online,
		"offline":    offline,
	})
}

// adminLogin exchanges the configured admin credentials for a session
// token.
func (g *Gateway) adminLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := readBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if g.adminUser == "" || g.adminPass == "" {
		writeError(w, core.NewError(core.CodeInvalidToken, "admin login is disabled"))
		return
	}
	userOK := subtle.ConstantTimeCompare([]byte(body.Username), []byte(g.adminUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(body.Password), []byte(g.adminPass)) == 1
	if !userOK || !passOK {
		writeError(w, core.NewError(core.CodeInvalidToken, "invalid credentials"))
		return
	}
	token, expiresAt, err := g.session.IssueToken(body.Username)
	if err != nil {
		writeError(w, core.Errorf(core.CodeInternalError, "cannot issue session: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":     token,
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) registerBusInterface() {
	server := g.bus.NewServer(bus.ServiceApplication)

	server.Operation("call_method", func(ctx context.Context, request []byte) (interface{}, error) {
		var req bus.MethodCallRequest
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, core.NewError(core.CodeBadRequest, err.Error())
		}
		device, err := g.store.DeviceByIdentifier(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		result, err := g.methods.Call(ctx, device.DeviceID, req.Method, req.Payload)
		if err != nil {
			return nil, err
		}
		if result.Status == 0 {
			result.Status = http.StatusOK
		}
		return bus.MethodCallResponse{Status: result.Status, Payload: result.Payload}, nil
	})

	server.Operation("send_message", func(ctx context.Context, request []byte) (interface{}, error) {
		var req bus.SendMessageRequest
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, core.NewError(core.CodeBadRequest, err.Error())
		}
		device, err := g.store.DeviceByIdentifier(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		messageID, err := g.methods.Post(ctx, device.DeviceID, req.Payload)
		if err != nil {
			return nil, err
		}
		return bus.SendMessageResponse{MessageID: messageID}, nil
	})

	server.Operation("get_connection_status", func(ctx context.Context, request []byte) (interface{}, error) {
		var req bus.DeviceQuery
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, core.NewError(core.CodeBadRequest, err.Error())
		}
		device, err := g.store.DeviceByIdentifier(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		response := bus.ConnectionStatusResponse{UUID: device.DeviceID, DeviceID: device.Name}
		if state, ok := g.hub.presenceOf(device.DeviceID.String()); ok {
			response.Online = state.Online
			since := state.Since
			response.Since = &since
		}
		return response, nil
	})
}
