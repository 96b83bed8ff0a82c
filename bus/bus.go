// Copyright 2026 Edgeberry - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@edgeberry.io
//

/*
Package bus provides the local IPC between the hub services.

Every service exposes its interface as HTTP/JSON over a unix socket in
the bus directory. Within one process the bus short-circuits to the
registered handler, so the single-binary deployment pays no socket round
trip. Responses carry their status in-band:

	{"ok":true,"result":...}
	{"ok":false,"error":"not_found","message":"..."}

The error field holds a stable code, the message is for humans.
*/
package bus

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/edgeberry/devicehub/core"
	"github.com/edgeberry/devicehub/core/logger"
)

// DefaultDir is the default socket directory.
const DefaultDir = "/run/devicehub"

// Service interface names on the bus.
const (
	ServiceProvisioning = "provisioning"
	ServiceTwin         = "twinengine"
	ServiceApplication  = "application"
)

// Builder contains the configuration for a bus.
type Builder struct {
	// Dir is the directory for the unix sockets, default /run/devicehub
	Dir string
}

// Bus manages the service interfaces of one process: the servers it
// exposes and the clients it talks through.
type Bus struct {
	dir       string
	log       *logrus.Entry
	mutex     sync.RWMutex
	local     map[string]*Server
	listeners []net.Listener
	servers   []*http.Server
}

// New creates a bus.
func New(b *Builder) *Bus {
	dir := b.Dir
	if dir == "" {
		dir = DefaultDir
	}
	return &Bus{
		dir:   dir,
		log:   logger.Default(),
		local: map[string]*Server{},
	}
}

// HandlerFunc serves one bus operation. The request is the raw JSON
// body; the returned result is marshalled into the response envelope.
type HandlerFunc func(ctx context.Context, request []byte) (interface{}, error)

// Server is the bus interface of one service.
type Server struct {
	name   string
	router *mux.Router
}

// NewServer registers a service interface on the bus. Operations must be
// added before Listen is called.
func (b *Bus) NewServer(name string) *Server {
	s := &Server{
		name:   name,
		router: mux.NewRouter(),
	}
	logger.AddRequestID(s.router)
	b.mutex.Lock()
	b.local[name] = s
	b.mutex.Unlock()
	return s
}

type envelope struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Operation registers a handler for one operation of this interface.
func (s *Server) Operation(operation string, handler HandlerFunc) {
	s.router.HandleFunc("/v1/"+operation, func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		rlog := logger.FromContext(ctx)
		request, err := io.ReadAll(r.Body)
		if err != nil {
			writeEnvelope(w, envelope{Error: string(core.CodeBadRequest), Message: err.Error()})
			return
		}
		result, err := handler(ctx, request)
		if err != nil {
			rlog.Infof("bus %s/%s: %v", s.name, operation, err)
			writeEnvelope(w, envelope{Error: string(core.CodeOf(err)), Message: core.MessageOf(err)})
			return
		}
		response := envelope{OK: true}
		if result != nil {
			raw, err := json.Marshal(result)
			if err != nil {
				rlog.Errorf("bus %s/%s: cannot marshal result: %v", s.name, operation, err)
				writeEnvelope(w, envelope{Error: string(core.CodeInternalError), Message: "cannot marshal result"})
				return
			}
			response.Result = raw
		}
		writeEnvelope(w, response)
	}).Methods(http.MethodPost)
}

func writeEnvelope(w http.ResponseWriter, response envelope) {
	w.Header().Set("Content-Type", "application/json")
	payload, _ := json.Marshal(response)
	w.Write(payload)
}

// Listen opens the unix sockets for all registered servers and serves
// them in the background.
func (b *Bus) Listen() error {
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return err
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for name, server := range b.local {
		path := filepath.Join(b.dir, name+".sock")
		os.Remove(path)
		listener, err := net.Listen("unix", path)
		if err != nil {
			return err
		}
		os.Chmod(path, 0660)
		srv := &http.Server{Handler: server.router}
		b.listeners = append(b.listeners, listener)
		b.servers = append(b.servers, srv)
		go func(name string, srv *http.Server, listener net.Listener) {
			if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
				b.log.Errorf("bus %s: %v", name, err)
			}
		}(name, srv, listener)
		b.log.Infof("bus interface %s on %s", name, path)
	}
	return nil
}

// Close shuts down all bus listeners.
func (b *Bus) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for _, srv := range b.servers {
		srv.Shutdown(context.Background())
	}
	b.servers = nil
	b.listeners = nil
}

// Client is a caller handle for one service interface.
type Client struct {
	service    string
	handler    http.Handler
	httpClient *http.Client
}

// Client returns a client for a service interface. Interfaces registered
// in this process are called directly, everything else goes over the
// socket. The client timeout sits above the device method timeout so a
// method call relayed over the bus can still complete.
func (b *Bus) Client(service string) *Client {
	b.mutex.RLock()
	server, ok := b.local[service]
	b.mutex.RUnlock()
	if ok {
		return &Client{service: service, handler: server.router}
	}
	path := filepath.Join(b.dir, service+".sock")
	return &Client{
		service: service,
		httpClient: &http.Client{
			Timeout: 35 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", path)
				},
			},
		},
	}
}

// Call invokes an operation. The request is marshalled as JSON, it may
// also be a raw []byte. request and result can be nil. The caller's
// request ID travels along, so both sides log under the same ID.
func (c *Client) Call(ctx context.Context, operation string, request interface{}, result interface{}) error {
	body := []byte(`{}`)
	if request != nil {
		if raw, ok := request.([]byte); ok {
			body = raw
		} else {
			var err error
			body, err = json.Marshal(request)
			if err != nil {
				return core.Errorf(core.CodeBadRequest, "cannot marshal request: %v", err)
			}
		}
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://devicehub/v1/"+operation, bytes.NewReader(body))
	if err != nil {
		return core.Errorf(core.CodeInternalError, "bus %s/%s: %v", c.service, operation, err)
	}
	r.Header.Set("Content-Type", "application/json")
	if requestID := logger.RequestIDFromContext(ctx); requestID != "" {
		r.Header.Set("X-Request-ID", requestID)
	}

	var status int
	var responseBody []byte
	if c.handler != nil {
		rec := httptest.NewRecorder()
		c.handler.ServeHTTP(rec, r)
		status = rec.Result().StatusCode
		responseBody = rec.Body.Bytes()
	} else {
		res, err := c.httpClient.Do(r)
		if err != nil {
			return core.Errorf(core.CodeInternalError, "bus %s/%s: %v", c.service, operation, err)
		}
		defer res.Body.Close()
		status = res.StatusCode
		responseBody, _ = io.ReadAll(res.Body)
	}
	if status != http.StatusOK {
		return core.Errorf(core.CodeInternalError, "bus %s/%s: status %d", c.service, operation, status)
	}

	var response envelope
	if err := json.Unmarshal(responseBody, &response); err != nil {
		return core.Errorf(core.CodeInternalError, "bus %s/%s: malformed response", c.service, operation)
	}
	if !response.OK {
		code := core.Code(response.Error)
		if code == "" {
			code = core.CodeInternalError
		}
		return core.NewError(code, response.Message)
	}
	if result != nil && len(response.Result) > 0 {
		if err := json.Unmarshal(response.Result, result); err != nil {
			return core.Errorf(core.CodeInternalError, "bus %s/%s: cannot unmarshal result: %v", c.service, operation, err)
		}
	}
	return nil
}
