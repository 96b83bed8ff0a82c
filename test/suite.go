// Copyright 2026 Edgeberry - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@edgeberry.io
//

// Package test wires the whole hub against a dockerized postgres:
// provisioning, twin engine and gateway share one store, one bus and a
// loopback MQTT connection, the way the single-binary deployment does.
//
// Run with DEVICEHUB_INTEGRATION=1, docker is required.
package test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/edgeberry/devicehub/bus"
	"github.com/edgeberry/devicehub/core/csql"
	"github.com/edgeberry/devicehub/gateway"
	"github.com/edgeberry/devicehub/hubmqtt"
	"github.com/edgeberry/devicehub/pki"
	"github.com/edgeberry/devicehub/provisioning"
	"github.com/edgeberry/devicehub/store"
	"github.com/edgeberry/devicehub/twin"
)

const gatewayAddr = ":18080"

type IntegrationTestSuite struct {
	suite.Suite

	postgresContainer testcontainers.Container

	db     *csql.DB
	store  *store.Store
	hubBus *bus.Bus
	conn   *fakeConn
	ca     *pki.CA

	provisioner *provisioning.Service
	engine      *twin.Engine
	gateway     *gateway.Gateway

	baseURL       string
	adminUser     string
	adminPassword string
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	s.db = csql.OpenWithSchema(fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresDB), postgresPassword, "devicehub")
	s.store = store.New(&store.Builder{DB: s.db, ForwardEvents: true})

	dir := s.T().TempDir()
	s.ca, err = pki.EnsureRootCA(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key"), "", 0, 0)
	s.Require().NoError(err)

	s.conn = newFakeConn()
	s.hubBus = bus.New(&bus.Builder{Dir: filepath.Join(dir, "bus")})

	s.provisioner = provisioning.New(&provisioning.Builder{
		Store:            s.store,
		CA:               s.ca,
		MQTT:             s.conn,
		Bus:              s.hubBus,
		EnforceWhitelist: true,
		CertDays:         7,
	})
	s.engine = twin.New(&twin.Builder{
		Store: s.store,
		MQTT:  s.conn,
		Bus:   s.hubBus,
	})
	s.adminUser = "admin"
	s.adminPassword = "integration-secret"
	s.gateway = gateway.New(&gateway.Builder{
		Store:         s.store,
		MQTT:          s.conn,
		Bus:           s.hubBus,
		Addr:          gatewayAddr,
		AdminUser:     s.adminUser,
		AdminPassword: s.adminPassword,
		SessionSecret: []byte("0123456789abcdef0123456789abcdef"),
		MethodTimeout: 5 * time.Second,
	})

	s.Require().NoError(s.provisioner.Start())
	s.Require().NoError(s.engine.Start())
	s.Require().NoError(s.gateway.Start())
	s.baseURL = "http://localhost" + gatewayAddr

	s.Require().Eventually(func() bool {
		res, err := http.Get(s.baseURL + "/health")
		if err != nil {
			return false
		}
		res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond, "gateway did not come up")
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()

	if s.gateway != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		s.gateway.Shutdown(shutdownCtx)
		cancel()
	}
	if s.engine != nil {
		s.engine.Stop()
	}
	if s.provisioner != nil {
		s.provisioner.Stop()
	}
	if s.hubBus != nil {
		s.hubBus.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	if s.postgresContainer != nil {
		err := s.postgresContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
}

// request performs one HTTP call against the gateway. The response body
// is decoded into result on success; error responses only report their
// status code.
func (s *IntegrationTestSuite) request(method, path, token string, body interface{}, result interface{}) int {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, s.baseURL+path, reader)
	s.Require().NoError(err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	s.Require().NoError(err)
	if result != nil && res.StatusCode < 300 && len(data) > 0 {
		s.Require().NoError(json.Unmarshal(data, result), "cannot parse response %s", string(data))
	}
	return res.StatusCode
}

// apiToken mints a bearer token straight through the store.
func (s *IntegrationTestSuite) apiToken(name string, scopes ...string) string {
	token, err := s.store.CreateToken(context.Background(), name, scopes, nil)
	s.Require().NoError(err)
	return token.Token
}

// newCSR builds a PEM certificate signing request for the given common
// name.
func (s *IntegrationTestSuite) newCSR(cn string) []byte {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	s.Require().NoError(err)
	der, err := x509.CreateCertificateRequest(rand.Reader,
		&x509.CertificateRequest{Subject: pkix.Name{CommonName: cn}}, key)
	s.Require().NoError(err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

// fakeConn is an in-memory stand-in for the broker connection. Messages
// published by the services are recorded; messages injected by a test
// are dispatched to every matching subscriber, like the broker would.
type fakeConn struct {
	mutex    sync.Mutex
	handlers map[string][]hubmqtt.Handler
	outbound []hubmqtt.Message
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: map[string][]hubmqtt.Handler{}}
}

func (c *fakeConn) Connected() bool { return true }

func (c *fakeConn) Subscribe(filter string, handler hubmqtt.Handler) error {
	c.mutex.Lock()
	c.handlers[filter] = append(c.handlers[filter], handler)
	c.mutex.Unlock()
	return nil
}

func (c *fakeConn) Publish(topic string, payload []byte) error {
	c.mutex.Lock()
	c.outbound = append(c.outbound, hubmqtt.Message{
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
	})
	c.mutex.Unlock()
	return nil
}

// inject delivers a device-originated message to the subscribed
// services.
func (c *fakeConn) inject(topic string, payload []byte) {
	c.injectRetained(topic, payload, false)
}

func (c *fakeConn) injectRetained(topic string, payload []byte, retained bool) {
	c.mutex.Lock()
	var matched []hubmqtt.Handler
	for filter, handlers := range c.handlers {
		if filterMatches(filter, topic) {
			matched = append(matched, handlers...)
		}
	}
	c.mutex.Unlock()
	message := hubmqtt.Message{Topic: topic, Payload: payload, Retained: retained}
	for _, handler := range matched {
		handler(context.Background(), message)
	}
}

// awaitMessage polls for a message published on the exact topic.
func (c *fakeConn) awaitMessage(topic string, timeout time.Duration) (hubmqtt.Message, bool) {
	deadline := time.Now().Add(timeout)
	for {
		c.mutex.Lock()
		for _, message := range c.outbound {
			if message.Topic == topic {
				c.mutex.Unlock()
				return message, true
			}
		}
		c.mutex.Unlock()
		if time.Now().After(deadline) {
			return hubmqtt.Message{}, false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// filterMatches applies MQTT wildcard matching: + spans one level, #
// the rest of the topic.
func filterMatches(filter, topic string) bool {
	parts := strings.Split(filter, "/")
	levels := strings.Split(topic, "/")
	for i, part := range parts {
		if part == "#" {
			return true
		}
		if i >= len(levels) {
			return false
		}
		if part != "+" && part != levels[i] {
			return false
		}
	}
	return len(parts) == len(levels)
}
