package broker

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeberry/devicehub/bus"
	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/hubmqtt"
	"github.com/edgeberry/devicehub/pki"
	"github.com/edgeberry/devicehub/topics"
)

const (
	testDeviceID  = "9205255a-af7e-4fbd-b18c-ae5fc29dde6c"
	otherDeviceID = "0c27bf3e-3b95-4bf2-a3b6-ef99b76cb350"
)

func TestDevicePublishPolicy(t *testing.T) {
	allowed := []string{
		topics.ProvisionRequest(testDeviceID),
		topics.TwinGet(testDeviceID),
		topics.TwinUpdate(testDeviceID),
		topics.TwinReported(testDeviceID),
		topics.Telemetry(testDeviceID),
		topics.Status(testDeviceID),
		topics.Event(testDeviceID, "boot"),
		topics.MethodResponse(testDeviceID, "reboot"),
		topics.MessageAck(testDeviceID),
		"devices/" + testDeviceID + "/messages/events",
		"devices/" + testDeviceID + "/messages/events/temperature",
	}
	for _, topic := range allowed {
		assert.True(t, mayPublish(testDeviceID, topic), topic)
	}

	denied := []string{
		topics.Telemetry(otherDeviceID),
		topics.Status(otherDeviceID),
		"devices/" + otherDeviceID + "/messages/events/temperature",
		topics.ProvisionAccepted(testDeviceID),
		topics.TwinDelta(testDeviceID),
		topics.MethodRequest(testDeviceID, "reboot"),
		topics.Devicebound(testDeviceID),
		topics.Event(testDeviceID, "boot/extra"),
		"$devicehub/devices/" + testDeviceID + "/events/",
		"$devicehub/devicedata/kitchen/messages/events",
		"some/random/topic",
	}
	for _, topic := range denied {
		assert.False(t, mayPublish(testDeviceID, topic), topic)
	}
}

func TestDeviceSubscribePolicy(t *testing.T) {
	allowed := []string{
		topics.ProvisionAccepted(testDeviceID),
		topics.ProvisionRejected(testDeviceID),
		topics.TwinAccepted(testDeviceID),
		topics.TwinRejected(testDeviceID),
		topics.TwinDelta(testDeviceID),
		topics.Devicebound(testDeviceID),
		"$devicehub/devices/" + testDeviceID + "/methods/+/request",
		topics.MethodRequest(testDeviceID, "reboot"),
	}
	for _, filter := range allowed {
		assert.True(t, maySubscribe(testDeviceID, filter), filter)
	}

	denied := []string{
		topics.ProvisionRequest(testDeviceID),
		topics.Telemetry(testDeviceID),
		topics.Status(testDeviceID),
		topics.Devicebound(otherDeviceID),
		topics.TwinDelta(otherDeviceID),
		"$devicehub/devices/" + testDeviceID + "/#",
		"$devicehub/devices/+/twin/update/delta",
		topics.MethodResponse(testDeviceID, "reboot"),
	}
	for _, filter := range denied {
		assert.False(t, maySubscribe(testDeviceID, filter), filter)
	}
}

func TestProvisioningIdentityPolicy(t *testing.T) {
	// the service side: read every request, answer every verdict
	assert.True(t, maySubscribe(cnProvisioning, topics.FilterProvisionRequests))
	assert.True(t, maySubscribe(cnProvisioning, topics.ProvisionRequest(testDeviceID)))
	assert.True(t, mayPublish(cnProvisioning, topics.ProvisionAccepted(testDeviceID)))
	assert.True(t, mayPublish(cnProvisioning, topics.ProvisionRejected(testDeviceID)))

	// the bootstrap side: devices share this identity for the
	// handshake, so the same name must carry the device directions
	assert.True(t, mayPublish(cnProvisioning, topics.ProvisionRequest(testDeviceID)))
	assert.True(t, maySubscribe(cnProvisioning, topics.ProvisionAccepted(testDeviceID)))
	assert.True(t, maySubscribe(cnProvisioning, topics.ProvisionRejected(testDeviceID)))

	// confined to the provisioning triad either way
	assert.False(t, maySubscribe(cnProvisioning, topics.FilterTelemetry))
	assert.False(t, maySubscribe(cnProvisioning, topics.FilterTwinReported))
	assert.False(t, maySubscribe(cnProvisioning, "$devicehub/#"))
	assert.False(t, mayPublish(cnProvisioning, topics.TwinDelta(testDeviceID)))
	assert.False(t, mayPublish(cnProvisioning, topics.Telemetry(testDeviceID)))
	assert.False(t, mayPublish(cnProvisioning, topics.Status(testDeviceID)))
}

func TestClientIDRule(t *testing.T) {
	assert.True(t, clientIDAllowed(cnTwin, cnTwin))
	assert.True(t, clientIDAllowed(testDeviceID, testDeviceID))
	assert.False(t, clientIDAllowed(testDeviceID, otherDeviceID))
	assert.False(t, clientIDAllowed(cnTwin, cnApplication))

	// concurrent bootstraps pick unique bootstrap- ids under the
	// shared identity instead of taking over one another's session
	assert.True(t, clientIDAllowed(cnProvisioning, cnProvisioning))
	assert.True(t, clientIDAllowed(cnProvisioning, "bootstrap-"+testDeviceID))
	assert.True(t, clientIDAllowed(cnProvisioning, "bootstrap-"+otherDeviceID))
	assert.False(t, clientIDAllowed(cnProvisioning, cnTwin))
	assert.False(t, clientIDAllowed(cnProvisioning, testDeviceID))
	assert.False(t, clientIDAllowed(cnProvisioning, "rogue"))
}

func TestServiceIdentitiesAreUnrestricted(t *testing.T) {
	// the empty identity is a plaintext development client
	for _, cn := range []string{cnTwin, cnApplication, cnTranslator, ""} {
		assert.True(t, maySubscribe(cn, topics.FilterStatus), cn)
		assert.True(t, maySubscribe(cn, "$devicehub/#"), cn)
		assert.True(t, mayPublish(cn, topics.TwinDelta(testDeviceID)), cn)
		assert.True(t, mayPublish(cn, topics.MethodRequest(testDeviceID, "reboot")), cn)
	}
}

func TestUnknownIdentityIsDenied(t *testing.T) {
	assert.False(t, maySubscribe("rogue", topics.FilterStatus))
	assert.False(t, maySubscribe("rogue", topics.TwinDelta(testDeviceID)))
	assert.False(t, mayPublish("rogue", topics.Telemetry(testDeviceID)))
	assert.False(t, mayPublish("rogue", "some/random/topic"))
}

func TestStampLastSeenReachesProvisioning(t *testing.T) {
	var mutex sync.Mutex
	seen := []string{}

	b := bus.New(&bus.Builder{Dir: t.TempDir()})
	b.NewServer(bus.ServiceProvisioning).Operation("update_last_seen",
		func(ctx context.Context, request []byte) (interface{}, error) {
			var query bus.ResolveRequest
			if err := json.Unmarshal(request, &query); err != nil {
				return nil, err
			}
			mutex.Lock()
			seen = append(seen, query.UUID.String())
			mutex.Unlock()
			return nil, nil
		})

	p := &plugin{bus: b, log: logger.Default()}
	p.stampLastSeen(testDeviceID)
	p.stampLastSeen("not-a-uuid")

	mutex.Lock()
	defer mutex.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, testDeviceID, seen[0])
}

func TestStampLastSeenWithoutBus(t *testing.T) {
	p := &plugin{log: logger.Default()}
	p.stampLastSeen(testDeviceID)
}

// TestBrokerEndToEnd runs the broker on a loopback TLS listener with a
// freshly minted CA and exercises the policy and the synthesized
// offline status with real paho clients.
func TestBrokerEndToEnd(t *testing.T) {
	if os.Getenv("DEVICEHUB_INTEGRATION") == "" {
		t.Skip("set DEVICEHUB_INTEGRATION to run the broker end to end test")
	}

	dir := t.TempDir()
	caCrt := filepath.Join(dir, "ca.crt")
	ca, err := pki.EnsureRootCA(caCrt, filepath.Join(dir, "ca.key"), "", 0, 2048)
	require.NoError(t, err)
	serverCrt := filepath.Join(dir, "server.crt")
	serverKey := filepath.Join(dir, "server.key")
	require.NoError(t, pki.EnsureServerCert(ca, serverCrt, serverKey,
		"localhost", []string{"127.0.0.1", "localhost"}, 7))
	twinCrt := filepath.Join(dir, "twin.crt")
	twinKey := filepath.Join(dir, "twin.key")
	require.NoError(t, pki.EnsureServiceCert(ca, twinCrt, twinKey, cnTwin, 7))

	deviceID := uuid.NewString()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	csrDER, err := x509.CreateCertificateRequest(rand.Reader,
		&x509.CertificateRequest{Subject: pkix.Name{CommonName: deviceID}}, key)
	require.NoError(t, err)
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	certPEM, _, err := ca.IssueClientCert(deviceID, csrPEM, 7)
	require.NoError(t, err)
	deviceCrt := filepath.Join(dir, "device.crt")
	deviceKey := filepath.Join(dir, "device.key")
	require.NoError(t, os.WriteFile(deviceCrt, certPEM, 0600))
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	require.NoError(t, os.WriteFile(deviceKey, keyPEM, 0600))

	b := New(&Builder{
		CACertFile: caCrt,
		CertFile:   serverCrt,
		KeyFile:    serverKey,
		Listen:     "127.0.0.1:0",
	})
	b.Start()
	defer b.Stop(context.Background())
	url := "tls://" + b.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	service := hubmqtt.New(&hubmqtt.Builder{
		URL:         url,
		ClientID:    cnTwin,
		TLSCAFile:   caCrt,
		TLSCertFile: twinCrt,
		TLSKeyFile:  twinKey,
	})
	require.NoError(t, service.Connect(ctx))
	defer service.Close()

	messages := make(chan hubmqtt.Message, 16)
	collect := func(_ context.Context, m hubmqtt.Message) { messages <- m }
	require.NoError(t, service.Subscribe(topics.FilterTelemetry, collect))
	require.NoError(t, service.Subscribe(topics.FilterStatus, collect))

	device := hubmqtt.New(&hubmqtt.Builder{
		URL:         url,
		ClientID:    deviceID,
		TLSCAFile:   caCrt,
		TLSCertFile: deviceCrt,
		TLSKeyFile:  deviceKey,
	})
	require.NoError(t, device.Connect(ctx))

	// the foreign publish travels the same connection first, so once the
	// own telemetry arrives the policy verdict on it is already in
	require.NoError(t, device.Publish(topics.Telemetry(otherDeviceID), []byte(`{"stolen":true}`)))
	require.NoError(t, device.Publish(topics.Telemetry(deviceID), []byte(`{"temperature":21.5}`)))

	select {
	case m := <-messages:
		assert.Equal(t, topics.Telemetry(deviceID), m.Topic)
		assert.JSONEq(t, `{"temperature":21.5}`, string(m.Payload))
	case <-time.After(10 * time.Second):
		t.Fatal("telemetry did not arrive")
	}

	// closing without a will message synthesizes a retained offline status
	device.Close()
	select {
	case m := <-messages:
		require.Equal(t, topics.Status(deviceID), m.Topic)
		var status statusPayload
		require.NoError(t, json.Unmarshal(m.Payload, &status))
		assert.Equal(t, "offline", status.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("offline status did not arrive")
	}
	assert.Empty(t, messages)
}
