package test

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/edgeberry/devicehub/core"
	"github.com/edgeberry/devicehub/store"
	"github.com/edgeberry/devicehub/topics"
)

// The integration tests need docker and are skipped unless
// DEVICEHUB_INTEGRATION is set.
func TestIntegrationSuite(t *testing.T) {
	if os.Getenv("DEVICEHUB_INTEGRATION") == "" {
		t.Skip("set DEVICEHUB_INTEGRATION to run the integration tests")
	}
	suite.Run(t, new(IntegrationTestSuite))
}

func (s *IntegrationTestSuite) TestHealth() {
	var health struct {
		Status  string `json:"status"`
		Service string `json:"service"`
	}
	status := s.request(http.MethodGet, "/health", "", nil, &health)
	s.Equal(http.StatusOK, status)
	s.Equal("ok", health.Status)
	s.Equal("application", health.Service)
}

func (s *IntegrationTestSuite) TestDeviceLifecycle() {
	ctx := context.Background()
	deviceUUID := uuid.New()

	device, err := s.store.UpsertDevice(ctx, deviceUUID, "", map[string]interface{}{"model": "edgeberry-4"})
	s.Require().NoError(err)
	s.True(strings.HasPrefix(device.Name, "EDGB-"), "generated name %q", device.Name)

	resolved, err := s.store.ResolveUUID(ctx, device.Name)
	s.Require().NoError(err)
	s.Equal(deviceUUID, resolved)

	name, err := s.store.ResolveName(ctx, deviceUUID)
	s.Require().NoError(err)
	s.Equal(device.Name, name)

	newName := "garden-" + deviceUUID.String()[:8]
	renamed, err := s.store.UpdateDevice(ctx, deviceUUID, &newName, nil)
	s.Require().NoError(err)
	s.Equal(newName, renamed.Name)
	s.Equal("edgeberry-4", renamed.Meta["model"])

	// a second device cannot take that name
	other, err := s.store.UpsertDevice(ctx, uuid.New(), "", nil)
	s.Require().NoError(err)
	_, err = s.store.UpdateDevice(ctx, other.DeviceID, &newName, nil)
	s.Require().Error(err)
	s.Equal(core.CodeDuplicate, core.CodeOf(err))

	// deletion takes the twin documents along
	_, err = s.store.SetDesired(ctx, deviceUUID, map[string]interface{}{"fw": "1.2.3"})
	s.Require().NoError(err)
	s.Require().NoError(s.store.DeleteDevice(ctx, deviceUUID))
	_, err = s.store.DeviceByUUID(ctx, deviceUUID)
	s.Equal(core.CodeNotFound, core.CodeOf(err))
	desired, _, err := s.store.GetTwin(ctx, deviceUUID)
	s.Require().NoError(err)
	s.Equal(int64(0), desired.Version)
	s.Empty(desired.Doc)

	err = s.store.DeleteDevice(ctx, deviceUUID)
	s.Equal(core.CodeNotFound, core.CodeOf(err))
}

func (s *IntegrationTestSuite) TestWhitelistConsumedOnce() {
	ctx := context.Background()
	id := uuid.NewString()

	entry, err := s.store.AddWhitelist(ctx, id, "bench row 3")
	s.Require().NoError(err)
	s.Equal(id, entry.UUID)
	s.Nil(entry.UsedAt)

	checked, err := s.store.CheckWhitelist(ctx, id)
	s.Require().NoError(err)
	s.Nil(checked.UsedAt)

	s.Require().NoError(s.store.MarkWhitelistUsed(ctx, id))
	checked, err = s.store.CheckWhitelist(ctx, id)
	s.Require().NoError(err)
	s.Require().NotNil(checked.UsedAt)
	firstUse := *checked.UsedAt

	// marking again keeps the original stamp
	s.Require().NoError(s.store.MarkWhitelistUsed(ctx, id))
	checked, err = s.store.CheckWhitelist(ctx, id)
	s.Require().NoError(err)
	s.Require().NotNil(checked.UsedAt)
	s.Equal(firstUse, *checked.UsedAt)

	// re-admitting refreshes the note but not the consumption
	entry, err = s.store.AddWhitelist(ctx, id, "relabelled")
	s.Require().NoError(err)
	s.Equal("relabelled", entry.Note)
	s.NotNil(entry.UsedAt)

	s.Require().NoError(s.store.RemoveWhitelist(ctx, id))
	_, err = s.store.CheckWhitelist(ctx, id)
	s.Equal(core.CodeNotFound, core.CodeOf(err))
	err = s.store.RemoveWhitelist(ctx, id)
	s.Equal(core.CodeNotFound, core.CodeOf(err))
}

func (s *IntegrationTestSuite) TestTwinVersioning() {
	ctx := context.Background()
	device, err := s.store.UpsertDevice(ctx, uuid.New(), "", nil)
	s.Require().NoError(err)
	id := device.DeviceID

	// fresh twins read as version 0 without creating rows
	desired, reported, err := s.store.GetTwin(ctx, id)
	s.Require().NoError(err)
	s.Equal(int64(0), desired.Version)
	s.Equal(int64(0), reported.Version)

	desired, err = s.store.SetDesired(ctx, id, map[string]interface{}{"interval": 30, "mode": "eco"})
	s.Require().NoError(err)
	s.Equal(int64(1), desired.Version)

	// merges are shallow, untouched keys survive
	desired, err = s.store.SetDesired(ctx, id, map[string]interface{}{"interval": 10})
	s.Require().NoError(err)
	s.Equal(int64(2), desired.Version)
	s.Equal(float64(10), desired.Doc["interval"])
	s.Equal("eco", desired.Doc["mode"])

	// the reported side versions independently
	reported, err = s.store.SetReported(ctx, id, map[string]interface{}{"interval": 10})
	s.Require().NoError(err)
	s.Equal(int64(1), reported.Version)

	// a device reports over MQTT and gets the accepted frame back
	update, err := json.Marshal(map[string]interface{}{
		"reported": map[string]interface{}{"fw": "2.1.0"},
	})
	s.Require().NoError(err)
	s.conn.inject(topics.TwinUpdate(id.String()), update)

	accepted, ok := s.conn.awaitMessage(topics.TwinAccepted(id.String()), 5*time.Second)
	s.Require().True(ok, "no accepted frame published")
	var state struct {
		DeviceID string                 `json:"deviceId"`
		Reported map[string]interface{} `json:"reported"`
		Updated  map[string]int64       `json:"updated"`
	}
	s.Require().NoError(json.Unmarshal(accepted.Payload, &state))
	s.Equal(id.String(), state.DeviceID)
	s.Equal("2.1.0", state.Reported["fw"])
	s.Equal(int64(2), state.Updated["reported"])

	_, reported, err = s.store.GetTwin(ctx, id)
	s.Require().NoError(err)
	s.Equal(int64(2), reported.Version)
	s.Equal("2.1.0", reported.Doc["fw"])
}

func (s *IntegrationTestSuite) TestEventLogAndOutbox() {
	ctx := context.Background()
	device, err := s.store.UpsertDevice(ctx, uuid.New(), "", nil)
	s.Require().NoError(err)
	id := device.DeviceID

	// telemetry and lifecycle events arrive over MQTT
	s.conn.inject(topics.Telemetry(id.String()), []byte(`{"temperature":21.5}`))
	s.conn.inject(topics.Telemetry(id.String()), []byte(`{"temperature":21.7}`))
	s.conn.inject(topics.Event(id.String(), "boot"), []byte(`{"reason":"power-on"}`))

	var events []store.DeviceEvent
	s.Require().Eventually(func() bool {
		events, err = s.store.Events(ctx, store.EventFilter{DeviceUUID: &id})
		return err == nil && len(events) == 3
	}, 5*time.Second, 50*time.Millisecond, "events did not land in the log")

	telemetry, err := s.store.Events(ctx, store.EventFilter{DeviceUUID: &id, Topic: "telemetry"})
	s.Require().NoError(err)
	s.Len(telemetry, 2)

	// every event is mirrored into the outbox, claims come in serial
	// order and burn one attempt
	var serials []int64
	for {
		item, err := s.store.ClaimOutboxItem(ctx, time.Now().Add(time.Minute))
		s.Require().NoError(err)
		if item == nil {
			break
		}
		s.Equal(id, item.DeviceUUID)
		s.Equal(3, item.AttemptsLeft)
		serials = append(serials, item.Serial)
		s.Require().NoError(s.store.DeleteOutboxItem(ctx, item.Serial))
	}
	s.Require().Len(serials, 3)
	s.True(serials[0] < serials[1] && serials[1] < serials[2], "claims out of order: %v", serials)

	// acknowledged items stay gone
	item, err := s.store.ClaimOutboxItem(ctx, time.Now().Add(time.Minute))
	s.Require().NoError(err)
	s.Nil(item)

	// the archive exporter reads the same rows through OldEvents
	old, err := s.store.OldEvents(ctx, time.Now().Add(time.Hour), 0, 100)
	s.Require().NoError(err)
	found := 0
	last := int64(0)
	for _, event := range old {
		s.Greater(event.Serial, last)
		last = event.Serial
		if event.DeviceUUID == id {
			found++
		}
	}
	s.Equal(3, found)
}

func (s *IntegrationTestSuite) TestTokenLifecycle() {
	ctx := context.Background()

	minted, err := s.store.CreateToken(ctx, "pipeline", []string{"devices:read"}, nil)
	s.Require().NoError(err)
	s.NotEmpty(minted.Token)
	s.True(minted.Active)

	auth, err := s.store.ValidateToken(ctx, minted.Token)
	s.Require().NoError(err)
	s.Equal(minted.TokenID, auth.TokenID)
	s.Equal("pipeline", auth.Name)
	s.False(auth.Admin)
	s.True(auth.HasScope("devices:read"))
	s.False(auth.HasScope("devices:write"))

	// the listing never shows the secret
	tokens, err := s.store.ListTokens(ctx)
	s.Require().NoError(err)
	var listed *store.APIToken
	for i := range tokens {
		if tokens[i].TokenID == minted.TokenID {
			listed = &tokens[i]
		}
	}
	s.Require().NotNil(listed)
	s.Empty(listed.Token)

	s.Require().NoError(s.store.RevokeToken(ctx, minted.TokenID))
	_, err = s.store.ValidateToken(ctx, minted.Token)
	s.Require().Error(err)
	s.Equal(core.CodeTokenInactive, core.CodeOf(err))

	// expired tokens do not validate
	past := time.Now().Add(-time.Hour)
	expired, err := s.store.CreateToken(ctx, "stale", nil, &past)
	s.Require().NoError(err)
	_, err = s.store.ValidateToken(ctx, expired.Token)
	s.Require().Error(err)
	s.Equal(core.CodeTokenExpired, core.CodeOf(err))

	_, err = s.store.ValidateToken(ctx, "no-such-secret")
	s.Require().Error(err)
	s.Equal(core.CodeInvalidToken, core.CodeOf(err))
}

func (s *IntegrationTestSuite) TestProvisioningFlow() {
	ctx := context.Background()
	deviceUUID := uuid.New()

	_, err := s.store.AddWhitelist(ctx, deviceUUID.String(), "first boot")
	s.Require().NoError(err)

	csrPEM := s.newCSR(deviceUUID.String())
	payload, err := json.Marshal(map[string]interface{}{
		"uuid":   deviceUUID.String(),
		"csrPem": string(csrPEM),
		"meta":   map[string]interface{}{"model": "edgeberry-4"},
	})
	s.Require().NoError(err)
	s.conn.inject(topics.ProvisionRequest(deviceUUID.String()), payload)

	message, ok := s.conn.awaitMessage(topics.ProvisionAccepted(deviceUUID.String()), 5*time.Second)
	s.Require().True(ok, "no acceptance published")

	var response struct {
		DeviceID   string `json:"deviceId"`
		CertPem    string `json:"certPem"`
		CAChainPem string `json:"caChainPem"`
	}
	s.Require().NoError(json.Unmarshal(message.Payload, &response))
	s.Equal(deviceUUID.String(), response.DeviceID)

	// the certificate names the device and verifies against the chain
	block, _ := pem.Decode([]byte(response.CertPem))
	s.Require().NotNil(block)
	cert, err := x509.ParseCertificate(block.Bytes)
	s.Require().NoError(err)
	s.Equal(deviceUUID.String(), cert.Subject.CommonName)

	roots := x509.NewCertPool()
	s.Require().True(roots.AppendCertsFromPEM([]byte(response.CAChainPem)))
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	s.NoError(err)

	// the device is registered and the allow-list entry is consumed
	device, err := s.store.DeviceByUUID(ctx, deviceUUID)
	s.Require().NoError(err)
	s.NotEmpty(device.Name)
	s.Equal("edgeberry-4", device.Meta["model"])
	entry, err := s.store.CheckWhitelist(ctx, deviceUUID.String())
	s.Require().NoError(err)
	s.NotNil(entry.UsedAt)

	// a replay is rejected, the certificate is already out the door
	s.conn.inject(topics.ProvisionRequest(deviceUUID.String()), payload)
	rejection, ok := s.conn.awaitMessage(topics.ProvisionRejected(deviceUUID.String()), 5*time.Second)
	s.Require().True(ok, "no rejection published")
	var rejected map[string]string
	s.Require().NoError(json.Unmarshal(rejection.Payload, &rejected))
	s.Equal(string(core.CodeUUIDAlreadyUsed), rejected["error"])

	// an unknown uuid never reaches the CA
	stranger := uuid.New()
	s.conn.inject(topics.ProvisionRequest(stranger.String()),
		[]byte(`{"csrPem":"irrelevant"}`))
	rejection, ok = s.conn.awaitMessage(topics.ProvisionRejected(stranger.String()), 5*time.Second)
	s.Require().True(ok, "no rejection published")
	s.Require().NoError(json.Unmarshal(rejection.Payload, &rejected))
	s.Equal(string(core.CodeUUIDNotWhitelisted), rejected["error"])
	_, err = s.store.DeviceByUUID(ctx, stranger)
	s.Equal(core.CodeNotFound, core.CodeOf(err))
}

func (s *IntegrationTestSuite) TestGatewayREST() {
	ctx := context.Background()

	// no token, no access
	status := s.request(http.MethodGet, "/api/devices", "", nil, nil)
	s.Equal(http.StatusUnauthorized, status)

	device, err := s.store.UpsertDevice(ctx, uuid.New(), "", map[string]interface{}{"model": "edgeberry-4"})
	s.Require().NoError(err)
	token := s.apiToken("rest")

	var devices []struct {
		UUID   string `json:"uuid"`
		Name   string `json:"deviceId"`
		Status string `json:"status"`
	}
	status = s.request(http.MethodGet, "/api/devices", token, nil, &devices)
	s.Equal(http.StatusOK, status)
	found := false
	for _, d := range devices {
		if d.UUID == device.DeviceID.String() {
			found = true
			s.Equal(device.Name, d.Name)
			s.Equal("offline", d.Status)
		}
	}
	s.True(found, "device %s not in the listing", device.DeviceID)

	var single struct {
		UUID   string `json:"uuid"`
		Name   string `json:"deviceId"`
		Status string `json:"status"`
	}
	status = s.request(http.MethodGet, "/api/devices/"+device.Name, token, nil, &single)
	s.Equal(http.StatusOK, status)
	s.Equal(device.DeviceID.String(), single.UUID)

	// rename through PATCH, then address the device by its new name
	status = s.request(http.MethodPatch, "/api/devices/"+device.Name, token,
		map[string]string{"deviceId": "rest-kitchen"}, &single)
	s.Equal(http.StatusOK, status)
	s.Equal("rest-kitchen", single.Name)

	// a status announcement flips the device online
	announce, err := json.Marshal(map[string]interface{}{"status": "online", "ts": time.Now().UTC()})
	s.Require().NoError(err)
	s.conn.injectRetained(topics.Status(device.DeviceID.String()), announce, true)
	s.Require().Eventually(func() bool {
		code := s.request(http.MethodGet, "/api/devices/rest-kitchen", token, nil, &single)
		return code == http.StatusOK && single.Status == "online"
	}, 5*time.Second, 50*time.Millisecond, "device did not come online")

	// the twin is reachable under both halves of the API
	var pair struct {
		Desired struct {
			Version int64                  `json:"version"`
			Doc     map[string]interface{} `json:"doc"`
		} `json:"desired"`
		Reported struct {
			Version int64 `json:"version"`
		} `json:"reported"`
	}
	status = s.request(http.MethodPatch, "/api/devices/rest-kitchen/twin", token,
		map[string]interface{}{"desired": map[string]interface{}{"interval": 60}}, &pair)
	s.Equal(http.StatusOK, status)
	s.Equal(int64(1), pair.Desired.Version)
	s.Equal(float64(60), pair.Desired.Doc["interval"])

	// the merge travels on to the device as a delta frame
	delta, ok := s.conn.awaitMessage(topics.TwinDelta(device.DeviceID.String()), 5*time.Second)
	s.Require().True(ok, "no delta published")
	var frame struct {
		Delta          map[string]interface{} `json:"delta"`
		DesiredVersion int64                  `json:"desiredVersion"`
	}
	s.Require().NoError(json.Unmarshal(delta.Payload, &frame))
	s.Equal(float64(60), frame.Delta["interval"])
	s.Equal(int64(1), frame.DesiredVersion)

	status = s.request(http.MethodGet, "/api/devices/rest-kitchen/twin", token, nil, &pair)
	s.Equal(http.StatusOK, status)
	s.Equal(int64(1), pair.Desired.Version)

	// the event log is served per device
	s.Require().NoError(s.store.InsertEvent(ctx, device.DeviceID, "boot", []byte(`{"reason":"watchdog"}`)))
	var events []struct {
		Topic string `json:"topic"`
	}
	status = s.request(http.MethodGet, "/api/devices/rest-kitchen/events", token, nil, &events)
	s.Equal(http.StatusOK, status)
	s.Require().NotEmpty(events)
	s.Equal("boot", events[0].Topic)

	var stats struct {
		Registered int `json:"registered"`
		Online     int `json:"online"`
		Offline    int `json:"offline"`
	}
	status = s.request(http.MethodGet, "/api/stats/devices", token, nil, &stats)
	s.Equal(http.StatusOK, status)
	s.GreaterOrEqual(stats.Registered, 1)
	s.GreaterOrEqual(stats.Online, 1)

	// unknown devices are a 404, not an empty answer
	status = s.request(http.MethodGet, "/api/devices/"+uuid.NewString(), token, nil, nil)
	s.Equal(http.StatusNotFound, status)

	// deletion needs an admin session, a bearer token is not enough
	status = s.request(http.MethodDelete, "/api/devices/rest-kitchen", token, nil, nil)
	s.Equal(http.StatusUnauthorized, status)
}

func (s *IntegrationTestSuite) TestMethodCalls() {
	ctx := context.Background()
	device, err := s.store.UpsertDevice(ctx, uuid.New(), "", nil)
	s.Require().NoError(err)
	token := s.apiToken("methods")

	requestTopic := topics.MethodRequest(device.DeviceID.String(), "reboot")
	responseTopic := topics.MethodResponse(device.DeviceID.String(), "reboot")

	// the simulated device answers its request topic
	done := make(chan struct{})
	go func() {
		defer close(done)
		message, ok := s.conn.awaitMessage(requestTopic, 5*time.Second)
		if !ok {
			return
		}
		var frame struct {
			RequestID  string          `json:"requestId"`
			MethodName string          `json:"methodName"`
			Payload    json.RawMessage `json:"payload"`
		}
		if json.Unmarshal(message.Payload, &frame) != nil {
			return
		}
		answer, _ := json.Marshal(map[string]interface{}{
			"requestId": frame.RequestID,
			"status":    200,
			"payload":   map[string]string{"state": "rebooting"},
		})
		s.conn.inject(responseTopic, answer)
	}()

	var result struct {
		RequestID string          `json:"requestId"`
		Status    int             `json:"status"`
		Payload   json.RawMessage `json:"payload"`
	}
	status := s.request(http.MethodPost, "/api/devices/"+device.Name+"/methods/reboot", token,
		map[string]interface{}{"payload": map[string]int{"delay": 5}}, &result)
	s.Equal(http.StatusOK, status)
	s.Equal(200, result.Status)
	s.NotEmpty(result.RequestID)
	s.JSONEq(`{"state":"rebooting"}`, string(result.Payload))
	<-done

	// batch submissions return without waiting for any device
	var batch struct {
		OK      bool `json:"ok"`
		Results []struct {
			DeviceID  string `json:"deviceId"`
			RequestID string `json:"requestId"`
			Status    string `json:"status"`
			Error     string `json:"error"`
		} `json:"results"`
	}
	status = s.request(http.MethodPost, "/api/batch/methods", token, map[string]interface{}{
		"deviceIds":  []string{device.Name, uuid.NewString()},
		"methodName": "blink",
	}, &batch)
	s.Equal(http.StatusOK, status)
	s.True(batch.OK)
	s.Require().Len(batch.Results, 2)
	s.Equal("submitted", batch.Results[0].Status)
	s.NotEmpty(batch.Results[0].RequestID)
	s.Equal(string(core.CodeNotFound), batch.Results[1].Error)
}

func (s *IntegrationTestSuite) TestAdminSurface() {
	status := s.request(http.MethodPost, "/admin/login", "",
		map[string]string{"username": s.adminUser, "password": "wrong"}, nil)
	s.Equal(http.StatusUnauthorized, status)

	var login struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expiresAt"`
	}
	status = s.request(http.MethodPost, "/admin/login", "",
		map[string]string{"username": s.adminUser, "password": s.adminPassword}, &login)
	s.Equal(http.StatusOK, status)
	s.NotEmpty(login.Token)
	s.NotEmpty(login.ExpiresAt)

	// a bearer token does not open the admin surface
	apiToken := s.apiToken("not-admin")
	status = s.request(http.MethodGet, "/admin/whitelist", apiToken, nil, nil)
	s.Equal(http.StatusUnauthorized, status)

	var ca struct {
		Subject string `json:"subject"`
		PEM     string `json:"pem"`
	}
	status = s.request(http.MethodGet, "/admin/ca", login.Token, nil, &ca)
	s.Equal(http.StatusOK, status)
	s.Contains(ca.Subject, "Edgeberry")
	s.Contains(ca.PEM, "BEGIN CERTIFICATE")

	// allow-list round trip through the admin API
	id := uuid.NewString()
	var entry struct {
		UUID string `json:"uuid"`
		Note string `json:"note"`
	}
	status = s.request(http.MethodPost, "/admin/whitelist", login.Token,
		map[string]string{"uuid": id, "note": "pallet 7"}, &entry)
	s.Equal(http.StatusCreated, status)
	s.Equal(id, entry.UUID)
	s.Equal("pallet 7", entry.Note)

	var entries []struct {
		UUID string `json:"uuid"`
	}
	status = s.request(http.MethodGet, "/admin/whitelist", login.Token, nil, &entries)
	s.Equal(http.StatusOK, status)
	found := false
	for _, e := range entries {
		if e.UUID == id {
			found = true
		}
	}
	s.True(found, "entry %s not in the listing", id)

	status = s.request(http.MethodGet, "/admin/whitelist/"+id, login.Token, nil, &entry)
	s.Equal(http.StatusOK, status)
	status = s.request(http.MethodDelete, "/admin/whitelist/"+id, login.Token, nil, nil)
	s.Equal(http.StatusNoContent, status)
	status = s.request(http.MethodGet, "/admin/whitelist/"+id, login.Token, nil, nil)
	s.Equal(http.StatusNotFound, status)

	// token lifecycle through the admin API
	var minted struct {
		TokenID string `json:"tokenId"`
		Token   string `json:"token"`
	}
	status = s.request(http.MethodPost, "/admin/tokens", login.Token,
		map[string]interface{}{"name": "ci", "scopes": []string{"devices:read"}}, &minted)
	s.Equal(http.StatusCreated, status)
	s.NotEmpty(minted.Token)

	// the fresh token works against the device API
	status = s.request(http.MethodGet, "/api/devices", minted.Token, nil, nil)
	s.Equal(http.StatusOK, status)

	// the listing hides the secret
	var tokens []struct {
		TokenID string `json:"tokenId"`
		Token   string `json:"token"`
		Name    string `json:"name"`
	}
	status = s.request(http.MethodGet, "/admin/tokens", login.Token, nil, &tokens)
	s.Equal(http.StatusOK, status)
	for _, t := range tokens {
		if t.TokenID == minted.TokenID {
			s.Equal("ci", t.Name)
			s.Empty(t.Token)
		}
	}

	// revocation kills the token immediately
	status = s.request(http.MethodDelete, "/admin/tokens/"+minted.TokenID, login.Token, nil, nil)
	s.Equal(http.StatusNoContent, status)
	status = s.request(http.MethodGet, "/api/devices", minted.Token, nil, nil)
	s.Equal(http.StatusUnauthorized, status)
}
