package bus

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/edgeberry/devicehub/store"
)

// The typed clients below are thin facades over Client.Call. The request
// and response types double as the wire contract for the servers.

// DeviceListRequest narrows a device listing.
type DeviceListRequest struct {
	Model     string     `json:"model,omitempty"`
	SeenSince *time.Time `json:"seenSince,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// DeviceQuery addresses one device by UUID or name.
type DeviceQuery struct {
	ID string `json:"id"`
}

// DeviceUpdateRequest renames a device or replaces its metadata. Nil
// fields stay untouched.
type DeviceUpdateRequest struct {
	ID   string                 `json:"id"`
	Name *string                `json:"name,omitempty"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

// ResolveRequest asks for the name of a device UUID.
type ResolveRequest struct {
	UUID uuid.UUID `json:"uuid"`
}

// ResolveResponse carries the resolved name.
type ResolveResponse struct {
	Name string `json:"name"`
}

// WhitelistAddRequest admits a UUID to the provisioning allow-list.
type WhitelistAddRequest struct {
	UUID string `json:"uuid"`
	Note string `json:"note,omitempty"`
}

// WhitelistQuery addresses one allow-list entry.
type WhitelistQuery struct {
	UUID string `json:"uuid"`
}

// IssueRequest asks the certificate authority to sign a CSR.
type IssueRequest struct {
	UUID   string `json:"uuid"`
	CSRPem string `json:"csrPem"`
	Days   int    `json:"days,omitempty"`
}

// IssueResponse carries the issued certificate and the root chain.
type IssueResponse struct {
	CertPem  string `json:"certPem"`
	ChainPem string `json:"caChainPem"`
}

// DeviceStatusRequest records a device status change.
type DeviceStatusRequest struct {
	UUID   uuid.UUID `json:"uuid"`
	Status string    `json:"status"`
}

// ConnectionStatusResponse is a device's live connection state as the
// gateway sees it.
type ConnectionStatusResponse struct {
	UUID     uuid.UUID  `json:"uuid"`
	DeviceID string     `json:"deviceId"`
	Online   bool       `json:"online"`
	Since    *time.Time `json:"since,omitempty"`
}

// CertificateInfo describes the root certificate.
type CertificateInfo struct {
	Subject      string    `json:"subject"`
	SerialNumber string    `json:"serialNumber"`
	NotBefore    time.Time `json:"notBefore"`
	NotAfter     time.Time `json:"notAfter"`
	PEM          string    `json:"pem"`
}

// TwinGetRequest fetches the twin pair of a device.
type TwinGetRequest struct {
	UUID uuid.UUID `json:"uuid"`
}

// TwinSetRequest merges a patch into one twin section.
type TwinSetRequest struct {
	UUID  uuid.UUID              `json:"uuid"`
	Patch map[string]interface{} `json:"patch"`
}

// TwinPair is a device's full twin state.
type TwinPair struct {
	UUID     uuid.UUID         `json:"uuid"`
	DeviceID string            `json:"deviceId"`
	Desired  store.TwinSection `json:"desired"`
	Reported store.TwinSection `json:"reported"`
}

// MethodCallRequest invokes a direct method on a device.
type MethodCallRequest struct {
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MethodCallResponse is the device's answer.
type MethodCallResponse struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SendMessageRequest sends a cloud-to-device message.
type SendMessageRequest struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// SendMessageResponse carries the assigned message ID.
type SendMessageResponse struct {
	MessageID string `json:"messageId"`
}

// Devices is the device inventory interface of the provisioning service.
type Devices struct {
	c *Client
}

// Devices returns a client for the device inventory interface.
func (b *Bus) Devices() Devices {
	return Devices{c: b.Client(ServiceProvisioning)}
}

// List returns the registered devices.
func (d Devices) List(ctx context.Context, request DeviceListRequest) ([]store.Device, error) {
	devices := []store.Device{}
	err := d.c.Call(ctx, "list_devices", request, &devices)
	return devices, err
}

// Get returns one device by UUID or name.
func (d Devices) Get(ctx context.Context, id string) (store.Device, error) {
	var device store.Device
	err := d.c.Call(ctx, "get_device", DeviceQuery{ID: id}, &device)
	return device, err
}

// Update renames a device or replaces its metadata.
func (d Devices) Update(ctx context.Context, request DeviceUpdateRequest) (store.Device, error) {
	var device store.Device
	err := d.c.Call(ctx, "update_device", request, &device)
	return device, err
}

// Delete removes a device and all its data.
func (d Devices) Delete(ctx context.Context, id string) error {
	return d.c.Call(ctx, "delete_device", DeviceQuery{ID: id}, nil)
}

// ResolveName maps a device UUID to its name.
func (d Devices) ResolveName(ctx context.Context, deviceUUID uuid.UUID) (string, error) {
	var response ResolveResponse
	err := d.c.Call(ctx, "resolve_name", ResolveRequest{UUID: deviceUUID}, &response)
	return response.Name, err
}

// UpdateLastSeen stamps a device's last seen time to now.
func (d Devices) UpdateLastSeen(ctx context.Context, deviceUUID uuid.UUID) error {
	return d.c.Call(ctx, "update_last_seen", ResolveRequest{UUID: deviceUUID}, nil)
}

// Stats returns fleet-level counters.
func (d Devices) Stats(ctx context.Context) (store.DeviceStats, error) {
	var stats store.DeviceStats
	err := d.c.Call(ctx, "stats", nil, &stats)
	return stats, err
}

// Whitelist is the allow-list interface of the provisioning service.
type Whitelist struct {
	c *Client
}

// Whitelist returns a client for the allow-list interface.
func (b *Bus) Whitelist() Whitelist {
	return Whitelist{c: b.Client(ServiceProvisioning)}
}

// List returns all allow-list entries.
func (w Whitelist) List(ctx context.Context) ([]store.WhitelistEntry, error) {
	entries := []store.WhitelistEntry{}
	err := w.c.Call(ctx, "list_whitelist", nil, &entries)
	return entries, err
}

// Add admits a UUID, or updates the note of an existing entry.
func (w Whitelist) Add(ctx context.Context, deviceUUID, note string) (store.WhitelistEntry, error) {
	var entry store.WhitelistEntry
	err := w.c.Call(ctx, "add_whitelist", WhitelistAddRequest{UUID: deviceUUID, Note: note}, &entry)
	return entry, err
}

// Remove drops a UUID from the allow-list.
func (w Whitelist) Remove(ctx context.Context, deviceUUID string) error {
	return w.c.Call(ctx, "remove_whitelist", WhitelistQuery{UUID: deviceUUID}, nil)
}

// Get returns one allow-list entry.
func (w Whitelist) Get(ctx context.Context, deviceUUID string) (store.WhitelistEntry, error) {
	var entry store.WhitelistEntry
	err := w.c.Call(ctx, "get_whitelist", WhitelistQuery{UUID: deviceUUID}, &entry)
	return entry, err
}

// Check verifies that a UUID is admitted and still unconsumed.
func (w Whitelist) Check(ctx context.Context, deviceUUID string) (store.WhitelistEntry, error) {
	var entry store.WhitelistEntry
	err := w.c.Call(ctx, "check_whitelist", WhitelistQuery{UUID: deviceUUID}, &entry)
	return entry, err
}

// MarkUsed consumes an allow-list entry.
func (w Whitelist) MarkUsed(ctx context.Context, deviceUUID string) error {
	return w.c.Call(ctx, "mark_whitelist_used", WhitelistQuery{UUID: deviceUUID}, nil)
}

// Certificate is the root CA interface of the provisioning service.
type Certificate struct {
	c *Client
}

// Certificate returns a client for the root CA interface.
func (b *Bus) Certificate() Certificate {
	return Certificate{c: b.Client(ServiceProvisioning)}
}

// Info describes the root certificate.
func (c Certificate) Info(ctx context.Context) (CertificateInfo, error) {
	var info CertificateInfo
	err := c.c.Call(ctx, "certificate_info", nil, &info)
	return info, err
}

// IssueFromCSR signs a certificate request for a device UUID.
func (c Certificate) IssueFromCSR(ctx context.Context, deviceUUID, csrPEM string, days int) (IssueResponse, error) {
	var response IssueResponse
	err := c.c.Call(ctx, "issue_from_csr",
		IssueRequest{UUID: deviceUUID, CSRPem: csrPEM, Days: days}, &response)
	return response, err
}

// Twin is the twin interface of the twin engine.
type Twin struct {
	c *Client
}

// Twin returns a client for the twin interface.
func (b *Bus) Twin() Twin {
	return Twin{c: b.Client(ServiceTwin)}
}

// Get returns the twin pair of a device.
func (t Twin) Get(ctx context.Context, deviceUUID uuid.UUID) (TwinPair, error) {
	var pair TwinPair
	err := t.c.Call(ctx, "get", TwinGetRequest{UUID: deviceUUID}, &pair)
	return pair, err
}

// SetDesired merges a patch into the desired document. The merge goes
// through the twin engine, so connected devices receive their delta.
func (t Twin) SetDesired(ctx context.Context, deviceUUID uuid.UUID, patch map[string]interface{}) (store.TwinSection, error) {
	var section store.TwinSection
	err := t.c.Call(ctx, "set_desired", TwinSetRequest{UUID: deviceUUID, Patch: patch}, &section)
	return section, err
}

// SetReported merges a patch into the reported document.
func (t Twin) SetReported(ctx context.Context, deviceUUID uuid.UUID, patch map[string]interface{}) (store.TwinSection, error) {
	var section store.TwinSection
	err := t.c.Call(ctx, "set_reported", TwinSetRequest{UUID: deviceUUID, Patch: patch}, &section)
	return section, err
}

// ListDevices lists the devices known to the twin engine.
func (t Twin) ListDevices(ctx context.Context, request DeviceListRequest) ([]store.Device, error) {
	devices := []store.Device{}
	err := t.c.Call(ctx, "list_devices", request, &devices)
	return devices, err
}

// UpdateDeviceStatus records an online or offline transition.
func (t Twin) UpdateDeviceStatus(ctx context.Context, deviceUUID uuid.UUID, status string) error {
	return t.c.Call(ctx, "update_device_status", DeviceStatusRequest{UUID: deviceUUID, Status: status}, nil)
}

// Application is the device messaging interface of the gateway.
type Application struct {
	c *Client
}

// Application returns a client for the device messaging interface.
func (b *Bus) Application() Application {
	return Application{c: b.Client(ServiceApplication)}
}

// CallMethod invokes a direct method and waits for the device's answer.
func (a Application) CallMethod(ctx context.Context, request MethodCallRequest) (MethodCallResponse, error) {
	var response MethodCallResponse
	err := a.c.Call(ctx, "call_method", request, &response)
	return response, err
}

// SendMessage sends a cloud-to-device message.
func (a Application) SendMessage(ctx context.Context, request SendMessageRequest) (SendMessageResponse, error) {
	var response SendMessageResponse
	err := a.c.Call(ctx, "send_message", request, &response)
	return response, err
}

// GetConnectionStatus reports whether a device is currently connected.
func (a Application) GetConnectionStatus(ctx context.Context, id string) (ConnectionStatusResponse, error) {
	var response ConnectionStatusResponse
	err := a.c.Call(ctx, "get_connection_status", DeviceQuery{ID: id}, &response)
	return response, err
}
