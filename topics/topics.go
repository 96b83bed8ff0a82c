// Package topics defines the MQTT topic grammar of the device hub.
//
// All hub topics live under the $devicehub prefix:
//
//	$devicehub/devices/{id}/provision/request        device -> hub
//	$devicehub/devices/{id}/provision/accepted       hub -> device
//	$devicehub/devices/{id}/provision/rejected       hub -> device
//	$devicehub/devices/{id}/twin/get                 device -> hub
//	$devicehub/devices/{id}/twin/update              device -> hub
//	$devicehub/devices/{id}/twin/update/accepted     hub -> device
//	$devicehub/devices/{id}/twin/update/delta        hub -> device
//	$devicehub/devices/{id}/twin/update/rejected     hub -> device
//	$devicehub/devices/{id}/twin/reported            device -> hub
//	$devicehub/devices/{id}/status                   device -> hub, retained
//	$devicehub/devices/{id}/telemetry                device -> hub
//	$devicehub/devices/{id}/events/{kind}            device -> hub
//	$devicehub/devices/{id}/methods/{m}/request      hub -> device
//	$devicehub/devices/{id}/methods/{m}/response     device -> hub
//	$devicehub/devices/{id}/messages/devicebound     hub -> device
//	$devicehub/devices/{id}/messages/ack             device -> hub
//
// Devices additionally publish application data on the bare Azure-style
// grammar devices/{id}/messages/events/..., which the name translator
// republishes under $devicehub/devicedata/{name}/messages/events/...
package topics

import "strings"

// Prefix is the root of the hub's own topic namespace.
const Prefix = "$devicehub"

const devicesPrefix = Prefix + "/devices/"

// Subscription filters.
const (
	FilterProvisionRequests = devicesPrefix + "+/provision/request"
	FilterTwinGet           = devicesPrefix + "+/twin/get"
	FilterTwinUpdate        = devicesPrefix + "+/twin/update"
	FilterTwinReported      = devicesPrefix + "+/twin/reported"
	FilterStatus            = devicesPrefix + "+/status"
	FilterTelemetry         = devicesPrefix + "+/telemetry"
	FilterEvents            = devicesPrefix + "+/events/+"
	FilterMethodResponses   = devicesPrefix + "+/methods/+/response"
	FilterMessageAcks       = devicesPrefix + "+/messages/ack"
	FilterRawEvents         = "devices/+/messages/events/#"
)

// ProvisionRequest returns the provisioning request topic for a device.
func ProvisionRequest(id string) string { return devicesPrefix + id + "/provision/request" }

// ProvisionAccepted returns the provisioning success topic for a device.
func ProvisionAccepted(id string) string { return devicesPrefix + id + "/provision/accepted" }

// ProvisionRejected returns the provisioning rejection topic for a device.
func ProvisionRejected(id string) string { return devicesPrefix + id + "/provision/rejected" }

// TwinGet returns the twin read request topic for a device.
func TwinGet(id string) string { return devicesPrefix + id + "/twin/get" }

// TwinUpdate returns the twin update request topic for a device.
func TwinUpdate(id string) string { return devicesPrefix + id + "/twin/update" }

// TwinAccepted returns the twin response topic for a device.
func TwinAccepted(id string) string { return devicesPrefix + id + "/twin/update/accepted" }

// TwinDelta returns the twin delta topic for a device.
func TwinDelta(id string) string { return devicesPrefix + id + "/twin/update/delta" }

// TwinRejected returns the twin rejection topic for a device.
func TwinRejected(id string) string { return devicesPrefix + id + "/twin/update/rejected" }

// TwinReported returns the shorthand reported state topic for a device.
func TwinReported(id string) string { return devicesPrefix + id + "/twin/reported" }

// Status returns the retained status topic for a device.
func Status(id string) string { return devicesPrefix + id + "/status" }

// Telemetry returns the telemetry topic for a device.
func Telemetry(id string) string { return devicesPrefix + id + "/telemetry" }

// Event returns the event topic of the given kind for a device.
func Event(id, kind string) string { return devicesPrefix + id + "/events/" + kind }

// MethodRequest returns the direct method request topic.
func MethodRequest(id, method string) string {
	return devicesPrefix + id + "/methods/" + method + "/request"
}

// MethodResponse returns the direct method response topic.
func MethodResponse(id, method string) string {
	return devicesPrefix + id + "/methods/" + method + "/response"
}

// MethodRequests returns the filter matching every method request for
// one device. Device-side code subscribes to this.
func MethodRequests(id string) string { return devicesPrefix + id + "/methods/+/request" }

// Devicebound returns the cloud-to-device message topic.
func Devicebound(id string) string { return devicesPrefix + id + "/messages/devicebound" }

// MessageAck returns the cloud-to-device acknowledgement topic.
func MessageAck(id string) string { return devicesPrefix + id + "/messages/ack" }

// Translated returns the republish topic for a named device. The remainder
// is everything after "messages/events" on the source topic, starting with
// "/" when present.
func Translated(name, remainder string) string {
	return Prefix + "/devicedata/" + name + "/messages/events" + remainder
}

// Device splits a $devicehub device topic into the device id and the
// remainder after it. It returns ok = false for topics outside the device
// namespace and for empty ids.
func Device(topic string) (id, rest string, ok bool) {
	if !strings.HasPrefix(topic, devicesPrefix) {
		return "", "", false
	}
	s := topic[len(devicesPrefix):]
	i := strings.IndexByte(s, '/')
	if i <= 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// Method parses a method request or response topic and returns the device
// id, the method name and whether the topic is a response.
func Method(topic string) (id, method string, response, ok bool) {
	id, rest, ok := Device(topic)
	if !ok {
		return "", "", false, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] != "methods" || parts[1] == "" {
		return "", "", false, false
	}
	switch parts[2] {
	case "request":
		return id, parts[1], false, true
	case "response":
		return id, parts[1], true, true
	}
	return "", "", false, false
}

// RawEvent parses a bare devices/{id}/messages/events topic as published by
// devices for application data. The remainder preserves everything after
// "events", including its leading slash.
func RawEvent(topic string) (id, remainder string, ok bool) {
	const p = "devices/"
	if !strings.HasPrefix(topic, p) {
		return "", "", false
	}
	s := topic[len(p):]
	i := strings.IndexByte(s, '/')
	if i <= 0 {
		return "", "", false
	}
	id, rest := s[:i], s[i:]
	if rest != "/messages/events" && !strings.HasPrefix(rest, "/messages/events/") {
		return "", "", false
	}
	return id, rest[len("/messages/events"):], true
}
