// Copyright 2026 Edgeberry - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@edgeberry.io
//

/*
Package broker embeds the hub's MQTT broker.

Every TLS client is verified against the hub root CA and must use its
certificate common name as MQTT client id. Device certificates carry the
device UUID as common name and are confined to their own topic subtree;
the shared provisioning identity, used by the provisioning service and
by bootstrapping devices alike, is confined to the provisioning topics
and may connect under a unique bootstrap- client id; the remaining hub
services move freely. An optional plaintext listener admits local
development clients under the service policy.

The broker also keeps the liveness bookkeeping: a device connection
stamps last-seen through the provisioning service, and a device that
disconnects without leaving a will message gets a retained offline
status synthesized in its place, so the twin engine and the gateway see
the transition either way.
*/
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/edgeberry/devicehub/bus"
	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/topics"
)

// Service identities. The provisioning name is shared between the
// provisioning service and bootstrapping devices, and is confined to
// the provisioning topics; the other three may use the full topic
// space.
const (
	cnProvisioning = "provisioning"
	cnTwin         = "twin"
	cnApplication  = "application"
	cnTranslator   = "translator"
)

const busTimeout = 5 * time.Second

// Builder contains the configuration for the broker.
type Builder struct {
	// CACertFile is the root CA bundle client certificates are verified
	// against. This is mandatory.
	CACertFile string
	// CertFile is the broker's server certificate. This is mandatory.
	CertFile string
	// KeyFile is the broker's server key. This is mandatory.
	KeyFile string
	// Listen is the TLS listener address, default ":8883".
	Listen string
	// PlainListen opens an additional plaintext listener when set.
	// Plaintext clients carry no identity and operate under the service
	// policy, so this is for development setups only.
	PlainListen string
	// Bus reaches the provisioning and twin services for liveness
	// bookkeeping. Optional, the broker serves without it.
	Bus *bus.Bus
}

// Broker is the embedded MQTT broker.
type Broker struct {
	p    *plugin
	stop func(ctx context.Context)
}

// plugin hooks the hub's connection and topic policy into gmqtt.
type plugin struct {
	tlsln   net.Listener
	plainln net.Listener
	bus     *bus.Bus
	log     *logrus.Entry

	mutex sync.RWMutex
	conns map[net.Conn]*clientInfo

	service gmqtt.Server
}

// clientInfo is the certificate identity of one connection. Plaintext
// connections have no entry.
type clientInfo struct {
	cn        string
	device    bool
	connected bool
}

// New creates the broker and opens its listeners.
func New(b *Builder) *Broker {
	if b.CACertFile == "" {
		panic("CA certificate file is missing")
	}
	if b.CertFile == "" {
		panic("certificate file is missing")
	}
	if b.KeyFile == "" {
		panic("key file is missing")
	}
	crt, err := tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
	if err != nil {
		panic(err)
	}
	caCert, err := os.ReadFile(b.CACertFile)
	if err != nil {
		panic(err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		panic("CA certificate does not parse")
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{crt},
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	listen := b.Listen
	if listen == "" {
		listen = ":8883"
	}
	tlsln, err := tls.Listen("tcp", listen, tlsConfig)
	if err != nil {
		panic(err)
	}
	p := &plugin{
		tlsln: tlsln,
		bus:   b.Bus,
		log:   logger.Default(),
		conns: map[net.Conn]*clientInfo{},
	}
	if b.PlainListen != "" {
		plainln, err := net.Listen("tcp", b.PlainListen)
		if err != nil {
			panic(err)
		}
		p.plainln = plainln
		p.log.Warningf("plaintext MQTT listener on %s, clients are unauthenticated", b.PlainListen)
	}
	return &Broker{p: p}
}

// Start runs the broker in the background.
func (b *Broker) Start() {
	options := []gmqtt.Options{
		gmqtt.WithTCPListener(b.p.tlsln),
		gmqtt.WithPlugin(b.p),
	}
	if b.p.plainln != nil {
		options = append(options, gmqtt.WithTCPListener(b.p.plainln))
	}
	server := gmqtt.NewServer(options...)
	server.Run()
	b.stop = func(ctx context.Context) { server.Stop(ctx) }
	b.p.log.Infof("MQTT broker listening on %s", b.p.tlsln.Addr())
}

// Stop shuts the broker down gracefully.
func (b *Broker) Stop(ctx context.Context) {
	if b.stop != nil {
		b.stop(ctx)
	}
}

// Addr returns the address of the TLS listener.
func (b *Broker) Addr() net.Addr {
	return b.p.tlsln.Addr()
}

// Load implements the gmqtt plugin interface.
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements the gmqtt plugin interface.
func (p *plugin) Unload() error { return nil }

// Name implements the gmqtt plugin interface.
func (p *plugin) Name() string { return "devicehub" }

// HookWrapper implements the gmqtt plugin interface.
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnSubscribedWrapper: p.OnSubscribedWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

func (p *plugin) infoOf(conn net.Conn) *clientInfo {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.conns[conn]
}

func (p *plugin) identityOf(conn net.Conn) string {
	if info := p.infoOf(conn); info != nil {
		return info.cn
	}
	return ""
}

// OnAcceptWrapper registers the certificate identity of every TLS
// connection.
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		if tlsConn, ok := conn.(*tls.Conn); ok {
			if err := tlsConn.Handshake(); err != nil {
				p.log.Debugf("TLS handshake failed: %v", err)
				return false
			}
			state := tlsConn.ConnectionState()
			cn := state.VerifiedChains[0][0].Subject.CommonName
			if cn == "" {
				p.log.Warningf("rejected a client certificate without common name")
				return false
			}
			_, err := uuid.Parse(cn)
			p.mutex.Lock()
			p.conns[conn] = &clientInfo{cn: cn, device: err == nil}
			p.mutex.Unlock()
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces that the MQTT client ID matches the
// certificate common name. A fresh device connection stamps last-seen.
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		info := p.infoOf(client.Connection())
		clientID := client.OptionsReader().ClientID()
		if info != nil && !clientIDAllowed(info.cn, clientID) {
			p.log.Warningf("connect denied, client id %q does not match certificate name %q", clientID, info.cn)
			return packets.CodeNotAuthorized
		}
		code = connect(ctx, client)
		if code != packets.CodeAccepted || info == nil {
			return code
		}
		p.mutex.Lock()
		info.connected = true
		p.mutex.Unlock()
		p.log.Infof("client %s connected", info.cn)
		if info.device {
			go p.stampLastSeen(info.cn)
		}
		return code
	}
}

// OnSubscribeWrapper enforces the subscription policy.
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		cn := p.identityOf(client.Connection())
		if !maySubscribe(cn, topic.Name) {
			p.log.Warningf("subscribe to %s denied for %q", topic.Name, cn)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnSubscribedWrapper logs granted subscriptions.
func (p *plugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		p.log.Debugf("client %s subscribed to %s", client.OptionsReader().ClientID(), topic.Name)
		subscribed(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper enforces the publish policy.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		cn := p.identityOf(client.Connection())
		if !mayPublish(cn, msg.Topic()) {
			p.log.Warningf("publish to %s denied for %q", msg.Topic(), cn)
			return false
		}
		return arrived(ctx, client, msg)
	}
}

// OnCloseWrapper drops the identity registration and synthesizes the
// offline status for devices that leave without a will.
func (p *plugin) OnCloseWrapper(closed gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		conn := client.Connection()
		p.mutex.Lock()
		info := p.conns[conn]
		delete(p.conns, conn)
		p.mutex.Unlock()
		if info != nil && info.connected {
			p.log.Infof("client %s disconnected", info.cn)
			if info.device && !client.OptionsReader().WillFlag() {
				p.publishOffline(info.cn)
			}
		}
		closed(ctx, client, err)
	}
}

type statusPayload struct {
	Status string    `json:"status"`
	TS     time.Time `json:"ts"`
}

// publishOffline retains an offline status in place of the will message
// the device did not configure. Downstream this looks exactly like a
// device-announced transition.
func (p *plugin) publishOffline(id string) {
	payload, _ := json.Marshal(statusPayload{Status: "offline", TS: time.Now().UTC()})
	msg := gmqtt.NewMessage(topics.Status(id), payload, packets.QOS_1, gmqtt.Retained(true))
	p.service.PublishService().Publish(msg)
}

func (p *plugin) stampLastSeen(cn string) {
	if p.bus == nil {
		return
	}
	deviceUUID, err := uuid.Parse(cn)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), busTimeout)
	defer cancel()
	if err := p.bus.Devices().UpdateLastSeen(ctx, deviceUUID); err != nil {
		p.log.Warningf("cannot stamp last seen for %s: %v", cn, err)
	}
}

// clientIDAllowed enforces the client-id-equals-common-name rule. The
// shared provisioning identity is the exception: many devices
// bootstrap with it concurrently, so each session picks a unique
// bootstrap- id instead of taking over the previous one. Service and
// device names stay reserved for their certificate holders.
func clientIDAllowed(cn, clientID string) bool {
	if clientID == cn {
		return true
	}
	return cn == cnProvisioning && strings.HasPrefix(clientID, "bootstrap-")
}

// maySubscribe decides whether a client identity may subscribe to a
// topic filter. An empty identity is a plaintext development client and
// falls under the service policy.
func maySubscribe(cn, filter string) bool {
	switch cn {
	case "", cnTwin, cnApplication, cnTranslator:
		return true
	case cnProvisioning:
		// the service reads requests, bootstrapping devices read
		// their verdicts
		_, rest, ok := topics.Device(filter)
		return ok && (rest == "provision/request" ||
			rest == "provision/accepted" || rest == "provision/rejected")
	}
	if _, err := uuid.Parse(cn); err != nil {
		return false
	}
	return deviceMaySubscribe(cn, filter)
}

// mayPublish decides whether a client identity may publish on a topic.
func mayPublish(cn, topic string) bool {
	switch cn {
	case "", cnTwin, cnApplication, cnTranslator:
		return true
	case cnProvisioning:
		// the service answers, bootstrapping devices ask
		_, rest, ok := topics.Device(topic)
		return ok && (rest == "provision/request" ||
			rest == "provision/accepted" || rest == "provision/rejected")
	}
	if _, err := uuid.Parse(cn); err != nil {
		return false
	}
	return deviceMayPublish(cn, topic)
}

// deviceMayPublish confines a device to its own requests, reports and
// application data.
func deviceMayPublish(id, topic string) bool {
	if rawID, _, ok := topics.RawEvent(topic); ok {
		return rawID == id
	}
	topicID, rest, ok := topics.Device(topic)
	if !ok || topicID != id {
		return false
	}
	switch rest {
	case "provision/request", "twin/get", "twin/update", "twin/reported",
		"telemetry", "status", "messages/ack":
		return true
	}
	if kind := strings.TrimPrefix(rest, "events/"); kind != rest {
		return kind != "" && !strings.Contains(kind, "/")
	}
	parts := strings.Split(rest, "/")
	return len(parts) == 3 && parts[0] == "methods" && parts[1] != "" && parts[2] == "response"
}

// deviceMaySubscribe confines a device to its own responses and
// commands.
func deviceMaySubscribe(id, filter string) bool {
	topicID, rest, ok := topics.Device(filter)
	if !ok || topicID != id {
		return false
	}
	switch rest {
	case "provision/accepted", "provision/rejected",
		"twin/update/accepted", "twin/update/rejected", "twin/update/delta",
		"messages/devicebound":
		return true
	}
	parts := strings.Split(rest, "/")
	return len(parts) == 3 && parts[0] == "methods" && parts[1] != "" && parts[2] == "request"
}
