// Package hubmqtt is the MQTT client used by the hub services. It wraps
// the paho client with automatic reconnect, resubscription and
// panic-protected handlers. All traffic is QoS 1.
package hubmqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"runtime/debug"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/edgeberry/devicehub/core/logger"
)

const defaultQoS = 1

// Message is one inbound MQTT message.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Handler processes one inbound message. The context carries a fresh
// request-scoped logger.
type Handler func(ctx context.Context, message Message)

// Conn is the client surface the hub services program against.
type Conn interface {
	Publish(topic string, payload []byte) error
	Subscribe(filter string, handler Handler) error
	Connected() bool
}

// Builder contains the configuration for a hub MQTT client.
type Builder struct {
	// URL is the broker address, e.g. tls://localhost:8883
	URL string
	// ClientID identifies this service on the broker
	ClientID string
	// Username and Password are optional broker credentials
	Username string
	Password string
	// TLSCertFile, TLSKeyFile and TLSCAFile enable TLS when set
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
	// TLSInsecure skips the broker certificate verification
	TLSInsecure bool
	// WillTopic and WillPayload install a retained last-will message.
	// Devices use this to flip their status topic to offline when the
	// broker loses them; hub services leave it empty.
	WillTopic   string
	WillPayload []byte
}

// Client implements Conn on top of paho.
type Client struct {
	conn          mqtt.Client
	log           *logrus.Entry
	mutex         sync.Mutex
	subscriptions map[string]Handler
}

// New creates a client from the builder. It does not connect yet.
func New(b *Builder) *Client {
	if b.URL == "" {
		panic("MQTT URL is missing")
	}
	if b.ClientID == "" {
		panic("MQTT client ID is missing")
	}

	c := &Client{
		log:           logger.Default().WithField("mqtt", b.ClientID),
		subscriptions: map[string]Handler{},
	}

	options := mqtt.NewClientOptions()
	options.AddBroker(b.URL)
	options.SetClientID(b.ClientID)
	if b.Username != "" {
		options.SetUsername(b.Username)
		options.SetPassword(b.Password)
	}
	options.SetAutoReconnect(true)
	options.SetConnectRetry(true)
	options.SetConnectRetryInterval(2 * time.Second)
	options.SetMaxReconnectInterval(30 * time.Second)
	if tlsConfig := newTLSConfig(b); tlsConfig != nil {
		options.SetTLSConfig(tlsConfig)
	}
	if b.WillTopic != "" {
		options.SetBinaryWill(b.WillTopic, b.WillPayload, defaultQoS, true)
	}
	options.SetOnConnectHandler(func(_ mqtt.Client) {
		c.log.Info("connected to broker")
		c.resubscribe()
	})
	options.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.log.Warnf("connection lost: %v", err)
	})

	c.conn = mqtt.NewClient(options)
	return c
}

func newTLSConfig(b *Builder) *tls.Config {
	if b.TLSCAFile == "" && b.TLSCertFile == "" && !b.TLSInsecure {
		return nil
	}
	config := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: b.TLSInsecure}
	if b.TLSCAFile != "" {
		pem, err := os.ReadFile(b.TLSCAFile)
		if err != nil {
			panic(err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			panic("cannot parse CA certificate " + b.TLSCAFile)
		}
		config.RootCAs = pool
	}
	if b.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(b.TLSCertFile, b.TLSKeyFile)
		if err != nil {
			panic(err)
		}
		config.Certificates = []tls.Certificate{cert}
	}
	return config
}

// Connect blocks until the broker connection is up or the context is
// cancelled. Connection retries continue under the hood either way.
func (c *Client) Connect(ctx context.Context) error {
	token := c.conn.Connect()
	for {
		if token.WaitTimeout(250 * time.Millisecond) {
			return token.Error()
		}
		select {
		case <-ctx.Done():
			c.conn.Disconnect(0)
			return ctx.Err()
		default:
		}
	}
}

// Subscribe registers a handler for a topic filter. Subscriptions made
// before Connect are established on connect, and all subscriptions are
// re-established after a reconnect.
func (c *Client) Subscribe(filter string, handler Handler) error {
	c.mutex.Lock()
	c.subscriptions[filter] = handler
	c.mutex.Unlock()

	if !c.conn.IsConnectionOpen() {
		return nil
	}
	token := c.conn.Subscribe(filter, defaultQoS, c.callback(handler))
	token.Wait()
	return token.Error()
}

func (c *Client) resubscribe() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for filter, handler := range c.subscriptions {
		token := c.conn.Subscribe(filter, defaultQoS, c.callback(handler))
		go func(filter string, token mqtt.Token) {
			if token.Wait() && token.Error() != nil {
				c.log.Errorf("cannot subscribe %s: %v", filter, token.Error())
			}
		}(filter, token)
	}
}

// callback adapts a Handler to paho. Handlers run on paho's dispatch
// goroutine in arrival order; they must hand off long work themselves.
func (c *Client) callback(handler Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		ctx, rlog := logger.ContextWithLogger(context.Background())
		defer func() {
			if r := recover(); r != nil {
				rlog.Errorf("handler panic on %s: %v", m.Topic(), r)
				debug.PrintStack()
			}
		}()
		handler(ctx, Message{Topic: m.Topic(), Payload: m.Payload(), Retained: m.Retained()})
	}
}

// Publish sends a message with QoS 1 and waits for the broker ack.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.conn.Publish(topic, defaultQoS, false, payload)
	token.Wait()
	return token.Error()
}

// PublishRetained sends a retained message with QoS 1 and waits for the
// broker ack. Device status announcements are retained so the hub can
// seed presence after a restart.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	token := c.conn.Publish(topic, defaultQoS, true, payload)
	token.Wait()
	return token.Error()
}

// Connected reports whether the broker connection is currently up.
func (c *Client) Connected() bool {
	return c.conn.IsConnectionOpen()
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.conn.Disconnect(250)
}
