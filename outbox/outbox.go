// Copyright 2026 Edgeberry - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@edgeberry.io
//

/*
Package outbox forwards device events to an external Kafka stream.

Events are written to the outbox table in the same transaction as the
event log, so the stream sees every recorded event at least once. The
forwarder drains the outbox oldest first and keys the Kafka messages by
device UUID, which keeps one device's events on one partition. A failed
item waits out a retry delay while newer items keep flowing; items that
run out of attempts are abandoned to the log, the event log itself keeps
them queryable.
*/
package outbox

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/store"
)

// DefaultTopic is the kafka topic when none is configured.
const DefaultTopic = "devicehub-events"

// DefaultPollInterval is the drain cadence when none is configured.
const DefaultPollInterval = 10 * time.Second

// DefaultRetryDelay postpones failed items when none is configured.
const DefaultRetryDelay = 5 * time.Minute

// Queue is the outbox surface of the store.
type Queue interface {
	ClaimOutboxItem(ctx context.Context, retryAt time.Time) (*store.OutboxItem, error)
	DeleteOutboxItem(ctx context.Context, serial int64) error
}

type publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Builder contains the configuration for the forwarder.
type Builder struct {
	// Store is the identity store holding the outbox. This is mandatory.
	Store Queue
	// Brokers are the kafka bootstrap addresses. This is mandatory.
	Brokers []string
	// Topic is the kafka topic, default "devicehub-events".
	Topic string
	// PollInterval is the drain cadence, default 10s.
	PollInterval time.Duration
	// RetryDelay postpones a failed item, default 5m.
	RetryDelay time.Duration
}

// Forwarder drains the event outbox into Kafka.
type Forwarder struct {
	store      Queue
	writer     publisher
	log        *logrus.Entry
	poll       time.Duration
	retryDelay time.Duration
	done       chan struct{}
	wg         sync.WaitGroup
}

// New creates the forwarder.
func New(b *Builder) *Forwarder {
	if b.Store == nil {
		panic("store is missing")
	}
	if len(b.Brokers) == 0 {
		panic("kafka brokers are missing")
	}
	topic := b.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	poll := b.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	retryDelay := b.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(b.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Forwarder{
		store:      b.Store,
		writer:     writer,
		log:        logger.Default(),
		poll:       poll,
		retryDelay: retryDelay,
		done:       make(chan struct{}),
	}
}

// Start runs the drain loop in the background. Left-over items are
// forwarded right away.
func (f *Forwarder) Start() {
	f.wg.Add(1)
	go f.run()
}

// Stop ends the drain loop and closes the kafka writer.
func (f *Forwarder) Stop() {
	close(f.done)
	f.wg.Wait()
	if closer, ok := f.writer.(io.Closer); ok {
		closer.Close()
	}
}

func (f *Forwarder) run() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()
	f.drain(context.Background())
	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			f.drain(context.Background())
		}
	}
}

// drain forwards due items oldest first until the outbox is empty or a
// forward fails.
func (f *Forwarder) drain(ctx context.Context) {
	for {
		select {
		case <-f.done:
			return
		default:
		}
		item, err := f.store.ClaimOutboxItem(ctx, time.Now().Add(f.retryDelay))
		if err != nil {
			f.log.Errorf("cannot claim outbox item: %v", err)
			return
		}
		if item == nil {
			return
		}
		if err := f.forward(ctx, item); err != nil {
			if item.AttemptsLeft <= 0 {
				f.log.Errorf("abandoning event %d for device %s after the last attempt: %v",
					item.Serial, item.DeviceUUID, err)
			} else {
				f.log.Warningf("cannot forward event %d, %d attempts left: %v",
					item.Serial, item.AttemptsLeft, err)
			}
			return
		}
		if err := f.store.DeleteOutboxItem(ctx, item.Serial); err != nil {
			f.log.Errorf("cannot acknowledge event %d: %v", item.Serial, err)
			return
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, item *store.OutboxItem) error {
	value, err := json.Marshal(item.DeviceEvent)
	if err != nil {
		return err
	}
	return f.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(item.DeviceUUID.String()),
		Value: value,
		Time:  item.Timestamp,
	})
}
