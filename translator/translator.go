// Copyright 2026 Edgeberry - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@edgeberry.io
//

/*
Package translator republishes device application data onto name-addressed
topics.

Devices publish application data under their UUID on the bare grammar
devices/{uuid}/messages/events/... because that is all their certificate
lets them do. Applications prefer to consume by device name. The
translator bridges the two: it resolves the UUID through the provisioning
service, caches the answer for a while and republishes the payload under
$devicehub/devicedata/{name}/messages/events/...

Names are administrator-editable, so a background monitor re-resolves the
cached entries on a slow cadence and drops the ones that changed or
disappeared. Messages from UUIDs that cannot be resolved are dropped.
*/
package translator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/edgeberry/devicehub/bus"
	"github.com/edgeberry/devicehub/core"
	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/core/workers"
	"github.com/edgeberry/devicehub/hubmqtt"
	"github.com/edgeberry/devicehub/topics"
)

// DefaultCacheTTL is the name cache lifetime when none is configured.
const DefaultCacheTTL = 60 * time.Second

// Cache TTL bounds. A shorter TTL would hammer the provisioning service,
// a longer one would let renames go unnoticed for too long.
const (
	minCacheTTL = 30 * time.Second
	maxCacheTTL = 5 * time.Minute
)

const resolveTimeout = 5 * time.Second

// Builder contains the configuration for the translator.
type Builder struct {
	// MQTT is the broker connection. This is mandatory.
	MQTT hubmqtt.Conn
	// Bus reaches the provisioning service for name resolution. This is
	// mandatory.
	Bus *bus.Bus
	// CacheTTL is the name cache lifetime, clamped to [30s, 5m],
	// default 60s.
	CacheTTL time.Duration
	// CacheSize bounds the number of cached names, default 4096.
	CacheSize int
	// WorkerCount is the size of the republish worker pool, default 4.
	WorkerCount int
}

// Service is the name translator.
type Service struct {
	conn  hubmqtt.Conn
	bus   *bus.Bus
	cache *expirable.LRU[string, string]
	ttl   time.Duration
	pool  *workers.Pool
	log   *logrus.Entry
	done  chan struct{}
	wg    sync.WaitGroup
}

// New creates the translator.
func New(b *Builder) *Service {
	if b.MQTT == nil {
		panic("MQTT connection is missing")
	}
	if b.Bus == nil {
		panic("bus is missing")
	}
	ttl := b.CacheTTL
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	if ttl < minCacheTTL {
		ttl = minCacheTTL
	}
	if ttl > maxCacheTTL {
		ttl = maxCacheTTL
	}
	size := b.CacheSize
	if size <= 0 {
		size = 4096
	}
	count := b.WorkerCount
	if count <= 0 {
		count = 4
	}
	return &Service{
		conn:  b.MQTT,
		bus:   b.Bus,
		cache: expirable.NewLRU[string, string](size, nil, ttl),
		ttl:   ttl,
		pool:  workers.New(count, 64),
		log:   logger.Default(),
		done:  make(chan struct{}),
	}
}

// Start subscribes to the raw device data topics and starts the cache
// monitor.
func (s *Service) Start() error {
	if err := s.conn.Subscribe(topics.FilterRawEvents, s.handleRawEvent); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.monitor()
	return nil
}

// Stop ends the monitor and drains the worker pool.
func (s *Service) Stop() {
	close(s.done)
	s.wg.Wait()
	s.pool.Shutdown()
}

func (s *Service) handleRawEvent(ctx context.Context, message hubmqtt.Message) {
	id, remainder, ok := topics.RawEvent(message.Topic)
	if !ok {
		return
	}
	// keyed by device, so republishing preserves per-device order
	s.pool.Submit(ctx, id, func(ctx context.Context) {
		s.translate(ctx, id, remainder, message.Payload)
	})
}

func (s *Service) translate(ctx context.Context, id, remainder string, payload []byte) {
	name, ok := s.lookup(ctx, id)
	if !ok {
		return
	}
	if err := s.conn.Publish(topics.Translated(name, remainder), payload); err != nil {
		logger.FromContext(ctx).Warningf("cannot republish for device %s: %v", id, err)
	}
}

// lookup resolves a device UUID to its name, consulting the cache first.
func (s *Service) lookup(ctx context.Context, id string) (string, bool) {
	if name, ok := s.cache.Get(id); ok {
		return name, true
	}
	deviceUUID, err := uuid.Parse(id)
	if err != nil {
		logger.FromContext(ctx).Debugf("dropping message from invalid device id %q", id)
		return "", false
	}
	name, err := s.bus.Devices().ResolveName(ctx, deviceUUID)
	if err != nil {
		if core.IsCode(err, core.CodeNotFound) {
			logger.FromContext(ctx).Debugf("dropping message from unknown device %s", id)
		} else {
			logger.FromContext(ctx).Warningf("cannot resolve device %s: %v", id, err)
		}
		return "", false
	}
	s.cache.Add(id, name)
	return name, true
}

// monitor re-resolves the cached names every two cache lifetimes, so a
// rename takes effect even while the device publishes fast enough to keep
// its entry warm.
func (s *Service) monitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(2 * s.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.reconcile()
		}
	}
}

func (s *Service) reconcile() {
	for _, id := range s.cache.Keys() {
		cached, ok := s.cache.Get(id)
		if !ok {
			continue
		}
		deviceUUID, err := uuid.Parse(id)
		if err != nil {
			s.cache.Remove(id)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		name, err := s.bus.Devices().ResolveName(ctx, deviceUUID)
		cancel()
		if err != nil {
			if core.IsCode(err, core.CodeNotFound) {
				s.log.Debugf("device %s is gone, dropping its cached name", id)
				s.cache.Remove(id)
			}
			// a bus hiccup keeps the entry, the TTL bounds its lifetime
			continue
		}
		if name != cached {
			s.log.Infof("device %s was renamed from %q to %q", id, cached, name)
			s.cache.Remove(id)
		}
	}
}
