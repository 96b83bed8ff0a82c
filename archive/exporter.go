package archive

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/store"
)

// DefaultMaxAge keeps a month of events in the hot log.
const DefaultMaxAge = 720 * time.Hour

// DefaultInterval is the export cadence when none is configured.
const DefaultInterval = time.Hour

const exportBatchSize = 500

// EventLog is the exporter surface of the store.
type EventLog interface {
	OldEvents(ctx context.Context, until time.Time, afterSerial int64, limit int) ([]store.DeviceEvent, error)
	DeleteEventsThrough(ctx context.Context, until time.Time, throughSerial int64) (int64, error)
}

// Builder contains the configuration for the exporter.
type Builder struct {
	// Store is the identity store holding the event log. This is mandatory.
	Store EventLog
	// Driver is the archive backend. This is mandatory.
	Driver Driver
	// MaxAge keeps younger events in the hot log, default 720h.
	MaxAge time.Duration
	// Interval is the export cadence, default 1h.
	Interval time.Duration
}

// Exporter periodically moves events older than the cutoff into the
// archive and prunes them from the event log. Keys are
// events/<device>/<timestamp>.jsonl with the timestamp of the first
// event in the object, so a pass that failed half way re-exports the
// same rows under the same keys.
type Exporter struct {
	store    EventLog
	driver   Driver
	log      *logrus.Entry
	maxAge   time.Duration
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates the exporter.
func New(b *Builder) *Exporter {
	if b.Store == nil {
		panic("store is missing")
	}
	if b.Driver == nil {
		panic("archive driver is missing")
	}
	maxAge := b.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	interval := b.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Exporter{
		store:    b.Store,
		driver:   b.Driver,
		log:      logger.Default(),
		maxAge:   maxAge,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start runs the export loop in the background. The first pass runs
// right away, so a hub that was down for a while catches up on boot.
func (e *Exporter) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop ends the export loop.
func (e *Exporter) Stop() {
	close(e.done)
	e.wg.Wait()
}

func (e *Exporter) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	e.export(context.Background())
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.export(context.Background())
		}
	}
}

// export moves all events older than the cutoff, one page at a time. A
// page is only pruned after the whole page reached the archive, so a
// failure leaves the remaining rows for the next pass.
func (e *Exporter) export(ctx context.Context) {
	cutoff := time.Now().Add(-e.maxAge)
	var afterSerial int64
	for {
		select {
		case <-e.done:
			return
		default:
		}
		events, err := e.store.OldEvents(ctx, cutoff, afterSerial, exportBatchSize)
		if err != nil {
			e.log.Errorf("cannot page the event log: %v", err)
			return
		}
		if len(events) == 0 {
			return
		}
		if err := e.exportPage(ctx, events); err != nil {
			e.log.Errorf("cannot archive events: %v", err)
			return
		}
		lastSerial := events[len(events)-1].Serial
		count, err := e.store.DeleteEventsThrough(ctx, cutoff, lastSerial)
		if err != nil {
			e.log.Errorf("cannot prune archived events: %v", err)
			return
		}
		e.log.Infof("archived %d events through serial %d", count, lastSerial)
		afterSerial = lastSerial
	}
}

// exportPage writes one JSONL object per device in the page.
func (e *Exporter) exportPage(ctx context.Context, events []store.DeviceEvent) error {
	order := []uuid.UUID{}
	batches := map[uuid.UUID][]store.DeviceEvent{}
	for _, event := range events {
		if _, ok := batches[event.DeviceUUID]; !ok {
			order = append(order, event.DeviceUUID)
		}
		batches[event.DeviceUUID] = append(batches[event.DeviceUUID], event)
	}
	for _, id := range order {
		batch := batches[id]
		var buf bytes.Buffer
		for _, event := range batch {
			line, err := json.Marshal(event)
			if err != nil {
				return err
			}
			buf.Write(line)
			buf.WriteByte('\n')
		}
		key := "events/" + id.String() + "/" +
			batch[0].Timestamp.UTC().Format(time.RFC3339Nano) + ".jsonl"
		if err := e.driver.Store(ctx, key, &buf); err != nil {
			return err
		}
	}
	return nil
}
