// Package pipeline is the Ingestion Pipeline (spec §4.D): it owns
// per-device serialisation, resolves/normalises points, and drives the
// Persist -> Score -> Publish sequence. One worker goroutine per device
// is created lazily and reaped on idle, mirroring the teacher's
// websocket.Client read/write pumps (a dedicated goroutine per
// long-lived peer, torn down on its own schedule) generalised from a
// socket connection to a device's serialisation queue.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/zaydabash/real-time-iot-edge-agent/internal/detector"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/domain"
)

// Store is the subset of the Persistence Gateway the pipeline needs.
type Store interface {
	InsertDevice(ctx context.Context, d domain.Device) error
	GetDevice(ctx context.Context, id string) (domain.Device, error)
	InsertPoints(ctx context.Context, points []domain.Point) ([]string, error)
	InsertAnomalies(ctx context.Context, anomalies []domain.Anomaly) ([]string, error)
}

// Bus is the subset of the Event Bus the pipeline needs.
type Bus interface {
	Publish(topic string, ev domain.Event)
}

const (
	defaultIdleTimeout  = 5 * time.Minute
	defaultMQTTFlush    = 500 * time.Millisecond
	defaultWorkerCap    = 4096
	defaultInboxBuffer  = 256
)

// Pipeline is the Ingestion Pipeline.
type Pipeline struct {
	store           Store
	detector        detector.Detector
	bus             Bus
	allowAutoDevice bool
	mqttBatchSize   int
	mqttFlushEvery  time.Duration
	idleTimeout     time.Duration
	log             *zap.Logger

	mu           sync.Mutex
	workers      *lru.Cache // deviceID -> *deviceWorker, bounded so memory for
	                        // devices that go quiet is eventually reclaimed
	                        // even if the idle timer's goroutine is slow to
	                        // fire, adapted from the corpus's lru.New(n)
	                        // cache-eviction pattern (invalagent.go) to
	                        // windowed-worker eviction.
	knownDevices sync.Map // deviceID -> struct{}

	droppedMQTTBatches atomic64
}

// Config configures a Pipeline's policy knobs.
type Config struct {
	AllowAutoDevice bool
	MQTTBatchSize   int
	MQTTFlushEvery  time.Duration
	IdleTimeout     time.Duration
}

// New returns a Pipeline wired to the given Store, Detector and Bus.
func New(store Store, det detector.Detector, bus Bus, cfg Config, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MQTTBatchSize <= 0 {
		cfg.MQTTBatchSize = 64
	}
	if cfg.MQTTFlushEvery <= 0 {
		cfg.MQTTFlushEvery = defaultMQTTFlush
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}

	p := &Pipeline{
		store:           store,
		detector:        det,
		bus:             bus,
		allowAutoDevice: cfg.AllowAutoDevice,
		mqttBatchSize:   cfg.MQTTBatchSize,
		mqttFlushEvery:  cfg.MQTTFlushEvery,
		idleTimeout:     cfg.IdleTimeout,
		log:             log,
	}
	workers, _ := lru.NewWithEvict(defaultWorkerCap, func(key, value interface{}) {
		if w, ok := value.(*deviceWorker); ok {
			close(w.stopCh)
		}
	})
	p.workers = workers
	return p
}

// AcceptResult is returned to the HTTP edge after a batch commits.
type AcceptResult struct {
	MetricsInserted   int
	AnomaliesDetected int
}

// resolveDevice implements step 1 of spec §4.D: lookup-or-provision,
// else UnknownDeviceError.
func (p *Pipeline) resolveDevice(ctx context.Context, deviceID string) error {
	if _, ok := p.knownDevices.Load(deviceID); ok {
		return nil
	}

	if _, err := p.store.GetDevice(ctx, deviceID); err == nil {
		p.knownDevices.Store(deviceID, struct{}{})
		return nil
	}

	if p.allowAutoDevice {
		if err := p.store.InsertDevice(ctx, domain.Device{ID: deviceID, Name: deviceID, CreatedAt: time.Now().UTC()}); err != nil {
			return NewStoreError(err)
		}
		p.knownDevices.Store(deviceID, struct{}{})
		p.bus.Publish(deviceTopic(deviceID), domain.Event{
			Kind:     domain.EventDeviceUpdate,
			DeviceID: deviceID,
			Payload:  map[string]string{"deviceId": deviceID},
		})
		return nil
	}

	return NewUnknownDeviceError(deviceID)
}

// normalise implements step 2 of spec §4.D.
func normalise(p *domain.Point) error {
	if p.Ts.IsZero() {
		p.Ts = time.Now().UTC()
	}
	if !p.Valid() {
		return NewClientError("invalid point: non-finite measurement")
	}
	return nil
}

func (p *Pipeline) workerFor(deviceID string) *deviceWorker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := p.workers.Get(deviceID); ok {
		return v.(*deviceWorker)
	}
	w := newDeviceWorker(p, deviceID)
	p.workers.Add(deviceID, w)
	go w.run()
	return w
}

// forgetWorker removes deviceID's entry once its own idle timer fires,
// so a live, about-to-exit worker isn't handed out to a new caller.
func (p *Pipeline) forgetWorker(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers.Remove(deviceID)
}

// AcceptHTTPBatch implements the HTTP ingest path of spec §4.D: the
// whole batch is persisted, scored, and published as one unit, and the
// call blocks until persistence commits.
func (p *Pipeline) AcceptHTTPBatch(ctx context.Context, deviceID string, points []domain.Point) (AcceptResult, error) {
	if len(points) == 0 {
		return AcceptResult{}, NewClientError("metrics must contain at least one point")
	}
	if err := p.resolveDevice(ctx, deviceID); err != nil {
		return AcceptResult{}, err
	}
	for i := range points {
		points[i].DeviceID = deviceID
		if err := normalise(&points[i]); err != nil {
			return AcceptResult{}, err
		}
	}

	w := p.workerFor(deviceID)
	reply := make(chan batchResult, 1)
	select {
	case w.inbox <- job{kind: jobHTTP, points: points, reply: reply}:
	case <-ctx.Done():
		return AcceptResult{}, ctx.Err()
	}

	select {
	case res := <-reply:
		if res.err != nil {
			return AcceptResult{}, res.err
		}
		return AcceptResult{MetricsInserted: len(points), AnomaliesDetected: res.anomalies}, nil
	case <-ctx.Done():
		return AcceptResult{}, ctx.Err()
	}
}

// AcceptMQTTPoint implements the MQTT ingest path of spec §4.D: the
// point is enqueued and the call returns immediately; persistence,
// scoring, and publication happen asynchronously on the device worker
// once the size or time batching trigger fires.
func (p *Pipeline) AcceptMQTTPoint(ctx context.Context, deviceID string, pt domain.Point) error {
	if err := p.resolveDevice(ctx, deviceID); err != nil {
		return err
	}
	pt.DeviceID = deviceID
	if err := normalise(&pt); err != nil {
		return err
	}

	w := p.workerFor(deviceID)
	select {
	case w.inbox <- job{kind: jobMQTT, points: []domain.Point{pt}}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateDeviceLocation records a device's reported lat/lng and
// republishes device:update (spec §4.F scenario S4: an MQTT metrics
// message carrying location fires exactly one device:update, in
// addition to any metric:new the point itself produces). The device's
// existing name and creation time are preserved across the upsert.
func (p *Pipeline) UpdateDeviceLocation(ctx context.Context, deviceID string, lat, lng float64) error {
	d, err := p.store.GetDevice(ctx, deviceID)
	if err != nil {
		d = domain.Device{ID: deviceID, Name: deviceID, CreatedAt: time.Now().UTC()}
	}
	d.Lat = &lat
	d.Lng = &lng

	if err := p.store.InsertDevice(ctx, d); err != nil {
		return NewStoreError(err)
	}
	p.knownDevices.Store(deviceID, struct{}{})

	p.bus.Publish(deviceTopic(deviceID), domain.Event{
		Kind:     domain.EventDeviceUpdate,
		DeviceID: deviceID,
		Payload: map[string]string{
			"deviceId": deviceID,
			"location": fmt.Sprintf("lat:%g,lng:%g", lat, lng),
		},
	})
	return nil
}

// Shutdown drains every device worker with a bounded grace period
// (spec §5): pending MQTT buffers are flushed (re-scored by the
// fallback detector if the external RPC can't complete in time, which
// the external.Detector's own context timeout already guarantees).
func (p *Pipeline) Shutdown(ctx context.Context) {
	p.mu.Lock()
	keys := p.workers.Keys()
	workers := make([]*deviceWorker, 0, len(keys))
	for _, k := range keys {
		if v, ok := p.workers.Peek(k); ok {
			workers = append(workers, v.(*deviceWorker))
		}
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *deviceWorker) {
			defer wg.Done()
			w.shutdown(ctx)
		}(w)
	}
	wg.Wait()
}

func deviceTopic(deviceID string) string { return "device:" + deviceID }

// atomic64 is a tiny counter avoiding an import of sync/atomic's Uint64
// type alias differences across call sites; kept here for the dropped
// MQTT batch counter exposed through DroppedMQTTBatches.
type atomic64 struct {
	mu sync.Mutex
	n  uint64
}

func (a *atomic64) add(d uint64) {
	a.mu.Lock()
	a.n += d
	a.mu.Unlock()
}

func (a *atomic64) load() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

// DroppedMQTTBatches reports how many MQTT batches were dropped after
// a persistence failure (spec §7 StoreError on the MQTT path).
func (p *Pipeline) DroppedMQTTBatches() uint64 { return p.droppedMQTTBatches.load() }
