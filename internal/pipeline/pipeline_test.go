package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zaydabash/real-time-iot-edge-agent/internal/detector"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/domain"
)

// fakeStore is an in-memory Store double.
type fakeStore struct {
	mu        sync.Mutex
	devices   map[string]domain.Device
	points    []domain.Point
	anomalies []domain.Anomaly
	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{devices: make(map[string]domain.Device)}
}

func (s *fakeStore) InsertDevice(_ context.Context, d domain.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
	return nil
}

func (s *fakeStore) GetDevice(_ context.Context, id string) (domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return domain.Device{}, errors.New("not found")
	}
	return d, nil
}

func (s *fakeStore) InsertPoints(_ context.Context, points []domain.Point) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	ids := make([]string, len(points))
	for i, p := range points {
		p.ID = generateID(len(s.points))
		ids[i] = p.ID
		s.points = append(s.points, p)
	}
	return ids, nil
}

func (s *fakeStore) InsertAnomalies(_ context.Context, anomalies []domain.Anomaly) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(anomalies))
	for i, a := range anomalies {
		a.ID = generateID(len(s.anomalies))
		ids[i] = a.ID
		s.anomalies = append(s.anomalies, a)
	}
	return ids, nil
}

func generateID(seq int) string {
	return "id-" + string(rune('a'+seq%26)) + string(rune('0'+seq/26))
}

// fakeDetector flags every point whose TemperatureC > 100 as anomalous.
type fakeDetector struct{}

func (fakeDetector) ScoreBatch(_ context.Context, _ string, points []domain.Point) ([]detector.Result, error) {
	results := make([]detector.Result, len(points))
	for i, p := range points {
		results[i] = detector.Result{PointIndex: i, Score: p.TemperatureC, IsAnomaly: p.TemperatureC > 100, Detector: "fake"}
	}
	return results, nil
}

// fakeBus records every published event.
type fakeBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *fakeBus) Publish(_ string, ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *fakeBus) snapshot() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Event, len(b.events))
	copy(out, b.events)
	return out
}

func testPipeline() (*Pipeline, *fakeStore, *fakeBus) {
	st := newFakeStore()
	bus := &fakeBus{}
	p := New(st, fakeDetector{}, bus, Config{AllowAutoDevice: true, MQTTBatchSize: 4, MQTTFlushEvery: 30 * time.Millisecond, IdleTimeout: time.Second}, nil)
	return p, st, bus
}

func TestAcceptHTTPBatchPersistsScoresAndPublishes(t *testing.T) {
	p, st, bus := testPipeline()

	res, err := p.AcceptHTTPBatch(context.Background(), "dev1", []domain.Point{
		{TemperatureC: 20, Ts: time.Now()},
		{TemperatureC: 150, Ts: time.Now()},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.MetricsInserted)
	assert.Equal(t, 1, res.AnomaliesDetected)

	st.mu.Lock()
	assert.Len(t, st.points, 2)
	assert.Len(t, st.anomalies, 1)
	st.mu.Unlock()

	events := bus.snapshot()
	var metricEvents, anomalyEvents int
	for _, e := range events {
		switch e.Kind {
		case domain.EventMetricNew:
			metricEvents++
		case domain.EventAnomalyNew:
			anomalyEvents++
		}
	}
	assert.Equal(t, 2, metricEvents)
	assert.Equal(t, 1, anomalyEvents)
}

func TestAcceptHTTPBatchRejectsEmptyBatch(t *testing.T) {
	p, _, _ := testPipeline()
	_, err := p.AcceptHTTPBatch(context.Background(), "dev1", nil)
	require.Error(t, err)
	var ce *ClientError
	assert.ErrorAs(t, err, &ce)
}

func TestAcceptHTTPBatchRejectsUnknownDeviceWhenAutoProvisionOff(t *testing.T) {
	st := newFakeStore()
	bus := &fakeBus{}
	p := New(st, fakeDetector{}, bus, Config{AllowAutoDevice: false}, nil)

	_, err := p.AcceptHTTPBatch(context.Background(), "new", []domain.Point{{TemperatureC: 20, Ts: time.Now()}})
	require.Error(t, err)
	var ude *UnknownDeviceError
	assert.ErrorAs(t, err, &ude)

	st.mu.Lock()
	assert.Empty(t, st.points, "no point should be persisted for an unknown device")
	st.mu.Unlock()
}

func TestAcceptHTTPBatchRejectsInvalidPoint(t *testing.T) {
	p, _, _ := testPipeline()
	_, err := p.AcceptHTTPBatch(context.Background(), "dev1", []domain.Point{
		{TemperatureC: math.NaN(), Ts: time.Now()},
	})
	require.Error(t, err)
}

func TestAcceptHTTPBatchSurfacesStoreError(t *testing.T) {
	st := newFakeStore()
	st.insertErr = errors.New("disk full")
	bus := &fakeBus{}
	p := New(st, fakeDetector{}, bus, Config{AllowAutoDevice: true}, nil)

	_, err := p.AcceptHTTPBatch(context.Background(), "dev1", []domain.Point{{TemperatureC: 20, Ts: time.Now()}})
	require.Error(t, err)
	var se *StoreError
	assert.ErrorAs(t, err, &se)
	assert.Empty(t, bus.snapshot(), "nothing should be published when persistence fails")
}

func TestAcceptMQTTPointFlushesAtBatchSize(t *testing.T) {
	p, st, _ := testPipeline()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, p.AcceptMQTTPoint(ctx, "dev1", domain.Point{TemperatureC: 20, Ts: time.Now()}))
	}

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.points) == 4
	}, time.Second, 10*time.Millisecond)
}

func TestAcceptMQTTPointFlushesOnTimer(t *testing.T) {
	p, st, _ := testPipeline()
	ctx := context.Background()

	require.NoError(t, p.AcceptMQTTPoint(ctx, "dev1", domain.Point{TemperatureC: 20, Ts: time.Now()}))

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.points) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDevicesAreIndependentWorkers(t *testing.T) {
	p, st, _ := testPipeline()
	ctx := context.Background()

	_, err := p.AcceptHTTPBatch(ctx, "dev1", []domain.Point{{TemperatureC: 20, Ts: time.Now()}})
	require.NoError(t, err)
	_, err = p.AcceptHTTPBatch(ctx, "dev2", []domain.Point{{TemperatureC: 21, Ts: time.Now()}})
	require.NoError(t, err)

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Len(t, st.points, 2)
}

func TestUpdateDeviceLocationPublishesDeviceUpdate(t *testing.T) {
	p, st, bus := testPipeline()
	ctx := context.Background()

	require.NoError(t, p.UpdateDeviceLocation(ctx, "dev42", 37.3, -121.9))

	st.mu.Lock()
	dev, ok := st.devices["dev42"]
	st.mu.Unlock()
	require.True(t, ok)
	require.NotNil(t, dev.Lat)
	require.NotNil(t, dev.Lng)
	assert.Equal(t, 37.3, *dev.Lat)
	assert.Equal(t, -121.9, *dev.Lng)

	events := bus.snapshot()
	var updates int
	for _, e := range events {
		if e.Kind == domain.EventDeviceUpdate {
			updates++
		}
	}
	assert.Equal(t, 1, updates, "exactly one device:update should fire")
}

func TestUpdateDeviceLocationPreservesExistingName(t *testing.T) {
	p, st, _ := testPipeline()
	ctx := context.Background()

	require.NoError(t, st.InsertDevice(ctx, domain.Device{ID: "dev42", Name: "hallway-sensor", CreatedAt: time.Now()}))
	require.NoError(t, p.UpdateDeviceLocation(ctx, "dev42", 1, 2))

	st.mu.Lock()
	dev := st.devices["dev42"]
	st.mu.Unlock()
	assert.Equal(t, "hallway-sensor", dev.Name)
}

func TestArrivalOrderPreservedWithinDevice(t *testing.T) {
	p, st, _ := testPipeline()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := p.AcceptHTTPBatch(ctx, "dev1", []domain.Point{{TemperatureC: float64(i), Ts: time.Now()}})
		require.NoError(t, err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.points, 3)
	for i, pt := range st.points {
		assert.Equal(t, uint64(i+1), pt.ArrivalSeq)
	}
}
