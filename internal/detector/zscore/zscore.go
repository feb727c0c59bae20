// Package zscore implements the rolling z-score univariate detector from
// spec §4.A: a per-metric ring window with incrementally maintained sum
// and sum-of-squares, so mean/variance never need a full recompute.
package zscore

import (
	"context"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/zaydabash/real-time-iot-edge-agent/internal/detector"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/domain"
)

const (
	numMetrics        = 4
	defaultDeviceCap  = 4096
	defaultWindowSize = 200
	defaultThreshold  = 3.0
)

// Detector is the z-score scorer. It is safe for concurrent use across
// devices; per-device state is only ever touched by the caller owning
// that device's serialisation queue (spec §5).
type Detector struct {
	windowSize int
	threshold  float64
	devices    *lru.Cache // deviceID -> *deviceWindow
	mu         sync.Mutex // guards lazy creation in devices
}

// New returns a Detector with the given per-metric window size and
// z-score threshold T (spec defaults: windowSize=200, threshold=3.0).
func New(windowSize int, threshold float64) *Detector {
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	cache, _ := lru.New(defaultDeviceCap)
	return &Detector{windowSize: windowSize, threshold: threshold, devices: cache}
}

// metricWindow is a bounded FIFO of recent values for one metric, with
// running sum and sum-of-squares to amortise mean/variance recomputation
// (spec §3 DeviceWindow).
type metricWindow struct {
	values []float64
	head   int
	count  int
	sum    float64
	sumSq  float64
}

func newMetricWindow(size int) *metricWindow {
	return &metricWindow{values: make([]float64, size)}
}

// append adds x to the window, evicting the oldest value once full, and
// returns the window's mean/stddev over its contents *after* the append
// (so the value just appended sees its own influence on the statistics —
// this is what lets the scored point register as anomalous the instant
// it arrives, per spec's worked example in §8 S1).
func (w *metricWindow) append(x float64) (mean, stddev float64) {
	n := len(w.values)
	if w.count == n {
		oldest := w.values[w.head]
		w.sum -= oldest
		w.sumSq -= oldest * oldest
	} else {
		w.count++
	}
	w.values[w.head] = x
	w.head = (w.head + 1) % n
	w.sum += x
	w.sumSq += x * x

	mean = w.sum / float64(w.count)
	if w.count < 2 {
		return mean, 0
	}
	variance := (w.sumSq - float64(w.count)*mean*mean) / float64(w.count-1)
	if variance <= 0 {
		return mean, 0
	}
	return mean, math.Sqrt(variance)
}

type deviceWindow struct {
	mu      sync.Mutex
	metrics [numMetrics]*metricWindow
}

func (d *Detector) windowFor(deviceID string) *deviceWindow {
	if v, ok := d.devices.Get(deviceID); ok {
		return v.(*deviceWindow)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.devices.Get(deviceID); ok {
		return v.(*deviceWindow)
	}
	dw := &deviceWindow{}
	for i := range dw.metrics {
		dw.metrics[i] = newMetricWindow(d.windowSize)
	}
	d.devices.Add(deviceID, dw)
	return dw
}

// ScoreBatch implements detector.Detector. Points are processed in
// arrival order; each point is appended to its metric windows before
// being scored, so later points in the batch see earlier ones (online
// semantics, spec §4.A).
func (d *Detector) ScoreBatch(_ context.Context, deviceID string, points []domain.Point) ([]detector.Result, error) {
	dw := d.windowFor(deviceID)
	dw.mu.Lock()
	defer dw.mu.Unlock()

	results := make([]detector.Result, len(points))
	for i, p := range points {
		values := p.Metrics()
		var maxZ float64
		for m, x := range values {
			mean, stddev := dw.metrics[m].append(x)
			z := 0.0
			if stddev > 0 {
				z = math.Abs(x-mean) / stddev
			}
			if z > maxZ {
				maxZ = z
			}
		}
		results[i] = detector.Result{
			PointIndex: i,
			Score:      maxZ,
			IsAnomaly:  maxZ > d.threshold,
			Detector:   "zscore",
		}
	}
	return results, nil
}
