package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zaydabash/real-time-iot-edge-agent/internal/domain"
)

type jobKind int

const (
	jobHTTP jobKind = iota
	jobMQTT
)

// job is one unit handed to a deviceWorker's inbox. HTTP jobs carry a
// full batch and a reply channel the caller blocks on; MQTT jobs carry
// a single point and no reply (spec §5: MQTT onMessage never blocks on
// persistence).
type job struct {
	kind   jobKind
	points []domain.Point
	reply  chan batchResult
}

type batchResult struct {
	anomalies int
	err       error
}

// deviceWorker is the single goroutine that owns one device's
// serialisation queue (spec §4.D step 3, §5). It is created lazily on
// first contact and reaped after idleTimeout of inactivity.
type deviceWorker struct {
	pipeline *Pipeline
	deviceID string
	inbox    chan job
	seq      uint64
	stopCh   chan struct{}

	mqttBuffer []domain.Point
}

func newDeviceWorker(p *Pipeline, deviceID string) *deviceWorker {
	return &deviceWorker{
		pipeline: p,
		deviceID: deviceID,
		inbox:    make(chan job, defaultInboxBuffer),
		stopCh:   make(chan struct{}),
	}
}

func (w *deviceWorker) run() {
	idleTimer := time.NewTimer(w.pipeline.idleTimeout)
	flushTimer := time.NewTimer(w.pipeline.mqttFlushEvery)
	flushTimer.Stop()
	defer idleTimer.Stop()
	defer flushTimer.Stop()

	ctx := context.Background()

	for {
		select {
		case j, ok := <-w.inbox:
			if !ok {
				return
			}
			if !idleTimer.Stop() {
				drainTimer(idleTimer)
			}
			idleTimer.Reset(w.pipeline.idleTimeout)

			switch j.kind {
			case jobHTTP:
				// Flush any MQTT points already queued for this device so
				// arrival order (channel receive order) is preserved
				// across the two edges.
				w.flushMQTT(ctx, flushTimer)
				res := w.processBatch(ctx, j.points)
				j.reply <- res

			case jobMQTT:
				if len(w.mqttBuffer) == 0 {
					flushTimer.Reset(w.pipeline.mqttFlushEvery)
				}
				w.mqttBuffer = append(w.mqttBuffer, j.points[0])
				if len(w.mqttBuffer) >= w.pipeline.mqttBatchSize {
					w.flushMQTT(ctx, flushTimer)
				}
			}

		case <-flushTimer.C:
			w.flushMQTTNoReset(ctx)

		case <-idleTimer.C:
			w.flushMQTTNoReset(ctx)
			w.pipeline.forgetWorker(w.deviceID)
			return

		case <-w.stopCh:
			// Evicted from the bounded worker registry under device
			// churn (spec §5's idle reap is the common path; this is
			// the capacity backstop). The entry is already gone from
			// the registry, so no forgetWorker call here.
			w.flushMQTTNoReset(ctx)
			return
		}
	}
}

func drainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}

func (w *deviceWorker) flushMQTT(ctx context.Context, flushTimer *time.Timer) {
	if !flushTimer.Stop() {
		drainTimer(flushTimer)
	}
	w.flushMQTTNoReset(ctx)
}

func (w *deviceWorker) flushMQTTNoReset(ctx context.Context) {
	if len(w.mqttBuffer) == 0 {
		return
	}
	points := w.mqttBuffer
	w.mqttBuffer = nil

	res := w.processBatch(ctx, points)
	if res.err != nil {
		w.pipeline.droppedMQTTBatches.add(1)
		w.pipeline.log.Warn("dropping mqtt batch after persistence failure",
			zap.String("device_id", w.deviceID),
			zap.Int("batch_size", len(points)),
			zap.Error(res.err),
		)
	}
}

// processBatch implements steps 4-6 of spec §4.D: Persist, Score,
// Publish, in that order, for one device's batch. Both edges run the
// identical sequence; only the caller's handling of a non-nil error
// differs (HTTP returns it to the client, MQTT drops and counts it).
func (w *deviceWorker) processBatch(ctx context.Context, points []domain.Point) batchResult {
	for i := range points {
		w.seq++
		points[i].ArrivalSeq = w.seq
	}

	ids, err := w.pipeline.store.InsertPoints(ctx, points)
	if err != nil {
		return batchResult{err: NewStoreError(err)}
	}
	for i := range points {
		points[i].ID = ids[i]
	}

	results, err := w.pipeline.detector.ScoreBatch(ctx, w.deviceID, points)
	if err != nil {
		// The Detector Registry's own external variant already falls
		// back to z-score internally; a non-nil error here means even
		// the fallback failed, which this reference implementation
		// treats as "no anomalies this batch" rather than failing
		// persistence that already committed.
		w.pipeline.log.Warn("detector scoring failed, treating batch as non-anomalous",
			zap.String("device_id", w.deviceID), zap.Error(err))
		results = nil
	}

	for _, pt := range points {
		w.pipeline.bus.Publish(deviceTopic(w.deviceID), domain.Event{
			Kind:     domain.EventMetricNew,
			DeviceID: w.deviceID,
			Payload:  pt,
		})
	}

	var anomalies []domain.Anomaly
	for _, r := range results {
		if !r.IsAnomaly {
			continue
		}
		pointID := points[r.PointIndex].ID
		anomalies = append(anomalies, domain.Anomaly{
			PointID:  &pointID,
			DeviceID: w.deviceID,
			Score:    r.Score,
			Detector: r.Detector,
			Flagged:  true,
			Ts:       points[r.PointIndex].Ts,
		})
	}

	if len(anomalies) == 0 {
		return batchResult{anomalies: 0}
	}

	anomalyIDs, err := w.pipeline.store.InsertAnomalies(ctx, anomalies)
	if err != nil {
		w.pipeline.log.Warn("failed to persist anomalies, not publishing anomaly:new",
			zap.String("device_id", w.deviceID), zap.Error(err))
		return batchResult{anomalies: 0}
	}

	for i, a := range anomalies {
		a.ID = anomalyIDs[i]
		w.pipeline.bus.Publish(deviceTopic(w.deviceID), domain.Event{
			Kind:     domain.EventAnomalyNew,
			DeviceID: w.deviceID,
			Payload:  a,
		})
	}

	return batchResult{anomalies: len(anomalies)}
}

// shutdown flushes any pending MQTT buffer and stops the worker,
// bounded by ctx's deadline (spec §5 shutdown grace period).
func (w *deviceWorker) shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		w.flushMQTTNoReset(ctx)
		close(w.inbox)
		done <- struct{}{}
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
