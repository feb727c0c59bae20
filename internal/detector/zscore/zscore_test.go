package zscore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zaydabash/real-time-iot-edge-agent/internal/domain"
)

func nominalPoint(temp float64) domain.Point {
	return domain.Point{
		Ts:           time.Now(),
		TemperatureC: temp,
		VibrationG:   0.5,
		HumidityPct:  40,
		VoltageV:     12,
	}
}

// TestStationaryStreamNeverAnomalous is property test #3 from spec §8:
// for a constant-value stream, isAnomaly must be false for every point.
func TestStationaryStreamNeverAnomalous(t *testing.T) {
	d := New(200, 3.0)
	points := make([]domain.Point, 300)
	for i := range points {
		points[i] = nominalPoint(22.0)
	}

	results, err := d.ScoreBatch(context.Background(), "dev1", points)
	require.NoError(t, err)
	for _, r := range results {
		assert.False(t, r.IsAnomaly)
		assert.Equal(t, 0.0, r.Score)
	}
}

// TestSpikeAfterStableWindowIsFlagged reproduces scenario S1: 50 nominal
// points followed by one spike must yield exactly one anomaly, on the
// spike itself.
func TestSpikeAfterStableWindowIsFlagged(t *testing.T) {
	d := New(200, 3.0)
	points := make([]domain.Point, 51)
	for i := 0; i < 50; i++ {
		points[i] = nominalPoint(22.0)
	}
	points[50] = nominalPoint(40.0)

	results, err := d.ScoreBatch(context.Background(), "dev1", points)
	require.NoError(t, err)

	anomalies := 0
	for i, r := range results {
		if r.IsAnomaly {
			anomalies++
			assert.Equal(t, 50, i, "only the spike point should be anomalous")
		}
	}
	assert.Equal(t, 1, anomalies)
	assert.Equal(t, "zscore", results[50].Detector)
}

func TestWindowEvictsOldestFIFO(t *testing.T) {
	d := New(5, 3.0)
	points := make([]domain.Point, 5)
	for i := range points {
		points[i] = nominalPoint(20.0)
	}
	_, err := d.ScoreBatch(context.Background(), "dev1", points)
	require.NoError(t, err)

	dw := d.windowFor("dev1")
	assert.Equal(t, 5, dw.metrics[0].count)

	_, err = d.ScoreBatch(context.Background(), "dev1", []domain.Point{nominalPoint(20.0)})
	require.NoError(t, err)
	assert.Equal(t, 5, dw.metrics[0].count, "window must not grow past its capacity")
}

func TestDevicesAreIndependent(t *testing.T) {
	d := New(200, 3.0)
	points := make([]domain.Point, 60)
	for i := 0; i < 59; i++ {
		points[i] = nominalPoint(22.0)
	}
	points[59] = nominalPoint(40.0)

	_, err := d.ScoreBatch(context.Background(), "dev1", points)
	require.NoError(t, err)

	// A fresh device with just the spike value has only that one value
	// in its window, so stddev is undefined and the score must be 0, not
	// anomalous.
	results, err := d.ScoreBatch(context.Background(), "dev2", []domain.Point{nominalPoint(40.0)})
	require.NoError(t, err)
	assert.False(t, results[0].IsAnomaly)
}
