package mediandeviation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zaydabash/real-time-iot-edge-agent/internal/domain"
)

func nominalPoint() domain.Point {
	return domain.Point{
		Ts:           time.Now(),
		TemperatureC: 22.0,
		VibrationG:   0.5,
		HumidityPct:  40.0,
		VoltageV:     12.0,
	}
}

func TestRequiresAtLeastTwoPoints(t *testing.T) {
	d := New(20, 95)
	results, err := d.ScoreBatch(context.Background(), "dev1", []domain.Point{nominalPoint()})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].IsAnomaly)
	assert.Equal(t, 0.0, results[0].Score)
}

// TestBatchOfNominalsThenOutlier reproduces scenario S2: 15 identical
// nominal points followed by one point whose every feature is far off
// must yield 0 anomalies in the first batch and exactly 1 in the second.
func TestBatchOfNominalsThenOutlier(t *testing.T) {
	d := New(20, 95)

	nominal := make([]domain.Point, 15)
	for i := range nominal {
		nominal[i] = nominalPoint()
	}
	first, err := d.ScoreBatch(context.Background(), "dev1", nominal)
	require.NoError(t, err)
	for _, r := range first {
		assert.False(t, r.IsAnomaly)
	}

	outlier := domain.Point{
		Ts:           time.Now(),
		TemperatureC: 22.0 + 5*1.0,
		VibrationG:   0.5 + 5*1.0,
		HumidityPct:  40.0 + 5*1.0,
		VoltageV:     12.0 + 5*1.0,
	}
	second, err := d.ScoreBatch(context.Background(), "dev1", []domain.Point{outlier})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.True(t, second[0].IsAnomaly)
	assert.Equal(t, "median-deviation", second[0].Detector)
}

// TestProperty4FarOutlierEventuallyFlagged is property test #4 from
// spec §8: once the window is saturated, a point more than k*MAD from
// the median (k large) is flagged.
func TestProperty4FarOutlierEventuallyFlagged(t *testing.T) {
	d := New(10, 95)
	for i := 0; i < 10; i++ {
		_, err := d.ScoreBatch(context.Background(), "dev1", []domain.Point{nominalPoint()})
		require.NoError(t, err)
	}

	farOutlier := domain.Point{
		Ts:           time.Now(),
		TemperatureC: 22.0 + 50,
		VibrationG:   0.5 + 50,
		HumidityPct:  40.0 + 50,
		VoltageV:     12.0 + 50,
	}
	results, err := d.ScoreBatch(context.Background(), "dev1", []domain.Point{farOutlier})
	require.NoError(t, err)
	assert.True(t, results[0].IsAnomaly)
}

// TestOutlierAsWindowMaximumStillFlagged guards against the threshold
// collapsing onto the scored point's own deviation: with the window at
// exactly the size where ceil(P/100*n)-1 lands on n-1, the outlier being
// scored must not define its own threshold.
func TestOutlierAsWindowMaximumStillFlagged(t *testing.T) {
	d := New(16, 95)

	for i := 0; i < 15; i++ {
		_, err := d.ScoreBatch(context.Background(), "dev1", []domain.Point{nominalPoint()})
		require.NoError(t, err)
	}

	outlier := domain.Point{
		Ts:           time.Now(),
		TemperatureC: 22.0 + 5*1.0,
		VibrationG:   0.5 + 5*1.0,
		HumidityPct:  40.0 + 5*1.0,
		VoltageV:     12.0 + 5*1.0,
	}
	results, err := d.ScoreBatch(context.Background(), "dev1", []domain.Point{outlier})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].IsAnomaly)
}

func TestWindowFIFOBound(t *testing.T) {
	d := New(5, 95)
	for i := 0; i < 20; i++ {
		_, err := d.ScoreBatch(context.Background(), "dev1", []domain.Point{nominalPoint()})
		require.NoError(t, err)
	}
	dw := d.windowFor("dev1")
	assert.LessOrEqual(t, len(dw.vectors), 5)
}
