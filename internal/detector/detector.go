// Package detector defines the single capability the Detector Registry
// exposes (spec §4.A, §9): scoring an ordered batch of points for one
// device and returning an equally ordered batch of results. Three
// variants — zscore, mediandeviation, external — share this interface
// and no mutable state.
package detector

import (
	"context"

	"github.com/zaydabash/real-time-iot-edge-agent/internal/domain"
)

// Result is the scored outcome for one point in a batch.
type Result struct {
	PointIndex int
	Score      float64
	IsAnomaly  bool
	// Detector is the tag actually used to produce this result — for the
	// external detector this may be "zscore" on fallback, never the
	// nominal detector name, so audits stay truthful (spec §9).
	Detector string
}

// Detector scores an ordered batch of points belonging to one device.
// Implementations serialise internally per device or rely on the caller
// to serialise calls per device (the pipeline does the latter).
type Detector interface {
	ScoreBatch(ctx context.Context, deviceID string, points []domain.Point) ([]Result, error)
}
