// Package domain holds the core entities shared across the ingestion
// pipeline, the persistence gateway, and the API: devices, points,
// anomalies, and the events published to live subscribers.
package domain

import (
	"math"
	"time"
)

// Device is a stable telemetry source. Devices are never deleted by the
// pipeline; they are created on first contact when auto-provisioning is
// enabled.
type Device struct {
	ID        string
	Name      string
	Location  string // legacy "lat:<n>,lng:<n>" rendering, or free text
	Lat       *float64
	Lng       *float64
	CreatedAt time.Time
}

// Point is one multidimensional measurement from one Device at one
// instant. ArrivalSeq is assigned by the pipeline and is the order
// detectors and the event bus must preserve; it is not derived from Ts.
type Point struct {
	ID           string
	DeviceID     string
	ArrivalSeq   uint64
	Ts           time.Time
	TemperatureC float64
	VibrationG   float64
	HumidityPct  float64
	VoltageV     float64
}

// Metrics returns the four scalar measurements in the fixed order the
// detectors score them in: temperature, vibration, humidity, voltage.
func (p Point) Metrics() [4]float64 {
	return [4]float64{p.TemperatureC, p.VibrationG, p.HumidityPct, p.VoltageV}
}

// Valid reports whether every measurement is a finite number. Points
// failing this check are rejected with a ClientError before they reach a
// device's serialisation queue.
func (p Point) Valid() bool {
	for _, v := range p.Metrics() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Anomaly references the Point that triggered it (nullable: the Point
// may have been dropped under retention before the Anomaly record was
// committed) and the Device it belongs to.
type Anomaly struct {
	ID       string
	PointID  *string
	DeviceID string
	Score    float64
	Detector string
	Flagged  bool
	Ts       time.Time
}

// EventKind names one of the three pub/sub event kinds fanned out to
// subscribers.
type EventKind string

const (
	EventMetricNew   EventKind = "metric:new"
	EventAnomalyNew  EventKind = "anomaly:new"
	EventDeviceUpdate EventKind = "device:update"
)

// Event is the JSON-serialisable payload published on the Event Bus and
// relayed to dashboard subscribers.
type Event struct {
	Kind     EventKind   `json:"type"`
	DeviceID string      `json:"deviceId"`
	Payload  interface{} `json:"payload"`
}
