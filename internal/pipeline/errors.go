// errors.go defines the error taxonomy from spec §7: callers type-switch
// (or errors.As) on these to decide HTTP status codes and MQTT drop
// behaviour without the pipeline itself knowing about transports.
package pipeline

import "fmt"

// ClientError is a schema violation or an invalid point. Surfaced as
// 400 on HTTP; dropped with a warning on MQTT. Rate-limited requests
// are answered with 429 by the HTTP edge itself and never produce one.
type ClientError struct {
	Reason string
}

func (e *ClientError) Error() string { return "client error: " + e.Reason }

// NewClientError builds a ClientError.
func NewClientError(reason string) error { return &ClientError{Reason: reason} }

// UnknownDeviceError is returned when a caller addresses a device that
// doesn't exist and auto-provisioning is disabled. Distinguished from
// ClientError because it maps to 404, not 400.
type UnknownDeviceError struct {
	DeviceID string
}

func (e *UnknownDeviceError) Error() string { return fmt.Sprintf("unknown device %q", e.DeviceID) }

// NewUnknownDeviceError builds an UnknownDeviceError for deviceID.
func NewUnknownDeviceError(deviceID string) error { return &UnknownDeviceError{DeviceID: deviceID} }

// StoreError wraps a persistence failure. HTTP returns 5xx; MQTT drops
// the batch and increments a counter.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store error: %v", e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err as a StoreError.
func NewStoreError(err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Err: err}
}

// DetectorError is an external-scorer RPC timeout or non-2xx response.
// It is never constructed: the external detector falls back to z-score
// itself, and the pipeline logs any remaining scoring error and treats
// the batch as having no anomalies.
type DetectorError struct {
	Err error
}

func (e *DetectorError) Error() string { return fmt.Sprintf("detector error: %v", e.Err) }
func (e *DetectorError) Unwrap() error { return e.Err }
