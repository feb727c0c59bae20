package mqttedge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceIDFromTopicExtractsSegment(t *testing.T) {
	id, ok := deviceIDFromTopic("sensors/dev-42/metrics")
	require.True(t, ok)
	assert.Equal(t, "dev-42", id)
}

func TestDeviceIDFromTopicRejectsWrongShape(t *testing.T) {
	_, ok := deviceIDFromTopic("sensors/dev-42/status")
	assert.False(t, ok)

	_, ok = deviceIDFromTopic("sensors/metrics")
	assert.False(t, ok)
}

func TestParseWireMessageFillsFields(t *testing.T) {
	payload := []byte(`{"temperature_c":21.5,"vibration_g":0.02,"humidity_pct":40,"voltage_v":12.1}`)
	pt, lat, lng, err := parseWireMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, 21.5, pt.TemperatureC)
	assert.True(t, pt.Ts.IsZero(), "ts should be left zero when absent, filled in later by the pipeline")
	assert.Nil(t, lat)
	assert.Nil(t, lng)
}

func TestParseWireMessageHonoursExplicitTimestamp(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	payload := []byte(`{"ts":"2026-01-01T00:00:00Z","temperature_c":10}`)
	pt, _, _, err := parseWireMessage(payload)
	require.NoError(t, err)
	assert.True(t, ts.Equal(pt.Ts))
}

func TestParseWireMessageRejectsMalformedJSON(t *testing.T) {
	_, _, _, err := parseWireMessage([]byte("not json"))
	assert.Error(t, err)
}

func TestParseWireMessageSurfacesLocation(t *testing.T) {
	payload := []byte(`{"temperature_c":21.5,"vibration_g":0.02,"humidity_pct":40,"voltage_v":12.1,"lat":37.3,"lng":-121.9}`)
	pt, lat, lng, err := parseWireMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, 21.5, pt.TemperatureC)
	require.NotNil(t, lat)
	require.NotNil(t, lng)
	assert.Equal(t, 37.3, *lat)
	assert.Equal(t, -121.9, *lng)
}
