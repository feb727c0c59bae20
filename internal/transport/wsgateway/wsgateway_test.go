package wsgateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zaydabash/real-time-iot-edge-agent/internal/domain"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/eventbus"
)

func TestSubscribeDeviceFrameAddsTopic(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe()
	c := &client{sub: sub, log: zap.NewNop()}

	c.handleControlFrame([]byte(`{"action":"subscribe:device","deviceId":"dev-1"}`))

	bus.Publish(eventbus.DeviceTopic("dev-1"), domain.Event{Kind: domain.EventMetricNew, DeviceID: "dev-1"})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "dev-1", ev.DeviceID)
	default:
		t.Fatal("expected event to be delivered after subscribing")
	}
}

func TestUnsubscribeDeviceFrameRemovesTopic(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.DeviceTopic("dev-1"))
	c := &client{sub: sub, log: zap.NewNop()}

	c.handleControlFrame([]byte(`{"action":"unsubscribe:device","deviceId":"dev-1"}`))

	bus.Publish(eventbus.DeviceTopic("dev-1"), domain.Event{Kind: domain.EventMetricNew, DeviceID: "dev-1"})

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no event after unsubscribing, got %+v", ev)
	default:
	}
}

func TestMalformedControlFrameIsIgnored(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe()
	c := &client{sub: sub, log: zap.NewNop()}

	require.NotPanics(t, func() {
		c.handleControlFrame([]byte("not json"))
	})
}
