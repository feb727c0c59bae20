// Package mqttedge is the MQTT ingest edge (spec §4.F): a wildcard
// subscription against sensors/+/metrics, translating each received
// message into a pipeline.AcceptMQTTPoint call. Client construction
// follows the corpus's paho.mqtt.golang usage (mqttpubgo.go,
// invalagent.go): AddBroker/SetClientID/SetAutoReconnect/
// SetConnectRetry, with a wildcard Subscribe callback dispatching by
// topic segment.
package mqttedge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/zaydabash/real-time-iot-edge-agent/internal/domain"
)

// Pipeline is the subset of internal/pipeline the MQTT edge needs.
type Pipeline interface {
	AcceptMQTTPoint(ctx context.Context, deviceID string, pt domain.Point) error
	UpdateDeviceLocation(ctx context.Context, deviceID string, lat, lng float64) error
}

const topicFilter = "sensors/+/metrics"

// Bridge owns the paho client and its subscription lifecycle.
type Bridge struct {
	client   mqtt.Client
	pipeline Pipeline
	log      *zap.Logger
}

// wireMessage is the payload shape published to sensors/<deviceId>/metrics.
// Lat/Lng are optional: a device only includes them when reporting its
// location, in which case the gateway republishes device:update (spec
// §4.F, scenario S4).
type wireMessage struct {
	Ts           *time.Time `json:"ts"`
	TemperatureC float64    `json:"temperature_c"`
	VibrationG   float64    `json:"vibration_g"`
	HumidityPct  float64    `json:"humidity_pct"`
	VoltageV     float64    `json:"voltage_v"`
	Lat          *float64   `json:"lat"`
	Lng          *float64   `json:"lng"`
}

// New connects to brokerURL and subscribes to sensors/+/metrics at QoS
// 0 (spec §4.F: at-most-once, loss is acceptable for a live telemetry
// stream). Connection loss triggers unbounded automatic reconnect
// rather than a fatal error (spec §4.F design note).
func New(brokerURL, clientID string, p Pipeline, log *zap.Logger) (*Bridge, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bridge{pipeline: p, log: log}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			log.Warn("mqtt connection lost, reconnecting", zap.Error(err))
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			if token := c.Subscribe(topicFilter, 0, b.handleMessage); token.Wait() && token.Error() != nil {
				log.Error("mqtt subscribe failed", zap.Error(token.Error()))
			}
		})

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	token.WaitTimeout(10 * time.Second)
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Close disconnects from the broker, waiting up to 250ms for in-flight
// publishes/acks to drain.
func (b *Bridge) Close() {
	b.client.Disconnect(250)
}

func (b *Bridge) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	deviceID, ok := deviceIDFromTopic(msg.Topic())
	if !ok {
		b.log.Warn("mqtt message on unexpected topic", zap.String("topic", msg.Topic()))
		return
	}

	pt, lat, lng, err := parseWireMessage(msg.Payload())
	if err != nil {
		b.log.Warn("mqtt payload decode failed", zap.String("deviceId", deviceID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.pipeline.AcceptMQTTPoint(ctx, deviceID, pt); err != nil {
		b.log.Warn("mqtt point rejected", zap.String("deviceId", deviceID), zap.Error(err))
		return
	}

	if lat != nil && lng != nil {
		if err := b.pipeline.UpdateDeviceLocation(ctx, deviceID, *lat, *lng); err != nil {
			b.log.Warn("mqtt location update failed", zap.String("deviceId", deviceID), zap.Error(err))
		}
	}
}

// deviceIDFromTopic extracts <deviceId> from sensors/<deviceId>/metrics.
func deviceIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "sensors" || parts[2] != "metrics" {
		return "", false
	}
	return parts[1], true
}

// parseWireMessage decodes one MQTT publish payload into a Point, plus
// the optional lat/lng location fields when the device reported them.
func parseWireMessage(payload []byte) (pt domain.Point, lat, lng *float64, err error) {
	var wire wireMessage
	if err := json.Unmarshal(payload, &wire); err != nil {
		return domain.Point{}, nil, nil, err
	}
	pt = domain.Point{
		TemperatureC: wire.TemperatureC,
		VibrationG:   wire.VibrationG,
		HumidityPct:  wire.HumidityPct,
		VoltageV:     wire.VoltageV,
	}
	if wire.Ts != nil {
		pt.Ts = *wire.Ts
	}
	return pt, wire.Lat, wire.Lng, nil
}
