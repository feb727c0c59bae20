// Package wsgateway is the WebSocket subscription gateway (spec §4.G):
// each dashboard connection gets its own eventbus.Subscription and a
// read/write pump pair adapted directly from the teacher's
// internal/websocket Client (same writeWait/pongWait/pingPeriod/
// maxMessageSize constants and NextWriter-based writes, one event per
// frame), generalised from one implicit broadcast topic to a
// client-controlled per-device subscription set driven by inbound JSON
// control frames {"action":"subscribe:device","deviceId":"<id>"} /
// {"action":"unsubscribe:device","deviceId":"<id>"}.
package wsgateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zaydabash/real-time-iot-edge-agent/internal/domain"
	"github.com/zaydabash/real-time-iot-edge-agent/internal/eventbus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Gateway upgrades HTTP connections to websockets and relays Event Bus
// traffic to each one according to its subscription set.
type Gateway struct {
	bus      *eventbus.Bus
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// New returns a Gateway relaying events from bus.
func New(bus *eventbus.Bus, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		bus: bus,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards are served cross-origin from the UI port; the
			// edge does not gate on Origin (spec.md's Non-goals exclude
			// browser-facing auth).
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs its pumps until it
// disconnects. A new subscriber starts interested in no topics; it
// must send subscribe:device frames to receive anything (spec §4.G).
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := g.bus.Subscribe()
	client := &client{conn: conn, sub: sub, log: g.log, done: make(chan struct{})}

	go client.writePump()
	client.readPump()

	g.bus.Unsubscribe(sub)
	close(client.done)
}

// client is a middleman between one websocket connection and the Event
// Bus, mirroring the teacher's Client split into ReadPump/WritePump
// goroutines.
type client struct {
	conn *websocket.Conn
	sub  *eventbus.Subscription
	log  *zap.Logger
	done chan struct{}
}

// controlFrame is the inbound subscribe/unsubscribe protocol (spec §4.G).
type controlFrame struct {
	Action   string `json:"action"`
	DeviceID string `json:"deviceId"`
}

func (c *client) readPump() {
	defer func() {
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			break
		}
		c.handleControlFrame(message)
	}
}

func (c *client) handleControlFrame(raw []byte) {
	text := strings.TrimSpace(string(raw))

	var frame controlFrame
	if err := json.Unmarshal([]byte(text), &frame); err != nil {
		c.log.Warn("malformed websocket control frame", zap.String("raw", text))
		return
	}

	switch frame.Action {
	case "subscribe:device":
		if frame.DeviceID != "" {
			c.sub.AddTopic(eventbus.DeviceTopic(frame.DeviceID))
		}
	case "unsubscribe:device":
		if frame.DeviceID != "" {
			c.sub.RemoveTopic(eventbus.DeviceTopic(frame.DeviceID))
		}
	case "subscribe:all":
		c.sub.AddTopic(eventbus.Firehose)
	case "unsubscribe:all":
		c.sub.RemoveTopic(eventbus.Firehose)
	default:
		c.log.Warn("unknown websocket control action", zap.String("action", frame.Action))
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.Events():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeEvent(ev); err != nil {
				c.log.Warn("websocket write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Warn("websocket ping error", zap.Error(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) writeEvent(ev domain.Event) error {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(ev); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
