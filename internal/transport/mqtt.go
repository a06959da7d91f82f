// Package transport adapts robot command and event channels to the
// patrol engine. The MQTT adapter speaks the per-serial topic scheme the
// robot fleet publishes on; the Simulator stands in for a fleet when no
// broker is configured.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/sentinel-robotics/patrolcore/internal/patrol"
)

// Topic layout, one robot per serial:
//
//	robots/{serial}/command/{goto|stop|display|speak}   published by us
//	robots/{serial}/event/{arrival|detection|status}    published by the robot
const (
	commandTopicFmt = "robots/%s/command/%s"
	eventTopicGlob  = "robots/+/event/+"

	commandQoS = 1
	eventQoS   = 1

	presenceTopic = "patrolcore/presence"
)

const defaultEventBuffer = 64

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	EventBuffer    int
}

// MQTT is the broker-backed patrol.Transport. Event deliveries never
// block the paho router: when a buffer is full the event is dropped and
// logged, matching the engine's stale-event hygiene.
type MQTT struct {
	client mqtt.Client
	logger *zap.Logger

	arrivals   chan patrol.ArrivalEvent
	detections chan patrol.DetectionEvent
	status     chan patrol.StatusEvent
}

// NewMQTT connects to the broker and subscribes to the robot event
// topics. Subscriptions are re-established on every reconnect.
func NewMQTT(cfg MQTTConfig, logger *zap.Logger) (*MQTT, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("NewMQTT: broker url required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "patrolcore"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	t := &MQTT{
		logger:     logger,
		arrivals:   make(chan patrol.ArrivalEvent, cfg.EventBuffer),
		detections: make(chan patrol.DetectionEvent, cfg.EventBuffer),
		status:     make(chan patrol.StatusEvent, cfg.EventBuffer),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetCleanSession(true).
		SetWill(presenceTopic, `{"state":"offline"}`, 1, true).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", zap.Error(err))
		})

	t.client = mqtt.NewClient(opts)
	token := t.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("NewMQTT: connect to %s: %w", cfg.BrokerURL, patrol.ErrTransportTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("NewMQTT: connect to %s: %w", cfg.BrokerURL, err)
	}
	return t, nil
}

func (t *MQTT) onConnect(c mqtt.Client) {
	t.logger.Info("mqtt connected")
	token := c.Subscribe(eventTopicGlob, eventQoS, t.onEvent)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			t.logger.Error("mqtt subscribe failed", zap.String("topic", eventTopicGlob), zap.Error(err))
			return
		}
		tok := c.Publish(presenceTopic, 1, true, `{"state":"online"}`)
		<-tok.Done()
	}()
}

// SendGoto commands navigation to the named waypoint.
func (t *MQTT) SendGoto(ctx context.Context, serial, waypoint string) error {
	return t.publish(ctx, "SendGoto", serial, "goto", gotoPayload{Waypoint: waypoint})
}

// SendStop halts the robot in place.
func (t *MQTT) SendStop(ctx context.Context, serial string) error {
	return t.publish(ctx, "SendStop", serial, "stop", struct{}{})
}

// SendDisplay switches the robot's on-screen template.
func (t *MQTT) SendDisplay(ctx context.Context, serial, template string) error {
	return t.publish(ctx, "SendDisplay", serial, "display", displayPayload{Template: template})
}

// SendSpeak plays a text-to-speech announcement.
func (t *MQTT) SendSpeak(ctx context.Context, serial, text string) error {
	return t.publish(ctx, "SendSpeak", serial, "speak", speakPayload{Text: text})
}

// publish marshals and sends one command, waiting for the broker ack
// within the caller's context.
func (t *MQTT) publish(ctx context.Context, op, serial, action string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", op, err)
	}
	topic := fmt.Sprintf(commandTopicFmt, serial, action)
	token := t.client.Publish(topic, commandQoS, false, body)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("%s: publish %s: %w", op, topic, err)
		}
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s: publish %s: %w", op, topic, patrol.ErrTransportTimeout)
		}
		return fmt.Errorf("%s: publish %s: %w", op, topic, ctx.Err())
	}
}

func (t *MQTT) onEvent(_ mqtt.Client, msg mqtt.Message) {
	serial, kind, ok := splitEventTopic(msg.Topic())
	if !ok {
		t.logger.Warn("mqtt event on unexpected topic", zap.String("topic", msg.Topic()))
		return
	}
	switch kind {
	case "arrival":
		ev, err := decodeArrival(serial, msg.Payload())
		if err != nil {
			t.logger.Warn("bad arrival payload", zap.String("serial", serial), zap.Error(err))
			return
		}
		select {
		case t.arrivals <- ev:
		default:
			t.logger.Warn("arrival buffer full, event dropped", zap.String("serial", serial))
		}
	case "detection":
		ev, err := decodeDetection(serial, msg.Payload())
		if err != nil {
			t.logger.Warn("bad detection payload", zap.String("serial", serial), zap.Error(err))
			return
		}
		select {
		case t.detections <- ev:
		default:
			t.logger.Warn("detection buffer full, event dropped", zap.String("serial", serial))
		}
	case "status":
		ev, err := decodeStatus(serial, msg.Payload())
		if err != nil {
			t.logger.Warn("bad status payload", zap.String("serial", serial), zap.Error(err))
			return
		}
		select {
		case t.status <- ev:
		default:
			t.logger.Warn("status buffer full, event dropped", zap.String("serial", serial))
		}
	default:
		t.logger.Debug("mqtt event kind ignored", zap.String("topic", msg.Topic()))
	}
}

// Arrivals delivers navigation outcomes.
func (t *MQTT) Arrivals() <-chan patrol.ArrivalEvent { return t.arrivals }

// Detections delivers perception samples.
func (t *MQTT) Detections() <-chan patrol.DetectionEvent { return t.detections }

// Status delivers robot telemetry.
func (t *MQTT) Status() <-chan patrol.StatusEvent { return t.status }

// Connected reports whether the broker link is up.
func (t *MQTT) Connected() bool { return t.client.IsConnectionOpen() }

// Close announces offline presence and disconnects. The event channels
// stay open; consumers stop through their own contexts.
func (t *MQTT) Close() {
	tok := t.client.Publish(presenceTopic, 1, true, `{"state":"offline"}`)
	tok.WaitTimeout(time.Second)
	t.client.Disconnect(250)
	t.logger.Info("mqtt disconnected")
}

type gotoPayload struct {
	Waypoint string `json:"waypoint"`
}

type displayPayload struct {
	Template string `json:"template"`
}

type speakPayload struct {
	Text string `json:"text"`
}

type arrivalPayload struct {
	Waypoint  string    `json:"waypoint"`
	OK        *bool     `json:"ok"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

type detectionPayload struct {
	ViolationType string    `json:"violation_type"`
	Confidence    float64   `json:"confidence"`
	Timestamp     time.Time `json:"timestamp"`
}

type statusPayload struct {
	Battery   int             `json:"battery"`
	Charging  bool            `json:"charging"`
	Position  patrol.Position `json:"position"`
	Timestamp time.Time       `json:"timestamp"`
}

// splitEventTopic extracts the serial and event kind from
// robots/{serial}/event/{kind}.
func splitEventTopic(topic string) (serial, kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "robots" || parts[2] != "event" || parts[1] == "" {
		return "", "", false
	}
	return parts[1], parts[3], true
}

func decodeArrival(serial string, body []byte) (patrol.ArrivalEvent, error) {
	var p arrivalPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return patrol.ArrivalEvent{}, fmt.Errorf("decodeArrival: %w", err)
	}
	ev := patrol.ArrivalEvent{
		Serial:    serial,
		Waypoint:  p.Waypoint,
		OK:        true, // robots omit ok on success
		Detail:    p.Detail,
		Timestamp: p.Timestamp,
	}
	if p.OK != nil {
		ev.OK = *p.OK
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return ev, nil
}

func decodeDetection(serial string, body []byte) (patrol.DetectionEvent, error) {
	var p detectionPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return patrol.DetectionEvent{}, fmt.Errorf("decodeDetection: %w", err)
	}
	ev := patrol.DetectionEvent{
		Serial:        serial,
		ViolationType: p.ViolationType,
		Confidence:    p.Confidence,
		Timestamp:     p.Timestamp,
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return ev, nil
}

func decodeStatus(serial string, body []byte) (patrol.StatusEvent, error) {
	var p statusPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return patrol.StatusEvent{}, fmt.Errorf("decodeStatus: %w", err)
	}
	ev := patrol.StatusEvent{
		Serial:    serial,
		Battery:   p.Battery,
		Charging:  p.Charging,
		Position:  p.Position,
		Timestamp: p.Timestamp,
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return ev, nil
}
