package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-robotics/patrolcore/internal/patrol"
)

// Simulator is an in-process patrol.Transport for development and tests.
// Every goto produces an arrival after the travel delay; detections and
// telemetry are injected by the caller. Blocked waypoints abort instead
// of arriving, so navigation failure paths can be exercised end to end.
type Simulator struct {
	travel time.Duration
	logger *zap.Logger

	arrivals   chan patrol.ArrivalEvent
	detections chan patrol.DetectionEvent
	status     chan patrol.StatusEvent

	mu      sync.Mutex
	closed  bool
	blocked map[string]string // waypoint name to abort detail
	pending []*time.Timer
}

// NewSimulator builds a simulator whose robots take travel per leg.
func NewSimulator(travel time.Duration, logger *zap.Logger) *Simulator {
	if travel <= 0 {
		travel = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		travel:     travel,
		logger:     logger,
		arrivals:   make(chan patrol.ArrivalEvent, defaultEventBuffer),
		detections: make(chan patrol.DetectionEvent, defaultEventBuffer),
		status:     make(chan patrol.StatusEvent, defaultEventBuffer),
		blocked:    make(map[string]string),
	}
}

// SendGoto schedules an arrival (or an abort, for blocked waypoints)
// after the travel delay.
func (s *Simulator) SendGoto(_ context.Context, serial, waypoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("SendGoto: simulator closed")
	}
	detail, blocked := s.blocked[waypoint]
	s.logger.Debug("simulated goto",
		zap.String("serial", serial),
		zap.String("waypoint", waypoint),
		zap.Bool("blocked", blocked),
	)

	timer := time.AfterFunc(s.travel, func() {
		s.deliverArrival(patrol.ArrivalEvent{
			Serial:    serial,
			Waypoint:  waypoint,
			OK:        !blocked,
			Detail:    detail,
			Timestamp: time.Now(),
		})
	})
	s.pending = append(s.pending, timer)
	return nil
}

// SendStop is a no-op beyond logging.
func (s *Simulator) SendStop(_ context.Context, serial string) error {
	s.logger.Debug("simulated stop", zap.String("serial", serial))
	return nil
}

// SendDisplay is a no-op beyond logging.
func (s *Simulator) SendDisplay(_ context.Context, serial, template string) error {
	s.logger.Debug("simulated display", zap.String("serial", serial), zap.String("template", template))
	return nil
}

// SendSpeak is a no-op beyond logging.
func (s *Simulator) SendSpeak(_ context.Context, serial, text string) error {
	s.logger.Debug("simulated speak", zap.String("serial", serial), zap.String("text", text))
	return nil
}

// Block makes navigation to the named waypoint abort with the given
// detail until Unblock.
func (s *Simulator) Block(waypoint, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if detail == "" {
		detail = "path blocked"
	}
	s.blocked[waypoint] = detail
}

// Unblock clears a blocked waypoint.
func (s *Simulator) Unblock(waypoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocked, waypoint)
}

// InjectDetection delivers a perception sample, as the robot would
// publish during an inspection.
func (s *Simulator) InjectDetection(ev patrol.DetectionEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.detections <- ev
}

// InjectStatus delivers a telemetry report.
func (s *Simulator) InjectStatus(ev patrol.StatusEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.status <- ev
}

// InjectArrival delivers a hand-built navigation outcome, bypassing the
// travel delay.
func (s *Simulator) InjectArrival(ev patrol.ArrivalEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.deliverArrival(ev)
}

func (s *Simulator) deliverArrival(ev patrol.ArrivalEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	select {
	case s.arrivals <- ev:
	default:
		s.logger.Warn("arrival buffer full, event dropped", zap.String("serial", ev.Serial))
	}
}

// Arrivals delivers navigation outcomes.
func (s *Simulator) Arrivals() <-chan patrol.ArrivalEvent { return s.arrivals }

// Detections delivers injected perception samples.
func (s *Simulator) Detections() <-chan patrol.DetectionEvent { return s.detections }

// Status delivers injected telemetry.
func (s *Simulator) Status() <-chan patrol.StatusEvent { return s.status }

// Connected reports whether the simulator is open.
func (s *Simulator) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close cancels pending arrivals. The event channels stay open;
// consumers stop through their own contexts.
func (s *Simulator) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, t := range s.pending {
		t.Stop()
	}
	s.pending = nil
}
