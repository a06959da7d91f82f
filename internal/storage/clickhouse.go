package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// auditEvent wraps the two event kinds so a single FIFO buffer preserves
// the relative order of a patrol's records end to end.
type auditEvent struct {
	transition *TransitionEvent
	violation  *ViolationEvent
}

// ClickHouseWriter writes patrol audit events to ClickHouse asynchronously.
// WriteTransition/WriteViolation are non-blocking; events are buffered and
// batch-inserted by a background goroutine in arrival order.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan auditEvent
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseWriter creates a ClickHouseWriter and starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	// ParseDSN enables TLS when ?secure=true is in the DSN; enforce it here
	// so a cloud DSN on a TLS port never falls back to plaintext.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan auditEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go w.flushLoop()
	return w, nil
}

// WriteTransition queues a transition record for async insertion.
// Non-blocking: drops the record if the buffer is full.
func (w *ClickHouseWriter) WriteTransition(event *TransitionEvent) {
	w.write(auditEvent{transition: event})
}

// WriteViolation queues a violation record for async insertion.
// Non-blocking: drops the record if the buffer is full.
func (w *ClickHouseWriter) WriteViolation(event *ViolationEvent) {
	w.write(auditEvent{violation: event})
}

func (w *ClickHouseWriter) write(ev auditEvent) {
	select {
	case w.buffer <- ev:
	default:
		patrolID := ""
		if ev.transition != nil {
			patrolID = ev.transition.PatrolID
		} else if ev.violation != nil {
			patrolID = ev.violation.PatrolID
		}
		w.logger.Warn("clickhouse buffer full, dropping audit event",
			zap.String("patrol_id", patrolID),
		)
	}
}

// Close signals the flush loop to drain remaining events, waits for it to
// finish (up to drainTimeout), and then returns. Safe to call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]auditEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			// Drain remaining events from buffer
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []auditEvent) {
	transitions := make([]*TransitionEvent, 0, len(events))
	violations := make([]*ViolationEvent, 0)
	for _, ev := range events {
		if ev.transition != nil {
			transitions = append(transitions, ev.transition)
		}
		if ev.violation != nil {
			violations = append(violations, ev.violation)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(transitions) > 0 {
		w.flushTransitions(ctx, transitions)
	}
	if len(violations) > 0 {
		w.flushViolations(ctx, violations)
	}
}

func (w *ClickHouseWriter) flushTransitions(ctx context.Context, events []*TransitionEvent) {
	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO patrol_transitions (
			patrol_id, robot_id, route_id, seq,
			from_state, to_state, waypoint_index, loop,
			context, timestamp
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare transitions batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.PatrolID,
			e.RobotID,
			e.RouteID,
			e.Seq,
			e.FromState,
			e.ToState,
			int32(e.WaypointIndex),
			int32(e.Loop),
			e.Context,
			e.Timestamp,
		); err != nil {
			w.logger.Error("clickhouse append transition failed",
				zap.String("patrol_id", e.PatrolID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse transitions batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func (w *ClickHouseWriter) flushViolations(ctx context.Context, events []*ViolationEvent) {
	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO patrol_violations (
			violation_id, patrol_id, robot_id, route_id,
			waypoint_index, violation_type, confidence,
			observations, countable, timestamp
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare violations batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.ViolationID,
			e.PatrolID,
			e.RobotID,
			e.RouteID,
			int32(e.WaypointIndex),
			e.ViolationType,
			e.Confidence,
			int32(e.Observations),
			int32(e.Countable),
			e.Timestamp,
		); err != nil {
			w.logger.Error("clickhouse append violation failed",
				zap.String("violation_id", e.ViolationID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse violations batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

// LogWriter is a fallback AuditWriter for running without ClickHouse.
// It logs audit events as structured JSON via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) WriteTransition(event *TransitionEvent) {
	w.logger.Info("patrol_transition",
		zap.String("patrol_id", event.PatrolID),
		zap.String("robot_id", event.RobotID),
		zap.Uint64("seq", event.Seq),
		zap.String("from", event.FromState),
		zap.String("to", event.ToState),
		zap.Int("waypoint_index", event.WaypointIndex),
		zap.Int("loop", event.Loop),
		zap.String("context", event.Context),
	)
}

func (w *LogWriter) WriteViolation(event *ViolationEvent) {
	w.logger.Info("patrol_violation",
		zap.String("violation_id", event.ViolationID),
		zap.String("patrol_id", event.PatrolID),
		zap.String("robot_id", event.RobotID),
		zap.Int("waypoint_index", event.WaypointIndex),
		zap.String("violation_type", event.ViolationType),
		zap.Float64("confidence", event.Confidence),
	)
}

func (w *LogWriter) Close() {}
