// Package chread provides read access to the ClickHouse patrol audit
// tables. The write side lives in internal/storage; this reader serves
// history queries for audit events that have aged out of the in-process
// relay ring.
package chread

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader queries the patrol_transitions and patrol_violations tables.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// TransitionRow represents a single row from the patrol_transitions table.
type TransitionRow struct {
	PatrolID      string
	RobotID       string
	RouteID       string
	Seq           uint64
	FromState     string
	ToState       string
	WaypointIndex int32
	Loop          int32
	Context       string
	Timestamp     time.Time
}

// ListTransitionsParams holds filters and pagination for transition history.
// At least one of PatrolID or RobotID must be set.
type ListTransitionsParams struct {
	PatrolID  string
	RobotID   string
	ToState   *string
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

// ListTransitions returns paginated, filtered transition records and the
// total count, newest first.
func (r *Reader) ListTransitions(ctx context.Context, params ListTransitionsParams) ([]TransitionRow, int, error) {
	var conditions []string
	var args []any

	if params.PatrolID != "" {
		conditions = append(conditions, "patrol_id = @patrol_id")
		args = append(args, clickhouse.Named("patrol_id", params.PatrolID))
	}
	if params.RobotID != "" {
		conditions = append(conditions, "robot_id = @robot_id")
		args = append(args, clickhouse.Named("robot_id", params.RobotID))
	}
	if len(conditions) == 0 {
		return nil, 0, fmt.Errorf("ListTransitions: patrol_id or robot_id required")
	}

	if params.ToState != nil {
		conditions = append(conditions, "to_state = @to_state")
		args = append(args, clickhouse.Named("to_state", *params.ToState))
	}
	if params.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *params.StartTime))
	}
	if params.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *params.EndTime))
	}

	where := strings.Join(conditions, " AND ")
	offset := (params.Page - 1) * params.PageSize

	// Count query
	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM patrol_transitions WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListTransitions count: %w", err)
	}

	// Data query
	dataQuery := fmt.Sprintf(
		"SELECT patrol_id, robot_id, route_id, seq, "+
			"from_state, to_state, waypoint_index, loop, "+
			"context, timestamp "+
			"FROM patrol_transitions WHERE %s "+
			"ORDER BY timestamp DESC, seq DESC "+
			"LIMIT @limit OFFSET @offset",
		where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListTransitions query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var transitions []TransitionRow
	for rows.Next() {
		var t TransitionRow
		if err := rows.Scan(
			&t.PatrolID, &t.RobotID, &t.RouteID, &t.Seq,
			&t.FromState, &t.ToState, &t.WaypointIndex, &t.Loop,
			&t.Context, &t.Timestamp,
		); err != nil {
			return nil, 0, fmt.Errorf("ListTransitions scan: %w", err)
		}
		transitions = append(transitions, t)
	}

	return transitions, int(total), rows.Err()
}

// ViolationRow represents a single row from the patrol_violations table.
type ViolationRow struct {
	ViolationID   string
	PatrolID      string
	RobotID       string
	RouteID       string
	WaypointIndex int32
	ViolationType string
	Confidence    float64
	Observations  int32
	Countable     int32
	Timestamp     time.Time
}

// ListViolationsParams holds filters and pagination for violation history.
// At least one of PatrolID or RobotID must be set.
type ListViolationsParams struct {
	PatrolID      string
	RobotID       string
	ViolationType *string
	StartTime     *time.Time
	EndTime       *time.Time
	Page          int
	PageSize      int
}

// ListViolations returns paginated, filtered violation records and the
// total count, newest first.
func (r *Reader) ListViolations(ctx context.Context, params ListViolationsParams) ([]ViolationRow, int, error) {
	var conditions []string
	var args []any

	if params.PatrolID != "" {
		conditions = append(conditions, "patrol_id = @patrol_id")
		args = append(args, clickhouse.Named("patrol_id", params.PatrolID))
	}
	if params.RobotID != "" {
		conditions = append(conditions, "robot_id = @robot_id")
		args = append(args, clickhouse.Named("robot_id", params.RobotID))
	}
	if len(conditions) == 0 {
		return nil, 0, fmt.Errorf("ListViolations: patrol_id or robot_id required")
	}

	if params.ViolationType != nil {
		conditions = append(conditions, "violation_type = @violation_type")
		args = append(args, clickhouse.Named("violation_type", *params.ViolationType))
	}
	if params.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *params.StartTime))
	}
	if params.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *params.EndTime))
	}

	where := strings.Join(conditions, " AND ")
	offset := (params.Page - 1) * params.PageSize

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM patrol_violations WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListViolations count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT violation_id, patrol_id, robot_id, route_id, "+
			"waypoint_index, violation_type, confidence, "+
			"observations, countable, timestamp "+
			"FROM patrol_violations WHERE %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit OFFSET @offset",
		where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListViolations query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var violations []ViolationRow
	for rows.Next() {
		var v ViolationRow
		if err := rows.Scan(
			&v.ViolationID, &v.PatrolID, &v.RobotID, &v.RouteID,
			&v.WaypointIndex, &v.ViolationType, &v.Confidence,
			&v.Observations, &v.Countable, &v.Timestamp,
		); err != nil {
			return nil, 0, fmt.Errorf("ListViolations scan: %w", err)
		}
		violations = append(violations, v)
	}

	return violations, int(total), rows.Err()
}
