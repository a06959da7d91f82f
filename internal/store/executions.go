package store

import (
	"context"
	"fmt"

	"github.com/sentinel-robotics/patrolcore/internal/patrol"
)

// CreateExecution inserts the initial patrol execution row.
func (s *Store) CreateExecution(ctx context.Context, exec *patrol.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patrol_executions (
			id, robot_id, robot_serial, route_id, route_name, state,
			current_waypoint, total_waypoints, last_completed_waypoint,
			completion_percent, violation_count, paused, pause_count,
			resume_count, loop_count, current_loop, distance_traveled,
			battery_percent, low_battery_triggered, started_at, last_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		          $14, $15, $16, $17, $18, $19, $20, $21)`,
		exec.ID, exec.RobotID, exec.RobotSerial, exec.RouteID, exec.RouteName,
		exec.State, exec.CurrentWaypoint, exec.TotalWaypoints,
		exec.LastCompletedWaypoint, exec.CompletionPercent, exec.ViolationCount,
		exec.Paused, exec.PauseCount, exec.ResumeCount, exec.LoopCount,
		exec.CurrentLoop, exec.DistanceTraveled, exec.BatteryPercent,
		exec.LowBatteryTriggered, exec.StartedAt, exec.LastError,
	)
	if err != nil {
		return fmt.Errorf("CreateExecution: %w", err)
	}
	return nil
}

// UpdateExecution overwrites the mutable columns of an execution row.
// Called on every transition; the row freezes once ended_at is set.
func (s *Store) UpdateExecution(ctx context.Context, exec *patrol.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE patrol_executions SET
			state                   = $2,
			current_waypoint        = $3,
			last_completed_waypoint = $4,
			completion_percent      = $5,
			violation_count         = $6,
			paused                  = $7,
			pause_count             = $8,
			resume_count            = $9,
			current_loop            = $10,
			distance_traveled       = $11,
			battery_percent         = $12,
			low_battery_triggered   = $13,
			ended_at                = $14,
			last_error              = $15
		WHERE id = $1`,
		exec.ID, exec.State, exec.CurrentWaypoint, exec.LastCompletedWaypoint,
		exec.CompletionPercent, exec.ViolationCount, exec.Paused,
		exec.PauseCount, exec.ResumeCount, exec.CurrentLoop,
		exec.DistanceTraveled, exec.BatteryPercent, exec.LowBatteryTriggered,
		exec.EndedAt, exec.LastError,
	)
	if err != nil {
		return fmt.Errorf("UpdateExecution: %w", err)
	}
	return nil
}

// InsertViolation records a confirmed violation. The operator-facing
// acknowledged columns stay at their defaults; this service never writes
// them.
func (s *Store) InsertViolation(ctx context.Context, v *patrol.Violation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO violations (
			id, patrol_id, robot_id, route_id, waypoint_index,
			violation_type, confidence, observations, countable,
			auto_corrected, detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		v.ID, v.PatrolID, v.RobotID, v.RouteID, v.WaypointIndex,
		v.ViolationType, v.Confidence, v.Observations, v.Countable,
		v.AutoCorrected, v.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("InsertViolation: %w", err)
	}
	return nil
}
