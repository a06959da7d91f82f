package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sentinel-robotics/patrolcore/internal/debounce"
	"github.com/sentinel-robotics/patrolcore/internal/patrol"
)

// RouteByID returns the route with its waypoints ordered by
// sequence_order, or nil if not found.
func (s *Store) RouteByID(ctx context.Context, id string) (*patrol.Route, error) {
	var r patrol.Route
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(home_waypoint, '')
		FROM routes WHERE id = $1`, id,
	).Scan(&r.ID, &r.Name, &r.Home)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("RouteByID: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sequence_order, name, x, y, yaw,
		       inspection_enabled, dwell_seconds,
		       COALESCE(announcement, ''), COALESCE(display_template, ''),
		       COALESCE(violation_template, ''), detection_overrides
		FROM route_waypoints
		WHERE route_id = $1
		ORDER BY sequence_order ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("RouteByID: waypoints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var wp patrol.Waypoint
		var overrides []byte
		if err := rows.Scan(&wp.ID, &wp.Sequence, &wp.Name,
			&wp.Position.X, &wp.Position.Y, &wp.Position.Yaw,
			&wp.InspectionEnabled, &wp.DwellSeconds,
			&wp.Announcement, &wp.DisplayTemplate,
			&wp.ViolationTemplate, &overrides); err != nil {
			return nil, fmt.Errorf("RouteByID: waypoints: %w", err)
		}
		if len(overrides) > 0 {
			var o debounce.Overrides
			if err := json.Unmarshal(overrides, &o); err != nil {
				return nil, fmt.Errorf("RouteByID: detection overrides for waypoint %q: %w", wp.Name, err)
			}
			wp.Detection = &o
		}
		r.Waypoints = append(r.Waypoints, wp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("RouteByID: waypoints: %w", err)
	}
	return &r, nil
}
