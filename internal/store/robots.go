package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Robot represents a row in the robots table.
type Robot struct {
	ID               string
	Serial           string
	Name             string
	BatteryThreshold int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RobotByID returns a robot by ID, or nil if not found.
func (s *Store) RobotByID(ctx context.Context, id string) (*Robot, error) {
	var r Robot
	err := s.db.QueryRowContext(ctx, `
		SELECT id, serial, name, COALESCE(battery_threshold, 0), created_at, updated_at
		FROM robots WHERE id = $1`, id,
	).Scan(&r.ID, &r.Serial, &r.Name, &r.BatteryThreshold, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("RobotByID: %w", err)
	}
	return &r, nil
}
