package patrol

import "errors"

// Sentinel errors for the patrol lifecycle. Callers match with errors.Is.
var (
	// ErrValidation marks a bad route or start request. The patrol records
	// a FAILED transition and never moves the robot.
	ErrValidation = errors.New("patrol validation failed")

	// ErrTransportTimeout marks a navigation leg that saw no arrival
	// confirmation within the waypoint timeout. Retried per the
	// waypoint-attempt policy, fatal after the limit.
	ErrTransportTimeout = errors.New("transport timeout")

	// ErrInvalidState marks a command aimed at a terminal or nonexistent
	// patrol. The command is rejected without mutating anything.
	ErrInvalidState = errors.New("invalid patrol state")

	// ErrAlreadyActive marks a start request for a robot that already has
	// an active patrol.
	ErrAlreadyActive = errors.New("patrol already active")
)
