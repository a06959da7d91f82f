package storage

import "time"

// AuditWriter is the interface for the append-only patrol audit trail.
// Writes must NEVER block the caller: the patrol loop records every
// transition before issuing commands and cannot afford back-pressure.
type AuditWriter interface {
	WriteTransition(event *TransitionEvent)
	WriteViolation(event *ViolationEvent)
	Close()
}

// TransitionEvent is one state-transition audit record. Records for a
// patrol are written in strict transition order and are never mutated.
type TransitionEvent struct {
	PatrolID      string
	RobotID       string
	RouteID       string
	Seq           uint64
	FromState     string
	ToState       string
	WaypointIndex int
	Loop          int
	Context       string // why the transition happened
	Timestamp     time.Time
}

// ViolationEvent is one confirmed violation verdict.
type ViolationEvent struct {
	ViolationID   string
	PatrolID      string
	RobotID       string
	RouteID       string
	WaypointIndex int
	ViolationType string
	Confidence    float64 // confidence of the confirming observation
	Observations  int     // window size at confirmation
	Countable     int     // countable same-type observations at confirmation
	Timestamp     time.Time
}
