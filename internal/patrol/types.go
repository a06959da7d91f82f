// Package patrol drives robots through waypoint routes: the per-patrol
// state machine, the orchestrator that owns one active patrol per robot,
// and the interfaces the transport and storage collaborators plug into.
package patrol

import (
	"context"
	"time"

	"github.com/sentinel-robotics/patrolcore/internal/debounce"
)

// Patrol lifecycle states. COMPLETED and FAILED are terminal.
const (
	StateInitializing        = "initializing"
	StateNavigating          = "navigating"
	StateArrivedAtWaypoint   = "arrived_at_waypoint"
	StateInspecting          = "inspecting"
	StateViolationDetected   = "violation_detected"
	StateNoViolationDetected = "no_violation_detected"
	StateReturningHome       = "returning_home"
	StateCompleted           = "completed"
	StateFailed              = "failed"
)

// TerminalState reports whether s is an end state.
func TerminalState(s string) bool {
	return s == StateCompleted || s == StateFailed
}

// Low-battery policies.
const (
	LowBatteryCompleteCurrent   = "complete_current"   // finish the current waypoint, then return home
	LowBatteryReturnImmediately = "return_immediately" // interrupt the in-flight wait and return now
)

// Position is a map coordinate with heading in degrees.
type Position struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Yaw float64 `json:"yaw"`
}

// Waypoint is one named stop on a route.
type Waypoint struct {
	ID                string
	Sequence          int
	Name              string
	Position          Position
	InspectionEnabled bool
	DwellSeconds      int
	Announcement      string // spoken on arrival when set
	DisplayTemplate   string // shown on arrival when set
	ViolationTemplate string // shown on a confirmed violation when set

	// Detection overrides the process debounce defaults for this stop.
	Detection *debounce.Overrides
}

// Route is an ordered waypoint sequence plus the home dock name.
type Route struct {
	ID        string
	Name      string
	Home      string
	Waypoints []Waypoint
}

// Config holds the patrol timing and safety knobs. Zero values are
// replaced by DefaultConfig at machine construction.
type Config struct {
	WaypointTimeout   time.Duration // navigation hard timeout per attempt
	WaypointAttempts  int           // navigation attempts per waypoint before FAILED
	InspectionTimeout time.Duration // hard inspection window
	QuietPeriod       time.Duration // early no-violation exit after this long without an observation; 0 disables
	BatteryThreshold  int           // percent; at or below (and not charging) triggers the low-battery policy
	LowBatteryAction  string
}

// DefaultConfig returns the stock patrol timing.
func DefaultConfig() Config {
	return Config{
		WaypointTimeout:   60 * time.Second,
		WaypointAttempts:  3,
		InspectionTimeout: 30 * time.Second,
		QuietPeriod:       5 * time.Second,
		BatteryThreshold:  20,
		LowBatteryAction:  LowBatteryCompleteCurrent,
	}
}

// StartRequest launches one patrol of a route by a robot.
type StartRequest struct {
	RobotID     string
	RobotSerial string // transport address; defaults to RobotID
	Route       *Route
	LoopCount   int // full-route repetitions, 0 = infinite

	// BatteryThreshold overrides Config.BatteryThreshold when positive.
	BatteryThreshold int

	// Detection overrides the process debounce defaults for every stop
	// of this patrol; per-waypoint overrides win over it.
	Detection *debounce.Overrides
}

// Execution is the live record of one patrol run. The machine owns and
// mutates it; everyone else sees value snapshots.
type Execution struct {
	ID                    string     `json:"id"`
	RobotID               string     `json:"robot_id"`
	RobotSerial           string     `json:"robot_serial"`
	RouteID               string     `json:"route_id"`
	RouteName             string     `json:"route_name"`
	State                 string     `json:"state"`
	CurrentWaypoint       int        `json:"current_waypoint"`
	TotalWaypoints        int        `json:"total_waypoints"`
	LastCompletedWaypoint int        `json:"last_completed_waypoint"`
	CompletionPercent     float64    `json:"completion_percent"`
	ViolationCount        int        `json:"violation_count"`
	Paused                bool       `json:"paused"`
	PauseCount            int        `json:"pause_count"`
	ResumeCount           int        `json:"resume_count"`
	LoopCount             int        `json:"loop_count"`
	CurrentLoop           int        `json:"current_loop"`
	DistanceTraveled      float64    `json:"distance_traveled"`
	BatteryPercent        int        `json:"battery_percent"`
	LowBatteryTriggered   bool       `json:"low_battery_triggered"`
	StartedAt             time.Time  `json:"started_at"`
	EndedAt               *time.Time `json:"ended_at,omitempty"`
	LastError             string     `json:"last_error,omitempty"`
}

// Violation is a confirmed, reportable violation at a waypoint visit.
type Violation struct {
	ID            string
	PatrolID      string
	RobotID       string
	RouteID       string
	WaypointIndex int
	ViolationType string
	Confidence    float64
	Observations  int
	Countable     int
	AutoCorrected bool
	Timestamp     time.Time
}

// ArrivalEvent is a navigation outcome reported by the transport. Serial
// is the hardware serial the event was published under; OK is false when
// the robot aborted the move.
type ArrivalEvent struct {
	Serial    string
	Waypoint  string
	OK        bool
	Detail    string
	Timestamp time.Time
}

// DetectionEvent is one raw perception sample.
type DetectionEvent struct {
	Serial        string
	ViolationType string
	Confidence    float64
	Timestamp     time.Time
}

// StatusEvent is a periodic robot telemetry report.
type StatusEvent struct {
	Serial    string
	Battery   int
	Charging  bool
	Position  Position
	Timestamp time.Time
}

// Transport issues robot commands and delivers robot events. Command
// sends may block until acknowledged by the broker; waits are bounded by
// the caller's context. The three event channels have a single consumer,
// the orchestrator intake loop.
type Transport interface {
	SendGoto(ctx context.Context, serial, waypoint string) error
	SendStop(ctx context.Context, serial string) error
	SendDisplay(ctx context.Context, serial, template string) error
	SendSpeak(ctx context.Context, serial, text string) error

	Arrivals() <-chan ArrivalEvent
	Detections() <-chan DetectionEvent
	Status() <-chan StatusEvent

	Connected() bool
}

// RecordStore persists patrol executions and confirmed violations.
// Write failures are logged by the caller and never stop a patrol.
type RecordStore interface {
	CreateExecution(ctx context.Context, exec *Execution) error
	UpdateExecution(ctx context.Context, exec *Execution) error
	InsertViolation(ctx context.Context, v *Violation) error
}
