package api

import (
	"time"

	"github.com/sentinel-robotics/patrolcore/internal/debounce"
	"github.com/sentinel-robotics/patrolcore/internal/relay"
)

// --- POST /v1/patrols ---

// StartPatrolReq is the JSON body for POST /v1/patrols. Robot serial and
// battery threshold come from the robot registration; Detection overrides
// the process debounce defaults for every inspection of this patrol.
type StartPatrolReq struct {
	RobotID   string              `json:"robot_id"`
	RouteID   string              `json:"route_id"`
	LoopCount int                 `json:"loop_count,omitempty"`
	Detection *debounce.Overrides `json:"detection,omitempty"`
}

// ControlResp acknowledges a control command when no execution snapshot
// is available to return.
type ControlResp struct {
	Status string `json:"status"`
}

// --- GET /v1/events (relay poll) ---

// EventPollResp is one page of the in-process relay ring.
type EventPollResp struct {
	Events  []relay.Event `json:"events"`
	LastSeq uint64        `json:"last_seq"`
}

// --- GET /v1/events (audit history) ---

// TransitionResp mirrors a patrol_transitions audit row.
type TransitionResp struct {
	PatrolID      string    `json:"patrol_id"`
	RobotID       string    `json:"robot_id"`
	RouteID       string    `json:"route_id"`
	Seq           uint64    `json:"seq"`
	FromState     string    `json:"from_state"`
	ToState       string    `json:"to_state"`
	WaypointIndex int       `json:"waypoint_index"`
	Loop          int       `json:"loop"`
	Context       string    `json:"context,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// TransitionListResp is one page of transition history.
type TransitionListResp struct {
	Transitions []TransitionResp `json:"transitions"`
	Total       int              `json:"total"`
	Page        int              `json:"page"`
	PageSize    int              `json:"page_size"`
}

// ViolationResp mirrors a patrol_violations audit row.
type ViolationResp struct {
	ViolationID   string    `json:"violation_id"`
	PatrolID      string    `json:"patrol_id"`
	RobotID       string    `json:"robot_id"`
	RouteID       string    `json:"route_id"`
	WaypointIndex int       `json:"waypoint_index"`
	ViolationType string    `json:"violation_type"`
	Confidence    float64   `json:"confidence"`
	Observations  int       `json:"observations"`
	Countable     int       `json:"countable"`
	Timestamp     time.Time `json:"timestamp"`
}

// ViolationListResp is one page of violation history.
type ViolationListResp struct {
	Violations []ViolationResp `json:"violations"`
	Total      int             `json:"total"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
