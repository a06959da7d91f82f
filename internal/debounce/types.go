package debounce

import "time"

// Reason explains a single debounce decision.
type Reason int

const (
	ReasonUnspecified              Reason = iota
	ReasonBelowConfidence                 // below_confidence
	ReasonInsufficientObservations        // insufficient_observations
	ReasonOutlierRejected                 // outlier_rejected
	ReasonReported                        // reported
	ReasonIsolatedObservation             // isolated_observation
	ReasonReportedAlready                 // reported_already
)

// String returns the lowercase reason name.
func (r Reason) String() string {
	switch r {
	case ReasonBelowConfidence:
		return "below_confidence"
	case ReasonInsufficientObservations:
		return "insufficient_observations"
	case ReasonOutlierRejected:
		return "outlier_rejected"
	case ReasonReported:
		return "reported"
	case ReasonIsolatedObservation:
		return "isolated_observation"
	case ReasonReportedAlready:
		return "reported_already"
	default:
		return "unspecified"
	}
}

// Config holds the tuning knobs for one debounce session.
type Config struct {
	Window              time.Duration // sliding aggregation window
	MinObservations     int           // countable same-type observations needed to report
	MinConfidence       float64       // below this an observation is stored but never counted
	OutlierStdThreshold float64       // z-score beyond this excludes an observation from the count
	EMAAlpha            float64       // smoothing factor for the diagnostic confidence trend
}

// DefaultConfig returns the process-wide debounce defaults.
func DefaultConfig() Config {
	return Config{
		Window:              10 * time.Second,
		MinObservations:     3,
		MinConfidence:       0.5,
		OutlierStdThreshold: 3.0,
		EMAAlpha:            0.3,
	}
}

// WindowStats is a read-only snapshot of a live session's window.
type WindowStats struct {
	ObservationCount int            `json:"observation_count"`
	CountableCount   int            `json:"countable_count"`
	MeanConfidence   float64        `json:"mean_confidence"`
	StdDeviation     float64        `json:"std_deviation"`
	MinConfidence    float64        `json:"min_confidence"`
	MaxConfidence    float64        `json:"max_confidence"`
	ConfidenceTrend  float64        `json:"confidence_trend"` // EMA over the window, oldest first
	Types            map[string]int `json:"types"`
	Reported         bool           `json:"reported"`
	ReportedType     string         `json:"reported_type,omitempty"`
}

// Summary is the aggregate a session leaves behind when finalized.
// Counts are session-lifetime totals, not just the final window.
type Summary struct {
	PatrolID           string         `json:"patrol_id"`
	WaypointIndex      int            `json:"waypoint_index"`
	Observations       int            `json:"observations"`
	Countable          int            `json:"countable"`
	Types              map[string]int `json:"types,omitempty"`
	Reported           bool           `json:"reported"`
	ReportedType       string         `json:"reported_type,omitempty"`
	ReportedConfidence float64        `json:"reported_confidence,omitempty"`
	StartedAt          time.Time      `json:"started_at"`
	EndedAt            time.Time      `json:"ended_at"`
}
