package debounce

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidObservation marks an observation rejected before insertion
	// (confidence outside [0,1] or a zero timestamp). The session is unaffected.
	ErrInvalidObservation = errors.New("invalid observation")

	// ErrInvalidState marks a session-lifecycle misuse: initializing a key
	// that already has a live session, or feeding a key that has none.
	ErrInvalidState = errors.New("invalid session state")
)

// SessionKey identifies one waypoint visit within one patrol.
type SessionKey struct {
	PatrolID      string
	WaypointIndex int
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s/%d", k.PatrolID, k.WaypointIndex)
}

// observation is one retained sample inside a session window.
type observation struct {
	ts            time.Time
	violationType string
	confidence    float64
	countable     bool
}

// session is the rolling window state for one key. All access goes
// through its mutex; the slice is time-ordered by arrival with lazy
// eviction from the front.
type session struct {
	mu  sync.Mutex
	key SessionKey
	cfg Config

	window []observation

	startedAt      time.Time
	total          int
	totalCountable int
	byType         map[string]int

	reported           bool
	reportedType       string
	reportedConfidence float64
}

// Debouncer turns noisy per-frame detection observations into a single
// report/no-report verdict per waypoint visit. Sessions are keyed by
// (patrol, waypoint); calls for different keys are safe concurrently,
// calls for the same key serialize on the session lock.
type Debouncer struct {
	mu       sync.Mutex
	sessions map[SessionKey]*session
	defaults Config
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a debouncer with the given process defaults.
func New(defaults Config, logger *zap.Logger) *Debouncer {
	return &Debouncer{
		sessions: make(map[SessionKey]*session),
		defaults: defaults,
		logger:   logger,
		now:      time.Now,
	}
}

// Defaults returns the process-wide config new sessions resolve against.
func (d *Debouncer) Defaults() Config {
	return d.defaults
}

// InitializeSession starts a fresh rolling window for a waypoint visit.
// Returns ErrInvalidState if a live session already exists for the key.
func (d *Debouncer) InitializeSession(patrolID string, waypointIndex int, overrides *Overrides) error {
	key := SessionKey{PatrolID: patrolID, WaypointIndex: waypointIndex}
	cfg := overrides.Resolve(d.defaults)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.sessions[key]; ok {
		return fmt.Errorf("InitializeSession: session %s already active: %w", key, ErrInvalidState)
	}
	d.sessions[key] = &session{
		key:       key,
		cfg:       cfg,
		startedAt: d.now(),
		byType:    make(map[string]int),
	}

	d.logger.Info("debounce session initialized",
		zap.String("patrol_id", patrolID),
		zap.Int("waypoint_index", waypointIndex),
		zap.Duration("window", cfg.Window),
		zap.Int("min_observations", cfg.MinObservations),
		zap.Float64("min_confidence", cfg.MinConfidence),
	)
	return nil
}

// AddObservation feeds one detection sample into the session for the key
// and returns the debounce verdict for that sample.
//
// Per call, in order:
//  1. Evict retained observations older than the window relative to the
//     incoming timestamp.
//  2. Insert the observation (low-confidence samples included, for stats).
//  3. Classify it as countable: confidence >= MinConfidence, and not a
//     z-score outlier against the prior window (the test needs at least
//     2 prior points with nonzero spread; a single point is never an
//     outlier).
//  4. Count countable observations of the same violation type in the
//     window; at MinObservations the verdict fires.
//
// The first fired verdict wins for the whole session: later calls return
// ReasonReportedAlready and never re-trigger.
func (d *Debouncer) AddObservation(patrolID string, waypointIndex int, violationType string, confidence float64, ts time.Time) (bool, Reason, error) {
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return false, ReasonUnspecified, fmt.Errorf("AddObservation: confidence %v outside [0,1]: %w", confidence, ErrInvalidObservation)
	}
	if ts.IsZero() {
		return false, ReasonUnspecified, fmt.Errorf("AddObservation: zero timestamp: %w", ErrInvalidObservation)
	}

	key := SessionKey{PatrolID: patrolID, WaypointIndex: waypointIndex}
	s := d.session(key)
	if s == nil {
		return false, ReasonUnspecified, fmt.Errorf("AddObservation: no active session %s: %w", key, ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictBefore(ts.Add(-s.cfg.Window))

	priorMean, priorStd := confidenceStats(s.window)
	priorCount := len(s.window)

	countable := confidence >= s.cfg.MinConfidence
	outlier := false
	if countable && priorCount >= 2 && priorStd > 0 {
		if math.Abs(confidence-priorMean) > s.cfg.OutlierStdThreshold*priorStd {
			countable = false
			outlier = true
		}
	}

	s.window = append(s.window, observation{
		ts:            ts,
		violationType: violationType,
		confidence:    confidence,
		countable:     countable,
	})
	s.total++
	s.byType[violationType]++
	if countable {
		s.totalCountable++
	}

	if s.reported {
		return false, ReasonReportedAlready, nil
	}
	if confidence < s.cfg.MinConfidence {
		return false, ReasonBelowConfidence, nil
	}
	if outlier {
		d.logger.Debug("observation rejected as outlier",
			zap.String("session", key.String()),
			zap.String("violation_type", violationType),
			zap.Float64("confidence", confidence),
			zap.Float64("window_mean", priorMean),
			zap.Float64("window_stddev", priorStd),
		)
		return false, ReasonOutlierRejected, nil
	}

	count := 0
	for _, o := range s.window {
		if o.countable && o.violationType == violationType {
			count++
		}
	}

	if count >= s.cfg.MinObservations {
		s.reported = true
		s.reportedType = violationType
		s.reportedConfidence = confidence
		d.logger.Info("violation confirmed",
			zap.String("patrol_id", patrolID),
			zap.Int("waypoint_index", waypointIndex),
			zap.String("violation_type", violationType),
			zap.Float64("confidence", confidence),
			zap.Int("countable", count),
			zap.Int("window_size", len(s.window)),
		)
		return true, ReasonReported, nil
	}
	if count == 1 {
		return false, ReasonIsolatedObservation, nil
	}
	return false, ReasonInsufficientObservations, nil
}

// GetWindowStats returns a snapshot of the live session's window without
// mutating it. Entries that have aged out since the last insertion are
// filtered from the view, not removed. Returns ErrInvalidState if the key
// has no live session.
func (d *Debouncer) GetWindowStats(patrolID string, waypointIndex int) (WindowStats, error) {
	key := SessionKey{PatrolID: patrolID, WaypointIndex: waypointIndex}
	s := d.session(key)
	if s == nil {
		return WindowStats{}, fmt.Errorf("GetWindowStats: no active session %s: %w", key, ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := d.now().Add(-s.cfg.Window)
	view := s.window
	for len(view) > 0 && view[0].ts.Before(cutoff) {
		view = view[1:]
	}

	stats := WindowStats{
		ObservationCount: len(view),
		Types:            make(map[string]int, len(s.byType)),
		Reported:         s.reported,
		ReportedType:     s.reportedType,
	}
	if len(view) == 0 {
		return stats, nil
	}

	stats.MinConfidence = view[0].confidence
	stats.MaxConfidence = view[0].confidence
	ema := 0.0
	for _, o := range view {
		if o.countable {
			stats.CountableCount++
		}
		stats.Types[o.violationType]++
		if o.confidence < stats.MinConfidence {
			stats.MinConfidence = o.confidence
		}
		if o.confidence > stats.MaxConfidence {
			stats.MaxConfidence = o.confidence
		}
		ema = s.cfg.EMAAlpha*o.confidence + (1-s.cfg.EMAAlpha)*ema
	}
	stats.ConfidenceTrend = ema
	stats.MeanConfidence, stats.StdDeviation = confidenceStats(view)
	return stats, nil
}

// FinalizeSession closes the session for the key, releases its memory and
// returns the session-lifetime aggregates. Finalizing a key with no live
// session is a no-op returning a zero Summary.
func (d *Debouncer) FinalizeSession(patrolID string, waypointIndex int) Summary {
	key := SessionKey{PatrolID: patrolID, WaypointIndex: waypointIndex}

	d.mu.Lock()
	s, ok := d.sessions[key]
	if ok {
		delete(d.sessions, key)
	}
	d.mu.Unlock()

	if !ok {
		return Summary{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		PatrolID:           patrolID,
		WaypointIndex:      waypointIndex,
		Observations:       s.total,
		Countable:          s.totalCountable,
		Reported:           s.reported,
		ReportedType:       s.reportedType,
		ReportedConfidence: s.reportedConfidence,
		StartedAt:          s.startedAt,
		EndedAt:            d.now(),
	}
	if len(s.byType) > 0 {
		sum.Types = make(map[string]int, len(s.byType))
		for k, v := range s.byType {
			sum.Types[k] = v
		}
	}
	s.window = nil

	d.logger.Info("debounce session finalized",
		zap.String("patrol_id", patrolID),
		zap.Int("waypoint_index", waypointIndex),
		zap.Int("observations", sum.Observations),
		zap.Int("countable", sum.Countable),
		zap.Bool("reported", sum.Reported),
	)
	return sum
}

// ActiveSessions returns the number of live sessions, for observability.
func (d *Debouncer) ActiveSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *Debouncer) session(key SessionKey) *session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[key]
}

// evictBefore drops leading window entries older than the cutoff,
// reusing the backing array. Caller holds s.mu.
func (s *session) evictBefore(cutoff time.Time) {
	drop := 0
	for drop < len(s.window) && s.window[drop].ts.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		n := copy(s.window, s.window[drop:])
		s.window = s.window[:n]
	}
}

// confidenceStats returns the mean and sample standard deviation of the
// confidences. Fewer than 2 points yields stddev 0 so callers never
// divide by zero.
func confidenceStats(obs []observation) (float64, float64) {
	n := len(obs)
	if n == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, o := range obs {
		sum += o.confidence
	}
	mean := sum / float64(n)
	if n < 2 {
		return mean, 0
	}
	var sq float64
	for _, o := range obs {
		diff := o.confidence - mean
		sq += diff * diff
	}
	return mean, math.Sqrt(sq / float64(n-1))
}
