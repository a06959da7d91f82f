package patrol

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/sentinel-robotics/patrolcore/internal/debounce"
	"github.com/sentinel-robotics/patrolcore/internal/relay"
	"github.com/sentinel-robotics/patrolcore/internal/storage"
)

// Transition triggers. The table in newPatrolFSM is the single source of
// truth for which states each trigger may fire from.
const (
	evValidated   = "validated"
	evArrived     = "arrived"
	evInspect     = "inspect"
	evViolation   = "violation"
	evClear       = "clear"
	evAdvance     = "advance"
	evReturnHome  = "return_home"
	evArrivedHome = "arrived_home"
	evFail        = "fail"
)

func newPatrolFSM() *fsm.FSM {
	nonTerminal := []string{
		StateInitializing,
		StateNavigating,
		StateArrivedAtWaypoint,
		StateInspecting,
		StateViolationDetected,
		StateNoViolationDetected,
		StateReturningHome,
	}
	return fsm.NewFSM(
		StateInitializing,
		fsm.Events{
			{Name: evValidated, Src: []string{StateInitializing}, Dst: StateNavigating},
			{Name: evArrived, Src: []string{StateNavigating}, Dst: StateArrivedAtWaypoint},
			{Name: evInspect, Src: []string{StateArrivedAtWaypoint}, Dst: StateInspecting},
			{Name: evViolation, Src: []string{StateInspecting}, Dst: StateViolationDetected},
			{Name: evClear, Src: []string{StateInspecting}, Dst: StateNoViolationDetected},
			{Name: evAdvance, Src: []string{StateArrivedAtWaypoint, StateViolationDetected, StateNoViolationDetected}, Dst: StateNavigating},
			{Name: evReturnHome, Src: []string{StateNavigating, StateArrivedAtWaypoint, StateInspecting, StateViolationDetected, StateNoViolationDetected}, Dst: StateReturningHome},
			{Name: evArrivedHome, Src: []string{StateReturningHome}, Dst: StateCompleted},
			{Name: evFail, Src: nonTerminal, Dst: StateFailed},
		},
		fsm.Callbacks{},
	)
}

// Interrupt signals surfaced by the cancellable waits.
var (
	errStopRequested = errors.New("stop requested")
	errLowBattery    = errors.New("low battery")
)

const storeTimeout = 3 * time.Second

// verdictEvent carries a fired debounce verdict from the observation
// delivery path to the machine goroutine.
type verdictEvent struct {
	violationType string
	confidence    float64
	observations  int
	countable     int
	ts            time.Time
}

type stepResult int

const (
	stepOK     stepResult = iota // waypoint visited, continue the route
	stepGoHome                   // interrupt wants RETURNING_HOME
	stepFailed                   // FAILED already recorded
)

// MachineParams wires one patrol machine. Debouncer and Transport are
// required; Records and Bus may be nil; a nil Audit falls back to a log
// writer.
type MachineParams struct {
	Request   StartRequest
	Config    Config
	Debouncer *debounce.Debouncer
	Transport Transport
	Records   RecordStore
	Audit     storage.AuditWriter
	Bus       *relay.Bus
	Logger    *zap.Logger
	Now       func() time.Time
}

// Machine drives one patrol execution through its lifecycle. One
// goroutine (started by Start) owns all state transitions; the On*
// feeders are called from the transport intake path and never block.
type Machine struct {
	cfg       Config
	route     *Route
	det       *debounce.Debouncer
	detOver   *debounce.Overrides
	transport Transport
	records   RecordStore
	audit     storage.AuditWriter
	bus       *relay.Bus
	logger    *zap.Logger
	now       func() time.Time

	fsm    *fsm.FSM
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	arrivalCh chan ArrivalEvent
	verdictCh chan verdictEvent
	obsCh     chan struct{}
	lowBatCh  chan struct{}
	stopCh    chan struct{}

	mu               sync.Mutex
	cond             *sync.Cond
	exec             Execution
	seq              uint64
	stopping         bool
	cancelMsg        string
	inspecting       bool
	inspectIdx       int
	lastPos          *Position
	droppedObs       int
	batteryThreshold int
}

// NewMachine builds a machine in INITIALIZING. Start validates the
// request and launches the patrol goroutine.
func NewMachine(p MachineParams) *Machine {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.Audit == nil {
		p.Audit = storage.NewLogWriter(p.Logger)
	}

	cfg := p.Config
	def := DefaultConfig()
	if cfg.WaypointTimeout <= 0 {
		cfg.WaypointTimeout = def.WaypointTimeout
	}
	if cfg.WaypointAttempts <= 0 {
		cfg.WaypointAttempts = def.WaypointAttempts
	}
	if cfg.InspectionTimeout <= 0 {
		cfg.InspectionTimeout = def.InspectionTimeout
	}
	if cfg.QuietPeriod < 0 {
		cfg.QuietPeriod = 0
	}
	if cfg.BatteryThreshold <= 0 {
		cfg.BatteryThreshold = def.BatteryThreshold
	}
	if cfg.LowBatteryAction == "" {
		cfg.LowBatteryAction = def.LowBatteryAction
	}

	threshold := cfg.BatteryThreshold
	if p.Request.BatteryThreshold > 0 {
		threshold = p.Request.BatteryThreshold
	}
	serial := p.Request.RobotSerial
	if serial == "" {
		serial = p.Request.RobotID
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cfg:              cfg,
		det:              p.Debouncer,
		detOver:          p.Request.Detection,
		transport:        p.Transport,
		records:          p.Records,
		audit:            p.Audit,
		bus:              p.Bus,
		logger:           p.Logger,
		now:              p.Now,
		fsm:              newPatrolFSM(),
		ctx:              ctx,
		cancel:           cancel,
		done:             make(chan struct{}),
		arrivalCh:        make(chan ArrivalEvent, 4),
		verdictCh:        make(chan verdictEvent, 1),
		obsCh:            make(chan struct{}, 1),
		lowBatCh:         make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
		batteryThreshold: threshold,
	}
	m.cond = sync.NewCond(&m.mu)

	if p.Request.Route != nil {
		r := *p.Request.Route
		if r.Home == "" {
			r.Home = "home base"
		}
		m.route = &r
	}

	exec := Execution{
		ID:                    uuid.New().String(),
		RobotID:               p.Request.RobotID,
		RobotSerial:           serial,
		State:                 StateInitializing,
		LoopCount:             p.Request.LoopCount,
		CurrentLoop:           1,
		LastCompletedWaypoint: -1,
		StartedAt:             p.Now(),
	}
	if m.route != nil {
		exec.RouteID = m.route.ID
		exec.RouteName = m.route.Name
		exec.TotalWaypoints = len(m.route.Waypoints)
	}
	m.exec = exec
	return m
}

// Start validates the request and launches the patrol goroutine. A
// validation failure records the INITIALIZING to FAILED transition and
// returns an error wrapping ErrValidation; the robot is never commanded.
func (m *Machine) Start() error {
	if err := m.validate(); err != nil {
		_ = m.transition(evFail, "validation: "+err.Error())
		close(m.done)
		return fmt.Errorf("Start: %w", err)
	}
	_ = m.transition(evValidated, "validation passed")
	go m.run()
	return nil
}

func (m *Machine) validate() error {
	if m.exec.RobotID == "" {
		return fmt.Errorf("robot id required: %w", ErrValidation)
	}
	if m.transport == nil {
		return fmt.Errorf("transport required: %w", ErrValidation)
	}
	if m.det == nil {
		return fmt.Errorf("debouncer required: %w", ErrValidation)
	}
	if m.route == nil {
		return fmt.Errorf("route required: %w", ErrValidation)
	}
	if len(m.route.Waypoints) == 0 {
		return fmt.Errorf("route %q has no waypoints: %w", m.route.Name, ErrValidation)
	}
	for i := range m.route.Waypoints {
		if m.route.Waypoints[i].Name == "" {
			return fmt.Errorf("waypoint %d has no name: %w", i, ErrValidation)
		}
	}
	if m.exec.LoopCount < 0 {
		return fmt.Errorf("loop count %d is negative: %w", m.exec.LoopCount, ErrValidation)
	}
	return nil
}

func (m *Machine) run() {
	defer close(m.done)
	defer func() {
		snap := m.Snapshot()
		m.logger.Info("patrol finished",
			zap.String("patrol_id", snap.ID),
			zap.String("robot_id", snap.RobotID),
			zap.String("state", snap.State),
			zap.Int("violations", snap.ViolationCount),
			zap.Float64("distance_traveled", snap.DistanceTraveled),
			zap.Int("dropped_observations", m.droppedObservations()),
		)
	}()

	first := true
	for loop := 1; ; loop++ {
		m.setLoop(loop)
		for i := range m.route.Waypoints {
			m.gate()
			if reason, home, failed := m.interrupt(); failed {
				m.failPatrol(reason)
				return
			} else if home {
				m.returnHome(reason)
				return
			}
			if !first {
				note := fmt.Sprintf("advancing to waypoint %d", i)
				if i == 0 {
					note = fmt.Sprintf("loop %d complete, advancing to waypoint 0", loop-1)
				}
				_ = m.transition(evAdvance, note)
			}
			first = false
			switch res, reason := m.visitWaypoint(i); res {
			case stepFailed:
				return
			case stepGoHome:
				m.returnHome(reason)
				return
			}
		}
		if m.exec.LoopCount > 0 && loop >= m.exec.LoopCount {
			break
		}
	}

	m.mu.Lock()
	m.exec.CurrentWaypoint = len(m.route.Waypoints)
	m.exec.CompletionPercent = 100
	m.mu.Unlock()
	m.returnHome("route complete")
}

// visitWaypoint navigates to waypoint i (with retries) and runs its
// dwell and inspection. The machine is in NAVIGATING on entry.
func (m *Machine) visitWaypoint(i int) (stepResult, string) {
	wp := &m.route.Waypoints[i]
	m.setWaypoint(i)

	for attempt := 1; ; attempt++ {
		err := m.navigateTo(wp)
		if err == nil {
			break
		}
		if isInterrupt(err) {
			return m.classifyInterrupt(err)
		}
		m.logger.Warn("waypoint navigation failed",
			zap.String("patrol_id", m.exec.ID),
			zap.String("waypoint", wp.Name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt >= m.cfg.WaypointAttempts {
			m.failPatrol(fmt.Sprintf("navigation to %q failed after %d attempts: %v", wp.Name, attempt, err))
			return stepFailed, ""
		}
		m.recordStep(StateNavigating, StateNavigating,
			fmt.Sprintf("retry %d/%d for waypoint %q: %v", attempt+1, m.cfg.WaypointAttempts, wp.Name, err))
	}

	_ = m.transition(evArrived, "arrival confirmed: "+wp.Name)

	if wp.DisplayTemplate != "" {
		if err := m.transport.SendDisplay(m.ctx, m.serial(), wp.DisplayTemplate); err != nil {
			m.logger.Warn("display command failed", zap.String("waypoint", wp.Name), zap.Error(err))
		}
	}
	if wp.Announcement != "" {
		if err := m.transport.SendSpeak(m.ctx, m.serial(), wp.Announcement); err != nil {
			m.logger.Warn("speak command failed", zap.String("waypoint", wp.Name), zap.Error(err))
		}
	}

	if wp.DwellSeconds > 0 {
		if err := m.hold(time.Duration(wp.DwellSeconds) * time.Second); err != nil {
			return m.classifyInterrupt(err)
		}
	}

	if wp.InspectionEnabled {
		_ = m.transition(evInspect, "inspection enabled")
		v, note, err := m.inspect(i, wp)
		if err != nil {
			return m.classifyInterrupt(err)
		}
		if v != nil {
			_ = m.transition(evViolation,
				fmt.Sprintf("verdict=violation type=%s confidence=%.2f", v.violationType, v.confidence))
			m.reportViolation(i, wp, v)
		} else {
			_ = m.transition(evClear, note)
		}
	}

	m.markCompleted(i)
	return stepOK, ""
}

// navigateTo sends the goto command and waits for arrival confirmation,
// the waypoint timeout, or an interrupt.
func (m *Machine) navigateTo(wp *Waypoint) error {
	// Discard a stale arrival left over from a previous leg.
	select {
	case <-m.arrivalCh:
	default:
	}

	if err := m.transport.SendGoto(m.ctx, m.serial(), wp.Name); err != nil {
		return fmt.Errorf("SendGoto: %w", err)
	}

	timer := time.NewTimer(m.cfg.WaypointTimeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-m.arrivalCh:
			if ev.Waypoint != "" && ev.Waypoint != wp.Name {
				continue
			}
			if !ev.OK {
				return fmt.Errorf("navigation aborted: %s", ev.Detail)
			}
			return nil
		case <-timer.C:
			return fmt.Errorf("no arrival for %q within %s: %w", wp.Name, m.cfg.WaypointTimeout, ErrTransportTimeout)
		case <-m.stopCh:
			return errStopRequested
		case <-m.lowBatteryInterrupt():
			return errLowBattery
		case <-m.ctx.Done():
			return m.ctx.Err()
		}
	}
}

// hold waits out a dwell period, still honoring interrupts.
func (m *Machine) hold(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-m.stopCh:
		return errStopRequested
	case <-m.lowBatteryInterrupt():
		return errLowBattery
	case <-m.ctx.Done():
		return m.ctx.Err()
	}
}

// inspect opens a debounce session for waypoint i and waits for a
// verdict, the quiet period, the hard timeout, or an interrupt. The
// session is finalized on every exit path.
func (m *Machine) inspect(i int, wp *Waypoint) (*verdictEvent, string, error) {
	ov := wp.Detection
	if ov == nil {
		ov = m.detOver
	}
	if err := m.det.InitializeSession(m.exec.ID, i, ov); err != nil {
		m.logger.Warn("debounce session init failed",
			zap.String("patrol_id", m.exec.ID),
			zap.Int("waypoint_index", i),
			zap.Error(err),
		)
	}

	// Drop residue from an earlier stop before observations can flow:
	// OnDetection feeds these channels only while inspecting is set.
	select {
	case <-m.verdictCh:
	default:
	}
	select {
	case <-m.obsCh:
	default:
	}

	m.mu.Lock()
	m.inspecting = true
	m.inspectIdx = i
	m.mu.Unlock()

	finish := func() debounce.Summary {
		m.mu.Lock()
		m.inspecting = false
		m.mu.Unlock()
		return m.det.FinalizeSession(m.exec.ID, i)
	}

	hard := time.NewTimer(m.cfg.InspectionTimeout)
	defer hard.Stop()
	var quiet *time.Timer
	var quietC <-chan time.Time
	if m.cfg.QuietPeriod > 0 {
		quiet = time.NewTimer(m.cfg.QuietPeriod)
		defer quiet.Stop()
		quietC = quiet.C
	}

	for {
		select {
		case v := <-m.verdictCh:
			finish()
			return &v, "", nil
		case <-m.obsCh:
			if quiet != nil {
				if !quiet.Stop() {
					select {
					case <-quiet.C:
					default:
					}
				}
				quiet.Reset(m.cfg.QuietPeriod)
			}
		case <-quietC:
			return nil, m.clearNote(i, finish(), "quiet period elapsed"), nil
		case <-hard.C:
			return nil, m.clearNote(i, finish(), "inspection window elapsed"), nil
		case <-m.stopCh:
			finish()
			return nil, "", errStopRequested
		case <-m.lowBatteryInterrupt():
			finish()
			return nil, "", errLowBattery
		case <-m.ctx.Done():
			finish()
			return nil, "", m.ctx.Err()
		}
	}
}

// clearNote builds the NO_VIOLATION_DETECTED transition context. A stop
// that saw zero observations passes silently and is flagged loudly, so a
// dead sensor does not read as a clean patrol.
func (m *Machine) clearNote(i int, sum debounce.Summary, cause string) string {
	if sum.Observations == 0 {
		m.logger.Warn("inspection passed with zero observations",
			zap.String("patrol_id", m.exec.ID),
			zap.Int("waypoint_index", i),
			zap.String("cause", cause),
		)
		return cause + ", no observations received"
	}
	return fmt.Sprintf("verdict=clear, %s, observations=%d", cause, sum.Observations)
}

// returnHome drives the robot back to the dock and closes the patrol as
// COMPLETED, or FAILED if the return itself fails.
func (m *Machine) returnHome(reason string) {
	_ = m.transition(evReturnHome, reason)

	if m.ctx.Err() != nil {
		m.failPatrol(m.cancelReason())
		return
	}

	select {
	case <-m.arrivalCh:
	default:
	}
	if err := m.transport.SendGoto(m.ctx, m.serial(), m.route.Home); err != nil {
		m.failPatrol(fmt.Sprintf("return home: %v", err))
		return
	}

	timer := time.NewTimer(m.cfg.WaypointTimeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-m.arrivalCh:
			if ev.Waypoint != "" && ev.Waypoint != m.route.Home {
				continue
			}
			if !ev.OK {
				m.failPatrol("return home aborted: " + ev.Detail)
				return
			}
			_ = m.transition(evArrivedHome, "arrived home")
			return
		case <-timer.C:
			m.failPatrol(fmt.Sprintf("return home: no arrival within %s", m.cfg.WaypointTimeout))
			return
		case <-m.ctx.Done():
			m.failPatrol(m.cancelReason())
			return
		}
	}
}

// failPatrol records the FAILED transition, then halts the robot. The
// record goes first so the audit trail is never behind the command.
func (m *Machine) failPatrol(reason string) {
	_ = m.transition(evFail, reason)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.transport.SendStop(ctx, m.serial()); err != nil {
		m.logger.Warn("stop command failed", zap.String("patrol_id", m.exec.ID), zap.Error(err))
	}
}

func (m *Machine) reportViolation(i int, wp *Waypoint, v *verdictEvent) {
	m.mu.Lock()
	m.exec.ViolationCount++
	snap := m.exec
	m.mu.Unlock()

	violation := &Violation{
		ID:            uuid.New().String(),
		PatrolID:      snap.ID,
		RobotID:       snap.RobotID,
		RouteID:       snap.RouteID,
		WaypointIndex: i,
		ViolationType: v.violationType,
		Confidence:    v.confidence,
		Observations:  v.observations,
		Countable:     v.countable,
		Timestamp:     v.ts,
	}

	m.audit.WriteViolation(&storage.ViolationEvent{
		ViolationID:   violation.ID,
		PatrolID:      violation.PatrolID,
		RobotID:       violation.RobotID,
		RouteID:       violation.RouteID,
		WaypointIndex: violation.WaypointIndex,
		ViolationType: violation.ViolationType,
		Confidence:    violation.Confidence,
		Observations:  violation.Observations,
		Countable:     violation.Countable,
		Timestamp:     violation.Timestamp,
	})
	if m.records != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := m.records.InsertViolation(ctx, violation); err != nil {
			m.logger.Error("violation insert failed", zap.String("violation_id", violation.ID), zap.Error(err))
		}
		cancel()
	}
	m.persist(snap)
	m.publish(relay.TypeViolation, StateViolationDetected, i, map[string]any{
		"violation_id":   violation.ID,
		"violation_type": violation.ViolationType,
		"confidence":     violation.Confidence,
	})

	if wp.ViolationTemplate != "" {
		if err := m.transport.SendDisplay(m.ctx, m.serial(), wp.ViolationTemplate); err != nil {
			m.logger.Warn("violation display failed", zap.String("waypoint", wp.Name), zap.Error(err))
		}
	}

	m.logger.Info("violation reported",
		zap.String("patrol_id", snap.ID),
		zap.String("violation_id", violation.ID),
		zap.Int("waypoint_index", i),
		zap.String("violation_type", violation.ViolationType),
		zap.Float64("confidence", violation.Confidence),
	)
}

// transition fires a trigger through the FSM and records the resulting
// transition. Records are written in firing order: all triggers fire from
// the machine goroutine.
func (m *Machine) transition(trigger, reason string) error {
	m.mu.Lock()
	from := m.fsm.Current()
	if !m.fsm.Can(trigger) {
		m.mu.Unlock()
		return fmt.Errorf("transition: %s from %s: %w", trigger, from, ErrInvalidState)
	}
	_ = m.fsm.Event(context.Background(), trigger)
	to := m.fsm.Current()
	m.exec.State = to
	if TerminalState(to) {
		t := m.now()
		m.exec.EndedAt = &t
		if to == StateFailed {
			m.exec.LastError = reason
		}
	}
	m.seq++
	rec := &storage.TransitionEvent{
		PatrolID:      m.exec.ID,
		RobotID:       m.exec.RobotID,
		RouteID:       m.exec.RouteID,
		Seq:           m.seq,
		FromState:     from,
		ToState:       to,
		WaypointIndex: m.exec.CurrentWaypoint,
		Loop:          m.exec.CurrentLoop,
		Context:       reason,
		Timestamp:     m.now(),
	}
	snap := m.exec
	m.mu.Unlock()

	m.record(rec, snap)
	return nil
}

// recordStep appends a transition record without moving the FSM, for
// same-state steps such as navigation retries.
func (m *Machine) recordStep(from, to, reason string) {
	m.mu.Lock()
	m.seq++
	rec := &storage.TransitionEvent{
		PatrolID:      m.exec.ID,
		RobotID:       m.exec.RobotID,
		RouteID:       m.exec.RouteID,
		Seq:           m.seq,
		FromState:     from,
		ToState:       to,
		WaypointIndex: m.exec.CurrentWaypoint,
		Loop:          m.exec.CurrentLoop,
		Context:       reason,
		Timestamp:     m.now(),
	}
	snap := m.exec
	m.mu.Unlock()

	m.record(rec, snap)
}

func (m *Machine) record(rec *storage.TransitionEvent, snap Execution) {
	m.audit.WriteTransition(rec)
	m.persist(snap)
	m.publish(relay.TypeTransition, rec.ToState, rec.WaypointIndex, map[string]any{
		"from":    rec.FromState,
		"context": rec.Context,
		"seq":     rec.Seq,
	})
	m.logger.Info("patrol transition",
		zap.String("patrol_id", rec.PatrolID),
		zap.String("robot_id", rec.RobotID),
		zap.String("from", rec.FromState),
		zap.String("to", rec.ToState),
		zap.Int("waypoint_index", rec.WaypointIndex),
		zap.String("context", rec.Context),
	)
}

func (m *Machine) persist(snap Execution) {
	if m.records == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.records.UpdateExecution(ctx, &snap); err != nil {
		m.logger.Error("execution update failed", zap.String("patrol_id", snap.ID), zap.Error(err))
	}
}

func (m *Machine) publish(eventType, state string, waypoint int, payload map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(relay.Event{
		PatrolID:      m.exec.ID,
		RobotID:       m.exec.RobotID,
		Type:          eventType,
		State:         state,
		WaypointIndex: waypoint,
		Timestamp:     m.now(),
		Payload:       payload,
	})
}

// OnArrival feeds a navigation outcome to the machine. Non-blocking.
func (m *Machine) OnArrival(ev ArrivalEvent) {
	select {
	case m.arrivalCh <- ev:
	default:
		m.logger.Debug("arrival event dropped", zap.String("waypoint", ev.Waypoint))
	}
}

// OnDetection feeds one perception sample. The debounce call happens
// here, on the delivery path; only a fired verdict crosses to the
// machine goroutine. Observations outside an inspection are dropped.
func (m *Machine) OnDetection(ev DetectionEvent) {
	m.mu.Lock()
	if !m.inspecting {
		m.droppedObs++
		m.mu.Unlock()
		return
	}
	idx := m.inspectIdx
	m.mu.Unlock()

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = m.now()
	}
	should, _, err := m.det.AddObservation(m.exec.ID, idx, ev.ViolationType, ev.Confidence, ts)
	if err != nil {
		if errors.Is(err, debounce.ErrInvalidState) {
			m.logger.Debug("observation raced session close", zap.Error(err))
		} else {
			m.logger.Warn("observation rejected",
				zap.String("violation_type", ev.ViolationType),
				zap.Float64("confidence", ev.Confidence),
				zap.Error(err),
			)
		}
		return
	}

	select {
	case m.obsCh <- struct{}{}:
	default:
	}
	if !should {
		return
	}

	stats, statsErr := m.det.GetWindowStats(m.exec.ID, idx)
	if statsErr != nil {
		stats = debounce.WindowStats{}
	}
	select {
	case m.verdictCh <- verdictEvent{
		violationType: ev.ViolationType,
		confidence:    ev.Confidence,
		observations:  stats.ObservationCount,
		countable:     stats.CountableCount,
		ts:            ts,
	}:
	default:
	}
}

// OnStatus feeds robot telemetry: battery, position for the distance
// accumulator, and the low-battery trigger.
func (m *Machine) OnStatus(ev StatusEvent) {
	m.mu.Lock()
	if TerminalState(m.exec.State) {
		m.mu.Unlock()
		return
	}
	m.exec.BatteryPercent = ev.Battery
	if m.lastPos != nil {
		m.exec.DistanceTraveled += math.Hypot(ev.Position.X-m.lastPos.X, ev.Position.Y-m.lastPos.Y)
	}
	p := ev.Position
	m.lastPos = &p

	trigger := !m.exec.LowBatteryTriggered && ev.Battery <= m.batteryThreshold && !ev.Charging
	if trigger {
		m.exec.LowBatteryTriggered = true
		m.cond.Broadcast()
	}
	m.mu.Unlock()

	if trigger {
		m.logger.Warn("battery below threshold",
			zap.String("patrol_id", m.exec.ID),
			zap.String("robot_id", m.exec.RobotID),
			zap.Int("battery", ev.Battery),
			zap.Int("threshold", m.batteryThreshold),
			zap.String("action", m.cfg.LowBatteryAction),
		)
		select {
		case m.lowBatCh <- struct{}{}:
		default:
		}
		m.publish(relay.TypeControl, m.State(), m.Snapshot().CurrentWaypoint, map[string]any{
			"action":  "low_battery",
			"battery": ev.Battery,
		})
	}
}

// Pause freezes waypoint advance without changing the current state.
func (m *Machine) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if TerminalState(m.exec.State) {
		return fmt.Errorf("Pause: patrol %s is %s: %w", m.exec.ID, m.exec.State, ErrInvalidState)
	}
	if m.exec.Paused {
		return nil
	}
	m.exec.Paused = true
	m.exec.PauseCount++
	m.logger.Info("patrol paused",
		zap.String("patrol_id", m.exec.ID),
		zap.Int("pause_count", m.exec.PauseCount),
	)
	if m.bus != nil {
		m.bus.Publish(relay.Event{
			PatrolID:      m.exec.ID,
			RobotID:       m.exec.RobotID,
			Type:          relay.TypeControl,
			State:         m.exec.State,
			WaypointIndex: m.exec.CurrentWaypoint,
			Timestamp:     m.now(),
			Payload:       map[string]any{"action": "paused"},
		})
	}
	return nil
}

// Resume releases a paused patrol.
func (m *Machine) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if TerminalState(m.exec.State) {
		return fmt.Errorf("Resume: patrol %s is %s: %w", m.exec.ID, m.exec.State, ErrInvalidState)
	}
	if !m.exec.Paused {
		return nil
	}
	m.exec.Paused = false
	m.exec.ResumeCount++
	m.cond.Broadcast()
	m.logger.Info("patrol resumed",
		zap.String("patrol_id", m.exec.ID),
		zap.Int("resume_count", m.exec.ResumeCount),
	)
	if m.bus != nil {
		m.bus.Publish(relay.Event{
			PatrolID:      m.exec.ID,
			RobotID:       m.exec.RobotID,
			Type:          relay.TypeControl,
			State:         m.exec.State,
			WaypointIndex: m.exec.CurrentWaypoint,
			Timestamp:     m.now(),
			Payload:       map[string]any{"action": "resumed"},
		})
	}
	return nil
}

// Stop requests a graceful end: the current wait is interrupted and the
// robot returns home.
func (m *Machine) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if TerminalState(m.exec.State) {
		return fmt.Errorf("Stop: patrol %s is %s: %w", m.exec.ID, m.exec.State, ErrInvalidState)
	}
	if m.stopping {
		return nil
	}
	m.stopping = true
	close(m.stopCh)
	m.cond.Broadcast()
	m.logger.Info("patrol stop requested", zap.String("patrol_id", m.exec.ID))
	return nil
}

// EmergencyStop cancels every in-flight wait and forces FAILED.
func (m *Machine) EmergencyStop() error {
	m.mu.Lock()
	if TerminalState(m.exec.State) {
		m.mu.Unlock()
		return fmt.Errorf("EmergencyStop: patrol %s is %s: %w", m.exec.ID, m.exec.State, ErrInvalidState)
	}
	if m.cancelMsg == "" {
		m.cancelMsg = "emergency stop"
	}
	m.cond.Broadcast()
	m.mu.Unlock()

	m.cancel()
	m.logger.Warn("emergency stop", zap.String("patrol_id", m.exec.ID))
	return nil
}

// Snapshot returns a copy of the execution record.
func (m *Machine) Snapshot() Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exec
}

// State returns the current lifecycle state.
func (m *Machine) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exec.State
}

// Terminal reports whether the patrol has ended.
func (m *Machine) Terminal() bool {
	return TerminalState(m.State())
}

// Wait returns a channel closed when the patrol goroutine exits.
func (m *Machine) Wait() <-chan struct{} {
	return m.done
}

// WindowStats snapshots the live inspection's debounce window.
func (m *Machine) WindowStats() (debounce.WindowStats, error) {
	m.mu.Lock()
	if !m.inspecting {
		id := m.exec.ID
		m.mu.Unlock()
		return debounce.WindowStats{}, fmt.Errorf("WindowStats: patrol %s is not inspecting: %w", id, ErrInvalidState)
	}
	idx := m.inspectIdx
	m.mu.Unlock()
	return m.det.GetWindowStats(m.exec.ID, idx)
}

// gate blocks while the patrol is paused. Stop, emergency stop and the
// low-battery trigger all release it.
func (m *Machine) gate() {
	m.mu.Lock()
	for m.exec.Paused && m.ctx.Err() == nil && !m.stopping && !m.exec.LowBatteryTriggered {
		m.cond.Wait()
	}
	m.mu.Unlock()
}

// interrupt reports a pending interrupt, most severe first.
func (m *Machine) interrupt() (reason string, home, failed bool) {
	if m.ctx.Err() != nil {
		return m.cancelReason(), false, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		return "stop requested", true, false
	}
	if m.exec.LowBatteryTriggered {
		return "low battery", true, false
	}
	return "", false, false
}

func (m *Machine) classifyInterrupt(err error) (stepResult, string) {
	switch {
	case errors.Is(err, errStopRequested):
		return stepGoHome, "stop requested"
	case errors.Is(err, errLowBattery):
		return stepGoHome, "low battery"
	default:
		m.failPatrol(m.cancelReason())
		return stepFailed, ""
	}
}

func isInterrupt(err error) bool {
	return errors.Is(err, errStopRequested) ||
		errors.Is(err, errLowBattery) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// lowBatteryInterrupt returns the trigger channel only under the
// return_immediately policy; otherwise low battery is handled between
// waypoints. A nil channel never fires in a select.
func (m *Machine) lowBatteryInterrupt() <-chan struct{} {
	if m.cfg.LowBatteryAction == LowBatteryReturnImmediately {
		return m.lowBatCh
	}
	return nil
}

func (m *Machine) cancelReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelMsg != "" {
		return m.cancelMsg
	}
	return "patrol canceled"
}

func (m *Machine) serial() string {
	return m.exec.RobotSerial
}

func (m *Machine) setWaypoint(i int) {
	m.mu.Lock()
	m.exec.CurrentWaypoint = i
	m.mu.Unlock()
}

func (m *Machine) setLoop(loop int) {
	m.mu.Lock()
	m.exec.CurrentLoop = loop
	if loop > 1 {
		m.exec.CompletionPercent = 0
	}
	m.mu.Unlock()
}

func (m *Machine) markCompleted(i int) {
	m.mu.Lock()
	m.exec.LastCompletedWaypoint = i
	m.exec.CompletionPercent = float64(i+1) / float64(len(m.route.Waypoints)) * 100
	m.mu.Unlock()
}

func (m *Machine) droppedObservations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.droppedObs
}
