package patrol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sentinel-robotics/patrolcore/internal/debounce"
	"github.com/sentinel-robotics/patrolcore/internal/relay"
	"github.com/sentinel-robotics/patrolcore/internal/storage"
)

// OrchestratorParams wires the composition root. Debouncer and Transport
// are required; Records and Bus may be nil; a nil Audit falls back to a
// log writer.
type OrchestratorParams struct {
	Defaults  Config
	Debouncer *debounce.Debouncer
	Transport Transport
	Records   RecordStore
	Audit     storage.AuditWriter
	Bus       *relay.Bus
	Logger    *zap.Logger
}

// Orchestrator owns at most one active patrol per robot and routes
// transport events to the owning machine. The one-active invariant is
// enforced at this registry, nowhere else.
type Orchestrator struct {
	defaults  Config
	det       *debounce.Debouncer
	transport Transport
	records   RecordStore
	audit     storage.AuditWriter
	bus       *relay.Bus
	logger    *zap.Logger

	mu       sync.Mutex
	machines map[string]*Machine // keyed by robot id
	bySerial map[string]*Machine // keyed by hardware serial
	closed   bool

	intakeCancel context.CancelFunc
	intakeDone   chan struct{}
}

// NewOrchestrator builds the registry and starts the transport intake
// loop.
func NewOrchestrator(p OrchestratorParams) *Orchestrator {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Audit == nil {
		p.Audit = storage.NewLogWriter(p.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		defaults:     p.Defaults,
		det:          p.Debouncer,
		transport:    p.Transport,
		records:      p.Records,
		audit:        p.Audit,
		bus:          p.Bus,
		logger:       p.Logger,
		machines:     make(map[string]*Machine),
		bySerial:     make(map[string]*Machine),
		intakeCancel: cancel,
		intakeDone:   make(chan struct{}),
	}
	go o.intake(ctx)
	return o
}

// intake is the single consumer of the transport event channels. Events
// are routed by the serial they were published under; events for serials
// with no active patrol are discarded.
func (o *Orchestrator) intake(ctx context.Context) {
	defer close(o.intakeDone)

	arrivals := o.transport.Arrivals()
	detections := o.transport.Detections()
	status := o.transport.Status()

	for {
		if arrivals == nil && detections == nil && status == nil {
			return
		}
		select {
		case ev, ok := <-arrivals:
			if !ok {
				arrivals = nil
				continue
			}
			if m := o.machineBySerial(ev.Serial); m != nil {
				m.OnArrival(ev)
			}
		case ev, ok := <-detections:
			if !ok {
				detections = nil
				continue
			}
			if m := o.machineBySerial(ev.Serial); m != nil {
				m.OnDetection(ev)
			}
		case ev, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			if m := o.machineBySerial(ev.Serial); m != nil {
				m.OnStatus(ev)
			}
		case <-ctx.Done():
			return
		}
	}
}

// StartPatrol launches a patrol for the request's robot. Returns
// ErrAlreadyActive while the robot has a non-terminal patrol, and
// ErrValidation (with the FAILED execution snapshot) when the request
// does not validate.
func (o *Orchestrator) StartPatrol(req StartRequest) (Execution, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Execution{}, fmt.Errorf("StartPatrol: orchestrator closed: %w", ErrInvalidState)
	}
	if existing, ok := o.machines[req.RobotID]; ok && !existing.Terminal() {
		o.mu.Unlock()
		return Execution{}, fmt.Errorf("StartPatrol: robot %s: %w", req.RobotID, ErrAlreadyActive)
	}
	serial := req.RobotSerial
	if serial == "" {
		serial = req.RobotID
	}
	if existing, ok := o.bySerial[serial]; ok && !existing.Terminal() {
		o.mu.Unlock()
		return Execution{}, fmt.Errorf("StartPatrol: serial %s: %w", serial, ErrAlreadyActive)
	}
	m := NewMachine(MachineParams{
		Request:   req,
		Config:    o.defaults,
		Debouncer: o.det,
		Transport: o.transport,
		Records:   o.records,
		Audit:     o.audit,
		Bus:       o.bus,
		Logger:    o.logger.With(zap.String("robot_id", req.RobotID)),
	})
	o.machines[req.RobotID] = m
	o.bySerial[serial] = m
	o.mu.Unlock()

	snap := m.Snapshot()
	if o.records != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := o.records.CreateExecution(ctx, &snap); err != nil {
			o.logger.Error("execution create failed",
				zap.String("patrol_id", snap.ID),
				zap.Error(err),
			)
		}
		cancel()
	}

	if err := m.Start(); err != nil {
		o.remove(req.RobotID, m)
		return m.Snapshot(), err
	}

	go func() {
		<-m.Wait()
		o.remove(req.RobotID, m)
	}()

	o.logger.Info("patrol started",
		zap.String("patrol_id", snap.ID),
		zap.String("robot_id", snap.RobotID),
		zap.String("route_id", snap.RouteID),
		zap.Int("waypoints", snap.TotalWaypoints),
		zap.Int("loops", snap.LoopCount),
	)
	return m.Snapshot(), nil
}

// Pause freezes the robot's active patrol.
func (o *Orchestrator) Pause(robotID string) error {
	m := o.machine(robotID)
	if m == nil {
		return errNoActive(robotID)
	}
	return m.Pause()
}

// Resume releases the robot's paused patrol.
func (o *Orchestrator) Resume(robotID string) error {
	m := o.machine(robotID)
	if m == nil {
		return errNoActive(robotID)
	}
	return m.Resume()
}

// Stop ends the robot's patrol gracefully through RETURNING_HOME.
func (o *Orchestrator) Stop(robotID string) error {
	m := o.machine(robotID)
	if m == nil {
		return errNoActive(robotID)
	}
	return m.Stop()
}

// EmergencyStop forces the robot's patrol to FAILED immediately.
func (o *Orchestrator) EmergencyStop(robotID string) error {
	m := o.machine(robotID)
	if m == nil {
		return errNoActive(robotID)
	}
	return m.EmergencyStop()
}

// Status snapshots the robot's active patrol.
func (o *Orchestrator) Status(robotID string) (Execution, error) {
	m := o.machine(robotID)
	if m == nil {
		return Execution{}, errNoActive(robotID)
	}
	return m.Snapshot(), nil
}

// WindowStats snapshots the debounce window of the robot's live
// inspection.
func (o *Orchestrator) WindowStats(robotID string) (debounce.WindowStats, error) {
	m := o.machine(robotID)
	if m == nil {
		return debounce.WindowStats{}, errNoActive(robotID)
	}
	return m.WindowStats()
}

// ActiveCount returns the number of robots with an active patrol.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.machines)
}

// Close emergency-stops every active patrol, waits for the machines to
// finish, then shuts the intake loop down.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	machines := make(map[string]*Machine, len(o.machines))
	for id, m := range o.machines {
		machines[id] = m
	}
	o.mu.Unlock()

	var errs error
	for robotID, m := range machines {
		if err := m.EmergencyStop(); err != nil && !errors.Is(err, ErrInvalidState) {
			errs = multierr.Append(errs, fmt.Errorf("emergency stop robot %s: %w", robotID, err))
		}
	}
	for robotID, m := range machines {
		select {
		case <-m.Wait():
		case <-time.After(5 * time.Second):
			errs = multierr.Append(errs, fmt.Errorf("robot %s: patrol did not stop in time", robotID))
		}
	}

	o.intakeCancel()
	<-o.intakeDone
	return errs
}

func (o *Orchestrator) machine(robotID string) *Machine {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.machines[robotID]
}

func (o *Orchestrator) machineBySerial(serial string) *Machine {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bySerial[serial]
}

func (o *Orchestrator) remove(robotID string, m *Machine) {
	serial := m.Snapshot().RobotSerial
	o.mu.Lock()
	if o.machines[robotID] == m {
		delete(o.machines, robotID)
	}
	if o.bySerial[serial] == m {
		delete(o.bySerial, serial)
	}
	o.mu.Unlock()
}

func errNoActive(robotID string) error {
	return fmt.Errorf("no active patrol for robot %q: %w", robotID, ErrInvalidState)
}
