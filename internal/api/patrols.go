package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-robotics/patrolcore/internal/patrol"
)

func (d *Dependencies) handleStartPatrol(w http.ResponseWriter, r *http.Request) {
	var req StartPatrolReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.RobotID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "robot_id is required"})
		return
	}
	if req.RouteID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "route_id is required"})
		return
	}

	robot, err := d.Robots.RobotByID(r.Context(), req.RobotID)
	if err != nil {
		d.Logger.Error("failed to load robot", zap.String("robot_id", req.RobotID), zapError(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to load robot"})
		return
	}
	if robot == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Robot not found."})
		return
	}

	route, err := d.loadRoute(r.Context(), req.RouteID)
	if err != nil {
		d.Logger.Error("failed to load route", zap.String("route_id", req.RouteID), zapError(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to load route"})
		return
	}
	if route == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Route not found."})
		return
	}

	exec, err := d.Orch.StartPatrol(patrol.StartRequest{
		RobotID:          robot.ID,
		RobotSerial:      robot.Serial,
		Route:            route,
		LoopCount:        req.LoopCount,
		BatteryThreshold: robot.BatteryThreshold,
		Detection:        req.Detection,
	})
	if err != nil {
		d.writePatrolError(w, "start patrol", err)
		return
	}

	writeJSON(w, http.StatusCreated, exec)
}

func (d *Dependencies) handlePausePatrol(w http.ResponseWriter, r *http.Request) {
	robotID := r.PathValue("robot_id")
	if err := d.Orch.Pause(robotID); err != nil {
		d.writePatrolError(w, "pause patrol", err)
		return
	}
	d.writeSnapshot(w, robotID)
}

func (d *Dependencies) handleResumePatrol(w http.ResponseWriter, r *http.Request) {
	robotID := r.PathValue("robot_id")
	if err := d.Orch.Resume(robotID); err != nil {
		d.writePatrolError(w, "resume patrol", err)
		return
	}
	d.writeSnapshot(w, robotID)
}

func (d *Dependencies) handleStopPatrol(w http.ResponseWriter, r *http.Request) {
	robotID := r.PathValue("robot_id")
	if err := d.Orch.Stop(robotID); err != nil {
		d.writePatrolError(w, "stop patrol", err)
		return
	}
	d.writeSnapshot(w, robotID)
}

func (d *Dependencies) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	robotID := r.PathValue("robot_id")
	if err := d.Orch.EmergencyStop(robotID); err != nil {
		d.writePatrolError(w, "emergency stop", err)
		return
	}
	writeJSON(w, http.StatusOK, ControlResp{Status: "stopped"})
}

func (d *Dependencies) handlePatrolStatus(w http.ResponseWriter, r *http.Request) {
	robotID := r.PathValue("robot_id")
	exec, err := d.Orch.Status(robotID)
	if err != nil {
		d.writePatrolError(w, "patrol status", err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (d *Dependencies) handleWindowStats(w http.ResponseWriter, r *http.Request) {
	robotID := r.PathValue("robot_id")
	stats, err := d.Orch.WindowStats(robotID)
	if err != nil {
		d.writePatrolError(w, "window stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// writeSnapshot returns the current execution after a control command.
// The patrol can reach a terminal state and be reaped between the command
// and this read; the command still succeeded, so acknowledge it.
func (d *Dependencies) writeSnapshot(w http.ResponseWriter, robotID string) {
	exec, err := d.Orch.Status(robotID)
	if err != nil {
		writeJSON(w, http.StatusOK, ControlResp{Status: "ok"})
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// writePatrolError maps the patrol error taxonomy onto HTTP statuses:
// validation 400, already-active 409, no-active-patrol and wrong-state
// 404, everything else 500.
func (d *Dependencies) writePatrolError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, patrol.ErrValidation):
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
	case errors.Is(err, patrol.ErrAlreadyActive):
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: err.Error()})
	case errors.Is(err, patrol.ErrInvalidState):
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: err.Error()})
	default:
		d.Logger.Error(op+" failed", zapError(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Internal error"})
	}
}

// loadRoute serves route lookups through the stale-while-revalidate
// cache. A stale hit is returned immediately while one goroutine
// refreshes in the background.
func (d *Dependencies) loadRoute(ctx context.Context, routeID string) (*patrol.Route, error) {
	res := d.routeCache.Get(routeID)
	if res.Hit && res.NeedsRefresh {
		go d.refreshRoute(routeID)
	}
	if res.Hit {
		return res.Route, nil
	}

	route, err := d.Routes.RouteByID(ctx, routeID)
	if err != nil || route == nil {
		return nil, err
	}
	d.routeCache.Set(routeID, route)
	return route, nil
}

// refreshRoute refreshes a stale cache entry in the background.
func (d *Dependencies) refreshRoute(routeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	route, err := d.Routes.RouteByID(ctx, routeID)
	if err != nil {
		d.Logger.Warn("background route refresh failed", zap.String("route_id", routeID), zapError(err))
		return
	}
	if route == nil {
		d.routeCache.Delete(routeID)
		return
	}
	d.routeCache.Set(routeID, route)
}

func zapError(err error) zap.Field {
	return zap.Error(err)
}
