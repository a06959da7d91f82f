package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-robotics/patrolcore/internal/chread"
	"github.com/sentinel-robotics/patrolcore/internal/patrol"
	"github.com/sentinel-robotics/patrolcore/internal/relay"
	"github.com/sentinel-robotics/patrolcore/internal/store"
)

// RouteSource loads route definitions. *store.Store satisfies it.
type RouteSource interface {
	RouteByID(ctx context.Context, id string) (*patrol.Route, error)
}

// RobotSource loads robot registrations. *store.Store satisfies it.
type RobotSource interface {
	RobotByID(ctx context.Context, id string) (*store.Robot, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Routes   RouteSource
	Robots   RobotSource
	Orch     *patrol.Orchestrator
	Bus      *relay.Bus
	Reader   *chread.Reader // nil if ClickHouse unavailable
	Logger   *zap.Logger
	CacheTTL time.Duration

	routeCache *store.RouteCache
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	if deps.routeCache == nil {
		deps.routeCache = store.NewRouteCache(deps.CacheTTL)
	}

	mux := http.NewServeMux()

	// Patrol control surface
	mux.HandleFunc("POST /v1/patrols", deps.handleStartPatrol)
	mux.HandleFunc("POST /v1/patrols/{robot_id}/pause", deps.handlePausePatrol)
	mux.HandleFunc("POST /v1/patrols/{robot_id}/resume", deps.handleResumePatrol)
	mux.HandleFunc("POST /v1/patrols/{robot_id}/stop", deps.handleStopPatrol)
	mux.HandleFunc("POST /v1/patrols/{robot_id}/emergency-stop", deps.handleEmergencyStop)

	// Patrol read surface
	mux.HandleFunc("GET /v1/patrols/{robot_id}", deps.handlePatrolStatus)
	mux.HandleFunc("GET /v1/patrols/{robot_id}/window-stats", deps.handleWindowStats)

	// Event relay poll + audit history
	mux.HandleFunc("GET /v1/events", deps.handleEvents)

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
