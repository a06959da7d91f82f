package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-robotics/patrolcore/internal/debounce"
	"github.com/sentinel-robotics/patrolcore/internal/patrol"
	"github.com/sentinel-robotics/patrolcore/internal/relay"
	"github.com/sentinel-robotics/patrolcore/internal/store"
	"github.com/sentinel-robotics/patrolcore/internal/transport"
)

type fakeRouteSource struct {
	routes map[string]*patrol.Route
	calls  int32
}

func (f *fakeRouteSource) RouteByID(_ context.Context, id string) (*patrol.Route, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.routes[id], nil
}

type fakeRobotSource struct {
	robots map[string]*store.Robot
}

func (f *fakeRobotSource) RobotByID(_ context.Context, id string) (*store.Robot, error) {
	return f.robots[id], nil
}

type testServer struct {
	url    string
	sim    *transport.Simulator
	routes *fakeRouteSource
}

func newTestServer(t *testing.T, travel time.Duration) *testServer {
	t.Helper()

	routes := &fakeRouteSource{routes: map[string]*patrol.Route{
		"route-plain": {
			ID:   "route-plain",
			Name: "perimeter",
			Home: "dock",
			Waypoints: []patrol.Waypoint{
				{Sequence: 0, Name: "gate-a"},
				{Sequence: 1, Name: "gate-b"},
			},
		},
		"route-inspect": {
			ID:   "route-inspect",
			Name: "lab sweep",
			Home: "dock",
			Waypoints: []patrol.Waypoint{
				{Sequence: 0, Name: "lab", InspectionEnabled: true},
			},
		},
	}}
	robots := &fakeRobotSource{robots: map[string]*store.Robot{
		"robot-1": {ID: "robot-1", Serial: "SN-1", Name: "unit one"},
		"robot-2": {ID: "robot-2", Serial: "SN-2", Name: "unit two"},
	}}

	sim := transport.NewSimulator(travel, zap.NewNop())
	t.Cleanup(sim.Close)

	bus := relay.NewBus(256)
	orch := patrol.NewOrchestrator(patrol.OrchestratorParams{
		Defaults: patrol.Config{
			WaypointTimeout:   time.Minute,
			WaypointAttempts:  3,
			InspectionTimeout: 30 * time.Second,
			QuietPeriod:       2 * time.Second,
			BatteryThreshold:  20,
			LowBatteryAction:  patrol.LowBatteryCompleteCurrent,
		},
		Debouncer: debounce.New(debounce.DefaultConfig(), zap.NewNop()),
		Transport: sim,
		Bus:       bus,
		Logger:    zap.NewNop(),
	})
	t.Cleanup(func() { _ = orch.Close() })

	srv := httptest.NewServer(NewRouter(&Dependencies{
		Routes:   routes,
		Robots:   robots,
		Orch:     orch,
		Bus:      bus,
		Logger:   zap.NewNop(),
		CacheTTL: time.Minute,
	}))
	t.Cleanup(srv.Close)

	return &testServer{url: srv.URL, sim: sim, routes: routes}
}

func doJSON(t *testing.T, method, url string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, data
}

func decodeInto(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode response %s: %v", data, err)
	}
}

// pollEvents pages the relay ring until an event matches or the deadline
// passes.
func pollEvents(t *testing.T, baseURL string, match func(relay.Event) bool) relay.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, body := doJSON(t, http.MethodGet, baseURL+"/v1/events?limit=500", nil)
		if status != http.StatusOK {
			t.Fatalf("events poll returned %d: %s", status, body)
		}
		var resp EventPollResp
		decodeInto(t, body, &resp)
		for _, ev := range resp.Events {
			if match(ev) {
				return ev
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no matching event before deadline")
	return relay.Event{}
}

func pollStatusGone(t *testing.T, baseURL, robotID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, _ := doJSON(t, http.MethodGet, baseURL+"/v1/patrols/"+robotID, nil)
		if status == http.StatusNotFound {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("patrol for %s never reaped", robotID)
}

func TestAPI_StartPatrolRunsToCompletion(t *testing.T) {
	ts := newTestServer(t, 5*time.Millisecond)

	status, body := doJSON(t, http.MethodPost, ts.url+"/v1/patrols", StartPatrolReq{
		RobotID:   "robot-1",
		RouteID:   "route-plain",
		LoopCount: 1,
	})
	if status != http.StatusCreated {
		t.Fatalf("start returned %d: %s", status, body)
	}
	var exec patrol.Execution
	decodeInto(t, body, &exec)
	if exec.ID == "" {
		t.Fatal("expected a patrol id")
	}
	if exec.RobotID != "robot-1" || exec.RobotSerial != "SN-1" {
		t.Errorf("unexpected robot identity: %s/%s", exec.RobotID, exec.RobotSerial)
	}
	if exec.RouteName != "perimeter" || exec.TotalWaypoints != 2 {
		t.Errorf("unexpected route snapshot: %s/%d", exec.RouteName, exec.TotalWaypoints)
	}

	done := pollEvents(t, ts.url, func(ev relay.Event) bool {
		return ev.PatrolID == exec.ID && ev.State == patrol.StateCompleted
	})
	if done.Type != relay.TypeTransition {
		t.Errorf("expected a transition event, got %s", done.Type)
	}

	pollStatusGone(t, ts.url, "robot-1")
}

func TestAPI_StartPatrolValidation(t *testing.T) {
	ts := newTestServer(t, time.Hour)

	cases := []struct {
		name       string
		body       string
		wantStatus int
		wantDetail string
	}{
		{"malformed body", `{"robot_id": `, http.StatusBadRequest, "Invalid JSON body"},
		{"missing robot id", `{"route_id": "route-plain"}`, http.StatusBadRequest, "robot_id is required"},
		{"missing route id", `{"robot_id": "robot-1"}`, http.StatusBadRequest, "route_id is required"},
		{"unknown robot", `{"robot_id": "ghost", "route_id": "route-plain"}`, http.StatusNotFound, "Robot not found."},
		{"unknown route", `{"robot_id": "robot-1", "route_id": "ghost"}`, http.StatusNotFound, "Route not found."},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.url+"/v1/patrols", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close() //nolint:errcheck
			data, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tc.wantStatus, resp.StatusCode, data)
			}
			var eresp ErrorResp
			decodeInto(t, data, &eresp)
			if eresp.Detail != tc.wantDetail {
				t.Errorf("expected detail %q, got %q", tc.wantDetail, eresp.Detail)
			}
		})
	}
}

func TestAPI_SecondStartConflicts(t *testing.T) {
	ts := newTestServer(t, time.Hour)

	start := StartPatrolReq{RobotID: "robot-1", RouteID: "route-plain"}
	if status, body := doJSON(t, http.MethodPost, ts.url+"/v1/patrols", start); status != http.StatusCreated {
		t.Fatalf("first start returned %d: %s", status, body)
	}
	if status, _ := doJSON(t, http.MethodPost, ts.url+"/v1/patrols", start); status != http.StatusConflict {
		t.Fatalf("expected 409 for second start, got %d", status)
	}

	// a different robot is unaffected
	other := StartPatrolReq{RobotID: "robot-2", RouteID: "route-plain"}
	if status, _ := doJSON(t, http.MethodPost, ts.url+"/v1/patrols", other); status != http.StatusCreated {
		t.Fatal("expected robot-2 start to succeed")
	}

	for _, robot := range []string{"robot-1", "robot-2"} {
		status, body := doJSON(t, http.MethodPost, ts.url+"/v1/patrols/"+robot+"/emergency-stop", nil)
		if status != http.StatusOK {
			t.Fatalf("emergency stop %s returned %d: %s", robot, status, body)
		}
		var ack ControlResp
		decodeInto(t, body, &ack)
		if ack.Status != "stopped" {
			t.Errorf("unexpected ack %q", ack.Status)
		}
	}
	pollStatusGone(t, ts.url, "robot-1")
	pollStatusGone(t, ts.url, "robot-2")
}

func TestAPI_PauseResumeStop(t *testing.T) {
	ts := newTestServer(t, time.Hour)

	status, body := doJSON(t, http.MethodPost, ts.url+"/v1/patrols", StartPatrolReq{
		RobotID: "robot-1",
		RouteID: "route-plain",
	})
	if status != http.StatusCreated {
		t.Fatalf("start returned %d: %s", status, body)
	}
	var exec patrol.Execution
	decodeInto(t, body, &exec)

	status, body = doJSON(t, http.MethodPost, ts.url+"/v1/patrols/robot-1/pause", nil)
	if status != http.StatusOK {
		t.Fatalf("pause returned %d: %s", status, body)
	}
	var snap patrol.Execution
	decodeInto(t, body, &snap)
	if !snap.Paused || snap.PauseCount != 1 {
		t.Errorf("expected paused snapshot, got paused=%v count=%d", snap.Paused, snap.PauseCount)
	}

	// pausing a paused patrol is a no-op
	status, body = doJSON(t, http.MethodPost, ts.url+"/v1/patrols/robot-1/pause", nil)
	if status != http.StatusOK {
		t.Fatalf("second pause returned %d: %s", status, body)
	}
	decodeInto(t, body, &snap)
	if snap.PauseCount != 1 {
		t.Errorf("expected pause count 1 after repeat, got %d", snap.PauseCount)
	}

	status, body = doJSON(t, http.MethodPost, ts.url+"/v1/patrols/robot-1/resume", nil)
	if status != http.StatusOK {
		t.Fatalf("resume returned %d: %s", status, body)
	}
	decodeInto(t, body, &snap)
	if snap.Paused || snap.ResumeCount != 1 {
		t.Errorf("expected resumed snapshot, got paused=%v count=%d", snap.Paused, snap.ResumeCount)
	}

	if status, body = doJSON(t, http.MethodPost, ts.url+"/v1/patrols/robot-1/stop", nil); status != http.StatusOK {
		t.Fatalf("stop returned %d: %s", status, body)
	}
	pollEvents(t, ts.url, func(ev relay.Event) bool {
		return ev.PatrolID == exec.ID && ev.State == patrol.StateReturningHome
	})

	if status, _ = doJSON(t, http.MethodPost, ts.url+"/v1/patrols/robot-1/emergency-stop", nil); status != http.StatusOK {
		t.Fatalf("emergency stop returned %d", status)
	}
	pollStatusGone(t, ts.url, "robot-1")
}

func TestAPI_ControlsWithoutPatrol(t *testing.T) {
	ts := newTestServer(t, time.Hour)

	for _, path := range []string{"/pause", "/resume", "/stop", "/emergency-stop"} {
		status, _ := doJSON(t, http.MethodPost, ts.url+"/v1/patrols/ghost"+path, nil)
		if status != http.StatusNotFound {
			t.Errorf("POST %s expected 404, got %d", path, status)
		}
	}
	if status, _ := doJSON(t, http.MethodGet, ts.url+"/v1/patrols/ghost", nil); status != http.StatusNotFound {
		t.Errorf("status expected 404, got %d", status)
	}
	if status, _ := doJSON(t, http.MethodGet, ts.url+"/v1/patrols/ghost/window-stats", nil); status != http.StatusNotFound {
		t.Errorf("window stats expected 404, got %d", status)
	}
}

func TestAPI_WindowStatsDuringInspection(t *testing.T) {
	ts := newTestServer(t, 5*time.Millisecond)

	status, body := doJSON(t, http.MethodPost, ts.url+"/v1/patrols", StartPatrolReq{
		RobotID:   "robot-1",
		RouteID:   "route-inspect",
		LoopCount: 1,
	})
	if status != http.StatusCreated {
		t.Fatalf("start returned %d: %s", status, body)
	}

	statsURL := ts.url + "/v1/patrols/robot-1/window-stats"
	deadline := time.Now().Add(3 * time.Second)
	for {
		if status, _ = doJSON(t, http.MethodGet, statsURL, nil); status == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("inspection never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ts.sim.InjectDetection(patrol.DetectionEvent{Serial: "SN-1", ViolationType: "no_vest", Confidence: 0.4})
	ts.sim.InjectDetection(patrol.DetectionEvent{Serial: "SN-1", ViolationType: "no_vest", Confidence: 0.4})

	var stats debounce.WindowStats
	deadline = time.Now().Add(3 * time.Second)
	for {
		status, body = doJSON(t, http.MethodGet, statsURL, nil)
		if status == http.StatusOK {
			decodeInto(t, body, &stats)
			if stats.ObservationCount == 2 {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("observations never surfaced, last status %d body %s", status, body)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if stats.CountableCount != 0 {
		t.Errorf("0.4 confidence should not be countable, got %d", stats.CountableCount)
	}
	if stats.Reported {
		t.Error("low confidence window must not report")
	}
	if stats.Types["no_vest"] != 2 {
		t.Errorf("expected 2 no_vest observations, got %v", stats.Types)
	}
}

func TestAPI_RouteCacheServesRepeatStarts(t *testing.T) {
	ts := newTestServer(t, time.Hour)

	for _, robot := range []string{"robot-1", "robot-2"} {
		status, body := doJSON(t, http.MethodPost, ts.url+"/v1/patrols", StartPatrolReq{
			RobotID: robot,
			RouteID: "route-plain",
		})
		if status != http.StatusCreated {
			t.Fatalf("start %s returned %d: %s", robot, status, body)
		}
	}

	if calls := atomic.LoadInt32(&ts.routes.calls); calls != 1 {
		t.Errorf("expected a single route lookup, got %d", calls)
	}
}

func TestAPI_EventHistoryRequiresClickHouse(t *testing.T) {
	ts := newTestServer(t, time.Hour)

	status, body := doJSON(t, http.MethodGet, ts.url+"/v1/events?patrol_id=abc", nil)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", status, body)
	}
	var eresp ErrorResp
	decodeInto(t, body, &eresp)
	if eresp.Detail != "ClickHouse not configured" {
		t.Errorf("unexpected detail %q", eresp.Detail)
	}
}

func TestAPI_EventPollPagination(t *testing.T) {
	ts := newTestServer(t, 5*time.Millisecond)

	status, body := doJSON(t, http.MethodPost, ts.url+"/v1/patrols", StartPatrolReq{
		RobotID:   "robot-1",
		RouteID:   "route-plain",
		LoopCount: 1,
	})
	if status != http.StatusCreated {
		t.Fatalf("start returned %d: %s", status, body)
	}
	var exec patrol.Execution
	decodeInto(t, body, &exec)
	pollEvents(t, ts.url, func(ev relay.Event) bool {
		return ev.PatrolID == exec.ID && ev.State == patrol.StateCompleted
	})

	status, body = doJSON(t, http.MethodGet, ts.url+"/v1/events?limit=2", nil)
	if status != http.StatusOK {
		t.Fatalf("poll returned %d: %s", status, body)
	}
	var first EventPollResp
	decodeInto(t, body, &first)
	if len(first.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(first.Events))
	}
	if first.LastSeq < first.Events[1].Seq {
		t.Errorf("last_seq %d behind page end %d", first.LastSeq, first.Events[1].Seq)
	}

	cursor := first.Events[1].Seq
	status, body = doJSON(t, http.MethodGet, ts.url+"/v1/events?after_seq="+strconv.FormatUint(cursor, 10)+"&limit=500", nil)
	if status != http.StatusOK {
		t.Fatalf("second poll returned %d: %s", status, body)
	}
	var second EventPollResp
	decodeInto(t, body, &second)
	if len(second.Events) == 0 {
		t.Fatal("expected events after the cursor")
	}
	if second.Events[0].Seq <= cursor {
		t.Errorf("page overlaps cursor: %d <= %d", second.Events[0].Seq, cursor)
	}
}

func TestAPI_HealthzAndCORS(t *testing.T) {
	ts := newTestServer(t, time.Hour)

	status, body := doJSON(t, http.MethodGet, ts.url+"/healthz", nil)
	if status != http.StatusOK {
		t.Fatalf("healthz returned %d", status)
	}
	var health map[string]string
	decodeInto(t, body, &health)
	if health["status"] != "ok" {
		t.Errorf("unexpected health body %v", health)
	}

	req, err := http.NewRequest(http.MethodOptions, ts.url+"/v1/events", nil)
	if err != nil {
		t.Fatalf("build preflight: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight returned %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
}
