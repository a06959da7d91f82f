package api

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sentinel-robotics/patrolcore/internal/chread"
	"github.com/sentinel-robotics/patrolcore/internal/relay"
)

// handleEvents serves two sources behind one endpoint. Without a
// patrol_id or robot_id filter it pages the in-process relay ring
// (after_seq/limit); with one it queries the ClickHouse audit history
// (page/page_size, type=transition|violation).
func (d *Dependencies) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("patrol_id") == "" && q.Get("robot_id") == "" {
		d.handleEventPoll(w, q)
		return
	}
	d.handleEventHistory(w, r)
}

func (d *Dependencies) handleEventPoll(w http.ResponseWriter, q url.Values) {
	afterSeq := queryUint64(q, "after_seq", 0)
	limit := queryInt(q, "limit", 100)
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}

	writeJSON(w, http.StatusOK, EventPollResp{
		Events:  d.Bus.EventsSince(afterSeq, limit),
		LastSeq: d.Bus.LastSeq(),
	})
}

func (d *Dependencies) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	q := r.URL.Query()
	page := queryInt(q, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := queryInt(q, "page_size", 50)
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	var start, end *time.Time
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = &t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = &t
		}
	}

	if q.Get("type") == relay.TypeViolation {
		params := chread.ListViolationsParams{
			PatrolID:  q.Get("patrol_id"),
			RobotID:   q.Get("robot_id"),
			StartTime: start,
			EndTime:   end,
			Page:      page,
			PageSize:  pageSize,
		}
		if v := q.Get("violation_type"); v != "" {
			params.ViolationType = &v
		}

		violations, total, err := d.Reader.ListViolations(r.Context(), params)
		if err != nil {
			d.Logger.Error("failed to list violation history", zapError(err))
			writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list violations"})
			return
		}

		resp := ViolationListResp{
			Violations: make([]ViolationResp, 0, len(violations)),
			Total:      total,
			Page:       page,
			PageSize:   pageSize,
		}
		for _, v := range violations {
			resp.Violations = append(resp.Violations, violationRowToResp(v))
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	params := chread.ListTransitionsParams{
		PatrolID:  q.Get("patrol_id"),
		RobotID:   q.Get("robot_id"),
		StartTime: start,
		EndTime:   end,
		Page:      page,
		PageSize:  pageSize,
	}
	if v := q.Get("to_state"); v != "" {
		params.ToState = &v
	}

	transitions, total, err := d.Reader.ListTransitions(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list transition history", zapError(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list transitions"})
		return
	}

	resp := TransitionListResp{
		Transitions: make([]TransitionResp, 0, len(transitions)),
		Total:       total,
		Page:        page,
		PageSize:    pageSize,
	}
	for _, t := range transitions {
		resp.Transitions = append(resp.Transitions, transitionRowToResp(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func transitionRowToResp(t chread.TransitionRow) TransitionResp {
	return TransitionResp{
		PatrolID:      t.PatrolID,
		RobotID:       t.RobotID,
		RouteID:       t.RouteID,
		Seq:           t.Seq,
		FromState:     t.FromState,
		ToState:       t.ToState,
		WaypointIndex: int(t.WaypointIndex),
		Loop:          int(t.Loop),
		Context:       t.Context,
		Timestamp:     t.Timestamp,
	}
}

func violationRowToResp(v chread.ViolationRow) ViolationResp {
	return ViolationResp{
		ViolationID:   v.ViolationID,
		PatrolID:      v.PatrolID,
		RobotID:       v.RobotID,
		RouteID:       v.RouteID,
		WaypointIndex: int(v.WaypointIndex),
		ViolationType: v.ViolationType,
		Confidence:    v.Confidence,
		Observations:  int(v.Observations),
		Countable:     int(v.Countable),
		Timestamp:     v.Timestamp,
	}
}

func queryInt(q url.Values, key string, defaultVal int) int {
	v := q.Get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func queryUint64(q url.Values, key string, defaultVal uint64) uint64 {
	v := q.Get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}
