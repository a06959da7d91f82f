package debounce

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestDebouncer() *Debouncer {
	return New(DefaultConfig(), zap.NewNop())
}

func mustInit(t *testing.T, d *Debouncer, patrolID string, wp int, o *Overrides) {
	t.Helper()
	if err := d.InitializeSession(patrolID, wp, o); err != nil {
		t.Fatalf("InitializeSession failed: %v", err)
	}
}

func TestAddObservation_ScenarioTenConsistentObservations(t *testing.T) {
	d := newTestDebouncer()
	mustInit(t, d, "p1", 0, nil)

	base := time.Now()
	wantReasons := []Reason{
		ReasonIsolatedObservation,
		ReasonInsufficientObservations,
		ReasonReported,
		ReasonReportedAlready,
		ReasonReportedAlready,
		ReasonReportedAlready,
		ReasonReportedAlready,
		ReasonReportedAlready,
		ReasonReportedAlready,
		ReasonReportedAlready,
	}

	for i := 0; i < 10; i++ {
		ts := base.Add(time.Duration(i) * 500 * time.Millisecond)
		report, reason, err := d.AddObservation("p1", 0, "no_vest", 0.9, ts)
		if err != nil {
			t.Fatalf("observation %d: unexpected error: %v", i+1, err)
		}
		if reason != wantReasons[i] {
			t.Errorf("observation %d: expected reason %v, got %v", i+1, wantReasons[i], reason)
		}
		wantReport := i == 2
		if report != wantReport {
			t.Errorf("observation %d: expected should_report=%v, got %v", i+1, wantReport, report)
		}
	}
}

func TestAddObservation_BelowConfidenceNeverCounts(t *testing.T) {
	d := newTestDebouncer()
	mustInit(t, d, "p1", 2, nil)

	base := time.Now()
	for i := 0; i < 2; i++ {
		report, reason, err := d.AddObservation("p1", 2, "no_vest", 0.3, base.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if report {
			t.Errorf("observation %d: expected should_report=false", i+1)
		}
		if reason != ReasonBelowConfidence {
			t.Errorf("observation %d: expected below_confidence, got %v", i+1, reason)
		}
	}

	sum := d.FinalizeSession("p1", 2)
	if sum.Observations != 2 {
		t.Errorf("expected summary observations=2, got %d", sum.Observations)
	}
	if sum.Countable != 0 {
		t.Errorf("expected summary countable=0, got %d", sum.Countable)
	}
	if sum.Reported {
		t.Error("expected summary reported=false")
	}
}

func TestAddObservation_WindowEvictionReopensVerdict(t *testing.T) {
	d := newTestDebouncer()
	mustInit(t, d, "p1", 0, nil)

	base := time.Now()
	offsets := []int{0, 11, 12, 13}
	var lastReport bool
	var lastReason Reason
	for _, off := range offsets {
		var err error
		lastReport, lastReason, err = d.AddObservation("p1", 0, "no_vest", 0.9, base.Add(time.Duration(off)*time.Second))
		if err != nil {
			t.Fatalf("unexpected error at t=%d: %v", off, err)
		}
	}

	if !lastReport || lastReason != ReasonReported {
		t.Errorf("expected report at t=13 with reason reported, got report=%v reason=%v", lastReport, lastReason)
	}

	// The t=0 observation must have been evicted when t=11 arrived.
	s := d.session(SessionKey{PatrolID: "p1", WaypointIndex: 0})
	if s == nil {
		t.Fatal("session missing")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.window) != 3 {
		t.Fatalf("expected 3 retained observations, got %d", len(s.window))
	}
	cutoff := base.Add(13 * time.Second).Add(-10 * time.Second)
	for _, o := range s.window {
		if o.ts.Before(cutoff) {
			t.Errorf("retained observation at %v older than cutoff %v", o.ts, cutoff)
		}
	}
}

func TestAddObservation_NeverReportsBelowMinObservations(t *testing.T) {
	d := newTestDebouncer()
	mustInit(t, d, "p1", 0, nil)

	base := time.Now()
	for i := 0; i < 2; i++ {
		report, _, err := d.AddObservation("p1", 0, "no_vest", 0.95, base.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if report {
			t.Fatalf("observation %d: reported with fewer than min_observations countable points", i+1)
		}
	}
}

func TestAddObservation_OutlierExcludedFromCount(t *testing.T) {
	d := newTestDebouncer()
	// High threshold keeps the session unreported while the window fills.
	minObs := 20
	mustInit(t, d, "p1", 0, &Overrides{MinObservations: &minObs})

	base := time.Now()
	confs := []float64{0.88, 0.92, 0.89, 0.91, 0.90}
	for i, c := range confs {
		if _, _, err := d.AddObservation("p1", 0, "no_vest", c, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("prior %d: unexpected error: %v", i+1, err)
		}
	}

	// 0.5 is above the confidence floor but far outside the established
	// spread, so it must be rejected as an outlier.
	report, reason, err := d.AddObservation("p1", 0, "no_vest", 0.5, base.Add(5*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report {
		t.Error("outlier must not report")
	}
	if reason != ReasonOutlierRejected {
		t.Errorf("expected outlier_rejected, got %v", reason)
	}

	stats, err := d.GetWindowStats("p1", 0)
	if err != nil {
		t.Fatalf("GetWindowStats failed: %v", err)
	}
	if stats.ObservationCount != 6 {
		t.Errorf("outlier should still be stored: expected 6 observations, got %d", stats.ObservationCount)
	}
	if stats.CountableCount != 5 {
		t.Errorf("outlier should not be countable: expected 5, got %d", stats.CountableCount)
	}
}

func TestAddObservation_OutlierDoesNotChangeVerdict(t *testing.T) {
	d := newTestDebouncer()
	mustInit(t, d, "p1", 0, nil)

	base := time.Now()
	confs := []float64{0.9, 0.88, 0.92, 0.91, 0.89, 0.9, 0.88, 0.91, 0.9, 0.92}
	reportedAt := -1
	for i, c := range confs {
		report, _, err := d.AddObservation("p1", 0, "no_vest", c, base.Add(time.Duration(i)*200*time.Millisecond))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if report {
			reportedAt = i
		}
	}
	if reportedAt != 2 {
		t.Fatalf("expected verdict at observation 3, got index %d", reportedAt)
	}

	report, reason, err := d.AddObservation("p1", 0, "no_vest", 0.5, base.Add(3*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report || reason != ReasonReportedAlready {
		t.Errorf("expected reported_already after verdict, got report=%v reason=%v", report, reason)
	}
}

func TestAddObservation_OutlierOnlyDelaysVerdict(t *testing.T) {
	d := newTestDebouncer()
	mustInit(t, d, "p1", 0, nil)

	base := time.Now()
	steps := []struct {
		conf       float64
		wantReport bool
		wantReason Reason
	}{
		{0.88, false, ReasonIsolatedObservation},
		{0.92, false, ReasonInsufficientObservations},
		{0.50, false, ReasonOutlierRejected},
		{0.90, true, ReasonReported},
	}
	for i, st := range steps {
		report, reason, err := d.AddObservation("p1", 0, "no_vest", st.conf, base.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("step %d: unexpected error: %v", i+1, err)
		}
		if report != st.wantReport || reason != st.wantReason {
			t.Errorf("step %d: expected (%v, %v), got (%v, %v)", i+1, st.wantReport, st.wantReason, report, reason)
		}
	}
}

func TestAddObservation_SameTypeCountingOnly(t *testing.T) {
	d := newTestDebouncer()
	mustInit(t, d, "p1", 0, nil)

	base := time.Now()
	seq := []struct {
		typ        string
		wantReport bool
	}{
		{"no_vest", false},
		{"no_helmet", false},
		{"no_vest", false},
		{"no_helmet", false},
		{"no_vest", true}, // third no_vest fires
	}
	for i, st := range seq {
		report, _, err := d.AddObservation("p1", 0, st.typ, 0.9, base.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("step %d: unexpected error: %v", i+1, err)
		}
		if report != st.wantReport {
			t.Errorf("step %d (%s): expected report=%v, got %v", i+1, st.typ, st.wantReport, report)
		}
	}
}

func TestAddObservation_InvalidConfidenceRejected(t *testing.T) {
	d := newTestDebouncer()
	mustInit(t, d, "p1", 0, nil)

	for _, conf := range []float64{-0.1, 1.1, math.NaN()} {
		_, _, err := d.AddObservation("p1", 0, "no_vest", conf, time.Now())
		if !errors.Is(err, ErrInvalidObservation) {
			t.Errorf("confidence %v: expected ErrInvalidObservation, got %v", conf, err)
		}
	}

	_, _, err := d.AddObservation("p1", 0, "no_vest", 0.9, time.Time{})
	if !errors.Is(err, ErrInvalidObservation) {
		t.Errorf("zero timestamp: expected ErrInvalidObservation, got %v", err)
	}

	stats, err := d.GetWindowStats("p1", 0)
	if err != nil {
		t.Fatalf("GetWindowStats failed: %v", err)
	}
	if stats.ObservationCount != 0 {
		t.Errorf("rejected observations must not be stored, got %d", stats.ObservationCount)
	}
}

func TestInitializeSession_DuplicateRejected(t *testing.T) {
	d := newTestDebouncer()
	mustInit(t, d, "p1", 0, nil)

	err := d.InitializeSession("p1", 0, nil)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on duplicate init, got %v", err)
	}

	// Same patrol, different waypoint is a distinct key.
	if err := d.InitializeSession("p1", 1, nil); err != nil {
		t.Errorf("different waypoint should initialize cleanly: %v", err)
	}
}

func TestAddObservation_NoSession(t *testing.T) {
	d := newTestDebouncer()
	_, _, err := d.AddObservation("ghost", 0, "no_vest", 0.9, time.Now())
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState without a session, got %v", err)
	}
}

func TestFinalizeSession_Idempotent(t *testing.T) {
	d := newTestDebouncer()

	sum := d.FinalizeSession("nope", 3)
	if sum.Observations != 0 || sum.Reported {
		t.Errorf("finalizing a missing session should return a zero summary, got %+v", sum)
	}

	mustInit(t, d, "p1", 0, nil)
	if _, _, err := d.AddObservation("p1", 0, "no_vest", 0.9, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := d.FinalizeSession("p1", 0)
	if first.Observations != 1 {
		t.Errorf("expected 1 observation in summary, got %d", first.Observations)
	}
	second := d.FinalizeSession("p1", 0)
	if second.Observations != 0 {
		t.Errorf("second finalize should be a zero-summary no-op, got %+v", second)
	}
	if d.ActiveSessions() != 0 {
		t.Errorf("expected 0 active sessions, got %d", d.ActiveSessions())
	}
}

func TestFinalizeSession_SummaryCountsAndTypes(t *testing.T) {
	d := newTestDebouncer()
	mustInit(t, d, "p1", 4, nil)

	base := time.Now()
	obs := []struct {
		typ  string
		conf float64
	}{
		{"no_vest", 0.9},
		{"no_vest", 0.85},
		{"no_helmet", 0.3},
		{"no_vest", 0.92},
	}
	for i, o := range obs {
		if _, _, err := d.AddObservation("p1", 4, o.typ, o.conf, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	sum := d.FinalizeSession("p1", 4)
	if sum.Observations != 4 {
		t.Errorf("expected 4 observations, got %d", sum.Observations)
	}
	if sum.Countable != 3 {
		t.Errorf("expected 3 countable, got %d", sum.Countable)
	}
	if !sum.Reported || sum.ReportedType != "no_vest" {
		t.Errorf("expected reported no_vest, got reported=%v type=%q", sum.Reported, sum.ReportedType)
	}
	if sum.ReportedConfidence != 0.92 {
		t.Errorf("expected confirming confidence 0.92, got %v", sum.ReportedConfidence)
	}
	if sum.Types["no_vest"] != 3 || sum.Types["no_helmet"] != 1 {
		t.Errorf("unexpected type totals: %v", sum.Types)
	}
	if sum.EndedAt.Before(sum.StartedAt) {
		t.Error("EndedAt precedes StartedAt")
	}
}

func TestGetWindowStats_Snapshot(t *testing.T) {
	d := newTestDebouncer()
	mustInit(t, d, "p1", 0, nil)

	base := time.Now()
	confs := []float64{0.8, 0.9, 1.0}
	for i, c := range confs {
		if _, _, err := d.AddObservation("p1", 0, "no_vest", c, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	stats, err := d.GetWindowStats("p1", 0)
	if err != nil {
		t.Fatalf("GetWindowStats failed: %v", err)
	}
	if stats.ObservationCount != 3 || stats.CountableCount != 3 {
		t.Errorf("expected 3/3 observations, got %d/%d", stats.ObservationCount, stats.CountableCount)
	}
	if math.Abs(stats.MeanConfidence-0.9) > 1e-9 {
		t.Errorf("expected mean 0.9, got %v", stats.MeanConfidence)
	}
	if math.Abs(stats.StdDeviation-0.1) > 1e-9 {
		t.Errorf("expected sample stddev 0.1, got %v", stats.StdDeviation)
	}
	if stats.MinConfidence != 0.8 || stats.MaxConfidence != 1.0 {
		t.Errorf("expected min 0.8 max 1.0, got %v/%v", stats.MinConfidence, stats.MaxConfidence)
	}
	if stats.Types["no_vest"] != 3 {
		t.Errorf("expected 3 no_vest in window, got %v", stats.Types)
	}
	if !stats.Reported {
		t.Error("expected reported=true after third countable observation")
	}
	if stats.ConfidenceTrend <= 0 || stats.ConfidenceTrend > 1 {
		t.Errorf("confidence trend out of range: %v", stats.ConfidenceTrend)
	}

	// The snapshot must not mutate the retained window.
	s := d.session(SessionKey{PatrolID: "p1", WaypointIndex: 0})
	s.mu.Lock()
	retained := len(s.window)
	s.mu.Unlock()
	if retained != 3 {
		t.Errorf("snapshot mutated the window: %d retained", retained)
	}

	if _, err := d.GetWindowStats("ghost", 0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for missing session, got %v", err)
	}
}

func TestAddObservation_ReportedAlreadyForAnyFollowup(t *testing.T) {
	d := newTestDebouncer()
	mustInit(t, d, "p1", 0, nil)

	base := time.Now()
	for i := 0; i < 3; i++ {
		if _, _, err := d.AddObservation("p1", 0, "no_vest", 0.9, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// Even a below-confidence follow-up reports the session as settled.
	_, reason, err := d.AddObservation("p1", 0, "no_vest", 0.2, base.Add(4*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != ReasonReportedAlready {
		t.Errorf("expected reported_already, got %v", reason)
	}
}

func TestAddObservation_ConcurrentSessionsIndependent(t *testing.T) {
	d := newTestDebouncer()
	const patrols = 8
	for i := 0; i < patrols; i++ {
		mustInit(t, d, patrolName(i), 0, nil)
	}

	var wg sync.WaitGroup
	base := time.Now()
	for i := 0; i < patrols; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, _, err := d.AddObservation(id, 0, "no_vest", 0.9, base.Add(time.Duration(j)*100*time.Millisecond))
				if err != nil {
					t.Errorf("patrol %s: unexpected error: %v", id, err)
					return
				}
			}
		}(patrolName(i))
	}
	wg.Wait()

	for i := 0; i < patrols; i++ {
		sum := d.FinalizeSession(patrolName(i), 0)
		if sum.Observations != 10 || !sum.Reported {
			t.Errorf("patrol %s: expected 10 observations and a report, got %d/%v", patrolName(i), sum.Observations, sum.Reported)
		}
	}
}

func patrolName(i int) string {
	return "patrol-" + string(rune('a'+i))
}

func BenchmarkAddObservation(b *testing.B) {
	d := New(DefaultConfig(), zap.NewNop())
	if err := d.InitializeSession("bench", 0, nil); err != nil {
		b.Fatal(err)
	}
	base := time.Now()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		ts := base.Add(time.Duration(i) * time.Millisecond)
		if _, _, err := d.AddObservation("bench", 0, "no_vest", 0.9, ts); err != nil {
			b.Fatal(err)
		}
	}
}
