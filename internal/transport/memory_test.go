package transport

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-robotics/patrolcore/internal/patrol"
)

func TestSimulator_AutoArrival(t *testing.T) {
	s := NewSimulator(5*time.Millisecond, zap.NewNop())
	defer s.Close()

	if err := s.SendGoto(context.Background(), "tb-100", "gate-a"); err != nil {
		t.Fatalf("SendGoto: %v", err)
	}
	select {
	case ev := <-s.Arrivals():
		if ev.Serial != "tb-100" || ev.Waypoint != "gate-a" || !ev.OK {
			t.Errorf("unexpected arrival: %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected arrival timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("no arrival delivered")
	}
}

func TestSimulator_BlockedWaypoint(t *testing.T) {
	s := NewSimulator(5*time.Millisecond, zap.NewNop())
	defer s.Close()

	s.Block("gate-a", "door shut")
	if err := s.SendGoto(context.Background(), "tb-100", "gate-a"); err != nil {
		t.Fatalf("SendGoto: %v", err)
	}
	select {
	case ev := <-s.Arrivals():
		if ev.OK {
			t.Errorf("expected abort, got %+v", ev)
		}
		if ev.Detail != "door shut" {
			t.Errorf("expected detail %q, got %q", "door shut", ev.Detail)
		}
	case <-time.After(time.Second):
		t.Fatal("no arrival delivered")
	}

	s.Unblock("gate-a")
	if err := s.SendGoto(context.Background(), "tb-100", "gate-a"); err != nil {
		t.Fatalf("SendGoto after unblock: %v", err)
	}
	select {
	case ev := <-s.Arrivals():
		if !ev.OK {
			t.Errorf("expected arrival after unblock, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no arrival delivered after unblock")
	}
}

func TestSimulator_Injection(t *testing.T) {
	s := NewSimulator(time.Hour, zap.NewNop())
	defer s.Close()

	s.InjectDetection(patrol.DetectionEvent{Serial: "tb-100", ViolationType: "no_vest", Confidence: 0.8})
	ev := <-s.Detections()
	if ev.ViolationType != "no_vest" || ev.Confidence != 0.8 {
		t.Errorf("unexpected detection: %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("expected detection timestamp to be stamped")
	}

	s.InjectStatus(patrol.StatusEvent{Serial: "tb-100", Battery: 42, Position: patrol.Position{X: 1, Y: 2}})
	st := <-s.Status()
	if st.Battery != 42 || st.Position.X != 1 {
		t.Errorf("unexpected status: %+v", st)
	}

	s.InjectArrival(patrol.ArrivalEvent{Serial: "tb-100", Waypoint: "dock", OK: true})
	ar := <-s.Arrivals()
	if ar.Waypoint != "dock" {
		t.Errorf("unexpected arrival: %+v", ar)
	}
}

func TestSimulator_Close(t *testing.T) {
	s := NewSimulator(time.Hour, zap.NewNop())
	if !s.Connected() {
		t.Fatal("expected simulator connected")
	}
	if err := s.SendGoto(context.Background(), "tb-100", "gate-a"); err != nil {
		t.Fatalf("SendGoto: %v", err)
	}

	s.Close()
	s.Close()
	if s.Connected() {
		t.Error("expected simulator disconnected after close")
	}
	if err := s.SendGoto(context.Background(), "tb-100", "gate-a"); err == nil {
		t.Error("expected SendGoto to fail after close")
	}
	select {
	case ev := <-s.Arrivals():
		t.Errorf("expected no arrival after close, got %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}
