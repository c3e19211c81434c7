package health

import (
	"sync/atomic"
	"testing"
)

func TestChecker_Basic(t *testing.T) {
	checker := NewChecker("1.0.0")

	status := checker.GetStatus()

	if status.Status != StatusOK {
		t.Errorf("expected status 'ok', got %s", status.Status)
	}

	if status.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got %s", status.Version)
	}

	if status.UptimeSeconds < 0 {
		t.Error("expected non-negative uptime")
	}
}

func TestChecker_SetComponent(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent("uplink", true, "connected")

	status := checker.GetStatus()

	if len(status.Components) != 1 {
		t.Errorf("expected 1 component, got %d", len(status.Components))
	}

	uplink, ok := status.Components["uplink"]
	if !ok {
		t.Fatal("expected uplink component")
	}

	if !uplink.Healthy {
		t.Error("expected uplink to be healthy")
	}

	if uplink.Message != "connected" {
		t.Errorf("expected message 'connected', got %s", uplink.Message)
	}
}

func TestChecker_Degraded(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent("tracker", true, "ok")
	checker.SetComponent("uplink", false, "disconnected")

	status := checker.GetStatus()

	if status.Status != StatusDegraded {
		t.Errorf("expected status 'degraded', got %s", status.Status)
	}

	if checker.IsHealthy() {
		t.Error("expected IsHealthy() to return false")
	}
}

func TestChecker_Recovery(t *testing.T) {
	checker := NewChecker("1.0.0")

	// Start unhealthy
	checker.SetComponent("uplink", false, "error")

	if checker.IsHealthy() {
		t.Error("expected unhealthy")
	}

	// Recover
	checker.SetComponent("uplink", true, "recovered")

	if !checker.IsHealthy() {
		t.Error("expected healthy after recovery")
	}

	status := checker.GetStatus()
	if status.Status != StatusOK {
		t.Errorf("expected status 'ok', got %s", status.Status)
	}
}

func TestChecker_CriticalProbe(t *testing.T) {
	checker := NewChecker("1.0.0")

	var capturing atomic.Bool
	capturing.Store(true)
	checker.Register("capture_source", true, func() (bool, string) {
		if capturing.Load() {
			return true, "usb"
		}
		return false, "usb stalled"
	})
	checker.SetComponent("uplink", false, "disconnected")

	if got := checker.GetStatus().Status; got != StatusDegraded {
		t.Errorf("expected degraded with only uplink down, got %s", got)
	}

	capturing.Store(false)
	status := checker.GetStatus()
	if status.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy with capture down, got %s", status.Status)
	}

	check := status.Components["capture_source"]
	if !check.Critical || check.Message != "usb stalled" {
		t.Errorf("unexpected capture check %+v", check)
	}
}

func TestChecker_ProbeSampledOnRead(t *testing.T) {
	checker := NewChecker("1.0.0")

	var calls atomic.Int32
	checker.Register("tracker", false, func() (bool, string) {
		calls.Add(1)
		return true, ""
	})

	checker.GetStatus()
	checker.GetStatus()

	if calls.Load() != 2 {
		t.Errorf("expected 2 probe calls, got %d", calls.Load())
	}
}

func TestChecker_MultipleComponents(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent("capture_source", true, "")
	checker.SetComponent("tracker", true, "")
	checker.SetComponent("server", true, "")

	status := checker.GetStatus()

	if len(status.Components) != 3 {
		t.Errorf("expected 3 components, got %d", len(status.Components))
	}

	if status.Status != StatusOK {
		t.Errorf("expected status 'ok', got %s", status.Status)
	}
}
