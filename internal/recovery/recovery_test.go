package recovery

import (
	"errors"
	"testing"
	"time"

	"researchcore/internal/browser"
	"researchcore/internal/session"
)

func newTestManager() *Manager {
	sm := browser.NewSessionManager(browser.DefaultConfig())
	reg := session.NewRegistry()
	return NewManager(sm, reg)
}

func TestIsConnectionError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("websocket closed unexpectedly"), true},
		{errors.New("Target page, context or browser has been closed"), true},
		{errors.New("element not found: #foo"), false},
		{nil, false},
	}
	for _, c := range cases {
		if got := IsConnectionError(c.err); got != c.want {
			t.Errorf("IsConnectionError(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestCanRecover_AllowsFirstAttempt(t *testing.T) {
	m := newTestManager()
	can, reason := m.CanRecover("s1")
	if !can {
		t.Errorf("expected first recovery to be allowed, got reason %q", reason)
	}
}

func TestCanRecover_CooldownBlocksImmediateRetry(t *testing.T) {
	m := newTestManager()
	m.mu.Lock()
	h := m.getHealth("s1")
	h.LastRecovery = time.Now()
	m.mu.Unlock()

	can, reason := m.CanRecover("s1")
	if can {
		t.Error("expected cooldown to block recovery")
	}
	if reason == "" {
		t.Error("expected a cooldown reason")
	}
}

func TestCanRecover_BlocksWhileRecovering(t *testing.T) {
	m := newTestManager()
	m.mu.Lock()
	m.recovering["s1"] = true
	m.mu.Unlock()

	can, reason := m.CanRecover("s1")
	if can {
		t.Error("expected in-progress recovery to block a concurrent one")
	}
	if reason != "recovery already in progress" {
		t.Errorf("unexpected reason: %q", reason)
	}
}

func TestMarkHealthyResetsFailures(t *testing.T) {
	m := newTestManager()
	m.MarkUnhealthy(nil, "s1", errors.New("connection reset"))
	m.MarkUnhealthy(nil, "s1", errors.New("connection reset"))

	m.mu.Lock()
	failures := m.getHealth("s1").ConsecutiveFailures
	m.mu.Unlock()
	if failures != 2 {
		t.Errorf("expected 2 consecutive failures, got %d", failures)
	}

	m.MarkHealthy("s1")
	m.mu.Lock()
	h := m.getHealth("s1")
	m.mu.Unlock()
	if !h.IsHealthy || h.ConsecutiveFailures != 0 {
		t.Errorf("expected health reset, got %+v", h)
	}
}

func TestCalculateBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{10, MaxBackoff},
	}
	for _, c := range cases {
		if got := calculateBackoff(c.attempt); got != c.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestGetStats_EmptyManager(t *testing.T) {
	m := newTestManager()
	stats := m.GetStats()
	if stats.TotalRecoveries != 0 {
		t.Errorf("expected 0 total recoveries, got %d", stats.TotalRecoveries)
	}
	if stats.SuccessRate != 1.0 {
		t.Errorf("expected success rate 1.0 for empty history, got %v", stats.SuccessRate)
	}
}

func TestResetSessionHealth(t *testing.T) {
	m := newTestManager()
	m.MarkUnhealthy(nil, "s1", errors.New("connection reset"))

	m.ResetSessionHealth("s1")

	m.mu.Lock()
	_, ok := m.health["s1"]
	m.mu.Unlock()
	if ok {
		t.Error("expected health entry to be removed after reset")
	}
}
