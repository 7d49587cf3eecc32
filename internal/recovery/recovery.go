// Package recovery implements the browser recovery manager (C4): automatic
// detection and recovery of dead browser connections, with exponential
// backoff and per-session serialization, sitting above C2 (browser.SessionManager)
// and C3 (session.Registry).
package recovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"

	"researchcore/internal/browser"
	"researchcore/internal/logging"
	"researchcore/internal/session"
)

// connectionErrorPatterns are lowercase substrings that indicate the
// browser/session connection is dead rather than a transient page error.
var connectionErrorPatterns = []string{
	"writeunixstransport closed",
	"handler is closed",
	"target page, context or browser has been closed",
	"target page or context has been closed",
	"browser has been closed",
	"connection refused",
	"target closed",
	"session closed",
	"closed=true",
	"protocol error",
	"execution context was destroyed",
	"page has been closed",
	"context has been closed",
	"browser closed",
	"connection closed",
	"websocket closed",
	"broken pipe",
	"connection reset",
	"no such session",
	"cdp session closed",
}

// fatalErrorPatterns additionally force an immediate global browser restart,
// regardless of the session's consecutive-failure count.
var fatalErrorPatterns = []string{
	"writeunixstransport closed",
	"handler is closed",
	"browser has been closed",
	"unable to perform operation",
}

// Recovery configuration, mirroring the thresholds the orchestrator tunes.
const (
	MaxRecoveryAttempts   = 3
	InitialBackoff        = 500 * time.Millisecond
	MaxBackoff            = 10 * time.Second
	RecoveryCooldown      = 30 * time.Second
	HealthCheckInterval   = 60 * time.Second
	fatalFailureThreshold = 10
	healthProbeTimeout    = 5 * time.Second
	maxHistory            = 100
)

// IsConnectionError reports whether err's message matches a known dead-connection pattern.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range connectionErrorPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func isFatalError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range fatalErrorPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// SessionHealth tracks recovery state for a single session.
type SessionHealth struct {
	SessionID          string
	LastCheck          time.Time
	IsHealthy          bool
	ConsecutiveFailures int
	LastError          string
	RecoveryAttempts   int
	LastRecovery       time.Time
}

// Attempt records the outcome of one recovery attempt.
type Attempt struct {
	SessionID     string
	StartedAt     time.Time
	AttemptNumber int
	Success       bool
	Error         string
	CompletedAt   time.Time
	DurationMs    int64
}

// Manager is the centralized browser recovery manager (C4).
type Manager struct {
	sessions *browser.SessionManager
	registry *session.Registry

	mu          sync.Mutex
	health      map[string]*SessionHealth
	locks       map[string]*sync.Mutex
	recovering  map[string]bool
	history     []Attempt
}

// NewManager wires a recovery manager to the C2 session manager and C3 registry it acts on.
func NewManager(sessions *browser.SessionManager, registry *session.Registry) *Manager {
	return &Manager{
		sessions:   sessions,
		registry:   registry,
		health:     make(map[string]*SessionHealth),
		locks:      make(map[string]*sync.Mutex),
		recovering: make(map[string]bool),
	}
}

func (m *Manager) getHealth(sessionID string) *SessionHealth {
	h, ok := m.health[sessionID]
	if !ok {
		h = &SessionHealth{SessionID: sessionID, IsHealthy: true, LastCheck: time.Now()}
		m.health[sessionID] = h
	}
	return h
}

func (m *Manager) getLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	return l
}

// IsRecovering reports whether a session currently has a recovery in flight.
func (m *Manager) IsRecovering(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recovering[sessionID]
}

// MarkHealthy resets a session's failure counters after a successful operation.
func (m *Manager) MarkHealthy(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.getHealth(sessionID)
	h.IsHealthy = true
	h.ConsecutiveFailures = 0
	h.LastCheck = time.Now()
	h.LastError = ""
}

// MarkUnhealthy records a failed operation and, past the fatal threshold or on
// a fatal error pattern, schedules a global browser restart.
func (m *Manager) MarkUnhealthy(ctx context.Context, sessionID string, opErr error) {
	m.mu.Lock()
	h := m.getHealth(sessionID)
	h.IsHealthy = false
	h.ConsecutiveFailures++
	h.LastCheck = time.Now()
	if opErr != nil {
		h.LastError = opErr.Error()
	}
	failures := h.ConsecutiveFailures
	m.mu.Unlock()

	logging.Recovery("session %s marked unhealthy: failures=%d error=%v", sessionID, failures, opErr)

	if isFatalError(opErr) || failures >= fatalFailureThreshold {
		logging.RecoveryError("FATAL: browser appears dead for session %s (failures=%d), forcing restart", sessionID, failures)
		go m.forceBrowserRestart(ctx)
	}
}

func (m *Manager) forceBrowserRestart(ctx context.Context) {
	if err := m.sessions.RestartBrowser(ctx); err != nil {
		logging.RecoveryError("forced browser restart failed: %v", err)
		return
	}

	m.mu.Lock()
	for _, h := range m.health {
		h.ConsecutiveFailures = 0
		h.RecoveryAttempts = 0
		h.IsHealthy = true
	}
	m.mu.Unlock()

	logging.Recovery("browser forcibly restarted, health states reset")
}

// CanRecover reports whether a recovery attempt may proceed for sessionID, and why not if not.
func (m *Manager) CanRecover(sessionID string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recovering[sessionID] {
		return false, "recovery already in progress"
	}

	h := m.getHealth(sessionID)
	now := time.Now()

	if h.RecoveryAttempts >= MaxRecoveryAttempts {
		if !h.LastRecovery.IsZero() {
			cooldownEnd := h.LastRecovery.Add(RecoveryCooldown * 3)
			if now.Before(cooldownEnd) {
				return false, fmt.Sprintf("max recovery attempts reached, cooldown %s remaining", cooldownEnd.Sub(now).Round(time.Second))
			}
			h.RecoveryAttempts = 0
		}
	}

	if !h.LastRecovery.IsZero() {
		cooldownEnd := h.LastRecovery.Add(RecoveryCooldown)
		if now.Before(cooldownEnd) {
			return false, fmt.Sprintf("recovery cooldown active, %s remaining", cooldownEnd.Sub(now).Round(time.Second))
		}
	}

	return true, "OK"
}

func calculateBackoff(attempt int) time.Duration {
	backoff := InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff > MaxBackoff {
			return MaxBackoff
		}
	}
	return backoff
}

func (m *Manager) recordAttempt(a Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, a)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
}

// checkPageHealth evaluates a tiny script on the page under a short timeout.
func checkPageHealth(ctx context.Context, c *browser.Context) (bool, string) {
	page := c.Page()
	if page == nil {
		return false, "page is nil"
	}
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	_, err := page.Context(probeCtx).Evaluate(&rod.EvalOptions{JS: "() => true", ByValue: true})
	if err != nil {
		if probeCtx.Err() != nil {
			return false, "health check timed out"
		}
		if IsConnectionError(err) {
			return false, fmt.Sprintf("connection error: %v", err)
		}
		// Non-connection errors (e.g. mid-navigation) are treated as OK.
		return true, ""
	}
	return true, ""
}

// RecoverSession attempts to recover a dead session: close it in C2/C3, probe
// and restart the browser if needed, back off, then create a fresh context.
func (m *Manager) RecoverSession(ctx context.Context, domain, sessionID, userID string) (*browser.Context, bool) {
	lock := m.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	canRecover, reason := m.CanRecover(sessionID)
	if !canRecover {
		logging.Recovery("cannot recover %s: %s", sessionID, reason)
		return nil, false
	}

	m.mu.Lock()
	m.recovering[sessionID] = true
	h := m.getHealth(sessionID)
	h.RecoveryAttempts++
	h.LastRecovery = time.Now()
	attemptNumber := h.RecoveryAttempts
	m.mu.Unlock()

	attempt := Attempt{SessionID: sessionID, StartedAt: time.Now(), AttemptNumber: attemptNumber}

	defer func() {
		m.mu.Lock()
		delete(m.recovering, sessionID)
		m.mu.Unlock()
		attempt.CompletedAt = time.Now()
		attempt.DurationMs = attempt.CompletedAt.Sub(attempt.StartedAt).Milliseconds()
		m.recordAttempt(attempt)
	}()

	logging.Recovery("starting recovery for %s (attempt %d/%d)", sessionID, attemptNumber, MaxRecoveryAttempts)

	_ = m.sessions.DeleteSession(domain, sessionID, userID)
	m.registry.Close(sessionID, "connection_failure")
	m.registry.Remove(sessionID)

	if !m.sessions.IsBrowserAlive() {
		logging.RecoveryWarn("browser unhealthy during recovery of %s, restarting", sessionID)
		if err := m.sessions.RestartBrowser(ctx); err != nil {
			attempt.Error = err.Error()
			return nil, false
		}
		logging.Recovery("browser restarted")
	}

	backoff := calculateBackoff(attemptNumber - 1)
	logging.Recovery("waiting %s before creating new session for %s", backoff, sessionID)
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		attempt.Error = ctx.Err().Error()
		return nil, false
	}

	newCtx, err := m.sessions.GetOrCreate(ctx, domain, sessionID, userID)
	if err != nil {
		attempt.Error = err.Error()
		logging.RecoveryWarn("failed to create new context for %s: %v", sessionID, err)
		return nil, false
	}

	healthy, healthErr := checkPageHealth(ctx, newCtx)
	if !healthy {
		attempt.Error = healthErr
		logging.RecoveryWarn("new page for %s failed health check: %s", sessionID, healthErr)
		return nil, false
	}

	m.MarkHealthy(sessionID)
	attempt.Success = true
	logging.Recovery("recovery successful for %s", sessionID)
	return newCtx, true
}

// ExecuteWithRecovery runs op against a (domain, session, user) context,
// recovering and retrying on connection errors, up to maxRetries times.
// Non-connection errors are returned immediately without retry.
func (m *Manager) ExecuteWithRecovery(ctx context.Context, domain, sessionID, userID string, maxRetries int, op func(*browser.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		browserCtx, err := m.sessions.GetOrCreate(ctx, domain, sessionID, userID)
		if err != nil {
			lastErr = err
			if !IsConnectionError(err) {
				return err
			}
			m.MarkUnhealthy(ctx, sessionID, err)
			if attempt >= maxRetries {
				break
			}
			if can, _ := m.CanRecover(sessionID); can {
				if _, ok := m.RecoverSession(ctx, domain, sessionID, userID); !ok {
					continue
				}
			}
			continue
		}

		err = op(browserCtx)
		if err == nil {
			m.MarkHealthy(sessionID)
			return nil
		}

		lastErr = err
		if !IsConnectionError(err) {
			return err
		}

		logging.RecoveryWarn("connection error in operation for %s (attempt %d/%d): %v", sessionID, attempt+1, maxRetries+1, err)
		m.MarkUnhealthy(ctx, sessionID, err)

		if attempt < maxRetries {
			if can, reason := m.CanRecover(sessionID); can {
				if _, ok := m.RecoverSession(ctx, domain, sessionID, userID); !ok {
					continue
				}
			} else {
				logging.RecoveryWarn("cannot recover %s: %s", sessionID, reason)
			}
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("operation failed after all retries")
	}
	return lastErr
}

// Stats summarizes recovery manager state, as returned by GetStats.
type Stats struct {
	TotalRecoveries     int
	SuccessfulRecoveries int
	FailedRecoveries    int
	SuccessRate         float64
	AvgRecoveryDurationMs float64
	CurrentlyRecovering []string
	UnhealthySessions   []string
	TrackedSessions     int
}

// GetStats computes aggregate recovery statistics.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := len(m.history)
	successful := 0
	var totalDuration int64
	for _, a := range m.history {
		if a.Success {
			successful++
		}
		totalDuration += a.DurationMs
	}

	successRate := 1.0
	avgDuration := 0.0
	if total > 0 {
		successRate = float64(successful) / float64(total)
		avgDuration = float64(totalDuration) / float64(total)
	}

	recovering := make([]string, 0, len(m.recovering))
	for sid := range m.recovering {
		recovering = append(recovering, sid)
	}

	unhealthy := make([]string, 0)
	for sid, h := range m.health {
		if !h.IsHealthy {
			unhealthy = append(unhealthy, sid)
		}
	}

	return Stats{
		TotalRecoveries:       total,
		SuccessfulRecoveries:  successful,
		FailedRecoveries:      total - successful,
		SuccessRate:           successRate,
		AvgRecoveryDurationMs: avgDuration,
		CurrentlyRecovering:   recovering,
		UnhealthySessions:     unhealthy,
		TrackedSessions:       len(m.health),
	}
}

// ResetSessionHealth discards tracked health/lock state for a session, e.g. after a manual intervention.
func (m *Manager) ResetSessionHealth(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.health, sessionID)
	delete(m.locks, sessionID)
}
