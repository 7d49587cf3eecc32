// Package intervention implements the human-intervention broker (C5): a
// file-backed queue of CAPTCHA/blocker events paired with an in-memory
// registry, used to hand control to a human operator (via noVNC) and resume
// the pipeline once they've cleared the block.
package intervention

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"researchcore/internal/blocker"
	"researchcore/internal/logging"
	"researchcore/internal/session"
)

// settleDelay is how long a caller should wait after a successful resolution
// before resuming navigation, letting the page finish whatever the human's
// last action triggered.
const settleDelay = 5 * time.Second

// pollInterval is how often WaitForResolution re-checks the queue file.
const pollInterval = 2 * time.Second

// Intervention is a single pending or resolved human-intervention request.
type Intervention struct {
	InterventionID string         `json:"intervention_id"`
	Type           blocker.Type   `json:"type"`
	URL            string         `json:"url"`
	ScreenshotPath string         `json:"screenshot_path,omitempty"`
	SessionID      string         `json:"session_id"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Resolved       bool           `json:"resolved"`
	Success        bool           `json:"success"`
	SkipReason     string         `json:"skip_reason,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

// Broker is the human-intervention broker (C5): file-backed queue plus an
// in-memory index, coordinated with the session registry (C3) so a paused
// session surfaces in status queries.
type Broker struct {
	queuePath string
	registry  *session.Registry

	mu      sync.Mutex
	pending map[string]*Intervention
}

// NewBroker creates a broker backed by queuePath (typically
// shared_state/captcha_queue.json) and wired to the session registry so
// requesting an intervention marks the session paused.
func NewBroker(queuePath string, registry *session.Registry) *Broker {
	return &Broker{
		queuePath: queuePath,
		registry:  registry,
		pending:   make(map[string]*Intervention),
	}
}

// RequestIntervention creates a new intervention, persists it to the queue
// file, indexes it in memory, and marks the owning session paused in C3.
func (b *Broker) RequestIntervention(blockerType blocker.Type, url, screenshotPath, sessionID string, details map[string]any) (*Intervention, error) {
	iv := &Intervention{
		InterventionID: uuid.NewString(),
		Type:           blockerType,
		URL:            url,
		ScreenshotPath: screenshotPath,
		SessionID:      sessionID,
		Details:        details,
		CreatedAt:      time.Now(),
	}

	b.mu.Lock()
	b.pending[iv.InterventionID] = iv
	err := b.appendToFileLocked(iv)
	b.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("persist intervention: %w", err)
	}

	if b.registry != nil {
		b.registry.MarkPaused(sessionID, iv.InterventionID, string(blockerType))
	}

	logging.Intervention("requested intervention %s type=%s session=%s url=%s", iv.InterventionID, blockerType, sessionID, url)
	return iv, nil
}

// Get looks up an intervention by id, checking memory first and falling back
// to a rehydration scan of the queue file.
func (b *Broker) Get(id string) (*Intervention, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if iv, ok := b.pending[id]; ok {
		cp := *iv
		return &cp, true
	}

	queue, err := b.readQueueLocked()
	if err != nil {
		return nil, false
	}
	for _, iv := range queue {
		if iv.InterventionID == id {
			cp := iv
			b.pending[id] = &cp
			return &cp, true
		}
	}
	return nil, false
}

// ListPending returns every intervention still awaiting resolution, merging
// the in-memory index with whatever the queue file has on disk.
func (b *Broker) ListPending() []Intervention {
	b.mu.Lock()
	defer b.mu.Unlock()

	byID := make(map[string]Intervention)
	for id, iv := range b.pending {
		if !iv.Resolved {
			byID[id] = *iv
		}
	}

	queue, err := b.readQueueLocked()
	if err == nil {
		for _, iv := range queue {
			if !iv.Resolved {
				byID[iv.InterventionID] = iv
			}
		}
	}

	out := make([]Intervention, 0, len(byID))
	for _, iv := range byID {
		out = append(out, iv)
	}
	return out
}

// Resolve marks an intervention resolved and removes it from the queue file;
// a WaitForResolution caller sees the change on its next poll. Idempotent: resolving an already
// resolved or absent intervention is a no-op returning (false, nil).
func (b *Broker) Resolve(id string, success bool, skipReason string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	iv, ok := b.pending[id]
	if !ok {
		queue, err := b.readQueueLocked()
		if err != nil {
			return false, err
		}
		for _, q := range queue {
			if q.InterventionID == id {
				cp := q
				iv = &cp
				b.pending[id] = iv
				ok = true
				break
			}
		}
	}
	if !ok || iv.Resolved {
		return false, nil
	}

	now := time.Now()
	iv.Resolved = true
	iv.Success = success
	iv.SkipReason = skipReason
	iv.ResolvedAt = &now

	if err := b.removeFromFileLocked(id); err != nil {
		return false, err
	}

	if b.registry != nil {
		b.registry.MarkResumed(iv.SessionID)
	}

	logging.Intervention("resolved intervention %s success=%v skip_reason=%q", id, success, skipReason)
	return true, nil
}

// WaitForResolution polls the queue file every pollInterval until the
// intervention is resolved or timeout elapses. Returns true only on a
// successful resolution; false on timeout, skip, or failure. On success the
// caller should additionally wait SettleDelay() before resuming navigation.
func (b *Broker) WaitForResolution(id string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		iv, knownLocally := b.pending[id]
		b.mu.Unlock()

		if knownLocally && iv.Resolved {
			return iv.Success
		}
		if !b.existsInFile(id) {
			// Removed from the file by another process (e.g. the gateway)
			// without updating our in-memory copy: treat as resolved, but
			// with no success signal to trust, call it a skip.
			return false
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		sleep := pollInterval
		if remaining < sleep {
			sleep = remaining
		}
		time.Sleep(sleep)
	}
}

// SettleDelay is the pause a caller should observe after a successful
// resolution before resuming navigation.
func SettleDelay() time.Duration { return settleDelay }

func (b *Broker) existsInFile(id string) bool {
	queue, err := b.readQueueLocked()
	if err != nil {
		return false
	}
	for _, iv := range queue {
		if iv.InterventionID == id {
			return true
		}
	}
	return false
}

func (b *Broker) readQueueLocked() ([]Intervention, error) {
	data, err := os.ReadFile(b.queuePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var queue []Intervention
	if err := json.Unmarshal(data, &queue); err != nil {
		return nil, err
	}
	return queue, nil
}

func (b *Broker) writeQueueLocked(queue []Intervention) error {
	if err := os.MkdirAll(filepath.Dir(b.queuePath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(queue, "", "  ")
	if err != nil {
		return err
	}
	tmp := b.queuePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.queuePath)
}

func (b *Broker) appendToFileLocked(iv *Intervention) error {
	queue, err := b.readQueueLocked()
	if err != nil {
		return err
	}
	queue = append(queue, *iv)
	return b.writeQueueLocked(queue)
}

func (b *Broker) removeFromFileLocked(id string) error {
	queue, err := b.readQueueLocked()
	if err != nil {
		return err
	}
	out := queue[:0]
	for _, iv := range queue {
		if iv.InterventionID != id {
			out = append(out, iv)
		}
	}
	return b.writeQueueLocked(out)
}
