// Package browser owns the long-lived Chrome process and the per-context
// browser automation primitives (navigate, click, type, screenshot) that the
// rest of the pipeline drives.
package browser

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// fixedViewports is the pool a context's viewport fingerprint is drawn from.
// Cycling through a small fixed set (rather than randomizing per-launch)
// keeps a given (user, session) pair stable across restarts.
var fixedViewports = [][2]int{
	{1920, 1080},
	{1366, 768},
	{1536, 864},
	{1440, 900},
	{1280, 720},
}

var fixedUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

var fixedTimezones = []string{"America/New_York", "America/Los_Angeles", "Europe/London", "America/Chicago"}
var fixedLocales = []string{"en-US", "en-GB"}

// Fingerprint is the deterministic browser identity derived for a
// (domain, session, user) triple.
type Fingerprint struct {
	UserAgent string `json:"user_agent"`
	ViewportW int    `json:"viewport_width"`
	ViewportH int    `json:"viewport_height"`
	Timezone  string `json:"timezone"`
	Locale    string `json:"locale"`
}

// deriveFingerprint hashes (user, session) and picks stable values from the
// fixed pools above so the same pair always yields the same fingerprint.
func deriveFingerprint(user, session string) Fingerprint {
	h := sha256.Sum256([]byte(user + "\x00" + session))
	n := func(i int) int {
		return int(h[i])
	}
	return Fingerprint{
		UserAgent: fixedUserAgents[n(0)%len(fixedUserAgents)],
		ViewportW: fixedViewports[n(1)%len(fixedViewports)][0],
		ViewportH: fixedViewports[n(1)%len(fixedViewports)][1],
		Timezone:  fixedTimezones[n(2)%len(fixedTimezones)],
		Locale:    fixedLocales[n(3)%len(fixedLocales)],
	}
}

// domainKey sanitizes a domain into a filesystem-safe path segment.
func domainKey(domain string) string {
	key := strings.ToLower(domain)
	key = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	return key
}

// Context is a live, per-(domain, session, user) browser context: an
// incognito target plus the fingerprint and persisted cookie/storage jar
// backing it.
type Context struct {
	Domain      string      `json:"domain"`
	SessionID   string      `json:"session_id"`
	UserID      string      `json:"user_id"`
	TargetID    string      `json:"target_id,omitempty"`
	URL         string      `json:"url,omitempty"`
	Fingerprint Fingerprint `json:"fingerprint"`
	CreatedAt   time.Time   `json:"created_at"`
	LastActive  time.Time   `json:"last_active"`

	page *rod.Page
}

// persistedState is the on-disk shape of state.json under a context's
// shared_state/crawler_sessions/<session>/<domain-key>/ directory.
type persistedState struct {
	Fingerprint Fingerprint       `json:"fingerprint"`
	Cookies     []*proto.NetworkCookieParam `json:"cookies"`
	LocalStore  string            `json:"local_storage"`
	SessionJSON string            `json:"session_storage"`
}

// Config holds browser launch configuration.
type Config struct {
	DebuggerURL         string   `json:"debugger_url"`
	Launch              []string `json:"launch"`
	Headless            bool     `json:"headless"`
	NavigationTimeoutMs int      `json:"navigation_timeout_ms"`
	StateDir            string   `json:"state_dir"` // shared_state/crawler_sessions
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:            false,
		NavigationTimeoutMs: 30000,
		StateDir:            filepath.Join("shared_state", "crawler_sessions"),
	}
}

// IsHeadless returns the headless setting.
func (c Config) IsHeadless() bool { return c.Headless }

// NavigationTimeout returns the navigation timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

func contextKey(domain, session, user string) string {
	return domainKey(domain) + "|" + session + "|" + user
}

// SessionManager owns the single detached Chrome instance and hands out
// per-(domain, session, user) browser contexts (C2: Browser Session Manager).
type SessionManager struct {
	cfg        Config
	mu         sync.RWMutex
	browser    *rod.Browser
	contexts   map[string]*Context
	controlURL string
}

// NewSessionManager creates a new session manager.
func NewSessionManager(cfg Config) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		contexts: make(map[string]*Context),
	}
}

// Start connects to an existing Chrome or launches a new one.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx)
}

func (m *SessionManager) startLocked(ctx context.Context) error {
	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		log.Printf("stale browser connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
		m.contexts = make(map[string]*Context)
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
		for _, rawFlag := range m.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			return fmt.Errorf("browser unavailable: launch chrome: %w", err)
		}
		controlURL = url
	}

	if controlURL == "" {
		url, err := launcher.New().Headless(m.cfg.IsHeadless()).Launch()
		if err != nil {
			return fmt.Errorf("browser unavailable: no debugger_url and launch failed: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("browser unavailable: connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	return nil
}

func (m *SessionManager) ensureStarted(ctx context.Context) error {
	m.mu.RLock()
	if m.browser != nil {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()
	return m.Start(ctx)
}

// ControlURL returns the WebSocket debugger URL.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsBrowserAlive is a best-effort liveness probe.
func (m *SessionManager) IsBrowserAlive() bool {
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return false
	}
	_, err := browser.Version()
	return err == nil
}

// RestartBrowser tears down all contexts and re-launches the browser,
// resetting state counters.
func (m *SessionManager) RestartBrowser(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.contexts {
		if c.page != nil {
			_ = c.page.Close()
		}
	}
	m.contexts = make(map[string]*Context)

	if m.browser != nil {
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
	}
	return m.startLocked(ctx)
}

// Shutdown closes tracked pages and the browser.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, c := range m.contexts {
		if c.page != nil {
			_ = c.page.Close()
		}
		delete(m.contexts, key)
	}

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	return err
}

// stateDir returns the on-disk directory for a (domain, session) pair.
func (m *SessionManager) stateDir(domain, session string) string {
	return filepath.Join(m.cfg.StateDir, session, domainKey(domain))
}

// GetOrCreate returns the existing live context for (domain, session, user),
// or creates one: deriving a deterministic fingerprint and, if a persisted
// state directory exists, hydrating cookies/storage from disk.
func (m *SessionManager) GetOrCreate(ctx context.Context, domain, session, user string) (*Context, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}

	key := contextKey(domain, session, user)

	m.mu.RLock()
	existing, ok := m.contexts[key]
	m.mu.RUnlock()
	if ok {
		return existing, nil
	}

	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return nil, errors.New("browser unavailable: not connected")
	}

	fp := deriveFingerprint(user, session)

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("browser unavailable: incognito context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("browser unavailable: create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             fp.ViewportW,
		Height:            fp.ViewportH,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		log.Printf("warning: failed to set viewport: %v", err)
	}

	c := &Context{
		Domain:      domain,
		SessionID:   session,
		UserID:      user,
		TargetID:    string(page.TargetID),
		Fingerprint: fp,
		CreatedAt:   time.Now(),
		LastActive:  time.Now(),
		page:        page,
	}

	if state, err := m.loadState(domain, session); err == nil && state != nil {
		hydrateContext(page, state)
	}

	m.mu.Lock()
	m.contexts[key] = c
	m.mu.Unlock()

	return c, nil
}

// Page returns the underlying rod.Page for a live context, or nil.
func (c *Context) Page() *rod.Page { return c.page }

// Navigate navigates the context's page to url.
func (m *SessionManager) Navigate(ctx context.Context, c *Context, url string) error {
	if c.page == nil {
		return errors.New("browser unavailable: context has no live page")
	}
	if err := c.page.Context(ctx).Timeout(m.cfg.NavigationTimeout()).Navigate(url); err != nil {
		return err
	}
	c.URL = url
	c.LastActive = time.Now()
	return nil
}

// Click clicks an element within the context's page.
func (m *SessionManager) Click(ctx context.Context, c *Context, selector string) error {
	if c.page == nil {
		return errors.New("browser unavailable: context has no live page")
	}
	el, err := c.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("element not found: %w", err)
	}
	c.LastActive = time.Now()
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// Type types text into an element within the context's page.
func (m *SessionManager) Type(ctx context.Context, c *Context, selector, text string) error {
	if c.page == nil {
		return errors.New("browser unavailable: context has no live page")
	}
	el, err := c.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("element not found: %w", err)
	}
	c.LastActive = time.Now()
	return el.Input(text)
}

// Screenshot captures a screenshot of the context's page.
func (m *SessionManager) Screenshot(ctx context.Context, c *Context, fullPage bool) ([]byte, error) {
	if c.page == nil {
		return nil, errors.New("browser unavailable: context has no live page")
	}
	return c.page.Context(ctx).Screenshot(fullPage, nil)
}

// SaveState snapshots the context's cookies/storage back to disk.
func (m *SessionManager) SaveState(c *Context) error {
	if c.page == nil {
		return errors.New("browser unavailable: context has no live page")
	}

	cookiesRes, err := proto.NetworkGetCookies{}.Call(c.page)
	if err != nil {
		return fmt.Errorf("get cookies: %w", err)
	}

	state := persistedState{
		Fingerprint: c.Fingerprint,
		Cookies:     cookiesRes.Cookies,
		LocalStore:  snapshotStorage(c.page, "localStorage"),
		SessionJSON: snapshotStorage(c.page, "sessionStorage"),
	}

	dir := m.stateDir(c.Domain, c.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "state.json"), data, 0o644)
}

func (m *SessionManager) loadState(domain, session string) (*persistedState, error) {
	path := filepath.Join(m.stateDir(domain, session), "state.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func hydrateContext(page *rod.Page, state *persistedState) {
	if len(state.Cookies) > 0 {
		_ = page.SetCookies(state.Cookies)
	}
	restoreStorage(page, state.LocalStore, state.SessionJSON)
}

// ListSessions enumerates live contexts, optionally filtered by user.
func (m *SessionManager) ListSessions(user string) []Context {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Context, 0, len(m.contexts))
	for _, c := range m.contexts {
		if user != "" && c.UserID != user {
			continue
		}
		cp := *c
		cp.page = nil
		results = append(results, cp)
	}
	return results
}

// DeleteSession closes the context and removes the in-memory entry. The
// on-disk directory is retained for future rehydration.
func (m *SessionManager) DeleteSession(domain, session, user string) error {
	key := contextKey(domain, session, user)

	m.mu.Lock()
	c, ok := m.contexts[key]
	if ok {
		delete(m.contexts, key)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if c.page != nil {
		return c.page.Close()
	}
	return nil
}

// PurgeSessionState removes the persisted cookie/storage directory for a
// (domain, session) pair, in addition to whatever DeleteSession already did.
func (m *SessionManager) PurgeSessionState(domain, session string) error {
	return os.RemoveAll(m.stateDir(domain, session))
}

func snapshotStorage(page *rod.Page, store string) string {
	jsFunc := fmt.Sprintf(`() => {
		try {
			const out = {};
			for (const key of Object.keys(%s)) {
				out[key] = %s.getItem(key);
			}
			return JSON.stringify(out);
		} catch (e) {
			return "{}";
		}
	}`, store, store)

	res, err := page.Evaluate(&rod.EvalOptions{
		JS:           jsFunc,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil || res.Value.Nil() {
		return "{}"
	}
	return res.Value.String()
}

func restoreStorage(page *rod.Page, localJSON, sessionJSON string) {
	_, _ = page.Evaluate(&rod.EvalOptions{
		JS: `
		(local, session) => {
			try {
				const l = JSON.parse(local || "{}");
				Object.entries(l).forEach(([k, v]) => localStorage.setItem(k, v));
			} catch (e) {}
			try {
				const s = JSON.parse(session || "{}");
				Object.entries(s).forEach(([k, v]) => sessionStorage.setItem(k, v));
			} catch (e) {}
		}
		`,
		JSArgs:       []interface{}{localJSON, sessionJSON},
		ByValue:      true,
		AwaitPromise: true,
		UserGesture:  true,
	})
}
