package intelligence

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"researchcore/internal/logging"
)

// schemaStore is the append-only JSONL backing for ExtractionSchema records,
// one line per write, last-write-wins per (domain, page_type) key on reload.
// A fsnotify watcher picks up writes made by a sibling process so a
// long-lived orchestrator never needs a restart to see schemas calibrated
// elsewhere.
type schemaStore struct {
	path string

	mu      sync.RWMutex
	schemas map[string]*ExtractionSchema

	watcher *fsnotify.Watcher
}

func schemaKey(domain string, pageType PageType) string {
	return domain + ":" + string(pageType)
}

func newSchemaStore(path string) (*schemaStore, error) {
	s := &schemaStore{path: path, schemas: make(map[string]*ExtractionSchema)}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	s.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Hot-reload is a convenience, not a correctness requirement: this
		// process's own writes still update the in-memory map directly.
		logging.PerceptionWarn("schema store: fsnotify unavailable, sibling-process writes won't hot-reload: %v", err)
		return s, nil
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logging.PerceptionWarn("schema store: failed to watch %s: %v", filepath.Dir(path), err)
		watcher.Close()
		return s, nil
	}
	s.watcher = watcher
	go s.watchLoop()
	return s, nil
}

func (s *schemaStore) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == filepath.Clean(s.path) && (ev.Op&(fsnotify.Write|fsnotify.Create) != 0) {
				s.reload()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.PerceptionWarn("schema store watcher error: %v", err)
		}
	}
}

func (s *schemaStore) reload() {
	f, err := os.Open(s.path)
	if err != nil {
		return
	}
	defer f.Close()

	loaded := make(map[string]*ExtractionSchema)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var sc ExtractionSchema
		if err := json.Unmarshal(line, &sc); err != nil {
			continue
		}
		loaded[schemaKey(sc.Domain, sc.PageType)] = &sc
	}

	s.mu.Lock()
	s.schemas = loaded
	s.mu.Unlock()
}

func (s *schemaStore) get(domain string, pageType PageType) (*ExtractionSchema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schemas[schemaKey(domain, pageType)]
	return sc, ok
}

// append writes sc as a new JSONL line and replaces the in-memory entry.
// Last-write-wins on reload matches this process's own view immediately.
func (s *schemaStore) append(sc *ExtractionSchema) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}

	s.mu.Lock()
	s.schemas[schemaKey(sc.Domain, sc.PageType)] = sc
	s.mu.Unlock()
	return nil
}

func (s *schemaStore) close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}
