// Package recipe loads the "recipe" prompt directory spec.md §6 describes:
// every LLM system prompt researchcore sends is nameable and overridable by
// dropping a YAML file into the recipe directory, the same convention the
// teacher uses for its prompt-atom YAML files (internal/prompt/loader.go),
// simplified here to flat name -> content entries since researchcore has no
// SQLite-backed atom store to populate.
package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"researchcore/internal/logging"
)

// entry is one YAML document: a named prompt plus the free-form content an
// LLM client should substitute for its built-in default.
type entry struct {
	ID      string `yaml:"id"`
	Content string `yaml:"content"`
}

// Store holds the recipes loaded from one directory, keyed by ID.
type Store struct {
	prompts map[string]string
}

// Empty returns a Store with no recipes; Get always falls through to its
// default, as it does on a nil *Store.
func Empty() *Store {
	return &Store{prompts: map[string]string{}}
}

// Load reads every *.yaml/*.yml file in dir (non-recursive) and merges their
// entries into a Store. A missing directory is not an error: researchcore
// runs fine on built-in prompt defaults alone.
func Load(dir string) (*Store, error) {
	store := &Store{prompts: map[string]string{}}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("reading recipe directory %s: %w", dir, err)
	}

	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(de.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, de.Name())
		if err := store.loadFile(path); err != nil {
			logging.Get(logging.CategoryOrchestrator).Warn("recipe: skipping %s: %v", path, err)
			continue
		}
	}

	return store, nil
}

func (s *Store) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var list []entry
	if err := yaml.Unmarshal(data, &list); err != nil {
		var single entry
		if singleErr := yaml.Unmarshal(data, &single); singleErr != nil {
			return fmt.Errorf("parsing %s as recipe list or single entry: %w", path, err)
		}
		list = []entry{single}
	}

	for _, e := range list {
		if e.ID == "" || e.Content == "" {
			continue
		}
		s.prompts[e.ID] = e.Content
	}
	return nil
}

// Get returns the recipe named id, or fallback if no recipe by that name was
// loaded (including when the Store is nil, so callers can pass a possibly
// absent *Store without a nil check at every call site).
func (s *Store) Get(id, fallback string) string {
	if s == nil {
		return fallback
	}
	if content, ok := s.prompts[id]; ok {
		return content
	}
	return fallback
}
