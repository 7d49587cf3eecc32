package recipe

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingDirectoryReturnsEmptyStore(t *testing.T) {
	store, err := Load(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := store.Get("planning_system_prompt", "fallback"); got != "fallback" {
		t.Errorf("expected fallback for an empty store, got %q", got)
	}
}

func TestLoad_ReadsListOfEntries(t *testing.T) {
	dir := t.TempDir()
	writeRecipeFile(t, dir, "prompts.yaml", `
- id: planning_system_prompt
  content: "Custom planning prompt."
- id: viability_system_prompt
  content: "Custom viability prompt."
`)

	store, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := store.Get("planning_system_prompt", "fallback"); got != "Custom planning prompt." {
		t.Errorf("got %q", got)
	}
	if got := store.Get("viability_system_prompt", "fallback"); got != "Custom viability prompt." {
		t.Errorf("got %q", got)
	}
	if got := store.Get("calibration_system_prompt", "fallback"); got != "fallback" {
		t.Errorf("expected fallback for an unloaded id, got %q", got)
	}
}

func TestLoad_ReadsSingleEntryDocument(t *testing.T) {
	dir := t.TempDir()
	writeRecipeFile(t, dir, "single.yml", `
id: calibration_system_prompt
content: "Custom calibration prompt."
`)

	store, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := store.Get("calibration_system_prompt", "fallback"); got != "Custom calibration prompt." {
		t.Errorf("got %q", got)
	}
}

func TestLoad_IgnoresNonYAMLFiles(t *testing.T) {
	dir := t.TempDir()
	writeRecipeFile(t, dir, "notes.txt", "id: planning_system_prompt\ncontent: ignored")

	store, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := store.Get("planning_system_prompt", "fallback"); got != "fallback" {
		t.Errorf("expected non-yaml file to be ignored, got %q", got)
	}
}

func TestGet_NilStoreReturnsFallback(t *testing.T) {
	var store *Store
	if got := store.Get("anything", "fallback"); got != "fallback" {
		t.Errorf("expected nil store to fall through, got %q", got)
	}
}

func writeRecipeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}
