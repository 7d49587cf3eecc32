package config

import "testing"

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if !c.EnableHybrid {
		t.Error("expected EnableHybrid true by default")
	}
	if c.MaxProductsPerRetailer != 20 {
		t.Errorf("expected MaxProductsPerRetailer=20, got %d", c.MaxProductsPerRetailer)
	}
	if c.SimilarityThreshold != 0.40 {
		t.Errorf("expected SimilarityThreshold=0.40, got %v", c.SimilarityThreshold)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("PERCEPTION_ENABLE_HYBRID", "false")
	t.Setenv("PERCEPTION_MAX_CLICK_RESOLVES", "7")
	t.Setenv("PERCEPTION_SIMILARITY_THRESHOLD", "0.55")
	t.Setenv("PERCEPTION_DEBUG_OUTPUT_DIR", "/tmp/shots")
	t.Setenv("SOLVER_URL", "https://solver.example.com")
	t.Setenv("SOLVER_MODEL_ID", "test-model")
	t.Setenv("SOLVER_API_KEY", "secret")
	t.Setenv("NOVNC_URL", "https://novnc.example.com")

	c := LoadFromEnv()

	if c.EnableHybrid {
		t.Error("expected EnableHybrid overridden to false")
	}
	if c.MaxClickResolves != 7 {
		t.Errorf("expected MaxClickResolves=7, got %d", c.MaxClickResolves)
	}
	if c.SimilarityThreshold != 0.55 {
		t.Errorf("expected SimilarityThreshold=0.55, got %v", c.SimilarityThreshold)
	}
	if c.DebugOutputDir != "/tmp/shots" {
		t.Errorf("expected DebugOutputDir override, got %q", c.DebugOutputDir)
	}
	if c.SolverURL != "https://solver.example.com" {
		t.Errorf("expected SolverURL override, got %q", c.SolverURL)
	}
	if c.SolverModelID != "test-model" {
		t.Errorf("expected SolverModelID override, got %q", c.SolverModelID)
	}
	if c.SolverAPIKey != "secret" {
		t.Errorf("expected SolverAPIKey override, got %q", c.SolverAPIKey)
	}
	if c.NoVNCURL != "https://novnc.example.com" {
		t.Errorf("expected NoVNCURL override, got %q", c.NoVNCURL)
	}
}

func TestLoadFromEnv_InvalidValuesFallBackToDefault(t *testing.T) {
	t.Setenv("PERCEPTION_MAX_CLICK_RESOLVES", "not-a-number")
	t.Setenv("PERCEPTION_SIMILARITY_THRESHOLD", "not-a-float")
	t.Setenv("PERCEPTION_ENABLE_HYBRID", "not-a-bool")

	def := DefaultConfig()
	c := LoadFromEnv()

	if c.MaxClickResolves != def.MaxClickResolves {
		t.Errorf("expected fallback to default MaxClickResolves=%d, got %d", def.MaxClickResolves, c.MaxClickResolves)
	}
	if c.SimilarityThreshold != def.SimilarityThreshold {
		t.Errorf("expected fallback to default SimilarityThreshold=%v, got %v", def.SimilarityThreshold, c.SimilarityThreshold)
	}
	if c.EnableHybrid != def.EnableHybrid {
		t.Errorf("expected fallback to default EnableHybrid=%v, got %v", def.EnableHybrid, c.EnableHybrid)
	}
}

func TestGetLLMTimeouts(t *testing.T) {
	tt := GetLLMTimeouts()
	if tt.HTTPClientTimeout <= 0 {
		t.Error("expected positive HTTPClientTimeout")
	}
	if tt.RetryBackoffMax < tt.RetryBackoffBase {
		t.Error("expected RetryBackoffMax >= RetryBackoffBase")
	}
}
