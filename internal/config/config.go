// Package config holds the Research & Commerce Extraction Core's tunables.
//
// Per the design notes, tunables are exposed only through a PerceptionConfig
// record populated from the environment at process start; the config is
// immutable after that point.
package config

import (
	"os"
	"strconv"
	"time"
)

// PerceptionConfig is the full set of recognized tunables (see design notes,
// "Configuration"). It is populated once via LoadFromEnv and never mutated.
type PerceptionConfig struct {
	EnableHybrid       bool `yaml:"enable_hybrid"`
	EnableClickResolve bool `yaml:"enable_click_resolve"`
	MaxClickResolves   int  `yaml:"max_click_resolves"`

	MaxProductsPerRetailer int `yaml:"max_products_per_retailer"`

	OCRUseGPU        bool    `yaml:"ocr_use_gpu"`
	OCRConfidenceMin float64 `yaml:"ocr_confidence_min"`
	OCRTimeoutMs     int     `yaml:"ocr_timeout_ms"`

	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	YGroupThreshold     int     `yaml:"y_group_threshold"`
	XGroupThreshold     int     `yaml:"x_group_threshold"`
	RequirePricePattern bool    `yaml:"require_price_pattern"`

	EnablePDPVerification    bool    `yaml:"enable_pdp_verification"`
	PDPVerificationTimeoutMs int     `yaml:"pdp_verification_timeout_ms"`
	PDPMaxVerifyPerRetailer  int     `yaml:"pdp_max_verify_per_retailer"`
	PDPDiscrepancyThreshold  float64 `yaml:"pdp_discrepancy_threshold"`

	EnableProactiveCalibration bool    `yaml:"enable_proactive_calibration"`
	CalibrationTimeoutMs       int     `yaml:"calibration_timeout_ms"`
	CalibrationMinConfidence   float64 `yaml:"calibration_min_confidence"`

	FallbackToHTMLOnly  bool   `yaml:"fallback_to_html_only"`
	SaveDebugScreenshots bool   `yaml:"save_debug_screenshots"`
	DebugOutputDir       string `yaml:"debug_output_dir"`

	// LLM endpoint (§6): SOLVER_URL / SOLVER_MODEL_ID / SOLVER_API_KEY.
	SolverURL     string `yaml:"solver_url"`
	SolverModelID string `yaml:"solver_model_id"`
	SolverAPIKey  string `yaml:"-"`

	// NoVNCURL is the remote-viewing page accompanying intervention requests.
	NoVNCURL string `yaml:"novnc_url"`
}

// DefaultConfig returns sensible defaults matching the spec's design notes.
func DefaultConfig() *PerceptionConfig {
	return &PerceptionConfig{
		EnableHybrid:       true,
		EnableClickResolve: true,
		MaxClickResolves:   3,

		MaxProductsPerRetailer: 20,

		OCRUseGPU:        false,
		OCRConfidenceMin: 0.5,
		OCRTimeoutMs:     15000,

		SimilarityThreshold: 0.40,
		YGroupThreshold:     80,
		XGroupThreshold:     40,
		RequirePricePattern: true,

		EnablePDPVerification:    true,
		PDPVerificationTimeoutMs: 10000,
		PDPMaxVerifyPerRetailer:  6,
		PDPDiscrepancyThreshold:  0.15,

		EnableProactiveCalibration: true,
		CalibrationTimeoutMs:       20000,
		CalibrationMinConfidence:   0.6,

		FallbackToHTMLOnly:   true,
		SaveDebugScreenshots: false,
		DebugOutputDir:       "research_screenshots",
	}
}

// LoadFromEnv returns a PerceptionConfig with defaults overridden by any
// recognized PERCEPTION_*, SOLVER_*, and NOVNC_URL environment variables.
func LoadFromEnv() *PerceptionConfig {
	c := DefaultConfig()

	overrideBool(&c.EnableHybrid, "PERCEPTION_ENABLE_HYBRID")
	overrideBool(&c.EnableClickResolve, "PERCEPTION_ENABLE_CLICK_RESOLVE")
	overrideInt(&c.MaxClickResolves, "PERCEPTION_MAX_CLICK_RESOLVES")
	overrideInt(&c.MaxProductsPerRetailer, "PERCEPTION_MAX_PRODUCTS_PER_RETAILER")

	overrideBool(&c.OCRUseGPU, "PERCEPTION_OCR_USE_GPU")
	overrideFloat(&c.OCRConfidenceMin, "PERCEPTION_OCR_CONFIDENCE_MIN")
	overrideInt(&c.OCRTimeoutMs, "PERCEPTION_OCR_TIMEOUT_MS")

	overrideFloat(&c.SimilarityThreshold, "PERCEPTION_SIMILARITY_THRESHOLD")
	overrideInt(&c.YGroupThreshold, "PERCEPTION_Y_GROUP_THRESHOLD")
	overrideInt(&c.XGroupThreshold, "PERCEPTION_X_GROUP_THRESHOLD")
	overrideBool(&c.RequirePricePattern, "PERCEPTION_REQUIRE_PRICE_PATTERN")

	overrideBool(&c.EnablePDPVerification, "PERCEPTION_ENABLE_PDP_VERIFICATION")
	overrideInt(&c.PDPVerificationTimeoutMs, "PERCEPTION_PDP_VERIFICATION_TIMEOUT_MS")
	overrideInt(&c.PDPMaxVerifyPerRetailer, "PERCEPTION_PDP_MAX_VERIFY_PER_RETAILER")
	overrideFloat(&c.PDPDiscrepancyThreshold, "PERCEPTION_PDP_DISCREPANCY_THRESHOLD")

	overrideBool(&c.EnableProactiveCalibration, "PERCEPTION_ENABLE_PROACTIVE_CALIBRATION")
	overrideInt(&c.CalibrationTimeoutMs, "PERCEPTION_CALIBRATION_TIMEOUT_MS")
	overrideFloat(&c.CalibrationMinConfidence, "PERCEPTION_CALIBRATION_MIN_CONFIDENCE")

	overrideBool(&c.FallbackToHTMLOnly, "PERCEPTION_FALLBACK_TO_HTML_ONLY")
	overrideBool(&c.SaveDebugScreenshots, "PERCEPTION_SAVE_DEBUG_SCREENSHOTS")
	overrideString(&c.DebugOutputDir, "PERCEPTION_DEBUG_OUTPUT_DIR")

	overrideString(&c.SolverURL, "SOLVER_URL")
	overrideString(&c.SolverModelID, "SOLVER_MODEL_ID")
	overrideString(&c.SolverAPIKey, "SOLVER_API_KEY")
	overrideString(&c.NoVNCURL, "NOVNC_URL")

	return c
}

func overrideBool(dst *bool, envVar string) {
	v := os.Getenv(envVar)
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

func overrideInt(dst *int, envVar string) {
	v := os.Getenv(envVar)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func overrideFloat(dst *float64, envVar string) {
	v := os.Getenv(envVar)
	if v == "" {
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = f
	}
}

func overrideString(dst *string, envVar string) {
	if v := os.Getenv(envVar); v != "" {
		*dst = v
	}
}

// LLMTimeouts bundles the timing knobs shared by every LLM client
// implementation (retry backoff, rate limit pacing, overall HTTP timeout).
type LLMTimeouts struct {
	HTTPClientTimeout time.Duration
	RateLimitDelay    time.Duration
	RetryBackoffBase  time.Duration
	RetryBackoffMax   time.Duration
	MaxRetries        int
	StreamingTimeout  time.Duration
}

// GetLLMTimeouts returns the process-wide LLM timeout configuration. Values
// are fixed defaults; they are not currently environment-overridable because
// no example in the corpus exposed a need to tune them per-deployment.
func GetLLMTimeouts() LLMTimeouts {
	return LLMTimeouts{
		HTTPClientTimeout: 120 * time.Second,
		RateLimitDelay:    600 * time.Millisecond,
		RetryBackoffBase:  1 * time.Second,
		RetryBackoffMax:   30 * time.Second,
	}
}
