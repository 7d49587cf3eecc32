package rejection

import (
	"path/filepath"
	"testing"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	return NewTracker(filepath.Join(t.TempDir(), "rejection_patterns.json"))
}

func TestNormalizeQuery(t *testing.T) {
	cases := []struct {
		query string
		want  string
	}{
		{"gaming laptop RTX 4090 16GB", "16gb_4090_gaming_laptop_rtx"},
		{"  extra   whitespace   query words here too many ", "extra_here_query_whitespace_words"},
		{"", ""},
	}
	for _, c := range cases {
		if got := normalizeQuery(c.query); got != c.want {
			t.Errorf("normalizeQuery(%q) = %q, want %q", c.query, got, c.want)
		}
	}
}

func TestCategorizeReason(t *testing.T) {
	cases := []struct {
		reason string
		want   Reason
	}{
		{"missing NVIDIA GPU", ReasonMissingGPU},
		{"this is a desktop tower, not a laptop", ReasonWrongCategory},
		{"price too expensive for budget", ReasonPriceMismatch},
		{"only 8GB RAM, insufficient memory", ReasonInsufficientRAM},
		{"SSD storage too small", ReasonInsufficientStorage},
		{"currently out of stock", ReasonOutOfStock},
		{"wrong brand, wanted Dell", ReasonBrandMismatch},
		{"some unrelated reason", ReasonOther},
	}
	for _, c := range cases {
		if got := categorizeReason(c.reason); got != c.want {
			t.Errorf("categorizeReason(%q) = %q, want %q", c.reason, got, c.want)
		}
	}
}

func TestRecordRejections_NoOpOnEmpty(t *testing.T) {
	tr := newTestTracker(t)
	tr.RecordRejections("amazon", "gaming laptop", nil, 10)

	stats := tr.GetVendorStats("amazon", "")
	if stats.TotalExtractions != 0 {
		t.Errorf("expected no recorded extractions, got %d", stats.TotalExtractions)
	}
}

func TestGetQueryRefinements_RequiresMinimumExtractions(t *testing.T) {
	tr := newTestTracker(t)
	tr.RecordRejections("amazon", "gaming laptop", []Rejection{
		{Reason: "missing nvidia gpu"},
		{Reason: "missing nvidia gpu"},
		{Reason: "missing nvidia gpu"},
	}, 4)

	if got := tr.GetQueryRefinements("amazon", "gaming laptop"); got != nil {
		t.Errorf("expected no refinements below the 5-extraction floor, got %v", got)
	}
}

func TestGetQueryRefinements_SuggestsGPUWhenDominant(t *testing.T) {
	tr := newTestTracker(t)
	tr.RecordRejections("amazon", "gaming laptop", []Rejection{
		{Reason: "missing nvidia gpu"},
		{Reason: "missing nvidia gpu"},
		{Reason: "missing nvidia gpu"},
		{Reason: "missing nvidia gpu"},
	}, 6)

	refinements := tr.GetQueryRefinements("amazon", "gaming laptop")
	if len(refinements) != 1 || refinements[0] != "nvidia rtx gpu" {
		t.Errorf("expected [\"nvidia rtx gpu\"], got %v", refinements)
	}
}

func TestGetQueryRefinements_NoSuggestionWhenBelowThreshold(t *testing.T) {
	tr := newTestTracker(t)
	tr.RecordRejections("amazon", "gaming laptop", []Rejection{
		{Reason: "missing nvidia gpu"},
		{Reason: "price too expensive"},
	}, 10)

	if got := tr.GetQueryRefinements("amazon", "gaming laptop"); got != nil {
		t.Errorf("expected no refinements when no single reason exceeds 50%%, got %v", got)
	}
}

func TestGetVendorStats_AggregatesAndRanksReasons(t *testing.T) {
	tr := newTestTracker(t)
	tr.RecordRejections("amazon", "gaming laptop", []Rejection{
		{Reason: "missing nvidia gpu"},
		{Reason: "missing nvidia gpu"},
		{Reason: "price too high"},
	}, 10)
	tr.RecordRejections("amazon", "gaming laptop", []Rejection{
		{Reason: "out of stock"},
	}, 5)

	stats := tr.GetVendorStats("amazon", "gaming laptop")
	if stats.TotalExtractions != 15 {
		t.Errorf("expected 15 total extractions, got %d", stats.TotalExtractions)
	}
	if stats.TotalRejections != 4 {
		t.Errorf("expected 4 total rejections, got %d", stats.TotalRejections)
	}
	if len(stats.TopReasons) == 0 || stats.TopReasons[0].Reason != ReasonMissingGPU {
		t.Errorf("expected missing_gpu to be the top reason, got %v", stats.TopReasons)
	}
}

func TestTracker_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rejection_patterns.json")

	tr1 := NewTracker(path)
	tr1.RecordRejections("bestbuy", "budget laptop", []Rejection{
		{Reason: "insufficient ram"},
		{Reason: "insufficient ram"},
		{Reason: "insufficient ram"},
	}, 5)

	tr2 := NewTracker(path)
	refinements := tr2.GetQueryRefinements("bestbuy", "budget laptop")
	if len(refinements) != 1 || refinements[0] != "16GB 32GB RAM" {
		t.Errorf("expected persisted RAM refinement after reload, got %v", refinements)
	}
}

func TestGetVendorStats_FiltersByVendorOnly(t *testing.T) {
	tr := newTestTracker(t)
	tr.RecordRejections("amazon", "gaming laptop", []Rejection{{Reason: "missing gpu"}}, 5)
	tr.RecordRejections("bestbuy", "gaming laptop", []Rejection{{Reason: "missing gpu"}}, 5)

	stats := tr.GetVendorStats("amazon", "")
	if stats.TotalExtractions != 5 {
		t.Errorf("expected vendor-scoped stats to exclude other vendors, got %d", stats.TotalExtractions)
	}
}
