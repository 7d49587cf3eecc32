package intelligence

import (
	"context"
	"path/filepath"
	"testing"
)

type fakeLLM struct {
	response string
	err      error
	calls    int
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	f.calls++
	return f.response, f.err
}

func (f *fakeLLM) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.calls++
	return f.response, f.err
}

func newTestService(t *testing.T, llm *fakeLLM) *Service {
	t.Helper()
	s, err := NewService(llm, filepath.Join(t.TempDir(), "schemas.jsonl"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestClassifyHint(t *testing.T) {
	cases := []struct {
		url  string
		want PageType
	}{
		{"https://www.amazon.com/dp/B08N5WRWNW", PageProductDetail},
		{"https://www.bestbuy.com/site/searchpage.jsp?st=laptop", PageSearchResults},
		{"https://example.com/category/laptops", PageCategory},
		{"https://example.com/", PageHomepage},
		{"https://example.com/some/listing/page", PageProductListing},
	}
	for _, c := range cases {
		if got := classifyHint(c.url); got != c.want {
			t.Errorf("classifyHint(%q) = %q, want %q", c.url, got, c.want)
		}
	}
}

func TestNormalizeDomain_StripsWWW(t *testing.T) {
	if got := normalizeDomain("https://www.example.com/a"); got != "example.com" {
		t.Errorf("got %q", got)
	}
}

func TestIsHashedClass(t *testing.T) {
	cases := []struct {
		class string
		want  bool
	}{
		{"sc-bdVaJa", false},
		{"hash-sc-bdVaJa", true},
		{"css-1x2y3z", true},
		{"__Price-sc-ab12cd34", true},
		{"product-title", false},
		{"price", false},
	}
	for _, c := range cases {
		if got := isHashedClass(c.class); got != c.want {
			t.Errorf("isHashedClass(%q) = %v, want %v", c.class, got, c.want)
		}
	}
}

func TestSanitizeSelector_RejectsHashedFallsBackToFallback(t *testing.T) {
	got := sanitizeSelector(".css-1a2b3c", ".product-card")
	if got != ".product-card" {
		t.Errorf("expected fallback for hashed selector, got %q", got)
	}
	got = sanitizeSelector(".product-title", "")
	if got != ".product-title" {
		t.Errorf("expected clean selector preserved, got %q", got)
	}
}

func TestParseJSONLenient_StripsCodeFences(t *testing.T) {
	raw := "```json\n{\"page_type\": \"product_listing\"}\n```"
	var out struct {
		PageType string `json:"page_type"`
	}
	if err := parseJSONLenient(raw, &out); err != nil {
		t.Fatalf("parseJSONLenient: %v", err)
	}
	if out.PageType != "product_listing" {
		t.Errorf("got %q", out.PageType)
	}
}

func TestParseJSONLenient_NoJSONReturnsError(t *testing.T) {
	var out map[string]any
	if err := parseJSONLenient("just some prose, no json here", &out); err == nil {
		t.Error("expected error for non-JSON input")
	}
}

func TestExtractionSchema_NeedsRecalibration(t *testing.T) {
	cases := []struct {
		name   string
		schema ExtractionSchema
		want   bool
	}{
		{"no failures", ExtractionSchema{SuccessCount: 10}, false},
		{"failures but no reason recorded", ExtractionSchema{FailureCount: 20, SuccessCount: 1}, false},
		{"failures double successes", ExtractionSchema{FailureCount: 4, SuccessCount: 2, LastFailureReason: "timeout"}, true},
		{"failures below threshold", ExtractionSchema{FailureCount: 2, SuccessCount: 5, LastFailureReason: "timeout"}, false},
	}
	for _, c := range cases {
		if got := c.schema.NeedsRecalibration(); got != c.want {
			t.Errorf("%s: NeedsRecalibration() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestPageUnderstanding_ValidatePrimaryZoneInvariant(t *testing.T) {
	u := &PageUnderstanding{
		PrimaryZone: "product-grid",
		Zones:       []Zone{{ZoneType: "product-grid"}},
	}
	if err := u.validate(); err != nil {
		t.Errorf("expected valid, got %v", err)
	}

	bad := &PageUnderstanding{PrimaryZone: "missing-zone"}
	if err := bad.validate(); err == nil {
		t.Error("expected error when primary_zone has no matching Zone")
	}
}

func TestLRUCache_EvictsOldest(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", &PageUnderstanding{Domain: "a"})
	c.put("b", &PageUnderstanding{Domain: "b"})
	c.put("c", &PageUnderstanding{Domain: "c"})

	if _, ok := c.get("a"); ok {
		t.Error("expected 'a' to have been evicted")
	}
	if _, ok := c.get("b"); !ok {
		t.Error("expected 'b' to still be cached")
	}
	if _, ok := c.get("c"); !ok {
		t.Error("expected 'c' to still be cached")
	}
}

func TestLRUCache_GetRefreshesRecency(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", &PageUnderstanding{Domain: "a"})
	c.put("b", &PageUnderstanding{Domain: "b"})
	c.get("a") // touch a, making b the LRU entry
	c.put("c", &PageUnderstanding{Domain: "c"})

	if _, ok := c.get("b"); ok {
		t.Error("expected 'b' to have been evicted after 'a' was refreshed")
	}
	if _, ok := c.get("a"); !ok {
		t.Error("expected 'a' to still be cached")
	}
}

func TestSchemaStore_AppendAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.jsonl")
	store, err := newSchemaStore(path)
	if err != nil {
		t.Fatalf("newSchemaStore: %v", err)
	}
	defer store.close()

	sc := &ExtractionSchema{Domain: "example.com", PageType: PageProductListing, SuccessCount: 1}
	if err := store.append(sc); err != nil {
		t.Fatalf("append: %v", err)
	}

	reopened, err := newSchemaStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.close()

	got, ok := reopened.get("example.com", PageProductListing)
	if !ok {
		t.Fatal("expected schema to persist across reload")
	}
	if got.SuccessCount != 1 {
		t.Errorf("got success_count=%d, want 1", got.SuccessCount)
	}
}

func TestSchemaStore_AppendIsLastWriteWinsPerKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.jsonl")
	store, err := newSchemaStore(path)
	if err != nil {
		t.Fatalf("newSchemaStore: %v", err)
	}
	defer store.close()

	store.append(&ExtractionSchema{Domain: "example.com", PageType: PageProductListing, SuccessCount: 1})
	store.append(&ExtractionSchema{Domain: "example.com", PageType: PageProductListing, SuccessCount: 5})

	got, ok := store.get("example.com", PageProductListing)
	if !ok || got.SuccessCount != 5 {
		t.Errorf("expected latest write (5) to win, got %+v", got)
	}
}

func TestChooseStrategy(t *testing.T) {
	s := newTestService(t, &fakeLLM{})

	if got := s.chooseStrategy(context.Background(), PageProductDetail, nil); got != StrategyHybrid {
		t.Errorf("expected product_detail to choose hybrid, got %q", got)
	}
	if got := s.chooseStrategy(context.Background(), PageProductListing, nil); got != StrategyVision {
		t.Errorf("expected no zones to fall back to vision, got %q", got)
	}

	complete := []Zone{{FieldSelectors: map[string]string{"item": ".card", "price": ".price"}}}
	if got := s.chooseStrategy(context.Background(), PageProductListing, complete); got != StrategySelector {
		t.Errorf("expected complete selectors to choose selector strategy, got %q", got)
	}

	incomplete := []Zone{{FieldSelectors: map[string]string{"item": ".card"}}}
	if got := s.chooseStrategy(context.Background(), PageProductListing, incomplete); got != StrategyHybrid {
		t.Errorf("expected missing price selector to fall back to hybrid, got %q", got)
	}
}

func TestIdentifyZones_ParsesLLMResponse(t *testing.T) {
	llm := &fakeLLM{response: `{"page_type": "product_listing", "zones": [{"zone_type": "card", "anchors": [".card"], "confidence": 0.8}], "primary_zone": "card", "notices": [], "availability_status": "available_online", "confidence": 0.8}`}
	s := newTestService(t, llm)

	result, err := s.identifyZones(context.Background(), domSnapshot{Title: "t", URL: "u"})
	if err != nil {
		t.Fatalf("identifyZones: %v", err)
	}
	if result.PageType != PageProductListing {
		t.Errorf("got page_type=%q", result.PageType)
	}
	if result.PrimaryZone != "card" {
		t.Errorf("got primary_zone=%q", result.PrimaryZone)
	}
}
