package viability

import (
	"context"
	"testing"

	"researchcore/internal/models"
	"researchcore/internal/rejection"
)

type fakeViabilityLLM struct {
	response string
	err      error
}

func (f *fakeViabilityLLM) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f.response, f.err
}

func product(title, u string, price float64) models.VerifiedProduct {
	return models.VerifiedProduct{Title: title, URL: u, Price: price, VendorDomain: "example.com"}
}

func TestParseSpecsFromURL_MinesGPURAMStorage(t *testing.T) {
	specs := parseSpecsFromURL("https://www.example.com/ASUS-TUF-Gaming-A16-16-WUXGA-144Hz-AMD-Processor-NVIDIA-GeForce-RTX-4050-16GB-DDR5-512GB-PCIe-SSD")
	if specs["gpu"] == "" {
		t.Errorf("expected gpu spec mined from URL, got %+v", specs)
	}
	if specs["ram"] == "" {
		t.Errorf("expected ram spec mined from URL, got %+v", specs)
	}
	if specs["storage"] == "" {
		t.Errorf("expected storage spec mined from URL, got %+v", specs)
	}
	if specs["refresh_rate"] != "144Hz" {
		t.Errorf("expected refresh rate mined from URL, got %+v", specs)
	}
}

func TestParseSpecsFromURL_EmptyForNoSlug(t *testing.T) {
	if specs := parseSpecsFromURL("https://www.example.com/"); specs != nil {
		t.Errorf("expected no specs for a bare URL, got %+v", specs)
	}
	if specs := parseSpecsFromURL(""); specs != nil {
		t.Errorf("expected no specs for an empty URL, got %+v", specs)
	}
}

func TestCheckKeywordViability_HighMatchIsViable(t *testing.T) {
	p := product("Acer Nitro 5 Gaming Laptop RTX 4060", "https://example.com/acer-nitro-5-rtx-4060", 999)
	requirements := models.Requirements{HardRequirements: []string{"NVIDIA RTX GPU"}}
	viable, determined := checkKeywordViability(p, requirements, "gaming laptop rtx")
	if !determined || !viable {
		t.Errorf("expected high keyword match to be determined viable, got viable=%v determined=%v", viable, determined)
	}
}

func TestCheckKeywordViability_LowMatchIsRejected(t *testing.T) {
	p := product("Office Desk Chair", "https://example.com/office-chair", 150)
	viable, determined := checkKeywordViability(p, models.Requirements{}, "gaming laptop rtx 4060")
	if !determined || viable {
		t.Errorf("expected low keyword match to be determined not viable, got viable=%v determined=%v", viable, determined)
	}
}

func TestCheckKeywordViability_UndeterminedWithNoQueryTerms(t *testing.T) {
	p := product("Anything", "https://example.com/x", 10)
	_, determined := checkKeywordViability(p, models.Requirements{}, "a an the for")
	if determined {
		t.Error("expected an all-stopword query to be undetermined")
	}
}

func TestParseEnvelope_StripsCodeFences(t *testing.T) {
	raw := "```json\n{\"evaluations\": [{\"index\": 1, \"viable\": true, \"viability_score\": 0.9}], \"summary\": \"ok\"}\n```"
	env, err := parseEnvelope(raw)
	if err != nil {
		t.Fatalf("parseEnvelope: %v", err)
	}
	if len(env.Evaluations) != 1 || !env.Evaluations[0].Viable {
		t.Errorf("got %+v", env)
	}
}

func TestParseEnvelope_RepairsTrailingComma(t *testing.T) {
	raw := `{"evaluations": [{"index": 1, "viable": true,},], "summary": "ok",}`
	env, err := parseEnvelope(raw)
	if err != nil {
		t.Fatalf("parseEnvelope: %v", err)
	}
	if len(env.Evaluations) != 1 {
		t.Errorf("got %+v", env)
	}
}

func TestParseEnvelope_SalvagesPartialEvaluations(t *testing.T) {
	raw := `{"evaluations": [{"index": 1, "viable": true, "viability_score": 0.8}, {"index": 2, "viable": false, "rejection_reason": "no gpu" unterminated`
	env, err := parseEnvelope(raw)
	if err != nil {
		t.Fatalf("parseEnvelope: %v", err)
	}
	if len(env.Evaluations) != 1 || env.Evaluations[0].Index != 1 {
		t.Errorf("expected one salvaged evaluation, got %+v", env.Evaluations)
	}
}

func TestParseEnvelope_NoJSONObjectIsError(t *testing.T) {
	if _, err := parseEnvelope("not json at all"); err == nil {
		t.Error("expected an error for a response with no JSON object")
	}
}

func TestFilterViable_AppliesLLMEvaluations(t *testing.T) {
	llm := &fakeViabilityLLM{response: `{"evaluations": [
		{"index": 1, "viable": true, "viability_score": 0.9},
		{"index": 2, "viable": false, "rejection_reason": "Integrated graphics only"}
	], "summary": "one viable"}`}
	f := NewFilter(llm, nil, nil)

	products := []models.VerifiedProduct{
		product("Acer Nitro 5 RTX 4060", "https://example.com/a", 999),
		product("Dell Inspiron Intel UHD", "https://example.com/b", 499),
	}
	viable, rejected, stats := f.FilterViable(context.Background(), products, models.Requirements{}, "gaming laptop", 4)

	if len(viable) != 1 || viable[0].Product.Title != "Acer Nitro 5 RTX 4060" {
		t.Errorf("expected one viable product, got %+v", viable)
	}
	if len(rejected) != 1 || rejected[0].Reason != "Integrated graphics only" {
		t.Errorf("expected one rejection with the LLM's reason, got %+v", rejected)
	}
	if stats.TotalInput != 2 || stats.ViableCount != 1 || stats.RejectedCount != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestFilterViable_KeywordOverridesGenericRejection(t *testing.T) {
	llm := &fakeViabilityLLM{response: `{"evaluations": [
		{"index": 1, "viable": false, "rejection_reason": "N/A"}
	], "summary": "none clear"}`}
	f := NewFilter(llm, nil, nil)

	products := []models.VerifiedProduct{
		product("Acer Nitro 5 Gaming Laptop RTX 4060", "https://example.com/acer-nitro-rtx-4060", 999),
	}
	viable, rejected, _ := f.FilterViable(context.Background(), products, models.Requirements{}, "acer nitro gaming laptop rtx 4060", 4)

	if len(rejected) != 0 {
		t.Errorf("expected the generic rejection to be overridden, got %+v", rejected)
	}
	if len(viable) != 1 || viable[0].Summary != "Viable based on keyword matching" {
		t.Errorf("expected a keyword-matched viable product, got %+v", viable)
	}
}

func TestFilterViable_ConsistencyOverrideClearsFalseViables(t *testing.T) {
	llm := &fakeViabilityLLM{response: `{"evaluations": [
		{"index": 1, "viable": true, "viability_score": 0.9}
	], "summary": "No matching products found for this query"}`}
	f := NewFilter(llm, nil, nil)

	products := []models.VerifiedProduct{product("Acer Nitro 5", "https://example.com/a", 999)}
	viable, rejected, stats := f.FilterViable(context.Background(), products, models.Requirements{}, "gaming laptop", 4)

	if len(viable) != 0 || len(rejected) != 0 {
		t.Errorf("expected evaluations discarded by the consistency check, got viable=%+v rejected=%+v", viable, rejected)
	}
	if stats.TotalInput != 1 {
		t.Errorf("got %+v", stats)
	}
}

func TestFilterViable_FallsBackToHeuristicOnLLMError(t *testing.T) {
	llm := &fakeViabilityLLM{err: context.DeadlineExceeded}
	f := NewFilter(llm, nil, nil)

	products := []models.VerifiedProduct{
		product("Acer Nitro 5 Gaming Laptop RTX 4060", "https://example.com/acer-nitro-rtx-4060", 999),
		product("Office Desk Chair", "https://example.com/office-chair", 150),
	}
	viable, rejected, _ := f.FilterViable(context.Background(), products, models.Requirements{}, "gaming laptop rtx 4060", 4)

	if len(viable) != 1 || viable[0].Product.Title != "Acer Nitro 5 Gaming Laptop RTX 4060" {
		t.Errorf("expected keyword heuristic to admit the matching laptop, got %+v", viable)
	}
	if len(rejected) != 1 {
		t.Errorf("expected the office chair rejected by the heuristic fallback, got %+v", rejected)
	}
}

func TestFilterViable_CapsToMaxPerVendor(t *testing.T) {
	llm := &fakeViabilityLLM{response: `{"evaluations": [
		{"index": 1, "viable": true, "viability_score": 0.6},
		{"index": 2, "viable": true, "viability_score": 0.9},
		{"index": 3, "viable": true, "viability_score": 0.75}
	], "summary": "three viable"}`}
	f := NewFilter(llm, nil, nil)

	products := []models.VerifiedProduct{
		product("A", "https://example.com/a", 100),
		product("B", "https://example.com/b", 200),
		product("C", "https://example.com/c", 300),
	}
	viable, _, _ := f.FilterViable(context.Background(), products, models.Requirements{}, "laptop", 2)

	if len(viable) != 2 {
		t.Fatalf("expected capping to 2 viable products, got %d", len(viable))
	}
	if viable[0].Product.Title != "B" || viable[1].Product.Title != "C" {
		t.Errorf("expected highest-score-first ordering, got %+v", viable)
	}
}

func TestFilterViable_CapsPerVendorNotGlobally(t *testing.T) {
	llm := &fakeViabilityLLM{response: `{"evaluations": [
		{"index": 1, "viable": true, "viability_score": 0.95},
		{"index": 2, "viable": true, "viability_score": 0.9},
		{"index": 3, "viable": true, "viability_score": 0.5}
	], "summary": "three viable"}`}
	f := NewFilter(llm, nil, nil)

	products := []models.VerifiedProduct{
		{Title: "A", URL: "https://amazon.com/a", VendorDomain: "amazon.com"},
		{Title: "B", URL: "https://amazon.com/b", VendorDomain: "amazon.com"},
		{Title: "C", URL: "https://bestbuy.com/c", VendorDomain: "bestbuy.com"},
	}
	viable, _, _ := f.FilterViable(context.Background(), products, models.Requirements{}, "laptop", 1)

	if len(viable) != 2 {
		t.Fatalf("expected each vendor to keep its own 1-product allotment, got %d: %+v", len(viable), viable)
	}
	var sawAmazon, sawBestbuy bool
	for _, e := range viable {
		switch e.Product.VendorDomain {
		case "amazon.com":
			sawAmazon = true
		case "bestbuy.com":
			sawBestbuy = true
		}
	}
	if !sawAmazon || !sawBestbuy {
		t.Errorf("expected bestbuy's sole product to survive alongside amazon's top product, got %+v", viable)
	}
}

func TestFilterViable_RejectionsAttributedToOwnVendorNotFirstProduct(t *testing.T) {
	dir := t.TempDir()
	tracker := rejection.NewTracker(dir + "/rejection_patterns.json")

	llm := &fakeViabilityLLM{response: `{"evaluations": [
		{"index": 1, "viable": false, "rejection_reason": "No dedicated GPU found"},
		{"index": 2, "viable": false, "rejection_reason": "No dedicated GPU found"}
	], "summary": "two rejected"}`}
	f := NewFilter(llm, tracker, nil)

	products := []models.VerifiedProduct{
		{Title: "A", URL: "https://amazon.com/a", VendorDomain: "amazon.com"},
		{Title: "B", URL: "https://bestbuy.com/b", VendorDomain: "bestbuy.com"},
	}
	f.FilterViable(context.Background(), products, models.Requirements{}, "gaming laptop", 4)

	amazonStats := tracker.GetVendorStats("amazon.com", "")
	bestbuyStats := tracker.GetVendorStats("bestbuy.com", "")
	if amazonStats.TotalRejections != 1 {
		t.Errorf("expected amazon's own rejection recorded under amazon.com, got %+v", amazonStats)
	}
	if bestbuyStats.TotalRejections != 1 {
		t.Errorf("expected bestbuy's own rejection recorded under bestbuy.com, not attributed to products[0], got %+v", bestbuyStats)
	}
}

func TestFilterViable_EmptyProductsShortCircuits(t *testing.T) {
	f := NewFilter(&fakeViabilityLLM{}, nil, nil)
	viable, rejected, stats := f.FilterViable(context.Background(), nil, models.Requirements{}, "laptop", 4)
	if viable != nil || rejected != nil || stats.TotalInput != 0 {
		t.Errorf("expected an empty result for no products, got viable=%+v rejected=%+v stats=%+v", viable, rejected, stats)
	}
}

func TestFilterViable_RecordsRejectionsInTracker(t *testing.T) {
	dir := t.TempDir()
	tracker := rejection.NewTracker(dir + "/rejection_patterns.json")

	llm := &fakeViabilityLLM{response: `{"evaluations": [
		{"index": 1, "viable": false, "rejection_reason": "No dedicated GPU found"}
	], "summary": "one rejected"}`}
	f := NewFilter(llm, tracker, nil)

	products := []models.VerifiedProduct{product("Office Laptop", "https://example.com/office", 400)}
	f.FilterViable(context.Background(), products, models.Requirements{}, "gaming laptop", 4)

	stats := tracker.GetVendorStats("example.com", "")
	if stats.TotalRejections != 1 {
		t.Errorf("expected the rejection recorded in the tracker, got %+v", stats)
	}
}
