package extraction

import (
	"context"
	"testing"
)

type fakeOCR struct {
	items []OCRItem
	err   error
}

func (f *fakeOCR) RecognizeImage(ctx context.Context, imagePath string) ([]OCRItem, error) {
	return f.items, f.err
}

type fakeVisionLLM struct {
	response string
}

func (f *fakeVisionLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return f.response, nil
}

func (f *fakeVisionLLM) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f.response, nil
}

func TestDetectNoResults(t *testing.T) {
	items := []OCRItem{{Text: "We found 0 items matching your search"}}
	if _, found := detectNoResults(items); !found {
		t.Error("expected no-results phrase to be detected")
	}

	clean := []OCRItem{{Text: "Gaming Laptop"}, {Text: "$1999.99"}}
	if _, found := detectNoResults(clean); found {
		t.Error("expected no false positive on normal product text")
	}
}

func TestGroupItemsSpatially_SplitsOnVerticalGap(t *testing.T) {
	items := []OCRItem{
		{Text: "Product A", Y: 0, Height: 10},
		{Text: "$19.99", Y: 15, Height: 10},
		{Text: "Product B", Y: 200, Height: 10},
		{Text: "$29.99", Y: 215, Height: 10},
	}
	groups := groupItemsSpatially(items, 80, 25)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if len(groups[0]) != 2 || len(groups[1]) != 2 {
		t.Errorf("expected 2 items per group, got %v", groups)
	}
}

func TestGroupItemsSpatially_CapsAtMaxGroups(t *testing.T) {
	var items []OCRItem
	for i := 0; i < 30; i++ {
		items = append(items, OCRItem{Text: "x", Y: float64(i * 100)})
	}
	groups := groupItemsSpatially(items, 50, 25)
	if len(groups) != 25 {
		t.Errorf("expected groups capped at 25, got %d", len(groups))
	}
}

func TestVisionExtractor_ExtractParsesGroupResponse(t *testing.T) {
	ocr := &fakeOCR{items: []OCRItem{
		{Text: "Gaming Laptop", Y: 0, Height: 10},
		{Text: "$1999.99", Y: 15, Height: 10},
	}}
	llm := &fakeVisionLLM{response: `[{"title": "Gaming Laptop", "price": "$1999.99", "price_numeric": 1999.99}]`}

	v := NewVisionExtractor(ocr, llm)
	products, err := v.Extract(context.Background(), "/tmp/screenshot.png", "gaming laptop")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(products) != 1 {
		t.Fatalf("expected 1 product, got %d", len(products))
	}
	if products[0].PriceNumeric != 1999.99 {
		t.Errorf("got price_numeric=%v", products[0].PriceNumeric)
	}
}

func TestVisionExtractor_NoResultsGuardShortCircuits(t *testing.T) {
	ocr := &fakeOCR{items: []OCRItem{{Text: "no matching products found"}}}
	llm := &fakeVisionLLM{response: `[{"title": "should not appear"}]`}

	v := NewVisionExtractor(ocr, llm)
	products, err := v.Extract(context.Background(), "/tmp/screenshot.png", "query")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(products) != 0 {
		t.Errorf("expected no-results guard to short-circuit before any LLM call, got %+v", products)
	}
}

func TestFilterSponsoredVisualProducts(t *testing.T) {
	products := []VisualProduct{
		{Title: "Gaming Laptop"},
		{Title: "Sponsored: Other Brand Laptop"},
		{Title: "Customers also viewed"},
	}
	filtered := filterSponsoredVisualProducts(products)
	if len(filtered) != 1 || filtered[0].Title != "Gaming Laptop" {
		t.Errorf("expected only the non-sponsored product to remain, got %+v", filtered)
	}
}

func TestParseJSONArrayLenient_SalvagesTruncatedArray(t *testing.T) {
	raw := `[{"title": "A", "price": "$1"}, {"title": "B", "price": "$2"}, {"title": "C"` // truncated
	var out []llmVisualProduct
	if err := parseJSONArrayLenient(raw, &out); err != nil {
		t.Fatalf("expected salvage to recover complete objects: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 recovered objects, got %d: %+v", len(out), out)
	}
}
