package verify

import (
	"testing"

	"researchcore/internal/extraction"
	"researchcore/internal/models"
)

func fusedProduct(title, priceRaw string, priceNumeric float64) extraction.FusedProduct {
	return extraction.FusedProduct{Title: title, PriceRaw: priceRaw, PriceNumeric: priceNumeric}
}

func TestIsValidProductURL(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"https://www.bestbuy.com/site/acer-nitro/6543210.p", true},
		{"https://www.amazon.com/dp/B08N5WRWNW", true},
		{"https://www.walmart.com/ip/12345678", true},
		{"https://www.example.com/", false},
		{"https://www.example.com/search", false},
		{"https://www.example.com/category/laptops", false},
		{"https://www.bestbuy.com/site/searchpage.jsp?st=laptop", false},
		{"https://www.google.com/sorry/index", false},
		{"https://aax-us-east.amazon.com/x/c/adredirect", false},
		{"https://www.example.com/a-very-long-product-slug-name", true},
		{"", false},
	}
	for _, c := range cases {
		if got := isValidProductURL(c.url); got != c.want {
			t.Errorf("isValidProductURL(%q) = %v, want %v", c.url, got, c.want)
		}
	}
}

func TestGenerateSearchPatterns_ProgressivelyShorter(t *testing.T) {
	patterns := generateSearchPatterns("Acer Nitro V 16S Gaming Laptop RTX 4060 16GB")
	if len(patterns) == 0 {
		t.Fatal("expected at least one search pattern")
	}
	if patterns[0] != "Acer Nitro V 16S Gaming" {
		t.Errorf("expected most specific pattern first, got %q", patterns[0])
	}
	found := false
	for _, p := range patterns {
		if p == "Acer" {
			found = true
		}
	}
	if !found {
		t.Error("expected brand name as a fallback pattern")
	}
}

func TestGenerateSearchPatterns_EmptyTitle(t *testing.T) {
	if patterns := generateSearchPatterns(""); patterns != nil {
		t.Errorf("expected nil patterns for empty title, got %v", patterns)
	}
}

func TestQuickViabilityCheck_RejectsIntegratedGraphicsWhenNvidiaWanted(t *testing.T) {
	product := models.VerifiedProduct{Title: "Dell Inspiron 15 Intel UHD Graphics"}
	requirements := models.Requirements{HardRequirements: []string{"NVIDIA RTX GPU"}}
	if quickViabilityCheck(product, requirements, "gaming laptop") {
		t.Error("expected integrated-graphics-only product rejected when NVIDIA is required")
	}
}

func TestQuickViabilityCheck_AcceptsNvidiaMatch(t *testing.T) {
	product := models.VerifiedProduct{Title: "Acer Nitro 5 RTX 4060", Price: 999}
	requirements := models.Requirements{HardRequirements: []string{"NVIDIA RTX GPU"}, PriceRange: models.PriceRange{Max: 1200}}
	if !quickViabilityCheck(product, requirements, "gaming laptop") {
		t.Error("expected a matching NVIDIA product to pass the quick check")
	}
}

func TestQuickViabilityCheck_RejectsOverBudget(t *testing.T) {
	product := models.VerifiedProduct{Title: "Generic Laptop", Price: 2000}
	requirements := models.Requirements{PriceRange: models.PriceRange{Max: 1000}}
	if quickViabilityCheck(product, requirements, "budget laptop") {
		t.Error("expected over-budget product rejected")
	}
}

func TestShouldContinueVerification(t *testing.T) {
	if cont, _ := shouldContinueVerification(4, 4, 10, 4); cont {
		t.Error("expected verification to stop once target viable count reached")
	}
	if cont, _ := shouldContinueVerification(1, 3, 0, 4); cont {
		t.Error("expected verification to stop once candidates are exhausted")
	}
	if cont, _ := shouldContinueVerification(1, 3, 5, 4); !cont {
		t.Error("expected verification to continue while below target with candidates remaining")
	}
}

func TestIsSamePage(t *testing.T) {
	if !isSamePage("https://example.com/listing/", "https://example.com/listing") {
		t.Error("expected trailing-slash URLs to be treated as the same page")
	}
	if isSamePage("https://example.com/listing", "https://example.com/product/123") {
		t.Error("expected distinct paths to not be treated as the same page")
	}
}

func TestCreateUnverifiedProduct(t *testing.T) {
	candidate := fusedProduct("Acer Nitro 5 Gaming Laptop", "$899.99", 0)
	product := createUnverifiedProduct(candidate, "https://example.com/search?q=laptop")
	if product == nil {
		t.Fatal("expected an unverified product")
	}
	if product.Price != 899.99 {
		t.Errorf("expected price parsed from raw price string, got %v", product.Price)
	}
	if product.VerificationMethod != models.VerificationUnverified {
		t.Errorf("expected unverified verification method, got %v", product.VerificationMethod)
	}
}

func TestCreateUnverifiedProduct_RejectsEmptyTitle(t *testing.T) {
	candidate := fusedProduct("", "", 0)
	if product := createUnverifiedProduct(candidate, "https://example.com"); product != nil {
		t.Error("expected no unverified product for an empty title")
	}
}

func TestNewVerifier_DefaultsMaxClickResolves(t *testing.T) {
	v := NewVerifier(nil, nil, "", 6, true, 0)
	if v.maxClickResolves != 3 {
		t.Errorf("expected default maxClickResolves=3, got %d", v.maxClickResolves)
	}
	if !v.enableClickResolve {
		t.Error("expected enableClickResolve to carry through unchanged")
	}
}

func TestClickResolveConfidenceBoost(t *testing.T) {
	if got := clickResolveConfidenceBoost(0.5); got < 0.649 || got > 0.651 {
		t.Errorf("expected 0.5 boosted to ~0.65, got %v", got)
	}
	if got := clickResolveConfidenceBoost(0.9); got != 0.95 {
		t.Errorf("expected boost to cap at 0.95, got %v", got)
	}
}
