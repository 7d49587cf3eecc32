package prioritize

import (
	"testing"

	"researchcore/internal/extraction"
	"researchcore/internal/models"
)

func TestPrioritize_SafeRejectsWrongCategory(t *testing.T) {
	candidates := []extraction.FusedProduct{
		{Title: "Chromebook 14 Celeron", URL: "https://example.com/product/chromebook-14"},
		{Title: "Gaming Laptop RTX 4090", URL: "https://example.com/product/gaming-laptop"},
	}
	requirements := models.Requirements{HardRequirements: []string{"laptop with NVIDIA GPU"}}

	result := Prioritize(candidates, requirements, "gaming laptop", 5)

	if len(result.Rejected) != 1 {
		t.Fatalf("expected 1 rejection, got %d: %+v", len(result.Rejected), result.Rejected)
	}
	if result.Rejected[0].Product.Title != "Chromebook 14 Celeron" {
		t.Errorf("expected the chromebook to be rejected, got %q", result.Rejected[0].Product.Title)
	}
	if len(result.Prioritized) != 1 {
		t.Fatalf("expected 1 candidate to survive prioritization, got %d", len(result.Prioritized))
	}
}

func TestPrioritize_RejectsIntegratedOnlyGPU(t *testing.T) {
	candidates := []extraction.FusedProduct{
		{Title: "Ultrabook with Intel UHD Graphics", URL: "https://example.com/product/ultrabook"},
	}
	requirements := models.Requirements{HardRequirements: []string{"NVIDIA RTX GPU"}}

	result := Prioritize(candidates, requirements, "laptop", 5)
	if len(result.Rejected) != 1 {
		t.Fatalf("expected integrated-graphics-only candidate to be rejected, got %+v", result.Prioritized)
	}
}

func TestPrioritize_DoesNotRejectWhenGPUMentionedInTitle(t *testing.T) {
	candidates := []extraction.FusedProduct{
		{Title: "Laptop with NVIDIA RTX 4060 and Intel UHD Graphics display", URL: "https://example.com/product/x"},
	}
	requirements := models.Requirements{HardRequirements: []string{"NVIDIA GPU"}}

	result := Prioritize(candidates, requirements, "laptop", 5)
	if len(result.Rejected) != 0 {
		t.Errorf("expected no rejection once an NVIDIA marker is present, got %+v", result.Rejected)
	}
}

func TestPrioritize_ScoresAndTiersByOverlap(t *testing.T) {
	candidates := []extraction.FusedProduct{
		{Title: "Gaming Laptop RTX 4090 32GB RAM", URL: "https://example.com/product/a"},
		{Title: "Office Desk Lamp", URL: "https://example.com/product/b"},
	}
	requirements := models.Requirements{
		HardRequirements: []string{"NVIDIA RTX GPU"},
		NiceToHaves:      []string{"32GB RAM"},
	}

	result := Prioritize(candidates, requirements, "gaming laptop", 5)
	if len(result.Prioritized) != 2 {
		t.Fatalf("expected both non-rejected candidates scored, got %d", len(result.Prioritized))
	}
	if result.Prioritized[0].Product.Title != "Gaming Laptop RTX 4090 32GB RAM" {
		t.Errorf("expected the high-overlap candidate to sort first, got %+v", result.Prioritized)
	}
	if result.Prioritized[0].Tier != TierHigh {
		t.Errorf("expected high tier for strong overlap, got %q", result.Prioritized[0].Tier)
	}
}

func TestPrioritize_CapsAtTwiceMaxToVerify(t *testing.T) {
	var candidates []extraction.FusedProduct
	for i := 0; i < 10; i++ {
		candidates = append(candidates, extraction.FusedProduct{Title: "Product", URL: "https://example.com/product/x"})
	}
	result := Prioritize(candidates, models.Requirements{}, "product", 2)
	if len(result.Prioritized) != 4 {
		t.Errorf("expected prioritized list capped at 2*maxToVerify=4, got %d", len(result.Prioritized))
	}
}

func TestPrioritize_NoRequirementsScoresNeutralAndSurvives(t *testing.T) {
	candidates := []extraction.FusedProduct{{Title: "Anything At All", URL: "https://example.com/x"}}
	result := Prioritize(candidates, models.Requirements{}, "", 5)
	if len(result.Rejected) != 0 {
		t.Errorf("expected no rejections with no requirements, got %+v", result.Rejected)
	}
	if len(result.Prioritized) != 1 {
		t.Fatalf("expected the candidate to survive scoring, got %d", len(result.Prioritized))
	}
}
