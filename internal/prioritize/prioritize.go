// Package prioritize implements C12: scoring and safe-rejecting extracted
// candidates against a Requirements object before the expensive PDP
// verification pass, so obviously-wrong candidates never reach C14.
package prioritize

import (
	"sort"
	"strings"

	"researchcore/internal/extraction"
	"researchcore/internal/models"
)

// Tier buckets a scored candidate for display and for deciding verification
// order within a tier.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

const (
	highTierThreshold   = 0.60
	mediumTierThreshold = 0.30
)

// ScoredCandidate pairs a fused product with its priority score and tier.
type ScoredCandidate struct {
	Product extraction.FusedProduct
	Score   float64
	Tier    Tier
	Signals []string
}

// RejectedCandidate is a candidate safely dropped before scoring, with the
// free-text reason that will be categorized by C16.
type RejectedCandidate struct {
	Product          extraction.FusedProduct
	RejectionReason string
}

// Result is the output of Prioritize: a sorted, capped list ready for
// verification, plus everything that was safely rejected.
type Result struct {
	Prioritized []ScoredCandidate
	Rejected    []RejectedCandidate
	Stats       Stats
}

type Stats struct {
	TotalCandidates int
	Rejected        int
	High            int
	Medium          int
	Low             int
}

// gpuRequirementMarkers flags a hard requirement as demanding a discrete
// NVIDIA GPU, which licenses the wrong-category safe-reject rules below.
var gpuRequirementMarkers = []string{"nvidia", "rtx", "gtx", "geforce", "discrete gpu", "dedicated gpu", "graphics card"}

// nonDiscreteGPUCategoryMarkers name device classes that never carry a
// discrete NVIDIA GPU, regardless of title wording.
var nonDiscreteGPUCategoryMarkers = []string{"chromebook", "macbook", "ipad", "tablet", "chromebox"}

// integratedOnlyGPUMarkers name known integrated-graphics strings. A title
// bearing one of these with no NVIDIA marker is definitely integrated-only.
var integratedOnlyGPUMarkers = []string{
	"intel uhd graphics",
	"intel iris",
	"intel integrated graphics",
	"amd radeon graphics",
	"apple m1",
	"apple m2",
	"apple m3",
	"apple m4",
}

var nvidiaMarkers = []string{"nvidia", "rtx", "gtx", "geforce"}

// Prioritize safe-rejects definitively-wrong candidates, scores the rest
// against requirements and query, tiers them, and returns a sorted list
// capped at 2*maxToVerify plus the rejected list with reasons.
func Prioritize(candidates []extraction.FusedProduct, requirements models.Requirements, query string, maxToVerify int) Result {
	result := Result{Stats: Stats{TotalCandidates: len(candidates)}}

	requiresDiscreteGPU := requirementsContainAny(requirements.HardRequirements, gpuRequirementMarkers)

	var scored []ScoredCandidate
	for _, c := range candidates {
		if requiresDiscreteGPU {
			if reason, reject := safeRejectWrongCategory(c); reject {
				result.Rejected = append(result.Rejected, RejectedCandidate{Product: c, RejectionReason: reason})
				result.Stats.Rejected++
				continue
			}
		}

		score, signals := scoreCandidate(c, requirements, query)
		tier := tierFor(score)
		scored = append(scored, ScoredCandidate{Product: c, Score: score, Tier: tier, Signals: signals})

		switch tier {
		case TierHigh:
			result.Stats.High++
		case TierMedium:
			result.Stats.Medium++
		default:
			result.Stats.Low++
		}
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	limit := 2 * maxToVerify
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}

	result.Prioritized = scored
	return result
}

// safeRejectWrongCategory flags candidates whose title makes clear they
// cannot carry the discrete NVIDIA GPU a hard requirement demands.
func safeRejectWrongCategory(c extraction.FusedProduct) (string, bool) {
	haystack := strings.ToLower(c.Title + " " + c.URL)

	for _, marker := range nonDiscreteGPUCategoryMarkers {
		if strings.Contains(haystack, marker) {
			return "wrong category: " + marker + " does not carry a discrete NVIDIA GPU", true
		}
	}

	for _, marker := range integratedOnlyGPUMarkers {
		if strings.Contains(haystack, marker) && !containsAny(haystack, nvidiaMarkers) {
			return "missing NVIDIA GPU: title indicates integrated graphics only (" + marker + ")", true
		}
	}

	return "", false
}

// scoreCandidate scores title/URL overlap with the query and requirements.
// Hard requirements count double a nice-to-have or bare query token.
func scoreCandidate(c extraction.FusedProduct, requirements models.Requirements, query string) (float64, []string) {
	haystack := strings.ToLower(c.Title + " " + c.URL)

	var signals []string
	var earned, possible float64

	for _, tok := range tokenize(query) {
		possible++
		if strings.Contains(haystack, tok) {
			earned++
			signals = append(signals, "query:"+tok)
		}
	}

	for _, req := range requirements.HardRequirements {
		for _, tok := range tokenize(req) {
			possible += 2
			if strings.Contains(haystack, tok) {
				earned += 2
				signals = append(signals, "hard:"+tok)
			}
		}
	}

	for _, nice := range requirements.NiceToHaves {
		for _, tok := range tokenize(nice) {
			possible++
			if strings.Contains(haystack, tok) {
				earned++
				signals = append(signals, "nice:"+tok)
			}
		}
	}

	for _, brand := range requirements.RecommendedBrands {
		possible++
		if strings.Contains(haystack, strings.ToLower(brand)) {
			earned++
			signals = append(signals, "brand:"+brand)
		}
	}

	if possible == 0 {
		return 0.5, signals
	}
	score := earned / possible
	if score > 1 {
		score = 1
	}
	return score, signals
}

func tierFor(score float64) Tier {
	switch {
	case score >= highTierThreshold:
		return TierHigh
	case score >= mediumTierThreshold:
		return TierMedium
	default:
		return TierLow
	}
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?\"'()")
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

func requirementsContainAny(requirements []string, markers []string) bool {
	for _, req := range requirements {
		if containsAny(strings.ToLower(req), markers) {
			return true
		}
	}
	return false
}

func containsAny(haystack string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}
