package extraction

import (
	"net/url"
	"strings"
)

const (
	similarityThreshold   = 0.40
	contextSimilarityDiscount = 0.90
	visionOnlyPenalty     = 0.70
	minTokenLength        = 3
)

// VendorDomain returns rawURL's host, lowercased and stripped of a leading
// "www.", or "unknown" if rawURL doesn't parse. §8 requires every
// FusedProduct's VendorDomain to match the host of its own URL, not the
// domain the caller happened to be driving a search against - one search
// hop's result links can span many different retailer domains.
func VendorDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// FuseProducts matches each VisualProduct against the best HTMLCandidate by
// combined title/context similarity, accepting a match only above
// similarityThreshold. Matched candidates are consumed so no URL is reused
// across products. Unmatched vision products become vision_only, anchored
// to pageURL with a confidence penalty. Each FusedProduct's VendorDomain is
// derived from its own URL, never a single caller-supplied domain.
func FuseProducts(visual []VisualProduct, candidates []HTMLCandidate, pageURL string) []FusedProduct {
	used := make(map[int]bool)
	var fused []FusedProduct
	pageVendor := VendorDomain(pageURL)

	for _, vp := range visual {
		bestIdx := -1
		bestScore := 0.0

		for i, hc := range candidates {
			if used[i] {
				continue
			}
			score := titleSimilarity(vp.Title, hc.LinkText, hc.Context)
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}

		if bestIdx >= 0 && bestScore >= similarityThreshold {
			used[bestIdx] = true
			hc := candidates[bestIdx]
			fused = append(fused, FusedProduct{
				Title:            preferLonger(vp.Title, hc.LinkText),
				PriceRaw:         vp.PriceRaw,
				PriceNumeric:     vp.PriceNumeric,
				URL:              hc.URL,
				VendorDomain:     VendorDomain(hc.URL),
				Confidence:       combineConfidence(vp.Confidence, hc.Confidence),
				ExtractionMethod: MethodFusion,
				VisionVerified:   true,
				URLSource:        hc.Source,
				MatchScore:       bestScore,
			})
			continue
		}

		fused = append(fused, FusedProduct{
			Title:            vp.Title,
			PriceRaw:         vp.PriceRaw,
			PriceNumeric:     vp.PriceNumeric,
			URL:              pageURL,
			VendorDomain:     pageVendor,
			Confidence:       vp.Confidence * visionOnlyPenalty,
			ExtractionMethod: MethodVisionOnly,
			VisionVerified:   true,
			MatchScore:       bestScore,
		})
	}

	for i, hc := range candidates {
		if used[i] {
			continue
		}
		fused = append(fused, FusedProduct{
			Title:            hc.LinkText,
			URL:              hc.URL,
			VendorDomain:     VendorDomain(hc.URL),
			Confidence:       hc.Confidence,
			ExtractionMethod: MethodHTMLOnly,
			URLSource:        hc.Source,
		})
	}

	return fused
}

// titleSimilarity is the max of three signals: LCS-ratio on normalized
// titles, token-level Jaccard, and a discounted context-text comparison.
func titleSimilarity(visualTitle, candidateTitle, candidateContext string) float64 {
	normVisual := normalizeText(visualTitle)
	normCandidate := normalizeText(candidateTitle)

	lcsScore := lcsRatio(normVisual, normCandidate)
	jaccardScore := jaccardSimilarity(tokensOf(normVisual), tokensOf(normCandidate))
	contextScore := lcsRatio(normVisual, normalizeText(candidateContext)) * contextSimilarityDiscount

	best := lcsScore
	if jaccardScore > best {
		best = jaccardScore
	}
	if contextScore > best {
		best = contextScore
	}
	return best
}

// lcsRatio is the longest-common-subsequence length divided by the longer
// string's length, 0 when either string is empty.
func lcsRatio(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	length := lcsLength(a, b)
	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	return float64(length) / float64(longer)
}

func lcsLength(a, b string) int {
	rows, cols := len(a)+1, len(b)+1
	dp := make([][]int, rows)
	for i := range dp {
		dp[i] = make([]int, cols)
	}
	for i := 1; i < rows; i++ {
		for j := 1; j < cols; j++ {
			if a[i-1] == b[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else if dp[i-1][j] >= dp[i][j-1] {
				dp[i][j] = dp[i-1][j]
			} else {
				dp[i][j] = dp[i][j-1]
			}
		}
	}
	return dp[rows-1][cols-1]
}

func tokensOf(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		if len(tok) >= minTokenLength {
			tokens[tok] = true
		}
	}
	return tokens
}

func jaccardSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if b[tok] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func combineConfidence(visionConf, htmlConf float64) float64 {
	combined := (visionConf + htmlConf) / 2
	if combined > 1 {
		return 1
	}
	return combined
}

func preferLonger(a, b string) string {
	if len(strings.TrimSpace(a)) >= len(strings.TrimSpace(b)) {
		return a
	}
	return b
}
