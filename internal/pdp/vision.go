package pdp

import (
	"context"
	"math"
	"os"
	"regexp"
	"strings"

	"github.com/go-rod/rod"

	"researchcore/internal/extraction"
	"researchcore/internal/logging"
	"researchcore/internal/models"
)

var pricePattern = regexp.MustCompile(`\$[\d,]+\.?\d{0,2}`)

// extractVision is the last rung of the ladder: screenshot, OCR, and
// spatially relate the recognized text to find a cart anchor, the price
// nearest it, and a title above the price.
func (e *Extractor) extractVision(ctx context.Context, page *rod.Page, domain string) *models.PDPData {
	if e.ocr == nil {
		return nil
	}

	imagePath, err := screenshotToTempFile(ctx, page)
	if err != nil {
		logging.ExtractionWarn("pdp: vision screenshot failed: %v", err)
		return nil
	}
	defer os.Remove(imagePath)

	items, err := e.ocr.RecognizeImage(ctx, imagePath)
	if err != nil || len(items) == 0 {
		return nil
	}

	if text, found := findContactPricing(items); found {
		return &models.PDPData{
			Title:            text,
			StockStatus:      "contact_for_availability",
			ExtractionSource: models.SourceVision,
			Confidence:       confidenceVisionLow,
		}
	}

	minPrice := 1.0
	if sel, ok := knownSiteSelectors[domain]; ok {
		minPrice = sel.MinPrice
	}

	cart := findCartButton(items)
	prices := findPrices(items)
	if len(prices) == 0 {
		return nil
	}

	var chosenValue float64
	var chosenAnchor extraction.OCRItem
	confidence := confidenceVisionLow
	if cart != nil {
		chosenValue, chosenAnchor = findClosestPrice(prices, *cart)
		confidence = confidenceVisionHigh
	} else {
		chosenValue, chosenAnchor = findMostProminentPrice(prices)
	}

	if chosenValue < minPrice {
		if promoted, ok := promoteAboveMinimum(prices, minPrice); ok {
			chosenValue = promoted.value
			chosenAnchor = promoted.item
		} else {
			return nil
		}
	}

	title := findTitle(items, chosenAnchor)

	return &models.PDPData{
		Price:            chosenValue,
		Title:            title,
		InStock:          true,
		StockStatus:      "in_stock",
		ExtractionSource: models.SourceVision,
		Confidence:       confidence,
	}
}

func screenshotToTempFile(ctx context.Context, page *rod.Page) (string, error) {
	data, err := page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "pdp-screenshot-*.png")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func findCartButton(items []extraction.OCRItem) *extraction.OCRItem {
	for i, it := range items {
		lower := strings.ToLower(it.Text)
		for _, p := range cartButtonPatterns {
			if strings.Contains(lower, p) {
				return &items[i]
			}
		}
	}
	return nil
}

type pricedItem struct {
	value float64
	item  extraction.OCRItem
}

func findPrices(items []extraction.OCRItem) []pricedItem {
	var out []pricedItem
	for _, it := range items {
		match := pricePattern.FindString(it.Text)
		if match == "" {
			continue
		}
		if v, ok := parsePrice(match); ok {
			out = append(out, pricedItem{value: v, item: it})
		}
	}
	return out
}

func findClosestPrice(prices []pricedItem, cart extraction.OCRItem) (float64, extraction.OCRItem) {
	best := prices[0]
	bestDist := distance(prices[0].item, cart)
	for _, p := range prices[1:] {
		d := distance(p.item, cart)
		if d < bestDist {
			best = p
			bestDist = d
		}
	}
	return best.value, best.item
}

func distance(a, b extraction.OCRItem) float64 {
	dx := (a.X + a.Width/2) - (b.X + b.Width/2)
	dy := (a.Y + a.Height/2) - (b.Y + b.Height/2)
	return math.Hypot(dx, dy)
}

// findMostProminentPrice picks the largest (by bounding-box area) price
// element when no cart anchor was found to disambiguate among several.
func findMostProminentPrice(prices []pricedItem) (float64, extraction.OCRItem) {
	best := prices[0]
	bestArea := prices[0].item.Width * prices[0].item.Height
	for _, p := range prices[1:] {
		area := p.item.Width * p.item.Height
		if area > bestArea {
			best = p
			bestArea = area
		}
	}
	return best.value, best.item
}

func promoteAboveMinimum(prices []pricedItem, minPrice float64) (pricedItem, bool) {
	var best *pricedItem
	for i, p := range prices {
		if p.value >= minPrice && (best == nil || p.value < best.value) {
			best = &prices[i]
		}
	}
	if best == nil {
		return pricedItem{}, false
	}
	return *best, true
}

// findTitle picks the largest, highest, longest-text item above the chosen
// price anchor that isn't itself a price or a cart/nav chrome phrase. Falls
// back to candidates anywhere in the page's upper portion if nothing
// qualifies strictly above the anchor.
func findTitle(items []extraction.OCRItem, anchor extraction.OCRItem) string {
	aboveAnchor := titleCandidates(items, func(it extraction.OCRItem) bool { return it.Y < anchor.Y })
	if best, ok := bestTitleCandidate(aboveAnchor); ok {
		return best
	}

	upperPage := titleCandidates(items, func(it extraction.OCRItem) bool { return it.Y < 500 })
	if best, ok := bestTitleCandidate(upperPage); ok {
		return best
	}
	return ""
}

func titleCandidates(items []extraction.OCRItem, positionFilter func(extraction.OCRItem) bool) []extraction.OCRItem {
	var out []extraction.OCRItem
	for _, it := range items {
		text := strings.TrimSpace(it.Text)
		if len(text) <= 10 || len(text) >= 200 {
			continue
		}
		if !positionFilter(it) {
			continue
		}
		if pricePattern.MatchString(text) {
			continue
		}
		lower := strings.ToLower(text)
		if containsAny(lower, cartButtonPatterns) || containsAny(lower, navigationChromeTerms) {
			continue
		}
		out = append(out, it)
	}
	return out
}

func bestTitleCandidate(candidates []extraction.OCRItem) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	bestScore := titleScore(best)
	for _, c := range candidates[1:] {
		if s := titleScore(c); s > bestScore {
			best = c
			bestScore = s
		}
	}
	return strings.TrimSpace(best.Text), true
}

func titleScore(it extraction.OCRItem) float64 {
	area := it.Width * it.Height / 50
	position := 500 - it.Y
	length := len(it.Text)
	if length > 80 {
		length = 80
	}
	return area + position + float64(length)
}

func findContactPricing(items []extraction.OCRItem) (string, bool) {
	for _, it := range items {
		lower := strings.ToLower(it.Text)
		for _, p := range contactPricePatterns {
			if strings.Contains(lower, p) {
				return it.Text, true
			}
		}
	}
	return "", false
}

func containsAny(haystack string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}
