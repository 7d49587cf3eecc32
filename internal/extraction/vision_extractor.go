package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"researchcore/internal/logging"
	"researchcore/internal/perception"
)

const (
	defaultYThreshold = 80.0
	maxOCRGroups      = 25
)

// noResultsPhrases trigger an immediate empty return before any LLM call is
// spent on a page that plainly has nothing to extract.
var noResultsPhrases = []string{
	"we found 0 items",
	"no matching products",
	"no results found",
	"0 results for",
	"we couldn't find any",
}

// sponsoredTitleDenylist filters LLM-proposed products that are really ad
// placements or unrelated recirculation modules.
var sponsoredTitleDenylist = []string{
	"sponsored",
	"featured partner",
	"customers also viewed",
	"customers also bought",
	"related searches",
}

var priceNumericPattern = regexp.MustCompile(`[\d,]+\.?\d*`)

// VisionExtractor is C10: OCR a screenshot, group the recognized text
// spatially, and ask the LLM to turn each group into candidate products.
type VisionExtractor struct {
	ocr OCREngine
	llm perception.LLMClient

	YThreshold float64
	MaxGroups  int
}

func NewVisionExtractor(ocr OCREngine, llm perception.LLMClient) *VisionExtractor {
	return &VisionExtractor{
		ocr:        ocr,
		llm:        llm,
		YThreshold: defaultYThreshold,
		MaxGroups:  maxOCRGroups,
	}
}

// Extract runs the full vision pipeline for one screenshot against query.
func (v *VisionExtractor) Extract(ctx context.Context, screenshotPath, query string) ([]VisualProduct, error) {
	items, err := v.ocr.RecognizeImage(ctx, screenshotPath)
	if err != nil {
		return nil, fmt.Errorf("extraction: OCR failed: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	if phrase, found := detectNoResults(items); found {
		logging.Extraction("vision: no-results guard matched %q, returning empty", phrase)
		return nil, nil
	}

	groups := groupItemsSpatially(items, v.YThreshold, v.MaxGroups)

	var products []VisualProduct
	for _, group := range groups {
		groupProducts, err := v.extractGroupProducts(ctx, group, query)
		if err != nil {
			logging.ExtractionWarn("vision: group extraction failed: %v", err)
			continue
		}
		products = append(products, groupProducts...)
	}

	return filterSponsoredVisualProducts(products), nil
}

func detectNoResults(items []OCRItem) (string, bool) {
	var sb strings.Builder
	for _, it := range items {
		sb.WriteString(strings.ToLower(it.Text))
		sb.WriteString(" ")
	}
	combined := sb.String()
	for _, phrase := range noResultsPhrases {
		if strings.Contains(combined, phrase) {
			return phrase, true
		}
	}
	return "", false
}

// groupItemsSpatially sorts items top-to-bottom and starts a new group
// whenever the vertical gap to the previous item exceeds yThreshold.
func groupItemsSpatially(items []OCRItem, yThreshold float64, maxGroups int) [][]OCRItem {
	sorted := make([]OCRItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].centerY() < sorted[j].centerY() })

	var groups [][]OCRItem
	var current []OCRItem
	var lastY float64

	for i, item := range sorted {
		if i == 0 {
			current = []OCRItem{item}
			lastY = item.centerY()
			continue
		}
		if item.centerY()-lastY >= yThreshold {
			groups = append(groups, current)
			current = nil
		}
		current = append(current, item)
		lastY = item.centerY()
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}

	if len(groups) > maxGroups {
		groups = groups[:maxGroups]
	}
	return groups
}

type llmVisualProduct struct {
	Title        string  `json:"title"`
	Price        string  `json:"price"`
	PriceNumeric float64 `json:"price_numeric"`
}

// extractGroupProducts sends one spatial group's raw text lines to the LLM
// and maps each returned product back onto the OCR item that anchors it.
func (v *VisionExtractor) extractGroupProducts(ctx context.Context, group []OCRItem, query string) ([]VisualProduct, error) {
	lines := make([]string, 0, len(group))
	for _, it := range group {
		lines = append(lines, it.Text)
	}
	groupText := strings.Join(lines, "\n")

	prompt := fmt.Sprintf(`The user is looking for: %q

Here are text lines OCR'd from one region of a shopping page screenshot:
%s

If this region describes one or more products, respond with a JSON array of objects: [{"title": "...", "price": "$...", "price_numeric": 0.0}]. If it describes no products, respond with [].`, query, groupText)

	raw, err := v.llm.CompleteWithSystem(ctx, visionSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var parsed []llmVisualProduct
	if err := parseJSONArrayLenient(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing vision group response: %w", err)
	}

	var out []VisualProduct
	for _, p := range parsed {
		if p.Title == "" {
			continue
		}
		anchor := bestAnchorForPrice(group, p.Price, p.Title)
		out = append(out, VisualProduct{
			Title:        p.Title,
			PriceRaw:     p.Price,
			PriceNumeric: priceNumericOrParse(p.Price, p.PriceNumeric),
			X:            anchor.X,
			Y:            anchor.Y,
			Width:        anchor.Width,
			Height:       anchor.Height,
			Confidence:   0.75,
			RawLines:     lines,
		})
	}
	return out, nil
}

// bestAnchorForPrice finds the OCR item in group whose text contains price;
// falls back to a title-token match, then the group's spatial center item.
func bestAnchorForPrice(group []OCRItem, price, title string) OCRItem {
	priceDigits := priceNumericPattern.FindString(price)
	if priceDigits != "" {
		for _, it := range group {
			if strings.Contains(it.Text, priceDigits) {
				return it
			}
		}
	}
	for _, tok := range strings.Fields(strings.ToLower(title)) {
		if len(tok) < 3 {
			continue
		}
		for _, it := range group {
			if strings.Contains(strings.ToLower(it.Text), tok) {
				return it
			}
		}
	}
	if len(group) == 0 {
		return OCRItem{}
	}
	return group[len(group)/2]
}

func priceNumericOrParse(priceRaw string, fallback float64) float64 {
	if fallback > 0 {
		return fallback
	}
	digits := strings.ReplaceAll(priceNumericPattern.FindString(priceRaw), ",", "")
	if digits == "" {
		return 0
	}
	f, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return 0
	}
	return f
}

func filterSponsoredVisualProducts(products []VisualProduct) []VisualProduct {
	out := make([]VisualProduct, 0, len(products))
	for _, p := range products {
		lower := strings.ToLower(p.Title)
		sponsored := false
		for _, s := range sponsoredTitleDenylist {
			if strings.Contains(lower, s) {
				sponsored = true
				break
			}
		}
		if !sponsored {
			out = append(out, p)
		}
	}
	return out
}

const visionSystemPrompt = "You are a product-extraction assistant reading OCR'd text from a shopping page screenshot. Respond with strict JSON only, no prose, no code fences."

// parseJSONArrayLenient strips code fences and locates the outermost
// "[...]" span before unmarshaling, with a partial-extraction fallback that
// salvages any well-formed leading objects if the array is truncated.
func parseJSONArrayLenient(raw string, v interface{}) error {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.Index(cleaned, "[")
	if start < 0 {
		return fmt.Errorf("no JSON array found in response")
	}
	end := strings.LastIndex(cleaned, "]")
	if end < start {
		return salvagePartialArray(cleaned[start+1:], v)
	}

	if err := json.Unmarshal([]byte(cleaned[start:end+1]), v); err == nil {
		return nil
	}

	return salvagePartialArray(cleaned[start+1:end], v)
}

// salvagePartialArray recovers whatever well-formed leading objects it can
// from a malformed/truncated array body, one `{...}` at a time.
func salvagePartialArray(body string, v interface{}) error {
	var objs []json.RawMessage
	depth := 0
	start := -1
	for i, r := range body {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				objs = append(objs, json.RawMessage(body[start:i+1]))
				start = -1
			}
		}
	}
	if len(objs) == 0 {
		return fmt.Errorf("no recoverable objects in malformed array")
	}
	reassembled, err := json.Marshal(objs)
	if err != nil {
		return err
	}
	return json.Unmarshal(reassembled, v)
}
