// Package pdp implements C13: extraction of verified product data from a
// single product-detail-page visit, via a strict extraction ladder
// (JSON-LD, known-site selectors, LLM-calibrated selectors, vision).
package pdp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-rod/rod"

	"researchcore/internal/extraction"
	"researchcore/internal/logging"
	"researchcore/internal/models"
	"researchcore/internal/perception"
	"researchcore/internal/recipe"
)

const (
	confidenceJSONLD           = 0.95
	confidenceKnownSelectors   = 0.95
	confidenceCalibrated       = 0.90
	confidenceVisionHigh       = 0.85
	confidenceVisionLow        = 0.70
	smartWaitBudget            = 10 * time.Second
	perSelectorWaitTimeout     = 2 * time.Second
)

// Extractor is C13. ocr and llm are shared with C10's vision pipeline and
// C7's calibration, not reinstantiated per extractor.
type Extractor struct {
	llm     perception.LLMClient
	ocr     extraction.OCREngine
	schemas *schemaStore
	recipes *recipe.Store
}

// NewExtractor builds an Extractor. schemaPath may be empty, in which case
// calibrated selectors are cached in-memory only for the process lifetime.
// recipes may be nil, in which case the built-in calibrationSystemPrompt is
// always used.
func NewExtractor(llm perception.LLMClient, ocr extraction.OCREngine, schemaPath string, recipes *recipe.Store) (*Extractor, error) {
	store, err := newSchemaStore(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("pdp: opening schema store: %w", err)
	}
	return &Extractor{llm: llm, ocr: ocr, schemas: store, recipes: recipes}, nil
}

// Extract runs the full PDP extraction ladder against page, assumed to
// already be navigated to pdpURL. goal is the user's search intent, used
// to decide whether an LLM specs call is warranted. Returns nil, nil if
// every strategy in the ladder fails; a contact-for-pricing page found by the
// vision rung is returned with a zero Price.
func (e *Extractor) Extract(ctx context.Context, page *rod.Page, pdpURL, goal string) (*models.PDPData, error) {
	domain := vendorDomain(pdpURL)

	e.waitForPriceContent(ctx, page)

	html, err := page.Context(ctx).HTML()
	if err != nil {
		return nil, fmt.Errorf("pdp: reading page HTML: %w", err)
	}

	specs := e.extractSpecs(ctx, page, html, goal)

	if data := e.extractJSONLD(html); data != nil {
		data.Specs = mergeSpecs(specs, data.Specs)
		return data, nil
	}

	if data, err := e.extractKnownSelectors(ctx, page, domain); err == nil && data != nil {
		data.Specs = mergeSpecs(specs, data.Specs)
		return data, nil
	}

	data, err := e.extractCalibrated(ctx, page, domain)
	if err == nil && data != nil {
		data.Specs = mergeSpecs(specs, data.Specs)
		return data, nil
	}
	if err != nil {
		logging.ExtractionWarn("pdp: calibrated extraction failed for %s: %v", domain, err)
	}

	if data := e.extractVision(ctx, page, domain); data != nil {
		data.Specs = mergeSpecs(specs, data.Specs)
		return data, nil
	}

	return nil, nil
}

// mergeSpecs lets the winning primary-extraction source's own specs (e.g.
// JSON-LD's own additionalProperty block) take precedence, filling gaps
// from the multi-source union computed up front.
func mergeSpecs(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

// waitForPriceContent tries a fixed list of price selectors with a short
// per-selector timeout, scrolling the first visible match into view. Falls
// through to a generic "$" body-text check, then a short unconditional
// render wait, never blocking more than smartWaitBudget overall.
func (e *Extractor) waitForPriceContent(ctx context.Context, page *rod.Page) bool {
	deadline := time.Now().Add(smartWaitBudget)

	for _, selector := range priceWaitSelectors {
		if time.Now().After(deadline) {
			break
		}
		waitCtx, cancel := context.WithTimeout(ctx, perSelectorWaitTimeout)
		el, err := page.Context(waitCtx).Element(selector)
		cancel()
		if err != nil || el == nil {
			continue
		}
		_ = el.ScrollIntoView()
		time.Sleep(300 * time.Millisecond)
		return true
	}

	bodyCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if body, err := page.Context(bodyCtx).Element("body"); err == nil && body != nil {
		if text, err := body.Text(); err == nil && strings.Contains(text, "$") {
			_, _ = page.Context(bodyCtx).Evaluate(&rod.EvalOptions{
				JS: `() => window.scrollBy(0, 300)`,
			})
			time.Sleep(500 * time.Millisecond)
			return true
		}
	}

	remaining := time.Until(deadline)
	if remaining > 3*time.Second {
		remaining = 3 * time.Second
	}
	if remaining > 0 {
		time.Sleep(remaining)
	}
	return false
}

func vendorDomain(rawURL string) string {
	return extraction.VendorDomain(rawURL)
}

// parsePrice parses strings like "$1,299.00" into a sane float, rejecting
// the value if it falls outside a plausible product-price range.
func parsePrice(text string) (float64, bool) {
	if text == "" {
		return 0, false
	}
	cleaned := strings.NewReplacer("$", "", ",", "").Replace(strings.TrimSpace(text))
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || f < 0 || f > 100000 {
		return 0, false
	}
	return roundCents(f), true
}

func roundCents(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

// knownSelectorsJS mirrors the teacher's in-browser evaluation pattern:
// run a small JS function against document with the candidate selectors
// baked in, returning a plain JSON-able result rather than round-tripping
// individual Element calls for every field.
func knownSelectorsJS(sel siteSelectors) string {
	return fmt.Sprintf(`() => {
		function cleanPrice(text) {
			if (!text) return null;
			const match = text.match(/\$?([\d,]+\.?\d*)/);
			if (!match) return null;
			const num = parseFloat(match[1].replace(/,/g, ''));
			return isNaN(num) ? null : num;
		}
		const result = { price: null, title: null, in_stock: true };
		const priceSel = %q;
		const priceAltSel = %q;
		const titleSel = %q;
		const cartSel = %q;
		if (priceSel) {
			const el = document.querySelector(priceSel);
			if (el) result.price = cleanPrice(el.textContent);
		}
		if (!result.price && priceAltSel) {
			const el = document.querySelector(priceAltSel);
			if (el) result.price = cleanPrice(el.textContent);
		}
		if (titleSel) {
			const el = document.querySelector(titleSel);
			if (el) result.title = (el.textContent || '').trim().slice(0, 300);
		}
		if (cartSel) {
			const el = document.querySelector(cartSel);
			result.in_stock = !!(el && el.offsetHeight > 0);
		}
		return JSON.stringify(result);
	}`, sel.Price, sel.PriceAlt, sel.Title, sel.Cart)
}

type knownSelectorsResult struct {
	Price   *float64 `json:"price"`
	Title   string   `json:"title"`
	InStock bool     `json:"in_stock"`
}

func (e *Extractor) extractKnownSelectors(ctx context.Context, page *rod.Page, domain string) (*models.PDPData, error) {
	sel, ok := knownSiteSelectors[domain]
	if !ok {
		return nil, nil
	}

	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      knownSelectorsJS(sel),
		ByValue: true,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluating known selectors: %w", err)
	}

	var parsed knownSelectorsResult
	if err := unmarshalJSONString(res.Value.String(), &parsed); err != nil {
		return nil, fmt.Errorf("parsing known selectors result: %w", err)
	}
	if parsed.Price == nil {
		return nil, nil
	}
	if *parsed.Price < sel.MinPrice {
		return nil, fmt.Errorf("known selector price %.2f below minimum %.2f for %s", *parsed.Price, sel.MinPrice, domain)
	}

	stockStatus := "out_of_stock"
	if parsed.InStock {
		stockStatus = "in_stock"
	}

	return &models.PDPData{
		Price:            *parsed.Price,
		Title:            parsed.Title,
		InStock:          parsed.InStock,
		StockStatus:      stockStatus,
		ExtractionSource: models.SourceKnownSelector,
		Confidence:       confidenceKnownSelectors,
	}, nil
}

// unmarshalJSONString unmarshals a JSON.stringify'd payload returned by an
// in-page evaluation, as a plain Go string rather than a structured rod
// value (the script always returns JSON.stringify(...) explicitly).
func unmarshalJSONString(raw string, v interface{}) error {
	return json.Unmarshal([]byte(raw), v)
}
