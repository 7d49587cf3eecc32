package pdp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"

	"researchcore/internal/logging"
	"researchcore/internal/models"
)

// pdpCandidatesScript mirrors the known-site-selector builder's
// selector-priority scheme (data-testid > id > semantic data-* > semantic
// class > tag), collecting price/title/cart-button candidates for the LLM
// to choose from rather than hand-writing selectors per unseen domain.
const pdpCandidatesScript = `() => {
	function buildSelector(elem) {
		const testId = elem.getAttribute('data-testid');
		if (testId && testId.length < 50) return '[data-testid="' + testId + '"]';
		if (elem.id && !/^[0-9]/.test(elem.id)) return '#' + elem.id;
		const dataAttrs = [...elem.attributes]
			.filter(a => a.name.startsWith('data-') && a.value && a.value.length < 30)
			.filter(a => a.name.includes('price') || a.name.includes('product') || a.name.includes('sku') || a.name.includes('item'));
		if (dataAttrs.length > 0) return '[' + dataAttrs[0].name + '="' + dataAttrs[0].value + '"]';
		const utilityPattern = /^(text-|font-|bg-|p-|m-|w-|h-|flex|grid|block|inline|hidden|relative|absolute|overflow|rounded|border|shadow|cursor|opacity|z-|gap-|space-|items-|justify-|align-|self-|order-|col-|row-)/;
		const hashedPattern = /-sc-[a-f0-9]+|css-[a-f0-9]+|__[A-Za-z]+-[a-f0-9]+/;
		const classes = (elem.className && elem.className.toString ? elem.className.toString() : '').split(' ')
			.filter(c => c && c.length > 2 && !utilityPattern.test(c) && !hashedPattern.test(c));
		const semantic = classes.find(c => /price|Price|title|Title|product|Product|heading|name/.test(c) && !/-[a-f0-9]{6,}/.test(c));
		const tag = elem.tagName.toLowerCase();
		if (semantic) return tag + '.' + semantic;
		const stable = classes.find(c => !/-[a-f0-9]{6,}/.test(c));
		if (stable) return tag + '.' + stable;
		return tag;
	}

	const result = { priceElements: [], titleCandidates: [], cartButtons: [] };
	const priceRegex = /^\$[\d,]+(\.\d{2})?$/;

	for (const elem of document.querySelectorAll('*')) {
		const text = (elem.textContent || '').trim();
		const rect = elem.getBoundingClientRect();
		if (rect.height === 0 || rect.y > 800) continue;
		if (priceRegex.test(text) && text.length < 15) {
			result.priceElements.push({ selector: buildSelector(elem), text: text, y: Math.round(rect.y) });
		}
	}
	if (result.priceElements.length > 10) result.priceElements = result.priceElements.slice(0, 10);

	for (const elem of document.querySelectorAll('h1, [class*="product-title"], [class*="productTitle"], [id*="title"]')) {
		const text = (elem.textContent || '').trim();
		if (text.length > 10 && text.length < 300) {
			result.titleCandidates.push({ selector: buildSelector(elem), text: text.slice(0, 100) });
		}
	}
	result.titleCandidates = result.titleCandidates.slice(0, 5);

	const buttonPatterns = ['add to cart', 'buy now', 'add to bag', 'add to basket'];
	for (const btn of document.querySelectorAll('button, input[type="submit"], a[role="button"], [class*="cart"], [class*="buy"]')) {
		const text = (btn.textContent || btn.value || '').toLowerCase().trim();
		if (buttonPatterns.some(p => text.includes(p))) {
			result.cartButtons.push({ selector: buildSelector(btn), text: text.slice(0, 50) });
		}
	}
	result.cartButtons = result.cartButtons.slice(0, 5);

	return JSON.stringify(result);
}`

type pdpCandidateElement struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
	Y        int    `json:"y,omitempty"`
}

type pdpCandidates struct {
	PriceElements   []pdpCandidateElement `json:"priceElements"`
	TitleCandidates []pdpCandidateElement `json:"titleCandidates"`
	CartButtons     []pdpCandidateElement `json:"cartButtons"`
}

type llmSelectorChoice struct {
	PriceSelector      string `json:"price_selector"`
	TitleSelector      string `json:"title_selector"`
	CartButtonSelector string `json:"cart_button_selector"`
}

const calibrationSystemPrompt = `You are analyzing a Product Detail Page to learn extraction selectors. Choose the BEST CSS selector for the main product price, the product title, and the Add to Cart button. Respond with strict JSON only: {"price_selector": "...", "title_selector": "...", "cart_button_selector": "..."}. Use "" if you cannot determine one. Never choose CSS-in-JS hashed class names.`

// extractCalibrated uses a cached per-domain LLM-calibrated selector set,
// calibrating fresh if none is cached or the cached one has degraded.
func (e *Extractor) extractCalibrated(ctx context.Context, page *rod.Page, domain string) (*models.PDPData, error) {
	schema, ok := e.schemas.get(domain)
	if !ok || schema.PriceSelector == "" || needsRecalibration(schema) {
		var err error
		schema, err = e.calibrate(ctx, page, domain)
		if err != nil {
			return nil, err
		}
		if schema == nil || schema.PriceSelector == "" {
			return nil, nil
		}
	}

	result, err := e.applySelectors(ctx, page, *schema)
	if err != nil {
		return nil, err
	}
	if result == nil || result.Price == nil {
		e.recordCalibrationOutcome(schema, false)
		return nil, nil
	}

	minPrice := 1.0
	if sel, ok := knownSiteSelectors[domain]; ok {
		minPrice = sel.MinPrice
	}
	if *result.Price < minPrice {
		e.recordCalibrationOutcome(schema, false)
		return nil, fmt.Errorf("calibrated selector price %.2f below minimum %.2f for %s", *result.Price, minPrice, domain)
	}

	e.recordCalibrationOutcome(schema, true)

	stockStatus := "out_of_stock"
	if result.InStock {
		stockStatus = "in_stock"
	}
	title := result.Title
	if title == "" {
		title = "Unknown Product"
	}

	return &models.PDPData{
		Price:            *result.Price,
		Title:            title,
		InStock:          result.InStock,
		StockStatus:      stockStatus,
		ExtractionSource: models.SourceCalibrated,
		Confidence:       confidenceCalibrated,
	}, nil
}

func needsRecalibration(schema *CalibratedSchema) bool {
	return schema.FailureCount > 0 && schema.FailureCount >= 2*schema.SuccessCount
}

func (e *Extractor) recordCalibrationOutcome(schema *CalibratedSchema, success bool) {
	updated := *schema
	if success {
		updated.SuccessCount++
	} else {
		updated.FailureCount++
	}
	updated.UpdatedAt = time.Now()
	if err := e.schemas.save(&updated); err != nil {
		logging.ExtractionWarn("pdp: saving calibrated schema for %s: %v", schema.Domain, err)
	}
}

func (e *Extractor) calibrate(ctx context.Context, page *rod.Page, domain string) (*CalibratedSchema, error) {
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      pdpCandidatesScript,
		ByValue: true,
	})
	if err != nil {
		return nil, fmt.Errorf("collecting pdp candidates: %w", err)
	}

	var candidates pdpCandidates
	if err := json.Unmarshal([]byte(res.Value.String()), &candidates); err != nil {
		return nil, fmt.Errorf("parsing pdp candidates: %w", err)
	}

	prompt := buildCalibrationPrompt(domain, candidates)
	systemPrompt := e.recipes.Get("calibration_system_prompt", calibrationSystemPrompt)
	raw, err := e.llm.CompleteWithSystem(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("calibration LLM call: %w", err)
	}

	choice, err := parseSelectorChoice(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing calibration response: %w", err)
	}

	now := time.Now()
	schema := &CalibratedSchema{
		Domain:             domain,
		PriceSelector:      sanitizeCalibratedSelector(choice.PriceSelector),
		TitleSelector:      sanitizeCalibratedSelector(choice.TitleSelector),
		CartButtonSelector: sanitizeCalibratedSelector(choice.CartButtonSelector),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.schemas.save(schema); err != nil {
		logging.ExtractionWarn("pdp: saving new calibrated schema for %s: %v", domain, err)
	}
	return schema, nil
}

// sanitizeCalibratedSelector rejects CSS-in-JS hashed class patterns the
// same way C7's selector generation does, even though the LLM was already
// instructed not to propose them.
func sanitizeCalibratedSelector(selector string) string {
	lower := strings.ToLower(selector)
	if strings.Contains(lower, "-sc-") || strings.Contains(selector, "css-") {
		return ""
	}
	return selector
}

func buildCalibrationPrompt(domain string, c pdpCandidates) string {
	priceJSON, _ := json.MarshalIndent(c.PriceElements, "", "  ")
	titleJSON, _ := json.MarshalIndent(c.TitleCandidates, "", "  ")
	cartJSON, _ := json.MarshalIndent(c.CartButtons, "", "  ")

	return fmt.Sprintf(`Domain: %s

=== PRICE ELEMENTS FOUND ===
%s

=== TITLE CANDIDATES ===
%s

=== CART/BUY BUTTONS ===
%s

JSON:`, domain, priceJSON, titleJSON, cartJSON)
}

func parseSelectorChoice(raw string) (llmSelectorChoice, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end < start {
		return llmSelectorChoice{}, fmt.Errorf("no JSON object found")
	}
	var choice llmSelectorChoice
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &choice); err != nil {
		return llmSelectorChoice{}, err
	}
	return choice, nil
}

type appliedSelectorsResult struct {
	Price   *float64 `json:"price"`
	Title   string   `json:"title"`
	InStock bool     `json:"in_stock"`
}

func (e *Extractor) applySelectors(ctx context.Context, page *rod.Page, schema CalibratedSchema) (*appliedSelectorsResult, error) {
	js := fmt.Sprintf(`() => {
		function cleanPrice(text) {
			if (!text) return null;
			const match = text.match(/\$?([\d,]+\.?\d*)/);
			if (!match) return null;
			const num = parseFloat(match[1].replace(/,/g, ''));
			return isNaN(num) ? null : num;
		}
		const result = { price: null, title: null, in_stock: true };
		const priceSel = %q;
		const titleSel = %q;
		const cartSel = %q;
		if (priceSel) {
			const el = document.querySelector(priceSel);
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
	}`, schema.PriceSelector, schema.TitleSelector, schema.CartButtonSelector)

	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{JS: js, ByValue: true})
	if err != nil {
		return nil, fmt.Errorf("applying calibrated selectors: %w", err)
	}

	var parsed appliedSelectorsResult
	if err := json.Unmarshal([]byte(res.Value.String()), &parsed); err != nil {
		return nil, fmt.Errorf("parsing applied-selectors result: %w", err)
	}
	return &parsed, nil
}
