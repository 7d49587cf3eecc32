package intelligence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"golang.org/x/sync/singleflight"

	"researchcore/internal/logging"
	"researchcore/internal/perception"
)

// cacheCapacity is the bound on the in-memory PageUnderstanding LRU, per the
// Open Question decision recorded in SPEC_FULL.md.
const cacheCapacity = 256

// Service is C7, the Page Intelligence Service: it turns a live page into a
// reusable PageUnderstanding and applies one to pull items back out.
type Service struct {
	llm perception.LLMClient

	cacheMu sync.Mutex
	cache   *lruCache

	schemas *schemaStore
	calibrate singleflight.Group
}

// NewService constructs C7 against an LLM client and a schema JSONL path
// (typically schemas/extraction_schemas.jsonl under .research/).
func NewService(llm perception.LLMClient, schemaPath string) (*Service, error) {
	store, err := newSchemaStore(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("intelligence: opening schema store: %w", err)
	}
	return &Service{
		llm:     llm,
		cache:   newLRUCache(cacheCapacity),
		schemas: store,
	}, nil
}

// Close releases the schema store's filesystem watcher.
func (s *Service) Close() {
	s.schemas.close()
}

// classifyHint makes a cheap, pre-calibration guess at page type from the
// URL shape alone, used only to pick a cache bucket; the LLM-driven
// calibration is the source of truth for the PageType actually returned.
func classifyHint(rawURL string) PageType {
	u, err := url.Parse(rawURL)
	if err != nil {
		return PageUnknown
	}
	lowerPath := strings.ToLower(u.Path)
	lowerQuery := strings.ToLower(u.RawQuery)

	switch {
	case strings.Contains(lowerPath, "/search") || strings.Contains(lowerQuery, "q=") || strings.Contains(lowerQuery, "k="):
		return PageSearchResults
	case isProductDetailURLShape(lowerPath):
		return PageProductDetail
	case strings.Contains(lowerPath, "/category") || strings.Contains(lowerPath, "/c/"):
		return PageCategory
	case lowerPath == "" || lowerPath == "/":
		return PageHomepage
	default:
		return PageProductListing
	}
}

var productDetailPathShapes = []*regexp.Regexp{
	regexp.MustCompile(`/dp/[a-z0-9]{6,}`),
	regexp.MustCompile(`/product/[\w-]+`),
	regexp.MustCompile(`/p/[\w-]+`),
	regexp.MustCompile(`/item/[\w-]+`),
	regexp.MustCompile(`/ip/[\w-]+`),
	regexp.MustCompile(`/pd/[\w-]+`),
	regexp.MustCompile(`/products/[\w-]+`),
}

func isProductDetailURLShape(path string) bool {
	for _, re := range productDetailPathShapes {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func normalizeDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// UnderstandPage returns a cached PageUnderstanding for this (domain,
// page-type hint), or runs the 3-phase calibration on a miss or when
// forceRefresh is requested. Concurrent calibrations for the same key
// collapse into one LLM round-trip via singleflight.
func (s *Service) UnderstandPage(ctx context.Context, page *rod.Page, pageURL string, forceRefresh bool) (*PageUnderstanding, error) {
	domain := normalizeDomain(pageURL)
	hint := classifyHint(pageURL)
	key := domain + ":" + string(hint)

	if !forceRefresh {
		s.cacheMu.Lock()
		cached, ok := s.cache.get(key)
		s.cacheMu.Unlock()
		if ok {
			return cached, nil
		}
	}

	result, err, _ := s.calibrate.Do(key, func() (interface{}, error) {
		return s.calibratePage(ctx, page, domain, pageURL)
	})
	if err != nil {
		return nil, err
	}
	understanding := result.(*PageUnderstanding)

	s.cacheMu.Lock()
	s.cache.put(key, understanding)
	s.cacheMu.Unlock()

	return understanding, nil
}

// calibratePage runs the 3-phase calibration described in spec.md §4.6.
func (s *Service) calibratePage(ctx context.Context, page *rod.Page, domain, pageURL string) (*PageUnderstanding, error) {
	logging.Perception("calibrating %s (%s)", domain, pageURL)

	snap, err := captureSnapshot(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("intelligence: capturing DOM snapshot: %w", err)
	}

	zonePhase, err := s.identifyZones(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("intelligence: zone identification: %w", err)
	}

	zones := make([]Zone, 0, len(zonePhase.Zones))
	for _, z := range zonePhase.Zones {
		fieldSelectors := s.generateSelectors(ctx, snap, z)
		zones = append(zones, Zone{
			ZoneType:       z.ZoneType,
			Anchors:        z.Anchors,
			FieldSelectors: fieldSelectors,
			Confidence:     z.Confidence,
		})
	}

	strategy := s.chooseStrategy(ctx, zonePhase.PageType, zones)

	understanding := &PageUnderstanding{
		Domain:              domain,
		PageType:            zonePhase.PageType,
		Zones:               zones,
		PrimaryZone:         zonePhase.PrimaryZone,
		Notices:             zonePhase.Notices,
		AvailabilityStatus:  zonePhase.AvailabilityStatus,
		PurchaseConstraints: zonePhase.PurchaseConstraints,
		ExtractionStrategy:  strategy,
		CreatedAt:           time.Now(),
		Confidence:          zonePhase.Confidence,
	}
	if err := understanding.validate(); err != nil {
		// A primary zone the LLM named but didn't describe is treated as
		// "no opinion" rather than a hard failure.
		understanding.PrimaryZone = ""
	}

	if primary, ok := understanding.primaryZoneRef(); ok {
		schema := &ExtractionSchema{
			Domain:    domain,
			PageType:  understanding.PageType,
			Selectors: primary.FieldSelectors,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if existing, ok := s.schemas.get(domain, understanding.PageType); ok {
			schema.SuccessCount = existing.SuccessCount
			schema.FailureCount = existing.FailureCount
			schema.CreatedAt = existing.CreatedAt
		}
		if err := s.schemas.append(schema); err != nil {
			logging.PerceptionWarn("failed to persist schema for %s: %v", domain, err)
		}
	}

	return understanding, nil
}

type zonePhaseResult struct {
	PageType            PageType            `json:"page_type"`
	Zones               []zonePhaseZone     `json:"zones"`
	PrimaryZone         string              `json:"primary_zone"`
	Notices             []string            `json:"notices"`
	AvailabilityStatus  AvailabilityStatus  `json:"availability_status"`
	PurchaseConstraints []string            `json:"purchase_constraints"`
	Confidence          float64             `json:"confidence"`
}

type zonePhaseZone struct {
	ZoneType   string   `json:"zone_type"`
	Anchors    []string `json:"anchors"`
	Confidence float64  `json:"confidence"`
}

// identifyZones is calibration phase 1: ask the LLM what the page is and
// where its repeated item zones live, grounded on the DOM snapshot's
// class-repetition statistics.
func (s *Service) identifyZones(ctx context.Context, snap domSnapshot) (*zonePhaseResult, error) {
	groupLines := make([]string, 0, len(snap.RepeatedGroups))
	for i, g := range snap.RepeatedGroups {
		groupLines = append(groupLines, fmt.Sprintf(
			"%d. class=%q tag=%s count=%d testid=%q id=%q href=%q text=%q",
			i, g.ClassName, g.SampleTag, g.Count, g.SampleTestID, g.SampleID, g.SampleHref, g.SampleText,
		))
	}

	prompt := fmt.Sprintf(`Page title: %s
Page URL: %s

Candidate repeated element groups found on this page:
%s

Classify this page's type as one of: search_results, product_listing, product_detail, category, homepage, unknown.
Identify which candidate group(s) above (by class name) represent zones containing products or search results, and name one as the primary_zone.
Note any page-level notices (e.g. "out of stock", "ships in 2 weeks") and the overall availability_status (one of: available_online, in_store_only, out_of_stock, limited_availability, contact_for_availability, unknown).

Respond with a single JSON object:
{"page_type": "...", "zones": [{"zone_type": "<class name>", "anchors": ["<css selector>"], "confidence": 0.0}], "primary_zone": "<zone_type>", "notices": ["..."], "availability_status": "...", "purchase_constraints": [], "confidence": 0.0}`,
		snap.Title, snap.URL, strings.Join(groupLines, "\n"))

	raw, err := s.llm.CompleteWithSystem(ctx, calibrationSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var result zonePhaseResult
	if err := parseJSONLenient(raw, &result); err != nil {
		return nil, fmt.Errorf("parsing zone identification response: %w", err)
	}
	if result.PageType == "" {
		result.PageType = PageUnknown
	}
	return &result, nil
}

type selectorPhaseResult struct {
	ItemSelector  string `json:"item_selector"`
	TitleSelector string `json:"title_selector"`
	PriceSelector string `json:"price_selector"`
	LinkSelector  string `json:"link_selector"`
	ImageSelector string `json:"image_selector"`
}

// generateSelectors is calibration phase 2: derive an item selector and
// per-field sub-selectors for one zone. Hashed CSS-in-JS class names are
// rejected in favor of a DOM-snapshot-derived fallback selector.
func (s *Service) generateSelectors(ctx context.Context, snap domSnapshot, z zonePhaseZone) map[string]string {
	var group *repeatedGroup
	for i := range snap.RepeatedGroups {
		if snap.RepeatedGroups[i].ClassName == z.ZoneType {
			group = &snap.RepeatedGroups[i]
			break
		}
	}

	fallback := ""
	if group != nil {
		fallback = bestSelectorFor(*group)
	}

	prompt := fmt.Sprintf(`For the zone with class %q (sample tag %s, sample href %q, sample text %q), give CSS selectors (relative to one item in the zone) for: the item container itself, title, price, link, and image.
Never propose a selector matching patterns like "-sc-<hex>", "css-<hex>", or "__Word-<hex>" — those are build-hashed CSS-in-JS class names. Prefer data-testid, a stable id, or a semantic class name instead.

Respond with a single JSON object: {"item_selector": "...", "title_selector": "...", "price_selector": "...", "link_selector": "...", "image_selector": "..."}`,
		z.ZoneType, safeTag(group), safeHref(group), safeText(group))

	raw, err := s.llm.CompleteWithSystem(ctx, calibrationSystemPrompt, prompt)
	if err != nil {
		logging.PerceptionWarn("selector generation failed for zone %s: %v", z.ZoneType, err)
		return map[string]string{"item": fallback}
	}

	var result selectorPhaseResult
	if err := parseJSONLenient(raw, &result); err != nil {
		logging.PerceptionWarn("selector generation parse failed for zone %s: %v", z.ZoneType, err)
		return map[string]string{"item": fallback}
	}

	selectors := map[string]string{
		"item":  sanitizeSelector(result.ItemSelector, fallback),
		"title": sanitizeSelector(result.TitleSelector, ""),
		"price": sanitizeSelector(result.PriceSelector, ""),
		"link":  sanitizeSelector(result.LinkSelector, ""),
		"image": sanitizeSelector(result.ImageSelector, ""),
	}
	return selectors
}

// sanitizeSelector rejects a hashed class name selector, falling back to
// fallback (possibly empty, meaning "no selector available").
func sanitizeSelector(selector, fallback string) string {
	if selector == "" {
		return fallback
	}
	for _, p := range hashedClassPatterns {
		if p.MatchString(selector) {
			return fallback
		}
	}
	return selector
}

func safeTag(g *repeatedGroup) string {
	if g == nil {
		return ""
	}
	return g.SampleTag
}

func safeHref(g *repeatedGroup) string {
	if g == nil {
		return ""
	}
	return g.SampleHref
}

func safeText(g *repeatedGroup) string {
	if g == nil {
		return ""
	}
	return g.SampleText
}

// chooseStrategy is calibration phase 3: pick how downstream extraction
// should treat this page, without another LLM round-trip — the signal is
// already in hand from phases 1–2.
func (s *Service) chooseStrategy(_ context.Context, pageType PageType, zones []Zone) ExtractionStrategy {
	if pageType == PageProductDetail {
		return StrategyHybrid
	}
	if len(zones) == 0 {
		return StrategyVision
	}
	for _, z := range zones {
		if z.FieldSelectors["item"] == "" || z.FieldSelectors["price"] == "" {
			return StrategyHybrid
		}
	}
	return StrategySelector
}

const calibrationSystemPrompt = "You are a web page structure analyst. You are given a simplified description of a page's repeated element groups and must respond with strict JSON only, no prose, no code fences."

// parseJSONLenient strips common LLM wrapping (code fences, leading prose)
// before unmarshaling into v.
func parseJSONLenient(raw string, v interface{}) error {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.IndexAny(cleaned, "{[")
	if start < 0 {
		return fmt.Errorf("no JSON object found in response")
	}
	end := strings.LastIndexAny(cleaned, "}]")
	if end < start {
		return fmt.Errorf("unbalanced JSON in response")
	}
	return json.Unmarshal([]byte(cleaned[start:end+1]), v)
}
