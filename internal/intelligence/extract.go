package intelligence

import (
	"context"
	"strings"
	"time"

	"github.com/go-rod/rod"

	"researchcore/internal/logging"
)

// minItemsForConfidentExtraction is the item-count floor below which a
// low-confidence extraction is surfaced as a failure signal rather than
// silently returned.
const minItemsForConfidentExtraction = 2

const lowConfidenceThreshold = 0.5

// Extract applies understanding's primary zone selectors against the live
// page. A result with fewer than 2 items at low confidence returns
// ErrLowConfidenceExtraction alongside whatever was found, and records a
// failure against the schema; otherwise it records a success.
func (s *Service) Extract(ctx context.Context, page *rod.Page, understanding *PageUnderstanding) ([]Item, error) {
	zone, ok := understanding.primaryZoneRef()
	if !ok {
		s.recordOutcome(understanding.Domain, understanding.PageType, false, "no primary zone")
		return nil, ErrLowConfidenceExtraction
	}

	itemSelector := zone.FieldSelectors["item"]
	if itemSelector == "" {
		s.recordOutcome(understanding.Domain, understanding.PageType, false, "no item selector")
		return nil, ErrLowConfidenceExtraction
	}

	elements, err := page.Context(ctx).Elements(itemSelector)
	if err != nil {
		s.recordOutcome(understanding.Domain, understanding.PageType, false, err.Error())
		return nil, err
	}

	items := make([]Item, 0, len(elements))
	for _, el := range elements {
		item := Item{Confidence: zone.Confidence}

		if sel := zone.FieldSelectors["title"]; sel != "" {
			if child, err := el.Element(sel); err == nil && child != nil {
				if text, err := child.Text(); err == nil {
					item.Title = strings.TrimSpace(text)
				}
			}
		}
		if sel := zone.FieldSelectors["price"]; sel != "" {
			if child, err := el.Element(sel); err == nil && child != nil {
				if text, err := child.Text(); err == nil {
					item.Price = strings.TrimSpace(text)
				}
			}
		}
		if sel := zone.FieldSelectors["link"]; sel != "" {
			if child, err := el.Element(sel); err == nil && child != nil {
				if href, err := child.Attribute("href"); err == nil && href != nil {
					item.URL = *href
				}
			}
		}
		if sel := zone.FieldSelectors["image"]; sel != "" {
			if child, err := el.Element(sel); err == nil && child != nil {
				if src, err := child.Attribute("src"); err == nil && src != nil {
					item.ImageURL = *src
				}
			}
		}

		if item.Title != "" || item.Price != "" || item.URL != "" {
			items = append(items, item)
		}
	}

	if len(items) < minItemsForConfidentExtraction && zone.Confidence < lowConfidenceThreshold {
		s.recordOutcome(understanding.Domain, understanding.PageType, false, "too few items at low confidence")
		return items, ErrLowConfidenceExtraction
	}

	s.recordOutcome(understanding.Domain, understanding.PageType, true, "")
	return items, nil
}

// QuickExtract runs UnderstandPage followed by Extract in one call.
func (s *Service) QuickExtract(ctx context.Context, page *rod.Page, pageURL string) ([]Item, error) {
	understanding, err := s.UnderstandPage(ctx, page, pageURL, false)
	if err != nil {
		return nil, err
	}
	return s.Extract(ctx, page, understanding)
}

// recordOutcome updates the schema's success/failure counters and persists
// the change; needs_recalibration is computed lazily from these counters,
// never stored directly.
func (s *Service) recordOutcome(domain string, pageType PageType, success bool, failureReason string) {
	existing, ok := s.schemas.get(domain, pageType)
	if !ok {
		existing = &ExtractionSchema{
			Domain:    domain,
			PageType:  pageType,
			Selectors: map[string]string{},
			CreatedAt: time.Now(),
		}
	}
	sc := *existing
	sc.UpdatedAt = time.Now()
	if success {
		sc.SuccessCount++
	} else {
		sc.FailureCount++
		sc.LastFailureReason = failureReason
	}

	if err := s.schemas.append(&sc); err != nil {
		logging.PerceptionWarn("failed to record outcome for %s:%s: %v", domain, pageType, err)
	}
	if sc.NeedsRecalibration() {
		logging.Perception("%s:%s needs recalibration (failures=%d successes=%d)", domain, pageType, sc.FailureCount, sc.SuccessCount)
	}
}
