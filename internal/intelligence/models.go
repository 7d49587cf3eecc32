// Package intelligence implements the page intelligence service (C7):
// per-domain calibration that turns a live page into a reusable
// PageUnderstanding, and applies it to pull structured items back out.
package intelligence

import "time"

// PageType classifies what kind of page is currently loaded.
type PageType string

const (
	PageSearchResults  PageType = "search_results"
	PageProductListing PageType = "product_listing"
	PageProductDetail  PageType = "product_detail"
	PageCategory       PageType = "category"
	PageHomepage       PageType = "homepage"
	PageUnknown        PageType = "unknown"
)

// AvailabilityStatus is the page-level stock signal, distinct from a single
// product's stock_status (that belongs to PDPData in the extractor family).
type AvailabilityStatus string

const (
	AvailableOnline        AvailabilityStatus = "available_online"
	InStoreOnly            AvailabilityStatus = "in_store_only"
	OutOfStock             AvailabilityStatus = "out_of_stock"
	LimitedAvailability    AvailabilityStatus = "limited_availability"
	ContactForAvailability AvailabilityStatus = "contact_for_availability"
	AvailabilityUnknown    AvailabilityStatus = "unknown"
)

// ExtractionStrategy is the hint C7 emits for which downstream extractor
// family member should handle the page.
type ExtractionStrategy string

const (
	StrategySelector ExtractionStrategy = "selector"
	StrategyHybrid   ExtractionStrategy = "hybrid"
	StrategyVision   ExtractionStrategy = "vision"
	StrategyProse    ExtractionStrategy = "prose"
)

// Zone is a repeated-item region of a page (a product grid, a results list)
// plus the selectors needed to pull fields out of each item within it.
type Zone struct {
	ZoneType       string            `json:"zone_type"`
	Anchors        []string          `json:"anchors"`
	FieldSelectors map[string]string `json:"field_selectors"` // item, title, price, link, image
	Confidence     float64           `json:"confidence"`
}

// PageUnderstanding is C7's terminal output for a single (domain, page_type).
type PageUnderstanding struct {
	Domain              string              `json:"domain"`
	PageType            PageType            `json:"page_type"`
	Zones               []Zone              `json:"zones"`
	PrimaryZone         string              `json:"primary_zone"`
	Notices             []string            `json:"notices"`
	AvailabilityStatus  AvailabilityStatus  `json:"availability_status"`
	PurchaseConstraints []string            `json:"purchase_constraints"`
	ExtractionStrategy  ExtractionStrategy  `json:"extraction_strategy"`
	CreatedAt           time.Time           `json:"created_at"`
	Confidence          float64             `json:"confidence"`
}

// validate enforces the data-model invariant: if PrimaryZone is set, a Zone
// of that type must actually exist among Zones.
func (u *PageUnderstanding) validate() error {
	if u.PrimaryZone == "" {
		return nil
	}
	for _, z := range u.Zones {
		if z.ZoneType == u.PrimaryZone {
			return nil
		}
	}
	return errPrimaryZoneMissing
}

// primaryZoneRef returns the Zone matching PrimaryZone, or false if absent.
func (u *PageUnderstanding) primaryZoneRef() (Zone, bool) {
	for _, z := range u.Zones {
		if z.ZoneType == u.PrimaryZone {
			return z, true
		}
	}
	return Zone{}, false
}

// ExtractionSchema is the legacy flat selector record C7 persists
// append-only, one line per (domain, page_type) write, last-write-wins on
// reload.
type ExtractionSchema struct {
	Domain            string    `json:"domain"`
	PageType          PageType  `json:"page_type"`
	Selectors         map[string]string `json:"selectors"` // item, title, price, link, image
	SuccessCount      int       `json:"success_count"`
	FailureCount      int       `json:"failure_count"`
	LastFailureReason string    `json:"last_failure_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NeedsRecalibration reports whether repeated failures have outpaced
// successes enough that the next call should force a fresh calibration.
func (s *ExtractionSchema) NeedsRecalibration() bool {
	return s.LastFailureReason != "" && s.FailureCount >= 2*s.SuccessCount
}

// Item is a single extracted element, independent of which extractor produced it.
type Item struct {
	Title      string  `json:"title"`
	Price      string  `json:"price"`
	URL        string  `json:"url"`
	ImageURL   string  `json:"image_url,omitempty"`
	Confidence float64 `json:"confidence"`
}
