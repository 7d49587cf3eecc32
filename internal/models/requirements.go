// Package models holds the shared domain records that flow between the
// later research-pipeline stages (C12-C17): Requirements, PDPData,
// VerifiedProduct, and RejectionPattern. These are kept separate from the
// extraction package since they are consumed by candidate prioritization,
// PDP extraction, verification, and viability filtering alike, none of
// which own the others' types.
package models

// PriceRange bounds an acceptable price window. Zero values mean unbounded.
type PriceRange struct {
	Min float64 `json:"min,omitempty"`
	Max float64 `json:"max,omitempty"`
}

// Requirements partitions what a user asked for (explicit or
// research-derived) into hard constraints a candidate must satisfy and
// nice-to-haves that only influence scoring.
type Requirements struct {
	HardRequirements  []string   `json:"hard_requirements"`
	NiceToHaves       []string   `json:"nice_to_haves"`
	PriceRange        PriceRange `json:"price_range"`
	RecommendedBrands []string   `json:"recommended_brands,omitempty"`
	CategoryHints     []string   `json:"category_hints,omitempty"`
}

// Condition enumerates the physical condition of a verified product.
type Condition string

const (
	ConditionNew        Condition = "new"
	ConditionRefurbished Condition = "refurbished"
	ConditionUsed        Condition = "used"
	ConditionOpenBox     Condition = "open_box"
)

// ExtractionSource records which pipeline stage produced a PDPData or
// VerifiedProduct record.
type ExtractionSource string

const (
	SourceJSONLD       ExtractionSource = "json_ld"
	SourceKnownSelector ExtractionSource = "known_selector"
	SourceCalibrated    ExtractionSource = "calibrated_selector"
	SourceVision        ExtractionSource = "vision"
)

// PDPData is what C13 extracts from a single product-detail-page visit.
type PDPData struct {
	Price            float64           `json:"price"`
	OriginalPrice    float64           `json:"original_price,omitempty"`
	Title            string            `json:"title"`
	InStock          bool              `json:"in_stock"`
	StockStatus      string            `json:"stock_status,omitempty"`
	Condition        Condition         `json:"condition,omitempty"`
	Rating           float64           `json:"rating,omitempty"`
	ReviewCount      int               `json:"review_count,omitempty"`
	Specs            map[string]string `json:"specs,omitempty"`
	SellerInfo       string            `json:"seller_info,omitempty"`
	Shipping         string            `json:"shipping,omitempty"`
	ImageURL         string            `json:"image_url,omitempty"`
	ExtractionSource ExtractionSource  `json:"extraction_source"`
	Confidence       float64           `json:"confidence"`
}

// VerificationMethod records how a VerifiedProduct reached its final state.
type VerificationMethod string

const (
	VerificationDirectPDP       VerificationMethod = "direct_pdp"
	VerificationPDPNavigation   VerificationMethod = "pdp_navigation"
	VerificationListingFallback VerificationMethod = "listing_fallback"
	VerificationUnverified      VerificationMethod = "unverified"
)

// VerifiedProduct is the terminal output record of the pipeline.
type VerifiedProduct struct {
	Title               string             `json:"title"`
	Price               float64            `json:"price"`
	URL                 string             `json:"url"`
	VendorDomain         string             `json:"vendor_domain"`
	Availability         string             `json:"availability,omitempty"`
	Condition            Condition          `json:"condition,omitempty"`
	Rating               float64            `json:"rating,omitempty"`
	ReviewCount          int                `json:"review_count,omitempty"`
	Specs                map[string]string  `json:"specs,omitempty"`
	ExtractionConfidence float64            `json:"extraction_confidence"`
	ExtractionSource     ExtractionSource   `json:"extraction_source,omitempty"`
	VerificationMethod   VerificationMethod `json:"verification_method"`
}
