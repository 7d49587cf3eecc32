// Package extraction implements the extraction family (C8-C11): pulling
// candidate products out of HTML, out of a raw screenshot via OCR+LLM, and
// fusing the two views into a single ranked product list.
package extraction

// CandidateSource records which C8 strategy (or C9) produced a candidate.
type CandidateSource string

const (
	SourceJSONLD      CandidateSource = "json_ld"
	SourceURLPattern  CandidateSource = "url_pattern"
	SourceDOMHeuristic CandidateSource = "dom_heuristic"
	SourceUniversalJS CandidateSource = "universal_js"
	SourceSchemaDriven CandidateSource = "schema_driven"
)

// HTMLCandidate is one product-shaped link discovered in markup.
type HTMLCandidate struct {
	URL        string
	LinkText   string
	Context    string
	Source     CandidateSource
	Confidence float64
}

// OCRItem is one recognized text region from a screenshot.
type OCRItem struct {
	Text       string
	X, Y       float64
	Width      float64
	Height     float64
	Confidence float64
}

func (o OCRItem) centerY() float64 { return o.Y + o.Height/2 }

// VisualProduct is a product the vision pipeline believes it found.
type VisualProduct struct {
	Title        string
	PriceRaw     string
	PriceNumeric float64
	X, Y         float64
	Width        float64
	Height       float64
	Confidence   float64
	RawLines     []string
}

// ExtractionMethod records which path produced a FusedProduct.
type ExtractionMethod string

const (
	MethodFusion        ExtractionMethod = "fusion"
	MethodHTMLOnly      ExtractionMethod = "html_only"
	MethodVisionOnly    ExtractionMethod = "vision_only"
	MethodClickResolved ExtractionMethod = "click_resolved"
	MethodSchemaDriven  ExtractionMethod = "schema_driven"
	MethodUniversalJS   ExtractionMethod = "universal_js"
	MethodPDPDirect     ExtractionMethod = "pdp_direct"
)

// FusedProduct is C11's terminal output: one HTML view and/or vision view
// reconciled into a single candidate product.
type FusedProduct struct {
	Title            string
	PriceRaw         string
	PriceNumeric     float64
	URL              string
	VendorDomain     string
	Confidence       float64
	ExtractionMethod ExtractionMethod
	VisionVerified   bool
	URLSource        CandidateSource
	MatchScore       float64
}
