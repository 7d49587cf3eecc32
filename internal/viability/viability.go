// Package viability implements the viability filter (C15): LLM-driven
// classification of verified products against hard requirements and
// nice-to-haves, with a keyword-matching fallback for when the LLM is
// unavailable or its judgment is uncertain. Rejections are handed to C16
// (internal/rejection) for query-refinement learning.
package viability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"researchcore/internal/logging"
	"researchcore/internal/models"
	"researchcore/internal/recipe"
	"researchcore/internal/rejection"
)

// LLMClient is the subset of perception.LLMClient the filter needs.
type LLMClient interface {
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const (
	maxProductsToPrompt         = 10
	keywordOverrideScore        = 0.55
	defaultViableScore          = 0.7
	queryMatchViableRatio       = 0.6
	requirementMatchViableRatio = 0.5
	queryMatchRejectRatio       = 0.2
)

const viabilitySystemPrompt = `You are evaluating e-commerce products for viability against a buyer's requirements. Separate HARD requirements (must be met) from NICE-to-have ones (bonus only, never a rejection reason). Respond with strict JSON only: {"evaluations": [{"index": 1, "viable": true, "viability_score": 0.85, "meets_requirements": {"gpu": true}, "strengths": ["..."], "weaknesses": ["..."], "rejection_reason": ""}], "summary": "one-line summary"}. Every product in the list must get exactly one evaluation entry, indexed from 1.`

// Evaluation pairs a verified product with the viability metadata the
// filter attached to it.
type Evaluation struct {
	Product           models.VerifiedProduct
	ViabilityScore    float64
	MeetsRequirements map[string]bool
	Strengths         []string
	Weaknesses        []string
	Summary           string
}

// Stats summarizes one filter run.
type Stats struct {
	TotalInput    int
	ViableCount   int
	RejectedCount int
}

// Filter evaluates verified products against requirements via an LLM, with
// a keyword-matching fallback and rejection recording into C16.
type Filter struct {
	llm     LLMClient
	tracker *rejection.Tracker
	recipes *recipe.Store
}

// NewFilter builds a Filter. tracker may be nil to skip rejection recording.
// recipes may be nil, in which case the built-in viabilitySystemPrompt is
// always used.
func NewFilter(llm LLMClient, tracker *rejection.Tracker, recipes *recipe.Store) *Filter {
	return &Filter{llm: llm, tracker: tracker, recipes: recipes}
}

// FilterViable evaluates products against requirements and query, returning
// the viable subset (capped at maxPerVendor, highest score first), the
// rejections (for the caller or C16), and summary stats.
func (f *Filter) FilterViable(ctx context.Context, products []models.VerifiedProduct, requirements models.Requirements, query string, maxPerVendor int) ([]Evaluation, []rejection.Rejection, Stats) {
	if len(products) == 0 {
		return nil, nil, Stats{}
	}

	viable, rejected := f.evaluate(ctx, products, requirements, query)

	sort.Slice(viable, func(i, j int) bool { return viable[i].ViabilityScore > viable[j].ViabilityScore })
	if maxPerVendor > 0 {
		viable = capPerVendor(viable, maxPerVendor)
	}

	if f.tracker != nil && len(rejected) > 0 {
		recordRejectionsByVendor(f.tracker, products, rejected, query)
	}

	return viable, rejected, Stats{TotalInput: len(products), ViableCount: len(viable), RejectedCount: len(rejected)}
}

// capPerVendor keeps up to maxPerVendor entries per VendorDomain, highest
// ViabilityScore first (viable is already sorted that way), instead of
// applying one flat cap across every vendor in the batch - a batch spanning
// several vendors must let each vendor keep its own allotment rather than
// one vendor's higher scores displacing another vendor's entirely.
func capPerVendor(viable []Evaluation, maxPerVendor int) []Evaluation {
	counts := make(map[string]int)
	kept := make([]Evaluation, 0, len(viable))
	dropped := 0
	for _, e := range viable {
		vendor := e.Product.VendorDomain
		if counts[vendor] >= maxPerVendor {
			dropped++
			continue
		}
		counts[vendor]++
		kept = append(kept, e)
	}
	if dropped > 0 {
		logging.ViabilityDebug("viability: capped %d viable products to %d per vendor", dropped, maxPerVendor)
	}
	return kept
}

// recordRejectionsByVendor splits a (possibly mixed-vendor) rejection batch
// by each rejection's own VendorDomain before handing it to C16, so a
// multi-vendor search hop's rejections don't all land under whichever
// vendor happened to be products[0].
func recordRejectionsByVendor(tracker *rejection.Tracker, products []models.VerifiedProduct, rejected []rejection.Rejection, query string) {
	totalByVendor := make(map[string]int)
	for _, p := range products {
		totalByVendor[vendorOrUnknown(p.VendorDomain)]++
	}

	byVendor := make(map[string][]rejection.Rejection)
	for _, r := range rejected {
		v := vendorOrUnknown(r.VendorDomain)
		byVendor[v] = append(byVendor[v], r)
	}

	for vendor, rejections := range byVendor {
		tracker.RecordRejections(vendor, query, rejections, totalByVendor[vendor])
	}
}

func vendorOrUnknown(vendor string) string {
	if vendor == "" {
		return "unknown"
	}
	return vendor
}

func (f *Filter) evaluate(ctx context.Context, products []models.VerifiedProduct, requirements models.Requirements, query string) ([]Evaluation, []rejection.Rejection) {
	if f.llm == nil {
		return f.heuristicFilter(products, requirements, query)
	}

	prompt := buildPrompt(products, requirements, query)
	systemPrompt := f.recipes.Get("viability_system_prompt", viabilitySystemPrompt)
	raw, err := f.llm.CompleteWithSystem(ctx, systemPrompt, prompt)
	if err != nil {
		logging.ViabilityWarn("viability: LLM call failed, falling back to keyword filter: %v", err)
		return f.heuristicFilter(products, requirements, query)
	}

	env, err := parseEnvelope(raw)
	if err != nil {
		logging.ViabilityWarn("viability: failed to parse LLM response, falling back to keyword filter: %v", err)
		return f.heuristicFilter(products, requirements, query)
	}

	if hasNoMatchSummary(env.Summary) && anyViable(env.Evaluations) {
		logging.ViabilityWarn("viability: summary says no matching products but evaluations contain viable items, discarding evaluations")
		env.Evaluations = nil
	}

	return applyEvaluations(products, env.Evaluations, requirements, query)
}

// heuristicFilter is the non-LLM fallback: a keyword match against the
// query and hard requirements decides viability outright, since there is no
// model response to parse or repair.
func (f *Filter) heuristicFilter(products []models.VerifiedProduct, requirements models.Requirements, query string) ([]Evaluation, []rejection.Rejection) {
	var viable []Evaluation
	var rejected []rejection.Rejection

	for _, p := range products {
		keywordViable, determined := checkKeywordViability(p, requirements, query)
		if determined && !keywordViable {
			rejected = append(rejected, rejection.Rejection{Reason: "Does not match query terms", VendorDomain: p.VendorDomain})
			continue
		}
		score := keywordOverrideScore
		summary := "Viable based on keyword matching (no LLM available)"
		if !determined {
			score = defaultViableScore
			summary = "Viability undetermined, admitted by default (no LLM available)"
		}
		viable = append(viable, Evaluation{
			Product:        p,
			ViabilityScore: score,
			Summary:        summary,
		})
	}
	return viable, rejected
}

func anyViable(evaluations []evalItem) bool {
	for _, e := range evaluations {
		if e.Viable {
			return true
		}
	}
	return false
}

func hasNoMatchSummary(summary string) bool {
	return strings.Contains(strings.ToLower(summary), "no matching products")
}

func applyEvaluations(products []models.VerifiedProduct, evaluations []evalItem, requirements models.Requirements, query string) ([]Evaluation, []rejection.Rejection) {
	var viable []Evaluation
	var rejected []rejection.Rejection

	for _, item := range evaluations {
		if item.Index < 1 || item.Index > len(products) {
			continue
		}
		product := products[item.Index-1]

		if item.Viable {
			score := item.ViabilityScore
			if score <= 0 {
				score = defaultViableScore
			}
			viable = append(viable, Evaluation{
				Product:           product,
				ViabilityScore:    score,
				MeetsRequirements: item.MeetsRequirements,
				Strengths:         item.Strengths,
				Weaknesses:        item.Weaknesses,
				Summary:           item.Summary,
			})
			continue
		}

		reason := strings.TrimSpace(item.RejectionReason)
		if isGenericReason(reason) {
			if keywordViable, determined := checkKeywordViability(product, requirements, query); determined && keywordViable {
				logging.ViabilityDebug("viability: overriding LLM rejection via keyword match for %q", product.Title)
				viable = append(viable, Evaluation{
					Product:        product,
					ViabilityScore: keywordOverrideScore,
					Strengths:      []string{"Matches query terms"},
					Weaknesses:     []string{"Viability uncertain - keyword match only"},
					Summary:        "Viable based on keyword matching",
				})
				continue
			}
		}
		if reason == "" {
			reason = "Does not meet requirements"
		}
		rejected = append(rejected, rejection.Rejection{Reason: reason, VendorDomain: product.VendorDomain})
	}

	return viable, rejected
}

func isGenericReason(reason string) bool {
	switch strings.ToLower(reason) {
	case "", "n/a", "does not meet requirements":
		return true
	default:
		return false
	}
}

// --- LLM prompt construction ---

func buildPrompt(products []models.VerifiedProduct, requirements models.Requirements, query string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "USER QUERY: %s\n\n", query)

	b.WriteString("HARD REQUIREMENTS (product MUST meet these to be viable):\n")
	writeRequirementLines(&b, requirements.HardRequirements)

	b.WriteString("\nNICE TO HAVE (improve score but do NOT reject if missing):\n")
	writeRequirementLines(&b, requirements.NiceToHaves)

	if requirements.PriceRange.Max > 0 {
		fmt.Fprintf(&b, "\nPrice budget: up to %.2f\n", requirements.PriceRange.Max)
	}

	limit := len(products)
	if limit > maxProductsToPrompt {
		limit = maxProductsToPrompt
	}
	fmt.Fprintf(&b, "\nPRODUCTS TO EVALUATE (%d total, showing up to %d):\n", len(products), limit)
	for i, p := range products[:limit] {
		fmt.Fprintf(&b, "%d. Name: %s\n   Price: %.2f\n   Vendor: %s\n", i+1, p.Title, p.Price, p.VendorDomain)
		if merged := mergeSpecs(p); len(merged) > 0 {
			b.WriteString("   Specs: " + formatSpecs(merged) + "\n")
		}
	}

	b.WriteString("\nEvaluate each product against the requirements and determine viability.")
	return b.String()
}

func writeRequirementLines(b *strings.Builder, reqs []string) {
	if len(reqs) == 0 {
		b.WriteString("(none specified)\n")
		return
	}
	for _, r := range reqs {
		fmt.Fprintf(b, "- %s\n", r)
	}
}

func formatSpecs(specs map[string]string) string {
	keys := make([]string, 0, len(specs))
	for k := range specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, specs[k]))
	}
	return strings.Join(parts, ", ")
}

func mergeSpecs(p models.VerifiedProduct) map[string]string {
	merged := parseSpecsFromURL(p.URL)
	if merged == nil {
		merged = make(map[string]string)
	}
	for k, v := range p.Specs {
		merged[k] = v
	}
	return merged
}

// --- LLM response types and tolerant JSON parsing ---

type evalItem struct {
	Index             int             `json:"index"`
	Viable            bool            `json:"viable"`
	ViabilityScore    float64         `json:"viability_score"`
	MeetsRequirements map[string]bool `json:"meets_requirements"`
	Strengths         []string        `json:"strengths"`
	Weaknesses        []string        `json:"weaknesses"`
	RejectionReason   string          `json:"rejection_reason"`
	Summary           string          `json:"summary"`
}

type envelope struct {
	Evaluations []evalItem `json:"evaluations"`
	Summary     string     `json:"summary"`
}

var (
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
	partialEvalPattern   = regexp.MustCompile(`\{\s*"index"\s*:\s*\d+[^}]+\}`)
)

// parseEnvelope tolerantly extracts the evaluation envelope from an LLM
// response: strips code fences, locates the outermost JSON object, attempts
// a trailing-comma repair, and as a last resort salvages individual
// well-formed per-product evaluation objects by regex.
func parseEnvelope(raw string) (*envelope, error) {
	cleaned := stripFences(raw)
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("viability: no JSON object found in LLM response")
	}
	body := cleaned[start : end+1]

	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err == nil {
		return &env, nil
	}

	repaired := trailingCommaPattern.ReplaceAllString(body, "$1")
	if err := json.Unmarshal([]byte(repaired), &env); err == nil {
		return &env, nil
	}

	matches := partialEvalPattern.FindAllString(repaired, -1)
	var salvaged []evalItem
	for _, m := range matches {
		var item evalItem
		if err := json.Unmarshal([]byte(m), &item); err == nil {
			salvaged = append(salvaged, item)
		}
	}
	if len(salvaged) == 0 {
		return nil, fmt.Errorf("viability: could not parse or repair LLM JSON response")
	}
	return &envelope{Evaluations: salvaged, Summary: "partial evaluation (JSON repair)"}, nil
}

func stripFences(raw string) string {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	return strings.TrimSpace(cleaned)
}

// --- URL spec mining ---

var (
	gpuPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(rtx|gtx)\s*(\d{4})\s*(ti|super)?`),
		regexp.MustCompile(`geforce\s*(rtx|gtx)\s*(\d{4})\s*(ti|super)?`),
		regexp.MustCompile(`nvidia\s*geforce\s*(rtx|gtx)\s*(\d{4})`),
		regexp.MustCompile(`(rtx|gtx)\s*(\d{3,4})`),
	}
	ramPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(\d+)\s*gb\s*(ddr\d+)`),
		regexp.MustCompile(`(\d+)\s*gb\s*ram`),
		regexp.MustCompile(`(\d+)gb\s*(ddr\d)?`),
	}
	storagePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(\d+)\s*(gb|tb)\s*(ssd|nvme|pcie|hdd)`),
		regexp.MustCompile(`(\d+)\s*(gb|tb)\s*(?:pcie\s*)?(ssd|nvme)`),
	}
	cpuPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(intel\s*core\s*i\d)`),
		regexp.MustCompile(`(amd\s*ryzen\s*\d)`),
		regexp.MustCompile(`(core\s*i\d\s*\d+)`),
		regexp.MustCompile(`(ryzen\s*\d\s*\d+)`),
	}
	inchPattern       = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:inch|")`)
	hzPattern         = regexp.MustCompile(`(\d{3,4})\s*hz`)
	resolutionPattern = regexp.MustCompile(`(wuxga|fhd|qhd|4k|uhd)`)
)

// parseSpecsFromURL mines GPU/RAM/storage/CPU/display specs out of a
// retailer's product-slug URL path, e.g.
// /asus-tuf-gaming-a16-16-wuxga-144hz-amd-processor-nvidia-geforce-rtx-4050-16gb-ddr5-512gb-pcie-ssd
func parseSpecsFromURL(rawURL string) map[string]string {
	if rawURL == "" {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	text := strings.NewReplacer("-", " ", "_", " ", "/", " ").Replace(strings.ToLower(u.Path))

	specs := make(map[string]string)

	for _, p := range gpuPatterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		specs["gpu"] = joinNonEmpty(strings.ToUpper(group(m, 1)), group(m, 2), strings.ToUpper(group(m, 3)))
		break
	}

	for _, p := range ramPatterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		specs["ram"] = joinNonEmpty(group(m, 1)+"GB", strings.ToUpper(group(m, 2)))
		break
	}

	for _, p := range storagePatterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		storageType := strings.ToUpper(group(m, 3))
		if storageType == "" {
			storageType = "SSD"
		}
		specs["storage"] = group(m, 1) + strings.ToUpper(group(m, 2)) + " " + storageType
		break
	}

	for _, p := range cpuPatterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		specs["cpu"] = titleCase(m[1])
		break
	}

	if m := inchPattern.FindStringSubmatch(text); m != nil {
		specs["screen_size"] = m[1] + " inch"
	}
	if m := hzPattern.FindStringSubmatch(text); m != nil {
		specs["refresh_rate"] = m[1] + "Hz"
	}
	if m := resolutionPattern.FindStringSubmatch(text); m != nil {
		specs["resolution"] = strings.ToUpper(m[1])
	}

	if len(specs) == 0 {
		return nil
	}
	return specs
}

// group returns submatch n, or "" if the pattern had fewer groups or the
// group didn't participate in the match.
func group(m []string, n int) string {
	if n >= len(m) {
		return ""
	}
	return m[n]
}

func joinNonEmpty(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " ")
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// --- keyword viability fallback ---

var stopWords = map[string]bool{
	"find": true, "search": true, "buy": true, "get": true, "want": true,
	"need": true, "looking": true, "for": true, "the": true, "a": true,
	"an": true, "with": true, "and": true, "or": true, "under": true,
	"over": true, "about": true,
}

// checkKeywordViability compares a product's title, URL, and merged specs
// against the query's meaningful terms (and the hard requirements, used as
// the "key requirements" signal). determined is false when the match ratio
// is inconclusive and the caller should defer to the LLM.
func checkKeywordViability(product models.VerifiedProduct, requirements models.Requirements, query string) (viable bool, determined bool) {
	text := buildProductText(product)

	queryTerms := meaningfulTerms(query)
	if len(queryTerms) == 0 {
		return false, false
	}

	matches := 0
	for _, term := range queryTerms {
		if strings.Contains(text, term) {
			matches++
		}
	}
	matchRatio := float64(matches) / float64(len(queryTerms))

	reqRatio := matchRatio
	if len(requirements.HardRequirements) > 0 {
		reqMatches := 0
		for _, req := range requirements.HardRequirements {
			if requirementWordMatches(text, req) {
				reqMatches++
			}
		}
		reqRatio = float64(reqMatches) / float64(len(requirements.HardRequirements))
	}

	if matchRatio >= queryMatchViableRatio || reqRatio >= requirementMatchViableRatio {
		return true, true
	}
	if matchRatio < queryMatchRejectRatio && reqRatio < queryMatchRejectRatio {
		return false, true
	}
	return false, false
}

func requirementWordMatches(text, requirement string) bool {
	for _, word := range strings.Fields(requirement) {
		if len(word) > 3 && strings.Contains(text, strings.ToLower(word)) {
			return true
		}
	}
	return false
}

func meaningfulTerms(query string) []string {
	var terms []string
	for _, t := range strings.Fields(strings.ToLower(query)) {
		if len(t) > 2 && !stopWords[t] {
			terms = append(terms, t)
		}
	}
	return terms
}

func buildProductText(product models.VerifiedProduct) string {
	parts := []string{strings.ToLower(product.Title), strings.ToLower(product.URL)}
	for _, v := range mergeSpecs(product) {
		parts = append(parts, strings.ToLower(v))
	}
	return strings.Join(parts, " ")
}
