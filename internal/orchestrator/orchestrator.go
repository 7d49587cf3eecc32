// Package orchestrator implements C17: the research state machine that
// drives every other component (search, classification, extraction,
// prioritization, verification, viability filtering, rejection learning)
// through a bounded number of hops toward a target count of viable,
// verified products.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/go-rod/rod"

	"researchcore/internal/browser"
	"researchcore/internal/embedding"
	"researchcore/internal/extraction"
	"researchcore/internal/fetch"
	"researchcore/internal/intelligence"
	"researchcore/internal/intervention"
	"researchcore/internal/logging"
	"researchcore/internal/models"
	"researchcore/internal/pdp"
	"researchcore/internal/prioritize"
	"researchcore/internal/recipe"
	"researchcore/internal/recovery"
	"researchcore/internal/rejection"
	"researchcore/internal/session"
	"researchcore/internal/verify"
	"researchcore/internal/viability"
)

// LLMClient is the subset of perception.LLMClient the orchestrator itself
// needs (planning). Kept as its own interface so this package never imports
// perception directly; any perception.LLMClient implementation satisfies it
// for free.
type LLMClient interface {
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Config bounds a research run.
type Config struct {
	TargetViable int           // stop once this many viable products are found
	HopBudget    int           // max search/extract/verify/filter cycles
	MaxPerVendor int           // cap on viable products accepted from one vendor
	QualityFloor float64       // minimum viability score accepted without another hop
	VerifyBudget int           // max PDP visits per hop
	HopTimeout   time.Duration // wall-clock budget per hop
}

// DefaultConfig mirrors the defaults product_viability.py and pipeline.py
// use when the caller doesn't override them.
func DefaultConfig() Config {
	return Config{
		TargetViable: 5,
		HopBudget:    3,
		MaxPerVendor: 3,
		QualityFloor: 0.6,
		VerifyBudget: 8,
		HopTimeout:   90 * time.Second,
	}
}

// Request is one research ask: a natural-language query, scoped to a
// vendor's domain and an existing (or fresh) browser session.
type Request struct {
	Query       string
	Domain      string
	SessionID   string
	UserID      string
	HumanAssist bool
	Config      Config
}

// Orchestrator wires every pipeline component together. All dependencies
// are required except llm, visionEx, and tracker, which may be nil (planning
// falls back to the raw query, vision extraction is skipped, and
// rejection-driven refinement never fires).
type Orchestrator struct {
	sessions  *browser.SessionManager
	registry  *session.Registry
	recov     *recovery.Manager
	interv    *intervention.Broker
	perc      *intelligence.Service
	fetcher   *fetch.Fetcher
	htmlEx    *extraction.HTMLExtractor
	domEx     *extraction.UniversalDOMExtractor
	visionEx  *extraction.VisionExtractor
	pdpEx     *pdp.Extractor
	verifier  *verify.Verifier
	filter    *viability.Filter
	tracker   *rejection.Tracker
	llm       LLMClient
	events    *Emitter
	sessionID string
	recipes   *recipe.Store
	embedder  embedding.Engine
}

// New builds an Orchestrator. sessionID scopes blocker intervention
// requests and recovery bookkeeping to one browser session. visionEx may be
// nil, in which case candidate extraction falls back to HTML+DOM fusion
// with no visual lane.
func New(
	sessions *browser.SessionManager,
	registry *session.Registry,
	recov *recovery.Manager,
	interv *intervention.Broker,
	perc *intelligence.Service,
	fetcher *fetch.Fetcher,
	htmlEx *extraction.HTMLExtractor,
	domEx *extraction.UniversalDOMExtractor,
	visionEx *extraction.VisionExtractor,
	pdpEx *pdp.Extractor,
	verifier *verify.Verifier,
	filter *viability.Filter,
	tracker *rejection.Tracker,
	llm LLMClient,
	events *Emitter,
	sessionID string,
	recipes *recipe.Store,
	embedder embedding.Engine,
) *Orchestrator {
	return &Orchestrator{
		sessions:  sessions,
		registry:  registry,
		recov:     recov,
		interv:    interv,
		perc:      perc,
		fetcher:   fetcher,
		htmlEx:    htmlEx,
		domEx:     domEx,
		visionEx:  visionEx,
		pdpEx:     pdpEx,
		verifier:  verifier,
		filter:    filter,
		tracker:   tracker,
		llm:       llm,
		events:    events,
		sessionID: sessionID,
		recipes:   recipes,
		embedder:  embedder,
	}
}

// hopState accumulates what each pass through the state machine has found
// so decide_next can judge whether another hop is worthwhile.
type hopState struct {
	hop         int
	viable      []viability.Evaluation
	rejected    []rejection.Rejection
	vendorsSeen map[string]bool
}

// Report is what Run returns: the verified, viable products found, plus
// enough bookkeeping to explain why the run stopped where it did.
type Report struct {
	Query         string
	Products      []viability.Evaluation
	HopsUsed      int
	VendorsSeen   []string
	TotalRejected int
	Caveats       []string
}

// Run drives the full plan -> search -> classify -> extract -> prioritize
// -> verify -> filter -> decide_next loop until TargetViable products are
// found, HopBudget is exhausted, or nothing new is discoverable.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Report, error) {
	cfg := req.Config
	if cfg.TargetViable == 0 {
		cfg = DefaultConfig()
		req.Config = cfg
	}
	o.sessionID = req.SessionID
	o.registry.Register(req.SessionID, req.UserID)
	defer o.registry.Close(req.SessionID, "research run complete")

	state := &hopState{vendorsSeen: map[string]bool{}}
	var refineDomains []string

	o.events.Phase("plan")
	currentQuery := req.Query

	for hop := 0; hop < cfg.HopBudget; hop++ {
		state.hop = hop
		hopCtx, cancel := context.WithTimeout(ctx, cfg.HopTimeout)

		p, err := o.plan(hopCtx, currentQuery, refineDomains)
		if err != nil {
			cancel()
			logging.OrchestratorWarn("planning failed on hop %d: %v", hop, err)
			p = Plan{SearchQueries: []string{currentQuery}}
		}
		requirements := p.requirements()

		evaluations, rejections, err := o.runHop(hopCtx, req, p, requirements)
		cancel()
		if err != nil {
			logging.OrchestratorError("hop %d failed: %v", hop, err)
		}

		state.viable = dedupeByEmbedding(ctx, o.embedder, mergeEvaluations(state.viable, evaluations, cfg.MaxPerVendor))
		state.rejected = append(state.rejected, rejections...)
		for _, e := range evaluations {
			state.vendorsSeen[e.Product.VendorDomain] = true
		}

		o.events.Progress(fmt.Sprintf("hop %d: %d viable so far", hop, len(state.viable)))

		if len(state.viable) >= cfg.TargetViable {
			break
		}
		if !o.shouldContinue(state, cfg) {
			break
		}

		refineDomains = domainsOf(state.vendorsSeen)
		currentQuery = req.Query
	}

	o.events.ResearchComplete(fmt.Sprintf("%d viable products found over %d hop(s)", len(state.viable), state.hop+1))

	return &Report{
		Query:         req.Query,
		Products:      state.viable,
		HopsUsed:      state.hop + 1,
		VendorsSeen:   domainsOf(state.vendorsSeen),
		TotalRejected: len(state.rejected),
		Caveats:       buildCaveats(state, cfg),
	}, nil
}

// runHop executes one full plan -> search -> classify -> extract ->
// prioritize -> verify -> filter pass for every planned search query.
func (o *Orchestrator) runHop(ctx context.Context, req Request, p Plan, requirements models.Requirements) ([]viability.Evaluation, []rejection.Rejection, error) {
	var allViable []viability.Evaluation
	var allRejected []rejection.Rejection

	for _, query := range p.SearchQueries {
		o.events.SearchStarted(query)

		err := o.recov.ExecuteWithRecovery(ctx, req.Domain, req.SessionID, req.UserID, 2, func(browserCtx *browser.Context) error {
			results, err := o.driveSearchEngine(ctx, browserCtx, query)
			if err != nil {
				return fmt.Errorf("driving search engine: %w", err)
			}

			verified := o.extractAndVerify(ctx, browserCtx, results, req, query, requirements)
			if len(verified) == 0 {
				return nil
			}

			evaluations, rejected, _ := o.filter.FilterViable(ctx, verified, requirements, query, req.Config.MaxPerVendor)
			allViable = append(allViable, evaluations...)
			allRejected = append(allRejected, rejected...)
			return nil
		})
		if err != nil {
			logging.OrchestratorWarn("search for %q failed: %v", query, err)
		}
	}

	return allViable, allRejected, nil
}

// extractAndVerify visits each search result and classifies it as a product
// detail page or a listing page. A classified PDP is extracted directly
// through C13 (we're already standing on the page a listing's
// click-to-verify step would otherwise have to reach). A listing page runs
// the hybrid HTML+DOM+vision pipeline, then immediately prioritizes and
// verifies its own candidates while the browser is still sitting on that
// listing - VerifyProductsWithEarlyStop needs to click from and navigate
// back to the exact page its candidates were fused from, so candidates from
// different listing pages can never be batched into one verify call.
func (o *Orchestrator) extractAndVerify(ctx context.Context, browserCtx *browser.Context, results []searchResult, req Request, query string, requirements models.Requirements) []models.VerifiedProduct {
	var verified []models.VerifiedProduct

	for _, r := range results {
		if len(verified) >= req.Config.TargetViable {
			break
		}

		o.events.CandidateChecking(r.Title, r.URL)

		if o.fetcher != nil && !o.fetcher.Fetch(ctx, r.URL).Success {
			logging.OrchestratorWarn("skipping unreachable candidate %s", r.URL)
			continue
		}

		if err := o.sessions.Navigate(ctx, browserCtx, r.URL); err != nil {
			logging.OrchestratorWarn("navigating to candidate %s: %v", r.URL, err)
			continue
		}
		if !o.checkAndHandleBlocker(ctx, browserCtx, r.URL) {
			continue
		}

		page := browserCtx.Page()
		isPDP := classifyPage(ctx, page, r.URL)

		if isPDP {
			if vp, ok := o.extractPDPDirect(ctx, page, r, req, query); ok {
				verified = append(verified, vp)
			}
			continue
		}

		html, err := page.Context(ctx).HTML()
		if err != nil {
			continue
		}

		htmlCandidates, _ := o.htmlEx.Extract(html)
		domCandidates, _ := o.domEx.Extract(html)
		merged := append(htmlCandidates, domCandidates...)

		var visual []extraction.VisualProduct
		if o.visionEx != nil && o.wantsVisionLane(ctx, page, r.URL) {
			shotPath, err := screenshotToTempFile(ctx, page)
			if err == nil {
				defer os.Remove(shotPath)
				if vp, err := o.visionEx.Extract(ctx, shotPath, query); err == nil {
					visual = vp
				}
			}
		}

		fused := extraction.FuseProducts(visual, merged, r.URL)
		if len(fused) == 0 {
			continue
		}

		prio := prioritize.Prioritize(fused, requirements, query, capInt(len(fused), 20))
		toVerify := fusedFromScored(prio.Prioritized)
		for _, c := range prio.Rejected {
			o.events.CandidateRejected(c.Product.Title, c.RejectionReason)
		}

		remaining := req.Config.TargetViable - len(verified)
		verified = append(verified, o.verifier.VerifyProductsWithEarlyStop(ctx, page, toVerify, r.URL, req.Domain, remaining, requirements, query)...)
	}

	return verified
}

// wantsVisionLane asks C7 whether this listing page's layout calls for the
// (expensive) vision extraction lane. When the intelligence service is not
// wired in or its judgment is unavailable, the vision lane runs anyway -
// the conservative default since skipping it silently would drop products
// a vision-only layout can't expose through HTML/DOM text.
func (o *Orchestrator) wantsVisionLane(ctx context.Context, page *rod.Page, pageURL string) bool {
	if o.perc == nil {
		return true
	}
	understanding, err := o.perc.UnderstandPage(ctx, page, pageURL, false)
	if err != nil || understanding == nil {
		return true
	}
	switch understanding.ExtractionStrategy {
	case intelligence.StrategyVision, intelligence.StrategyHybrid:
		return true
	case intelligence.StrategySelector, intelligence.StrategyProse:
		return false
	default:
		return true
	}
}

// extractPDPDirect runs C13 against a page already classified as a product
// detail page and builds a VerifiedProduct straight from the result, with
// VerificationMethod reflecting that this came from direct search-result
// navigation rather than a listing's click-to-verify step.
func (o *Orchestrator) extractPDPDirect(ctx context.Context, page *rod.Page, r searchResult, req Request, query string) (models.VerifiedProduct, bool) {
	if o.pdpEx == nil {
		return models.VerifiedProduct{}, false
	}

	data, err := o.pdpEx.Extract(ctx, page, r.URL, query)
	if err != nil || data == nil {
		logging.OrchestratorWarn("direct PDP extraction failed for %s: %v", r.URL, err)
		return models.VerifiedProduct{}, false
	}

	title := data.Title
	if title == "" {
		title = r.Title
	}

	return models.VerifiedProduct{
		Title:                title,
		Price:                data.Price,
		URL:                  r.URL,
		VendorDomain:         extraction.VendorDomain(r.URL),
		Availability:         data.StockStatus,
		Condition:            data.Condition,
		Rating:               data.Rating,
		ReviewCount:          data.ReviewCount,
		Specs:                data.Specs,
		ExtractionConfidence: data.Confidence,
		ExtractionSource:     data.ExtractionSource,
		VerificationMethod:   models.VerificationDirectPDP,
	}, true
}

// shouldContinue implements decide_next: another hop runs only while both
// the hop budget and the target are unreached, and only if the hops so far
// found or rejected at least one product. Below target, an average score at
// or above QualityFloor does not stop the loop, and vendor coverage is not
// checked.
func (o *Orchestrator) shouldContinue(state *hopState, cfg Config) bool {
	if state.hop+1 >= cfg.HopBudget {
		return false
	}
	if len(state.viable) >= cfg.TargetViable {
		return false
	}
	if len(state.rejected) == 0 && len(state.viable) == 0 {
		return false
	}
	if averageScore(state.viable) >= cfg.QualityFloor && len(state.viable) > 0 {
		return len(state.viable) < cfg.TargetViable
	}
	return true
}

func averageScore(evaluations []viability.Evaluation) float64 {
	if len(evaluations) == 0 {
		return 0
	}
	var total float64
	for _, e := range evaluations {
		total += e.ViabilityScore
	}
	return total / float64(len(evaluations))
}

func buildCaveats(state *hopState, cfg Config) []string {
	var caveats []string
	if len(state.viable) < cfg.TargetViable {
		caveats = append(caveats, fmt.Sprintf("found %d of %d target viable products", len(state.viable), cfg.TargetViable))
	}
	if state.hop+1 >= cfg.HopBudget {
		caveats = append(caveats, "hop budget exhausted")
	}
	return caveats
}

func domainsOf(seen map[string]bool) []string {
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// mergeEvaluations folds fresh evaluations into the accumulated set,
// enforcing maxPerVendor and keeping the highest-scoring entries when a
// vendor's cap is exceeded across hops.
func mergeEvaluations(existing, fresh []viability.Evaluation, maxPerVendor int) []viability.Evaluation {
	all := append(append([]viability.Evaluation{}, existing...), fresh...)
	if maxPerVendor <= 0 {
		return all
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].ViabilityScore > all[j].ViabilityScore })

	counts := map[string]int{}
	var capped []viability.Evaluation
	for _, e := range all {
		v := e.Product.VendorDomain
		if counts[v] >= maxPerVendor {
			continue
		}
		counts[v]++
		capped = append(capped, e)
	}
	return capped
}

func fusedFromScored(scored []prioritize.ScoredCandidate) []extraction.FusedProduct {
	out := make([]extraction.FusedProduct, len(scored))
	for i, s := range scored {
		out[i] = s.Product
	}
	return out
}

func capInt(n, max int) int {
	if n > max {
		return max
	}
	return n
}

// screenshotToTempFile captures the current page to a temp PNG and returns
// its path, for the vision extraction lane and for attaching evidence to an
// intervention request. Mirrors verify.go's unexported helper of the same
// name and purpose.
func screenshotToTempFile(ctx context.Context, page *rod.Page) (string, error) {
	data, err := page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "orchestrator-screenshot-*.png")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", err
	}
	return f.Name(), nil
}
