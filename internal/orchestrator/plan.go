package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"researchcore/internal/models"
	"researchcore/internal/recipe"
	"researchcore/internal/rejection"
)

// Plan is what the `plan` state produces from a user query: what to search
// for and the requirements every candidate will ultimately be judged
// against.
type Plan struct {
	SearchQueries     []string `json:"search_queries"`
	HardRequirements  []string `json:"hard_requirements"`
	NiceToHaves       []string `json:"nice_to_haves"`
	PriceMin          float64  `json:"price_min"`
	PriceMax          float64  `json:"price_max"`
	RecommendedBrands []string `json:"recommended_brands"`
}

func (p Plan) requirements() models.Requirements {
	return models.Requirements{
		HardRequirements:  p.HardRequirements,
		NiceToHaves:       p.NiceToHaves,
		PriceRange:        models.PriceRange{Min: p.PriceMin, Max: p.PriceMax},
		RecommendedBrands: p.RecommendedBrands,
	}
}

const planningSystemPrompt = `You are planning a product research session. From the user's query, derive concrete search engine queries and a requirements breakdown. Respond with strict JSON only: {"search_queries": ["..."], "hard_requirements": ["..."], "nice_to_haves": ["..."], "price_min": 0, "price_max": 0, "recommended_brands": ["..."]}. hard_requirements are constraints a product MUST satisfy; nice_to_haves only improve ranking. Use 0 for an unbounded price_min/price_max.`

// plan asks the LLM to turn query into a Plan, then layers in any learned
// query_refinements (C16) for the given target vendor domains. refineFor may
// be empty if no vendors are yet known (the common case on the first hop).
func (o *Orchestrator) plan(ctx context.Context, query string, refineFor []string) (Plan, error) {
	if o.llm == nil {
		return Plan{SearchQueries: []string{query}}, nil
	}

	prompt := fmt.Sprintf("USER QUERY: %s\n\nDerive search queries and requirements.", query)
	systemPrompt := o.recipes.Get("planning_system_prompt", planningSystemPrompt)
	raw, err := o.llm.CompleteWithSystem(ctx, systemPrompt, prompt)
	if err != nil {
		return Plan{}, fmt.Errorf("planning LLM call: %w", err)
	}

	p, err := parsePlan(raw)
	if err != nil {
		return Plan{}, fmt.Errorf("parsing plan response: %w", err)
	}
	if len(p.SearchQueries) == 0 {
		p.SearchQueries = []string{query}
	}

	p.SearchQueries = applyRefinements(o.tracker, p.SearchQueries, refineFor)
	return p, nil
}

// applyRefinements appends C16's learned query fragments (e.g. "nvidia rtx
// gpu") to every planned query, once per distinct refinement, for every
// vendor in domains that has accumulated enough history to have an opinion.
func applyRefinements(tracker *rejection.Tracker, queries, domains []string) []string {
	if tracker == nil || len(domains) == 0 {
		return queries
	}

	seen := make(map[string]bool)
	var fragments []string
	for _, d := range domains {
		for _, q := range queries {
			for _, r := range tracker.GetQueryRefinements(d, q) {
				if !seen[r] {
					seen[r] = true
					fragments = append(fragments, r)
				}
			}
		}
	}
	if len(fragments) == 0 {
		return queries
	}

	refined := make([]string, len(queries))
	suffix := " " + strings.Join(fragments, " ")
	for i, q := range queries {
		refined[i] = q + suffix
	}
	return refined
}

var (
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// parsePlan extracts a Plan from a raw LLM response: strips fences, locates
// the outermost JSON object, and attempts a trailing-comma repair if the
// first parse fails. Matches the tolerant-parsing idiom used throughout
// this pipeline (C13's parseSelectorChoice, C15's parseEnvelope).
func parsePlan(raw string) (Plan, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end < start {
		return Plan{}, fmt.Errorf("no JSON object found in plan response")
	}
	body := cleaned[start : end+1]

	var p Plan
	if err := json.Unmarshal([]byte(body), &p); err == nil {
		return p, nil
	}

	repaired := trailingCommaPattern.ReplaceAllString(body, "$1")
	if err := json.Unmarshal([]byte(repaired), &p); err != nil {
		return Plan{}, err
	}
	return p, nil
}
