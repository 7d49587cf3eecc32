package pdp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"golang.org/x/net/html"

	"researchcore/internal/logging"
)

// extractSpecs unions specs from JSON-LD, HTML tables/dl, and (only when
// the goal looks electronics-like and gpu/cpu are still missing) one LLM
// call over the page's main-content text. First writer wins per key.
func (e *Extractor) extractSpecs(ctx context.Context, page *rod.Page, rawHTML, goal string) map[string]string {
	specs := make(map[string]string)

	for k, v := range extractLDSpecs(rawHTML) {
		specs[k] = v
	}
	for k, v := range extractHTMLSpecs(rawHTML) {
		if _, exists := specs[k]; !exists {
			specs[k] = v
		}
	}

	if goal != "" && e.llm != nil && needsLLMSpecs(specs, goal) {
		llmSpecs, err := e.extractSpecsWithLLM(ctx, page, goal)
		if err != nil {
			logging.ExtractionWarn("pdp: LLM spec extraction failed: %v", err)
		}
		for k, v := range llmSpecs {
			if _, exists := specs[k]; !exists {
				specs[k] = v
			}
		}
	}

	if len(specs) == 0 {
		return nil
	}
	return specs
}

func needsLLMSpecs(specs map[string]string, goal string) bool {
	lower := strings.ToLower(goal)
	electronics := false
	for _, term := range electronicsGoalTerms {
		if strings.Contains(lower, term) {
			electronics = true
			break
		}
	}
	if !electronics {
		return false
	}
	_, hasGPU := specs["gpu"]
	_, hasCPU := specs["cpu"]
	return !hasGPU && !hasCPU
}

func normalizeSpecKey(key string) string {
	lower := strings.ToLower(strings.TrimSpace(key))
	for _, m := range specKeyMappings {
		if strings.Contains(lower, m.pattern) {
			return m.normalized
		}
	}
	return strings.ReplaceAll(strings.ReplaceAll(lower, " ", "_"), "-", "_")
}

// extractLDSpecs reads the `additionalProperty` array (and brand/model/sku)
// off any Product-family JSON-LD node, independent of whether that node
// also yields a usable price (extractJSONLD requires one; this does not).
func extractLDSpecs(rawHTML string) map[string]string {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}

	specs := make(map[string]string)
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "script" && isLDJSONScript(n) {
			var parsed interface{}
			if err := json.Unmarshal([]byte(textContent(n)), &parsed); err == nil {
				collectLDSpecs(parsed, specs)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)
	return specs
}

func collectLDSpecs(value interface{}, specs map[string]string) {
	switch v := value.(type) {
	case []interface{}:
		for _, item := range v {
			collectLDSpecs(item, specs)
		}
	case map[string]interface{}:
		if graph, ok := v["@graph"]; ok {
			collectLDSpecs(graph, specs)
			return
		}
		if !isLDProductType(v["@type"]) {
			return
		}
		for _, field := range []string{"brand", "model", "sku"} {
			if s := stringOf(v[field]); s != "" {
				specs[field] = s
			}
		}
		if props, ok := v["additionalProperty"].([]interface{}); ok {
			for _, p := range props {
				pm := asMap(p)
				if pm == nil {
					continue
				}
				name := stringOf(pm["name"])
				val := stringOf(pm["value"])
				if name != "" && val != "" {
					specs[normalizeSpecKey(name)] = val
				}
			}
		}
	}
}

// extractHTMLSpecs mines <table>, <dl>, and label/value spec-class divs for
// key/value pairs, keeping the first value seen per normalized key.
func extractHTMLSpecs(rawHTML string) map[string]string {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}

	specs := make(map[string]string)
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "table":
				for _, row := range findAll(n, "tr") {
					cells := findAll(row, "td")
					if len(cells) < 2 {
						cells = findAll(row, "th")
						cells = append(cells, findAll(row, "td")...)
					}
					if len(cells) >= 2 {
						addSpec(specs, textContent(cells[0]), textContent(cells[1]))
					}
				}
			case "dl":
				terms := findAll(n, "dt")
				defs := findAll(n, "dd")
				for i := 0; i < len(terms) && i < len(defs); i++ {
					addSpec(specs, textContent(terms[i]), textContent(defs[i]))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)
	return specs
}

func addSpec(specs map[string]string, label, value string) {
	label = strings.TrimSpace(label)
	value = strings.TrimSpace(value)
	if label == "" || value == "" || len(value) > 200 {
		return
	}
	key := normalizeSpecKey(label)
	if _, exists := specs[key]; !exists {
		specs[key] = value
	}
}

func findAll(n *html.Node, tag string) []*html.Node {
	var out []*html.Node
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == tag {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return out
}

const specsSystemPrompt = "You extract technical specifications from product page text. Respond with strict JSON only: {\"gpu\": \"...\", \"cpu\": \"...\", \"ram\": \"...\", \"storage\": \"...\", \"display\": \"...\"}. Omit keys you cannot determine."

// extractSpecsWithLLM asks the LLM to read the page's visible text and
// pull out the handful of electronics specs a goal like "gaming laptop"
// cares about, when JSON-LD and HTML mining both came up empty on gpu/cpu.
func (e *Extractor) extractSpecsWithLLM(ctx context.Context, page *rod.Page, goal string) (map[string]string, error) {
	bodyText, err := mainContentText(ctx, page)
	if err != nil {
		return nil, err
	}
	if bodyText == "" {
		return nil, nil
	}

	prompt := fmt.Sprintf("The user is shopping for: %q\n\nPage text:\n%s\n\nExtract gpu/cpu/ram/storage/display specs as JSON.", goal, truncateText(bodyText, 6000))
	raw, err := e.llm.CompleteWithSystem(ctx, specsSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in LLM spec response")
	}

	var raw2 map[string]string
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &raw2); err != nil {
		return nil, fmt.Errorf("parsing LLM spec response: %w", err)
	}

	out := make(map[string]string, len(raw2))
	for k, v := range raw2 {
		if v != "" {
			out[normalizeSpecKey(k)] = v
		}
	}
	return out, nil
}

func mainContentText(ctx context.Context, page *rod.Page) (string, error) {
	body, err := page.Context(ctx).Element("body")
	if err != nil {
		return "", err
	}
	return body.Text()
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
