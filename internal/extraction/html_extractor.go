package extraction

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

const (
	confidenceJSONLD   = 0.95
	confidenceURLPattern = 0.85
	confidenceDOMHeuristic = 0.70

	domProximityMaxTextLen = 2000
)

// HTMLExtractor runs the three C8 strategies, in order, over a parsed page.
type HTMLExtractor struct {
	baseURL string
}

// NewHTMLExtractor builds an extractor for a page fetched from baseURL,
// used to resolve any relative hrefs found during extraction.
func NewHTMLExtractor(baseURL string) *HTMLExtractor {
	return &HTMLExtractor{baseURL: baseURL}
}

// Extract runs JSON-LD, URL-pattern, and DOM-proximity strategies in order
// over rawHTML and returns the deduplicated, highest-confidence candidate
// per normalized URL.
func (e *HTMLExtractor) Extract(rawHTML string) ([]HTMLCandidate, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("extraction: parsing HTML: %w", err)
	}

	var candidates []HTMLCandidate
	candidates = append(candidates, e.extractJSONLD(doc)...)
	candidates = append(candidates, e.extractURLPattern(doc)...)
	candidates = append(candidates, e.extractDOMProximity(doc)...)

	filtered := make([]HTMLCandidate, 0, len(candidates))
	for _, c := range candidates {
		if isCandidateURL(c.URL) && !isGarbageLinkText(c.LinkText) {
			filtered = append(filtered, c)
		}
	}

	return dedupeByURL(filtered), nil
}

// -- Strategy 1: JSON-LD --

type jsonLDProduct struct {
	Type        interface{} `json:"@type"`
	URL         string      `json:"url"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Offers      interface{} `json:"offers"`
	Graph       []json.RawMessage `json:"@graph"`
}

var productLDTypes = map[string]bool{
	"Product": true, "IndividualProduct": true, "ProductModel": true, "ProductGroup": true,
}

func (e *HTMLExtractor) extractJSONLD(doc *html.Node) []HTMLCandidate {
	var candidates []HTMLCandidate

	forEachNode(doc, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "script" {
			return
		}
		if !hasAttrValue(n, "type", "application/ld+json") {
			return
		}
		if n.FirstChild == nil || n.FirstChild.Type != html.TextNode {
			return
		}
		raw := n.FirstChild.Data

		var any interface{}
		if err := json.Unmarshal([]byte(raw), &any); err != nil {
			return
		}
		candidates = append(candidates, e.collectLDProducts(any)...)
	})

	return candidates
}

// collectLDProducts recurses into an arbitrary JSON-LD value, descending
// through @graph blocks and arrays, collecting every node whose @type is in
// the Product family.
func (e *HTMLExtractor) collectLDProducts(value interface{}) []HTMLCandidate {
	var out []HTMLCandidate

	switch v := value.(type) {
	case []interface{}:
		for _, item := range v {
			out = append(out, e.collectLDProducts(item)...)
		}
	case map[string]interface{}:
		if graph, ok := v["@graph"]; ok {
			out = append(out, e.collectLDProducts(graph)...)
		}
		if isProductLDType(v["@type"]) {
			if c, ok := ldProductToCandidate(v); ok {
				out = append(out, c)
			}
		}
	}
	return out
}

func isProductLDType(t interface{}) bool {
	switch v := t.(type) {
	case string:
		return productLDTypes[v]
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && productLDTypes[s] {
				return true
			}
		}
	}
	return false
}

func ldProductToCandidate(v map[string]interface{}) (HTMLCandidate, bool) {
	urlVal, _ := v["url"].(string)
	name, _ := v["name"].(string)
	desc, _ := v["description"].(string)
	if urlVal == "" {
		return HTMLCandidate{}, false
	}

	context := desc
	if offers, ok := v["offers"].(map[string]interface{}); ok {
		if price, ok := offers["price"]; ok {
			context = fmt.Sprintf("%s price=%v", context, price)
		}
	}

	return HTMLCandidate{
		URL:        urlVal,
		LinkText:   name,
		Context:    context,
		Source:     SourceJSONLD,
		Confidence: confidenceJSONLD,
	}, true
}

// -- Strategy 2: URL pattern match --

func (e *HTMLExtractor) extractURLPattern(doc *html.Node) []HTMLCandidate {
	var candidates []HTMLCandidate

	forEachNode(doc, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "a" {
			return
		}
		href := attrValue(n, "href")
		if href == "" {
			return
		}
		resolved := resolveHref(e.baseURL, href)
		if !isProductURLShape(strings.ToLower(resolved)) {
			return
		}
		candidates = append(candidates, HTMLCandidate{
			URL:        resolved,
			LinkText:   textContent(n),
			Context:    textContent(parentOf(n)),
			Source:     SourceURLPattern,
			Confidence: confidenceURLPattern,
		})
	})

	return candidates
}

// -- Strategy 3: DOM proximity heuristic --

func (e *HTMLExtractor) extractDOMProximity(doc *html.Node) []HTMLCandidate {
	var candidates []HTMLCandidate

	forEachNode(doc, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		text := textContent(n)
		if !strings.Contains(text, "$") || len(text) >= domProximityMaxTextLen {
			return
		}

		forEachNode(n, func(link *html.Node) {
			if link.Type != html.ElementNode || link.Data != "a" {
				return
			}
			href := attrValue(link, "href")
			if href == "" {
				return
			}
			linkText := textContent(link)
			if isGarbageLinkText(linkText) {
				return
			}
			candidates = append(candidates, HTMLCandidate{
				URL:        resolveHref(e.baseURL, href),
				LinkText:   linkText,
				Context:    truncate(text, 300),
				Source:     SourceDOMHeuristic,
				Confidence: confidenceDOMHeuristic,
			})
		})
	})

	return candidates
}

// -- shared html.Node helpers, grounded on the teacher's recursive-traverse idiom --

func forEachNode(n *html.Node, visit func(*html.Node)) {
	visit(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		forEachNode(c, visit)
	}
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttrValue(n *html.Node, key, want string) bool {
	return attrValue(n, key) == want
}

func textContent(n *html.Node) string {
	if n == nil {
		return ""
	}
	var sb strings.Builder
	forEachNode(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
			sb.WriteString(" ")
		}
	})
	return strings.TrimSpace(sb.String())
}

func parentOf(n *html.Node) *html.Node {
	if n == nil {
		return nil
	}
	return n.Parent
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// resolveHref joins a possibly-relative href against baseURL. Falls back to
// the raw href if either fails to parse, same as leaving a bad link for a
// downstream filter to reject.
func resolveHref(baseURL, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
