package extraction

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

const (
	confidenceUniversalJS = 0.80
	domWalkMaxAncestors   = 10
	domWalkTargetProducts = 3
	domWalkStopAt         = 20
)

var priceTextPattern = regexp.MustCompile(`\$[\d,]+\.?\d{0,2}`)

var headingTags = map[string]bool{
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
}

// UniversalDOMExtractor is C9: an "inside-out" pass that starts at every
// price-looking text node and walks up looking for a container that also
// holds a product-shaped link and a heading-like title. Framework-agnostic
// by construction — it never depends on class names, only on structural
// shape — which is why it exists alongside C8's selector/pattern strategies.
type UniversalDOMExtractor struct {
	baseURL string
}

func NewUniversalDOMExtractor(baseURL string) *UniversalDOMExtractor {
	return &UniversalDOMExtractor{baseURL: baseURL}
}

// Extract walks rawHTML's parsed tree looking for price text nodes, and
// for each ascends up to 10 ancestors to find a product container. Stops
// once domWalkStopAt clean products are found.
func (e *UniversalDOMExtractor) Extract(rawHTML string) ([]HTMLCandidate, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, err
	}

	var priceNodes []*html.Node
	forEachNode(doc, func(n *html.Node) {
		if n.Type == html.TextNode && priceTextPattern.MatchString(n.Data) {
			priceNodes = append(priceNodes, n)
		}
	})

	var candidates []HTMLCandidate
	seen := make(map[*html.Node]bool)

	for _, priceNode := range priceNodes {
		if len(candidates) >= domWalkStopAt {
			break
		}
		container, link, heading := findProductContainer(priceNode)
		if container == nil || seen[container] {
			continue
		}
		seen[container] = true

		href := attrValue(link, "href")
		linkText := textContent(link)
		title := textContent(heading)
		if title == "" {
			title = linkText
		}
		if isGarbageLinkText(linkText) {
			continue
		}
		resolved := resolveHref(e.baseURL, href)
		if !isCandidateURL(resolved) {
			continue
		}

		candidates = append(candidates, HTMLCandidate{
			URL:        resolved,
			LinkText:   title,
			Context:    truncate(textContent(container), 300),
			Source:     SourceUniversalJS,
			Confidence: confidenceUniversalJS,
		})
	}

	return dedupeByURL(candidates), nil
}

// findProductContainer ascends from a price text node up to
// domWalkMaxAncestors levels, returning the first ancestor holding both a
// product-shaped link and a heading-like element.
func findProductContainer(priceNode *html.Node) (container, link, heading *html.Node) {
	n := priceNode.Parent
	for i := 0; n != nil && i < domWalkMaxAncestors; i++ {
		if l := findProductLink(n); l != nil {
			if h := findHeading(n); h != nil {
				return n, l, h
			}
		}
		n = n.Parent
	}
	return nil, nil, nil
}

func findProductLink(n *html.Node) *html.Node {
	var found *html.Node
	forEachNode(n, func(c *html.Node) {
		if found != nil || c.Type != html.ElementNode || c.Data != "a" {
			return
		}
		href := attrValue(c, "href")
		if href != "" && isProductURLShape(strings.ToLower(href)) {
			found = c
		}
	})
	return found
}

func findHeading(n *html.Node) *html.Node {
	var found *html.Node
	forEachNode(n, func(c *html.Node) {
		if found != nil || c.Type != html.ElementNode {
			return
		}
		if headingTags[c.Data] || attrValue(c, "data-testid") != "" {
			if textContent(c) != "" {
				found = c
			}
		}
	})
	return found
}
