package extraction

import "testing"

func TestUniversalDOMExtractor_FindsPriceAnchoredProduct(t *testing.T) {
	html := `<html><body>
	<div class="listing-item">
		<h2>Mechanical Keyboard</h2>
		<a href="/product/mech-keyboard">view</a>
		<span>$89.99</span>
	</div>
	</body></html>`

	e := NewUniversalDOMExtractor("https://example.com")
	candidates, err := e.Extract(html)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d: %+v", len(candidates), candidates)
	}
	if candidates[0].LinkText != "Mechanical Keyboard" {
		t.Errorf("expected heading text to win over link text, got %q", candidates[0].LinkText)
	}
	if candidates[0].Source != SourceUniversalJS {
		t.Errorf("expected universal_js source, got %q", candidates[0].Source)
	}
}

func TestUniversalDOMExtractor_IgnoresNonProductLinks(t *testing.T) {
	html := `<div><h2>Random Text</h2><a href="/about-us">About</a><span>$5.00 off</span></div>`

	e := NewUniversalDOMExtractor("https://example.com")
	candidates, err := e.Extract(html)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("expected no candidates for a non-product-shaped link, got %+v", candidates)
	}
}

func TestUniversalDOMExtractor_DedupesSharedContainer(t *testing.T) {
	html := `<div class="item">
		<h3>Desk Lamp</h3>
		<a href="/p/desk-lamp">Desk Lamp</a>
		<span>$24.99</span>
		<span>$24.99 (was $29.99)</span>
	</div>`

	e := NewUniversalDOMExtractor("https://example.com")
	candidates, err := e.Extract(html)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(candidates) != 1 {
		t.Errorf("expected the two price nodes in one container to collapse to 1 candidate, got %d", len(candidates))
	}
}
