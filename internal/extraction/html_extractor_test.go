package extraction

import "testing"

func TestHTMLExtractor_JSONLD(t *testing.T) {
	html := `<html><head>
	<script type="application/ld+json">
	{"@context":"https://schema.org","@type":"Product","name":"Gaming Laptop RTX 4090","url":"https://example.com/product/gaming-laptop","description":"16GB RAM, RTX 4090","offers":{"@type":"Offer","price":"1999.99"}}
	</script>
	</head><body></body></html>`

	e := NewHTMLExtractor("https://example.com")
	candidates, err := e.Extract(html)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	c := candidates[0]
	if c.Source != SourceJSONLD || c.Confidence != confidenceJSONLD {
		t.Errorf("unexpected source/confidence: %+v", c)
	}
	if c.URL != "https://example.com/product/gaming-laptop" {
		t.Errorf("unexpected URL: %q", c.URL)
	}
}

func TestHTMLExtractor_JSONLDGraph(t *testing.T) {
	html := `<script type="application/ld+json">
	{"@graph": [{"@type": "WebPage"}, {"@type": "Product", "name": "Widget", "url": "https://example.com/product/widget"}]}
	</script>`

	e := NewHTMLExtractor("https://example.com")
	candidates, err := e.Extract(html)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(candidates) != 1 || candidates[0].LinkText != "Widget" {
		t.Fatalf("expected graph-nested Product to be found, got %+v", candidates)
	}
}

func TestHTMLExtractor_URLPattern(t *testing.T) {
	html := `<a href="/dp/B08N5WRWNW">Echo Dot (4th Gen)</a>
	<a href="/gp/r.html?tracking">sponsored link text</a>
	<a href="/search?q=echo">search results</a>`

	e := NewHTMLExtractor("https://amazon.com")
	candidates, err := e.Extract(html)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate (ad + search links filtered), got %d: %+v", len(candidates), candidates)
	}
	if candidates[0].Source != SourceURLPattern {
		t.Errorf("expected url_pattern source, got %q", candidates[0].Source)
	}
}

func TestHTMLExtractor_DOMProximity(t *testing.T) {
	html := `<div class="card"><a href="/item/xyz123">Wireless Mouse</a><span>$19.99</span></div>`

	e := NewHTMLExtractor("https://example.com")
	candidates, err := e.Extract(html)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	found := false
	for _, c := range candidates {
		if c.LinkText == "Wireless Mouse" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected to find Wireless Mouse candidate, got %+v", candidates)
	}
}

func TestHTMLExtractor_DedupeKeepsHighestConfidence(t *testing.T) {
	html := `
	<script type="application/ld+json">
	{"@type":"Product","name":"Widget","url":"https://example.com/product/widget?ref=abc"}
	</script>
	<div><a href="/product/widget">Widget Deluxe</a><span>$9.99</span></div>`

	e := NewHTMLExtractor("https://example.com")
	candidates, err := e.Extract(html)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected dedup to collapse to 1 candidate for the same normalized URL, got %d: %+v", len(candidates), candidates)
	}
	if candidates[0].Source != SourceJSONLD {
		t.Errorf("expected the higher-confidence json_ld candidate to win, got %q", candidates[0].Source)
	}
}

func TestIsProductURLShape(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/dp/b08n5wrwnw", true},
		{"/product/gaming-laptop", true},
		{"/p/widget-123", true},
		{"/search?q=test", false},
		{"/category/laptops", false},
	}
	for _, c := range cases {
		if got := isProductURLShape(c.path); got != c.want {
			t.Errorf("isProductURLShape(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestNormalizeURL_StripsQueryAndFragment(t *testing.T) {
	got := normalizeURL("https://example.com/product/widget?ref=abc&utm=x#section")
	if got != "https://example.com/product/widget" {
		t.Errorf("got %q", got)
	}
}

func TestIsGarbageLinkText(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"Add to Cart", true},
		{"", true},
		{"   ", true},
		{"Gaming Laptop RTX 4090", false},
		{"See All Deals", true},
	}
	for _, c := range cases {
		if got := isGarbageLinkText(c.text); got != c.want {
			t.Errorf("isGarbageLinkText(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}
