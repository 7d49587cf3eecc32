package pdp

import (
	"encoding/json"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"researchcore/internal/models"
)

var productLDTypes = map[string]bool{
	"Product":          true,
	"IndividualProduct": true,
	"ProductModel":      true,
}

// extractJSONLD scans every <script type="application/ld+json"> block in
// rawHTML for a Product-family node with a parseable offer price.
func (e *Extractor) extractJSONLD(rawHTML string) *models.PDPData {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}

	var data *models.PDPData
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if data != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == "script" && isLDJSONScript(n) {
			var parsed interface{}
			if err := json.Unmarshal([]byte(textContent(n)), &parsed); err == nil {
				data = findLDProduct(parsed)
			}
		}
		for c := n.FirstChild; c != nil && data == nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)
	return data
}

func isLDJSONScript(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key == "type" && a.Val == "application/ld+json" {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return sb.String()
}

// findLDProduct recurses through arrays, @graph wrappers, and single
// objects looking for the first Product-family node with a usable price.
func findLDProduct(value interface{}) *models.PDPData {
	switch v := value.(type) {
	case []interface{}:
		for _, item := range v {
			if data := findLDProduct(item); data != nil {
				return data
			}
		}
	case map[string]interface{}:
		if graph, ok := v["@graph"]; ok {
			if data := findLDProduct(graph); data != nil {
				return data
			}
			return nil
		}
		if !isLDProductType(v["@type"]) {
			return nil
		}
		return parseLDProduct(v)
	}
	return nil
}

func isLDProductType(t interface{}) bool {
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

func parseLDProduct(v map[string]interface{}) *models.PDPData {
	offers := asMap(v["offers"])
	if offers == nil {
		if list, ok := v["offers"].([]interface{}); ok && len(list) > 0 {
			offers = asMap(list[0])
		}
	}
	if offers == nil {
		return nil
	}

	priceRaw := stringOf(offers["price"])
	if priceRaw == "" {
		priceRaw = stringOf(offers["lowPrice"])
	}
	price, ok := parsePrice(priceRaw)
	if !ok {
		return nil
	}

	var originalPrice float64
	if highRaw := stringOf(offers["highPrice"]); highRaw != "" {
		if high, ok := parsePrice(highRaw); ok && high > price {
			originalPrice = high
		}
	}

	availability := strings.ToLower(stringOf(offers["availability"]))
	inStock := strings.Contains(availability, "instock")
	stockStatus := "out_of_stock"
	if inStock {
		stockStatus = "in_stock"
	}

	var rating float64
	var reviewCount int
	if agg := asMap(v["aggregateRating"]); agg != nil {
		rating = floatOf(agg["ratingValue"])
		if rc := agg["reviewCount"]; rc != nil {
			reviewCount = int(floatOf(rc))
		} else {
			reviewCount = int(floatOf(agg["ratingCount"]))
		}
	}

	return &models.PDPData{
		Price:            price,
		OriginalPrice:    originalPrice,
		Title:            stringOf(v["name"]),
		InStock:          inStock,
		StockStatus:      stockStatus,
		Rating:           rating,
		ReviewCount:      reviewCount,
		ImageURL:         ldImageURL(v["image"]),
		ExtractionSource: models.SourceJSONLD,
		Confidence:       confidenceJSONLD,
	}
}

func ldImageURL(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []interface{}:
		if len(val) == 0 {
			return ""
		}
		return ldImageURL(val[0])
	case map[string]interface{}:
		return stringOf(val["url"])
	}
	return ""
}

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func stringOf(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	return ""
}

func floatOf(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case string:
		f, _ := parsePrice(val)
		return f
	}
	return 0
}
