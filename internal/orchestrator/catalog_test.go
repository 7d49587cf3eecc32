package orchestrator

import (
	"testing"

	"researchcore/internal/extraction"
)

func TestDetectCatalogStructure_FindsPaginationAndCategories(t *testing.T) {
	links := []pageLink{
		{Text: "Next", Href: "https://vendor.example/page/2"},
		{Text: "Available", Href: "https://vendor.example/available"},
		{Text: "Upcoming", Href: "https://vendor.example/upcoming"},
		{Text: "About Us", Href: "https://vendor.example/about"},
	}
	structure := detectCatalogStructure(links)
	if !structure.hasPagination {
		t.Error("expected pagination detected from a \"Next\" link")
	}
	if structure.categoryLinks["available"] != "https://vendor.example/available" {
		t.Errorf("got %+v", structure.categoryLinks)
	}
	if structure.categoryLinks["upcoming"] != "https://vendor.example/upcoming" {
		t.Errorf("got %+v", structure.categoryLinks)
	}
	if _, ok := structure.categoryLinks["about us"]; ok {
		t.Error("did not expect a non-category link classified as a category")
	}
}

func TestFindNextPageLink_ReturnsFirstPaginationMatch(t *testing.T) {
	links := []pageLink{
		{Text: "Home", Href: "https://vendor.example/"},
		{Text: "Next →", Href: "https://vendor.example/page/3"},
	}
	next := findNextPageLink(links, "https://vendor.example/page/2")
	if next != "https://vendor.example/page/3" {
		t.Errorf("got %q", next)
	}
}

func TestFindNextPageLink_NoneFoundReturnsEmpty(t *testing.T) {
	links := []pageLink{{Text: "Home", Href: "https://vendor.example/"}}
	if next := findNextPageLink(links, "https://vendor.example/page/2"); next != "" {
		t.Errorf("expected no next link, got %q", next)
	}
}

func TestAvailabilityFromText_PrefersSoldOverAvailable(t *testing.T) {
	if got := availabilityFromText("Reserved, was available last week"); got != "reserved_sold" {
		t.Errorf("got %q", got)
	}
}

func TestAvailabilityFromText_DetectsUpcoming(t *testing.T) {
	if got := availabilityFromText("Expected next litter in spring"); got != "upcoming" {
		t.Errorf("got %q", got)
	}
}

func TestAvailabilityFromText_UnknownWhenNoSignal(t *testing.T) {
	if got := availabilityFromText("A lovely companion"); got != "unknown" {
		t.Errorf("got %q", got)
	}
}

func TestCatalogItemsFromCandidates_ParsesPriceAndResolvesURL(t *testing.T) {
	candidates := []extraction.HTMLCandidate{
		{URL: "/item/42", LinkText: "Male, blue eyes", Context: "Available now - $450.00"},
	}
	items := catalogItemsFromCandidates(candidates, "https://vendor.example")
	if len(items) != 1 {
		t.Fatalf("got %d items", len(items))
	}
	item := items[0]
	if item.URL != "https://vendor.example/item/42" {
		t.Errorf("got URL %q", item.URL)
	}
	if item.PriceNumeric != 450.00 {
		t.Errorf("got price %v", item.PriceNumeric)
	}
	if item.Availability != "available_now" {
		t.Errorf("got availability %q", item.Availability)
	}
}

func TestExtractContactInfo_FindsEmailPhoneAndLinks(t *testing.T) {
	html := `<p>Contact us at hello@vendor.example or call (555) 123-4567</p>`
	links := []pageLink{
		{Text: "Contact", Href: "https://vendor.example/contact"},
		{Text: "Apply to adopt", Href: "https://vendor.example/apply"},
	}
	contact := extractContactInfo(html, links)
	if contact.Email != "hello@vendor.example" {
		t.Errorf("got email %q", contact.Email)
	}
	if contact.Phone != "(555) 123-4567" {
		t.Errorf("got phone %q", contact.Phone)
	}
	if contact.ContactPageURL != "https://vendor.example/contact" {
		t.Errorf("got contact url %q", contact.ContactPageURL)
	}
	if contact.ApplicationURL != "https://vendor.example/apply" {
		t.Errorf("got application url %q", contact.ApplicationURL)
	}
}

func TestResolveURL_LeavesAbsoluteURLUnchanged(t *testing.T) {
	if got := resolveURL("https://vendor.example/catalog", "https://other.example/x"); got != "https://other.example/x" {
		t.Errorf("got %q", got)
	}
}

func TestResolveURL_ResolvesRelativePath(t *testing.T) {
	if got := resolveURL("https://vendor.example/catalog/", "item/7"); got != "https://vendor.example/catalog/item/7" {
		t.Errorf("got %q", got)
	}
}
