package orchestrator

import "testing"

func TestIsPDPByURL_AmazonDP(t *testing.T) {
	decided := isPDPByURL("https://www.amazon.com/Acer-Nitro-Gaming-Laptop/dp/B0CTKQRW7M")
	if decided == nil || !*decided {
		t.Errorf("expected amazon /dp/ URL to be classified as a PDP, got %v", decided)
	}
}

func TestIsPDPByURL_SearchQueryParam(t *testing.T) {
	decided := isPDPByURL("https://www.amazon.com/s?k=gaming+laptop")
	if decided == nil || *decided {
		t.Errorf("expected a ?k= search URL to be classified as not a PDP, got %v", decided)
	}
}

func TestIsPDPByURL_WalmartIP(t *testing.T) {
	decided := isPDPByURL("https://www.walmart.com/ip/123456789")
	if decided == nil || !*decided {
		t.Errorf("expected walmart /ip/ URL to be classified as a PDP, got %v", decided)
	}
}

func TestIsPDPByURL_InconclusiveReturnsNil(t *testing.T) {
	decided := isPDPByURL("https://www.example.com/gaming-laptops")
	if decided != nil {
		t.Errorf("expected an ambiguous URL to be inconclusive, got %v", *decided)
	}
}

func TestClassifyPageByContent_NilPageIsListing(t *testing.T) {
	if classifyPageByContent(nil, nil) {
		t.Error("expected a nil page to default to listing (false)")
	}
}
