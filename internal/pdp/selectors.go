package pdp

// siteSelectors is a static, tested selector set for one retailer domain.
type siteSelectors struct {
	Price    string
	PriceAlt string
	Title    string
	Cart     string
	MinPrice float64
}

// knownSiteSelectors are proven selectors for major retailers, used as a
// fast reliable fallback when JSON-LD is absent and before LLM calibration
// is attempted. MinPrice guards against a selector drifting onto an
// unrelated low-price element (e.g. a shipping fee); sites whose own
// catalog legitimately has cheap items get a floor of 1.
var knownSiteSelectors = map[string]siteSelectors{
	"bestbuy.com": {
		Price:    `[data-testid="customer-price"] span[aria-hidden="true"]`,
		PriceAlt: `.priceView-hero-price span[aria-hidden="true"]`,
		Title:    `.sku-title h1, [data-testid="sku-title"]`,
		Cart:     `[data-button-state="ADD_TO_CART"], .add-to-cart-button`,
		MinPrice: 50,
	},
	"amazon.com": {
		Price:    `#corePrice_feature_div .a-offscreen, .a-price .a-offscreen`,
		PriceAlt: `#priceblock_ourprice, #priceblock_dealprice`,
		Title:    `#productTitle`,
		Cart:     `#add-to-cart-button`,
		MinPrice: 1,
	},
	"walmart.com": {
		Price:    `[itemprop="price"], [data-testid="price-wrap"]`,
		PriceAlt: `.price-characteristic`,
		Title:    `h1[itemprop="name"]`,
		Cart:     `[data-testid="add-to-cart-btn"]`,
		MinPrice: 1,
	},
	"newegg.com": {
		Price:    `.price-current`,
		PriceAlt: `.product-price .price`,
		Title:    `.product-title`,
		Cart:     `.btn-primary[title*="Add to cart"]`,
		MinPrice: 10,
	},
	"petco.com": {
		Price:    `[data-testid*="price"] span, [data-testid*="Price"] span`,
		PriceAlt: `[class*="PurchaseTypePrice"], [class*="mainPrice"]`,
		Title:    `h1`,
		Cart:     `button[data-testid*="add-to-cart"], button[aria-label*="Add to Cart"]`,
		MinPrice: 1,
	},
	"petsmart.com": {
		Price:    `[data-testid*="price"], .product-price`,
		PriceAlt: `[class*="price"]`,
		Title:    `h1`,
		Cart:     `button[data-testid*="add-to-cart"], .add-to-cart`,
		MinPrice: 1,
	},
}

// priceWaitSelectors is tried in order by waitForPriceContent, short timeout
// per selector, before falling back to a generic "$" body-text scan.
var priceWaitSelectors = []string{
	`[data-testid*="price"]`,
	`[class*="price"]`,
	`[class*="Price"]`,
	`[itemprop="price"]`,
	`.priceView-hero-price`,
	`.price-characteristic`,
	`#priceblock_ourprice`,
	`.a-price-whole`,
	`.product-price`,
	`[data-price]`,
}

var cartButtonPatterns = []string{
	"add to cart",
	"add to bag",
	"buy now",
	"add to basket",
	"purchase",
	"order now",
}

var contactPricePatterns = []string{
	"contact",
	"inquire",
	"call for",
	"call us",
	"email for",
	"email us",
	"request a quote",
	"request quote",
	"adoption fee",
	"apply now",
	"application",
}

var navigationChromeTerms = []string{
	"home", "menu", "search", "cart", "login", "sign in",
	"shop", "categories", "browse", "filter", "sort",
}

// specKeyMappings normalizes free-form spec labels to a fixed vocabulary.
// Lookup is substring-based: the first mapping whose key appears in the
// lowercased label wins, so iteration order matters for overlapping labels
// (e.g. "dedicated graphics" vs "graphics").
var specKeyMappings = []struct {
	pattern    string
	normalized string
}{
	{"graphics card", "gpu"},
	{"dedicated graphics", "gpu"},
	{"graphics processor", "gpu"},
	{"video card", "gpu"},
	{"graphics", "gpu"},
	{"video", "gpu"},
	{"gpu", "gpu"},
	{"processor type", "cpu"},
	{"processor model", "cpu"},
	{"processor", "cpu"},
	{"cpu", "cpu"},
	{"chip", "cpu"},
	{"system memory", "ram"},
	{"installed ram", "ram"},
	{"memory size", "ram"},
	{"memory", "ram"},
	{"ram", "ram"},
	{"storage capacity", "storage"},
	{"internal storage", "storage"},
	{"solid state drive", "storage"},
	{"hard disk", "storage"},
	{"hard drive", "storage"},
	{"storage", "storage"},
	{"ssd", "storage"},
	{"hdd", "storage"},
	{"screen size", "display"},
	{"display size", "display"},
	{"resolution", "display"},
	{"display", "display"},
	{"screen", "display"},
	{"monitor", "display"},
	{"battery life", "battery"},
	{"battery capacity", "battery"},
	{"battery", "battery"},
	{"operating system", "os"},
	{"platform", "os"},
	{"os", "os"},
	{"product weight", "weight"},
	{"weight", "weight"},
}

var electronicsGoalTerms = []string{"laptop", "computer", "gpu", "nvidia", "gaming", "pc", "desktop", "notebook"}
