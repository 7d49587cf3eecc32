// Package blocker implements bot-blocker detection (C6): given a fetched
// page's URL, content, and status code, classify whether the retailer or
// search engine served a CAPTCHA, rate-limit, or other block page instead of
// real content.
package blocker

import "strings"

// Type identifies the kind of blocker a page tripped.
type Type string

const (
	TypeCaptchaGeneric Type = "captcha_generic"
	TypeRecaptcha      Type = "recaptcha"
	TypeHCaptcha       Type = "hcaptcha"
	TypeRateLimit      Type = "rate_limit"
	TypeBotDetection   Type = "bot_detection"
)

// Detection is a positive blocker match with a confidence score in [0, 1].
type Detection struct {
	Type       Type    `json:"type"`
	Confidence float64 `json:"confidence"`
}

// confidenceThreshold is the minimum score required to report a detection.
const confidenceThreshold = 0.7

// cleanPageMinLength is the minimum body length, once blocker markers are
// stripped, below which a short error page can't be ruled clean.
const cleanPageMinLength = 200

// pathHints are URL path substrings retailers/search engines route blocked
// requests to.
var pathHints = []string{
	"/sorry/",
	"/captcha",
	"/splashui/captcha",
	"/blocked?url=",
}

// bodyPatterns map a lowercase body substring to the blocker type and
// confidence it signals on its own.
var bodyPatterns = []struct {
	substr     string
	kind       Type
	confidence float64
}{
	{"unusual traffic from your computer network", TypeBotDetection, 0.9},
	{"our systems have detected unusual traffic", TypeBotDetection, 0.9},
	{"please verify you are a human", TypeCaptchaGeneric, 0.85},
	{"verify you are a human", TypeCaptchaGeneric, 0.85},
	{"pardon our interruption", TypeBotDetection, 0.8},
	{"automated requests", TypeBotDetection, 0.75},
	{"access denied", TypeBotDetection, 0.7},
	{"are you a robot", TypeCaptchaGeneric, 0.85},
	{"too many requests", TypeRateLimit, 0.8},
	{"rate limit exceeded", TypeRateLimit, 0.85},
}

// markerPatterns are embedded widget markers, checked independently of the
// body substrings above since they appear in script/iframe src attributes.
var markerPatterns = []struct {
	substr     string
	kind       Type
	confidence float64
}{
	{"g-recaptcha", TypeRecaptcha, 0.95},
	{"recaptcha/api.js", TypeRecaptcha, 0.9},
	{"h-captcha", TypeHCaptcha, 0.95},
	{"hcaptcha.com", TypeHCaptcha, 0.9},
}

// Detect classifies a fetched page. Returns (Detection{}, false) when the
// page looks clean. statusCode 429 is always treated as a rate limit
// regardless of body content.
func Detect(url, content string, statusCode int) (Detection, bool) {
	if statusCode == 429 {
		return Detection{Type: TypeRateLimit, Confidence: 0.95}, true
	}

	lowerURL := strings.ToLower(url)
	for _, hint := range pathHints {
		if strings.Contains(lowerURL, hint) {
			return Detection{Type: TypeCaptchaGeneric, Confidence: 0.9}, true
		}
	}

	lowerBody := strings.ToLower(content)

	best := Detection{}
	found := false
	for _, p := range markerPatterns {
		if strings.Contains(lowerBody, p.substr) && p.confidence > best.Confidence {
			best = Detection{Type: p.kind, Confidence: p.confidence}
			found = true
		}
	}
	for _, p := range bodyPatterns {
		if strings.Contains(lowerBody, p.substr) && p.confidence > best.Confidence {
			best = Detection{Type: p.kind, Confidence: p.confidence}
			found = true
		}
	}

	if found && best.Confidence >= confidenceThreshold {
		return best, true
	}

	// Clean-page guard: a 200 response with fewer than cleanPageMinLength
	// bytes and no matched marker is suspicious in its own right (many JS
	// interstitial challenges render almost nothing server-side). Treat it
	// as a low-confidence bot_detection rather than calling it clean.
	if statusCode == 200 && len(strings.TrimSpace(content)) < cleanPageMinLength {
		return Detection{Type: TypeBotDetection, Confidence: confidenceThreshold}, true
	}

	return Detection{}, false
}
