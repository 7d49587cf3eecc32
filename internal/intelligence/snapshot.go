package intelligence

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"
)

// domSnapshot is the simplified page structure handed to the LLM during
// zone identification: enough signal to locate repeated item containers
// without shipping the full page HTML.
type domSnapshot struct {
	Title          string           `json:"title"`
	URL            string           `json:"url"`
	RepeatedGroups []repeatedGroup  `json:"repeated_groups"`
}

// repeatedGroup is one candidate "this looks like a list of products" group,
// identified by class-name repetition, along with a sample element's shape.
type repeatedGroup struct {
	ClassName    string   `json:"class_name"`
	Count        int      `json:"count"`
	SampleTag    string   `json:"sample_tag"`
	SampleID     string   `json:"sample_id,omitempty"`
	SampleTestID string   `json:"sample_testid,omitempty"`
	SampleHref   string   `json:"sample_href,omitempty"`
	SampleText   string   `json:"sample_text,omitempty"`
}

const snapshotScript = `() => {
	function isUtilityClass(c) {
		return /^(flex|grid|block|hidden|w-|h-|p-|m-|text-|bg-|border|rounded|shadow|relative|absolute|inline|items-|justify-|gap-|col-|row-)/.test(c);
	}
	const groups = {};
	const all = document.querySelectorAll('body *');
	for (const el of all) {
		if (!el.className || typeof el.className !== 'string') continue;
		const classes = el.className.split(/\s+/).filter(c => c && !isUtilityClass(c));
		for (const c of classes) {
			if (!groups[c]) groups[c] = [];
			if (groups[c].length < 40) groups[c].push(el);
		}
	}
	const out = [];
	for (const [cls, els] of Object.entries(groups)) {
		if (els.length < 3) continue;
		const sample = els[0];
		const a = sample.querySelector('a');
		out.push({
			class_name: cls,
			count: els.length,
			sample_tag: sample.tagName.toLowerCase(),
			sample_id: sample.id || '',
			sample_testid: sample.getAttribute('data-testid') || '',
			sample_href: a ? (a.getAttribute('href') || '') : '',
			sample_text: (sample.textContent || '').trim().slice(0, 200),
		});
	}
	out.sort((a, b) => b.count - a.count);
	return JSON.stringify({
		title: document.title,
		url: window.location.href,
		repeated_groups: out.slice(0, 15),
	});
}`

// captureSnapshot runs snapshotScript in-page and decodes the result.
func captureSnapshot(ctx context.Context, page *rod.Page) (domSnapshot, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	res, err := page.Context(reqCtx).Evaluate(&rod.EvalOptions{
		JS:           snapshotScript,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return domSnapshot{}, err
	}

	var snap domSnapshot
	if err := json.Unmarshal([]byte(res.Value.String()), &snap); err != nil {
		return domSnapshot{}, err
	}
	return snap, nil
}

// Hashed CSS-in-JS class names carry no semantic meaning and are rejected
// as selector candidates in favor of data-testid, a stable id, or a
// semantic class name.
var hashedClassPatterns = []*regexp.Regexp{
	regexp.MustCompile(`-sc-[a-f0-9]+`),
	regexp.MustCompile(`css-[a-f0-9]+`),
	regexp.MustCompile(`__[A-Za-z]+-[a-f0-9]+`),
}

func isHashedClass(class string) bool {
	for _, p := range hashedClassPatterns {
		if p.MatchString(class) {
			return true
		}
	}
	return false
}

// bestSelectorFor picks the most stable selector for a repeated group:
// data-testid, then id, then the class name itself if it isn't hashed.
func bestSelectorFor(g repeatedGroup) string {
	if g.SampleTestID != "" {
		return `[data-testid="` + g.SampleTestID + `"]`
	}
	if g.SampleID != "" && !isHashedClass(g.SampleID) {
		return "#" + g.SampleID
	}
	if !isHashedClass(g.ClassName) {
		return "." + strings.TrimSpace(g.ClassName)
	}
	return ""
}
