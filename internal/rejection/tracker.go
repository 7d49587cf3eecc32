// Package rejection implements the rejection tracker (C16): a persistent,
// process-wide record of why products get rejected per (vendor, query),
// used to derive query-refinement hints for future research hops.
package rejection

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"researchcore/internal/logging"
)

// Reason is a normalized rejection category.
type Reason string

const (
	ReasonMissingGPU         Reason = "missing_gpu"
	ReasonWrongCategory      Reason = "wrong_category"
	ReasonPriceMismatch      Reason = "price_mismatch"
	ReasonInsufficientRAM    Reason = "insufficient_ram"
	ReasonInsufficientStorage Reason = "insufficient_storage"
	ReasonOutOfStock         Reason = "out_of_stock"
	ReasonBrandMismatch      Reason = "brand_mismatch"
	ReasonOther              Reason = "other"
)

// Entry is a single vendor:query pattern record.
type Entry struct {
	RejectionReasons map[Reason]int `json:"rejection_reasons"`
	TotalExtractions int            `json:"total_extractions"`
	TotalRejections  int            `json:"total_rejections"`
	FirstSeen        time.Time      `json:"first_seen"`
	LastUpdated      time.Time      `json:"last_updated"`
}

// Rejection is one rejected candidate's free-text reason, as reported by
// C12/C15. VendorDomain is the rejected product's own vendor (not the
// caller's overall search-hop domain), so a mixed-vendor batch still
// attributes each rejection to the vendor that actually produced it.
type Rejection struct {
	Reason       string
	VendorDomain string
}

// Tracker is a process-wide, file-persisted rejection pattern store.
// Thread-safe; writes are serialized under a process-level lock.
type Tracker struct {
	path string

	mu       sync.Mutex
	patterns map[string]*Entry
}

// NewTracker loads (or initializes) the tracker backed by path (typically
// shared_state/rejection_patterns.json).
func NewTracker(path string) *Tracker {
	t := &Tracker{path: path, patterns: make(map[string]*Entry)}
	t.load()
	return t
}

func (t *Tracker) load() {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return
	}
	var patterns map[string]*Entry
	if err := json.Unmarshal(data, &patterns); err != nil {
		logging.RejectionWarn("failed to load rejection patterns from %s: %v", t.path, err)
		return
	}
	t.patterns = patterns
}

func (t *Tracker) save() {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		logging.RejectionWarn("failed to create rejection tracker dir: %v", err)
		return
	}
	data, err := json.MarshalIndent(t.patterns, "", "  ")
	if err != nil {
		logging.RejectionWarn("failed to marshal rejection patterns: %v", err)
		return
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		logging.RejectionWarn("failed to write rejection patterns: %v", err)
		return
	}
	if err := os.Rename(tmp, t.path); err != nil {
		logging.RejectionWarn("failed to finalize rejection patterns write: %v", err)
	}
}

func normalizeQuery(query string) string {
	words := strings.Fields(strings.ToLower(query))
	if len(words) > 5 {
		words = words[:5]
	}
	sort.Strings(words)
	return strings.Join(words, "_")
}

func key(vendor, query string) string {
	return vendor + ":" + normalizeQuery(query)
}

// categorizeReason maps a free-text rejection reason to a fixed enum by keyword matching.
func categorizeReason(reason string) Reason {
	lower := strings.ToLower(reason)

	contains := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}

	switch {
	case contains("gpu", "graphics", "nvidia", "rtx", "geforce", "radeon"):
		return ReasonMissingGPU
	case contains("desktop", "tower", "not a laptop", "wrong type", "monitor"):
		return ReasonWrongCategory
	case contains("price", "budget", "expensive", "cost"):
		return ReasonPriceMismatch
	case contains("ram", "memory"):
		return ReasonInsufficientRAM
	case contains("storage", "ssd", "hdd", "drive"):
		return ReasonInsufficientStorage
	case contains("stock", "available", "sold out"):
		return ReasonOutOfStock
	case contains("brand", "manufacturer"):
		return ReasonBrandMismatch
	default:
		return ReasonOther
	}
}

// RecordRejections categorizes and counts a batch of rejections for a
// (vendor, query) key, then persists the updated pattern store. A no-op if
// rejections is empty.
func (t *Tracker) RecordRejections(vendor, query string, rejections []Rejection, totalProducts int) {
	if len(rejections) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(vendor, query)
	entry, ok := t.patterns[k]
	if !ok {
		entry = &Entry{RejectionReasons: make(map[Reason]int)}
		t.patterns[k] = entry
	}
	if entry.RejectionReasons == nil {
		entry.RejectionReasons = make(map[Reason]int)
	}

	now := time.Now()
	entry.TotalExtractions += totalProducts
	entry.TotalRejections += len(rejections)
	entry.LastUpdated = now
	if entry.FirstSeen.IsZero() {
		entry.FirstSeen = now
	}

	for _, r := range rejections {
		entry.RejectionReasons[categorizeReason(r.Reason)]++
	}

	logging.Rejection("recorded %d/%d rejections for %s (query: %.30s)", len(rejections), totalProducts, vendor, query)
	t.save()
}

// GetQueryRefinements returns suggested query-text additions based on past
// rejection patterns, requiring at least 5 recorded extractions before
// making any suggestion.
func (t *Tracker) GetQueryRefinements(vendor, query string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.patterns[key(vendor, query)]
	if !ok || entry.TotalExtractions < 5 {
		return nil
	}

	total := float64(entry.TotalExtractions)
	var refinements []string

	if float64(entry.RejectionReasons[ReasonMissingGPU]) > total*0.5 {
		refinements = append(refinements, "nvidia rtx gpu")
	}
	if float64(entry.RejectionReasons[ReasonWrongCategory]) > total*0.5 {
		refinements = append(refinements, "laptop notebook")
	}
	if float64(entry.RejectionReasons[ReasonInsufficientRAM]) > total*0.5 {
		refinements = append(refinements, "16GB 32GB RAM")
	}
	// price_mismatch / out_of_stock are logged at record time but don't
	// produce query fragments: those belong to URL filters, not query text.

	return refinements
}

// VendorStats summarizes rejection rates for a vendor.
type VendorStats struct {
	Vendor           string
	TotalExtractions int
	TotalRejections  int
	RejectionRate    float64
	TopReasons       []ReasonCount
}

// ReasonCount pairs a reason with its aggregate count, for ranked display.
type ReasonCount struct {
	Reason Reason
	Count  int
}

// GetVendorStats aggregates rejection stats for vendor, optionally filtered to one query.
func (t *Tracker) GetVendorStats(vendor, query string) VendorStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := VendorStats{Vendor: vendor}
	reasonCounts := make(map[Reason]int)
	prefix := vendor + ":"
	var querySuffix string
	if query != "" {
		querySuffix = ":" + normalizeQuery(query)
	}

	for k, entry := range t.patterns {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if querySuffix != "" && !strings.HasSuffix(k, querySuffix) {
			continue
		}
		stats.TotalExtractions += entry.TotalExtractions
		stats.TotalRejections += entry.TotalRejections
		for reason, count := range entry.RejectionReasons {
			reasonCounts[reason] += count
		}
	}

	if stats.TotalExtractions > 0 {
		stats.RejectionRate = float64(stats.TotalRejections) / float64(stats.TotalExtractions)
	}

	for reason, count := range reasonCounts {
		stats.TopReasons = append(stats.TopReasons, ReasonCount{Reason: reason, Count: count})
	}
	sort.Slice(stats.TopReasons, func(i, j int) bool { return stats.TopReasons[i].Count > stats.TopReasons[j].Count })
	if len(stats.TopReasons) > 5 {
		stats.TopReasons = stats.TopReasons[:5]
	}

	return stats
}
