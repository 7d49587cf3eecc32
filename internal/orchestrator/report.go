package orchestrator

import (
	"sort"

	"researchcore/internal/viability"
)

// VendorGroup is one vendor's slice of a Report: every accepted evaluation
// found on that domain. ByVendor leaves Rejections at zero; a Report carries
// only a total rejection count, not one per vendor.
type VendorGroup struct {
	Vendor     string
	Products   []viability.Evaluation
	Rejections int
}

// ByVendor assembles the report's flat Products slice into the
// per-vendor groups the `report` state's output describes: verified
// products aggregated by vendor.
func (r *Report) ByVendor() []VendorGroup {
	index := map[string]*VendorGroup{}
	var order []string

	for _, p := range r.Products {
		v := p.Product.VendorDomain
		g, ok := index[v]
		if !ok {
			g = &VendorGroup{Vendor: v}
			index[v] = g
			order = append(order, v)
		}
		g.Products = append(g.Products, p)
	}

	sort.Strings(order)
	groups := make([]VendorGroup, len(order))
	for i, v := range order {
		groups[i] = *index[v]
	}
	return groups
}

// EvidenceAnchors returns the source URL of every accepted product, the
// minimal "where did this come from" trail the report state promises.
func (r *Report) EvidenceAnchors() []string {
	anchors := make([]string, 0, len(r.Products))
	for _, p := range r.Products {
		anchors = append(anchors, p.Product.URL)
	}
	return anchors
}
