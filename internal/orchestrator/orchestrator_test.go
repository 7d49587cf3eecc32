package orchestrator

import (
	"testing"

	"researchcore/internal/models"
	"researchcore/internal/rejection"
	"researchcore/internal/viability"
)

func eval(vendor string, score float64) viability.Evaluation {
	return viability.Evaluation{
		Product:        models.VerifiedProduct{VendorDomain: vendor},
		ViabilityScore: score,
	}
}

func TestShouldContinue_StopsWhenTargetReached(t *testing.T) {
	o := &Orchestrator{}
	state := &hopState{viable: []viability.Evaluation{eval("a.com", 0.9), eval("b.com", 0.9)}}
	cfg := Config{TargetViable: 2, HopBudget: 3}
	if o.shouldContinue(state, cfg) {
		t.Error("expected no further hop once target is reached")
	}
}

func TestShouldContinue_StopsAtHopBudget(t *testing.T) {
	o := &Orchestrator{}
	state := &hopState{hop: 2, rejected: []rejection.Rejection{{Reason: "x"}}}
	cfg := Config{TargetViable: 5, HopBudget: 3}
	if o.shouldContinue(state, cfg) {
		t.Error("expected no further hop once hop budget is exhausted")
	}
}

func TestShouldContinue_StopsWhenNothingFoundOrRejected(t *testing.T) {
	o := &Orchestrator{}
	state := &hopState{hop: 0}
	cfg := Config{TargetViable: 5, HopBudget: 3}
	if o.shouldContinue(state, cfg) {
		t.Error("expected no further hop when a hop produced nothing at all")
	}
}

func TestShouldContinue_ContinuesWhenBelowQualityFloor(t *testing.T) {
	o := &Orchestrator{}
	state := &hopState{hop: 0, viable: []viability.Evaluation{eval("a.com", 0.3)}}
	cfg := Config{TargetViable: 5, HopBudget: 3, QualityFloor: 0.6}
	if !o.shouldContinue(state, cfg) {
		t.Error("expected another hop when average viability is below the quality floor")
	}
}

func TestMergeEvaluations_CapsPerVendorKeepingHighestScores(t *testing.T) {
	existing := []viability.Evaluation{eval("a.com", 0.5)}
	fresh := []viability.Evaluation{eval("a.com", 0.9), eval("a.com", 0.7)}

	merged := mergeEvaluations(existing, fresh, 2)
	if len(merged) != 2 {
		t.Fatalf("expected vendor cap of 2, got %d: %+v", len(merged), merged)
	}
	if merged[0].ViabilityScore != 0.9 || merged[1].ViabilityScore != 0.7 {
		t.Errorf("expected the two highest scores kept in descending order, got %+v", merged)
	}
}

func TestMergeEvaluations_NoCapWhenMaxPerVendorIsZero(t *testing.T) {
	existing := []viability.Evaluation{eval("a.com", 0.5)}
	fresh := []viability.Evaluation{eval("a.com", 0.9), eval("a.com", 0.7)}

	merged := mergeEvaluations(existing, fresh, 0)
	if len(merged) != 3 {
		t.Errorf("expected no capping, got %d", len(merged))
	}
}

func TestDomainsOf_SortsAlphabetically(t *testing.T) {
	domains := domainsOf(map[string]bool{"z.com": true, "a.com": true, "m.com": true})
	if len(domains) != 3 || domains[0] != "a.com" || domains[1] != "m.com" || domains[2] != "z.com" {
		t.Errorf("got %+v", domains)
	}
}
