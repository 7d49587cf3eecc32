package orchestrator

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"researchcore/internal/rejection"
)

func TestParsePlan_StripsCodeFences(t *testing.T) {
	raw := "```json\n{\"search_queries\": [\"gaming laptop rtx 4060\"], \"hard_requirements\": [\"NVIDIA RTX GPU\"]}\n```"
	p, err := parsePlan(raw)
	if err != nil {
		t.Fatalf("parsePlan: %v", err)
	}
	want := Plan{SearchQueries: []string{"gaming laptop rtx 4060"}, HardRequirements: []string{"NVIDIA RTX GPU"}}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("parsePlan() mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePlan_RepairsTrailingComma(t *testing.T) {
	raw := `{"search_queries": ["a", "b",], "hard_requirements": [],}`
	p, err := parsePlan(raw)
	if err != nil {
		t.Fatalf("parsePlan: %v", err)
	}
	want := Plan{SearchQueries: []string{"a", "b"}, HardRequirements: []string{}}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("parsePlan() mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePlan_NoJSONObjectIsError(t *testing.T) {
	if _, err := parsePlan("not json"); err == nil {
		t.Error("expected an error for a response with no JSON object")
	}
}

func TestApplyRefinements_AppendsLearnedFragmentsOncePerQuery(t *testing.T) {
	dir := t.TempDir()
	tracker := rejection.NewTracker(dir + "/rejection_patterns.json")

	for i := 0; i < 6; i++ {
		tracker.RecordRejections("example.com", "gaming laptop", []rejection.Rejection{
			{Reason: string(rejection.ReasonMissingGPU)},
			{Reason: string(rejection.ReasonMissingGPU)},
			{Reason: string(rejection.ReasonMissingGPU)},
		}, 4)
	}

	refined := applyRefinements(tracker, []string{"gaming laptop"}, []string{"example.com"})
	if len(refined) != 1 {
		t.Fatalf("got %+v", refined)
	}
	if refined[0] == "gaming laptop" {
		t.Errorf("expected a refinement fragment appended, got unchanged query %q", refined[0])
	}
}

func TestApplyRefinements_NoTrackerIsNoOp(t *testing.T) {
	refined := applyRefinements(nil, []string{"gaming laptop"}, []string{"example.com"})
	if len(refined) != 1 || refined[0] != "gaming laptop" {
		t.Errorf("expected queries unchanged with no tracker, got %+v", refined)
	}
}
