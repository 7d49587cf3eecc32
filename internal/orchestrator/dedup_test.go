package orchestrator

import (
	"context"
	"testing"

	"researchcore/internal/models"
	"researchcore/internal/viability"
)

type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vectors[text], nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vectors[t]
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }

func evalWith(title string, score float64) viability.Evaluation {
	return viability.Evaluation{
		Product:        models.VerifiedProduct{Title: title},
		ViabilityScore: score,
	}
}

func TestDedupeByEmbedding_NilEmbedderIsNoOp(t *testing.T) {
	evals := []viability.Evaluation{evalWith("a", 0.5), evalWith("b", 0.9)}
	got := dedupeByEmbedding(context.Background(), nil, evals)
	if len(got) != 2 {
		t.Fatalf("expected no-op with nil embedder, got %d", len(got))
	}
}

func TestDedupeByEmbedding_CollapsesNearDuplicatesKeepingHighestScore(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"Acer Nitro 5 RTX 4060":                       {1, 0, 0},
		"Acer Nitro 5 Gaming Laptop with RTX 4060 GPU": {0.999, 0.001, 0},
		"Dell Inspiron Intel UHD":                      {0, 1, 0},
	}}

	evals := []viability.Evaluation{
		evalWith("Acer Nitro 5 RTX 4060", 0.7),
		evalWith("Acer Nitro 5 Gaming Laptop with RTX 4060 GPU", 0.95),
		evalWith("Dell Inspiron Intel UHD", 0.4),
	}

	got := dedupeByEmbedding(context.Background(), embedder, evals)
	if len(got) != 2 {
		t.Fatalf("expected the two Acer listings collapsed into one, got %d: %+v", len(got), got)
	}

	var sawDell, sawAcer bool
	for _, e := range got {
		if e.Product.Title == "Dell Inspiron Intel UHD" {
			sawDell = true
		}
		if e.Product.Title == "Acer Nitro 5 Gaming Laptop with RTX 4060 GPU" {
			sawAcer = true
		}
	}
	if !sawDell {
		t.Error("expected the distinct Dell listing to survive")
	}
	if !sawAcer {
		t.Error("expected the higher-scoring Acer listing to be kept over its duplicate")
	}
}

func TestDedupeByEmbedding_EmptyVectorsNeverMatchAsDuplicates(t *testing.T) {
	evals := []viability.Evaluation{evalWith("a", 0.5), evalWith("b", 0.9)}
	got := dedupeByEmbedding(context.Background(), &fakeEmbedder{vectors: map[string][]float32{}}, evals)
	if len(got) != 2 {
		t.Fatalf("expected zero-vector similarity to never collapse listings, got %d", len(got))
	}
}

func TestCosineSimilarity_IdenticalVectorsScoreOne(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3}); got < 0.999 {
		t.Errorf("expected ~1.0 for identical vectors, got %v", got)
	}
}

func TestCosineSimilarity_OrthogonalVectorsScoreZero(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("expected 0 for orthogonal vectors, got %v", got)
	}
}

func TestCosineSimilarity_MismatchedLengthsScoreZero(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); got != 0 {
		t.Errorf("expected 0 for mismatched lengths, got %v", got)
	}
}
