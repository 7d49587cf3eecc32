package orchestrator

import (
	"context"
	"math"
	"sort"

	"researchcore/internal/embedding"
	"researchcore/internal/logging"
	"researchcore/internal/viability"
)

// duplicateSimilarityThreshold is the cosine similarity above which two
// products are treated as the same listing reached via different hops or
// vendors. Titles worded differently ("Acer Nitro 5 RTX 4060" vs "Acer
// Nitro 5 Gaming Laptop with RTX 4060 GPU") still embed close together even
// though token-overlap fusion (extraction.FuseProducts) would miss them.
const duplicateSimilarityThreshold = 0.92

// dedupeByEmbedding collapses near-duplicate evaluations using title
// embeddings, keeping the highest-scoring product in each duplicate
// cluster. It is a no-op when embedder is nil (no embedding credentials
// configured) or there are fewer than two evaluations to compare.
func dedupeByEmbedding(ctx context.Context, embedder embedding.Engine, evaluations []viability.Evaluation) []viability.Evaluation {
	if embedder == nil || len(evaluations) < 2 {
		return evaluations
	}

	titles := make([]string, len(evaluations))
	for i, e := range evaluations {
		titles[i] = e.Product.Title
	}

	vectors, err := embedder.EmbedBatch(ctx, titles)
	if err != nil || len(vectors) != len(evaluations) {
		logging.OrchestratorWarn("dedup: embedding batch failed, skipping embedding dedup: %v", err)
		return evaluations
	}

	order := make([]int, len(evaluations))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return evaluations[order[a]].ViabilityScore > evaluations[order[b]].ViabilityScore
	})

	dropped := make([]bool, len(evaluations))
	var kept []int
	for _, i := range order {
		if dropped[i] {
			continue
		}
		kept = append(kept, i)
		for _, j := range order {
			if j == i || dropped[j] {
				continue
			}
			if cosineSimilarity(vectors[i], vectors[j]) >= duplicateSimilarityThreshold {
				dropped[j] = true
			}
		}
	}

	sort.Ints(kept)
	result := make([]viability.Evaluation, 0, len(kept))
	for _, i := range kept {
		result = append(result, evaluations[i])
	}

	if removed := len(evaluations) - len(result); removed > 0 {
		logging.Orchestrator("dedup: collapsed %d near-duplicate listing(s) by embedding similarity", removed)
	}
	return result
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
