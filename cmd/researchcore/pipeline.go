package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"researchcore/internal/browser"
	"researchcore/internal/config"
	"researchcore/internal/embedding"
	"researchcore/internal/extraction"
	"researchcore/internal/fetch"
	"researchcore/internal/intelligence"
	"researchcore/internal/intervention"
	"researchcore/internal/orchestrator"
	"researchcore/internal/pdp"
	"researchcore/internal/perception"
	"researchcore/internal/recipe"
	"researchcore/internal/recovery"
	"researchcore/internal/rejection"
	"researchcore/internal/session"
	"researchcore/internal/verify"
	"researchcore/internal/viability"
)

// pipeline bundles every long-lived component the HTTP surface and CLI
// subcommands share.
type pipeline struct {
	sessions *browser.SessionManager
	registry *session.Registry
	interv   *intervention.Broker
	orc      *orchestrator.Orchestrator
	events   *orchestrator.Emitter
}

// buildPipeline wires every component named in spec.md's filesystem layout
// (shared_state/, schemas/, research_screenshots/) rooted under
// workspaceDir, following the same dependency order orchestrator.New
// documents: fetch and browser first, then recovery/intervention (which
// need the session registry), then the extraction family, then PDP/verify/
// viability/rejection, and finally the orchestrator itself.
func buildPipeline(workspaceDir string) (*pipeline, error) {
	stateDir := filepath.Join(workspaceDir, "shared_state", "crawler_sessions")
	queuePath := filepath.Join(workspaceDir, "shared_state", "captcha_queue.json")
	rejectionPath := filepath.Join(workspaceDir, "shared_state", "rejection_patterns.json")
	schemaPath := filepath.Join(workspaceDir, "schemas", "intelligence.jsonl")
	pdpSchemaPath := filepath.Join(workspaceDir, "schemas", "pdp.jsonl")
	recipeDir := filepath.Join(workspaceDir, "recipes")

	recipes, err := recipe.Load(recipeDir)
	if err != nil {
		return nil, fmt.Errorf("loading recipe directory: %w", err)
	}

	perceptionCfg := config.LoadFromEnv()

	sessions := browser.NewSessionManager(browser.Config{
		StateDir:            stateDir,
		NavigationTimeoutMs: 30000,
	})

	registry := session.NewRegistry()
	interv := intervention.NewBroker(queuePath, registry)
	recoveryMgr := recovery.NewManager(sessions, registry)

	llm, err := perception.NewClientFromEnv()
	if err != nil {
		return nil, fmt.Errorf("no LLM client available: %w", err)
	}

	perc, err := intelligence.NewService(llm, schemaPath)
	if err != nil {
		return nil, fmt.Errorf("building intelligence service: %w", err)
	}

	ocr := extraction.NewTesseractOCR(0.5)
	fetcher := fetch.NewFetcher(sessions)
	htmlEx := extraction.NewHTMLExtractor("")
	domEx := extraction.NewUniversalDOMExtractor("")
	visionEx := extraction.NewVisionExtractor(ocr, llm)

	pdpEx, err := pdp.NewExtractor(llm, ocr, pdpSchemaPath, recipes)
	if err != nil {
		return nil, fmt.Errorf("building PDP extractor: %w", err)
	}

	verifier := verify.NewVerifier(pdpEx, interv, "", 6, perceptionCfg.EnableClickResolve, perceptionCfg.MaxClickResolves)
	tracker := rejection.NewTracker(rejectionPath)
	filter := viability.NewFilter(llm, tracker, recipes)
	events := orchestrator.NewEmitter(nil)

	var embedder embedding.Engine
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		genaiEngine, err := embedding.NewGenAIEngine(context.Background(), apiKey, "")
		if err != nil {
			return nil, fmt.Errorf("building embedding engine: %w", err)
		}
		embedder = genaiEngine
	}

	orc := orchestrator.New(
		sessions, registry, recoveryMgr, interv, perc, fetcher,
		htmlEx, domEx, visionEx, pdpEx, verifier, filter, tracker,
		llm, events, "", recipes, embedder,
	)

	return &pipeline{
		sessions: sessions,
		registry: registry,
		interv:   interv,
		orc:      orc,
		events:   events,
	}, nil
}
