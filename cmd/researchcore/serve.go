package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"researchcore/internal/logging"
	"researchcore/internal/orchestrator"
	"researchcore/internal/viability"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose the HTTP surface (POST /research, GET /api/captchas/pending, POST /interventions/{id}/resolve, POST /vendor.explore_catalog)",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPipeline(workspace)
		if err != nil {
			return err
		}
		mux := newMux(p)
		fmt.Printf("researchcore listening on %s\n", serveAddr)
		return http.ListenAndServe(serveAddr, mux)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "address to listen on")
}

func newMux(p *pipeline) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /research", handleResearch(p))
	mux.HandleFunc("GET /api/captchas/pending", handleCaptchasPending(p))
	mux.HandleFunc("POST /interventions/{id}/resolve", handleResolveIntervention(p))
	mux.HandleFunc("POST /vendor.explore_catalog", handleExploreCatalog(p))
	return mux
}

type researchRequestBody struct {
	Query              string `json:"query"`
	Mode               string `json:"mode"`
	SessionID          string `json:"session_id"`
	HumanAssistAllowed bool   `json:"human_assist_allowed"`
	QueryType          string `json:"query_type"`
}

type researchResponseBody struct {
	Results      []viability.Evaluation `json:"results"`
	Mode         string                 `json:"mode"`
	StrategyUsed string                 `json:"strategy_used"`
	Passes       int                    `json:"passes"`
	Stats        researchStats          `json:"stats"`
}

type researchStats struct {
	HopsUsed      int      `json:"hops_used"`
	VendorsSeen   []string `json:"vendors_seen"`
	TotalRejected int      `json:"total_rejected"`
	Caveats       []string `json:"caveats"`
}

// handleResearch implements POST /research. mode "deep" widens the hop
// budget and target count rather than branching to different logic - the
// orchestrator's decide_next loop already scales gracefully with a larger
// budget.
func handleResearch(p *pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req researchRequestBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if req.Query == "" {
			http.Error(w, "query is required", http.StatusBadRequest)
			return
		}
		if req.SessionID == "" {
			req.SessionID = uuid.NewString()
		}
		if req.Mode == "" {
			req.Mode = "standard"
		}

		cfg := orchestrator.DefaultConfig()
		if req.Mode == "deep" {
			cfg.HopBudget *= 2
			cfg.TargetViable *= 2
			cfg.VerifyBudget *= 2
		}

		report, err := p.orc.Run(r.Context(), orchestrator.Request{
			Query:       req.Query,
			SessionID:   req.SessionID,
			UserID:      req.SessionID,
			HumanAssist: req.HumanAssistAllowed,
			Config:      cfg,
		})
		if err != nil {
			logging.OrchestratorError("research request failed: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, researchResponseBody{
			Results:      report.Products,
			Mode:         req.Mode,
			StrategyUsed: req.Mode,
			Passes:       report.HopsUsed,
			Stats: researchStats{
				HopsUsed:      report.HopsUsed,
				VendorsSeen:   report.VendorsSeen,
				TotalRejected: report.TotalRejected,
				Caveats:       report.Caveats,
			},
		})
	}
}

// handleCaptchasPending implements GET /api/captchas/pending.
func handleCaptchasPending(p *pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"interventions": p.interv.ListPending(),
		})
	}
}

type resolveRequestBody struct {
	Resolved   bool   `json:"resolved"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// handleResolveIntervention implements POST /interventions/{id}/resolve.
func handleResolveIntervention(p *pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var req resolveRequestBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		found, err := p.interv.Resolve(id, req.Resolved, req.SkipReason)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "unknown intervention", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

type exploreCatalogRequestBody struct {
	VendorURL  string `json:"vendor_url"`
	VendorName string `json:"vendor_name"`
	Category   string `json:"category"`
	MaxItems   int    `json:"max_items"`
	SessionID  string `json:"session_id"`
}

// handleExploreCatalog implements POST /vendor.explore_catalog.
func handleExploreCatalog(p *pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req exploreCatalogRequestBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if req.VendorURL == "" || req.VendorName == "" {
			http.Error(w, "vendor_url and vendor_name are required", http.StatusBadRequest)
			return
		}
		if req.SessionID == "" {
			req.SessionID = uuid.NewString()
		}

		report, err := p.orc.ExploreCatalog(r.Context(), req.VendorURL, req.VendorName, req.Category, req.MaxItems, req.SessionID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
