package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"researchcore/internal/orchestrator"
)

var (
	researchSessionID   string
	researchHumanAssist bool
	researchDeep        bool
)

// researchCmd runs one research request against stdout, for operator
// testing without standing up the HTTP surface.
var researchCmd = &cobra.Command{
	Use:   "research <query>",
	Short: "Run one research request and print the report as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPipeline(workspace)
		if err != nil {
			return err
		}
		sessionID := researchSessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		cfg := orchestrator.DefaultConfig()
		if researchDeep {
			cfg.HopBudget *= 2
			cfg.TargetViable *= 2
		}

		report, err := p.orc.Run(cmd.Context(), orchestrator.Request{
			Query:       args[0],
			SessionID:   sessionID,
			UserID:      sessionID,
			HumanAssist: researchHumanAssist,
			Config:      cfg,
		})
		if err != nil {
			return fmt.Errorf("research run: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	researchCmd.Flags().StringVar(&researchSessionID, "session-id", "", "browser session id to reuse (default: random)")
	researchCmd.Flags().BoolVar(&researchHumanAssist, "human-assist", true, "allow requesting human intervention on a detected blocker")
	researchCmd.Flags().BoolVar(&researchDeep, "deep", false, "widen the hop budget and target count for a more thorough run")
}
