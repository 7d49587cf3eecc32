package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"researchcore/internal/intervention"
	"researchcore/internal/session"
)

var (
	resolveSuccess    bool
	resolveSkipReason string
)

// resolveCmd is the Go home for the Python original's scripts/resolve_captcha.py:
// an operator-facing way to clear a pending intervention without going
// through the HTTP surface, for scripted or headless operation.
var resolveCmd = &cobra.Command{
	Use:   "resolve <intervention-id>",
	Short: "Resolve a pending human-intervention request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queuePath := filepath.Join(workspace, "shared_state", "captcha_queue.json")
		registry := session.NewRegistry()
		broker := intervention.NewBroker(queuePath, registry)

		found, err := broker.Resolve(args[0], resolveSuccess, resolveSkipReason)
		if err != nil {
			return fmt.Errorf("resolving intervention: %w", err)
		}
		if !found {
			return fmt.Errorf("no pending intervention with id %q", args[0])
		}
		fmt.Printf("intervention %s resolved (success=%v)\n", args[0], resolveSuccess)
		return nil
	},
}

func init() {
	resolveCmd.Flags().BoolVar(&resolveSuccess, "success", true, "whether the human cleared the blocker successfully")
	resolveCmd.Flags().StringVar(&resolveSkipReason, "skip-reason", "", "reason recorded when the intervention was skipped instead of resolved")
}
