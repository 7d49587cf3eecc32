package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	exploreCategory  string
	exploreMaxItems  int
	exploreSessionID string
	exploreVendorName string
)

// exploreCmd runs ExploreCatalog against stdout, the CLI equivalent of
// POST /vendor.explore_catalog for operator testing.
var exploreCmd = &cobra.Command{
	Use:   "explore <vendor-url>",
	Short: "Deep-crawl a vendor's own catalog pages and print the report as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPipeline(workspace)
		if err != nil {
			return err
		}
		sessionID := exploreSessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		vendorName := exploreVendorName
		if vendorName == "" {
			vendorName = args[0]
		}

		report, err := p.orc.ExploreCatalog(cmd.Context(), args[0], vendorName, exploreCategory, exploreMaxItems, sessionID)
		if err != nil {
			return fmt.Errorf("catalog exploration: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	exploreCmd.Flags().StringVar(&exploreCategory, "category", "all", "category filter (available, retired, upcoming, or all)")
	exploreCmd.Flags().IntVar(&exploreMaxItems, "max-items", 20, "maximum items to extract")
	exploreCmd.Flags().StringVar(&exploreSessionID, "session-id", "", "browser session id to reuse (default: random)")
	exploreCmd.Flags().StringVar(&exploreVendorName, "vendor-name", "", "display name of the vendor (default: the vendor URL)")
}
