// Command researchcore drives the Research & Commerce Extraction Core: it
// exposes the HTTP surface spec.md §6 names (POST /research,
// GET /api/captchas/pending, POST /interventions/{id}/resolve,
// POST /vendor.explore_catalog) and a handful of operator CLI subcommands
// for driving or inspecting a run without the HTTP layer.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var workspace string

var rootCmd = &cobra.Command{
	Use:   "researchcore",
	Short: "Research & Commerce Extraction Core",
	Long: `researchcore drives a real browser through search engines and
retailer sites to find, extract, and verify product listings against a
natural-language query, coordinating human intervention when a bot-blocker
is detected.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Root directory for shared_state/, schemas/, and research_screenshots/")
	rootCmd.AddCommand(serveCmd, researchCmd, resolveCmd, exploreCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
