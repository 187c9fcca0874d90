package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverAddr is the layer's diagnostics address (host:port).
	serverAddr string

	// outputFormat controls the output format for all commands (table or
	// json).
	outputFormat string

	// httpClient is shared by every command.
	httpClient *http.Client
)

// rootCmd is the top-level cobra command for xroverlayctl.
var rootCmd = &cobra.Command{
	Use:   "xroverlayctl",
	Short: "CLI client for the xroverlay intercept layer",
	Long:  "xroverlayctl inspects and manages overlay connections through the layer's diagnostics HTTP API.",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:7890",
		"layer diagnostics address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(connectionCmd())
	rootCmd.AddCommand(versionCmd())
}

func baseURL() string {
	return "http://" + serverAddr
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
