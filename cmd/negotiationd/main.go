// Package main is the entry point for the negotiation room server and its
// operator commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "negotiationd",
	Short: "Real-time contract negotiation rooms",
	Long: "negotiationd hosts negotiation rooms where a client and a freelancer agree a contract " +
		"section by section with AI assistance. Configuration is read from NEGOTIATION_* " +
		"environment variables and an optional .env file.",
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(serveCmd(), replayCmd(), templatesCmd(), tailCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
