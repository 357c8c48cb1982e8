// Command dubctl is the client-side counterpart to the dubbing pipeline
// server: it drives sessions through the HTTP contract (spec §6) from a
// terminal instead of a browser, grounded on the teacher's internal/cli
// (cobra root + viper-persisted config) but speaking the dub endpoints
// instead of the transcription ones.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dubctl",
	Short: "dubctl drives the Indian-language dubbing pipeline from the CLI",
	Long:  `dubctl uploads or ingests source media, runs it through transcription, translation and synthesis, and reports progress — a terminal client for the dubbing pipeline server.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
