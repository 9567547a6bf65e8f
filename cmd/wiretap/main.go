// Command wiretap records telephony bus traffic and replays recordings
// through the call tracker.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "wiretap",
		Short:         "Capture and replay telephony bus traffic",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newCaptureCmd(),
		newSanitizeCmd(),
		newReplayCmd(),
	)
	return cmd
}
