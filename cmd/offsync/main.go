// Command offsync keeps a local cache of remote mail and calendar records in
// sync, queueing local changes while offline.
package main

import (
	"fmt"
	"os"

	"github.com/mschirtzinger/offsync/internal/ui"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
