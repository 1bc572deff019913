// scriptgov governs tenant automation scripts: it validates them against a
// policy catalog, keeps their version history and serves the HTTP API
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
