// gtwatch is the Gas Town fleet watcher: it polls rigs, agents, beads,
// and hooks, tails the workspace feeds, and serves a live dashboard API.
package main

import (
	"os"

	"github.com/steveyegge/gtwatch/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
