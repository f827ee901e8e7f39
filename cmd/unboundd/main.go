// Command unboundd is the Unbound daemon: it owns session state, the
// Claude Code subprocess lifecycle, and the local/remote transports
// UI clients and the remote fan-out service talk to.
package main

import (
	"fmt"
	"os"

	"github.com/unbound-app/daemon/cmd/unboundd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
