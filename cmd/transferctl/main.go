// Command transferctl operates a transfer agent deployment: it seeds demo
// data, issues tokens, checks ledger invariants and runs a console chat.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
