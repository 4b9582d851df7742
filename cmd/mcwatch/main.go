// Package main is the entry point for the mcwatch binary.
//
// mcwatch follows applications running on Microclimate servers. Without
// arguments it opens the Bubble Tea dashboard; subcommands (status, logs,
// restart, attach, login, doctor, events) run once and exit.
//
// Usage:
//
//	mcwatch                          # open the dashboard
//	mcwatch status                   # print application states
//	mcwatch restart api --mode debug # restart and wait for the debug port
//
// The CLI is constructed in internal/cli and the dashboard in internal/ui.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/treykane/mcwatch/internal/cli"
	"github.com/treykane/mcwatch/internal/security"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, security.UserMessage(err))
		os.Exit(1)
	}
}
