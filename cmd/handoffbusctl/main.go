// Command handoffbusctl is the operator CLI for a running handoffbusd:
// check its health, inspect the live routing snapshot, and stop
// in-flight or queued jobs by message or execution id. Structured the
// way the teacher's cmd/goclaw dispatches subcommands (flag.Parse for
// global flags, then a switch on the first positional argument).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s status                        Show daemon health (/healthz)
  %s routes                        Show the live routing snapshot
  %s stop <id> [<id> ...]           Stop queued or active jobs by id
                                    Flags: -reason <text>

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  HANDOFFBUS_HOME            Data directory (default: ~/.handoffbus)
  HANDOFFBUS_OPS_BIND_ADDR   Override the ops surface address read from config.yaml
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "routes":
		os.Exit(runRoutesCommand(ctx, args[1:]))
	case "stop":
		os.Exit(runStopCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}
