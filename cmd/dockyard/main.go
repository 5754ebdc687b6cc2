// Package main provides the dockyard binary, which builds and runs the
// services declared in a compose-style manifest.
//
// Usage:
//
//	dockyard [--config file] [-f manifest] [-p project] <command>
//
// Commands:
//
//	up [--build]  - Build what changed and start every service
//	build         - Rebuild every service with a build context
//	stop          - Stop running services
//	start         - Start stopped services
//	down          - Remove containers and networks, keep build records
//	plan          - Show which services would be rebuilt
//	ps            - Show service state
//	version       - Show version
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)

	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errServicesFailed) {
			fmt.Fprintf(stderr, "error: %v\n", err)
		}
		return exitCode(err)
	}
	return ExitSuccess
}
