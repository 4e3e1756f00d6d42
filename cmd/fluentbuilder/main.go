package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"fluentbuilder/internal/cli"
)

// main only wires process state: signals, standard streams and the exit
// code. Everything else lives in internal/cli so it can be tested.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
