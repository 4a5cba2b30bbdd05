package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sfmbatch/internal/cli"
	"sfmbatch/internal/logging"
	"sfmbatch/internal/runner"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.New("info", "text")
	cmd := cli.NewRootCmd(cli.NewRoot(log))
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(runner.ExitCode(err))
	}
}
