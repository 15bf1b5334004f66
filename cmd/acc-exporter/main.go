package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	cmd := (&command{}).Cmd()
	cmd.AddCommand(versionCmd)

	if err := cmd.ExecuteContext(ctx); err != nil {
		return 1
	}

	return 0
}
