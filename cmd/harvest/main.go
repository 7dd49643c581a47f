package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/timmy/steamharvest/cmd/harvest/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	commands.ExecuteContext(ctx)
}
