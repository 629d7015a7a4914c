package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/hed1ad/abuseguard/internal/cli"
	"github.com/hed1ad/abuseguard/internal/pipeline"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx); err != nil {
		stop()
		log.Fatal().Err(err).Str("stage", string(pipeline.StageOf(err))).Msg("abuseguard failed")
	}
}
