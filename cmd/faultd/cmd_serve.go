package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/y001j/fault-engine/internal/core"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine against live telemetry",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, mgr, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := core.New(cfg, mgr)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		rt.Stop(context.Background())
		return err
	}

	<-ctx.Done()
	log.Info().Msg("收到退出信号，正在停止")
	stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	rt.Stop(stopCtx)
	return nil
}
