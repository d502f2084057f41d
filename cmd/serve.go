package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/banhammer/banhammer/config"
	"github.com/banhammer/banhammer/logger"
	"github.com/banhammer/banhammer/server"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

var ServeCommand = &cli.Command{
	Name:      "serve",
	Usage:     "run the detector: log ingress, detection sweeps and the query API",
	UsageText: "serve [--config FILE]",
	Args:      false,
	Flags: []cli.Flag{
		ConfigFlag(false),
	},
	Action: func(cCtx *cli.Context) error {
		if cCtx.NArg() > 0 {
			return ErrTooManyArguments
		}

		return RunServeCommand(afero.NewOsFs(), cCtx.String("config"))
	},
}

func RunServeCommand(afs afero.Fs, configPath string) error {
	// missing config files fall back to defaults, env vars still apply
	cfg, err := config.LoadConfig(afs, configPath)
	if err != nil {
		return fmt.Errorf("error loading config file: %w", err)
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zlog := logger.GetLogger()
	zlog.Info().Str("version", config.Version).Msg("starting up")

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server exited with error: %w", err)
	}

	zlog.Info().Msg("shut down cleanly")
	return nil
}
