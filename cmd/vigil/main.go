package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/vigil-chat/vigil/pkg/vigil"
)

func makeLogger(ctx *cli.Context) zerolog.Logger {
	var writer zerolog.LevelWriter
	if ctx.Bool("json") {
		writer = zerolog.MultiLevelWriter(os.Stderr)
	} else {
		writer = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp})
	}
	return zerolog.New(writer).With().Timestamp().Logger()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Run the bot (default)",
	Action: func(ctx *cli.Context) error {
		log := makeLogger(ctx)
		app, err := vigil.NewApp(ctx.String("config"), log)
		if err != nil {
			return err
		}
		runCtx, cancel := signalContext()
		defer cancel()
		return app.Run(runCtx)
	},
}

var maintenanceCommand = &cli.Command{
	Name:  "maintenance",
	Usage: "Answer every message with a maintenance notice instead of running the bot",
	Action: func(ctx *cli.Context) error {
		log := makeLogger(ctx)
		runCtx, cancel := signalContext()
		defer cancel()
		return vigil.RunMaintenance(runCtx, ctx.String("config"), log)
	},
}

var generateConfigCommand = &cli.Command{
	Name:  "generate-config",
	Usage: "Print an example config file",
	Action: func(ctx *cli.Context) error {
		fmt.Print(vigil.ExampleConfig)
		return nil
	},
}

func main() {
	app := &cli.App{
		Name:    "vigil",
		Usage:   "Telegram deleted and edited message watcher",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "config.yaml",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Log in JSON instead of the console format",
			},
		},
		DefaultCommand: "run",
		Commands: []*cli.Command{
			runCommand,
			maintenanceCommand,
			generateConfigCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
