package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/wyfcoding/commoditybroker/internal/platform"
	"github.com/wyfcoding/commoditybroker/pkg/config"
	"github.com/wyfcoding/commoditybroker/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "retailer",
		Usage: "Run simulated commodity retailers against a shared broker deployment",
		Commands: []*cli.Command{
			runCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println("Error: ", err)
		os.Exit(1)
	}
}

var runCmd = &cli.Command{
	Name:    "run",
	Usage:   "Register retailers in the directory and serve quotes and orders",
	Aliases: []string{"r"},
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Value: "configs/broker/config.toml",
			Usage: "specify the config file (kafka, redis, directory and retailers sections)",
		},
		&cli.StringFlag{
			Name:  "id",
			Usage: "run a single retailer with this agent id instead of the configured list",
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "specify the display name",
		},
		&cli.IntFlag{
			Name:  "sell",
			Value: 100,
			Usage: "specify the initial sell price",
		},
		&cli.IntFlag{
			Name:  "buy",
			Value: 80,
			Usage: "specify the initial buy price",
		},
		&cli.IntFlag{
			Name:  "units",
			Value: 10,
			Usage: "specify the initial stock",
		},
		&cli.IntFlag{
			Name:  "interval",
			Value: 3000,
			Usage: "specify the quote refresh interval (ms), 0 disables the ticker",
		},
		&cli.Float64Flag{
			Name:  "volatility",
			Value: 5.0,
			Usage: "specify the max price move per tick (percent)",
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := config.LoadWithDefaults(c.String("config"))
		if err != nil {
			return err
		}
		if cfg.Transport.Driver != "kafka" {
			return errors.New("standalone retailers require the kafka transport")
		}
		if id := c.String("id"); id != "" {
			cfg.Retailers = []config.RetailerConfig{{
				ID:              id,
				Name:            c.String("name"),
				SellPrice:       c.Int("sell"),
				BuyPrice:        c.Int("buy"),
				Units:           c.Int("units"),
				QuoteIntervalMs: c.Int("interval"),
				Volatility:      c.Float64("volatility"),
			}}
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		if len(cfg.Retailers) == 0 {
			return errors.New("no retailers configured")
		}
		return doRun(c.Context, cfg)
	},
}

func doRun(parent context.Context, cfg *config.Config) error {
	if err := logger.Init(platform.LoggerConfig(cfg.Logger)); err != nil {
		return err
	}
	slog.SetDefault(logger.Get())

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport, closeTransport, err := platform.NewTransport(cfg)
	if err != nil {
		return err
	}
	defer closeTransport()

	dir, err := platform.NewDirectory(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect directory: %w", err)
	}
	defer dir.Close()

	activity := platform.ActivitySink(cfg.Logger, logger.NewConsoleSink(os.Stdout))

	g, gctx := errgroup.WithContext(ctx)
	if err := platform.StartRetailers(gctx, g, cfg.Retailers, transport, dir, activity); err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	slog.Info("retailers running", "count", len(cfg.Retailers))
	return g.Wait()
}
