package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/attid/eurmtl/bot"
	"github.com/attid/eurmtl/challenge"
	"github.com/attid/eurmtl/collector"
	"github.com/attid/eurmtl/configuration"
	"github.com/attid/eurmtl/coordinator"
	"github.com/attid/eurmtl/deal"
	"github.com/attid/eurmtl/directory"
	"github.com/attid/eurmtl/horizon"
	"github.com/attid/eurmtl/logging"
	"github.com/attid/eurmtl/logo"
	"github.com/attid/eurmtl/natsclient"
	"github.com/attid/eurmtl/repository"
	"github.com/attid/eurmtl/resolver"
	"github.com/attid/eurmtl/server"
	"github.com/attid/eurmtl/stdoutwriter"
	"github.com/attid/eurmtl/telemetry"
)

const usage = `runs the multisignature coordination service for the Stellar public network`

func main() {
	logo.Display()
	godotenv.Load()

	var file string
	configurator := func() (configuration.Configuration, error) {
		if file == "" {
			return configuration.Configuration{}, errors.New("please specify configuration file path with -c <path to file>")
		}
		return configuration.Read(file)
	}

	app := &cli.App{
		Name:  "eurmtl",
		Usage: usage,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Load configuration from `FILE`",
				Destination: &file,
			},
		},
		Action: func(_ *cli.Context) error {
			cfg, err := configurator()
			if err != nil {
				return err
			}
			run(cfg)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		pterm.Error.Println(err.Error())
	}
}

func run(cfg configuration.Configuration) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	go func() {
		<-c
		cancel()
	}()

	callbackOnErr := func(err error) {
		fmt.Println("Error with logger: ", err)
	}

	callbackOnFatal := func(err error) {
		panic(fmt.Sprintf("Error with logger: %s", err))
	}

	log := logging.New(callbackOnErr, callbackOnFatal, stdoutwriter.Logger{})

	db, err := repository.Connect(ctx, cfg.Database)
	if err != nil {
		log.Error(err.Error())
		time.Sleep(time.Second)
		return
	}
	defer db.Disconnect(ctx)
	if err := db.Ping(ctx); err != nil {
		log.Error(err.Error())
		time.Sleep(time.Second)
		return
	}
	if err := db.RunMigrations(ctx); err != nil {
		log.Error(err.Error())
		time.Sleep(time.Second)
		return
	}

	network := horizon.NewClient(ctx, cfg.Horizon, log)

	pub, err := natsclient.PublisherConnect(cfg.Nats)
	switch {
	case err == nil:
		defer func() {
			if err := pub.Disconnect(); err != nil {
				log.Error(err.Error())
			}
		}()
	case errors.Is(err, natsclient.ErrEmptyAddressProvided):
		log.Warn("nats address not configured, lifecycle events are disabled")
		pub = nil
	default:
		log.Error(err.Error())
		time.Sleep(time.Second)
		return
	}

	botClient := bot.NewClient(cfg.Bot)

	res := resolver.New(network, db, log)

	var col *collector.Collector
	var engine *coordinator.Coordinator
	if pub != nil {
		col = collector.New(db, botClient, pub, log)
		engine = coordinator.New(db, res, network, col, pub, log)
	} else {
		col = collector.New(db, botClient, nil, log)
		engine = coordinator.New(db, res, network, col, nil, log)
	}

	flow, err := challenge.New(cfg.Challenge, network, log)
	if err != nil {
		log.Error(err.Error())
		time.Sleep(time.Second)
		return
	}

	dirClient := directory.NewClient(cfg.Directory)
	dirCache := directory.NewCache(dirClient, cfg.Tables, log)
	deals := deal.New(cfg.Deal, dirCache, dirClient, network, engine, botClient, log)

	tele := telemetry.New()
	go func() {
		if err := telemetry.Run(ctx, cancel, cfg.Telemetry); err != nil {
			log.Error(err.Error())
		}
	}()

	err = server.Run(ctx, cfg.Server, engine, flow, deals, dirCache, tele, log)
	if err != nil {
		log.Error(err.Error())
		time.Sleep(time.Second)
	}
	time.Sleep(time.Second)
}
