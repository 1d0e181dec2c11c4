package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/powerlog/internal/config"
	"codeberg.org/mutker/powerlog/internal/errors"
	"codeberg.org/mutker/powerlog/internal/logger"
	"codeberg.org/mutker/powerlog/internal/pipeline"
	"codeberg.org/mutker/powerlog/internal/sensor"
	"codeberg.org/mutker/powerlog/internal/sink"
	"codeberg.org/mutker/powerlog/internal/weather"
)

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	logger.Debug().Msg("Config loaded")
}

func main() {
	reader, err := sensor.New(cfg.Rails)
	if err != nil {
		fatal(err, "failed to initialize power reader")
	}

	recordSink, err := buildSink(cfg)
	if err != nil {
		fatal(err, "failed to open record sink")
	}

	fetcher := weather.NewClient(cfg.Weather)

	p, err := pipeline.New(pipeline.Config{
		PowerInterval:   cfg.PowerInterval,
		WeatherInterval: cfg.WeatherInterval,
		Rails:           cfg.RailLabels(),
		WeatherMaxAge:   cfg.Weather.MaxAge,
	}, reader, fetcher, recordSink)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pipeline")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := p.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("error in acquisition pipeline")
	}

	cleanup(p, recordSink)
}

func buildSink(cfg *config.Config) (sink.Sink, error) {
	if cfg.Monitor {
		logger.Info().Msg("Monitor mode activated. Logging records...")
		return sink.NewMonitor(), nil
	}

	csv, err := sink.NewCSV(cfg.Sink.Output, cfg.RailLabels())
	if err != nil {
		return nil, err
	}

	if cfg.Sink.Database == "" {
		return csv, nil
	}

	db, err := sink.NewSQLite(cfg.Sink.Database)
	if err != nil {
		csv.Close()
		return nil, err
	}

	return sink.Multi{csv, db}, nil
}

func fatal(err error, msg string) {
	if coded := errors.AsCoded(err); coded != nil {
		logger.FatalWithCode(coded).Msg(msg)
		return
	}
	logger.Fatal().Err(err).Msg(msg)
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func cleanup(p *pipeline.Pipeline, recordSink sink.Sink) {
	if err := recordSink.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close record sink")
	}

	counters := p.Counters()
	logger.Info().
		Uint64("records_emitted", counters.RecordsEmitted).
		Uint64("cycles_skipped", counters.CyclesSkipped).
		Uint64("fetch_failures", counters.FetchFailures).
		Uint64("sink_failures", counters.SinkFailures).
		Msg("Exiting...")
}
