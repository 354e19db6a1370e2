/*
Package main runs the post-trade analyzer.

The analyzer loads a trade table from the configured provider, validates it
against the production schema, normalizes trade times, rebuilds the
per-instrument, per-day rollups and reports every stored cumulative value that
does not reconcile with the recomputed one.

Usage:

	go run ./cmd/analyzer -config=config.yaml -from=2024-03-04 -to=2024-03-08
	go run ./cmd/analyzer -serve

Without -serve the analyzer performs one load, logs its findings and exits; with
-report it also writes the ranked end-of-day HTML report. With -serve it keeps
the snapshot in memory and exposes it over HTTP until interrupted.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"posttrade/internal/aggregate"
	"posttrade/internal/api"
	"posttrade/internal/config"
	"posttrade/internal/metrics"
	"posttrade/internal/model"
	"posttrade/internal/report"
	"posttrade/internal/schema"
	"posttrade/internal/service"
	"posttrade/internal/timeutil"
)

// Command-line flags
var (
	// configPath points to an optional YAML configuration file
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	// from and to bound the loaded trade days (YYYY-MM-DD, inclusive)
	from = flag.String("from", "", "First trade day to load (default: six days before -to)")
	to   = flag.String("to", "", "Last trade day to load (default: today)")
	// serve keeps the analyzer running behind the HTTP API
	serve = flag.Bool("serve", false, "Serve the HTTP API instead of exiting after one load")
	// writeReport exports the HTML report after a one-shot load
	writeReport = flag.Bool("report", false, "Write the HTML report after a one-shot load")
)

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	fromDay, toDay, err := timeutil.ParseRange(*from, *to, time.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("invalid load range")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	analyzer, err := newApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize analyzer")
	}

	if !*serve {
		if err := runOnce(ctx, analyzer, cfg, fromDay, toDay); err != nil {
			log.Fatal().Err(err).Msg("load failed")
		}
		return
	}

	if err := analyzer.loader.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start loader")
	}
	defer analyzer.loader.Stop()

	// An initial load failure leaves the API up; clients can retry via POST /api/load.
	if res, err := analyzer.loader.Load(ctx, fromDay, toDay); err != nil {
		log.Error().Err(err).Msg("initial load failed")
	} else {
		logResult(res)
	}

	handler := api.NewHandler(analyzer.loader, analyzer.broadcaster, report.NewPresetStore(cfg.Report.PresetsDir), analyzer.validator.Columns())
	server := api.NewServer(handler, api.ServerConfig{
		Addr:        cfg.Server.Addr,
		ReadTimeout: cfg.Server.ReadTimeout,
	}, prometheus.DefaultGatherer)
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start http server")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info().Msg("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}
	cancel()
}

// app bundles the wired analyzer components.
type app struct {
	validator   *schema.Validator
	loader      *service.Loader
	broadcaster *service.Broadcaster
}

// newApp wires provider, pipeline, metrics and broadcaster from cfg.
func newApp(cfg *config.Config) (*app, error) {
	validator, err := schema.NewValidator(cfg.SchemaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create schema validator: %w", err)
	}

	aggCfg, err := cfg.AggregateConfig()
	if err != nil {
		return nil, err
	}
	aggregator, err := aggregate.NewAggregator(aggCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregator: %w", err)
	}

	p, err := cfg.NewProvider()
	if err != nil {
		return nil, err
	}

	recorder := metrics.New(prometheus.DefaultRegisterer)
	pipeline := service.NewPipeline(validator, aggregator, recorder)

	broadcaster := service.NewBroadcaster(service.BroadcasterConfig{
		MaxSubscribers: cfg.Server.MaxSubscribers,
	})

	return &app{
		validator:   validator,
		loader:      service.NewLoader(p, pipeline, broadcaster, recorder),
		broadcaster: broadcaster,
	}, nil
}

// runOnce performs a single load, logs the findings and optionally writes the report.
func runOnce(ctx context.Context, a *app, cfg *config.Config, from, to model.TradeDay) error {
	res, err := a.loader.Load(ctx, from, to)
	if err != nil {
		return err
	}
	logResult(res)

	if !*writeReport {
		return nil
	}

	rep, err := report.Build(res.InstrumentDay, report.Options{
		From:    from,
		To:      to,
		Metrics: report.DefaultMetrics,
		Fields:  report.DefaultFields,
		N:       report.DefaultN,
		Top:     true,
		Bottom:  true,
	})
	if err != nil {
		return err
	}
	summary := report.Summary(res.InstrumentDay.EndOfDayRows(rep.From, rep.To), rep.Metrics)
	for _, line := range summary {
		log.Info().Msg(line)
	}

	path, err := report.WriteHTML(cfg.Report.OutputDir, rep, summary)
	if err != nil {
		return err
	}
	log.Info().Str("path", path).Msg("report written")
	return nil
}

func logResult(res *service.Result) {
	log.Info().
		Str("load_id", res.LoadID.String()).
		Str("fingerprint", res.Fingerprint).
		Stringer("from", res.From).
		Stringer("to", res.To).
		Int("rows", res.Raw.Len()).
		Int("groups", len(res.InstrumentDay.Groups)).
		Int("discrepancies", len(res.Discrepancies)).
		Msg("trades loaded")

	for _, d := range res.Discrepancies {
		log.Warn().Msg(d.String())
	}
}
