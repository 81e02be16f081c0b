package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/opsline/anomalyd/internal/alert"
	"github.com/opsline/anomalyd/internal/api"
	"github.com/opsline/anomalyd/internal/config"
	"github.com/opsline/anomalyd/internal/detector"
	"github.com/opsline/anomalyd/internal/history"
	"github.com/opsline/anomalyd/internal/logger"
	"github.com/opsline/anomalyd/internal/metrics"
	"github.com/opsline/anomalyd/internal/model"
	"github.com/opsline/anomalyd/internal/parser"
	"github.com/opsline/anomalyd/internal/rules"
	"github.com/opsline/anomalyd/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info").Fatal().Err(err).Msg("load config")
	}
	log := logger.New(cfg.LogLevel)

	metrics.MustRegister()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	closer, err := tracing.Init(ctx, tracing.Config{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  "anomalyd",
		OTLPEndpoint: cfg.TracingEndpoint,
		SampleRatio:  cfg.TracingSampleRatio,
	})
	if err != nil {
		log.Error().Err(err).Msg("tracing init failed")
	} else {
		defer func() { _ = closer(context.Background()) }()
	}

	// Rules
	ruleSet, err := cfg.Rules()
	if err != nil {
		log.Fatal().Err(err).Msg("load rules")
	}
	if cfg.RulesFile != "" {
		go func() {
			if err := rules.Watch(ctx, cfg.RulesFile, ruleSet, log); err != nil {
				log.Error().Err(err).Str("path", cfg.RulesFile).Msg("rules watch stopped")
			}
		}()
	}

	// Feedback store
	fb, err := model.OpenFeedback(cfg.FeedbackPath, cfg.MaxFeedbackEntries)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.FeedbackPath).Msg("open feedback store")
	}
	defer fb.Close()

	// Model
	ms := model.NewService(model.Options{
		Path:            cfg.ModelPath,
		Contamination:   cfg.ModelContamination,
		Threshold:       cfg.AnomalyThreshold,
		MinTrainSamples: cfg.MinTrainSamples,
	}, log)
	if err := ms.Load(); errors.Is(err, model.ErrUntrained) {
		log.Info().Msg("no model artifact, serving neutral scores until first training")
	}
	go ms.Worker(ctx)

	// Alerting
	sinks := []alert.Sink{&alert.ConsoleSink{Log: log}}
	if cfg.SlackWebhookURL != "" {
		sinks = append(sinks, alert.NewSlackSink(cfg.SlackWebhookURL))
	}
	if cfg.PagerDutyRoutingKey != "" {
		sinks = append(sinks, alert.NewPagerDutySink(cfg.PagerDutyRoutingKey))
	}
	if cfg.GenericWebhookURL != "" {
		sinks = append(sinks, alert.NewWebhookSink(cfg.GenericWebhookURL))
	}
	disp := alert.NewDispatcher(sinks, alert.DispatcherOptions{
		QueueSize: cfg.AlertQueueSize,
		RateLimit: cfg.AlertRateLimit,
	}, log)
	go disp.Run(ctx)
	agg := alert.NewAggregator(ruleSet, disp)

	// Pipeline
	hub := api.NewHub(log)
	det := detector.New(
		log,
		parser.New(),
		ruleSet,
		ms,
		history.New(cfg.MaxRecentAnomalies),
		agg,
		fb,
		hub,
	)

	srv := api.NewServer(api.Deps{Log: log, Detector: det, Hub: hub}, api.Config{Addr: cfg.Addr()})
	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("http server")
	}
	log.Info().Msg("shutdown complete")
}
