// Package detector binds the parser, rule evaluator and model into the
// per-batch detection pipeline, and fans detected anomalies out to the
// history, the rate aggregator and the live feed.
package detector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opsline/anomalyd/internal/alert"
	"github.com/opsline/anomalyd/internal/history"
	"github.com/opsline/anomalyd/internal/logger"
	"github.com/opsline/anomalyd/internal/metrics"
	"github.com/opsline/anomalyd/internal/model"
	"github.com/opsline/anomalyd/internal/parser"
	"github.com/opsline/anomalyd/internal/rules"
	"github.com/opsline/anomalyd/internal/schema"
)

// ErrNoLogs is returned for an empty batch; the API maps it to 400.
var ErrNoLogs = errors.New("no logs provided")

// Notifier receives every stored anomaly; the websocket hub implements it.
type Notifier interface {
	Broadcast(rec schema.AnomalyRecord)
}

// Service is the orchestrator: one instance serves all concurrent
// requests. Each batch is processed sequentially to preserve input order;
// anomaly fan-out never blocks response assembly beyond an O(1) append
// and a non-blocking publish.
type Service struct {
	log      *logger.Logger
	parser   *parser.Parser
	rules    *rules.Set
	model    *model.Service
	history  *history.Ring
	agg      *alert.Aggregator
	feedback *model.FeedbackStore
	notifier Notifier

	predictions      atomic.Int64
	anomalies        atomic.Int64
	feedbackReceived atomic.Int64
}

// New wires the orchestrator. notifier may be nil.
func New(
	log *logger.Logger,
	p *parser.Parser,
	rs *rules.Set,
	ms *model.Service,
	hist *history.Ring,
	agg *alert.Aggregator,
	fb *model.FeedbackStore,
	notifier Notifier,
) *Service {
	return &Service{
		log: log, parser: p, rules: rs, model: ms,
		history: hist, agg: agg, feedback: fb, notifier: notifier,
	}
}

// ProcessBatch runs the full pipeline over one stream request. The
// response preserves input order exactly: result[i] is the verdict for
// logs[i]. A hit request deadline discards the partial response.
func (s *Service) ProcessBatch(ctx context.Context, logs []schema.LogRecord, tags map[string]string) ([]schema.StreamResult, error) {
	if len(logs) == 0 {
		return nil, ErrNoLogs
	}
	results := make([]schema.StreamResult, len(logs))
	for i, lr := range logs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := s.parser.Parse(lr)
		if err != nil {
			metrics.ParseFailures.WithLabelValues(lr.Service, string(lr.FormatType)).Inc()
			s.log.Debug().Err(err).Str("service", lr.Service).Msg("log unparseable, scoring degenerate record")
		}
		verdict := s.decide(rec)
		results[i] = schema.StreamResult{Score: verdict.Score, IsAnomaly: verdict.IsAnomaly}

		s.predictions.Add(1)
		metrics.LogsProcessed.WithLabelValues(lr.Service).Inc()
		if verdict.IsAnomaly == 1 {
			s.recordAnomaly(rec, verdict, tags)
		}
	}
	return results, nil
}

// decide applies the two detection layers: threshold rules dominate, the
// model fills in for everything else, an untrained model abstains.
func (s *Service) decide(rec *schema.ParsedRecord) schema.Verdict {
	if violated, ev := s.rules.Evaluate(rec); violated {
		return schema.Verdict{Score: 1.0, IsAnomaly: 1, Cause: schema.CauseRule, Evidence: ev}
	}
	snap := s.model.Snapshot()
	if snap == nil {
		return schema.Verdict{Score: 1.0, IsAnomaly: 0, Cause: schema.CauseNone}
	}
	score := snap.Normality(snap.Schema.Extract(rec))
	if score < s.model.Threshold() {
		return schema.Verdict{Score: score, IsAnomaly: 1, Cause: schema.CauseModel}
	}
	return schema.Verdict{Score: score, IsAnomaly: 0, Cause: schema.CauseNone}
}

func (s *Service) recordAnomaly(rec *schema.ParsedRecord, v schema.Verdict, tags map[string]string) {
	s.anomalies.Add(1)
	metrics.Anomalies.WithLabelValues(rec.Service, string(v.Cause)).Inc()

	level := rec.Level
	if level == "" {
		level = "unknown"
	}
	ar := schema.AnomalyRecord{
		ID:            uuid.NewString(),
		Timestamp:     rec.Timestamp,
		Service:       rec.Service,
		Source:        rec.Source,
		LogLevel:      level,
		Message:       rec.Message,
		AnomalyScore:  v.Score,
		RuleViolation: v.Cause == schema.CauseRule,
		Features:      map[string]float64{},
		RawLog:        rec.RawLog,
		Metadata:      map[string]any{},
		Context:       map[string]any{},
	}
	if v.Cause == schema.CauseRule && v.Evidence != nil {
		ar.Message = fmt.Sprintf("Rule violation: %s (%v) > %v",
			v.Evidence.RuleName, v.Evidence.ActualValue, v.Evidence.Threshold)
		ar.Metadata["violated_rule"] = v.Evidence.RuleName
		ar.Metadata["threshold"] = v.Evidence.Threshold
		ar.Metadata["actual_value"] = v.Evidence.ActualValue
	} else if snap := s.model.Snapshot(); snap != nil {
		ar.Features = snap.Schema.Named(snap.Schema.Extract(rec))
	}
	for k, val := range tags {
		ar.Context[k] = val
	}

	s.history.Append(ar)
	if s.agg != nil {
		s.agg.Observe(ar)
	}
	if s.notifier != nil {
		s.notifier.Broadcast(ar)
	}
}

// Train parses the batch (skipping unparseable lines, as the training
// path always has) and enqueues a training job. Returns the job ID.
func (s *Service) Train(logs []schema.LogRecord) (string, error) {
	if len(logs) == 0 {
		return "", ErrNoLogs
	}
	recs := make([]*schema.ParsedRecord, 0, len(logs))
	for _, lr := range logs {
		rec, err := s.parser.Parse(lr)
		if err != nil {
			s.log.Debug().Err(err).Msg("skipping unparseable training log")
			continue
		}
		recs = append(recs, rec)
	}
	return s.model.Submit(recs), nil
}

// Feedback stores labeled examples for future retraining.
func (s *Service) Feedback(items []schema.FeedbackItem) (int, error) {
	if len(items) == 0 {
		return 0, ErrNoLogs
	}
	entries := make([]schema.FeedbackEntry, len(items))
	now := time.Now().UTC()
	for i, it := range items {
		entries[i] = schema.FeedbackEntry{Log: it.Log, IsAnomaly: it.IsAnomaly, IngestTime: now}
	}
	n, err := s.feedback.Add(entries)
	if err != nil {
		return 0, err
	}
	s.feedbackReceived.Add(int64(n))
	return n, nil
}

// History exposes the bounded anomaly ring.
func (s *Service) History() *history.Ring { return s.history }

// Metrics snapshots the service counters.
func (s *Service) Metrics() schema.ServiceMetrics {
	m := schema.ServiceMetrics{
		PredictionCount:  s.predictions.Load(),
		AnomalyCount:     s.anomalies.Load(),
		FeedbackReceived: s.feedbackReceived.Load(),
		ModelAccuracy:    s.history.AverageScore(),
	}
	if ts, ok := s.model.LastTrained(); ok {
		m.LastTrained = &ts
	}
	return m
}

// Healthy reports whether a trained model is loaded.
func (s *Service) Healthy() bool { return s.model.Snapshot() != nil }
