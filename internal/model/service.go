package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opsline/anomalyd/internal/feature"
	"github.com/opsline/anomalyd/internal/logger"
	"github.com/opsline/anomalyd/internal/metrics"
	"github.com/opsline/anomalyd/internal/schema"
)

// ErrUntrained is returned by Load when no usable artifact exists; the
// service then serves neutral scores until the first successful training.
var ErrUntrained = errors.New("model untrained")

// Snapshot is one committed (schema, forest) pair. Scoring callers obtain
// a snapshot once per call and never observe a half-swapped state.
//
// Score convention: Normality returns a bounded score in [0, 1] where
// higher means more normal; a log is anomalous by model when
// Normality < threshold. The forest's raw isolation score is normalized
// so that the fitted decision boundary (Forest.Offset) lands exactly on
// the configured threshold.
type Snapshot struct {
	Schema    feature.Schema `json:"feature_schema"`
	Forest    *Forest        `json:"forest"`
	TrainedAt time.Time      `json:"trained_at"`

	threshold float64
}

// Normality scores vec; higher = more normal.
func (s *Snapshot) Normality(vec []float64) float64 {
	raw := s.Forest.RawScore(vec)
	spread := 1 - s.Forest.Offset
	if spread < 1e-9 {
		spread = 1e-9
	}
	score := s.threshold * (1 - (raw-s.Forest.Offset)/spread)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Options configures the model service.
type Options struct {
	Path            string
	Contamination   float64
	Threshold       float64
	MinTrainSamples int
	Seed            int64
}

type trainJob struct {
	id   string
	recs []*schema.ParsedRecord
}

// Service owns the model lifecycle: load at startup, serve scores, run
// training jobs on a single background worker, persist after training.
type Service struct {
	log  *logger.Logger
	opts Options

	current atomic.Pointer[Snapshot]

	mu      sync.Mutex
	pending *trainJob
	wake    chan struct{}

	// Called after each training attempt; tests hook this. May be nil.
	onTrained func(ok bool)
}

// SetTrainedHook registers fn to run after every training attempt. Must
// be called before the worker starts.
func (s *Service) SetTrainedHook(fn func(ok bool)) { s.onTrained = fn }

// NewService builds the service. Call Load before serving, and run
// Worker on a background goroutine.
func NewService(opts Options, log *logger.Logger) *Service {
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	if opts.MinTrainSamples <= 0 {
		opts.MinTrainSamples = 10
	}
	return &Service{log: log, opts: opts, wake: make(chan struct{}, 1)}
}

// Load binds the persisted (schema, forest) pair from disk. A missing or
// unreadable artifact leaves the service untrained and returns
// ErrUntrained; that is a normal cold start, not a fault.
func (s *Service) Load() error {
	raw, err := os.ReadFile(s.opts.Path)
	if err != nil {
		return ErrUntrained
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil || snap.Forest == nil || len(snap.Trees()) == 0 {
		s.log.Warn().Str("path", s.opts.Path).Msg("model artifact unreadable, starting untrained")
		return ErrUntrained
	}
	snap.threshold = s.opts.Threshold
	s.current.Store(&snap)
	s.log.Info().Str("path", s.opts.Path).Int("features", len(snap.Schema)).Msg("model loaded")
	return nil
}

// Trees exposes the forest size for artifact validation.
func (s *Snapshot) Trees() []*treeNode {
	if s.Forest == nil {
		return nil
	}
	return s.Forest.Trees
}

// Snapshot returns the current committed pair, or nil while untrained.
func (s *Service) Snapshot() *Snapshot {
	return s.current.Load()
}

// Threshold is the configured normality cutoff.
func (s *Service) Threshold() float64 { return s.opts.Threshold }

// LastTrained reports when the current model was fitted.
func (s *Service) LastTrained() (time.Time, bool) {
	snap := s.current.Load()
	if snap == nil {
		return time.Time{}, false
	}
	return snap.TrainedAt, true
}

// Submit enqueues a training job over the batch and returns its job ID
// immediately. While a job is running, at most one more is queued: a new
// submission replaces the queued one (coalescing).
func (s *Service) Submit(recs []*schema.ParsedRecord) string {
	job := &trainJob{id: uuid.NewString(), recs: recs}
	s.mu.Lock()
	replaced := s.pending != nil
	s.pending = job
	s.mu.Unlock()
	if replaced {
		s.log.Info().Str("job_id", job.id).Msg("training job coalesced over queued job")
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return job.id
}

// Worker consumes training jobs until ctx is done. Run exactly one.
func (s *Service) Worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			for {
				job := s.takePending()
				if job == nil {
					break
				}
				s.train(job)
			}
		}
	}
}

func (s *Service) takePending() *trainJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.pending
	s.pending = nil
	return job
}

func (s *Service) train(job *trainJob) {
	done := func(ok bool) {
		outcome := "ok"
		if !ok {
			outcome = "failed"
		}
		metrics.TrainingRuns.WithLabelValues(outcome).Inc()
		if s.onTrained != nil {
			s.onTrained(ok)
		}
	}
	if len(job.recs) < s.opts.MinTrainSamples {
		s.log.Warn().Str("job_id", job.id).Int("samples", len(job.recs)).
			Int("min", s.opts.MinTrainSamples).Msg("not enough samples to train, keeping current model")
		done(false)
		return
	}
	sch := feature.FromBatch(job.recs)
	if len(sch) == 0 {
		s.log.Warn().Str("job_id", job.id).Msg("no numeric fields in training batch, keeping current model")
		done(false)
		return
	}
	vectors := sch.ExtractBatch(job.recs)
	started := time.Now()
	forest, err := Fit(vectors, s.opts.Contamination, s.opts.Seed)
	if err != nil {
		s.log.Error().Err(err).Str("job_id", job.id).Msg("training failed, keeping current model")
		done(false)
		return
	}
	snap := &Snapshot{Schema: sch, Forest: forest, TrainedAt: time.Now().UTC(), threshold: s.opts.Threshold}
	s.current.Store(snap)
	if err := s.persist(snap); err != nil {
		s.log.Error().Err(err).Str("path", s.opts.Path).Msg("model persist failed")
	}
	s.log.Info().Str("job_id", job.id).Int("samples", len(job.recs)).
		Int("features", len(sch)).Dur("took", time.Since(started)).Msg("model trained")
	done(true)
}

// persist writes the artifact with an atomic rename so readers never see
// a torn file.
func (s *Service) persist(snap *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(s.opts.Path), 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	tmp := s.opts.Path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.opts.Path); err != nil {
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}
