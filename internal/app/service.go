// Package service wires the adapters and modules into runs and implements
// the dependencies required by the HTTP API and the worker pool.
package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/okian/textrewards/internal/adapters/http/api"
	eventqueue "github.com/okian/textrewards/internal/adapters/mq/queue"
	workerpool "github.com/okian/textrewards/internal/adapters/mq/worker"
	"github.com/okian/textrewards/internal/config"
	"github.com/okian/textrewards/internal/domain/dedupe"
	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/domain/pipeline"
	"github.com/okian/textrewards/internal/domain/reviewdiff"
	"github.com/okian/textrewards/internal/domain/scoring"
	"github.com/okian/textrewards/internal/domain/types"
	"github.com/okian/textrewards/internal/modules"
	"github.com/okian/textrewards/internal/settlement"
	"github.com/okian/textrewards/pkg/logger"
	"github.com/okian/textrewards/pkg/metrics"
)

var (
	_ api.Dependencies  = (*Service)(nil)
	_ workerpool.Runner = (*Service)(nil)
)

// Run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Service runs the reward pipeline for issues.
type Service struct {
	cfg *config.Config
	log logger.Logger

	dryRun    bool
	dryRunOut io.Writer

	source    modules.ActivitySource
	evaluator modules.RelevanceEvaluator
	fetcher   reviewdiff.DiffFetcher
	sink      modules.CommentSink
	admins    settlement.AdminChecker
	store     settlement.Store
	signer    settlement.Signer
	funder    settlement.Funder
	closers   []func()

	scorer *scoring.Scorer
	calc   *reviewdiff.Calculator

	// serve mode
	mu      sync.RWMutex
	started bool
	deduper dedupe.Deduper
	queue   eventqueue.Queue
	pool    *workerpool.Pool
	runs    map[string]int64
	lastRun *types.RunResult
}

// New constructs a Service from cfg. Collaborators not injected through
// opts are built from the configuration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.New()
	}
	s := &Service{
		cfg:  cfg,
		log:  logger.Get(),
		runs: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.connect(ctx); err != nil {
		s.release()
		return nil, err
	}
	s.scorer = s.newScorer()
	s.calc = reviewdiff.NewCalculator(
		reviewdiff.WithExcludedPatterns(cfg.Incentives.Review.Excluded...),
		reviewdiff.WithBaseRate(cfg.Incentives.Review.BaseRate),
		reviewdiff.WithLogger(s.log.Named("reviewdiff")),
	)
	return s, nil
}

func (s *Service) newScorer() *scoring.Scorer {
	f := s.cfg.Incentives.Formatting
	opts := []scoring.Option{
		scoring.WithWordExponent(f.WordExponent),
		scoring.WithReadability(f.ReadabilityWeight, f.TargetReadability),
		scoring.WithLogger(s.log.Named("scoring")),
	}
	for name, rules := range f.Rules {
		ct, err := model.ParseCommentType(name)
		if err != nil {
			continue
		}
		opts = append(opts, scoring.WithRules(ct, rules))
	}
	return scoring.NewScorer(opts...)
}

// settlementDisabled is reported when the settlement step is switched off.
const settlementDisabled = "disabled"

// modules returns the pipeline steps of one run in execution order, and the
// settlement step whose outcome the run reports.
func (s *Service) modules(ctx context.Context, runID string, log logger.Logger) ([]pipeline.Module, *modules.Settlement) {
	inc := s.cfg.Incentives
	excluded := modules.WithExcludedLogins(inc.Purge.ExcludedLogins...)
	on := func(enabled bool) []modules.Option {
		return []modules.Option{modules.WithLogger(log), modules.WithEnabled(enabled), excluded}
	}
	settle := modules.NewSettlement(s.engine(ctx, log), modules.WithLogger(log))
	return []pipeline.Module{
		modules.NewExtractor(modules.WithLogger(log)),
		modules.NewPurge(inc.Purge.ExcludedLogins, on(inc.Purge.Enabled)...),
		modules.NewFormatting(s.scorer, on(inc.Formatting.Enabled)...),
		modules.NewRelevance(s.evaluator, s.cfg.OpenAI.BatchSize, s.cfg.RetryPolicy(), on(inc.Relevance.Enabled)...),
		modules.NewReviewIncentives(s.calc, s.fetcher, s.cfg.ConclusiveCredit(), on(inc.Review.Enabled)...),
		modules.NewSimplificationIncentives(s.calc, s.fetcher, s.cfg.SimplificationRate(), on(inc.Simplification.Enabled)...),
		modules.NewEventIncentives(s.cfg.EventValues(), on(inc.Events.Enabled)...),
		settle,
		modules.NewPresentation(s.sink, runID, inc.Presentation.Symbol, on(inc.Presentation.Enabled)...),
	}, settle
}

// settlementResult reports what the settlement step did.
func settlementResult(settle *modules.Settlement) (string, string) {
	if settle == nil {
		return "", ""
	}
	if !settle.Enabled() {
		return settlementDisabled, ""
	}
	out := settle.Outcome()
	if out.Kind == 0 {
		return "", ""
	}
	return out.Kind.String(), out.Reason
}

// Run scores and settles one issue. It implements worker.Runner.
func (s *Service) Run(ctx context.Context, req types.RunRequest) (types.RunResult, error) {
	start := time.Now()
	ref := req.Ref()
	res := types.RunResult{RunID: uuid.NewString(), Issue: ref.String(), Outcome: OutcomeFailed}
	log := s.log.With(logger.String("run_id", res.RunID), logger.String("issue", res.Issue))

	var settle *modules.Settlement
	err := func() error {
		if err := req.Validate(); err != nil {
			return err
		}
		activity, err := s.source.Collect(ctx, ref)
		if err != nil {
			return fmt.Errorf("collect %s: %w", ref, err)
		}
		steps, settleStep := s.modules(ctx, res.RunID, log)
		settle = settleStep
		processor := pipeline.NewProcessor(
			pipeline.WithModules(steps...),
			pipeline.WithLogger(log),
		)
		log.Info(ctx, "run started", logger.Any("modules", processor.Modules()))

		ledger, err := processor.Run(ctx, activity)
		if err != nil {
			return err
		}
		res.Outcome = OutcomeSuccess
		res.Users = len(ledger)
		res.Total = ledger.Sum().String()
		return nil
	}()

	res.Settlement, res.SettlementReason = settlementResult(settle)
	res.DurationMs = time.Since(start).Milliseconds()
	metrics.RecordRun(res.Outcome, float64(res.DurationMs))
	s.remember(res)
	if err != nil {
		log.Error(ctx, "run failed", logger.Error(err), logger.Int64("duration_ms", res.DurationMs))
		return res, err
	}
	log.Info(ctx, "run completed",
		logger.String("settlement", res.Settlement),
		logger.String("settlement_reason", res.SettlementReason),
		logger.Int("users", res.Users),
		logger.String("total", res.Total),
		logger.Int64("duration_ms", res.DurationMs))
	return res, nil
}

func (s *Service) remember(res types.RunResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[res.Outcome]++
	s.lastRun = &res
}

// Start launches the run queue and the worker pool.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.cfg.DedupeSize))
	s.queue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.cfg.QueueSize))
	s.pool = workerpool.NewPool(s.cfg.WorkerCount, s.queue, s, workerpool.WithLogger(s.log))
	// Workers outlive ctx so Stop can drain what was already accepted.
	s.pool.Start(context.WithoutCancel(ctx))
	s.started = true

	s.log.Info(ctx, "run service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queue_size", s.cfg.QueueSize),
		logger.Int("dedupe_size", s.cfg.DedupeSize))
	return nil
}

// Stop drains the queue and releases external connections.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	pool := s.pool
	started := s.started
	s.started = false
	s.mu.Unlock()

	var err error
	if started && pool != nil {
		s.log.Info(ctx, "stopping run service")
		err = pool.Shutdown(ctx)
	}
	s.release()
	return err
}

func (s *Service) release() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// SeenAndRecord reports whether a delivery was already accepted. Before
// Start nothing is remembered.
func (s *Service) SeenAndRecord(ctx context.Context, id string) bool {
	if s.deduper == nil {
		return false
	}
	return s.deduper.SeenAndRecord(ctx, id)
}

// Unrecord forgets a delivery that was never queued.
func (s *Service) Unrecord(ctx context.Context, id string) {
	if s.deduper != nil {
		s.deduper.Unrecord(ctx, id)
	}
}

// Size returns the number of remembered deliveries.
func (s *Service) Size() int64 {
	if s.deduper == nil {
		return 0
	}
	return s.deduper.Size()
}

// Enqueue submits a run for asynchronous processing.
func (s *Service) Enqueue(ctx context.Context, r types.RunRequest) error {
	s.mu.RLock()
	q := s.queue
	s.mu.RUnlock()
	if q == nil {
		return eventqueue.ErrClosed
	}
	return q.Enqueue(ctx, r)
}

// Stats returns queue and run counters.
func (s *Service) Stats(_ context.Context) types.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := types.Stats{Runs: make(map[string]int64, len(s.runs))}
	for k, v := range s.runs {
		st.Runs[k] = v
	}
	if s.lastRun != nil {
		last := *s.lastRun
		st.LastRun = &last
	}
	if s.queue != nil {
		st.QueueLength = s.queue.Len()
		st.QueueCapacity = s.queue.Cap()
	}
	if s.pool != nil {
		st.Workers = s.pool.Size()
	}
	if s.deduper != nil {
		st.Deliveries = s.deduper.Size()
	}
	return st
}
