package modules

import (
	"context"
	"fmt"
	"sync"

	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/domain/money"
	"github.com/okian/textrewards/pkg/logger"
	"github.com/okian/textrewards/pkg/retry"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRelevanceBatch       = 10
	defaultRelevanceConcurrency = 4
)

// Relevance weighs every comment by how relevant it is to the
// specification and by the issue priority.
type Relevance struct {
	base
	evaluator   RelevanceEvaluator
	batchSize   int
	concurrency int
	policy      retry.Policy
}

// NewRelevance creates the relevance module. Without an evaluator every
// comment counts as fully relevant and only the priority applies.
func NewRelevance(evaluator RelevanceEvaluator, batchSize int, policy retry.Policy, opts ...Option) *Relevance {
	if batchSize <= 0 {
		batchSize = defaultRelevanceBatch
	}
	return &Relevance{
		base:        newBase(NameRelevance, opts),
		evaluator:   evaluator,
		batchSize:   batchSize,
		concurrency: defaultRelevanceConcurrency,
		policy:      policy,
	}
}

// Transform implements pipeline.Module.
func (m *Relevance) Transform(ctx context.Context, activity *model.Activity, ledger model.Ledger) (model.Ledger, error) {
	priority := Priority(activity.Self.Labels)

	var pending []model.ScoredComment
	for _, login := range ledger.Logins() {
		for _, c := range ledger[login].Comments {
			if !c.Type.IsSpecification() {
				pending = append(pending, c)
			}
		}
	}

	scores, err := m.evaluate(ctx, activity.Self.Body, pending)
	if err != nil {
		return nil, err
	}

	for _, r := range ledger {
		for i := range r.Comments {
			c := &r.Comments[i]
			rel := 1.0
			if !c.Type.IsSpecification() {
				if v, ok := scores[c.ID]; ok {
					rel = clamp01(v)
				}
			}
			c.Score.Relevance = rel
			c.Score.Priority = priority
			c.Score.Reward = money.Mul(money.Mul(c.Score.Reward, rel), priority)
		}
	}
	m.log.Debug(ctx, "relevance applied",
		logger.Int("comments", len(pending)),
		logger.Float64("priority", priority))
	return ledger, nil
}

// evaluate splits comments into batches and rates them concurrently.
func (m *Relevance) evaluate(ctx context.Context, spec string, comments []model.ScoredComment) (map[int64]float64, error) {
	out := make(map[int64]float64, len(comments))
	if m.evaluator == nil || len(comments) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for start := 0; start < len(comments); start += m.batchSize {
		end := min(start+m.batchSize, len(comments))
		batch := comments[start:end]
		g.Go(func() error {
			res, err := retry.Do(gctx, m.policy, "relevance", func() (map[int64]float64, error) {
				return m.evaluator.Evaluate(gctx, spec, batch)
			})
			if err != nil {
				return fmt.Errorf("%w: %w", ErrRelevance, err)
			}
			mu.Lock()
			for id, v := range res {
				out[id] = v
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
