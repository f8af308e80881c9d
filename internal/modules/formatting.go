package modules

import (
	"context"
	"fmt"

	"github.com/okian/textrewards/internal/domain/authorship"
	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/domain/scoring"
	"github.com/okian/textrewards/pkg/logger"
	"github.com/okian/textrewards/pkg/metrics"
)

// Formatting prices every remaining comment with the scorer. The
// specification is scaled by how much of it its author actually wrote.
type Formatting struct {
	base
	scorer *scoring.Scorer
}

// NewFormatting creates the formatting module.
func NewFormatting(scorer *scoring.Scorer, opts ...Option) *Formatting {
	m := &Formatting{base: newBase(NameFormatting, opts), scorer: scorer}
	if scorer == nil {
		m.enabled = false
	}
	return m
}

// Transform implements pipeline.Module.
func (m *Formatting) Transform(ctx context.Context, activity *model.Activity, ledger model.Ledger) (model.Ledger, error) {
	revisions := make([]authorship.Revision, 0, len(activity.SpecificationEdits))
	for _, rev := range activity.SpecificationEdits {
		revisions = append(revisions, authorship.Revision{Editor: rev.Editor.Login, Text: rev.Body})
	}

	scored := 0
	for _, login := range ledger.Logins() {
		r := ledger[login]
		for i := range r.Comments {
			c := &r.Comments[i]
			share := 1.0
			if c.Type.IsSpecification() {
				share = authorship.Fraction(revisions, login)
				m.log.Debug(ctx, "specification authorship",
					logger.String("login", login),
					logger.Float64("share", share))
			}
			score, err := m.scorer.Score(ctx, c.Type, c.Content, share)
			if err != nil {
				return nil, fmt.Errorf("score comment %d: %w", c.ID, err)
			}
			c.Score = score
			scored++
		}
	}
	metrics.RecordCommentsScored(scored)
	return ledger, nil
}
