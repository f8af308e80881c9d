package modules

import (
	"context"

	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/domain/money"
	"github.com/okian/textrewards/pkg/logger"
)

// Extractor builds the ledger skeleton: one entry per participant carrying
// their raw comments, and the task reward for assignees.
type Extractor struct {
	base
}

// NewExtractor creates the extraction module.
func NewExtractor(opts ...Option) *Extractor {
	return &Extractor{base: newBase(NameExtract, opts)}
}

// Transform implements pipeline.Module.
func (m *Extractor) Transform(ctx context.Context, activity *model.Activity, ledger model.Ledger) (model.Ledger, error) {
	assoc := associations(activity)
	issue := activity.Self

	if issue.Body != "" {
		author := issue.Author
		r := ledger.Ensure(author.Login, author.ID, roleOf(activity, author.Login, assoc[author.Login]))
		r.Comments = append(r.Comments, model.ScoredComment{
			ID:      issue.ID,
			Content: issue.Body,
			URL:     issue.URL,
			Type:    model.IssueSpecification,
		})
	}

	for _, c := range activity.Comments {
		role := roleOf(activity, c.Author.Login, c.AuthorAssociation)
		ct, err := model.NewCommentType(c.Kind, role)
		if err != nil {
			m.log.Warn(ctx, "comment skipped", logger.Int64("comment_id", c.ID), logger.Error(err))
			continue
		}
		r := ledger.Ensure(c.Author.Login, c.Author.ID, roleOf(activity, c.Author.Login, assoc[c.Author.Login]))
		r.Comments = append(r.Comments, model.ScoredComment{
			ID:      c.ID,
			Content: c.Body,
			URL:     c.URL,
			Type:    ct,
		})
	}

	price, ok := Price(issue.Labels)
	if !ok || len(issue.Assignees) == 0 {
		m.log.Debug(ctx, "no task reward", logger.Bool("priced", ok))
		return ledger, nil
	}
	n := int64(len(issue.Assignees))
	share := price.Div(money.FromInt(n))
	for _, a := range issue.Assignees {
		r := ledger.Ensure(a.Login, a.ID, model.RoleAssignee)
		r.Role = model.RoleAssignee
		r.Task = &model.TaskReward{Reward: share, Multiplier: 1 / float64(n)}
	}
	return ledger, nil
}
