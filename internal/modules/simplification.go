package modules

import (
	"context"
	"fmt"

	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/domain/money"
	"github.com/okian/textrewards/internal/domain/reviewdiff"
	"github.com/okian/textrewards/pkg/logger"
)

// SimplificationIncentives pays authors of merged pull requests for the
// lines they removed outside excluded files.
type SimplificationIncentives struct {
	base
	calc    *reviewdiff.Calculator
	fetcher reviewdiff.DiffFetcher
	rate    money.Amount
}

// NewSimplificationIncentives creates the module. rate is paid per removed
// line at priority 1.
func NewSimplificationIncentives(
	calc *reviewdiff.Calculator,
	fetcher reviewdiff.DiffFetcher,
	rate money.Amount,
	opts ...Option,
) *SimplificationIncentives {
	m := &SimplificationIncentives{
		base:    newBase(NameSimplification, opts),
		calc:    calc,
		fetcher: fetcher,
		rate:    rate,
	}
	if calc == nil || fetcher == nil || !rate.IsPositive() {
		m.enabled = false
	}
	return m
}

// Transform implements pipeline.Module.
func (m *SimplificationIncentives) Transform(ctx context.Context, activity *model.Activity, ledger model.Ledger) (model.Ledger, error) {
	priority := Priority(activity.Self.Labels)
	assoc := associations(activity)

	for _, pr := range activity.LinkedPullRequests {
		if !pr.Merged || pr.FirstParentSHA == "" || pr.HeadSHA == "" || !m.payable(pr.Author) {
			continue
		}
		raw, err := m.fetcher.CompareRaw(ctx, pr.Owner, pr.Repo, pr.FirstParentSHA, pr.HeadSHA)
		if err != nil {
			return nil, fmt.Errorf("compare %s: %w", pr.URL, err)
		}
		files, err := reviewdiff.ParseDiff(raw)
		if err != nil {
			return nil, err
		}
		deletions := 0
		for _, f := range files {
			if !m.calc.Excluded(f.Name) {
				deletions += f.Deletions
			}
		}
		if deletions == 0 {
			continue
		}

		login := pr.Author.Login
		r := ledger.Ensure(login, pr.Author.ID, roleOf(activity, login, assoc[login]))
		if r.Simplification == nil {
			r.Simplification = &model.SimplificationReward{Reward: money.Zero}
		}
		reward := money.Mul(m.rate.Mul(money.FromInt(int64(deletions))), priority)
		r.Simplification.URLs = append(r.Simplification.URLs, pr.URL)
		r.Simplification.Deletions += deletions
		r.Simplification.Reward = r.Simplification.Reward.Add(reward)
		m.log.Debug(ctx, "simplification reward",
			logger.String("login", login),
			logger.Int("deletions", deletions))
	}
	return ledger, nil
}
