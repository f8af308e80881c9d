package modules

import (
	"context"
	"fmt"
	"sort"

	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/domain/money"
	"github.com/okian/textrewards/internal/domain/reviewdiff"
	"github.com/okian/textrewards/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// ReviewIncentives pays reviewers of linked pull requests by the size of
// the code they reviewed, plus a fixed credit for a conclusive review.
type ReviewIncentives struct {
	base
	calc             *reviewdiff.Calculator
	fetcher          reviewdiff.DiffFetcher
	conclusiveCredit money.Amount
}

// NewReviewIncentives creates the review module. It is disabled without a
// diff fetcher.
func NewReviewIncentives(
	calc *reviewdiff.Calculator,
	fetcher reviewdiff.DiffFetcher,
	conclusiveCredit money.Amount,
	opts ...Option,
) *ReviewIncentives {
	m := &ReviewIncentives{
		base:             newBase(NameReview, opts),
		calc:             calc,
		fetcher:          fetcher,
		conclusiveCredit: conclusiveCredit,
	}
	if calc == nil || fetcher == nil {
		m.enabled = false
	}
	return m
}

type reviewerResult struct {
	reviewer model.User
	scores   []model.ReviewScore
	credit   money.Amount
}

// Transform implements pipeline.Module.
func (m *ReviewIncentives) Transform(ctx context.Context, activity *model.Activity, ledger model.Ledger) (model.Ledger, error) {
	if len(activity.LinkedPullRequests) == 0 {
		m.log.Info(ctx, "no linked pull requests")
		return ledger, nil
	}
	priority := Priority(activity.Self.Labels)
	assoc := associations(activity)
	// The conclusive credit is paid once per reviewer across pull requests.
	credited := make(map[string]struct{})

	for _, pr := range activity.LinkedPullRequests {
		byReviewer := make(map[string][]model.Review)
		users := make(map[string]model.User)
		for _, rv := range pr.Reviews {
			if !m.payable(rv.Reviewer) || rv.Reviewer.Login == pr.Author.Login {
				continue
			}
			byReviewer[rv.Reviewer.Login] = append(byReviewer[rv.Reviewer.Login], rv)
			users[rv.Reviewer.Login] = rv.Reviewer
		}
		logins := make([]string, 0, len(byReviewer))
		for login := range byReviewer {
			logins = append(logins, login)
		}
		sort.Strings(logins)

		results := make([]reviewerResult, len(logins))
		g, gctx := errgroup.WithContext(ctx)
		for i, login := range logins {
			g.Go(func() error {
				reviews := byReviewer[login]
				scores, err := m.calc.ReviewerScores(gctx, m.fetcher, pr, reviews, priority)
				if err != nil {
					return fmt.Errorf("reviews by %s on %s: %w", login, pr.URL, err)
				}
				credit := money.Zero
				for _, rv := range reviews {
					if rv.Conclusive() {
						credit = m.conclusiveCredit
						break
					}
				}
				results[i] = reviewerResult{reviewer: users[login], scores: scores, credit: credit}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for _, res := range results {
			login := res.reviewer.Login
			if res.credit.IsPositive() {
				if _, done := credited[login]; done {
					res.credit = money.Zero
				} else {
					credited[login] = struct{}{}
				}
			}
			if len(res.scores) == 0 && !res.credit.IsPositive() {
				continue
			}
			r := ledger.Ensure(login, res.reviewer.ID, roleOf(activity, login, assoc[login]))
			r.ReviewRewards = append(r.ReviewRewards, model.ReviewRewardGroup{
				URL:              pr.URL,
				ReviewBaseReward: res.credit,
				Reviews:          res.scores,
			})
			m.log.Debug(ctx, "review reward",
				logger.String("login", login),
				logger.String("pull", pr.URL),
				logger.Int("reviews", len(res.scores)))
		}
	}
	return ledger, nil
}
