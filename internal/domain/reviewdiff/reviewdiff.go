// Package reviewdiff measures how much code a reviewer looked at and prices it.
package reviewdiff

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/domain/money"
	"github.com/okian/textrewards/pkg/logger"
	"github.com/sourcegraph/go-diff/diff"
)

const (
	devNull         = "/dev/null"
	defaultBaseRate = 100
)

// FileStat is the line-level change of one file in a diff.
type FileStat struct {
	Name      string
	Additions int
	Deletions int
	Removed   bool
}

// DiffFetcher returns the unified diff between two commits.
type DiffFetcher interface {
	CompareRaw(ctx context.Context, owner, repo, base, head string) ([]byte, error)
}

// Option applies a configuration option to the Calculator.
type Option func(*Calculator)

// WithExcludedPatterns drops files matching any of the glob patterns.
func WithExcludedPatterns(patterns ...string) Option {
	return func(c *Calculator) {
		for _, p := range patterns {
			if p = strings.TrimSpace(p); p != "" && doublestar.ValidatePattern(p) {
				c.excluded = append(c.excluded, p)
			}
		}
	}
}

// WithBaseRate sets the number of changed lines worth one unit of priority.
func WithBaseRate(rate float64) Option {
	return func(c *Calculator) {
		if rate > 0 {
			c.baseRate = rate
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Calculator) {
		if l != nil {
			c.log = l
		}
	}
}

// Calculator turns review diffs into review rewards.
type Calculator struct {
	excluded []string
	baseRate float64
	log      logger.Logger
}

// NewCalculator creates a calculator.
func NewCalculator(opts ...Option) *Calculator {
	c := &Calculator{baseRate: defaultBaseRate, log: logger.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ParseDiff reads a multi-file unified diff into per-file line counts.
func ParseDiff(raw []byte) ([]FileStat, error) {
	fds, err := diff.NewMultiFileDiffReader(bytes.NewReader(raw)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDiff, err)
	}
	out := make([]FileStat, 0, len(fds))
	for _, fd := range fds {
		st := FileStat{Name: fileName(fd), Removed: fd.NewName == devNull}
		for _, h := range fd.Hunks {
			for _, line := range strings.Split(string(h.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+"):
					st.Additions++
				case strings.HasPrefix(line, "-"):
					st.Deletions++
				}
			}
		}
		out = append(out, st)
	}
	return out, nil
}

func fileName(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == devNull || name == "" {
		name = fd.OrigName
	}
	for _, prefix := range []string{"a/", "b/"} {
		if strings.HasPrefix(name, prefix) {
			return strings.TrimPrefix(name, prefix)
		}
	}
	return name
}

// Excluded reports whether name matches an excluded pattern.
func (c *Calculator) Excluded(name string) bool {
	for _, p := range c.excluded {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Effect sums the reviewable lines, ignoring excluded and removed files.
func (c *Calculator) Effect(files []FileStat) model.ReviewEffect {
	var e model.ReviewEffect
	for _, f := range files {
		if f.Removed || c.Excluded(f.Name) {
			continue
		}
		e.Addition += f.Additions
		e.Deletion += f.Deletions
	}
	return e
}

// Reward prices an effect: (additions + deletions) * priority / baseRate.
func (c *Calculator) Reward(e model.ReviewEffect, priority float64) money.Amount {
	lines := money.FromInt(int64(e.Addition + e.Deletion))
	return lines.Mul(money.FromFloat(priority)).Div(money.FromFloat(c.baseRate))
}

// ReviewerScores prices every review one reviewer left on pr. Each review is
// diffed against that reviewer's previous review commit, or against the
// pull request's first parent for the first one.
func (c *Calculator) ReviewerScores(
	ctx context.Context,
	fetcher DiffFetcher,
	pr model.LinkedPullRequest,
	reviews []model.Review,
	priority float64,
) ([]model.ReviewScore, error) {
	ordered := append([]model.Review(nil), reviews...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].SubmittedAt.Before(ordered[j].SubmittedAt)
	})

	base := pr.FirstParentSHA
	out := make([]model.ReviewScore, 0, len(ordered))
	for _, r := range ordered {
		if !stateChanging(r) || r.CommitID == "" || r.CommitID == base {
			continue
		}
		raw, err := fetcher.CompareRaw(ctx, pr.Owner, pr.Repo, base, r.CommitID)
		if err != nil {
			return nil, fmt.Errorf("compare %s..%s: %w", base, r.CommitID, err)
		}
		files, err := ParseDiff(raw)
		if err != nil {
			return nil, err
		}
		effect := c.Effect(files)
		c.log.Debug(ctx, "review diff measured",
			logger.Int64("review_id", r.ID),
			logger.Int("additions", effect.Addition),
			logger.Int("deletions", effect.Deletion))
		out = append(out, model.ReviewScore{
			ReviewID: r.ID,
			Effect:   effect,
			Priority: priority,
			Reward:   c.Reward(effect, priority),
		})
		base = r.CommitID
	}
	return out, nil
}

func stateChanging(r model.Review) bool {
	return r.Conclusive() || r.State == model.ReviewCommented
}
