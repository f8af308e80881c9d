package github

import (
	"context"
	"fmt"
	"strings"

	gh "github.com/google/go-github/v66/github"
	"github.com/okian/textrewards/internal/domain/model"
)

// Post implements modules.CommentSink. Comment creation is not retried so
// a timeout never produces a duplicate summary.
func (c *Client) Post(ctx context.Context, ref model.IssueRef, body string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, _, err := c.gh.Issues.CreateComment(ctx, ref.Owner, ref.Repo, ref.Number, &gh.IssueComment{Body: gh.String(body)})
	if err != nil {
		return fmt.Errorf("create comment on %s: %w", ref, err)
	}
	return nil
}

// IsAdmin implements settlement.AdminChecker.
func (c *Client) IsAdmin(ctx context.Context, owner, repo, login string) (bool, error) {
	level, err := do(ctx, c, func() (*gh.RepositoryPermissionLevel, *gh.Response, error) {
		return c.gh.Repositories.GetPermissionLevel(ctx, owner, repo, login)
	})
	if err != nil {
		return false, fmt.Errorf("permission of %s on %s/%s: %w", login, owner, repo, err)
	}
	return strings.EqualFold(level.GetPermission(), "admin") || strings.EqualFold(level.GetRoleName(), "admin"), nil
}

// CompareRaw implements reviewdiff.DiffFetcher.
func (c *Client) CompareRaw(ctx context.Context, owner, repo, base, head string) ([]byte, error) {
	raw, err := do(ctx, c, func() (string, *gh.Response, error) {
		return c.gh.Repositories.CompareCommitsRaw(ctx, owner, repo, base, head, gh.RawOptions{Type: gh.Diff})
	})
	if err != nil {
		return nil, fmt.Errorf("compare %s/%s %s...%s: %w", owner, repo, base, head, err)
	}
	return []byte(raw), nil
}
