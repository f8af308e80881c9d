package github

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	gh "github.com/google/go-github/v66/github"
	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// Collect implements modules.ActivitySource.
func (c *Client) Collect(ctx context.Context, ref model.IssueRef) (*model.Activity, error) {
	issue, err := do(ctx, c, func() (*gh.Issue, *gh.Response, error) {
		return c.gh.Issues.Get(ctx, ref.Owner, ref.Repo, ref.Number)
	})
	if err != nil {
		return nil, fmt.Errorf("get issue %s: %w", ref, err)
	}
	repo, err := do(ctx, c, func() (*gh.Repository, *gh.Response, error) {
		return c.gh.Repositories.Get(ctx, ref.Owner, ref.Repo)
	})
	if err != nil {
		return nil, fmt.Errorf("get repository %s/%s: %w", ref.Owner, ref.Repo, err)
	}

	activity := &model.Activity{Ref: ref, Self: toIssue(issue, repo.GetID())}

	if activity.Comments, err = c.comments(ctx, ref.Owner, ref.Repo, ref.Number, model.KindIssue); err != nil {
		return nil, err
	}
	if activity.Events, err = c.events(ctx, ref); err != nil {
		return nil, err
	}
	if activity.LinkedPullRequests, err = c.linkedPullRequests(ctx, ref, activity.Self.NodeID); err != nil {
		return nil, err
	}
	for _, pr := range activity.LinkedPullRequests {
		prComments, err := c.comments(ctx, pr.Owner, pr.Repo, pr.Number, model.KindPull)
		if err != nil {
			return nil, err
		}
		activity.Comments = append(activity.Comments, prComments...)
	}
	if err := c.reactions(ctx, activity); err != nil {
		return nil, err
	}
	if activity.SpecificationEdits, err = c.specificationEdits(ctx, activity.Self.NodeID); err != nil {
		c.log.Warn(ctx, "specification history unavailable", logger.Error(err))
		activity.SpecificationEdits = nil
	}

	c.log.Info(ctx, "activity collected",
		logger.String("issue", ref.String()),
		logger.Int("comments", len(activity.Comments)),
		logger.Int("events", len(activity.Events)),
		logger.Int("pull_requests", len(activity.LinkedPullRequests)))
	return activity, nil
}

func toIssue(i *gh.Issue, repositoryID int64) model.Issue {
	out := model.Issue{
		ID:           i.GetID(),
		NodeID:       i.GetNodeID(),
		Number:       i.GetNumber(),
		Title:        i.GetTitle(),
		Body:         i.GetBody(),
		URL:          i.GetHTMLURL(),
		RepositoryID: repositoryID,
		Author:       toUser(i.GetUser()),
		State:        i.GetState(),
		StateReason:  i.GetStateReason(),
		CreatedAt:    i.GetCreatedAt().Time,
		ClosedAt:     i.GetClosedAt().Time,
		ClosedBy:     toUserPtr(i.ClosedBy),
	}
	for _, a := range i.Assignees {
		out.Assignees = append(out.Assignees, toUser(a))
	}
	for _, l := range i.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}

func (c *Client) comments(ctx context.Context, owner, repo string, number int, kind model.CommentKind) ([]model.Comment, error) {
	raw, err := paginate(ctx, c, func(lo gh.ListOptions) ([]*gh.IssueComment, *gh.Response, error) {
		return c.gh.Issues.ListComments(ctx, owner, repo, number, &gh.IssueListCommentsOptions{ListOptions: lo})
	})
	if err != nil {
		return nil, fmt.Errorf("list comments %s/%s#%d: %w", owner, repo, number, err)
	}
	out := make([]model.Comment, 0, len(raw))
	for _, rc := range raw {
		cm := model.Comment{
			ID:                rc.GetID(),
			Body:              rc.GetBody(),
			URL:               rc.GetHTMLURL(),
			Author:            toUser(rc.GetUser()),
			AuthorAssociation: rc.GetAuthorAssociation(),
			Kind:              kind,
			CreatedAt:         rc.GetCreatedAt().Time,
		}
		if kind == model.KindPull {
			cm.PullNumber = number
		}
		out = append(out, cm)
	}
	return out, nil
}

func (c *Client) events(ctx context.Context, ref model.IssueRef) ([]model.IssueEvent, error) {
	raw, err := paginate(ctx, c, func(lo gh.ListOptions) ([]*gh.IssueEvent, *gh.Response, error) {
		return c.gh.Issues.ListIssueEvents(ctx, ref.Owner, ref.Repo, ref.Number, &lo)
	})
	if err != nil {
		return nil, fmt.Errorf("list events %s: %w", ref, err)
	}
	out := make([]model.IssueEvent, 0, len(raw))
	for _, ev := range raw {
		me := model.IssueEvent{
			ID:        ev.GetID(),
			Event:     ev.GetEvent(),
			Actor:     toUser(ev.GetActor()),
			CreatedAt: ev.GetCreatedAt().Time,
		}
		if ev.Label != nil {
			me.Label = ev.Label.GetName()
		}
		out = append(out, me)
	}
	return out, nil
}

const closingRefsQuery = `query($id: ID!) {
  node(id: $id) {
    ... on Issue {
      closedByPullRequestsReferences(first: 50, includeClosedPrs: true) {
        nodes { number repository { name owner { login } } }
      }
    }
  }
}`

type closingRefsResponse struct {
	Data struct {
		Node struct {
			ClosedByPullRequestsReferences struct {
				Nodes []struct {
					Number     int `json:"number"`
					Repository struct {
						Name  string `json:"name"`
						Owner struct {
							Login string `json:"login"`
						} `json:"owner"`
					} `json:"repository"`
				} `json:"nodes"`
			} `json:"closedByPullRequestsReferences"`
		} `json:"node"`
	} `json:"data"`
}

// linkedPullRequests loads the pull requests that close the issue and their
// reviews. Pull requests that only mention the issue are not linked.
func (c *Client) linkedPullRequests(ctx context.Context, ref model.IssueRef, nodeID string) ([]model.LinkedPullRequest, error) {
	if nodeID == "" {
		return nil, nil
	}
	resp, err := graphql[closingRefsResponse](ctx, c, closingRefsQuery, nodeID)
	if err != nil {
		return nil, fmt.Errorf("query closing pull requests of %s: %w", ref, err)
	}

	seen := make(map[string]struct{})
	var out []model.LinkedPullRequest
	for _, n := range resp.Data.Node.ClosedByPullRequestsReferences.Nodes {
		owner, repo := ref.Owner, ref.Repo
		if n.Repository.Name != "" {
			owner, repo = n.Repository.Owner.Login, n.Repository.Name
		}
		key := fmt.Sprintf("%s/%s#%d", owner, repo, n.Number)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		pr, err := c.pullRequest(ctx, owner, repo, n.Number)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, nil
}

// graphql runs query with the node id variable.
func graphql[T any](ctx context.Context, c *Client, query, nodeID string) (*T, error) {
	body := map[string]any{"query": query, "variables": map[string]string{"id": nodeID}}
	return do(ctx, c, func() (*T, *gh.Response, error) {
		req, err := c.gh.NewRequest("POST", "graphql", body)
		if err != nil {
			return nil, nil, err
		}
		var out T
		r, err := c.gh.Do(ctx, req, &out)
		return &out, r, err
	})
}

func (c *Client) pullRequest(ctx context.Context, owner, repo string, number int) (model.LinkedPullRequest, error) {
	pr, err := do(ctx, c, func() (*gh.PullRequest, *gh.Response, error) {
		return c.gh.PullRequests.Get(ctx, owner, repo, number)
	})
	if err != nil {
		return model.LinkedPullRequest{}, fmt.Errorf("get pull %s/%s#%d: %w", owner, repo, number, err)
	}
	out := model.LinkedPullRequest{
		Owner:          owner,
		Repo:           repo,
		Number:         number,
		URL:            pr.GetHTMLURL(),
		Author:         toUser(pr.GetUser()),
		Merged:         pr.GetMerged(),
		HeadSHA:        pr.GetHead().GetSHA(),
		FirstParentSHA: pr.GetBase().GetSHA(),
	}

	commits, err := paginate(ctx, c, func(lo gh.ListOptions) ([]*gh.RepositoryCommit, *gh.Response, error) {
		return c.gh.PullRequests.ListCommits(ctx, owner, repo, number, &lo)
	})
	if err != nil {
		return out, fmt.Errorf("list commits %s/%s#%d: %w", owner, repo, number, err)
	}
	if len(commits) > 0 && len(commits[0].Parents) > 0 {
		out.FirstParentSHA = commits[0].Parents[0].GetSHA()
	}

	reviews, err := paginate(ctx, c, func(lo gh.ListOptions) ([]*gh.PullRequestReview, *gh.Response, error) {
		return c.gh.PullRequests.ListReviews(ctx, owner, repo, number, &lo)
	})
	if err != nil {
		return out, fmt.Errorf("list reviews %s/%s#%d: %w", owner, repo, number, err)
	}
	for _, rv := range reviews {
		out.Reviews = append(out.Reviews, model.Review{
			ID:          rv.GetID(),
			Reviewer:    toUser(rv.GetUser()),
			State:       strings.ToUpper(rv.GetState()),
			CommitID:    rv.GetCommitID(),
			URL:         rv.GetHTMLURL(),
			SubmittedAt: rv.GetSubmittedAt().Time,
		})
	}
	return out, nil
}

// reactions loads reactions of every comment concurrently.
func (c *Client) reactions(ctx context.Context, activity *model.Activity) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultReactionFanOut)
	for i := range activity.Comments {
		cm := &activity.Comments[i]
		owner, repo := activity.Ref.Owner, activity.Ref.Repo
		if cm.Kind == model.KindPull {
			for _, pr := range activity.LinkedPullRequests {
				if pr.Number == cm.PullNumber {
					owner, repo = pr.Owner, pr.Repo
					break
				}
			}
		}
		g.Go(func() error {
			raw, err := paginate(gctx, c, func(lo gh.ListOptions) ([]*gh.Reaction, *gh.Response, error) {
				return c.gh.Reactions.ListIssueCommentReactions(gctx, owner, repo, cm.ID, &lo)
			})
			if err != nil {
				return fmt.Errorf("list reactions of comment %d: %w", cm.ID, err)
			}
			for _, r := range raw {
				cm.Reactions = append(cm.Reactions, model.Reaction{User: toUser(r.GetUser()), Content: r.GetContent()})
			}
			return nil
		})
	}
	return g.Wait()
}

const editsQuery = `query($id: ID!) {
  node(id: $id) {
    ... on Issue {
      userContentEdits(first: 100) {
        nodes { editedAt diff editor { login ... on User { databaseId } } }
      }
    }
  }
}`

type editsResponse struct {
	Data struct {
		Node struct {
			UserContentEdits struct {
				Nodes []struct {
					EditedAt time.Time `json:"editedAt"`
					Diff     *string   `json:"diff"`
					Editor   *struct {
						Login      string `json:"login"`
						DatabaseID int64  `json:"databaseId"`
					} `json:"editor"`
				} `json:"nodes"`
			} `json:"userContentEdits"`
		} `json:"node"`
	} `json:"data"`
}

// specificationEdits loads the full-text revision history of the issue body
// through GraphQL, oldest first.
func (c *Client) specificationEdits(ctx context.Context, nodeID string) ([]model.Revision, error) {
	if nodeID == "" {
		return nil, nil
	}
	resp, err := graphql[editsResponse](ctx, c, editsQuery, nodeID)
	if err != nil {
		return nil, fmt.Errorf("query edits: %w", err)
	}

	var revs []model.Revision
	for _, n := range resp.Data.Node.UserContentEdits.Nodes {
		if n.Diff == nil || n.Editor == nil {
			continue
		}
		revs = append(revs, model.Revision{
			Editor:   model.User{ID: n.Editor.DatabaseID, Login: n.Editor.Login},
			Body:     *n.Diff,
			EditedAt: n.EditedAt,
		})
	}
	sort.SliceStable(revs, func(i, j int) bool { return revs[i].EditedAt.Before(revs[j].EditedAt) })
	return revs, nil
}
