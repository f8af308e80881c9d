// Package model contains domain models passed between layers.
package model

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// User account types reported by the code host.
const (
	UserTypeUser = "User"
	UserTypeBot  = "Bot"
)

// Review states that change the state of a pull request.
const (
	ReviewApproved         = "APPROVED"
	ReviewChangesRequested = "CHANGES_REQUESTED"
	ReviewCommented        = "COMMENTED"
)

// IssueRef identifies one issue.
type IssueRef struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
}

func (r IssueRef) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

// ParseIssueRef accepts "owner/repo#123" or an issue URL such as
// https://github.com/owner/repo/issues/123.
func ParseIssueRef(s string) (IssueRef, error) {
	s = strings.TrimSpace(s)
	var owner, repo, num string
	if u, err := url.Parse(s); err == nil && u.Host != "" {
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) != 4 || (parts[2] != "issues" && parts[2] != "pull") {
			return IssueRef{}, fmt.Errorf("%w: %q", ErrInvalidIssueRef, s)
		}
		owner, repo, num = parts[0], parts[1], parts[3]
	} else {
		path, n, ok := strings.Cut(s, "#")
		if !ok {
			return IssueRef{}, fmt.Errorf("%w: %q", ErrInvalidIssueRef, s)
		}
		owner, repo, _ = strings.Cut(path, "/")
		num = n
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return IssueRef{}, fmt.Errorf("%w: %q", ErrInvalidIssueRef, s)
	}
	return IssueRef{Owner: owner, Repo: repo, Number: n}, nil
}

// User is a code-host account.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Type  string `json:"type"`
}

// IsBot reports whether the account is an automation account.
func (u User) IsBot() bool {
	return u.Type == UserTypeBot || strings.HasSuffix(u.Login, "[bot]")
}

// Issue is the work item being rewarded.
type Issue struct {
	ID           int64     `json:"id"`
	NodeID       string    `json:"nodeId"`
	Number       int       `json:"number"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	URL          string    `json:"url"`
	RepositoryID int64     `json:"repositoryId"`
	Author       User      `json:"author"`
	Assignees    []User    `json:"assignees"`
	Labels       []string  `json:"labels"`
	State        string    `json:"state"`
	StateReason  string    `json:"stateReason"`
	CreatedAt    time.Time `json:"createdAt"`
	ClosedAt     time.Time `json:"closedAt"`
	ClosedBy     *User     `json:"closedBy,omitempty"`
}

// IsAssignee reports whether login is assigned to the issue.
func (i Issue) IsAssignee(login string) bool {
	for _, a := range i.Assignees {
		if strings.EqualFold(a.Login, login) {
			return true
		}
	}
	return false
}

// IssueEvent is a timeline entry such as "labeled" or "assigned".
type IssueEvent struct {
	ID        int64     `json:"id"`
	Event     string    `json:"event"`
	Actor     User      `json:"actor"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Reaction is an emoji reaction on a comment.
type Reaction struct {
	User    User   `json:"user"`
	Content string `json:"content"`
}

// Comment is one conversation entry on the issue or a linked pull request.
type Comment struct {
	ID                int64       `json:"id"`
	Body              string      `json:"body"`
	URL               string      `json:"url"`
	Author            User        `json:"author"`
	AuthorAssociation string      `json:"authorAssociation"`
	Kind              CommentKind `json:"kind"`
	PullNumber        int         `json:"pullNumber,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	Reactions         []Reaction  `json:"reactions,omitempty"`
}

// Review is a pull request review.
type Review struct {
	ID          int64     `json:"id"`
	Reviewer    User      `json:"reviewer"`
	State       string    `json:"state"`
	CommitID    string    `json:"commitId"`
	URL         string    `json:"url"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Conclusive reports whether the review approved or requested changes.
func (r Review) Conclusive() bool {
	return r.State == ReviewApproved || r.State == ReviewChangesRequested
}

// LinkedPullRequest is a pull request that closes or references the issue.
type LinkedPullRequest struct {
	Owner          string   `json:"owner"`
	Repo           string   `json:"repo"`
	Number         int      `json:"number"`
	URL            string   `json:"url"`
	Author         User     `json:"author"`
	Merged         bool     `json:"merged"`
	FirstParentSHA string   `json:"firstParentSha"`
	HeadSHA        string   `json:"headSha"`
	Reviews        []Review `json:"reviews"`
}

// Revision is one full-text version of the specification.
type Revision struct {
	Editor   User      `json:"editor"`
	Body     string    `json:"body"`
	EditedAt time.Time `json:"editedAt"`
}

// Activity is a read-only snapshot of everything that happened on an issue.
// It is assembled before the pipeline starts and never mutated by modules.
type Activity struct {
	Ref                IssueRef            `json:"ref"`
	Self               Issue               `json:"self"`
	Events             []IssueEvent        `json:"events"`
	Comments           []Comment           `json:"comments"`
	LinkedPullRequests []LinkedPullRequest `json:"linkedPullRequests"`
	SpecificationEdits []Revision          `json:"specificationEdits"`
}

// HumanComments returns comments not written by automation accounts.
func (a *Activity) HumanComments() []Comment {
	out := make([]Comment, 0, len(a.Comments))
	for _, c := range a.Comments {
		if !c.Author.IsBot() {
			out = append(out, c)
		}
	}
	return out
}
