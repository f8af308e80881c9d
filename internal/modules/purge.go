package modules

import (
	"context"
	"strings"

	"github.com/okian/textrewards/internal/domain/authorship"
	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/pkg/logger"
)

// Purge removes what should never be paid for: automation accounts,
// excluded logins, commands, quotes, hidden comments and anything written
// after the issue was closed.
type Purge struct {
	base
}

// NewPurge creates the purge module. Logins in excluded are dropped, as are
// those passed through WithExcludedLogins.
func NewPurge(excluded []string, opts ...Option) *Purge {
	return &Purge{base: newBase(NamePurge, append(opts, WithExcludedLogins(excluded...)))}
}

// Transform implements pipeline.Module.
func (m *Purge) Transform(ctx context.Context, activity *model.Activity, ledger model.Ledger) (model.Ledger, error) {
	byID := make(map[int64]model.Comment, len(activity.Comments))
	users := make(map[string]model.User)
	for _, c := range activity.Comments {
		byID[c.ID] = c
		users[c.Author.Login] = c.Author
	}
	users[activity.Self.Author.Login] = activity.Self.Author
	closedAt := activity.Self.ClosedAt

	dropped := 0
	for _, login := range ledger.Logins() {
		r := ledger[login]
		if isBot(users, login) || m.isExcluded(login) {
			delete(ledger, login)
			continue
		}

		kept := r.Comments[:0]
		for _, sc := range r.Comments {
			if !sc.Type.IsSpecification() {
				c, ok := byID[sc.ID]
				if ok && !closedAt.IsZero() && c.CreatedAt.After(closedAt) {
					dropped++
					continue
				}
			}
			content := Clean(sc.Content)
			if content == "" || isCommand(content) {
				dropped++
				continue
			}
			sc.Content = content
			kept = append(kept, sc)
		}
		r.Comments = kept

		if len(r.Comments) == 0 && r.Task == nil {
			delete(ledger, login)
		}
	}
	m.log.Debug(ctx, "purged", logger.Int("comments_dropped", dropped), logger.Int("participants", len(ledger)))
	return ledger, nil
}

// Clean strips quoted lines and hidden HTML comments from a comment body.
func Clean(body string) string {
	body = authorship.StripHiddenComments(body)
	lines := strings.Split(body, "\n")
	out := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), ">") {
			continue
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func isBot(users map[string]model.User, login string) bool {
	if u, ok := users[login]; ok {
		return u.IsBot()
	}
	return model.User{Login: login}.IsBot()
}

func isCommand(body string) bool {
	return strings.HasPrefix(body, "/")
}
