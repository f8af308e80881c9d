// Package modules holds the steps a run is made of. Each step implements
// pipeline.Module and is wired in a fixed order by the application.
package modules

import (
	"context"
	"strings"

	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/pkg/logger"
)

// Module names, in execution order.
const (
	NameExtract        = "extract"
	NamePurge          = "purge"
	NameFormatting     = "formatting"
	NameRelevance      = "relevance"
	NameReview         = "review"
	NameSimplification = "simplification"
	NameEvents         = "events"
	NameSettlement     = "settlement"
	NamePresentation   = "presentation"
)

// ActivitySource assembles the snapshot a run works on.
type ActivitySource interface {
	Collect(ctx context.Context, ref model.IssueRef) (*model.Activity, error)
}

// RelevanceEvaluator rates how relevant each comment is to the
// specification, between 0 and 1. Missing entries count as fully relevant.
type RelevanceEvaluator interface {
	Evaluate(ctx context.Context, specification string, comments []model.ScoredComment) (map[int64]float64, error)
}

// CommentSink publishes the run summary.
type CommentSink interface {
	Post(ctx context.Context, ref model.IssueRef, body string) error
}

// Option applies a configuration option shared by every module.
type Option func(*base)

// WithLogger sets the module logger. The module name is attached to it.
func WithLogger(l logger.Logger) Option {
	return func(b *base) {
		if l != nil {
			b.log = l
		}
	}
}

// WithEnabled switches the module on or off.
func WithEnabled(enabled bool) Option {
	return func(b *base) {
		b.enabled = enabled
	}
}

// WithExcludedLogins names accounts that are never paid. Steps that add
// participants skip them.
func WithExcludedLogins(logins ...string) Option {
	return func(b *base) {
		for _, l := range logins {
			if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
				b.excluded[l] = struct{}{}
			}
		}
	}
}

type base struct {
	name     string
	enabled  bool
	log      logger.Logger
	excluded map[string]struct{}
}

func newBase(name string, opts []Option) base {
	b := base{name: name, enabled: true, log: logger.Nop(), excluded: make(map[string]struct{})}
	for _, opt := range opts {
		opt(&b)
	}
	b.log = b.log.Named(name)
	return b
}

func (b *base) isExcluded(login string) bool {
	_, ok := b.excluded[strings.ToLower(login)]
	return ok
}

// payable reports whether u may be added to the ledger.
func (b *base) payable(u model.User) bool {
	return u.Login != "" && !u.IsBot() && !b.isExcluded(u.Login)
}

// Name implements pipeline.Module.
func (b *base) Name() string { return b.name }

// Enabled implements pipeline.Module.
func (b *base) Enabled() bool { return b.enabled }

// collaboratorAssociations are the author associations of people with
// write access to the repository.
var collaboratorAssociations = map[string]struct{}{
	"OWNER":        {},
	"MEMBER":       {},
	"COLLABORATOR": {},
}

// roleOf classifies a participant relative to the issue.
func roleOf(activity *model.Activity, login, association string) model.CommentRole {
	if activity.Self.IsAssignee(login) {
		return model.RoleAssignee
	}
	if _, ok := collaboratorAssociations[strings.ToUpper(association)]; ok {
		return model.RoleCollaborator
	}
	return model.RoleContributor
}

// associations returns the strongest author association seen per login.
func associations(activity *model.Activity) map[string]string {
	out := make(map[string]string)
	for _, c := range activity.Comments {
		if _, ok := collaboratorAssociations[strings.ToUpper(c.AuthorAssociation)]; ok {
			out[c.Author.Login] = c.AuthorAssociation
			continue
		}
		if _, seen := out[c.Author.Login]; !seen {
			out[c.Author.Login] = c.AuthorAssociation
		}
	}
	return out
}
