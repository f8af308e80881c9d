package service

import (
	"io"

	"github.com/okian/textrewards/internal/domain/reviewdiff"
	"github.com/okian/textrewards/internal/modules"
	"github.com/okian/textrewards/internal/settlement"
	"github.com/okian/textrewards/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithDryRun scores and settles against an in-memory store and writes the
// summary to w instead of posting it.
func WithDryRun(w io.Writer) Option {
	return func(s *Service) {
		s.dryRun = true
		s.dryRunOut = w
	}
}

// WithActivitySource replaces the code host client used to collect issues.
func WithActivitySource(src modules.ActivitySource) Option {
	return func(s *Service) { s.source = src }
}

// WithRelevanceEvaluator replaces the relevance model.
func WithRelevanceEvaluator(e modules.RelevanceEvaluator) Option {
	return func(s *Service) { s.evaluator = e }
}

// WithDiffFetcher replaces the source of pull request diffs.
func WithDiffFetcher(f reviewdiff.DiffFetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

// WithCommentSink replaces where summaries are posted.
func WithCommentSink(sink modules.CommentSink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithAdminChecker replaces the repository permission lookup.
func WithAdminChecker(a settlement.AdminChecker) Option {
	return func(s *Service) { s.admins = a }
}

// WithStore replaces the settlement store.
func WithStore(st settlement.Store) Option {
	return func(s *Service) { s.store = st }
}

// WithSigner replaces the permit signer.
func WithSigner(sg settlement.Signer) Option {
	return func(s *Service) { s.signer = sg }
}

// WithFunder replaces the funding wallet.
func WithFunder(f settlement.Funder) Option {
	return func(s *Service) { s.funder = f }
}
