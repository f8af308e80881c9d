package service

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/okian/textrewards/internal/adapters/evm"
	"github.com/okian/textrewards/internal/adapters/github"
	"github.com/okian/textrewards/internal/adapters/llm"
	"github.com/okian/textrewards/internal/adapters/repository"
	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/settlement"
	"github.com/okian/textrewards/pkg/logger"
)

// connect builds every collaborator not injected through an Option.
func (s *Service) connect(ctx context.Context) error {
	cfg := s.cfg

	if s.source == nil || s.fetcher == nil || s.admins == nil || (s.sink == nil && !s.dryRun) {
		opts := []github.Option{
			github.WithRateLimit(cfg.GitHub.RequestsPerSecond, cfg.GitHub.Burst),
			github.WithRetryPolicy(cfg.RetryPolicy()),
			github.WithLogger(s.log.Named("github")),
		}
		if cfg.GitHub.APIURL != "" {
			opts = append(opts, github.WithBaseURL(cfg.GitHub.APIURL))
		}
		client, err := github.New(cfg.GitHub.Token, opts...)
		if err != nil {
			return fmt.Errorf("github client: %w", err)
		}
		if s.source == nil {
			s.source = client
		}
		if s.fetcher == nil {
			s.fetcher = client
		}
		if s.admins == nil {
			s.admins = client
		}
		if s.sink == nil && !s.dryRun {
			s.sink = client
		}
	}
	if s.sink == nil && s.dryRun {
		s.sink = &writerSink{w: s.dryRunOut}
	}

	if s.evaluator == nil && cfg.OpenAI.APIKey != "" {
		opts := []llm.Option{llm.WithModel(cfg.OpenAI.Model), llm.WithLogger(s.log.Named("llm"))}
		if cfg.OpenAI.Endpoint != "" {
			opts = append(opts, llm.WithBaseURL(cfg.OpenAI.Endpoint))
		}
		s.evaluator = llm.NewEvaluator(cfg.OpenAI.APIKey, opts...)
	}

	if s.store == nil {
		if err := s.openStore(ctx); err != nil {
			return err
		}
	}

	if cfg.EVM.PrivateKey != "" {
		if s.signer == nil {
			signer, err := evm.NewSigner(cfg.EVM.PrivateKey)
			if err != nil {
				return fmt.Errorf("permit signer: %w", err)
			}
			s.signer = signer
		}
		if s.funder == nil && !s.dryRun {
			opts := []evm.Option{evm.WithRetryPolicy(cfg.RetryPolicy()), evm.WithLogger(s.log.Named("evm"))}
			for id, u := range cfg.RPCURLs() {
				opts = append(opts, evm.WithEndpoint(id, u))
			}
			funder, err := evm.NewFunder(cfg.EVM.PrivateKey, opts...)
			if err != nil {
				return fmt.Errorf("funding wallet: %w", err)
			}
			s.funder = funder
			s.closers = append(s.closers, funder.Close)
		}
	}
	return nil
}

func (s *Service) openStore(ctx context.Context) error {
	db := s.cfg.Database
	if s.dryRun || db.DSN == "" {
		s.log.Info(ctx, "using in-memory store", logger.Bool("dry_run", s.dryRun))
		s.store = repository.NewMemoryStore(repository.WithRetryPolicy(s.cfg.RetryPolicy()))
		return nil
	}
	pool, err := repository.NewPool(ctx, repository.PoolConfig{
		DSN:      db.DSN,
		MaxConns: db.MaxConns,
		MinConns: db.MinConns,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	s.closers = append(s.closers, pool.Close)
	if db.Migrate {
		if err := repository.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	s.store = repository.NewPostgresStore(pool, repository.WithRetryPolicy(s.cfg.RetryPolicy()))
	return nil
}

// engine returns nil when settlement cannot run, which disables the module.
// Without a signing key only experience points can be recorded, so the engine
// is built only when no token group is configured.
func (s *Service) engine(ctx context.Context, log logger.Logger) *settlement.Engine {
	cfg := s.cfg.Settlement
	if !cfg.Enabled {
		return nil
	}
	if s.signer == nil && len(cfg.TokenGroups) > 0 {
		log.Warn(ctx, "settlement disabled: token groups configured without a signing key")
		return nil
	}

	groups := make([]settlement.TokenGroup, 0, len(cfg.TokenGroups))
	for _, g := range cfg.TokenGroups {
		roles := make([]model.CommentRole, 0, len(g.Roles))
		for _, r := range g.Roles {
			role, err := model.ParseCommentRole(r)
			if err != nil {
				continue
			}
			roles = append(roles, role)
		}
		groups = append(groups, settlement.TokenGroup{
			Name:      g.Name,
			Roles:     roles,
			NetworkID: g.NetworkID,
			Token:     common.HexToAddress(g.Token),
			Permit2:   common.HexToAddress(g.Permit2),
			Decimals:  g.Decimals,
		})
	}

	opts := []settlement.Option{
		settlement.WithTokenGroups(groups...),
		settlement.WithFee(s.cfg.FeeRate(), settlement.Treasury{
			Login:  cfg.Treasury.Login,
			UserID: cfg.Treasury.UserID,
			Wallet: cfg.Treasury.Wallet,
		}, cfg.FeeWhitelist...),
		settlement.WithAutomaticTransfer(cfg.AutomaticTransfer),
		settlement.WithClaimBaseURL(cfg.ClaimBaseURL),
		settlement.WithExplorers(s.cfg.Explorers()),
		settlement.WithBotLogins(s.cfg.GitHub.BotLogins...),
		settlement.WithLogger(log.Named("settlement")),
	}
	if s.signer != nil {
		opts = append(opts, settlement.WithSigner(s.signer))
	}
	if s.funder != nil {
		opts = append(opts, settlement.WithFunder(s.funder))
	}
	if s.admins != nil {
		opts = append(opts, settlement.WithAdminChecker(s.admins))
	}
	return settlement.NewEngine(s.store, opts...)
}

// writerSink prints summaries instead of posting them.
type writerSink struct {
	w io.Writer
}

func (ws *writerSink) Post(_ context.Context, ref model.IssueRef, body string) error {
	if ws.w == nil {
		return nil
	}
	_, err := fmt.Fprintf(ws.w, "--- %s ---\n%s\n", ref, strings.TrimRight(body, "\n"))
	return err
}
