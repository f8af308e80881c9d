package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/domain/money"
	"github.com/okian/textrewards/pkg/retry"
)

var logLevels = map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "warning": {}, "error": {}}

// Validate reports every malformed value, wrapped in ErrInvalidConfig.
// Settings that are merely missing disable the module that needs them.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	_, known := logLevels[strings.ToLower(c.LogLevel)]
	check(known, "log_level %q", c.LogLevel)
	check(c.Addr != "", "addr must not be empty")
	check(c.QueueSize > 0, "queue_size must be positive")
	check(c.WorkerCount > 0, "worker_count must be positive")
	check(c.DedupeSize > 0, "dedupe_size must be positive")
	check(c.GitHub.RequestsPerSecond >= 0, "github.requests_per_second must not be negative")
	check(c.OpenAI.BatchSize >= 0, "openai.batch_size must not be negative")

	for key := range c.EVM.RPCURLs {
		_, err := strconv.ParseInt(key, 10, 64)
		check(err == nil, "evm.rpc_urls key %q is not a network id", key)
	}
	for key := range c.EVM.Explorers {
		_, err := strconv.ParseInt(key, 10, 64)
		check(err == nil, "evm.explorers key %q is not a network id", key)
	}

	for name := range c.Incentives.Formatting.Rules {
		_, err := model.ParseCommentType(name)
		check(err == nil, "incentives.formatting.rules: %v", err)
	}
	check(nonNegative(c.Incentives.Review.ConclusiveCredit), "incentives.review.conclusive_credit %q", c.Incentives.Review.ConclusiveCredit)
	check(nonNegative(c.Incentives.Simplification.Rate), "incentives.simplification.rate %q", c.Incentives.Simplification.Rate)
	for event, value := range c.Incentives.Events.Values {
		check(nonNegative(value), "incentives.events.values.%s %q", event, value)
	}
	for content, value := range c.Incentives.Events.Reactions {
		check(nonNegative(value), "incentives.events.reactions.%s %q", content, value)
	}

	fee, err := money.Parse(orZero(c.Settlement.FeeRate))
	check(err == nil && !fee.IsNegative() && fee.LessThanOrEqual(money.FromInt(100)),
		"settlement.fee_rate %q must be within [0, 100]", c.Settlement.FeeRate)
	if w := c.Settlement.Treasury.Wallet; w != "" {
		check(common.IsHexAddress(w), "settlement.treasury.wallet %q", w)
	}
	for i, g := range c.Settlement.TokenGroups {
		check(g.NetworkID > 0, "settlement.token_groups[%d].network_id must be positive", i)
		check(common.IsHexAddress(g.Token), "settlement.token_groups[%d].token %q", i, g.Token)
		check(common.IsHexAddress(g.Permit2), "settlement.token_groups[%d].permit2 %q", i, g.Permit2)
		check(len(g.Roles) > 0, "settlement.token_groups[%d].roles must not be empty", i)
		for _, r := range g.Roles {
			_, err := model.ParseCommentRole(r)
			check(err == nil, "settlement.token_groups[%d].roles: %v", i, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func orZero(s string) string {
	if strings.TrimSpace(s) == "" {
		return "0"
	}
	return s
}

func nonNegative(s string) bool {
	v, err := money.Parse(orZero(s))
	return err == nil && !v.IsNegative()
}

func amount(s string) money.Amount {
	v, err := money.Parse(orZero(s))
	if err != nil {
		return money.Zero
	}
	return v
}

func networkMap(in map[string]string) map[int64]string {
	out := make(map[int64]string, len(in))
	for key, v := range in {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		out[id] = v
	}
	return out
}

// RetryPolicy returns the retry policy for external reads.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialInterval: c.Retry.InitialInterval,
		MaxInterval:     c.Retry.MaxInterval,
	}
}

// RPCURLs returns JSON-RPC endpoints by network id.
func (c *Config) RPCURLs() map[int64]string { return networkMap(c.EVM.RPCURLs) }

// Explorers returns block explorer base URLs by network id.
func (c *Config) Explorers() map[int64]string { return networkMap(c.EVM.Explorers) }

// FeeRate returns the platform fee in percent.
func (c *Config) FeeRate() money.Amount { return amount(c.Settlement.FeeRate) }

// ConclusiveCredit returns the flat credit for a conclusive review.
func (c *Config) ConclusiveCredit() money.Amount { return amount(c.Incentives.Review.ConclusiveCredit) }

// SimplificationRate returns the reward per deleted line.
func (c *Config) SimplificationRate() money.Amount { return amount(c.Incentives.Simplification.Rate) }

// EventValues returns event rewards keyed by lower-case event name, with
// reactions under "reaction.<content>".
func (c *Config) EventValues() map[string]money.Amount {
	out := make(map[string]money.Amount, len(c.Incentives.Events.Values)+len(c.Incentives.Events.Reactions))
	for event, v := range c.Incentives.Events.Values {
		out[strings.ToLower(event)] = amount(v)
	}
	for content, v := range c.Incentives.Events.Reactions {
		out["reaction."+strings.ToLower(content)] = amount(v)
	}
	return out
}
