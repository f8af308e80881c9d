package settlement

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/domain/money"
	"github.com/okian/textrewards/pkg/logger"
)

const defaultTokenDecimals = 18

// TokenGroup binds participant roles to one reward token.
type TokenGroup struct {
	Name      string
	Roles     []model.CommentRole
	NetworkID int64
	Token     common.Address
	Permit2   common.Address
	Decimals  int32
}

func (g TokenGroup) has(role model.CommentRole) bool {
	for _, r := range g.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Treasury receives the skimmed fees.
type Treasury struct {
	Login  string
	UserID int64
	Wallet string
}

// Option applies a configuration option to the Engine.
type Option func(*Engine)

// WithTokenGroups sets the reward token groups. Participants whose role is in
// no group receive experience points instead.
func WithTokenGroups(groups ...TokenGroup) Option {
	return func(e *Engine) {
		for _, g := range groups {
			if g.Decimals <= 0 {
				g.Decimals = defaultTokenDecimals
			}
			e.groups = append(e.groups, g)
		}
	}
}

// WithFee enables the platform fee for tokens not in whitelist.
func WithFee(rate money.Amount, treasury Treasury, whitelist ...string) Option {
	return func(e *Engine) {
		if rate.IsNegative() || rate.GreaterThan(money.FromInt(100)) {
			return
		}
		e.feeRate = rate
		e.treasury = treasury
		for _, addr := range whitelist {
			e.feeWhitelist[strings.ToLower(strings.TrimSpace(addr))] = struct{}{}
		}
	}
}

// WithAutomaticTransfer makes transfers the default payout mode.
func WithAutomaticTransfer(enabled bool) Option {
	return func(e *Engine) {
		e.automaticTransfer = enabled
	}
}

// WithClaimBaseURL sets the page that redeems encoded permits.
func WithClaimBaseURL(u string) Option {
	return func(e *Engine) {
		if u != "" {
			e.claimBaseURL = u
		}
	}
}

// WithExplorers sets block explorer base URLs per network.
func WithExplorers(explorers map[int64]string) Option {
	return func(e *Engine) {
		for id, u := range explorers {
			e.explorers[id] = strings.TrimRight(u, "/")
		}
	}
}

// WithBotLogins marks extra logins whose comments may carry run metadata.
func WithBotLogins(logins ...string) Option {
	return func(e *Engine) {
		for _, l := range logins {
			e.botLogins[strings.ToLower(l)] = struct{}{}
		}
	}
}

// WithSigner sets the permit signer.
func WithSigner(s Signer) Option {
	return func(e *Engine) {
		e.signer = s
	}
}

// WithFunder sets the funding wallet used for direct transfers.
func WithFunder(f Funder) Option {
	return func(e *Engine) {
		e.funder = f
	}
}

// WithAdminChecker sets the repository permission lookup.
func WithAdminChecker(a AdminChecker) Option {
	return func(e *Engine) {
		e.admins = a
	}
}

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}
