package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/domain/money"
	"github.com/okian/textrewards/pkg/logger"
	"github.com/okian/textrewards/pkg/metrics"
)

// gasSafetyFactor is the margin the native balance must exceed the estimate by.
const gasSafetyFactor = 2

// payee is one resolved beneficiary of a token group.
type payee struct {
	login  string
	reward *model.UserReward
	wallet common.Address
	amount *big.Int
}

// payees resolves wallets and base-unit amounts. Participants without a
// usable wallet or with nothing to receive are left out.
func (e *Engine) payees(ctx context.Context, r *run, g TokenGroup, amounts map[string]money.Amount) ([]payee, error) {
	logins := make([]string, 0, len(amounts))
	for login := range amounts {
		logins = append(logins, login)
	}
	sort.Strings(logins)

	out := make([]payee, 0, len(logins))
	for _, login := range logins {
		reward := r.ledger[login]
		wei := money.ToWei(amounts[login], g.Decimals)
		if wei.Sign() <= 0 {
			continue
		}
		addr := reward.WalletAddress
		if addr == "" {
			var err error
			addr, err = e.store.WalletAddress(ctx, reward.UserID)
			if errors.Is(err, ErrNotFound) {
				e.log.Info(ctx, "no wallet registered", logger.String("login", login))
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("wallet for %s: %w", login, err)
			}
		}
		if !common.IsHexAddress(addr) {
			e.log.Warn(ctx, "invalid wallet address",
				logger.String("login", login),
				logger.String("address", addr))
			continue
		}
		wallet := common.HexToAddress(addr)
		reward.WalletAddress = wallet.Hex()
		out = append(out, payee{login: login, reward: reward, wallet: wallet, amount: wei})
	}
	return out, nil
}

// transfer pays payees in one batch when the funding wallet can cover it.
// It returns the payees still owed, which is all of them when funding is
// short.
func (e *Engine) transfer(ctx context.Context, g TokenGroup, payees []payee) ([]payee, error) {
	if len(payees) == 0 {
		return nil, nil
	}
	if e.funder == nil {
		e.log.Info(ctx, "no funding wallet configured, issuing permits")
		return payees, nil
	}

	transfers := make([]Transfer, len(payees))
	required := new(big.Int)
	for i, p := range payees {
		transfers[i] = Transfer{To: p.wallet, Amount: p.amount}
		required.Add(required, p.amount)
	}

	if err := e.checkFunding(ctx, g, transfers, required); err != nil {
		if !errors.Is(err, ErrInsufficientFunds) {
			return nil, err
		}
		metrics.RecordTransferFallback()
		e.log.Warn(ctx, "transfer not possible, issuing permits instead",
			logger.String("group", g.Name),
			logger.Error(err))
		return payees, nil
	}

	hash, err := e.funder.BatchTransfer(ctx, g.NetworkID, g.Token, g.Permit2, transfers)
	switch {
	case errors.Is(err, ErrTransferReverted):
		metrics.RecordTransferFallback()
		e.log.Warn(ctx, "transfer reverted, issuing permits instead",
			logger.String("group", g.Name),
			logger.String("tx", hash),
			logger.Error(err))
		return payees, nil
	case errors.Is(err, ErrTransferUnconfirmed):
		// Recorded as paid so a later run never sends it again.
		e.log.Error(ctx, "transfer sent but not confirmed, recording it as paid",
			logger.String("group", g.Name),
			logger.String("tx", hash),
			logger.Error(err))
	case err != nil:
		return nil, fmt.Errorf("batch transfer: %w", err)
	}
	explorer := e.explorerURL(g.NetworkID, hash)
	for _, p := range payees {
		p.reward.PayoutMode = model.PayoutTransfer
		p.reward.ExplorerURL = explorer
	}
	e.log.Info(ctx, "rewards transferred",
		logger.String("group", g.Name),
		logger.String("tx", hash),
		logger.Int("recipients", len(payees)))
	return nil, nil
}

// checkFunding requires balance, allowance and gas to strictly exceed what
// the batch needs.
func (e *Engine) checkFunding(ctx context.Context, g TokenGroup, transfers []Transfer, required *big.Int) error {
	balance, err := e.funder.TokenBalance(ctx, g.NetworkID, g.Token)
	if err != nil {
		return fmt.Errorf("token balance: %w", err)
	}
	if balance.Cmp(required) <= 0 {
		return fmt.Errorf("%w: balance %s, need more than %s", ErrInsufficientFunds, balance, required)
	}

	allowance, err := e.funder.Allowance(ctx, g.NetworkID, g.Token, g.Permit2)
	if err != nil {
		return fmt.Errorf("allowance: %w", err)
	}
	if allowance.Cmp(required) <= 0 {
		return fmt.Errorf("%w: allowance %s, need more than %s", ErrInsufficientFunds, allowance, required)
	}

	gas, err := e.funder.EstimateBatchTransfer(ctx, g.NetworkID, g.Token, g.Permit2, transfers)
	if err != nil {
		return fmt.Errorf("%w: estimate gas: %w", ErrInsufficientFunds, err)
	}
	native, err := e.funder.NativeBalance(ctx, g.NetworkID)
	if err != nil {
		return fmt.Errorf("native balance: %w", err)
	}
	needGas := new(big.Int).Mul(gas, big.NewInt(gasSafetyFactor))
	if native.Cmp(needGas) <= 0 {
		return fmt.Errorf("%w: native balance %s, need more than %s", ErrInsufficientFunds, native, needGas)
	}
	return nil
}

func (e *Engine) explorerURL(networkID int64, hash string) string {
	base, ok := e.explorers[networkID]
	if !ok {
		return ""
	}
	return base + "/tx/" + strings.ToLower(hash)
}
