package settlement

import (
	"strings"

	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/domain/money"
	"github.com/okian/textrewards/pkg/metrics"
)

// feeApplies reports whether g pays the platform fee.
func (e *Engine) feeApplies(g TokenGroup) bool {
	if !e.feeRate.IsPositive() || e.treasury.Login == "" {
		return false
	}
	_, whitelisted := e.feeWhitelist[strings.ToLower(g.Token.Hex())]
	return !whitelisted
}

// applyFee scales every reward of logins by (100 - rate)/100 and returns the
// amount skimmed. Totals are recomputed so they stay equal to their parts.
func (e *Engine) applyFee(g TokenGroup, ledger model.Ledger, logins []string) money.Amount {
	if !e.feeApplies(g) {
		return money.Zero
	}
	before, after := money.Zero, money.Zero
	for _, login := range logins {
		r := ledger[login]
		r.Recompute()
		before = before.Add(r.Total)
		deductFee(r, e.feeRate)
		r.Recompute()
		after = after.Add(r.Total)
	}
	skim := before.Sub(after)
	f, _ := skim.Float64()
	metrics.RecordFeeSkimmed(f)
	return skim
}

func deductFee(r *model.UserReward, rate money.Amount) {
	fee := func(a money.Amount) money.Amount { return money.ApplyFee(a, rate) }
	if r.Task != nil {
		r.Task.Reward = fee(r.Task.Reward)
	}
	for i := range r.Comments {
		r.Comments[i].Score.Reward = fee(r.Comments[i].Score.Reward)
	}
	for i := range r.ReviewRewards {
		g := &r.ReviewRewards[i]
		g.ReviewBaseReward = fee(g.ReviewBaseReward)
		for j := range g.Reviews {
			g.Reviews[j].Reward = fee(g.Reviews[j].Reward)
		}
	}
	if r.Simplification != nil {
		r.Simplification.Reward = fee(r.Simplification.Reward)
	}
	for k, ev := range r.Events {
		ev.Reward = fee(ev.Reward)
		r.Events[k] = ev
	}
	r.FeeRate = &rate
}

// creditTreasury adds skim to the treasury entry.
func (e *Engine) creditTreasury(ledger model.Ledger, skim money.Amount) {
	t := ledger.Ensure(e.treasury.Login, e.treasury.UserID, model.RoleCollaborator)
	fees := skim
	if t.CollectedFees != nil {
		fees = fees.Add(*t.CollectedFees)
	}
	t.CollectedFees = &fees
	if e.treasury.Wallet != "" {
		t.WalletAddress = e.treasury.Wallet
	}
	t.Recompute()
}
