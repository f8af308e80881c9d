package settlement

import (
	"context"
	"fmt"
	"strings"

	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/domain/money"
	"github.com/okian/textrewards/pkg/logger"
	"github.com/okian/textrewards/pkg/metrics"
)

const defaultClaimBaseURL = "https://pay.ubq.fi"

// Engine settles one run's ledger.
type Engine struct {
	store  Store
	signer Signer
	funder Funder
	admins AdminChecker
	xp     *XPRecorder

	groups            []TokenGroup
	feeRate           money.Amount
	treasury          Treasury
	feeWhitelist      map[string]struct{}
	automaticTransfer bool
	claimBaseURL      string
	explorers         map[int64]string
	botLogins         map[string]struct{}

	log logger.Logger
}

// NewEngine creates a settlement engine backed by store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		feeRate:      money.Zero,
		feeWhitelist: make(map[string]struct{}),
		claimBaseURL: defaultClaimBaseURL,
		explorers:    make(map[int64]string),
		botLogins:    make(map[string]struct{}),
		log:          logger.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.xp = NewXPRecorder(store, e.log)
	return e
}

// run carries per-settlement state.
type run struct {
	activity   *model.Activity
	ledger     model.Ledger
	locationID int64
	mode       model.PayoutMode
	// signed collects every permit issued to a login during this run.
	signed     map[string][]SignedPermit
}

// Settle pays out ledger. Skipped outcomes leave the ledger untouched; a
// Failed outcome means nothing reliable was settled and the ledger must be
// discarded.
func (e *Engine) Settle(ctx context.Context, activity *model.Activity, ledger model.Ledger) (model.Ledger, Outcome) {
	out := e.settle(ctx, activity, ledger)
	metrics.RecordSettlementOutcome(out.Kind.String(), out.Reason)
	switch out.Kind {
	case Skipped:
		e.log.Info(ctx, "settlement skipped", logger.String("reason", out.Reason))
	case Failed:
		e.log.Error(ctx, "settlement failed", logger.Error(out.Err))
		return nil, out
	}
	return ledger, out
}

func (e *Engine) settle(ctx context.Context, activity *model.Activity, ledger model.Ledger) Outcome {
	if len(ledger) == 0 {
		return skipped(ReasonEmpty)
	}

	ok, err := e.eligible(ctx, activity)
	if err != nil {
		return failed(fmt.Errorf("check eligibility: %w", err))
	}
	if !ok {
		return skipped(ReasonIneligible)
	}

	mode := e.priorPayoutMode(activity)
	if mode == model.PayoutTransfer {
		return skipped(ReasonAlreadyPaid)
	}
	if mode == model.PayoutNone {
		mode = model.PayoutPermit
		if e.automaticTransfer {
			mode = model.PayoutTransfer
		}
	}

	locationID, err := e.store.EnsureLocation(ctx, Location{
		RepositoryID: activity.Self.RepositoryID,
		IssueID:      activity.Self.ID,
		NodeID:       activity.Self.NodeID,
		URL:          activity.Self.URL,
	})
	if err != nil {
		return failed(fmt.Errorf("resolve location: %w", err))
	}
	r := &run{
		activity:   activity,
		ledger:     ledger,
		locationID: locationID,
		mode:       mode,
		signed:     make(map[string][]SignedPermit),
	}

	members, orphans := e.partition(ledger)
	for i, g := range e.groups {
		if len(members[i]) == 0 {
			continue
		}
		amounts := make(map[string]money.Amount, len(members[i])+1)
		skim := e.applyFee(g, ledger, members[i])
		for _, login := range members[i] {
			amounts[login] = ledger[login].Total
		}
		if skim.IsPositive() {
			e.creditTreasury(ledger, skim)
			amounts[e.treasury.Login] = skim
		}
		if err := e.payGroup(ctx, r, g, amounts); err != nil {
			return failed(fmt.Errorf("settle group %s: %w", g.Name, err))
		}
	}

	for _, login := range orphans {
		if err := e.xp.Record(ctx, locationID, activity.Self.NodeID, ledger[login]); err != nil {
			return failed(fmt.Errorf("record experience for %s: %w", login, err))
		}
	}
	return settled()
}

// partition assigns every login to the first group covering its role.
func (e *Engine) partition(ledger model.Ledger) (map[int][]string, []string) {
	members := make(map[int][]string)
	var orphans []string
	for _, login := range ledger.Logins() {
		if e.feeRate.IsPositive() && strings.EqualFold(login, e.treasury.Login) {
			continue
		}
		matched := false
		for i, g := range e.groups {
			if g.has(ledger[login].Role) {
				members[i] = append(members[i], login)
				matched = true
				break
			}
		}
		if !matched {
			orphans = append(orphans, login)
		}
	}
	return members, orphans
}

// payGroup pays each login the given amount of g's token.
func (e *Engine) payGroup(ctx context.Context, r *run, g TokenGroup, amounts map[string]money.Amount) error {
	payees, err := e.payees(ctx, r, g, amounts)
	if err != nil {
		return err
	}
	if r.mode == model.PayoutTransfer {
		payees, err = e.transfer(ctx, g, payees)
		if err != nil {
			return err
		}
	}
	return e.issuePermits(ctx, r, g, payees)
}

// priorPayoutMode reads the payout mode recorded by earlier runs.
func (e *Engine) priorPayoutMode(activity *model.Activity) model.PayoutMode {
	mode := model.PayoutNone
	for _, c := range activity.Comments {
		if !e.isBot(c.Author) {
			continue
		}
		meta, ok := model.ExtractMetadata(c.Body)
		if !ok {
			continue
		}
		switch meta.Mode() {
		case model.PayoutTransfer:
			return model.PayoutTransfer
		case model.PayoutPermit:
			mode = model.PayoutPermit
		}
	}
	return mode
}

func (e *Engine) isBot(u model.User) bool {
	if u.IsBot() {
		return true
	}
	_, ok := e.botLogins[strings.ToLower(u.Login)]
	return ok
}
