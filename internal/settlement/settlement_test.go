package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/okian/textrewards/internal/adapters/repository"
	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/domain/money"
	"github.com/okian/textrewards/internal/settlement"
	. "github.com/smartystreets/goconvey/convey"
)

var (
	tokenAddr   = common.HexToAddress("0xC6ed4f520f6A4e4DC27273509239b7F8A68d2068")
	permit2Addr = common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")
	ownerAddr   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	aliceWallet = "0x2222222222222222222222222222222222222222"
	bobWallet   = "0x3333333333333333333333333333333333333333"
)

type fakeSigner struct{ calls int }

func (f *fakeSigner) SignPermit(_ context.Context, req settlement.PermitRequest) (settlement.SignedPermit, error) {
	f.calls++
	sig := make([]byte, 65)
	sig[64] = 27
	return settlement.SignedPermit{PermitRequest: req, Owner: ownerAddr, Signature: sig}, nil
}

type fakeFunder struct {
	balance   *big.Int
	allowance *big.Int
	native    *big.Int
	gas       *big.Int
	sent      [][]settlement.Transfer
	err       error
}

func (f *fakeFunder) Address() common.Address { return ownerAddr }
func (f *fakeFunder) TokenBalance(context.Context, int64, common.Address) (*big.Int, error) {
	return f.balance, nil
}
func (f *fakeFunder) Allowance(context.Context, int64, common.Address, common.Address) (*big.Int, error) {
	return f.allowance, nil
}
func (f *fakeFunder) NativeBalance(context.Context, int64) (*big.Int, error) { return f.native, nil }
func (f *fakeFunder) EstimateBatchTransfer(context.Context, int64, common.Address, common.Address, []settlement.Transfer) (*big.Int, error) {
	return f.gas, nil
}
func (f *fakeFunder) BatchTransfer(_ context.Context, _ int64, _, _ common.Address, t []settlement.Transfer) (string, error) {
	f.sent = append(f.sent, t)
	return "0xABCDEF", f.err
}

type admins map[string]bool

func (a admins) IsAdmin(_ context.Context, _, _, login string) (bool, error) { return a[login], nil }

func wei(tokens int64) *big.Int {
	return money.ToWei(money.FromInt(tokens), 18)
}

func activity(closer string) *model.Activity {
	return &model.Activity{
		Ref: model.IssueRef{Owner: "o", Repo: "r", Number: 1},
		Self: model.Issue{
			ID: 10, NodeID: "I_node", Number: 1, RepositoryID: 20, URL: "https://github.com/o/r/issues/1",
			Author:    model.User{Login: "carol"},
			Assignees: []model.User{{ID: 1, Login: "alice"}},
			ClosedBy:  &model.User{Login: closer},
		},
	}
}

func ledger() model.Ledger {
	l := model.Ledger{}
	alice := l.Ensure("alice", 1, model.RoleAssignee)
	alice.Task = &model.TaskReward{Reward: money.FromInt(50), Multiplier: 1}
	bob := l.Ensure("bob", 2, model.RoleContributor)
	bob.Comments = []model.ScoredComment{{ID: 5, Score: model.CommentScore{Reward: money.FromFloat(10.5)}}}
	l.Recompute()
	return l
}

func group() settlement.TokenGroup {
	return settlement.TokenGroup{
		Name:      "default",
		Roles:     []model.CommentRole{model.RoleAssignee, model.RoleContributor, model.RoleCollaborator},
		NetworkID: 100,
		Token:     tokenAddr,
		Permit2:   permit2Addr,
	}
}

func newStore() *repository.MemoryStore {
	s := repository.NewMemoryStore()
	s.SetWallet(1, aliceWallet)
	s.SetWallet(2, bobWallet)
	s.SetWallet(99, "0x4444444444444444444444444444444444444444")
	return s
}

func TestEngine_Eligibility(t *testing.T) {
	Convey("Given a closed issue", t, func() {
		ctx := context.Background()
		store := newStore()
		engine := settlement.NewEngine(store,
			settlement.WithTokenGroups(group()),
			settlement.WithSigner(&fakeSigner{}),
			settlement.WithAdminChecker(admins{"admin": true}))

		Convey("When an admin closed it", func() {
			_, out := engine.Settle(ctx, activity("admin"), ledger())
			So(out.Kind, ShouldEqual, settlement.Settled)
		})

		Convey("When a non-admin who did not create it closed it", func() {
			l := ledger()
			_, out := engine.Settle(ctx, activity("mallory"), l)

			Convey("Then settlement is skipped and nothing is stored", func() {
				So(out.Kind, ShouldEqual, settlement.Skipped)
				So(out.Reason, ShouldEqual, settlement.ReasonIneligible)
				So(store.Permits(), ShouldBeEmpty)
				So(l["alice"].PermitURL, ShouldBeEmpty)
			})
		})

		Convey("When the creator closed it", func() {
			act := activity("carol")

			Convey("And nobody else priced it, it is ineligible", func() {
				_, out := engine.Settle(ctx, act, ledger())
				So(out.Reason, ShouldEqual, settlement.ReasonIneligible)
			})

			Convey("And a non-assignee applied the price label, it is collaborative", func() {
				act.Events = []model.IssueEvent{{Event: "labeled", Label: "Price: 50 USD", Actor: model.User{Login: "dave"}}}
				_, out := engine.Settle(ctx, act, ledger())
				So(out.Kind, ShouldEqual, settlement.Settled)
			})

			Convey("And only the assignee applied the price label, it stays ineligible", func() {
				act.Events = []model.IssueEvent{{Event: "labeled", Label: "Price: 50 USD", Actor: model.User{Login: "alice"}}}
				_, out := engine.Settle(ctx, act, ledger())
				So(out.Kind, ShouldEqual, settlement.Skipped)
			})

			Convey("And a non-assignee approved the pull request, it is collaborative", func() {
				act.LinkedPullRequests = []model.LinkedPullRequest{{Reviews: []model.Review{
					{State: model.ReviewApproved, Reviewer: model.User{Login: "erin"}},
				}}}
				_, out := engine.Settle(ctx, act, ledger())
				So(out.Kind, ShouldEqual, settlement.Settled)
			})
		})
	})
}

func TestEngine_Permits(t *testing.T) {
	Convey("Given an eligible run in permit mode", t, func() {
		ctx := context.Background()
		store := newStore()
		signer := &fakeSigner{}
		engine := settlement.NewEngine(store,
			settlement.WithTokenGroups(group()),
			settlement.WithSigner(signer),
			settlement.WithClaimBaseURL("https://claim.test"),
			settlement.WithAdminChecker(admins{"admin": true}))

		Convey("When settling", func() {
			l, out := engine.Settle(ctx, activity("admin"), ledger())

			Convey("Then every participant gets a persisted permit and a claim link", func() {
				So(out.Kind, ShouldEqual, settlement.Settled)
				So(signer.calls, ShouldEqual, 2)
				permits := store.Permits()
				So(permits, ShouldHaveLength, 2)

				So(l["alice"].PayoutMode, ShouldEqual, model.PayoutPermit)
				So(l["alice"].PermitURL, ShouldStartWith, "https://claim.test?")
				So(l["alice"].WalletAddress, ShouldEqual, common.HexToAddress(aliceWallet).Hex())
			})

			Convey("Then rows use decimal strings, hex signatures and a lower-case permit2 address", func() {
				p := store.Permits()[0]
				So(p.Amount, ShouldEqual, wei(50).String())
				So(p.Nonce, ShouldEqual, settlement.PermitNonce(1, "I_node", 100, tokenAddr).String())
				So(p.Deadline, ShouldEqual, new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)).String())
				So(p.Signature, ShouldStartWith, "0x")
				So(len(p.Signature), ShouldEqual, 2+130)
				So(p.Permit2Address, ShouldEqual, strings.ToLower(permit2Addr.Hex()))
				So(p.NetworkID, ShouldEqual, int64(100))
			})

			Convey("Then the claim link decodes to the signed permit", func() {
				claims, err := settlement.DecodeClaim(l["bob"].PermitURL)
				So(err, ShouldBeNil)
				So(claims, ShouldHaveLength, 1)
				So(claims[0]["type"], ShouldEqual, "erc20-permit")
				So(claims[0]["owner"], ShouldEqual, ownerAddr.Hex())
			})
		})

		Convey("When settling twice", func() {
			engine.Settle(ctx, activity("admin"), ledger())
			engine.Settle(ctx, activity("admin"), ledger())

			Convey("Then the same nonces are reused and no row is duplicated", func() {
				So(store.Permits(), ShouldHaveLength, 2)
			})
		})

		Convey("When a participant has no wallet", func() {
			l := ledger()
			l.Ensure("zed", 3, model.RoleContributor).Comments = []model.ScoredComment{{Score: model.CommentScore{Reward: money.One}}}
			l.Recompute()
			l, out := engine.Settle(ctx, activity("admin"), l)

			Convey("Then they are skipped without failing the run", func() {
				So(out.Kind, ShouldEqual, settlement.Settled)
				So(l["zed"].PermitURL, ShouldBeEmpty)
				So(store.Permits(), ShouldHaveLength, 2)
			})
		})

		Convey("When no signer is configured", func() {
			bare := settlement.NewEngine(newStore(),
				settlement.WithTokenGroups(group()),
				settlement.WithAdminChecker(admins{"admin": true}))
			l, out := bare.Settle(ctx, activity("admin"), ledger())

			Convey("Then the run fails and no ledger is returned", func() {
				So(out.Kind, ShouldEqual, settlement.Failed)
				So(errors.Is(out.Err, settlement.ErrNoSigner), ShouldBeTrue)
				So(l, ShouldBeNil)
			})
		})
	})
}

func TestEngine_Idempotency(t *testing.T) {
	Convey("Given an issue whose summary already records a transfer", t, func() {
		ctx := context.Background()
		store := newStore()
		funder := &fakeFunder{balance: wei(1000), allowance: wei(1000), native: wei(1), gas: big.NewInt(1)}
		engine := settlement.NewEngine(store,
			settlement.WithTokenGroups(group()),
			settlement.WithSigner(&fakeSigner{}),
			settlement.WithFunder(funder),
			settlement.WithAutomaticTransfer(true),
			settlement.WithAdminChecker(admins{"admin": true}))

		meta, _ := model.RunMetadata{PayoutModes: map[string]model.PayoutMode{"alice": model.PayoutTransfer}}.Encode()
		act := activity("admin")
		act.Comments = []model.Comment{{Body: "summary " + meta, Author: model.User{Login: "rewards[bot]", Type: model.UserTypeBot}}}

		Convey("When settling again", func() {
			before := ledger()
			after, out := engine.Settle(ctx, act, before)

			Convey("Then nothing is paid twice", func() {
				So(out.Kind, ShouldEqual, settlement.Skipped)
				So(out.Reason, ShouldEqual, settlement.ReasonAlreadyPaid)
				So(after, ShouldResemble, ledger())
				So(funder.sent, ShouldBeEmpty)
				So(store.Permits(), ShouldBeEmpty)
			})
		})

		Convey("When the metadata was written by a human it is ignored", func() {
			act.Comments[0].Author = model.User{Login: "mallory", Type: model.UserTypeUser}
			_, out := engine.Settle(ctx, act, ledger())
			So(out.Kind, ShouldEqual, settlement.Settled)
			So(funder.sent, ShouldHaveLength, 1)
		})
	})
}

func TestEngine_Transfer(t *testing.T) {
	Convey("Given automatic transfers", t, func() {
		ctx := context.Background()
		store := newStore()
		funder := &fakeFunder{balance: wei(1000), allowance: wei(1000), native: big.NewInt(1000), gas: big.NewInt(100)}
		engine := settlement.NewEngine(store,
			settlement.WithTokenGroups(group()),
			settlement.WithSigner(&fakeSigner{}),
			settlement.WithFunder(funder),
			settlement.WithAutomaticTransfer(true),
			settlement.WithExplorers(map[int64]string{100: "https://explorer.test/"}),
			settlement.WithAdminChecker(admins{"admin": true}))

		Convey("When the funding wallet covers the batch", func() {
			l, out := engine.Settle(ctx, activity("admin"), ledger())

			Convey("Then rewards are transferred and no permit is stored", func() {
				So(out.Kind, ShouldEqual, settlement.Settled)
				So(funder.sent, ShouldHaveLength, 1)
				So(funder.sent[0], ShouldHaveLength, 2)
				So(l["alice"].PayoutMode, ShouldEqual, model.PayoutTransfer)
				So(l["alice"].ExplorerURL, ShouldEqual, "https://explorer.test/tx/0xabcdef")
				So(store.Permits(), ShouldBeEmpty)
			})
		})

		Convey("When the transfer is sent but its receipt never arrives", func() {
			funder.err = fmt.Errorf("%w: wait: %w", settlement.ErrTransferUnconfirmed, context.DeadlineExceeded)
			l, out := engine.Settle(ctx, activity("admin"), ledger())

			Convey("Then it is recorded as paid so it is never sent again", func() {
				So(out.Kind, ShouldEqual, settlement.Settled)
				So(l, ShouldNotBeNil)
				So(funder.sent, ShouldHaveLength, 1)
				So(l["alice"].PayoutMode, ShouldEqual, model.PayoutTransfer)
				So(l["bob"].ExplorerURL, ShouldEqual, "https://explorer.test/tx/0xabcdef")
				So(store.Permits(), ShouldBeEmpty)

				meta, _ := model.RunMetadata{PayoutModes: map[string]model.PayoutMode{"alice": l["alice"].PayoutMode}}.Encode()
				act := activity("admin")
				act.Comments = []model.Comment{{Body: meta, Author: model.User{Login: "rewards[bot]", Type: model.UserTypeBot}}}
				_, again := engine.Settle(ctx, act, ledger())
				So(again.Reason, ShouldEqual, settlement.ReasonAlreadyPaid)
				So(funder.sent, ShouldHaveLength, 1)
			})
		})

		Convey("When the transfer reverts", func() {
			funder.err = fmt.Errorf("reverted: %w", settlement.ErrTransferReverted)
			l, out := engine.Settle(ctx, activity("admin"), ledger())

			Convey("Then nothing moved and permits are issued instead", func() {
				So(out.Kind, ShouldEqual, settlement.Settled)
				So(l["alice"].PayoutMode, ShouldEqual, model.PayoutPermit)
				So(store.Permits(), ShouldHaveLength, 2)
			})
		})

		Convey("When the transfer cannot be sent at all", func() {
			funder.err = errors.New("connection refused")
			l, out := engine.Settle(ctx, activity("admin"), ledger())

			Convey("Then settlement fails", func() {
				So(out.Kind, ShouldEqual, settlement.Failed)
				So(l, ShouldBeNil)
			})
		})

		Convey("When the balance only equals the requirement", func() {
			funder.balance = money.ToWei(money.FromFloat(60.5), 18)
			l, _ := engine.Settle(ctx, activity("admin"), ledger())

			Convey("Then it falls back to permits", func() {
				So(funder.sent, ShouldBeEmpty)
				So(l["alice"].PayoutMode, ShouldEqual, model.PayoutPermit)
				So(store.Permits(), ShouldHaveLength, 2)
			})
		})

		Convey("When gas is not covered twice over", func() {
			funder.native = big.NewInt(200)
			l, _ := engine.Settle(ctx, activity("admin"), ledger())

			Convey("Then it falls back to permits", func() {
				So(funder.sent, ShouldBeEmpty)
				So(l["bob"].PayoutMode, ShouldEqual, model.PayoutPermit)
			})
		})

		Convey("When an earlier run issued permits", func() {
			meta, _ := model.RunMetadata{PayoutModes: map[string]model.PayoutMode{"alice": model.PayoutPermit}}.Encode()
			act := activity("admin")
			act.Comments = []model.Comment{{Body: meta, Author: model.User{Login: "rewards[bot]"}}}
			engine.Settle(ctx, act, ledger())

			Convey("Then permit mode is forced", func() {
				So(funder.sent, ShouldBeEmpty)
				So(store.Permits(), ShouldHaveLength, 2)
			})
		})
	})
}

func TestEngine_Fee(t *testing.T) {
	Convey("Given a 10% fee and a treasury", t, func() {
		ctx := context.Background()
		store := newStore()
		treasury := settlement.Treasury{Login: "treasury", UserID: 99}
		engine := settlement.NewEngine(store,
			settlement.WithTokenGroups(group()),
			settlement.WithSigner(&fakeSigner{}),
			settlement.WithFee(money.FromInt(10), treasury),
			settlement.WithAdminChecker(admins{"admin": true}))

		Convey("When settling", func() {
			pre := ledger().Sum()
			l, out := engine.Settle(ctx, activity("admin"), ledger())

			Convey("Then rewards shrink and the treasury receives the difference", func() {
				So(out.Kind, ShouldEqual, settlement.Settled)
				So(l["alice"].Total.String(), ShouldEqual, "45")
				So(l["alice"].Task.Reward.String(), ShouldEqual, "45")
				So(l["bob"].Comments[0].Score.Reward.String(), ShouldEqual, "9.45")
				So(l["treasury"].Total.String(), ShouldEqual, "6.05")
				So(l.Sum().Round(2).Equal(pre.Round(2)), ShouldBeTrue)
				So(l["alice"].FeeRate.String(), ShouldEqual, "10")
			})

			Convey("Then totals still equal their components", func() {
				for _, login := range l.Logins() {
					So(l[login].Total.Equal(l[login].ComponentSum()), ShouldBeTrue)
				}
			})

			Convey("Then the treasury is paid too", func() {
				So(store.Permits(), ShouldHaveLength, 3)
			})
		})

		Convey("When assignees and contributors are paid in different tokens", func() {
			tokenB := common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
			assignees := group()
			assignees.Name, assignees.Roles = "assignees", []model.CommentRole{model.RoleAssignee}
			contributors := group()
			contributors.Name, contributors.Roles, contributors.Token = "contributors", []model.CommentRole{model.RoleContributor}, tokenB
			split := settlement.NewEngine(store,
				settlement.WithTokenGroups(assignees, contributors),
				settlement.WithSigner(&fakeSigner{}),
				settlement.WithFee(money.FromInt(10), treasury),
				settlement.WithAdminChecker(admins{"admin": true}))

			l, out := split.Settle(ctx, activity("admin"), ledger())

			Convey("Then the treasury holds one permit per token", func() {
				So(out.Kind, ShouldEqual, settlement.Settled)
				So(l["treasury"].Total.String(), ShouldEqual, "6.05")
				permits := store.Permits()
				So(permits, ShouldHaveLength, 4)

				treasuryAmounts := map[string]bool{}
				for _, p := range permits {
					if p.BeneficiaryID == 99 {
						treasuryAmounts[p.Amount] = true
					}
				}
				So(treasuryAmounts, ShouldHaveLength, 2)
				So(treasuryAmounts[wei(5).String()], ShouldBeTrue)
				So(treasuryAmounts[money.ToWei(money.FromFloat(1.05), 18).String()], ShouldBeTrue)
			})

			Convey("Then the treasury claim link carries both permits", func() {
				claims, err := settlement.DecodeClaim(l["treasury"].PermitURL)
				So(err, ShouldBeNil)
				So(claims, ShouldHaveLength, 2)
				So(claims[0]["permit"].(map[string]any)["nonce"], ShouldNotEqual, claims[1]["permit"].(map[string]any)["nonce"])
			})
		})

		Convey("When the token is whitelisted", func() {
			free := settlement.NewEngine(newStore(),
				settlement.WithTokenGroups(group()),
				settlement.WithSigner(&fakeSigner{}),
				settlement.WithFee(money.FromInt(10), treasury, tokenAddr.Hex()),
				settlement.WithAdminChecker(admins{"admin": true}))
			l, _ := free.Settle(ctx, activity("admin"), ledger())

			Convey("Then no fee is taken", func() {
				So(l["alice"].Total.String(), ShouldEqual, "50")
				_, ok := l["treasury"]
				So(ok, ShouldBeFalse)
			})
		})
	})
}

func TestEngine_FeeConservation(t *testing.T) {
	Convey("Given assorted ledgers and fee rates", t, func() {
		rates := []int64{1, 3, 7, 10, 33, 50, 99}
		rewards := []float64{0.01, 1.337, 10, 99.99, 1234.5678}

		for _, rate := range rates {
			store := newStore()
			engine := settlement.NewEngine(store,
				settlement.WithTokenGroups(group()),
				settlement.WithSigner(&fakeSigner{}),
				settlement.WithFee(money.FromInt(rate), settlement.Treasury{Login: "treasury", UserID: 99}),
				settlement.WithAdminChecker(admins{"admin": true}))

			l := model.Ledger{}
			for i, r := range rewards {
				u := l.Ensure(string(rune('a'+i)), int64(i+1), model.RoleContributor)
				u.Comments = []model.ScoredComment{{Score: model.CommentScore{Reward: money.FromFloat(r)}}}
			}
			l.Recompute()
			pre := l.Sum()

			after, out := engine.Settle(context.Background(), activity("admin"), l)
			So(out.Kind, ShouldEqual, settlement.Settled)
			diff := after.Sum().Sub(pre).Abs()
			So(diff.LessThanOrEqual(money.FromFloat(0.01)), ShouldBeTrue)
		}
	})
}

func TestEngine_XP(t *testing.T) {
	Convey("Given a participant whose role has no reward token", t, func() {
		ctx := context.Background()
		store := newStore()
		g := group()
		g.Roles = []model.CommentRole{model.RoleAssignee}
		engine := settlement.NewEngine(store,
			settlement.WithTokenGroups(g),
			settlement.WithSigner(&fakeSigner{}),
			settlement.WithAdminChecker(admins{"admin": true}))

		Convey("When settling", func() {
			l, out := engine.Settle(ctx, activity("admin"), ledger())

			Convey("Then experience is recorded instead of a permit", func() {
				So(out.Kind, ShouldEqual, settlement.Settled)
				So(l["bob"].XP, ShouldBeTrue)
				So(l["bob"].PermitURL, ShouldBeEmpty)
				xp, err := store.XPPermit(ctx, 2, 1)
				So(err, ShouldBeNil)
				So(xp.TokenID, ShouldBeNil)
				So(xp.Amount, ShouldEqual, money.ToWei(money.FromFloat(10.5), 18).String())
			})
		})

		Convey("When settling again with a new total", func() {
			engine.Settle(ctx, activity("admin"), ledger())
			l := ledger()
			l["bob"].Comments[0].Score.Reward = money.FromInt(12)
			l.Recompute()
			engine.Settle(ctx, activity("admin"), l)

			Convey("Then the row is updated in place", func() {
				count := 0
				for _, p := range store.Permits() {
					if p.TokenID == nil {
						count++
						So(p.Amount, ShouldEqual, wei(12).String())
					}
				}
				So(count, ShouldEqual, 1)
			})
		})
	})
}
