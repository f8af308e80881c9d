package modules_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/textrewards/internal/adapters/repository"
	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/domain/money"
	"github.com/okian/textrewards/internal/domain/pipeline"
	"github.com/okian/textrewards/internal/domain/reviewdiff"
	"github.com/okian/textrewards/internal/domain/scoring"
	"github.com/okian/textrewards/internal/modules"
	"github.com/okian/textrewards/internal/settlement"
	"github.com/okian/textrewards/pkg/retry"
	. "github.com/smartystreets/goconvey/convey"
)

var closedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func user(id int64, login string) model.User {
	return model.User{ID: id, Login: login, Type: model.UserTypeUser}
}

func comment(id int64, author model.User, assoc, body string) model.Comment {
	return model.Comment{
		ID:                id,
		Body:              body,
		URL:               fmt.Sprintf("https://github.com/o/r/issues/1#issuecomment-%d", id),
		Author:            author,
		AuthorAssociation: assoc,
		Kind:              model.KindIssue,
		CreatedAt:         closedAt.Add(-time.Hour),
	}
}

func newActivity() *model.Activity {
	return &model.Activity{
		Ref: model.IssueRef{Owner: "o", Repo: "r", Number: 1},
		Self: model.Issue{
			ID:        100,
			NodeID:    "I_1",
			Number:    1,
			Body:      "Build the **parser** for the new format.",
			URL:       "https://github.com/o/r/issues/1",
			Author:    user(3, "carol"),
			Assignees: []model.User{user(1, "alice"), user(2, "bob")},
			Labels:    []string{"Price: 100 USD", "Priority: 2 (Medium)"},
			ClosedAt:  closedAt,
			ClosedBy:  &model.User{Login: "carol"},
		},
		Comments: []model.Comment{
			comment(11, user(1, "alice"), "NONE", "I will take this one and open a pull request today."),
			comment(12, user(4, "dave"), "MEMBER", "> Build the parser\nPlease keep the API small. <!-- note to self -->"),
			comment(13, model.User{ID: 9, Login: "ci[bot]", Type: model.UserTypeBot}, "NONE", "Build passed."),
			comment(14, user(5, "erin"), "NONE", "/help"),
		},
	}
}

func TestLabels(t *testing.T) {
	Convey("Price and priority labels are parsed", t, func() {
		p, ok := modules.Price([]string{"Time: <1 Hour", "Price: 37.5 USD"})
		So(ok, ShouldBeTrue)
		So(p.String(), ShouldEqual, "37.5")

		_, ok = modules.Price([]string{"bug"})
		So(ok, ShouldBeFalse)

		So(modules.Priority([]string{"Priority: 3 (High)"}), ShouldEqual, 3)
		So(modules.Priority(nil), ShouldEqual, 1)
	})
}

func TestExtractor(t *testing.T) {
	Convey("Given an activity with a priced issue", t, func() {
		ctx := context.Background()
		activity := newActivity()
		pr := comment(15, user(1, "alice"), "NONE", "Fixed in this pull request.")
		pr.Kind = model.KindPull
		activity.Comments = append(activity.Comments, pr)

		ledger, err := modules.NewExtractor().Transform(ctx, activity, model.Ledger{})
		So(err, ShouldBeNil)

		Convey("Then the price is split among assignees", func() {
			So(ledger["alice"].Task.Reward.String(), ShouldEqual, "50")
			So(ledger["alice"].Task.Multiplier, ShouldEqual, 0.5)
			So(ledger["bob"].Task.Reward.String(), ShouldEqual, "50")
			So(ledger["bob"].Role, ShouldEqual, model.RoleAssignee)
		})

		Convey("Then comments are typed by kind and role", func() {
			So(ledger["carol"].Comments[0].Type, ShouldEqual, model.IssueSpecification)
			So(ledger["alice"].Comments[0].Type, ShouldEqual, model.IssueAssignee)
			So(ledger["alice"].Comments[1].Type, ShouldEqual, model.PullAssignee)
			So(ledger["dave"].Comments[0].Type, ShouldEqual, model.IssueCollaborator)
			So(ledger["erin"].Comments[0].Type, ShouldEqual, model.IssueContributor)
			So(ledger["dave"].Role, ShouldEqual, model.RoleCollaborator)
		})
	})
}

func TestPurge(t *testing.T) {
	Convey("Given an extracted ledger", t, func() {
		ctx := context.Background()
		activity := newActivity()
		late := comment(16, user(6, "frank"), "NONE", "Thanks for closing!")
		late.CreatedAt = closedAt.Add(time.Hour)
		activity.Comments = append(activity.Comments,
			late,
			comment(17, user(7, "spammer"), "NONE", "Buy now"),
		)
		ledger, _ := modules.NewExtractor().Transform(ctx, activity, model.Ledger{})

		ledger, err := modules.NewPurge([]string{"Spammer"}).Transform(ctx, activity, ledger)
		So(err, ShouldBeNil)

		Convey("Then bots, commands, late comments and excluded logins are gone", func() {
			for _, login := range []string{"ci[bot]", "erin", "frank", "spammer"} {
				_, ok := ledger[login]
				So(ok, ShouldBeFalse)
			}
		})

		Convey("Then quotes and hidden comments are stripped", func() {
			So(ledger["dave"].Comments[0].Content, ShouldEqual, "Please keep the API small.")
		})

		Convey("Then assignees without comments keep their task", func() {
			So(ledger["bob"].Task, ShouldNotBeNil)
		})
	})

	Convey("Clean keeps code", t, func() {
		So(modules.Clean("use `<!-- x -->` here"), ShouldEqual, "use `<!-- x -->` here")
	})
}

func TestFormatting(t *testing.T) {
	Convey("Given a purged ledger and an edited specification", t, func() {
		ctx := context.Background()
		activity := newActivity()
		activity.Self.Body = "hello world"
		activity.SpecificationEdits = []model.Revision{
			{Editor: user(3, "carol"), Body: "hello"},
			{Editor: user(4, "dave"), Body: "hello world"},
		}
		ledger, _ := modules.NewExtractor().Transform(ctx, activity, model.Ledger{})
		ledger, _ = modules.NewPurge(nil).Transform(ctx, activity, ledger)

		ledger, err := modules.NewFormatting(scoring.NewScorer()).Transform(ctx, activity, ledger)
		So(err, ShouldBeNil)

		Convey("Then every comment has a reward", func() {
			So(ledger["dave"].Comments[0].Score.Reward.IsPositive(), ShouldBeTrue)
			So(ledger["dave"].Comments[0].Score.Words.WordCount, ShouldEqual, 5)
		})

		Convey("Then the specification is scaled by authorship", func() {
			So(ledger["carol"].Comments[0].Score.Authorship, ShouldAlmostEqual, 0.455, 1e-9)
		})
	})

	Convey("A formatting module without scorer is disabled", t, func() {
		So(modules.NewFormatting(nil).Enabled(), ShouldBeFalse)
	})
}

type fakeEvaluator struct {
	scores map[int64]float64
	err    error
	calls  atomic.Int32
}

func (f *fakeEvaluator) Evaluate(_ context.Context, _ string, comments []model.ScoredComment) (map[int64]float64, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[int64]float64)
	for _, c := range comments {
		if v, ok := f.scores[c.ID]; ok {
			out[c.ID] = v
		}
	}
	return out, nil
}

func pricedLedger() model.Ledger {
	l := model.Ledger{}
	carol := l.Ensure("carol", 3, model.RoleContributor)
	carol.Comments = []model.ScoredComment{{ID: 100, Type: model.IssueSpecification, Score: model.CommentScore{Reward: money.FromInt(10)}}}
	dave := l.Ensure("dave", 4, model.RoleCollaborator)
	dave.Comments = []model.ScoredComment{
		{ID: 12, Type: model.IssueCollaborator, Score: model.CommentScore{Reward: money.FromInt(10)}},
		{ID: 18, Type: model.IssueCollaborator, Score: model.CommentScore{Reward: money.FromInt(10)}},
	}
	l.Recompute()
	return l
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func TestRelevance(t *testing.T) {
	Convey("Given scored comments and a priority 2 issue", t, func() {
		ctx := context.Background()
		activity := newActivity()
		eval := &fakeEvaluator{scores: map[int64]float64{12: 0.5, 100: 0}}

		Convey("When relevance is applied in batches of one", func() {
			ledger, err := modules.NewRelevance(eval, 1, fastPolicy()).Transform(ctx, activity, pricedLedger())
			So(err, ShouldBeNil)

			Convey("Then reward = reward × relevance × priority", func() {
				So(ledger["dave"].Comments[0].Score.Reward.String(), ShouldEqual, "10")
				So(ledger["dave"].Comments[0].Score.Relevance, ShouldEqual, 0.5)
				So(ledger["dave"].Comments[1].Score.Reward.String(), ShouldEqual, "20")
				So(eval.calls.Load(), ShouldEqual, 2)
			})

			Convey("Then the specification is not rated", func() {
				So(ledger["carol"].Comments[0].Score.Relevance, ShouldEqual, 1)
				So(ledger["carol"].Comments[0].Score.Reward.String(), ShouldEqual, "20")
			})
		})

		Convey("When the evaluator keeps failing", func() {
			eval.err = errors.New("rate limited")
			_, err := modules.NewRelevance(eval, 10, fastPolicy()).Transform(ctx, activity, pricedLedger())

			Convey("Then the run fails after retrying", func() {
				So(errors.Is(err, modules.ErrRelevance), ShouldBeTrue)
				So(eval.calls.Load(), ShouldEqual, 2)
			})
		})

		Convey("When no evaluator is configured", func() {
			ledger, err := modules.NewRelevance(nil, 0, fastPolicy()).Transform(ctx, activity, pricedLedger())
			So(err, ShouldBeNil)
			So(ledger["dave"].Comments[0].Score.Reward.String(), ShouldEqual, "20")
		})
	})
}

func fileDiff(name string, add, del int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n--- a/%s\n+++ b/%s\n@@ -1,%d +1,%d @@\n", name, name, name, name, del, add)
	for i := 0; i < del; i++ {
		fmt.Fprintf(&b, "-old %d\n", i)
	}
	for i := 0; i < add; i++ {
		fmt.Fprintf(&b, "+new %d\n", i)
	}
	return b.String()
}

type fakeFetcher struct {
	mu    sync.Mutex
	diffs map[string]string
	calls []string
}

func (f *fakeFetcher) CompareRaw(_ context.Context, _, _, base, head string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := base + ".." + head
	f.calls = append(f.calls, key)
	d, ok := f.diffs[key]
	if !ok {
		return nil, errors.New("unknown range " + key)
	}
	return []byte(d), nil
}

func linkedPR() model.LinkedPullRequest {
	return model.LinkedPullRequest{
		Owner: "o", Repo: "r", Number: 2,
		URL:            "https://github.com/o/r/pull/2",
		Author:         user(1, "alice"),
		Merged:         true,
		FirstParentSHA: "p0",
		HeadSHA:        "h1",
		Reviews: []model.Review{
			{ID: 1, Reviewer: user(4, "dave"), State: model.ReviewCommented, CommitID: "c1", SubmittedAt: closedAt.Add(-3 * time.Hour)},
			{ID: 2, Reviewer: user(4, "dave"), State: model.ReviewApproved, CommitID: "c2", SubmittedAt: closedAt.Add(-2 * time.Hour)},
			{ID: 3, Reviewer: user(5, "erin"), State: model.ReviewCommented, CommitID: "c1", SubmittedAt: closedAt.Add(-time.Hour)},
			{ID: 4, Reviewer: user(1, "alice"), State: model.ReviewCommented, CommitID: "c2", SubmittedAt: closedAt},
		},
	}
}

func TestReviewIncentives(t *testing.T) {
	Convey("Given a linked pull request with two reviewers", t, func() {
		ctx := context.Background()
		activity := newActivity()
		activity.LinkedPullRequests = []model.LinkedPullRequest{linkedPR()}
		fetcher := &fakeFetcher{diffs: map[string]string{
			"p0..c1": fileDiff("main.go", 30, 20) + fileDiff("go.sum", 100, 0),
			"c1..c2": fileDiff("main.go", 10, 0),
		}}
		calc := reviewdiff.NewCalculator(reviewdiff.WithExcludedPatterns("**/go.sum", "go.sum"))
		m := modules.NewReviewIncentives(calc, fetcher, money.FromInt(5))

		ledger, err := m.Transform(ctx, activity, model.Ledger{})
		So(err, ShouldBeNil)

		Convey("Then each reviewer is priced along their own chain", func() {
			dave := ledger["dave"].ReviewRewards
			So(dave, ShouldHaveLength, 1)
			So(dave[0].Reviews, ShouldHaveLength, 2)
			So(dave[0].Reviews[0].Effect, ShouldResemble, model.ReviewEffect{Addition: 30, Deletion: 20})
			So(dave[0].Reviews[0].Reward.String(), ShouldEqual, "1")
			So(dave[0].Reviews[1].Reward.String(), ShouldEqual, "0.2")
		})

		Convey("Then the conclusive credit is paid once", func() {
			So(ledger["dave"].ReviewRewards[0].ReviewBaseReward.String(), ShouldEqual, "5")
			So(ledger["erin"].ReviewRewards[0].ReviewBaseReward.IsZero(), ShouldBeTrue)
		})

		Convey("Then the author's own review is ignored", func() {
			_, ok := ledger["alice"]
			So(ok, ShouldBeFalse)
		})
	})

	Convey("Given a reviewer who approved two linked pull requests", t, func() {
		second := linkedPR()
		second.Number, second.URL = 3, "https://github.com/o/r/pull/3"
		activity := newActivity()
		activity.LinkedPullRequests = []model.LinkedPullRequest{linkedPR(), second}
		fetcher := &fakeFetcher{diffs: map[string]string{
			"p0..c1": fileDiff("main.go", 30, 20),
			"c1..c2": fileDiff("main.go", 10, 0),
		}}
		m := modules.NewReviewIncentives(reviewdiff.NewCalculator(), fetcher, money.FromInt(5))

		ledger, err := m.Transform(context.Background(), activity, model.Ledger{})
		So(err, ShouldBeNil)

		Convey("Then the conclusive credit is paid only on the first", func() {
			groups := ledger["dave"].ReviewRewards
			So(groups, ShouldHaveLength, 2)
			So(groups[0].ReviewBaseReward.String(), ShouldEqual, "5")
			So(groups[1].ReviewBaseReward.IsZero(), ShouldBeTrue)
			So(groups[1].Reviews, ShouldHaveLength, 2)
		})
	})

	Convey("Given no linked pull requests", t, func() {
		m := modules.NewReviewIncentives(reviewdiff.NewCalculator(), &fakeFetcher{}, money.Zero)
		ledger, err := m.Transform(context.Background(), newActivity(), model.Ledger{})
		So(err, ShouldBeNil)
		So(ledger, ShouldBeEmpty)
	})
}

func TestSimplificationIncentives(t *testing.T) {
	Convey("Given a merged pull request that removed code", t, func() {
		ctx := context.Background()
		activity := newActivity()
		activity.Self.Labels = nil
		activity.LinkedPullRequests = []model.LinkedPullRequest{linkedPR()}
		fetcher := &fakeFetcher{diffs: map[string]string{
			"p0..h1": fileDiff("main.go", 5, 40) + fileDiff("docs/guide.md", 0, 100),
		}}
		calc := reviewdiff.NewCalculator(reviewdiff.WithExcludedPatterns("docs/**"))
		m := modules.NewSimplificationIncentives(calc, fetcher, money.FromFloat(0.1))

		ledger, err := m.Transform(ctx, activity, model.Ledger{})
		So(err, ShouldBeNil)

		Convey("Then the author is paid per removed line outside excluded files", func() {
			s := ledger["alice"].Simplification
			So(s.Deletions, ShouldEqual, 40)
			So(s.Reward.String(), ShouldEqual, "4")
			So(s.URLs, ShouldResemble, []string{"https://github.com/o/r/pull/2"})
		})
	})

	Convey("A zero rate disables the module", t, func() {
		m := modules.NewSimplificationIncentives(reviewdiff.NewCalculator(), &fakeFetcher{}, money.Zero)
		So(m.Enabled(), ShouldBeFalse)
	})
}

func TestEventIncentives(t *testing.T) {
	Convey("Given timeline events and reactions", t, func() {
		ctx := context.Background()
		activity := newActivity()
		activity.Events = []model.IssueEvent{
			{Event: "labeled", Actor: user(4, "dave")},
			{Event: "labeled", Actor: user(4, "dave")},
			{Event: "closed", Actor: user(3, "carol")},
			{Event: "labeled", Actor: model.User{Login: "ci[bot]", Type: model.UserTypeBot}},
		}
		activity.Comments[0].Reactions = []model.Reaction{
			{User: user(5, "erin"), Content: "HEART"},
			{User: user(1, "alice"), Content: "heart"},
		}
		m := modules.NewEventIncentives(map[string]money.Amount{
			"labeled":        money.FromInt(1),
			"reaction.heart": money.FromFloat(0.5),
		})

		ledger, err := m.Transform(ctx, activity, model.Ledger{})
		So(err, ShouldBeNil)

		Convey("Then configured events are counted and priced", func() {
			So(ledger["dave"].Events["labeled"].Count, ShouldEqual, 2)
			So(ledger["dave"].Events["labeled"].Reward.String(), ShouldEqual, "2")
			So(ledger["erin"].Events["reaction.heart"].Reward.String(), ShouldEqual, "0.5")
		})

		Convey("Then unconfigured events, bots and self reactions are ignored", func() {
			_, carol := ledger["carol"]
			_, bot := ledger["ci[bot]"]
			_, alice := ledger["alice"]
			So(carol, ShouldBeFalse)
			So(bot, ShouldBeFalse)
			So(alice, ShouldBeFalse)
		})
	})
}

func TestExcludedLogins(t *testing.T) {
	Convey("Given excluded logins who label, review and simplify", t, func() {
		ctx := context.Background()
		activity := newActivity()
		activity.Events = []model.IssueEvent{{Event: "labeled", Actor: user(4, "dave")}}
		activity.LinkedPullRequests = []model.LinkedPullRequest{linkedPR()}
		fetcher := &fakeFetcher{diffs: map[string]string{
			"p0..c1": fileDiff("main.go", 30, 20),
			"c1..c2": fileDiff("main.go", 10, 0),
			"p0..h1": fileDiff("main.go", 5, 40),
		}}
		calc := reviewdiff.NewCalculator()
		excluded := []string{"Dave", "alice"}
		skip := modules.WithExcludedLogins(excluded...)

		processor := pipeline.NewProcessor(pipeline.WithModules(
			modules.NewExtractor(),
			modules.NewPurge(excluded),
			modules.NewReviewIncentives(calc, fetcher, money.FromInt(5), skip),
			modules.NewSimplificationIncentives(calc, fetcher, money.FromFloat(0.1), skip),
			modules.NewEventIncentives(map[string]money.Amount{"labeled": money.FromInt(5)}, skip),
		))

		ledger, err := processor.Run(ctx, activity)
		So(err, ShouldBeNil)

		Convey("Then later steps do not bring them back", func() {
			_, dave := ledger["dave"]
			_, alice := ledger["alice"]
			So(dave, ShouldBeFalse)
			So(alice, ShouldBeFalse)
		})

		Convey("Then everyone else is still paid", func() {
			So(ledger["erin"].ReviewRewards, ShouldHaveLength, 1)
			So(ledger["bob"].Task, ShouldNotBeNil)
		})
	})
}

func TestSettlementModule(t *testing.T) {
	Convey("Given an engine that cannot sign", t, func() {
		store := repository.NewMemoryStore()
		store.SetWallet(4, "0x4444444444444444444444444444444444444444")
		engine := settlement.NewEngine(store, settlement.WithTokenGroups(settlement.TokenGroup{
			Name:  "default",
			Roles: []model.CommentRole{model.RoleCollaborator, model.RoleContributor},
		}))
		activity := newActivity()
		activity.Self.Author = model.User{Login: "carol"}
		activity.Events = []model.IssueEvent{{Event: "labeled", Label: "Price: 100 USD", Actor: user(4, "dave")}}

		_, err := modules.NewSettlement(engine).Transform(context.Background(), activity, pricedLedger())

		Convey("Then the failure aborts the run", func() {
			So(errors.Is(err, modules.ErrSettlementFailed), ShouldBeTrue)
			So(errors.Is(err, settlement.ErrNoSigner), ShouldBeTrue)
		})
	})

	Convey("Given an ineligible closer", t, func() {
		engine := settlement.NewEngine(repository.NewMemoryStore())
		activity := newActivity()
		activity.Self.ClosedBy = &model.User{Login: "mallory"}
		m := modules.NewSettlement(engine)
		So(m.Outcome().Kind, ShouldEqual, settlement.OutcomeKind(0))
		ledger, err := m.Transform(context.Background(), activity, pricedLedger())

		Convey("Then the ledger passes through unpaid", func() {
			So(err, ShouldBeNil)
			So(ledger["dave"].PermitURL, ShouldBeEmpty)
		})

		Convey("Then the skip and its reason are kept for the caller", func() {
			So(m.Outcome().Kind, ShouldEqual, settlement.Skipped)
			So(m.Outcome().Reason, ShouldEqual, settlement.ReasonIneligible)
		})
	})
}

type captureSink struct {
	bodies []string
}

func (s *captureSink) Post(_ context.Context, _ model.IssueRef, body string) error {
	s.bodies = append(s.bodies, body)
	return nil
}

func TestPresentation(t *testing.T) {
	Convey("Given a settled ledger", t, func() {
		ledger := pricedLedger()
		ledger["dave"].PayoutMode = model.PayoutPermit
		ledger["dave"].PermitURL = "https://pay.test?claim=abc"
		ledger["dave"].Comments[0].Content = strings.Repeat("long words ", 20)

		Convey("When posting the summary", func() {
			sink := &captureSink{}
			_, err := modules.NewPresentation(sink, "run-1", "WXDAI").Transform(context.Background(), newActivity(), ledger)
			So(err, ShouldBeNil)
			So(sink.bodies, ShouldHaveLength, 1)
			body := sink.bodies[0]

			Convey("Then it links the permit and embeds the payout modes", func() {
				So(body, ShouldContainSubstring, "### @dave: [20.00 WXDAI](https://pay.test?claim=abc)")
				So(body, ShouldContainSubstring, "Conversation Incentives")
				meta, ok := model.ExtractMetadata(body)
				So(ok, ShouldBeTrue)
				So(meta.RunID, ShouldEqual, "run-1")
				So(meta.PayoutModes["dave"], ShouldEqual, model.PayoutPermit)
				So(meta.Mode(), ShouldEqual, model.PayoutPermit)
			})
		})

		Convey("When the summary is too long", func() {
			full, _ := modules.RenderSummary(ledger, "run-1", "", modules.MaxCommentLength)
			limit := len(full) - 10
			body, err := modules.RenderSummary(ledger, "run-1", "", limit)

			Convey("Then detail tables are dropped first", func() {
				So(err, ShouldBeNil)
				So(len(body), ShouldBeLessThanOrEqualTo, limit)
				So(body, ShouldNotContainSubstring, "Conversation Incentives")
				So(body, ShouldContainSubstring, "### @dave")
			})

			Convey("Then a tiny limit still keeps the metadata", func() {
				body, _ := modules.RenderSummary(ledger, "run-1", "", 300)
				So(len(body), ShouldBeLessThanOrEqualTo, 300)
				_, ok := model.ExtractMetadata(body)
				So(ok, ShouldBeTrue)
			})
		})
	})

	Convey("A presentation module without sink is disabled", t, func() {
		So(modules.NewPresentation(nil, "", "").Enabled(), ShouldBeFalse)
	})
}
