package github_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/textrewards/internal/adapters/github"
	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/pkg/retry"
	. "github.com/smartystreets/goconvey/convey"
)

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

type fixture struct {
	srv      *httptest.Server
	client   *github.Client
	posted   []string
	notFound atomic.Int32
	timeline atomic.Int32
}

func newFixture() *fixture {
	f := &fixture{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/o/r/issues/1", jsonHandler(`{
		"id": 100, "node_id": "I_1", "number": 1, "title": "Parser", "body": "Build it",
		"html_url": "https://github.com/o/r/issues/1", "state": "closed", "state_reason": "completed",
		"user": {"id": 3, "login": "carol", "type": "User"},
		"assignees": [{"id": 1, "login": "alice", "type": "User"}],
		"labels": [{"name": "Price: 50 USD"}],
		"closed_by": {"id": 3, "login": "carol", "type": "User"},
		"closed_at": "2024-05-01T12:00:00Z"
	}`))
	mux.HandleFunc("GET /repos/o/r", jsonHandler(`{"id": 20, "name": "r"}`))
	mux.HandleFunc("GET /repos/o/r/issues/1/comments", jsonHandler(`[
		{"id": 11, "body": "On it", "html_url": "https://github.com/o/r/issues/1#c11",
		 "user": {"id": 1, "login": "alice", "type": "User"}, "author_association": "NONE",
		 "created_at": "2024-04-30T12:00:00Z"}
	]`))
	mux.HandleFunc("GET /repos/o/r/issues/1/events", jsonHandler(`[
		{"id": 5, "event": "labeled", "actor": {"id": 4, "login": "dave"}, "label": {"name": "Price: 50 USD"}}
	]`))
	mux.HandleFunc("GET /repos/o/r/pulls/2", jsonHandler(`{
		"number": 2, "html_url": "https://github.com/o/r/pull/2", "merged": true,
		"user": {"id": 1, "login": "alice"}, "head": {"sha": "h1"}, "base": {"sha": "b0"}
	}`))
	mux.HandleFunc("GET /repos/o/r/pulls/2/commits", jsonHandler(`[{"sha": "c1", "parents": [{"sha": "p0"}]}]`))
	mux.HandleFunc("GET /repos/o/r/pulls/2/reviews", jsonHandler(`[
		{"id": 9, "user": {"id": 4, "login": "dave"}, "state": "APPROVED", "commit_id": "c1",
		 "submitted_at": "2024-04-30T13:00:00Z"}
	]`))
	mux.HandleFunc("GET /repos/o/r/issues/2/comments", jsonHandler(`[
		{"id": 21, "body": "Ready", "user": {"id": 1, "login": "alice"}, "author_association": "NONE"}
	]`))
	mux.HandleFunc("GET /repos/o/r/issues/comments/11/reactions", jsonHandler(`[
		{"user": {"id": 4, "login": "dave"}, "content": "heart"}
	]`))
	mux.HandleFunc("GET /repos/o/r/issues/comments/21/reactions", jsonHandler(`[]`))
	mux.HandleFunc("POST /graphql", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if strings.Contains(req.Query, "closedByPullRequestsReferences") {
			jsonHandler(`{"data": {"node": {"closedByPullRequestsReferences": {"nodes": [
				{"number": 2, "repository": {"name": "r", "owner": {"login": "o"}}},
				{"number": 2, "repository": {"name": "r", "owner": {"login": "o"}}}
			]}}}}`)(w, r)
			return
		}
		jsonHandler(`{"data": {"node": {"userContentEdits": {"nodes": [
			{"editedAt": "2024-04-02T00:00:00Z", "diff": "Build it", "editor": {"login": "dave", "databaseId": 4}},
			{"editedAt": "2024-04-01T00:00:00Z", "diff": "Build", "editor": {"login": "carol", "databaseId": 3}}
		]}}}}`)(w, r)
	})
	mux.HandleFunc("GET /repos/o/r/issues/1/timeline", func(w http.ResponseWriter, r *http.Request) {
		f.timeline.Add(1)
		jsonHandler(`[{"event": "cross-referenced", "source": {"type": "issue", "issue": {
			"number": 3, "pull_request": {"url": "https://api.github.com/repos/o/r/pulls/3"}}}}]`)(w, r)
	})
	mux.HandleFunc("GET /repos/o/r/compare/p0...c1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "diff --git a/x b/x\n")
	})
	mux.HandleFunc("GET /repos/o/r/collaborators/{login}/permission", func(w http.ResponseWriter, r *http.Request) {
		perm := "write"
		if r.PathValue("login") == "boss" {
			perm = "admin"
		}
		jsonHandler(fmt.Sprintf(`{"permission": %q}`, perm))(w, r)
	})
	mux.HandleFunc("POST /repos/o/r/issues/1/comments", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Body string `json:"body"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.posted = append(f.posted, body.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id": 99}`)
	})
	mux.HandleFunc("GET /repos/o/missing/issues/1", func(w http.ResponseWriter, _ *http.Request) {
		f.notFound.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message": "Not Found"}`)
	})

	f.srv = httptest.NewServer(mux)
	f.client, _ = github.New("token",
		github.WithBaseURL(f.srv.URL),
		github.WithRetryPolicy(retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}),
		github.WithRateLimit(1000, 100),
	)
	return f
}

func TestCollect(t *testing.T) {
	Convey("Given a GitHub API with one closed issue", t, func() {
		f := newFixture()
		defer f.srv.Close()
		ctx := context.Background()

		activity, err := f.client.Collect(ctx, model.IssueRef{Owner: "o", Repo: "r", Number: 1})
		So(err, ShouldBeNil)

		Convey("Then the issue is mapped", func() {
			So(activity.Self.RepositoryID, ShouldEqual, 20)
			So(activity.Self.NodeID, ShouldEqual, "I_1")
			So(activity.Self.Labels, ShouldResemble, []string{"Price: 50 USD"})
			So(activity.Self.ClosedBy.Login, ShouldEqual, "carol")
			So(activity.Self.IsAssignee("alice"), ShouldBeTrue)
		})

		Convey("Then issue and pull request comments carry their kind and reactions", func() {
			So(activity.Comments, ShouldHaveLength, 2)
			So(activity.Comments[0].Kind, ShouldEqual, model.KindIssue)
			So(activity.Comments[0].Reactions, ShouldHaveLength, 1)
			So(activity.Comments[1].Kind, ShouldEqual, model.KindPull)
			So(activity.Comments[1].PullNumber, ShouldEqual, 2)
		})

		Convey("Then linked pull requests are deduplicated and use the first parent", func() {
			So(activity.LinkedPullRequests, ShouldHaveLength, 1)
			pr := activity.LinkedPullRequests[0]
			So(pr.Number, ShouldEqual, 2)
			So(pr.FirstParentSHA, ShouldEqual, "p0")
			So(pr.HeadSHA, ShouldEqual, "h1")
			So(pr.Reviews[0].State, ShouldEqual, model.ReviewApproved)
		})

		Convey("Then pull requests that only mention the issue are not linked", func() {
			So(f.timeline.Load(), ShouldEqual, 0)
			for _, pr := range activity.LinkedPullRequests {
				So(pr.Number, ShouldNotEqual, 3)
			}
		})

		Convey("Then the specification history is oldest first", func() {
			So(activity.SpecificationEdits, ShouldHaveLength, 2)
			So(activity.SpecificationEdits[0].Editor.Login, ShouldEqual, "carol")
			So(activity.SpecificationEdits[1].Body, ShouldEqual, "Build it")
		})

		Convey("Then the labeled event is kept", func() {
			So(activity.Events[0].Label, ShouldEqual, "Price: 50 USD")
			So(activity.Events[0].Actor.Login, ShouldEqual, "dave")
		})
	})

	Convey("Given a missing repository", t, func() {
		f := newFixture()
		defer f.srv.Close()
		_, err := f.client.Collect(context.Background(), model.IssueRef{Owner: "o", Repo: "missing", Number: 1})

		Convey("Then the client gives up without retrying", func() {
			So(err, ShouldNotBeNil)
			So(f.notFound.Load(), ShouldEqual, 1)
		})
	})
}

func TestWrites(t *testing.T) {
	Convey("Given the GitHub API", t, func() {
		f := newFixture()
		defer f.srv.Close()
		ctx := context.Background()

		Convey("Post creates one comment", func() {
			So(f.client.Post(ctx, model.IssueRef{Owner: "o", Repo: "r", Number: 1}, "summary"), ShouldBeNil)
			So(f.posted, ShouldResemble, []string{"summary"})
		})

		Convey("IsAdmin reads the permission level", func() {
			ok, err := f.client.IsAdmin(ctx, "o", "r", "boss")
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			ok, _ = f.client.IsAdmin(ctx, "o", "r", "carol")
			So(ok, ShouldBeFalse)
		})

		Convey("CompareRaw returns the unified diff", func() {
			raw, err := f.client.CompareRaw(ctx, "o", "r", "p0", "c1")
			So(err, ShouldBeNil)
			So(string(raw), ShouldStartWith, "diff --git")
		})
	})
}
