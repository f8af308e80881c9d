package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/okian/textrewards/internal/adapters/llm"
	"github.com/okian/textrewards/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestParseReply(t *testing.T) {
	Convey("Given model replies", t, func() {
		Convey("A plain object is parsed", func() {
			got, err := llm.ParseReply(`{"12": 0.8, "13": 0}`)
			So(err, ShouldBeNil)
			So(got, ShouldResemble, map[int64]float64{12: 0.8, 13: 0})
		})

		Convey("A fenced object is parsed", func() {
			got, err := llm.ParseReply("```json\n{\"7\": 1}\n```")
			So(err, ShouldBeNil)
			So(got[7], ShouldEqual, 1)
		})

		Convey("Prose is rejected", func() {
			_, err := llm.ParseReply("I think they are relevant")
			So(errors.Is(err, llm.ErrMalformedReply), ShouldBeTrue)
		})

		Convey("Non-numeric ids are rejected", func() {
			_, err := llm.ParseReply(`{"abc": 1}`)
			So(errors.Is(err, llm.ErrMalformedReply), ShouldBeTrue)
		})
	})
}

func TestEvaluator(t *testing.T) {
	Convey("Given an OpenAI-compatible endpoint", t, func() {
		var prompt string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Messages []struct {
					Content string `json:"content"`
				} `json:"messages"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			prompt = req.Messages[len(req.Messages)-1].Content
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"5\": 0.25}"}}]}`))
		}))
		defer srv.Close()

		e := llm.NewEvaluator("test-key", llm.WithBaseURL(srv.URL+"/v1"))
		got, err := e.Evaluate(context.Background(), "Build a parser", []model.ScoredComment{{ID: 5, Content: "Parser done"}})

		Convey("Then the scores come back keyed by comment id", func() {
			So(err, ShouldBeNil)
			So(got[5], ShouldEqual, 0.25)
			So(strings.Contains(prompt, "Build a parser"), ShouldBeTrue)
			So(strings.Contains(prompt, "Parser done"), ShouldBeTrue)
		})
	})
}
