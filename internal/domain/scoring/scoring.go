// Package scoring prices a single comment from its rendered markup, its word
// count and its readability.
package scoring

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/domain/money"
	"github.com/okian/textrewards/pkg/logger"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"golang.org/x/net/html"
)

// Default scoring configuration constants.
const (
	DefaultWordExponent      = 0.85
	DefaultReadabilityWeight = 1.0
	DefaultTargetReadability = 60.0
)

// Option applies a configuration option to the Scorer.
type Option func(*Scorer)

// WithRules replaces the rules for one comment type.
func WithRules(ct model.CommentType, rules RoleRules) Option {
	return func(s *Scorer) {
		if !ct.Valid() {
			return
		}
		if rules.Tags == nil {
			rules.Tags = DefaultTags()
		}
		s.rules[ct] = rules
	}
}

// WithWordExponent sets the exponent of the word curve.
func WithWordExponent(exp float64) Option {
	return func(s *Scorer) {
		if exp > 0 {
			s.wordExponent = exp
		}
	}
}

// WithReadability sets the readability weight and the target reading ease.
func WithReadability(weight, target float64) Option {
	return func(s *Scorer) {
		if weight >= 0 {
			s.readabilityWeight = weight
		}
		if target > 0 {
			s.targetReadability = target
		}
	}
}

// WithLogger sets the logger used for modeling warnings.
func WithLogger(l logger.Logger) Option {
	return func(s *Scorer) {
		if l != nil {
			s.log = l
		}
	}
}

// Scorer computes comment scores. It is safe for concurrent use once built.
type Scorer struct {
	rules             map[model.CommentType]RoleRules
	wordExponent      float64
	readabilityWeight float64
	targetReadability float64
	md                goldmark.Markdown
	log               logger.Logger
}

// NewScorer creates a scorer with the default rules and the given options.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{
		rules:             DefaultRules(),
		wordExponent:      DefaultWordExponent,
		readabilityWeight: DefaultReadabilityWeight,
		targetReadability: DefaultTargetReadability,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
		),
		log: logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score prices body as a comment of type ct. The authorship fraction only
// applies to specification comments.
func (s *Scorer) Score(ctx context.Context, ct model.CommentType, body string, authorship float64) (model.CommentScore, error) {
	rules, ok := s.rules[ct]
	if !ok {
		return model.CommentScore{}, fmt.Errorf("%w: %s", ErrNoRules, ct)
	}

	doc, err := s.render(body)
	if err != nil {
		return model.CommentScore{}, err
	}

	t := &tally{
		rules:   rules.Tags,
		content: make(map[string]model.TagScore),
		anchors: make(map[string]struct{}),
	}
	t.walk(doc, true)
	for _, tag := range t.unknown {
		s.log.Warn(ctx, "unsupported tag stripped",
			logger.String("tag", tag),
			logger.Stringer("comment_type", ct))
	}

	formatting := &model.FormattingScore{Content: t.content}
	for _, ts := range t.content {
		formatting.Result += ts.Score
	}

	text := t.text.String()
	wordCount := len(splitWords(text))
	words := &model.WordScore{
		WordCount: wordCount,
		WordValue: rules.WordValue,
		Result:    WordScore(wordCount, s.wordExponent, rules.WordValue),
	}
	readability := Readability(text, s.targetReadability)

	if !ct.IsSpecification() {
		authorship = 1
	}

	raw := (formatting.Result + words.Result) *
		(1 + s.readabilityWeight*readability.Score) *
		rules.Multiplier *
		authorship

	return model.CommentScore{
		Formatting:  formatting,
		Words:       words,
		Readability: &readability,
		Relevance:   1,
		Multiplier:  rules.Multiplier,
		Priority:    1,
		Authorship:  authorship,
		Reward:      money.FromFloat(raw),
	}, nil
}

func (s *Scorer) render(body string) (*html.Node, error) {
	var buf bytes.Buffer
	if err := s.md.Convert([]byte(body), &buf); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	doc, err := html.Parse(&buf)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

type tally struct {
	rules   map[string]TagRule
	content map[string]model.TagScore
	anchors map[string]struct{}
	unknown []string
	text    strings.Builder
}

func (t *tally) walk(n *html.Node, countWords bool) {
	switch n.Type {
	case html.TextNode:
		if countWords {
			t.text.WriteString(n.Data)
			t.text.WriteByte(' ')
		}
		return
	case html.ElementNode:
		if _, ok := structural[n.Data]; ok {
			break
		}
		rule, ok := t.rules[n.Data]
		if !ok {
			t.unknown = append(t.unknown, n.Data)
			return
		}
		if n.Data == "a" && !t.firstAnchor(n) {
			return
		}
		ts := t.content[n.Data]
		ts.ElementCount++
		ts.Score += rule.Score
		t.content[n.Data] = ts
		countWords = countWords && rule.CountWords
	case html.DocumentNode:
	default:
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		t.walk(c, countWords)
	}
}

// firstAnchor records the anchor's base URL and reports whether it is new.
func (t *tally) firstAnchor(n *html.Node) bool {
	var href string
	for _, a := range n.Attr {
		if a.Key == "href" {
			href = a.Val
		}
	}
	key := baseURL(href)
	if key == "" {
		return true
	}
	if _, seen := t.anchors[key]; seen {
		return false
	}
	t.anchors[key] = struct{}{}
	return true
}

func baseURL(href string) string {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
