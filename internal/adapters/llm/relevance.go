// Package llm rates comment relevance with a chat completion model.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/pkg/logger"
	"github.com/sashabaranov/go-openai"
)

const (
	defaultModel = "gpt-4o-mini"

	systemPrompt = `You rate how relevant each comment is to the specification of a software task.
Reply with a JSON object mapping every comment id to a number between 0 and 1.
1 means the comment directly moves the task forward, 0 means it is unrelated.`
)

// ErrMalformedReply is returned when the model does not answer with the
// expected JSON object.
var ErrMalformedReply = errors.New("malformed relevance reply")

// Option applies a configuration option to the Evaluator.
type Option func(*Evaluator)

// WithModel sets the chat model.
func WithModel(name string) Option {
	return func(e *Evaluator) {
		if name != "" {
			e.model = name
		}
	}
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(u string) Option {
	return func(e *Evaluator) {
		if u != "" {
			e.baseURL = u
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Evaluator) {
		if l != nil {
			e.log = l
		}
	}
}

// Evaluator implements modules.RelevanceEvaluator.
type Evaluator struct {
	client  *openai.Client
	model   string
	baseURL string
	log     logger.Logger
}

// NewEvaluator creates an evaluator authenticated with apiKey.
func NewEvaluator(apiKey string, opts ...Option) *Evaluator {
	e := &Evaluator{model: defaultModel, log: logger.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	cfg := openai.DefaultConfig(apiKey)
	if e.baseURL != "" {
		cfg.BaseURL = e.baseURL
	}
	e.client = openai.NewClientWithConfig(cfg)
	return e
}

type promptComment struct {
	ID      int64  `json:"id"`
	Comment string `json:"comment"`
}

// Evaluate asks the model to rate comments against specification.
func (e *Evaluator) Evaluate(ctx context.Context, specification string, comments []model.ScoredComment) (map[int64]float64, error) {
	if len(comments) == 0 {
		return map[int64]float64{}, nil
	}
	items := make([]promptComment, len(comments))
	for i, c := range comments {
		items[i] = promptComment{ID: c.ID, Comment: c.Content}
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode comments: %w", err)
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: "Specification:\n" + specification + "\n\nComments:\n" + string(payload)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformedReply)
	}
	e.log.Debug(ctx, "relevance rated",
		logger.Int("comments", len(comments)),
		logger.String("finish_reason", string(resp.Choices[0].FinishReason)))
	return ParseReply(resp.Choices[0].Message.Content)
}

// ParseReply reads a {"<id>": score} object. Fenced replies are accepted.
func ParseReply(content string) (map[int64]float64, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var raw map[string]float64
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}
	out := make(map[int64]float64, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: id %q", ErrMalformedReply, k)
		}
		out[id] = v
	}
	return out, nil
}
