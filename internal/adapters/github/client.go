// Package github reads issue activity from GitHub and writes summaries back.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gh "github.com/google/go-github/v66/github"
	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/pkg/logger"
	"github.com/okian/textrewards/pkg/retry"
	"golang.org/x/time/rate"
)

const (
	service = "github"

	defaultRequestsPerSecond = 10
	defaultBurst             = 5
	defaultPerPage           = 100
	defaultReactionFanOut    = 8
)

// Option applies a configuration option to the Client.
type Option func(*Client)

// WithRateLimit caps outgoing requests.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithRetryPolicy sets the retry policy for reads.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithBaseURL points the client at another API root, such as a GitHub
// Enterprise server or a test server.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.httpClient = h
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// Client talks to the GitHub REST and GraphQL APIs. It implements
// modules.ActivitySource, modules.CommentSink, settlement.AdminChecker and
// reviewdiff.DiffFetcher.
type Client struct {
	gh         *gh.Client
	limiter    *rate.Limiter
	policy     retry.Policy
	baseURL    string
	httpClient *http.Client
	log        logger.Logger
}

// New creates a client authenticated with token.
func New(token string, opts ...Option) (*Client, error) {
	c := &Client{
		limiter: rate.NewLimiter(defaultRequestsPerSecond, defaultBurst),
		policy:  retry.DefaultPolicy(),
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.gh = gh.NewClient(c.httpClient)
	if token != "" {
		c.gh = c.gh.WithAuthToken(token)
	}
	if c.baseURL != "" {
		u, err := url.Parse(strings.TrimRight(c.baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		c.gh.BaseURL = u
	}
	return c, nil
}

// do waits for the rate limiter and retries transient failures of op.
func do[T any](ctx context.Context, c *Client, op func() (T, *gh.Response, error)) (T, error) {
	return retry.Do(ctx, c.policy, service, func() (T, error) {
		var zero T
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, retry.Permanent(err)
		}
		v, _, err := op()
		if err != nil {
			if permanent(err) {
				return zero, retry.Permanent(err)
			}
			return zero, err
		}
		return v, nil
	})
}

type page[T any] struct {
	items []T
	next  int
}

// paginate collects every page of a list call.
func paginate[T any](ctx context.Context, c *Client, list func(gh.ListOptions) ([]T, *gh.Response, error)) ([]T, error) {
	var out []T
	opts := gh.ListOptions{PerPage: defaultPerPage}
	for {
		p, err := do(ctx, c, func() (page[T], *gh.Response, error) {
			items, resp, err := list(opts)
			if err != nil {
				return page[T]{}, resp, err
			}
			return page[T]{items: items, next: resp.NextPage}, resp, nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, p.items...)
		if p.next == 0 {
			return out, nil
		}
		opts.Page = p.next
	}
}

// permanent reports whether retrying err cannot help.
func permanent(err error) bool {
	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return false
	}
	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		code := respErr.Response.StatusCode
		return code >= 400 && code < 500 && code != http.StatusTooManyRequests
	}
	return false
}

func toUser(u *gh.User) model.User {
	if u == nil {
		return model.User{}
	}
	return model.User{ID: u.GetID(), Login: u.GetLogin(), Type: u.GetType()}
}

func toUserPtr(u *gh.User) *model.User {
	if u == nil {
		return nil
	}
	mu := toUser(u)
	return &mu
}
