package repository

import "github.com/okian/textrewards/pkg/retry"

// Option applies a configuration option to a store.
type Option func(*options)

type options struct {
	policy       retry.Policy
	rpcDisabled  bool
	beforeUpdate func(id int64)
}

func applyOptions(opts []Option) options {
	o := options{policy: retry.DefaultPolicy()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithRetryPolicy sets the retry policy for reads.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithoutUpsertRPC makes the memory store behave like a database where the
// upsert function was never installed.
func WithoutUpsertRPC() Option {
	return func(o *options) {
		o.rpcDisabled = true
	}
}

// WithBeforeConditionalUpdate runs fn inside the memory store just before a
// conditional permit update is evaluated, letting callers simulate a
// concurrent writer.
func WithBeforeConditionalUpdate(fn func(id int64)) Option {
	return func(o *options) {
		o.beforeUpdate = fn
	}
}
