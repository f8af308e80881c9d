// Package pipeline runs an ordered chain of modules over one reward ledger.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/pkg/logger"
	"github.com/okian/textrewards/pkg/metrics"
)

// Module is one step of a run. Enabled is read once when the processor is
// built. Transform receives the ledger produced by the previous module.
type Module interface {
	Name() string
	Enabled() bool
	Transform(ctx context.Context, activity *model.Activity, ledger model.Ledger) (model.Ledger, error)
}

// Option applies a configuration option to the Processor.
type Option func(*Processor)

// WithModules appends modules in execution order.
func WithModules(modules ...Module) Option {
	return func(p *Processor) {
		p.candidates = append(p.candidates, modules...)
	}
}

// WithLogger sets the processor logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// Processor executes modules strictly in sequence.
type Processor struct {
	candidates []Module
	modules    []Module
	log        logger.Logger
}

// NewProcessor builds a processor, dropping modules that report themselves
// disabled.
func NewProcessor(opts ...Option) *Processor {
	p := &Processor{log: logger.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	for _, m := range p.candidates {
		if m == nil {
			continue
		}
		if !m.Enabled() {
			p.log.Info(context.Background(), "module disabled", logger.String("module", m.Name()))
			continue
		}
		p.modules = append(p.modules, m)
	}
	p.candidates = nil
	return p
}

// Modules returns the names of the enabled modules in execution order.
func (p *Processor) Modules() []string {
	out := make([]string, len(p.modules))
	for i, m := range p.modules {
		out[i] = m.Name()
	}
	return out
}

// Run executes every enabled module. On failure no ledger is returned.
func (p *Processor) Run(ctx context.Context, activity *model.Activity) (model.Ledger, error) {
	if activity == nil {
		return nil, ErrNoActivity
	}
	ledger := model.Ledger{}
	for _, m := range p.modules {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrModuleFailed, m.Name(), err)
		}

		start := time.Now()
		next, err := m.Transform(ctx, activity, ledger)
		elapsed := time.Since(start)
		metrics.RecordModuleDuration(m.Name(), float64(elapsed.Milliseconds()))
		if err != nil {
			metrics.RecordModuleError(m.Name())
			p.log.Error(ctx, "module failed",
				logger.String("module", m.Name()),
				logger.Error(err))
			return nil, fmt.Errorf("%w: %s: %w", ErrModuleFailed, m.Name(), err)
		}
		if next != nil {
			ledger = next
		}
		ledger.Recompute()

		p.log.Debug(ctx, "module completed",
			logger.String("module", m.Name()),
			logger.Int("participants", len(ledger)),
			logger.Any("duration", elapsed))
	}
	return ledger, nil
}
