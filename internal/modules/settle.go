package modules

import (
	"context"
	"fmt"

	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/settlement"
)

// Settlement pays out the ledger through the settlement engine. A module
// serves one run and remembers that run's outcome.
type Settlement struct {
	base
	engine  *settlement.Engine
	outcome settlement.Outcome
}

// NewSettlement creates the settlement module.
func NewSettlement(engine *settlement.Engine, opts ...Option) *Settlement {
	m := &Settlement{base: newBase(NameSettlement, opts), engine: engine}
	if engine == nil {
		m.enabled = false
	}
	return m
}

// Transform implements pipeline.Module. A failed settlement aborts the run.
func (m *Settlement) Transform(ctx context.Context, activity *model.Activity, ledger model.Ledger) (model.Ledger, error) {
	out, outcome := m.engine.Settle(ctx, activity, ledger)
	m.outcome = outcome
	if outcome.Kind == settlement.Failed {
		return nil, fmt.Errorf("%w: %w", ErrSettlementFailed, outcome.Err)
	}
	return out, nil
}

// Outcome returns the result of the last Transform. Its Kind is zero when
// settlement did not run.
func (m *Settlement) Outcome() settlement.Outcome {
	return m.outcome
}
