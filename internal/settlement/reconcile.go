package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/textrewards/internal/domain/money"
	"github.com/okian/textrewards/pkg/logger"
	"github.com/okian/textrewards/pkg/metrics"
)

// Reconciliation paths reported to metrics.
const (
	upsertRPC     = "rpc"
	upsertInsert  = "insert"
	upsertClaimed = "claimed"
	upsertKept    = "kept"
	upsertUpdated = "updated"
	upsertRace    = "race"
)

// UpsertPermit stores rec so the row for its key only ever keeps the
// largest amount and never changes once claimed.
func (e *Engine) UpsertPermit(ctx context.Context, rec PermitRecord) error {
	err := e.store.UpsertPermitMax(ctx, rec)
	if err == nil {
		metrics.RecordPermitUpsert(upsertRPC)
		return nil
	}
	if !rpcUnavailable(err) {
		return fmt.Errorf("upsert permit: %w", err)
	}
	e.log.Debug(ctx, "upsert rpc unavailable, using fallback", logger.Error(err))

	_, err = e.store.InsertPermit(ctx, rec)
	switch {
	case err == nil:
		metrics.RecordPermitUpsert(upsertInsert)
		return nil
	case !errors.Is(err, ErrUniqueViolation):
		return fmt.Errorf("insert permit: %w", err)
	}

	existing, err := e.store.PermitByKey(ctx, rec.Key())
	if err != nil {
		return fmt.Errorf("load existing permit: %w", err)
	}
	return e.reconcile(ctx, existing, rec, true)
}

// reconcile raises existing to rec's amount. A lost race reloads once; a
// second loss is left to the concurrent writer.
func (e *Engine) reconcile(ctx context.Context, existing, rec PermitRecord, retry bool) error {
	if existing.Claimed() {
		metrics.RecordPermitUpsert(upsertClaimed)
		return nil
	}
	keep, err := amountAtLeast(existing.Amount, rec.Amount)
	if err != nil {
		return err
	}
	if keep {
		metrics.RecordPermitUpsert(upsertKept)
		return nil
	}

	updated, err := e.store.UpdatePermitIfUnchanged(ctx, existing.ID, existing.Amount, rec)
	if err != nil {
		return fmt.Errorf("update permit: %w", err)
	}
	if updated {
		metrics.RecordPermitUpsert(upsertUpdated)
		return nil
	}

	if !retry {
		metrics.RecordPermitUpsert(upsertRace)
		e.log.Warn(ctx, "permit changed concurrently twice, leaving it to the other writer",
			logger.Int64("permit_id", existing.ID),
			logger.String("nonce", rec.Nonce))
		return nil
	}
	reloaded, err := e.store.PermitByKey(ctx, rec.Key())
	if err != nil {
		return fmt.Errorf("reload permit: %w", err)
	}
	return e.reconcile(ctx, reloaded, rec, false)
}

func amountAtLeast(existing, incoming string) (bool, error) {
	a, err := money.ParseWei(existing)
	if err != nil {
		return false, err
	}
	b, err := money.ParseWei(incoming)
	if err != nil {
		return false, err
	}
	return a.Cmp(b) >= 0, nil
}
