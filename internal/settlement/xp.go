package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/domain/money"
	"github.com/okian/textrewards/pkg/logger"
	"github.com/okian/textrewards/pkg/metrics"
)

// xpDecimals scales experience points the way token amounts are scaled.
const xpDecimals = 18

// XPRecorder stores experience points for participants no reward token
// covers. Each participant has at most one token-less row per location.
type XPRecorder struct {
	store Store
	log   logger.Logger
}

// NewXPRecorder creates a recorder.
func NewXPRecorder(store Store, log logger.Logger) *XPRecorder {
	if log == nil {
		log = logger.Nop()
	}
	return &XPRecorder{store: store, log: log}
}

// Record upserts the experience row for r at locationID and marks r as XP.
func (x *XPRecorder) Record(ctx context.Context, locationID int64, issueNodeID string, r *model.UserReward) error {
	if r == nil || r.UserID == 0 {
		return nil
	}
	if err := x.store.EnsureUser(ctx, r.UserID); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	amount := money.ToWei(r.Total, xpDecimals).String()

	existing, err := x.store.XPPermit(ctx, r.UserID, locationID)
	switch {
	case err == nil:
		if err := x.store.SetPermitAmount(ctx, existing.ID, amount); err != nil {
			return fmt.Errorf("update experience: %w", err)
		}
	case errors.Is(err, ErrNotFound):
		_, err := x.store.InsertPermit(ctx, PermitRecord{
			Amount:        amount,
			Nonce:         Nonce(r.UserID, issueNodeID).String(),
			Deadline:      "",
			BeneficiaryID: r.UserID,
			LocationID:    locationID,
		})
		if err != nil {
			return fmt.Errorf("insert experience: %w", err)
		}
	default:
		return fmt.Errorf("load experience: %w", err)
	}

	r.XP = true
	metrics.RecordXPRecord()
	x.log.Debug(ctx, "experience recorded",
		logger.Int64("user_id", r.UserID),
		logger.String("amount", amount))
	return nil
}
