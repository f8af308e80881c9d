package settlement

import (
	"context"
	"strings"

	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/pkg/logger"
)

// pricingLabels are the label prefixes that put a value on the work.
var pricingLabels = []string{"price:", "priority:"}

// eligible reports whether the closed item may be paid. Admin closers are
// trusted. Otherwise the closer must be the creator and someone outside the
// assignees must have priced the item or approved its pull request.
func (e *Engine) eligible(ctx context.Context, activity *model.Activity) (bool, error) {
	issue := activity.Self
	if issue.ClosedBy == nil {
		return false, nil
	}
	closer := issue.ClosedBy.Login

	if e.admins != nil {
		admin, err := e.admins.IsAdmin(ctx, activity.Ref.Owner, activity.Ref.Repo, closer)
		if err != nil {
			return false, err
		}
		if admin {
			return true, nil
		}
	}

	if !strings.EqualFold(closer, issue.Author.Login) {
		e.log.Info(ctx, "closer is neither admin nor creator", logger.String("closer", closer))
		return false, nil
	}
	return outsidePricing(activity) || outsideApproval(activity), nil
}

func outsidePricing(activity *model.Activity) bool {
	for _, ev := range activity.Events {
		if ev.Event != "labeled" || activity.Self.IsAssignee(ev.Actor.Login) {
			continue
		}
		label := strings.ToLower(ev.Label)
		for _, prefix := range pricingLabels {
			if strings.HasPrefix(label, prefix) {
				return true
			}
		}
	}
	return false
}

func outsideApproval(activity *model.Activity) bool {
	for _, pr := range activity.LinkedPullRequests {
		for _, rv := range pr.Reviews {
			if rv.State == model.ReviewApproved && !activity.Self.IsAssignee(rv.Reviewer.Login) {
				return true
			}
		}
	}
	return false
}
