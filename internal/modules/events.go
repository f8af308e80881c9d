package modules

import (
	"context"
	"strings"

	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/internal/domain/money"
	"github.com/okian/textrewards/pkg/logger"
)

// reactionPrefix keys reaction counts, e.g. "reaction.+1".
const reactionPrefix = "reaction."

// EventIncentives pays for timeline events and reactions using a fixed
// value per event type. Types without a value are ignored.
type EventIncentives struct {
	base
	values map[string]money.Amount
}

// NewEventIncentives creates the module. Keys are timeline event names such
// as "labeled" or reaction keys such as "reaction.heart".
func NewEventIncentives(values map[string]money.Amount, opts ...Option) *EventIncentives {
	m := &EventIncentives{base: newBase(NameEvents, opts), values: make(map[string]money.Amount)}
	for k, v := range values {
		m.values[strings.ToLower(k)] = v
	}
	if len(m.values) == 0 {
		m.enabled = false
	}
	return m
}

// Transform implements pipeline.Module.
func (m *EventIncentives) Transform(ctx context.Context, activity *model.Activity, ledger model.Ledger) (model.Ledger, error) {
	assoc := associations(activity)
	counted := 0
	credit := func(u model.User, key string) {
		value, ok := m.values[key]
		if !ok || !m.payable(u) {
			return
		}
		r := ledger.Ensure(u.Login, u.ID, roleOf(activity, u.Login, assoc[u.Login]))
		if r.Events == nil {
			r.Events = make(map[string]model.EventCount)
		}
		ec := r.Events[key]
		ec.Count++
		ec.Reward = ec.Reward.Add(value)
		r.Events[key] = ec
		counted++
	}

	for _, ev := range activity.Events {
		credit(ev.Actor, strings.ToLower(ev.Event))
	}
	for _, c := range activity.Comments {
		for _, re := range c.Reactions {
			if re.User.Login == c.Author.Login {
				continue
			}
			credit(re.User, reactionPrefix+strings.ToLower(re.Content))
		}
	}
	m.log.Debug(ctx, "events counted", logger.Int("events", counted))
	return ledger, nil
}
