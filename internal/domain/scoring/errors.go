package scoring

import "errors"

// ErrNoRules is returned when a comment type has no scoring rules.
var ErrNoRules = errors.New("no scoring rules for comment type")
