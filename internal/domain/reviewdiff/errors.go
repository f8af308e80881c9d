package reviewdiff

import "errors"

// ErrMalformedDiff is returned when a diff cannot be parsed.
var ErrMalformedDiff = errors.New("malformed diff")
