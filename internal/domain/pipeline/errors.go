package pipeline

import "errors"

// Sentinel kinds for pipeline errors.
var (
	ErrModuleFailed = errors.New("module failed")
	ErrNoActivity   = errors.New("no activity")
)
