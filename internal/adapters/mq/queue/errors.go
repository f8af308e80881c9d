package queue

import "errors"

// Enqueue rejections.
var (
	ErrFull   = errors.New("run queue full")
	ErrClosed = errors.New("run queue closed")
)
