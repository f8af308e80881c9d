package model

import "errors"

// Sentinel kinds for model errors.
var (
	ErrInvalidCommentType = errors.New("invalid comment type")
	ErrInvalidIssueRef    = errors.New("invalid issue reference")
)
