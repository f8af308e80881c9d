package modules

import "errors"

// Sentinel kinds for module errors.
var (
	ErrSettlementFailed = errors.New("settlement failed")
	ErrRelevance        = errors.New("relevance evaluation failed")
	ErrPost             = errors.New("post summary failed")
)
