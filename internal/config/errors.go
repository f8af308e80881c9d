package config

import "errors"

// Sentinel errors. Validation failures wrap ErrInvalidConfig.
var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrLoadConfig    = errors.New("load config failed")
)
