package evm

import "errors"

var (
	ErrNoKey            = errors.New("no private key configured")
	ErrInvalidKey       = errors.New("invalid private key")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnknownNetwork   = errors.New("no rpc endpoint for network")
	ErrEmptyBatch       = errors.New("empty transfer batch")
	ErrReverted         = errors.New("transaction reverted")
)
