package settlement

import (
	"errors"
	"strings"
)

// Sentinel kinds for settlement and store errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrUniqueViolation   = errors.New("unique violation")
	ErrRPCUnavailable    = errors.New("upsert rpc unavailable")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoSigner          = errors.New("no permit signer configured")
	ErrInvalidAddress    = errors.New("invalid address")

	// ErrTransferUnconfirmed means a batch transfer was broadcast but its
	// receipt could not be read. The funds may have moved.
	ErrTransferUnconfirmed = errors.New("transfer sent but not confirmed")
	// ErrTransferReverted means a batch transfer was mined and reverted, so
	// nothing moved.
	ErrTransferReverted = errors.New("transfer reverted")
)

// rpcUnavailableSignatures are message fragments stores return when the
// upsert function is missing or not callable.
var rpcUnavailableSignatures = []string{
	"schema cache",
	"does not exist",
	"permission denied",
}

// rpcUnavailable reports whether err means the atomic upsert path cannot be
// used and the insert/compare/update fallback should run instead.
func rpcUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRPCUnavailable) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range rpcUnavailableSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
