// Package settlement turns a scored ledger into payouts: direct token
// transfers, signed permits, or experience points when no token applies.
package settlement

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PermitRecord is a persisted payout authorization. Amount, Nonce and
// Deadline are base-10 integers. A record with a Transaction is claimed and
// never changes again.
type PermitRecord struct {
	ID             int64
	Amount         string
	Nonce          string
	Deadline       string
	Signature      string
	BeneficiaryID  int64
	LocationID     int64
	TokenID        *int64
	PartnerID      *int64
	NetworkID      int64
	Permit2Address string
	Transaction    *string
}

// Claimed reports whether the permit has been redeemed on chain.
func (p PermitRecord) Claimed() bool {
	return p.Transaction != nil && *p.Transaction != ""
}

// Key returns the unique key of the record.
func (p PermitRecord) Key() PermitKey {
	var partner int64
	if p.PartnerID != nil {
		partner = *p.PartnerID
	}
	return PermitKey{
		PartnerID:      partner,
		NetworkID:      p.NetworkID,
		Permit2Address: p.Permit2Address,
		Nonce:          p.Nonce,
	}
}

// PermitKey identifies one permit row.
type PermitKey struct {
	PartnerID      int64
	NetworkID      int64
	Permit2Address string
	Nonce          string
}

// Location scopes permits and experience records to one issue.
type Location struct {
	RepositoryID int64
	IssueID      int64
	NodeID       string
	URL          string
}

// Store is the relational store behind settlement.
type Store interface {
	EnsureUser(ctx context.Context, userID int64) error
	WalletAddress(ctx context.Context, userID int64) (string, error)
	EnsureLocation(ctx context.Context, loc Location) (int64, error)
	EnsurePartner(ctx context.Context, wallet string) (int64, error)
	EnsureToken(ctx context.Context, networkID int64, address string) (int64, error)

	// UpsertPermitMax is the atomic server-side path keeping the larger
	// amount for a key. Stores without it return ErrRPCUnavailable.
	UpsertPermitMax(ctx context.Context, rec PermitRecord) error
	InsertPermit(ctx context.Context, rec PermitRecord) (int64, error)
	PermitByKey(ctx context.Context, key PermitKey) (PermitRecord, error)
	// UpdatePermitIfUnchanged overwrites amount and signature only while the
	// row still holds expectedAmount and is unclaimed.
	UpdatePermitIfUnchanged(ctx context.Context, id int64, expectedAmount string, rec PermitRecord) (bool, error)

	XPPermit(ctx context.Context, beneficiaryID, locationID int64) (PermitRecord, error)
	SetPermitAmount(ctx context.Context, id int64, amount string) error
}

// PermitRequest is what the signer authorizes.
type PermitRequest struct {
	NetworkID   int64
	Token       common.Address
	Permit2     common.Address
	Beneficiary common.Address
	Amount      *big.Int
	Nonce       *big.Int
	Deadline    *big.Int
}

// SignedPermit is a PermitRequest signed by the funding wallet.
type SignedPermit struct {
	PermitRequest
	Owner     common.Address
	Signature []byte
}

// Signer produces off-chain transfer authorizations.
type Signer interface {
	SignPermit(ctx context.Context, req PermitRequest) (SignedPermit, error)
}

// Transfer is one recipient of a batch transfer.
type Transfer struct {
	To     common.Address
	Amount *big.Int
}

// Funder reads funding-wallet state and submits batch transfers.
type Funder interface {
	Address() common.Address
	TokenBalance(ctx context.Context, networkID int64, token common.Address) (*big.Int, error)
	Allowance(ctx context.Context, networkID int64, token, spender common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, networkID int64) (*big.Int, error)
	// EstimateBatchTransfer returns the expected fee in wei.
	EstimateBatchTransfer(ctx context.Context, networkID int64, token, permit2 common.Address, transfers []Transfer) (*big.Int, error)
	// BatchTransfer returns the transaction hash. Once the transaction is
	// broadcast, failures wrap ErrTransferUnconfirmed or ErrTransferReverted.
	BatchTransfer(ctx context.Context, networkID int64, token, permit2 common.Address, transfers []Transfer) (string, error)
}

// AdminChecker reports whether a login administers a repository.
type AdminChecker interface {
	IsAdmin(ctx context.Context, owner, repo, login string) (bool, error)
}

// OutcomeKind classifies a settlement result.
type OutcomeKind int

// Outcome kinds.
const (
	Settled OutcomeKind = iota + 1
	Skipped
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Settled:
		return "settled"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Skip reasons.
const (
	ReasonEmpty       = "nothing to settle"
	ReasonIneligible  = "ineligible"
	ReasonAlreadyPaid = "already paid"
)

// Outcome is the result of one settlement attempt. Err is set only for
// Failed.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Err    error
}

func settled() Outcome              { return Outcome{Kind: Settled} }
func skipped(reason string) Outcome { return Outcome{Kind: Skipped, Reason: reason} }
func failed(err error) Outcome      { return Outcome{Kind: Failed, Reason: err.Error(), Err: err} }
