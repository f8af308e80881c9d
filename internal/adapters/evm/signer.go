// Package evm signs Permit2 authorizations and moves tokens from the funding
// wallet.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/okian/textrewards/internal/settlement"
)

const permit2DomainName = "Permit2"

var tokenPermissionsType = []apitypes.Type{
	{Name: "token", Type: "address"},
	{Name: "amount", Type: "uint256"},
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Signer signs Permit2 PermitTransferFrom messages with the funding wallet
// key. It implements settlement.Signer.
type Signer struct {
	key   *ecdsa.PrivateKey
	owner common.Address
}

// NewSigner parses a hex private key, with or without the 0x prefix.
func NewSigner(hexKey string) (*Signer, error) {
	key, err := parseKey(hexKey)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, owner: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, ErrNoKey
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// Address returns the wallet that signs permits.
func (s *Signer) Address() common.Address { return s.owner }

// SignPermit implements settlement.Signer. The permit spender is the
// beneficiary, who redeems it on the claim page.
func (s *Signer) SignPermit(_ context.Context, req settlement.PermitRequest) (settlement.SignedPermit, error) {
	td := PermitTypedData(req)
	sig, err := signTypedData(s.key, td)
	if err != nil {
		return settlement.SignedPermit{}, err
	}
	return settlement.SignedPermit{PermitRequest: req, Owner: s.owner, Signature: sig}, nil
}

// PermitTypedData builds the EIP-712 message for a single-token permit.
func PermitTypedData(req settlement.PermitRequest) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"PermitTransferFrom": {
				{Name: "permitted", Type: "TokenPermissions"},
				{Name: "spender", Type: "address"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
			"TokenPermissions": tokenPermissionsType,
		},
		PrimaryType: "PermitTransferFrom",
		Domain:      permit2Domain(req.NetworkID, req.Permit2),
		Message: apitypes.TypedDataMessage{
			"permitted": map[string]interface{}{
				"token":  req.Token.Hex(),
				"amount": new(big.Int).Set(req.Amount),
			},
			"spender":  req.Beneficiary.Hex(),
			"nonce":    new(big.Int).Set(req.Nonce),
			"deadline": new(big.Int).Set(req.Deadline),
		},
	}
}

// batchTypedData builds the EIP-712 message for a multi-recipient permit
// redeemed by spender.
func batchTypedData(networkID int64, token, permit2, spender common.Address, amounts []*big.Int, nonce, deadline *big.Int) apitypes.TypedData {
	permitted := make([]interface{}, 0, len(amounts))
	for _, a := range amounts {
		permitted = append(permitted, map[string]interface{}{
			"token":  token.Hex(),
			"amount": new(big.Int).Set(a),
		})
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"PermitBatchTransferFrom": {
				{Name: "permitted", Type: "TokenPermissions[]"},
				{Name: "spender", Type: "address"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
			"TokenPermissions": tokenPermissionsType,
		},
		PrimaryType: "PermitBatchTransferFrom",
		Domain:      permit2Domain(networkID, permit2),
		Message: apitypes.TypedDataMessage{
			"permitted": permitted,
			"spender":   spender.Hex(),
			"nonce":     new(big.Int).Set(nonce),
			"deadline":  new(big.Int).Set(deadline),
		},
	}
}

func permit2Domain(networkID int64, permit2 common.Address) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              permit2DomainName,
		ChainId:           math.NewHexOrDecimal256(networkID),
		VerifyingContract: permit2.Hex(),
	}
}

// signTypedData returns a 65-byte signature with v in {27, 28}.
func signTypedData(key *ecdsa.PrivateKey, td apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that signed td.
func Recover(td apitypes.TypedData, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Address{}, fmt.Errorf("hash typed data: %w", err)
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
