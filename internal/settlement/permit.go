package settlement

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/okian/textrewards/internal/domain/model"
	"github.com/okian/textrewards/pkg/logger"
)

// permitTypeERC20 tags claim payloads for the claim page.
const permitTypeERC20 = "erc20-permit"

// Nonce derives the nonce of a beneficiary's experience record on one issue.
// The same inputs always give the same nonce, so reruns land on the same row.
func Nonce(userID int64, issueNodeID string) *big.Int {
	h := crypto.Keccak256([]byte(fmt.Sprintf("%d-%s", userID, issueNodeID)))
	return new(big.Int).SetBytes(h)
}

// PermitNonce derives the permit nonce for one beneficiary, issue and token.
// A beneficiary paid in several tokens, such as the treasury, gets one row
// per token.
func PermitNonce(userID int64, issueNodeID string, networkID int64, token common.Address) *big.Int {
	seed := fmt.Sprintf("%d-%s-%d-%s", userID, issueNodeID, networkID, strings.ToLower(token.Hex()))
	return new(big.Int).SetBytes(crypto.Keccak256([]byte(seed)))
}

// issuePermits signs, persists and links a permit for each payee.
func (e *Engine) issuePermits(ctx context.Context, r *run, g TokenGroup, payees []payee) error {
	if len(payees) == 0 {
		return nil
	}
	if e.signer == nil {
		return ErrNoSigner
	}
	tokenID, err := e.store.EnsureToken(ctx, g.NetworkID, strings.ToLower(g.Token.Hex()))
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}

	for _, p := range payees {
		signed, err := e.signer.SignPermit(ctx, PermitRequest{
			NetworkID:   g.NetworkID,
			Token:       g.Token,
			Permit2:     g.Permit2,
			Beneficiary: p.wallet,
			Amount:      p.amount,
			Nonce:       PermitNonce(p.reward.UserID, r.activity.Self.NodeID, g.NetworkID, g.Token),
			Deadline:    new(big.Int).Set(math.MaxBig256),
		})
		if err != nil {
			return fmt.Errorf("sign permit for %s: %w", p.login, err)
		}
		partnerID, err := e.store.EnsurePartner(ctx, strings.ToLower(signed.Owner.Hex()))
		if err != nil {
			return fmt.Errorf("resolve partner: %w", err)
		}

		rec := PermitRecord{
			Amount:         signed.Amount.String(),
			Nonce:          signed.Nonce.String(),
			Deadline:       signed.Deadline.String(),
			Signature:      hexutil.Encode(signed.Signature),
			BeneficiaryID:  p.reward.UserID,
			LocationID:     r.locationID,
			TokenID:        &tokenID,
			PartnerID:      &partnerID,
			NetworkID:      g.NetworkID,
			Permit2Address: strings.ToLower(g.Permit2.Hex()),
		}
		if err := e.UpsertPermit(ctx, rec); err != nil {
			return fmt.Errorf("persist permit for %s: %w", p.login, err)
		}

		r.signed[p.login] = append(r.signed[p.login], signed)
		claim, err := e.claimURL(r.signed[p.login]...)
		if err != nil {
			return err
		}
		p.reward.PermitURL = claim
		p.reward.PayoutMode = model.PayoutPermit
		e.log.Debug(ctx, "permit issued",
			logger.String("login", p.login),
			logger.String("amount", rec.Amount))
	}
	return nil
}

type claimPermit struct {
	Type            string        `json:"type"`
	Permit          claimTransfer `json:"permit"`
	TransferDetails claimDetails  `json:"transferDetails"`
	Owner           string        `json:"owner"`
	Signature       string        `json:"signature"`
	NetworkID       int64         `json:"networkId"`
}

type claimTransfer struct {
	Permitted claimToken `json:"permitted"`
	Nonce     string     `json:"nonce"`
	Deadline  string     `json:"deadline"`
}

type claimToken struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type claimDetails struct {
	To              string `json:"to"`
	RequestedAmount string `json:"requestedAmount"`
}

// claimURL encodes signed permits into one link to the claim page.
func (e *Engine) claimURL(permits ...SignedPermit) (string, error) {
	if len(permits) == 0 {
		return "", nil
	}
	payload := make([]claimPermit, 0, len(permits))
	for _, p := range permits {
		payload = append(payload, claimPermit{
			Type: permitTypeERC20,
			Permit: claimTransfer{
				Permitted: claimToken{Token: p.Token.Hex(), Amount: p.Amount.String()},
				Nonce:     p.Nonce.String(),
				Deadline:  p.Deadline.String(),
			},
			TransferDetails: claimDetails{To: p.Beneficiary.Hex(), RequestedAmount: p.Amount.String()},
			Owner:           p.Owner.Hex(),
			Signature:       hexutil.Encode(p.Signature),
			NetworkID:       p.NetworkID,
		})
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode claim: %w", err)
	}
	q := url.Values{}
	q.Set("claim", base64.StdEncoding.EncodeToString(raw))
	q.Set("network", strconv.FormatInt(permits[0].NetworkID, 10))
	return e.claimBaseURL + "?" + q.Encode(), nil
}

// DecodeClaim reverses the claim parameter of a claim URL.
func DecodeClaim(claimURL string) ([]map[string]any, error) {
	u, err := url.Parse(claimURL)
	if err != nil {
		return nil, fmt.Errorf("parse claim url: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(u.Query().Get("claim"))
	if err != nil {
		return nil, fmt.Errorf("decode claim: %w", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode claim: %w", err)
	}
	return out, nil
}
