package evm_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/okian/textrewards/internal/adapters/evm"
	"github.com/okian/textrewards/internal/settlement"
	"github.com/okian/textrewards/pkg/retry"
	. "github.com/smartystreets/goconvey/convey"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	token   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	permit2 = common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func permitRequest(nonce int64) settlement.PermitRequest {
	return settlement.PermitRequest{
		NetworkID:   100,
		Token:       token,
		Permit2:     permit2,
		Beneficiary: alice,
		Amount:      big.NewInt(45e17),
		Nonce:       big.NewInt(nonce),
		Deadline:    big.NewInt(1 << 40),
	}
}

func TestSigner(t *testing.T) {
	Convey("Given a signer", t, func() {
		s, err := evm.NewSigner("0x" + testKey)
		So(err, ShouldBeNil)
		ctx := context.Background()

		Convey("Signatures recover to the signer address", func() {
			req := permitRequest(7)
			signed, err := s.SignPermit(ctx, req)
			So(err, ShouldBeNil)
			So(signed.Owner, ShouldEqual, s.Address())
			So(signed.Signature, ShouldHaveLength, 65)
			So(signed.Signature[64], ShouldBeIn, byte(27), byte(28))

			who, err := evm.Recover(evm.PermitTypedData(req), signed.Signature)
			So(err, ShouldBeNil)
			So(who, ShouldEqual, s.Address())
		})

		Convey("Signing is deterministic per request", func() {
			a, _ := s.SignPermit(ctx, permitRequest(7))
			b, _ := s.SignPermit(ctx, permitRequest(7))
			c, _ := s.SignPermit(ctx, permitRequest(8))
			So(a.Signature, ShouldResemble, b.Signature)
			So(a.Signature, ShouldNotResemble, c.Signature)
		})

		Convey("A signature does not verify a different amount", func() {
			req := permitRequest(7)
			signed, _ := s.SignPermit(ctx, req)
			req.Amount = big.NewInt(1)
			who, err := evm.Recover(evm.PermitTypedData(req), signed.Signature)
			So(err != nil || who != s.Address(), ShouldBeTrue)
		})
	})

	Convey("Given bad keys", t, func() {
		_, err := evm.NewSigner("")
		So(errors.Is(err, evm.ErrNoKey), ShouldBeTrue)
		_, err = evm.NewSigner("zz")
		So(errors.Is(err, evm.ErrInvalidKey), ShouldBeTrue)
	})
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func word(v int64) string {
	return fmt.Sprintf("0x%064x", v)
}

// chain answers the JSON-RPC calls the funder makes for reads.
func chain(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		var result string
		switch req.Method {
		case "eth_call":
			var call struct {
				Input string `json:"input"`
				Data  string `json:"data"`
			}
			_ = json.Unmarshal(req.Params[0], &call)
			input := call.Input
			if input == "" {
				input = call.Data
			}
			switch {
			case strings.HasPrefix(input, "0x70a08231"):
				result = word(1000)
			case strings.HasPrefix(input, "0xdd62ed3e"):
				result = word(500)
			default:
				result = "0x"
			}
		case "eth_getBalance":
			result = "0xde0b6b3a7640000"
		case "eth_estimateGas":
			result = "0x5208"
		case "eth_gasPrice":
			result = "0x3b9aca00"
		case "eth_getTransactionCount":
			result = "0x0"
		case "eth_sendRawTransaction":
			result = "0x" + strings.Repeat("ab", 32)
		case "eth_getTransactionReceipt":
			// never mined
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":null}`, req.ID)
			return
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"unsupported"}}`, req.ID)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%q}`, req.ID, result)
	}))
}

func TestFunder(t *testing.T) {
	Convey("Given a funder on a test chain", t, func() {
		srv := chain(t)
		defer srv.Close()
		f, err := evm.NewFunder(testKey,
			evm.WithEndpoint(100, srv.URL),
			evm.WithRetryPolicy(retry.Policy{MaxAttempts: 1}),
		)
		So(err, ShouldBeNil)
		defer f.Close()
		ctx := context.Background()

		Convey("Token balance and allowance are read through the ERC20 ABI", func() {
			bal, err := f.TokenBalance(ctx, 100, token)
			So(err, ShouldBeNil)
			So(bal.Int64(), ShouldEqual, 1000)

			allowance, err := f.Allowance(ctx, 100, token, permit2)
			So(err, ShouldBeNil)
			So(allowance.Int64(), ShouldEqual, 500)
		})

		Convey("Native balance is the account balance", func() {
			bal, err := f.NativeBalance(ctx, 100)
			So(err, ShouldBeNil)
			So(bal.String(), ShouldEqual, "1000000000000000000")
		})

		Convey("The batch fee is gas times gas price", func() {
			fee, err := f.EstimateBatchTransfer(ctx, 100, token, permit2, []settlement.Transfer{
				{To: alice, Amount: big.NewInt(10)},
				{To: common.HexToAddress("0x00000000000000000000000000000000000000b2"), Amount: big.NewInt(5)},
			})
			So(err, ShouldBeNil)
			So(fee.String(), ShouldEqual, "21000000000000")
		})

		Convey("A batch that is sent but never mined is reported as unconfirmed", func() {
			waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
			defer cancel()
			hash, err := f.BatchTransfer(waitCtx, 100, token, permit2, []settlement.Transfer{
				{To: alice, Amount: big.NewInt(10)},
			})
			So(hash, ShouldStartWith, "0x")
			So(errors.Is(err, settlement.ErrTransferUnconfirmed), ShouldBeTrue)
			So(errors.Is(err, settlement.ErrTransferReverted), ShouldBeFalse)
		})

		Convey("An empty batch is rejected", func() {
			_, err := f.EstimateBatchTransfer(ctx, 100, token, permit2, nil)
			So(errors.Is(err, evm.ErrEmptyBatch), ShouldBeTrue)
		})

		Convey("An unknown network is rejected", func() {
			_, err := f.NativeBalance(ctx, 1)
			So(errors.Is(err, evm.ErrUnknownNetwork), ShouldBeTrue)
		})
	})
}
