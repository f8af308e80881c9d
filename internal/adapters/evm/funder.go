package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/okian/textrewards/internal/settlement"
	"github.com/okian/textrewards/pkg/logger"
	"github.com/okian/textrewards/pkg/retry"
)

const (
	service = "evm"

	defaultPermitWindow = time.Hour
)

const erc20JSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

const permit2JSON = `[
  {"type":"function","name":"permitTransferFrom","stateMutability":"nonpayable",
   "inputs":[
     {"name":"permit","type":"tuple","components":[
       {"name":"permitted","type":"tuple[]","components":[
         {"name":"token","type":"address"},{"name":"amount","type":"uint256"}]},
       {"name":"nonce","type":"uint256"},
       {"name":"deadline","type":"uint256"}]},
     {"name":"transferDetails","type":"tuple[]","components":[
       {"name":"to","type":"address"},{"name":"requestedAmount","type":"uint256"}]},
     {"name":"owner","type":"address"},
     {"name":"signature","type":"bytes"}],
   "outputs":[]}
]`

var (
	erc20ABI   = mustABI(erc20JSON)
	permit2ABI = mustABI(permit2JSON)
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

type tokenPermissions struct {
	Token  common.Address
	Amount *big.Int
}

type permitBatch struct {
	Permitted []tokenPermissions
	Nonce     *big.Int
	Deadline  *big.Int
}

type transferDetail struct {
	To              common.Address
	RequestedAmount *big.Int
}

// Option applies a configuration option to the Funder.
type Option func(*Funder)

// WithEndpoint sets the JSON-RPC endpoint of one network.
func WithEndpoint(networkID int64, rawURL string) Option {
	return func(f *Funder) {
		if rawURL != "" {
			f.endpoints[networkID] = rawURL
		}
	}
}

// WithRetryPolicy sets the retry policy for chain reads.
func WithRetryPolicy(p retry.Policy) Option {
	return func(f *Funder) {
		f.policy = p
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(f *Funder) {
		if l != nil {
			f.log = l
		}
	}
}

// Funder is the funding wallet. It pays batches through a Permit2
// PermitBatchTransferFrom it signs for itself, so the ERC20 allowance granted
// to Permit2 is the only approval needed. It implements settlement.Funder.
type Funder struct {
	key       *ecdsa.PrivateKey
	addr      common.Address
	endpoints map[int64]string
	policy    retry.Policy
	log       logger.Logger

	mu      sync.Mutex
	clients map[int64]*ethclient.Client
}

// NewFunder creates a funder for the wallet owning hexKey.
func NewFunder(hexKey string, opts ...Option) (*Funder, error) {
	key, err := parseKey(hexKey)
	if err != nil {
		return nil, err
	}
	f := &Funder{
		key:       key,
		addr:      crypto.PubkeyToAddress(key.PublicKey),
		endpoints: make(map[int64]string),
		policy:    retry.DefaultPolicy(),
		log:       logger.Nop(),
		clients:   make(map[int64]*ethclient.Client),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Address implements settlement.Funder.
func (f *Funder) Address() common.Address { return f.addr }

// Close releases every dialed connection.
func (f *Funder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.clients {
		c.Close()
		delete(f.clients, id)
	}
}

func (f *Funder) client(ctx context.Context, networkID int64) (*ethclient.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[networkID]; ok {
		return c, nil
	}
	endpoint, ok := f.endpoints[networkID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNetwork, networkID)
	}
	c, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial network %d: %w", networkID, err)
	}
	f.clients[networkID] = c
	return c, nil
}

// read runs a chain read against networkID with retries.
func read[T any](ctx context.Context, f *Funder, networkID int64, op func(*ethclient.Client) (T, error)) (T, error) {
	var zero T
	c, err := f.client(ctx, networkID)
	if err != nil {
		return zero, err
	}
	return retry.Do(ctx, f.policy, service, func() (T, error) {
		return op(c)
	})
}

func (f *Funder) callUint(ctx context.Context, networkID int64, to common.Address, method string, args ...interface{}) (*big.Int, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := read(ctx, f, networkID, func(c *ethclient.Client) ([]byte, error) {
		return c.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	out, err := erc20ABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected %T", method, out[0])
	}
	return v, nil
}

// TokenBalance implements settlement.Funder.
func (f *Funder) TokenBalance(ctx context.Context, networkID int64, token common.Address) (*big.Int, error) {
	return f.callUint(ctx, networkID, token, "balanceOf", f.addr)
}

// Allowance implements settlement.Funder.
func (f *Funder) Allowance(ctx context.Context, networkID int64, token, spender common.Address) (*big.Int, error) {
	return f.callUint(ctx, networkID, token, "allowance", f.addr, spender)
}

// NativeBalance implements settlement.Funder.
func (f *Funder) NativeBalance(ctx context.Context, networkID int64) (*big.Int, error) {
	return read(ctx, f, networkID, func(c *ethclient.Client) (*big.Int, error) {
		return c.BalanceAt(ctx, f.addr, nil)
	})
}

// EstimateBatchTransfer implements settlement.Funder.
func (f *Funder) EstimateBatchTransfer(ctx context.Context, networkID int64, token, permit2 common.Address, transfers []settlement.Transfer) (*big.Int, error) {
	data, err := f.batchCalldata(networkID, token, permit2, transfers)
	if err != nil {
		return nil, err
	}
	gas, err := read(ctx, f, networkID, func(c *ethclient.Client) (uint64, error) {
		return c.EstimateGas(ctx, ethereum.CallMsg{From: f.addr, To: &permit2, Data: data})
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	price, err := read(ctx, f, networkID, func(c *ethclient.Client) (*big.Int, error) {
		return c.SuggestGasPrice(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(gas), price), nil
}

// BatchTransfer implements settlement.Funder. It blocks until the
// transaction is mined or ctx ends and returns its hash.
func (f *Funder) BatchTransfer(ctx context.Context, networkID int64, token, permit2 common.Address, transfers []settlement.Transfer) (string, error) {
	data, err := f.batchCalldata(networkID, token, permit2, transfers)
	if err != nil {
		return "", err
	}
	c, err := f.client(ctx, networkID)
	if err != nil {
		return "", err
	}
	nonce, err := read(ctx, f, networkID, func(c *ethclient.Client) (uint64, error) {
		return c.PendingNonceAt(ctx, f.addr)
	})
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	gas, err := read(ctx, f, networkID, func(c *ethclient.Client) (uint64, error) {
		return c.EstimateGas(ctx, ethereum.CallMsg{From: f.addr, To: &permit2, Data: data})
	})
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}
	price, err := read(ctx, f, networkID, func(c *ethclient.Client) (*big.Int, error) {
		return c.SuggestGasPrice(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &permit2,
		Value:    new(big.Int),
		Gas:      gas,
		GasPrice: price,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(networkID)), f.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	hash := signed.Hash().Hex()
	f.log.Info(ctx, "batch transfer sent",
		logger.Int64("network", networkID),
		logger.String("tx", hash),
		logger.Int("recipients", len(transfers)))

	receipt, err := bind.WaitMined(ctx, c, signed)
	if err != nil {
		return hash, fmt.Errorf("%w: wait for %s: %w", settlement.ErrTransferUnconfirmed, hash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hash, fmt.Errorf("%w: %w: %s", ErrReverted, settlement.ErrTransferReverted, hash)
	}
	return hash, nil
}

// batchCalldata signs a batch permit for the funder itself and encodes the
// permitTransferFrom call that redeems it.
func (f *Funder) batchCalldata(networkID int64, token, permit2 common.Address, transfers []settlement.Transfer) ([]byte, error) {
	if len(transfers) == 0 {
		return nil, ErrEmptyBatch
	}
	amounts := make([]*big.Int, 0, len(transfers))
	permitted := make([]tokenPermissions, 0, len(transfers))
	details := make([]transferDetail, 0, len(transfers))
	for _, t := range transfers {
		amounts = append(amounts, t.Amount)
		permitted = append(permitted, tokenPermissions{Token: token, Amount: t.Amount})
		details = append(details, transferDetail{To: t.To, RequestedAmount: t.Amount})
	}
	nonce := batchNonce()
	deadline := big.NewInt(time.Now().Add(defaultPermitWindow).Unix())

	sig, err := signTypedData(f.key, batchTypedData(networkID, token, permit2, f.addr, amounts, nonce, deadline))
	if err != nil {
		return nil, err
	}
	data, err := permit2ABI.Pack("permitTransferFrom",
		permitBatch{Permitted: permitted, Nonce: nonce, Deadline: deadline},
		details, f.addr, sig)
	if err != nil {
		return nil, fmt.Errorf("pack permitTransferFrom: %w", err)
	}
	return data, nil
}

// batchNonce draws an unordered Permit2 nonce.
func batchNonce() *big.Int {
	id := uuid.New()
	return new(big.Int).SetBytes(crypto.Keccak256(id[:]))
}
