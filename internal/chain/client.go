package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const (
	guardABIJSON = `[
{"inputs":[],"name":"withdrawThreshold","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"paused","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"isThreatDetected","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"blockedCount","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"newThreshold","type":"uint256"}],"name":"setWithdrawThreshold","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"bool","name":"pause","type":"bool"}],"name":"pauseVault","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`
	oracleABIJSON = `[
{"inputs":[],"name":"getOracleData","outputs":[{"internalType":"uint256","name":"","type":"uint256"},{"internalType":"uint256","name":"","type":"uint256"},{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`
)

var (
	guardABI  abi.ABI
	oracleABI abi.ABI
)

func init() {
	var err error
	guardABI, err = abi.JSON(strings.NewReader(guardABIJSON))
	if err != nil {
		panic("failed to parse guard ABI: " + err.Error())
	}
	oracleABI, err = abi.JSON(strings.NewReader(oracleABIJSON))
	if err != nil {
		panic("failed to parse oracle ABI: " + err.Error())
	}
}

var (
	// ErrNotConfigured indicates a missing RPC URL or contract address.
	ErrNotConfigured = errors.New("chain: client not configured")
	// ErrNoSigner indicates the client was built without a private key.
	ErrNoSigner = errors.New("chain: no signing key configured")
	// ErrUnsupported indicates an optional read the deployment does not expose.
	ErrUnsupported = errors.New("chain: read not supported")
)

// OracleData is the decoded getOracleData tuple (field1, field2, threatLevel).
type OracleData struct {
	PriceData       *big.Int
	LastUpdateBlock uint64
	ThreatLevel     uint64
}

// TxHandle identifies a submitted, not yet confirmed, transaction.
type TxHandle struct {
	Hash  string
	Nonce uint64
}

// Reader is the read surface of the guard and oracle contracts.
type Reader interface {
	WithdrawThreshold(ctx context.Context) (uint64, error)
	Paused(ctx context.Context) (bool, error)
	IsThreatDetected(ctx context.Context) (bool, error)
	BlockedCount(ctx context.Context) (uint64, error)
	OracleData(ctx context.Context) (OracleData, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Writer is the write surface of the guard contract.
type Writer interface {
	CanSign() bool
	SetWithdrawThreshold(ctx context.Context, threshold uint64) (TxHandle, error)
	PauseVault(ctx context.Context, pause bool) (TxHandle, error)
}

// Backend is the subset of ethclient.Client the contract client needs.
type Backend interface {
	ethereum.ContractCaller
	ethereum.GasEstimator
	ethereum.GasPricer
	ethereum.TransactionSender
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Options parameterise the contract client.
type Options struct {
	RPCURL           string
	GuardAddress     string
	OracleAddress    string
	PrivateKey       string
	ChainID          int64
	ReadBlockedCount bool
	GasLimit         uint64
}

// Client reads and writes the guard/oracle contracts over JSON-RPC.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	key     *ecdsa.PrivateKey
	from    common.Address
	guard   common.Address
	oracle  common.Address
	txMu    sync.Mutex
	backend Backend
	dialMu  sync.Mutex
	dial    func(ctx context.Context, url string) (Backend, error)
}

// NewClient validates options and builds a lazily dialled client.
func NewClient(opts Options, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		opts:   opts,
		logger: logger.With().Str("component", "chain_client").Logger(),
		dial: func(ctx context.Context, url string) (Backend, error) {
			return ethclient.DialContext(ctx, url)
		},
	}
	if opts.GuardAddress != "" {
		if !common.IsHexAddress(opts.GuardAddress) {
			return nil, fmt.Errorf("invalid guard address %q", opts.GuardAddress)
		}
		c.guard = common.HexToAddress(opts.GuardAddress)
	}
	if opts.OracleAddress != "" {
		if !common.IsHexAddress(opts.OracleAddress) {
			return nil, fmt.Errorf("invalid oracle address %q", opts.OracleAddress)
		}
		c.oracle = common.HexToAddress(opts.OracleAddress)
	}
	if opts.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

// NewClientWithBackend wires an already connected backend, mainly for tests.
func NewClientWithBackend(opts Options, backend Backend, logger zerolog.Logger) (*Client, error) {
	c, err := NewClient(opts, logger)
	if err != nil {
		return nil, err
	}
	c.backend = backend
	return c, nil
}

// Close releases the RPC connection if one was dialled.
func (c *Client) Close() {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	if closer, ok := c.backend.(interface{ Close() }); ok {
		closer.Close()
	}
	c.backend = nil
}

// From returns the signer address, or the zero address without a key.
func (c *Client) From() common.Address {
	return c.from
}

// CanSign reports whether a signing key is configured.
func (c *Client) CanSign() bool {
	return c.key != nil
}

func (c *Client) getBackend(ctx context.Context) (Backend, error) {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	if c.backend != nil {
		return c.backend, nil
	}
	if c.opts.RPCURL == "" {
		return nil, fmt.Errorf("%w: rpc url missing", ErrNotConfigured)
	}

	backend, err := c.dial(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	c.backend = backend
	return backend, nil
}

func (c *Client) call(ctx context.Context, contract abi.ABI, addr common.Address, method string) ([]any, error) {
	if addr == (common.Address{}) {
		return nil, fmt.Errorf("%w: contract address for %s missing", ErrNotConfigured, method)
	}
	backend, err := c.getBackend(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := contract.Pack(method)
	if err != nil {
		return nil, err
	}

	res, err := backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	outputs, err := contract.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return outputs, nil
}

func (c *Client) callUint(ctx context.Context, method string) (uint64, error) {
	outputs, err := c.call(ctx, guardABI, c.guard, method)
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, fmt.Errorf("unexpected %s response", method)
	}
	v, ok := outputs[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("failed to decode %s output", method)
	}
	return toUint64(method, v)
}

func (c *Client) callBool(ctx context.Context, method string) (bool, error) {
	outputs, err := c.call(ctx, guardABI, c.guard, method)
	if err != nil {
		return false, err
	}
	if len(outputs) != 1 {
		return false, fmt.Errorf("unexpected %s response", method)
	}
	v, ok := outputs[0].(bool)
	if !ok {
		return false, fmt.Errorf("failed to decode %s output", method)
	}
	return v, nil
}

// WithdrawThreshold reads withdrawThreshold().
func (c *Client) WithdrawThreshold(ctx context.Context) (uint64, error) {
	return c.callUint(ctx, "withdrawThreshold")
}

// Paused reads paused().
func (c *Client) Paused(ctx context.Context) (bool, error) {
	return c.callBool(ctx, "paused")
}

// IsThreatDetected reads isThreatDetected().
func (c *Client) IsThreatDetected(ctx context.Context) (bool, error) {
	return c.callBool(ctx, "isThreatDetected")
}

// BlockedCount reads blockedCount() when the deployment exposes it.
func (c *Client) BlockedCount(ctx context.Context) (uint64, error) {
	if !c.opts.ReadBlockedCount {
		return 0, ErrUnsupported
	}
	return c.callUint(ctx, "blockedCount")
}

// OracleData reads getOracleData().
func (c *Client) OracleData(ctx context.Context) (OracleData, error) {
	outputs, err := c.call(ctx, oracleABI, c.oracle, "getOracleData")
	if err != nil {
		return OracleData{}, err
	}
	if len(outputs) != 3 {
		return OracleData{}, errors.New("unexpected getOracleData response")
	}

	ints := make([]*big.Int, 3)
	for i, out := range outputs {
		v, ok := out.(*big.Int)
		if !ok {
			return OracleData{}, errors.New("failed to decode getOracleData output")
		}
		ints[i] = v
	}

	lastUpdate, err := toUint64("getOracleData.field2", ints[1])
	if err != nil {
		return OracleData{}, err
	}
	level, err := toUint64("getOracleData.threatLevel", ints[2])
	if err != nil {
		return OracleData{}, err
	}
	return OracleData{PriceData: ints[0], LastUpdateBlock: lastUpdate, ThreatLevel: level}, nil
}

// BlockNumber returns the current head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	backend, err := c.getBackend(ctx)
	if err != nil {
		return 0, err
	}
	return backend.BlockNumber(ctx)
}

// SetWithdrawThreshold submits setWithdrawThreshold(threshold).
func (c *Client) SetWithdrawThreshold(ctx context.Context, threshold uint64) (TxHandle, error) {
	return c.transact(ctx, "setWithdrawThreshold", new(big.Int).SetUint64(threshold))
}

// PauseVault submits pauseVault(pause).
func (c *Client) PauseVault(ctx context.Context, pause bool) (TxHandle, error) {
	return c.transact(ctx, "pauseVault", pause)
}

func (c *Client) transact(ctx context.Context, method string, args ...any) (TxHandle, error) {
	if c.key == nil {
		return TxHandle{}, ErrNoSigner
	}
	if c.guard == (common.Address{}) {
		return TxHandle{}, fmt.Errorf("%w: guard address missing", ErrNotConfigured)
	}

	backend, err := c.getBackend(ctx)
	if err != nil {
		return TxHandle{}, err
	}

	data, err := guardABI.Pack(method, args...)
	if err != nil {
		return TxHandle{}, fmt.Errorf("pack %s: %w", method, err)
	}

	// nonce allocation and send must not interleave across concurrent commands
	c.txMu.Lock()
	defer c.txMu.Unlock()

	chainID, err := c.chainID(ctx, backend)
	if err != nil {
		return TxHandle{}, err
	}

	nonce, err := backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return TxHandle{}, fmt.Errorf("pending nonce: %w", err)
	}

	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return TxHandle{}, fmt.Errorf("suggest gas price: %w", err)
	}

	gas := c.opts.GasLimit
	if gas == 0 {
		gas, err = backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &c.guard, Data: data})
		if err != nil {
			return TxHandle{}, fmt.Errorf("estimate gas for %s: %w", method, err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &c.guard,
		Value:    big.NewInt(0),
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return TxHandle{}, fmt.Errorf("sign %s: %w", method, err)
	}

	if err := backend.SendTransaction(ctx, signed); err != nil {
		return TxHandle{}, fmt.Errorf("send %s: %w", method, err)
	}

	handle := TxHandle{Hash: signed.Hash().Hex(), Nonce: nonce}
	c.logger.Info().Str("method", method).Str("tx_hash", handle.Hash).Uint64("nonce", nonce).Msg("transaction submitted")
	return handle, nil
}

func (c *Client) chainID(ctx context.Context, backend Backend) (*big.Int, error) {
	if c.opts.ChainID > 0 {
		return big.NewInt(c.opts.ChainID), nil
	}
	id, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	return id, nil
}

func toUint64(method string, v *big.Int) (uint64, error) {
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("%s: value %s out of range", method, v.String())
	}
	return v.Uint64(), nil
}

var (
	_ Reader = (*Client)(nil)
	_ Writer = (*Client)(nil)
)
