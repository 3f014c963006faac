// Package chain sends the faucet's transfers and answers read-only questions
// about the operating wallet and network.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"faucet-service/internal/util"
)

const (
	DefaultPollInterval = 2 * time.Second

	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var (
	ErrInvalidPrivateKey = errors.New("invalid operating private key")
	ErrInvalidTxHash     = errors.New("invalid transaction hash")

	// 1.5 gwei
	defaultFallbackGasPrice = big.NewInt(1_500_000_000)

	networkNames = map[uint64]string{
		1:        "mainnet",
		10:       "optimism",
		137:      "matic",
		8453:     "base",
		17000:    "holesky",
		42161:    "arbitrum",
		80002:    "matic-amoy",
		84532:    "base-sepolia",
		421614:   "arbitrum-sepolia",
		11155111: "sepolia",
		11155420: "optimism-sepolia",
	}
)

// Backend is the subset of an Ethereum JSON-RPC client the faucet needs.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Receipt describes a transfer confirmed in one block.
type Receipt struct {
	TxHash         string
	BlockNumber    uint64
	GasUsed        uint64
	EffectivePrice *big.Int
	FeeModel       string
}

// TxStatus is a read-only view of a transaction. BlockNumber and GasUsed are
// nil while pending; GasUsed is only reported for successful transactions.
type TxStatus struct {
	Status      string
	BlockNumber *uint64
	GasUsed     *uint64
}

type NetworkInfo struct {
	ChainID          uint64
	Name             string
	BlockNumber      uint64
	OperatingBalance string
	OperatingAddress string
}

type Client struct {
	backend          Backend
	key              *ecdsa.PrivateKey
	from             common.Address
	chainID          *big.Int
	signer           types.Signer
	fallbackGasPrice *big.Int
	pollInterval     time.Duration
	logger           *zap.Logger

	// sendMu serializes nonce lookup and broadcast for the operating account.
	sendMu sync.Mutex
}

type Option func(*Client)

func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func WithFallbackGasPrice(wei *big.Int) Option {
	return func(c *Client) {
		if positive(wei) {
			c.fallbackGasPrice = new(big.Int).Set(wei)
		}
	}
}

// Dial connects to rpcURL and builds a Client for the given key.
func Dial(ctx context.Context, rpcURL, privateKeyHex string, logger *zap.Logger, opts ...Option) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %w", err)
	}
	c, err := NewClient(ctx, rpc, privateKeyHex, logger, opts...)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	return c, nil
}

// NewClient resolves the chain id once and keeps the signer for the client's lifetime.
func NewClient(ctx context.Context, backend Backend, privateKeyHex string, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}

	c := &Client{
		backend:          backend,
		key:              key,
		from:             crypto.PubkeyToAddress(key.PublicKey),
		chainID:          chainID,
		signer:           types.LatestSignerForChainID(chainID),
		fallbackGasPrice: new(big.Int).Set(defaultFallbackGasPrice),
		pollInterval:     DefaultPollInterval,
		logger:           logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger.Info("Chain client ready",
		util.Address(c.Address()),
		util.String("chain_id", chainID.String()),
		util.String("network", networkName(chainID)))
	return c, nil
}

func (c *Client) Address() string {
	return c.from.Hex()
}

func (c *Client) IsValidAddress(candidate string) bool {
	return IsValidAddress(candidate)
}

// GetBalance returns the operating balance in ether.
func (c *Client) GetBalance(ctx context.Context) (string, error) {
	wei, err := c.backend.BalanceAt(ctx, c.from, nil)
	if err != nil {
		return "", fmt.Errorf("failed to fetch balance: %w", err)
	}
	return FormatEther(wei), nil
}

// Submit transfers amount ether to `to` and waits for one confirmation or ctx.
func (c *Client) Submit(ctx context.Context, to, amount string) (*Receipt, error) {
	if !IsValidAddress(to) {
		return nil, &SubmitError{Kind: KindInvalidRecipient}
	}
	value, err := ParseEther(amount)
	if err != nil {
		return nil, &SubmitError{Kind: KindInvalidAmount, Err: err}
	}
	recipient := common.HexToAddress(to)

	fee := SelectFeeModel(c.feeData(ctx), c.fallbackGasPrice)

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.from,
		To:    &recipient,
		Value: value,
	})
	if err != nil {
		c.logger.Warn("Gas estimation failed", util.String("to", to), util.ErrorField(err))
		return nil, classifyError(ctx, err, KindGasEstimationFailed)
	}

	tx, err := c.signAndSend(ctx, fee, recipient, value, gas)
	if err != nil {
		c.logger.Warn("Broadcast failed", util.String("to", to), util.ErrorField(err))
		return nil, classifyError(ctx, err, KindGeneric)
	}
	hash := tx.Hash().Hex()

	c.logger.Info("Transaction broadcast",
		util.TxHash(hash),
		util.String("to", to),
		util.String("amount", amount),
		util.String("fee_model", fee.Name()),
		util.Uint64("nonce", tx.Nonce()))

	receipt, err := c.waitMined(ctx, tx.Hash())
	if err != nil {
		if ctx.Err() != nil {
			return nil, &SubmitError{Kind: KindTimeout, TxHash: hash, Err: err}
		}
		return nil, &SubmitError{Kind: KindGeneric, Detail: truncate(err.Error()), TxHash: hash, Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &SubmitError{Kind: KindReverted, TxHash: hash}
	}

	price := receipt.EffectiveGasPrice
	if price == nil {
		price = tx.GasPrice()
	}
	return &Receipt{
		TxHash:         hash,
		BlockNumber:    receipt.BlockNumber.Uint64(),
		GasUsed:        receipt.GasUsed,
		EffectivePrice: price,
		FeeModel:       fee.Name(),
	}, nil
}

func (c *Client) signAndSend(ctx context.Context, fee FeeModel, to common.Address, value *big.Int, gas uint64) (*types.Transaction, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce: %w", err)
	}

	signed, err := types.SignTx(fee.newTx(c.chainID, nonce, to, value, gas), c.signer, c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

// feeData collects pricing the way ethers' getFeeData does. Lookup errors
// leave the corresponding fields nil.
func (c *Client) feeData(ctx context.Context) FeeData {
	var data FeeData

	if price, err := c.backend.SuggestGasPrice(ctx); err == nil {
		data.GasPrice = price
	} else {
		c.logger.Debug("Gas price unavailable", util.ErrorField(err))
	}

	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil || header == nil || header.BaseFee == nil {
		return data
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil || tip == nil {
		tip = defaultPriorityFee
	}
	data.MaxPriorityFeePerGas = tip
	data.MaxFeePerGas = dynamicFeeCap(header.BaseFee, tip)
	return data
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.logger.Debug("Receipt lookup failed", util.TxHash(hash.Hex()), util.ErrorField(err))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetTransactionStatus reports a transaction's state without side effects.
// Unknown hashes are pending.
func (c *Client) GetTransactionStatus(ctx context.Context, txHash string) (*TxStatus, error) {
	if !IsValidTxHash(txHash) {
		return nil, ErrInvalidTxHash
	}

	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return &TxStatus{Status: StatusPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipt: %w", err)
	}

	block := receipt.BlockNumber.Uint64()
	if receipt.Status != types.ReceiptStatusSuccessful {
		return &TxStatus{Status: StatusFailed, BlockNumber: &block}, nil
	}
	gasUsed := receipt.GasUsed
	return &TxStatus{Status: StatusSuccess, BlockNumber: &block, GasUsed: &gasUsed}, nil
}

func (c *Client) GetNetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	info := &NetworkInfo{
		ChainID:          c.chainID.Uint64(),
		Name:             networkName(c.chainID),
		OperatingAddress: c.Address(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := c.backend.BlockNumber(gctx)
		if err != nil {
			return fmt.Errorf("failed to fetch block number: %w", err)
		}
		info.BlockNumber = n
		return nil
	})
	g.Go(func() error {
		balance, err := c.GetBalance(gctx)
		if err != nil {
			return err
		}
		info.OperatingBalance = balance
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return info, nil
}

// Close releases the RPC connection when the backend owns one.
func (c *Client) Close() {
	if closer, ok := c.backend.(interface{ Close() }); ok {
		closer.Close()
	}
}

func networkName(chainID *big.Int) string {
	if name, ok := networkNames[chainID.Uint64()]; ok {
		return name
	}
	return "unknown"
}
