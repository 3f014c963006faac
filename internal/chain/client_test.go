package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recipient = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

type fakeBackend struct {
	mu sync.Mutex

	chainID   *big.Int
	balance   *big.Int
	block     uint64
	gasPrice  *big.Int
	baseFee   *big.Int
	tip       *big.Int
	nonce     uint64
	estimate  error
	sendErr   error
	receipts  map[common.Hash]*types.Receipt
	minedAt   int // receipt appears after this many lookups
	lookups   int
	neverMine bool
	revert    bool

	sent []*types.Transaction
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:  big.NewInt(11155111),
		balance:  new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18)),
		block:    100,
		gasPrice: big.NewInt(2_000_000_000),
		receipts: map[common.Hash]*types.Receipt{},
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return f.block, nil }

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(f.block), BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	if f.gasPrice == nil {
		return nil, errors.New("method not supported")
	}
	return f.gasPrice, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	if f.tip == nil {
		return nil, errors.New("method not supported")
	}
	return f.tip, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimate != nil {
		return 0, f.estimate
	}
	return 21000, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++

	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	}
	f.receipts[tx.Hash()] = &types.Receipt{
		Status:            status,
		TxHash:            tx.Hash(),
		BlockNumber:       new(big.Int).SetUint64(f.block + 1),
		GasUsed:           21000,
		EffectiveGasPrice: tx.GasPrice(),
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	r, ok := f.receipts[hash]
	if !ok || f.neverMine || f.lookups <= f.minedAt {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func newTestClient(t *testing.T, backend *fakeBackend) (*Client, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	c, err := NewClient(context.Background(), backend, "0x"+hexKey, nil, WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)
	return c, crypto.PubkeyToAddress(key.PublicKey)
}

func submitError(t *testing.T, err error) *SubmitError {
	t.Helper()
	var serr *SubmitError
	require.True(t, errors.As(err, &serr), "expected *SubmitError, got %v", err)
	return serr
}

func TestNewClient_RejectsBadKey(t *testing.T) {
	_, err := NewClient(context.Background(), newFakeBackend(), "not-a-key", nil)
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestSubmit_SuccessSignsWithOperatingKey(t *testing.T) {
	backend := newFakeBackend()
	backend.minedAt = 2
	c, from := newTestClient(t, backend)

	receipt, err := c.Submit(context.Background(), recipient, "0.001")
	require.NoError(t, err)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Len(t, receipt.TxHash, 66)
	assert.Equal(t, tx.Hash().Hex(), receipt.TxHash)
	assert.Equal(t, uint64(101), receipt.BlockNumber)
	assert.Equal(t, uint64(21000), receipt.GasUsed)
	assert.Equal(t, "legacy", receipt.FeeModel)

	sender, err := types.Sender(types.LatestSignerForChainID(backend.chainID), tx)
	require.NoError(t, err)
	assert.Equal(t, from, sender)
	assert.Equal(t, common.HexToAddress(recipient), *tx.To())
	assert.Equal(t, "1000000000000000", tx.Value().String())
}

func TestSubmit_InvalidInputs(t *testing.T) {
	c, _ := newTestClient(t, newFakeBackend())

	_, err := c.Submit(context.Background(), "0x123", "0.001")
	assert.Equal(t, KindInvalidRecipient, submitError(t, err).Kind)
	assert.Equal(t, "Invalid recipient address", err.Error())

	for _, amount := range []string{"", "abc", "0", "-1", "0.0000000000000000001"} {
		_, err := c.Submit(context.Background(), recipient, amount)
		assert.Equal(t, KindInvalidAmount, submitError(t, err).Kind, amount)
	}
}

func TestSubmit_InsufficientFunds(t *testing.T) {
	backend := newFakeBackend()
	backend.estimate = errors.New("insufficient funds for gas * price + value")
	c, _ := newTestClient(t, backend)

	_, err := c.Submit(context.Background(), recipient, "0.001")
	serr := submitError(t, err)
	assert.Equal(t, KindInsufficientFunds, serr.Kind)
	assert.Equal(t, "Insufficient funds in faucet wallet", serr.Error())
	assert.Empty(t, backend.sent)
}

func TestSubmit_GasEstimationFailed(t *testing.T) {
	backend := newFakeBackend()
	backend.estimate = errors.New("execution reverted")
	c, _ := newTestClient(t, backend)

	_, err := c.Submit(context.Background(), recipient, "0.001")
	assert.Equal(t, "Transaction failed: unable to estimate gas", submitError(t, err).Error())
}

func TestSubmit_Underpriced(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = errors.New("replacement transaction underpriced")
	c, _ := newTestClient(t, backend)

	_, err := c.Submit(context.Background(), recipient, "0.001")
	serr := submitError(t, err)
	assert.Equal(t, KindUnderpriced, serr.Kind)
	assert.Equal(t, "Transaction failed: replacement transaction underpriced", serr.Error())
}

func TestSubmit_GenericCarriesMessage(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = errors.New("nonce too low")
	c, _ := newTestClient(t, backend)

	_, err := c.Submit(context.Background(), recipient, "0.001")
	assert.Equal(t, "Transaction failed: nonce too low", submitError(t, err).Error())
}

func TestSubmit_TimeoutKeepsHash(t *testing.T) {
	backend := newFakeBackend()
	backend.neverMine = true
	c, _ := newTestClient(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	_, err := c.Submit(ctx, recipient, "0.001")
	serr := submitError(t, err)
	assert.Equal(t, KindTimeout, serr.Kind)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, backend.sent[0].Hash().Hex(), serr.TxHash)
	assert.Contains(t, serr.Error(), serr.TxHash)
}

func TestSubmit_RevertedReceiptIsFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.revert = true
	c, _ := newTestClient(t, backend)

	_, err := c.Submit(context.Background(), recipient, "0.001")
	serr := submitError(t, err)
	assert.Equal(t, KindReverted, serr.Kind)
	assert.NotEmpty(t, serr.TxHash)
}

func TestSubmit_ConcurrentSendsUseDistinctNonces(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newTestClient(t, backend)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Submit(context.Background(), recipient, "0.001")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := map[uint64]bool{}
	for _, tx := range backend.sent {
		assert.False(t, seen[tx.Nonce()], "duplicate nonce %d", tx.Nonce())
		seen[tx.Nonce()] = true
	}
	assert.Len(t, seen, 8)
}

func TestSubmit_DynamicFeeWhenNoLegacyPrice(t *testing.T) {
	backend := newFakeBackend()
	backend.gasPrice = nil
	backend.baseFee = big.NewInt(10)
	backend.tip = big.NewInt(3)
	c, _ := newTestClient(t, backend)

	receipt, err := c.Submit(context.Background(), recipient, "0.001")
	require.NoError(t, err)
	assert.Equal(t, "dynamic", receipt.FeeModel)

	tx := backend.sent[0]
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, int64(23), tx.GasFeeCap().Int64())
	assert.Equal(t, int64(3), tx.GasTipCap().Int64())
}

func TestSelectFeeModel(t *testing.T) {
	fallback := big.NewInt(1_500_000_000)

	assert.Equal(t, LegacyFee{GasPrice: big.NewInt(7)},
		SelectFeeModel(FeeData{GasPrice: big.NewInt(7), MaxFeePerGas: big.NewInt(9), MaxPriorityFeePerGas: big.NewInt(1)}, fallback))

	assert.Equal(t, DynamicFee{GasFeeCap: big.NewInt(9), GasTipCap: big.NewInt(1)},
		SelectFeeModel(FeeData{MaxFeePerGas: big.NewInt(9), MaxPriorityFeePerGas: big.NewInt(1)}, fallback))

	assert.Equal(t, FallbackFee{GasPrice: fallback}, SelectFeeModel(FeeData{}, fallback))
	assert.Equal(t, FallbackFee{GasPrice: fallback}, SelectFeeModel(FeeData{GasPrice: big.NewInt(0)}, fallback))
}

func TestGetTransactionStatus(t *testing.T) {
	backend := newFakeBackend()
	c, _ := newTestClient(t, backend)

	_, err := c.GetTransactionStatus(context.Background(), "0xabc")
	assert.ErrorIs(t, err, ErrInvalidTxHash)

	unknown := "0x" + common.Bytes2Hex(make([]byte, 32))
	status, err := c.GetTransactionStatus(context.Background(), unknown)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status.Status)
	assert.Nil(t, status.BlockNumber)

	receipt, err := c.Submit(context.Background(), recipient, "0.001")
	require.NoError(t, err)

	first, err := c.GetTransactionStatus(context.Background(), receipt.TxHash)
	require.NoError(t, err)
	second, err := c.GetTransactionStatus(context.Background(), receipt.TxHash)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, StatusSuccess, first.Status)
	require.NotNil(t, first.GasUsed)
	assert.Equal(t, uint64(21000), *first.GasUsed)
}

func TestGetNetworkInfo(t *testing.T) {
	backend := newFakeBackend()
	c, from := newTestClient(t, backend)

	info, err := c.GetNetworkInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(11155111), info.ChainID)
	assert.Equal(t, "sepolia", info.Name)
	assert.Equal(t, uint64(100), info.BlockNumber)
	assert.Equal(t, "5", info.OperatingBalance)
	assert.Equal(t, from.Hex(), info.OperatingAddress)
}
