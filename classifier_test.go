package txtracker

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyTier(t *testing.T) {
	tests := []struct {
		name string
		fees FeeFields
		want Tier
	}{
		{"meets high", FeeFields{MaxPriorityFeePerGas: gwei(3), MaxFeePerGas: gwei(40)}, TierHigh},
		{"high tip but medium max fee", FeeFields{MaxPriorityFeePerGas: gwei(5), MaxFeePerGas: gwei(30)}, TierMedium},
		{"meets low exactly", FeeFields{MaxPriorityFeePerGas: gwei(1), MaxFeePerGas: gwei(20)}, TierLow},
		{"below low", FeeFields{MaxPriorityFeePerGas: big.NewInt(1), MaxFeePerGas: gwei(1)}, TierLow},
		{"legacy gas price", FeeFields{GasPrice: gwei(40)}, TierHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ClassifyTier(tt.fees, testQuote())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyTier_Unavailable(t *testing.T) {
	fees := FeeFields{MaxPriorityFeePerGas: gwei(3), MaxFeePerGas: gwei(40)}

	_, err := ClassifyTier(fees, nil)
	assert.ErrorIs(t, err, ErrQuoteUnavailable)

	partial := testQuote()
	partial.High = nil
	_, err = ClassifyTier(fees, partial)
	assert.ErrorIs(t, err, ErrQuoteUnavailable)

	broken := testQuote()
	broken.High.SuggestedMaxFeePerGasGwei = "lots"
	_, err = ClassifyTier(fees, broken)
	assert.ErrorIs(t, err, ErrQuoteUnavailable)

	_, err = ClassifyTier(FeeFields{}, testQuote())
	assert.ErrorIs(t, err, ErrInvalidFee)
}

func TestFeeFieldsFromTx(t *testing.T) {
	dynamic := newTestDynamicTx(0, testAddr2, oneEth, 21000, twoGwei, twentyGwei, chainIDMain)
	fees := FeeFieldsFromTx(dynamic)
	assert.Equal(t, twoGwei, fees.MaxPriorityFeePerGas)
	assert.Equal(t, twentyGwei, fees.MaxFeePerGas)
	assert.Nil(t, fees.GasPrice)

	legacy := types.NewTx(&types.LegacyTx{Nonce: 0, To: &testAddr2, Value: oneEth, Gas: 21000, GasPrice: twentyGwei})
	fees = FeeFieldsFromTx(legacy)
	assert.Equal(t, twentyGwei, fees.GasPrice)
	assert.Nil(t, fees.MaxFeePerGas)
}

func TestClassify(t *testing.T) {
	tx := newTestDynamicTx(0, testAddr2, oneEth, 21000, gwei(2), gwei(30), chainIDMain)

	est, err := Classify(tx, testQuote())
	require.NoError(t, err)
	assert.Equal(t, tx.Hash(), est.Hash)
	assert.Equal(t, TierMedium, est.Tier)
	assert.Equal(t, uint64(45000), est.EstimatedWaitTimeMs)
	assert.Equal(t, uint64(21000), est.GasUsed)
	assert.Equal(t, new(big.Int).Mul(big.NewInt(21000), gwei(30)), est.EstimatedGasCostWei)
}

func TestFetchTransaction_RetriesUntilFound(t *testing.T) {
	tx := newTestDynamicTx(0, testAddr2, oneEth, 21000, twoGwei, twentyGwei, chainIDMain)
	client := newMockChainClient()
	calls := 0
	client.TransactionByHashFn = func(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
		calls++
		if calls < 3 {
			return nil, false, ethereum.NotFound
		}
		return tx, true, nil
	}

	got, err := FetchTransaction(context.Background(), client, tx.Hash(), 5, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, tx.Hash(), got.Hash())
	assert.Equal(t, 3, calls)
}

func TestFetchTransaction_GivesUp(t *testing.T) {
	client := newMockChainClient()

	_, err := FetchTransaction(context.Background(), client, hashA, 3, time.Millisecond)
	assert.ErrorIs(t, err, ErrTxNotFound)
	assert.ErrorIs(t, err, ethereum.NotFound)
	assert.Len(t, client.TransactionByHashCalls, 3)
}

func TestFetchTransaction_ContextCancelled(t *testing.T) {
	client := newMockChainClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := FetchTransaction(ctx, client, hashA, 3, time.Hour)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Len(t, client.TransactionByHashCalls, 1)
}

func TestClassifier_Estimate(t *testing.T) {
	tx := newTestDynamicTx(0, testAddr2, oneEth, 21000, gwei(3), gwei(40), chainIDMain)
	client := newMockChainClient()
	client.addTx(tx)
	c := NewClassifier(client, WithClassifierFetchRetry(2, time.Millisecond), WithClassifierMetrics(NewMetrics(nil)))

	est := c.Estimate(context.Background(), tx.Hash(), testQuote())
	require.NotNil(t, est)
	assert.Equal(t, TierHigh, est.Tier)

	assert.Nil(t, c.Estimate(context.Background(), tx.Hash(), nil), "no quote means no estimate")
	assert.Nil(t, c.Estimate(context.Background(), hashB, testQuote()), "unknown hash means no estimate")
}
