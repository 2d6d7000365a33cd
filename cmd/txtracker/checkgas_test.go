package main

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tranvictor/txtracker"
	"github.com/tranvictor/txtracker/tokenmeta"
)

// ============================================================================
// Mocks
// ============================================================================

type mockEstimator struct {
	mu sync.Mutex

	EstimateGasCalls []ethereum.CallMsg
}

func (m *mockEstimator) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EstimateGasCalls = append(m.EstimateGasCalls, msg)
	return 21000, nil
}

func (m *mockEstimator) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(20_000_000_000), nil
}

func (m *mockEstimator) calls() []ethereum.CallMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ethereum.CallMsg(nil), m.EstimateGasCalls...)
}

// ============================================================================
// Tests
// ============================================================================

func TestCheckAmounts_BurstChecksLastAmount(t *testing.T) {
	native := tokenmeta.NativeToken(1)
	balance, _ := new(big.Int).SetString("2000000000000000000", 10)
	estimator := &mockEstimator{}
	in := txtracker.GuardInput{
		Token:         native,
		Signer:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		NativeBalance: balance,
	}

	err := checkAmounts(context.Background(), strings.NewReader("5\nnot a number\n3\n0.5\n"),
		estimator, nil, 20*time.Millisecond, in, native, balance)
	require.NoError(t, err)

	calls := estimator.calls()
	require.Len(t, calls, 1, "only the last amount of a burst is simulated")
	assert.Equal(t, "500000000000000000", calls[0].Value.String())
}

func TestCheckAmounts_InsufficientLastAmount(t *testing.T) {
	native := tokenmeta.NativeToken(1)
	balance, _ := new(big.Int).SetString("1000000000000000000", 10)
	in := txtracker.GuardInput{
		Token:         native,
		Signer:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		NativeBalance: balance,
	}

	err := checkAmounts(context.Background(), strings.NewReader("0.1\n1\n"),
		&mockEstimator{}, nil, 10*time.Millisecond, in, native, balance)
	assert.ErrorContains(t, err, "insufficient")
}

func TestCheckAmounts_NoInput(t *testing.T) {
	native := tokenmeta.NativeToken(1)
	estimator := &mockEstimator{}
	err := checkAmounts(context.Background(), strings.NewReader(""),
		estimator, nil, 10*time.Millisecond, txtracker.GuardInput{Token: native}, native, new(big.Int))
	assert.NoError(t, err)
	assert.Empty(t, estimator.calls())
}

func TestSupportedChainsHelp(t *testing.T) {
	help := supportedChainsHelp()
	for _, c := range txtracker.SupportedChains() {
		assert.Contains(t, help, c.Name)
	}
	assert.True(t, strings.HasPrefix(help, "1 Ethereum, "))
	assert.Contains(t, help, "84532 Base Sepolia")
}
