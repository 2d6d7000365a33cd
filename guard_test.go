package txtracker

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequiredReserve(t *testing.T) {
	// 21000 * 20 gwei = 0.00042 native, buffer is a third of it
	reserve := RequiredReserve(21000, twentyGwei)
	cost := new(big.Int).Mul(big.NewInt(21000), twentyGwei)
	want := new(big.Int).Add(cost, new(big.Int).Div(cost, big.NewInt(3)))
	assert.Equal(t, want, reserve)

	// tiny cost gets the minimum buffer
	reserve = RequiredReserve(21000, big.NewInt(1))
	assert.Equal(t, new(big.Int).Add(big.NewInt(21000), MinimumBufferWei), reserve)
}

func TestGuard_Check(t *testing.T) {
	client := newMockChainClient()
	guard := NewGasSufficiencyGuard(client)
	required := RequiredReserve(21000, gwei(30))

	tests := []struct {
		name       string
		balance    *big.Int
		amount     *big.Int
		sufficient bool
	}{
		{"enough left after native amount", new(big.Int).Add(oneEth, required), oneEth, true},
		{"native amount eats the reserve", oneEth, oneEth, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard.Reset()
			res := guard.Check(context.Background(), GuardInput{
				Token:         ethToken,
				AmountWei:     tt.amount,
				Recipient:     testAddr2,
				Signer:        testAddr1,
				NativeBalance: tt.balance,
				Quote:         testQuote(),
			})
			assert.Equal(t, tt.sufficient, res.Sufficient)
			assert.Equal(t, required, res.RequiredGasWei)
			assert.Equal(t, uint64(21000), res.GasUnits)
			assert.Equal(t, gwei(30), res.GasPriceWei)
		})
	}
	assert.Zero(t, client.SuggestGasPriceCalls, "medium quote is preferred over the node price")
}

func TestGuard_Check_EmptyAmount(t *testing.T) {
	client := newMockChainClient()
	guard := NewGasSufficiencyGuard(client)

	res := guard.Check(context.Background(), GuardInput{Token: ethToken, Signer: testAddr1})
	assert.True(t, res.Sufficient)
	assert.Zero(t, res.RequiredGasWei.Sign())
	assert.Empty(t, client.EstimateGasCalls)
}

func TestGuard_Check_Scenarios(t *testing.T) {
	halfEth := new(big.Int).Div(oneEth, big.NewInt(2))
	// 100000 units at 1 gwei cost 0.0001 native, the buffer floor doubles it
	quote := &GasQuote{ChainID: 1, Medium: &TierFees{SuggestedMaxFeePerGasGwei: "1"}}
	reserve := big.NewInt(200_000_000_000_000)

	tests := []struct {
		name       string
		token      TokenRef
		amount     *big.Int
		balance    *big.Int
		sufficient bool
	}{
		{"native half of balance", ethToken, halfEth, oneEth, true},
		{"token without native balance", usdcToken, big.NewInt(1_000_000), big.NewInt(0), false},
		{"token dust without native balance", usdcToken, big.NewInt(1), big.NewInt(0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMockChainClient()
			client.EstimateGasFn = func(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
				return 100_000, nil
			}
			guard := NewGasSufficiencyGuard(client)

			res := guard.Check(context.Background(), GuardInput{
				Token:         tt.token,
				AmountWei:     tt.amount,
				Recipient:     testAddr2,
				Signer:        testAddr1,
				NativeBalance: tt.balance,
				Quote:         quote,
			})
			assert.Equal(t, tt.sufficient, res.Sufficient)
			assert.Equal(t, reserve, res.RequiredGasWei)
			assert.Equal(t, uint64(100_000), res.GasUnits)
			assert.Equal(t, gwei(1), res.GasPriceWei)
		})
	}
}

func TestGuard_Check_ERC20UsesTokenCallAndFallback(t *testing.T) {
	client := newMockChainClient()
	client.EstimateGasFn = func(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
		return 0, errors.New("execution reverted")
	}
	guard := NewGasSufficiencyGuard(client)

	res := guard.Check(context.Background(), GuardInput{
		Token:         usdcToken,
		AmountWei:     big.NewInt(1_000_000),
		Signer:        testAddr1,
		NativeBalance: oneEth,
	})
	assert.True(t, res.Sufficient)
	assert.Equal(t, uint64(ERC20TransferGasFallback), res.GasUnits)
	assert.Equal(t, twentyGwei, res.GasPriceWei, "node gas price without a quote")

	require.Len(t, client.EstimateGasCalls, 1)
	msg := client.EstimateGasCalls[0]
	assert.Equal(t, testToken, *msg.To)
	assert.Equal(t, ERC20ABI.Methods["transfer"].ID, msg.Data[:4])
}

func TestGuard_Check_MemoizesFailures(t *testing.T) {
	client := newMockChainClient()
	guard := NewGasSufficiencyGuard(client)
	in := GuardInput{
		Token:         ethToken,
		AmountWei:     oneEth,
		Recipient:     testAddr2,
		Signer:        testAddr1,
		NativeBalance: oneEth,
	}

	res := guard.Check(context.Background(), in)
	require.False(t, res.Sufficient)
	assert.False(t, res.Memoized)

	larger := in
	larger.AmountWei = new(big.Int).Mul(oneEth, big.NewInt(2))
	res = guard.Check(context.Background(), larger)
	assert.False(t, res.Sufficient)
	assert.True(t, res.Memoized)
	assert.Len(t, client.EstimateGasCalls, 1)

	otherRecipient := larger
	otherRecipient.Recipient = testAddr1
	res = guard.Check(context.Background(), otherRecipient)
	assert.False(t, res.Memoized)
	assert.Len(t, client.EstimateGasCalls, 2)

	smaller := in
	smaller.AmountWei = big.NewInt(1000)
	res = guard.Check(context.Background(), smaller)
	assert.True(t, res.Sufficient)
	assert.False(t, res.Memoized)
}

func TestGuard_Check_EmptyAmountClearsMemo(t *testing.T) {
	client := newMockChainClient()
	guard := NewGasSufficiencyGuard(client)
	in := GuardInput{
		Token:         ethToken,
		AmountWei:     oneEth,
		Recipient:     testAddr2,
		Signer:        testAddr1,
		NativeBalance: oneEth,
	}

	res := guard.Check(context.Background(), in)
	require.False(t, res.Sufficient)

	cleared := in
	cleared.AmountWei = big.NewInt(0)
	res = guard.Check(context.Background(), cleared)
	assert.True(t, res.Sufficient)

	larger := in
	larger.AmountWei = new(big.Int).Mul(oneEth, big.NewInt(2))
	larger.NativeBalance = new(big.Int).Mul(oneEth, big.NewInt(10))
	res = guard.Check(context.Background(), larger)
	assert.False(t, res.Memoized)
	assert.True(t, res.Sufficient)
	assert.Len(t, client.EstimateGasCalls, 2)
}

func TestGuard_Check_GasPriceFailure(t *testing.T) {
	client := newMockChainClient()
	client.SuggestGasPriceFn = func(ctx context.Context) (*big.Int, error) {
		return nil, errors.New("node down")
	}
	guard := NewGasSufficiencyGuard(client)

	res := guard.Check(context.Background(), GuardInput{Token: ethToken, AmountWei: big.NewInt(1), Signer: testAddr1, NativeBalance: oneEth})
	assert.False(t, res.Sufficient)
	assert.Equal(t, FallbackReserveWei, res.RequiredGasWei)
}

func TestGuard_Schedule_LastRequestWins(t *testing.T) {
	client := newMockChainClient()

	var mu sync.Mutex
	var results []GuardResult
	guard := NewGasSufficiencyGuard(client,
		WithDebounce(20*time.Millisecond),
		WithGuardResultHandler(func(r GuardResult) {
			mu.Lock()
			defer mu.Unlock()
			results = append(results, r)
		}),
	)

	in := GuardInput{Token: ethToken, Signer: testAddr1, NativeBalance: oneEth, Quote: testQuote()}
	in.AmountWei = big.NewInt(1)
	guard.Schedule(context.Background(), in)
	in.AmountWei = big.NewInt(2)
	guard.Schedule(context.Background(), in)
	in.AmountWei = big.NewInt(3)
	last := guard.Schedule(context.Background(), in)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	assert.Equal(t, last, results[0].RequestID)
	assert.True(t, results[0].Sufficient)
}

func TestGuard_Cancel(t *testing.T) {
	client := newMockChainClient()
	called := make(chan struct{}, 1)
	guard := NewGasSufficiencyGuard(client,
		WithDebounce(10*time.Millisecond),
		WithGuardResultHandler(func(GuardResult) { called <- struct{}{} }),
	)

	guard.Schedule(context.Background(), GuardInput{Token: ethToken, AmountWei: big.NewInt(1), Signer: testAddr1})
	guard.Cancel()

	select {
	case <-called:
		t.Fatal("cancelled check delivered a result")
	case <-time.After(50 * time.Millisecond):
	}
}
