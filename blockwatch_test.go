package txtracker

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectBlocks(t *testing.T, ch <-chan *types.Block, n int) []uint64 {
	t.Helper()
	var out []uint64
	for len(out) < n {
		select {
		case b, ok := <-ch:
			require.True(t, ok, "watcher stopped early")
			out = append(out, b.NumberU64())
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d of %d blocks", len(out), n)
		}
	}
	return out
}

func TestBlockWatcher_EmitsInOrder(t *testing.T) {
	client := newMockChainClient()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocks := NewBlockWatcher(client, 5*time.Millisecond).Watch(ctx)
	assert.Equal(t, []uint64{100}, collectBlocks(t, blocks, 1))

	client.mine()
	client.mine()
	client.mine()
	assert.Equal(t, []uint64{101, 102, 103}, collectBlocks(t, blocks, 3))

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-blocks:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestBlockWatcher_SkipsUnavailableBlocks(t *testing.T) {
	client := newMockChainClient()
	client.BlockByNumberFn = func(ctx context.Context, number *big.Int) (*types.Block, error) {
		if number.Uint64() == 101 {
			return nil, errors.New("pruned")
		}
		return types.NewBlockWithHeader(&types.Header{Number: new(big.Int).Set(number)}), nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocks := NewBlockWatcher(client, 5*time.Millisecond).Watch(ctx)
	assert.Equal(t, []uint64{100}, collectBlocks(t, blocks, 1))

	client.setHead(102)
	assert.Equal(t, []uint64{102}, collectBlocks(t, blocks, 1))
}

func TestBlockWatcher_Reorg(t *testing.T) {
	client := newMockChainClient()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocks := NewBlockWatcher(client, 5*time.Millisecond).Watch(ctx)
	collectBlocks(t, blocks, 1)
	client.setHead(103)
	assert.Equal(t, []uint64{101, 102, 103}, collectBlocks(t, blocks, 3))

	client.setHead(101)
	time.Sleep(50 * time.Millisecond)
	client.setHead(102)
	assert.Equal(t, []uint64{102}, collectBlocks(t, blocks, 1))
}
