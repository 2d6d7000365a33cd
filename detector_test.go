package txtracker

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hashChange struct {
	newHash, oldHash common.Hash
}

type changeRecorder struct {
	mu      sync.Mutex
	changes []hashChange
}

func (r *changeRecorder) record(newHash, oldHash common.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, hashChange{newHash, oldHash})
}

func (r *changeRecorder) all() []hashChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hashChange(nil), r.changes...)
}

func blockOf(number uint64, txs ...*types.Transaction) *types.Block {
	header := &types.Header{Number: new(big.Int).SetUint64(number)}
	return types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: txs})
}

func TestReplacementDetector_ResolveNonce(t *testing.T) {
	original := newSignedTx(t, 5, twoGwei, twentyGwei)
	client := newMockChainClient()

	var hooked []uint64
	d := NewReplacementDetector(client, chainIDMain, original.Hash(), nil, WithNonceHook(func(n uint64) {
		hooked = append(hooked, n)
	}))

	assert.False(t, d.ResolveNonce(context.Background()), "transaction not propagated yet")
	_, ok := d.Nonce()
	assert.False(t, ok)

	client.addTx(original)
	assert.True(t, d.ResolveNonce(context.Background()))
	assert.True(t, d.ResolveNonce(context.Background()))

	n, ok := d.Nonce()
	require.True(t, ok)
	assert.Equal(t, uint64(5), n)
	assert.Equal(t, []uint64{5}, hooked)
}

func TestReplacementDetector_DetectsSpeedUp(t *testing.T) {
	original := newSignedTx(t, 5, twoGwei, twentyGwei)
	speedUp := newSignedTx(t, 5, gwei(4), gwei(40))
	rec := &changeRecorder{}

	d := NewReplacementDetector(newMockChainClient(), chainIDMain, original.Hash(), rec.record,
		WithKnownSender(testWallet.Address, 5))

	// another sender reusing the nonce is not a replacement
	stranger := signTx(t, testPrivateKey2, newTestDynamicTx(5, testAddr2, oneEth, 21000, twoGwei, twentyGwei, chainIDMain))
	assert.False(t, d.ObserveBlock(blockOf(101, stranger)))
	assert.False(t, d.IsComplete())

	assert.True(t, d.ObserveBlock(blockOf(102, speedUp)))
	assert.True(t, d.IsComplete())
	assert.Equal(t, speedUp.Hash(), d.Hash())
	assert.Equal(t, []hashChange{{speedUp.Hash(), original.Hash()}}, rec.all())

	// complete detectors ignore later blocks
	other := newSignedTx(t, 5, gwei(9), gwei(90))
	assert.False(t, d.ObserveBlock(blockOf(103, other)))
	assert.Len(t, rec.all(), 1)
}

func TestReplacementDetector_SameBlockFirstIndexWins(t *testing.T) {
	original := newSignedTx(t, 5, twoGwei, twentyGwei)
	speedUp := newSignedTx(t, 5, gwei(4), gwei(40))
	cancelTx := signTx(t, testPrivateKey1, newTestDynamicTx(5, testWallet.Address, big.NewInt(0), 21000, gwei(5), gwei(50), chainIDMain))

	tests := []struct {
		name     string
		txs      []*types.Transaction
		wantHash common.Hash
		changes  int
	}{
		{"speed up before cancel", []*types.Transaction{speedUp, cancelTx}, speedUp.Hash(), 1},
		{"cancel before speed up", []*types.Transaction{cancelTx, speedUp}, cancelTx.Hash(), 1},
		{"original before speed up", []*types.Transaction{original, speedUp}, original.Hash(), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &changeRecorder{}
			d := NewReplacementDetector(newMockChainClient(), chainIDMain, original.Hash(), rec.record,
				WithKnownSender(testWallet.Address, 5))

			d.ObserveBlock(blockOf(101, tt.txs...))
			assert.True(t, d.IsComplete())
			assert.Equal(t, tt.wantHash, d.Hash())
			changes := rec.all()
			require.Len(t, changes, tt.changes)
			if tt.changes == 1 {
				assert.Equal(t, hashChange{tt.wantHash, original.Hash()}, changes[0])
			}
		})
	}
}

func TestReplacementDetector_InclusionIsNotReplacement(t *testing.T) {
	original := newSignedTx(t, 5, twoGwei, twentyGwei)
	rec := &changeRecorder{}

	d := NewReplacementDetector(newMockChainClient(), chainIDMain, original.Hash(), rec.record,
		WithKnownSender(testWallet.Address, 5))

	assert.False(t, d.ObserveBlock(blockOf(101, original)))
	assert.True(t, d.IsComplete())
	assert.Equal(t, original.Hash(), d.Hash())
	assert.Empty(t, rec.all())
}

func TestReplacementDetector_UnresolvedNonceIgnoresBlocks(t *testing.T) {
	original := newSignedTx(t, 5, twoGwei, twentyGwei)
	speedUp := newSignedTx(t, 5, gwei(4), gwei(40))

	d := NewReplacementDetector(newMockChainClient(), chainIDMain, original.Hash(), nil)
	assert.False(t, d.ObserveBlock(blockOf(101, speedUp)))
	assert.False(t, d.IsComplete())
}

func TestReplacementDetector_Run(t *testing.T) {
	original := newSignedTx(t, 5, twoGwei, twentyGwei)
	cancelTx := signTx(t, testPrivateKey1, newTestDynamicTx(5, testWallet.Address, big.NewInt(0), 21000, gwei(4), gwei(40), chainIDMain))
	client := newMockChainClient()
	client.addTx(original)
	rec := &changeRecorder{}

	d := NewReplacementDetector(client, chainIDMain, original.Hash(), rec.record)
	blocks := make(chan *types.Block, 2)
	blocks <- blockOf(101)
	blocks <- blockOf(102, cancelTx)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), blocks)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("detector did not stop after replacement")
	}
	assert.Equal(t, []hashChange{{cancelTx.Hash(), original.Hash()}}, rec.all())
}
