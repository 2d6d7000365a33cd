// deps.go defines minimal interfaces for external dependencies.
// This allows for easy mocking in tests and decouples the tracker from specific implementations.
package txtracker

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// TxFetcher fetches a transaction by hash.
type TxFetcher interface {
	// TransactionByHash returns ethereum.NotFound while the node has not seen the hash
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// BlockSource exposes the chain head and full blocks.
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
}

// ReceiptSource fetches receipts and the chain head for confirmation counting.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// GasEstimator simulates transfers and reads the node's gas price.
type GasEstimator interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// ChainClient is the subset of *ethclient.Client the tracker and its collaborators use.
type ChainClient interface {
	TxFetcher
	BlockSource
	GasEstimator
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	ChainID(ctx context.Context) (*big.Int, error)
}

var _ ChainClient = (*ethclient.Client)(nil)

// FeeOracle provides the latest gas quote for a chain. A nil quote means none is available yet.
type FeeOracle interface {
	Quote(ctx context.Context, chainID uint64) (*GasQuote, error)
}

// Sender signs and broadcasts a transfer. It is the wallet side of a submission
// and the only place keys are involved.
type Sender interface {
	SendTransfer(ctx context.Context, intent TransferIntent) (common.Hash, error)
}

// StateStore persists the lifecycle snapshot and the last-known wallet context.
type StateStore interface {
	SaveState(ctx context.Context, state State) error
	LoadState(ctx context.Context) (*State, error)
	SaveWalletContext(ctx context.Context, wc WalletContext) error
	LoadWalletContext(ctx context.Context) (*WalletContext, error)
	AppendHistory(ctx context.Context, wc WalletContext, tx *TrackedTransaction) error
}

// EventSink receives every applied lifecycle transition.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// ClientFactory dials a ChainClient for a chain.
// This allows injecting mock clients for testing.
type ClientFactory func(ctx context.Context, chainID uint64, rpcURL string) (ChainClient, error)

// DefaultClientFactory dials rpcURL with ethclient.
func DefaultClientFactory(ctx context.Context, chainID uint64, rpcURL string) (ChainClient, error) {
	return ethclient.DialContext(ctx, rpcURL)
}
