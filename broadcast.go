// broadcast.go provides Senders for transactions that were signed elsewhere,
// backed either by the tracker's ChainClient or by a jarvis broadcaster.
package txtracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/tranvictor/jarvis/networks"
	"github.com/tranvictor/jarvis/util"
)

// ErrNotBroadcast is returned when no node accepted the transaction.
var ErrNotBroadcast = errors.New("transaction was not accepted by any node")

// TxBroadcaster sends a signed transaction.
// Returns the tx hash, whether at least one node accepted it, and any errors.
type TxBroadcaster interface {
	BroadcastTx(tx *types.Transaction) (hash string, broadcasted bool, err error)
}

// BroadcasterFactory creates a TxBroadcaster for a network.
type BroadcasterFactory func(network networks.Network) (TxBroadcaster, error)

// DefaultBroadcasterFactory creates jarvis broadcasters that fan out to every
// node jarvis knows for the network.
func DefaultBroadcasterFactory(network networks.Network) (TxBroadcaster, error) {
	b, err := util.EthBroadcaster(network)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ClientBroadcaster broadcasts through a single ChainClient.
type ClientBroadcaster struct {
	Client ChainClient
	// Ctx is the parent of each bounded broadcast. Nil means background.
	Ctx context.Context
}

// BroadcastTx sends tx with SendTransaction.
func (b ClientBroadcaster) BroadcastTx(tx *types.Transaction) (string, bool, error) {
	ctx := b.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := b.Client.SendTransaction(ctx, tx); err != nil {
		return "", false, err
	}
	return tx.Hash().Hex(), true, nil
}

// SignedTxSender submits one pre-signed transaction. The intent passed to
// SendTransfer is only used for display.
type SignedTxSender struct {
	broadcaster TxBroadcaster
	tx          *types.Transaction
}

// NewSignedTxSender creates a Sender broadcasting tx through b.
func NewSignedTxSender(b TxBroadcaster, tx *types.Transaction) *SignedTxSender {
	return &SignedTxSender{broadcaster: b, tx: tx}
}

// NewNetworkSender resolves tx's chain to a jarvis network and broadcasts
// through the broadcaster factory creates for it.
func NewNetworkSender(tx *types.Transaction, resolver NetworkResolver, factory BroadcasterFactory) (*SignedTxSender, error) {
	if resolver == nil {
		resolver = DefaultNetworkResolver
	}
	if factory == nil {
		factory = DefaultBroadcasterFactory
	}
	// TODO: legacy transactions without replay protection report chain id 0
	network, err := resolver(tx.ChainId().Uint64())
	if err != nil {
		return nil, errors.Join(ErrUnknownChain, fmt.Errorf("tx is encoded with unsupported chain id %s: %w", tx.ChainId(), err))
	}
	b, err := factory(network)
	if err != nil {
		return nil, fmt.Errorf("couldn't get broadcaster for %s: %w", network.GetName(), err)
	}
	return NewSignedTxSender(b, tx), nil
}

// Tx returns the transaction being sent.
func (s *SignedTxSender) Tx() *types.Transaction {
	return s.tx
}

// SendTransfer broadcasts the signed transaction.
func (s *SignedTxSender) SendTransfer(ctx context.Context, _ TransferIntent) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	hash, broadcasted, err := s.broadcaster.BroadcastTx(s.tx)
	if !broadcasted {
		if err == nil {
			err = ErrNotBroadcast
		}
		return common.Hash{}, err
	}
	if err != nil {
		// some nodes rejected it, at least one accepted
		logger.WithFields(logger.Fields{
			"tx_hash": s.tx.Hash().Hex(),
			"error":   err,
		}).Debug("Partial broadcast failure")
	}
	if hash == "" {
		return s.tx.Hash(), nil
	}
	return common.HexToHash(hash), nil
}
