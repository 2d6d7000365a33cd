package txtracker

import (
	"context"
	"math/big"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	jarviscommon "github.com/tranvictor/jarvis/common"
)

// HashChangeFunc is called once when a different transaction with the tracked nonce is mined.
type HashChangeFunc func(newHash, oldHash common.Hash)

// ReplacementDetector watches blocks for the tracked sender and nonce. It tells a
// speed-up or cancel (same nonce, different hash) apart from inclusion of the
// tracked transaction itself. One detector serves one submission; it stops
// detecting after the first sighting of either.
type ReplacementDetector struct {
	mu sync.Mutex

	fetcher TxFetcher
	chainID *big.Int
	hash    common.Hash

	nonce  *uint64
	sender common.Address

	complete bool

	onHashChange HashChangeFunc
	onNonce      func(nonce uint64)
	metrics      *Metrics
}

// DetectorOption configures a ReplacementDetector
type DetectorOption func(*ReplacementDetector)

// WithKnownSender seeds the sender and nonce so no lookup is needed
func WithKnownSender(sender common.Address, nonce uint64) DetectorOption {
	return func(d *ReplacementDetector) {
		n := nonce
		d.nonce = &n
		d.sender = sender
	}
}

// WithNonceHook is called once the nonce is resolved from the tracked transaction
func WithNonceHook(fn func(nonce uint64)) DetectorOption {
	return func(d *ReplacementDetector) {
		d.onNonce = fn
	}
}

// WithDetectorMetrics counts detected replacements
func WithDetectorMetrics(m *Metrics) DetectorOption {
	return func(d *ReplacementDetector) {
		d.metrics = m
	}
}

// NewReplacementDetector creates a detector for hash on chainID.
func NewReplacementDetector(fetcher TxFetcher, chainID *big.Int, hash common.Hash, onHashChange HashChangeFunc, opts ...DetectorOption) *ReplacementDetector {
	d := &ReplacementDetector{
		fetcher:      fetcher,
		chainID:      chainID,
		hash:         hash,
		onHashChange: onHashChange,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Hash returns the hash currently tracked.
func (d *ReplacementDetector) Hash() common.Hash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hash
}

// Nonce returns the resolved nonce, if any.
func (d *ReplacementDetector) Nonce() (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nonce == nil {
		return 0, false
	}
	return *d.nonce, true
}

// IsComplete reports whether a replacement or inclusion has been seen.
func (d *ReplacementDetector) IsComplete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.complete
}

// ResolveNonce makes one attempt to read the tracked transaction's nonce and
// sender. It reports whether the nonce is known. Failures are left for the next call.
func (d *ReplacementDetector) ResolveNonce(ctx context.Context) bool {
	d.mu.Lock()
	if d.nonce != nil {
		d.mu.Unlock()
		return true
	}
	hash := d.hash
	d.mu.Unlock()

	tx, _, err := d.fetcher.TransactionByHash(ctx, hash)
	if err != nil || tx == nil {
		logger.WithFields(logger.Fields{
			"tx_hash": hash.Hex(),
			"error":   err,
		}).Debug("Nonce not resolved yet")
		return false
	}
	sender, err := jarviscommon.GetSignerAddressFromTx(tx, d.signerChainID(tx))
	if err != nil {
		logger.WithFields(logger.Fields{
			"tx_hash": hash.Hex(),
			"error":   err,
		}).Warn("Couldn't recover sender of tracked transaction")
		return false
	}

	d.mu.Lock()
	if d.nonce != nil {
		d.mu.Unlock()
		return true
	}
	n := tx.Nonce()
	d.nonce = &n
	d.sender = sender
	hook := d.onNonce
	d.mu.Unlock()

	logger.WithFields(logger.Fields{
		"tx_hash": hash.Hex(),
		"nonce":   n,
		"sender":  sender.Hex(),
	}).Debug("Resolved tracked nonce")
	if hook != nil {
		hook(n)
	}
	return true
}

func (d *ReplacementDetector) signerChainID(tx *types.Transaction) *big.Int {
	if d.chainID != nil && d.chainID.Sign() > 0 {
		return d.chainID
	}
	return tx.ChainId()
}

// ObserveBlock scans block in index order for the tracked sender and nonce.
// The first match decides: a different hash is a replacement and fires the
// callback, the same hash is inclusion. Either completes the detector.
// It reports whether the callback fired.
func (d *ReplacementDetector) ObserveBlock(block *types.Block) bool {
	d.mu.Lock()
	if d.complete || d.nonce == nil || block == nil {
		d.mu.Unlock()
		return false
	}
	nonce, sender, tracked := *d.nonce, d.sender, d.hash
	d.mu.Unlock()

	var match *types.Transaction
	for _, tx := range block.Transactions() {
		if tx.Nonce() != nonce {
			continue
		}
		from, err := jarviscommon.GetSignerAddressFromTx(tx, d.signerChainID(tx))
		if err != nil || from != sender {
			continue
		}
		match = tx
		break
	}
	if match == nil {
		return false
	}

	d.mu.Lock()
	if d.complete {
		d.mu.Unlock()
		return false
	}
	d.complete = true
	replaced := match.Hash() != tracked
	if replaced {
		d.hash = match.Hash()
	}
	cb := d.onHashChange
	d.mu.Unlock()

	if !replaced {
		logger.WithFields(logger.Fields{
			"tx_hash": tracked.Hex(),
			"block":   block.NumberU64(),
		}).Debug("Tracked transaction included")
		return false
	}

	d.metrics.replacement()
	logger.WithFields(logger.Fields{
		"old_hash": tracked.Hex(),
		"new_hash": match.Hash().Hex(),
		"nonce":    nonce,
		"block":    block.NumberU64(),
	}).Info("Detected transaction replacement")
	if cb != nil {
		cb(match.Hash(), tracked)
	}
	return true
}

// Run consumes blocks until ctx is done, the channel closes or the detector completes.
// Blocks seen before the nonce is resolved are ignored.
func (d *ReplacementDetector) Run(ctx context.Context, blocks <-chan *types.Block) {
	for {
		select {
		case <-ctx.Done():
			return
		case block, ok := <-blocks:
			if !ok {
				return
			}
			if !d.ResolveNonce(ctx) {
				continue
			}
			d.ObserveBlock(block)
			if d.IsComplete() {
				return
			}
		}
	}
}
