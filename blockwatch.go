package txtracker

import (
	"context"
	"math/big"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/core/types"
)

// BlockWatcher polls the chain head and emits each new block with its transactions.
type BlockWatcher struct {
	source   BlockSource
	interval time.Duration
}

// NewBlockWatcher creates a watcher polling source every interval.
func NewBlockWatcher(source BlockSource, interval time.Duration) *BlockWatcher {
	if interval <= 0 {
		interval = DefaultBlockPollInterval
	}
	return &BlockWatcher{source: source, interval: interval}
}

// Watch emits blocks starting at the current head, in ascending height order,
// until ctx is done. A height whose block cannot be fetched is skipped. When the
// head moves backwards the heights above the new head are emitted again as
// the chain regrows.
func (w *BlockWatcher) Watch(ctx context.Context) <-chan *types.Block {
	out := make(chan *types.Block, 16)
	go func() {
		defer close(out)

		var next uint64
		started := false
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			head, err := w.source.BlockNumber(ctx)
			if err != nil {
				logger.WithFields(logger.Fields{
					"error": err,
				}).Debug("Couldn't read chain head")
			} else {
				if !started {
					next = head
					started = true
				}
				if head+1 < next {
					logger.WithFields(logger.Fields{
						"head":     head,
						"expected": next,
					}).Info("Chain head moved backwards")
					next = head + 1
				}
				for ; next <= head; next++ {
					block, err := w.source.BlockByNumber(ctx, new(big.Int).SetUint64(next))
					if err != nil || block == nil {
						logger.WithFields(logger.Fields{
							"block": next,
							"error": err,
						}).Debug("Skipping unavailable block")
						continue
					}
					select {
					case out <- block:
					case <-ctx.Done():
						return
					}
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}
