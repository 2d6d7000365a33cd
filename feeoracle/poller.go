package feeoracle

import (
	"context"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"

	"github.com/tranvictor/txtracker"
)

const DefaultPollInterval = 15 * time.Second

// Poller keeps the latest quote for a set of chains fresh.
type Poller struct {
	source   txtracker.FeeOracle
	chains   []uint64
	interval time.Duration

	mu     sync.RWMutex
	latest map[uint64]*txtracker.GasQuote
}

// NewPoller refreshes chains from source every interval once Run is called.
func NewPoller(source txtracker.FeeOracle, interval time.Duration, chains ...uint64) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		source:   source,
		chains:   chains,
		interval: interval,
		latest:   make(map[uint64]*txtracker.GasQuote),
	}
}

// Latest returns the last quote fetched for chainID, or nil.
func (p *Poller) Latest(chainID uint64) *txtracker.GasQuote {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest[chainID]
}

// Quote returns the latest quote, fetching it once if none has been seen yet.
func (p *Poller) Quote(ctx context.Context, chainID uint64) (*txtracker.GasQuote, error) {
	if q := p.Latest(chainID); q != nil {
		return q, nil
	}
	return p.refresh(ctx, chainID)
}

// Run refreshes every chain immediately and then on each tick until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		for _, id := range p.chains {
			// failures keep the previous quote
			_, _ = p.refresh(ctx, id)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Poller) refresh(ctx context.Context, chainID uint64) (*txtracker.GasQuote, error) {
	q, err := p.source.Quote(ctx, chainID)
	if err != nil {
		if ctx.Err() == nil {
			logger.WithFields(logger.Fields{
				"chain_id": chainID,
				"error":    err,
			}).Warn("Couldn't refresh gas quote")
		}
		return nil, err
	}
	p.mu.Lock()
	p.latest[chainID] = q
	p.mu.Unlock()
	return q, nil
}
