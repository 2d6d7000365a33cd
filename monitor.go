package txtracker

import (
	"context"
	"errors"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ReceiptStatus represents the outcome of waiting for a receipt.
type ReceiptStatus string

const (
	// ReceiptStatusMined indicates the transaction succeeded with enough confirmations
	ReceiptStatusMined ReceiptStatus = "mined"
	// ReceiptStatusReverted indicates the transaction was mined but execution reverted
	ReceiptStatusReverted ReceiptStatus = "reverted"
	// ReceiptStatusCancelled indicates the wait was cancelled via context
	ReceiptStatusCancelled ReceiptStatus = "cancelled"
)

// ReceiptResult is delivered once by ReceiptMonitor.Wait.
type ReceiptResult struct {
	Hash    common.Hash
	Status  ReceiptStatus
	Receipt *types.Receipt
}

// ReceiptMonitor polls for a receipt and the confirmations on top of it.
type ReceiptMonitor struct {
	source   ReceiptSource
	interval time.Duration
	metrics  *Metrics
}

// NewReceiptMonitor creates a monitor polling source every interval.
func NewReceiptMonitor(source ReceiptSource, interval time.Duration, metrics *Metrics) *ReceiptMonitor {
	if interval <= 0 {
		interval = DefaultReceiptPollInterval
	}
	return &ReceiptMonitor{source: source, interval: interval, metrics: metrics}
}

// Wait polls until hash has a receipt with at least confirmations blocks
// (counting its own) or ctx is done. The channel receives one result and is closed.
func (m *ReceiptMonitor) Wait(ctx context.Context, hash common.Hash, confirmations uint64) <-chan ReceiptResult {
	out := make(chan ReceiptResult, 1) // Buffered to avoid goroutine leak on context cancellation
	if confirmations == 0 {
		confirmations = 1
	}
	go func() {
		defer close(out)
		for {
			if res, done := m.poll(ctx, hash, confirmations); done {
				m.metrics.receipt(res.Status)
				out <- res
				return
			}
			select {
			case <-ctx.Done():
				m.metrics.receipt(ReceiptStatusCancelled)
				out <- ReceiptResult{Hash: hash, Status: ReceiptStatusCancelled}
				return
			case <-time.After(m.interval):
			}
		}
	}()
	return out
}

func (m *ReceiptMonitor) poll(ctx context.Context, hash common.Hash, confirmations uint64) (ReceiptResult, bool) {
	receipt, err := m.source.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			logger.WithFields(logger.Fields{
				"tx_hash": hash.Hex(),
				"error":   err,
			}).Debug("Receipt lookup failed, retrying")
		}
		return ReceiptResult{}, false
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return ReceiptResult{}, false
	}

	head, err := m.source.BlockNumber(ctx)
	if err != nil {
		logger.WithFields(logger.Fields{
			"tx_hash": hash.Hex(),
			"error":   err,
		}).Debug("Couldn't read chain head for confirmations")
		return ReceiptResult{}, false
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined || head-mined+1 < confirmations {
		return ReceiptResult{}, false
	}

	status := ReceiptStatusMined
	if receipt.Status != types.ReceiptStatusSuccessful {
		status = ReceiptStatusReverted
	}
	logger.WithFields(logger.Fields{
		"tx_hash":       hash.Hex(),
		"block":         mined,
		"status":        status,
		"confirmations": head - mined + 1,
		"gas_used":      receipt.GasUsed,
	}).Info("Transaction reached required confirmations")
	return ReceiptResult{Hash: hash, Status: status, Receipt: receipt}, true
}
