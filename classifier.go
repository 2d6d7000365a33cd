package txtracker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	jarviscommon "github.com/tranvictor/jarvis/common"
)

// FeeFields are the fee parameters observed on a transaction.
// Legacy transactions only carry GasPrice.
type FeeFields struct {
	MaxPriorityFeePerGas *big.Int
	MaxFeePerGas         *big.Int
	GasPrice             *big.Int
}

// FeeFieldsFromTx extracts the fee fields populated for the transaction's type.
func FeeFieldsFromTx(tx *types.Transaction) FeeFields {
	switch tx.Type() {
	case types.LegacyTxType, types.AccessListTxType:
		return FeeFields{GasPrice: tx.GasPrice()}
	default:
		return FeeFields{MaxPriorityFeePerGas: tx.GasTipCap(), MaxFeePerGas: tx.GasFeeCap()}
	}
}

// Effective returns the priority fee and max fee used for comparison.
// GasPrice fills whichever of the two is missing.
func (f FeeFields) Effective() (tip *big.Int, maxFee *big.Int, err error) {
	tip, maxFee = f.MaxPriorityFeePerGas, f.MaxFeePerGas
	if tip == nil {
		tip = f.GasPrice
	}
	if maxFee == nil {
		maxFee = f.GasPrice
	}
	if tip == nil || maxFee == nil {
		return nil, nil, ErrInvalidFee
	}
	return tip, maxFee, nil
}

// ClassifyTier returns the highest tier whose suggested priority fee and max fee
// are both met. Transactions meeting none are low.
func ClassifyTier(fees FeeFields, quote *GasQuote) (Tier, error) {
	if !quote.Complete() {
		return "", ErrQuoteUnavailable
	}
	tip, maxFee, err := fees.Effective()
	if err != nil {
		return "", err
	}

	for _, tier := range []Tier{TierHigh, TierMedium, TierLow} {
		meets, err := meetsTier(tip, maxFee, quote.Tier(tier))
		if err != nil {
			return "", err
		}
		if meets {
			return tier, nil
		}
	}
	return TierLow, nil
}

func meetsTier(tip, maxFee *big.Int, fees *TierFees) (bool, error) {
	suggestedTip, err := GweiToWei(fees.SuggestedMaxPriorityFeePerGasGwei)
	if err != nil {
		return false, errors.Join(ErrQuoteUnavailable, err)
	}
	suggestedMax, err := GweiToWei(fees.SuggestedMaxFeePerGasGwei)
	if err != nil {
		return false, errors.Join(ErrQuoteUnavailable, err)
	}
	return tip.Cmp(suggestedTip) >= 0 && maxFee.Cmp(suggestedMax) >= 0, nil
}

// Classify computes the estimate for tx against quote.
// gasUsed is the transaction's gas limit and the cost is gasUsed * maxFee.
func Classify(tx *types.Transaction, quote *GasQuote) (*TransactionEstimate, error) {
	fees := FeeFieldsFromTx(tx)
	tier, err := ClassifyTier(fees, quote)
	if err != nil {
		return nil, err
	}
	_, maxFee, _ := fees.Effective()

	gasUsed := tx.Gas()
	cost := new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), maxFee)
	return &TransactionEstimate{
		Hash:                tx.Hash(),
		Tier:                tier,
		EstimatedWaitTimeMs: quote.Tier(tier).MaxWaitTimeEstimateMs,
		EstimatedGasCostWei: cost,
		GasUsed:             gasUsed,
	}, nil
}

// FetchTransaction fetches hash, retrying with a fixed backoff while nodes catch up on propagation.
func FetchTransaction(ctx context.Context, client TxFetcher, hash common.Hash, attempts int, backoff time.Duration) (*types.Transaction, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		tx, _, err := client.TransactionByHash(ctx, hash)
		if err == nil && tx != nil {
			return tx, nil
		}
		if err == nil {
			err = ErrTxNotFound
		}
		lastErr = err
		logger.WithFields(logger.Fields{
			"tx_hash": hash.Hex(),
			"attempt": i + 1,
			"error":   err,
		}).Debug("Transaction not available yet")
	}
	return nil, errors.Join(ErrTxNotFound, fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr))
}

// Classifier estimates the tier and wait time of broadcast transactions.
type Classifier struct {
	client   TxFetcher
	attempts int
	backoff  time.Duration
	metrics  *Metrics
}

// ClassifierOption configures a Classifier
type ClassifierOption func(*Classifier)

// WithClassifierFetchRetry sets the number of fetch attempts and the delay between them
func WithClassifierFetchRetry(attempts int, backoff time.Duration) ClassifierOption {
	return func(c *Classifier) {
		c.attempts = attempts
		c.backoff = backoff
	}
}

// WithClassifierMetrics records classification outcomes
func WithClassifierMetrics(m *Metrics) ClassifierOption {
	return func(c *Classifier) {
		c.metrics = m
	}
}

// NewClassifier creates a Classifier reading transactions from client.
func NewClassifier(client TxFetcher, opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		client:   client,
		attempts: DefaultFetchAttempts,
		backoff:  DefaultFetchBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Estimate fetches hash and classifies it against quote.
// Failures are logged and reported as a nil estimate, never as an error.
func (c *Classifier) Estimate(ctx context.Context, hash common.Hash, quote *GasQuote) *TransactionEstimate {
	tx, err := FetchTransaction(ctx, c.client, hash, c.attempts, c.backoff)
	if err != nil {
		c.metrics.classification("tx_unavailable")
		logger.WithFields(logger.Fields{
			"tx_hash": hash.Hex(),
			"error":   err,
		}).Warn("Couldn't fetch transaction for estimation")
		return nil
	}
	return c.EstimateTx(tx, quote)
}

// EstimateTx classifies an already-fetched transaction.
func (c *Classifier) EstimateTx(tx *types.Transaction, quote *GasQuote) *TransactionEstimate {
	est, err := Classify(tx, quote)
	if err != nil {
		c.metrics.classification("unavailable")
		logger.WithFields(logger.Fields{
			"tx_hash": tx.Hash().Hex(),
			"error":   err,
		}).Debug("Transaction estimate unavailable")
		return nil
	}

	c.metrics.classification(string(est.Tier))
	logger.WithFields(logger.Fields{
		"tx_hash":      tx.Hash().Hex(),
		"tier":         est.Tier,
		"wait_time_ms": est.EstimatedWaitTimeMs,
		"gas_used":     est.GasUsed,
		"max_fee_gwei": jarviscommon.BigToFloat(tx.GasFeeCap(), 9),
		"tip_cap_gwei": jarviscommon.BigToFloat(tx.GasTipCap(), 9),
		"gas_cost_wei": est.EstimatedGasCostWei.String(),
	}).Debug("Classified transaction")
	return est
}
