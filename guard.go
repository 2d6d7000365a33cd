package txtracker

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	jarviscommon "github.com/tranvictor/jarvis/common"
)

// GuardInput is one candidate transfer to check.
type GuardInput struct {
	Token     TokenRef
	AmountWei *big.Int
	// Recipient defaults to Signer when zero
	Recipient     common.Address
	Signer        common.Address
	NativeBalance *big.Int
	Quote         *GasQuote
}

// GuardResult is the outcome of a sufficiency check.
type GuardResult struct {
	// Sufficient is false when the balance cannot cover the reserve
	Sufficient bool
	// RequiredGasWei is the native reserve to keep for gas
	RequiredGasWei *big.Int
	GasUnits       uint64
	GasPriceWei    *big.Int
	// Memoized is true when a previous failure short-circuited the check
	Memoized  bool
	RequestID uint64
}

// GuardResultFunc receives debounced results that are still current.
type GuardResultFunc func(GuardResult)

// GasSufficiencyGuard checks whether the signer can pay for a candidate transfer's gas.
// Failed amounts are remembered so larger amounts fail without another simulation.
type GasSufficiencyGuard struct {
	client   GasEstimator
	debounce time.Duration
	metrics  *Metrics

	mu               sync.Mutex
	lastFailedAmount *big.Int
	lastFailedKey    string
	timer            *time.Timer
	requestID        uint64
	onResult         GuardResultFunc
}

// GuardOption configures a GasSufficiencyGuard
type GuardOption func(*GasSufficiencyGuard)

// WithDebounce sets the delay between the last edit and the check
func WithDebounce(d time.Duration) GuardOption {
	return func(g *GasSufficiencyGuard) {
		g.debounce = d
	}
}

// WithGuardResultHandler sets the receiver of debounced results
func WithGuardResultHandler(fn GuardResultFunc) GuardOption {
	return func(g *GasSufficiencyGuard) {
		g.onResult = fn
	}
}

// WithGuardMetrics records check outcomes
func WithGuardMetrics(m *Metrics) GuardOption {
	return func(g *GasSufficiencyGuard) {
		g.metrics = m
	}
}

// NewGasSufficiencyGuard creates a guard estimating through client.
func NewGasSufficiencyGuard(client GasEstimator, opts ...GuardOption) *GasSufficiencyGuard {
	g := &GasSufficiencyGuard{
		client:   client,
		debounce: DefaultGuardDebounce,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func memoKey(token TokenRef, recipient common.Address) string {
	if token.IsNative {
		return "native:" + recipient.Hex()
	}
	return token.Address.Hex() + ":" + recipient.Hex()
}

// RequiredReserve is gasCost plus max(gasCost/3, MinimumBufferWei).
func RequiredReserve(gasUnits uint64, gasPrice *big.Int) *big.Int {
	cost := new(big.Int).Mul(new(big.Int).SetUint64(gasUnits), gasPrice)
	buffer := new(big.Int).Div(cost, big.NewInt(3))
	if buffer.Cmp(MinimumBufferWei) < 0 {
		buffer = new(big.Int).Set(MinimumBufferWei)
	}
	return cost.Add(cost, buffer)
}

// Check runs the sufficiency check synchronously.
func (g *GasSufficiencyGuard) Check(ctx context.Context, in GuardInput) GuardResult {
	if in.AmountWei == nil || in.AmountWei.Sign() <= 0 {
		g.Reset()
		g.metrics.guardCheck("empty")
		return GuardResult{Sufficient: true, RequiredGasWei: new(big.Int)}
	}

	recipient := in.Recipient
	if recipient == (common.Address{}) {
		recipient = in.Signer
	}
	key := memoKey(in.Token, recipient)

	g.mu.Lock()
	if g.lastFailedAmount != nil && g.lastFailedKey == key {
		if g.lastFailedAmount.Cmp(in.AmountWei) <= 0 {
			g.mu.Unlock()
			g.metrics.guardCheck("memoized")
			return GuardResult{Sufficient: false, RequiredGasWei: new(big.Int).Set(FallbackReserveWei), Memoized: true}
		}
	}
	// smaller amount or different pair: forget the last failure and estimate again
	g.lastFailedAmount = nil
	g.lastFailedKey = ""
	g.mu.Unlock()

	gasPrice, err := g.resolveGasPrice(ctx, in.Quote)
	if err != nil {
		logger.WithFields(logger.Fields{
			"signer": in.Signer.Hex(),
			"amount": in.AmountWei.String(),
			"error":  err,
		}).Warn("Couldn't resolve gas price, assuming insufficient gas")
		g.rememberFailure(key, in.AmountWei)
		g.metrics.guardCheck("error")
		return GuardResult{Sufficient: false, RequiredGasWei: new(big.Int).Set(FallbackReserveWei)}
	}

	gasUnits := g.estimateUnits(ctx, in, recipient)
	required := RequiredReserve(gasUnits, gasPrice)

	balance := in.NativeBalance
	if balance == nil {
		balance = new(big.Int)
	}
	available := new(big.Int).Set(balance)
	if in.Token.IsNative {
		available.Sub(available, in.AmountWei)
	}
	sufficient := available.Cmp(required) >= 0

	result := GuardResult{
		Sufficient:     sufficient,
		RequiredGasWei: required,
		GasUnits:       gasUnits,
		GasPriceWei:    gasPrice,
	}
	if !sufficient {
		g.rememberFailure(key, in.AmountWei)
		g.metrics.guardCheck("insufficient")
	} else {
		g.metrics.guardCheck("sufficient")
	}

	logger.WithFields(logger.Fields{
		"signer":         in.Signer.Hex(),
		"native":         in.Token.IsNative,
		"amount":         in.AmountWei.String(),
		"gas_units":      gasUnits,
		"gas_price_gwei": jarviscommon.BigToFloat(gasPrice, 9),
		"required_wei":   required.String(),
		"sufficient":     sufficient,
	}).Debug("Checked gas sufficiency")
	return result
}

func (g *GasSufficiencyGuard) rememberFailure(key string, amount *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastFailedAmount = new(big.Int).Set(amount)
	g.lastFailedKey = key
}

// resolveGasPrice prefers the medium tier's suggested max fee over the node's gas price.
func (g *GasSufficiencyGuard) resolveGasPrice(ctx context.Context, quote *GasQuote) (*big.Int, error) {
	if medium := quote.Tier(TierMedium); medium != nil && medium.SuggestedMaxFeePerGasGwei != "" {
		price, err := GweiToWei(medium.SuggestedMaxFeePerGasGwei)
		if err == nil {
			return price, nil
		}
		logger.WithFields(logger.Fields{
			"value": medium.SuggestedMaxFeePerGasGwei,
			"error": err,
		}).Debug("Ignoring unparsable medium fee")
	}
	return g.client.SuggestGasPrice(ctx)
}

// estimateUnits simulates the transfer, falling back to fixed gas units.
func (g *GasSufficiencyGuard) estimateUnits(ctx context.Context, in GuardInput, recipient common.Address) uint64 {
	fallback := uint64(ERC20TransferGasFallback)
	if in.Token.IsNative {
		fallback = NativeTransferGasFallback
	}
	msg, err := TransferCallMsg(in.Signer, in.Token, recipient, in.AmountWei)
	if err != nil {
		return fallback
	}
	units, err := g.client.EstimateGas(ctx, msg)
	if err != nil || units == 0 {
		logger.WithFields(logger.Fields{
			"signer":   in.Signer.Hex(),
			"fallback": fallback,
			"error":    err,
		}).Debug("Transfer simulation failed, using fallback gas units")
		return fallback
	}
	return units
}

// Schedule runs Check after the debounce delay. A later Schedule or Cancel
// stops a pending timer, and a result whose request has been superseded is dropped.
func (g *GasSufficiencyGuard) Schedule(ctx context.Context, in GuardInput) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.timer != nil {
		g.timer.Stop()
	}
	g.requestID++
	id := g.requestID
	g.timer = time.AfterFunc(g.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		result := g.Check(ctx, in)
		result.RequestID = id

		g.mu.Lock()
		current := g.requestID == id
		handler := g.onResult
		g.mu.Unlock()

		if !current {
			logger.WithFields(logger.Fields{
				"request_id": id,
			}).Debug("Dropping superseded gas check")
			return
		}
		if handler != nil {
			handler(result)
		}
	})
	return id
}

// Cancel stops any pending check and invalidates in-flight ones.
func (g *GasSufficiencyGuard) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.requestID++
}

// Reset forgets the last failing amount.
func (g *GasSufficiencyGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastFailedAmount = nil
	g.lastFailedKey = ""
}
