package txtracker

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Constants for tracking and estimation
const (
	DefaultBlockPollInterval   = 1 * time.Second
	DefaultReceiptPollInterval = 3 * time.Second // TRANSACTION_POLL_INTERVAL
	DefaultConfirmations       = 2
	DefaultFetchAttempts       = 5
	DefaultFetchBackoff        = 1 * time.Second
	DefaultGuardDebounce       = 500 * time.Millisecond

	// Gas units used when a transfer simulation fails
	NativeTransferGasFallback = 21000
	ERC20TransferGasFallback  = 65000
)

var (
	// MinimumBufferWei is the floor of the volatility buffer added to a gas reserve (0.0001 native)
	MinimumBufferWei = big.NewInt(100_000_000_000_000)
	// FallbackReserveWei is reported when the reserve cannot be computed (0.001 native)
	FallbackReserveWei = big.NewInt(1_000_000_000_000_000)
)

// Phase is the lifecycle phase of a tracked transfer.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSigning   Phase = "signing"
	PhasePending   Phase = "pending"
	PhaseConfirmed Phase = "confirmed"
)

// Tier is a priority bucket relative to the network fee suggestions.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// TokenRef describes the token being transferred. IsNative tokens have a zero Address.
type TokenRef struct {
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
	IsNative bool           `json:"isNative"`
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name,omitempty"`
}

// TransferIntent is what the user asked to send.
type TransferIntent struct {
	Token     TokenRef
	AmountWei *big.Int
	Recipient common.Address
}

// TierFees is one tier of a GasQuote. Fee values are decimal gwei strings as returned by the oracle.
type TierFees struct {
	SuggestedMaxPriorityFeePerGasGwei string `json:"suggestedMaxPriorityFeePerGas"`
	SuggestedMaxFeePerGasGwei         string `json:"suggestedMaxFeePerGas"`
	MinWaitTimeEstimateMs             uint64 `json:"minWaitTimeEstimate"`
	MaxWaitTimeEstimateMs             uint64 `json:"maxWaitTimeEstimate"`
}

// GasQuote is a point-in-time snapshot of the fee oracle for one chain.
type GasQuote struct {
	ChainID              uint64    `json:"chainId"`
	Low                  *TierFees `json:"low"`
	Medium               *TierFees `json:"medium"`
	High                 *TierFees `json:"high"`
	EstimatedBaseFeeGwei string    `json:"estimatedBaseFee,omitempty"`
	NetworkCongestion    float64   `json:"networkCongestion"`
	FetchedAt            time.Time `json:"fetchedAt"`
}

// Tier returns the fees of tier t, or nil when the quote lacks it.
func (q *GasQuote) Tier(t Tier) *TierFees {
	if q == nil {
		return nil
	}
	switch t {
	case TierLow:
		return q.Low
	case TierMedium:
		return q.Medium
	case TierHigh:
		return q.High
	}
	return nil
}

// Complete reports whether all three tiers are present.
func (q *GasQuote) Complete() bool {
	return q != nil && q.Low != nil && q.Medium != nil && q.High != nil
}

// TransactionEstimate is the classifier output for one transaction hash.
type TransactionEstimate struct {
	// Hash is the transaction the estimate was computed for
	Hash                common.Hash
	Tier                Tier
	EstimatedWaitTimeMs uint64
	EstimatedGasCostWei *big.Int
	GasUsed             uint64
}

// TransferDisplay holds the display-only fields fixed at submit time.
type TransferDisplay struct {
	Amount        string
	Recipient     string
	TokenSymbol   string
	IsNativeToken bool
}

// TrackedTransaction is the record owned by the lifecycle while pending or confirmed.
type TrackedTransaction struct {
	Hash        common.Hash
	Nonce       *uint64 // nil until resolved from the first-seen transaction
	SubmittedAt time.Time
	TransferDisplay
	Estimate    *TransactionEstimate
	WasReplaced bool

	// Set on confirmation
	BlockNumber           *big.Int
	ConfirmedAt           time.Time
	CompletionTimeSeconds int64
}

func (t *TrackedTransaction) clone() *TrackedTransaction {
	if t == nil {
		return nil
	}
	c := *t
	if t.Nonce != nil {
		n := *t.Nonce
		c.Nonce = &n
	}
	if t.Estimate != nil {
		e := *t.Estimate
		if e.EstimatedGasCostWei != nil {
			e.EstimatedGasCostWei = new(big.Int).Set(e.EstimatedGasCostWei)
		}
		c.Estimate = &e
	}
	if t.BlockNumber != nil {
		c.BlockNumber = new(big.Int).Set(t.BlockNumber)
	}
	return &c
}

// State is an immutable snapshot of the lifecycle. Tx is nil in idle and signing.
type State struct {
	Phase Phase
	Tx    *TrackedTransaction
	// Version increments on every applied transition
	Version uint64
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	s.Tx = s.Tx.clone()
	return s
}

// WalletContext identifies the active account and chain.
type WalletContext struct {
	Address common.Address `json:"address"`
	ChainID uint64         `json:"chainId"`
}

// IsZero reports whether the context has no address or chain.
func (c WalletContext) IsZero() bool {
	return c.Address == (common.Address{}) || c.ChainID == 0
}
