package txtracker

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
)

// stateData is the JSON-serializable form of State.
// Big integers are decimal strings and timestamps are unix milliseconds.
type stateData struct {
	Phase   string         `json:"phase"`
	Version uint64         `json:"version"`
	Tx      *trackedTxData `json:"tx,omitempty"`
}

type trackedTxData struct {
	Hash                  string        `json:"hash"`
	Nonce                 *uint64       `json:"nonce,omitempty"`
	SubmittedAt           int64         `json:"submittedAt"`
	Amount                string        `json:"amount"`
	Recipient             string        `json:"recipient"`
	TokenSymbol           string        `json:"tokenSymbol"`
	IsNativeToken         bool          `json:"isNativeToken"`
	Estimate              *estimateData `json:"estimate,omitempty"`
	WasReplaced           bool          `json:"wasReplaced"`
	BlockNumber           string        `json:"blockNumber,omitempty"`
	ConfirmedAt           int64         `json:"confirmedAt,omitempty"`
	CompletionTimeSeconds int64         `json:"completionTimeSeconds,omitempty"`
}

type estimateData struct {
	Hash                string `json:"hash,omitempty"`
	Tier                string `json:"tier"`
	EstimatedWaitTimeMs uint64 `json:"estimatedWaitTime"`
	EstimatedGasCostWei string `json:"estimatedGasCost"`
	GasUsed             uint64 `json:"gasUsed"`
}

// MarshalSnapshot serializes state without losing integer precision.
func MarshalSnapshot(state State) ([]byte, error) {
	data := stateData{Phase: string(state.Phase), Version: state.Version}
	if tx := state.Tx; tx != nil {
		td := &trackedTxData{
			Hash:                  tx.Hash.Hex(),
			Nonce:                 tx.Nonce,
			SubmittedAt:           toMillis(tx.SubmittedAt),
			Amount:                tx.Amount,
			Recipient:             tx.Recipient,
			TokenSymbol:           tx.TokenSymbol,
			IsNativeToken:         tx.IsNativeToken,
			WasReplaced:           tx.WasReplaced,
			CompletionTimeSeconds: tx.CompletionTimeSeconds,
		}
		if tx.BlockNumber != nil {
			td.BlockNumber = tx.BlockNumber.String()
		}
		td.ConfirmedAt = toMillis(tx.ConfirmedAt)
		if est := tx.Estimate; est != nil {
			ed := &estimateData{
				Tier:                string(est.Tier),
				EstimatedWaitTimeMs: est.EstimatedWaitTimeMs,
				GasUsed:             est.GasUsed,
			}
			if est.Hash != (common.Hash{}) {
				ed.Hash = est.Hash.Hex()
			}
			if est.EstimatedGasCostWei != nil {
				ed.EstimatedGasCostWei = est.EstimatedGasCostWei.String()
			}
			td.Estimate = ed
		}
		data.Tx = td
	}
	return json.Marshal(data)
}

// UnmarshalSnapshot restores a state written by MarshalSnapshot.
func UnmarshalSnapshot(raw []byte) (State, error) {
	var data stateData
	if err := json.Unmarshal(raw, &data); err != nil {
		return State{}, fmt.Errorf("failed to decode state: %w", err)
	}

	state := State{Phase: Phase(data.Phase), Version: data.Version}
	switch state.Phase {
	case PhaseIdle, PhaseSigning, PhasePending, PhaseConfirmed:
	default:
		return State{}, fmt.Errorf("unknown phase %q", data.Phase)
	}
	if data.Tx == nil {
		if state.Phase == PhasePending || state.Phase == PhaseConfirmed {
			return State{}, fmt.Errorf("phase %s without transaction", state.Phase)
		}
		return state, nil
	}

	td := data.Tx
	tx := &TrackedTransaction{
		Hash:        common.HexToHash(td.Hash),
		SubmittedAt: fromMillis(td.SubmittedAt),
		TransferDisplay: TransferDisplay{
			Amount:        td.Amount,
			Recipient:     td.Recipient,
			TokenSymbol:   td.TokenSymbol,
			IsNativeToken: td.IsNativeToken,
		},
		WasReplaced:           td.WasReplaced,
		CompletionTimeSeconds: td.CompletionTimeSeconds,
	}
	if td.Nonce != nil {
		n := *td.Nonce
		tx.Nonce = &n
	}
	if td.BlockNumber != "" {
		bn, ok := new(big.Int).SetString(td.BlockNumber, 10)
		if !ok {
			return State{}, fmt.Errorf("invalid block number %q", td.BlockNumber)
		}
		tx.BlockNumber = bn
	}
	tx.ConfirmedAt = fromMillis(td.ConfirmedAt)
	if ed := td.Estimate; ed != nil {
		est := &TransactionEstimate{
			Tier:                Tier(ed.Tier),
			EstimatedWaitTimeMs: ed.EstimatedWaitTimeMs,
			GasUsed:             ed.GasUsed,
		}
		if ed.Hash != "" {
			est.Hash = common.HexToHash(ed.Hash)
		}
		if ed.EstimatedGasCostWei != "" {
			cost, ok := new(big.Int).SetString(ed.EstimatedGasCostWei, 10)
			if !ok {
				return State{}, fmt.Errorf("invalid gas cost %q", ed.EstimatedGasCostWei)
			}
			est.EstimatedGasCostWei = cost
		}
		tx.Estimate = est
	}
	state.Tx = tx
	return state, nil
}

// Millis truncates t to millisecond precision in UTC, the resolution snapshots keep.
func Millis(t time.Time) time.Time {
	return fromMillis(toMillis(t))
}

// toMillis maps the zero time to 0 so unset timestamps survive a round trip.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
