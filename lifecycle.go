package txtracker

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Action is a transition request applied by Reduce.
type Action interface {
	Name() string
}

// StartSigning moves idle to signing.
type StartSigning struct{}

// SubmitTransaction moves signing to pending once the broadcast succeeded.
type SubmitTransaction struct {
	Hash        common.Hash
	SubmittedAt time.Time
	TransferDisplay
}

// ResolveNonce records the nonce of the first-seen transaction. It is applied at most once.
type ResolveNonce struct {
	Nonce uint64
}

// UpdateEstimate attaches a classifier result to the pending transaction.
type UpdateEstimate struct {
	Estimate TransactionEstimate
}

// ReplaceTransaction swaps the tracked hash after a speed-up or cancel.
type ReplaceTransaction struct {
	NewHash common.Hash
}

// ConfirmTransaction moves pending to confirmed.
type ConfirmTransaction struct {
	BlockNumber *big.Int
	ConfirmedAt time.Time
}

// Reset returns to idle from any phase.
type Reset struct{}

func (StartSigning) Name() string       { return "start_signing" }
func (SubmitTransaction) Name() string  { return "submit_transaction" }
func (ResolveNonce) Name() string       { return "resolve_nonce" }
func (UpdateEstimate) Name() string     { return "update_estimate" }
func (ReplaceTransaction) Name() string { return "replace_transaction" }
func (ConfirmTransaction) Name() string { return "confirm_transaction" }
func (Reset) Name() string              { return "reset" }

// Reduce applies action to state and returns the next state.
// Out-of-phase actions return the state unchanged with applied=false.
// The input state is never mutated.
func Reduce(state State, action Action) (next State, applied bool) {
	switch a := action.(type) {
	case StartSigning:
		if state.Phase != PhaseIdle {
			return state, false
		}
		return advance(state, PhaseSigning, nil), true

	case SubmitTransaction:
		if state.Phase != PhaseSigning {
			return state, false
		}
		return advance(state, PhasePending, &TrackedTransaction{
			Hash:            a.Hash,
			SubmittedAt:     a.SubmittedAt,
			TransferDisplay: a.TransferDisplay,
		}), true

	case ResolveNonce:
		if state.Phase != PhasePending || state.Tx.Nonce != nil {
			return state, false
		}
		tx := state.Tx.clone()
		n := a.Nonce
		tx.Nonce = &n
		return advance(state, PhasePending, tx), true

	case UpdateEstimate:
		if state.Phase != PhasePending {
			return state, false
		}
		// an estimate computed for a hash that has since been replaced is stale
		if a.Estimate.Hash != (common.Hash{}) && a.Estimate.Hash != state.Tx.Hash {
			return state, false
		}
		tx := state.Tx.clone()
		est := a.Estimate
		if est.EstimatedGasCostWei != nil {
			est.EstimatedGasCostWei = new(big.Int).Set(est.EstimatedGasCostWei)
		}
		tx.Estimate = &est
		return advance(state, PhasePending, tx), true

	case ReplaceTransaction:
		if state.Phase != PhasePending {
			return state, false
		}
		tx := state.Tx.clone()
		tx.Hash = a.NewHash
		tx.WasReplaced = true
		return advance(state, PhasePending, tx), true

	case ConfirmTransaction:
		if state.Phase != PhasePending {
			return state, false
		}
		tx := state.Tx.clone()
		tx.Estimate = nil
		if a.BlockNumber != nil {
			tx.BlockNumber = new(big.Int).Set(a.BlockNumber)
		}
		tx.ConfirmedAt = a.ConfirmedAt
		tx.CompletionTimeSeconds = CompletionTimeSeconds(tx.SubmittedAt, a.ConfirmedAt)
		return advance(state, PhaseConfirmed, tx), true

	case Reset:
		return advance(state, PhaseIdle, nil), true
	}
	return state, false
}

func advance(state State, phase Phase, tx *TrackedTransaction) State {
	return State{Phase: phase, Tx: tx, Version: state.Version + 1}
}

// CompletionTimeSeconds is floor((confirmedAt - submittedAt) / 1000) over unix milliseconds.
func CompletionTimeSeconds(submittedAt, confirmedAt time.Time) int64 {
	d := confirmedAt.UnixMilli() - submittedAt.UnixMilli()
	q := d / 1000
	if d%1000 != 0 && d < 0 {
		q--
	}
	return q
}

// ShouldClearForContext reports whether tracked state belongs to a different
// wallet or chain. A missing or partial last-known context never clears.
func ShouldClearForContext(current WalletContext, lastKnown *WalletContext) bool {
	if lastKnown == nil || lastKnown.IsZero() {
		return false
	}
	return lastKnown.Address != current.Address || lastKnown.ChainID != current.ChainID
}

// Event is emitted for every applied transition.
type Event struct {
	Action  string
	Context WalletContext
	State   State
	At      time.Time
}

// Lifecycle is the state container. All writes go through Dispatch, one at a time.
type Lifecycle struct {
	mu    sync.Mutex
	state State
	subs  map[int]chan State
	next  int

	onTransition func(action Action, prev, next State)
}

// LifecycleOption configures a Lifecycle
type LifecycleOption func(*Lifecycle)

// WithInitialState starts the lifecycle from a restored snapshot
func WithInitialState(state State) LifecycleOption {
	return func(l *Lifecycle) {
		l.state = state.Clone()
	}
}

// WithTransitionHook sets a function called after every applied transition, under the lifecycle lock
func WithTransitionHook(fn func(action Action, prev, next State)) LifecycleOption {
	return func(l *Lifecycle) {
		l.onTransition = fn
	}
}

// NewLifecycle creates an idle lifecycle.
func NewLifecycle(opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		state: State{Phase: PhaseIdle},
		subs:  make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dispatch applies action and returns the resulting state and whether it changed anything.
func (l *Lifecycle) Dispatch(action Action) (State, bool) {
	return l.dispatch(action, func(State) bool { return true })
}

// DispatchAt applies action only if no other transition happened since version.
func (l *Lifecycle) DispatchAt(version uint64, action Action) (State, bool) {
	return l.dispatch(action, func(s State) bool { return s.Version == version })
}

func (l *Lifecycle) dispatch(action Action, allow func(State) bool) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.state
	if !allow(prev) {
		return prev.Clone(), false
	}
	next, applied := Reduce(prev, action)
	if !applied {
		return prev.Clone(), false
	}
	l.state = next

	if l.onTransition != nil {
		l.onTransition(action, prev.Clone(), next.Clone())
	}
	for _, ch := range l.subs {
		// subscribers that fall behind only miss intermediate states
		select {
		case ch <- next.Clone():
		default:
		}
	}
	return next.Clone(), true
}

// Restore replaces the state with a previously persisted snapshot without emitting a transition.
func (l *Lifecycle) Restore(state State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = state.Clone()
}

// ValidateAndClearIfNeeded resets the lifecycle when lastKnown names a different wallet or chain.
func (l *Lifecycle) ValidateAndClearIfNeeded(current WalletContext, lastKnown *WalletContext) bool {
	if !ShouldClearForContext(current, lastKnown) {
		return false
	}
	_, applied := l.Dispatch(Reset{})
	return applied
}

// State returns a copy of the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Clone()
}

// Subscribe returns a channel receiving every applied state and a function to unsubscribe.
func (l *Lifecycle) Subscribe(buffer int) (<-chan State, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.next
	l.next++
	ch := make(chan State, buffer)
	l.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs, id)
			close(ch)
		})
	}
}
