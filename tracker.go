package txtracker

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
)

// NoticeLevel is the severity of a user-facing notice.
type NoticeLevel string

const (
	NoticeSuccess NoticeLevel = "success"
	NoticeError   NoticeLevel = "error"
	NoticeInfo    NoticeLevel = "info"
)

// Notice is a user-facing message produced by the tracker.
type Notice struct {
	Level       NoticeLevel
	Title       string
	Description string
	Hash        common.Hash
}

// persistTimeout bounds store and sink calls made after a transition
const persistTimeout = 5 * time.Second

// Tracker drives one TransactionLifecycle: it submits transfers through a
// Sender, then estimates, watches for replacement and waits for confirmation
// of the pending hash until it is confirmed, reverted, reset or the wallet
// context changes.
type Tracker struct {
	clients    ClientProvider
	lifecycle  *Lifecycle
	oracle     FeeOracle
	store      StateStore
	sink       EventSink
	metrics    *Metrics
	classifier func(TxFetcher) *Classifier

	blockInterval   time.Duration
	receiptInterval time.Duration
	confirmations   uint64
	clearAfter      time.Duration
	now             func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	wallet  WalletContext
	session *session
	closed  bool
	notices chan Notice
}

// session holds the pollers of one pending submission.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	client ChainClient

	mu            sync.Mutex
	receiptCancel context.CancelFunc
	detector      *ReplacementDetector
}

// NewTracker creates an idle tracker for the wallet context.
func NewTracker(clients ClientProvider, wallet WalletContext, opts ...TrackerOption) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		clients:         clients,
		blockInterval:   DefaultBlockPollInterval,
		receiptInterval: DefaultReceiptPollInterval,
		confirmations:   DefaultConfirmations,
		now:             func() time.Time { return Millis(time.Now()) },
		baseCtx:         ctx,
		baseCancel:      cancel,
		wallet:          wallet,
		notices:         make(chan Notice, 16),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.classifier == nil {
		t.classifier = func(f TxFetcher) *Classifier {
			return NewClassifier(f, WithClassifierMetrics(t.metrics))
		}
	}
	t.lifecycle = NewLifecycle(WithTransitionHook(func(action Action, _, _ State) {
		t.metrics.transition(action.Name())
	}))
	return t
}

// Snapshot returns the current lifecycle state.
func (t *Tracker) Snapshot() State {
	return t.lifecycle.State()
}

// Subscribe streams applied states. Call the returned function to stop.
func (t *Tracker) Subscribe(buffer int) (<-chan State, func()) {
	return t.lifecycle.Subscribe(buffer)
}

// Notices streams user-facing messages. Notices are dropped when nobody reads them.
func (t *Tracker) Notices() <-chan Notice {
	return t.notices
}

// WalletContext returns the active wallet context.
func (t *Tracker) WalletContext() WalletContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wallet
}

// Submit sends intent through sender and tracks the resulting hash.
// A failed send resets the lifecycle and returns a *SubmitError.
func (t *Tracker) Submit(ctx context.Context, intent TransferIntent, sender Sender) (common.Hash, error) {
	if sender == nil {
		return common.Hash{}, ErrNoSender
	}
	if err := t.beginSigning(); err != nil {
		return common.Hash{}, err
	}

	hash, err := sender.SendTransfer(ctx, intent)
	if err != nil {
		serr := NewSubmitError(err)
		t.dispatch(Reset{})
		t.notify(serr.Notice(intent.Token.IsNative))
		logger.WithFields(logger.Fields{
			"kind":      serr.Kind,
			"recipient": intent.Recipient.Hex(),
			"token":     intent.Token.Symbol,
			"error":     err,
		}).Info("Transfer submission failed")
		return common.Hash{}, serr
	}

	display := TransferDisplay{
		Amount:        FormatUnits(intent.AmountWei, intent.Token.Decimals),
		Recipient:     intent.Recipient.Hex(),
		TokenSymbol:   intent.Token.Symbol,
		IsNativeToken: intent.Token.IsNative,
	}
	t.beginPending(hash, display)
	return hash, nil
}

// Track starts tracking a hash that was broadcast elsewhere.
func (t *Tracker) Track(ctx context.Context, hash common.Hash, display TransferDisplay) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.beginSigning(); err != nil {
		return err
	}
	t.beginPending(hash, display)
	return nil
}

// StartSigning moves the lifecycle to signing, dropping any previously
// tracked transaction. Submit calls it when the caller has not.
func (t *Tracker) StartSigning() error {
	return t.beginSigning()
}

func (t *Tracker) beginSigning() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTrackerClosed
	}
	t.endSessionLocked()
	t.mu.Unlock()

	switch t.lifecycle.State().Phase {
	case PhaseSigning:
		return nil
	case PhaseIdle:
	default:
		t.dispatch(Reset{})
	}
	t.dispatch(StartSigning{})
	return nil
}

func (t *Tracker) beginPending(hash common.Hash, display TransferDisplay) {
	if _, applied := t.dispatch(SubmitTransaction{Hash: hash, SubmittedAt: t.now(), TransferDisplay: display}); !applied {
		logger.WithFields(logger.Fields{
			"tx_hash": hash.Hex(),
		}).Warn("Submission superseded before it could be tracked")
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startSessionLocked(hash)
}

// startSessionLocked starts estimation, replacement detection and receipt
// polling for hash. Caller holds t.mu.
func (t *Tracker) startSessionLocked(hash common.Hash) {
	if t.closed {
		return
	}
	t.endSessionLocked()

	chainID := t.wallet.ChainID
	client, err := t.clients.Client(t.baseCtx, chainID)
	if err != nil {
		logger.WithFields(logger.Fields{
			"tx_hash":  hash.Hex(),
			"chain_id": chainID,
			"error":    err,
		}).Error("Couldn't get chain client, transaction will not be tracked")
		return
	}

	ctx, cancel := context.WithCancel(t.baseCtx)
	s := &session{ctx: ctx, cancel: cancel, client: client}
	t.session = s

	detectorOpts := []DetectorOption{
		WithDetectorMetrics(t.metrics),
		WithNonceHook(func(n uint64) {
			if t.isCurrent(s) {
				t.dispatch(ResolveNonce{Nonce: n})
			}
		}),
	}
	s.detector = NewReplacementDetector(client, new(big.Int).SetUint64(chainID), hash, func(newHash, oldHash common.Hash) {
		t.handleReplacement(s, newHash, oldHash)
	}, detectorOpts...)

	watchCtx, stopWatch := context.WithCancel(ctx)
	blocks := NewBlockWatcher(client, t.blockInterval).Watch(watchCtx)
	go func() {
		defer stopWatch()
		s.detector.Run(ctx, blocks)
	}()

	go t.estimate(s, hash)
	t.watchReceipt(s, hash)

	logger.WithFields(logger.Fields{
		"tx_hash":  hash.Hex(),
		"chain_id": chainID,
		"address":  t.wallet.Address.Hex(),
	}).Info("Tracking transaction")
}

// endSessionLocked cancels the current session's pollers. Caller holds t.mu.
func (t *Tracker) endSessionLocked() {
	if t.session != nil {
		t.session.cancel()
		t.session = nil
	}
}

func (t *Tracker) endSession(s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == s {
		t.endSessionLocked()
	}
}

func (t *Tracker) isCurrent(s *session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session == s && s.ctx.Err() == nil
}

func (t *Tracker) quote(ctx context.Context) *GasQuote {
	if t.oracle == nil {
		return nil
	}
	q, err := t.oracle.Quote(ctx, t.WalletContext().ChainID)
	if err != nil {
		logger.WithFields(logger.Fields{
			"error": err,
		}).Debug("No gas quote available")
		return nil
	}
	return q
}

// estimate classifies hash, retrying on every receipt poll tick while the
// pending transaction still has no estimate of its own.
func (t *Tracker) estimate(s *session, hash common.Hash) {
	classifier := t.classifier(s.client)
	ticker := time.NewTicker(t.receiptInterval)
	defer ticker.Stop()
	for {
		if est := classifier.Estimate(s.ctx, hash, t.quote(s.ctx)); est != nil {
			if t.isCurrent(s) {
				t.dispatch(UpdateEstimate{Estimate: *est})
			}
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		if !t.needsEstimate(s, hash) {
			return
		}
	}
}

func (t *Tracker) needsEstimate(s *session, hash common.Hash) bool {
	if !t.isCurrent(s) {
		return false
	}
	state := t.lifecycle.State()
	if state.Phase != PhasePending || state.Tx == nil || state.Tx.Hash != hash {
		return false
	}
	return state.Tx.Estimate == nil || state.Tx.Estimate.Hash != hash
}

func (t *Tracker) watchReceipt(s *session, hash common.Hash) {
	ctx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	if s.receiptCancel != nil {
		s.receiptCancel()
	}
	s.receiptCancel = cancel
	s.mu.Unlock()

	results := NewReceiptMonitor(s.client, t.receiptInterval, t.metrics).Wait(ctx, hash, t.confirmations)
	go func() {
		if res, ok := <-results; ok {
			t.handleReceipt(s, res)
		}
	}()
}

func (t *Tracker) handleReplacement(s *session, newHash, oldHash common.Hash) {
	if !t.isCurrent(s) {
		return
	}
	if _, applied := t.dispatch(ReplaceTransaction{NewHash: newHash}); !applied {
		return
	}
	t.notify(Notice{
		Level:       NoticeInfo,
		Title:       "Transaction replaced",
		Description: "Now tracking " + TruncateHash(newHash.Hex()) + " instead of " + TruncateHash(oldHash.Hex()),
		Hash:        newHash,
	})
	go t.estimate(s, newHash)
	t.watchReceipt(s, newHash)
}

func (t *Tracker) handleReceipt(s *session, res ReceiptResult) {
	if res.Status == ReceiptStatusCancelled || !t.isCurrent(s) {
		return
	}
	current := t.lifecycle.State()
	if current.Phase != PhasePending || current.Tx.Hash != res.Hash {
		return
	}

	switch res.Status {
	case ReceiptStatusMined:
		state, applied := t.dispatch(ConfirmTransaction{BlockNumber: res.Receipt.BlockNumber, ConfirmedAt: t.now()})
		t.endSession(s)
		if !applied {
			return
		}
		tx := state.Tx
		t.metrics.completed(tx.CompletionTimeSeconds)
		t.notify(Notice{
			Level:       NoticeSuccess,
			Title:       "Transfer successful!",
			Description: "Sent " + tx.Amount + " " + tx.TokenSymbol + " to " + TruncateAddress(tx.Recipient, 4),
			Hash:        tx.Hash,
		})
		t.appendHistory(tx)
		t.scheduleClear(state.Version)

	case ReceiptStatusReverted:
		t.dispatch(Reset{})
		t.endSession(s)
		notice := (&SubmitError{Kind: SubmitErrorReverted, Err: ErrReverted}).Notice(current.Tx.IsNativeToken)
		notice.Hash = res.Hash
		t.notify(notice)
	}
}

func (t *Tracker) scheduleClear(version uint64) {
	if t.clearAfter <= 0 {
		return
	}
	time.AfterFunc(t.clearAfter, func() {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		// only clear if nothing happened since confirmation
		if state, applied := t.lifecycle.DispatchAt(version, Reset{}); applied {
			t.afterTransition(Reset{}, state)
		}
	})
}

func (t *Tracker) appendHistory(tx *TrackedTransaction) {
	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(t.baseCtx, persistTimeout)
	defer cancel()
	wallet := t.WalletContext()
	if err := t.store.AppendHistory(ctx, wallet, tx); err != nil {
		logger.WithFields(logger.Fields{
			"tx_hash": tx.Hash.Hex(),
			"error":   err,
		}).Warn("Couldn't record transfer history")
	}
}

// Reset returns the lifecycle to idle and stops tracking.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.endSessionLocked()
	t.mu.Unlock()
	t.dispatch(Reset{})
}

// SwitchContext validates tracked state against the new wallet context. A
// different address or chain than the last known one clears the tracked
// transaction and cancels its pollers.
func (t *Tracker) SwitchContext(ctx context.Context, wallet WalletContext) bool {
	t.mu.Lock()
	lastKnown := t.wallet
	t.wallet = wallet
	t.mu.Unlock()

	if t.store != nil {
		if stored, err := t.store.LoadWalletContext(ctx); err == nil && stored != nil {
			lastKnown = *stored
		}
	}

	cleared := false
	if ShouldClearForContext(wallet, &lastKnown) {
		t.mu.Lock()
		t.endSessionLocked()
		t.mu.Unlock()
		t.dispatch(Reset{})
		cleared = true
		logger.WithFields(logger.Fields{
			"old_address":  lastKnown.Address.Hex(),
			"old_chain_id": lastKnown.ChainID,
			"address":      wallet.Address.Hex(),
			"chain_id":     wallet.ChainID,
		}).Info("Wallet context changed, cleared tracked transaction")
	}

	if t.store != nil && !wallet.IsZero() {
		if err := t.store.SaveWalletContext(ctx, wallet); err != nil {
			logger.WithFields(logger.Fields{
				"error": err,
			}).Warn("Couldn't persist wallet context")
		}
	}
	return cleared
}

// Restore reloads the persisted snapshot. A snapshot from another wallet
// context is discarded; a restored pending transaction resumes tracking.
// The lifecycle always continues from the stored version so later snapshots
// are not rejected as stale.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	stored, err := t.store.LoadWalletContext(ctx)
	if err != nil {
		return err
	}
	state, err := t.store.LoadState(ctx)
	if err != nil || state == nil {
		return err
	}

	current := t.WalletContext()
	if ShouldClearForContext(current, stored) {
		t.lifecycle.Restore(State{Phase: PhaseIdle, Version: state.Version})
		t.dispatch(Reset{})
		logger.WithFields(logger.Fields{
			"old_address":  stored.Address.Hex(),
			"old_chain_id": stored.ChainID,
		}).Info("Discarded snapshot of another wallet context")
		return nil
	}

	t.lifecycle.Restore(*state)
	if state.Phase == PhasePending {
		t.mu.Lock()
		t.startSessionLocked(state.Tx.Hash)
		t.mu.Unlock()
	}
	logger.WithFields(logger.Fields{
		"phase":   state.Phase,
		"version": state.Version,
	}).Info("Restored tracked transaction")
	return nil
}

// Close stops all pollers. The tracker cannot be used afterwards.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.endSessionLocked()
	t.baseCancel()
	close(t.notices)
}

func (t *Tracker) dispatch(action Action) (State, bool) {
	state, applied := t.lifecycle.Dispatch(action)
	if applied {
		t.afterTransition(action, state)
	}
	return state, applied
}

// afterTransition persists and publishes an applied state.
func (t *Tracker) afterTransition(action Action, state State) {
	if t.store == nil && t.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(t.baseCtx, persistTimeout)
	defer cancel()

	if t.store != nil {
		if err := t.store.SaveState(ctx, state); err != nil {
			logger.WithFields(logger.Fields{
				"action":  action.Name(),
				"version": state.Version,
				"error":   err,
			}).Warn("Couldn't persist lifecycle state")
		}
	}
	if t.sink != nil {
		event := Event{Action: action.Name(), Context: t.WalletContext(), State: state, At: t.now()}
		if err := t.sink.Publish(ctx, event); err != nil {
			logger.WithFields(logger.Fields{
				"action": action.Name(),
				"error":  err,
			}).Warn("Couldn't publish lifecycle event")
		}
	}
}

func (t *Tracker) notify(n Notice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.notices <- n:
	default:
		logger.WithFields(logger.Fields{
			"title": n.Title,
		}).Debug("Dropping notice, no reader")
	}
}
