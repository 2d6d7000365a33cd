package txtracker

import "time"

// TrackerOption is a function that configures a Tracker
type TrackerOption func(*Tracker)

// WithFeeOracle sets the gas quote source used for tier classification
func WithFeeOracle(oracle FeeOracle) TrackerOption {
	return func(t *Tracker) {
		t.oracle = oracle
	}
}

// WithStateStore persists every transition and enables Restore
func WithStateStore(store StateStore) TrackerOption {
	return func(t *Tracker) {
		t.store = store
	}
}

// WithEventSink publishes every transition
func WithEventSink(sink EventSink) TrackerOption {
	return func(t *Tracker) {
		t.sink = sink
	}
}

// WithMetrics sets the collectors updated by the tracker and its pollers
func WithMetrics(m *Metrics) TrackerOption {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// WithBlockPollInterval sets how often new blocks are checked for replacements
func WithBlockPollInterval(interval time.Duration) TrackerOption {
	return func(t *Tracker) {
		if interval > 0 {
			t.blockInterval = interval
		}
	}
}

// WithReceiptPollInterval sets how often the receipt is polled
func WithReceiptPollInterval(interval time.Duration) TrackerOption {
	return func(t *Tracker) {
		if interval > 0 {
			t.receiptInterval = interval
		}
	}
}

// WithConfirmations sets the confirmation depth required before a transfer is confirmed
func WithConfirmations(n uint64) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.confirmations = n
		}
	}
}

// WithClearAfter resets the lifecycle this long after confirmation. Zero disables it.
func WithClearAfter(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.clearAfter = d
	}
}

// WithFetchRetry sets how the classifier retries fetching a freshly broadcast transaction
func WithFetchRetry(attempts int, backoff time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.classifier = func(f TxFetcher) *Classifier {
			return NewClassifier(f, WithClassifierFetchRetry(attempts, backoff), WithClassifierMetrics(t.metrics))
		}
	}
}

// WithClock overrides the time source. Timestamps are truncated to milliseconds.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = func() time.Time { return Millis(now()) }
	}
}
