package redis

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/tranvictor/txtracker"
)

// Key prefixes for tracker storage
const (
	stateKey          = "txtracker:state"    // lifecycle snapshot
	walletContextKey  = "txtracker:context"  // last-known wallet context
	historyKeyPrefix  = "txtracker:history:" // sorted set of confirmed hashes by confirmedAt, per chain:address
	historyDataSuffix = ":data"              // hash of confirmed tx snapshots, per chain:address

	maxRetries = 10
)

// StateStore provides Redis-based persistence for a Tracker.
// It implements the txtracker.StateStore interface.
//
// Snapshots carry the lifecycle version; a write older than the stored
// snapshot is ignored, so concurrent writers can only move state forward.
type StateStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// StateStoreOption configures a StateStore.
type StateStoreOption func(*StateStore)

// WithKeyPrefix sets a custom prefix for all Redis keys.
func WithKeyPrefix(prefix string) StateStoreOption {
	return func(s *StateStore) {
		s.keyPrefix = prefix
	}
}

// NewStateStore creates a new Redis-based state store.
func NewStateStore(client redis.UniversalClient, opts ...StateStoreOption) *StateStore {
	s := &StateStore{
		client: client,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// key returns the full Redis key with optional prefix.
func (s *StateStore) key(parts ...string) string {
	key := strings.Join(parts, "")
	if s.keyPrefix != "" {
		return s.keyPrefix + ":" + key
	}
	return key
}

// walletContextData is the JSON-serializable form of WalletContext
type walletContextData struct {
	Address string `json:"address"`
	ChainID uint64 `json:"chainId"`
}

// SaveState persists state unless a newer version is already stored.
// Uses WATCH/MULTI/EXEC for optimistic locking against concurrent writers.
func (s *StateStore) SaveState(ctx context.Context, state txtracker.State) error {
	data, err := txtracker.MarshalSnapshot(state)
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}
	key := s.key(stateKey)

	return s.withRetry(ctx, "save state", func() error {
		return s.client.Watch(ctx, func(rtx *redis.Tx) error {
			existing, err := rtx.Get(ctx, key).Bytes()
			if err != nil && err != redis.Nil {
				return fmt.Errorf("failed to get existing state: %w", err)
			}
			if err != redis.Nil {
				stored, parseErr := txtracker.UnmarshalSnapshot(existing)
				// corrupt snapshots are overwritten
				if parseErr == nil && stored.Version > state.Version {
					logger.WithFields(logger.Fields{
						"stored_version": stored.Version,
						"version":        state.Version,
					}).Debug("Skipping stale state snapshot")
					return nil
				}
			}

			_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)
	})
}

// LoadState returns the stored snapshot, or nil when none exists.
func (s *StateStore) LoadState(ctx context.Context) (*txtracker.State, error) {
	data, err := s.client.Get(ctx, s.key(stateKey)).Bytes()
	if err == redis.Nil {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	state, err := txtracker.UnmarshalSnapshot(data)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveWalletContext records wc as the last-known wallet context.
func (s *StateStore) SaveWalletContext(ctx context.Context, wc txtracker.WalletContext) error {
	data, err := json.Marshal(walletContextData{Address: wc.Address.Hex(), ChainID: wc.ChainID})
	if err != nil {
		return fmt.Errorf("failed to serialize wallet context: %w", err)
	}
	if err := s.client.Set(ctx, s.key(walletContextKey), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save wallet context: %w", err)
	}
	return nil
}

// LoadWalletContext returns the last-known wallet context, or nil when none exists.
func (s *StateStore) LoadWalletContext(ctx context.Context) (*txtracker.WalletContext, error) {
	data, err := s.client.Get(ctx, s.key(walletContextKey)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet context: %w", err)
	}
	var d walletContextData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wallet context: %w", err)
	}
	return &txtracker.WalletContext{Address: common.HexToAddress(d.Address), ChainID: d.ChainID}, nil
}

// AppendHistory records a confirmed transfer for wc. Appending the same hash
// again replaces the earlier record.
func (s *StateStore) AppendHistory(ctx context.Context, wc txtracker.WalletContext, tx *txtracker.TrackedTransaction) error {
	if tx == nil {
		return fmt.Errorf("transaction cannot be nil")
	}
	data, err := txtracker.MarshalSnapshot(txtracker.State{Phase: txtracker.PhaseConfirmed, Tx: tx})
	if err != nil {
		return fmt.Errorf("failed to serialize transaction: %w", err)
	}
	at := tx.ConfirmedAt
	if at.IsZero() {
		at = tx.SubmittedAt
	}
	hashHex := tx.Hash.Hex()
	indexKey := s.historyKey(wc)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, indexKey+historyDataSuffix, hashHex, data)
		pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(at.UnixMilli()), Member: hashHex})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// History returns up to limit confirmed transfers for wc, newest first.
// A limit of 0 returns everything.
func (s *StateStore) History(ctx context.Context, wc txtracker.WalletContext, limit int64) ([]*txtracker.TrackedTransaction, error) {
	indexKey := s.historyKey(wc)
	hashes, err := s.client.ZRevRange(ctx, indexKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	results, err := s.client.HMGet(ctx, indexKey+historyDataSuffix, hashes...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get history records: %w", err)
	}

	txs := make([]*txtracker.TrackedTransaction, 0, len(results))
	var deserializeErrors []string
	for i, result := range results {
		if result == nil {
			// Record was pruned between the two reads
			continue
		}
		data, ok := result.(string)
		if !ok {
			deserializeErrors = append(deserializeErrors, fmt.Sprintf("hash %s: unexpected type %T", hashes[i], result))
			continue
		}
		state, err := txtracker.UnmarshalSnapshot([]byte(data))
		if err != nil {
			deserializeErrors = append(deserializeErrors, fmt.Sprintf("hash %s: %v", hashes[i], err))
			continue
		}
		txs = append(txs, state.Tx)
	}

	// Return partial results with error if there were deserialization failures
	if len(deserializeErrors) > 0 {
		return txs, fmt.Errorf("failed to deserialize %d records: %s", len(deserializeErrors), strings.Join(deserializeErrors, "; "))
	}
	return txs, nil
}

// DeleteHistoryOlderThan removes history records of wc confirmed more than age ago.
func (s *StateStore) DeleteHistoryOlderThan(ctx context.Context, wc txtracker.WalletContext, age time.Duration) (int, error) {
	indexKey := s.historyKey(wc)
	cutoff := time.Now().Add(-age).UnixMilli()

	hashes, err := s.client.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get old history: %w", err)
	}
	if len(hashes) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(hashes))
	for i, h := range hashes {
		members[i] = h
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, indexKey+historyDataSuffix, hashes...)
		pipe.ZRem(ctx, indexKey, members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete old history: %w", err)
	}
	return len(hashes), nil
}

func (s *StateStore) historyKey(wc txtracker.WalletContext) string {
	return s.key(historyKeyPrefix, strconv.FormatUint(wc.ChainID, 10), ":", wc.Address.Hex())
}

// withRetry retries fn with exponential backoff and jitter while its optimistic lock fails.
func (s *StateStore) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff/2 + 1)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			// Optimistic lock failed, retry
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("failed to %s after %d retries: %w", op, maxRetries, lastErr)
}

// Verify StateStore implements txtracker.StateStore
var _ txtracker.StateStore = (*StateStore)(nil)
