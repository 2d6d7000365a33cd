// Package redis provides a Redis-based implementation of txtracker.StateStore.
//
// The store keeps the tracker's lifecycle snapshot and last-known wallet
// context so a restarted process can resume watching a pending transfer, or
// drop it when the wallet or chain changed in the meantime. Confirmed transfers
// are appended to a per-wallet history.
//
// # Basic Usage
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := redisstore.NewStateStore(client)
//
//	tracker := txtracker.NewTracker(clients, wallet, txtracker.WithStateStore(store))
//	if err := tracker.Restore(ctx); err != nil {
//	    // handle
//	}
//
// Use WithKeyPrefix to isolate several trackers sharing one Redis.
//
// # Redis Key Structure
//
//   - txtracker:state - lifecycle snapshot (JSON, includes the lifecycle version)
//   - txtracker:context - last-known wallet context (JSON)
//   - txtracker:history:{chainID}:{address} - sorted set of confirmed hashes scored by confirmation time (ms)
//   - txtracker:history:{chainID}:{address}:data - hash of confirmed transfer snapshots keyed by tx hash
//
// # Consistency
//
// SaveState uses WATCH/MULTI/EXEC and never replaces a snapshot with an older
// version. Use DeleteHistoryOlderThan for periodic cleanup of history.
//
// All Redis deployments supported by redis.UniversalClient work: standalone,
// Sentinel and Cluster.
package redis
