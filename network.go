package txtracker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tranvictor/jarvis/networks"

	"github.com/tranvictor/txtracker/internal/circuitbreaker"
)

// ChainInfo describes a supported chain.
type ChainInfo struct {
	ID      uint64
	Name    string
	Testnet bool
}

var knownChains = map[uint64]ChainInfo{
	1:        {ID: 1, Name: "Ethereum"},
	11155111: {ID: 11155111, Name: "Sepolia", Testnet: true},
	100:      {ID: 100, Name: "Gnosis"},
	8453:     {ID: 8453, Name: "Base"},
	84532:    {ID: 84532, Name: "Base Sepolia", Testnet: true},
}

// SupportedChains returns the chains the tracker ships metadata for.
func SupportedChains() []ChainInfo {
	out := make([]ChainInfo, 0, len(knownChains))
	for _, id := range []uint64{1, 11155111, 100, 8453, 84532} {
		out = append(out, knownChains[id])
	}
	return out
}

// IsTestnetChain reports whether chainID is a known testnet.
func IsTestnetChain(chainID uint64) bool {
	return knownChains[chainID].Testnet
}

// NetworkResolver looks up a jarvis network by chain ID.
type NetworkResolver func(chainID uint64) (networks.Network, error)

// DefaultNetworkResolver is the default resolver that uses jarvis networks.GetNetworkByID.
func DefaultNetworkResolver(chainID uint64) (networks.Network, error) {
	return networks.GetNetworkByID(chainID)
}

// LookupChain returns chain metadata from the built-in table, falling back to resolver.
func LookupChain(chainID uint64, resolver NetworkResolver) (ChainInfo, error) {
	if info, ok := knownChains[chainID]; ok {
		return info, nil
	}
	if resolver == nil {
		resolver = DefaultNetworkResolver
	}
	network, err := resolver(chainID)
	if err != nil {
		return ChainInfo{}, errors.Join(ErrUnknownChain, fmt.Errorf("chain %d: %w", chainID, err))
	}
	return ChainInfo{ID: chainID, Name: network.GetName()}, nil
}

// ClientProvider returns the ChainClient for a chain.
type ClientProvider interface {
	Client(ctx context.Context, chainID uint64) (ChainClient, error)
}

// StaticClient serves one client for every chain.
type StaticClient struct {
	ChainClient
}

// Client returns the wrapped client.
func (s StaticClient) Client(context.Context, uint64) (ChainClient, error) {
	return s.ChainClient, nil
}

// ClientRegistry lazily dials one ChainClient per chain and guards each
// chain with a circuit breaker.
type ClientRegistry struct {
	rpcURLs  map[uint64]string
	factory  ClientFactory
	resolver NetworkResolver
	breaker  circuitbreaker.Config

	locks    sync.Map // map[uint64]*sync.Mutex
	clients  sync.Map // map[uint64]ChainClient
	breakers sync.Map // map[uint64]*circuitbreaker.CircuitBreaker
}

// RegistryOption configures a ClientRegistry
type RegistryOption func(*ClientRegistry)

// WithClientFactory sets a custom client factory.
// This is primarily useful for testing with mock clients.
func WithClientFactory(factory ClientFactory) RegistryOption {
	return func(r *ClientRegistry) {
		r.factory = factory
	}
}

// WithNetworkResolver sets a custom network resolver for chains outside the built-in table
func WithNetworkResolver(resolver NetworkResolver) RegistryOption {
	return func(r *ClientRegistry) {
		r.resolver = resolver
	}
}

// WithCircuitBreakerConfig sets the breaker thresholds used for every chain
func WithCircuitBreakerConfig(config circuitbreaker.Config) RegistryOption {
	return func(r *ClientRegistry) {
		r.breaker = config
	}
}

// NewClientRegistry creates a registry dialing rpcURLs keyed by chain ID.
func NewClientRegistry(rpcURLs map[uint64]string, opts ...RegistryOption) *ClientRegistry {
	r := &ClientRegistry{
		rpcURLs:  make(map[uint64]string, len(rpcURLs)),
		factory:  DefaultClientFactory,
		resolver: DefaultNetworkResolver,
		breaker:  circuitbreaker.DefaultConfig(),
	}
	for id, url := range rpcURLs {
		r.rpcURLs[id] = url
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *ClientRegistry) getLock(chainID uint64) *sync.Mutex {
	lock, _ := r.locks.LoadOrStore(chainID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (r *ClientRegistry) getCircuitBreaker(chainID uint64) *circuitbreaker.CircuitBreaker {
	cb, _ := r.breakers.LoadOrStore(chainID, circuitbreaker.New(r.breaker))
	return cb.(*circuitbreaker.CircuitBreaker)
}

// Client returns the client for chainID, dialing it on first use. Every RPC
// made through the returned client reports to the chain's circuit breaker.
// Returns an error if the breaker is open before the first dial or the chain
// has no RPC URL.
func (r *ClientRegistry) Client(ctx context.Context, chainID uint64) (ChainClient, error) {
	if c, ok := r.clients.Load(chainID); ok {
		return c.(ChainClient), nil
	}

	lock := r.getLock(chainID)
	lock.Lock()
	defer lock.Unlock()

	if c, ok := r.clients.Load(chainID); ok {
		return c.(ChainClient), nil
	}

	url, ok := r.rpcURLs[chainID]
	if !ok || url == "" {
		return nil, fmt.Errorf("no rpc url configured for chain %d", chainID)
	}
	cb := r.getCircuitBreaker(chainID)
	if !cb.Allow() {
		return nil, fmt.Errorf("%w for chain %d", ErrCircuitBreakerOpen, chainID)
	}
	inner, err := r.factory(ctx, chainID, url)
	if err != nil {
		cb.RecordFailure()
		return nil, fmt.Errorf("couldn't dial chain %d: %w", chainID, err)
	}
	cb.RecordSuccess()
	c := &breakerClient{inner: inner, chainID: chainID, cb: cb}
	r.clients.Store(chainID, c)

	name := fmt.Sprintf("chain-%d", chainID)
	if info, err := LookupChain(chainID, r.resolver); err == nil {
		name = info.Name
	}
	logger.WithFields(logger.Fields{
		"chain_id": chainID,
		"network":  name,
	}).Info("Connected chain client")
	return c, nil
}

// RecordSuccess records a successful RPC call for the chain's circuit breaker
func (r *ClientRegistry) RecordSuccess(chainID uint64) {
	r.getCircuitBreaker(chainID).RecordSuccess()
}

// RecordFailure records a failed RPC call for the chain's circuit breaker
func (r *ClientRegistry) RecordFailure(chainID uint64) {
	r.getCircuitBreaker(chainID).RecordFailure()
}

// CircuitBreakerStats returns the circuit breaker statistics for a chain
func (r *ClientRegistry) CircuitBreakerStats(chainID uint64) circuitbreaker.Stats {
	return r.getCircuitBreaker(chainID).Stats()
}

// ResetCircuitBreaker resets the circuit breaker for a chain
func (r *ClientRegistry) ResetCircuitBreaker(chainID uint64) {
	r.getCircuitBreaker(chainID).Reset()
}

// breakerClient reports the outcome of every RPC to its chain's breaker and
// fails fast while the breaker is open.
type breakerClient struct {
	inner   ChainClient
	chainID uint64
	cb      *circuitbreaker.CircuitBreaker
}

var _ ChainClient = (*breakerClient)(nil)

func (c *breakerClient) do(ctx context.Context, call func() error) error {
	if !c.cb.Allow() {
		return fmt.Errorf("%w for chain %d", ErrCircuitBreakerOpen, c.chainID)
	}
	err := call()
	switch {
	case err == nil, isNodeResponse(err):
		c.cb.RecordSuccess()
	case ctx.Err() != nil:
		c.cb.Abandon()
	default:
		c.cb.RecordFailure()
		logger.WithFields(logger.Fields{
			"chain_id": c.chainID,
			"error":    err,
		}).Debug("RPC call failed")
	}
	return err
}

// isNodeResponse reports errors the node answered with, as opposed to
// transport failures.
func isNodeResponse(err error) bool {
	if errors.Is(err, ethereum.NotFound) {
		return true
	}
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

func (c *breakerClient) TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error) {
	err = c.do(ctx, func() error {
		var callErr error
		tx, isPending, callErr = c.inner.TransactionByHash(ctx, hash)
		return callErr
	})
	return tx, isPending, err
}

func (c *breakerClient) BlockNumber(ctx context.Context) (n uint64, err error) {
	err = c.do(ctx, func() error {
		var callErr error
		n, callErr = c.inner.BlockNumber(ctx)
		return callErr
	})
	return n, err
}

func (c *breakerClient) BlockByNumber(ctx context.Context, number *big.Int) (block *types.Block, err error) {
	err = c.do(ctx, func() error {
		var callErr error
		block, callErr = c.inner.BlockByNumber(ctx, number)
		return callErr
	})
	return block, err
}

func (c *breakerClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (units uint64, err error) {
	err = c.do(ctx, func() error {
		var callErr error
		units, callErr = c.inner.EstimateGas(ctx, msg)
		return callErr
	})
	return units, err
}

func (c *breakerClient) SuggestGasPrice(ctx context.Context) (price *big.Int, err error) {
	err = c.do(ctx, func() error {
		var callErr error
		price, callErr = c.inner.SuggestGasPrice(ctx)
		return callErr
	})
	return price, err
}

func (c *breakerClient) TransactionReceipt(ctx context.Context, hash common.Hash) (receipt *types.Receipt, err error) {
	err = c.do(ctx, func() error {
		var callErr error
		receipt, callErr = c.inner.TransactionReceipt(ctx, hash)
		return callErr
	})
	return receipt, err
}

func (c *breakerClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (balance *big.Int, err error) {
	err = c.do(ctx, func() error {
		var callErr error
		balance, callErr = c.inner.BalanceAt(ctx, account, blockNumber)
		return callErr
	})
	return balance, err
}

func (c *breakerClient) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) (code []byte, err error) {
	err = c.do(ctx, func() error {
		var callErr error
		code, callErr = c.inner.CodeAt(ctx, account, blockNumber)
		return callErr
	})
	return code, err
}

func (c *breakerClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) (out []byte, err error) {
	err = c.do(ctx, func() error {
		var callErr error
		out, callErr = c.inner.CallContract(ctx, msg, blockNumber)
		return callErr
	})
	return out, err
}

func (c *breakerClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.do(ctx, func() error {
		return c.inner.SendTransaction(ctx, tx)
	})
}

func (c *breakerClient) ChainID(ctx context.Context) (id *big.Int, err error) {
	err = c.do(ctx, func() error {
		var callErr error
		id, callErr = c.inner.ChainID(ctx)
		return callErr
	})
	return id, err
}
