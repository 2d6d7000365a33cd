// Package api serves gas quotes and token metadata over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tranvictor/txtracker"
	"github.com/tranvictor/txtracker/tokenmeta"
)

const (
	DefaultQuoteTTL       = 10 * time.Second
	DefaultQuoteCacheSize = 64
	DefaultTokenCacheSize = 1024
	DefaultRatePerSecond  = 5
	DefaultRateBurst      = 10
)

// TokenLookup resolves ERC-20 metadata on a chain.
type TokenLookup interface {
	Lookup(ctx context.Context, chainID uint64, address common.Address) (txtracker.TokenRef, error)
}

type tokenKey struct {
	chainID uint64
	address common.Address
}

// Server holds the HTTP handlers and their caches.
type Server struct {
	quotes txtracker.FeeOracle
	tokens TokenLookup

	limiter    *chainLimiter
	quoteCache *expirable.LRU[uint64, *txtracker.GasQuote]
	tokenCache *lru.Cache[tokenKey, txtracker.TokenRef]

	registry *prometheus.Registry
	metrics  *httpMetrics

	quoteTTL       time.Duration
	tokenCacheSize int
	ratePerSecond  float64
	rateBurst      int
}

// Option configures a Server
type Option func(*Server)

// WithRateLimit sets the per-chain upstream rate limit
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		s.ratePerSecond = perSecond
		s.rateBurst = burst
	}
}

// WithQuoteTTL sets how long a gas quote is served from cache
func WithQuoteTTL(ttl time.Duration) Option {
	return func(s *Server) {
		s.quoteTTL = ttl
	}
}

// WithTokenCacheSize sets the number of token lookups kept
func WithTokenCacheSize(n int) Option {
	return func(s *Server) {
		s.tokenCacheSize = n
	}
}

// WithRegistry registers HTTP metrics on reg and serves it on /metrics
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// NewServer creates a Server reading quotes from quotes and tokens from tokens.
func NewServer(quotes txtracker.FeeOracle, tokens TokenLookup, opts ...Option) (*Server, error) {
	s := &Server{
		quotes:         quotes,
		tokens:         tokens,
		quoteTTL:       DefaultQuoteTTL,
		tokenCacheSize: DefaultTokenCacheSize,
		ratePerSecond:  DefaultRatePerSecond,
		rateBurst:      DefaultRateBurst,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}

	tokenCache, err := lru.New[tokenKey, txtracker.TokenRef](s.tokenCacheSize)
	if err != nil {
		return nil, err
	}
	s.tokenCache = tokenCache
	s.quoteCache = expirable.NewLRU[uint64, *txtracker.GasQuote](DefaultQuoteCacheSize, nil, s.quoteTTL)
	s.limiter = newChainLimiter(s.ratePerSecond, s.rateBurst)
	s.metrics = newHTTPMetrics(s.registry)
	return s, nil
}

// Handler returns the gin engine with every route mounted.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.metrics.middleware(), requestLogger())

	r.GET("/healthz", s.health)
	r.GET("/gas", s.gas)
	r.GET("/token", s.token)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	return r
}

func (s *Server) health(c *gin.Context) {
	renderJSON(c, http.StatusOK, gin.H{"status": "UP", "service": "txtracker"})
}

func (s *Server) gas(c *gin.Context) {
	raw := c.Query("chainId")
	if raw == "" {
		renderJSON(c, http.StatusBadRequest, gin.H{"error": "Missing chainId"})
		return
	}
	chainID, ok := parseChainID(raw)
	if !ok {
		renderJSON(c, http.StatusBadRequest, gin.H{"error": "Invalid chainId"})
		return
	}

	if quote, ok := s.quoteCache.Get(chainID); ok {
		s.metrics.cacheLookup("quote", true)
		renderJSON(c, http.StatusOK, quote)
		return
	}
	s.metrics.cacheLookup("quote", false)

	if !s.limiter.Allow(chainID) {
		renderJSON(c, http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
		return
	}
	quote, err := s.quotes.Quote(c.Request.Context(), chainID)
	if err != nil || quote == nil {
		logger.WithFields(logger.Fields{
			"chain_id": chainID,
			"error":    err,
		}).Warn("Gas quote request failed")
		renderJSON(c, http.StatusInternalServerError, gin.H{"error": "Failed to fetch gas metrics"})
		return
	}
	s.quoteCache.Add(chainID, quote)
	renderJSON(c, http.StatusOK, quote)
}

func (s *Server) token(c *gin.Context) {
	rawAddr := c.Query("tokenAddress")
	if rawAddr == "" {
		rawAddr = c.Query("address")
	}
	rawChain := c.Query("chain")
	if rawAddr == "" || rawChain == "" {
		renderJSON(c, http.StatusBadRequest, gin.H{"error": "Missing tokenAddress or chain"})
		return
	}
	if !common.IsHexAddress(rawAddr) {
		renderJSON(c, http.StatusBadRequest, gin.H{"error": "Invalid token address format"})
		return
	}
	chainID, ok := parseChainID(rawChain)
	if !ok {
		renderJSON(c, http.StatusBadRequest, gin.H{"error": "Invalid chain"})
		return
	}

	key := tokenKey{chainID: chainID, address: common.HexToAddress(rawAddr)}
	if token, ok := s.tokenCache.Get(key); ok {
		s.metrics.cacheLookup("token", true)
		renderJSON(c, http.StatusOK, token)
		return
	}
	s.metrics.cacheLookup("token", false)

	token, err := s.tokens.Lookup(c.Request.Context(), chainID, key.address)
	if err != nil {
		if errors.Is(err, tokenmeta.ErrTokenNotFound) {
			renderJSON(c, http.StatusNotFound, gin.H{"error": "Token not found on this chain"})
			return
		}
		logger.WithFields(logger.Fields{
			"chain_id": chainID,
			"token":    key.address.Hex(),
			"error":    err,
		}).Warn("Token metadata lookup failed")
		renderJSON(c, http.StatusInternalServerError, gin.H{"error": "Failed to fetch token metadata"})
		return
	}
	s.tokenCache.Add(key, token)
	renderJSON(c, http.StatusOK, token)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logger.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("Handled request")
	}
}
