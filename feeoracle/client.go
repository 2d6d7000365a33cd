// Package feeoracle fetches tiered EIP-1559 fee suggestions from the Infura gas API.
package feeoracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"

	"github.com/tranvictor/txtracker"
)

const (
	DefaultBaseURL = "https://gas.api.infura.io"
	DefaultTimeout = 10 * time.Second

	suggestedFeesPath = "/v3/{key}/networks/{chainId}/suggestedGasFees"
)

var (
	ErrMissingAPIKey = errors.New("fee oracle api key is not configured")
	ErrUpstream      = errors.New("fee oracle request failed")
)

// suggestedFees is the upstream payload.
type suggestedFees struct {
	Low               *txtracker.TierFees `json:"low"`
	Medium            *txtracker.TierFees `json:"medium"`
	High              *txtracker.TierFees `json:"high"`
	EstimatedBaseFee  string              `json:"estimatedBaseFee"`
	NetworkCongestion float64             `json:"networkCongestion"`
}

// Client queries the suggestedGasFees endpoint.
type Client struct {
	http   *resty.Client
	apiKey string
	now    func() time.Time
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithBaseURL points the client at another host, e.g. a test server
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.http.SetBaseURL(url)
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.http.SetTimeout(d)
	}
}

// NewClient creates a client authenticating with apiKey.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(DefaultBaseURL).
			SetTimeout(DefaultTimeout).
			SetHeader("Accept", "application/json"),
		apiKey: apiKey,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Quote fetches the current fee suggestions for chainID.
func (c *Client) Quote(ctx context.Context, chainID uint64) (*txtracker.GasQuote, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"key":     c.apiKey,
			"chainId": strconv.FormatUint(chainID, 10),
		}).
		Get(suggestedFeesPath)
	if err != nil {
		return nil, errors.Join(ErrUpstream, err)
	}
	if resp.IsError() {
		return nil, errors.Join(ErrUpstream, fmt.Errorf("chain %d: status %d", chainID, resp.StatusCode()))
	}

	var payload suggestedFees
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, errors.Join(ErrUpstream, fmt.Errorf("failed to decode suggested fees: %w", err))
	}
	quote := &txtracker.GasQuote{
		ChainID:              chainID,
		Low:                  payload.Low,
		Medium:               payload.Medium,
		High:                 payload.High,
		EstimatedBaseFeeGwei: payload.EstimatedBaseFee,
		NetworkCongestion:    payload.NetworkCongestion,
		FetchedAt:            txtracker.Millis(c.now()),
	}
	if !quote.Complete() {
		logger.WithFields(logger.Fields{
			"chain_id": chainID,
		}).Warn("Fee oracle returned a partial quote")
	}
	return quote, nil
}
