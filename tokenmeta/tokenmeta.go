// Package tokenmeta reads ERC-20 metadata and balances from the chain.
package tokenmeta

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/tranvictor/txtracker"
)

var ErrTokenNotFound = errors.New("token not found on this chain")

var nativeSymbols = map[uint64]string{
	1:        "ETH",
	11155111: "ETH",
	100:      "xDAI",
	8453:     "ETH",
	84532:    "ETH",
}

// NativeToken returns the native currency of chainID. Unknown chains default to ETH.
func NativeToken(chainID uint64) txtracker.TokenRef {
	symbol, ok := nativeSymbols[chainID]
	if !ok {
		symbol = "ETH"
	}
	return txtracker.TokenRef{IsNative: true, Decimals: 18, Symbol: symbol, Name: symbol}
}

// ContractReader is the part of a chain client used to read token contracts.
type ContractReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Reader resolves token metadata through a ContractReader.
type Reader struct {
	client ContractReader
}

func NewReader(client ContractReader) *Reader {
	return &Reader{client: client}
}

// Lookup returns the ERC-20 metadata of address. An address without code or
// without a readable symbol/decimals is reported as ErrTokenNotFound.
func (r *Reader) Lookup(ctx context.Context, address common.Address) (txtracker.TokenRef, error) {
	code, err := r.client.CodeAt(ctx, address, nil)
	if err != nil {
		return txtracker.TokenRef{}, fmt.Errorf("couldn't read code at %s: %w", address.Hex(), err)
	}
	if len(code) == 0 {
		return txtracker.TokenRef{}, ErrTokenNotFound
	}

	symbol, err := r.callString(ctx, address, "symbol")
	if err != nil {
		return txtracker.TokenRef{}, errors.Join(ErrTokenNotFound, err)
	}
	decimals, err := r.callDecimals(ctx, address)
	if err != nil {
		return txtracker.TokenRef{}, errors.Join(ErrTokenNotFound, err)
	}
	name, err := r.callString(ctx, address, "name")
	if err != nil {
		// some tokens omit name()
		logger.WithFields(logger.Fields{
			"token": address.Hex(),
			"error": err,
		}).Debug("Token has no readable name, using symbol")
		name = symbol
	}

	return txtracker.TokenRef{
		Address:  address,
		Decimals: decimals,
		Symbol:   symbol,
		Name:     name,
	}, nil
}

// Balance returns owner's balance of token in its smallest unit.
func (r *Reader) Balance(ctx context.Context, token txtracker.TokenRef, owner common.Address) (*big.Int, error) {
	if token.IsNative {
		return r.client.BalanceAt(ctx, owner, nil)
	}
	out, err := r.call(ctx, token.Address, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", out[0])
	}
	return balance, nil
}

func (r *Reader) call(ctx context.Context, token common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := txtracker.ERC20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("couldn't pack %s: %w", method, err)
	}
	raw, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s() call failed: %w", method, err)
	}
	out, err := txtracker.ERC20ABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("couldn't decode %s(): %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s() returned no values", method)
	}
	return out, nil
}

func (r *Reader) callString(ctx context.Context, token common.Address, method string) (string, error) {
	out, err := r.call(ctx, token, method)
	if err != nil {
		return "", err
	}
	s, ok := out[0].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%s() returned an empty value", method)
	}
	return s, nil
}

func (r *Reader) callDecimals(ctx context.Context, token common.Address) (uint8, error) {
	out, err := r.call(ctx, token, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals result %T", out[0])
	}
	return d, nil
}
