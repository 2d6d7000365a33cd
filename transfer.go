package txtracker

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

// ERC20ABI is the subset of the ERC-20 interface used for transfers and metadata.
var ERC20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}

// PackTransfer encodes transfer(to, amount) calldata.
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return ERC20ABI.Pack("transfer", to, amount)
}

// TransferCallMsg builds the call a transfer of amount to recipient would make from sender.
// Native transfers carry the amount as value, ERC-20 transfers call the token contract.
func TransferCallMsg(from common.Address, token TokenRef, recipient common.Address, amount *big.Int) (ethereum.CallMsg, error) {
	if token.IsNative {
		to := recipient
		return ethereum.CallMsg{From: from, To: &to, Value: amount}, nil
	}
	data, err := PackTransfer(recipient, amount)
	if err != nil {
		return ethereum.CallMsg{}, fmt.Errorf("couldn't pack transfer: %w", err)
	}
	contract := token.Address
	return ethereum.CallMsg{From: from, To: &contract, Data: data}, nil
}
