package txtracker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrTxNotFound         = errors.New("transaction not found")
	ErrQuoteUnavailable   = errors.New("gas quote unavailable")
	ErrInvalidFee         = errors.New("transaction has no usable fee fields")
	ErrUserRejected       = errors.New("user rejected the request")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientGas    = errors.New("insufficient gas")
	ErrReverted           = errors.New("transaction reverted")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrUnknownChain       = errors.New("unknown chain")
	ErrNoSender           = errors.New("no sender configured")
	ErrTrackerClosed      = errors.New("tracker is closed")
)

// userRejectedCode is the EIP-1193 provider error code for a rejected request
const userRejectedCode = 4001

// SubmitErrorKind classifies why a submission failed.
type SubmitErrorKind string

const (
	SubmitErrorUserRejected      SubmitErrorKind = "user_rejected"
	SubmitErrorInsufficientFunds SubmitErrorKind = "insufficient_funds"
	SubmitErrorInsufficientGas   SubmitErrorKind = "insufficient_gas"
	SubmitErrorReverted          SubmitErrorKind = "reverted"
	SubmitErrorUnknown           SubmitErrorKind = "unknown"
)

// SubmitError is returned by Tracker.Submit when signing or broadcasting fails.
type SubmitError struct {
	Kind SubmitErrorKind
	Err  error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// Message returns the user-facing description of the failure.
func (e *SubmitError) Message() string {
	return e.Notice(false).Description
}

// Notice returns the user-facing message for the failure.
// isNative selects the wording for insufficient funds.
func (e *SubmitError) Notice(isNative bool) Notice {
	switch e.Kind {
	case SubmitErrorUserRejected:
		return Notice{Level: NoticeError, Title: "Transaction rejected", Description: "You rejected the transaction in your wallet"}
	case SubmitErrorInsufficientFunds:
		desc := "You don't have enough balance for this transfer or gas fees"
		if isNative {
			desc = "You don't have enough balance to cover the transfer and gas fees"
		}
		return Notice{Level: NoticeError, Title: "Insufficient funds", Description: desc}
	case SubmitErrorInsufficientGas:
		return Notice{Level: NoticeError, Title: "Gas estimation failed", Description: "Unable to estimate gas for this transaction"}
	case SubmitErrorReverted:
		return Notice{Level: NoticeError, Title: "Transaction failed", Description: "The transaction was reverted"}
	}
	desc := "An unknown error occurred"
	if e.Err != nil && e.Err.Error() != "" {
		desc = e.Err.Error()
	}
	return Notice{Level: NoticeError, Title: "Transfer failed", Description: desc}
}

// ClassifySubmitError maps a signing/broadcast failure to a SubmitErrorKind.
// Known error values and JSON-RPC codes are checked first; the message is
// only inspected when nothing structured matches.
func ClassifySubmitError(err error) SubmitErrorKind {
	if err == nil {
		return SubmitErrorUnknown
	}

	switch {
	case errors.Is(err, ErrUserRejected):
		return SubmitErrorUserRejected
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, core.ErrInsufficientFunds),
		errors.Is(err, core.ErrInsufficientFundsForTransfer):
		return SubmitErrorInsufficientFunds
	case errors.Is(err, ErrInsufficientGas),
		errors.Is(err, core.ErrIntrinsicGas),
		errors.Is(err, core.ErrGasLimitReached):
		return SubmitErrorInsufficientGas
	case errors.Is(err, ErrReverted):
		return SubmitErrorReverted
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == userRejectedCode {
		return SubmitErrorUserRejected
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user rejected"), strings.Contains(msg, "user denied"):
		return SubmitErrorUserRejected
	case strings.Contains(msg, "insufficient funds"):
		return SubmitErrorInsufficientFunds
	case strings.Contains(msg, "gas"):
		return SubmitErrorInsufficientGas
	}
	return SubmitErrorUnknown
}

// NewSubmitError classifies err and wraps it.
func NewSubmitError(err error) *SubmitError {
	return &SubmitError{Kind: ClassifySubmitError(err), Err: err}
}
