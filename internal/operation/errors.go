package operation

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrReverted marks a transaction whose receipt reports failed execution.
var ErrReverted = errors.New("execution reverted")

// JSON-RPC error code used by execution clients for reverted calls.
const revertErrorCode = 3

// Cause is the classified reason behind a revert.
type Cause int

const (
	CauseUnknown Cause = iota
	CauseNotFound
	CauseAlreadyFinalized
	CauseInsufficientBalance
	CauseInsufficientAllowance
)

func (c Cause) String() string {
	switch c {
	case CauseNotFound:
		return "not_found"
	case CauseAlreadyFinalized:
		return "already_finalized"
	case CauseInsufficientBalance:
		return "insufficient_balance"
	case CauseInsufficientAllowance:
		return "insufficient_allowance"
	default:
		return "unknown"
	}
}

// SubmissionError is a rejection of the request before execution.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission rejected: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// RevertedError is an execution revert, optionally classified.
// With CauseUnknown it reads exactly like the underlying error.
type RevertedError struct {
	Cause  Cause
	Detail string
	Reason string
	Err    error
}

func (e *RevertedError) Error() string {
	if e.Cause == CauseUnknown {
		if e.Err == nil {
			return ErrReverted.Error()
		}
		return e.Err.Error()
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Cause, e.Detail)
	}
	return fmt.Sprintf("%s: %v", e.Cause, e.Err)
}

func (e *RevertedError) Unwrap() error {
	return e.Err
}

// MissingMarkerError reports a successful receipt that lacks the event the
// result mapper requires.
type MissingMarkerError struct {
	Event  string
	TxHash common.Hash
}

func (e *MissingMarkerError) Error() string {
	return fmt.Sprintf("receipt %s has no %s event", e.TxHash.Hex(), e.Event)
}

// AsRevert reports whether err is an execution revert and returns it as a
// RevertedError. JSON-RPC revert errors carry their reason in the error data.
func AsRevert(err error) (*RevertedError, bool) {
	if err == nil {
		return nil, false
	}
	var reverted *RevertedError
	if errors.As(err, &reverted) {
		return reverted, true
	}
	if errors.Is(err, ErrReverted) {
		return &RevertedError{Err: err}, true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == revertErrorCode {
		return &RevertedError{Err: err, Reason: revertReason(err)}, true
	}
	return nil, false
}

func revertReason(err error) string {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return ""
	}
	encoded, ok := dataErr.ErrorData().(string)
	if !ok {
		return ""
	}
	data, decodeErr := hexutil.Decode(encoded)
	if decodeErr != nil {
		return ""
	}
	reason, unpackErr := abi.UnpackRevert(data)
	if unpackErr != nil {
		return ""
	}
	return reason
}
