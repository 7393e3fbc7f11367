package apperror

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed set of failure classes the trading engine acts on.
// Retry/abandon decisions are made on the kind, never on error text.
type Kind string

const (
	// KindNetwork marks transient RPC/HTTP failures; retried with bounded backoff.
	KindNetwork Kind = "NETWORK"
	// KindNonceConflict marks rejected broadcasts caused by stale or reused
	// nonces; the nonce cache must be invalidated before retrying.
	KindNonceConflict Kind = "NONCE_CONFLICT"
	// KindInsufficientFunds is fatal for the attempted operation.
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	// KindPriceUnavailable skips the dependent trade for the cycle.
	KindPriceUnavailable Kind = "PRICE_UNAVAILABLE"
	// KindSettlementAmbiguous means balance polling showed neither outcome;
	// the order stays pending and is re-checked next cycle.
	KindSettlementAmbiguous Kind = "SETTLEMENT_AMBIGUOUS"
	// KindTxReverted marks an on-chain receipt with failure status.
	KindTxReverted Kind = "TX_REVERTED"
	KindNotFound   Kind = "NOT_FOUND"
	KindDatabase   Kind = "DATABASE"
	KindEncryption Kind = "ENCRYPTION"
	KindValidation Kind = "VALIDATION"
	KindInternal   Kind = "INTERNAL"
)

// AppError carries a failure kind alongside a wrapped cause.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError without a cause.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain; KindInternal for anything else.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func NetworkError(msg string, err error) *AppError {
	return Wrap(KindNetwork, msg, err)
}

func NonceConflict(err error) *AppError {
	return Wrap(KindNonceConflict, "nonce conflict on broadcast", err)
}

func InsufficientFunds(msg string) *AppError {
	return New(KindInsufficientFunds, msg)
}

func PriceUnavailable(ticker string, err error) *AppError {
	return Wrap(KindPriceUnavailable, fmt.Sprintf("no price for %s", ticker), err)
}

func SettlementAmbiguous(orderID string) *AppError {
	return New(KindSettlementAmbiguous, fmt.Sprintf("order %s shows neither fill nor refund", orderID))
}

func TxReverted(txHash string) *AppError {
	return New(KindTxReverted, fmt.Sprintf("transaction %s reverted", txHash))
}

func NotFound(entity string) *AppError {
	return New(KindNotFound, fmt.Sprintf("%s not found", entity))
}

func DatabaseError(err error) *AppError {
	return Wrap(KindDatabase, "ledger operation failed", err)
}

func EncryptionFailure(err error) *AppError {
	return Wrap(KindEncryption, "key cipher failure", err)
}

func Validation(message string) *AppError {
	return New(KindValidation, message)
}

func InternalError(err error) *AppError {
	return Wrap(KindInternal, "internal error", err)
}

// Node error text fragments. RPC nodes do not return structured codes for
// these conditions, so the raw text is matched exactly once, here.
var (
	nonceFragments = []string{
		"nonce",
		"underpriced",
		"replacement transaction underpriced",
		"already known",
	}
	networkFragments = []string{
		"connection",
		"timeout",
		"timed out",
		"reset",
		"refused",
		"unreachable",
		"eof",
		"broken pipe",
	}
)

// ClassifyRPC converts a raw node/transport error into a kinded error.
// This is the single place where error-text matching is allowed; everything
// above this boundary switches on Kind.
func ClassifyRPC(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	text := strings.ToLower(err.Error())
	for _, frag := range nonceFragments {
		if strings.Contains(text, frag) {
			return NonceConflict(err)
		}
	}
	if strings.Contains(text, "insufficient funds") {
		return InsufficientFunds(err.Error())
	}
	for _, frag := range networkFragments {
		if strings.Contains(text, frag) {
			return NetworkError("transient rpc failure", err)
		}
	}
	return InternalError(err)
}
