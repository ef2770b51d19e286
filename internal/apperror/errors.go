package apperror

import (
	"errors"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindPaymentRequired
	KindForbidden
	KindNotFound
	KindConflict
	KindGateway
)

const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeInvalidAmount       = "INVALID_AMOUNT"
	CodeInvalidType         = "INVALID_TRANSACTION_TYPE"
	CodeUnsupportedCurrency = "UNSUPPORTED_CURRENCY"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeInsufficientFunds   = "INSUFFICIENT_FUNDS"
	CodeWalletNotFound      = "WALLET_NOT_FOUND"
	CodeWalletExists        = "WALLET_EXISTS"
	CodeOrderNotFound       = "PAYMENT_ORDER_NOT_FOUND"
	CodeDuplicateReference  = "DUPLICATE_REFERENCE"
	CodeGatewayError        = "GATEWAY_ERROR"
	CodeInvalidCallback     = "INVALID_CALLBACK"
	CodeInvalidSignature    = "INVALID_SIGNATURE"
	CodeLedgerDivergence    = "LEDGER_DIVERGENCE"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInternal            = "INTERNAL_ERROR"
)

// Error is an application error carrying a machine readable code that is
// rendered unchanged at the transport boundary.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Validation(code, message string) *Error {
	return New(KindValidation, code, message, nil)
}

func Unauthorized(code, message string) *Error {
	return New(KindUnauthorized, code, message, nil)
}

func Forbidden(code, message string) *Error {
	return New(KindForbidden, code, message, nil)
}

func NotFound(code, message string) *Error {
	return New(KindNotFound, code, message, nil)
}

func Conflict(code, message string) *Error {
	return New(KindConflict, code, message, nil)
}

func Gateway(code, message string, err error) *Error {
	return New(KindGateway, code, message, err)
}

func Internal(code, message string, err error) *Error {
	return New(KindInternal, code, message, err)
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func HTTPStatus(err error) int {
	appErr, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch appErr.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindPaymentRequired:
		return http.StatusPaymentRequired
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
