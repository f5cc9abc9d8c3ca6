package repositories

import "fmt"

// OrderErrorCode enumerates failure reasons for transactional order operations.
type OrderErrorCode string

const (
	// OrderErrorUnknown represents an unspecified failure.
	OrderErrorUnknown OrderErrorCode = "order_unknown"
	// OrderErrorAmountMismatch indicates the recomputed total differs from the amount the event claims was paid.
	OrderErrorAmountMismatch OrderErrorCode = "order_amount_mismatch"
	// OrderErrorDuplicateTransaction indicates an order already exists for the payment transaction id.
	OrderErrorDuplicateTransaction OrderErrorCode = "order_duplicate_transaction"
	// OrderErrorAlreadyCanceled indicates the order was canceled before this operation ran.
	OrderErrorAlreadyCanceled OrderErrorCode = "order_already_canceled"
	// OrderErrorStatusForbidden indicates the current status forbids the requested operation.
	OrderErrorStatusForbidden OrderErrorCode = "order_status_forbidden"
	// OrderErrorStatusConflict indicates the stored status moved between the caller's read and its write.
	OrderErrorStatusConflict OrderErrorCode = "order_status_conflict"
)

// OrderError wraps order-specific transactional failures with machine readable codes.
type OrderError struct {
	Op      string
	Code    OrderErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *OrderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *OrderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOrderError constructs a typed order error.
func NewOrderError(code OrderErrorCode, message string, err error) *OrderError {
	if message == "" {
		message = string(code)
	}
	return &OrderError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
