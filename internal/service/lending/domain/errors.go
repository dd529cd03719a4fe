// internal/service/lending/domain/errors.go
package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrIneligible          = errors.New("account is not eligible to borrow")
	ErrUnavailable         = errors.New("title is not lendable")
	ErrDuplicateActiveLoan = errors.New("user already has an active loan for this title")
	ErrInsufficientStock   = errors.New("no copies available")
	ErrInvalidState        = errors.New("loan is not in a state that allows this operation")
	ErrAlreadyExists       = errors.New("already exists")
	// ErrIntegrityFault 表示账本之间出现不一致，需要人工介入
	ErrIntegrityFault = errors.New("ledger integrity fault")
)

// ErrorKind 把错误归类为稳定的标签，用于指标和 HTTP 映射
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrIntegrityFault):
		// IntegrityFault 可能同时包装了 NotFound，必须优先判断
		return "integrity_fault"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrIneligible):
		return "ineligible"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrDuplicateActiveLoan):
		return "duplicate_active_loan"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	default:
		return "internal"
	}
}
