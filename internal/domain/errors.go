package domain

import (
	"errors"
	"fmt"
)

var (
	ErrProductNotFound      = errors.New("product not found")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrReturnWindowExpired  = errors.New("return window expired")
	ErrItemNotInOrder       = errors.New("item not in order")
	ErrQuantityExceedsOrder = errors.New("quantity exceeds ordered quantity")
	ErrUnauthorized         = errors.New("not authorized")
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
)

// InsufficientStockError names the product that could not be reserved.
type InsufficientStockError struct {
	ProductID   string
	ProductName string
	Requested   int
	Available   int
}

func (e *InsufficientStockError) Error() string {
	name := e.ProductName
	if name == "" {
		name = e.ProductID
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", name, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

func ValidationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func TransitionErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}
