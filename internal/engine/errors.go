package engine

import "fmt"

// OrderNotFoundError reports an operation against an unknown order id.
type OrderNotFoundError struct {
	OrderID string
}

func (e *OrderNotFoundError) Error() string {
	return fmt.Sprintf("order %q not found", e.OrderID)
}

// OrderAlreadyExistsError reports a duplicate order id during tracking or
// recovery.
type OrderAlreadyExistsError struct {
	OrderID string
}

func (e *OrderAlreadyExistsError) Error() string {
	return fmt.Sprintf("order %q already tracked", e.OrderID)
}
