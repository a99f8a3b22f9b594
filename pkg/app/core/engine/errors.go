package engine

import (
	"errors"

	"github.com/uhyunpark/simexchange/pkg/app/core/orderbook"
)

// Errors returned synchronously by Engine operations; match with errors.Is.
var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrDuplicateOrderID = orderbook.ErrDuplicateOrderID
	ErrOrderNotFound    = errors.New("order not found")
	ErrInvalidPrice     = errors.New("invalid market price")
)
