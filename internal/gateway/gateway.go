package gateway

import (
	"context"
	"time"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Order statuses as reported by the gateway. Terminal statuses end order
// monitoring.
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCanceled        = "CANCELED"
	StatusRejected        = "REJECTED"
	StatusExpired         = "EXPIRED"
)

// LimitOrder is a request to rest a priced order on the book.
type LimitOrder struct {
	Symbol      string
	Side        Side
	Quantity    float64
	LimitPrice  float64
	TimeInForce string
}

// OrderResult reports the broker's view of an order.
type OrderResult struct {
	Success      bool      `json:"success"`
	OrderID      string    `json:"order_id"`
	Status       string    `json:"status"`
	FilledQty    float64   `json:"filled_qty"`
	AvgFillPrice float64   `json:"avg_fill_price"`
	Message      string    `json:"message,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// OrderGateway is the broker surface the execution engine places orders
// through.
type OrderGateway interface {
	PlaceLimitOrder(ctx context.Context, order LimitOrder) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (OrderResult, error)
}
