package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeflow/logger"
)

// Paper is an in-memory gateway for development and tests. Orders rest as NEW
// until canceled; an optional fill function lets tests script executions.
type Paper struct {
	mu     sync.Mutex
	orders map[string]OrderResult
	log    *logger.Entry

	// FillFn, when set, is consulted on GetOrder to simulate fills.
	FillFn func(order LimitOrder) (status string, filledQty, avgPrice float64)

	requests map[string]LimitOrder
}

func NewPaper() *Paper {
	return &Paper{
		orders:   make(map[string]OrderResult),
		requests: make(map[string]LimitOrder),
		log:      logger.GetLogger().WithComponent("paper_gateway"),
	}
}

func (p *Paper) PlaceLimitOrder(ctx context.Context, order LimitOrder) (OrderResult, error) {
	if order.Symbol == "" || order.Quantity <= 0 || order.LimitPrice <= 0 {
		return OrderResult{Success: false, Status: StatusRejected, Message: "malformed order"},
			fmt.Errorf("malformed order: %+v", order)
	}

	result := OrderResult{
		Success:     true,
		OrderID:     uuid.NewString(),
		Status:      StatusNew,
		SubmittedAt: time.Now().UTC(),
	}

	p.mu.Lock()
	p.orders[result.OrderID] = result
	p.requests[result.OrderID] = order
	p.mu.Unlock()

	p.log.WithFields(logger.Fields{
		"order_id": result.OrderID,
		"symbol":   order.Symbol,
		"side":     order.Side,
		"qty":      order.Quantity,
		"limit":    order.LimitPrice,
	}).Info("paper order accepted")
	return result, nil
}

func (p *Paper) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	result, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if isTerminalStatus(result.Status) {
		return fmt.Errorf("order %s already %s", orderID, result.Status)
	}
	result.Status = StatusCanceled
	p.orders[orderID] = result
	return nil
}

func (p *Paper) GetOrder(ctx context.Context, symbol, orderID string) (OrderResult, error) {
	p.mu.Lock()
	result, ok := p.orders[orderID]
	request := p.requests[orderID]
	fillFn := p.FillFn
	p.mu.Unlock()

	if !ok {
		return OrderResult{}, fmt.Errorf("unknown order %s", orderID)
	}

	if fillFn != nil && !isTerminalStatus(result.Status) {
		status, qty, avg := fillFn(request)
		if status != "" {
			result.Status = status
			result.FilledQty = qty
			result.AvgFillPrice = avg
			p.mu.Lock()
			p.orders[orderID] = result
			p.mu.Unlock()
		}
	}
	return result, nil
}

func isTerminalStatus(status string) bool {
	switch status {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}
