package gateway

import (
	"context"
	"fmt"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"

	"tradeflow/logger"
)

// Binance places orders through the Binance spot REST API.
type Binance struct {
	client *binance.Client
	log    *logger.Entry
}

func NewBinance(apiKey, apiSecret string) *Binance {
	return &Binance{
		client: binance.NewClient(apiKey, apiSecret),
		log:    logger.GetLogger().WithComponent("binance_gateway"),
	}
}

func (g *Binance) PlaceLimitOrder(ctx context.Context, order LimitOrder) (OrderResult, error) {
	side := binance.SideTypeBuy
	if order.Side == SideSell {
		side = binance.SideTypeSell
	}

	tif := binance.TimeInForceTypeGTC
	if order.TimeInForce == "IOC" {
		tif = binance.TimeInForceTypeIOC
	}

	resp, err := g.client.NewCreateOrderService().
		Symbol(order.Symbol).
		Side(side).
		Type(binance.OrderTypeLimit).
		TimeInForce(tif).
		Quantity(formatQty(order.Quantity)).
		Price(formatQty(order.LimitPrice)).
		Do(ctx)
	if err != nil {
		return OrderResult{Success: false, Status: StatusRejected, Message: err.Error()},
			fmt.Errorf("create order %s: %w", order.Symbol, err)
	}

	result := OrderResult{
		Success:     true,
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		Status:      string(resp.Status),
		FilledQty:   parseQty(resp.ExecutedQuantity),
		SubmittedAt: time.UnixMilli(resp.TransactTime).UTC(),
	}
	g.log.WithFields(logger.Fields{
		"order_id": result.OrderID,
		"symbol":   order.Symbol,
		"side":     order.Side,
		"status":   result.Status,
	}).Info("binance order placed")
	return result, nil
}

func (g *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("order id %q is not numeric: %w", orderID, err)
	}
	if _, err := g.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

func (g *Binance) GetOrder(ctx context.Context, symbol, orderID string) (OrderResult, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return OrderResult{}, fmt.Errorf("order id %q is not numeric: %w", orderID, err)
	}

	order, err := g.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return OrderResult{}, fmt.Errorf("get order %s: %w", orderID, err)
	}

	filled := parseQty(order.ExecutedQuantity)
	result := OrderResult{
		Success:     true,
		OrderID:     orderID,
		Status:      string(order.Status),
		FilledQty:   filled,
		SubmittedAt: time.UnixMilli(order.Time).UTC(),
	}
	if filled > 0 {
		if quote := parseQty(order.CummulativeQuoteQuantity); quote > 0 {
			result.AvgFillPrice = quote / filled
		} else {
			result.AvgFillPrice = parseQty(order.Price)
		}
	}
	return result, nil
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseQty(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
