package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeflow/internal/gateway"
	"tradeflow/internal/metrics"
	"tradeflow/internal/quotestore"
	"tradeflow/logger"
)

// StatusDelayedOpen is the synthetic status returned when an order arrives
// inside the opening volatility window. The broker is never contacted.
const StatusDelayedOpen = "DELAYED_OPEN"

// Pricer is the market-data surface the engine prices orders from. The
// streaming service satisfies it.
type Pricer interface {
	Spread(symbol string) (bid, ask float64, ok bool)
	PricePoint(symbol string) (quotestore.PricePoint, bool)
	PriceForOrder(ctx context.Context, symbol string) (float64, bool)
}

// RepegPolicy decides, on each monitoring poll, whether the market has moved
// enough to justify canceling and re-pricing a resting order.
type RepegPolicy interface {
	ShouldRepeg(order OrderContext, bid, ask float64) bool
}

// neverRepeg is the default policy: orders rest at their original price for
// the full monitoring duration.
type neverRepeg struct{}

func (neverRepeg) ShouldRepeg(OrderContext, float64, float64) bool { return false }

// Settings configures the engine. Zero values fall back to conservative
// defaults.
type Settings struct {
	MaxSpreadPct    float64
	MinVolumeShares float64
	TickSize        float64
	MinPrice        float64
	MinImprovement  float64

	MaxRepegs          int
	RepegWait          time.Duration
	MonitoringDuration time.Duration
	PollInterval       time.Duration

	OpeningWindow  time.Duration
	MarketTimezone string
	MarketOpen     string
	TimeInForce    string
}

func defaultEngineSettings() Settings {
	return Settings{
		MaxSpreadPct:       0.5,
		MinVolumeShares:    100,
		TickSize:           0.01,
		MinPrice:           0.01,
		MinImprovement:     0.01,
		MaxRepegs:          3,
		RepegWait:          30 * time.Second,
		MonitoringDuration: 5 * time.Minute,
		PollInterval:       5 * time.Second,
		OpeningWindow:      5 * time.Minute,
		MarketTimezone:     "America/New_York",
		MarketOpen:         "09:30",
		TimeInForce:        "DAY",
	}
}

// OrderRequest is one ask to work a limit order.
type OrderRequest struct {
	Symbol   string
	Side     gateway.Side
	Quantity float64
}

// OrderContext tracks one working order through its monitoring life.
type OrderContext struct {
	OrderID      string       `json:"order_id"`
	Symbol       string       `json:"symbol"`
	Side         gateway.Side `json:"side"`
	Quantity     float64      `json:"quantity"`
	PriceHistory []float64    `json:"price_history"`
	RepegCount   int          `json:"repeg_count"`
	PlacedAt     time.Time    `json:"placed_at"`
	Status       string       `json:"status"`
}

// Engine places liquidity-anchored limit orders and works each one with a
// bounded monitoring loop that can re-peg toward the market or escalate once
// the re-peg budget runs out.
type Engine struct {
	pricer Pricer
	gw     gateway.OrderGateway
	policy RepegPolicy
	opts   Settings
	loc    *time.Location
	openH  int
	openM  int
	now    func() time.Time
	log    *logger.Entry

	mu     sync.Mutex
	orders map[string]*OrderContext
	wg     sync.WaitGroup

	escalations int64
}

// NewEngine builds an Engine. The market timezone and open time are resolved
// eagerly so a bad configuration fails at startup, not at the first order.
func NewEngine(pricer Pricer, gw gateway.OrderGateway, opts Settings) (*Engine, error) {
	if pricer == nil || gw == nil {
		return nil, fmt.Errorf("pricer and gateway are required")
	}

	def := defaultEngineSettings()
	if opts.MaxSpreadPct <= 0 {
		opts.MaxSpreadPct = def.MaxSpreadPct
	}
	if opts.MinVolumeShares <= 0 {
		opts.MinVolumeShares = def.MinVolumeShares
	}
	if opts.TickSize <= 0 {
		opts.TickSize = def.TickSize
	}
	if opts.MinPrice <= 0 {
		opts.MinPrice = def.MinPrice
	}
	if opts.MinImprovement <= 0 {
		opts.MinImprovement = def.MinImprovement
	}
	if opts.MaxRepegs < 0 {
		return nil, fmt.Errorf("max repegs must not be negative, got %d", opts.MaxRepegs)
	}
	if opts.MaxRepegs == 0 {
		opts.MaxRepegs = def.MaxRepegs
	}
	if opts.RepegWait <= 0 {
		opts.RepegWait = def.RepegWait
	}
	if opts.MonitoringDuration <= 0 {
		opts.MonitoringDuration = def.MonitoringDuration
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.OpeningWindow <= 0 {
		opts.OpeningWindow = def.OpeningWindow
	}
	if opts.MarketTimezone == "" {
		opts.MarketTimezone = def.MarketTimezone
	}
	if opts.MarketOpen == "" {
		opts.MarketOpen = def.MarketOpen
	}
	if opts.TimeInForce == "" {
		opts.TimeInForce = def.TimeInForce
	}

	loc, err := time.LoadLocation(opts.MarketTimezone)
	if err != nil {
		return nil, fmt.Errorf("market timezone %q: %w", opts.MarketTimezone, err)
	}
	open, err := time.Parse("15:04", opts.MarketOpen)
	if err != nil {
		return nil, fmt.Errorf("market open %q is not HH:MM: %w", opts.MarketOpen, err)
	}

	return &Engine{
		pricer: pricer,
		gw:     gw,
		policy: neverRepeg{},
		opts:   opts,
		loc:    loc,
		openH:  open.Hour(),
		openM:  open.Minute(),
		now:    time.Now,
		orders: make(map[string]*OrderContext),
		log:    logger.GetLogger().WithComponent("execution"),
	}, nil
}

// SetRepegPolicy replaces the market-move trigger. Nil restores the default
// never-fire policy.
func (e *Engine) SetRepegPolicy(policy RepegPolicy) {
	if policy == nil {
		policy = neverRepeg{}
	}
	e.mu.Lock()
	e.policy = policy
	e.mu.Unlock()
}

// inOpeningWindow reports whether t falls inside the opening volatility
// window of the market's local, DST-aware calendar.
func (e *Engine) inOpeningWindow(t time.Time) bool {
	local := t.In(e.loc)
	open := time.Date(local.Year(), local.Month(), local.Day(), e.openH, e.openM, 0, 0, e.loc)
	return !local.Before(open) && local.Before(open.Add(e.opts.OpeningWindow))
}

// PlaceAdaptiveOrder runs the full placement pipeline: opening-window gate,
// pre-trade checks, liquidity-anchored pricing, submission, and the spawn of
// the monitoring loop. Orders delayed by the opening window yield a synthetic
// result without contacting the broker.
func (e *Engine) PlaceAdaptiveOrder(ctx context.Context, req OrderRequest) (gateway.OrderResult, error) {
	if req.Symbol == "" || req.Quantity <= 0 {
		return gateway.OrderResult{Status: gateway.StatusRejected, Message: "malformed request"},
			fmt.Errorf("malformed order request: %+v", req)
	}
	if req.Side != gateway.SideBuy && req.Side != gateway.SideSell {
		return gateway.OrderResult{Status: gateway.StatusRejected, Message: "unknown side"},
			fmt.Errorf("unknown side %q", req.Side)
	}

	if e.inOpeningWindow(e.now()) {
		e.log.WithField("symbol", req.Symbol).Info("order delayed through the opening window")
		return gateway.OrderResult{Status: StatusDelayedOpen, Message: "inside opening volatility window"}, nil
	}

	// Warm the store so the pre-trade checks see live data.
	e.pricer.PriceForOrder(ctx, req.Symbol)

	bid, ask, ok := e.pricer.Spread(req.Symbol)
	if !ok {
		metrics.IncrementOrderRejected(req.Symbol)
		return gateway.OrderResult{Status: gateway.StatusRejected, Message: "no valid two-sided quote"}, nil
	}
	mid := (bid + ask) / 2
	if spreadPct := (ask - bid) / mid * 100; spreadPct > e.opts.MaxSpreadPct {
		metrics.IncrementOrderRejected(req.Symbol)
		e.log.WithFields(logger.Fields{
			"symbol":     req.Symbol,
			"spread_pct": spreadPct,
			"max_pct":    e.opts.MaxSpreadPct,
		}).Warn("order rejected on spread width")
		return gateway.OrderResult{Status: gateway.StatusRejected, Message: "spread too wide"}, nil
	}

	if !e.volumeOK(req) {
		metrics.IncrementOrderRejected(req.Symbol)
		return gateway.OrderResult{Status: gateway.StatusRejected, Message: "insufficient displayed liquidity"}, nil
	}

	limit := e.limitPrice(req.Side, bid, ask, mid)

	result, err := e.gw.PlaceLimitOrder(ctx, gateway.LimitOrder{
		Symbol:      req.Symbol,
		Side:        req.Side,
		Quantity:    req.Quantity,
		LimitPrice:  limit,
		TimeInForce: e.opts.TimeInForce,
	})
	if err != nil {
		return result, fmt.Errorf("place %s %s: %w", req.Side, req.Symbol, err)
	}

	order := &OrderContext{
		OrderID:      result.OrderID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Quantity:     req.Quantity,
		PriceHistory: []float64{limit},
		PlacedAt:     e.now(),
		Status:       result.Status,
	}
	e.mu.Lock()
	e.orders[result.OrderID] = order
	e.mu.Unlock()

	metrics.IncrementOrderPlaced(req.Symbol)
	logger.IncrementOrderPlaced()
	e.log.WithFields(logger.Fields{
		"order_id": result.OrderID,
		"symbol":   req.Symbol,
		"side":     req.Side,
		"limit":    limit,
	}).Info("limit order placed")

	e.wg.Add(1)
	go e.monitor(ctx, result.OrderID)

	return result, nil
}

// volumeOK checks the displayed size on the side the order would hit.
func (e *Engine) volumeOK(req OrderRequest) bool {
	pp, ok := e.pricer.PricePoint(req.Symbol)
	if !ok {
		return false
	}
	if req.Side == gateway.SideBuy {
		return pp.BidSize >= e.opts.MinVolumeShares
	}
	return pp.AskSize >= e.opts.MinVolumeShares
}

// limitPrice anchors to the best available liquidity: one tick above the bid
// for buys, one tick below the ask for sells. A degenerate result falls back
// to the midpoint.
func (e *Engine) limitPrice(side gateway.Side, bid, ask, mid float64) float64 {
	var price float64
	if side == gateway.SideBuy {
		price = bid + e.opts.TickSize
	} else {
		price = ask - e.opts.TickSize
	}
	if price <= 0 {
		price = mid
	}
	return clampMinimum(roundToIncrement(price, e.opts.TickSize), e.opts.MinPrice)
}

// monitor works one order until it goes terminal, the monitoring duration
// elapses, or the re-peg budget escalates.
func (e *Engine) monitor(parent context.Context, orderID string) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(parent, e.opts.MonitoringDuration)
	defer cancel()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.WithField("order_id", orderID).Debug("order monitoring ended")
			return
		case <-ticker.C:
		}

		order := e.orderSnapshot(orderID)
		if order == nil {
			return
		}

		result, err := e.gw.GetOrder(ctx, order.Symbol, order.OrderID)
		if err != nil {
			e.log.WithError(err).WithField("order_id", order.OrderID).Warn("order status poll failed")
			continue
		}
		e.setStatus(orderID, result.Status)
		if isTerminal(result.Status) {
			e.log.WithFields(logger.Fields{
				"order_id": order.OrderID,
				"status":   result.Status,
				"filled":   result.FilledQty,
			}).Info("order reached terminal status")
			return
		}

		if !shouldConsiderRepeg(order.PlacedAt, e.now(), e.opts.RepegWait) {
			continue
		}

		bid, ask, ok := e.pricer.Spread(order.Symbol)
		if !ok {
			continue
		}

		e.mu.Lock()
		policy := e.policy
		e.mu.Unlock()
		if !policy.ShouldRepeg(*order, bid, ask) {
			continue
		}

		if shouldEscalate(order.RepegCount, e.opts.MaxRepegs) {
			e.mu.Lock()
			e.escalations++
			e.mu.Unlock()
			metrics.IncrementEscalation(order.Symbol)
			e.log.WithFields(logger.Fields{
				"order_id":    order.OrderID,
				"repeg_count": order.RepegCount,
			}).Warn("re-peg budget exhausted, leaving order resting")
			return
		}

		if newID, ok := e.repeg(ctx, order, bid, ask); ok {
			orderID = newID
		}
	}
}

// repeg cancels the resting order and resubmits it at a price moved halfway
// from the last attempt toward the fresh liquidity anchor. Returns the
// replacement order id.
func (e *Engine) repeg(ctx context.Context, order *OrderContext, bid, ask float64) (string, bool) {
	if err := e.gw.CancelOrder(ctx, order.Symbol, order.OrderID); err != nil {
		e.log.WithError(err).WithField("order_id", order.OrderID).Warn("re-peg cancel failed")
		return "", false
	}

	mid := (bid + ask) / 2
	target := e.limitPrice(order.Side, bid, ask, mid)
	price := target
	if n := len(order.PriceHistory); n > 0 {
		price = roundToIncrement(adjust(order.PriceHistory[n-1], target, 0.5), e.opts.TickSize)
		price = clampMinimum(price, e.opts.MinPrice)
	}
	price = dedupeAgainstHistory(price, order.PriceHistory, order.Side, bid, ask,
		e.opts.MinImprovement, e.opts.TickSize, e.log)

	result, err := e.gw.PlaceLimitOrder(ctx, gateway.LimitOrder{
		Symbol:      order.Symbol,
		Side:        order.Side,
		Quantity:    order.Quantity,
		LimitPrice:  price,
		TimeInForce: e.opts.TimeInForce,
	})
	if err != nil {
		e.log.WithError(err).WithField("symbol", order.Symbol).Error("re-peg resubmission failed")
		return "", false
	}

	e.mu.Lock()
	delete(e.orders, order.OrderID)
	replacement := &OrderContext{
		OrderID:      result.OrderID,
		Symbol:       order.Symbol,
		Side:         order.Side,
		Quantity:     order.Quantity,
		PriceHistory: append(append([]float64{}, order.PriceHistory...), price),
		RepegCount:   order.RepegCount + 1,
		PlacedAt:     e.now(),
		Status:       result.Status,
	}
	e.orders[result.OrderID] = replacement
	e.mu.Unlock()

	metrics.IncrementRepeg(order.Symbol)
	logger.IncrementOrderRepeg()
	e.log.WithFields(logger.Fields{
		"old_order_id": order.OrderID,
		"new_order_id": result.OrderID,
		"price":        price,
		"repeg_count":  replacement.RepegCount,
	}).Info("order re-pegged")
	return result.OrderID, true
}

// shouldConsiderRepeg gates a minimum dwell time before any re-peg.
func shouldConsiderRepeg(placedAt, now time.Time, wait time.Duration) bool {
	return now.Sub(placedAt) >= wait
}

func (e *Engine) orderSnapshot(orderID string) *OrderContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[orderID]
	if !ok {
		return nil
	}
	snapshot := *order
	snapshot.PriceHistory = append([]float64{}, order.PriceHistory...)
	return &snapshot
}

func (e *Engine) setStatus(orderID, status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if order, ok := e.orders[orderID]; ok {
		order.Status = status
	}
}

// ActiveOrders returns a snapshot of every tracked order.
func (e *Engine) ActiveOrders() []OrderContext {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]OrderContext, 0, len(e.orders))
	for _, order := range e.orders {
		snapshot := *order
		snapshot.PriceHistory = append([]float64{}, order.PriceHistory...)
		out = append(out, snapshot)
	}
	return out
}

// Escalations returns how many orders exhausted their re-peg budget.
func (e *Engine) Escalations() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.escalations
}

// Wait blocks until all monitoring loops have exited. Shutdown only.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// SetClock overrides the engine's time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}
