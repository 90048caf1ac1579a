package binance

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"

	"tradeflow/internal/feed"
	"tradeflow/logger"
)

// quoteEvent adapts a Binance book-ticker update to the object-shaped quote
// surface the ingestion layer accepts.
type quoteEvent struct {
	symbol    string
	bid, ask  float64
	bidSize   float64
	askSize   float64
	timestamp time.Time
}

func (e quoteEvent) GetSymbol() string       { return e.symbol }
func (e quoteEvent) GetBidPrice() float64    { return e.bid }
func (e quoteEvent) GetAskPrice() float64    { return e.ask }
func (e quoteEvent) GetBidSize() float64     { return e.bidSize }
func (e quoteEvent) GetAskSize() float64     { return e.askSize }
func (e quoteEvent) GetTimestamp() time.Time { return e.timestamp }

// tradeEvent adapts a Binance aggregated trade.
type tradeEvent struct {
	symbol    string
	price     float64
	volume    float64
	timestamp time.Time
}

func (e tradeEvent) GetSymbol() string       { return e.symbol }
func (e tradeEvent) GetPrice() float64       { return e.price }
func (e tradeEvent) GetVolume() float64      { return e.volume }
func (e tradeEvent) GetTimestamp() time.Time { return e.timestamp }

// Feed streams Binance book tickers and aggregated trades through the
// go-binance websocket helpers, one stream per symbol.
type Feed struct {
	log *logger.Entry

	mu         sync.Mutex
	quotes     feed.QuoteHandler
	trades     feed.TradeHandler
	quoteStops map[string]chan struct{}
	tradeStops map[string]chan struct{}
	errCh      chan error
	stopCh     chan struct{}
	running    bool
}

func New() *Feed {
	return &Feed{
		log:        logger.GetLogger().WithComponent("binance_feed"),
		quoteStops: make(map[string]chan struct{}),
		tradeStops: make(map[string]chan struct{}),
	}
}

func (f *Feed) SetHandlers(quotes feed.QuoteHandler, trades feed.TradeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes = quotes
	f.trades = trades
}

// Connect prepares the feed. The go-binance helpers dial lazily per stream,
// so this only resets lifecycle state.
func (f *Feed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return fmt.Errorf("feed already running")
	}
	f.errCh = make(chan error, 16)
	f.stopCh = make(chan struct{})
	f.running = true
	return nil
}

// Run blocks until a stream reports an error, Stop is called, or ctx is
// done. Stream errors surface here so the owner can drive its reconnect
// policy.
func (f *Feed) Run(ctx context.Context) error {
	f.mu.Lock()
	errCh := f.errCh
	stopCh := f.stopCh
	f.mu.Unlock()

	if errCh == nil {
		return fmt.Errorf("feed is not connected")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return nil
	case err := <-errCh:
		return fmt.Errorf("binance stream: %w", err)
	}
}

// Stop ends every per-symbol stream and unblocks Run.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}
	f.running = false

	for symbol, stop := range f.quoteStops {
		close(stop)
		delete(f.quoteStops, symbol)
	}
	for symbol, stop := range f.tradeStops {
		close(stop)
		delete(f.tradeStops, symbol)
	}
	close(f.stopCh)
}

func (f *Feed) SubscribeQuotes(ctx context.Context, symbols ...string) error {
	for _, symbol := range symbols {
		if err := f.subscribeQuote(symbol); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) UnsubscribeQuotes(ctx context.Context, symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, symbol := range symbols {
		if stop, ok := f.quoteStops[symbol]; ok {
			close(stop)
			delete(f.quoteStops, symbol)
		}
	}
	return nil
}

func (f *Feed) SubscribeTrades(ctx context.Context, symbols ...string) error {
	for _, symbol := range symbols {
		if err := f.subscribeTrade(symbol); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) UnsubscribeTrades(ctx context.Context, symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, symbol := range symbols {
		if stop, ok := f.tradeStops[symbol]; ok {
			close(stop)
			delete(f.tradeStops, symbol)
		}
	}
	return nil
}

func (f *Feed) subscribeQuote(symbol string) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return fmt.Errorf("feed is not connected")
	}
	if _, ok := f.quoteStops[symbol]; ok {
		f.mu.Unlock()
		return nil
	}
	handler := f.quotes
	errCh := f.errCh
	f.mu.Unlock()

	wsHandler := func(event *binance.WsBookTickerEvent) {
		if handler == nil || event == nil {
			return
		}
		handler(quoteEvent{
			symbol:    event.Symbol,
			bid:       parseFloat(event.BestBidPrice),
			ask:       parseFloat(event.BestAskPrice),
			bidSize:   parseFloat(event.BestBidQty),
			askSize:   parseFloat(event.BestAskQty),
			timestamp: time.Now().UTC(),
		})
	}
	errHandler := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	doneC, stopC, err := binance.WsBookTickerServe(symbol, wsHandler, errHandler)
	if err != nil {
		return fmt.Errorf("subscribe quotes %s: %w", symbol, err)
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-stop:
			close(stopC)
		case <-doneC:
		}
	}()

	f.mu.Lock()
	f.quoteStops[symbol] = stop
	f.mu.Unlock()

	f.log.WithField("symbol", symbol).Info("subscribed to book ticker stream")
	return nil
}

func (f *Feed) subscribeTrade(symbol string) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return fmt.Errorf("feed is not connected")
	}
	if _, ok := f.tradeStops[symbol]; ok {
		f.mu.Unlock()
		return nil
	}
	handler := f.trades
	errCh := f.errCh
	f.mu.Unlock()

	wsHandler := func(event *binance.WsAggTradeEvent) {
		if handler == nil || event == nil {
			return
		}
		handler(tradeEvent{
			symbol:    event.Symbol,
			price:     parseFloat(event.Price),
			volume:    parseFloat(event.Quantity),
			timestamp: time.UnixMilli(event.TradeTime).UTC(),
		})
	}
	errHandler := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	doneC, stopC, err := binance.WsAggTradeServe(symbol, wsHandler, errHandler)
	if err != nil {
		return fmt.Errorf("subscribe trades %s: %w", symbol, err)
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-stop:
			close(stopC)
		case <-doneC:
		}
	}()

	f.mu.Lock()
	f.tradeStops[symbol] = stop
	f.mu.Unlock()

	f.log.WithField("symbol", symbol).Info("subscribed to aggregated trade stream")
	return nil
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
