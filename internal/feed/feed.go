package feed

import (
	"context"
	"time"
)

// QuoteHandler receives a raw inbound quote event. The event is either a
// mapping with short wire keys or a value implementing QuoteShaped; the
// ingestion layer normalizes both to one internal record.
type QuoteHandler func(event any)

// TradeHandler receives a raw inbound trade event.
type TradeHandler func(event any)

// Feed is one logical streaming market-data connection.
type Feed interface {
	// Connect establishes the connection. It must be called before Run.
	Connect(ctx context.Context) error
	// Run blocks reading the feed until the connection breaks or ctx is done.
	Run(ctx context.Context) error
	// Stop tears the connection down and unblocks Run.
	Stop()

	SubscribeQuotes(ctx context.Context, symbols ...string) error
	UnsubscribeQuotes(ctx context.Context, symbols ...string) error
	SubscribeTrades(ctx context.Context, symbols ...string) error
	UnsubscribeTrades(ctx context.Context, symbols ...string) error

	SetHandlers(quotes QuoteHandler, trades TradeHandler)
}

// QuoteShaped is the object-shaped quote event surface.
type QuoteShaped interface {
	GetSymbol() string
	GetBidPrice() float64
	GetAskPrice() float64
	GetBidSize() float64
	GetAskSize() float64
	GetTimestamp() time.Time
}

// TradeShaped is the object-shaped trade event surface.
type TradeShaped interface {
	GetSymbol() string
	GetPrice() float64
	GetVolume() float64
	GetTimestamp() time.Time
}
