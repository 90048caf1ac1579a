package quotestore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tradeflow/logger"
)

// ValidationError reports a malformed quote or trade input. It is always
// returned synchronously to the caller, never swallowed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// QuoteRecord is the latest two-sided quote stored for a symbol. The write
// path accepts any non-negative values; spread sanity is enforced at read
// time.
type QuoteRecord struct {
	Symbol    string    `json:"symbol"`
	BidPrice  float64   `json:"bid_price"`
	AskPrice  float64   `json:"ask_price"`
	BidSize   float64   `json:"bid_size"`
	AskSize   float64   `json:"ask_size"`
	Timestamp time.Time `json:"timestamp"`
}

// TradeRecord is the latest trade stored for a symbol.
type TradeRecord struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// PricePoint is the externally visible merge of a symbol's resting quote and
// its latest trade.
type PricePoint struct {
	Symbol     string    `json:"symbol"`
	BidPrice   float64   `json:"bid_price"`
	AskPrice   float64   `json:"ask_price"`
	BidSize    float64   `json:"bid_size"`
	AskSize    float64   `json:"ask_size"`
	TradePrice float64   `json:"trade_price"`
	Volume     float64   `json:"volume"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Settings configures the store's cleanup and freshness behavior.
type Settings struct {
	CleanupInterval time.Duration
	MaxQuoteAge     time.Duration
	FreshnessWindow time.Duration
	PollInterval    time.Duration
}

func defaultSettings() Settings {
	return Settings{
		CleanupInterval: time.Minute,
		MaxQuoteAge:     5 * time.Minute,
		FreshnessWindow: time.Second,
		PollInterval:    100 * time.Millisecond,
	}
}

// Store is a thread-safe point-in-time aggregation of the latest quote and
// trade per symbol. One mutex guards the three maps; it is deliberately
// separate from the subscription lock so admission latency never couples to
// price-update latency.
type Store struct {
	mu         sync.RWMutex
	quotes     map[string]QuoteRecord
	trades     map[string]TradeRecord
	lastUpdate map[string]time.Time

	settings Settings
	now      func() time.Time
	log      *logger.Entry

	dataQualityEvents int64
	onDataQuality     func(symbol string)
}

// NewStore creates an empty Store. Zero settings fall back to defaults.
func NewStore(settings Settings) *Store {
	def := defaultSettings()
	if settings.CleanupInterval <= 0 {
		settings.CleanupInterval = def.CleanupInterval
	}
	if settings.MaxQuoteAge <= 0 {
		settings.MaxQuoteAge = def.MaxQuoteAge
	}
	if settings.FreshnessWindow <= 0 {
		settings.FreshnessWindow = def.FreshnessWindow
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = def.PollInterval
	}

	return &Store{
		quotes:     make(map[string]QuoteRecord),
		trades:     make(map[string]TradeRecord),
		lastUpdate: make(map[string]time.Time),
		settings:   settings,
		now:        time.Now,
		log:        logger.GetLogger().WithComponent("quotestore"),
	}
}

func validateSymbol(symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", &ValidationError{Field: "symbol", Reason: "must not be blank"}
	}
	return symbol, nil
}

func validateTimestamp(ts time.Time) error {
	if ts.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "must carry a time-zone-qualified instant"}
	}
	return nil
}

// UpdateQuote replaces the symbol's quote record with exactly the values
// given. The store does not decide how to handle a missing side; that policy
// lives in the ingestion layer.
func (s *Store) UpdateQuote(symbol string, bid, ask, bidSize, askSize float64, ts time.Time) error {
	symbol, err := validateSymbol(symbol)
	if err != nil {
		return err
	}
	if bid < 0 {
		return &ValidationError{Field: "bid_price", Reason: fmt.Sprintf("must not be negative, got %v", bid)}
	}
	if ask < 0 {
		return &ValidationError{Field: "ask_price", Reason: fmt.Sprintf("must not be negative, got %v", ask)}
	}
	if bidSize < 0 {
		return &ValidationError{Field: "bid_size", Reason: fmt.Sprintf("must not be negative, got %v", bidSize)}
	}
	if askSize < 0 {
		return &ValidationError{Field: "ask_size", Reason: fmt.Sprintf("must not be negative, got %v", askSize)}
	}
	if err := validateTimestamp(ts); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.quotes[symbol] = QuoteRecord{
		Symbol:    symbol,
		BidPrice:  bid,
		AskPrice:  ask,
		BidSize:   bidSize,
		AskSize:   askSize,
		Timestamp: ts,
	}
	s.lastUpdate[symbol] = s.now()
	return nil
}

// UpdateTrade stores the symbol's latest trade. Trade prices are held to a
// stricter standard than quotes: zero or negative prices are rejected.
func (s *Store) UpdateTrade(symbol string, price, volume float64, ts time.Time) error {
	symbol, err := validateSymbol(symbol)
	if err != nil {
		return err
	}
	if price <= 0 {
		return &ValidationError{Field: "price", Reason: fmt.Sprintf("must be positive, got %v", price)}
	}
	if volume < 0 {
		return &ValidationError{Field: "volume", Reason: fmt.Sprintf("must not be negative, got %v", volume)}
	}
	if err := validateTimestamp(ts); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades[symbol] = TradeRecord{
		Symbol:    symbol,
		Price:     price,
		Volume:    volume,
		Timestamp: ts,
	}
	s.lastUpdate[symbol] = s.now()
	return nil
}

// Quote returns the stored quote record for symbol.
func (s *Store) Quote(symbol string) (QuoteRecord, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	return q, ok
}

// PricePoint returns the merged quote/trade view for symbol.
func (s *Store) PricePoint(symbol string) (PricePoint, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	s.mu.RLock()
	defer s.mu.RUnlock()

	q, haveQuote := s.quotes[symbol]
	tr, haveTrade := s.trades[symbol]
	if !haveQuote && !haveTrade {
		return PricePoint{}, false
	}

	pp := PricePoint{Symbol: symbol, UpdatedAt: s.lastUpdate[symbol]}
	if haveQuote {
		pp.BidPrice = q.BidPrice
		pp.AskPrice = q.AskPrice
		pp.BidSize = q.BidSize
		pp.AskSize = q.AskSize
	}
	if haveTrade {
		pp.TradePrice = tr.Price
		pp.Volume = tr.Volume
	}
	return pp, true
}

// Price resolves a best-effort price for symbol: mid of a two-sided book,
// then last trade, then whichever single side is positive.
func (s *Store) Price(symbol string) (float64, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	s.mu.RLock()
	defer s.mu.RUnlock()

	q, haveQuote := s.quotes[symbol]
	if haveQuote && q.BidPrice > 0 && q.AskPrice > 0 {
		return (q.BidPrice + q.AskPrice) / 2, true
	}
	if tr, ok := s.trades[symbol]; ok && tr.Price > 0 {
		return tr.Price, true
	}
	if haveQuote && q.BidPrice > 0 {
		return q.BidPrice, true
	}
	if haveQuote && q.AskPrice > 0 {
		return q.AskPrice, true
	}
	return 0, false
}

// Spread returns the stored bid and ask when both sides are strictly
// positive and the book is not crossed or zero-width. A violating record may
// well be stored; the invariant is enforced here, at read time, and logged
// as a data-quality event.
func (s *Store) Spread(symbol string) (bid, ask float64, ok bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	s.mu.RLock()
	q, haveQuote := s.quotes[symbol]
	s.mu.RUnlock()

	if !haveQuote {
		return 0, 0, false
	}
	if q.BidPrice <= 0 || q.AskPrice <= 0 || q.AskPrice <= q.BidPrice {
		s.mu.Lock()
		s.dataQualityEvents++
		notify := s.onDataQuality
		s.mu.Unlock()
		if notify != nil {
			notify(symbol)
		}
		s.log.WithFields(logger.Fields{
			"symbol": symbol,
			"bid":    q.BidPrice,
			"ask":    q.AskPrice,
		}).Warn("inverted or zero-width book")
		return 0, 0, false
	}
	return q.BidPrice, q.AskPrice, true
}

// HasRecentData reports whether the symbol was updated within maxAge.
func (s *Store) HasRecentData(symbol string, maxAge time.Duration) bool {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.lastUpdate[symbol]
	if !ok {
		return false
	}
	return s.now().Sub(ts) <= maxAge
}

// PriceForOrder requests live data for symbol via subscribe exactly once,
// then polls until the record is fresher than the freshness window or
// maxWait elapses. Whatever Price yields at that point is returned, possibly
// nothing.
func (s *Store) PriceForOrder(ctx context.Context, symbol string, subscribe func(string), maxWait time.Duration) (float64, bool) {
	if subscribe != nil {
		subscribe(symbol)
	}
	if maxWait <= 0 {
		maxWait = 500 * time.Millisecond
	}

	deadline := s.now().Add(maxWait)
	ticker := time.NewTicker(s.settings.PollInterval)
	defer ticker.Stop()

	for {
		if s.HasRecentData(symbol, s.settings.FreshnessWindow) {
			return s.Price(symbol)
		}
		if !s.now().Before(deadline) {
			return s.Price(symbol)
		}
		select {
		case <-ctx.Done():
			return s.Price(symbol)
		case <-ticker.C:
		}
	}
}

// Remove drops all records for symbol.
func (s *Store) Remove(symbol string) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(symbol)
}

// purge assumes the caller holds the write lock.
func (s *Store) purge(symbol string) {
	delete(s.quotes, symbol)
	delete(s.trades, symbol)
	delete(s.lastUpdate, symbol)
}

// Size returns how many symbols currently hold records.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lastUpdate)
}

// OnDataQuality registers a callback invoked whenever a read-time invariant
// violation is observed. The store stays decoupled from any metrics backend;
// wiring happens at composition time.
func (s *Store) OnDataQuality(fn func(symbol string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDataQuality = fn
}

// DataQualityEvents returns the number of read-time invariant violations
// observed so far.
func (s *Store) DataQualityEvents() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dataQualityEvents
}

// StartCleanup launches the background staleness sweep. While connected
// reports false the cycle is skipped entirely so state is preserved through
// outages.
func (s *Store) StartCleanup(ctx context.Context, connected func() bool) {
	go func() {
		ticker := time.NewTicker(s.settings.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if connected != nil && !connected() {
					s.log.Debug("skipping cleanup cycle while disconnected")
					continue
				}
				s.CleanupStale()
			}
		}
	}()
}

// CleanupStale purges every symbol whose last update is older than the
// configured maximum quote age.
func (s *Store) CleanupStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.settings.MaxQuoteAge)
	removed := 0
	for symbol, ts := range s.lastUpdate {
		if ts.Before(cutoff) {
			s.purge(symbol)
			removed++
		}
	}
	if removed > 0 {
		s.log.WithField("removed", removed).Info("purged stale symbols")
	}
	return removed
}

// SetClock overrides the store's time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
