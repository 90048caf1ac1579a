package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tradeflow/internal/feed"
)

// fakeFeed records control traffic and lets tests script connection results.
type fakeFeed struct {
	mu           sync.Mutex
	connectErrs  []error
	connects     int
	subscribed   []string
	unsubscribed []string
	quotes       feed.QuoteHandler
	trades       feed.TradeHandler
	runRelease   chan error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{runRelease: make(chan error, 1)}
}

func (f *fakeFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return nil
}

func (f *fakeFeed) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-f.runRelease:
		return err
	}
}

func (f *fakeFeed) Stop() {
	select {
	case f.runRelease <- nil:
	default:
	}
}

func (f *fakeFeed) SubscribeQuotes(ctx context.Context, symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, symbols...)
	return nil
}

func (f *fakeFeed) UnsubscribeQuotes(ctx context.Context, symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, symbols...)
	return nil
}

func (f *fakeFeed) SubscribeTrades(ctx context.Context, symbols ...string) error   { return nil }
func (f *fakeFeed) UnsubscribeTrades(ctx context.Context, symbols ...string) error { return nil }

func (f *fakeFeed) SetHandlers(quotes feed.QuoteHandler, trades feed.TradeHandler) {
	f.quotes = quotes
	f.trades = trades
}

func (f *fakeFeed) subscribeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.subscribed))
	copy(out, f.subscribed)
	return out
}

func (f *fakeFeed) unsubscribeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.unsubscribed))
	copy(out, f.unsubscribed)
	return out
}

func newTestService(t *testing.T, f feed.Feed, maxSymbols int) *Service {
	t.Helper()
	s, err := NewService(f, Options{
		MaxSymbols: maxSymbols,
		Retry: RetrySettings{
			BaseDelay:         time.Second,
			MaxDelay:          8 * time.Second,
			BackoffMultiplier: 2,
			JitterFraction:    0,
		},
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

func TestBackoffGrowsGeometricallyAndCaps(t *testing.T) {
	s := newTestService(t, newFakeFeed(), 5)

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second, // capped
		8 * time.Second,
	}
	for i, expected := range want {
		if got := s.backoffDelay(i + 1); got != expected {
			t.Fatalf("attempt %d: got %v, want %v", i+1, got, expected)
		}
	}
}

func TestBackoffJitterStaysWithinFraction(t *testing.T) {
	f := newFakeFeed()
	s, err := NewService(f, Options{
		MaxSymbols: 5,
		Retry: RetrySettings{
			BaseDelay:         time.Second,
			MaxDelay:          time.Second,
			BackoffMultiplier: 2,
			JitterFraction:    0.25,
		},
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	for i := 0; i < 100; i++ {
		d := s.backoffDelay(1)
		if d < time.Second || d > 1250*time.Millisecond {
			t.Fatalf("jittered delay %v outside [1s, 1.25s]", d)
		}
	}
}

func TestIngestQuoteMapShape(t *testing.T) {
	s := newTestService(t, newFakeFeed(), 5)

	s.ingestQuote(map[string]any{
		"T": "q", "S": "AAPL",
		"bp": 100.0, "ap": 102.0,
		"bs": 5.0, "as": 7.0,
		"t": "2024-06-03T15:30:00Z",
	})

	q, ok := s.store.Quote("AAPL")
	if !ok {
		t.Fatalf("quote not stored")
	}
	if q.BidPrice != 100 || q.AskPrice != 102 || q.BidSize != 5 || q.AskSize != 7 {
		t.Fatalf("stored quote mismatch: %+v", q)
	}
	if q.Timestamp != time.Date(2024, 6, 3, 15, 30, 0, 0, time.UTC) {
		t.Fatalf("timestamp not parsed: %v", q.Timestamp)
	}
}

type shapedQuote struct {
	symbol   string
	bid, ask float64
}

func (q shapedQuote) GetSymbol() string       { return q.symbol }
func (q shapedQuote) GetBidPrice() float64    { return q.bid }
func (q shapedQuote) GetAskPrice() float64    { return q.ask }
func (q shapedQuote) GetBidSize() float64     { return 1 }
func (q shapedQuote) GetAskSize() float64     { return 1 }
func (q shapedQuote) GetTimestamp() time.Time { return time.Now().UTC() }

func TestIngestQuoteObjectShape(t *testing.T) {
	s := newTestService(t, newFakeFeed(), 5)

	s.ingestQuote(shapedQuote{symbol: "MSFT", bid: 210, ask: 211})

	q, ok := s.store.Quote("MSFT")
	if !ok || q.BidPrice != 210 || q.AskPrice != 211 {
		t.Fatalf("object-shaped quote not stored: %+v ok=%v", q, ok)
	}
}

func TestIngestQuotePartialSides(t *testing.T) {
	cases := []struct {
		name     string
		bid, ask float64
		stored   bool
		wantBid  float64
		wantAsk  float64
	}{
		{"bid only mirrors to ask", 100, 0, true, 100, 100},
		{"ask only mirrors to bid", 0, 102, true, 102, 102},
		{"both absent dropped", 0, 0, false, 0, 0},
	}

	for _, tc := range cases {
		s := newTestService(t, newFakeFeed(), 5)
		s.ingestQuote(map[string]any{
			"S": "AAPL", "bp": tc.bid, "ap": tc.ask,
			"t": "2024-06-03T15:30:00Z",
		})

		q, ok := s.store.Quote("AAPL")
		if ok != tc.stored {
			t.Fatalf("%s: stored=%v want %v", tc.name, ok, tc.stored)
		}
		if tc.stored && (q.BidPrice != tc.wantBid || q.AskPrice != tc.wantAsk) {
			t.Fatalf("%s: got %v/%v want %v/%v", tc.name, q.BidPrice, q.AskPrice, tc.wantBid, tc.wantAsk)
		}
	}
}

func TestIngestTradeBothShapes(t *testing.T) {
	s := newTestService(t, newFakeFeed(), 5)

	s.ingestTrade(map[string]any{
		"T": "t", "S": "AAPL", "p": 101.5, "s": 300.0,
		"t": "2024-06-03T15:30:00Z",
	})
	pp, ok := s.store.PricePoint("AAPL")
	if !ok || pp.TradePrice != 101.5 || pp.Volume != 300 {
		t.Fatalf("map-shaped trade not stored: %+v ok=%v", pp, ok)
	}
}

func TestRejectedSubscriptionNeverReachesFeed(t *testing.T) {
	f := newFakeFeed()
	s := newTestService(t, f, 1)
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	if !s.Subscribe(context.Background(), "AAPL", 10) {
		t.Fatalf("first subscribe rejected")
	}
	if s.Subscribe(context.Background(), "MSFT", 5) {
		t.Fatalf("lower-priority subscribe admitted at capacity")
	}

	for _, sym := range f.subscribeCalls() {
		if sym == "MSFT" {
			t.Fatalf("rejected symbol reached the feed")
		}
	}
}

func TestEvictionReleasesFeedAndStore(t *testing.T) {
	f := newFakeFeed()
	s := newTestService(t, f, 1)
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	if !s.Subscribe(context.Background(), "AAPL", 1) {
		t.Fatalf("first subscribe rejected")
	}
	s.ingestQuote(map[string]any{
		"S": "AAPL", "bp": 100.0, "ap": 100.1,
		"t": "2024-06-03T15:30:00Z",
	})

	if !s.Subscribe(context.Background(), "MSFT", 2) {
		t.Fatalf("higher-priority subscribe rejected")
	}

	if s.subs.IsSubscribed("AAPL") || !s.subs.IsSubscribed("MSFT") {
		t.Fatalf("unexpected occupants: %v", s.subs.Symbols())
	}
	var released bool
	for _, sym := range f.unsubscribeCalls() {
		if sym == "AAPL" {
			released = true
		}
	}
	if !released {
		t.Fatalf("evicted symbol still subscribed on the feed: %v", f.unsubscribeCalls())
	}
	if _, ok := s.store.Quote("AAPL"); ok {
		t.Fatalf("evicted symbol's records not purged from the store")
	}
}

func TestEmptyQuoteLeavesExistingRecordUntouched(t *testing.T) {
	s := newTestService(t, newFakeFeed(), 5)

	s.ingestQuote(map[string]any{
		"S": "AAPL", "bp": 150.0,
		"t": "2024-06-03T15:30:00Z",
	})
	before, ok := s.store.Quote("AAPL")
	if !ok || before.BidPrice != 150 || before.AskPrice != 150 {
		t.Fatalf("mirrored record not stored: %+v ok=%v", before, ok)
	}

	// both sides absent: the event is dropped without disturbing the record
	s.ingestQuote(map[string]any{
		"S": "AAPL",
		"t": "2024-06-03T16:00:00Z",
	})

	after, ok := s.store.Quote("AAPL")
	if !ok {
		t.Fatalf("record dropped by empty event")
	}
	if after != before {
		t.Fatalf("record changed by empty event: %+v -> %+v", before, after)
	}
}

func TestConnectionLoopRetriesAndRecovers(t *testing.T) {
	f := newFakeFeed()
	f.connectErrs = []error{errors.New("refused"), errors.New("refused")}

	s, err := NewService(f, Options{
		MaxSymbols: 5,
		Retry: RetrySettings{
			BaseDelay:         time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2,
			JitterFraction:    0,
		},
		StopTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for !s.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatalf("service never connected; status %+v", s.Status())
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.mu.Lock()
	connects := f.connects
	f.mu.Unlock()
	if connects < 3 {
		t.Fatalf("expected at least 3 connect attempts, got %d", connects)
	}
	if s.Status().Breaker.FailureCount != 0 {
		t.Fatalf("failure count not reset after clean connect: %+v", s.Status().Breaker)
	}
}

func TestStartTwiceFails(t *testing.T) {
	s := newTestService(t, newFakeFeed(), 5)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("second Start succeeded")
	}
}
