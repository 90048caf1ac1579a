package stream

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"tradeflow/internal/breaker"
	"tradeflow/internal/feed"
	"tradeflow/internal/metrics"
	"tradeflow/internal/quotestore"
	"tradeflow/internal/subscription"
	"tradeflow/logger"
)

// RetrySettings shapes the reconnect backoff. Delays grow geometrically from
// BaseDelay up to MaxDelay and carry uniform jitter so a fleet of instances
// does not reconnect in lockstep.
type RetrySettings struct {
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFraction    float64
}

func defaultRetrySettings() RetrySettings {
	return RetrySettings{
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2,
		JitterFraction:    0.25,
	}
}

// Options configures a Service.
type Options struct {
	MaxSymbols  int
	Breaker     breaker.Settings
	Retry       RetrySettings
	Quotes      quotestore.Settings
	StopTimeout time.Duration
	// OrderPriceWait bounds how long PriceForOrder polls for fresh data.
	OrderPriceWait time.Duration
}

// Service owns one streaming market-data connection end to end: admission
// control for the bounded subscription set, the connection lifecycle with
// circuit-breaker-gated reconnects, and ingestion of raw feed events into the
// price store.
type Service struct {
	feed    feed.Feed
	store   *quotestore.Store
	subs    *subscription.Controller
	breaker *breaker.Breaker
	opts    Options
	log     *logger.Entry

	mu        sync.Mutex
	running   bool
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}

	reconnects int64
	lastError  string
}

// NewService wires the service together. The feed is injected so the stocks
// and binance transports are interchangeable.
func NewService(f feed.Feed, opts Options) (*Service, error) {
	if f == nil {
		return nil, fmt.Errorf("feed is required")
	}
	if opts.MaxSymbols <= 0 {
		opts.MaxSymbols = 30
	}
	def := defaultRetrySettings()
	if opts.Retry.BaseDelay <= 0 {
		opts.Retry.BaseDelay = def.BaseDelay
	}
	if opts.Retry.MaxDelay <= 0 {
		opts.Retry.MaxDelay = def.MaxDelay
	}
	if opts.Retry.BackoffMultiplier < 1 {
		opts.Retry.BackoffMultiplier = def.BackoffMultiplier
	}
	if opts.Retry.JitterFraction < 0 || opts.Retry.JitterFraction > 1 {
		opts.Retry.JitterFraction = def.JitterFraction
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.OrderPriceWait <= 0 {
		opts.OrderPriceWait = 500 * time.Millisecond
	}

	subs, err := subscription.NewController(opts.MaxSymbols)
	if err != nil {
		return nil, err
	}
	brk, err := breaker.New(opts.Breaker)
	if err != nil {
		return nil, err
	}

	s := &Service{
		feed:    f,
		store:   quotestore.NewStore(opts.Quotes),
		subs:    subs,
		breaker: brk,
		opts:    opts,
		log:     logger.GetLogger().WithComponent("stream"),
	}
	s.store.OnDataQuality(metrics.IncrementDataQuality)
	f.SetHandlers(s.ingestQuote, s.ingestTrade)
	return s, nil
}

// Start launches the connection loop and the store's staleness sweep. It is
// an error to start a running service.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("streaming service already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.store.StartCleanup(runCtx, s.IsConnected)

	go func() {
		defer close(done)
		s.connectionLoop(runCtx)
	}()

	s.log.Info("streaming service started")
	return nil
}

// Stop tears the service down, waiting up to the stop timeout for the
// connection loop to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	s.feed.Stop()

	select {
	case <-done:
	case <-time.After(s.opts.StopTimeout):
		s.log.Warn("connection loop did not exit before the stop timeout")
	}
	s.log.Info("streaming service stopped")
}

// connectionLoop drives the connect/run/backoff cycle until ctx is done.
// Every attempt is gated by the circuit breaker; a denied attempt sleeps one
// retry interval rather than spinning.
func (s *Service) connectionLoop(ctx context.Context) {
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		if !s.breaker.Allow() {
			info := s.breaker.GetInfo()
			s.log.WithField("state", info.State).Debug("connection attempt denied by breaker")
			if !sleep(ctx, s.opts.Retry.BaseDelay) {
				return
			}
			continue
		}

		if err := s.feed.Connect(ctx); err != nil {
			s.breaker.RecordFailure(err.Error())
			metrics.IncrementConnectionError()
			s.noteError(err)
			attempt++
			if !sleep(ctx, s.backoffDelay(attempt)) {
				return
			}
			continue
		}

		s.breaker.RecordSuccess()
		s.setConnected(true)
		attempt = 0

		if err := s.resubscribe(ctx); err != nil {
			s.log.WithError(err).Warn("resubscribe after connect failed")
		}

		err := s.feed.Run(ctx)
		s.setConnected(false)

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.breaker.RecordFailure(err.Error())
			metrics.IncrementConnectionError()
			s.noteError(err)
		}

		s.mu.Lock()
		s.reconnects++
		reconnects := s.reconnects
		s.mu.Unlock()
		s.log.LogMetric("stream", "Reconnects", reconnects, "counter", nil)

		attempt++
		if !sleep(ctx, s.backoffDelay(attempt)) {
			return
		}
	}
}

// backoffDelay computes the attempt's sleep: base*mult^(n-1) capped at the
// maximum, plus uniform jitter up to the jitter fraction of the delay.
func (s *Service) backoffDelay(attempt int) time.Duration {
	r := s.opts.Retry
	delay := float64(r.BaseDelay) * math.Pow(r.BackoffMultiplier, float64(attempt-1))
	if delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}
	if r.JitterFraction > 0 {
		delay += rand.Float64() * r.JitterFraction * delay
	}
	return time.Duration(delay)
}

// resubscribe replays the admitted symbol set onto a fresh connection.
func (s *Service) resubscribe(ctx context.Context) error {
	symbols := s.subs.Symbols()
	if len(symbols) == 0 {
		return nil
	}
	if err := s.feed.SubscribeQuotes(ctx, symbols...); err != nil {
		return err
	}
	return s.feed.SubscribeTrades(ctx, symbols...)
}

// Subscribe requests market data for symbol, subject to admission control. A
// rejected admission never reaches the feed. The returned bool reports
// whether the symbol is subscribed afterward.
func (s *Service) Subscribe(ctx context.Context, symbol string, priority ...float64) bool {
	needsRestart, added, evicted := s.subs.Subscribe(symbol, priority...)
	if evicted != "" {
		if s.IsConnected() {
			if err := s.feed.UnsubscribeQuotes(ctx, evicted); err != nil {
				s.log.WithError(err).WithField("symbol", evicted).Warn("quote unsubscribe failed")
			}
			if err := s.feed.UnsubscribeTrades(ctx, evicted); err != nil {
				s.log.WithError(err).WithField("symbol", evicted).Warn("trade unsubscribe failed")
			}
		}
		s.store.Remove(evicted)
		metrics.IncrementEviction()
	}
	if !added && !s.subs.IsSubscribed(symbol) {
		return false
	}
	if needsRestart && s.IsConnected() {
		norm := subscription.Normalize([]string{symbol})
		if len(norm) == 0 {
			return false
		}
		if err := s.feed.SubscribeQuotes(ctx, norm...); err != nil {
			s.log.WithError(err).WithField("symbol", norm[0]).Warn("quote subscribe failed")
		}
		if err := s.feed.SubscribeTrades(ctx, norm...); err != nil {
			s.log.WithError(err).WithField("symbol", norm[0]).Warn("trade subscribe failed")
		}
	}
	return true
}

// SubscribeBulk admits a batch of symbols at a shared priority and pushes the
// resulting churn to the feed in two control messages rather than one per
// symbol.
func (s *Service) SubscribeBulk(ctx context.Context, symbols []string, priority float64) map[string]bool {
	plan := s.subs.PlanBulk(symbols, priority)
	s.subs.Execute(plan, priority)

	if s.IsConnected() {
		if len(plan.ToReplace) > 0 {
			if err := s.feed.UnsubscribeQuotes(ctx, plan.ToReplace...); err != nil {
				s.log.WithError(err).Warn("bulk quote unsubscribe failed")
			}
			if err := s.feed.UnsubscribeTrades(ctx, plan.ToReplace...); err != nil {
				s.log.WithError(err).Warn("bulk trade unsubscribe failed")
			}
			for range plan.ToReplace {
				metrics.IncrementEviction()
			}
		}
		admitted := make([]string, 0, len(plan.ToAdd))
		for _, sym := range plan.ToAdd {
			if plan.Results[sym] {
				admitted = append(admitted, sym)
			}
		}
		if len(admitted) > 0 {
			if err := s.feed.SubscribeQuotes(ctx, admitted...); err != nil {
				s.log.WithError(err).Warn("bulk quote subscribe failed")
			}
			if err := s.feed.SubscribeTrades(ctx, admitted...); err != nil {
				s.log.WithError(err).Warn("bulk trade subscribe failed")
			}
		}
	}
	for _, victim := range plan.ToReplace {
		s.store.Remove(victim)
	}
	return plan.Results
}

// Unsubscribe releases symbol's slot and drops its stored records.
func (s *Service) Unsubscribe(ctx context.Context, symbol string) {
	if !s.subs.Unsubscribe(symbol) {
		return
	}
	s.store.Remove(symbol)
	if s.IsConnected() {
		norm := subscription.Normalize([]string{symbol})
		if len(norm) == 0 {
			return
		}
		if err := s.feed.UnsubscribeQuotes(ctx, norm...); err != nil {
			s.log.WithError(err).WithField("symbol", norm[0]).Warn("quote unsubscribe failed")
		}
		if err := s.feed.UnsubscribeTrades(ctx, norm...); err != nil {
			s.log.WithError(err).WithField("symbol", norm[0]).Warn("trade unsubscribe failed")
		}
	}
}

// BestPrice returns the store's best-effort price for symbol.
func (s *Service) BestPrice(symbol string) (float64, bool) {
	return s.store.Price(symbol)
}

// Spread returns a sanity-checked bid/ask for symbol.
func (s *Service) Spread(symbol string) (bid, ask float64, ok bool) {
	return s.store.Spread(symbol)
}

// PricePoint returns the merged quote/trade view for symbol.
func (s *Service) PricePoint(symbol string) (quotestore.PricePoint, bool) {
	return s.store.PricePoint(symbol)
}

// PriceForOrder resolves a price suitable for order placement, subscribing to
// symbol on demand and waiting briefly for fresh data.
func (s *Service) PriceForOrder(ctx context.Context, symbol string) (float64, bool) {
	return s.store.PriceForOrder(ctx, symbol, func(sym string) {
		s.Subscribe(ctx, sym)
	}, s.opts.OrderPriceWait)
}

// Store exposes the underlying price store.
func (s *Service) Store() *quotestore.Store {
	return s.store
}

// IsConnected reports whether the feed connection is currently up.
func (s *Service) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Service) setConnected(up bool) {
	s.mu.Lock()
	s.connected = up
	s.mu.Unlock()
	if up {
		s.log.Info("feed connection established")
	} else {
		s.log.Warn("feed connection lost")
	}
}

func (s *Service) noteError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
	s.log.WithError(err).Error("connection attempt failed")
}

// Status is a point-in-time health snapshot served by the dashboard.
type Status struct {
	Connected         bool               `json:"connected"`
	Reconnects        int64              `json:"reconnects"`
	LastError         string             `json:"last_error,omitempty"`
	SymbolsTracked    int                `json:"symbols_tracked"`
	DataQualityEvents int64              `json:"data_quality_events"`
	Breaker           breaker.Info       `json:"breaker"`
	Subscriptions     subscription.Stats `json:"subscriptions"`
}

func (s *Service) Status() Status {
	s.mu.Lock()
	connected := s.connected
	reconnects := s.reconnects
	lastError := s.lastError
	s.mu.Unlock()

	return Status{
		Connected:         connected,
		Reconnects:        reconnects,
		LastError:         lastError,
		SymbolsTracked:    s.store.Size(),
		DataQualityEvents: s.store.DataQualityEvents(),
		Breaker:           s.breaker.GetInfo(),
		Subscriptions:     s.subs.Stats(),
	}
}

// sleep waits for d or until ctx is done, reporting whether the full wait
// completed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
