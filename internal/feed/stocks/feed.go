package stocks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"tradeflow/internal/feed"
	"tradeflow/logger"
)

const (
	defaultKeepAlive = 20 * time.Second
	writeTimeout     = time.Second
)

// Options configures the websocket stock feed.
type Options struct {
	URL       string
	APIKey    string
	APISecret string
	KeepAlive time.Duration
	// SubscribeRate bounds control-message throughput toward the feed.
	SubscribeRPS   int
	SubscribeBurst int
}

// Feed is a market-data connection over a websocket speaking the short-key
// JSON protocol: inbound frames are arrays of objects tagged "T":"q" for
// quotes and "T":"t" for trades, with bp/ap/bs/as/t/S quote fields.
type Feed struct {
	opts    Options
	limiter *rate.Limiter
	log     *logger.Entry

	mu      sync.Mutex
	conn    *websocket.Conn
	quotes  feed.QuoteHandler
	trades  feed.TradeHandler
	stopped bool
}

// New creates an unconnected Feed.
func New(opts Options) *Feed {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	rps := opts.SubscribeRPS
	if rps <= 0 {
		rps = 10
	}
	burst := opts.SubscribeBurst
	if burst <= 0 {
		burst = 20
	}

	return &Feed{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger().WithComponent("stocks_feed"),
	}
}

// SetHandlers installs the inbound event handlers. Must be called before
// Run; events arriving with no handler installed are dropped.
func (f *Feed) SetHandlers(quotes feed.QuoteHandler, trades feed.TradeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes = quotes
	f.trades = trades
}

// Connect dials the feed and authenticates.
func (f *Feed) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.opts.URL, err)
	}

	f.mu.Lock()
	f.conn = conn
	f.stopped = false
	f.mu.Unlock()

	if f.opts.APIKey != "" {
		auth := map[string]string{
			"action": "auth",
			"key":    f.opts.APIKey,
			"secret": f.opts.APISecret,
		}
		if err := f.writeJSON(ctx, auth); err != nil {
			conn.Close()
			return fmt.Errorf("auth: %w", err)
		}
	}

	f.log.WithField("url", f.opts.URL).Info("feed connected")
	return nil
}

// Run reads frames until the connection breaks, Stop is called, or ctx is
// done. A keepalive ping loop runs alongside the read loop.
func (f *Feed) Run(ctx context.Context) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("feed is not connected")
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if f.isStopped() || ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

// Stop tears the connection down, unblocking Run.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopped = true
	if f.conn != nil {
		deadline := time.Now().Add(writeTimeout)
		_ = f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		f.conn.Close()
		f.conn = nil
	}
}

func (f *Feed) SubscribeQuotes(ctx context.Context, symbols ...string) error {
	return f.sendControl(ctx, map[string]any{"action": "subscribe", "quotes": symbols})
}

func (f *Feed) UnsubscribeQuotes(ctx context.Context, symbols ...string) error {
	return f.sendControl(ctx, map[string]any{"action": "unsubscribe", "quotes": symbols})
}

func (f *Feed) SubscribeTrades(ctx context.Context, symbols ...string) error {
	return f.sendControl(ctx, map[string]any{"action": "subscribe", "trades": symbols})
}

func (f *Feed) UnsubscribeTrades(ctx context.Context, symbols ...string) error {
	return f.sendControl(ctx, map[string]any{"action": "unsubscribe", "trades": symbols})
}

func (f *Feed) sendControl(ctx context.Context, payload map[string]any) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	return f.writeJSON(ctx, payload)
}

func (f *Feed) writeJSON(ctx context.Context, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		return fmt.Errorf("feed is not connected")
	}
	if deadline, ok := ctx.Deadline(); ok {
		f.conn.SetWriteDeadline(deadline)
	} else {
		f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	return f.conn.WriteJSON(payload)
}

func (f *Feed) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.opts.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				f.log.WithError(err).Warn("failed to send websocket ping")
				return
			}
		}
	}
}

// dispatch routes one inbound frame. Frames are arrays of tagged objects;
// the raw maps are handed to the installed handlers untouched so the
// ingestion layer owns normalization.
func (f *Feed) dispatch(msg []byte) {
	var events []map[string]any
	if err := json.Unmarshal(msg, &events); err != nil {
		// control acks arrive as single objects
		var single map[string]any
		if err2 := json.Unmarshal(msg, &single); err2 != nil {
			f.log.WithError(err).Warn("unparseable feed frame")
			return
		}
		events = []map[string]any{single}
	}

	f.mu.Lock()
	quotes := f.quotes
	trades := f.trades
	f.mu.Unlock()

	for _, ev := range events {
		kind, _ := ev["T"].(string)
		switch kind {
		case "q":
			if quotes != nil {
				quotes(ev)
			}
		case "t":
			if trades != nil {
				trades(ev)
			}
		case "error":
			f.log.WithField("payload", ev).Warn("feed error frame")
		default:
			// subscription acks and heartbeats
			f.log.WithField("payload", ev).Debug("feed control frame")
		}
	}
}
