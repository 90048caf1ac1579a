package stream

import (
	"time"

	"tradeflow/internal/feed"
	"tradeflow/internal/metrics"
	"tradeflow/logger"
)

// quoteUpdate is the normalized form shared by both wire shapes.
type quoteUpdate struct {
	symbol    string
	bid, ask  float64
	bidSize   float64
	askSize   float64
	timestamp time.Time
}

type tradeUpdate struct {
	symbol    string
	price     float64
	volume    float64
	timestamp time.Time
}

// ingestQuote normalizes one raw quote event and applies the partial-quote
// policy before the store sees it:
//
//	both sides present  -> stored as-is
//	bid only            -> bid mirrored to the ask side, logged
//	ask only            -> ask mirrored to the bid side, logged
//	neither side        -> dropped, stored record untouched
func (s *Service) ingestQuote(event any) {
	q, ok := normalizeQuote(event)
	if !ok {
		s.log.WithField("event", event).Debug("unrecognized quote event shape")
		return
	}

	switch {
	case q.bid > 0 && q.ask > 0:
	case q.bid > 0:
		s.log.WithFields(logger.Fields{
			"symbol": q.symbol,
			"bid":    q.bid,
		}).Debug("one-sided quote, mirroring bid")
		q.ask = q.bid
	case q.ask > 0:
		s.log.WithFields(logger.Fields{
			"symbol": q.symbol,
			"ask":    q.ask,
		}).Debug("one-sided quote, mirroring ask")
		q.bid = q.ask
	default:
		s.log.WithField("symbol", q.symbol).Debug("quote with no usable side dropped")
		return
	}

	if err := s.store.UpdateQuote(q.symbol, q.bid, q.ask, q.bidSize, q.askSize, q.timestamp); err != nil {
		s.log.WithError(err).WithField("symbol", q.symbol).Warn("quote rejected by store")
		return
	}
	logger.IncrementQuoteIngested()
	metrics.IncrementQuoteReceived(q.symbol)
}

func (s *Service) ingestTrade(event any) {
	tr, ok := normalizeTrade(event)
	if !ok {
		s.log.WithField("event", event).Debug("unrecognized trade event shape")
		return
	}

	if err := s.store.UpdateTrade(tr.symbol, tr.price, tr.volume, tr.timestamp); err != nil {
		s.log.WithError(err).WithField("symbol", tr.symbol).Warn("trade rejected by store")
		return
	}
	logger.IncrementTradeIngested()
	metrics.IncrementTradeReceived(tr.symbol)
}

// normalizeQuote accepts either wire shape: a mapping with the short keys
// S/bp/ap/bs/as/t, or any value implementing feed.QuoteShaped.
func normalizeQuote(event any) (quoteUpdate, bool) {
	switch ev := event.(type) {
	case map[string]any:
		symbol, ok := ev["S"].(string)
		if !ok || symbol == "" {
			return quoteUpdate{}, false
		}
		return quoteUpdate{
			symbol:    symbol,
			bid:       asFloat(ev["bp"]),
			ask:       asFloat(ev["ap"]),
			bidSize:   asFloat(ev["bs"]),
			askSize:   asFloat(ev["as"]),
			timestamp: asTime(ev["t"]),
		}, true
	case feed.QuoteShaped:
		return quoteUpdate{
			symbol:    ev.GetSymbol(),
			bid:       ev.GetBidPrice(),
			ask:       ev.GetAskPrice(),
			bidSize:   ev.GetBidSize(),
			askSize:   ev.GetAskSize(),
			timestamp: ev.GetTimestamp(),
		}, true
	default:
		return quoteUpdate{}, false
	}
}

// normalizeTrade accepts a mapping with S/p/s/t keys or a feed.TradeShaped.
func normalizeTrade(event any) (tradeUpdate, bool) {
	switch ev := event.(type) {
	case map[string]any:
		symbol, ok := ev["S"].(string)
		if !ok || symbol == "" {
			return tradeUpdate{}, false
		}
		return tradeUpdate{
			symbol:    symbol,
			price:     asFloat(ev["p"]),
			volume:    asFloat(ev["s"]),
			timestamp: asTime(ev["t"]),
		}, true
	case feed.TradeShaped:
		return tradeUpdate{
			symbol:    ev.GetSymbol(),
			price:     ev.GetPrice(),
			volume:    ev.GetVolume(),
			timestamp: ev.GetTimestamp(),
		}, true
	default:
		return tradeUpdate{}, false
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// asTime decodes the wire timestamp, which arrives as RFC 3339 text on the
// JSON feed. Undecodable stamps fall back to receipt time so a quote is never
// rejected for a malformed clock alone.
func asTime(v any) time.Time {
	switch t := v.(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	case time.Time:
		return t
	}
	return time.Now().UTC()
}
