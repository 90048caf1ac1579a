// Registers:
//
//	#TradeFlow_quotes_received_total
//	#TradeFlow_trades_received_total
//	#TradeFlow_connection_errors_total
//	#TradeFlow_subscription_evictions_total
//	#TradeFlow_data_quality_events_total
//	#TradeFlow_orders_placed_total
//	#TradeFlow_orders_rejected_total
//	#TradeFlow_order_repegs_total
//	#TradeFlow_order_escalations_total
//	#go_* and process_* system metrics
//
// Exposes them on the configured address using the Prometheus HTTP handler
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once             sync.Once
	quotesReceived   *prometheus.CounterVec
	tradesReceived   *prometheus.CounterVec
	connectionErrors prometheus.Counter
	evictions        prometheus.Counter
	dataQuality      *prometheus.CounterVec
	ordersPlaced     *prometheus.CounterVec
	ordersRejected   *prometheus.CounterVec
	orderRepegs      *prometheus.CounterVec
	escalations      *prometheus.CounterVec
)

func Init(address string) {
	once.Do(func() {
		quotesReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "TradeFlow_quotes_received_total",
				Help: "Number of quote events applied to the store",
			},
			[]string{"symbol"},
		)

		tradesReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "TradeFlow_trades_received_total",
				Help: "Number of trade events applied to the store",
			},
			[]string{"symbol"},
		)

		connectionErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "TradeFlow_connection_errors_total",
				Help: "Number of streaming connection failures",
			},
		)

		evictions = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "TradeFlow_subscription_evictions_total",
				Help: "Number of subscriptions evicted under capacity pressure",
			},
		)

		dataQuality = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "TradeFlow_data_quality_events_total",
				Help: "Number of suspect quotes observed at read time",
			},
			[]string{"symbol"},
		)

		ordersPlaced = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "TradeFlow_orders_placed_total",
				Help: "Number of limit orders submitted to the gateway",
			},
			[]string{"symbol"},
		)

		ordersRejected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "TradeFlow_orders_rejected_total",
				Help: "Number of orders rejected by pre-trade checks",
			},
			[]string{"symbol"},
		)

		orderRepegs = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "TradeFlow_order_repegs_total",
				Help: "Number of re-peg resubmissions",
			},
			[]string{"symbol"},
		)

		escalations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "TradeFlow_order_escalations_total",
				Help: "Number of orders that exhausted their re-peg budget",
			},
			[]string{"symbol"},
		)

		_ = prometheus.Register(quotesReceived)
		_ = prometheus.Register(tradesReceived)
		_ = prometheus.Register(connectionErrors)
		_ = prometheus.Register(evictions)
		_ = prometheus.Register(dataQuality)
		_ = prometheus.Register(ordersPlaced)
		_ = prometheus.Register(ordersRejected)
		_ = prometheus.Register(orderRepegs)
		_ = prometheus.Register(escalations)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if address == "" {
			address = "0.0.0.0:2112"
		}

		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(address, nil); err != nil {
				panic("metrics server failed: " + err.Error())
			}
		}()
	})
}

// IncrementQuoteReceived increases the quote counter for a given symbol.
func IncrementQuoteReceived(symbol string) {
	if quotesReceived != nil {
		quotesReceived.WithLabelValues(symbol).Inc()
	}
}

// IncrementTradeReceived increases the trade counter for a given symbol.
func IncrementTradeReceived(symbol string) {
	if tradesReceived != nil {
		tradesReceived.WithLabelValues(symbol).Inc()
	}
}

// IncrementConnectionError increases the connection failure counter.
func IncrementConnectionError() {
	if connectionErrors != nil {
		connectionErrors.Inc()
	}
}

// IncrementEviction increases the capacity-pressure eviction counter.
func IncrementEviction() {
	if evictions != nil {
		evictions.Inc()
	}
}

// IncrementDataQuality increases the suspect-quote counter for a symbol.
func IncrementDataQuality(symbol string) {
	if dataQuality != nil {
		dataQuality.WithLabelValues(symbol).Inc()
	}
}

// IncrementOrderPlaced increases the submitted-order counter for a symbol.
func IncrementOrderPlaced(symbol string) {
	if ordersPlaced != nil {
		ordersPlaced.WithLabelValues(symbol).Inc()
	}
}

// IncrementOrderRejected increases the rejected-order counter for a symbol.
func IncrementOrderRejected(symbol string) {
	if ordersRejected != nil {
		ordersRejected.WithLabelValues(symbol).Inc()
	}
}

// IncrementRepeg increases the re-peg counter for a symbol.
func IncrementRepeg(symbol string) {
	if orderRepegs != nil {
		orderRepegs.WithLabelValues(symbol).Inc()
	}
}

// IncrementEscalation increases the escalation counter for a symbol.
func IncrementEscalation(symbol string) {
	if escalations != nil {
		escalations.WithLabelValues(symbol).Inc()
	}
}
