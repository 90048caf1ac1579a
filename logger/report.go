package logger

import (
	"context"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	errorsStream    int64
	errorsExecution int64
	warnsStream     int64
	warnsExecution  int64
	quotesIngested  int64
	tradesIngested  int64
	ordersPlaced    int64
	orderRepegs     int64
)

func recordWarn(component string) {
	if strings.Contains(component, "stream") || strings.Contains(component, "feed") {
		atomic.AddInt64(&warnsStream, 1)
	} else if strings.Contains(component, "execution") || strings.Contains(component, "gateway") {
		atomic.AddInt64(&warnsExecution, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "stream") || strings.Contains(component, "feed") {
		atomic.AddInt64(&errorsStream, 1)
	} else if strings.Contains(component, "execution") || strings.Contains(component, "gateway") {
		atomic.AddInt64(&errorsExecution, 1)
	}
}

// IncrementQuoteIngested bumps the running count of quote events applied to
// the store. The counter feeds the periodic runtime report.
func IncrementQuoteIngested() {
	atomic.AddInt64(&quotesIngested, 1)
}

// IncrementTradeIngested bumps the running count of trade events applied to
// the store.
func IncrementTradeIngested() {
	atomic.AddInt64(&tradesIngested, 1)
}

// IncrementOrderPlaced bumps the running count of orders submitted to the
// gateway.
func IncrementOrderPlaced() {
	atomic.AddInt64(&ordersPlaced, 1)
}

// IncrementOrderRepeg bumps the running count of re-peg resubmissions.
func IncrementOrderRepeg() {
	atomic.AddInt64(&orderRepegs, 1)
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of stream and execution statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	fields := Fields{
		"errors_stream":    atomic.LoadInt64(&errorsStream),
		"errors_execution": atomic.LoadInt64(&errorsExecution),
		"warns_stream":     atomic.LoadInt64(&warnsStream),
		"warns_execution":  atomic.LoadInt64(&warnsExecution),
		"quotes_ingested":  atomic.LoadInt64(&quotesIngested),
		"trades_ingested":  atomic.LoadInt64(&tradesIngested),
		"orders_placed":    atomic.LoadInt64(&ordersPlaced),
		"order_repegs":     atomic.LoadInt64(&orderRepegs),
		"goroutines":       runtime.NumGoroutine(),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("ErrorsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_stream"].(int64)))},
		{MetricName: aws.String("ErrorsExecution"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_execution"].(int64)))},
		{MetricName: aws.String("WarnsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_stream"].(int64)))},
		{MetricName: aws.String("WarnsExecution"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_execution"].(int64)))},
		{MetricName: aws.String("QuotesIngested"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["quotes_ingested"].(int64)))},
		{MetricName: aws.String("TradesIngested"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["trades_ingested"].(int64)))},
		{MetricName: aws.String("OrdersPlaced"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["orders_placed"].(int64)))},
		{MetricName: aws.String("OrderRepegs"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["order_repegs"].(int64)))},
	}

	publishMetrics(ctx, data)
}
