package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradeflow/config"
	"tradeflow/internal/breaker"
	"tradeflow/internal/dashboard"
	"tradeflow/internal/execution"
	"tradeflow/internal/feed"
	binancefeed "tradeflow/internal/feed/binance"
	"tradeflow/internal/feed/stocks"
	"tradeflow/internal/gateway"
	"tradeflow/internal/metrics"
	"tradeflow/internal/quotestore"
	"tradeflow/internal/stream"
	"tradeflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	symbolsFlag := flag.String("symbols", "", "Comma-separated symbols to subscribe at startup")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Tradeflow.Name,
		"version":     cfg.Tradeflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting tradeflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Address)
	}
	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, cfg.Logging.DashboardName)
	}

	marketFeed := buildFeed(cfg)

	svc, err := stream.NewService(marketFeed, stream.Options{
		MaxSymbols: cfg.Subscriptions.MaxSymbols,
		Breaker:    breakerSettings(cfg),
		Retry: stream.RetrySettings{
			BaseDelay:         cfg.Stream.Reconnect.BaseDelay.Std(),
			MaxDelay:          cfg.Stream.Reconnect.MaxDelay.Std(),
			BackoffMultiplier: cfg.Stream.Reconnect.BackoffMultiplier,
			JitterFraction:    cfg.Stream.Reconnect.JitterFraction,
		},
		Quotes:         quoteSettings(cfg),
		StopTimeout:    cfg.Stream.StopTimeout.Std(),
		OrderPriceWait: cfg.Quotes.OrderPriceWait.Std(),
	})
	if err != nil {
		log.WithError(err).Error("Failed to build streaming service")
		os.Exit(1)
	}

	gw := buildGateway(cfg)

	engine, err := execution.NewEngine(svc, gw, execution.Settings{
		MaxSpreadPct:       cfg.Execution.MaxSpreadPct,
		MinVolumeShares:    cfg.Execution.MinVolumeShares,
		TickSize:           cfg.Execution.TickSize,
		MinPrice:           cfg.Execution.MinPrice,
		MinImprovement:     cfg.Execution.MinImprovement,
		MaxRepegs:          cfg.Execution.MaxRepegs,
		RepegWait:          cfg.Execution.RepegWait.Std(),
		MonitoringDuration: cfg.Execution.MonitoringDuration.Std(),
		PollInterval:       cfg.Execution.PollInterval.Std(),
		OpeningWindow:      cfg.Execution.OpeningWindow.Std(),
		MarketTimezone:     cfg.Execution.MarketTimezone,
		MarketOpen:         cfg.Execution.MarketOpen,
		TimeInForce:        cfg.Execution.TimeInForce,
	})
	if err != nil {
		log.WithError(err).Error("Failed to build execution engine")
		os.Exit(1)
	}

	if err := svc.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start streaming service")
		os.Exit(1)
	}

	if *symbolsFlag != "" {
		symbols := strings.Split(*symbolsFlag, ",")
		results := svc.SubscribeBulk(ctx, symbols, float64(time.Now().Unix()))
		log.WithField("results", results).Info("startup subscriptions applied")
	}

	dash := dashboard.NewServer(cfg.Dashboard, log, dashboard.Sources{
		Status: svc.Status,
		Orders: engine.ActiveOrders,
	})
	if dash != nil {
		go func() {
			if err := dash.Run(ctx); err != nil {
				log.WithError(err).Warn("dashboard server exited")
			}
		}()
		log.WithField("address", dash.Address()).Info("dashboard listening")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	svc.Stop()

	done := make(chan struct{})
	go func() {
		engine.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tradeflow stopped")
}

func buildFeed(cfg *config.Config) feed.Feed {
	if cfg.Stream.Feed == "binance" {
		return binancefeed.New()
	}
	return stocks.New(stocks.Options{
		URL:            cfg.Stream.URL,
		APIKey:         cfg.Stream.APIKey,
		APISecret:      cfg.Stream.APISecret,
		KeepAlive:      cfg.Stream.KeepAlive.Std(),
		SubscribeRPS:   cfg.Stream.SubscribeRate.RequestsPerSecond,
		SubscribeBurst: cfg.Stream.SubscribeRate.BurstSize,
	})
}

func buildGateway(cfg *config.Config) gateway.OrderGateway {
	if cfg.Gateway.Kind == "binance" {
		return gateway.NewBinance(cfg.Gateway.APIKey, cfg.Gateway.APISecret)
	}
	return gateway.NewPaper()
}

func breakerSettings(cfg *config.Config) breaker.Settings {
	return breaker.Settings{
		FailureThreshold: cfg.Stream.CircuitBreaker.FailureThreshold,
		Timeout:          cfg.Stream.CircuitBreaker.RecoveryTimeout.Std(),
		SuccessThreshold: cfg.Stream.CircuitBreaker.SuccessThreshold,
		MinRetryInterval: cfg.Stream.CircuitBreaker.MinRetryInterval.Std(),
	}
}

func quoteSettings(cfg *config.Config) quotestore.Settings {
	return quotestore.Settings{
		CleanupInterval: cfg.Quotes.CleanupInterval.Std(),
		MaxQuoteAge:     cfg.Quotes.MaxQuoteAge.Std(),
		FreshnessWindow: cfg.Quotes.FreshnessWindow.Std(),
		PollInterval:    cfg.Quotes.OrderPollEvery.Std(),
	}
}
