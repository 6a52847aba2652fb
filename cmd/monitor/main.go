package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fundarb-monitor/internal/config"
	"fundarb-monitor/internal/credentials"
	"fundarb-monitor/internal/datasource"
	"fundarb-monitor/internal/detector"
	"fundarb-monitor/internal/exchange"
	"fundarb-monitor/internal/exchange/binance"
	"fundarb-monitor/internal/exchange/bingx"
	"fundarb-monitor/internal/exchange/gateio"
	"fundarb-monitor/internal/exchange/mexc"
	"fundarb-monitor/internal/exchange/okx"
	"fundarb-monitor/internal/health"
	"fundarb-monitor/internal/market"
	"fundarb-monitor/internal/metrics"
	"fundarb-monitor/internal/notify"
	"fundarb-monitor/internal/ratecache"
	"fundarb-monitor/internal/store"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownGrace = 5 * time.Second

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		os.Exit(1)
	}

	log.Info().
		Int("exchanges", len(cfg.Exchanges)).
		Int("symbols", len(cfg.Symbols)).
		Str("redis", cfg.RedisAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("Starting funding-rate arbitrage monitor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics server first: a bound port is a precondition for running.
	metricsServer := metrics.NewServer(cfg.MetricsAddr)
	metricsErr := make(chan error, 1)
	go func() { metricsErr <- metricsServer.Start() }()
	select {
	case err := <-metricsErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("Metrics server failed to bind")
			os.Exit(3)
		}
	case <-time.After(500 * time.Millisecond):
	}

	redis, err := store.NewRedisStore(ctx, cfg.RedisAddr)
	if err != nil {
		// Persistence is degraded, not fatal; the writer drops with a
		// counter until Redis comes back at next restart.
		log.Error().Err(err).Msg("Redis unavailable, persistence disabled")
	}

	var writer *store.AsyncWriter
	if redis != nil {
		writer = store.NewAsyncWriter(redis, 0)
	}

	clients := buildClients(ctx, cfg)
	if len(clients) == 0 {
		log.Error().Msg("No exchange client initialised")
		os.Exit(2)
	}

	cache := ratecache.New(cfg.CacheStaleness)
	det := detector.New(detector.Config{
		MinimumSpread:  cfg.MinimumSpread,
		WarningSpread:  cfg.WarningSpread,
		CriticalSpread: cfg.CriticalSpread,
	}, cache)
	det.Start(ctx)

	channels := buildChannels(cfg)
	record := func(rec market.NotificationRecord) {
		if writer != nil {
			writer.SaveNotification(rec)
		}
	}
	fanout := notify.NewFanout(channels, record)
	debouncer := notify.NewDebouncer(cfg.DebounceWindow, func(ev market.Event) {
		fanout.DispatchAsync(ctx, ev)
	}, record)

	// Subscriptions are recorded before any transport opens and replayed
	// on (re)connect.
	for _, c := range clients {
		if err := c.SubscribeFunding(ctx, cfg.Symbols); err != nil {
			log.Error().Err(err).Str("exchange", string(c.Exchange())).Msg("Subscribe failed")
		}
	}

	warmLoad(ctx, clients, det)

	for _, c := range clients {
		if err := c.Start(ctx); err != nil {
			log.Error().Err(err).Str("exchange", string(c.Exchange())).Msg("Client start failed")
		}
		go pumpTicks(ctx, c, det)
		go pumpOrders(ctx, c)
	}

	manager := datasource.New(clients, cfg.RecoveryDelay)
	if err := manager.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Data-source manager start failed")
	}

	var sink health.Sink
	if writer != nil {
		sink = writer
	}
	monitor := health.New(cfg.HealthInterval, manager, cache, det, debouncer, fanout, sink, metricsServer)
	go monitor.Run(ctx)

	// Event pump: detector events feed persistence directly and the
	// notification path through the debouncer.
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for ev := range det.Events() {
			if writer != nil {
				writer.OfferEvent(ev)
			}
			debouncer.Offer(ev)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("Shutting down")

	cancel()
	manager.Stop()
	for _, c := range clients {
		c.Close()
	}

	det.Stop()
	select {
	case <-pumpDone:
	case <-time.After(shutdownGrace):
	}
	debouncer.Close()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownGrace)
	fanout.Drain(drainCtx)
	drainCancel()

	if writer != nil {
		writer.Close()
	}
	if redis != nil {
		redis.Close()
	}
	if err := metricsServer.Stop(); err != nil {
		log.Error().Err(err).Msg("Error stopping metrics server")
	}
	log.Info().Msg("Shutdown complete")
}

// buildClients constructs one client per configured exchange. A client
// that cannot be constructed is skipped, not fatal, as long as at least
// one remains.
func buildClients(ctx context.Context, cfg *config.Config) []exchange.Client {
	opts := exchange.Options{PollInterval: cfg.PollInterval}

	var fetcher *credentials.Fetcher
	if cfg.CredentialsURL != "" {
		fetcher = credentials.NewFetcher(cfg.CredentialsURL, cfg.ServiceSecret)
	}

	clients := make([]exchange.Client, 0, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		switch ex {
		case market.Binance:
			var apiKey, apiSecret string
			if creds := fetchCreds(ctx, fetcher, market.Binance); creds != nil {
				apiKey, apiSecret = creds.APIKey, creds.APISecret
				log.Info().Msg("Binance credentials available, user-data stream enabled")
			}
			clients = append(clients, binance.New(opts, apiKey, apiSecret))
		case market.OKX:
			clients = append(clients, okx.New(opts))
		case market.GateIO:
			clients = append(clients, gateio.New(opts))
		case market.MEXC:
			clients = append(clients, mexc.New(opts))
		case market.BingX:
			clients = append(clients, bingx.New(opts))
		}
		log.Info().Str("exchange", string(ex)).Msg("Exchange client added")
	}
	return clients
}

func fetchCreds(ctx context.Context, fetcher *credentials.Fetcher, ex market.Exchange) *credentials.Credentials {
	if fetcher == nil {
		return nil
	}
	creds, err := fetcher.ForExchange(ctx, ex)
	if err != nil {
		log.Warn().Err(err).Str("exchange", string(ex)).Msg("Credential lookup failed, using public endpoints")
		return nil
	}
	return creds
}

func buildChannels(cfg *config.Config) []notify.Channel {
	verbosity := notify.Verbosity(cfg.Verbosity)

	channels := make([]notify.Channel, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		switch ch.Type {
		case "terminal":
			channels = append(channels, notify.NewTerminalChannel(os.Stdout, verbosity))
		case "structured-log":
			channels = append(channels, notify.NewLogChannel())
		case "webhook":
			channels = append(channels, notify.NewWebhookChannel(ch.Endpoint))
		case "chat-bot":
			channels = append(channels, notify.NewChatBotChannel(ch.Endpoint, verbosity))
		}
	}
	return channels
}

// warmLoad seeds the cache over REST so the detector has a full view
// before the sockets come up.
func warmLoad(ctx context.Context, clients []exchange.Client, det *detector.Detector) {
	for _, c := range clients {
		fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		ticks, err := c.FetchFunding(fetchCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("exchange", string(c.Exchange())).Msg("Warm load failed")
			continue
		}
		for _, tick := range ticks {
			det.Ingest(tick)
		}
		log.Info().Str("exchange", string(c.Exchange())).Int("ticks", len(ticks)).Msg("Warm load complete")
	}
}

func pumpTicks(ctx context.Context, c exchange.Client, det *detector.Detector) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-c.Ticks():
			if !ok {
				return
			}
			det.Ingest(tick)
		}
	}
}

// pumpOrders drains the private order stream when the client has one.
// Order updates are observational here; they confirm that hedging legs
// placed by downstream tooling actually filled.
func pumpOrders(ctx context.Context, c exchange.Client) {
	feed, ok := c.(exchange.OrderFeed)
	if !ok {
		return
	}
	orders := feed.Orders()
	if orders == nil {
		return
	}
	if err := feed.SubscribeOrders(ctx); err != nil {
		log.Warn().Err(err).Str("exchange", string(c.Exchange())).Msg("Order stream unavailable")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ot, ok := <-orders:
			if !ok {
				return
			}
			log.Info().
				Str("exchange", string(ot.Exchange)).
				Str("symbol", ot.Symbol).
				Str("order_id", ot.OrderID).
				Str("side", ot.Side).
				Str("status", ot.Status).
				Str("filled", ot.FilledQty.String()).
				Msg("Order update")
		}
	}
}
