package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"

	"github.com/spooky-finn/go-orderbook-mirror/config"
	"github.com/spooky-finn/go-orderbook-mirror/domain"
	"github.com/spooky-finn/go-orderbook-mirror/infrastructure/logging"
	promclient "github.com/spooky-finn/go-orderbook-mirror/infrastructure/prometheus"
	"github.com/spooky-finn/go-orderbook-mirror/provider"
	"github.com/spooky-finn/go-orderbook-mirror/server"
	"github.com/spooky-finn/go-orderbook-mirror/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Setup(cfg.LogLevel, cfg.LogPretty)

	connManager := provider.NewConnectionManager(cfg)
	dial(connManager)
	defer connManager.Close()

	view, err := usecase.NewBookViewUseCase(
		cfg.Market,
		connManager.SyncAPI(),
		connManager.StreamAPI(),
		domain.SynchronizerOpts{
			SnapshotDepthLimit: cfg.SnapshotDepthLimit,
			BufferCap:          cfg.BufferCap,
			MinBackoff:         cfg.MinBackoff,
			MaxBackoff:         cfg.MaxBackoff,
		},
	)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid market")
	}

	view.Subscribe(func(book *domain.OrderBook) {
		promclient.MergeCounter.Inc()
		promclient.BookLastSequenceGauge.Set(float64(book.LastSequence))
	})

	if err := view.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start synchronizer")
	}
	defer view.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go promclient.StartPromClientServer(cfg.MetricsAddr)
	go sampleStatus(ctx, view)

	httpServer := server.NewServer(view, cfg.HTTPAddr)
	go func() {
		if err := httpServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown failed")
	}
}

// dial connects the venue transport, retrying with backoff. Reconnects after
// the first successful dial are handled by the stream client itself.
func dial(connManager *provider.ConnectionManager) {
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		err := connManager.Init()
		if err == nil {
			return
		}

		if b.Attempt() >= 10 {
			log.Fatal().Err(err).Msg("venue stream is unreachable")
		}

		d := b.Duration()
		log.Warn().Err(err).Dur("retryIn", d).Msg("failed to connect to venue stream")
		time.Sleep(d)
	}
}

// sampleStatus keeps the lifecycle gauges current until shutdown.
func sampleStatus(ctx context.Context, view *usecase.BookViewUseCase) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var lastResyncs int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status := view.Status()

		promclient.RecordConnectionStatus(domain.ConnectionStatus{
			State:   status.Connection,
			Latency: time.Duration(status.LatencyMs) * time.Millisecond,
		})

		if status.Resyncs > lastResyncs {
			promclient.ResyncCounter.Add(float64(status.Resyncs - lastResyncs))
			lastResyncs = status.Resyncs
		}
	}
}
