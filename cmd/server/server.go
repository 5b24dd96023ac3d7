// Command server boots the exchange: it loads configuration, opens the
// durable store, recovers the in-memory books, and serves the TCP
// transport adapter until signalled to stop.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"ragnarok/internal/clock"
	"ragnarok/internal/config"
	"ragnarok/internal/dispatch"
	"ragnarok/internal/engine"
	"ragnarok/internal/eventbus"
	"ragnarok/internal/gateway"
	"ragnarok/internal/ledger"
	"ragnarok/internal/recovery"
	"ragnarok/internal/settlement"
	"ragnarok/internal/store"
	"ragnarok/internal/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load configuration")
	}

	db, err := store.Open(cfg.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to open database")
	}

	clk := clock.NewSystem()
	eng := engine.New(engine.Options{
		SelfTradePolicy: cfg.SelfTradePolicy,
		SlippageCollar:  cfg.MarketSlippageCollar,
		Clock:           clk,
	})

	result, err := recovery.Rebuild(db, eng)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to recover order books")
	}
	for marketID, cause := range result.Refused {
		log.Warn().Uint("marketId", marketID).Err(cause).Msg("market failed recovery invariant check")
	}

	bus := eventbus.New(clk)
	led := ledger.New(db, bus, clk)
	disp := dispatch.New()
	t := disp.Run(ctx)

	settler := settlement.New(db, eng, disp, bus, clk)
	gw := gateway.New(cfg, eng, led, disp, settler, clk)

	bus.StartHeartbeat(t, func() []string {
		return []string{"heartbeat"}
	}, 30*time.Second)

	srv := transport.New(cfg.ListenAddr, gw, bus)
	t.Go(func() error {
		return srv.Run(ctx)
	})

	log.Info().Str("listenAddr", cfg.ListenAddr).Msg("exchange running")

	<-ctx.Done()
	srv.Shutdown()
	if err := t.Wait(); err != nil {
		log.Error().Err(err).Msg("exchange shut down with error")
	}
}
