// Command creditd serves the credit and approval core over HTTP, exposes
// gRPC health checks and runs the SLA sweeper.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"creditcore.io/internal/approval"
	"creditcore.io/internal/auth"
	"creditcore.io/internal/config"
	"creditcore.io/internal/hold"
	"creditcore.io/internal/httpapi"
	"creditcore.io/internal/ledger"
	"creditcore.io/internal/obs"
	"creditcore.io/internal/store"
	"creditcore.io/internal/store/memory"
	"creditcore.io/internal/store/pg"
	"creditcore.io/internal/stream"
	"creditcore.io/internal/sweeper"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("load config")
	}
	log := obs.NewLogger(cfg.LogLevel, "creditd", version)
	obs.Init()
	obs.SetBuildInfo(version, commit)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("creditd stopped")
	}
	log.Info().Msg("stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	st, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := stream.New(0)
	l := ledger.New(st, ledger.WithLogger(log))
	holds := hold.NewManager(st, l, log)
	engine := approval.New(st, l, holds,
		approval.WithLogger(log),
		approval.WithPublisher(hub),
		approval.WithMaxEscalations(cfg.Approval.MaxEscalations),
		approval.WithPendingTTL(cfg.Approval.DefaultPendingTTL),
		approval.WithDefaultRoute(cfg.Approval.DefaultRouteEnabled),
		approval.WithCancelRefund(cfg.Approval.CancelRefund),
	)

	sweepOpts := []sweeper.Option{
		sweeper.WithLogger(log),
		sweeper.WithInterval(cfg.Sweep.Interval),
		sweeper.WithBatch(cfg.Sweep.Batch),
	}
	if cfg.Sweep.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Sweep.RedisAddr})
		defer rdb.Close()
		sweepOpts = append(sweepOpts, sweeper.WithLocker(sweeper.NewRedisLocker(rdb, cfg.Sweep.LockKey, cfg.Sweep.LockTTL)))
		log.Info().Str("addr", cfg.Sweep.RedisAddr).Msg("sweeps coordinated through redis")
	}
	sweep := sweeper.New(engine, sweepOpts...)

	var signer *auth.Signer
	if cfg.Auth.Secret != "" {
		if signer, err = auth.NewSigner(cfg.Auth.Secret, cfg.Auth.Issuer); err != nil {
			return err
		}
	} else {
		log.Warn().Msg("AUTH_SECRET not set; trusting identity headers")
	}

	probe := httpapi.ReadyProbe{Store: st, Timeout: 2 * time.Second}
	api := httpapi.New(httpapi.Services{Ledger: l, Holds: holds, Approval: engine, Stream: hub}, httpapi.Options{
		Version:     version,
		Logger:      log,
		Signer:      signer,
		RatePerSec:  cfg.Rate.PerSec,
		RateBurst:   cfg.Rate.Burst,
		CORSOrigins: cfg.CORSOrigins,
		Ready:       probe,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(hub.Close)

	health := httpapi.NewHealthServer(probe, log)
	grpcSrv := httpapi.NewGRPCServer(health)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", lis.Addr().String()).Msg("grpc listening")
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		health.Watch(ctx, 5*time.Second)
		return nil
	})
	g.Go(func() error { return sweep.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(cfg *config.Config, log zerolog.Logger) (store.Store, func(), error) {
	if cfg.MemoryStore {
		log.Warn().Msg("using in-memory store; data is lost on exit")
		return memory.New(), func() {}, nil
	}
	st, err := pg.Open(cfg.PG.DSN,
		pg.WithLogger(log),
		pg.WithBreaker(cfg.PG.Failures, cfg.PG.Cooldown),
	)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { _ = st.Close() }, nil
}
