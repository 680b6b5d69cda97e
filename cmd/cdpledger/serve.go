package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"CDPLedger/internal/config"
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/feed"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/query"
	"CDPLedger/internal/server"
	"CDPLedger/internal/token"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger: recover, ingest commands, serve queries",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, logger, done, err := setup()
			if err != nil {
				return err
			}
			defer done()
			return serve(cfg, logger)
		},
	}
}

func serve(cfg *config.Config, logger zerolog.Logger) error {
	log := observability.Component(logger, "main")
	log.Info().Str("mode", cfg.App.Mode).Msg("cdpledger starting")

	params, err := cfg.Protocol.Params()
	if err != nil {
		return err
	}

	// ingress stops on ctx; workers stop once their inputs are closed
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := openDB(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	health.AddCheck("postgres", func() error { return db.PingContext(context.Background()) })

	migrator := persistence.NewMigrator(db, cfg.Database.MigrationsDir, observability.Component(logger, "migrate"))
	if _, err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Tokens ---
	custody := protocol.Address(cfg.App.Custody)
	stable := token.NewMemory(protocol.AssetStable, custody)
	collateral := make(map[protocol.CollateralKind]token.Adapter, len(protocol.Kinds))
	memories := map[protocol.Asset]*token.Memory{protocol.AssetStable: stable}
	for _, kind := range protocol.Kinds {
		m := token.NewMemory(protocol.CollateralAsset(kind), custody)
		collateral[kind] = m
		memories[protocol.CollateralAsset(kind)] = m
	}
	if err := seedPaperBalances(cfg.Tokens, memories, params); err != nil {
		return err
	}
	settler := token.NewSettler(stable, collateral, custody, nil, &params, logger)

	// --- Price sources ---
	streamFeed := feed.NewStreamFeed(cfg.Oracle.FeedDecimals, logger)
	coreCfg := core.Config{
		Params:        params,
		Feed:          streamFeed,
		DirectFeed:    streamFeed,
		Authz:         protocol.NewAdminSet(cfg.Admins()...),
		Settler:       settler,
		DedupCapacity: cfg.Core.IdempotencyCapacity,
		DBChecker:     persistence.NewPostgresIdempotencyChecker(db),
		MaxClockSkew:  cfg.Core.MaxClockSkew,
		Metrics:       metrics,
		Logger:        logger,
	}
	if cfg.Oracle.EVMEndpoint != "" {
		client, err := feed.DialEVM(ctx, cfg.Oracle.EVMEndpoint)
		if err != nil {
			return fmt.Errorf("dial evm: %w", err)
		}
		defer client.Close()
		rates, err := feed.NewERC4626RateSource(client, feed.ERC4626Options{
			Vault:    cfg.Oracle.DerivativeVault,
			Decimals: cfg.Oracle.RateDecimals,
			Timeout:  cfg.Oracle.RateTimeout,
		}, logger)
		if err != nil {
			return err
		}
		coreCfg.Rates = rates
	}

	// --- Channels ---
	persistChan := make(chan core.CoreOutput, cfg.Core.PersistChanSize)
	publishChan := make(chan core.CoreOutput, cfg.Core.PublishChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Core.ProjectionChanSize)
	coreCfg.PersistChan = persistChan
	coreCfg.PublishChan = publishChan

	// --- Recovery ---
	store := persistence.NewSnapshotManager(db)
	p, err := persistence.Recover(ctx, store, coreCfg, logger)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	var workers sync.WaitGroup
	errChan := make(chan error, 8)
	goWorker := func(name string, fn func() error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				select {
				case errChan <- fmt.Errorf("%s: %w", name, err):
				default:
				}
			}
		}()
	}

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, projectionChan,
		cfg.Core.PersistBatchSize, cfg.Core.PersistFlushTimeout, metrics, logger)
	goWorker("persistence", func() error {
		defer close(projectionChan)
		return persistWorker.Run(workerCtx)
	})
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, logger)
	goWorker("projection", func() error { return projWorker.Run(workerCtx) })

	// --- NATS ---
	var (
		consumer *ingestion.CommandConsumer
		prices   *ingestion.PriceSubscriber
		nc       *nats.Conn
	)
	parser := ingestion.NewParser(params.Units)
	if cfg.NATS.Enabled {
		var js jetstream.JetStream
		nc, js, err = ingestion.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		health.AddCheck("nats", func() error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js, cfg.NATS.CommandStream, cfg.NATS.CommandSubject,
			cfg.NATS.EventStream, cfg.NATS.EventPrefix, logger); err != nil {
			return err
		}

		publisher := ingestion.NewOutboundPublisher(js, cfg.NATS.EventPrefix, publishChan, logger)
		goWorker("publisher", func() error { return publisher.Run(workerCtx) })

		prices = ingestion.NewPriceSubscriber(streamFeed, metrics, logger)
		if err := prices.Subscribe(nc, cfg.NATS.PriceSubject); err != nil {
			return err
		}
		consumer = ingestion.NewCommandConsumer(js, parser, p, logger)
		if err := consumer.Subscribe(ctx, cfg.NATS.CommandStream, cfg.NATS.CommandSubject, cfg.NATS.CommandConsumer); err != nil {
			return err
		}
	} else {
		goWorker("publisher", func() error { return discard(workerCtx, publishChan) })
	}

	// --- Ingress: servers, refresh ticker, snapshots ---
	var ingress sync.WaitGroup
	goIngress := func(name string, fn func() error) {
		ingress.Add(1)
		go func() {
			defer ingress.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				select {
				case errChan <- fmt.Errorf("%s: %w", name, err):
				default:
				}
			}
		}()
	}

	srv, err := server.New(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, server.Deps{
		Core:    p,
		Parser:  parser,
		Query:   query.NewQueryService(db, params.Units),
		DB:      db,
		Health:  health,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	goIngress("grpc", func() error { return srv.StartGRPC(ctx) })
	goIngress("http", func() error { return srv.StartHTTP(ctx, cfg.Server.ShutdownTimeout) })
	goIngress("metrics", func() error { return serveMetrics(ctx, cfg.Server.MetricsAddr, logger) })

	if cfg.Oracle.RefreshInterval > 0 {
		keeper := protocol.Address(cfg.Oracle.Keeper)
		goIngress("refresh", func() error {
			return runRefresh(ctx, p, keeper, cfg.Oracle.RefreshInterval, logger)
		})
	}

	snapshotter := persistence.NewSnapshotter(p, store, cfg.Core.SnapshotInterval, metrics, logger)
	goIngress("snapshotter", func() error { return snapshotter.Run(ctx, 5*time.Second) })

	health.SetReady(true)
	srv.SetServing(true)
	head, _ := p.Head()
	log.Info().Uint64("sequence", head).Str("grpc", cfg.Server.GRPCAddr).Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).Msg("cdpledger ready")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errChan:
		log.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	health.SetReady(false)
	srv.SetServing(false)
	stop()
	if consumer != nil {
		consumer.Stop()
	}
	if prices != nil {
		prices.Stop()
	}
	ingress.Wait()

	// nothing executes commands any more
	close(persistChan)
	close(publishChan)

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.Server.ShutdownTimeout):
		log.Warn().Msg("workers did not drain in time")
		cancelWorkers()
		<-drained
	}

	finalCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := snapshotter.MaybeSnapshot(finalCtx); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	}

	log.Info().Msg("cdpledger shutdown complete")
	return runErr
}

// runRefresh submits refresh_price for every kind on each tick, so the
// circuit breaker and the last good price track the feeds without user
// traffic.
func runRefresh(ctx context.Context, p *core.Protocol, keeper protocol.Address, every time.Duration, logger zerolog.Logger) error {
	log := observability.Component(logger, "refresh")
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, kind := range protocol.Kinds {
				cmd := &event.RefreshPrice{
					Header: event.Header{
						RequestID: "refresh-" + uuid.NewString(),
						Caller:    keeper,
						Timestamp: now.Unix(),
					},
					Kind: kind,
				}
				res, err := p.Execute(ctx, cmd)
				if err != nil {
					log.Warn().Err(err).Str("kind", kind.String()).Msg("refresh failed")
					continue
				}
				if res.QuoteErr != nil {
					log.Warn().Err(res.QuoteErr).Str("kind", kind.String()).Uint64("sequence", res.Sequence).Msg("price unusable")
				}
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// discard drains outputs nobody publishes.
func discard(ctx context.Context, in <-chan core.CoreOutput) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-in:
			if !ok {
				return nil
			}
		}
	}
}

// seedPaperBalances funds the in-memory tokens from config, in whole tokens.
func seedPaperBalances(tokens map[string]config.TokenConfig, memories map[protocol.Asset]*token.Memory, params protocol.Params) error {
	for asset, tc := range tokens {
		m, ok := memories[protocol.Asset(asset)]
		if !ok {
			return fmt.Errorf("tokens.%s: unknown asset", asset)
		}
		decimals := params.Units.CollateralDecimals
		if protocol.Asset(asset) == protocol.AssetStable {
			decimals = params.Units.DebtDecimals
		}
		for owner, amount := range tc.Balances {
			v, err := feed.ToFixed(amount, decimals)
			if err != nil {
				return fmt.Errorf("tokens.%s.balances.%s: %w", asset, owner, err)
			}
			m.Fund(protocol.Address(owner), v)
		}
	}
	return nil
}
