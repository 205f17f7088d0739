package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"PerpVault/internal/config"
	"PerpVault/internal/core"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/observability"
	"PerpVault/internal/persistence"
	"PerpVault/internal/projection"
	"PerpVault/internal/query"
	"PerpVault/internal/server"
)

const (
	fundingHistorySize = 1024
	shutdownTimeout    = 30 * time.Second
)

func newServeCmd(paramsFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the vault core with its ingestion, persistence and query gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			if *paramsFile != "" {
				cfg.ParamsFile = *paramsFile
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// snapshotStore is the Postgres snapshot table or the WAL.
type snapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *core.SnapshotState) error
}

// verifiedSnapshots marks every saved snapshot verified: snapshots are
// taken by the dispatcher between two commands.
type verifiedSnapshots struct {
	*persistence.SnapshotManager
}

func (s verifiedSnapshots) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) error {
	if err := s.SnapshotManager.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	return s.MarkVerified(ctx, snap.Sequence)
}

func serve(parent context.Context, cfg config.Config) error {
	logger := observability.NewLogger("main")
	logger.Info().Msg("PerpVault starting")

	params, err := config.LoadParams(cfg.ParamsFile)
	if err != nil {
		return errors.Wrap(err, "load params")
	}
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// --- Storage: Postgres event log, or the local WAL ---
	var (
		db        *sql.DB
		sm        *persistence.SnapshotManager
		sink      persistence.Sink
		snapshots snapshotStore
		checker   core.DBIdempotencyChecker
		projStore *projection.PostgresStore
		walStore  *persistence.WALStore
	)
	if cfg.UsePostgres() {
		db, err = openPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return err
		}
		defer db.Close()
		healthChecker.AddCheck("postgres", db.PingContext)
		if err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(ctx); err != nil {
			return errors.Wrap(err, "run migrations")
		}
		logger.Info().Msg("migrations applied")

		sm = persistence.NewSnapshotManager(db, metrics)
		sink = persistence.NewEventLogWriter(db)
		snapshots = verifiedSnapshots{sm}
		checker = persistence.NewPostgresIdempotencyChecker(db)
		projStore = projection.NewPostgresStore(db)
	} else {
		walStore, err = persistence.NewWALStore(cfg.WALDir, metrics)
		if err != nil {
			return err
		}
		defer walStore.Close()
		sink = walStore
		snapshots = walStore
		logger.Info().Str("dir", cfg.WALDir).Msg("no Postgres DSN, using the local WAL")
	}

	v, err := buildVault(cfg, params, checker, metrics)
	if err != nil {
		return err
	}

	if projStore != nil {
		head, err := sm.GetLatestSequence(ctx)
		if err != nil {
			return err
		}
		if err := resetStaleProjections(ctx, projStore, head, logger); err != nil {
			return err
		}
	}

	// --- Projection worker: also consumes the outputs of replay ---
	latest := &projection.Latest{}
	funding := projection.NewFundingHistoryProjection(fundingHistorySize)
	var store projection.Store
	if projStore != nil {
		store = projStore
	}
	projWorker := projection.NewProjectionWorker(store, latest, funding, v.project, metrics)
	projDone := make(chan error, 1)
	go func() { projDone <- projWorker.Run(context.Background()) }()

	// --- Recovery: snapshot + replay ---
	if cfg.UsePostgres() {
		err = recoverFromPostgres(ctx, v, sm, logger)
	} else {
		err = recoverFromWAL(ctx, v, walStore, logger)
	}
	if err != nil {
		return errors.Wrap(err, "recovery")
	}
	v.recovered()

	// --- Persistence and outbound publishing ---
	persistWorker := persistence.NewPersistenceWorker(sink, v.persist, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	var (
		nc        *nats.Conn
		committed chan persistence.Record
		publisher *ingestion.OutboundPublisher
	)
	submissions := make(chan ingestion.Submission, cfg.CommandChanSize)
	var subscriber *ingestion.NATSSubscriber

	if cfg.UseNATS() {
		var js jetstream.JetStream
		nc, js, err = ingestion.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer nc.Close()
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.Errorf("nats %s", nc.Status())
			}
			return nil
		})
		logger.Info().Msg("NATS connected")

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return errors.Wrap(err, "ensure NATS streams")
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return errors.Wrap(err, "ensure outbound stream")
		}

		committed = make(chan persistence.Record, cfg.PublishChanSize)
		persistWorker.ForwardCommitted(committed)
		publisher = ingestion.NewOutboundPublisher(js, committed)

		subscriber = ingestion.NewNATSSubscriber(js, submissions, metrics)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return errors.Wrap(err, "nats subscribe")
		}
	}

	persistDone := make(chan error, 1)
	go func() { persistDone <- persistWorker.Run(context.Background()) }()
	publishDone := make(chan error, 1)
	if publisher != nil {
		go func() { publishDone <- publisher.Run(context.Background()) }()
	} else {
		publishDone <- nil
	}

	// --- Dispatcher: the only goroutine touching the core from now on ---
	dispatcher := ingestion.NewDispatcher(v.core, submissions, metrics)
	snapChan := make(chan *core.SnapshotState, 1)
	dispatcher.SnapshotEvery(cfg.SnapshotInterval, snapChan)
	healthChecker.ReportSequence(dispatcher.Sequence)

	errChan := make(chan error, 8)
	dispatchDone := make(chan error, 1)
	go func() { dispatchDone <- dispatcher.Run(ctx) }()
	go saveSnapshots(ctx, snapChan, snapshots, logger)

	// --- Query gateway and gRPC ---
	queries := query.NewService(latest, funding, db, params.Protocol.ValidationDelay, metrics)
	srv, err := server.New(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Query:         queries,
		Commands:      ingestion.NewCommandService(submissions),
		HealthChecker: healthChecker,
	})
	if err != nil {
		return err
	}
	go func() { errChan <- srv.StartGRPC(ctx) }()
	go func() { errChan <- srv.StartHTTPGateway(ctx) }()
	go func() { errChan <- serveMetrics(ctx, cfg.MetricsAddr, logger) }()
	go sampleChannels(ctx, metrics, v, submissions)

	srv.SetServing(true)
	logger.Info().
		Int64("sequence", dispatcher.Sequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("PerpVault ready")

	// --- Wait for shutdown ---
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	case err := <-errChan:
		logger.Error().Err(err).Msg("server failed, shutting down")
	case err := <-dispatchDone:
		logger.Error().Err(err).Msg("dispatcher stopped, shutting down")
		dispatchDone <- err
	}

	// Stop intake, then let the dispatcher return before touching the core.
	srv.SetServing(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()
	<-dispatchDone

	// Flush what the core has emitted, then snapshot the final state.
	close(v.persist)
	close(v.project)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := waitFor(shutdownCtx, persistDone); err != nil {
		logger.Error().Err(err).Msg("persistence worker did not drain")
	}
	if committed != nil {
		close(committed)
	}
	if err := waitFor(shutdownCtx, publishDone); err != nil {
		logger.Warn().Err(err).Msg("outbound publisher did not drain")
	}
	if err := waitFor(shutdownCtx, projDone); err != nil {
		logger.Warn().Err(err).Msg("projection worker did not drain")
	}

	snap, err := v.core.CreateSnapshotState()
	if err == nil {
		err = snapshots.SaveSnapshot(shutdownCtx, snap)
	}
	if err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", snap.Sequence).Msg("final snapshot saved")
	}

	logger.Info().Msg("PerpVault shutdown complete")
	return nil
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "postgres open")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "postgres ping")
	}
	return db, nil
}

// resetStaleProjections clears projection tables that are ahead of the
// recovered log, e.g. after the event log was restored from a backup.
func resetStaleProjections(ctx context.Context, store *projection.PostgresStore, sequence int64, logger zerolog.Logger) error {
	wm, err := store.Watermark(ctx)
	if err != nil {
		return err
	}
	if wm <= sequence {
		return nil
	}
	logger.Warn().Int64("watermark", wm).Int64("sequence", sequence).Msg("projections ahead of the event log, resetting")
	return store.Reset(ctx)
}

func saveSnapshots(ctx context.Context, in <-chan *core.SnapshotState, store snapshotStore, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-in:
			if err := store.SaveSnapshot(ctx, snap); err != nil {
				logger.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("periodic snapshot failed")
				continue
			}
			logger.Info().Int64("sequence", snap.Sequence).Msg("periodic snapshot saved")
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}

// sampleChannels reports the fill level of the pipeline channels.
func sampleChannels(ctx context.Context, metrics *observability.Metrics, v *vault, submissions chan ingestion.Submission) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("submissions", len(submissions), cap(submissions))
			metrics.SetChannelMetrics("persist", len(v.persist), cap(v.persist))
			metrics.SetChannelMetrics("projection", len(v.project), cap(v.project))
		}
	}
}

func waitFor(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
