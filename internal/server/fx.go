// Package server provides the processor's composition root: it builds every
// component from config and runs the worker pool behind the ops server.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crash-processor/internal/api"
	"github.com/JakeFAU/crash-processor/internal/artifact"
	"github.com/JakeFAU/crash-processor/internal/config"
	"github.com/JakeFAU/crash-processor/internal/crash"
	"github.com/JakeFAU/crash-processor/internal/dispatcher"
	"github.com/JakeFAU/crash-processor/internal/index/elastic"
	"github.com/JakeFAU/crash-processor/internal/logging"
	"github.com/JakeFAU/crash-processor/internal/metrics"
	"github.com/JakeFAU/crash-processor/internal/pipeline"
	memorypublisher "github.com/JakeFAU/crash-processor/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crash-processor/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/crash-processor/internal/queue/memory"
	queuePubSub "github.com/JakeFAU/crash-processor/internal/queue/pubsub"
	"github.com/JakeFAU/crash-processor/internal/rules"
	"github.com/JakeFAU/crash-processor/internal/rules/builtin"
	"github.com/JakeFAU/crash-processor/internal/signature"
	"github.com/JakeFAU/crash-processor/internal/sink"
	gcsstorage "github.com/JakeFAU/crash-processor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crash-processor/internal/storage/local"
	memoryStorage "github.com/JakeFAU/crash-processor/internal/storage/memory"
	pgstore "github.com/JakeFAU/crash-processor/internal/storage/postgres"
	s3storage "github.com/JakeFAU/crash-processor/internal/storage/s3"
	sqlitestore "github.com/JakeFAU/crash-processor/internal/storage/sqlite"
	"github.com/JakeFAU/crash-processor/internal/symbolicator"
	"github.com/JakeFAU/crash-processor/internal/symbols"
	"github.com/JakeFAU/crash-processor/internal/telemetry"
	"github.com/JakeFAU/crash-processor/internal/worker"
)

// Version is stamped at build time.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	processor *pipeline.Processor
	artifacts *artifact.Store
	blobs     crash.BlobStore
	queue     crash.Queue
	// input receives new and reprocessed crash ids.
	input   crash.Publisher
	running atomic.Bool
	closed  sync.Once

	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	redis           *redis.Client
	summaries       crash.SummaryStore
	tracer          *sdktrace.TracerProvider
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg config.Config, logger *zap.Logger) *App {
	type SanitizedConfig struct {
		ServerPort int    `json:"server_port"`
		Queue      string `json:"queue"`
		Storage    string `json:"storage"`
		Summary    string `json:"summary"`
		Index      string `json:"index"`
		Workers    int    `json:"workers"`
	}
	logger.Info("creating application", zap.Any("config", SanitizedConfig{
		ServerPort: cfg.Server.Port,
		Queue:      cfg.Queue.Backend,
		Storage:    cfg.Storage.Backend,
		Summary:    cfg.Summary.Backend,
		Index:      cfg.Index.Backend,
		Workers:    cfg.Queue.Concurrency,
	}))
	return &App{cfg: cfg, logger: logger}
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Build creates the application's dependencies. On error everything built so
// far is closed.
func Build(ctx context.Context, cfg config.Config) (_ *App, err error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := NewApp(cfg, logger)
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()

	app.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: "crash-processor",
		Version:     Version,
		ProjectID:   cfg.Telemetry.ProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	app.logger.Info("building application dependencies")
	if app.blobs, err = setupStorage(ctx, app); err != nil {
		return nil, err
	}
	app.artifacts, err = artifact.New(app.blobs, cfg.RetryPolicy(), logger)
	if err != nil {
		return nil, fmt.Errorf("artifact store init failed: %w", err)
	}

	commit, err := setupSink(ctx, app)
	if err != nil {
		return nil, err
	}
	engine, err := setupRules(ctx, app)
	if err != nil {
		return nil, err
	}
	app.processor, err = pipeline.New(app.artifacts, engine, commit, pipeline.Config{
		FetchTimeout:  cfg.Pipeline.FetchTimeout,
		RulesTimeout:  cfg.Pipeline.RulesTimeout,
		CommitTimeout: cfg.Pipeline.CommitTimeout,
	},
		pipeline.WithLogger(logger),
		pipeline.WithTracerProvider(app.tracer),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	deadLetters, err := setupQueue(ctx, app)
	if err != nil {
		return nil, err
	}
	app.dispatch = setupDispatcher(app, deadLetters)

	app.apiServer = api.NewServer(api.Options{
		Processed: app.artifacts,
		Publisher: app.input,
		Topic:     cfg.Queue.InputTopic,
		Checks: map[string]api.CheckFunc{
			"storage":    app.checkStorage,
			"dispatcher": app.checkDispatcher,
		},
		APIKey: cfg.Server.APIKey,
		Logger: logger.Named("api"),
	})
	return app, nil
}

func setupStorage(ctx context.Context, app *App) (crash.BlobStore, error) {
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend", zap.String("bucket", cfg.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case "s3":
		app.logger.Info("using S3 storage backend", zap.String("bucket", cfg.Bucket))
		s3cfg := s3storage.Config{
			Bucket:       cfg.Bucket,
			Prefix:       cfg.Prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.UsePathStyle,
		}
		client, err := s3storage.NewClient(ctx, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 client init failed: %w", err)
		}
		blobs, err := s3storage.New(client, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		return blobs, nil
	case "local":
		app.logger.Info("using local storage backend", zap.String("path", cfg.BaseDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupSink(ctx context.Context, app *App) (*sink.Sink, error) {
	cfg := app.cfg
	switch cfg.Summary.Backend {
	case "postgres":
		store, err := pgstore.NewSummaryStore(ctx, pgstore.Config{
			DSN:             cfg.Summary.DSN,
			Table:           cfg.Summary.Table,
			MaxConns:        cfg.Summary.MaxConns,
			MinConns:        cfg.Summary.MinConns,
			MaxConnLifetime: cfg.Summary.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("summary store init failed: %w", err)
		}
		app.summaries = store
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("summary schema init failed: %w", err)
		}
		app.logger.Info("postgres summary store initialized", zap.String("table", cfg.Summary.Table))
	case "sqlite":
		store, err := sqlitestore.Open(ctx, cfg.Summary.Path)
		if err != nil {
			return nil, fmt.Errorf("summary store init failed: %w", err)
		}
		app.summaries = store
		app.logger.Info("sqlite summary store initialized", zap.String("path", cfg.Summary.Path))
	default:
		app.logger.Warn("no summary store configured, summaries will not be written")
	}

	var indexer crash.Indexer
	if cfg.Index.Backend == "elastic" {
		es, err := elastic.New(elastic.Config{
			Addresses:   cfg.Index.Addresses,
			Username:    cfg.Index.Username,
			Password:    cfg.Index.Password,
			IndexPrefix: cfg.Index.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("search index init failed: %w", err)
		}
		indexer = es
		app.logger.Info("elasticsearch indexer initialized", zap.Strings("addresses", cfg.Index.Addresses))
	} else {
		app.logger.Warn("no search index configured, crashes will not be indexed")
	}

	s, err := sink.New(sink.Config{
		Artifacts: app.artifacts,
		Summaries: app.summaries,
		Indexer:   indexer,
		Retry:     cfg.RetryPolicy(),
		Logger:    app.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("sink init failed: %w", err)
	}
	return s, nil
}

func setupRules(ctx context.Context, app *App) (*rules.Engine, error) {
	cfg := app.cfg
	resolver, err := setupSymbols(ctx, app)
	if err != nil {
		return nil, err
	}
	invoker, err := symbolicator.New(symbolicator.Config{
		Command:        cfg.Stackwalker.Command,
		Args:           cfg.Stackwalker.Args,
		Timeout:        cfg.Stackwalker.Timeout,
		MaxOutputBytes: cfg.Stackwalker.MaxOutputBytes,
		MaxParallel:    cfg.Stackwalker.MaxParallel,
		TempDir:        cfg.Stackwalker.TempDir,
	}, resolver, app.logger)
	if err != nil {
		return nil, fmt.Errorf("symbolicator init failed: %w", err)
	}
	gen, err := signature.New(signature.Config{
		MaxFrames:    cfg.Signature.MaxFrames,
		MaxLength:    cfg.Signature.MaxLength,
		SkipPatterns: cfg.Signature.SkipPatterns,
	})
	if err != nil {
		return nil, fmt.Errorf("signature init failed: %w", err)
	}
	var tables []builtin.LookupTable
	if cfg.Rules.LookupTables != "" {
		if tables, err = builtin.LoadTables(cfg.Rules.LookupTables); err != nil {
			return nil, fmt.Errorf("lookup tables: %w", err)
		}
	}
	registry, err := builtin.Registry(builtin.Options{
		Symbolicator:       invoker,
		Signature:          gen,
		Tables:             tables,
		SymbolicateTimeout: cfg.Stackwalker.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("rule registry init failed: %w", err)
	}
	order := cfg.Rules.Order
	if len(order) == 0 {
		order = builtin.DefaultOrder(tables)
	}
	engine, err := rules.NewEngine(registry, order, rules.Options{
		DefaultTimeout: cfg.Rules.DefaultTimeout,
		Critical:       cfg.Rules.Critical,
		Logger:         app.logger,
		TracerProvider: app.tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("rule engine init failed: %w", err)
	}
	app.logger.Info("rule chain configured", zap.Strings("order", order))
	return engine, nil
}

func setupSymbols(ctx context.Context, app *App) (symbolicator.Resolver, error) {
	cfg := app.cfg.Symbols
	if strings.TrimSpace(cfg.BaseURL) == "" {
		app.logger.Warn("no symbol service configured, stacks will not be symbolicated")
		return noSymbols{}, nil
	}
	source, err := symbols.NewHTTPSource(symbols.HTTPConfig{
		BaseURL:   cfg.BaseURL,
		Timeout:   cfg.Timeout,
		RPS:       cfg.RPS,
		Burst:     cfg.Burst,
		UserAgent: cfg.UserAgent,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("symbol source init failed: %w", err)
	}
	opts := []symbols.Option{symbols.WithLogger(app.logger)}
	if cfg.RedisAddr != "" {
		app.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := app.redis.Ping(ctx).Err(); err != nil {
			app.logger.Warn("symbol cache redis unreachable, continuing", zap.Error(err))
		}
		l2, err := symbols.NewRedisL2(app.redis, "symbols", cfg.L2MaxBytes)
		if err != nil {
			return nil, fmt.Errorf("symbol l2 init failed: %w", err)
		}
		opts = append(opts, symbols.WithL2(l2))
	}
	cache, err := symbols.New(symbols.Config{
		Dir:          cfg.CacheDir,
		Size:         cfg.CacheSize,
		NegativeSize: cfg.NegativeSize,
		NegativeTTL:  cfg.NegativeTTL,
		FetchTimeout: cfg.Timeout,
		L2TTL:        cfg.L2TTL,
	}, source, opts...)
	if err != nil {
		return nil, fmt.Errorf("symbol cache init failed: %w", err)
	}
	app.logger.Info("symbol cache initialized",
		zap.String("base_url", cfg.BaseURL),
		zap.Int("size", cfg.CacheSize),
		zap.Bool("l2", app.redis != nil),
	)
	return cache, nil
}

// setupQueue builds the work queue and the input publisher, and returns the
// publisher used for dead letters.
func setupQueue(ctx context.Context, app *App) (crash.Publisher, error) {
	cfg := app.cfg.Queue
	if cfg.Backend != "pubsub" {
		q := queueMemory.NewQueue(queueMemory.Config{
			Capacity:          cfg.Capacity,
			VisibilityTimeout: cfg.VisibilityTimeout,
		})
		app.queue = q
		app.input = q
		app.logger.Warn("using in-memory queue, dead letters are kept in memory only")
		return memorypublisher.New(), nil
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	p := app.cfg.Pipeline
	q, err := queuePubSub.New(client.Subscription(cfg.Subscription), queuePubSub.Config{
		MaxOutstanding: cfg.Concurrency,
		MaxExtension:   p.FetchTimeout + p.RulesTimeout + p.CommitTimeout + time.Minute,
	}, app.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub queue init failed: %w", err)
	}
	app.queue = q
	app.pubsubPublisher = gcppublisher.New(client)
	app.input = app.pubsubPublisher
	app.logger.Info("Pub/Sub queue initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("subscription", cfg.Subscription),
		zap.String("dead_letter_topic", cfg.DeadLetterTopic),
	)
	return app.pubsubPublisher, nil
}

func setupDispatcher(app *App, deadLetters crash.Publisher) *dispatcher.Dispatcher {
	cfg := app.cfg.Queue
	workerCfg := worker.Config{
		MaxAttempts:     cfg.MaxAttempts,
		DeadLetterTopic: cfg.DeadLetterTopic,
		Lease:           cfg.Lease,
	}
	workers := make([]*worker.Worker, 0, cfg.Concurrency)
	for i := 0; i < cfg.Concurrency; i++ {
		workers = append(workers, worker.New(
			app.queue,
			app.processor,
			deadLetters,
			workerCfg,
			app.logger.With(zap.Int("worker", i)),
		))
	}
	app.logger.Info("worker config",
		zap.Int("workers", cfg.Concurrency),
		zap.Int("max_attempts", workerCfg.MaxAttempts),
		zap.Duration("lease", workerCfg.Lease),
	)
	return dispatcher.New(app.queue, workers, cfg.ShutdownGrace, app.logger)
}

// Run starts the workers and the ops server and blocks until ctx is canceled
// or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.running.Store(true)
		defer a.running.Store(false)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	<-done

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Process runs the pipeline once for id, outside the queue.
func (a *App) Process(ctx context.Context, id crash.ID) (*pipeline.Run, error) {
	return a.processor.Process(ctx, id)
}

// Reprocess queues ids for another run and returns the message ids.
func (a *App) Reprocess(ctx context.Context, ids []crash.ID) ([]string, error) {
	msgIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		msgID, err := worker.Submit(ctx, a.input, a.cfg.Queue.InputTopic, crash.WorkItem{CrashID: id, Reprocess: true})
		if err != nil {
			return msgIDs, err
		}
		a.logger.Info("reprocessing queued", zap.String("crash_id", id.String()), zap.String("message_id", msgID))
		msgIDs = append(msgIDs, msgID)
	}
	return msgIDs, nil
}

// Show loads the stored processed crash for id.
func (a *App) Show(ctx context.Context, id crash.ID) (crash.ProcessedCrash, error) {
	return a.artifacts.FetchProcessed(ctx, id)
}

// Submit stores a raw crash bundle and queues it for processing.
func (a *App) Submit(ctx context.Context, id crash.ID, annotations map[string]string, dumps map[string]io.Reader) (string, error) {
	if err := a.artifacts.StoreRaw(ctx, id, annotations, dumps); err != nil {
		return "", fmt.Errorf("store raw crash: %w", err)
	}
	return worker.Submit(ctx, a.input, a.cfg.Queue.InputTopic, crash.WorkItem{CrashID: id})
}

func (a *App) checkStorage(ctx context.Context) error {
	rc, err := a.blobs.GetObject(ctx, "v1/readiness-probe")
	if err == nil {
		return rc.Close()
	}
	if errors.Is(err, crash.ErrObjectNotFound) {
		return nil
	}
	return err
}

func (a *App) checkDispatcher(context.Context) error {
	if !a.running.Load() {
		return errors.New("dispatcher is not running")
	}
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closed.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		a.closeInfrastructure()
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.summaries != nil {
		if err := a.summaries.Close(); err != nil {
			a.logger.Warn("summary store close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

type noSymbols struct{}

func (noSymbols) Resolve(context.Context, crash.SymbolRef) (crash.SymbolFile, bool, error) {
	return crash.SymbolFile{}, false, nil
}
