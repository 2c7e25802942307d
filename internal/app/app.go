// Package app builds the service's dependency graph and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-engine/internal/api"
	"github.com/JakeFAU/harvest-engine/internal/architect"
	"github.com/JakeFAU/harvest-engine/internal/browser"
	"github.com/JakeFAU/harvest-engine/internal/clock/system"
	"github.com/JakeFAU/harvest-engine/internal/collector"
	"github.com/JakeFAU/harvest-engine/internal/config"
	"github.com/JakeFAU/harvest-engine/internal/contentstore"
	"github.com/JakeFAU/harvest-engine/internal/dispatcher"
	"github.com/JakeFAU/harvest-engine/internal/export"
	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/harvester"
	"github.com/JakeFAU/harvest-engine/internal/hash/sha256"
	"github.com/JakeFAU/harvest-engine/internal/id/uuid"
	"github.com/JakeFAU/harvest-engine/internal/llm"
	"github.com/JakeFAU/harvest-engine/internal/metrics"
	"github.com/JakeFAU/harvest-engine/internal/pagecrawl"
	"github.com/JakeFAU/harvest-engine/internal/pipeline"
	"github.com/JakeFAU/harvest-engine/internal/progress"
	progresssinks "github.com/JakeFAU/harvest-engine/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/harvest-engine/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/harvest-engine/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/harvest-engine/internal/queue/memory"
	queuePubSub "github.com/JakeFAU/harvest-engine/internal/queue/pubsub"
	"github.com/JakeFAU/harvest-engine/internal/refinery"
	"github.com/JakeFAU/harvest-engine/internal/scout"
	gcsstorage "github.com/JakeFAU/harvest-engine/internal/storage/gcs"
	localstorage "github.com/JakeFAU/harvest-engine/internal/storage/local"
	memoryStorage "github.com/JakeFAU/harvest-engine/internal/storage/memory"
	pgstore "github.com/JakeFAU/harvest-engine/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/harvest-engine/internal/storage/sqlite"
	"github.com/JakeFAU/harvest-engine/internal/telemetry"
	"github.com/JakeFAU/harvest-engine/internal/worker"
)

// DefaultTopic receives task notifications when no Pub/Sub topic is set.
const DefaultTopic = "harvest-tasks"

// Options adds process-specific pieces to the graph.
type Options struct {
	// Sinks are appended to the configured progress sinks.
	Sinks []progress.Sink
	// Registerer receives the Prometheus progress sink. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  harvest.Clock
	idGen  harvest.IDGenerator

	chrome    *browser.Chrome
	tasks     harvest.TaskStore
	exports   *export.Writer
	recorder  *progress.Recorder
	hub       *progress.Hub
	pipeline  *pipeline.Orchestrator
	collector *collector.Collector
	crawler   *pagecrawl.Crawler
	worker    *worker.Worker
	queue     harvest.Queue
	stopQueue func()
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server

	pool            *pgxpool.Pool
	sqliteIndex     *sqlitestore.ContentIndex
	gcsClient       *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	telemetry       *telemetry.Provider

	closeOnce sync.Once
}

// Build creates the application's dependencies. Nothing is started: the
// browser launches on Run or Execute.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		idGen:  uuid.New(),
	}
	a.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("index_driver", cfg.Index.Driver),
		zap.Bool("postgres", cfg.Database.DSN != ""),
	)

	if err := a.build(ctx, opts); err != nil {
		a.closeInfrastructure(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	if a.cfg.Telemetry.Enabled {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		provider, err := telemetry.Init(ctx, a.cfg.Telemetry, reg)
		if err != nil {
			return fmt.Errorf("telemetry init failed: %w", err)
		}
		a.telemetry = provider
		a.logger.Info("telemetry initialized",
			zap.String("service", a.cfg.Telemetry.ServiceName),
			zap.Bool("cloud_trace", a.cfg.Telemetry.ProjectID != ""),
		)
	}
	if err := a.setupDatabase(ctx); err != nil {
		return err
	}
	a.tasks = memoryStorage.NewTaskStore()
	if a.pool != nil {
		tasks, err := pgstore.NewTaskStore(a.pool)
		if err != nil {
			return fmt.Errorf("task store init failed: %w", err)
		}
		a.tasks = tasks
	}

	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	index, err := a.setupIndex(ctx)
	if err != nil {
		return err
	}
	content, err := contentstore.New(index, blobs, sha256.New(), a.clock,
		contentstore.Config{Prefix: a.cfg.Storage.Prefix}, a.logger)
	if err != nil {
		return fmt.Errorf("content store init failed: %w", err)
	}
	a.exports, err = export.New(a.cfg.Export.Dir)
	if err != nil {
		return fmt.Errorf("export init failed: %w", err)
	}

	if err := a.setupPubSub(ctx); err != nil {
		return err
	}
	publisher, topic := a.setupPublisher()
	if err := a.setupProgress(ctx, publisher, topic, opts); err != nil {
		return err
	}

	a.chrome, err = browser.NewChrome(a.cfg.Browser.Chrome(), a.logger)
	if err != nil {
		return fmt.Errorf("browser init failed: %w", err)
	}
	completer, err := llm.New(a.cfg.LLM, a.logger)
	if err != nil {
		return fmt.Errorf("llm client init failed: %w", err)
	}
	if err := a.setupEngines(content, completer); err != nil {
		return err
	}

	if err := a.setupQueue(); err != nil {
		return err
	}
	a.dispatch = a.setupDispatcher()
	a.apiServer = api.NewServer(a.tasks, a.queue, a.exports, a.idGen, a.clock,
		api.Options{Auth: a.cfg.Auth, Ready: a.ready}, a.logger)
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN configured, task state stays in memory")
		return nil
	}
	pool, err := pgstore.Open(ctx, a.cfg.Database.Pool())
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	a.pool = pool
	if err := pgstore.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("database migrate failed: %w", err)
	}
	a.logger.Info("postgres connected",
		zap.Int32("max_conns", a.cfg.Database.MaxConns),
		zap.Int32("min_conns", a.cfg.Database.MinConns),
	)
	return nil
}

func (a *App) setupStorage(ctx context.Context) (harvest.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case config.BackendLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.BaseDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) setupIndex(ctx context.Context) (harvest.ContentIndex, error) {
	switch a.cfg.Index.Driver {
	case config.DriverPostgres:
		if a.pool == nil {
			return nil, errors.New("index driver postgres requires database.dsn")
		}
		index, err := pgstore.NewContentIndex(a.pool, a.cfg.Index.Table)
		if err != nil {
			return nil, fmt.Errorf("postgres content index init failed: %w", err)
		}
		a.logger.Info("using postgres content index", zap.String("table", a.cfg.Index.Table))
		return index, nil
	case config.DriverSQLite:
		index, err := sqlitestore.Open(ctx, a.cfg.Index.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite content index init failed: %w", err)
		}
		a.sqliteIndex = index
		a.logger.Info("using sqlite content index", zap.String("path", a.cfg.Index.Path))
		return index, nil
	default:
		a.logger.Info("using in-memory content index")
		return memoryStorage.NewContentIndex(), nil
	}
}

func (a *App) setupPubSub(ctx context.Context) error {
	needed := a.cfg.PubSub.TopicName != "" || a.cfg.Queue.Backend == config.QueuePubSub
	if a.cfg.PubSub.ProjectID == "" || !needed {
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	return nil
}

func (a *App) setupPublisher() (harvest.Publisher, string) {
	if a.pubsubClient == nil || a.cfg.PubSub.TopicName == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), DefaultTopic
	}
	a.pubsubPublisher = a.pubsubClient.Publisher(a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(a.pubsubPublisher), a.cfg.PubSub.TopicName
}

func (a *App) setupQueue() error {
	if a.cfg.Queue.Backend != config.QueuePubSub {
		q := queueMemory.NewQueue(a.cfg.Queue.Depth)
		a.queue, a.stopQueue = q, q.Close
		return nil
	}
	if a.pubsubClient == nil {
		return errors.New("queue backend pubsub requires pubsub.project_id")
	}
	q := queuePubSub.New(
		a.pubsubClient.Publisher(a.cfg.Queue.Topic),
		a.pubsubClient.Subscriber(a.cfg.Queue.Subscription),
		a.logger,
	)
	a.queue, a.stopQueue = q, q.Close
	a.logger.Info("using Pub/Sub task queue",
		zap.String("topic", a.cfg.Queue.Topic),
		zap.String("subscription", a.cfg.Queue.Subscription),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context, publisher harvest.Publisher, topic string, opts Options) error {
	pc := a.cfg.Progress
	sinkList := []progress.Sink{
		progresssinks.NewPublishSink(publisher, topic, a.logger.Named("progress_publish")),
	}
	if pc.LogSink {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if pc.Prometheus {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		promSink, err := progresssinks.NewPrometheusSink(reg)
		if err != nil {
			return fmt.Errorf("prometheus progress sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	sinkList = append(sinkList, opts.Sinks...)

	hubCfg := progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.MaxBatchEvents,
		MaxBatchWait:   pc.MaxBatchWait,
		SinkTimeout:    pc.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)

	recorder, err := progress.NewRecorder(a.tasks, a.hub, a.clock, a.logger.Named("progress"))
	if err != nil {
		return fmt.Errorf("progress recorder init failed: %w", err)
	}
	a.recorder = recorder
	return nil
}

func (a *App) setupEngines(content *contentstore.Store, completer llm.Completer) error {
	guard := a.cfg.Browser.Guard()

	sampler, err := scout.New(a.chrome, a.cfg.Scout, a.logger)
	if err != nil {
		return fmt.Errorf("scout init failed: %w", err)
	}
	strategist, err := architect.New(completer, a.cfg.Architect, a.logger)
	if err != nil {
		return fmt.Errorf("architect init failed: %w", err)
	}
	harv, err := harvester.New(a.chrome, a.cfg.Harvester, guard, a.clock, a.logger)
	if err != nil {
		return fmt.Errorf("harvester init failed: %w", err)
	}
	var sink harvest.TableSink = memoryStorage.NewTableSink()
	if a.pool != nil {
		pgSink, err := pgstore.NewTableSink(a.pool)
		if err != nil {
			return fmt.Errorf("table sink init failed: %w", err)
		}
		sink = pgSink
	} else {
		a.logger.Warn("no database configured, refined rows go to exports only")
	}
	ref, err := refinery.New(sink, a.exports, a.cfg.Refinery, a.logger)
	if err != nil {
		return fmt.Errorf("refinery init failed: %w", err)
	}
	a.pipeline, err = pipeline.New(sampler, strategist, harv, ref, a.recorder, a.logger)
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}

	a.collector, err = collector.New(a.chrome, content, nil, guard, a.clock, a.logger)
	if err != nil {
		return fmt.Errorf("collector init failed: %w", err)
	}

	fetcher := pagecrawl.NewCollyFetcher(a.cfg.Crawl.UserAgent, a.cfg.Crawl.Timeout)
	a.crawler, err = pagecrawl.New(fetcher, completer, a.exports, a.cfg.Crawl, a.logger)
	if err != nil {
		return fmt.Errorf("page crawler init failed: %w", err)
	}
	return nil
}

func (a *App) workerConfig() worker.Config {
	return worker.Config{OutputDir: a.cfg.Storage.OutputDir, Collector: a.cfg.Collector}
}

func (a *App) setupDispatcher() *dispatcher.Dispatcher {
	workerCfg := a.workerConfig()
	a.logger.Info("worker config",
		zap.Int("workers", a.cfg.Queue.Workers),
		zap.Int("queue_depth", a.cfg.Queue.Depth),
		zap.String("output_dir", workerCfg.OutputDir),
	)
	runners := make([]dispatcher.Runner, 0, a.cfg.Queue.Workers)
	for i := range a.cfg.Queue.Workers {
		runners = append(runners, worker.New(a.queue, a.pipeline, a.collector, a.crawler, a.recorder,
			workerCfg, a.logger.With(zap.Int("index", i))))
	}
	// Execute runs items on the caller's goroutine without the queue.
	a.worker = worker.New(nil, a.pipeline, a.collector, a.crawler, a.recorder, workerCfg, a.logger)
	return dispatcher.New(a.logger, runners...)
}

func (a *App) ready(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Tasks exposes the task store.
func (a *App) Tasks() harvest.TaskStore {
	return a.tasks
}

// Exports exposes the export writer.
func (a *App) Exports() *export.Writer {
	return a.exports
}

// Run starts the browser, workers and HTTP server and blocks until the
// context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.chrome.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers still running at shutdown deadline")
	}
	return a.Close(shutdownCtx)
}

// Execute creates (or, for a resume, reuses) the task for item and runs it
// on the calling goroutine. The returned task is the final stored record; a
// failed task also yields an error.
func (a *App) Execute(ctx context.Context, kind harvest.TaskKind, item harvest.QueueItem) (harvest.Task, error) {
	switch item.Action {
	case harvest.ActionRun, harvest.ActionResume, harvest.ActionCollect:
		if err := a.chrome.Start(ctx); err != nil {
			return harvest.Task{}, fmt.Errorf("start browser: %w", err)
		}
	}
	taskID, err := a.ensureTask(ctx, kind, item)
	if err != nil {
		return harvest.Task{}, err
	}
	item.TaskID = taskID
	item.Submitted = a.clock.Now().Unix()
	a.worker.Process(ctx, item)

	task, err := a.tasks.GetTask(context.WithoutCancel(ctx), taskID)
	if err != nil {
		return harvest.Task{}, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task.Status == harvest.StatusFailed {
		return task, fmt.Errorf("task %s failed: %s", taskID, task.State.Error)
	}
	return task, nil
}

func (a *App) ensureTask(ctx context.Context, kind harvest.TaskKind, item harvest.QueueItem) (string, error) {
	if item.TaskID != "" {
		_, err := a.tasks.GetTask(ctx, item.TaskID)
		if err == nil {
			return item.TaskID, nil
		}
		if !errors.Is(err, harvest.ErrNotFound) {
			return "", fmt.Errorf("load task %s: %w", item.TaskID, err)
		}
	}
	taskID := item.TaskID
	if taskID == "" {
		id, err := a.idGen.NewID()
		if err != nil {
			return "", fmt.Errorf("generate task id: %w", err)
		}
		taskID = id
	}
	now := a.clock.Now()
	task := harvest.Task{
		ID:        taskID,
		Kind:      kind,
		URL:       item.URL,
		Status:    harvest.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		State: harvest.PipelineState{
			TableHint:  item.TableHint,
			ReviewMode: item.Review,
			Logs:       []string{fmt.Sprintf("[%s] Task initialized from the command line", now.Format("15:04:05"))},
		},
	}
	if err := a.tasks.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return taskID, nil
}

// OutputDir is where an industrial task writes its files.
func (a *App) OutputDir(taskID string) string {
	return filepath.Join(a.workerConfig().OutputDir, filepath.Base(taskID))
}

// Close gracefully shuts down the application. Calls after the first are
// no-ops.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.stopQueue != nil {
			a.stopQueue()
		}
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
	})
	return nil
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.chrome != nil {
		a.chrome.Stop()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.sqliteIndex != nil {
		if err := a.sqliteIndex.Close(); err != nil {
			a.logger.Warn("sqlite index close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
}
