// Package server assembles the scraper from configuration and runs it until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-scraper/internal/api"
	"github.com/JakeFAU/channel-scraper/internal/channels"
	"github.com/JakeFAU/channel-scraper/internal/clock/system"
	"github.com/JakeFAU/channel-scraper/internal/config"
	"github.com/JakeFAU/channel-scraper/internal/dispatcher"
	"github.com/JakeFAU/channel-scraper/internal/hash/sha256"
	"github.com/JakeFAU/channel-scraper/internal/id/uuid"
	"github.com/JakeFAU/channel-scraper/internal/jobs"
	"github.com/JakeFAU/channel-scraper/internal/lease"
	"github.com/JakeFAU/channel-scraper/internal/matcher"
	"github.com/JakeFAU/channel-scraper/internal/metrics"
	"github.com/JakeFAU/channel-scraper/internal/notify"
	"github.com/JakeFAU/channel-scraper/internal/platform"
	"github.com/JakeFAU/channel-scraper/internal/platform/fake"
	"github.com/JakeFAU/channel-scraper/internal/platform/telegram"
	"github.com/JakeFAU/channel-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/channel-scraper/internal/progress"
	progresssinks "github.com/JakeFAU/channel-scraper/internal/progress/sinks"
	kafkapublisher "github.com/JakeFAU/channel-scraper/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/channel-scraper/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/channel-scraper/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/channel-scraper/internal/queue/memory"
	queuePubSub "github.com/JakeFAU/channel-scraper/internal/queue/pubsub"
	"github.com/JakeFAU/channel-scraper/internal/scheduler"
	"github.com/JakeFAU/channel-scraper/internal/scraper"
	"github.com/JakeFAU/channel-scraper/internal/secret"
	"github.com/JakeFAU/channel-scraper/internal/session"
	gcsstorage "github.com/JakeFAU/channel-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/channel-scraper/internal/storage/local"
	memoryStorage "github.com/JakeFAU/channel-scraper/internal/storage/memory"
	pgstore "github.com/JakeFAU/channel-scraper/internal/storage/postgres"
	s3storage "github.com/JakeFAU/channel-scraper/internal/storage/s3"
	"github.com/JakeFAU/channel-scraper/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// platformClient is satisfied by every platform backend.
type platformClient interface {
	platform.Client
	platform.Authenticator
}

// stores groups the repository ports of one storage backend.
type stores struct {
	jobs     scraper.JobStore
	channels scraper.ChannelStore
	messages scraper.MessageStore
	media    scraper.MediaStore
	alerts   scraper.AlertStore
	sessions scraper.SessionStore
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer   *api.Server
	dispatch    *dispatcher.Dispatcher
	scheduler   *scheduler.Scheduler
	jobs        *jobs.Service
	notifier    *notify.Notifier
	progressHub *progress.Hub
	platform    platformClient
	stores      stores

	memoryQueue     *queueMemory.Queue
	pubsubQueue     *queuePubSub.Queue
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	kafkaPublisher  *kafkapublisher.Publisher
	storage         *storage.Client
	pg              *pgstore.Store
}

// Build creates the application's dependencies from cfg.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("blob", cfg.Blob.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
		zap.String("platform", cfg.Platform.Backend),
	)

	if err := app.wire(ctx, reg); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context, reg prometheus.Registerer) error {
	var err error
	if a.stores, err = a.setupStores(ctx); err != nil {
		return err
	}
	blobStore, err := a.setupBlob(ctx)
	if err != nil {
		return err
	}
	queue, err := a.setupQueue(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	a.platform = a.setupPlatform()

	sealer, err := secret.NewSealer(a.cfg.Secret.Key)
	if err != nil {
		return fmt.Errorf("credential sealer init failed: %w", err)
	}
	ids := uuid.New()
	clock := system.New()
	pacer := ratelimit.New(ratelimit.Config{
		CallsPerSecond: a.cfg.Worker.CallsPerSecond,
		Burst:          a.cfg.Worker.Burst,
	})
	leases := lease.NewManager(a.stores.sessions, a.logger, func(wait time.Duration, acquired bool) {
		metrics.ObserveLease(wait > 0, acquired)
	})

	a.notifier = notify.New(notify.Config{
		Workers:        a.cfg.Notify.Workers,
		MaxAttempts:    a.cfg.Notify.MaxAttempts,
		BackoffInitial: a.cfg.Notify.BackoffInitial,
		BackoffMax:     a.cfg.Notify.BackoffMax,
		Timeout:        a.cfg.Notify.Timeout,
		Topic:          a.cfg.Notify.Topic,
	}, nil, publisher, a.logger)
	alerts := matcher.NewService(a.stores.alerts, matcher.NewEngine(), a.notifier, ids, clock, a.logger)

	a.jobs = jobs.NewService(jobs.Deps{
		Jobs:      a.stores.jobs,
		Channels:  a.stores.channels,
		Sessions:  a.stores.sessions,
		Media:     a.stores.media,
		Queue:     queue,
		Publisher: publisher,
		IDs:       ids,
		Clock:     clock,
	}, jobs.Config{
		EventTopic:      a.cfg.Publisher.Topic,
		MediaBatchLimit: a.cfg.Media.DefaultBatchLimit,
	}, a.logger)

	sessions := session.NewService(session.Deps{
		Sessions:       a.stores.sessions,
		Auth:           a.platform,
		Sealer:         sealer,
		Leases:         leases,
		Pacing:         pacer,
		IDs:            ids,
		Clock:          clock,
		DefaultAPIID:   a.cfg.Platform.APIID,
		DefaultAPIHash: a.cfg.Platform.APIHash,
	}, a.logger)
	channelSvc := channels.NewService(a.stores.channels, a.stores.sessions, ids, clock, a.logger)
	a.scheduler = scheduler.New(a.stores.channels, a.stores.jobs, a.stores.sessions, a.jobs, clock,
		scheduler.Config{Tick: a.cfg.Scheduler.Tick, DefaultInterval: a.cfg.Scheduler.DefaultInterval}, a.logger)

	if a.progressHub, err = a.setupProgress(reg, publisher); err != nil {
		return err
	}

	workerCfg := worker.Config{
		LeaseTimeout:         a.cfg.Worker.LeaseTimeout,
		BatchSize:            a.cfg.Worker.BatchSize,
		CheckpointInterval:   a.cfg.Worker.CheckpointInterval,
		MaxTransientFailures: a.cfg.Worker.MaxTransientFailures,
		BackoffInitial:       a.cfg.Worker.NetworkBackoffInitial,
		BackoffMax:           a.cfg.Worker.NetworkBackoffMax,
		MediaMaxAttempts:     a.cfg.Media.MaxAttempts,
		MediaBatchLimit:      a.cfg.Media.DefaultBatchLimit,
		MediaPrefix:          a.cfg.Media.Prefix,
	}
	a.logger.Info("worker config",
		zap.Int("concurrency", a.cfg.Worker.Concurrency),
		zap.Duration("lease_timeout", workerCfg.LeaseTimeout),
		zap.Int("batch_size", workerCfg.BatchSize),
		zap.Int("checkpoint_interval", workerCfg.CheckpointInterval),
		zap.Float64("calls_per_second", a.cfg.Worker.CallsPerSecond),
	)
	hasher := sha256.New()
	runners := make([]dispatcher.Runner, 0, a.cfg.Worker.Concurrency)
	for i := 0; i < a.cfg.Worker.Concurrency; i++ {
		runners = append(runners, worker.New(worker.Deps{
			Queue:    queue,
			Jobs:     a.stores.jobs,
			Channels: a.stores.channels,
			Messages: a.stores.messages,
			Media:    a.stores.media,
			Sessions: a.stores.sessions,
			Blobs:    blobStore,
			Platform: a.platform,
			Leases:   leases,
			Matcher:  alerts,
			Hasher:   hasher,
			Clock:    clock,
			IDs:      ids,
			Pacer:    pacer,
			Opener:   sealer,
			Progress: a.progressHub,
			FollowUp: a.jobs,
		}, workerCfg, a.logger.With(zap.Int("index", i))))
	}
	a.dispatch = dispatcher.New(queue, runners, a.logger)

	a.apiServer = api.NewServer(api.Services{
		Jobs:      a.jobs,
		Sessions:  sessions,
		Channels:  channelSvc,
		Schedules: a.scheduler,
		Alerts:    alerts,
		Ready:     a.ready,
	}, a.cfg, a.logger)
	return nil
}

func (a *App) setupStores(ctx context.Context) (stores, error) {
	if a.cfg.Storage.Backend == "postgres" {
		var err error
		a.pg, err = pgstore.New(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return stores{}, fmt.Errorf("postgres store init failed: %w", err)
		}
		a.logger.Info("using postgres storage backend",
			zap.Int32("max_conns", a.cfg.DB.MaxConns),
			zap.Duration("max_conn_lifetime", a.cfg.DB.MaxConnLifetime),
		)
		return stores{
			jobs: a.pg, channels: a.pg, messages: a.pg,
			media: a.pg, alerts: a.pg, sessions: a.pg,
		}, nil
	}
	a.logger.Warn("using in-memory storage backend, state is lost on restart")
	content := memoryStorage.NewContentStore()
	return stores{
		jobs:     memoryStorage.NewJobStore(),
		channels: memoryStorage.NewChannelStore(),
		messages: content,
		media:    content,
		alerts:   memoryStorage.NewAlertStore(),
		sessions: memoryStorage.NewSessionStore(),
	}, nil
}

func (a *App) setupBlob(ctx context.Context) (scraper.BlobStore, error) {
	switch a.cfg.Blob.Backend {
	case "gcs":
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.Blob.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS blob backend", zap.String("bucket", a.cfg.Blob.GCSBucket))
		return blobStore, nil
	case "s3":
		blobStore, err := s3storage.New(s3storage.Config{
			Endpoint:  a.cfg.Blob.S3.Endpoint,
			AccessKey: a.cfg.Blob.S3.AccessKey,
			SecretKey: a.cfg.Blob.S3.SecretKey,
			Bucket:    a.cfg.Blob.S3.Bucket,
			Region:    a.cfg.Blob.S3.Region,
			UseSSL:    a.cfg.Blob.S3.UseSSL,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		if err := blobStore.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("s3 bucket check failed: %w", err)
		}
		a.logger.Info("using S3 blob backend",
			zap.String("endpoint", a.cfg.Blob.S3.Endpoint),
			zap.String("bucket", a.cfg.Blob.S3.Bucket),
		)
		return blobStore, nil
	case "local":
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Blob.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local blob backend", zap.String("path", a.cfg.Blob.LocalDir))
		return blobStore, nil
	default:
		a.logger.Info("using in-memory blob backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

// pubsubFor lazily creates the client shared by the Pub/Sub queue and publisher.
func (a *App) pubsubFor(ctx context.Context) (*pubsub.Client, error) {
	if a.pubsubClient != nil {
		return a.pubsubClient, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	return client, nil
}

func (a *App) setupQueue(ctx context.Context) (scraper.Queue, error) {
	if a.cfg.Queue.Backend != "pubsub" {
		a.memoryQueue = queueMemory.NewQueue(a.cfg.Worker.QueueDepth)
		a.logger.Info("using in-memory job queue", zap.Int("depth", a.cfg.Worker.QueueDepth))
		return a.memoryQueue, nil
	}
	client, err := a.pubsubFor(ctx)
	if err != nil {
		return nil, err
	}
	a.pubsubQueue, err = queuePubSub.New(client, a.cfg.PubSub.Topic, a.cfg.PubSub.Subscription, a.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub queue init failed: %w", err)
	}
	a.logger.Info("using Pub/Sub job queue",
		zap.String("topic", a.cfg.PubSub.Topic),
		zap.String("subscription", a.cfg.PubSub.Subscription),
	)
	return a.pubsubQueue, nil
}

func (a *App) setupPublisher(ctx context.Context) (scraper.Publisher, error) {
	switch a.cfg.Publisher.Backend {
	case "pubsub":
		client, err := a.pubsubFor(ctx)
		if err != nil {
			return nil, err
		}
		a.pubsubPublisher = client.Publisher(a.cfg.Publisher.Topic)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.Publisher.Topic),
		)
		return gcppublisher.New(a.pubsubPublisher), nil
	case "kafka":
		topic := a.cfg.Kafka.Topic
		if topic == "" {
			topic = a.cfg.Publisher.Topic
		}
		var err error
		a.kafkaPublisher, err = kafkapublisher.New(kafkapublisher.Config{Brokers: a.cfg.Kafka.Brokers, Topic: topic}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("kafka publisher init failed: %w", err)
		}
		a.logger.Info("Kafka publisher initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers), zap.String("topic", topic))
		return a.kafkaPublisher, nil
	default:
		a.logger.Warn("using in-memory publisher, events stay in process")
		return memorypublisher.New(), nil
	}
}

func (a *App) setupPlatform() platformClient {
	if a.cfg.Platform.Backend == "telegram" {
		a.logger.Info("using telegram platform client")
		return telegram.New(a.logger)
	}
	a.logger.Warn("using fake platform client")
	return fake.New()
}

func (a *App) setupProgress(reg prometheus.Registerer, publisher scraper.Publisher) (*progress.Hub, error) {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress metrics sink init failed: %w", err)
	}
	publishSink, err := progresssinks.NewPublishSink(publisher, a.cfg.Publisher.Topic, false)
	if err != nil {
		return nil, fmt.Errorf("progress publish sink init failed: %w", err)
	}
	hub := progress.NewHub(progress.Config{Logger: a.logger},
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		publishSink,
	)
	a.logger.Debug("progress hub initialized", zap.String("topic", a.cfg.Publisher.Topic))
	return hub, nil
}

func (a *App) ready(ctx context.Context) error {
	if a.pg == nil {
		return nil
	}
	return a.pg.Ping(ctx)
}

// Run recovers interrupted work, starts the workers, scheduler and HTTP server, and
// blocks until ctx is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := a.jobs.Recover(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	a.logger.Info("startup recovery complete",
		zap.Int("orphaned", report.Orphaned),
		zap.Int("requeued", report.Requeued),
		zap.Int("media_reset", report.MediaReset),
	)

	if a.pubsubQueue != nil {
		a.pubsubQueue.Start(ctx)
	}
	a.notifier.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(ctx)
	}()
	if a.cfg.Scheduler.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("scheduler started", zap.Duration("tick", a.cfg.Scheduler.Tick))
			a.scheduler.Run(ctx)
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	return a.Close(shutdownCtx)
}

// Close releases every backend. It is safe after a partial Build.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

//nolint:gocognit // Shutdown logic is linear but extensive.
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.memoryQueue != nil {
		a.memoryQueue.Close()
	}
	if a.notifier != nil {
		a.notifier.Close()
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.kafkaPublisher != nil {
		if err := a.kafkaPublisher.Close(); err != nil {
			a.logger.Warn("kafka publisher close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
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
	if a.pg != nil {
		a.pg.Close()
	}
}
