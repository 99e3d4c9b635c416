package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yoockh/cogload/config"
	"github.com/yoockh/cogload/internal/api/handlers"
	"github.com/yoockh/cogload/internal/api/middleware"
	"github.com/yoockh/cogload/internal/api/routes"
	"github.com/yoockh/cogload/internal/buffer"
	"github.com/yoockh/cogload/internal/cache"
	"github.com/yoockh/cogload/internal/classifier"
	"github.com/yoockh/cogload/internal/dsp"
	"github.com/yoockh/cogload/internal/ingestion"
	"github.com/yoockh/cogload/internal/logger"
	"github.com/yoockh/cogload/internal/metrics"
	"github.com/yoockh/cogload/internal/models"
	"github.com/yoockh/cogload/internal/persistence"
	"github.com/yoockh/cogload/internal/publisher"
	mongorepo "github.com/yoockh/cogload/internal/repositories/mongo"
	"github.com/yoockh/cogload/internal/repositories/postgres"
	"github.com/yoockh/cogload/internal/services"
	"github.com/yoockh/cogload/internal/storage"
	"github.com/yoockh/cogload/internal/wire"
)

func main() {
	log := logger.New()

	cfg, err := config.LoadServer()
	if err != nil {
		log.WithError(err).Fatal("config")
	}
	log.SetLevel(logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server exited")
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Server, log *logrus.Logger) error {
	m := metrics.New()
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	// Durable stores
	var (
		sessionStore ingestion.SessionStore
		sessionRepo  postgres.SessionRepo
		predRepo     postgres.PredictionRepo
		eventRepo    postgres.EventRepo
	)
	if cfg.PostgresURI != "" {
		db, err := config.NewPostgres(cfg.PostgresURI, cfg.AutoMigrate)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			closers = append(closers, func() { _ = sqlDB.Close() })
		}
		sessionRepo = postgres.NewSessionRepo(db)
		sessionStore = sessionRepo
		predRepo = postgres.NewPredictionRepo(db, cfg.StoreFeatureVectors)
		eventRepo = postgres.NewEventRepo(db)
		log.Info("PostgreSQL connected")
	} else {
		log.Warn("POSTGRES_URI not set: results are kept in memory only")
	}

	// Live fan-out and history cache
	var (
		pubs       publisher.Multi
		queryCache cache.Cache = cache.NewMemoryCache()
	)
	if cfg.RedisAddr != "" {
		rdb, err := config.NewRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = rdb.Close() })
		pubs = append(pubs, publisher.NewRedisPublisher(rdb))
		queryCache = cache.NewRedisCache(rdb, "cogload:")
		log.Info("Redis connected")
	}
	if cfg.NATSURL != "" {
		nc, err := config.NewNATS(cfg.NATSURL, log)
		if err != nil {
			return err
		}
		pubs = append(pubs, publisher.NewNATSPublisher(nc, cfg.NATSPrefix))
		log.Info("NATS connected")
	}
	var pub publisher.Publisher = publisher.Nop{}
	if len(pubs) > 0 {
		pub = pubs
		closers = append(closers, func() { _ = pubs.Close() })
	}

	deadLetter, err := newDeadLetterUploader(ctx, cfg, &closers)
	if err != nil {
		return err
	}

	// Classification
	buffers := buffer.NewManager(cfg.BufferSize)
	router := classifier.NewRouter(classifier.NewSignalClassifier("", "", dsp.DefaultConfig()), cfg.ClassifierTimeout, log, m)
	if cfg.RemoteClassifierURL != "" {
		remote := classifier.NewRemoteClassifier(classifier.RemoteConfig{
			Name:     cfg.RemoteClassifierName,
			Endpoint: cfg.RemoteClassifierURL,
			Attempts: cfg.RemoteAttempts,
			DSP:      dsp.DefaultConfig(),
		}, &http.Client{})
		router.Register(remote)
		if err := router.SetActive(remote.Name()); err != nil {
			return err
		}
	}

	// Batch persistence
	var engines []services.EngineStats
	var stopEngines []func(context.Context) error
	pipeline := &ingestion.Pipeline{Router: router, Buffers: buffers, Publisher: pub, Log: log, Metrics: m}
	if predRepo != nil {
		eng := persistence.NewEngine[models.ClassificationResult](persistence.Config{
			Name:          "predictions",
			BatchSize:     cfg.BatchSize,
			FlushInterval: cfg.FlushInterval,
			MaxAttempts:   cfg.FlushAttempts,
		}, predRepo, log, m)
		if deadLetter != nil {
			eng.SetLossHandler(persistence.NewDeadLetter[models.ClassificationResult](deadLetter, cfg.DeadLetterPrefix+"/predictions", hostname(), log))
		}
		eng.Start()
		pipeline.Results = eng
		engines = append(engines, eng)
		stopEngines = append(stopEngines, eng.Stop)
	}

	var sampleEngine *persistence.Engine[models.StreamSample]
	if cfg.PersistRawSamples {
		client, err := config.NewMongo(ctx, cfg.MongoURI)
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = client.Disconnect(context.Background()) })
		db := client.Database(cfg.MongoDB)
		if err := config.EnsureMongoIndexes(ctx, db); err != nil {
			return err
		}
		sampleEngine = persistence.NewEngine[models.StreamSample](persistence.Config{
			Name:          "stream_samples",
			BatchSize:     cfg.BatchSize * 10,
			FlushInterval: cfg.FlushInterval,
			MaxAttempts:   cfg.FlushAttempts,
		}, mongorepo.NewSampleRepo(db, cfg.RawRetention), log, m)
		if deadLetter != nil {
			sampleEngine.SetLossHandler(persistence.NewDeadLetter[models.StreamSample](deadLetter, cfg.DeadLetterPrefix+"/stream_samples", hostname(), log))
		}
		sampleEngine.Start()
		engines = append(engines, sampleEngine)
		stopEngines = append(stopEngines, sampleEngine.Stop)
		log.Info("MongoDB connected")
	}

	// Ingestion. Lanes outlive connections and stop only after sessions close.
	laneCtx, cancelLanes := context.WithCancel(context.Background())
	defer cancelLanes()

	reg := ingestion.NewRegistry(laneCtx, ingestion.RegistryConfig{
		IdleTimeout:   cfg.IdleTimeout,
		SessionExpiry: cfg.SessionExpiry,
		WindowSamples: cfg.WindowSamples,
		WindowHop:     cfg.WindowHop,
		SampleRate:    cfg.SampleRate,
		LaneSize:      cfg.LaneSize,
		Classifiers:   backendNames(router),
	}, sessionStore, pipeline, log, m)

	codecs, err := wire.NewCodecs()
	if err != nil {
		return err
	}
	ing := ingestion.NewServer(ingestion.Config{
		MaxConnections: cfg.MaxConnections,
		AuthTimeout:    cfg.AuthTimeout,
	}, ingestion.NewKeyAuthenticator(cfg.DeviceAPIKey, cfg.DeviceKeys), reg, codecs, log, m)
	if sampleEngine != nil {
		ing.ArchiveSamples(sampleEngine)
	}

	deps := services.QueryDeps{
		Buffers:  buffers,
		Registry: reg,
		Server:   ing,
		Router:   router,
		Cache:    queryCache,
		Engines:  engines,
		Log:      log,
	}
	if predRepo != nil {
		deps.Predictions = predRepo
		deps.Events = eventRepo
		deps.Sessions = sessionRepo
	}
	svc := services.NewQueryService(deps)
	var records services.SessionRecords
	if sessionRepo != nil {
		records = sessionRepo
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log, "/ping", "/metrics"))
	routes.RegisterRoutes(r, routes.Deps{
		Query:   handlers.NewQueryHandler(svc),
		Session: handlers.NewSessionHandler(services.NewSessionService(records)),
		Admin:   handlers.NewAdminHandler(svc, log),
		WS:      handlers.NewWSHandler(ing, log),
		JWT:     middleware.JWTConfig{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience},
		Metrics: m.Handler(),
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("port", cfg.Port).Info("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		reg.RunReaper(gctx, cfg.ReaperInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// stop accepting, drain sessions, then flush what the lanes produced
		if err := httpSrv.Shutdown(sctx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
		reg.CloseAll(sctx)
		for _, stopEngine := range stopEngines {
			if err := stopEngine(sctx); err != nil {
				log.WithError(err).Error("final flush failed")
			}
		}
		cancelLanes()
		return nil
	})
	return g.Wait()
}

func newDeadLetterUploader(ctx context.Context, cfg *config.Server, closers *[]func()) (storage.Uploader, error) {
	switch {
	case cfg.DeadLetterGCSBucket != "":
		up, err := storage.NewGCSUploader(ctx, cfg.DeadLetterGCSBucket)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func() { _ = up.Close() })
		return up, nil
	case cfg.DeadLetterS3Bucket != "":
		return storage.NewS3Uploader(ctx, cfg.AWSRegion, cfg.DeadLetterS3Bucket)
	}
	return nil, nil
}

func backendNames(r *classifier.Router) []string {
	var names []string
	for _, b := range r.List() {
		names = append(names, b.Name)
	}
	return names
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "cogload"
	}
	return h
}
