// TriggerFlow Service
//
// Event-driven action dispatcher: pollers read trigger queues, evaluate
// trigger expressions against each event, and dispatch matching events to
// action providers.
//
//	@title			TriggerFlow API
//	@version		1.0
//	@description	Event-driven action dispatch service. Triggers bind a queue to an action provider through a filter and a template.
//
//	@contact.name	TriggerFlow Support
//	@contact.url	https://triggerflow.dev/support
//	@contact.email	support@triggerflow.dev
//
//	@license.name	Apache 2.0
//	@license.url	http://www.apache.org/licenses/LICENSE-2.0.html
//
//	@host		localhost:5001
//	@BasePath	/
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				Globus Auth bearer token. Format: "Bearer {token}"

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	_ "go.triggerflow.dev/docs" // Swagger docs

	"go.triggerflow.dev/internal/action"
	"go.triggerflow.dev/internal/api"
	"go.triggerflow.dev/internal/auth"
	"go.triggerflow.dev/internal/cache"
	"go.triggerflow.dev/internal/common/health"
	"go.triggerflow.dev/internal/common/lifecycle"
	"go.triggerflow.dev/internal/config"
	"go.triggerflow.dev/internal/leader"
	"go.triggerflow.dev/internal/poller"
	"go.triggerflow.dev/internal/queues"
	"go.triggerflow.dev/internal/secrets"
	"go.triggerflow.dev/internal/stream"
	"go.triggerflow.dev/internal/trigger"
	"go.triggerflow.dev/internal/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Configure logging
	zerolog.TimeFieldFormat = time.RFC3339
	if os.Getenv("TRIGGERFLOW_DEV") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	log.Info().
		Str("version", version).
		Str("build_time", buildTime).
		Str("component", "triggerflow").
		Msg("Starting TriggerFlow")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Resolve secret references in credential fields
	if err := cfg.ResolveSecrets(ctx, secrets.NewResolver()); err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve secrets")
	}

	// Shutdown is phased: API first, then pollers, reaper, leader lock,
	// and finally the stores.
	shutdown := lifecycle.NewManager()

	// Initialize health checker
	healthChecker := health.NewChecker()

	// Initialize MongoDB connection
	log.Info().Str("uri", maskURI(cfg.MongoDB.URI)).Msg("Connecting to MongoDB")
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDB.URI))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}

	// Ping MongoDB to verify connection
	if err := mongoClient.Ping(ctx, nil); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping MongoDB")
	}
	log.Info().Str("database", cfg.MongoDB.Database).Msg("Connected to MongoDB")

	healthChecker.AddReadinessCheck(health.MongoDBCheck(func() error {
		return mongoClient.Ping(ctx, nil)
	}))
	shutdown.RegisterStoreShutdown("mongodb", func(ctx context.Context) error {
		return mongoClient.Disconnect(ctx)
	})

	db := mongoClient.Database(cfg.MongoDB.Database)

	// Initialize trigger repository
	repo := trigger.NewRepository(db)
	if err := repo.EnsureIndexes(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure trigger indexes")
	}

	// Initialize optional Redis connection
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to ping Redis")
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")

		healthChecker.AddReadinessCheck(health.RedisCheck(func() error {
			return redisClient.Ping(ctx).Err()
		}))
		shutdown.RegisterStoreShutdown("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}

	// Initialize Globus Auth client and the scope registry
	authClient := auth.NewClient(auth.Config{
		BaseURL:                 cfg.Auth.BaseURL,
		ClientID:                cfg.Auth.ClientID,
		ClientSecret:            cfg.Auth.ClientSecret,
		AlternativeClientID:     cfg.Auth.AlternativeClientID,
		AlternativeClientSecret: cfg.Auth.AlternativeClientSecret,
	})

	var scopeCache cache.Cache
	if redisClient != nil {
		scopeCache = cache.NewRedis(redisClient, "triggerflow:scopes:")
	} else {
		scopeCache = cache.NewMemory(cfg.Auth.ScopeCacheSize)
	}
	scopeRegistry := auth.NewScopeRegistry(authClient, scopeCache, cfg.Auth.ScopeCacheTTL.Duration)

	// Initialize the queue source
	var source queues.Source
	switch cfg.Queues.Backend {
	case queues.BackendGlobus:
		source = queues.NewGlobusSource(queues.GlobusConfig{
			BaseURL:   cfg.Queues.GlobusBaseURL,
			RateLimit: cfg.Queues.RateLimit,
			RateBurst: cfg.Queues.RateBurst,
		})
		log.Info().Str("base_url", cfg.Queues.GlobusBaseURL).Msg("Using Globus Queues backend")

	case queues.BackendSQS:
		sqsSource, err := queues.NewSQSSource(ctx, queues.SQSConfig{
			Region:         cfg.Queues.SQSRegion,
			CustomEndpoint: cfg.Queues.SQSEndpoint,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create SQS queue source")
		}
		source = sqsSource
		log.Info().Str("region", cfg.Queues.SQSRegion).Msg("Using SQS queue backend")

	case queues.BackendEmbedded:
		embedded, err := queues.NewEmbeddedSource(queues.EmbeddedConfig{
			Port: cfg.Queues.EmbeddedPort,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start embedded queue server")
		}
		source = embedded
		shutdown.RegisterStoreShutdown("embedded-queues", func(context.Context) error {
			embedded.Close()
			return nil
		})
		log.Info().Int("port", cfg.Queues.EmbeddedPort).Msg("Using embedded queue backend")

	default:
		log.Fatal().Str("backend", cfg.Queues.Backend).Msg("Unknown queue backend (use 'globus', 'sqs' or 'embedded')")
	}

	healthChecker.AddReadinessCheck(health.QueueCheck(func() error {
		checkCtx, checkCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer checkCancel()
		return source.CheckConnectivity(checkCtx)
	}))

	// Initialize action client
	actionClient := action.NewClient(action.Config{
		Timeout:            cfg.Action.Timeout.Duration,
		MaxRetries:         cfg.Action.MaxRetries,
		BreakerMaxRequests: cfg.Action.BreakerMaxRequests,
		BreakerInterval:    cfg.Action.BreakerInterval.Duration,
		BreakerTimeout:     cfg.Action.BreakerTimeout.Duration,
	})

	// Initialize the poller engine
	warnings := warning.NewService(warning.DefaultMaxWarnings)
	registry := poller.NewRegistry()
	supervisor := poller.NewSupervisor(poller.Config{
		InitialInterval:    cfg.Poller.InitialInterval.Duration,
		MinInterval:        cfg.Poller.MinInterval.Duration,
		MaxInterval:        cfg.Poller.MaxInterval.Duration,
		MaxMessages:        cfg.Poller.MaxMessages,
		StatusHistory:      cfg.Poller.StatusHistory,
		ExpressionTimeout:  cfg.Poller.ExpressionTimeout.Duration,
		RequestTimeout:     cfg.Action.Timeout.Duration,
		QueuesReceiveScope: cfg.Auth.QueuesReceiveScope,
		ReaperCapacity:     cfg.Reaper.QueueCapacity,
		ReaperWait:         cfg.Reaper.WaitInterval.Duration,
	}, registry, repo, source, actionClient, authClient, warnings)

	// Start the supervisor, either directly or through leader election.
	// With election enabled only the leader resumes ENABLED triggers;
	// followers serve the API and wait to take over.
	if cfg.Leader.Enabled {
		if redisClient == nil {
			log.Fatal().Msg("Leader election requires redis.enabled = true")
		}

		// Enables, disables, and deletes can land on any replica, but only
		// the leader runs pollers. The reconciler tails the trigger
		// collection so follower writes reach the leader's poller set.
		var reconciler *stream.Reconciler
		if cfg.Leader.Reconcile {
			reconciler = stream.NewReconciler(db, stream.Config{}, registry, supervisor, repo, warnings)
		}

		lock := leader.NewRedisLock(redisClient, cfg.Leader.LockName, cfg.Leader.LeaseDuration.Duration)
		elector := leader.New(lock, cfg.Leader.RefreshInterval.Duration, func(ctx context.Context) (func(), error) {
			if err := supervisor.Start(ctx); err != nil {
				return nil, err
			}
			if reconciler != nil {
				reconciler.Start()
			}
			return func() {
				if reconciler != nil {
					reconciler.Stop()
				}
				supervisor.Stop()
			}, nil
		})
		elector.Start(ctx)
		shutdown.RegisterLeaderShutdown("leader-elector", func(context.Context) error {
			elector.Stop()
			return nil
		})
		log.Info().
			Str("lock", cfg.Leader.LockName).
			Dur("lease", cfg.Leader.LeaseDuration.Duration).
			Msg("Leader election enabled")
	} else {
		if err := supervisor.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start poller supervisor")
		}
		shutdown.RegisterPollerShutdown("poller-supervisor", func(context.Context) error {
			supervisor.Stop()
			return nil
		})
	}

	// Set up HTTP router
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(api.MetricsMiddleware)

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.HTTP.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints
	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	// Service status
	statusHandler := func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":"%s","environment":"%s"}`,
			version, cfg.Environment)
	}
	r.Get("/", statusHandler)
	r.Get("/status", statusHandler)

	// Trigger API
	triggerHandler := api.NewTriggerHandler(api.Config{
		ManageTriggersScope: cfg.Auth.ManageTriggersScope,
		QueuesReceiveScope:  cfg.Auth.QueuesReceiveScope,
	}, repo, registry, supervisor, scopeRegistry, source)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(authClient))
		r.Mount("/triggers", triggerHandler.Routes())
	})

	// Admin surface
	adminHandler := api.NewAdminHandler(registry, supervisor, warnings)
	r.Group(func(r chi.Router) {
		r.Use(auth.AdminMiddleware(auth.AdminConfig{
			JWTSecret:  cfg.Admin.JWTSecret,
			APIKeyHash: cfg.Admin.APIKeyHash,
		}))
		r.Mount("/admin", adminHandler.Routes())
	})

	// Start HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	shutdown.RegisterHTTPShutdown("api-server", server.Shutdown)

	go func() {
		log.Info().Int("port", cfg.HTTP.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal, then run the phased shutdown
	if err := shutdown.Run(); err != nil {
		log.Error().Err(err).Msg("Shutdown incomplete")
	}
	log.Info().Msg("TriggerFlow stopped")
}

// maskURI masks sensitive parts of a MongoDB URI for logging
func maskURI(uri string) string {
	if len(uri) > 20 {
		return uri[:20] + "..."
	}
	return uri
}
