package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/assertly/backend/internal/auth"
	"github.com/assertly/backend/internal/config"
	"github.com/assertly/backend/internal/database"
	"github.com/assertly/backend/internal/drafts"
	"github.com/assertly/backend/internal/feed"
	"github.com/assertly/backend/internal/graph"
	"github.com/assertly/backend/internal/handlers"
	"github.com/assertly/backend/internal/idempotency"
	"github.com/assertly/backend/internal/jobs"
	"github.com/assertly/backend/internal/monitoring"
	"github.com/assertly/backend/internal/notifications"
	"github.com/assertly/backend/internal/publish"
	"github.com/assertly/backend/internal/realtime"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer bootCancel()

	// Stores. Both connects retry with backoff before giving up.
	db, err := database.Connect(bootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	graphStore, err := graph.Connect(bootCtx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
	if err != nil {
		log.Fatalf("Failed to connect to Neo4j: %v", err)
	}

	var sessionCache auth.SessionCache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(bootCtx).Err(); err != nil {
			log.Printf("Redis unavailable, session cache disabled: %v", err)
		} else {
			sessionCache = auth.NewRedisCache(redisClient)
			defer redisClient.Close()
		}
	}

	metrics := monitoring.NewMetrics()

	// Auth and realtime.
	sessions := auth.NewSessions(db, sessionCache)
	authMW := auth.NewMiddleware(sessions, cfg.Env)
	hub := realtime.NewHub(authMW, metrics)

	// Notification pipeline.
	notifStore := notifications.NewStore(db)
	outboxStore := notifications.NewOutboxStore(db)
	notifier := notifications.NewService(notifStore, outboxStore, graphStore, hub, metrics)
	outboxWorker := notifications.NewWorker(outboxStore, notifStore,
		[]notifications.Adapter{
			notifications.NewWebSocketAdapter(hub),
			notifications.NewPushAdapter(),
		},
		notifications.WorkerConfig{
			Tick:        cfg.Tunables.OutboxTick,
			BatchSize:   cfg.Tunables.OutboxBatchSize,
			MaxAttempts: cfg.Tunables.OutboxMaxAttempts,
		}, metrics)

	// Publish pipeline.
	idemStore := idempotency.NewStore(db)
	draftStore := drafts.NewStore(db)
	orchestrator := publish.NewOrchestrator(graphStore, idemStore, notifier, draftStore, metrics)

	// Feed projection.
	projector := feed.New(cfg.Env, func(event string, _ map[string]interface{}) {
		metrics.NearMiss(event)
	})

	// Scheduled maintenance.
	jobStore := jobs.NewStore(db)
	runner := jobs.NewRunner(jobStore, metrics)
	cleanupEvery := time.Duration(cfg.Tunables.CleanupIntervalHrs) * time.Hour
	outboxRetention := time.Duration(cfg.Tunables.OutboxRetentionHrs) * time.Hour
	runner.Register("draft-cleanup", cleanupEvery, draftStore.CleanupExpired)
	runner.Register("idempotency-cleanup", cleanupEvery, idemStore.CleanupExpired)
	runner.Register("outbox-cleanup", cleanupEvery, func(ctx context.Context) (int64, error) {
		return outboxStore.CleanupDelivered(ctx, outboxRetention)
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	runner.Start(workerCtx)
	outboxWorker.Start(workerCtx)

	// Router.
	router := mux.NewRouter()
	router.HandleFunc("/health", handlers.HandleHealth(db)).Methods("GET")
	router.HandleFunc("/health/jobs",
		authMW.Require(handlers.HandleJobHealth(jobStore, cfg.HealthEndpointsEnabled))).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	pageSize := cfg.Tunables.HomeFeedDefaultSize
	router.HandleFunc("/publish", authMW.Require(handlers.HandlePublish(orchestrator))).Methods("POST")
	router.HandleFunc("/home", authMW.Require(handlers.HandleHomeFeed(graphStore, projector, pageSize))).Methods("GET")
	router.HandleFunc("/thread/{id}", authMW.Require(handlers.HandleThread(graphStore, projector))).Methods("GET")
	router.HandleFunc("/profile/{userId}", authMW.Require(handlers.HandleProfile(graphStore, projector, pageSize))).Methods("GET")
	router.HandleFunc("/assertions/{id}/history", authMW.Require(handlers.HandleRevisionHistory(graphStore))).Methods("GET")
	router.HandleFunc("/assertions/{id}", authMW.Require(handlers.HandleDeleteAssertion(graphStore))).Methods("DELETE")
	router.HandleFunc("/reactions", authMW.Require(handlers.HandleAddReaction(graphStore, notifier))).Methods("POST")
	router.HandleFunc("/reactions", authMW.Require(handlers.HandleRemoveReaction(graphStore))).Methods("DELETE")
	router.HandleFunc("/reactions/{assertionId}", authMW.Require(handlers.HandleGetReactions(graphStore))).Methods("GET")
	router.HandleFunc("/notifications", authMW.Require(handlers.HandleListNotifications(notifStore))).Methods("GET")
	router.HandleFunc("/notifications/{id}/read", authMW.Require(handlers.HandleMarkNotificationRead(notifStore))).Methods("POST")
	router.HandleFunc("/ws/notifications", hub.ServeWS)

	router.Use(handlers.CORSMiddleware(cfg.FrontendOrigin))
	router.Use(handlers.LoggingMiddleware)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}

		// Order matters: stop producers, then delivery, then connections.
		runner.Stop()
		outboxWorker.Stop()
		hub.Shutdown()

		if err := graphStore.Close(ctx); err != nil {
			log.Printf("Neo4j close error: %v", err)
		}
	}()

	log.Printf("Assertly API starting on port %s (env=%s)", cfg.Port, cfg.Env)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Server stopped")
}
