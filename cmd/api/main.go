package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"presence/internal/attendance"
	"presence/internal/auth"
	"presence/internal/cloudinary"
	"presence/internal/config"
	"presence/internal/directory"
	"presence/internal/faceclient"
	"presence/internal/handler"
	"presence/internal/httpmiddleware"
	"presence/internal/identity"
	"presence/internal/queue"
	"presence/internal/store"
	"presence/internal/window"
)

func main() {
	cfg := config.Load()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

// backend bundles the stores selected by STORE_BACKEND.
type backend struct {
	dir     directory.Directory
	windows window.Store
	records attendance.Store
	checks  map[string]handler.Check
	close   func()
}

func openBackend(ctx context.Context, cfg config.App) (*backend, error) {
	switch cfg.StoreBackend {
	case "memory":
		dir := directory.NewMemory()
		if cfg.DirectorySeed != "" {
			seeded, err := directory.LoadSeed(cfg.DirectorySeed)
			if err != nil {
				return nil, err
			}
			dir = seeded
		}
		wstore := window.NewMemory()
		log.Println("using in-memory stores; data is lost on restart")
		return &backend{
			dir:     dir,
			windows: wstore,
			records: attendance.NewMemoryRepository(wstore),
			checks:  map[string]handler.Check{},
			close:   func() {},
		}, nil
	case "postgres":
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx, db.Client); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &backend{
			dir:     directory.NewPostgres(db.Client),
			windows: window.NewPostgres(db.Client),
			records: attendance.NewRepository(db.Client),
			checks: map[string]handler.Check{
				"db": func(ctx context.Context) error {
					if !db.Healthy(ctx) {
						return errors.New("db unreachable")
					}
					return nil
				},
			},
			close: func() { _ = db.Close() },
		}, nil
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
}

func runHTTP(cfg config.App) error {
	ctx := context.Background()
	if err := cfg.Validate(); err != nil {
		return err
	}

	engine, err := config.LoadEngine(cfg.EngineConfig, cfg.MatchProfile, cfg.MatchThreshold)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	log.Printf("match profile %s: %s threshold %.3f, %d dims; boundary has %d vertices",
		engine.Strategy.Name, engine.Strategy.Metric, engine.Strategy.Threshold, engine.Strategy.Dimensions, len(engine.Boundary))

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
	defer func() { _ = redisClient.Close() }()
	if redisClient != nil && (cfg.QueueBackend == "redis" || cfg.RateLimitBackend == "redis") {
		be.checks["redis"] = func(ctx context.Context) error {
			if !redisClient.Healthy(ctx) {
				return errors.New("redis unreachable")
			}
			return nil
		}
	}

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip, cfg.FaceTimeout)
	if cfg.FaceSkip {
		face.SkipEmbedding = make([]float32, engine.Strategy.Dimensions)
		log.Println("FACE_SKIP set: every photo yields the zero embedding")
	} else if err := face.Health(ctx); err != nil {
		log.Printf("warning: face service not available: %v", err)
	}
	be.checks["face"] = face.Health

	followCtx, stopFollow := context.WithCancel(ctx)
	defer stopFollow()

	var events queue.Queue
	switch {
	case cfg.QueueBackend == "memory":
		mem := queue.NewInMemory(256)
		events = mem
		go func() {
			if err := attendance.Follow(followCtx, mem, be.records); err != nil {
				log.Printf("in-process event consumer stopped: %v", err)
			}
		}()
	case redisClient != nil:
		events = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	default:
		log.Println("event feed disabled: REDIS_ADDR not set")
	}

	var archive attendance.Archive
	cdn := cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
	if cdn.Configured() {
		archive = cdn
		log.Println("cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("cloudinary not configured; evidence photos are not archived")
	}

	windows := window.NewManager(be.windows, be.dir, window.Options{
		MinDuration:     cfg.WindowMinDuration,
		DefaultDuration: cfg.WindowDefaultDuration,
		Location:        loc,
	})
	resolver, err := identity.NewResolver(be.dir, engine.Strategy)
	if err != nil {
		return err
	}
	deps := attendance.Deps{
		Windows:   windows,
		Records:   be.records,
		Directory: be.dir,
		Resolver:  resolver,
		Extractor: face,
		Boundary:  engine.Boundary,
		Archive:   archive,
	}
	if events != nil {
		deps.Events = events
	}
	marks, err := attendance.NewService(deps)
	if err != nil {
		return err
	}

	var limiter httpmiddleware.Limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	if cfg.RateLimitBackend == "redis" && redisClient != nil {
		limiter = httpmiddleware.NewRedisLimiter(redisClient.Client, cfg.RateLimitPerMin)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(httpmiddleware.RequestID())
	r.Use(httpmiddleware.CORS(cfg.CORSOrigins))
	r.Use(securityHeaders())
	r.Use(httpmiddleware.RateLimit(limiter))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", handler.Health(be.checks))

	v1 := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))
	handler.New(windows, marks).Register(v1)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.FaceTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}

	log.Println("server exited")
	return nil
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
