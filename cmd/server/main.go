package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/taskmgr818/render-at-home/internal/concat"
	"github.com/taskmgr818/render-at-home/internal/config"
	"github.com/taskmgr818/render-at-home/internal/dispatch"
	"github.com/taskmgr818/render-at-home/internal/handler"
	"github.com/taskmgr818/render-at-home/internal/ident"
	"github.com/taskmgr818/render-at-home/internal/ingest"
	"github.com/taskmgr818/render-at-home/internal/log"
	"github.com/taskmgr818/render-at-home/internal/middleware"
	"github.com/taskmgr818/render-at-home/internal/registry"
	"github.com/taskmgr818/render-at-home/internal/scene"
	"github.com/taskmgr818/render-at-home/internal/scheduler"
	"github.com/taskmgr818/render-at-home/internal/sender"
	"github.com/taskmgr818/render-at-home/internal/storage"
	"github.com/taskmgr818/render-at-home/internal/store"
	"github.com/taskmgr818/render-at-home/internal/ws"
)

// recorder is what both the scheduler and the registry persist through.
type recorder interface {
	scheduler.Recorder
	registry.WorkerRecorder
}

func main() {
	logger := log.Component("main")

	// ── Configuration ──
	cfg := config.Load()
	ctx := context.Background()

	// ── Identifier allocation ──
	var alloc ident.Allocator = ident.NewMemoryAllocator()
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatalf("failed to connect to redis: %v", err)
		}
		alloc = ident.NewRedisAllocator(rdb)
		logger.Infof("connected to Redis at %s", cfg.RedisAddr)
	} else {
		logger.Info("REDIS_ADDR not set, allocating ids in memory")
	}

	// ── SQL Store ──
	var rec recorder = store.Nop{}
	var st *store.Store
	if dsn := cfg.DSN(); dsn != "" {
		var err error
		st, err = store.NewStore(dsn, log.Component("store"))
		if err != nil {
			logger.Fatalf("failed to init store: %v", err)
		}
		rec = st
		logger.Infof("database initialised: %s@%s:%s/%s", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName)
	} else {
		logger.Info("DB_HOST not set, history is not persisted")
	}

	// ── Storage ──
	layout, err := storage.New(cfg.StorageRoot)
	if err != nil {
		logger.Fatalf("failed to prepare storage root: %v", err)
	}

	// ── Worker Registry (startup sweep) ──
	reg := registry.New(alloc, rec, log.Component("registry"))
	if st != nil {
		restore(ctx, st, reg, alloc, logger)
	}

	// ── Progress Hub ──
	hub := ws.NewHub(log.Component("ws"))

	// ── Scheduler ──
	sched := scheduler.New(schedulerConfig(cfg), scheduler.Deps{
		Registry:  reg,
		Allocator: alloc,
		Layout:    layout,
		Describer: scene.NewCommandDescriber(cfg.DescribeCommand),
		Sender:    sender.New(cfg.DispatchTimeout),
		Concatenator: concat.New(layout,
			concat.ZipMerger{},
			concat.FFmpegMerger{Binary: cfg.FFmpegBinary, FrameRate: cfg.VideoFrameRate},
			log.Component("concat")),
		Recorder:  rec,
		Publisher: hub,
		Log:       log.Component("scheduler"),
	})
	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()
	sched.Start(schedCtx)

	// ── Gin Router ──
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.CORS())
	r.Use(middleware.Logger(log.Component("http")))

	in := ingest.New(sched, layout, log.Component("ingest"))
	handler.NewHandler(sched, reg, in, hub, log.Component("handler")).
		AcceptHostHeader(cfg.FileServerAddress, "localhost", "127.0.0.1").
		RegisterRoutes(r)

	// ── HTTP Server with graceful shutdown ──
	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: r,
	}

	go func() {
		logger.Infof("server listening on %s (files served as %s:%d)", cfg.ServerAddr, cfg.FileServerAddress, cfg.FileServerPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen error: %v", err)
		}
	}()

	// ── Graceful Shutdown ──
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("server shutdown error: %v", err)
	}

	schedCancel()
	sched.Stop()
	if st != nil {
		if err := st.Close(); err != nil {
			logger.Warnf("store close error: %v", err)
		}
	}
	if rdb != nil {
		rdb.Close()
	}
	logger.Info("server exited cleanly")
}

// restore reloads workers as Disconnected and keeps task ids from being reused.
func restore(ctx context.Context, st *store.Store, reg *registry.Registry, alloc ident.Allocator, logger *logrus.Entry) {
	workers, err := st.LoadWorkers()
	if err != nil {
		logger.Warnf("load workers: %v", err)
	} else if err := reg.Restore(ctx, workers); err != nil {
		logger.Warnf("restore workers: %v", err)
	}

	n, ok, err := st.MaxTaskCounter()
	switch {
	case err != nil:
		logger.Warnf("load task counter: %v", err)
	case ok:
		if err := alloc.Observe(ctx, ident.KindTask, n); err != nil {
			logger.Warnf("raise task counter: %v", err)
		}
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	sc := scheduler.DefaultConfig()
	sc.FileServerAddress = cfg.FileServerAddress
	sc.FileServerPort = cfg.FileServerPort
	sc.Render = dispatch.Config{
		Name:           "render",
		Size:           cfg.DispatchPoolSize,
		MaxRetries:     cfg.DispatchRetries,
		AttemptTimeout: cfg.DispatchTimeout,
		PollInterval:   cfg.DispatchPoll,
		RetryDelay:     cfg.DispatchRetryDelay,
	}
	sc.Concat = dispatch.Config{
		Name:           "concat",
		Size:           cfg.ConcatPoolSize,
		MaxRetries:     1,
		AttemptTimeout: cfg.ConcatTimeout,
		PollInterval:   cfg.DispatchPoll,
	}
	sc.MaxConcatAttempts = cfg.ConcatMaxAttempts
	sc.MaxIDAttempts = cfg.MaxIDAttempts
	sc.Retention = cfg.ResultRetention
	sc.SweepInterval = cfg.RetentionSweep
	sc.MonotonicFrames = cfg.MonotonicFrames
	return sc
}
