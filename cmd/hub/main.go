package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"possync/internal/config"
	"possync/internal/database"
	"possync/internal/eventlog"
	"possync/internal/handler"
	"possync/internal/hub"
	"possync/internal/lock"
	"possync/internal/middleware"
	"possync/internal/monitor"
	"possync/internal/redis"
	"possync/internal/utils"
	"possync/pkg/log"
)

// version is stamped by the build.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := log.Init(log.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxAge:     cfg.Log.MaxAge,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// event log
	var events eventlog.Store
	switch cfg.EventLog.Driver {
	case "mysql":
		if err := database.Init(cfg); err != nil {
			log.WithError(err).Fatal("Failed to initialize database")
		}
		defer database.Close()
		events, err = eventlog.NewGormStore(database.GetDB())
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize event log")
		}
	default:
		events = eventlog.NewMemoryStore()
	}
	defer events.Close()

	// lock table
	var lockStore lock.Store
	switch cfg.Lock.Driver {
	case "redis":
		if err := redis.Init(cfg); err != nil {
			log.WithError(err).Fatal("Failed to initialize redis")
		}
		defer redis.Close()
		lockStore = lock.NewRedisStore(redis.GetClient())
	default:
		lockStore = lock.NewMemoryStore()
	}
	locks := lock.NewManager(lockStore, cfg.Lock.TTL, cfg.Lock.SweepInterval)
	locks.Start(ctx)
	defer locks.Stop()

	var metrics *monitor.Metrics
	if cfg.Metrics.Enabled {
		metrics = monitor.NewMetrics()
	}

	tracer, err := monitor.NewTracer(&monitor.TracerConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		JaegerEndpoint: cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize tracer")
	}
	defer tracer.Shutdown(context.Background())

	var sessions *utils.SessionManager
	if cfg.Security.AuthEnabled {
		sessions = utils.NewSessionManager(
			cfg.Security.JWT.Secret,
			cfg.Security.JWT.Issuer,
			cfg.Security.JWT.Expire,
		)
	}

	relay := hub.NewRelay(events, locks, hub.Config{
		HandshakeTimeout: cfg.Relay.HandshakeTimeout,
		Sessions:         sessions,
		Metrics:          metrics,
		Tracer:           tracer,
	})

	ln, err := net.Listen("tcp", cfg.Relay.GetAddr())
	if err != nil {
		log.WithError(err).Fatal("Failed to open relay listener")
	}
	go func() {
		if err := relay.Serve(ctx, ln); err != nil {
			log.WithError(err).Error("Relay stopped")
		}
	}()

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(middleware.Logger())
	router.Use(middleware.Recovery())
	router.Use(middleware.CORS())

	hubHandler := handler.NewHubHandler(relay, locks, events, cfg.Hub.TenantID, cfg.Hub.StoreID, version, cfg.Relay.Port)
	hubHandler.RegisterRoutes(router)
	if metrics != nil {
		router.GET(cfg.Metrics.Path, gin.WrapH(metrics.Handler()))
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.WithFields(map[string]interface{}{
			"http_addr":  cfg.Server.GetAddr(),
			"relay_addr": cfg.Relay.GetAddr(),
			"leader_id":  relay.LeaderID(),
			"version":    version,
		}).Info("Hub started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down hub...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP server forced to shutdown")
	}

	log.Info("Hub exited")
}
