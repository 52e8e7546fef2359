// Package app is the composition root: it wires every package into a
// running server, in dependency order, mirroring the donor's
// internal/app.Run (build stores/usecases, start the background
// scheduler, mount gin routes, block on a shutdown signal) while
// generalizing the startup order to this module's store -> engine ->
// session-layer dependency chain (spec §9).
package app

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/orbitmesh/orbitmesh/internal/config"
	"github.com/orbitmesh/orbitmesh/internal/crypto"
	"github.com/orbitmesh/orbitmesh/internal/definition"
	"github.com/orbitmesh/orbitmesh/internal/engine"
	"github.com/orbitmesh/orbitmesh/internal/executor"
	"github.com/orbitmesh/orbitmesh/internal/handler"
	"github.com/orbitmesh/orbitmesh/internal/middleware"
	notifysmtp "github.com/orbitmesh/orbitmesh/internal/notify/smtp"
	"github.com/orbitmesh/orbitmesh/internal/outbox"
	"github.com/orbitmesh/orbitmesh/internal/outbox/memdispatcher"
	"github.com/orbitmesh/orbitmesh/internal/outbox/redisdispatcher"
	"github.com/orbitmesh/orbitmesh/internal/session"
	"github.com/orbitmesh/orbitmesh/internal/store"
	"github.com/orbitmesh/orbitmesh/internal/store/memstore"
	"github.com/orbitmesh/orbitmesh/internal/store/sqlstore"
)

const (
	exitOK           = 0
	exitFatalStartup = 1
	// exitUpdatePending mirrors spec §6's ExitUpdatePending: reserved for
	// a supervisor wrapper that restarts the process after a config or
	// binary update lands while orbitmesh is draining. Nothing in this
	// core triggers it yet.
	exitUpdatePending = 2
)

// Run builds and serves the OrbitMesh server until it receives a
// shutdown signal, returning the process exit code spec §6 defines.
func Run(cfg *config.Config) int {
	instances, jobs, err := buildStores(cfg)
	if err != nil {
		log.Printf("startup: store init failed: %v", err)
		return exitFatalStartup
	}

	defs := definition.NewRegistry()
	dispatcher := buildDispatcher(cfg)

	var smtpClient *notifysmtp.Client
	if cfg.SMTPHost != "" {
		smtpClient = notifysmtp.NewClient(notifysmtp.Config{Host: cfg.SMTPHost, Port: cfg.SMTPPort, User: cfg.SMTPUser, Pass: cfg.SMTPPass})
	}
	notifier := outbox.NewNotifier(dispatcher, smtpClient)

	hub := session.NewHub(jobs)

	eng := engine.New(defs, instances, nil)
	eng.Workers = cfg.Workers
	eng.SetExecutorSet(executor.NewSet(hub, eng, notifier))
	hub.SetResultSink(eng)

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	go hub.Run(ctx)

	wsHandler := session.NewHandler(hub, []byte(cfg.JWTSecret), cfg.BootstrapToken)

	router := buildRouter(defs, instances, eng, wsHandler)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	go func() {
		log.Printf("orbitmesh: listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("orbitmesh: server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("orbitmesh: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("orbitmesh: http shutdown error: %v", err)
	}

	cancel()   // stops the session hub's registration loop
	eng.Stop() // drains in-flight instance advances

	return exitOK
}

func buildStores(cfg *config.Config) (store.InstanceStore, store.JobStore, error) {
	if cfg.StoreDSN == "" || cfg.StoreDSN == "memory" {
		m := memstore.New()
		return m, m, nil
	}

	db, err := gorm.Open(postgres.Open(cfg.StoreDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, err
	}
	sqlStore := sqlstore.New(db)
	if cfg.AutoMigrate {
		if err := sqlStore.AutoMigrate(context.Background()); err != nil {
			return nil, nil, err
		}
	}
	if len(cfg.JWTSecret) >= 16 {
		sqlStore.WithEncryption(crypto.NewEncryptionKey([]byte(cfg.JWTSecret)[:16]))
	}
	return sqlStore, sqlStore, nil
}

func buildDispatcher(cfg *config.Config) outbox.Dispatcher {
	if cfg.RedisAddr == "" {
		return memdispatcher.New()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return redisdispatcher.New(client)
}

func buildRouter(defs *definition.Registry, instances store.InstanceStore, eng *engine.Engine, ws *session.Handler) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger(), middleware.ErrorHandler())

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/v1/agents/ws", ws.ServeHTTP)

	api := r.Group("/api")
	handler.NewWorkflowHandler(defs, instances, eng).Register(api)

	return r
}
