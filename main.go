package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/karstenda/colabri-doc/config"
	"github.com/karstenda/colabri-doc/connreg"
	"github.com/karstenda/colabri-doc/httpapi"
	"github.com/karstenda/colabri-doc/identity"
	"github.com/karstenda/colabri-doc/room"
	"github.com/karstenda/colabri-doc/session"
	"github.com/karstenda/colabri-doc/store"
	"github.com/karstenda/colabri-doc/transport"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	if cfg.Environment == "development" {
		zc := zap.NewDevelopmentConfig()
		zc.Level = zap.NewAtomicLevelAt(level)
		return zc.Build()
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBURL)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}

	identityClient := identity.NewHTTPClient(cfg.AppServiceURL(), cfg.CloudAuthJWTSecret, cfg.CloudServiceName)
	svc := &session.Services{
		Identity:  identity.NewCache(identityClient),
		ConnReg:   connreg.New(),
		Rooms:     room.NewRegistry(st, logger, cfg.CloudServiceName),
		Store:     st,
		JWTSecret: cfg.CloudAuthJWTSecret,
		Logger:    logger,
	}

	router := mux.NewRouter()
	transport.NewHandler(svc, logger).Route(router)
	httpapi.New(svc, cfg.CloudServiceName, logger).Route(router)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    cfg.ServerAddress(),
		Handler: router,
	}

	go func() {
		logger.Info("colabri-doc listening", zap.String("addr", cfg.ServerAddress()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	svc.Rooms.Shutdown()
	st.Close()
}
