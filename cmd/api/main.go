package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"todoapi.org/internal/audit"
	"todoapi.org/internal/auth"
	"todoapi.org/internal/config"
	"todoapi.org/internal/httpapi"
	"todoapi.org/internal/migrate"
	"todoapi.org/internal/obs"
	"todoapi.org/internal/store/pg"
	"todoapi.org/internal/task"
)

var (
	version = "0.1.0"
	commit  = ""
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Storage: PostgreSQL when DATABASE_URL is set, in-memory otherwise.
	var (
		tasks task.Store = task.NewInMemory()
		probe            = httpapi.ReadyProbe{}
		db    *pg.Store
	)
	if cfg.DatabaseURL != "" {
		db, err = pg.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		if cfg.AutoMigrate {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, err := migrate.NewManager(db.DB(), nil).Up(ctx)
			cancel()
			if err != nil {
				log.Fatalf("migrate: %v", err)
			}
		}
		tasks = db
		probe = httpapi.ReadyProbe{DB: db.DB()}
	} else {
		obs.Info("using in-memory task store", nil)
	}

	keys, err := auth.NewKeyCache(cfg.JWKSURL(),
		auth.WithKeyLifespan(cfg.JWKSLifespan()),
		auth.WithHTTPClient(&http.Client{Timeout: cfg.JWKSTimeout()}),
	)
	if err != nil {
		log.Fatalf("key cache: %v", err)
	}
	events := audit.NewLogger(obs.Logger())
	verifier := auth.NewVerifier(keys, events, auth.WithClockSkew(cfg.ClockSkew()))
	guard := auth.NewGuard(events)

	api := httpapi.New(probe, verifier, guard, tasks, httpapi.Options{
		Version:        version,
		AllowedOrigins: cfg.AllowedOrigins(),
		RateBurst:      cfg.RateLimitBurst,
		RatePerSecond:  cfg.RateLimitPerSecond,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	obs.Info("starting", map[string]any{
		"version":   version,
		"http_addr": srv.Addr,
		"grpc_addr": cfg.GRPCAddr,
		"jwks_url":  cfg.JWKSURL(),
	})

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer()
		httpapi.NewHealthServer(probe).Register(grpcSrv)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	obs.Info("shutting down", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := srv.Shutdown(ctx); err != nil {
		obs.Error("http shutdown", err, nil)
	}
	if db != nil {
		_ = db.Close()
	}
	obs.Info("stopped", nil)
}
