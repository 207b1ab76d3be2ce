package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"clinivault.org/internal/access"
	"clinivault.org/internal/audit"
	"clinivault.org/internal/httpapi"
	"clinivault.org/internal/obs"
	"clinivault.org/internal/report"
	"clinivault.org/internal/retention"
	"clinivault.org/internal/shred"
	"clinivault.org/internal/store/pg"
)

var version = "0.3.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("CLINIVAULT_COMMIT"))
	log := obs.Logger()
	defer func() { _ = log.Sync() }()

	dsn := os.Getenv("CLINIVAULT_PG_DSN")
	if dsn == "" {
		log.Fatal("missing CLINIVAULT_PG_DSN")
	}
	secret := os.Getenv("CLINIVAULT_AUTH_SECRET")
	if secret == "" {
		log.Fatal("missing CLINIVAULT_AUTH_SECRET")
	}
	addr := os.Getenv("CLINIVAULT_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	audioDir := os.Getenv("CLINIVAULT_AUDIO_DIR")
	if audioDir == "" {
		audioDir = "data/audio"
	}

	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	rec := audit.NewRecorder(store.Audit(), log)
	svc, err := access.NewService(store.Users(), rec, access.WithMFAStore(store.MFA()))
	if err != nil {
		log.Fatal("access service", zap.Error(err))
	}
	mgr, err := retention.NewManager(store.Policies(), store.Notes(), rec)
	if err != nil {
		log.Fatal("retention manager", zap.Error(err))
	}
	engine, err := shred.NewEngine(mgr, store.Patients(), store.Notes(), store.Audit(), rec, audioDir)
	if err != nil {
		log.Fatal("shred engine", zap.Error(err))
	}
	reporter, err := report.NewReporter(store.Audit(), mgr)
	if err != nil {
		log.Fatal("reporter", zap.Error(err))
	}
	tokens, err := httpapi.NewTokenIssuer([]byte(secret), 30*time.Minute)
	if err != nil {
		log.Fatal("token issuer", zap.Error(err))
	}

	probe := httpapi.ReadyProbe{DB: store.DB()}
	api := httpapi.New(probe, version, httpapi.Deps{
		Users:    store.Users(),
		Notes:    store.Notes(),
		Access:   svc,
		Recorder: rec,
		Trail:    store.Audit(),
		Policies: mgr,
		Engine:   engine,
		Reporter: reporter,
		Tokens:   tokens,
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info("starting clinivault-api",
		zap.String("version", version),
		zap.String("addr", srv.Addr))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	// gRPC health endpoint for infrastructure probes
	var grpcSrv *grpc.Server
	if grpcAddr := os.Getenv("CLINIVAULT_GRPC_ADDR"); grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			log.Fatal("grpc listen", zap.Error(err))
		}
		grpcSrv = grpc.NewServer()
		httpapi.NewHealthServer(probe).Register(grpcSrv)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				log.Error("grpc serve", zap.Error(err))
			}
		}()
		log.Info("grpc health listening", zap.String("addr", grpcAddr))
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	log.Info("stopped")
}
