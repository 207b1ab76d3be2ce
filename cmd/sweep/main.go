// Command sweep runs one retention sweep and prints the result. It is
// meant to be invoked from a scheduler (cron, systemd timer).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"go.uber.org/zap"

	"clinivault.org/internal/audit"
	"clinivault.org/internal/obs"
	"clinivault.org/internal/retention"
	"clinivault.org/internal/shred"
	"clinivault.org/internal/store/pg"
)

func main() {
	obs.Init()
	log := obs.Logger()
	defer func() { _ = log.Sync() }()

	var (
		dsn      = flag.String("dsn", os.Getenv("CLINIVAULT_PG_DSN"), "PostgreSQL DSN")
		audioDir = flag.String("audio-dir", os.Getenv("CLINIVAULT_AUDIO_DIR"), "Audio file directory")
		timeout  = flag.Duration("timeout", 10*time.Minute, "Sweep deadline")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or CLINIVAULT_PG_DSN")
	}

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	rec := audit.NewRecorder(store.Audit(), log)
	mgr, err := retention.NewManager(store.Policies(), store.Notes(), rec)
	if err != nil {
		log.Fatal("retention manager", zap.Error(err))
	}
	engine, err := shred.NewEngine(mgr, store.Patients(), store.Notes(), store.Audit(), rec, *audioDir)
	if err != nil {
		log.Fatal("shred engine", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	res, err := engine.RunSweep(ctx, shred.TriggerScheduled)
	if err != nil {
		log.Fatal("sweep", zap.Error(err))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)

	if len(res.Errors) > 0 {
		os.Exit(1)
	}
}
