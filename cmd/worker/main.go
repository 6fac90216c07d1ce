// Command worker runs the reaper loop: expired instances are torn down and
// the state index is periodically resynced from the cluster. A file lock
// keeps the loop single-flight per host.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acmcyber/instancer/internal/config"
	"github.com/acmcyber/instancer/internal/engine"
	"github.com/acmcyber/instancer/internal/reaper"
	"github.com/acmcyber/instancer/internal/state"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// No logger exists before the config loads.
		os.Stderr.WriteString("worker: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	guard, err := reaper.AcquireGuard(ctx, cfg.WorkerGuardPath)
	if err != nil {
		log.Error("could not acquire worker guard", "error", err)
		os.Exit(1)
	}
	defer reaper.ReleaseGuard(log, guard)

	redisClient := cfg.RedisClient()
	defer redisClient.Close() //nolint:errcheck // process is exiting

	kube, dyn, err := cfg.KubeClients()
	if err != nil {
		log.Error("could not build cluster clients", "error", err)
		os.Exit(1)
	}

	store := state.New(redisClient)
	eng := engine.New(engine.Config{
		Kube:    kube,
		Dynamic: dyn,
		Redis:   redisClient,
		State:   store,
		Log:     log,
	})
	r := reaper.New(reaper.Config{
		Kube:           kube,
		State:          store,
		Engine:         eng,
		Log:            log,
		ResyncInterval: time.Duration(cfg.ResyncIntervalSeconds) * time.Second,
	})

	log.Info("worker running", "resync_interval_s", cfg.ResyncIntervalSeconds)
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker failed", "error", err)
		os.Exit(1)
	}
}
