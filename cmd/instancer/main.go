// Command instancer serves the challenge instancer HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acmcyber/instancer/internal/api"
	"github.com/acmcyber/instancer/internal/catalog"
	"github.com/acmcyber/instancer/internal/config"
	"github.com/acmcyber/instancer/internal/engine"
	"github.com/acmcyber/instancer/internal/state"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// No logger exists before the config loads.
		os.Stderr.WriteString("instancer: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := cfg.RedisClient()
	defer redisClient.Close() //nolint:errcheck // process is exiting

	db, err := cfg.OpenDatabase()
	if err != nil {
		log.Error("could not open catalog database", "error", err)
		os.Exit(1)
	}
	defer db.Close() //nolint:errcheck // process is exiting

	kube, dyn, err := cfg.KubeClients()
	if err != nil {
		log.Error("could not build cluster clients", "error", err)
		os.Exit(1)
	}

	store := state.New(redisClient)
	cat := catalog.New(db, store, log)
	if err := cat.InitSchema(ctx); err != nil {
		log.Error("could not initialize catalog schema", "error", err)
		os.Exit(1)
	}

	eng := engine.New(engine.Config{
		Kube:    kube,
		Dynamic: dyn,
		Redis:   redisClient,
		State:   store,
		Log:     log,
	})
	server := api.New(api.Config{
		Catalog:       cat,
		Engine:        eng,
		State:         store,
		Log:           log,
		AdminToken:    cfg.AdminToken,
		ChallengeHost: cfg.ChallengeHost,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown was not clean", "error", err)
		}
	}()

	log.Info("instancer API listening", "addr", cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}
