package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"dualbot.ai/internal/catalogs"
	"dualbot.ai/internal/config"
	"dualbot.ai/internal/health"
	"dualbot.ai/internal/journal"
	"dualbot.ai/internal/lifecycle"
	"dualbot.ai/internal/randx"
	"dualbot.ai/internal/session"
	"dualbot.ai/internal/statestore"
	"dualbot.ai/internal/transport/ws"
)

func main() {
	var (
		cfgPath    = pflag.StringP("config", "c", "", "path to YAML config (defaults when empty)")
		statePath  = pflag.String("state", "", "override state.path (sqlite persona state)")
		journalDir = pflag.String("journal", "", "override journal.dir (activity journal)")
		healthAddr = pflag.String("health-addr", "", "override health.addr; \"-\" disables")
		seed       = pflag.Int64("seed", 0, "random seed (0 = time based)")
	)
	pflag.Parse()

	logger := log.New(os.Stdout, "[dualbot] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if *statePath != "" {
		cfg.State.Path = *statePath
	}
	if *journalDir != "" {
		cfg.Journal.Dir = *journalDir
	}
	if *healthAddr != "" {
		cfg.Health.Addr = *healthAddr
	}

	cat := catalogs.Default()
	if cfg.Catalog != "" {
		cat, err = catalogs.Load(cfg.Catalog)
		if err != nil {
			logger.Fatalf("catalog: %v", err)
		}
	}

	reg, err := session.NewRegistry(lifecycle.Personas(cfg), nil)
	if err != nil {
		logger.Fatalf("personas: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	env := lifecycle.Env{
		Registry: reg,
		Dialer:   ws.NewDialer(cfg.Server, cat, child(logger, "[ws] ")),
		Config:   cfg,
		Catalog:  cat,
		Rand:     rng(*seed),
		Logger:   child(logger, "[lifecycle] "),
	}

	var store *statestore.Store
	if cfg.State.Path != "" {
		store, err = statestore.Open(cfg.State.Path, child(logger, "[state] "))
		if err != nil {
			logger.Fatalf("state: %v", err)
		}
		n, err := store.Seed(ctx, reg)
		if err != nil {
			logger.Printf("state seed: %v", err)
		} else if n > 0 {
			logger.Printf("restored %d persona(s) from %s", n, cfg.State.Path)
		}
		env.Store = store
	}
	var jw *journal.Writer
	if cfg.Journal.Dir != "" {
		jw = journal.New(cfg.Journal.Dir, child(logger, "[journal] "))
		env.Journal = jw
	}

	mgr := lifecycle.New(env)

	healthDone := make(chan struct{})
	if cfg.Health.Addr != "" && cfg.Health.Addr != "-" {
		hs := health.New(mgr, child(logger, "[health] "))
		go func() {
			defer close(healthDone)
			if err := hs.Serve(ctx, cfg.Health.Addr); err != nil {
				logger.Printf("health: %v", err)
			}
		}()
	} else {
		close(healthDone)
	}

	logger.Printf("server=%s:%d personas=%d", cfg.Server.Host, cfg.Server.Port, len(reg.Personas()))
	mgr.StartCycle(ctx)

	<-ctx.Done()
	logger.Printf("shutting down")

	sctx, scancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer scancel()
	if err := mgr.Shutdown(sctx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Printf("state close: %v", err)
		}
		if d := store.Dropped(); d > 0 {
			logger.Printf("state: dropped %d snapshot(s)", d)
		}
	}
	if jw != nil {
		if err := jw.Close(); err != nil {
			logger.Printf("journal close: %v", err)
		}
	}
	<-healthDone
}

func child(parent *log.Logger, prefix string) *log.Logger {
	return log.New(parent.Writer(), prefix, parent.Flags())
}

func rng(seed int64) *randx.Source {
	if seed == 0 {
		return randx.NewTime()
	}
	return randx.New(seed)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
