package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devhowyalike/rapgpt-sub001/internal/autoplay"
	"github.com/devhowyalike/rapgpt-sub001/internal/clock"
	"github.com/devhowyalike/rapgpt-sub001/internal/config"
	"github.com/devhowyalike/rapgpt-sub001/internal/dispatch"
	"github.com/devhowyalike/rapgpt-sub001/internal/generator"
	"github.com/devhowyalike/rapgpt-sub001/internal/httpapi"
	"github.com/devhowyalike/rapgpt-sub001/internal/hub"
	"github.com/devhowyalike/rapgpt-sub001/internal/live"
	"github.com/devhowyalike/rapgpt-sub001/internal/logger"
	"github.com/devhowyalike/rapgpt-sub001/internal/metrics"
	"github.com/devhowyalike/rapgpt-sub001/internal/registry"
	"github.com/devhowyalike/rapgpt-sub001/internal/relay"
	"github.com/devhowyalike/rapgpt-sub001/internal/stats"
	"github.com/devhowyalike/rapgpt-sub001/internal/store"
	"github.com/devhowyalike/rapgpt-sub001/internal/supervisor"
	"github.com/devhowyalike/rapgpt-sub001/internal/ws"
	"github.com/devhowyalike/rapgpt-sub001/pkg/protocol"
)

// shutdownGrace bounds how long viewers get between the shutdown warning and
// the broadcast ending.
const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load(".env", os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "rapgpt-live"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startedAt := time.Now()
	clk := clock.Real{}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	st, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	gen, err := generator.New(generator.Config{
		Provider: cfg.GeneratorProvider,
		Model:    cfg.GeneratorModel,
		URL:      cfg.GeneratorURL,
		APIKey:   cfg.GeneratorAPIKey,
	}, log)
	if err != nil {
		return err
	}
	gen = generator.WithBreaker(gen, log)

	// Rooms and connections outlive the signal context so shutdown can still
	// warn and drain them.
	base := context.Background()
	h := hub.NewHub(base, clk, log, m)
	defer h.Close()
	reg := registry.New(clk, log, m)
	disp := dispatch.New(reg, clk, log, m)

	var rl *relay.Redis
	if cfg.RedisURL != "" {
		rc, err := relay.Open(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rc.Close()
		rl = relay.New(rc, disp, log)
		disp.SetRelay(rl)
	}

	svc := live.NewService(base, st, disp, gen, clk, log, m, live.Options{StreamThrottle: cfg.StreamThrottle})
	defer svc.Close()
	sched := autoplay.New(base, svc, clk, log)
	defer sched.Stop()
	svc.OnChange(sched.Evaluate)

	supCfg := supervisor.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		InactivityTimeout: cfg.RoomInactivityTimeout,
		AdminGracePeriod:  cfg.AdminGracePeriod,
		MaxLifetime:       cfg.MaxRoomLifetime,
		WarningLead:       cfg.WarningLead,
	}
	sup := supervisor.New(supCfg, h, reg, svc, clk, log)

	wsSrv := ws.NewServer(h, reg, svc, clk, log, ws.Config{SendBuffer: cfg.SendBuffer})
	reg.SetHooks(registry.Hooks{
		Activity:     h.Touch,
		Unregistered: wsSrv.OnUnregistered,
	})

	var provider stats.Provider = stats.NewInProcess(h, reg, supCfg, startedAt)
	if cfg.StatsSource == "remote" {
		provider = stats.NewRemote(cfg.StatsURL, nil)
	}

	if err := svc.Recover(ctx, h); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.SetupRoutes(httpapi.Deps{
			Live:    svc,
			Stats:   provider,
			Metrics: m.Handler(),
			WS:      wsSrv,
			Log:     log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return sup.Run(gctx) })
	if rl != nil {
		g.Go(func() error { return rl.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(srv, h, reg, sup, svc, cfg.WarningLead, log)
	})
	return g.Wait()
}

func openStore(cfg config.Config, log *zap.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Info("using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.OpenPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	log.Info("using postgres store")
	return pg, func() {
		if err := pg.Close(); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	}, nil
}

// shutdown warns every room, ends live broadcasts as a system ending so
// admins auto-resume after the restart, then closes sockets and the listener.
func shutdown(srv *http.Server, h *hub.Hub, reg *registry.Registry, sup *supervisor.Supervisor, svc *live.Service, lead time.Duration, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace+15*time.Second)
	defer cancel()

	grace := min(lead, shutdownGrace)
	log.Info("shutting down", zap.Duration("grace", grace))
	sup.ShutdownWarning(ctx, grace)
	time.Sleep(grace)

	var errs error
	rooms, err := h.Rooms(ctx)
	errs = multierr.Append(errs, err)
	for _, r := range rooms {
		if _, err := svc.EndLive(ctx, r.BattleID, string(protocol.WarnServerShutdown), protocol.InitiatedBySystem); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("end %s: %w", r.BattleID, err))
		}
		reg.CloseRoom(r.BattleID)
	}
	errs = multierr.Append(errs, srv.Shutdown(ctx))
	if errs != nil {
		log.Warn("unclean shutdown", zap.Error(errs))
	}
	return nil
}
