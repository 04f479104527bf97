package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BTreeMap/FunnelPipe/internal/activity"
	"github.com/BTreeMap/FunnelPipe/internal/api"
	"github.com/BTreeMap/FunnelPipe/internal/delivery"
	"github.com/BTreeMap/FunnelPipe/internal/evolution"
	"github.com/BTreeMap/FunnelPipe/internal/flow"
	"github.com/BTreeMap/FunnelPipe/internal/gateway"
	"github.com/BTreeMap/FunnelPipe/internal/idempotency"
	"github.com/BTreeMap/FunnelPipe/internal/lockfile"
	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/recovery"
	"github.com/BTreeMap/FunnelPipe/internal/scheduler"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/BTreeMap/FunnelPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FunnelPipe/internal/whatsapp"
)

// gatewayStack is the router over all configured instances, plus the inbound
// sources of instances that push messages themselves.
type gatewayStack struct {
	router  *gateway.Router
	sources []messaging.Source
	closers []func()
}

// Close releases every instance client.
func (g *gatewayStack) Close() {
	for _, c := range g.closers {
		c()
	}
}

// buildGateway creates one client per instance spec and registers them in order.
func buildGateway(config Config, flags Flags, specs []InstanceSpec) (*gatewayStack, error) {
	g := &gatewayStack{router: gateway.NewRouter()}
	for _, spec := range specs {
		var client gateway.InstanceClient
		switch spec.Driver {
		case DriverEvolution:
			c, err := evolution.NewClient(config.EvolutionBaseURL, config.EvolutionAPIKey, spec.Name, buildEvolutionOptions(config)...)
			if err != nil {
				g.Close()
				return nil, fmt.Errorf("instance %s: %w", spec.Name, err)
			}
			client = c
		case DriverTwilio:
			c, err := twiliowhatsapp.NewClient(
				twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
				twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
				twiliowhatsapp.WithFromWhats(config.TwilioFrom),
			)
			if err != nil {
				g.Close()
				return nil, fmt.Errorf("instance %s: %w", spec.Name, err)
			}
			client = c
		case DriverWhatsmeow:
			c, err := whatsapp.NewClient(buildWhatsAppOptions(config, flags, spec.Name)...)
			if err != nil {
				g.Close()
				return nil, fmt.Errorf("instance %s: %w", spec.Name, err)
			}
			client = c
			g.sources = append(g.sources, c)
			g.closers = append(g.closers, c.Close)
		default:
			g.Close()
			return nil, fmt.Errorf("instance %s: unknown driver %q", spec.Name, spec.Driver)
		}
		if err := g.router.Register(spec.Name, client); err != nil {
			g.Close()
			return nil, err
		}
		slog.Info("Gateway instance configured", "instance", spec.Name, "driver", spec.Driver)
	}
	return g, nil
}

// buildGuard selects the idempotency backend. The returned func releases it.
func buildGuard(ctx context.Context, config Config, st store.Store) (idempotency.Guard, func(), error) {
	switch config.IdempotencyBackend {
	case BackendMemory, "":
		return idempotency.NewMemoryGuard(), func() {}, nil
	case BackendStore:
		return idempotency.NewStoreGuard(st), func() {}, nil
	case BackendRedis:
		if config.RedisAddr == "" {
			return nil, nil, fmt.Errorf("REDIS_ADDR is required for the redis idempotency backend")
		}
		g, err := idempotency.NewRedisGuard(ctx, buildRedisOpts(config))
		if err != nil {
			return nil, nil, err
		}
		return g, func() {
			if err := g.Close(); err != nil {
				slog.Warn("Failed to close redis guard", "error", err)
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown idempotency backend %q", config.IdempotencyBackend)
}

// seedDefaultFunnels saves each built-in funnel the store does not have yet.
// Funnels edited through the API are left untouched.
func seedDefaultFunnels(st store.FunnelStore) (int, error) {
	seeded := 0
	for _, f := range models.DefaultFunnels() {
		existing, err := st.GetFunnel(f.ID)
		if err != nil {
			return seeded, fmt.Errorf("failed to look up funnel %s: %w", f.ID, err)
		}
		if existing != nil {
			continue
		}
		if err := st.SaveFunnel(f); err != nil {
			return seeded, fmt.Errorf("failed to seed funnel %s: %w", f.ID, err)
		}
		seeded++
	}
	return seeded, nil
}

// run wires every module and serves the API until SIGINT or SIGTERM.
func run(config Config, flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release state directory lock", "error", err)
		}
	}()

	st, err := store.Open(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	seeded, err := seedDefaultFunnels(st)
	if err != nil {
		return err
	}
	slog.Debug("Default funnels checked", "seeded", seeded)

	feed, err := activity.NewFeed(activity.DefaultCapacity)
	if err != nil {
		return fmt.Errorf("failed to create activity feed: %w", err)
	}
	defer feed.Close()

	specs, err := parseInstanceSpecs(*flags.instances)
	if err != nil {
		return err
	}
	gw, err := buildGateway(config, flags, specs)
	if err != nil {
		return err
	}
	defer gw.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	guard, closeGuard, err := buildGuard(ctx, config, st)
	if err != nil {
		return err
	}
	defer closeGuard()

	acks := delivery.NewAckTracker()
	dispatcherOpts := []delivery.Option{delivery.WithNotifier(feed)}
	if config.AckTimeout > 0 {
		dispatcherOpts = append(dispatcherOpts, delivery.WithAckTracker(acks, config.AckTimeout))
	}
	dispatcher := delivery.NewDispatcher(gw.router, gw.router.Instances(), st, dispatcherOpts...)

	flowOpts := append(buildFlowOptions(config),
		flow.WithNotifier(feed),
		flow.WithPresence(delivery.NewPresenceSimulator(gw.router, dispatcher)),
		flow.WithBaseContext(ctx),
	)
	orch := flow.NewOrchestrator(st, guard, dispatcher, flowOpts...)
	defer orch.Stop()

	rm := recovery.NewRecoveryManager(st)
	rm.RegisterRecoverable(orch)
	rm.RegisterTimerRecovery(recovery.TimerRecoveryHandler(ctx, orch))
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Recovery finished with errors", "error", err)
	}

	inbound := messaging.NewInboundHandler(orch, messaging.WithAckTracker(acks), messaging.WithNotifier(feed))
	for _, src := range gw.sources {
		go inbound.Pump(ctx, src)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(config.StallReportCron, scheduler.StallReport(orch, feed, config.StallAfter)); err != nil {
		return err
	}

	srv, err := api.NewServer(api.Deps{
		Engine:  orch,
		Funnels: st,
		Sticky:  st,
		Sender:  dispatcher,
		Inbound: inbound,
		Feed:    feed,
		Acks:    acks,
	}, buildAPIOptions(config, flags)...)
	if err != nil {
		return err
	}

	feed.Publish("SYSTEM_STARTED", "FunnelPipe started", map[string]any{
		"instances": gw.router.Instances(),
		"addr":      srv.Addr(),
	})
	slog.Info("FunnelPipe started", "addr", srv.Addr(), "instances", len(specs), "idempotency", config.IdempotencyBackend)
	return srv.Run(ctx)
}
