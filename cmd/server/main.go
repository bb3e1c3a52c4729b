package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/CamSignal/internal/adapters/http"
	"github.com/dkeye/CamSignal/internal/adapters/managedcloud"
	"github.com/dkeye/CamSignal/internal/adapters/pull"
	"github.com/dkeye/CamSignal/internal/adapters/push"
	"github.com/dkeye/CamSignal/internal/adapters/relay"
	"github.com/dkeye/CamSignal/internal/adapters/rtc"
	wshub "github.com/dkeye/CamSignal/internal/adapters/signal"
	"github.com/dkeye/CamSignal/internal/app"
	"github.com/dkeye/CamSignal/internal/app/heartbeat"
	"github.com/dkeye/CamSignal/internal/app/ice"
	"github.com/dkeye/CamSignal/internal/app/orch"
	"github.com/dkeye/CamSignal/internal/app/pushbroker"
	"github.com/dkeye/CamSignal/internal/config"
	"github.com/dkeye/CamSignal/internal/core"
	"github.com/dkeye/CamSignal/internal/discovery"
	"github.com/dkeye/CamSignal/internal/domain"
	"github.com/dkeye/CamSignal/internal/metrics"
)

const (
	shutdownTimeout = 5 * time.Second
	pollInterval    = 5 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, loader, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())
	loader.Watch(func(c *config.Config) {
		zerolog.SetGlobalLevel(c.Level())
	})

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

type relayLink struct {
	adapter    *relay.Adapter
	supervisor *heartbeat.Supervisor
}

func newRelayLink(cfg config.RelayConfig, clk clock.Clock) *relayLink {
	a := relay.New(cfg.Client)
	sup := heartbeat.NewSupervisor(a, cfg.Heartbeat, clk)
	a.OnPong(sup.Ack)
	a.OnDown(sup.Lost)
	sup.OnLost(a.NotifyLost)
	sup.OnUnreachable(func(err error) {
		a.NotifyLost(errors.Wrap(domain.ErrRelayUnreachable, err.Error()))
	})
	sup.OnRestored(func() {
		log.Info().Str("module", "main").Str("url", cfg.Client.URL).Msg("relay restored")
	})
	return &relayLink{adapter: a, supervisor: sup}
}

func newCloud(cfg config.CloudConfig, clk clock.Clock) *managedcloud.Adapter {
	disc := &managedcloud.HTTPDiscoverer{
		URL:      cfg.DiscoveryURL,
		Region:   cfg.Region,
		Role:     cfg.Role,
		ClientID: cfg.ClientID,
		Creds: managedcloud.StaticCredentials{
			AccessKey: cfg.AccessKey,
			Secret:    cfg.SecretKey,
			Token:     cfg.SessionToken,
		},
		Client: &http.Client{Timeout: cfg.DialTimeout},
	}
	cached := managedcloud.NewCachingDiscoverer(disc, clk, cfg.CacheSize, cfg.CacheTTL)
	return managedcloud.New(cfg.Config, cached, clk)
}

func run(ctx context.Context, cfg *config.Config) error {
	clk := clock.New()

	media, err := rtc.NewFactory(cfg.RTC, clk)
	if err != nil {
		return errors.Wrap(err, "media factory")
	}
	hub := wshub.NewHub(cfg.Hub, clk, app.SimplePolicy{})
	broker := pushbroker.New(clk)

	var (
		transports []core.Transport
		link       *relayLink
		pushed     *push.Adapter
	)
	if cfg.Relay.Enabled {
		link = newRelayLink(cfg.Relay, clk)
		transports = append(transports, link.adapter)
	}
	if cfg.Push.Enabled {
		pushed = push.New(cfg.Push.Config, broker)
		transports = append(transports, pushed)
	}
	if cfg.Pull.Enabled {
		transports = append(transports, pull.New(cfg.Pull.Config, &http.Client{Timeout: cfg.Pull.Timeout}))
	}
	if cfg.Cloud.Enabled {
		transports = append(transports, newCloud(cfg.Cloud, clk))
	}

	sessCfg := cfg.Session.Config
	sessCfg.ICEServers = cfg.RTC.Servers()
	o := orch.New(sessCfg, clk, media, ice.NewPolicy(clk, cfg.Session.GatherTimeout), transports...)

	deps := router.Deps{
		Orch: o,
		Hub:  hub,
		Push: pushed,
		Targets: func() []domain.TargetID {
			targets := hub.Targets()
			if link != nil {
				targets = append(targets, link.adapter.Targets()...)
			}
			targets = lo.Uniq(targets)
			slices.Sort(targets)
			return targets
		},
	}
	if link != nil {
		deps.Health = link.supervisor.Health
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		if collector, err = metrics.New(reg); err != nil {
			return errors.Wrap(err, "metrics")
		}
		broker.OnOutcome(collector.ObservePush)
		deps.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	g, gctx := errgroup.WithContext(ctx)

	r := router.SetupRouter(gctx, router.Options{Mode: cfg.Mode, Secret: cfg.Secret, MetricsPath: cfg.Metrics.Path}, deps)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g.Go(func() error {
		log.Info().Str("addr", addr).Strs("transports", lo.Map(o.Transports(), func(k domain.TransportKind, _ int) string { return string(k) })).Msg("CamSignal server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error { return o.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	if link != nil {
		g.Go(func() error { return link.supervisor.Run(gctx) })
	}
	if collector != nil {
		events, unsubscribe := o.Subscribe()
		g.Go(func() error {
			defer unsubscribe()
			return collector.Run(gctx, events)
		})
		g.Go(func() error {
			t := clk.Ticker(pollInterval)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					collector.ObserveSessions(o.Sessions())
					if link != nil {
						collector.ObserveRelay(link.supervisor.Health())
					}
				}
			}
		})
	}

	var adv *discovery.Advertiser
	if cfg.Discovery.Enabled {
		adv = discovery.NewAdvertiser(cfg.Discovery)
		if err := adv.Start(cfg.Port); err != nil {
			log.Warn().Err(err).Str("module", "main").Msg("mdns advertisement disabled")
		}
	}

	<-gctx.Done()
	log.Info().Msg("Shutting down")

	if adv != nil {
		adv.Close()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownErr := srv.Shutdown(shutdownCtx)
	if link != nil {
		link.adapter.Shutdown()
	}
	if n := broker.Len(); n > 0 {
		log.Info().Int("pending", n).Msg("pending push requests dropped")
	}
	return multierr.Combine(g.Wait(), shutdownErr)
}
