package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/sessiond/pkg/config"
	"github.com/arzzra/sessiond/pkg/dispatch"
	"github.com/arzzra/sessiond/pkg/logger"
	"github.com/arzzra/sessiond/pkg/manager"
	"github.com/arzzra/sessiond/pkg/metrics"
	"github.com/arzzra/sessiond/pkg/mixer"
	"github.com/arzzra/sessiond/pkg/sdpmedia"
	"github.com/arzzra/sessiond/pkg/session"
	"github.com/arzzra/sessiond/pkg/signaling"
	"github.com/arzzra/sessiond/pkg/sipgw"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Запустить менеджер сессий",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logger.New(loggerConfig(cfg.Log))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// транспорт P2P сигнализации внешний; без него P2P аккаунты отклоняются
			d, err := newDaemon(cfg, log, prometheus.NewRegistry(), nil)
			if err != nil {
				return err
			}
			return d.run(ctx)
		},
	}
}

// daemon собранный процесс: очередь событий, менеджер, шлюзы аккаунтов
type daemon struct {
	cfg      config.Config
	log      logger.StructuredLogger
	registry *prometheus.Registry

	queue    *dispatch.Queue
	manager  *manager.Manager
	media    *sdpmedia.Negotiator
	mixer    *mixer.Mixer
	gateways []*sipgw.Gateway
	p2p      signaling.Sink
}

// errNoP2PTransport P2P аккаунт без внешнего транспорта сигнализации
var errNoP2PTransport = errors.New("p2p account requires an external signaling transport")

// newDaemon собирает процесс. p2p принимает сигнализацию P2P аккаунтов
// для внешнего транспорта; nil запрещает такие аккаунты.
func newDaemon(cfg config.Config, log logger.StructuredLogger, reg *prometheus.Registry, p2p signaling.Sink) (*daemon, error) {
	mediaCfg, err := mediaConfig(cfg.Media)
	if err != nil {
		return nil, err
	}
	negotiator, err := sdpmedia.NewNegotiator(mediaCfg)
	if err != nil {
		return nil, err
	}

	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d := &daemon{
		cfg:      cfg,
		log:      log.WithComponent("daemon"),
		registry: reg,
		media:    negotiator,
		mixer:    mixer.New(),
		p2p:      p2p,
	}

	d.queue = dispatch.New(dispatchConfig(cfg.Dispatch), func(ctx context.Context, ev signaling.Event) {
		d.manager.Dispatch(ctx, ev)
	})
	d.manager, err = manager.New(managerConfig(cfg.Manager), manager.Deps{
		Media:  negotiator,
		Mixer:  d.mixer,
		Logger: log,
		Metrics: metrics.New(metrics.Config{
			Enabled:    cfg.Metrics.Enabled,
			Namespace:  cfg.Metrics.Namespace,
			Subsystem:  "manager",
			Registerer: reg,
		}),
		Post: d.queue.Post,
	})
	if err != nil {
		return nil, err
	}

	for _, acc := range cfg.Accounts {
		if err := d.addAccount(acc); err != nil {
			d.close()
			return nil, fmt.Errorf("account %s: %w", acc.ID, err)
		}
	}
	return d, nil
}

// addAccount регистрирует аккаунт. Сигнализация P2P аккаунтов уходит
// во внешний транспорт через RelayGateway.
func (d *daemon) addAccount(acc config.Account) error {
	kind, err := accountKind(acc.Kind)
	if err != nil {
		return err
	}
	var gw signaling.Gateway
	switch kind {
	case session.KindSIP:
		sgw, err := sipgw.New(sipConfig(acc), d.queue, d.log)
		if err != nil {
			return err
		}
		d.gateways = append(d.gateways, sgw)
		gw = sgw
	default:
		if d.p2p == nil {
			return errNoP2PTransport
		}
		if gw, err = signaling.NewRelayGateway(d.p2p); err != nil {
			return err
		}
	}
	return d.manager.RegisterAccount(manager.Account{
		ID:      session.AccountID(acc.ID),
		Kind:    kind,
		Gateway: gw,
	})
}

// run работает до отмены ctx или первой ошибки компонента
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.queue.Run(gctx) })
	g.Go(func() error { return d.manager.RunSweeper(gctx) })
	for _, gw := range d.gateways {
		g.Go(func() error { return gw.Serve(gctx) })
	}
	if d.cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              d.cfg.Metrics.Listen,
			Handler:           d.metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			d.log.Info(gctx, "metrics listener started", logger.String("listen", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	d.log.Info(ctx, "sessiond started",
		logger.Int("accounts", len(d.manager.Accounts())),
		logger.String("version", version))
	err := g.Wait()
	d.close()
	d.log.Info(context.Background(), "sessiond stopped", logger.Int("sessions", d.manager.SessionCount()))
	return err
}

func (d *daemon) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{Registry: d.registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok sessions=%d conferences=%d\n", d.manager.SessionCount(), len(d.manager.ConferenceList()))
	})
	return mux
}

func (d *daemon) close() {
	d.queue.Close()
	for _, gw := range d.gateways {
		if err := gw.Close(); err != nil {
			d.log.Warn(context.Background(), "sip gateway close failed", logger.Err(err))
		}
	}
}
