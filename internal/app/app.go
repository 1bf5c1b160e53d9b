// Package app wires the delivery engine together: config, logging, storage,
// transport, supervision, and the operator API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"psinotify/internal/alert"
	"psinotify/internal/config"
	"psinotify/internal/engine"
	"psinotify/internal/eventbus"
	"psinotify/internal/httpapi"
	"psinotify/internal/metrics"
	"psinotify/internal/queue"
	"psinotify/internal/reconnect"
	"psinotify/internal/runtime/supervisor"
	"psinotify/internal/session"
	"psinotify/internal/source/sqlite"
	"psinotify/internal/transport"
	"psinotify/internal/transport/gateway"
	"psinotify/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	queue   *queue.Queue
	store   *sqlite.Store
	session *session.Store
	adapter *gateway.Adapter
	mets    *metrics.Collector
	recon   *reconnect.Supervisor
	eng     *engine.Engine
	alerts  *alert.Notifier

	httpSrv *http.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	// The gateway adapter and session store are built once from the startup
	// config; reloads that move the endpoint would silently desync them.
	boot := *cfg
	cfgm.SetValidator(func(next *config.Config) error {
		if next.Gateway.BaseURL != boot.Gateway.BaseURL ||
			next.Gateway.ClientID != boot.Gateway.ClientID {
			return errors.New("gateway.base_url/client_id changes require a restart")
		}
		return nil
	})

	bus := eventbus.New()

	q := queue.New(queue.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffUnit: config.DurationOr(cfg.Queue.BackoffUnit, 30*time.Second),
		MaxDepth:    cfg.Queue.MaxDepth,
	}, log.With(logx.String("comp", "queue")))

	store, err := sqlite.Open(sqlite.Config{
		Path:        cfg.Source.Path,
		BusyTimeout: config.DurationOr(cfg.Source.BusyTimeout, 5*time.Second),
	}, log.With(logx.String("comp", "source")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("app: open notification store: %w", err)
	}

	sess, err := session.NewStore(cfg.Session.Dir, cfg.Gateway.ClientID,
		log.With(logx.String("comp", "session")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("app: session store: %w", err)
	}

	adapter, err := gateway.New(gateway.Config{
		BaseURL:     cfg.Gateway.BaseURL,
		ClientID:    cfg.Gateway.ClientID,
		Token:       cfg.Gateway.Token,
		DialTimeout: config.DurationOr(cfg.Gateway.DialTimeout, 15*time.Second),
		HTTPTimeout: config.DurationOr(cfg.Gateway.HTTPTimeout, 10*time.Second),
	}, log.With(logx.String("comp", "gateway")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("app: gateway adapter: %w", err)
	}

	mets := metrics.New(metrics.Config{
		Interval: config.DurationOr(cfg.Metrics.Interval, time.Minute),
	}, bus, q, log.With(logx.String("comp", "metrics")))

	alerts, err := alert.New(alert.Config{
		Enabled:    cfg.Alerts.Telegram.Enabled,
		Token:      cfg.Alerts.Telegram.Token,
		ChatID:     cfg.Alerts.Telegram.ChatID,
		RatePerMin: cfg.Alerts.Telegram.RatePerMin,
	}, log.With(logx.String("comp", "alert")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("app: alert notifier: %w", err)
	}

	recon := reconnect.New(reconnect.Config{
		BaseInterval:   config.DurationOr(cfg.Reconnect.BaseInterval, 5*time.Second),
		MaxDelay:       config.DurationOr(cfg.Reconnect.MaxDelay, 5*time.Minute),
		MaxAttempts:    cfg.Reconnect.MaxAttempts,
		HealthInterval: config.DurationOr(cfg.Reconnect.HealthInterval, 30*time.Second),
	}, adapter, bus, sess, alerts.Notify, log.With(logx.String("comp", "reconnect")))

	eng := engine.New(engine.Config{
		DispatchTick: config.DurationOr(cfg.Engine.DispatchTick, time.Second),
		SendTimeout:  config.DurationOr(cfg.Engine.SendTimeout, 30*time.Second),
		RatePerMin:   cfg.Engine.RatePerMin,
		PullSpec:     cfg.Engine.PullSpec,
		PullLimit:    cfg.Engine.PullLimit,
		BackupSpec:   cfg.Session.BackupSpec,
	}, adapter, bus, q, store, mets, sess, alerts.Notify, log.With(logx.String("comp", "engine")))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		queue:   q,
		store:   store,
		session: sess,
		adapter: adapter,
		mets:    mets,
		recon:   recon,
		eng:     eng,
		alerts:  alerts,
	}

	if cfg.HTTP.Enabled {
		addr := cfg.HTTP.Address
		if addr == "" {
			addr = "127.0.0.1:8780"
		}
		a.httpSrv = &http.Server{
			Addr: addr,
			Handler: httpapi.NewRouter(httpapi.Deps{
				Sender:  eng,
				Bot:     recon,
				Session: sess,
				Queue:   q,
				Metrics: mets,
				Devices: eng,
				State:   adapter.State,
				Token:   cfg.HTTP.Token,
				Log:     log.With(logx.String("comp", "http")),
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return a, nil
}

// Start launches all long-running components under the app supervisor.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	// Best-effort session diagnostic: shows whether we expect to resume a
	// paired session or go through pairing again.
	if info, ok, err := a.session.Load(); err != nil {
		a.log.Warn("stored session unreadable", logx.Err(err))
	} else if ok {
		a.log.Info("stored session found",
			logx.String("address", info.Address),
			logx.Time("last_backup", info.LastBackupAt))
	} else {
		a.log.Info("no stored session; pairing will be required")
	}

	a.alerts.Start()

	// The event sink must be installed before the reconnect supervisor makes
	// its first connect attempt, or an early ready frame is lost.
	if err := a.eng.Attach(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("engine", a.eng.Run)
	a.sup.Go0("reconnect", a.recon.Run)
	a.sup.Go0("metrics", a.mets.Run)
	a.sup.GoRestart("config-watch", time.Second, 30*time.Second, a.cfgm.Watch)
	a.sup.Go0("config-apply", a.applyConfigUpdates)

	if a.httpSrv != nil {
		srv := a.httpSrv
		a.sup.Go("http", func(ctx context.Context) error {
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			select {
			case <-ctx.Done():
				shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		})
		a.log.Info("operator api listening", logx.String("addr", srv.Addr))
	}

	a.sup.Go0("watchdog", watchdogLoop)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	a.log.Info("notifyd started")
	return nil
}

// applyConfigUpdates handles hot-reloadable settings. Most components read
// their config once at startup; logging is the one concern worth swapping
// live.
func (a *App) applyConfigUpdates(ctx context.Context) {
	updates := a.cfgm.Subscribe(2)
	defer a.cfgm.Unsubscribe(updates)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("logging config applied", logx.String("level", cfg.Logging.Level))
		}
	}
}

// watchdogLoop pings systemd's watchdog at half the configured interval.
// No-op outside systemd units with WatchdogSec set.
func watchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Stop shuts everything down in dependency order: stop accepting work,
// drain goroutines, destroy the transport, then close storage and logging.
// Queued messages are dropped on purpose; the notification store re-feeds
// them on the next start.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	var errs []error
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}

	destroyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := a.adapter.Destroy(destroyCtx); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		errs = append(errs, err)
	}
	cancel()
	if n := a.adapter.DroppedEvents(); n > 0 {
		a.log.Warn("message events were dropped during this run", logx.Any("count", n))
	}

	a.alerts.Stop()
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	a.log.Info("notifyd stopped")
	if err := a.logs.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
