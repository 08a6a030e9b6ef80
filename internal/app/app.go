// Package app wires config, policy store, history store, supervisor, and
// HTTP API into one Start/Stop lifecycle, the same top-level shape as the
// teacher's own App type -- minus the license/rule/hot-reload machinery
// that has no equivalent in a single-process filtering proxy.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"filterproxy/internal/api"
	"filterproxy/internal/config"
	"filterproxy/internal/historystore"
	"filterproxy/internal/logx"
	"filterproxy/internal/policy"
	"filterproxy/internal/supervisor"
	"filterproxy/internal/telemetry"
)

var log = logx.New(logx.WithPrefix("app"))

type App struct {
	Cfg     *config.Config
	Policy  *policy.Store
	Rec     *telemetry.Recorder
	History *historystore.Store

	supervisor *supervisor.Supervisor
	apiServer  *api.Server
	httpSrv    *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New loads config from cfgPath (empty means defaults only), opens the
// history store, and constructs the policy/telemetry/supervisor/API
// components without starting any of them.
func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logx.SetLevelString(cfg.Logging.Level)
	logx.InstallGinWriters()

	history, err := historystore.Open(cfg.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	pol := policy.NewStore()
	pol.SetEnabled(true)

	rec := telemetry.NewRecorder(cfg.RelayGracePeriod)
	rec.OnRelayClosed = history.Sink()

	supCfg := supervisor.DefaultConfig()
	supCfg.ListenAddr = cfg.ListenAddr
	supCfg.MaxConnections = cfg.MaxConnections
	supCfg.AcceptRatePerSec = cfg.AcceptRatePerSec
	supCfg.AcceptBurst = cfg.AcceptBurst
	supCfg.SnapshotInterval = cfg.SnapshotInterval
	supCfg.StatsInterval = cfg.StatsInterval
	supCfg.TelemetryPath = cfg.TelemetryPath
	supCfg.Relay.RelayTimeout = cfg.TCPRelayTimeout
	supCfg.Relay.BufferSize = cfg.RelayBufferSize
	supCfg.UDP.ReplyTimeout = cfg.UDPRelayTimeout

	sup := supervisor.New(supCfg, pol, rec)
	apiServer := api.New(rec, history)

	return &App{
		Cfg:        cfg,
		Policy:     pol,
		Rec:        rec,
		History:    history,
		supervisor: sup,
		apiServer:  apiServer,
	}, nil
}

// Start binds the supervisor's loopback listener, reporting the chosen
// port via onReady, starts the HTTP dashboard API, and begins forwarding
// each 1Hz snapshot to connected websocket clients.
func (a *App) Start(onReady func(port int)) error {
	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.supervisor.OnSnapshot = a.apiServer.PushSnapshot
	if err := a.supervisor.Start(onReady); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	a.httpSrv = &http.Server{
		Addr:    a.Cfg.HTTPAddr,
		Handler: a.apiServer.Router(),
	}
	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server error: %v", err)
		}
	}()
	log.Infof("dashboard api listening on %s", a.Cfg.HTTPAddr)

	return nil
}

func (a *App) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.supervisor.Stop()
	if a.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.httpSrv.Shutdown(ctx)
	}
	if a.History != nil {
		_ = a.History.Close()
	}
	log.Infof("app stopped")
	return nil
}
