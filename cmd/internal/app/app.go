// Package app wires the pairhub server runtime: config, logging, the pairing
// orchestrator and its adapters, audit persistence, HTTP routes, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pairhub/cmd/internal/adapter/bridge"
	"pairhub/cmd/internal/adapter/simulated"
	"pairhub/cmd/internal/api"
	"pairhub/cmd/internal/audit"
	"pairhub/cmd/internal/clock"
	"pairhub/cmd/internal/notify"
	"pairhub/cmd/internal/pairing"
	"pairhub/cmd/internal/realtime"
	"pairhub/cmd/security/token"
)

// Store is a small app-level lifecycle abstraction.
// It lets DB-backed resources be closed after the orchestrator has released its sessions.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used when audit persistence is disabled.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// dbStore owns the pool and the audit components built on it.
type dbStore struct {
	pool       *pgxpool.Pool
	dispatcher *audit.Dispatcher
	history    *audit.PostgresStore
}

func (s dbStore) Close(_ context.Context) error {
	// Drain queued transitions before the pool goes away.
	s.dispatcher.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// App is the pairhub server runtime.
type App struct {
	cfg Config
	log Logger
	reg *prometheus.Registry

	store     Store
	dbPing    func(context.Context) error
	dbEnabled bool

	orch    *pairing.Orchestrator
	sweeper *pairing.Sweeper
	ws      *realtime.WSGateway
	api     *api.Handler
}

// Option overrides a runtime dependency. Used by tests and embedders.
type Option func(*options)

type options struct {
	clock   clock.Clock
	adapter pairing.AuthAdapter
}

// WithClock replaces the wall clock used by the registry and simulated adapter.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithAdapter replaces the adapter selected by ADAPTER.
func WithAdapter(ad pairing.AuthAdapter) Option {
	return func(o *options) { o.adapter = ad }
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	fp, err := token.NewFingerprinter(cfg.FingerprintKey)
	if err != nil {
		return nil, err
	}

	adapter := o.adapter
	if adapter == nil {
		adapter, err = newAdapter(cfg, o.clock, log)
		if err != nil {
			return nil, err
		}
	}

	st, err := newStore(ctx, cfg, log, reg)
	if err != nil {
		return nil, err
	}
	db, dbEnabled := st.(dbStore)

	metrics, err := pairing.NewMetrics(reg)
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}
	hubDrops, err := realtime.NewDropCounter(reg)
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}
	hub := realtime.NewHub(log, realtime.WithDropCounter(hubDrops))

	orchOpts := []pairing.Option{
		pairing.WithLogger(log),
		pairing.WithBroadcaster(hub),
		pairing.WithCredentialStore(pairing.DirStore{Root: cfg.CredentialsDir}),
		pairing.WithNotifier(newNotifier(cfg, log, fp)),
		pairing.WithMetrics(metrics),
		pairing.WithFingerprinter(fp),
	}
	if dbEnabled {
		orchOpts = append(orchOpts, pairing.WithRecorder(db.dispatcher))
	}

	orch, err := pairing.NewOrchestrator(cfg.PairingConfig(), pairing.NewRegistry(o.clock, cfg.PairingConfig().Subject), adapter, orchOpts...)
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}
	sweeper := pairing.NewSweeper(orch, log)

	gcfg := cfg.GatewayConfig()
	gcfg.Clock = o.clock

	apiOpts := []api.Option{api.WithMaxBodyBytes(cfg.MaxBodyBytes)}
	if dbEnabled {
		apiOpts = append(apiOpts, api.WithHistory(db.history))
	}

	return &App{
		cfg:       cfg,
		log:       log,
		reg:       reg,
		store:     st,
		dbPing:    db.history.Ping,
		dbEnabled: dbEnabled,
		orch:      orch,
		sweeper:   sweeper,
		ws:        realtime.NewWSGateway(log, orch, gcfg),
		api:       api.NewHandler(log, orch, sweeper, apiOpts...),
	}, nil
}

// Run starts the HTTP server and the sweeper, and blocks until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		a.sweeper.Run(sweepCtx)
	}()

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"adapter", a.cfg.Adapter,
		"db_enabled", a.dbEnabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	stopSweep()
	<-sweepDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	// Sessions release their adapter handles and credential directories here.
	if err := a.orch.Shutdown(shutdownCtx); err != nil {
		a.log.Error("pairing.shutdown.fail", "err", err)
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func newAdapter(cfg Config, clk clock.Clock, log Logger) (pairing.AuthAdapter, error) {
	switch cfg.Adapter {
	case AdapterBridge:
		header := http.Header{}
		if tok := strings.TrimSpace(cfg.BridgeToken); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
		return bridge.New(bridge.Config{URL: cfg.BridgeURL, Header: header}, log)
	default:
		log.Info("adapter.simulated", "credential_delay", cfg.SimCredentialDelay, "connect_delay", cfg.SimConnectDelay)
		return simulated.New(simulated.Config{
			CredentialDelay: cfg.SimCredentialDelay,
			ConnectDelay:    cfg.SimConnectDelay,
		}, clk), nil
	}
}

func newNotifier(cfg Config, log Logger, fp *token.Fingerprinter) pairing.Notifier {
	n := notify.Multi{notify.NewLogNotifier(log, fp)}
	if strings.TrimSpace(cfg.SMSAPIKey) != "" {
		n = append(n, notify.NewSMSClient(cfg.SMSAPIKey, cfg.SMSBaseURL, cfg.SMSSender))
	}
	return n
}

// newStore decides between Postgres-backed audit persistence and none.
func newStore(ctx context.Context, cfg Config, log Logger, reg prometheus.Registerer) (Store, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Info("db.disabled.audit_off")
		return nopStore{}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	st, err := audit.NewPostgresStore(pool, audit.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, err
	}
	drops, err := audit.NewDropCounter(reg)
	if err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("db.enabled.audit_postgres", "schema", cfg.DBSchema)

	// The app owns the pool; the store only borrows it.
	dispatcher := audit.NewDispatcher(st,
		audit.WithBufferSize(cfg.AuditBufferSize),
		audit.WithLogger(log),
		audit.WithDropCounter(drops),
	)
	return dbStore{pool: pool, dispatcher: dispatcher, history: st}, nil
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to its ws(s) counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
