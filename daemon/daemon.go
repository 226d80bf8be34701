// Package daemon wires the tracker together: the ledger store, the directory, the indexer,
// the protocol server with its monitor, and the HTTP endpoints for health and metrics.
package daemon

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/services/directory"
	"github.com/bsv-blockchain/tracker/services/indexer"
	"github.com/bsv-blockchain/tracker/services/monitor"
	"github.com/bsv-blockchain/tracker/services/tracker"
	"github.com/bsv-blockchain/tracker/settings"
	"github.com/bsv-blockchain/tracker/stores/ledger/factory"
	"github.com/bsv-blockchain/tracker/ulogger"
	"github.com/bsv-blockchain/tracker/util/health"
	"github.com/bsv-blockchain/tracker/util/supervisor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

type Daemon struct {
	Ctx           context.Context
	loggerFactory func(serviceName string) ulogger.Logger
	nodeFactory   func(logger ulogger.Logger, tSettings *settings.Settings) (indexer.NodeClient, error)
	dialer        monitor.Dialer

	mu         sync.RWMutex
	cancel     context.CancelFunc
	supervisor *supervisor.Supervisor
	server     *tracker.Server
	healthAddr net.Addr
}

func New(opts ...Option) *Daemon {
	d := &Daemon{
		Ctx: context.Background(),
		loggerFactory: func(serviceName string) ulogger.Logger {
			return ulogger.New(serviceName)
		},
		nodeFactory: indexer.NewRPCNode,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Start builds every subsystem and blocks until the daemon is stopped, a signal arrives or
// a subsystem exhausts its restarts. readyCh, if given, is closed once everything is up.
func (d *Daemon) Start(logger ulogger.Logger, tSettings *settings.Settings, readyCh ...chan struct{}) error {
	ctx, cancel := context.WithCancel(d.Ctx)
	defer cancel()

	store, err := factory.NewStore(ctx, d.loggerFactory("ledger"), tSettings, tSettings.Directory.StoreURL)
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnf("[Daemon] error closing ledger store: %v", err)
		}
	}()

	node, err := d.nodeFactory(d.loggerFactory("indexer"), tSettings)
	if err != nil {
		return err
	}

	dialer := d.dialer
	if dialer == nil {
		dialer = monitor.NewSocksDialer(tSettings)
	}

	directoryService := directory.NewService(d.loggerFactory("directory"), tSettings, store)
	directoryClient := directoryService.Client()

	idx := indexer.New(d.loggerFactory("indexer"), tSettings, node, directoryClient)
	mon := monitor.New(d.loggerFactory("monitor"), tSettings, directoryClient, dialer)
	server := tracker.New(d.loggerFactory("server"), tSettings, directoryClient, mon)

	sup := supervisor.New(d.loggerFactory("supervisor"), supervisor.PolicyFromSettings(tSettings))

	// directory first: the others talk to it as soon as they start
	for _, sub := range []supervisor.Subsystem{directoryService, idx, server} {
		if err = sup.Add(sub); err != nil {
			return err
		}
	}

	sup.CancelOnSignal(ctx, cancel)

	listener, err := net.Listen("tcp", tSettings.HealthListenAddress)
	if err != nil {
		return errors.NewServiceError("[Daemon] could not listen on %s", tSettings.HealthListenAddress, err)
	}

	checks := []health.Check{
		{Name: "Supervisor", Check: sup.Health},
		{Name: "Directory", Check: directoryService.Health},
		{Name: "TrackerServer", Check: server.Health},
	}

	httpServer := &http.Server{
		Handler:           d.mux(tSettings, checks),
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	d.mu.Lock()
	d.cancel = cancel
	d.supervisor = sup
	d.server = server
	d.healthAddr = listener.Addr()
	d.mu.Unlock()

	logger.Infof("[Daemon] health endpoint listening on http://%s/health", listener.Addr())

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sup.Run(gCtx)
	})

	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.NewServiceError("[Daemon] health server failed", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	if len(readyCh) > 0 && readyCh[0] != nil {
		close(readyCh[0])
	}

	err = g.Wait()

	logger.Infof("[Daemon] stopped")

	return err
}

func (d *Daemon) mux(tSettings *settings.Settings, checks []health.Check) *http.ServeMux {
	mux := http.NewServeMux()

	readiness := health.Handler(func() []health.Check { return checks })
	liveness := func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		q.Set("type", "liveness")
		r.URL.RawQuery = q.Encode()

		readiness(w, r)
	}

	mux.HandleFunc("/health", readiness)
	mux.HandleFunc("/health/readiness", readiness)
	mux.HandleFunc("/health/liveness", liveness)

	if tSettings.PrometheusEndpoint != "" {
		mux.Handle(tSettings.PrometheusEndpoint, promhttp.Handler())
	}

	return mux
}

// Stop cancels a running Start. It is safe to call before Start or more than once.
func (d *Daemon) Stop() {
	d.mu.RLock()
	cancel := d.cancel
	d.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
}

// HealthAddr is the bound address of the health endpoint, nil before Start.
func (d *Daemon) HealthAddr() net.Addr {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.healthAddr
}

// TrackerAddr is the bound address of the protocol server, nil while it is not listening.
func (d *Daemon) TrackerAddr() net.Addr {
	d.mu.RLock()
	server := d.server
	d.mu.RUnlock()

	if server == nil {
		return nil
	}

	return server.Addr()
}

// Supervisor is nil before Start.
func (d *Daemon) Supervisor() *supervisor.Supervisor {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.supervisor
}
