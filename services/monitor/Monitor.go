// Package monitor probes every known maker through the anonymity network and reports the
// outcome back to the directory. Makers that cannot be reached are marked stale.
package monitor

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/bsv-blockchain/tracker/model"
	"github.com/bsv-blockchain/tracker/pkg/protocol"
	"github.com/bsv-blockchain/tracker/settings"
	"github.com/bsv-blockchain/tracker/ulogger"
	"github.com/bsv-blockchain/tracker/util"
	"github.com/bsv-blockchain/tracker/util/retry"
	"golang.org/x/sync/errgroup"
)

// Directory is the part of the directory the monitor reads and writes.
type Directory interface {
	Snapshot(ctx context.Context) ([]*model.ProviderRecord, error)
	Update(ctx context.Context, address string, update model.RecordUpdate) (bool, error)
}

type Monitor struct {
	logger    ulogger.Logger
	settings  *settings.Settings
	directory Directory
	dialer    Dialer
	ping      protocol.Response
	now       func() time.Time
}

func New(logger ulogger.Logger, tSettings *settings.Settings, directory Directory, dialer Dialer) *Monitor {
	initPrometheusMetrics()

	host, port := ownAddress(tSettings.Tracker)

	return &Monitor{
		logger:    logger,
		settings:  tSettings,
		directory: directory,
		dialer:    dialer,
		ping:      protocol.NewPingResponse(host, port),
		now:       time.Now,
	}
}

// ownAddress is what makers are told to reach this tracker on: the configured hostname,
// or the listen host, with the listen port.
func ownAddress(t settings.TrackerSettings) (string, uint16) {
	host, portStr, err := net.SplitHostPort(t.ListenAddress)
	if err != nil {
		host = t.ListenAddress
	}

	port, _ := strconv.ParseUint(portStr, 10, 16)

	if t.Hostname != "" {
		host = t.Hostname
	}

	return host, uint16(port)
}

// Start sweeps until ctx is done. Probes in flight when ctx ends are abandoned.
func (m *Monitor) Start(ctx context.Context) error {
	m.logger.Infof("[Monitor] starting, announcing %s:%d", m.ping.Address, m.ping.Port)

	for {
		m.sweep(ctx)

		if err := retry.Sleep(ctx, m.settings.Monitor.SweepInterval); err != nil {
			m.logger.Infof("[Monitor] stopping")
			return nil
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		prometheusMonitorSweep.Observe(time.Since(start).Seconds())
	}()

	records, err := m.directory.Snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warnf("[Monitor] could not snapshot directory: %v", err)
		}

		return
	}

	now := m.now()

	g, gCtx := errgroup.WithContext(ctx)
	util.SafeSetLimit(g, m.settings.Monitor.Concurrency)

	for _, rec := range records {
		if rec.CoolingDown(now, m.settings.Monitor.Cooldown) {
			continue
		}

		rec := rec

		g.Go(func() error {
			m.check(gCtx, rec)
			return nil
		})
	}

	_ = g.Wait()
}

// check probes rec and records the outcome. A maker already marked stale is not marked again.
func (m *Monitor) check(ctx context.Context, rec *model.ProviderRecord) {
	m.logger.Debugf("[Monitor] probing %s", rec.Address)

	pongAddress, err := retry.Retry(ctx, m.logger, func() (string, error) {
		return Probe(ctx, m.dialer, rec.Address, m.ping, m.settings.Monitor.ReadTimeout, m.settings.Tracker.MaxFrameSize)
	},
		retry.WithRetryCount(max(m.settings.Monitor.Attempts, 1)),
		retry.WithBackoffMultiplier(0),
		retry.WithBackoffDurationType(m.settings.Monitor.Backoff),
		retry.WithMessage("[Monitor] probe of "+rec.Address+" failed"),
	)

	if ctx.Err() != nil {
		return
	}

	if err == nil {
		prometheusMonitorProbes.WithLabelValues("success").Inc()

		if pongAddress != rec.Address {
			m.logger.Debugf("[Monitor] %s answered as %s", rec.Address, pongAddress)
		}

		m.update(ctx, rec.Address, model.SetBoth(m.now(), false))

		return
	}

	prometheusMonitorProbes.WithLabelValues("failure").Inc()

	if rec.Stale {
		return
	}

	m.logger.Warnf("[Monitor] marking %s stale: %v", rec.Address, err)
	m.update(ctx, rec.Address, model.SetStale(true))
}

func (m *Monitor) update(ctx context.Context, address string, update model.RecordUpdate) {
	found, err := m.directory.Update(ctx, address, update)

	switch {
	case err != nil:
		m.logger.Warnf("[Monitor] could not %s for %s: %v", update.Kind, address, err)
	case !found:
		m.logger.Debugf("[Monitor] %s is no longer in the directory", address)
	}
}
