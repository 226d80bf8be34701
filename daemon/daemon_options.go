package daemon

import (
	"context"

	"github.com/bsv-blockchain/tracker/services/indexer"
	"github.com/bsv-blockchain/tracker/services/monitor"
	"github.com/bsv-blockchain/tracker/settings"
	"github.com/bsv-blockchain/tracker/ulogger"
)

// Option is a functional option type for configuring the Daemon.
type Option func(*Daemon)

// WithLoggerFactory provides a custom logger factory for the Daemon and its services.
func WithLoggerFactory(factory func(serviceName string) ulogger.Logger) Option {
	return func(d *Daemon) {
		d.loggerFactory = factory
	}
}

// WithContext allows setting a custom context for the Daemon.
func WithContext(ctx context.Context) Option {
	return func(d *Daemon) {
		d.Ctx = ctx
	}
}

// WithNodeFactory replaces the JSON-RPC node client, e.g. with a fake in tests.
func WithNodeFactory(factory func(logger ulogger.Logger, tSettings *settings.Settings) (indexer.NodeClient, error)) Option {
	return func(d *Daemon) {
		d.nodeFactory = factory
	}
}

// WithDialer replaces the SOCKS dialer the monitor probes makers with.
func WithDialer(dialer monitor.Dialer) Option {
	return func(d *Daemon) {
		d.dialer = dialer
	}
}
