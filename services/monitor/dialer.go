package monitor

import (
	"context"
	"net"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/settings"
	"github.com/btcsuite/go-socks/socks"
)

// Dialer opens a stream to a maker.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SocksDialer reaches makers through a SOCKS5 proxy, normally the local Tor daemon.
type SocksDialer struct {
	proxy *socks.Proxy
}

func NewSocksDialer(tSettings *settings.Settings) *SocksDialer {
	return &SocksDialer{
		proxy: &socks.Proxy{
			Addr:         tSettings.Tracker.SocksAddress,
			Username:     tSettings.Tracker.SocksUsername,
			Password:     tSettings.Tracker.SocksPassword,
			TorIsolation: tSettings.Tracker.SocksUsername == "",
		},
	}
}

type dialResult struct {
	conn net.Conn
	err  error
}

// DialContext dials address through the proxy. The proxy library has no context support,
// so a dial abandoned by ctx is closed once it completes.
func (d *SocksDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	ch := make(chan dialResult, 1)

	go func() {
		conn, err := d.proxy.Dial(network, address)
		ch <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, errors.NewNetworkConnectionRefusedError("[Monitor] could not reach %s via %s", address, d.proxy.Addr, r.err)
		}

		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()

		return nil, errors.NewContextCanceledError("[Monitor] dial to %s cancelled", address, ctx.Err())
	}
}
