package monitor

import (
	"context"
	"time"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/pkg/protocol"
)

// Probe sends ping to address and waits up to readTimeout for a Pong, returning the
// address the maker answered with. Cancelling ctx aborts the exchange.
func Probe(ctx context.Context, dialer Dialer, address string, ping protocol.Response, readTimeout time.Duration, maxFrameSize int) (string, error) {
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return "", err
	}

	defer conn.Close()

	deadline := time.Now().Add(readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err = conn.SetDeadline(deadline); err != nil {
		return "", errors.NewNetworkError("[Monitor] could not set deadline on %s", address, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err = protocol.WriteResponse(conn, ping); err != nil {
		return "", err
	}

	req, err := protocol.ReadRequest(conn, maxFrameSize)
	if err != nil {
		if ctx.Err() != nil {
			return "", errors.NewContextCanceledError("[Monitor] probe of %s cancelled", address, ctx.Err())
		}

		return "", errors.NewNetworkError("[Monitor] no pong from %s", address, err)
	}

	if req.Kind != protocol.RequestPong {
		return "", errors.NewNetworkInvalidResponseError("[Monitor] %s answered ping with %s", address, req.Kind)
	}

	return req.Address, nil
}
