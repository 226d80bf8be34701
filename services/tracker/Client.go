package tracker

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/model"
	"github.com/bsv-blockchain/tracker/pkg/protocol"
)

// Dialer is satisfied by *net.Dialer and by the monitor's SOCKS dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Client speaks to a tracker over one connection. Calls are serialised.
type Client struct {
	mu           sync.Mutex
	conn         net.Conn
	maxFrameSize int
}

func Dial(ctx context.Context, dialer Dialer, address string) (*Client, error) {
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.NewNetworkConnectionRefusedError("[TrackerClient] could not connect to %s", address, err)
	}

	return NewClient(conn), nil
}

func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, maxFrameSize: protocol.MaxFrameSize}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}

	if err := c.conn.SetDeadline(deadline); err != nil {
		return protocol.Response{}, errors.NewNetworkError("[TrackerClient] could not set deadline", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := protocol.WriteRequest(c.conn, req); err != nil {
		return protocol.Response{}, err
	}

	resp, err := protocol.ReadResponse(c.conn, c.maxFrameSize)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Response{}, errors.NewContextCanceledError("[TrackerClient] %s cancelled", req.Kind, ctx.Err())
		}

		return protocol.Response{}, errors.NewNetworkError("[TrackerClient] no answer to %s", req.Kind, err)
	}

	if resp.Kind == protocol.ResponseError {
		return resp, errors.NewServiceUnavailableError("[TrackerClient] tracker failed %s: %s", req.Kind, resp.Message)
	}

	return resp, nil
}

func (c *Client) expect(ctx context.Context, req protocol.Request, kind protocol.ResponseKind) (protocol.Response, error) {
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return resp, err
	}

	if resp.Kind != kind {
		return resp, errors.NewNetworkInvalidResponseError("[TrackerClient] expected %s in reply to %s, got %s", kind, req.Kind, resp.Kind)
	}

	return resp, nil
}

// Get returns the addresses of every maker the tracker considers live.
func (c *Client) Get(ctx context.Context) ([]string, error) {
	resp, err := c.expect(ctx, protocol.NewGetRequest(), protocol.ResponseAddress)
	if err != nil {
		return nil, err
	}

	return resp.Addresses, nil
}

// Watch returns the tracker's view of outpoint and every mempool transaction spending it.
func (c *Client) Watch(ctx context.Context, outpoint model.Outpoint) (protocol.Response, error) {
	return c.expect(ctx, protocol.NewWatchRequest(outpoint), protocol.ResponseWatch)
}

// Post sends maker metadata. Trackers do not accept it yet and answer NotImplemented.
func (c *Client) Post(ctx context.Context, metadata []byte) (protocol.Response, error) {
	return c.roundTrip(ctx, protocol.NewPostRequest(metadata))
}
