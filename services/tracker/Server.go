// Package tracker serves the maker directory to takers over the framed protocol and runs
// the liveness monitor alongside the listener.
package tracker

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/model"
	"github.com/bsv-blockchain/tracker/pkg/protocol"
	"github.com/bsv-blockchain/tracker/settings"
	"github.com/bsv-blockchain/tracker/ulogger"
	"github.com/bsv-blockchain/tracker/util/supervisor"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Directory is the read side of the directory the server answers from.
type Directory interface {
	Active(ctx context.Context) ([]string, error)
	SpendStatus(ctx context.Context, outpoint model.Outpoint) (*model.SpendStatus, error)
}

// Monitor runs until ctx is done.
type Monitor interface {
	Start(ctx context.Context) error
}

type Server struct {
	logger    ulogger.Logger
	settings  *settings.Settings
	directory Directory
	monitor   Monitor

	mu   sync.RWMutex
	addr net.Addr
}

func New(logger ulogger.Logger, tSettings *settings.Settings, directory Directory, monitor Monitor) *Server {
	initPrometheusMetrics()

	return &Server{
		logger:    logger,
		settings:  tSettings,
		directory: directory,
		monitor:   monitor,
	}
}

func (s *Server) Name() string {
	return "server"
}

// Addr is the bound listen address, or nil while the server is not listening.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.addr
}

func (s *Server) setAddr(addr net.Addr) {
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()
}

// Run listens until ctx is done. The monitor shares the server's lifetime: if either the
// listener or the monitor fails, both stop and the error is returned.
func (s *Server) Run(ctx context.Context, reporter supervisor.Reporter) error {
	var lc net.ListenConfig

	listener, err := lc.Listen(ctx, "tcp", s.settings.Tracker.ListenAddress)
	if err != nil {
		return errors.NewServiceError("[TrackerServer] could not listen on %s", s.settings.Tracker.ListenAddress, err)
	}

	s.setAddr(listener.Addr())
	defer s.setAddr(nil)

	s.logger.Infof("[TrackerServer] listening on %s", listener.Addr())
	reporter.Healthy()

	var conns sync.WaitGroup

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gCtx.Done()
		return listener.Close()
	})

	g.Go(func() error {
		if err := s.monitor.Start(gCtx); err != nil {
			return err
		}

		if gCtx.Err() == nil {
			return errors.NewServiceError("[TrackerServer] monitor stopped unexpectedly")
		}

		return nil
	})

	g.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if gCtx.Err() != nil {
					return nil
				}

				return errors.NewNetworkError("[TrackerServer] accept failed", err)
			}

			conns.Add(1)

			go func() {
				defer conns.Done()
				s.handleConn(gCtx, conn)
			}()
		}
	})

	err = g.Wait()
	conns.Wait()

	if ctx.Err() != nil {
		s.logger.Infof("[TrackerServer] stopped")
		return nil
	}

	return err
}

func (s *Server) limiter() *rate.Limiter {
	limit := rate.Limit(s.settings.Tracker.ConnRateLimit)
	if s.settings.Tracker.ConnRateLimit <= 0 {
		limit = rate.Inf
	}

	return rate.NewLimiter(limit, max(s.settings.Tracker.ConnRateBurst, 1))
}

// handleConn serves one peer until it disconnects, sends something undecodable or ctx ends.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	id := uuid.New()
	logger := s.logger

	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	prometheusTrackerConnections.Inc()
	defer prometheusTrackerConnections.Dec()

	logger.Debugf("[TrackerServer][%s] accepted connection from %s", id, conn.RemoteAddr())

	limiter := s.limiter()

	for {
		req, err := protocol.ReadRequest(conn, s.settings.Tracker.MaxFrameSize)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), ctx.Err() != nil:
				logger.Debugf("[TrackerServer][%s] connection closed", id)
			default:
				prometheusTrackerDropped.Inc()
				logger.Warnf("[TrackerServer][%s] dropping connection from %s: %v", id, conn.RemoteAddr(), err)
			}

			return
		}

		if err = limiter.Wait(ctx); err != nil {
			return
		}

		start := time.Now()
		resp := s.dispatch(ctx, id, req)
		prometheusTrackerRequests.WithLabelValues(req.Kind.String()).Observe(time.Since(start).Seconds())

		if err = protocol.WriteResponse(conn, resp); err != nil {
			logger.Warnf("[TrackerServer][%s] could not answer %s: %v", id, req.Kind, err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, id uuid.UUID, req protocol.Request) protocol.Response {
	switch req.Kind {
	case protocol.RequestGet:
		addresses, err := s.directory.Active(ctx)
		if err != nil {
			s.logger.Errorf("[TrackerServer][%s] could not list active makers: %v", id, err)
			return protocol.NewErrorResponse("directory unavailable")
		}

		s.logger.Debugf("[TrackerServer][%s] returning %d makers", id, len(addresses))

		return protocol.NewAddressResponse(addresses)
	case protocol.RequestWatch:
		status, err := s.directory.SpendStatus(ctx, req.Outpoint)
		if err != nil {
			s.logger.Errorf("[TrackerServer][%s] could not look up %s: %v", id, req.Outpoint, err)
			return protocol.NewErrorResponse("directory unavailable")
		}

		s.logger.Debugf("[TrackerServer][%s] %s has %d mempool spends", id, req.Outpoint, len(status.MempoolSpends))

		return protocol.NewWatchResponse(status)
	default:
		s.logger.Infof("[TrackerServer][%s] %s is not supported", id, req.Kind)
		return protocol.NewNotImplementedResponse(req.Kind)
	}
}

// Health reports whether the listener is bound.
func (s *Server) Health(_ context.Context, _ bool) (int, string, error) {
	if s.Addr() == nil {
		return http.StatusServiceUnavailable, "tracker server not listening", nil
	}

	return http.StatusOK, "OK", nil
}
