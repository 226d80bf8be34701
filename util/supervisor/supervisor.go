// Package supervisor starts the tracker subsystems, listens on their status mailbox and
// restarts a failed subsystem without touching its siblings.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bsv-blockchain/tracker/errors"
	"github.com/bsv-blockchain/tracker/ulogger"
	jsoniter "github.com/json-iterator/go"
	"github.com/looplab/fsm"
)

const (
	StateRunning    = "running"
	StateRestarting = "restarting"
	StateFailed     = "failed"
	StateStopped    = "stopped"

	EventFail    = "fail"
	EventRestart = "restart"
	EventGiveUp  = "give_up"
	EventStop    = "stop"
)

const statusMailboxSize = 64

// Subsystem is one restartable unit. Run blocks until ctx is cancelled or the instance
// fails; each call is a fresh instance identified by a new generation.
type Subsystem interface {
	Name() string
	Run(ctx context.Context, reporter Reporter) error
}

type supervised struct {
	sub        Subsystem
	fsm        *fsm.FSM
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
	backoff    time.Duration
	restarts   []time.Time
	total      int
	lastErr    error
}

// Supervisor owns the status mailbox. All bookkeeping happens on the goroutine
// running Run; mu only guards reads from Health and the accessors.
type Supervisor struct {
	logger   ulogger.Logger
	policy   Policy
	statusCh chan Status
	dueCh    chan string

	mu          sync.RWMutex
	subsystems  []*supervised
	byName      map[string]*supervised
	started     bool
	stopTimeout time.Duration
}

func New(logger ulogger.Logger, policy Policy) *Supervisor {
	initPrometheusMetrics()

	return &Supervisor{
		logger:      logger,
		policy:      policy.normalized(),
		statusCh:    make(chan Status, statusMailboxSize),
		dueCh:       make(chan string, statusMailboxSize),
		byName:      make(map[string]*supervised),
		stopTimeout: 10 * time.Second,
	}
}

func newSubsystemFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateRunning,
		fsm.Events{
			{Name: EventFail, Src: []string{StateRunning}, Dst: StateRestarting},
			{Name: EventRestart, Src: []string{StateRestarting}, Dst: StateRunning},
			{Name: EventGiveUp, Src: []string{StateRestarting}, Dst: StateFailed},
			{Name: EventStop, Src: []string{StateRunning, StateRestarting, StateFailed}, Dst: StateStopped},
		},
		fsm.Callbacks{},
	)
}

// Add registers sub. Subsystems start in the order they were added.
func (s *Supervisor) Add(sub Subsystem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.NewServiceError("[Supervisor] cannot add %s after start", sub.Name())
	}

	if _, ok := s.byName[sub.Name()]; ok {
		return errors.NewInvalidArgumentError("[Supervisor] subsystem %s already added", sub.Name())
	}

	e := &supervised{
		sub:     sub,
		fsm:     newSubsystemFSM(),
		backoff: s.policy.InitialBackoff,
	}

	s.subsystems = append(s.subsystems, e)
	s.byName[sub.Name()] = e

	return nil
}

// CancelOnSignal calls cancel on the first SIGINT or SIGTERM.
func (s *Supervisor) CancelOnSignal(ctx context.Context, cancel context.CancelFunc) {
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

		defer signal.Stop(sigs)

		select {
		case sig := <-sigs:
			s.logger.Infof("[Supervisor] received %s, stopping subsystems", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
}

// Run starts every subsystem and processes statuses until ctx is done, then stops
// all instances. It returns an error only when a subsystem exhausted its restarts.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	for _, e := range s.subsystems {
		s.logger.Infof("[Supervisor] starting %s", e.sub.Name())
		s.start(ctx, e)
	}

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return nil

		case st := <-s.statusCh:
			if err := s.handleStatus(ctx, st); err != nil {
				s.stopAll()
				return err
			}

		case name := <-s.dueCh:
			s.restart(ctx, name)
		}
	}
}

func (s *Supervisor) start(ctx context.Context, e *supervised) {
	instCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	e.generation++
	e.cancel = cancel
	e.done = make(chan struct{})
	generation, done := e.generation, e.done
	s.mu.Unlock()

	rep := &instanceReporter{
		subsystem:  e.sub.Name(),
		generation: generation,
		statusCh:   s.statusCh,
		ctx:        instCtx,
	}

	go func() {
		defer close(done)

		defer func() {
			if r := recover(); r != nil {
				rep.Fatal(errors.NewServiceError("[Supervisor] %s panicked: %v", e.sub.Name(), r))
			}
		}()

		err := e.sub.Run(instCtx, rep)
		if instCtx.Err() != nil {
			return
		}

		if err == nil {
			err = errors.NewServiceError("[Supervisor] %s returned unexpectedly", e.sub.Name())
		}

		rep.Fatal(err)
	}()
}

func (s *Supervisor) handleStatus(ctx context.Context, st Status) error {
	e, ok := s.byName[st.Subsystem]
	if !ok {
		s.logger.Warnf("[Supervisor] status from unknown subsystem %s", st.Subsystem)
		return nil
	}

	s.mu.RLock()
	current := e.generation
	s.mu.RUnlock()

	if st.Generation != current {
		s.logger.Debugf("[Supervisor] ignoring status from %s generation %d, current is %d", st.Subsystem, st.Generation, current)
		return nil
	}

	if !st.Fatal {
		prometheusSupervisorStatuses.WithLabelValues(st.Subsystem, "healthy").Inc()

		if !e.fsm.Is(StateRunning) {
			return nil
		}

		s.mu.Lock()
		e.backoff = s.policy.InitialBackoff
		s.mu.Unlock()

		return nil
	}

	prometheusSupervisorStatuses.WithLabelValues(st.Subsystem, "fatal").Inc()

	if err := e.fsm.Event(ctx, EventFail); err != nil {
		s.logger.Debugf("[Supervisor] %s already %s: %v", st.Subsystem, e.fsm.Current(), err)
		return nil
	}

	s.mu.Lock()
	e.lastErr = st.Err
	e.cancel()

	var giveUp bool

	e.restarts, giveUp = s.policy.exhausted(e.restarts, st.At)
	delay := e.backoff
	s.mu.Unlock()

	if giveUp {
		_ = e.fsm.Event(ctx, EventGiveUp)

		s.logger.Errorf("[Supervisor] %s failed (%s) and reached %d restarts within %s: %v", st.Subsystem, st.Category, s.policy.MaxRestarts, s.policy.RestartWindow, st.Err)

		return errors.NewServiceError("[Supervisor] %s exceeded its restart limit", st.Subsystem, st.Err)
	}

	s.logger.Errorf("[Supervisor] %s failed (%s), restarting in %s: %v", st.Subsystem, st.Category, delay, st.Err)

	s.mu.Lock()
	e.restarts = append(e.restarts, st.At)
	e.backoff = s.policy.nextBackoff(delay)
	s.mu.Unlock()

	time.AfterFunc(delay, func() {
		select {
		case s.dueCh <- st.Subsystem:
		case <-ctx.Done():
		}
	})

	return nil
}

func (s *Supervisor) restart(ctx context.Context, name string) {
	e := s.byName[name]

	if err := e.fsm.Event(ctx, EventRestart); err != nil {
		s.logger.Debugf("[Supervisor] not restarting %s: %v", name, err)
		return
	}

	// the previous instance was cancelled when it failed; never run two at once
	select {
	case <-e.done:
	case <-ctx.Done():
		return
	}

	s.mu.Lock()
	e.total++
	s.mu.Unlock()

	prometheusSupervisorRestarts.WithLabelValues(name, errors.GetErrorCategory(e.lastErr)).Inc()

	s.logger.Infof("[Supervisor] restarting %s (restart #%d)", name, e.total)
	s.start(ctx, e)
}

func (s *Supervisor) stopAll() {
	for i := len(s.subsystems) - 1; i >= 0; i-- {
		e := s.subsystems[i]

		_ = e.fsm.Event(context.Background(), EventStop)

		s.mu.RLock()
		cancel, done := e.cancel, e.done
		s.mu.RUnlock()

		if cancel != nil {
			cancel()
		}

		if done == nil {
			continue
		}

		select {
		case <-done:
			s.logger.Infof("[Supervisor] %s stopped", e.sub.Name())
		case <-time.After(s.stopTimeout):
			s.logger.Warnf("[Supervisor] %s did not stop within %s", e.sub.Name(), s.stopTimeout)
		}
	}
}

// State returns the lifecycle state of the named subsystem, or "" if unknown.
func (s *Supervisor) State(name string) string {
	e, ok := s.lookup(name)
	if !ok {
		return ""
	}

	return e.fsm.Current()
}

// Restarts returns how many times the named subsystem was restarted.
func (s *Supervisor) Restarts(name string) int {
	e, ok := s.lookup(name)
	if !ok {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return e.total
}

func (s *Supervisor) lookup(name string) (*supervised, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byName[name]

	return e, ok
}

type subsystemHealth struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	Generation uint64 `json:"generation"`
	Restarts   int    `json:"restarts"`
	LastError  string `json:"lastError,omitempty"`
}

// Health reports 200 while every subsystem is running.
func (s *Supervisor) Health(_ context.Context, _ bool) (int, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := http.StatusOK
	report := make([]subsystemHealth, 0, len(s.subsystems))

	for _, e := range s.subsystems {
		h := subsystemHealth{
			Name:       e.sub.Name(),
			State:      e.fsm.Current(),
			Generation: e.generation,
			Restarts:   e.total,
		}

		if e.lastErr != nil {
			h.LastError = e.lastErr.Error()
		}

		if h.State != StateRunning {
			status = http.StatusServiceUnavailable
		}

		report = append(report, h)
	}

	b, err := jsoniter.Marshal(report)
	if err != nil {
		return http.StatusInternalServerError, "", errors.NewProcessingError("[Supervisor] failed to encode health", err)
	}

	return status, fmt.Sprintf(`{"subsystems":%s}`, b), nil
}
