package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/accprom/acc-exporter/pkg/errlog"
)

// State is the lifecycle state of the supervised listener.
//
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return "stopped"
	}
}

// States lists every State, in declaration order.
//
func States() []State {
	return []State{StateStopped, StateStarting, StateRunning, StateFailed}
}

const (
	DefaultListenAddress = ":9200"
	DefaultRestartDelay  = 5 * time.Second

	shutdownTimeout = 10 * time.Second
)

// Notifier tells the service manager about readiness changes. See
// sd_notify(3) for the messages.
//
type Notifier func(state string)

// Supervisor keeps an HTTP listener up: whenever binding or serving fails,
// the failure is recorded and the whole start procedure is tried again after
// a fixed delay, for as long as the supervisor is not stopped.
//
type Supervisor struct {
	// listenAddress is the full address the listener binds to.
	//
	// Examples:
	// - :9200
	// - 127.0.0.1:9200
	//
	listenAddress string

	handler      http.Handler
	restartDelay time.Duration

	errLog   *errlog.Log
	observer Observer
	notify   Notifier
	log      logr.Logger

	mu       sync.Mutex
	state    State
	running  bool
	stopping bool
	stopC    chan struct{}
	server   *http.Server
	listener net.Listener
}

// SupervisorOption is a functional argument overriding Supervisor defaults.
//
type SupervisorOption func(s *Supervisor)

func WithListenAddress(v string) SupervisorOption {
	return func(s *Supervisor) {
		s.listenAddress = v
	}
}

// WithRestartDelay overrides the default five seconds between a failure and
// the next start attempt.
//
func WithRestartDelay(v time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.restartDelay = v
	}
}

func WithErrorLog(v *errlog.Log) SupervisorOption {
	return func(s *Supervisor) {
		s.errLog = v
	}
}

func WithObserver(v Observer) SupervisorOption {
	return func(s *Supervisor) {
		s.observer = v
	}
}

func WithNotifier(v Notifier) SupervisorOption {
	return func(s *Supervisor) {
		s.notify = v
	}
}

func WithLogger(v logr.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.log = v
	}
}

// NewSupervisor.
//
func NewSupervisor(handler http.Handler, opts ...SupervisorOption) (*Supervisor, error) {
	defaultLogger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("zap new development: %w", err)
	}

	s := &Supervisor{
		listenAddress: DefaultListenAddress,
		handler:       handler,
		restartDelay:  DefaultRestartDelay,
		observer:      nopObserver{},
		log:           zapr.NewLogger(defaultLogger.Named("supervisor")),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.notify == nil {
		s.notify = s.sdNotify
	}

	return s, nil
}

// Run brings the listener up and keeps it up until ctx is cancelled or Stop
// is called.
//
// ps.: this is a BLOCKING method - make sure you either make use of goroutines
// to not block if needed.
//
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Info("already running")
		return nil
	}

	s.running = true
	s.stopping = false
	s.stopC = make(chan struct{})
	stopC := s.stopC
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()

		s.setState(StateStopped)
	}()

	for {
		err := s.serve(ctx)
		if err == nil || s.isStopping() || ctx.Err() != nil {
			return nil
		}

		s.fail(err)

		timer := time.NewTimer(s.restartDelay)

		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-stopC:
			timer.Stop()
			return nil
		}
	}
}

// serve binds the listener and serves until it is closed. A nil error means
// the server was shut down on purpose.
//
func (s *Supervisor) serve(ctx context.Context) error {
	s.setState(StateStarting)
	s.log.Info("starting", "addr", s.listenAddress)

	listener, err := net.Listen("tcp", s.listenAddress)
	if err != nil {
		return fmt.Errorf("listen on '%s': %w", s.listenAddress, err)
	}

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		_ = listener.Close()
		return nil
	}

	s.listener = listener
	s.server = server
	s.mu.Unlock()

	s.setState(StateRunning)
	s.notify(daemon.SdNotifyReady)
	s.log.Info("listening", "addr", listener.Addr().String())

	serveDone := make(chan struct{})
	defer close(serveDone)

	go func() {
		select {
		case <-ctx.Done():
			s.shutdown(server)
		case <-serveDone:
		}
	}()

	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return fmt.Errorf("serve: %w", err)
}

func (s *Supervisor) fail(err error) {
	s.setState(StateFailed)
	s.observer.ObserveRestart()

	s.log.Error(err, "listener failed", "restart_in", s.restartDelay.String())
	s.errLog.Recordf("listener failed: %v", err)
	s.errLog.Recordf("restarting in %s", s.restartDelay)
}

// Stop tears the listener down, waiting for in-flight requests to finish, and
// prevents any further restart.
//
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopping && s.stopC != nil {
		s.stopping = true
		close(s.stopC)
	}
	server := s.server
	s.mu.Unlock()

	s.notify(daemon.SdNotifyStopping)

	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			s.errLog.Recordf("stopping server: %v", err)
			return fmt.Errorf("shutdown: %w", err)
		}
	}

	s.setState(StateStopped)
	s.log.Info("stopped")

	return nil
}

func (s *Supervisor) shutdown(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.notify(daemon.SdNotifyStopping)

	if err := server.Shutdown(ctx); err != nil {
		s.log.Error(err, "shutdown")
	}
}

// State is the current lifecycle state of the listener.
//
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Addr is the address the listener was last bound to, or nil if it never
// was.
//
func (s *Supervisor) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	s.observer.ObserveState(state.String())
}

func (s *Supervisor) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopping
}

func (s *Supervisor) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		s.log.Error(err, "sd notify", "state", state)
		return
	}

	s.log.V(1).Info("sd notify", "state", state, "sent", sent)
}
