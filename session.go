package meshfetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/meshfetch/config"
	"github.com/opd-ai/meshfetch/interfaces"
	"github.com/opd-ai/meshfetch/relay"
	"github.com/opd-ai/meshfetch/scheduler"
	"github.com/sirupsen/logrus"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrClosed is returned when starting a closed session.
	ErrClosed = errors.New("session closed")
)

// TimeProvider abstracts time for deterministic testing. It is satisfied
// by the time providers of both the scheduler and the relay manager.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Session owns one chunk scheduler and one relay manager. It replaces any
// process-wide instance: create one per download and pass it around.
type Session struct {
	id        string
	config    *config.Config
	scheduler *scheduler.Scheduler
	relays    *relay.Manager

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
}

// NewSession builds a session from cfg, which may be nil for defaults.
// transport is required; discovery may be nil.
func NewSession(cfg *config.Config, transport interfaces.IRelayTransport, discovery interfaces.IRelayDiscovery) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mgr, err := relay.NewManager(transport, discovery, relay.WithConfig(cfg.RelayConfig()))
	if err != nil {
		return nil, fmt.Errorf("creating relay manager: %w", err)
	}

	s := &Session{
		id:        uuid.NewString(),
		config:    cfg,
		scheduler: scheduler.New(scheduler.WithConfig(cfg.SchedulerConfig())),
		relays:    mgr,
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewSession",
		"session_id": s.id,
		"strategy":   cfg.Scheduler.Strategy,
	}).Info("Session created")

	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Config returns the configuration the session was built with.
func (s *Session) Config() *config.Config { return s.config }

// Scheduler returns the session's chunk scheduler.
func (s *Session) Scheduler() *scheduler.Scheduler { return s.scheduler }

// Relays returns the session's relay manager.
func (s *Session) Relays() *relay.Manager { return s.relays }

// SetTimeProvider installs tp on both components.
func (s *Session) SetTimeProvider(tp TimeProvider) {
	s.scheduler.SetTimeProvider(tp)
	s.relays.SetTimeProvider(tp)
}

// Start seeds the relay pool with the configured preferred relays plus
// preferred, runs discovery when enabled and starts background health
// checks. A discovery failure is logged; the session still starts with
// whatever relays it has.
func (s *Session) Start(ctx context.Context, preferred []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.running {
		return ErrAlreadyStarted
	}

	all := make([]string, 0, len(s.config.Relay.PreferredRelays)+len(preferred))
	all = append(all, s.config.Relay.PreferredRelays...)
	all = append(all, preferred...)

	if err := s.relays.Initialize(ctx, all, s.config.Relay.AutoDiscover); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Start",
			"session_id": s.id,
			"error":      err.Error(),
		}).Warn("Relay discovery failed, continuing with preferred relays")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.relays.StartHealthChecks(runCtx)
	s.running = true

	logrus.WithFields(logrus.Fields{
		"function":   "Start",
		"session_id": s.id,
		"relays":     len(s.relays.GetRelays()),
	}).Info("Session started")

	return nil
}

// IsRunning reports whether Start succeeded and Close has not been called.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Close stops background work. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := s.relays.Close()

	logrus.WithFields(logrus.Fields{
		"function":   "Close",
		"session_id": s.id,
	}).Info("Session closed")

	return err
}
