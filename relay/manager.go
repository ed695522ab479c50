package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/meshfetch/interfaces"
	"github.com/opd-ai/meshfetch/limits"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// preferredHealthScore seeds relays supplied by the caller.
	preferredHealthScore = 100.0
	// discoveredHealthScore seeds relays supplied by discovery.
	discoveredHealthScore = 75.0
	// successReward is added to a relay's score on every connection.
	successReward = 10.0
)

// ConnectionState represents the lifecycle of one relay connection.
type ConnectionState uint8

const (
	// StateIdle means no attempt has been made or the last one was aborted.
	StateIdle ConnectionState = iota
	// StateConnecting means a dial is in progress.
	StateConnecting
	// StateConnected means connected without a reservation.
	StateConnected
	// StateReserved means connected with an active reservation.
	StateReserved
	// StateRetrying means waiting out a backoff delay.
	StateRetrying
	// StateFailed means retries were exhausted.
	StateFailed
	// StateFallback means the relay was picked to replace a failed one.
	StateFallback
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReserved:
		return "RESERVED"
	case StateRetrying:
		return "RETRYING"
	case StateFailed:
		return "FAILED"
	case StateFallback:
		return "FALLBACK"
	default:
		return "UNKNOWN"
	}
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Node is a read-only view of one pooled relay.
type Node struct {
	ID                  string
	Address             string
	State               ConnectionState
	HealthScore         float64
	LastAttempt         time.Time
	LastSuccess         time.Time
	LastProbe           time.Time
	ConsecutiveFailures int
	TotalAttempts       int
	TotalSuccesses      int
	AvgLatency          time.Duration
	ReservationExpiry   time.Time
	IsPrimary           bool
	RecentErrors        []Error
}

type relayNode struct {
	info     Node
	errors   *errorRing
	inFlight bool
}

func (n *relayNode) view() Node {
	v := n.info
	v.RecentErrors = n.errors.snapshot()
	return v
}

// Manager keeps a pool of relays, connects through the healthiest one and
// fails over when it stops working. Construct one per session and pass it
// to whoever needs relay connectivity.
type Manager struct {
	mu           sync.Mutex
	config       Config
	transport    interfaces.IRelayTransport
	discovery    interfaces.IRelayDiscovery
	relays       map[string]*relayNode
	order        []string
	activeID     string
	errorLog     []Error
	totalErrors  int
	timeProvider TimeProvider
	probeLimiter *rate.Limiter
	pending      []Event

	healthRunning bool
	healthGen     uint64
	healthParent  context.Context
	healthCancel  context.CancelFunc
	healthWG      sync.WaitGroup

	listenersMu    sync.Mutex
	listeners      map[int]func(Event)
	nextListenerID int
}

// NewManager creates a relay manager. discovery may be nil.
func NewManager(transport interfaces.IRelayTransport, discovery interfaces.IRelayDiscovery, opts ...Option) (*Manager, error) {
	if transport == nil {
		return nil, ErrNoTransport
	}

	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.normalize()

	limit := rate.Inf
	burst := 1
	if cfg.ProbeRate > 0 {
		limit = rate.Limit(cfg.ProbeRate)
		if int(cfg.ProbeRate) > burst {
			burst = int(cfg.ProbeRate)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":      "NewManager",
		"max_retries":   cfg.MaxRetries,
		"min_health":    cfg.MinHealthScore,
		"max_pool_size": cfg.MaxPoolSize,
	}).Info("Creating relay manager")

	return &Manager{
		config:       cfg,
		transport:    transport,
		discovery:    discovery,
		relays:       make(map[string]*relayNode),
		timeProvider: DefaultTimeProvider{},
		probeLimiter: rate.NewLimiter(limit, burst),
		listeners:    make(map[int]func(Event)),
	}, nil
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (m *Manager) SetTimeProvider(tp TimeProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeProvider = tp
}

// Initialize seeds the pool with preferred relays at full health and, when
// autoDiscover is set, asks discovery for further candidates.
func (m *Manager) Initialize(ctx context.Context, preferred []string, autoDiscover bool) error {
	for _, addr := range preferred {
		if _, err := m.addRelay(addr, preferredHealthScore, true); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Initialize",
				"address":  addr,
				"error":    err.Error(),
			}).Warn("Skipping preferred relay")
		}
	}

	if !autoDiscover {
		return nil
	}
	if m.discovery == nil {
		logrus.WithField("function", "Initialize").Debug("Auto-discovery requested without a discovery collaborator")
		return nil
	}

	addrs, err := m.discovery.DiscoverRelays(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Initialize",
			"error":    err.Error(),
		}).Warn("Relay discovery failed")
		return fmt.Errorf("relay discovery: %w", err)
	}

	added := 0
	for _, addr := range addrs {
		if _, err := m.addRelay(addr, discoveredHealthScore, false); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Initialize",
				"address":  addr,
				"error":    err.Error(),
			}).Debug("Discovered relay not added")
			continue
		}
		added++
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Initialize",
		"preferred":  len(preferred),
		"discovered": added,
	}).Info("Relay pool initialized")

	return nil
}

// AddRelay adds a relay to the pool and returns its id. Primary relays start
// at full health and bypass the pool cap.
func (m *Manager) AddRelay(address string, primary bool) (string, error) {
	score := discoveredHealthScore
	if primary {
		score = preferredHealthScore
	}
	return m.addRelay(address, score, primary)
}

func (m *Manager) addRelay(address string, score float64, primary bool) (string, error) {
	id, err := RelayIDFromAddress(address)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.relays[id]; ok {
		if primary {
			existing.info.IsPrimary = true
		}
		return id, nil
	}
	if !primary && m.config.MaxPoolSize > 0 && len(m.relays) >= m.config.MaxPoolSize {
		return "", fmt.Errorf("%w: %d relays", ErrPoolFull, len(m.relays))
	}

	m.relays[id] = &relayNode{
		info: Node{
			ID:          id,
			Address:     strings.TrimSpace(address),
			State:       StateIdle,
			HealthScore: score,
			IsPrimary:   primary,
		},
		errors: newErrorRing(m.config.ErrorHistoryLimit),
	}
	m.order = append(m.order, id)

	logrus.WithFields(logrus.Fields{
		"function": "addRelay",
		"relay_id": id,
		"address":  address,
		"primary":  primary,
	}).Debug("Relay added to pool")

	return id, nil
}

// RemoveRelay drops a relay from the pool, clearing it as active relay.
func (m *Manager) RemoveRelay(id string) error {
	defer m.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.relays[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRelay, id)
	}
	delete(m.relays, id)
	for i, rid := range m.order {
		if rid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.activeID == id {
		m.setActiveLocked("")
	}
	return nil
}

// ConnectToRelay connects through relayID, or through the best eligible
// relay when relayID is empty. On failure it falls back to the next best
// relay until one connects or none is left.
func (m *Manager) ConnectToRelay(ctx context.Context, relayID string) error {
	return m.connect(ctx, relayID, make(map[string]bool), nil)
}

// connect tries relayID, falling back on failure. cause is the error that
// started the current fallback chain, nil on the first call.
func (m *Manager) connect(ctx context.Context, relayID string, tried map[string]bool, cause error) error {
	if relayID == "" {
		m.mu.Lock()
		if best := m.selectBestLocked(tried, false); best != nil {
			relayID = best.info.ID
		}
		m.mu.Unlock()

		if relayID == "" {
			return m.noEligibleRelay()
		}
	}

	err := m.connectWithRetry(ctx, relayID)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	if errors.Is(err, ErrUnknownRelay) || errors.Is(err, ErrAttemptInProgress) {
		if cause == nil {
			return err
		}
		// The fallback target vanished or got busy after it was picked;
		// move on without replacing the original failure.
		tried[relayID] = true
		return m.fallback(ctx, relayID, tried, cause)
	}

	tried[relayID] = true
	return m.fallback(ctx, relayID, tried, err)
}

// fallback moves to the best relay not yet tried and not busy with another
// attempt. With no candidate left the active relay is cleared and cause is
// returned.
func (m *Manager) fallback(ctx context.Context, failedID string, tried map[string]bool, cause error) error {
	m.mu.Lock()
	next := m.selectBestLocked(tried, true)
	if next == nil {
		m.setActiveLocked("")
		m.mu.Unlock()
		m.flush()

		logrus.WithFields(logrus.Fields{
			"function":  "fallback",
			"failed_id": failedID,
			"error":     cause.Error(),
		}).Error("No fallback relay available")
		return cause
	}

	nextID := next.info.ID
	m.setStateLocked(next, StateFallback)
	m.mu.Unlock()
	m.flush()

	logrus.WithFields(logrus.Fields{
		"function":    "fallback",
		"failed_id":   failedID,
		"fallback_id": nextID,
	}).Warn("Falling back to alternate relay")

	return m.connect(ctx, nextID, tried, cause)
}

func (m *Manager) noEligibleRelay() error {
	defer m.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	rerr := &Error{
		ID:        uuid.NewString(),
		Type:      ErrorRelayUnreachable,
		Message:   "no eligible relay in pool",
		Timestamp: m.timeProvider.Now(),
	}
	m.recordErrorLocked(nil, rerr)

	logrus.WithFields(logrus.Fields{
		"function":   "ConnectToRelay",
		"pool_size":  len(m.relays),
		"min_health": m.config.MinHealthScore,
	}).Warn("No eligible relay")

	return rerr
}

// connectWithRetry makes up to MaxRetries+1 attempts on one relay.
func (m *Manager) connectWithRetry(ctx context.Context, id string) error {
	m.mu.Lock()
	node, ok := m.relays[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRelay, id)
	}
	if node.inFlight {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAttemptInProgress, id)
	}
	node.inFlight = true
	address := node.info.Address
	cfg := m.config
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if n, ok := m.relays[id]; ok {
			n.inFlight = false
		}
		m.mu.Unlock()
	}()

	b := newRetryBackOff(cfg)
	var lastErr *Error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := b.next()
			m.setState(id, StateRetrying)

			logrus.WithFields(logrus.Fields{
				"function": "connectWithRetry",
				"relay_id": id,
				"attempt":  attempt + 1,
				"delay":    delay,
			}).Debug("Retrying relay connection after backoff")

			if err := sleepContext(ctx, delay); err != nil {
				m.setState(id, StateIdle)
				return fmt.Errorf("relay %s: connection aborted: %w", id, err)
			}
		}

		m.beginAttempt(id)
		conn, latency, err := m.dial(ctx, address, cfg.ConnectionTimeout)
		if err == nil {
			m.recordSuccess(id, conn, latency)
			return nil
		}

		lastErr = m.recordAttemptFailure(id, err, attempt)
		if ctx.Err() != nil {
			m.setState(id, StateIdle)
			return lastErr
		}
	}

	m.markFailed(id, lastErr)
	return lastErr
}

func (m *Manager) dial(ctx context.Context, address string, timeout time.Duration) (*interfaces.RelayConnection, time.Duration, error) {
	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := m.now()
	conn, err := m.transport.Connect(dialCtx, address)
	if err != nil {
		return nil, 0, err
	}
	if conn == nil {
		conn = &interfaces.RelayConnection{}
	}

	latency := conn.Latency
	if latency <= 0 {
		latency = m.now().Sub(start)
	}
	return conn, latency, nil
}

func (m *Manager) beginAttempt(id string) {
	defer m.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.relays[id]
	if !ok {
		return
	}
	node.info.LastAttempt = m.timeProvider.Now()
	node.info.TotalAttempts++
	m.setStateLocked(node, StateConnecting)
}

func (m *Manager) recordSuccess(id string, conn *interfaces.RelayConnection, latency time.Duration) {
	defer m.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.relays[id]
	if !ok {
		return
	}
	now := m.timeProvider.Now()
	info := &node.info

	info.ConsecutiveFailures = 0
	info.TotalSuccesses++
	n := float64(info.TotalSuccesses)
	info.AvgLatency = time.Duration((float64(info.AvgLatency)*(n-1) + float64(latency)) / n)
	info.HealthScore = limits.ClampHealthScore(info.HealthScore + successReward)
	info.LastSuccess = now

	if conn.Reserved {
		expiry := conn.ReservationExpiry
		if expiry.IsZero() {
			expiry = now.Add(m.config.DefaultReservationTTL)
		}
		info.ReservationExpiry = expiry
		m.setStateLocked(node, StateReserved)
	} else {
		info.ReservationExpiry = time.Time{}
		m.setStateLocked(node, StateConnected)
	}
	m.setActiveLocked(id)

	logrus.WithFields(logrus.Fields{
		"function": "ConnectToRelay",
		"relay_id": id,
		"state":    info.State.String(),
		"latency":  latency,
		"health":   info.HealthScore,
	}).Info("Relay connected")
}

func (m *Manager) recordAttemptFailure(id string, cause error, attempt int) *Error {
	defer m.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	rerr := m.newErrorLocked(cause, ClassifyError(cause), id, attempt)
	node := m.relays[id]
	if node != nil {
		node.info.ConsecutiveFailures++
	}
	m.recordErrorLocked(node, rerr)

	logrus.WithFields(logrus.Fields{
		"function":   "connectWithRetry",
		"relay_id":   id,
		"attempt":    attempt + 1,
		"error_type": rerr.Type.String(),
		"error":      cause.Error(),
	}).Warn("Relay connection attempt failed")

	return rerr
}

// markFailed applies the exhausted-retries penalty.
func (m *Manager) markFailed(id string, cause *Error) {
	defer m.flush()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markFailedLocked(id, cause)
}

func (m *Manager) markFailedLocked(id string, cause *Error) {
	node, ok := m.relays[id]
	if !ok {
		return
	}
	node.info.HealthScore = limits.ClampHealthScore(node.info.HealthScore - m.config.HealthScoreDecay)
	node.info.ReservationExpiry = time.Time{}
	m.setStateLocked(node, StateFailed)
	if m.activeID == id {
		m.setActiveLocked("")
	}

	fields := logrus.Fields{
		"function": "markFailed",
		"relay_id": id,
		"health":   node.info.HealthScore,
	}
	if cause != nil {
		fields["error_type"] = cause.Type.String()
		fields["error"] = cause.Message
	}
	logrus.WithFields(fields).Error("Relay marked failed")
}

func (m *Manager) newErrorLocked(cause error, t ErrorType, relayID string, retryCount int) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
		var typed *Error
		if errors.As(cause, &typed) && typed.Message != "" {
			msg = typed.Message
		}
	}
	return &Error{
		ID:         uuid.NewString(),
		Type:       t,
		Message:    msg,
		Timestamp:  m.timeProvider.Now(),
		RelayID:    relayID,
		RetryCount: retryCount,
		Err:        cause,
	}
}

// recordErrorLocked appends to the global log (newest first) and the relay's
// ring; node may be nil for errors not tied to a relay.
func (m *Manager) recordErrorLocked(node *relayNode, rerr *Error) {
	m.errorLog = append([]Error{*rerr}, m.errorLog...)
	if len(m.errorLog) > limits.MaxGlobalErrorLog {
		m.errorLog = m.errorLog[:limits.MaxGlobalErrorLog]
	}
	if node != nil {
		node.errors.push(*rerr)
	}
	m.totalErrors++
	m.queueLocked(Event{Type: EventErrorRecorded, RelayID: rerr.RelayID, Err: rerr})
}

func (m *Manager) setState(id string, state ConnectionState) {
	defer m.flush()
	m.mu.Lock()
	defer m.mu.Unlock()
	if node, ok := m.relays[id]; ok {
		m.setStateLocked(node, state)
	}
}

func (m *Manager) setStateLocked(node *relayNode, state ConnectionState) {
	if node.info.State == state {
		return
	}
	node.info.State = state
	m.queueLocked(Event{
		Type:        EventStateChanged,
		RelayID:     node.info.ID,
		State:       state,
		HealthScore: node.info.HealthScore,
	})
}

// setActiveLocked switches the active relay. The relay it replaces drops
// back to IDLE: its connection is no longer used and its reservation is not
// renewed.
func (m *Manager) setActiveLocked(id string) {
	if m.activeID == id {
		return
	}
	if prev, ok := m.relays[m.activeID]; ok {
		if prev.info.State == StateConnected || prev.info.State == StateReserved {
			prev.info.ReservationExpiry = time.Time{}
			m.setStateLocked(prev, StateIdle)
		}
	}
	m.activeID = id
	m.queueLocked(Event{Type: EventActiveRelayChanged, RelayID: id})
}

// selectBestLocked ranks eligible relays: primary first, then a success
// within the recency window (most recent first), then health score.
func (m *Manager) selectBestLocked(exclude map[string]bool, skipInFlight bool) *relayNode {
	now := m.timeProvider.Now()
	candidates := make([]*relayNode, 0, len(m.order))
	for _, id := range m.order {
		n := m.relays[id]
		if exclude[id] || n.info.State == StateFailed || n.info.HealthScore < m.config.MinHealthScore {
			continue
		}
		if skipInFlight && n.inFlight {
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return nil
	}

	recent := func(n *relayNode) bool {
		return !n.info.LastSuccess.IsZero() && now.Sub(n.info.LastSuccess) <= limits.RecentSuccessWindow
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.info.IsPrimary != b.info.IsPrimary {
			return a.info.IsPrimary
		}
		ra, rb := recent(a), recent(b)
		if ra != rb {
			return ra
		}
		if ra && !a.info.LastSuccess.Equal(b.info.LastSuccess) {
			return a.info.LastSuccess.After(b.info.LastSuccess)
		}
		return a.info.HealthScore > b.info.HealthScore
	})
	return candidates[0]
}

func (m *Manager) now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeProvider.Now()
}

// Close stops background health checks and clears the active relay.
func (m *Manager) Close() error {
	m.StopHealthChecks()

	defer m.flush()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setActiveLocked("")

	logrus.WithField("function", "Close").Info("Relay manager closed")
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
