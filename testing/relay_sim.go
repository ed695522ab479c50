package testing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/meshfetch/interfaces"
	"github.com/opd-ai/meshfetch/relay"
	"github.com/sirupsen/logrus"
)

// Operation names recorded in the attempt log.
const (
	OpConnect = "connect"
	OpRenew   = "renew"
	OpProbe   = "probe"
)

// RelayBehavior scripts how one simulated relay answers.
type RelayBehavior struct {
	// ConnectError fails every connection attempt when set.
	ConnectError error
	// FailuresBeforeSuccess fails that many attempts with ConnectError
	// (or a refusal when ConnectError is nil) before connecting.
	FailuresBeforeSuccess int
	Latency               time.Duration
	Reserve               bool
	// ReservationTTL sets the granted expiry. Zero reports no expiry and
	// leaves the TTL to the manager.
	ReservationTTL time.Duration
	RenewError     error
	ProbeError     error
	// Block makes Connect wait for context cancellation.
	Block bool
}

// AttemptRecord represents one transport call for test verification.
type AttemptRecord struct {
	Address   string
	Operation string
	Timestamp int64
	Success   bool
	Error     error
}

// SimulatedRelayTransport implements interfaces.IRelayTransport in memory.
// Addresses without a behavior connect immediately without a reservation.
type SimulatedRelayTransport struct {
	mu         sync.RWMutex
	behaviors  map[string]RelayBehavior
	attempts   map[string]int
	attemptLog []AttemptRecord
	now        func() time.Time
}

// NewSimulatedRelayTransport creates an empty simulated transport.
func NewSimulatedRelayTransport() *SimulatedRelayTransport {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	logrus.WithField("function", "NewSimulatedRelayTransport").Info("Creating simulated relay transport for testing")

	return &SimulatedRelayTransport{
		behaviors: make(map[string]RelayBehavior),
		attempts:  make(map[string]int),
		now:       time.Now,
	}
}

// SetClock replaces the clock used for reservation expiries.
func (s *SimulatedRelayTransport) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetBehavior scripts the relay at address and resets its attempt counter.
func (s *SimulatedRelayTransport) SetBehavior(address string, b RelayBehavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behaviors[address] = b
	s.attempts[address] = 0
}

// Connect implements IRelayTransport.Connect.
func (s *SimulatedRelayTransport) Connect(ctx context.Context, address string) (*interfaces.RelayConnection, error) {
	s.mu.Lock()
	s.attempts[address]++
	attempt := s.attempts[address]
	b := s.behaviors[address]
	now := s.now()
	s.mu.Unlock()

	if b.Block {
		<-ctx.Done()
		err := relay.NewError(relay.ErrorConnectionTimeout, "simulated relay never answered")
		s.record(address, OpConnect, err)
		return nil, err
	}

	if b.ConnectError != nil && b.FailuresBeforeSuccess == 0 {
		s.record(address, OpConnect, b.ConnectError)
		return nil, b.ConnectError
	}
	if attempt <= b.FailuresBeforeSuccess {
		err := b.ConnectError
		if err == nil {
			err = relay.NewError(relay.ErrorConnectionRefused, fmt.Sprintf("simulated refusal %d of %d", attempt, b.FailuresBeforeSuccess))
		}
		s.record(address, OpConnect, err)
		return nil, err
	}

	conn := &interfaces.RelayConnection{
		Latency:  b.Latency,
		Reserved: b.Reserve,
	}
	if b.Reserve && b.ReservationTTL > 0 {
		conn.ReservationExpiry = now.Add(b.ReservationTTL)
	}

	logrus.WithFields(logrus.Fields{
		"function": "SimulatedRelayTransport.Connect",
		"address":  address,
		"attempt":  attempt,
		"reserved": b.Reserve,
	}).Debug("Simulated relay connection established")

	s.record(address, OpConnect, nil)
	return conn, nil
}

// Renew implements IRelayTransport.Renew.
func (s *SimulatedRelayTransport) Renew(_ context.Context, address string) (time.Time, error) {
	s.mu.RLock()
	b := s.behaviors[address]
	now := s.now()
	s.mu.RUnlock()

	if b.RenewError != nil {
		s.record(address, OpRenew, b.RenewError)
		return time.Time{}, b.RenewError
	}

	s.record(address, OpRenew, nil)
	if b.ReservationTTL > 0 {
		return now.Add(b.ReservationTTL), nil
	}
	return time.Time{}, nil
}

// Probe implements IRelayTransport.Probe.
func (s *SimulatedRelayTransport) Probe(_ context.Context, address string) (time.Duration, error) {
	s.mu.RLock()
	b := s.behaviors[address]
	s.mu.RUnlock()

	if b.ProbeError != nil {
		s.record(address, OpProbe, b.ProbeError)
		return 0, b.ProbeError
	}
	s.record(address, OpProbe, nil)
	return b.Latency, nil
}

func (s *SimulatedRelayTransport) record(address, op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attemptLog = append(s.attemptLog, AttemptRecord{
		Address:   address,
		Operation: op,
		Timestamp: s.now().UnixNano(),
		Success:   err == nil,
		Error:     err,
	})
}

// Attempts returns the number of Connect calls made to address.
func (s *SimulatedRelayTransport) Attempts(address string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts[address]
}

// GetAttemptLog returns a copy of every recorded transport call.
func (s *SimulatedRelayTransport) GetAttemptLog() []AttemptRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := make([]AttemptRecord, len(s.attemptLog))
	copy(log, s.attemptLog)
	return log
}

// ClearAttemptLog clears the attempt log for test cleanup.
func (s *SimulatedRelayTransport) ClearAttemptLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attemptLog = nil
}

// SimulatedDiscovery implements interfaces.IRelayDiscovery with a fixed
// address list.
type SimulatedDiscovery struct {
	mu        sync.RWMutex
	addresses []string
	snapshot  *interfaces.RelayHealthSnapshot
	err       error
}

// NewSimulatedDiscovery returns a discovery source that yields addresses.
func NewSimulatedDiscovery(addresses ...string) *SimulatedDiscovery {
	return &SimulatedDiscovery{addresses: append([]string(nil), addresses...)}
}

// SetSnapshot sets the value returned by HealthSnapshot.
func (d *SimulatedDiscovery) SetSnapshot(snap *interfaces.RelayHealthSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshot = snap
}

// SetError makes every call fail with err; nil restores normal behavior.
func (d *SimulatedDiscovery) SetError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// DiscoverRelays implements IRelayDiscovery.DiscoverRelays.
func (d *SimulatedDiscovery) DiscoverRelays(context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.err != nil {
		return nil, d.err
	}
	return append([]string(nil), d.addresses...), nil
}

// HealthSnapshot implements IRelayDiscovery.HealthSnapshot.
func (d *SimulatedDiscovery) HealthSnapshot(context.Context) (*interfaces.RelayHealthSnapshot, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.err != nil {
		return nil, d.err
	}
	if d.snapshot == nil {
		return nil, nil
	}
	snap := *d.snapshot
	return &snap, nil
}
