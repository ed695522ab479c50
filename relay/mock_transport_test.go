package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/meshfetch/interfaces"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// mockTransport answers per address. Addresses without a configured
// behavior connect without a reservation.
type mockTransport struct {
	mu       sync.Mutex
	connect  map[string]func(ctx context.Context) (*interfaces.RelayConnection, error)
	renew    map[string]func() (time.Time, error)
	probe    map[string]func() (time.Duration, error)
	attempts map[string]int
	renewals map[string]int
	probes   map[string]int
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		connect:  make(map[string]func(ctx context.Context) (*interfaces.RelayConnection, error)),
		renew:    make(map[string]func() (time.Time, error)),
		probe:    make(map[string]func() (time.Duration, error)),
		attempts: make(map[string]int),
		renewals: make(map[string]int),
		probes:   make(map[string]int),
	}
}

func (t *mockTransport) failConnect(address string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connect[address] = func(context.Context) (*interfaces.RelayConnection, error) { return nil, err }
}

func (t *mockTransport) succeedConnect(address string, conn *interfaces.RelayConnection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connect[address] = func(context.Context) (*interfaces.RelayConnection, error) { return conn, nil }
}

func (t *mockTransport) Connect(ctx context.Context, address string) (*interfaces.RelayConnection, error) {
	t.mu.Lock()
	t.attempts[address]++
	fn := t.connect[address]
	t.mu.Unlock()

	if fn == nil {
		return &interfaces.RelayConnection{Latency: 50 * time.Millisecond}, nil
	}
	return fn(ctx)
}

func (t *mockTransport) Renew(_ context.Context, address string) (time.Time, error) {
	t.mu.Lock()
	t.renewals[address]++
	fn := t.renew[address]
	t.mu.Unlock()

	if fn == nil {
		return time.Time{}, errors.New("renew not configured")
	}
	return fn()
}

func (t *mockTransport) Probe(_ context.Context, address string) (time.Duration, error) {
	t.mu.Lock()
	t.probes[address]++
	fn := t.probe[address]
	t.mu.Unlock()

	if fn == nil {
		return 50 * time.Millisecond, nil
	}
	return fn()
}

func (t *mockTransport) attemptCount(address string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[address]
}

func (t *mockTransport) probeCount(address string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.probes[address]
}

// mockDiscovery returns a fixed address list and snapshot.
type mockDiscovery struct {
	addresses []string
	snapshot  *interfaces.RelayHealthSnapshot
	err       error
}

func (d *mockDiscovery) DiscoverRelays(context.Context) ([]string, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.addresses, nil
}

func (d *mockDiscovery) HealthSnapshot(context.Context) (*interfaces.RelayHealthSnapshot, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.snapshot, nil
}

// fastConfig keeps retry waits tiny so tests run quickly.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialRetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 2 * time.Millisecond
	cfg.ConnectionTimeout = time.Second
	cfg.ProbeRate = 0
	return cfg
}
