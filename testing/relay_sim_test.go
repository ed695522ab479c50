package testing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opd-ai/meshfetch/interfaces"
	"github.com/opd-ai/meshfetch/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	simRelayA = "/dns4/relay-a.example.net/tcp/4001"
	simRelayB = "/dns4/relay-b.example.net/tcp/4001"
)

func fastRelayConfig() relay.Config {
	cfg := relay.DefaultConfig()
	cfg.InitialRetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 2 * time.Millisecond
	cfg.ProbeRate = 0
	return cfg
}

func TestSimulatedRelayTransportUnscriptedConnects(t *testing.T) {
	sim := NewSimulatedRelayTransport()

	conn, err := sim.Connect(context.Background(), simRelayA)
	require.NoError(t, err)
	assert.False(t, conn.Reserved)
	assert.Equal(t, 1, sim.Attempts(simRelayA))

	log := sim.GetAttemptLog()
	require.Len(t, log, 1)
	assert.Equal(t, OpConnect, log[0].Operation)
	assert.True(t, log[0].Success)

	sim.ClearAttemptLog()
	assert.Empty(t, sim.GetAttemptLog())
}

func TestSimulatedRelayTransportFailuresBeforeSuccess(t *testing.T) {
	sim := NewSimulatedRelayTransport()
	sim.SetBehavior(simRelayA, RelayBehavior{FailuresBeforeSuccess: 2, Latency: 30 * time.Millisecond})

	for i := 0; i < 2; i++ {
		_, err := sim.Connect(context.Background(), simRelayA)
		require.Error(t, err)
		assert.True(t, relay.IsType(err, relay.ErrorConnectionRefused))
	}
	conn, err := sim.Connect(context.Background(), simRelayA)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Millisecond, conn.Latency)
}

func TestSimulatedRelayTransportReservationExpiry(t *testing.T) {
	clock := NewVirtualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	sim := NewSimulatedRelayTransport()
	sim.SetClock(clock.Now)
	sim.SetBehavior(simRelayA, RelayBehavior{Reserve: true, ReservationTTL: 20 * time.Minute})

	conn, err := sim.Connect(context.Background(), simRelayA)
	require.NoError(t, err)
	assert.True(t, conn.Reserved)
	assert.Equal(t, clock.Now().Add(20*time.Minute), conn.ReservationExpiry)

	clock.Advance(15 * time.Minute)
	expiry, err := sim.Renew(context.Background(), simRelayA)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(20*time.Minute), expiry)
}

func TestSimulatedRelayTransportBlockHonorsContext(t *testing.T) {
	sim := NewSimulatedRelayTransport()
	sim.SetBehavior(simRelayA, RelayBehavior{Block: true})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sim.Connect(ctx, simRelayA)
	require.Error(t, err)
	assert.True(t, relay.IsType(err, relay.ErrorConnectionTimeout))
}

func TestSimulatedRelayTransportProbeAndRenewErrors(t *testing.T) {
	sim := NewSimulatedRelayTransport()
	probeErr := errors.New("probe lost")
	renewErr := relay.NewError(relay.ErrorReservationFailed, "no slots")
	sim.SetBehavior(simRelayA, RelayBehavior{ProbeError: probeErr, RenewError: renewErr})
	sim.SetBehavior(simRelayB, RelayBehavior{Latency: 70 * time.Millisecond})

	_, err := sim.Probe(context.Background(), simRelayA)
	assert.ErrorIs(t, err, probeErr)
	_, err = sim.Renew(context.Background(), simRelayA)
	assert.ErrorIs(t, err, renewErr)

	latency, err := sim.Probe(context.Background(), simRelayB)
	require.NoError(t, err)
	assert.Equal(t, 70*time.Millisecond, latency)

	ops := make(map[string]int)
	for _, rec := range sim.GetAttemptLog() {
		ops[rec.Operation]++
	}
	assert.Equal(t, map[string]int{OpProbe: 2, OpRenew: 1}, ops)
}

func TestSimulatedDiscovery(t *testing.T) {
	d := NewSimulatedDiscovery(simRelayA, simRelayB)

	addrs, err := d.DiscoverRelays(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{simRelayA, simRelayB}, addrs)

	snap, err := d.HealthSnapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)

	d.SetSnapshot(&interfaces.RelayHealthSnapshot{ActiveRelayID: "relay-x", HealthScore: 0.5})
	snap, err = d.HealthSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "relay-x", snap.ActiveRelayID)

	d.SetError(errors.New("discovery offline"))
	_, err = d.DiscoverRelays(context.Background())
	assert.Error(t, err)
}

func TestManagerOverSimulatedTransport(t *testing.T) {
	sim := NewSimulatedRelayTransport()
	sim.SetBehavior(simRelayA, RelayBehavior{ConnectError: relay.NewError(relay.ErrorRelayOverloaded, "full")})
	sim.SetBehavior(simRelayB, RelayBehavior{FailuresBeforeSuccess: 1, Reserve: true})

	mgr, err := relay.NewManager(sim, NewSimulatedDiscovery(simRelayB), relay.WithConfig(fastRelayConfig()), relay.WithMaxRetries(1))
	require.NoError(t, err)
	require.NoError(t, mgr.Initialize(context.Background(), []string{simRelayA}, true))

	require.NoError(t, mgr.ConnectToRelay(context.Background(), ""))

	assert.Equal(t, 2, sim.Attempts(simRelayA))
	assert.Equal(t, 2, sim.Attempts(simRelayB))

	active := mgr.GetActiveRelay()
	require.NotNil(t, active)
	idB, err := relay.RelayIDFromAddress(simRelayB)
	require.NoError(t, err)
	assert.Equal(t, idB, active.ID)
	assert.Equal(t, relay.StateReserved, active.State)
	assert.Equal(t, 85.0, active.HealthScore)

	idA, err := relay.RelayIDFromAddress(simRelayA)
	require.NoError(t, err)
	a, err := mgr.GetRelay(idA)
	require.NoError(t, err)
	assert.Equal(t, relay.StateFailed, a.State)
	require.Len(t, a.RecentErrors, 2)
	assert.Equal(t, relay.ErrorRelayOverloaded, a.RecentErrors[0].Type)
}
