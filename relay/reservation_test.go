package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opd-ai/meshfetch/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReservedManager(t *testing.T, transport *mockTransport) (*Manager, *mockTimeProvider, string, string) {
	t.Helper()
	transport.succeedConnect(addrA, &interfaces.RelayConnection{Reserved: true})
	m, tp := newTestManager(t, transport, nil, WithMaxRetries(0))
	require.NoError(t, m.Initialize(context.Background(), []string{addrA, addrB}, false))

	idA, idB := relayID(t, addrA), relayID(t, addrB)
	require.NoError(t, m.ConnectToRelay(context.Background(), idA))
	require.Equal(t, idA, m.ActiveRelayID())
	return m, tp, idA, idB
}

func TestMonitorReservationsSkipsFreshReservations(t *testing.T) {
	transport := newMockTransport()
	m, tp, _, _ := newReservedManager(t, transport)

	tp.advance(30 * time.Minute)
	require.NoError(t, m.MonitorReservations(context.Background()))

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Zero(t, transport.renewals[addrA])
}

func TestMonitorReservationsRenews(t *testing.T) {
	transport := newMockTransport()
	m, tp, idA, _ := newReservedManager(t, transport)

	tp.advance(56 * time.Minute)
	newExpiry := tp.Now().Add(time.Hour)
	transport.renew[addrA] = func() (time.Time, error) { return newExpiry, nil }

	require.NoError(t, m.MonitorReservations(context.Background()))

	node, err := m.GetRelay(idA)
	require.NoError(t, err)
	assert.Equal(t, StateReserved, node.State)
	assert.Equal(t, newExpiry, node.ReservationExpiry)
	assert.Equal(t, idA, m.ActiveRelayID())
}

func TestMonitorReservationsFailureFallsBack(t *testing.T) {
	transport := newMockTransport()
	m, tp, idA, idB := newReservedManager(t, transport)

	tp.advance(57 * time.Minute)
	transport.renew[addrA] = func() (time.Time, error) { return time.Time{}, errors.New("relay said no") }

	err := m.MonitorReservations(context.Background())
	require.Error(t, err)
	assert.True(t, IsType(err, ErrorReservationFailed))

	a, err := m.GetRelay(idA)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, a.State)
	assert.Equal(t, 85.0, a.HealthScore)
	assert.True(t, a.ReservationExpiry.IsZero())
	require.Len(t, a.RecentErrors, 1)
	assert.Equal(t, ErrorReservationFailed, a.RecentErrors[0].Type)

	assert.Equal(t, idB, m.ActiveRelayID())
}

func TestMonitorReservationsExpired(t *testing.T) {
	transport := newMockTransport()
	m, tp, idA, _ := newReservedManager(t, transport)

	tp.advance(61 * time.Minute)
	transport.renew[addrA] = func() (time.Time, error) { return time.Time{}, errors.New("gone") }

	err := m.MonitorReservations(context.Background())
	require.Error(t, err)

	log := m.GetErrorLog()
	require.NotEmpty(t, log)
	assert.Equal(t, ErrorReservationExpired, log[0].Type)
	assert.Equal(t, idA, log[0].RelayID)
}

func TestMonitorReservationsTypedErrorKeepsType(t *testing.T) {
	transport := newMockTransport()
	m, tp, _, _ := newReservedManager(t, transport)

	tp.advance(58 * time.Minute)
	transport.renew[addrA] = func() (time.Time, error) {
		return time.Time{}, NewError(ErrorAuthenticationFailed, "voucher rejected")
	}

	err := m.MonitorReservations(context.Background())
	require.Error(t, err)
	assert.True(t, IsType(err, ErrorAuthenticationFailed))
}

func TestMonitorReservationsInactiveRelayNoFallback(t *testing.T) {
	transport := newMockTransport()
	transport.succeedConnect(addrA, &interfaces.RelayConnection{Reserved: true})
	transport.succeedConnect(addrB, &interfaces.RelayConnection{})
	m, tp := newTestManager(t, transport, nil, WithMaxRetries(0))
	require.NoError(t, m.Initialize(context.Background(), []string{addrA, addrB}, false))

	idA, idB := relayID(t, addrA), relayID(t, addrB)
	require.NoError(t, m.ConnectToRelay(context.Background(), idA))
	require.NoError(t, m.ConnectToRelay(context.Background(), idB))
	require.Equal(t, idB, m.ActiveRelayID())

	tp.advance(59 * time.Minute)
	transport.renew[addrA] = func() (time.Time, error) { return time.Time{}, errors.New("no") }

	require.Error(t, m.MonitorReservations(context.Background()))
	assert.Equal(t, idB, m.ActiveRelayID())
	assert.Equal(t, 1, transport.attemptCount(addrB), "no extra connection attempt")
}
