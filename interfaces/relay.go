package interfaces

import (
	"context"
	"time"
)

// IRelayTransport performs the actual dial, reservation and probe work for
// relay nodes identified by address.
type IRelayTransport interface {
	// Connect dials the relay and optionally obtains a reservation.
	Connect(ctx context.Context, address string) (*RelayConnection, error)

	// Renew extends an existing reservation and returns the new expiry.
	// A zero time means the transport did not report one.
	Renew(ctx context.Context, address string) (time.Time, error)

	// Probe measures round-trip latency to the relay without reserving.
	Probe(ctx context.Context, address string) (time.Duration, error)
}

// IRelayDiscovery supplies relay candidates and health snapshots.
type IRelayDiscovery interface {
	// DiscoverRelays returns candidate relay addresses.
	DiscoverRelays(ctx context.Context) ([]string, error)

	// HealthSnapshot returns the latest out-of-band view of the active relay.
	HealthSnapshot(ctx context.Context) (*RelayHealthSnapshot, error)
}

// RelayConnection is the result of a successful Connect.
type RelayConnection struct {
	// Latency of the handshake. Zero lets the caller measure it.
	Latency time.Duration

	// Reserved is true when the relay granted a reservation.
	Reserved bool

	// ReservationExpiry is the negotiated reservation end. Zero means the
	// transport did not report one.
	ReservationExpiry time.Time
}

// RelayHealthSnapshot is an out-of-band health report for one relay.
type RelayHealthSnapshot struct {
	ActiveRelayID string
	// HealthScore in [0,1].
	HealthScore float64
	Reserved    bool
	LastRenewal time.Time
}
