// Package interfaces defines the collaborator contracts consumed by the relay
// connectivity manager.
//
// The relay core never dials the network itself. It dispatches abstract
// connect, renew and probe operations to an [IRelayTransport] and learns
// about candidate relays from an [IRelayDiscovery]. Production builds plug in
// real transports; tests and the simulator use the in-memory implementations
// from the testing package.
//
// # Transport
//
//	conn, err := transport.Connect(ctx, "/ip4/203.0.113.7/tcp/4001/p2p/Qm...")
//	if err != nil {
//	    // Prefer returning a *relay.Error so the failure keeps its type;
//	    // untyped errors are classified from their message text.
//	}
//	if conn.Reserved {
//	    // conn.ReservationExpiry carries the negotiated lifetime
//	}
//
// # Discovery
//
// Discovery supplies candidate relay addresses and periodic health snapshots
// from an out-of-band source of truth. Snapshots report a health score in
// [0,1]; the relay manager scales it to its own [0,100] range.
package interfaces
