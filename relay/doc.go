// Package relay manages a pool of relay servers for peers that cannot be
// reached directly.
//
// A Manager keeps per-relay health scores, connects through the best
// eligible relay and falls back to the next one when retries run out:
//
//	mgr, err := relay.NewManager(transport, discovery,
//	    relay.WithMaxRetries(3),
//	    relay.WithMinHealthScore(20),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := mgr.Initialize(ctx, []string{"/ip4/203.0.113.7/tcp/4001/p2p/Qm..."}, true); err != nil {
//	    log.Printf("discovery: %v", err)
//	}
//	if err := mgr.ConnectToRelay(ctx, ""); err != nil {
//	    var rerr *relay.Error
//	    if errors.As(err, &rerr) {
//	        log.Printf("relay failure: %s", rerr.Type)
//	    }
//	}
//
// # Health
//
// Scores live in [0, 100]. Preferred relays start at 100 and discovered
// ones at 75. A connection adds 10, exhausting retries subtracts
// HealthScoreDecay, and periodic probes adjust the score by a few points
// depending on latency. Relays below MinHealthScore or in the FAILED state
// are never auto-selected, although ConnectToRelay with an explicit id
// still dials them.
//
// # Retries
//
// Each relay gets MaxRetries+1 attempts. Waits between attempts come from
// an exponential backoff capped at MaxRetryDelay and abort when the
// context is cancelled.
//
// # Reservations
//
// MonitorReservations renews reservations that are close to expiry; the
// health-check loop started by StartHealthChecks calls it on every tick.
//
// # Events
//
// Subscribe delivers state, active-relay, health and error events. Events
// are dispatched after the manager's lock is released, so listeners may
// call back into the manager.
package relay
