// Package meshfetch keeps a peer-to-peer download moving when peers and
// relays misbehave.
//
// A Session bundles the two halves of the resilience core:
//
//   - a chunk scheduler (package scheduler) that decides which chunk to
//     request from which peer, retries failed chunks and reclaims requests
//     that never complete, and
//   - a relay manager (package relay) that keeps one usable relay
//     connection alive for peers behind NAT, with retry backoff, health
//     scoring, reservation renewal and automatic fallback.
//
// # Getting Started
//
//	cfg, err := config.Load(afero.NewOsFs(), "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	session, err := meshfetch.NewSession(cfg, transport, discovery)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	if err := session.Start(ctx, nil); err != nil {
//	    log.Fatal(err)
//	}
//	if err := session.Relays().ConnectToRelay(ctx, ""); err != nil {
//	    log.Printf("no relay yet: %v", err)
//	}
//
//	session.Scheduler().InitScheduler(manifest)
//	session.Scheduler().AddPeer(peerID, 4)
//	for !session.Scheduler().IsComplete() {
//	    for _, req := range session.Scheduler().GetNextRequests(16) {
//	        go fetch(req) // report back with OnChunkReceived / OnChunkFailed
//	    }
//	}
//
// The transport and discovery collaborators are defined in package
// interfaces. Package testing ships simulated implementations, used by
// the tests and by cmd/meshfetch-sim.
//
// # Deterministic Time
//
// Both components read time through a TimeProvider. Session.SetTimeProvider
// installs one provider on both, which lets tests and the simulator run a
// whole download on a virtual clock.
package meshfetch
