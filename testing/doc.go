// Package testing provides in-memory stand-ins for the network so the
// scheduler and relay manager can be exercised deterministically.
//
// # Relays
//
// SimulatedRelayTransport implements interfaces.IRelayTransport. Each
// address is scripted with a RelayBehavior; unscripted addresses connect
// at once without a reservation:
//
//	transport := testing.NewSimulatedRelayTransport()
//	transport.SetBehavior("/dns4/relay-a.example/tcp/4001", testing.RelayBehavior{
//	    FailuresBeforeSuccess: 2,
//	    Latency:               40 * time.Millisecond,
//	    Reserve:               true,
//	})
//	mgr, _ := relay.NewManager(transport, testing.NewSimulatedDiscovery())
//
// Every Connect, Renew and Probe call lands in the attempt log
// (GetAttemptLog) for verification.
//
// # Chunk peers
//
// SimulatedSwarm serves scheduler requests from PeerProfile scripts seeded
// with a fixed random source, and Download drives a scheduler to
// completion on a VirtualClock:
//
//	clock := testing.NewVirtualClock(time.Unix(0, 0))
//	sched := scheduler.New()
//	sched.SetTimeProvider(clock)
//	sched.InitScheduler(manifest)
//
//	swarm := testing.NewSimulatedSwarm(1,
//	    testing.PeerProfile{ID: "fast", MaxConcurrent: 4, Latency: 50 * time.Millisecond},
//	    testing.PeerProfile{ID: "flaky", MaxConcurrent: 2, Latency: 200 * time.Millisecond, FailureRate: 0.3},
//	)
//	swarm.Register(sched)
//	report, err := swarm.Download(ctx, sched, clock, testing.DownloadOptions{BatchSize: 8})
//
// Nothing here touches the network; these types exist for tests and the
// meshfetch-sim command.
package testing
