// Package scheduler assigns the chunks of a multi-source file transfer to
// concurrent peer connections and reclaims requests that stall.
//
// # Overview
//
// A Scheduler owns two tables:
//
//   - the chunk-state table, one ChunkState per manifest entry
//   - the peer table, one record per registered peer with its capacity,
//     pending request count, failure count and latency moving average
//
// It never performs I/O. A download orchestrator polls GetNextRequests,
// dispatches the returned requests through its own transport and reports the
// outcome back with OnChunkReceived or OnChunkFailed:
//
//	manifest, _ := scheduler.UniformManifest(fileSize, 256*1024)
//	s := scheduler.New(scheduler.WithStrategy(scheduler.StrategyLoadBalanced))
//	s.InitScheduler(manifest)
//	s.AddPeer("peer-a", 4)
//	s.AddPeer("peer-b", 2)
//
//	for !s.IsComplete() {
//	    for _, req := range s.GetNextRequests(8) {
//	        go fetch(req) // calls s.OnChunkReceived / s.OnChunkFailed
//	    }
//	    time.Sleep(250 * time.Millisecond)
//	}
//
// # Chunk States
//
//	ChunkUnrequested -> ChunkRequested -> ChunkReceived
//	                                   -> ChunkUnrequested (failure, timeout, peer removed)
//	                                   -> ChunkCorrupted   (failure flagged corrupt)
//
// A chunk is REQUESTED exactly when an active request exists for it.
//
// # Staleness
//
// Request timeouts are polled, not timer driven. Each GetNextRequests call
// first treats every request older than its timeout as a failure. Callers
// must therefore poll at a steady cadence; a stale request otherwise stays
// assigned. Chunks whose retry counter reaches MaxRetries stop being offered,
// and detecting a download that makes no progress is left to the caller.
//
// # Strategies
//
//   - StrategyFastestFirst: ascending average response time
//   - StrategyLoadBalanced: ascending pending/maxConcurrent ratio
//   - StrategyRoundRobin: insertion order, starting peer rotated every call
//
// # Deterministic Testing
//
// Inject a TimeProvider to control request ages:
//
//	s.SetTimeProvider(&mockTimeProvider{now: fixed})
package scheduler
