package testing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/meshfetch/scheduler"
	"github.com/sirupsen/logrus"
)

// ErrUnknownPeer is returned when a request names a peer the swarm lacks.
var ErrUnknownPeer = errors.New("peer not in simulated swarm")

// VirtualClock is a manually advanced clock that satisfies the time
// provider interfaces of both the scheduler and the relay manager.
type VirtualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewVirtualClock returns a clock frozen at start.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

// Now returns the current virtual time.
func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns the virtual time elapsed since t.
func (c *VirtualClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance moves the clock forward by d.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t if t is later than the current time.
func (c *VirtualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

// PeerProfile describes one simulated chunk source.
type PeerProfile struct {
	ID            string
	MaxConcurrent int
	Latency       time.Duration
	// FailureRate is the probability in [0, 1] that a fetch fails.
	FailureRate float64
	// CorruptRate is the probability that a successful fetch returns bad data.
	CorruptRate float64
	// Silent peers never answer, so their requests time out.
	Silent bool
}

// FetchResult is the outcome of one simulated chunk fetch.
type FetchResult struct {
	ChunkIndex int
	PeerID     string
	Latency    time.Duration
	Corrupted  bool
	Silent     bool
	Err        error
}

// SimulatedSwarm answers chunk requests from scripted peers. A fixed seed
// makes every run reproducible.
type SimulatedSwarm struct {
	mu       sync.Mutex
	peers    map[string]PeerProfile
	rng      *rand.Rand
	fetchLog []FetchResult
}

// NewSimulatedSwarm creates a swarm of the given peers.
func NewSimulatedSwarm(seed int64, peers ...PeerProfile) *SimulatedSwarm {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	logrus.WithFields(logrus.Fields{
		"function": "NewSimulatedSwarm",
		"peers":    len(peers),
		"seed":     seed,
	}).Info("Creating simulated swarm for testing")

	s := &SimulatedSwarm{
		peers: make(map[string]PeerProfile, len(peers)),
		rng:   rand.New(rand.NewSource(seed)),
	}
	for _, p := range peers {
		s.peers[p.ID] = p
	}
	return s
}

// Peers returns the profiles sorted by id.
func (s *SimulatedSwarm) Peers() []PeerProfile {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PeerProfile, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Fetch simulates serving req.
func (s *SimulatedSwarm) Fetch(req scheduler.ChunkRequest) FetchResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := FetchResult{ChunkIndex: req.ChunkIndex, PeerID: req.PeerID}
	p, ok := s.peers[req.PeerID]
	switch {
	case !ok:
		res.Err = fmt.Errorf("%w: %s", ErrUnknownPeer, req.PeerID)
	case p.Silent:
		res.Silent = true
	case s.rng.Float64() < p.FailureRate:
		res.Latency = p.Latency
		res.Err = fmt.Errorf("simulated failure from %s for chunk %d", p.ID, req.ChunkIndex)
	default:
		res.Latency = p.Latency
		res.Corrupted = s.rng.Float64() < p.CorruptRate
	}

	s.fetchLog = append(s.fetchLog, res)
	return res
}

// GetFetchLog returns a copy of every fetch made.
func (s *SimulatedSwarm) GetFetchLog() []FetchResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := make([]FetchResult, len(s.fetchLog))
	copy(log, s.fetchLog)
	return log
}

// Register adds every swarm peer to sched.
func (s *SimulatedSwarm) Register(sched *scheduler.Scheduler) {
	for _, p := range s.Peers() {
		sched.AddPeer(p.ID, p.MaxConcurrent)
	}
}

// DownloadOptions bounds a simulated download.
type DownloadOptions struct {
	// BatchSize is passed to GetNextRequests each round.
	BatchSize int
	// MaxRounds stops the run; zero means 10000.
	MaxRounds int
	// Tick is how far the clock moves in a round where nothing answers.
	// Zero means one second.
	Tick time.Duration
	// OnRound is called after every round, for progress reporting.
	OnRound func(round int, st scheduler.State)
}

// DownloadReport summarizes a simulated download.
type DownloadReport struct {
	Rounds    int
	Requests  int
	Failures  int
	Corrupted int
	Complete  bool
	Exhausted []int
	Elapsed   time.Duration
}

// Download drives sched against the swarm until the manifest completes,
// no further progress is possible, MaxRounds is reached or ctx ends. Chunk
// responses within a round are delivered in latency order on clock, which
// must be the scheduler's time provider.
func (s *SimulatedSwarm) Download(ctx context.Context, sched *scheduler.Scheduler, clock *VirtualClock, opts DownloadOptions) (DownloadReport, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 10000
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}

	start := clock.Now()
	var report DownloadReport
	for report.Rounds < opts.MaxRounds {
		if err := ctx.Err(); err != nil {
			report.Elapsed = clock.Since(start)
			return report, err
		}
		if sched.IsComplete() {
			break
		}

		reqs := sched.GetNextRequests(opts.BatchSize)
		report.Rounds++
		report.Requests += len(reqs)

		roundStart := clock.Now()
		results := make([]FetchResult, 0, len(reqs))
		for _, req := range reqs {
			results = append(results, s.Fetch(req))
		}
		sort.SliceStable(results, func(i, j int) bool { return results[i].Latency < results[j].Latency })

		answered := 0
		for _, res := range results {
			if res.Silent {
				continue
			}
			answered++
			clock.Set(roundStart.Add(res.Latency))
			switch {
			case res.Err != nil:
				report.Failures++
				sched.OnChunkFailed(res.ChunkIndex, false)
			case res.Corrupted:
				report.Corrupted++
				sched.OnChunkFailed(res.ChunkIndex, true)
			default:
				sched.OnChunkReceived(res.ChunkIndex)
			}
		}
		if answered == 0 {
			clock.Advance(opts.Tick)
		}

		st := sched.GetSchedulerState()
		if opts.OnRound != nil {
			opts.OnRound(report.Rounds, st)
		}
		if len(reqs) == 0 && st.ActiveRequests == 0 {
			// Nothing in flight and nothing assignable: later rounds would
			// see the same state.
			break
		}
	}

	report.Complete = sched.IsComplete()
	report.Exhausted = sched.ExhaustedChunks()
	report.Elapsed = clock.Since(start)

	logrus.WithFields(logrus.Fields{
		"function": "SimulatedSwarm.Download",
		"rounds":   report.Rounds,
		"requests": report.Requests,
		"failures": report.Failures,
		"complete": report.Complete,
	}).Info("Simulated download finished")

	return report, nil
}
