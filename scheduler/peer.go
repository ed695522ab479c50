package scheduler

import (
	"sort"
	"time"

	"github.com/VividCortex/ewma"
)

// latencyAge gives the moving average a decay of 2/(age+1) = 0.2, so each
// new sample carries 20% weight and history keeps 80%.
const latencyAge = 9

// Strategy selects how available peers are ordered for assignment.
type Strategy string

const (
	// StrategyFastestFirst orders peers by ascending average response time.
	StrategyFastestFirst Strategy = "fastest-first"
	// StrategyLoadBalanced orders peers by ascending pending/maxConcurrent ratio.
	StrategyLoadBalanced Strategy = "load-balanced"
	// StrategyRoundRobin keeps insertion order, rotating the starting peer
	// on every scheduling call.
	StrategyRoundRobin Strategy = "round-robin"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyFastestFirst, StrategyLoadBalanced, StrategyRoundRobin:
		return true
	}
	return false
}

// Peer is a read-only view of a scheduler peer record.
type Peer struct {
	ID              string
	Available       bool
	LastSeen        time.Time
	PendingRequests int
	MaxConcurrent   int
	AvgResponseTime time.Duration
	FailureCount    int
}

type peerRecord struct {
	id            string
	available     bool
	lastSeen      time.Time
	pending       int
	maxConcurrent int
	failureCount  int
	latency       ewma.MovingAverage // milliseconds
}

func newPeerRecord(id string, maxConcurrent int, seed time.Duration, now time.Time) *peerRecord {
	avg := ewma.NewMovingAverage(latencyAge)
	avg.Set(durationToMillis(seed))

	return &peerRecord{
		id:            id,
		available:     true,
		lastSeen:      now,
		maxConcurrent: maxConcurrent,
		latency:       avg,
	}
}

func (p *peerRecord) hasCapacity() bool {
	return p.pending < p.maxConcurrent
}

func (p *peerRecord) load() float64 {
	if p.maxConcurrent <= 0 {
		return 1
	}
	return float64(p.pending) / float64(p.maxConcurrent)
}

func (p *peerRecord) observe(sample time.Duration) {
	p.latency.Add(durationToMillis(sample))
}

func (p *peerRecord) view() Peer {
	return Peer{
		ID:              p.id,
		Available:       p.available,
		LastSeen:        p.lastSeen,
		PendingRequests: p.pending,
		MaxConcurrent:   p.maxConcurrent,
		AvgResponseTime: time.Duration(p.latency.Value() * float64(time.Millisecond)),
		FailureCount:    p.failureCount,
	}
}

// orderPeers sorts candidates in place according to strategy. Candidates
// arrive in insertion order, which is also the tie-breaker.
func orderPeers(candidates []*peerRecord, strategy Strategy, cursor int) []*peerRecord {
	switch strategy {
	case StrategyLoadBalanced:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].load() < candidates[j].load()
		})
	case StrategyRoundRobin:
		if n := len(candidates); n > 1 {
			start := cursor % n
			rotated := make([]*peerRecord, 0, n)
			rotated = append(rotated, candidates[start:]...)
			candidates = append(rotated, candidates[:start]...)
		}
	default:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].latency.Value() < candidates[j].latency.Value()
		})
	}
	return candidates
}

func durationToMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
