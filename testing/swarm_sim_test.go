package testing

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/meshfetch/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSimScheduler(t *testing.T, chunks int, opts ...scheduler.Option) (*scheduler.Scheduler, *VirtualClock) {
	t.Helper()
	manifest, err := scheduler.UniformManifest(uint64(chunks)*4096, 4096)
	require.NoError(t, err)

	clock := NewVirtualClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	sched := scheduler.New(opts...)
	sched.SetTimeProvider(clock)
	sched.InitScheduler(manifest)
	return sched, clock
}

func TestVirtualClock(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := NewVirtualClock(start)

	clock.Advance(2 * time.Second)
	assert.Equal(t, 2*time.Second, clock.Since(start))

	clock.Set(start)
	assert.Equal(t, start.Add(2*time.Second), clock.Now(), "the clock never moves backwards")
}

func TestSwarmDownloadCompletes(t *testing.T) {
	sched, clock := newSimScheduler(t, 20)
	swarm := NewSimulatedSwarm(7,
		PeerProfile{ID: "peer-a", MaxConcurrent: 3, Latency: 40 * time.Millisecond},
		PeerProfile{ID: "peer-b", MaxConcurrent: 2, Latency: 120 * time.Millisecond},
	)
	swarm.Register(sched)

	rounds := 0
	report, err := swarm.Download(context.Background(), sched, clock, DownloadOptions{
		BatchSize: 8,
		OnRound:   func(int, scheduler.State) { rounds++ },
	})
	require.NoError(t, err)

	assert.True(t, report.Complete)
	assert.Equal(t, 20, report.Requests)
	assert.Zero(t, report.Failures)
	assert.Empty(t, report.Exhausted)
	assert.Equal(t, report.Rounds, rounds)
	assert.Equal(t, 1.0, sched.Progress())
	assert.Positive(t, report.Elapsed)
}

func TestSwarmDownloadIsDeterministic(t *testing.T) {
	run := func() DownloadReport {
		sched, clock := newSimScheduler(t, 30)
		swarm := NewSimulatedSwarm(42,
			PeerProfile{ID: "steady", MaxConcurrent: 2, Latency: 80 * time.Millisecond, FailureRate: 0.2},
			PeerProfile{ID: "flaky", MaxConcurrent: 4, Latency: 30 * time.Millisecond, FailureRate: 0.5},
		)
		swarm.Register(sched)
		report, err := swarm.Download(context.Background(), sched, clock, DownloadOptions{BatchSize: 6})
		require.NoError(t, err)
		return report
	}

	assert.Equal(t, run(), run())
}

func TestSwarmDownloadReclaimsSilentPeer(t *testing.T) {
	sched, clock := newSimScheduler(t, 4, scheduler.WithRequestTimeout(5*time.Second))
	swarm := NewSimulatedSwarm(1,
		PeerProfile{ID: "good", MaxConcurrent: 1, Latency: 100 * time.Millisecond},
		PeerProfile{ID: "silent", MaxConcurrent: 1, Silent: true},
	)
	swarm.Register(sched)

	report, err := swarm.Download(context.Background(), sched, clock, DownloadOptions{BatchSize: 4})
	require.NoError(t, err)
	assert.True(t, report.Complete)

	silent := 0
	for _, res := range swarm.GetFetchLog() {
		if res.PeerID == "silent" {
			assert.True(t, res.Silent)
			silent++
		}
	}
	assert.Equal(t, 1, silent)

	p, ok := sched.GetPeer("silent")
	require.True(t, ok)
	assert.Equal(t, 1, p.FailureCount)
}

func TestSwarmDownloadExhaustsRetries(t *testing.T) {
	sched, clock := newSimScheduler(t, 3, scheduler.WithMaxRetries(3))
	swarm := NewSimulatedSwarm(1, PeerProfile{ID: "broken", MaxConcurrent: 4, Latency: 10 * time.Millisecond, FailureRate: 1})
	swarm.Register(sched)

	report, err := swarm.Download(context.Background(), sched, clock, DownloadOptions{})
	require.NoError(t, err)

	assert.False(t, report.Complete)
	assert.Equal(t, 9, report.Failures)
	assert.Equal(t, []int{0, 1, 2}, report.Exhausted)
}

func TestSwarmDownloadCorruptedChunksStay(t *testing.T) {
	sched, clock := newSimScheduler(t, 2)
	swarm := NewSimulatedSwarm(1, PeerProfile{ID: "liar", MaxConcurrent: 2, Latency: 10 * time.Millisecond, CorruptRate: 1})
	swarm.Register(sched)

	report, err := swarm.Download(context.Background(), sched, clock, DownloadOptions{})
	require.NoError(t, err)

	assert.False(t, report.Complete)
	assert.Equal(t, 2, report.Corrupted)
	st, ok := sched.GetChunkState(0)
	require.True(t, ok)
	assert.Equal(t, scheduler.ChunkCorrupted, st)
}

func TestSwarmDownloadHonorsContext(t *testing.T) {
	sched, clock := newSimScheduler(t, 5)
	swarm := NewSimulatedSwarm(1, PeerProfile{ID: "a", MaxConcurrent: 1, Latency: time.Millisecond})
	swarm.Register(sched)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := swarm.Download(ctx, sched, clock, DownloadOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSwarmFetchUnknownPeer(t *testing.T) {
	swarm := NewSimulatedSwarm(1)
	res := swarm.Fetch(scheduler.ChunkRequest{ChunkIndex: 3, PeerID: "ghost"})
	assert.ErrorIs(t, res.Err, ErrUnknownPeer)
	assert.Equal(t, 3, res.ChunkIndex)
}
