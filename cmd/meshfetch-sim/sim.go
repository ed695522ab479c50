package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/meshfetch"
	"github.com/opd-ai/meshfetch/config"
	"github.com/opd-ai/meshfetch/relay"
	"github.com/opd-ai/meshfetch/scheduler"
	meshtesting "github.com/opd-ai/meshfetch/testing"
	"github.com/sirupsen/logrus"
)

// ErrStalled is returned when a download makes no progress for too long.
var ErrStalled = errors.New("download stalled")

// simOptions describes one simulated download.
type simOptions struct {
	Config        *config.Config
	Chunks        int
	ChunkSize     uint64
	Peers         int
	Relays        int
	RefusingRelay bool
	FailureRate   float64
	CorruptRate   float64
	SilentPeers   int
	BatchSize     int
	StallRounds   int
	Seed          int64
	OnRound       func(round int, st scheduler.State)
}

type simResult struct {
	SessionID   string
	TotalSize   uint64
	Report      meshtesting.DownloadReport
	ActiveRelay *relay.Node
	RelayStats  relay.Stats
}

// stallDetector counts consecutive rounds in which no chunk reached a
// terminal state.
type stallDetector struct {
	limit int
	last  int
	idle  int
}

func newStallDetector(limit int) *stallDetector {
	return &stallDetector{limit: limit, last: -1}
}

// observe returns true once the limit of idle rounds has been reached.
func (d *stallDetector) observe(st scheduler.State) bool {
	done := st.Received + st.Corrupted
	if done != d.last {
		d.last = done
		d.idle = 0
		return false
	}
	d.idle++
	return d.limit > 0 && d.idle >= d.limit
}

func relayAddress(i int) string {
	return fmt.Sprintf("/ip4/198.51.100.%d/tcp/4001", i+1)
}

// runSimulation wires a session to simulated relays and a simulated swarm
// and drives the download on a virtual clock.
func runSimulation(ctx context.Context, opts simOptions) (*simResult, error) {
	if opts.Chunks <= 0 || opts.ChunkSize == 0 {
		return nil, fmt.Errorf("need at least one chunk of non-zero size")
	}
	if opts.Peers <= 0 {
		return nil, fmt.Errorf("need at least one peer")
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	clock := meshtesting.NewVirtualClock(time.Now())
	transport := meshtesting.NewSimulatedRelayTransport()
	transport.SetClock(clock.Now)

	addrs := make([]string, opts.Relays)
	for i := range addrs {
		addrs[i] = relayAddress(i)
		transport.SetBehavior(addrs[i], meshtesting.RelayBehavior{
			Latency:        time.Duration(20+15*i) * time.Millisecond,
			Reserve:        true,
			ReservationTTL: time.Hour,
		})
	}
	if opts.RefusingRelay && len(addrs) > 0 {
		transport.SetBehavior(addrs[0], meshtesting.RelayBehavior{
			ConnectError: relay.NewError(relay.ErrorConnectionRefused, "simulated relay refuses connections"),
		})
	}

	var preferred, discovered []string
	if len(addrs) > 0 {
		preferred, discovered = addrs[:1], addrs[1:]
	}
	discovery := meshtesting.NewSimulatedDiscovery(discovered...)

	session, err := meshfetch.NewSession(cfg, transport, discovery)
	if err != nil {
		return nil, err
	}
	defer session.Close()
	session.SetTimeProvider(clock)

	if err := session.Start(ctx, preferred); err != nil {
		return nil, err
	}
	if len(addrs) > 0 {
		if err := session.Relays().ConnectToRelay(ctx, ""); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "runSimulation",
				"error":    err.Error(),
			}).Warn("No relay connection, continuing with direct peers only")
		}
	}

	manifest, err := scheduler.UniformManifest(uint64(opts.Chunks)*opts.ChunkSize, opts.ChunkSize)
	if err != nil {
		return nil, err
	}
	sched := session.Scheduler()
	sched.InitScheduler(manifest)

	profiles := make([]meshtesting.PeerProfile, opts.Peers)
	for i := range profiles {
		profiles[i] = meshtesting.PeerProfile{
			ID:            fmt.Sprintf("peer-%02d", i+1),
			MaxConcurrent: 2 + i%3,
			Latency:       time.Duration(40+35*i) * time.Millisecond,
			FailureRate:   opts.FailureRate,
			CorruptRate:   opts.CorruptRate,
			Silent:        i < opts.SilentPeers,
		}
	}
	swarm := meshtesting.NewSimulatedSwarm(opts.Seed, profiles...)
	swarm.Register(sched)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stall := newStallDetector(opts.StallRounds)
	stalled := false
	report, err := swarm.Download(runCtx, sched, clock, meshtesting.DownloadOptions{
		BatchSize: opts.BatchSize,
		OnRound: func(round int, st scheduler.State) {
			if opts.OnRound != nil {
				opts.OnRound(round, st)
			}
			if stall.observe(st) {
				stalled = true
				cancel()
			}
		},
	})
	if stalled {
		return nil, fmt.Errorf("%w after %d rounds", ErrStalled, report.Rounds)
	}
	if err != nil {
		return nil, err
	}

	return &simResult{
		SessionID:   session.ID(),
		TotalSize:   manifest.TotalSize(),
		Report:      report,
		ActiveRelay: session.Relays().GetActiveRelay(),
		RelayStats:  session.Relays().GetStats(),
	}, nil
}
