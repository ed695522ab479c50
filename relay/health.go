package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/opd-ai/meshfetch/interfaces"
	"github.com/opd-ai/meshfetch/limits"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	fastProbeLatency = 100 * time.Millisecond
	okProbeLatency   = 500 * time.Millisecond
	fastProbeReward  = 5.0
	okProbeReward    = 2.0
	probePenalty     = 5.0
	// probeLatencyWeight is the share a probe sample takes in AvgLatency.
	probeLatencyWeight = 0.3
)

// StartHealthChecks launches the periodic health-check loop. It is a no-op
// when the loop is already running. The loop ends when ctx is cancelled,
// after which StartHealthChecks may be called again.
func (m *Manager) StartHealthChecks(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.healthRunning {
		if m.healthParent.Err() == nil {
			return
		}
		// The previous parent is gone but its goroutine has not yet
		// cleared the flag; it will see a newer generation and leave
		// this loop alone.
		m.healthCancel()
	}
	m.startHealthLoopLocked(ctx)
}

func (m *Manager) startHealthLoopLocked(parent context.Context) {
	m.healthParent = parent
	ctx, cancel := context.WithCancel(parent)
	interval := time.Duration(m.config.HealthCheckIntervalSeconds) * time.Second
	m.healthCancel = cancel
	m.healthRunning = true
	m.healthGen++
	gen := m.healthGen

	m.healthWG.Add(1)
	go func() {
		defer m.healthWG.Done()
		m.healthLoop(ctx, interval)
		m.healthLoopExited(gen)
	}()

	logrus.WithFields(logrus.Fields{
		"function": "StartHealthChecks",
		"interval": interval,
	}).Info("Relay health checks started")
}

// healthLoopExited clears the running flag when loop gen ended on its own,
// which happens when the caller's context is cancelled.
func (m *Manager) healthLoopExited(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.healthGen != gen || !m.healthRunning {
		return
	}
	m.healthCancel()
	m.healthCancel = nil
	m.healthRunning = false

	logrus.WithField("function", "healthLoop").Debug("Relay health checks ended with their context")
}

func (m *Manager) healthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RunHealthCheck(ctx); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "healthLoop",
					"error":    err.Error(),
				}).Debug("Health check round reported failures")
			}
			if err := m.MonitorReservations(ctx); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "healthLoop",
					"error":    err.Error(),
				}).Warn("Reservation renewal failed")
			}
		}
	}
}

// StopHealthChecks cancels the health-check loop and waits for it to exit.
func (m *Manager) StopHealthChecks() {
	m.mu.Lock()
	if !m.healthRunning {
		m.mu.Unlock()
		return
	}
	cancel := m.healthCancel
	m.healthCancel = nil
	m.healthRunning = false
	m.mu.Unlock()

	cancel()
	m.healthWG.Wait()

	logrus.WithField("function", "StopHealthChecks").Info("Relay health checks stopped")
}

// SetHealthCheckInterval changes the probe interval, clamped to the allowed
// range, and restarts a running loop with it. It returns the applied value.
func (m *Manager) SetHealthCheckInterval(seconds int) int {
	applied := limits.ClampHealthCheckInterval(seconds)

	m.mu.Lock()
	m.config.HealthCheckIntervalSeconds = applied
	running := m.healthRunning
	parent := m.healthParent
	m.mu.Unlock()

	if applied != seconds {
		logrus.WithFields(logrus.Fields{
			"function":  "SetHealthCheckInterval",
			"requested": seconds,
			"applied":   applied,
		}).Warn("Health check interval clamped")
	}

	if running && parent.Err() == nil {
		m.StopHealthChecks()
		m.mu.Lock()
		if !m.healthRunning {
			m.startHealthLoopLocked(parent)
		}
		m.mu.Unlock()
	}
	return applied
}

type probeTarget struct {
	id      string
	address string
}

type probeResult struct {
	latency time.Duration
	err     error
}

// RunHealthCheck probes every relay not probed within the cooldown and
// folds the results into health scores. Probes run concurrently under the
// configured rate limit. Probe failures lower scores but are not recorded
// in the error logs; they are returned together.
func (m *Manager) RunHealthCheck(ctx context.Context) error {
	m.mu.Lock()
	now := m.timeProvider.Now()
	var targets []probeTarget
	for _, id := range m.order {
		n := m.relays[id]
		if !n.info.LastProbe.IsZero() && now.Sub(n.info.LastProbe) < limits.ProbeCooldown {
			continue
		}
		targets = append(targets, probeTarget{id: id, address: n.info.Address})
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		return nil
	}

	results := make([]probeResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			if err := m.probeLimiter.Wait(gctx); err != nil {
				results[i] = probeResult{err: err}
				return nil
			}
			latency, err := m.transport.Probe(gctx, target.address)
			results[i] = probeResult{latency: latency, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var result *multierror.Error
	defer m.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	probedAt := m.timeProvider.Now()
	for i, target := range targets {
		node, ok := m.relays[target.id]
		if !ok {
			continue
		}
		res := results[i]
		if ctx.Err() != nil && res.err != nil {
			continue
		}
		node.info.LastProbe = probedAt
		before := node.info.HealthScore

		if res.err != nil {
			node.info.HealthScore = limits.ClampHealthScore(before - probePenalty)
			result = multierror.Append(result, fmt.Errorf("probe %s: %w", target.id, res.err))
		} else {
			switch {
			case res.latency < fastProbeLatency:
				node.info.HealthScore = limits.ClampHealthScore(before + fastProbeReward)
			case res.latency < okProbeLatency:
				node.info.HealthScore = limits.ClampHealthScore(before + okProbeReward)
			}
			if node.info.AvgLatency == 0 {
				node.info.AvgLatency = res.latency
			} else {
				node.info.AvgLatency = time.Duration((1-probeLatencyWeight)*float64(node.info.AvgLatency) + probeLatencyWeight*float64(res.latency))
			}
			// A failed relay that answers again rejoins the pool. Selection
			// still requires its score to clear MinHealthScore.
			if node.info.State == StateFailed && !node.inFlight {
				m.setStateLocked(node, StateIdle)
				logrus.WithFields(logrus.Fields{
					"function": "RunHealthCheck",
					"relay_id": target.id,
					"health":   node.info.HealthScore,
				}).Info("Failed relay answered probe, eligible again")
			}
		}

		if node.info.HealthScore != before {
			m.queueLocked(Event{
				Type:        EventHealthChanged,
				RelayID:     target.id,
				State:       node.info.State,
				HealthScore: node.info.HealthScore,
			})
		}
	}

	if result != nil {
		logrus.WithFields(logrus.Fields{
			"function": "RunHealthCheck",
			"probed":   len(targets),
			"failed":   len(result.Errors),
		}).Debug("Health probes completed with failures")
	}

	if err := ctx.Err(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// ApplyHealthSnapshot folds an externally observed relay status into the
// pool. An unknown relay is ignored.
func (m *Manager) ApplyHealthSnapshot(snap *interfaces.RelayHealthSnapshot) {
	if snap == nil || snap.ActiveRelayID == "" {
		return
	}

	defer m.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.relays[snap.ActiveRelayID]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "ApplyHealthSnapshot",
			"relay_id": snap.ActiveRelayID,
		}).Debug("Snapshot names a relay outside the pool")
		return
	}

	before := node.info.HealthScore
	node.info.HealthScore = limits.ClampHealthScore(snap.HealthScore * limits.MaxHealthScore)
	if snap.Reserved {
		renewedAt := snap.LastRenewal
		if renewedAt.IsZero() {
			renewedAt = m.timeProvider.Now()
		}
		node.info.ReservationExpiry = renewedAt.Add(m.config.DefaultReservationTTL)
		node.info.LastSuccess = renewedAt
		m.setStateLocked(node, StateReserved)
	}
	m.setActiveLocked(node.info.ID)

	if node.info.HealthScore != before {
		m.queueLocked(Event{
			Type:        EventHealthChanged,
			RelayID:     node.info.ID,
			State:       node.info.State,
			HealthScore: node.info.HealthScore,
		})
	}
}

// SyncFromDiscovery pulls a health snapshot from discovery and applies it.
func (m *Manager) SyncFromDiscovery(ctx context.Context) error {
	if m.discovery == nil {
		return nil
	}
	snap, err := m.discovery.HealthSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("relay health snapshot: %w", err)
	}
	m.ApplyHealthSnapshot(snap)
	return nil
}
