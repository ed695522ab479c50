package relay

import (
	"fmt"
	"sort"
)

// Stats summarizes the pool.
type Stats struct {
	PoolSize           int
	HealthyCount       int
	ConnectedCount     int
	TotalErrors        int
	AverageHealthScore float64
	ActiveRelayID      string
}

// GetRelay returns a snapshot of one relay.
func (m *Manager) GetRelay(id string) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.relays[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrUnknownRelay, id)
	}
	return n.view(), nil
}

// GetRelays returns snapshots of every relay in insertion order.
func (m *Manager) GetRelays() []Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Node, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.relays[id].view())
	}
	return out
}

// GetActiveRelay returns the relay currently carrying traffic, or nil.
func (m *Manager) GetActiveRelay() *Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.relays[m.activeID]
	if !ok {
		return nil
	}
	v := n.view()
	return &v
}

// ActiveRelayID returns the active relay id, empty when none.
func (m *Manager) ActiveRelayID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// GetErrorLog returns the global error log, newest first.
func (m *Manager) GetErrorLog() []Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Error, len(m.errorLog))
	copy(out, m.errorLog)
	return out
}

// GetHealthyRelays returns relays at or above MinHealthScore, healthiest
// first.
func (m *Manager) GetHealthyRelays() []Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Node
	for _, id := range m.order {
		n := m.relays[id]
		if n.info.HealthScore >= m.config.MinHealthScore {
			out = append(out, n.view())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].HealthScore > out[j].HealthScore
	})
	return out
}

// GetStats returns pool counters.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		PoolSize:      len(m.relays),
		TotalErrors:   m.totalErrors,
		ActiveRelayID: m.activeID,
	}
	var sum float64
	for _, n := range m.relays {
		sum += n.info.HealthScore
		if n.info.HealthScore >= m.config.MinHealthScore {
			stats.HealthyCount++
		}
		if n.info.State == StateConnected || n.info.State == StateReserved {
			stats.ConnectedCount++
		}
	}
	if len(m.relays) > 0 {
		stats.AverageHealthScore = sum / float64(len(m.relays))
	}
	return stats
}

// GetConfig returns the effective configuration.
func (m *Manager) GetConfig() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// GetHealthCheckInterval returns the probe interval in seconds.
func (m *Manager) GetHealthCheckInterval() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.HealthCheckIntervalSeconds
}
