package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ChunkState represents the scheduling state of one manifest chunk.
type ChunkState uint8

const (
	// ChunkUnrequested means the chunk is waiting to be assigned.
	ChunkUnrequested ChunkState = iota
	// ChunkRequested means the chunk is assigned to a peer.
	ChunkRequested
	// ChunkReceived means the chunk arrived.
	ChunkReceived
	// ChunkCorrupted means the chunk arrived but was rejected by the caller.
	ChunkCorrupted
)

// String returns the state name.
func (s ChunkState) String() string {
	switch s {
	case ChunkUnrequested:
		return "UNREQUESTED"
	case ChunkRequested:
		return "REQUESTED"
	case ChunkReceived:
		return "RECEIVED"
	case ChunkCorrupted:
		return "CORRUPTED"
	default:
		return "UNKNOWN"
	}
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Config holds scheduler tuning.
type Config struct {
	// Chunks whose retry count reaches MaxRetries stop being offered.
	MaxRetries int
	// RequestTimeout is how long a request may stay outstanding before the
	// staleness sweep reclaims it.
	RequestTimeout time.Duration
	Strategy       Strategy
	// DefaultMaxConcurrent applies when AddPeer gets a non-positive limit.
	DefaultMaxConcurrent int
	// InitialResponseTime seeds a new peer's latency average.
	InitialResponseTime time.Duration
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:           3,
		RequestTimeout:       30 * time.Second,
		Strategy:             StrategyFastestFirst,
		DefaultMaxConcurrent: 4,
		InitialResponseTime:  1000 * time.Millisecond,
	}
}

// Option customizes a Scheduler at construction.
type Option func(*Config)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Config) { *c = cfg }
}

// WithStrategy sets the peer ordering strategy.
func WithStrategy(s Strategy) Option {
	return func(c *Config) { c.Strategy = s }
}

// WithMaxRetries sets the per-chunk retry budget.
func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = n }
}

// WithRequestTimeout sets the staleness timeout for outstanding requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeout = d }
}

// ChunkRequest is an active assignment of a chunk to a peer.
type ChunkRequest struct {
	ChunkIndex  int
	PeerID      string
	RequestedAt time.Time
	Timeout     time.Duration
}

// State is a read-only snapshot of scheduler counters.
type State struct {
	Unrequested    int
	Requested      int
	Received       int
	Corrupted      int
	ActiveRequests int
	AvailablePeers int
	TotalPeers     int
}

// Scheduler assigns manifest chunks to peers. All methods are safe for
// concurrent use; failures surface only as chunk state transitions.
type Scheduler struct {
	mu           sync.Mutex
	config       Config
	manifest     *Manifest
	states       []ChunkState
	retries      []int
	active       map[int]*ChunkRequest
	peers        map[string]*peerRecord
	peerOrder    []string
	rrCursor     int
	initialized  bool
	timeProvider TimeProvider
}

// New creates a scheduler with default configuration adjusted by opts.
func New(opts ...Option) *Scheduler {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.Strategy.Valid() {
		logrus.WithFields(logrus.Fields{
			"function": "New",
			"strategy": cfg.Strategy,
		}).Warn("Unknown scheduling strategy, using fastest-first")
		cfg.Strategy = StrategyFastestFirst
	}
	if cfg.DefaultMaxConcurrent <= 0 {
		cfg.DefaultMaxConcurrent = DefaultConfig().DefaultMaxConcurrent
	}

	return &Scheduler{
		config:       cfg,
		active:       make(map[int]*ChunkRequest),
		peers:        make(map[string]*peerRecord),
		timeProvider: DefaultTimeProvider{},
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (s *Scheduler) SetTimeProvider(tp TimeProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeProvider = tp
}

// Config returns the scheduler configuration.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// InitScheduler resets the chunk table to one UNREQUESTED entry per manifest
// chunk and clears active requests, retry counters and the round-robin cursor.
func (s *Scheduler) InitScheduler(manifest *Manifest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	if manifest != nil {
		n = manifest.Len()
	}

	s.manifest = manifest
	s.states = make([]ChunkState, n)
	s.retries = make([]int, n)
	s.active = make(map[int]*ChunkRequest)
	s.rrCursor = 0
	s.initialized = true
	for _, p := range s.peers {
		p.pending = 0
	}

	logrus.WithFields(logrus.Fields{
		"function": "InitScheduler",
		"chunks":   n,
		"strategy": s.config.Strategy,
	}).Info("Scheduler initialized")
}

// AddPeer registers a peer. A non-positive maxConcurrent uses the default.
// Re-adding a known peer updates its capacity and marks it available.
func (s *Scheduler) AddPeer(id string, maxConcurrent int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxConcurrent <= 0 {
		maxConcurrent = s.config.DefaultMaxConcurrent
	}
	now := s.timeProvider.Now()

	if p, ok := s.peers[id]; ok {
		p.maxConcurrent = maxConcurrent
		p.available = true
		p.lastSeen = now
		return
	}

	s.peers[id] = newPeerRecord(id, maxConcurrent, s.config.InitialResponseTime, now)
	s.peerOrder = append(s.peerOrder, id)

	logrus.WithFields(logrus.Fields{
		"function":       "AddPeer",
		"peer_id":        id,
		"max_concurrent": maxConcurrent,
	}).Debug("Peer added")
}

// RemovePeer cancels every request owned by the peer, returning those chunks
// to UNREQUESTED, and deletes the peer record.
func (s *Scheduler) RemovePeer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.peers[id]; !ok {
		return
	}

	reclaimed := 0
	for idx, req := range s.active {
		if req.PeerID != id {
			continue
		}
		delete(s.active, idx)
		s.states[idx] = ChunkUnrequested
		reclaimed++
	}

	delete(s.peers, id)
	for i, pid := range s.peerOrder {
		if pid == id {
			s.peerOrder = append(s.peerOrder[:i], s.peerOrder[i+1:]...)
			break
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "RemovePeer",
		"peer_id":   id,
		"reclaimed": reclaimed,
	}).Info("Peer removed")
}

// UpdatePeerHealth sets availability and folds a positive response time into
// the peer's moving average. Marking a peer unavailable counts as a failure.
func (s *Scheduler) UpdatePeerHealth(id string, available bool, responseTime time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	if !ok {
		return
	}

	p.available = available
	if available {
		p.lastSeen = s.timeProvider.Now()
	} else {
		p.failureCount++
	}
	if responseTime > 0 {
		p.observe(responseTime)
	}
}

// OnChunkReceived marks a chunk RECEIVED and releases its request. Repeated
// calls for the same index are no-ops.
func (s *Scheduler) OnChunkReceived(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.validIndex(index) || s.states[index] == ChunkReceived {
		return
	}

	now := s.timeProvider.Now()
	if req, ok := s.active[index]; ok {
		delete(s.active, index)
		if p, ok := s.peers[req.PeerID]; ok {
			p.pending--
			p.lastSeen = now
			p.observe(now.Sub(req.RequestedAt))
		}
	}
	s.states[index] = ChunkReceived
}

// OnChunkFailed releases the chunk's request, charges a failure to the owning
// peer and returns the chunk to UNREQUESTED, or CORRUPTED when markCorrupted
// is set. The chunk's retry counter is incremented either way.
func (s *Scheduler) OnChunkFailed(index int, markCorrupted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.validIndex(index) {
		return
	}
	s.failLocked(index, markCorrupted)
}

func (s *Scheduler) failLocked(index int, markCorrupted bool) {
	peerID := ""
	if req, ok := s.active[index]; ok {
		delete(s.active, index)
		peerID = req.PeerID
		if p, ok := s.peers[req.PeerID]; ok {
			p.pending--
			p.failureCount++
		}
	}

	if markCorrupted {
		s.states[index] = ChunkCorrupted
	} else {
		s.states[index] = ChunkUnrequested
	}
	s.retries[index]++

	logrus.WithFields(logrus.Fields{
		"function":    "OnChunkFailed",
		"chunk_index": index,
		"peer_id":     peerID,
		"corrupted":   markCorrupted,
		"retries":     s.retries[index],
	}).Debug("Chunk request failed")
}

// GetNextRequests reclaims stale requests and then assigns up to maxRequests
// UNREQUESTED chunks to peers with spare capacity. It performs no I/O;
// callers dispatch the returned requests and must call it at a steady
// cadence because staleness is only reclaimed here.
func (s *Scheduler) GetNextRequests(maxRequests int) []ChunkRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timeProvider.Now()
	s.sweepStaleLocked(now)

	if maxRequests <= 0 {
		return nil
	}

	candidates := s.candidatePeersLocked()
	if len(candidates) == 0 {
		return nil
	}
	candidates = orderPeers(candidates, s.config.Strategy, s.rrCursor)

	selected := s.selectChunksLocked(maxRequests)

	var out []ChunkRequest
	next := 0
	for _, idx := range selected {
		var peer *peerRecord
		for tries := 0; tries < len(candidates); tries++ {
			p := candidates[next%len(candidates)]
			next++
			if p.hasCapacity() {
				peer = p
				break
			}
		}
		if peer == nil {
			// Every candidate is full; the rest waits for the next call.
			break
		}

		req := &ChunkRequest{
			ChunkIndex:  idx,
			PeerID:      peer.id,
			RequestedAt: now,
			Timeout:     s.config.RequestTimeout,
		}
		s.active[idx] = req
		s.states[idx] = ChunkRequested
		peer.pending++
		out = append(out, *req)
	}

	if len(out) > 0 && s.config.Strategy == StrategyRoundRobin {
		s.rrCursor++
	}

	if len(out) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "GetNextRequests",
			"assigned": len(out),
			"selected": len(selected),
			"peers":    len(candidates),
		}).Debug("Assigned chunk requests")
	}

	return out
}

// sweepStaleLocked treats every request older than its timeout as failed.
func (s *Scheduler) sweepStaleLocked(now time.Time) {
	if len(s.active) == 0 {
		return
	}

	stale := make([]int, 0)
	for idx, req := range s.active {
		if now.Sub(req.RequestedAt) > req.Timeout {
			stale = append(stale, idx)
		}
	}
	sort.Ints(stale)

	for _, idx := range stale {
		logrus.WithFields(logrus.Fields{
			"function":    "GetNextRequests",
			"chunk_index": idx,
			"peer_id":     s.active[idx].PeerID,
		}).Warn("Reclaiming stale chunk request")
		s.failLocked(idx, false)
	}
}

func (s *Scheduler) candidatePeersLocked() []*peerRecord {
	candidates := make([]*peerRecord, 0, len(s.peerOrder))
	for _, id := range s.peerOrder {
		p := s.peers[id]
		if p.available && p.hasCapacity() {
			candidates = append(candidates, p)
		}
	}
	return candidates
}

func (s *Scheduler) selectChunksLocked(maxRequests int) []int {
	selected := make([]int, 0, maxRequests)
	for idx, st := range s.states {
		if len(selected) >= maxRequests {
			break
		}
		if st == ChunkUnrequested && s.retries[idx] < s.config.MaxRetries {
			selected = append(selected, idx)
		}
	}
	return selected
}

func (s *Scheduler) validIndex(index int) bool {
	return index >= 0 && index < len(s.states)
}

// GetSchedulerState returns per-state chunk counts and peer totals.
func (s *Scheduler) GetSchedulerState() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		ActiveRequests: len(s.active),
		TotalPeers:     len(s.peers),
	}
	for _, cs := range s.states {
		switch cs {
		case ChunkUnrequested:
			st.Unrequested++
		case ChunkRequested:
			st.Requested++
		case ChunkReceived:
			st.Received++
		case ChunkCorrupted:
			st.Corrupted++
		}
	}
	for _, p := range s.peers {
		if p.available {
			st.AvailablePeers++
		}
	}
	return st
}

// IsComplete reports whether every chunk has been received.
func (s *Scheduler) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return false
	}
	for _, st := range s.states {
		if st != ChunkReceived {
			return false
		}
	}
	return true
}

// Progress returns the received fraction of the manifest's bytes in [0,1].
func (s *Scheduler) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manifest == nil || s.manifest.TotalSize() == 0 {
		return 0
	}

	var received uint64
	for idx, st := range s.states {
		if st == ChunkReceived {
			c, _ := s.manifest.Chunk(idx)
			received += c.Size
		}
	}
	return float64(received) / float64(s.manifest.TotalSize())
}

// ExhaustedChunks lists chunks that used up their retry budget without
// being received.
func (s *Scheduler) ExhaustedChunks() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []int
	for idx, st := range s.states {
		if st != ChunkReceived && st != ChunkRequested && s.retries[idx] >= s.config.MaxRetries {
			out = append(out, idx)
		}
	}
	return out
}

// GetPeer returns a copy of the peer record.
func (s *Scheduler) GetPeer(id string) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	if !ok {
		return Peer{}, false
	}
	return p.view(), true
}

// GetPeers returns copies of all peer records in insertion order.
func (s *Scheduler) GetPeers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Peer, 0, len(s.peerOrder))
	for _, id := range s.peerOrder {
		out = append(out, s.peers[id].view())
	}
	return out
}

// GetActiveRequests returns the outstanding requests ordered by chunk index.
func (s *Scheduler) GetActiveRequests() []ChunkRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ChunkRequest, 0, len(s.active))
	for _, req := range s.active {
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out
}

// GetChunkState returns the state of one chunk.
func (s *Scheduler) GetChunkState(index int) (ChunkState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.validIndex(index) {
		return ChunkUnrequested, false
	}
	return s.states[index], true
}

// GetRetryCount returns how many times a chunk has failed.
func (s *Scheduler) GetRetryCount(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.validIndex(index) {
		return 0
	}
	return s.retries[index]
}
