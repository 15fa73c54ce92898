package stats

import (
	"sync"
	"time"
)

// snapshotCapacity (1440) covers 24 hours of 60-second snapshots.
const snapshotCapacity = 1440

const snapshotInterval = 60 * time.Second

// Aggregate summarizes throughput, latency and result-code outcomes
// across every peer a Node is tracking, at the moment it was computed.
type Aggregate struct {
	RequestsPerSecond   float64
	AverageResponseTime time.Duration
	ResultCodeCounts    map[ResultCodeClass]int
}

// Snapshot pairs an Aggregate with the time it was taken.
type Snapshot struct {
	At        time.Time
	Aggregate Aggregate
}

// Node aggregates PeerStats across every peer of a running node and
// periodically snapshots that aggregate so its history can be inspected
// later. A Node satisfies whatever StatsRecorder-shaped interface an
// embedding node/application layer defines, since its RecordResponse and
// Tick methods need no import of that layer to be called from it.
type Node struct {
	mu    sync.Mutex
	peers map[string]*PeerStats

	snapshots      [snapshotCapacity]Snapshot
	snapshotCount  int
	nextSnapshot   int
	lastSnapshotAt time.Time
}

// NewNode returns an empty Node.
func NewNode() *Node {
	return &Node{peers: make(map[string]*PeerStats)}
}

// PeerStats returns the PeerStats for originHost, creating it on first
// use.
func (n *Node) PeerStats(originHost string) *PeerStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peerStatsLocked(originHost)
}

func (n *Node) peerStatsLocked(originHost string) *PeerStats {
	p, known := n.peers[originHost]
	if !known {
		p = NewPeerStats()
		n.peers[originHost] = p
	}
	return p
}

// RecordResponse records one completed round trip against the named
// peer's statistics, creating its PeerStats if this is the first one
// seen from it.
func (n *Node) RecordResponse(peerOriginHost string, requestType string, duration time.Duration, resultCode uint32) {
	n.mu.Lock()
	p := n.peerStatsLocked(peerOriginHost)
	n.mu.Unlock()

	p.Record(requestType, duration, resultCode)
}

// Aggregate sums RequestsPerSecond and ResultCodeCounts across every
// known peer, and averages AverageResponseTime weighted by each peer's
// sample count, over the trailing window.
func (n *Node) Aggregate(window time.Duration) Aggregate {
	n.mu.Lock()
	peers := make([]*PeerStats, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.Unlock()

	result := Aggregate{ResultCodeCounts: make(map[ResultCodeClass]int)}

	var weightedResponseTimeTotal time.Duration
	var totalSamples int

	for _, p := range peers {
		result.RequestsPerSecond += p.RequestsPerSecond(window)

		p.mu.Lock()
		sampleCount := p.sampleCount
		p.mu.Unlock()

		if sampleCount > 0 {
			weightedResponseTimeTotal += p.AverageResponseTime() * time.Duration(sampleCount)
			totalSamples += sampleCount
		}

		for class, count := range p.ResultCodeCounts(window) {
			result.ResultCodeCounts[class] += count
		}
	}

	if totalSamples > 0 {
		result.AverageResponseTime = weightedResponseTimeTotal / time.Duration(totalSamples)
	}

	return result
}

// Tick drives snapshot sampling. It is cheap to call on every wakeup
// tick (the node package's own tick cadence is 1 second by default); a
// new snapshot is only appended once snapshotInterval has actually
// elapsed since the last one.
func (n *Node) Tick() {
	now := time.Now()

	n.mu.Lock()
	takeSnapshot := n.lastSnapshotAt.IsZero() || now.Sub(n.lastSnapshotAt) >= snapshotInterval
	if takeSnapshot {
		n.lastSnapshotAt = now
	}
	n.mu.Unlock()

	if !takeSnapshot {
		return
	}

	snapshot := Snapshot{At: now, Aggregate: n.Aggregate(snapshotInterval)}

	n.mu.Lock()
	n.snapshots[n.nextSnapshot] = snapshot
	n.nextSnapshot = (n.nextSnapshot + 1) % snapshotCapacity
	if n.snapshotCount < snapshotCapacity {
		n.snapshotCount++
	}
	n.mu.Unlock()
}

// Snapshots returns every retained snapshot in chronological order
// (oldest first).
func (n *Node) Snapshots() []Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]Snapshot, n.snapshotCount)
	if n.snapshotCount < snapshotCapacity {
		copy(out, n.snapshots[:n.snapshotCount])
		return out
	}

	oldestIndex := n.nextSnapshot
	copy(out, n.snapshots[oldestIndex:])
	copy(out[snapshotCapacity-oldestIndex:], n.snapshots[:oldestIndex])
	return out
}
