package replication

import (
	"sync"
	"time"

	"github.com/solidb/solidb/pkg/log"
	"github.com/solidb/solidb/pkg/types"
)

// defaultMissedHeartbeatThreshold is k in §4.K's "a node missing k
// consecutive heartbeats transitions Active -> Suspected -> Dead".
const defaultMissedHeartbeatThreshold = 3

type memberState struct {
	member types.ClusterMember
	missed int
}

// Membership tracks gossiped cluster state and runs the
// Active/Suspected/Dead state machine, grounded on the consecutive-
// failure-counter pattern in johnjansen-torua's HealthMonitor, adapted
// from active HTTP polling to passive heartbeat receipt (gossip is
// push-based here, not pulled by a monitor).
type Membership struct {
	mu        sync.RWMutex
	members   map[string]*memberState
	threshold int
}

// NewMembership constructs an empty membership table using the default
// missed-heartbeat threshold.
func NewMembership() *Membership {
	return NewMembershipWithThreshold(defaultMissedHeartbeatThreshold)
}

// NewMembershipWithThreshold lets tests tune k.
func NewMembershipWithThreshold(threshold int) *Membership {
	return &Membership{members: make(map[string]*memberState), threshold: threshold}
}

// Heartbeat records a gossiped heartbeat from nodeID. A heartbeat from
// a Suspected node restores it to Active (§4.K); from a new node it
// joins as Active.
func (m *Membership) Heartbeat(nodeID, replAddr, apiAddr string, lastSequence uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.members[nodeID]
	if !ok {
		ms = &memberState{member: types.ClusterMember{NodeID: nodeID, ReplAddress: replAddr, APIAddress: apiAddr}}
		m.members[nodeID] = ms
	}

	if ms.member.Status == types.NodeSuspected {
		log.WithComponent("replication").Info().Str("node", nodeID).Msg("node recovered, marking active")
	}
	ms.member.Status = types.NodeActive
	ms.member.LastHeartbeat = time.Now()
	ms.member.LastSequence = lastSequence
	ms.missed = 0
}

// Tick advances the failure-detector once for every member: a member
// that missed this round's heartbeat is marked missed. The first miss
// moves an Active member to Suspected; a Suspected member becomes Dead
// once missed reaches the threshold. Call
// this on a fixed interval matched to the gossip period.
func (m *Membership) Tick(now time.Time, heartbeatInterval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := log.WithComponent("replication")
	for id, ms := range m.members {
		if ms.member.Status == types.NodeDead || ms.member.Status == types.NodeLeaving {
			continue
		}
		if now.Sub(ms.member.LastHeartbeat) < heartbeatInterval {
			continue
		}
		ms.missed++
		switch {
		case ms.missed >= m.threshold && ms.member.Status == types.NodeSuspected:
			ms.member.Status = types.NodeDead
			logger.Warn().Str("node", id).Int("missed", ms.missed).Msg("node marked dead")
		case ms.missed >= 1 && ms.member.Status == types.NodeActive:
			ms.member.Status = types.NodeSuspected
			logger.Warn().Str("node", id).Msg("node marked suspected")
		}
	}
}

// Get returns one member's current record.
func (m *Membership) Get(nodeID string) (types.ClusterMember, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.members[nodeID]
	if !ok {
		return types.ClusterMember{}, false
	}
	return ms.member, true
}

// All returns every known member.
func (m *Membership) All() []types.ClusterMember {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ClusterMember, 0, len(m.members))
	for _, ms := range m.members {
		out = append(out, ms.member)
	}
	return out
}

// Live returns every member not currently Dead or Leaving, used by
// pkg/shard's InitCollection to pick placement candidates.
func (m *Membership) Live() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, ms := range m.members {
		if ms.member.Status != types.NodeDead && ms.member.Status != types.NodeLeaving {
			out = append(out, id)
		}
	}
	return out
}

// MarkLeaving flags a node as intentionally departing (a graceful
// decommission, distinct from a missed-heartbeat Dead verdict).
func (m *Membership) MarkLeaving(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms, ok := m.members[nodeID]; ok {
		ms.member.Status = types.NodeLeaving
	}
}
