package replication

import "sync"

// PeerState tracks what this node has sent to and received from its
// peers, per §4.K: `sent_to_peer[peer]` bounds re-transmission, and
// `max_origin_seq[origin]` suppresses duplicate or out-of-order
// application of a remote entry.
type PeerState struct {
	mu            sync.Mutex
	sentToPeer    map[string]uint64
	maxOriginSeq  map[string]uint64
}

// NewPeerState constructs empty peer-tracking state.
func NewPeerState() *PeerState {
	return &PeerState{
		sentToPeer:   make(map[string]uint64),
		maxOriginSeq: make(map[string]uint64),
	}
}

// SentTo returns the last sequence from our own log delivered to peerID.
func (p *PeerState) SentTo(peerID string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sentToPeer[peerID]
}

// MarkSent records that peerID has now been sent up through seq.
func (p *PeerState) MarkSent(peerID string, seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq > p.sentToPeer[peerID] {
		p.sentToPeer[peerID] = seq
	}
}

// CheckAndUpdateOriginSequence implements §4.K's
// check_and_update_origin_sequence: returns false (reject as duplicate
// or out-of-order) if seq <= the highest sequence already observed for
// origin; otherwise records seq as the new high-water mark and returns
// true.
func (p *PeerState) CheckAndUpdateOriginSequence(origin string, seq uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq <= p.maxOriginSeq[origin] {
		return false
	}
	p.maxOriginSeq[origin] = seq
	return true
}

// MaxOriginSeq returns the highest origin_sequence observed so far for
// origin, 0 if none.
func (p *PeerState) MaxOriginSeq(origin string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxOriginSeq[origin]
}
