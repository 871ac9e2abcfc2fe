// Package vversion implements §4.L: version vectors with an embedded
// hybrid logical clock for tie-breaking, and tombstones with bounded
// retention. No corpus repo ships version vectors, so the comparison
// algorithm follows the spec's own Dominates/Dominated/Equal/Concurrent
// definition directly; the sweep loop reuses the ticker-driven
// background-eviction shape already used in pkg/cursor and
// pkg/index's TTL sweeper.
package vversion

import (
	"fmt"
	"strings"
)

// Vector is a version vector: node id -> logical counter, incremented
// by one on every local write at that node.
type Vector map[string]uint64

// Clone returns an independent copy.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Increment bumps nodeID's counter in place and returns the receiver.
func (v Vector) Increment(nodeID string) Vector {
	v[nodeID]++
	return v
}

// Relation is the result of comparing two version vectors.
type Relation int

const (
	Equal Relation = iota
	Dominates
	Dominated
	Concurrent
)

func (r Relation) String() string {
	switch r {
	case Equal:
		return "Equal"
	case Dominates:
		return "Dominates"
	case Dominated:
		return "Dominated"
	case Concurrent:
		return "Concurrent"
	default:
		return "Unknown"
	}
}

// Compare implements §4.L's comparison: local.Compare(remote) returns
// how local relates to remote.
func (local Vector) Compare(remote Vector) Relation {
	localGreater := false
	remoteGreater := false

	seen := make(map[string]bool, len(local)+len(remote))
	for node := range local {
		seen[node] = true
	}
	for node := range remote {
		seen[node] = true
	}

	for node := range seen {
		lv, rv := local[node], remote[node]
		switch {
		case lv > rv:
			localGreater = true
		case lv < rv:
			remoteGreater = true
		}
	}

	switch {
	case !localGreater && !remoteGreater:
		return Equal
	case localGreater && !remoteGreater:
		return Dominates
	case remoteGreater && !localGreater:
		return Dominated
	default:
		return Concurrent
	}
}

// HLC is a hybrid logical clock reading: wall-clock millis plus a
// logical counter disambiguating same-millisecond events, used as the
// default last-writer-wins tiebreak on a Concurrent verdict.
type HLC struct {
	TimestampMS int64  `json:"timestampMs"`
	Counter     uint32 `json:"counter"`
	NodeID      string `json:"nodeId"`
}

// After reports whether h happened strictly after other, tie-broken by
// counter then node id so the comparison is total, not just partial.
func (h HLC) After(other HLC) bool {
	if h.TimestampMS != other.TimestampMS {
		return h.TimestampMS > other.TimestampMS
	}
	if h.Counter != other.Counter {
		return h.Counter > other.Counter
	}
	return h.NodeID > other.NodeID
}

// String renders "1700000000000.42@n1", a compact form useful in logs
// and as a map key.
func (h HLC) String() string {
	return fmt.Sprintf("%d.%d@%s", h.TimestampMS, h.Counter, h.NodeID)
}

// ParseHLC parses the String() form back into an HLC.
func ParseHLC(s string) (HLC, error) {
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return HLC{}, fmt.Errorf("vversion: malformed hlc %q", s)
	}
	nodeID := s[at+1:]
	dot := strings.LastIndexByte(s[:at], '.')
	if dot < 0 {
		return HLC{}, fmt.Errorf("vversion: malformed hlc %q", s)
	}
	var ts int64
	var counter uint32
	if _, err := fmt.Sscanf(s[:dot], "%d", &ts); err != nil {
		return HLC{}, fmt.Errorf("vversion: malformed hlc timestamp %q", s)
	}
	if _, err := fmt.Sscanf(s[dot+1:at], "%d", &counter); err != nil {
		return HLC{}, fmt.Errorf("vversion: malformed hlc counter %q", s)
	}
	return HLC{TimestampMS: ts, Counter: counter, NodeID: nodeID}, nil
}

// ConflictInfo is recorded when two writes to the same key are
// Concurrent, per §4.L, pairing each side's vector and HLC so an
// application-supplied resolver can inspect both.
type ConflictInfo struct {
	Key          string `json:"key"`
	LocalVector  Vector `json:"localVector"`
	LocalHLC     HLC    `json:"localHlc"`
	RemoteVector Vector `json:"remoteVector"`
	RemoteHLC    HLC    `json:"remoteHlc"`
}

// Resolve applies the default last-writer-wins policy: the side with
// the later HLC wins. Returns true if the remote side should replace
// local.
func (c ConflictInfo) Resolve() (remoteWins bool) {
	return c.RemoteHLC.After(c.LocalHLC)
}

// Resolver lets an application override the default LWW policy for a
// given conflict (§4.L "applications may override").
type Resolver func(ConflictInfo) (remoteWins bool)

// DefaultResolver is last-writer-wins by embedded HLC.
func DefaultResolver(c ConflictInfo) bool { return c.Resolve() }

// Outcome records what Reconcile decided to do with an incoming remote
// write.
type Outcome struct {
	Relation   Relation
	Accept     bool
	Conflict   *ConflictInfo
}

// Reconcile applies §4.L's write-receipt algorithm for an incoming
// remote version against the locally stored one, using resolver (or
// DefaultResolver if nil) to break a Concurrent tie.
func Reconcile(key string, local, remote Vector, localHLC, remoteHLC HLC, resolver Resolver) Outcome {
	if resolver == nil {
		resolver = DefaultResolver
	}

	switch local.Compare(remote) {
	case Dominated:
		return Outcome{Relation: Dominated, Accept: true}
	case Equal, Dominates:
		rel := Equal
		if local.Compare(remote) == Dominates {
			rel = Dominates
		}
		return Outcome{Relation: rel, Accept: false}
	default: // Concurrent
		conflict := ConflictInfo{Key: key, LocalVector: local, LocalHLC: localHLC, RemoteVector: remote, RemoteHLC: remoteHLC}
		accept := resolver(conflict)
		return Outcome{Relation: Concurrent, Accept: accept, Conflict: &conflict}
	}
}
