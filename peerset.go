package peerslot

import (
	"errors"
	"fmt"
)

// Contract violations per the add/rescore preconditions. Absent peers are
// reported through the boolean results instead; see RemovePeer and
// RescorePeer.
var (
	ErrPeerExists   = errors.New("peer already present")
	ErrZeroScore    = errors.New("score must be positive")
	ErrReservedPeer = errors.New("peer id is reserved")
)

// selectPeerMaxRetry is the default bound on redraws when selection keeps
// landing on dead capacity. Hitting the bound often means it is time to
// Compact.
const selectPeerMaxRetry = 4

// PeerSet tracks a weighted peer population as contiguous slots on a single
// capacity line, supporting weighted random selection in sub-linear time
// alongside constant-time membership changes.
//
// Removing or shrinking a peer does not move its neighbours; the vacated
// width stays on the line as dead capacity, accounted for by the
// fragmentation counter, until Compact reclaims it. Every unit of capacity in
// [0, Capacity()) is therefore either owned by a live peer or counted as
// fragmentation.
//
// A PeerSet does no locking of its own; the owner serializes all calls.
type PeerSet struct {
	slots         []Slot
	peerIndex     map[PeerID]int
	slotCount     uint64
	fragmentation uint64
	rand          RandSource
	selectRetries int
}

// NewPeerSet returns an empty set drawing from src. A nil src falls back to
// the math/rand/v2 global generator.
func NewPeerSet(src RandSource) *PeerSet {
	if src == nil {
		src = defaultRandSource{}
	}
	return &PeerSet{
		peerIndex:     make(map[PeerID]int),
		rand:          src,
		selectRetries: selectPeerMaxRetry,
	}
}

// SetSelectRetries adjusts how many draws SelectPeer attempts before giving
// up. Non-positive values restore the default.
func (ps *PeerSet) SetSelectRetries(n int) {
	if n < 1 {
		n = selectPeerMaxRetry
	}
	ps.selectRetries = n
}

// AddPeer appends a slot of the given score for p at the end of the capacity
// line and returns p. The peer must not already be present and the score must
// be positive; both are caller bugs, not runtime conditions, and are rejected
// with an error.
func (ps *PeerSet) AddPeer(p PeerID, score uint64) (PeerID, error) {
	if p == NoPeer {
		return NoPeer, fmt.Errorf("add peer %d: %w", p, ErrReservedPeer)
	}
	if score == 0 {
		return NoPeer, fmt.Errorf("add peer %d: %w", p, ErrZeroScore)
	}
	if _, ok := ps.peerIndex[p]; ok {
		return NoPeer, fmt.Errorf("add peer %d: %w", p, ErrPeerExists)
	}

	ps.peerIndex[p] = len(ps.slots)
	ps.slots = append(ps.slots, newSlot(ps.slotCount, score, p))
	ps.slotCount += score
	return p, nil
}

// RemovePeer takes p out of the selectable population, reporting whether it
// was present. A trailing slot is dropped outright, shrinking the line; any
// other slot is marked dead in place and its width becomes fragmentation.
func (ps *PeerSet) RemovePeer(p PeerID) bool {
	i, ok := ps.peerIndex[p]
	if !ok {
		return false
	}
	delete(ps.peerIndex, p)

	if i+1 == len(ps.slots) {
		width := ps.slots[i].score
		ps.slots = ps.slots[:i]
		ps.trimTail(width)
		return true
	}

	ps.fragmentation += ps.slots[i].score
	ps.slots[i] = ps.slots[i].withPeer(NoPeer)
	return true
}

// trimTail drops dead slots now at the end of the line and shrinks the line
// to the last remaining stop, so that the collection never ends in a dead
// slot. removedWidth is the width of live capacity the caller already took
// off the line; everything else between the new end and the old one was
// fragmentation and is released from the counter.
func (ps *PeerSet) trimTail(removedWidth uint64) {
	for n := len(ps.slots); n > 0 && ps.slots[n-1].Dead(); n = len(ps.slots) {
		ps.slots = ps.slots[:n-1]
	}

	var stop uint64
	if n := len(ps.slots); n > 0 {
		stop = ps.slots[n-1].Stop()
	}
	ps.fragmentation -= ps.slotCount - removedWidth - stop
	ps.slotCount = stop
}

// RescorePeer changes p's score, reporting whether p was present. The slot
// resizes in place when the new width fits before its successor; otherwise
// the old slot is retired as fragmentation and the peer is reinserted at the
// end of the line. The score must be positive.
func (ps *PeerSet) RescorePeer(p PeerID, score uint64) (bool, error) {
	if score == 0 {
		return false, fmt.Errorf("rescore peer %d: %w", p, ErrZeroScore)
	}
	i, ok := ps.peerIndex[p]
	if !ok {
		return false, nil
	}

	s := ps.slots[i]

	// The trailing slot resizes freely; the line just ends at the new stop.
	if i+1 == len(ps.slots) {
		ps.slots[i] = s.withScore(score)
		ps.slotCount = ps.slots[i].Stop()
		return true, nil
	}

	stop := s.start + score
	if stop <= ps.slots[i+1].start {
		// Resize in place. A shrink leaves a gap behind with no slot to
		// represent it; the gap's width is charged to the fragmentation
		// counter, and regrowing into it later takes the charge back.
		if prev := s.Stop(); stop <= prev {
			ps.fragmentation += prev - stop
		} else {
			ps.fragmentation -= stop - prev
		}
		ps.slots[i] = s.withScore(score)
		return true, nil
	}

	// The new width would overlap the successor. Retire the slot and
	// reinsert the peer at the end of the line, as AddPeer would.
	ps.fragmentation += s.score
	ps.slots[i] = s.withPeer(NoPeer)
	ps.peerIndex[p] = len(ps.slots)
	ps.slots = append(ps.slots, newSlot(ps.slotCount, score, p))
	ps.slotCount += score
	return true, nil
}

// SelectPeer draws a peer with probability proportional to its score. The
// second result is false when the set is empty or when every draw in the
// retry budget landed on dead capacity; the caller should treat that as a
// skipped round and consider compacting.
func (ps *PeerSet) SelectPeer() (PeerID, bool) {
	if len(ps.slots) == 0 || ps.slotCount == 0 {
		return NoPeer, false
	}

	for retry := 0; retry < ps.selectRetries; retry++ {
		r := ps.rand.Uint64n(ps.slotCount)
		if p := selectSlot(ps.slots, r, ps.slotCount); p != NoPeer {
			return p, true
		}
	}

	return NoPeer, false
}

// Compact eliminates dead capacity by refilling dead slots with slots taken
// from the end of the line, then shrinking the line to the live sum. Peer
// order is not preserved. It returns the reclaimed width and resets the
// fragmentation counter; each iteration removes at least one dead slot, so
// the cost is linear in the number of slots.
func (ps *PeerSet) Compact() uint64 {
	trim := func() {
		for n := len(ps.slots); n > 0 && ps.slots[n-1].Dead(); n = len(ps.slots) {
			ps.slots = ps.slots[:n-1]
		}
	}

	// The last slot must be live before any refill below.
	trim()

	var prevStop uint64
	for i := 0; i < len(ps.slots); i++ {
		if !ps.slots[i].Dead() {
			// Live, just slide it into position.
			ps.slots[i] = ps.slots[i].withStart(prevStop)
			prevStop = ps.slots[i].Stop()
			continue
		}

		// Dead; refill from the end of the line.
		last := len(ps.slots) - 1
		ps.slots[i] = ps.slots[last].withStart(prevStop)
		prevStop = ps.slots[i].Stop()
		ps.peerIndex[ps.slots[i].peer] = i

		ps.slots = ps.slots[:last]
		trim()
	}

	reclaimed := ps.slotCount - prevStop
	ps.slotCount = prevStop
	ps.fragmentation = 0
	return reclaimed
}

// Verify walks the whole structure checking its invariants: slots in order
// without overlap, the index and the slots agreeing in both directions, the
// line ending at the last slot's stop, and all capacity accounted for as
// either live score or fragmentation. Diagnostic only; a false result means a
// defect, not a recoverable condition.
func (ps *PeerSet) Verify() bool {
	var prevStop, liveSum uint64
	for i, s := range ps.slots {
		// Overlap is corruption. A gap is not: in-place shrinks leave gaps
		// with no slot to represent them.
		if s.start < prevStop {
			return false
		}
		prevStop = s.Stop()

		if s.Dead() {
			continue
		}
		liveSum += s.score

		if j, ok := ps.peerIndex[s.peer]; !ok || j != i {
			return false
		}
	}

	for p, i := range ps.peerIndex {
		if i >= len(ps.slots) || ps.slots[i].peer != p {
			return false
		}
	}

	if prevStop != ps.slotCount {
		return false
	}
	return liveSum+ps.fragmentation == ps.slotCount
}

// Len returns the number of live peers.
func (ps *PeerSet) Len() int { return len(ps.peerIndex) }

// Capacity returns the current width of the capacity line, live and dead.
func (ps *PeerSet) Capacity() uint64 { return ps.slotCount }

// Fragmentation returns the width currently locked in dead capacity.
func (ps *PeerSet) Fragmentation() uint64 { return ps.fragmentation }

// Score returns p's current score and whether p is present.
func (ps *PeerSet) Score(p PeerID) (uint64, bool) {
	i, ok := ps.peerIndex[p]
	if !ok {
		return 0, false
	}
	return ps.slots[i].score, true
}

// Peers returns the live peer ids in slot order.
func (ps *PeerSet) Peers() []PeerID {
	peers := make([]PeerID, 0, len(ps.peerIndex))
	for _, s := range ps.slots {
		if !s.Dead() {
			peers = append(peers, s.peer)
		}
	}
	return peers
}

// Snapshot returns a copy of the slot collection, for diagnostics or for
// serialization layered on top of this package.
func (ps *PeerSet) Snapshot() []Slot {
	out := make([]Slot, len(ps.slots))
	copy(out, ps.slots)
	return out
}
