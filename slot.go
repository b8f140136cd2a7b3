package peerslot

import "math"

// PeerID identifies a consensus participant. IDs are assigned by the caller
// and must be unique within the process.
type PeerID uint32

// NoPeer marks a slot whose owner has been removed. It is reserved and cannot
// be added as a peer.
const NoPeer = PeerID(math.MaxUint32)

// Slot is a half-open interval [Start, Stop) on the capacity line, owned by a
// single peer or by nobody once that peer is removed. Its width is the
// owner's score.
type Slot struct {
	start uint64
	score uint64
	peer  PeerID
}

func newSlot(start, score uint64, peer PeerID) Slot {
	return Slot{start: start, score: score, peer: peer}
}

func (s Slot) Start() uint64 { return s.start }
func (s Slot) Stop() uint64  { return s.start + s.score }
func (s Slot) Score() uint64 { return s.score }
func (s Slot) Peer() PeerID  { return s.peer }

// Dead reports whether the slot's capacity is no longer owned by any peer.
func (s Slot) Dead() bool { return s.peer == NoPeer }

func (s Slot) withStart(start uint64) Slot { s.start = start; return s }
func (s Slot) withScore(score uint64) Slot { s.score = score; return s }
func (s Slot) withPeer(peer PeerID) Slot   { s.peer = peer; return s }

func (s Slot) contains(v uint64) bool { return s.start <= v && v < s.Stop() }
func (s Slot) precedes(v uint64) bool { return s.Stop() <= v }
func (s Slot) follows(v uint64) bool  { return v < s.start }
