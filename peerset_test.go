package peerslot_test

import (
	"math/rand/v2"
	"testing"

	"github.com/kaonet/peerslot"
	"github.com/stretchr/testify/require"
)

// seededSource makes selection deterministic across runs.
type seededSource struct {
	rng *rand.Rand
}

func newSeededSource(seed uint64) *seededSource {
	return &seededSource{rng: rand.New(rand.NewPCG(seed, 0))}
}

func (s *seededSource) Uint64n(n uint64) uint64 { return s.rng.Uint64N(n) }

// scriptedSource replays a fixed sequence of draws, reduced modulo the bound.
type scriptedSource struct {
	draws []uint64
	next  int
}

func (s *scriptedSource) Uint64n(n uint64) uint64 {
	d := s.draws[s.next%len(s.draws)]
	s.next++
	return d % n
}

func TestAddPeerContract(t *testing.T) {
	subject := peerslot.NewPeerSet(nil)

	id, err := subject.AddPeer(7, 10)
	require.NoError(t, err)
	require.Equal(t, peerslot.PeerID(7), id)

	_, err = subject.AddPeer(7, 5)
	require.ErrorIs(t, err, peerslot.ErrPeerExists)

	_, err = subject.AddPeer(8, 0)
	require.ErrorIs(t, err, peerslot.ErrZeroScore)

	_, err = subject.AddPeer(peerslot.NoPeer, 5)
	require.ErrorIs(t, err, peerslot.ErrReservedPeer)

	require.Equal(t, 1, subject.Len())
	require.Equal(t, uint64(10), subject.Capacity())
	require.True(t, subject.Verify())
}

func TestRemoveAddCompactScenario(t *testing.T) {
	const (
		peerA = peerslot.PeerID(1)
		peerB = peerslot.PeerID(2)
		peerC = peerslot.PeerID(3)
		peerD = peerslot.PeerID(4)
	)

	subject := peerslot.NewPeerSet(nil)
	for _, add := range []struct {
		peer  peerslot.PeerID
		score uint64
	}{{peerA, 5}, {peerB, 3}, {peerC, 2}} {
		_, err := subject.AddPeer(add.peer, add.score)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(10), subject.Capacity())

	// B is not last, so its capacity stays on the line as fragmentation.
	require.True(t, subject.RemovePeer(peerB))
	require.Equal(t, uint64(10), subject.Capacity())
	require.Equal(t, uint64(3), subject.Fragmentation())
	require.True(t, subject.Verify())

	_, err := subject.AddPeer(peerD, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(14), subject.Capacity())

	require.Equal(t, uint64(3), subject.Compact())
	require.Equal(t, uint64(11), subject.Capacity())
	require.Equal(t, uint64(0), subject.Fragmentation())
	require.Equal(t, 3, subject.Len())
	require.True(t, subject.Verify())

	// Compaction leaves the live slots contiguous from zero.
	var stop uint64
	for _, slot := range subject.Snapshot() {
		require.False(t, slot.Dead())
		require.Equal(t, stop, slot.Start())
		stop = slot.Stop()
	}
	require.Equal(t, subject.Capacity(), stop)
}

func TestRemovePeer(t *testing.T) {
	subject := peerslot.NewPeerSet(nil)

	require.False(t, subject.RemovePeer(1))

	_, err := subject.AddPeer(1, 5)
	require.NoError(t, err)
	_, err = subject.AddPeer(2, 3)
	require.NoError(t, err)

	// The trailing slot is dropped outright, no fragmentation.
	require.True(t, subject.RemovePeer(2))
	require.Equal(t, uint64(5), subject.Capacity())
	require.Equal(t, uint64(0), subject.Fragmentation())
	require.False(t, subject.RemovePeer(2))
	require.True(t, subject.Verify())

	require.True(t, subject.RemovePeer(1))
	require.Equal(t, uint64(0), subject.Capacity())
	require.Equal(t, 0, subject.Len())
	require.True(t, subject.Verify())
}

func TestRemoveLastTrimsDeadTail(t *testing.T) {
	subject := peerslot.NewPeerSet(nil)
	for _, add := range []struct {
		peer  peerslot.PeerID
		score uint64
	}{{1, 5}, {2, 3}, {3, 2}} {
		_, err := subject.AddPeer(add.peer, add.score)
		require.NoError(t, err)
	}

	require.True(t, subject.RemovePeer(2))
	require.Equal(t, uint64(3), subject.Fragmentation())

	// Dropping the trailing slot exposes peer 2's dead slot at the tail; it
	// must be trimmed with it, releasing its fragmentation.
	require.True(t, subject.RemovePeer(3))
	require.Equal(t, uint64(5), subject.Capacity())
	require.Equal(t, uint64(0), subject.Fragmentation())
	require.Equal(t, 1, subject.Len())
	require.True(t, subject.Verify())
}

func TestRemovedPeerNeverSelected(t *testing.T) {
	subject := peerslot.NewPeerSet(newSeededSource(1413))
	for _, add := range []struct {
		peer  peerslot.PeerID
		score uint64
	}{{1, 50}, {2, 30}, {3, 20}} {
		_, err := subject.AddPeer(add.peer, add.score)
		require.NoError(t, err)
	}
	require.True(t, subject.RemovePeer(2))

	for range 10_000 {
		peer, ok := subject.SelectPeer()
		if ok {
			require.NotEqual(t, peerslot.PeerID(2), peer)
		}
	}
}

func TestRescorePeer(t *testing.T) {
	subject := peerslot.NewPeerSet(nil)

	existed, err := subject.RescorePeer(1, 5)
	require.NoError(t, err)
	require.False(t, existed)

	_, err = subject.AddPeer(1, 5)
	require.NoError(t, err)

	_, err = subject.RescorePeer(1, 0)
	require.ErrorIs(t, err, peerslot.ErrZeroScore)

	t.Run("last slot resizes freely", func(t *testing.T) {
		existed, err := subject.RescorePeer(1, 8)
		require.NoError(t, err)
		require.True(t, existed)
		require.Equal(t, uint64(8), subject.Capacity())
		require.Equal(t, uint64(0), subject.Fragmentation())

		existed, err = subject.RescorePeer(1, 2)
		require.NoError(t, err)
		require.True(t, existed)
		require.Equal(t, uint64(2), subject.Capacity())
		require.Equal(t, uint64(0), subject.Fragmentation())
		require.True(t, subject.Verify())
	})

	t.Run("interior shrink leaves a gap", func(t *testing.T) {
		_, err := subject.AddPeer(2, 10)
		require.NoError(t, err)
		_, err = subject.AddPeer(3, 4)
		require.NoError(t, err)
		// Line: 1:[0,2) 2:[2,12) 3:[12,16)

		existed, err := subject.RescorePeer(2, 6)
		require.NoError(t, err)
		require.True(t, existed)
		require.Equal(t, uint64(16), subject.Capacity())
		require.Equal(t, uint64(4), subject.Fragmentation())
		require.True(t, subject.Verify())

		// Regrowing into the vacated gap takes the charge back.
		existed, err = subject.RescorePeer(2, 9)
		require.NoError(t, err)
		require.True(t, existed)
		require.Equal(t, uint64(1), subject.Fragmentation())
		require.True(t, subject.Verify())
	})

	t.Run("overlapping grow relocates to the tail", func(t *testing.T) {
		existed, err := subject.RescorePeer(2, 20)
		require.NoError(t, err)
		require.True(t, existed)

		// The old slot's full width is retired and the peer reappears at the
		// end of the line.
		require.Equal(t, uint64(36), subject.Capacity())
		require.Equal(t, uint64(10), subject.Fragmentation())
		score, ok := subject.Score(2)
		require.True(t, ok)
		require.Equal(t, uint64(20), score)
		require.True(t, subject.Verify())

		slots := subject.Snapshot()
		require.Equal(t, peerslot.PeerID(2), slots[len(slots)-1].Peer())
	})
}

func TestSelectPeer(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		subject := peerslot.NewPeerSet(nil)
		peer, ok := subject.SelectPeer()
		require.False(t, ok)
		require.Equal(t, peerslot.NoPeer, peer)
	})

	t.Run("single peer", func(t *testing.T) {
		subject := peerslot.NewPeerSet(nil)
		_, err := subject.AddPeer(9, 1)
		require.NoError(t, err)
		peer, ok := subject.SelectPeer()
		require.True(t, ok)
		require.Equal(t, peerslot.PeerID(9), peer)
	})

	t.Run("retry budget exhausted on dead capacity", func(t *testing.T) {
		// Every draw lands at 5, inside the dead slot [5, 8).
		subject := peerslot.NewPeerSet(&scriptedSource{draws: []uint64{5}})
		for _, add := range []struct {
			peer  peerslot.PeerID
			score uint64
		}{{1, 5}, {2, 3}, {3, 2}} {
			_, err := subject.AddPeer(add.peer, add.score)
			require.NoError(t, err)
		}
		require.True(t, subject.RemovePeer(2))

		peer, ok := subject.SelectPeer()
		require.False(t, ok)
		require.Equal(t, peerslot.NoPeer, peer)
	})

	t.Run("raised retry budget survives more dead draws", func(t *testing.T) {
		// Seven draws land on dead capacity before one finally hits peer 1;
		// the default budget of four would have given up.
		subject := peerslot.NewPeerSet(&scriptedSource{draws: []uint64{5, 6, 7, 5, 6, 7, 5, 0}})
		subject.SetSelectRetries(8)
		for _, add := range []struct {
			peer  peerslot.PeerID
			score uint64
		}{{1, 5}, {2, 3}, {3, 2}} {
			_, err := subject.AddPeer(add.peer, add.score)
			require.NoError(t, err)
		}
		require.True(t, subject.RemovePeer(2))

		peer, ok := subject.SelectPeer()
		require.True(t, ok)
		require.Equal(t, peerslot.PeerID(1), peer)
	})

	t.Run("dead draw retries with a fresh draw", func(t *testing.T) {
		subject := peerslot.NewPeerSet(&scriptedSource{draws: []uint64{5, 0}})
		for _, add := range []struct {
			peer  peerslot.PeerID
			score uint64
		}{{1, 5}, {2, 3}, {3, 2}} {
			_, err := subject.AddPeer(add.peer, add.score)
			require.NoError(t, err)
		}
		require.True(t, subject.RemovePeer(2))

		peer, ok := subject.SelectPeer()
		require.True(t, ok)
		require.Equal(t, peerslot.PeerID(1), peer)
	})
}

func TestSelectPeerUniformity(t *testing.T) {
	subject := peerslot.NewPeerSet(newSeededSource(1413))
	scores := map[peerslot.PeerID]uint64{1: 5, 2: 3, 3: 2}
	var sum uint64
	for peer, score := range scores {
		_, err := subject.AddPeer(peer, score)
		require.NoError(t, err)
		sum += score
	}

	const draws = 100_000
	counts := make(map[peerslot.PeerID]int)
	for range draws {
		peer, ok := subject.SelectPeer()
		require.True(t, ok)
		counts[peer]++
	}

	for peer, score := range scores {
		expected := float64(score) / float64(sum)
		actual := float64(counts[peer]) / draws
		require.InDelta(t, expected, actual, 0.02, "peer %d", peer)
	}
}

func TestCompactIdempotent(t *testing.T) {
	subject := peerslot.NewPeerSet(nil)
	for peer := peerslot.PeerID(0); peer < 20; peer++ {
		_, err := subject.AddPeer(peer, uint64(peer)+1)
		require.NoError(t, err)
	}
	for peer := peerslot.PeerID(0); peer < 20; peer += 3 {
		require.True(t, subject.RemovePeer(peer))
	}

	reclaimed := subject.Compact()
	require.NotZero(t, reclaimed)
	require.Equal(t, uint64(0), subject.Fragmentation())
	require.True(t, subject.Verify())

	require.Equal(t, uint64(0), subject.Compact())
	require.True(t, subject.Verify())
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 0))
	subject := peerslot.NewPeerSet(newSeededSource(42))

	const idSpace = 50
	for i := range 5_000 {
		peer := peerslot.PeerID(rng.Uint64N(idSpace))
		switch rng.Uint64N(10) {
		case 0, 1, 2, 3:
			if _, present := subject.Score(peer); !present {
				_, err := subject.AddPeer(peer, rng.Uint64N(100)+1)
				require.NoError(t, err)
			}
		case 4, 5:
			subject.RemovePeer(peer)
		case 6, 7, 8:
			_, err := subject.RescorePeer(peer, rng.Uint64N(100)+1)
			require.NoError(t, err)
		case 9:
			if i%50 == 0 {
				subject.Compact()
			} else {
				subject.SelectPeer()
			}
		}
		require.True(t, subject.Verify(), "after operation %d", i)
	}

	// Every unit of capacity is live score or fragmentation, and no peer owns
	// two live slots.
	var liveSum uint64
	seen := make(map[peerslot.PeerID]bool)
	for _, slot := range subject.Snapshot() {
		if slot.Dead() {
			continue
		}
		require.False(t, seen[slot.Peer()])
		seen[slot.Peer()] = true
		liveSum += slot.Score()
	}
	require.Equal(t, subject.Capacity(), liveSum+subject.Fragmentation())
	require.Equal(t, subject.Len(), len(seen))
}
