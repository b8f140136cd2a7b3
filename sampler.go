package peerslot

import (
	"math/bits"
	"math/rand/v2"
)

// RandSource supplies the uniform draws that drive weighted selection. The
// consensus protocol's own generator satisfies this; selection needs
// uniformity, not cryptographic strength.
type RandSource interface {
	// Uint64n returns a uniformly distributed value in [0, n). n is always
	// positive.
	Uint64n(n uint64) uint64
}

type defaultRandSource struct{}

func (defaultRandSource) Uint64n(n uint64) uint64 { return rand.Uint64N(n) }

// Interpolation stops paying off once the candidate window is this small;
// finish with a linear scan instead.
const linearScanThreshold = 8

// selectSlot finds the slot containing r in [0, max) and returns its owner.
// It returns NoPeer when r lands on a dead slot or in a gap left behind by an
// in-place shrink; callers redraw and retry.
//
// The search interpolates: slot widths are scores, so guessing a position
// proportionally to r's value within the window beats bisection on skewed
// score distributions.
func selectSlot(slots []Slot, r, max uint64) PeerID {
	begin, end := 0, len(slots)
	bottom, top := uint64(0), max

	for end-begin > linearScanThreshold {
		// The window no longer covers r; it fell in unallocated capacity.
		if r < bottom || r >= top {
			return NoPeer
		}

		// Guesstimate the position of the containing slot. The product can
		// exceed 64 bits when capacity and window size are both large, so
		// multiply wide. The divisor always exceeds hi: r-bottom < top-bottom
		// keeps the product under (top-bottom)<<64.
		hi, lo := bits.Mul64(r-bottom, uint64(end-begin))
		q, _ := bits.Div64(hi, lo, top-bottom)
		i := begin + int(q)

		if slots[i].contains(r) {
			return slots[i].peer
		}

		if slots[i].precedes(r) {
			// Undershot.
			begin = i + 1
			if begin >= end {
				return NoPeer
			}
			bottom = slots[begin].start
			continue
		}

		// Overshot.
		end = i
		top = slots[end].start
	}

	for i := begin; i < end; i++ {
		if slots[i].contains(r) {
			return slots[i].peer
		}
	}

	return NoPeer
}
