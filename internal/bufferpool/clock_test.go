package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFrames(n int) []*FrameDesc {
	frames := make([]*FrameDesc, n)
	for i := range frames {
		frames[i] = newFrameDesc()
	}
	return frames
}

func TestClock_PrefersInvalidFrame(t *testing.T) {
	frames := newTestFrames(3)
	c := newClockReplacer(frames)

	// Frame 0 is valid and referenced; frame 1 is invalid.
	frames[0].valid = true
	frames[0].ref = true
	frames[1].valid = false
	frames[2].valid = true
	frames[2].ref = true

	idx, ok := c.pickVictim()
	require.True(t, ok)
	require.Equal(t, 1, idx)
	// Frame 0 lost its reference bit on the way past.
	require.False(t, frames[0].ref)
}

func TestClock_SecondChance(t *testing.T) {
	frames := newTestFrames(2)
	c := newClockReplacer(frames)

	for _, f := range frames {
		f.valid = true
		f.ref = true
	}

	// First sweep clears both reference bits, second sweep takes frame 0.
	idx, ok := c.pickVictim()
	require.True(t, ok)
	require.Equal(t, 0, idx)
	require.False(t, frames[1].ref)
}

func TestClock_AllPinned(t *testing.T) {
	frames := newTestFrames(3)
	c := newClockReplacer(frames)

	for _, f := range frames {
		f.valid = true
		f.pin = 1
	}

	_, ok := c.pickVictim()
	require.False(t, ok)
}

func TestClock_PinnedFramesSkipped(t *testing.T) {
	frames := newTestFrames(3)
	c := newClockReplacer(frames)

	frames[0].valid = true
	frames[0].pin = 2
	frames[1].valid = true
	frames[1].pin = 1
	frames[2].valid = true

	idx, ok := c.pickVictim()
	require.True(t, ok)
	require.Equal(t, 2, idx)
}

func TestClock_HandPersistsAcrossCalls(t *testing.T) {
	frames := newTestFrames(3)
	c := newClockReplacer(frames)

	for _, f := range frames {
		f.valid = true
	}

	idx, ok := c.pickVictim()
	require.True(t, ok)
	require.Equal(t, 0, idx)

	// The hand moved past the first victim, so the next search starts
	// after it instead of rescanning from zero.
	idx, ok = c.pickVictim()
	require.True(t, ok)
	require.Equal(t, 1, idx)

	idx, ok = c.pickVictim()
	require.True(t, ok)
	require.Equal(t, 2, idx)
}
