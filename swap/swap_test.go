package swap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shijua/pintos/bdev"
	"github.com/shijua/pintos/defs"
	"github.com/shijua/pintos/thread"
)

func boot(slots int) {
	thread.Init(false)
	Init(bdev.Mkmemdev(slots * defs.PGSIZE / bdev.SECTSIZE))
}

func pattern(b uint8) []uint8 {
	pg := make([]uint8, defs.PGSIZE)
	for i := range pg {
		pg[i] = b ^ uint8(i)
	}
	return pg
}

func TestRoundTripIsByteIdentical(t *testing.T) {
	boot(4)
	orig := pattern(0x5a)
	slot := Out(append([]uint8(nil), orig...))
	got := make([]uint8, defs.PGSIZE)
	In(slot, got)
	assert.Equal(t, orig, got)
	assert.Equal(t, 0, Used())
}

func TestFirstFitReusesFreedSlot(t *testing.T) {
	boot(4)
	s0 := Out(pattern(1))
	s1 := Out(pattern(2))
	require.Equal(t, 0, s0)
	require.Equal(t, 1, s1)
	Drop(s0)
	assert.Equal(t, 0, Out(pattern(3)))
	assert.Equal(t, 2, Out(pattern(4)))
	assert.Equal(t, 3, Used())
}

func TestConcurrentSlotsStayDistinct(t *testing.T) {
	boot(8)
	a := Out(pattern(0x11))
	b := Out(pattern(0x22))
	got := make([]uint8, defs.PGSIZE)
	In(b, got)
	assert.Equal(t, pattern(0x22), got)
	In(a, got)
	assert.Equal(t, pattern(0x11), got)
}

func TestExhaustionPanics(t *testing.T) {
	boot(2)
	Out(pattern(1))
	Out(pattern(2))
	assert.Panics(t, func() { Out(pattern(3)) })
}

func TestDropFreePanics(t *testing.T) {
	boot(2)
	assert.Panics(t, func() { Drop(0) })
}
