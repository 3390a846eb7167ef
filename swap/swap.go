// Package swap allocates page-sized slots on the swap block device.
// A bitmap tracks slot use; allocation is first-fit; running out of
// swap is fatal. Every operation serializes under the swap lock.
package swap

import (
	"github.com/shijua/pintos/bdev"
	"github.com/shijua/pintos/defs"
	"github.com/shijua/pintos/stats"
	"github.com/shijua/pintos/thread"
)

const sectors_per_slot = defs.PGSIZE / bdev.SECTSIZE

var (
	swlock *thread.Lock_t
	dev    bdev.Dev_i
	bitmap []uint64
	nslots int
)

// Init points the swap layer at the device reserved for it at boot.
func Init(d bdev.Dev_i) {
	swlock = thread.Mklock()
	dev = d
	nslots = d.Sectors() / sectors_per_slot
	bitmap = make([]uint64, (nslots+63)/64)
}

// Slots reports the device capacity in page slots.
func Slots() int {
	return nslots
}

func bit(slot int) (int, uint64) {
	return slot / 64, 1 << (uint(slot) % 64)
}

func scan_clear() int {
	for i := 0; i < nslots; i++ {
		w, m := bit(i)
		if bitmap[w]&m == 0 {
			return i
		}
	}
	return -1
}

// Out writes one page of bytes to a fresh slot and returns its id.
// Exhaustion panics: there is nowhere left to put the page.
func Out(page []uint8) int {
	if len(page) != defs.PGSIZE {
		panic("swap of non-page")
	}
	swlock.Acquire()
	slot := scan_clear()
	if slot < 0 {
		panic("out of swap slots")
	}
	w, m := bit(slot)
	bitmap[w] |= m
	for s := 0; s < sectors_per_slot; s++ {
		dev.Write(slot*sectors_per_slot+s, page[s*bdev.SECTSIZE:(s+1)*bdev.SECTSIZE])
	}
	swlock.Release()
	stats.Swapwrites.Inc()
	return slot
}

// In reads the slot back into dst and frees it.
func In(slot int, dst []uint8) {
	if len(dst) != defs.PGSIZE {
		panic("swap into non-page")
	}
	swlock.Acquire()
	w, m := bit(slot)
	if bitmap[w]&m == 0 {
		panic("swap-in of free slot")
	}
	for s := 0; s < sectors_per_slot; s++ {
		dev.Read(slot*sectors_per_slot+s, dst[s*bdev.SECTSIZE:(s+1)*bdev.SECTSIZE])
	}
	bitmap[w] &^= m
	swlock.Release()
	stats.Swapreads.Inc()
}

// Drop frees the slot without reading it; process teardown uses this
// for pages still out on disk.
func Drop(slot int) {
	swlock.Acquire()
	w, m := bit(slot)
	if bitmap[w]&m == 0 {
		panic("dropping free slot")
	}
	bitmap[w] &^= m
	swlock.Release()
}

// Used reports how many slots are taken.
func Used() int {
	swlock.Acquire()
	n := 0
	for i := 0; i < nslots; i++ {
		w, m := bit(i)
		if bitmap[w]&m != 0 {
			n++
		}
	}
	swlock.Release()
	return n
}
