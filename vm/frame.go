package vm

// The global frame table: every resident user page has a record on a
// circular list walked by the clock hand, plus a map for O(1) lookup
// by frame address.

import (
	"github.com/shijua/pintos/defs"
	"github.com/shijua/pintos/fs"
	"github.com/shijua/pintos/klist"
	"github.com/shijua/pintos/mem"
	"github.com/shijua/pintos/stats"
	"github.com/shijua/pintos/swap"
	"github.com/shijua/pintos/thread"
)

type frame_elem_t struct {
	pa    mem.Pa_t
	ppage *Page_elem_t
	elem  klist.Elem_t[*frame_elem_t]
}

var (
	fmlock *thread.Lock_t
	frames klist.List_t[*frame_elem_t]
	fhash  map[mem.Pa_t]*frame_elem_t
	hand   *klist.Elem_t[*frame_elem_t]
)

func frame_init() {
	fmlock = thread.Mklock()
	frames = klist.List_t[*frame_elem_t]{}
	fhash = make(map[mem.Pa_t]*frame_elem_t)
	hand = nil
}

// Frame_add records that pa now backs page and gives the page a first
// accessed mark so it survives the next clock sweep.
func Frame_add(pa mem.Pa_t, page *Page_elem_t) {
	fmlock.Acquire()
	fe := &frame_elem_t{pa: pa, ppage: page}
	fe.elem.Item = fe
	if _, ok := fhash[pa]; ok {
		panic("frame already recorded")
	}
	fhash[pa] = fe
	if hand == nil {
		frames.Push_back(&fe.elem)
		hand = &fe.elem
	} else {
		frames.Insert_before(&fe.elem, hand)
	}
	page.as.Pd.Set_accessed(page.va, true)
	fmlock.Release()
}

// Frame_free forgets the record for pa, advancing the hand off it if
// needed. The caller still owns the physical page.
func Frame_free(pa mem.Pa_t) {
	fmlock.Acquire()
	fe, ok := fhash[pa]
	if !ok {
		panic("freeing unknown frame")
	}
	if hand == &fe.elem {
		hand = frames.Next_wrap(hand)
		if hand == &fe.elem {
			hand = nil
		}
	}
	frames.Remove(&fe.elem)
	delete(fhash, pa)
	fmlock.Release()
}

// Frames reports how many frames are recorded.
func Frames() int {
	fmlock.Acquire()
	n := frames.Len()
	fmlock.Release()
	return n
}

// frame_evict runs second-chance replacement and releases one frame
// back to the allocator. Pglock held (it guards pin flags and page
// state); the frame lock is dropped before any I/O. A nonzero return
// means every frame is pinned.
func frame_evict() defs.Err_t {
	fmlock.Acquire()
	if frames.Empty() {
		fmlock.Release()
		return -defs.ENOMEM
	}
	if hand == nil {
		panic("clock hand lost")
	}
	// every skipped frame, pinned or not, loses its accessed bit; give
	// everything two passes before concluding that nothing is evictable.
	limit := 2 * frames.Len()
	var victim *frame_elem_t
	for i := 0; i <= limit; i++ {
		fe := hand.Item
		p := fe.ppage
		if !p.pinned && !p.as.Pd.Is_accessed(p.va) {
			victim = fe
			break
		}
		p.as.Pd.Set_accessed(p.va, false)
		hand = frames.Next_wrap(hand)
	}
	if victim == nil {
		fmlock.Release()
		return -defs.ENOMEM
	}
	if hand == &victim.elem {
		hand = frames.Next_wrap(hand)
		if hand == &victim.elem {
			hand = nil
		}
	}
	frames.Remove(&victim.elem)
	delete(fhash, victim.pa)
	fmlock.Release()

	// the victim's page state is stable: Pglock serializes everyone
	// who could touch it, and it is off the ring so no other evictor
	// can pick it.
	p := victim.ppage
	pd := p.as.Pd
	pg := mem.Dmap(victim.pa)
	if p.state == IS_MMAP {
		if pd.Is_dirty(p.va) {
			fs.Flock.Acquire()
			p.lazy.file.Write_at(pg[:p.lazy.readbytes], p.lazy.off)
			fs.Flock.Release()
		}
		p.kaddr = 0
	} else {
		wr := pd.Is_writable(p.va)
		dirty := pd.Is_dirty(p.va) || p.dirty
		if p.fromfile && !p.writable && !dirty {
			// clean read-only executable page: drop it and re-read
			// from the file on the next touch.
			p.state = IN_FILE
		} else {
			p.writable = wr
			p.dirty = dirty
			p.slot = swap.Out(pg[:])
			p.state = IN_SWAP
		}
		p.kaddr = 0
	}
	pd.Clear_page(p.va)
	mem.Pfree_user(victim.pa)
	stats.Evictions.Inc()
	return 0
}

// frame_obtain hands out a user frame, evicting until one frees up.
// Pglock held.
func frame_obtain() (mem.Pa_t, defs.Err_t) {
	for {
		pa, ok := mem.Palloc_user()
		if ok {
			return pa, 0
		}
		if err := frame_evict(); err != 0 {
			return 0, err
		}
	}
}
