// Package mem is the machine's physical memory: a reserved array of
// pages handed out by a free-list allocator, split into a kernel pool
// and a user pool. Pa_t is a page-aligned physical byte address; Dmap
// turns one back into the page's bytes.
package mem

import (
	"sync"

	"github.com/shijua/pintos/defs"
	"github.com/shijua/pintos/stats"
)

const (
	PGSHIFT = defs.PGSHIFT
	PGSIZE  = defs.PGSIZE
)

// Pa_t is a physical address. Page numbers start at 1 so that 0 is
// never a valid frame address.
type Pa_t uint32

// Pg_t is the storage for one physical page.
type Pg_t [PGSIZE]uint8

type physpg_t struct {
	refcnt int32
	nexti  uint32
}

const nilidx = ^uint32(0)

type physmem_t struct {
	sync.Mutex
	pgs    []Pg_t
	meta   []physpg_t
	kfree  uint32 // free-list head, kernel pool
	ufree  uint32 // free-list head, user pool
	unfree int    // free count, user pool
}

var physmem physmem_t

// Failalloc, when set, is consulted on every user-pool allocation and
// forces a failure when it returns true. Adapted failure-injection hook
// so exhaustion paths can be driven from tests.
var Failalloc func() bool

// Phys_init reserves kpages+upages pages of physical memory and builds
// the two free lists. Called once at boot; calling it again resets the
// machine's memory.
func Phys_init(kpages, upages int) {
	if kpages <= 0 || upages <= 0 {
		panic("bad pool sizes")
	}
	n := kpages + upages
	physmem.Lock()
	physmem.pgs = make([]Pg_t, n+1) // index 0 unused
	physmem.meta = make([]physpg_t, n+1)
	physmem.kfree = nilidx
	physmem.ufree = nilidx
	for i := 1; i <= kpages; i++ {
		physmem.meta[i].nexti = physmem.kfree
		physmem.kfree = uint32(i)
	}
	for i := kpages + 1; i <= n; i++ {
		physmem.meta[i].nexti = physmem.ufree
		physmem.ufree = uint32(i)
	}
	physmem.unfree = upages
	physmem.Unlock()
	stats.Freepages.Set(float64(upages))
}

func _pg2pa(idx uint32) Pa_t {
	return Pa_t(idx << PGSHIFT)
}

func _pa2pg(pa Pa_t) uint32 {
	if pa&(PGSIZE-1) != 0 {
		panic("unaligned pa")
	}
	return uint32(pa) >> PGSHIFT
}

func (pm *physmem_t) alloc(head *uint32) (Pa_t, bool) {
	i := *head
	if i == nilidx {
		return 0, false
	}
	*head = pm.meta[i].nexti
	if pm.meta[i].refcnt != 0 {
		panic("free page has references")
	}
	pm.meta[i].refcnt = 1
	return _pg2pa(i), true
}

func (pm *physmem_t) free(head *uint32, pa Pa_t) {
	i := _pa2pg(pa)
	if pm.meta[i].refcnt != 1 {
		panic("freeing page with bad refcnt")
	}
	pm.meta[i].refcnt = 0
	pm.meta[i].nexti = *head
	*head = i
	// scrub so a stale Dmap slice cannot leak old contents
	pm.pgs[i] = Pg_t{}
}

// Palloc_kernel allocates a zeroed page from the kernel pool. Kernel
// pool exhaustion is a kernel bug.
func Palloc_kernel() Pa_t {
	physmem.Lock()
	pa, ok := physmem.alloc(&physmem.kfree)
	physmem.Unlock()
	if !ok {
		panic("kernel pool exhausted")
	}
	return pa
}

// Pfree_kernel returns a kernel-pool page.
func Pfree_kernel(pa Pa_t) {
	physmem.Lock()
	physmem.free(&physmem.kfree, pa)
	physmem.Unlock()
}

// Palloc_user allocates a zeroed page from the user pool; false means
// the pool is empty (or an injected failure) and the caller should
// evict.
func Palloc_user() (Pa_t, bool) {
	if f := Failalloc; f != nil && f() {
		return 0, false
	}
	physmem.Lock()
	pa, ok := physmem.alloc(&physmem.ufree)
	if ok {
		physmem.unfree--
	}
	physmem.Unlock()
	if ok {
		stats.Freepages.Dec()
	}
	return pa, ok
}

// Pfree_user returns a user-pool page.
func Pfree_user(pa Pa_t) {
	physmem.Lock()
	physmem.free(&physmem.ufree, pa)
	physmem.unfree++
	physmem.Unlock()
	stats.Freepages.Inc()
}

// Ufree reports how many user-pool pages are free.
func Ufree() int {
	physmem.Lock()
	n := physmem.unfree
	physmem.Unlock()
	return n
}

// Dmap returns the bytes of the page at pa.
func Dmap(pa Pa_t) *Pg_t {
	i := _pa2pg(pa)
	if i == 0 || int(i) >= len(physmem.pgs) {
		panic("dmap of bad pa")
	}
	return &physmem.pgs[i]
}
