// Package vm is the virtual-memory layer: per-process supplemental
// page tables, the global frame table with clock eviction, demand
// loading, stack growth, pinning, and memory-mapped files.
//
// Lock discipline: Pglock guards every supplemental table and page
// directory; the frame lock guards the frame ring and is never held
// across I/O; the file-system lock is taken inside the fault path for
// lazy loads and write-backs (syscalls pin their pages before taking
// it, so they never fault while holding it); the swap lock is innermost.
package vm

import (
	"github.com/shijua/pintos/defs"
	"github.com/shijua/pintos/fs"
	"github.com/shijua/pintos/mem"
	"github.com/shijua/pintos/stats"
	"github.com/shijua/pintos/swap"
	"github.com/shijua/pintos/thread"
)

type state_t int

const (
	IN_FRAME state_t = iota
	IN_SWAP
	IN_FILE
	IS_MMAP
)

// Lazy_t tells the fault handler how to populate a page on first
// touch: read readbytes from file at off, zero the rest.
type Lazy_t struct {
	file      *fs.File_t
	off       int
	readbytes int
	zerobytes int
}

// Page_elem_t is one supplemental page table entry: everything needed
// to materialize (or find) the user page at va.
type Page_elem_t struct {
	va    uint32
	state state_t
	kaddr mem.Pa_t // valid iff resident
	slot  int      // valid iff IN_SWAP
	lazy  Lazy_t   // valid iff IN_FILE or IS_MMAP

	writable bool
	dirty    bool // snapshot carried across swap
	pinned   bool
	fromfile bool // originally a lazy executable page

	as *Addrspace_t
}

func (pe *Page_elem_t) Va() uint32     { return pe.va }
func (pe *Page_elem_t) Resident() bool { return pe.state == IN_FRAME || (pe.state == IS_MMAP && pe.kaddr != 0) }

type mmap_t struct {
	base   uint32
	npages int
	file   *fs.File_t
}

// Addrspace_t is a process's virtual address space: the software page
// directory plus the supplemental table keyed by virtual page number.
type Addrspace_t struct {
	Pd      *mem.Pagedir_t
	pages   map[uint32]*Page_elem_t
	stacksz uint32
	mmaps   map[int]*mmap_t
	mapid   int
}

// Pglock is the machine-wide page-table lock.
var Pglock *thread.Lock_t

// Init resets the vm layer's global state.
func Init() {
	Pglock = thread.Mklock()
	frame_init()
}

func Mkaddrspace() *Addrspace_t {
	return &Addrspace_t{
		Pd:    mem.Pagedir_create(),
		pages: make(map[uint32]*Page_elem_t),
		mmaps: make(map[int]*mmap_t),
	}
}

// Page_add inserts a supplemental entry for va, which must be page
// aligned and absent. Pglock held.
func (as *Addrspace_t) Page_add(va uint32, st state_t, writable bool) *Page_elem_t {
	if va&defs.PGMASK != 0 {
		panic("unaligned page va")
	}
	if _, ok := as.pages[va]; ok {
		panic("page already present")
	}
	pe := &Page_elem_t{va: va, state: st, writable: writable, as: as}
	as.pages[va] = pe
	return pe
}

// Page_lookup returns the entry covering va, or nil. Pglock held.
func (as *Addrspace_t) Page_lookup(va uint32) *Page_elem_t {
	return as.pages[defs.Round_down_pg(va)]
}

// Page_clear removes the entry for va and releases whatever backs it.
// Pglock held.
func (as *Addrspace_t) Page_clear(va uint32) {
	pe := as.pages[va]
	if pe == nil {
		panic("clearing unknown page")
	}
	pe.release()
	delete(as.pages, va)
}

func (pe *Page_elem_t) release() {
	switch {
	case pe.Resident():
		Frame_free(pe.kaddr)
		pe.as.Pd.Clear_page(pe.va)
		mem.Pfree_user(pe.kaddr)
		pe.kaddr = 0
	case pe.state == IN_SWAP:
		swap.Drop(pe.slot)
	}
	// IN_FILE and non-resident IS_MMAP hold nothing of their own; the
	// backing handles belong to the process or the mmap record.
}

// Page_set_pin pins or unpins va; unknown pages are refused. Pglock
// held. Pinning does not fault the page in; Pin_page does.
func (as *Addrspace_t) Page_set_pin(va uint32, pin bool) defs.Err_t {
	pe := as.Page_lookup(va)
	if pe == nil {
		return -defs.EFAULT
	}
	pe.pinned = pin
	return 0
}

// Swap_back brings an IN_SWAP page into a frame, restoring the saved
// writable and dirty snapshots. Pglock held.
func (as *Addrspace_t) Swap_back(va uint32) defs.Err_t {
	pe := as.Page_lookup(va)
	if pe == nil || pe.state != IN_SWAP {
		panic("swap_back of non-swapped page")
	}
	pa, err := frame_obtain()
	if err != 0 {
		return err
	}
	swap.In(pe.slot, mem.Dmap(pa)[:])
	pe.kaddr = pa
	pe.state = IN_FRAME
	if !as.Pd.Set_page(pe.va, pa, pe.writable) {
		panic("stale mapping under swapped page")
	}
	as.Pd.Set_dirty(pe.va, pe.dirty)
	Frame_add(pa, pe)
	return 0
}

// load_lazy materializes an IN_FILE or IS_MMAP page from its backing
// file. Pglock held; takes the file-system lock around the read.
func (pe *Page_elem_t) load_lazy() defs.Err_t {
	pa, err := frame_obtain()
	if err != 0 {
		return err
	}
	if pe.lazy.readbytes > 0 {
		fs.Flock.Acquire()
		got := pe.lazy.file.Read_at(mem.Dmap(pa)[:pe.lazy.readbytes], pe.lazy.off)
		fs.Flock.Release()
		if got != pe.lazy.readbytes {
			mem.Pfree_user(pa)
			return -defs.ENOEXEC
		}
	}
	// zerobytes are already zero: frames come scrubbed.
	pe.kaddr = pa
	if pe.state == IN_FILE {
		pe.state = IN_FRAME
		pe.fromfile = true
	}
	if !pe.as.Pd.Set_page(pe.va, pa, pe.writable) {
		panic("stale mapping under lazy page")
	}
	Frame_add(pa, pe)
	return 0
}

// grow_stack adds one zeroed stack page at va (already rounded).
// Pglock held.
func (as *Addrspace_t) grow_stack(va uint32) defs.Err_t {
	if as.stacksz+defs.PGSIZE > defs.STACKMAX {
		return -defs.ENOMEM
	}
	pa, err := frame_obtain()
	if err != 0 {
		return err
	}
	pe := as.Page_add(va, IN_FRAME, true)
	pe.kaddr = pa
	if !as.Pd.Set_page(va, pa, true) {
		panic("stale mapping under stack page")
	}
	as.stacksz += defs.PGSIZE
	Frame_add(pa, pe)
	return 0
}

// Setup_stack installs the initial stack page just below USERBASE.
// Pglock held.
func (as *Addrspace_t) Setup_stack() defs.Err_t {
	return as.grow_stack(defs.USERBASE - defs.PGSIZE)
}

// Stack_size returns the stack watermark in bytes.
func (as *Addrspace_t) Stack_size() uint32 {
	return as.stacksz
}

// Add_lazy records a demand-loadable executable page. Pglock held.
func (as *Addrspace_t) Add_lazy(va uint32, f *fs.File_t, off, readbytes, zerobytes int, writable bool) *Page_elem_t {
	pe := as.Page_add(va, IN_FILE, writable)
	pe.lazy = Lazy_t{file: f, off: off, readbytes: readbytes, zerobytes: zerobytes}
	return pe
}

// Widen upgrades a page's writability; overlapping load segments may
// only ever add write permission, never remove it.
func (pe *Page_elem_t) Widen(writable bool) {
	if writable {
		pe.writable = true
	}
}

// Userpage returns the bytes of the resident page behind va and the
// offset of va within it. False when the page is absent or the access
// is a write through a read-only mapping. Pglock held.
func (as *Addrspace_t) Userpage(va uint32, write bool) ([]uint8, uint32, bool) {
	if va >= defs.USERBASE {
		return nil, 0, false
	}
	pa, ok := as.Pd.Get_page(va)
	if !ok {
		return nil, 0, false
	}
	if write && !as.Pd.Is_writable(va) {
		return nil, 0, false
	}
	return mem.Dmap(pa)[:], va & defs.PGMASK, true
}

// stack_access reports whether a fault at addr with user stack
// pointer esp is a legitimate stack-growth request.
func stack_access(addr, esp uint32) bool {
	if addr >= defs.USERBASE || addr < defs.USERBASE-defs.STACKMAX {
		return false
	}
	return addr+defs.PUSHA_SLOP >= esp
}

// Handle_fault resolves a user page fault at addr with stack pointer
// esp. A nonzero return means the access was illegal and the process
// dies.
func (as *Addrspace_t) Handle_fault(addr, esp uint32, write bool) defs.Err_t {
	stats.Faults.Inc()
	if addr >= defs.USERBASE || addr < defs.USERMIN {
		return -defs.EFAULT
	}
	Pglock.Acquire()
	defer Pglock.Release()
	return as.fault_locked(addr, esp, write)
}

func (as *Addrspace_t) fault_locked(addr, esp uint32, write bool) defs.Err_t {
	va := defs.Round_down_pg(addr)
	pe := as.Page_lookup(va)
	if pe == nil {
		if stack_access(addr, esp) {
			return as.grow_stack(va)
		}
		return -defs.EFAULT
	}
	if write && !pe.writable {
		return -defs.EFAULT
	}
	switch pe.state {
	case IN_FRAME:
		// raced with another materialization; nothing to do.
		return 0
	case IN_SWAP:
		return as.Swap_back(va)
	default: // IN_FILE, IS_MMAP
		if pe.Resident() {
			return 0
		}
		return pe.load_lazy()
	}
}

// Pin_page makes the page at va resident and non-evictable,
// materializing it (or growing the stack) as needed. Pglock held.
func (as *Addrspace_t) Pin_page(va, esp uint32) defs.Err_t {
	pe := as.Page_lookup(va)
	if pe == nil {
		if !stack_access(va, esp) {
			return -defs.EFAULT
		}
		if err := as.grow_stack(defs.Round_down_pg(va)); err != 0 {
			return err
		}
		pe = as.Page_lookup(va)
	}
	if !pe.Resident() {
		var err defs.Err_t
		if pe.state == IN_SWAP {
			err = as.Swap_back(pe.va)
		} else {
			err = pe.load_lazy()
		}
		if err != 0 {
			return err
		}
	}
	pe.pinned = true
	return 0
}

// Unpin_page drops the pin; missing pages are ignored so error paths
// can unpin blindly.
func (as *Addrspace_t) Unpin_page(va uint32) {
	if pe := as.Page_lookup(va); pe != nil {
		pe.pinned = false
	}
}

// Destroy tears the address space down: mmaps written back and
// closed, frames and swap slots freed, directory destroyed.
func (as *Addrspace_t) Destroy() {
	Pglock.Acquire()
	for id := range as.mmaps {
		as.munmap_locked(id)
	}
	for va := range as.pages {
		as.Page_clear(va)
	}
	as.Pd.Destroy()
	Pglock.Release()
}

// Pages reports how many supplemental entries exist; tests use it.
func (as *Addrspace_t) Pages() int {
	return len(as.pages)
}
