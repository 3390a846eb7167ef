package vm

// Memory-mapped files. A mapping reopens its file so closing the
// original descriptor cannot invalidate it; each page gets an IS_MMAP
// supplemental entry materialized on first touch; munmap writes dirty
// pages back at their offsets and closes the reopened handle.

import (
	"github.com/shijua/pintos/defs"
	"github.com/shijua/pintos/fs"
	"github.com/shijua/pintos/mem"
	"github.com/shijua/pintos/util"
)

// Mmap maps f at addr and returns a fresh per-process mapid.
func (as *Addrspace_t) Mmap(f *fs.File_t, addr uint32) (int, defs.Err_t) {
	if addr == 0 || addr&defs.PGMASK != 0 {
		return -1, -defs.EINVAL
	}
	flen := f.Len()
	if flen == 0 {
		return -1, -defs.EINVAL
	}
	npages := int(defs.Round_up_pg(uint32(flen))) >> defs.PGSHIFT

	Pglock.Acquire()
	defer Pglock.Release()
	end := addr + uint32(npages)*defs.PGSIZE
	if end < addr || end > defs.USERBASE-defs.STACKMAX {
		// wraps, or runs into the stack region
		return -1, -defs.EINVAL
	}
	for i := 0; i < npages; i++ {
		if as.Page_lookup(addr+uint32(i)*defs.PGSIZE) != nil {
			return -1, -defs.EINVAL
		}
	}

	rf := f.Reopen()
	for i := 0; i < npages; i++ {
		va := addr + uint32(i)*defs.PGSIZE
		pe := as.Page_add(va, IS_MMAP, true)
		rb := util.Min(defs.PGSIZE, flen-i*defs.PGSIZE)
		pe.lazy = Lazy_t{file: rf, off: i * defs.PGSIZE, readbytes: rb, zerobytes: defs.PGSIZE - rb}
	}
	id := as.mapid
	as.mapid++
	as.mmaps[id] = &mmap_t{base: addr, npages: npages, file: rf}
	return id, 0
}

// Munmap unmaps mapid, writing dirty pages back to the file.
func (as *Addrspace_t) Munmap(mapid int) defs.Err_t {
	Pglock.Acquire()
	defer Pglock.Release()
	return as.munmap_locked(mapid)
}

func (as *Addrspace_t) munmap_locked(mapid int) defs.Err_t {
	m, ok := as.mmaps[mapid]
	if !ok {
		return -defs.EINVAL
	}
	for i := 0; i < m.npages; i++ {
		va := m.base + uint32(i)*defs.PGSIZE
		pe := as.Page_lookup(va)
		if pe == nil || pe.state != IS_MMAP {
			panic("mmap page vanished")
		}
		if pe.Resident() && as.Pd.Is_dirty(va) {
			fs.Flock.Acquire()
			pe.lazy.file.Write_at(mem.Dmap(pe.kaddr)[:pe.lazy.readbytes], pe.lazy.off)
			fs.Flock.Release()
		}
		as.Page_clear(va)
	}
	m.file.Close()
	delete(as.mmaps, mapid)
	return 0
}

// Mappings reports how many mmaps are live.
func (as *Addrspace_t) Mappings() int {
	return len(as.mmaps)
}
