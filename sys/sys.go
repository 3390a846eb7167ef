// Package sys is the trap gate: the dense syscall table, user-pointer
// validation, and request pinning. Every pointer the kernel
// dereferences is checked (non-null, below the kernel boundary,
// backed by a supplemental entry) and its pages are pinned for the
// duration of the call; every return path unpins and drops the
// file-system lock.
package sys

import (
	"github.com/shijua/pintos/console"
	"github.com/shijua/pintos/defs"
	"github.com/shijua/pintos/fs"
	"github.com/shijua/pintos/proc"
	"github.com/shijua/pintos/stats"
	"github.com/shijua/pintos/thread"
	"github.com/shijua/pintos/user"
	"github.com/shijua/pintos/vm"
)

// Halt powers the machine down; installed at boot.
var Halt func()

// Init installs the trap handler.
func Init() {
	user.Traphandler = trap
}

// pinset_t tracks the user pages a syscall pinned so every way out
// unpins them all.
type pinset_t struct {
	p   *proc.Proc_t
	esp uint32
	vas []uint32
}

// pin faults the page behind va in (growing the stack when the esp
// heuristic allows) and pins it. False means the pointer is bad.
func (ps *pinset_t) pin(va uint32) bool {
	if va == 0 || va >= defs.USERBASE {
		return false
	}
	pgva := defs.Round_down_pg(va)
	for _, v := range ps.vas {
		if v == pgva {
			return true
		}
	}
	vm.Pglock.Acquire()
	err := ps.p.As.Pin_page(pgva, ps.esp)
	vm.Pglock.Release()
	if err != 0 {
		return false
	}
	ps.vas = append(ps.vas, pgva)
	return true
}

// pin_range pins every page of [va, va+n).
func (ps *pinset_t) pin_range(va uint32, n int) bool {
	if n <= 0 {
		return n == 0
	}
	end := uint64(va) + uint64(n)
	if va == 0 || end > defs.USERBASE {
		return false
	}
	for a := uint64(defs.Round_down_pg(va)); a < end; a += defs.PGSIZE {
		if !ps.pin(uint32(a)) {
			return false
		}
	}
	return true
}

func (ps *pinset_t) unpin_all() {
	vm.Pglock.Acquire()
	for _, va := range ps.vas {
		ps.p.As.Unpin_page(va)
	}
	vm.Pglock.Release()
	ps.vas = nil
}

// read32 reads a user word, pinning the pages it lives on.
func (ps *pinset_t) read32(va uint32) (uint32, bool) {
	if !ps.pin(va) || !ps.pin(va+3) {
		return 0, false
	}
	var v uint32
	vm.Pglock.Acquire()
	defer vm.Pglock.Release()
	for i := uint32(0); i < 4; i++ {
		pg, off, ok := ps.p.As.Userpage(va+i, false)
		if !ok {
			return 0, false
		}
		v |= uint32(pg[off]) << (8 * i)
	}
	return v, true
}

// read_str reads a NUL-terminated user string, pinning page by page
// until the terminator. Strings longer than a page are bad pointers.
func (ps *pinset_t) read_str(va uint32) (string, bool) {
	var b []uint8
	for len(b) <= defs.PGSIZE {
		if !ps.pin(va) {
			return "", false
		}
		vm.Pglock.Acquire()
		pg, off, ok := ps.p.As.Userpage(va, false)
		if !ok {
			vm.Pglock.Release()
			return "", false
		}
		for int(off) < len(pg) {
			c := pg[off]
			if c == 0 {
				vm.Pglock.Release()
				return string(b), true
			}
			b = append(b, c)
			off++
			va++
		}
		vm.Pglock.Release()
	}
	return "", false
}

// copy_out writes src into pinned user memory at va.
func (ps *pinset_t) copy_out(va uint32, src []uint8) bool {
	vm.Pglock.Acquire()
	defer vm.Pglock.Release()
	for len(src) > 0 {
		pg, off, ok := ps.p.As.Userpage(va, true)
		if !ok {
			return false
		}
		n := copy(pg[off:], src)
		ps.p.As.Pd.Set_dirty(defs.Round_down_pg(va), true)
		src = src[n:]
		va += uint32(n)
	}
	return true
}

// copy_in reads n bytes of pinned user memory at va.
func (ps *pinset_t) copy_in(va uint32, n int) ([]uint8, bool) {
	vm.Pglock.Acquire()
	defer vm.Pglock.Release()
	dst := make([]uint8, 0, n)
	for n > 0 {
		pg, off, ok := ps.p.As.Userpage(va, false)
		if !ok {
			return nil, false
		}
		c := len(pg) - int(off)
		if c > n {
			c = n
		}
		dst = append(dst, pg[off:int(off)+c]...)
		n -= c
		va += uint32(c)
	}
	return dst, true
}

// trap is the single system-call vector.
func trap(tf *defs.Tf_t) {
	stats.Syscalls.Inc()
	thread.Maybe_yield()
	p := proc.Cur()
	ps := &pinset_t{p: p, esp: tf.Esp}

	die := func() {
		ps.unpin_all()
		if fs.Flock.Held() {
			fs.Flock.Release()
		}
		proc.Exit(defs.STATUS_FAIL)
	}

	num, ok := ps.read32(tf.Esp)
	if !ok || int(num) >= defs.SYS_NUM {
		die()
	}
	h := systab[num]
	if h == nil {
		die()
	}
	eax, ok := h(ps, tf)
	if !ok {
		die()
	}
	ps.unpin_all()
	tf.Eax = eax
}

// a handler returns the eax value; false terminates the process.
type handler_t func(*pinset_t, *defs.Tf_t) (int, bool)

var systab = [defs.SYS_NUM]handler_t{
	defs.SYS_HALT:     sys_halt,
	defs.SYS_EXIT:     sys_exit,
	defs.SYS_EXEC:     sys_exec,
	defs.SYS_WAIT:     sys_wait,
	defs.SYS_CREATE:   sys_create,
	defs.SYS_REMOVE:   sys_remove,
	defs.SYS_OPEN:     sys_open,
	defs.SYS_FILESIZE: sys_filesize,
	defs.SYS_READ:     sys_read,
	defs.SYS_WRITE:    sys_write,
	defs.SYS_SEEK:     sys_seek,
	defs.SYS_TELL:     sys_tell,
	defs.SYS_CLOSE:    sys_close,
	defs.SYS_MMAP:     sys_mmap,
	defs.SYS_MUNMAP:   sys_munmap,
}

func (ps *pinset_t) arg(tf *defs.Tf_t, i int) (uint32, bool) {
	return ps.read32(tf.Esp + 4 + uint32(i)*4)
}

func sys_halt(ps *pinset_t, tf *defs.Tf_t) (int, bool) {
	ps.unpin_all()
	if Halt != nil {
		Halt()
	}
	proc.Exit(0)
	return 0, true
}

func sys_exit(ps *pinset_t, tf *defs.Tf_t) (int, bool) {
	status, ok := ps.arg(tf, 0)
	if !ok {
		return 0, false
	}
	ps.unpin_all()
	proc.Exit(int(int32(status)))
	return 0, true
}

func sys_exec(ps *pinset_t, tf *defs.Tf_t) (int, bool) {
	va, ok := ps.arg(tf, 0)
	if !ok {
		return 0, false
	}
	cmd, ok := ps.read_str(va)
	if !ok {
		return 0, false
	}
	// the command string is copied in; nothing user-side is needed
	// past this point, and the child's loader takes the file-system
	// lock itself.
	ps.unpin_all()
	return int(proc.Execute(cmd)), true
}

func sys_wait(ps *pinset_t, tf *defs.Tf_t) (int, bool) {
	pid, ok := ps.arg(tf, 0)
	if !ok {
		return 0, false
	}
	ps.unpin_all()
	return proc.Wait(defs.Tid_t(int32(pid))), true
}

func sys_create(ps *pinset_t, tf *defs.Tf_t) (int, bool) {
	va, ok := ps.arg(tf, 0)
	if !ok {
		return 0, false
	}
	size, ok := ps.arg(tf, 1)
	if !ok {
		return 0, false
	}
	name, ok := ps.read_str(va)
	if !ok {
		return 0, false
	}
	fs.Flock.Acquire()
	created := fs.Create(name, int(int32(size)))
	fs.Flock.Release()
	return bool2eax(created), true
}

func sys_remove(ps *pinset_t, tf *defs.Tf_t) (int, bool) {
	va, ok := ps.arg(tf, 0)
	if !ok {
		return 0, false
	}
	name, ok := ps.read_str(va)
	if !ok {
		return 0, false
	}
	fs.Flock.Acquire()
	removed := fs.Remove(name)
	fs.Flock.Release()
	return bool2eax(removed), true
}

func sys_open(ps *pinset_t, tf *defs.Tf_t) (int, bool) {
	va, ok := ps.arg(tf, 0)
	if !ok {
		return 0, false
	}
	name, ok := ps.read_str(va)
	if !ok {
		return 0, false
	}
	fs.Flock.Acquire()
	f := fs.Open(name)
	fs.Flock.Release()
	if f == nil {
		return -1, true
	}
	return ps.p.Fd_new(f), true
}

func sys_filesize(ps *pinset_t, tf *defs.Tf_t) (int, bool) {
	fd, ok := ps.arg(tf, 0)
	if !ok {
		return 0, false
	}
	f := ps.p.Fd_get(int(int32(fd)))
	if f == nil {
		return -1, true
	}
	fs.Flock.Acquire()
	n := f.Len()
	fs.Flock.Release()
	return n, true
}

func sys_read(ps *pinset_t, tf *defs.Tf_t) (int, bool) {
	fd32, ok := ps.arg(tf, 0)
	if !ok {
		return 0, false
	}
	va, ok := ps.arg(tf, 1)
	if !ok {
		return 0, false
	}
	n32, ok := ps.arg(tf, 2)
	if !ok {
		return 0, false
	}
	fd, n := int(int32(fd32)), int(int32(n32))
	if n < 0 {
		return 0, false
	}
	if n == 0 {
		return 0, true
	}
	if !ps.pin_range(va, n) {
		return 0, false
	}
	switch fd {
	case 0:
		got := console.Kbd_get(n)
		if !ps.copy_out(va, got) {
			return 0, false
		}
		return len(got), true
	case 1:
		return -1, true
	}
	f := ps.p.Fd_get(fd)
	if f == nil {
		return -1, true
	}
	buf := make([]uint8, n)
	fs.Flock.Acquire()
	got := f.Read(buf)
	fs.Flock.Release()
	if !ps.copy_out(va, buf[:got]) {
		return 0, false
	}
	return got, true
}

func sys_write(ps *pinset_t, tf *defs.Tf_t) (int, bool) {
	fd32, ok := ps.arg(tf, 0)
	if !ok {
		return 0, false
	}
	va, ok := ps.arg(tf, 1)
	if !ok {
		return 0, false
	}
	n32, ok := ps.arg(tf, 2)
	if !ok {
		return 0, false
	}
	fd, n := int(int32(fd32)), int(int32(n32))
	if n < 0 {
		return 0, false
	}
	if n == 0 {
		return 0, true
	}
	if !ps.pin_range(va, n) {
		return 0, false
	}
	src, ok := ps.copy_in(va, n)
	if !ok {
		return 0, false
	}
	switch fd {
	case 0:
		return -1, true
	case 1:
		return console.Write(src), true
	}
	f := ps.p.Fd_get(fd)
	if f == nil {
		return -1, true
	}
	fs.Flock.Acquire()
	wrote := f.Write(src)
	fs.Flock.Release()
	return wrote, true
}

func sys_seek(ps *pinset_t, tf *defs.Tf_t) (int, bool) {
	fd, ok := ps.arg(tf, 0)
	if !ok {
		return 0, false
	}
	pos, ok := ps.arg(tf, 1)
	if !ok {
		return 0, false
	}
	if f := ps.p.Fd_get(int(int32(fd))); f != nil {
		fs.Flock.Acquire()
		f.Seek(int(int32(pos)))
		fs.Flock.Release()
	}
	return 0, true
}

func sys_tell(ps *pinset_t, tf *defs.Tf_t) (int, bool) {
	fd, ok := ps.arg(tf, 0)
	if !ok {
		return 0, false
	}
	f := ps.p.Fd_get(int(int32(fd)))
	if f == nil {
		return -1, true
	}
	fs.Flock.Acquire()
	pos := f.Tell()
	fs.Flock.Release()
	return pos, true
}

func sys_close(ps *pinset_t, tf *defs.Tf_t) (int, bool) {
	fd, ok := ps.arg(tf, 0)
	if !ok {
		return 0, false
	}
	fs.Flock.Acquire()
	ps.p.Fd_close(int(int32(fd)))
	fs.Flock.Release()
	return 0, true
}

func sys_mmap(ps *pinset_t, tf *defs.Tf_t) (int, bool) {
	fd, ok := ps.arg(tf, 0)
	if !ok {
		return 0, false
	}
	addr, ok := ps.arg(tf, 1)
	if !ok {
		return 0, false
	}
	f := ps.p.Fd_get(int(int32(fd)))
	if f == nil {
		return -1, true
	}
	id, err := ps.p.As.Mmap(f, addr)
	if err != 0 {
		return -1, true
	}
	return id, true
}

func sys_munmap(ps *pinset_t, tf *defs.Tf_t) (int, bool) {
	id, ok := ps.arg(tf, 0)
	if !ok {
		return 0, false
	}
	ps.p.As.Munmap(int(int32(id)))
	return 0, true
}

func bool2eax(b bool) int {
	if b {
		return 1
	}
	return 0
}
