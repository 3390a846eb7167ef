package proc

// The ELF loader. Executables are 32-bit little-endian x86 images;
// PT_LOAD segments become demand-loaded supplemental entries and the
// arguments are marshalled onto the initial stack page.

import (
	"github.com/shijua/pintos/console"
	"github.com/shijua/pintos/defs"
	"github.com/shijua/pintos/fs"
	"github.com/shijua/pintos/mem"
	"github.com/shijua/pintos/util"
	"github.com/shijua/pintos/vm"
)

const (
	elf_ehdr_size = 52
	elf_phdr_size = 32

	pt_load    = 1
	pt_dynamic = 2
	pt_interp  = 3
	pt_shlib   = 5

	pf_w = 2
)

type ehdr_t struct {
	etype     int
	machine   int
	version   int
	entry     uint32
	phoff     int
	phentsize int
	phnum     int
}

type phdr_t struct {
	ptype  int
	off    int
	vaddr  uint32
	filesz int
	memsz  int
	flags  int
}

func parse_ehdr(b []uint8) (ehdr_t, bool) {
	var h ehdr_t
	if len(b) < elf_ehdr_size {
		return h, false
	}
	// magic, 32-bit class, little-endian, ident version
	if b[0] != 0x7f || b[1] != 'E' || b[2] != 'L' || b[3] != 'F' ||
		b[4] != 1 || b[5] != 1 || b[6] != 1 {
		return h, false
	}
	h.etype = util.Readn(b, 2, 16)
	h.machine = util.Readn(b, 2, 18)
	h.version = util.Readn(b, 4, 20)
	h.entry = uint32(util.Readn(b, 4, 24))
	h.phoff = util.Readn(b, 4, 28)
	h.phentsize = util.Readn(b, 2, 42)
	h.phnum = util.Readn(b, 2, 44)
	if h.etype != 2 || h.machine != 3 || h.version != 1 ||
		h.phentsize != elf_phdr_size || h.phnum > 1024 {
		return h, false
	}
	return h, true
}

func parse_phdr(b []uint8) phdr_t {
	return phdr_t{
		ptype:  util.Readn(b, 4, 0),
		off:    util.Readn(b, 4, 4),
		vaddr:  uint32(util.Readn(b, 4, 8)),
		filesz: util.Readn(b, 4, 16),
		memsz:  util.Readn(b, 4, 20),
		flags:  util.Readn(b, 4, 24),
	}
}

// validate_segment rejects segments whose geometry lies about the
// file, that wrap, or that touch page zero or kernel space.
func validate_segment(ph *phdr_t, flen int) bool {
	if (uint32(ph.off) & defs.PGMASK) != (ph.vaddr & defs.PGMASK) {
		return false
	}
	if ph.off < 0 || ph.off > flen {
		return false
	}
	if ph.memsz < ph.filesz || ph.memsz == 0 {
		return false
	}
	end := uint64(ph.vaddr) + uint64(ph.memsz)
	if ph.vaddr < defs.PGSIZE || end > defs.USERBASE {
		return false
	}
	return true
}

// load opens and validates the executable, installs its segments
// lazily, sets up the stack, and marshals args. Returns the initial
// user stack pointer.
func (p *Proc_t) load(name string, args []string) (uint32, defs.Err_t) {
	// the file-system lock is only held around file operations; the
	// fault path orders it inside the page-table lock, so holding it
	// across the Pglock sections below would invert that.
	fs.Flock.Acquire()
	f := fs.Open(name)
	var flen int
	var phdrs []phdr_t
	var eh ehdr_t
	ok := f != nil
	if ok {
		flen = f.Len()
		hb := make([]uint8, elf_ehdr_size)
		ok = f.Read_at(hb, 0) == elf_ehdr_size
		if ok {
			eh, ok = parse_ehdr(hb)
		}
		pb := make([]uint8, elf_phdr_size)
		for i := 0; ok && i < eh.phnum; i++ {
			off := eh.phoff + i*elf_phdr_size
			if off < 0 || off > flen || f.Read_at(pb, off) != elf_phdr_size {
				ok = false
				break
			}
			phdrs = append(phdrs, parse_phdr(pb))
		}
	}
	fs.Flock.Release()
	if f == nil {
		console.Printf("load: %s: open failed\n", name)
		return 0, -defs.ENOENT
	}
	if !ok {
		console.Printf("load: %s: error loading executable\n", name)
		f.Close()
		return 0, -defs.ENOEXEC
	}

	as := vm.Mkaddrspace()
	p.As = as

	for i := range phdrs {
		ph := &phdrs[i]
		switch ph.ptype {
		case pt_dynamic, pt_interp, pt_shlib:
			f.Close()
			return 0, -defs.ENOEXEC
		case pt_load:
			if !validate_segment(ph, flen) {
				f.Close()
				return 0, -defs.ENOEXEC
			}
			if err := p.load_segment(f, ph); err != 0 {
				f.Close()
				return 0, err
			}
		default:
			// ignore
		}
	}

	vm.Pglock.Acquire()
	err := as.Setup_stack()
	vm.Pglock.Release()
	if err != 0 {
		f.Close()
		return 0, err
	}
	esp := p.push_args(args)

	// writes to a running executable are denied until exit.
	fs.Flock.Acquire()
	f.Deny_write()
	fs.Flock.Release()
	p.exe = f
	return esp, 0
}

// load_segment records one IN_FILE supplemental entry per page of a
// PT_LOAD segment. Overlapping segments may only widen writability.
func (p *Proc_t) load_segment(f *fs.File_t, ph *phdr_t) defs.Err_t {
	writable := ph.flags&pf_w != 0
	filepg := ph.off &^ defs.PGMASK
	vapg := ph.vaddr &^ defs.PGMASK
	pgoff := int(ph.vaddr & defs.PGMASK)

	var readbytes, zerobytes int
	if ph.filesz > 0 {
		readbytes = pgoff + ph.filesz
		zerobytes = int(defs.Round_up_pg(uint32(pgoff+ph.memsz))) - readbytes
	} else {
		readbytes = 0
		zerobytes = int(defs.Round_up_pg(uint32(pgoff + ph.memsz)))
	}

	vm.Pglock.Acquire()
	defer vm.Pglock.Release()
	off := filepg
	for readbytes > 0 || zerobytes > 0 {
		prb := util.Min(readbytes, defs.PGSIZE)
		pzb := defs.PGSIZE - prb
		if pe := p.As.Page_lookup(vapg); pe != nil {
			pe.Widen(writable)
		} else {
			p.As.Add_lazy(vapg, f, off, prb, pzb, writable)
		}
		readbytes -= prb
		zerobytes -= pzb
		vapg += defs.PGSIZE
		off += defs.PGSIZE
	}
	return 0
}

// push_args lays the arguments out on the initial stack page: the
// strings, padding to a word boundary, the null sentinel, the argv
// pointers, argv itself, argc, and a zero return address.
func (p *Proc_t) push_args(args []string) uint32 {
	vm.Pglock.Acquire()
	defer vm.Pglock.Release()

	stackva := uint32(defs.USERBASE - defs.PGSIZE)
	pa, ok := p.As.Pd.Get_page(stackva)
	if !ok {
		panic("stack page not mapped")
	}
	pg := mem.Dmap(pa)
	put8 := func(va uint32, v uint8) {
		pg[va-stackva] = v
	}
	put32 := func(va uint32, v uint32) {
		util.Writen(pg[va-stackva:], 4, 0, int(v))
	}

	sp := uint32(defs.USERBASE)
	addrs := make([]uint32, len(args))
	for i := len(args) - 1; i >= 0; i-- {
		sp -= uint32(len(args[i]) + 1)
		for j := 0; j < len(args[i]); j++ {
			put8(sp+uint32(j), args[i][j])
		}
		put8(sp+uint32(len(args[i])), 0)
		addrs[i] = sp
	}
	// word-align with zero padding
	for sp%4 != 0 {
		sp--
		put8(sp, 0)
	}
	// argv[argc] sentinel
	sp -= 4
	put32(sp, 0)
	// argv pointers, right to left
	for i := len(args) - 1; i >= 0; i-- {
		sp -= 4
		put32(sp, addrs[i])
	}
	argv := sp
	sp -= 4
	put32(sp, argv)
	sp -= 4
	put32(sp, uint32(len(args)))
	// fake return address
	sp -= 4
	put32(sp, 0)
	return sp
}
