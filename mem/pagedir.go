package mem

// The software MMU. A Pagedir_t maps user virtual page numbers to ptes
// carrying the frame address and the present/writable/accessed/dirty
// bits. All mutation happens under the page-table lock of the owning
// address space; the directory itself takes no locks.

type pte_t struct {
	pa       Pa_t
	writable bool
	accessed bool
	dirty    bool
}

type Pagedir_t struct {
	ptes map[uint32]*pte_t
}

func Pagedir_create() *Pagedir_t {
	return &Pagedir_t{ptes: make(map[uint32]*pte_t)}
}

// Get_page returns the frame mapped at user page va, if present.
func (pd *Pagedir_t) Get_page(va uint32) (Pa_t, bool) {
	p, ok := pd.ptes[va>>PGSHIFT]
	if !ok {
		return 0, false
	}
	return p.pa, true
}

// Set_page installs a mapping; va must not already be mapped.
func (pd *Pagedir_t) Set_page(va uint32, pa Pa_t, writable bool) bool {
	vpn := va >> PGSHIFT
	if _, ok := pd.ptes[vpn]; ok {
		return false
	}
	pd.ptes[vpn] = &pte_t{pa: pa, writable: writable}
	return true
}

// Clear_page drops the mapping at va, if any.
func (pd *Pagedir_t) Clear_page(va uint32) {
	delete(pd.ptes, va>>PGSHIFT)
}

func (pd *Pagedir_t) Is_writable(va uint32) bool {
	p, ok := pd.ptes[va>>PGSHIFT]
	return ok && p.writable
}

func (pd *Pagedir_t) Set_writable(va uint32, w bool) {
	if p, ok := pd.ptes[va>>PGSHIFT]; ok {
		p.writable = w
	}
}

func (pd *Pagedir_t) Is_accessed(va uint32) bool {
	p, ok := pd.ptes[va>>PGSHIFT]
	return ok && p.accessed
}

func (pd *Pagedir_t) Set_accessed(va uint32, a bool) {
	if p, ok := pd.ptes[va>>PGSHIFT]; ok {
		p.accessed = a
	}
}

func (pd *Pagedir_t) Is_dirty(va uint32) bool {
	p, ok := pd.ptes[va>>PGSHIFT]
	return ok && p.dirty
}

func (pd *Pagedir_t) Set_dirty(va uint32, d bool) {
	if p, ok := pd.ptes[va>>PGSHIFT]; ok {
		p.dirty = d
	}
}

// Destroy forgets every mapping. The supplemental page table owns the
// frames; it must have released them already.
func (pd *Pagedir_t) Destroy() {
	pd.ptes = nil
}

// Mappings reports how many pages are mapped.
func (pd *Pagedir_t) Mappings() int {
	return len(pd.ptes)
}
