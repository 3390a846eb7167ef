// Package elfimg writes minimal ELF32 executable images for the
// simulated file system: the boot programs and the loader tests are
// built with it. Images are 32-bit little-endian x86, type EXEC, with
// one PT_LOAD header per segment, laid out so every file offset is
// congruent to its vaddr modulo the page size.
package elfimg

import (
	"github.com/shijua/pintos/defs"
	"github.com/shijua/pintos/util"
)

type Seg_t struct {
	Vaddr    uint32
	Data     []uint8
	Memsz    int // zero means len(Data)
	Writable bool
}

const (
	ehdrsz = 52
	phdrsz = 32
)

// Mkimage assembles an executable with the given entry point and
// segments.
func Mkimage(entry uint32, segs []Seg_t) []uint8 {
	phoff := ehdrsz
	dataoff := phoff + len(segs)*phdrsz

	offs := make([]int, len(segs))
	cur := dataoff
	for i, s := range segs {
		base := util.Roundup(cur, defs.PGSIZE)
		offs[i] = base + int(s.Vaddr&defs.PGMASK)
		cur = offs[i] + len(s.Data)
	}

	img := make([]uint8, cur)
	copy(img, []uint8{0x7f, 'E', 'L', 'F', 1, 1, 1})
	util.Writen(img, 2, 16, 2)  // e_type EXEC
	util.Writen(img, 2, 18, 3)  // e_machine 386
	util.Writen(img, 4, 20, 1)  // e_version
	util.Writen(img, 4, 24, int(entry))
	util.Writen(img, 4, 28, phoff)
	util.Writen(img, 2, 40, ehdrsz)
	util.Writen(img, 2, 42, phdrsz)
	util.Writen(img, 2, 44, len(segs))

	for i, s := range segs {
		memsz := s.Memsz
		if memsz == 0 {
			memsz = len(s.Data)
		}
		flags := 4 | 1 // R X
		if s.Writable {
			flags |= 2
		}
		b := img[phoff+i*phdrsz:]
		util.Writen(b, 4, 0, 1) // PT_LOAD
		util.Writen(b, 4, 4, offs[i])
		util.Writen(b, 4, 8, int(s.Vaddr))
		util.Writen(b, 4, 12, int(s.Vaddr))
		util.Writen(b, 4, 16, len(s.Data))
		util.Writen(b, 4, 20, memsz)
		util.Writen(b, 4, 24, flags)
		util.Writen(b, 4, 28, defs.PGSIZE)
		copy(img[offs[i]:], s.Data)
	}
	return img
}

// Mktrivial is the one-segment image most programs use: a page of
// read-only "text" at the conventional load address.
func Mktrivial() []uint8 {
	text := make([]uint8, 128)
	for i := range text {
		text[i] = uint8(i)
	}
	return Mkimage(0x08048000, []Seg_t{{Vaddr: 0x08048000, Data: text}})
}
