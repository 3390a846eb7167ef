// Package user is the simulated user CPU: program bodies touch memory
// only through an Env_t, whose accessors consult the MMU, set the
// accessed and dirty bits, and fault into the kernel exactly where
// real user code would. Syscall arguments go through user stack
// memory and the trap frame, so the dispatcher really does read them
// back through pointer validation.
package user

import (
	"github.com/shijua/pintos/defs"
	"github.com/shijua/pintos/thread"
	"github.com/shijua/pintos/vm"
)

// Traphandler is the syscall trap gate, installed by the syscall
// layer at boot.
var Traphandler func(*defs.Tf_t)

// Kill terminates the current process after an illegal access; it
// never returns. Installed by the process layer at boot.
var Kill func(status int)

// Prog_t is the text of a user program: it runs against an Env_t and
// returns the process exit status if it falls off the end.
type Prog_t func(*Env_t) int

// Env_t is one thread's user execution context.
type Env_t struct {
	as  *vm.Addrspace_t
	esp uint32
}

func Mkenv(as *vm.Addrspace_t, esp uint32) *Env_t {
	return &Env_t{as: as, esp: esp}
}

func (e *Env_t) Esp() uint32 {
	return e.esp
}

func (e *Env_t) Set_esp(esp uint32) {
	e.esp = esp
}

// access returns the byte behind va, faulting it in first when
// needed. An illegal access kills the process.
func (e *Env_t) access(va uint32, write bool) *uint8 {
	thread.Maybe_yield()
	for {
		vm.Pglock.Acquire()
		pg, off, ok := e.as.Userpage(va, write)
		if ok {
			e.as.Pd.Set_accessed(defs.Round_down_pg(va), true)
			if write {
				e.as.Pd.Set_dirty(defs.Round_down_pg(va), true)
			}
			vm.Pglock.Release()
			return &pg[off]
		}
		vm.Pglock.Release()
		if err := e.as.Handle_fault(va, e.esp, write); err != 0 {
			Kill(defs.STATUS_FAIL)
			panic("kill returned")
		}
	}
}

// Read8 loads a byte from user memory.
func (e *Env_t) Read8(va uint32) uint8 {
	return *e.access(va, false)
}

// Write8 stores a byte to user memory.
func (e *Env_t) Write8(va uint32, v uint8) {
	*e.access(va, true) = v
}

// Read32 loads a little-endian word, possibly spanning pages.
func (e *Env_t) Read32(va uint32) uint32 {
	var v uint32
	for i := uint32(0); i < 4; i++ {
		v |= uint32(e.Read8(va+i)) << (8 * i)
	}
	return v
}

// Write32 stores a little-endian word.
func (e *Env_t) Write32(va uint32, v uint32) {
	for i := uint32(0); i < 4; i++ {
		e.Write8(va+i, uint8(v>>(8*i)))
	}
}

// Read_str reads the NUL-terminated string at va.
func (e *Env_t) Read_str(va uint32) string {
	var b []uint8
	for {
		c := e.Read8(va)
		if c == 0 {
			return string(b)
		}
		b = append(b, c)
		va++
	}
}

// Push32 pushes a word onto the user stack.
func (e *Env_t) Push32(v uint32) {
	e.esp -= 4
	e.Write32(e.esp, v)
}

// Args reads the marshalled argument vector back off the user stack,
// the way a C runtime would before calling main.
func (e *Env_t) Args() []string {
	argc := e.Read32(e.esp + 4)
	argv := e.Read32(e.esp + 8)
	args := make([]string, argc)
	for i := uint32(0); i < argc; i++ {
		args[i] = e.Read_str(e.Read32(argv + 4*i))
	}
	return args
}

// Syscall pushes the arguments and the syscall number where the trap
// convention says they go, traps into the kernel, and returns eax.
func (e *Env_t) Syscall(num int, args ...int) int {
	saved := e.esp
	for i := len(args) - 1; i >= 0; i-- {
		e.Push32(uint32(args[i]))
	}
	e.Push32(uint32(num))
	tf := defs.Tf_t{Esp: e.esp}
	Traphandler(&tf)
	e.esp = saved
	return tf.Eax
}
