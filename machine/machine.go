// Package machine boots the simulated computer: it wires the
// singletons together in dependency order, installs the trap and halt
// hooks, and runs user commands. Tests and the CLI both start here.
package machine

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shijua/pintos/bdev"
	"github.com/shijua/pintos/console"
	"github.com/shijua/pintos/defs"
	"github.com/shijua/pintos/fs"
	"github.com/shijua/pintos/mem"
	"github.com/shijua/pintos/proc"
	"github.com/shijua/pintos/stats"
	"github.com/shijua/pintos/swap"
	"github.com/shijua/pintos/sys"
	"github.com/shijua/pintos/thread"
	"github.com/shijua/pintos/timer"
	"github.com/shijua/pintos/user"
	"github.com/shijua/pintos/vm"
)

// Opts_t are the boot options.
type Opts_t struct {
	Mlfqs     bool
	Kpages    int // kernel pool size
	Upages    int // user pool size
	Swapslots int
	Ticker    bool // real 100 Hz ticker; off means tests drive ticks
	Output    io.Writer
}

type Machine_t struct {
	Root   *proc.Proc_t
	halted bool
}

// Boot initializes everything in dependency order and binds the
// calling goroutine as the boot thread.
func Boot(o Opts_t) *Machine_t {
	if o.Kpages == 0 {
		o.Kpages = 64
	}
	if o.Upages == 0 {
		o.Upages = 256
	}
	if o.Swapslots == 0 {
		o.Swapslots = 1024
	}

	m := &Machine_t{}
	main := thread.Init(o.Mlfqs)
	mem.Phys_init(o.Kpages, o.Upages)
	fs.Init()
	swap.Init(bdev.Mkmemdev(o.Swapslots * defs.PGSIZE / bdev.SECTSIZE))
	vm.Init()
	timer.Init()
	console.Init(o.Output)
	proc.Init()
	sys.Init()
	stats.Register(prometheus.DefaultRegisterer)

	m.Root = proc.Mkinit(main)
	sys.Halt = func() {
		m.halted = true
		timer.Stop_ticker()
	}
	if o.Ticker {
		timer.Start_ticker()
	}
	return m
}

// Install puts an executable image into the file system and registers
// the program body the simulated CPU runs for it.
func (m *Machine_t) Install(name string, image []uint8, prog user.Prog_t) {
	if !fs.Create(name, len(image)) {
		panic("image exists")
	}
	f := fs.Open(name)
	f.Write_at(image, 0)
	f.Close()
	proc.Register(name, prog)
}

// Run executes a command line and waits for the process to exit,
// returning its status.
func (m *Machine_t) Run(cmd string) int {
	tid := proc.Execute(cmd)
	if tid == defs.TID_ERROR {
		return defs.STATUS_FAIL
	}
	return proc.Wait(tid)
}

// Tick delivers n timer interrupts, taking the boot thread's
// reschedules in between; manual-tick boots use this.
func (m *Machine_t) Tick(n int) {
	for i := 0; i < n; i++ {
		timer.Interrupt()
		thread.Maybe_yield()
	}
}

// Halted reports whether a halt syscall powered the machine down.
func (m *Machine_t) Halted() bool {
	return m.halted
}

// Shutdown stops the ticker; parked thread goroutines are abandoned
// with the boot.
func (m *Machine_t) Shutdown() {
	timer.Stop_ticker()
}
