// Package thread is the kernel's thread layer: descriptors, the ready
// queue, the context switch, priority scheduling with donation, and the
// primitives built on top (semaphore, lock, condition variable).
//
// Each kernel thread is a goroutine parked on its own run channel;
// exactly one holds the CPU at a time. A context switch hands the run
// token (and ownership of the interrupt-disable lock) to the successor
// and parks the switcher. External device goroutines take the
// interrupt-disable lock through Intr_enter/Intr_exit to run their
// handlers, which is the only way anything preempts the running thread:
// the handler sets the resched flag and the thread yields at its next
// kernel entry point.
package thread

import (
	"sync"
	"sync/atomic"

	"github.com/shijua/pintos/defs"
	"github.com/shijua/pintos/fixedpt"
	"github.com/shijua/pintos/klist"
	"github.com/shijua/pintos/stats"
)

const (
	PRI_MIN     = 0
	PRI_DEFAULT = 31
	PRI_MAX     = 63

	// timer ticks per scheduling slice
	time_slice = 4
	// maximum length of a priority donation chain
	donation_depth = 8
)

type state_t int32

const (
	RUNNING state_t = iota
	READY
	BLOCKED
	DYING
)

// Thread_t is a kernel thread descriptor.
type Thread_t struct {
	tid   defs.Tid_t
	name  string
	state state_t

	base int // base priority
	eff  int // effective priority (base plus donations)

	nice      int
	recentcpu fixedpt.Fp_t

	runch chan struct{} // context-switch token

	elem    klist.Elem_t[*Thread_t] // ready queue / wait set membership
	allelem klist.Elem_t[*Thread_t]

	locks  klist.List_t[*Lock_t] // locks held, for donation recomputation
	waiton *Lock_t               // lock this thread is blocked on

	needresched uint32

	// the process layer hangs its per-process state here
	Udata any
}

func (t *Thread_t) Tid() defs.Tid_t { return t.tid }
func (t *Thread_t) Name() string    { return t.name }

// scheduler globals, all guarded by the interrupt-disable lock.
var (
	ilock   sync.Mutex
	cur     *Thread_t
	idlet   *Thread_t
	prevt   *Thread_t
	readyq  klist.List_t[*Thread_t]
	allt    klist.List_t[*Thread_t]
	tidnext defs.Tid_t
	inintr  bool
	mlfqs   bool
	loadavg fixedpt.Fp_t

	idlech chan struct{}
)

// Pushcli disables interrupts: device handlers cannot run until Popcli.
// Not reentrant; kernel code keeps its windows short and unnested.
func Pushcli() {
	ilock.Lock()
}

// Popcli re-enables interrupts.
func Popcli() {
	ilock.Unlock()
}

// Intr_enter is called by a device goroutine to begin an interrupt
// handler. It blocks until the running thread is outside any
// interrupt-disable window.
func Intr_enter() {
	ilock.Lock()
	inintr = true
}

// Intr_exit ends the interrupt handler.
func Intr_exit() {
	inintr = false
	ilock.Unlock()
}

// Init resets the thread layer and binds the calling goroutine as the
// initial thread. mlfqs selects the advanced scheduler.
func Init(advanced bool) *Thread_t {
	ilock = sync.Mutex{}
	readyq = klist.List_t[*Thread_t]{}
	allt = klist.List_t[*Thread_t]{}
	tidnext = 0
	inintr = false
	mlfqs = advanced
	loadavg = 0
	idlech = make(chan struct{}, 1)
	cur = nil
	prevt = nil

	main := mkthread("main", PRI_DEFAULT)
	main.state = RUNNING
	cur = main

	idlet = mkthread("idle", PRI_MIN)
	idlet.state = BLOCKED
	go func(t *Thread_t) {
		<-t.runch
		finish_switch()
		idle_loop()
	}(idlet)
	return main
}

func mkthread(name string, pri int) *Thread_t {
	t := &Thread_t{
		name:  name,
		base:  pri,
		eff:   pri,
		runch: make(chan struct{}, 1),
	}
	t.elem.Item = t
	t.allelem.Item = t
	t.tid = tidnext
	tidnext++
	if mlfqs && cur != nil {
		t.nice = cur.nice
		t.recentcpu = cur.recentcpu
	}
	allt.Push_back(&t.allelem)
	return t
}

// Create spawns a new thread running fn at the given priority and
// yields if the new thread outranks the creator.
func Create(name string, pri int, fn func()) defs.Tid_t {
	Pushcli()
	t := mkthread(name, pri)
	if mlfqs {
		t.eff = mlfqs_priority(t)
		t.base = t.eff
	}
	go func() {
		<-t.runch
		finish_switch()
		fn()
		Exit()
	}()
	t.state = READY
	readyq.Push_back(&t.elem)
	preempt := t.eff > cur.eff
	Popcli()
	if preempt {
		Yield()
	}
	return t.tid
}

// Current returns the running thread. Only the running thread may call
// this.
func Current() *Thread_t {
	return cur
}

func eff_better(a, b *Thread_t) bool {
	return a.eff > b.eff
}

// pick_next chooses the ready thread with maximum effective priority,
// earliest enqueued on ties. Interrupts disabled.
func pick_next() *Thread_t {
	if e := readyq.Pop_max(eff_better); e != nil {
		return e.Item
	}
	return idlet
}

// switch_to transfers the CPU. Interrupts are disabled by the caller
// and ownership of the window moves with the token; the resumed side
// releases it in finish_switch.
func switch_to(next *Thread_t) {
	self := cur
	if next == self {
		Popcli()
		return
	}
	stats.Switches.Inc()
	prevt = self
	cur = next
	next.state = RUNNING
	atomic.StoreUint32(&next.needresched, 0)
	next.runch <- struct{}{}
	if self.state == DYING {
		// do not park; the goroutine unwinds and exits.
		return
	}
	<-self.runch
	finish_switch()
}

// finish_switch runs on the resumed thread, which owns the
// interrupt-disable window handed over by the switcher.
func finish_switch() {
	if p := prevt; p != nil && p.state == DYING {
		// reap: take the dying thread off the all-threads list.
		allt.Remove(&p.allelem)
		prevt = nil
	}
	Popcli()
}

// block marks the running thread blocked and schedules away.
// Interrupts disabled on entry; on return the thread runs again with
// interrupts enabled.
func block() {
	cur.state = BLOCKED
	switch_to(pick_next())
}

// unblock moves t to the ready queue. Interrupts disabled. Returns
// true when t outranks the running thread. No context switch happens
// here; callers yield (or, from interrupt context, flag a resched).
func unblock(t *Thread_t) bool {
	if t.state != BLOCKED {
		panic("unblocking non-blocked thread")
	}
	t.state = READY
	readyq.Push_back(&t.elem)
	hi := t.eff > cur.eff
	if hi {
		atomic.StoreUint32(&cur.needresched, 1)
	}
	if cur == idlet {
		select {
		case idlech <- struct{}{}:
		default:
		}
	}
	return hi
}

// Yield gives up the CPU; the thread stays ready.
func Yield() {
	Pushcli()
	cur.state = READY
	readyq.Push_back(&cur.elem)
	switch_to(pick_next())
}

// Exit terminates the running thread. Never returns.
func Exit() {
	Pushcli()
	self := cur
	if !self.locks.Empty() {
		panic("thread exiting with locks held")
	}
	self.state = DYING
	switch_to(pick_next())
	// switch_to returned without parking; the successor reaps us and
	// this goroutine unwinds and dies.
}

func set_resched(t *Thread_t) {
	atomic.StoreUint32(&t.needresched, 1)
}

// Maybe_yield is the preemption checkpoint: every kernel entry point
// calls it so a tick taken since the last checkpoint gets its
// reschedule.
func Maybe_yield() {
	if atomic.LoadUint32(&cur.needresched) != 0 {
		atomic.StoreUint32(&cur.needresched, 0)
		Yield()
	}
}

func idle_loop() {
	for {
		Pushcli()
		if !readyq.Empty() {
			cur.state = READY
			// idle never sits on the ready queue; hand off directly.
			switch_to(pick_next())
			continue
		}
		Popcli()
		// halt until the next interrupt or unblock
		<-idlech
	}
}

// Set_priority changes the running thread's base priority, recomputes
// its effective priority against outstanding donations, and yields if
// it stopped being the highest.
func Set_priority(pri int) {
	if mlfqs {
		return
	}
	if pri < PRI_MIN || pri > PRI_MAX {
		panic("priority out of range")
	}
	Pushcli()
	cur.base = pri
	recompute_eff(cur)
	lower := false
	if e := readyq.Max(eff_better); e != nil && e.Item.eff > cur.eff {
		lower = true
	}
	Popcli()
	if lower {
		Yield()
	}
}

// Get_priority returns the running thread's effective priority.
func Get_priority() int {
	Pushcli()
	p := cur.eff
	Popcli()
	return p
}

// recompute_eff sets t.eff to the max of its base priority and the
// best waiter of every lock it still holds. Interrupts disabled.
func recompute_eff(t *Thread_t) {
	eff := t.base
	for e := t.locks.Front(); e != nil; e = e.Next() {
		l := e.Item
		for w := l.sema.waiters.Front(); w != nil; w = w.Next() {
			if w.Item.eff > eff {
				eff = w.Item.eff
			}
		}
	}
	t.eff = eff
}

// Set_nice sets the nice value and reweighs the running thread under
// the advanced scheduler.
func Set_nice(n int) {
	if !mlfqs {
		return
	}
	Pushcli()
	cur.nice = n
	cur.eff = mlfqs_priority(cur)
	lower := false
	if e := readyq.Max(eff_better); e != nil && e.Item.eff > cur.eff {
		lower = true
	}
	Popcli()
	if lower {
		Yield()
	}
}

func Get_nice() int {
	Pushcli()
	n := cur.nice
	Popcli()
	return n
}

// Get_load_avg returns 100 times the current load average.
func Get_load_avg() int {
	Pushcli()
	v := loadavg.Muli(100).Round()
	Popcli()
	return v
}

// Get_recent_cpu returns 100 times the running thread's recent cpu.
func Get_recent_cpu() int {
	Pushcli()
	v := cur.recentcpu.Muli(100).Round()
	Popcli()
	return v
}
