package thread

// Semaphore, lock with priority donation, and condition variable.
//
// Wait sets are kept as plain lists and the winner is chosen by
// scanning at wake time: donations move priorities after a thread has
// enqueued itself, so insertion order means nothing.

import "github.com/shijua/pintos/klist"

// Sema_t is a counting semaphore.
type Sema_t struct {
	value   int
	waiters klist.List_t[*Thread_t]
}

func Sema_init(v int) Sema_t {
	return Sema_t{value: v}
}

// Down blocks until the value is positive, then decrements it.
func (s *Sema_t) Down() {
	Maybe_yield()
	Pushcli()
	s.down_locked()
	Popcli()
}

// down_locked is Down with interrupts already disabled; the window is
// released across the block and reacquired on wake.
func (s *Sema_t) down_locked() {
	for s.value == 0 {
		s.waiters.Push_back(&cur.elem)
		block()
		Pushcli()
	}
	s.value--
}

// Try_down decrements without blocking; false if the value was zero.
func (s *Sema_t) Try_down() bool {
	Pushcli()
	ok := s.value > 0
	if ok {
		s.value--
	}
	Popcli()
	return ok
}

// Up increments the value and wakes the highest-priority waiter,
// yielding when the woken thread outranks the caller.
func (s *Sema_t) Up() {
	Pushcli()
	yield := s.up_locked()
	Popcli()
	if yield {
		Yield()
	}
}

// Up_intr is Up for interrupt context: the handler already owns the
// interrupt window and cannot context switch; a preemption flag is
// left for the interrupted thread instead.
func (s *Sema_t) Up_intr() {
	if !inintr {
		panic("Up_intr outside interrupt context")
	}
	s.up_locked()
}

func (s *Sema_t) up_locked() bool {
	s.value++
	e := s.waiters.Pop_max(eff_better)
	if e == nil {
		return false
	}
	hi := unblock(e.Item)
	return hi && !inintr
}

// Lock_t is a binary lock whose holder inherits the priority of its
// best waiter, transitively through the lock the holder itself waits
// on, up to donation_depth links.
type Lock_t struct {
	holder  *Thread_t
	sema    Sema_t
	initted bool
	elem    klist.Elem_t[*Lock_t] // membership in holder's locks list
}

// Mklock allocates an initialized lock; subsystem singletons use this.
func Mklock() *Lock_t {
	l := &Lock_t{sema: Sema_init(1), initted: true}
	l.elem.Item = l
	return l
}

// lazy_init lets a zero-value Lock_t start life unlocked. Interrupts
// disabled.
func (l *Lock_t) lazy_init() {
	if !l.initted {
		l.initted = true
		l.sema.value = 1
	}
	if l.elem.Item == nil {
		l.elem.Item = l
	}
}

// Acquire takes the lock, donating the caller's effective priority
// down the chain of holders while it waits.
func (l *Lock_t) Acquire() {
	Maybe_yield()
	Pushcli()
	l.lazy_init()
	if l.holder == cur {
		panic("lock already held by caller")
	}
	if l.holder != nil && !mlfqs {
		cur.waiton = l
		donate_chain(cur, l)
	}
	l.sema.down_locked()
	cur.waiton = nil
	l.holder = cur
	cur.locks.Push_back(&l.elem)
	Popcli()
}

// donate_chain pushes from's effective priority onto the holder of l
// and onward through whatever that holder is blocked on. Interrupts
// disabled.
func donate_chain(from *Thread_t, l *Lock_t) {
	for i := 0; i < donation_depth && l != nil; i++ {
		h := l.holder
		if h == nil {
			return
		}
		if from.eff <= h.eff {
			return
		}
		h.eff = from.eff
		l = h.waiton
	}
}

// Try_acquire takes the lock without blocking or donating.
func (l *Lock_t) Try_acquire() bool {
	Pushcli()
	l.lazy_init()
	ok := l.sema.value > 0
	if ok {
		l.sema.value--
		l.holder = cur
		cur.locks.Push_back(&l.elem)
	}
	Popcli()
	return ok
}

// Release gives up the lock, sheds the donations it carried, and wakes
// the best waiter.
func (l *Lock_t) Release() {
	Pushcli()
	if l.holder != cur {
		panic("releasing lock not held by caller")
	}
	cur.locks.Remove(&l.elem)
	l.holder = nil
	if !mlfqs {
		recompute_eff(cur)
	}
	yield := l.sema.up_locked()
	Popcli()
	if yield {
		Yield()
	}
}

// Held reports whether the running thread holds l.
func (l *Lock_t) Held() bool {
	Pushcli()
	ok := l.holder == cur
	Popcli()
	return ok
}

// Release_all releases every lock the running thread still holds; the
// process exit path calls this so no global lock outlives its holder.
func Release_all() {
	for {
		Pushcli()
		e := cur.locks.Front()
		Popcli()
		if e == nil {
			return
		}
		e.Item.Release()
	}
}

// Cond_t is a condition variable. Each waiter parks on its own
// one-shot semaphore so Signal can wake exactly one, highest effective
// priority first.
type Cond_t struct {
	waiters klist.List_t[*condwaiter_t]
}

type condwaiter_t struct {
	sema Sema_t
	t    *Thread_t
	elem klist.Elem_t[*condwaiter_t]
}

// Wait atomically releases l, blocks until signalled, and retakes l.
func (c *Cond_t) Wait(l *Lock_t) {
	w := &condwaiter_t{t: cur}
	w.elem.Item = w
	Pushcli()
	c.waiters.Push_back(&w.elem)
	Popcli()
	l.Release()
	w.sema.Down()
	l.Acquire()
}

func condwaiter_better(a, b *condwaiter_t) bool {
	return a.t.eff > b.t.eff
}

// Signal wakes the waiter whose thread has the highest effective
// priority right now. The associated lock must be held.
func (c *Cond_t) Signal(l *Lock_t) {
	if !l.Held() {
		panic("cond signal without lock")
	}
	Pushcli()
	e := c.waiters.Pop_max(condwaiter_better)
	Popcli()
	if e != nil {
		e.Item.sema.Up()
	}
}

// Broadcast wakes every waiter, best first.
func (c *Cond_t) Broadcast(l *Lock_t) {
	if !l.Held() {
		panic("cond broadcast without lock")
	}
	for {
		Pushcli()
		e := c.waiters.Pop_max(condwaiter_better)
		Popcli()
		if e == nil {
			return
		}
		e.Item.sema.Up()
	}
}
