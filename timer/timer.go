// Package timer is the 100 Hz programmable timer: the tick counter,
// the deadline-ordered sleep queue, and the busy-wait delays. The tick
// handler runs in interrupt context; in real-ticker mode a device
// goroutine delivers ticks, in manual mode the machine drives them.
package timer

import (
	"sync/atomic"
	"time"

	"github.com/shijua/pintos/klist"
	"github.com/shijua/pintos/stats"
	"github.com/shijua/pintos/thread"
)

// FREQ is the number of timer interrupts per second.
const FREQ = 100

type sleeper_t struct {
	deadline uint64
	sema     thread.Sema_t
	elem     klist.Elem_t[*sleeper_t]
}

var (
	ticks    uint64
	sleepers klist.List_t[*sleeper_t]
	stopch   chan struct{}
)

// Init resets the timer. Sleepers from a previous boot are abandoned.
func Init() {
	atomic.StoreUint64(&ticks, 0)
	thread.Pushcli()
	sleepers = klist.List_t[*sleeper_t]{}
	thread.Popcli()
}

// Start_ticker runs the timer device: an interrupt every 1/FREQ
// seconds until Stop_ticker.
func Start_ticker() {
	stopch = make(chan struct{})
	go func(stop chan struct{}) {
		tk := time.NewTicker(time.Second / FREQ)
		defer tk.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tk.C:
				Interrupt()
			}
		}
	}(stopch)
}

func Stop_ticker() {
	if stopch != nil {
		close(stopch)
		stopch = nil
	}
}

// Ticks returns the tick count since boot.
func Ticks() uint64 {
	return atomic.LoadUint64(&ticks)
}

// Elapsed returns the ticks elapsed since then.
func Elapsed(then uint64) uint64 {
	return Ticks() - then
}

// Interrupt is the timer interrupt handler. Callable from any
// goroutine that is not a kernel thread holding the interrupt window.
func Interrupt() {
	thread.Intr_enter()
	t := atomic.AddUint64(&ticks, 1)
	stats.Ticks.Inc()
	// wake every sleeper whose deadline arrived, in deadline order.
	for {
		e := sleepers.Front()
		if e == nil || e.Item.deadline > t {
			break
		}
		sleepers.Remove(e)
		e.Item.sema.Up_intr()
	}
	thread.Tick_intr(t)
	thread.Intr_exit()
}

func deadline_less(a, b *sleeper_t) bool {
	return a.deadline < b.deadline
}

// Sleep blocks the caller for at least n ticks. Nonpositive n returns
// at once.
func Sleep(n int64) {
	if n <= 0 {
		thread.Maybe_yield()
		return
	}
	s := &sleeper_t{deadline: Ticks() + uint64(n)}
	s.elem.Item = s
	thread.Pushcli()
	sleepers.Insert_ordered(&s.elem, deadline_less)
	thread.Popcli()
	s.sema.Down()
}

// Msleep sleeps for ms milliseconds, Usleep and Nsleep likewise for
// micro- and nanoseconds. Sub-tick durations busy-wait.
func Msleep(ms int64) { sleep_units(ms, 1000) }
func Usleep(us int64) { sleep_units(us, 1000*1000) }
func Nsleep(ns int64) { sleep_units(ns, 1000*1000*1000) }

func sleep_units(num, den int64) {
	t := num * FREQ / den
	if t > 0 {
		Sleep(t)
	} else {
		delay_units(num, den)
	}
}

// Mdelay, Udelay, Ndelay busy-wait without yielding; for sub-tick
// delays where sleeping would oversleep.
func Mdelay(ms int64) { delay_units(ms, 1000) }
func Udelay(us int64) { delay_units(us, 1000*1000) }
func Ndelay(ns int64) { delay_units(ns, 1000*1000*1000) }

func delay_units(num, den int64) {
	d := time.Duration(num) * time.Second / time.Duration(den)
	end := time.Now().Add(d)
	for time.Now().Before(end) {
	}
}

// Pending reports how many threads are asleep; tests use it.
func Pending() int {
	thread.Pushcli()
	n := sleepers.Len()
	thread.Popcli()
	return n
}
