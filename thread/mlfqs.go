package thread

// The advanced (BSD-style) scheduler. Priorities come out of recent_cpu
// and nice; donations are off. All arithmetic is Q17.14.

import "github.com/shijua/pintos/fixedpt"

const timer_freq = 100

// mlfqs_priority computes PRI_MAX - recent_cpu/4 - nice*2, clamped.
// Interrupts disabled.
func mlfqs_priority(t *Thread_t) int {
	p := PRI_MAX - t.recentcpu.Divi(4).Trunc() - t.nice*2
	if p < PRI_MIN {
		p = PRI_MIN
	}
	if p > PRI_MAX {
		p = PRI_MAX
	}
	return p
}

// ready_count is the number of threads running or ready, not counting
// idle. Interrupts disabled.
func ready_count() int {
	n := readyq.Len()
	if cur != idlet {
		n++
	}
	return n
}

// Tick_intr is the scheduler's share of the timer interrupt. Must run
// between Intr_enter and Intr_exit. ticks is the new tick count.
func Tick_intr(ticks uint64) {
	if !inintr {
		panic("tick outside interrupt context")
	}
	if cur != idlet {
		cur.recentcpu = cur.recentcpu.Addi(1)
	}
	if mlfqs {
		if ticks%timer_freq == 0 {
			// load_avg = (59/60) load_avg + (1/60) ready
			loadavg = fixedpt.Frac(59, 60).Mul(loadavg).
				Add(fixedpt.Frac(1, 60).Muli(ready_count()))
			// recent_cpu = (2 load)/(2 load + 1) recent_cpu + nice
			decay := loadavg.Muli(2).Div(loadavg.Muli(2).Addi(1))
			for e := allt.Front(); e != nil; e = e.Next() {
				if t := e.Item; t != idlet {
					t.recentcpu = decay.Mul(t.recentcpu).Addi(t.nice)
				}
			}
		}
		if ticks%4 == 0 {
			for e := allt.Front(); e != nil; e = e.Next() {
				if t := e.Item; t != idlet {
					t.eff = mlfqs_priority(t)
					t.base = t.eff
				}
			}
		}
	}
	// preempt when a ready thread outranks the running one, and
	// round-robin among equals when the slice expires.
	if e := readyq.Max(eff_better); e != nil {
		if e.Item.eff > cur.eff ||
			(e.Item.eff == cur.eff && ticks%time_slice == 0) {
			set_resched(cur)
		}
	}
	if cur == idlet && !readyq.Empty() {
		select {
		case idlech <- struct{}{}:
		default:
		}
	}
}
