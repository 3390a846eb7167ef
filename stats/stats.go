// Package stats instruments the machine with prometheus metrics. The
// kernel only bumps counters here; serving /metrics is the CLI's
// business.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Ticks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pintos_timer_ticks_total",
		Help: "Timer interrupts taken.",
	})
	Switches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pintos_context_switches_total",
		Help: "Context switches performed by the scheduler.",
	})
	Faults = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pintos_page_faults_total",
		Help: "Page faults handled, including demand loads.",
	})
	Evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pintos_frame_evictions_total",
		Help: "Frames evicted by the clock algorithm.",
	})
	Swapwrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pintos_swap_writes_total",
		Help: "Pages written to the swap device.",
	})
	Swapreads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pintos_swap_reads_total",
		Help: "Pages read back from the swap device.",
	})
	Syscalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pintos_syscalls_total",
		Help: "System calls dispatched.",
	})
	Freepages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pintos_user_pages_free",
		Help: "Free pages in the user pool.",
	})
)

var registered bool

// Register adds the machine's collectors to reg. Safe to call once per
// process; boots after the first reuse the same collectors.
func Register(reg prometheus.Registerer) {
	if registered {
		return
	}
	registered = true
	reg.MustRegister(Ticks, Switches, Faults, Evictions,
		Swapwrites, Swapreads, Syscalls, Freepages)
}
