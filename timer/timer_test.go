package timer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/shijua/pintos/thread"
)

func boot() {
	thread.Init(false)
	Init()
}

func TestTicksAdvance(t *testing.T) {
	boot()
	assert.Equal(t, uint64(0), Ticks())
	Interrupt()
	Interrupt()
	assert.Equal(t, uint64(2), Ticks())
	assert.Equal(t, uint64(1), Elapsed(1))
}

func TestSleepNonpositiveReturns(t *testing.T) {
	boot()
	Sleep(0)
	Sleep(-5)
	assert.Equal(t, 0, Pending())
}

func TestSleepWakesAfterDeadline(t *testing.T) {
	boot()
	done := thread.Sema_init(0)
	var woke uint64
	thread.Create("sleeper", thread.PRI_DEFAULT+1, func() {
		Sleep(3)
		woke = Ticks()
		done.Up()
	})
	// sleeper preempted us and is parked until tick 3.
	assert.Equal(t, 1, Pending())
	for i := 0; i < 3; i++ {
		Interrupt()
		thread.Maybe_yield()
	}
	done.Down()
	assert.GreaterOrEqual(t, woke, uint64(3))
	assert.Equal(t, 0, Pending())
}

func TestSleepersWakeInDeadlineOrder(t *testing.T) {
	// three sleepers with durations 30, 10, 20 started at the same
	// tick wake second, third, first.
	boot()
	var order []int64
	done := thread.Sema_init(0)
	for _, n := range []int64{30, 10, 20} {
		n := n
		thread.Create("s", thread.PRI_DEFAULT+1, func() {
			Sleep(n)
			order = append(order, n)
			done.Up()
		})
	}
	assert.Equal(t, 3, Pending())
	for i := 0; i < 30; i++ {
		Interrupt()
		thread.Maybe_yield()
	}
	for i := 0; i < 3; i++ {
		done.Down()
	}
	assert.Equal(t, []int64{10, 20, 30}, order)
}

func TestSameDeadlineBothWake(t *testing.T) {
	boot()
	done := thread.Sema_init(0)
	for i := 0; i < 2; i++ {
		thread.Create("s", thread.PRI_DEFAULT+1, func() {
			Sleep(5)
			done.Up()
		})
	}
	for i := 0; i < 5; i++ {
		Interrupt()
		thread.Maybe_yield()
	}
	done.Down()
	done.Down()
	assert.Equal(t, 0, Pending())
}
