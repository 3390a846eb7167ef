// Package console is the machine's console: an input ring fed by the
// keyboard device and drained by readers blocking on a byte-count
// semaphore, and a writer every kernel message goes through.
package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/shijua/pintos/defs"
	"github.com/shijua/pintos/thread"
)

// input ring; head and tail are free-running indices.
type ring_t struct {
	buf  []uint8
	head int
	tail int
}

func (cb *ring_t) full() bool {
	return cb.head-cb.tail == len(cb.buf)
}

func (cb *ring_t) empty() bool {
	return cb.head == cb.tail
}

func (cb *ring_t) push(c uint8) bool {
	if cb.full() {
		return false
	}
	cb.buf[cb.head%len(cb.buf)] = c
	cb.head++
	return true
}

func (cb *ring_t) pop() uint8 {
	if cb.empty() {
		panic("pop of empty ring")
	}
	c := cb.buf[cb.tail%len(cb.buf)]
	cb.tail++
	return c
}

type cons_t struct {
	ring  ring_t
	avail thread.Sema_t

	wmu sync.Mutex
	w   io.Writer
}

var cons cons_t

// Init resets the console; output goes to w.
func Init(w io.Writer) {
	cons.wmu.Lock()
	cons.w = w
	cons.wmu.Unlock()
	thread.Pushcli()
	cons.ring = ring_t{buf: make([]uint8, defs.PGSIZE)}
	cons.avail = thread.Sema_init(0)
	thread.Popcli()
}

// Feed delivers keyboard input, one interrupt per byte. Carriage
// returns arrive as newlines and DEL as backspace, serial style.
// Bytes past a full ring are dropped.
func Feed(p []uint8) {
	for _, c := range p {
		if c == '\r' {
			c = '\n'
		} else if c == 127 {
			c = '\b'
		}
		thread.Intr_enter()
		if cons.ring.push(c) {
			cons.avail.Up_intr()
		}
		thread.Intr_exit()
	}
}

// Kbd_get blocks for at least one byte of input and returns at most
// cnt bytes.
func Kbd_get(cnt int) []uint8 {
	if cnt < 0 {
		panic("negative cnt")
	}
	if cnt == 0 {
		return nil
	}
	cons.avail.Down()
	thread.Pushcli()
	ret := []uint8{cons.ring.pop()}
	thread.Popcli()
	for len(ret) < cnt {
		if !cons.avail.Try_down() {
			break
		}
		thread.Pushcli()
		ret = append(ret, cons.ring.pop())
		thread.Popcli()
	}
	return ret
}

// Write puts bytes on the console in one piece.
func Write(p []uint8) int {
	cons.wmu.Lock()
	defer cons.wmu.Unlock()
	if cons.w == nil {
		return len(p)
	}
	n, _ := cons.w.Write(p)
	return n
}

// Printf formats a kernel message onto the console.
func Printf(format string, args ...any) {
	cons.wmu.Lock()
	defer cons.wmu.Unlock()
	if cons.w != nil {
		fmt.Fprintf(cons.w, format, args...)
	}
}

// Hexdump prints buf xxd style onto the console for debugging.
func Hexdump(buf []uint8) {
	l := len(buf)
	for i := 0; i < l; i += 16 {
		cur := buf[i:]
		if len(cur) > 16 {
			cur = cur[:16]
		}
		line := fmt.Sprintf("%07x: ", i)
		for j, b := range cur {
			line += fmt.Sprintf("%02x", b)
			if j%2 == 1 {
				line += " "
			}
		}
		Printf("%s\n", line)
	}
}
