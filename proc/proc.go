// Package proc is the user-process boundary: process objects, the
// exec/wait/exit lifecycle, the per-process descriptor table, and the
// ELF loader with argv marshalling.
package proc

import (
	"strings"

	"github.com/shijua/pintos/console"
	"github.com/shijua/pintos/defs"
	"github.com/shijua/pintos/fs"
	"github.com/shijua/pintos/klist"
	"github.com/shijua/pintos/thread"
	"github.com/shijua/pintos/user"
	"github.com/shijua/pintos/vm"
)

// Waitrec_t is the record shared by a parent and one child: a neutral
// third object so neither side owns the other. Whichever side dies
// last lets it go; the flags say who is still around. All fields are
// guarded by the child-list lock.
type Waitrec_t struct {
	tid         defs.Tid_t
	sema        thread.Sema_t // the parent downs this once
	code        int
	parentalive bool
	childalive  bool
	elem        klist.Elem_t[*Waitrec_t]
}

// Proc_t is a user process. Its single thread keeps a pointer here in
// its Udata slot.
type Proc_t struct {
	pid  defs.Tid_t
	name string

	As  *vm.Addrspace_t
	env *user.Env_t

	fds    map[int]*fs.File_t
	fdnext int
	exe    *fs.File_t // write-denied for the process lifetime

	children klist.List_t[*Waitrec_t]
	waitrec  *Waitrec_t // the record shared with my parent
}

func (p *Proc_t) Pid() defs.Tid_t  { return p.pid }
func (p *Proc_t) Name() string     { return p.name }
func (p *Proc_t) Env() *user.Env_t { return p.env }

// execrec_t carries the child's load verdict back to the parent.
type execrec_t struct {
	sema thread.Sema_t
	ok   bool
}

// procdeath_t unwinds a dying process's goroutine back to its thread
// wrapper.
type procdeath_t struct{}

var (
	childlock *thread.Lock_t
	allprogs  map[string]user.Prog_t
)

// Init resets the process layer and installs the kill hook.
func Init() {
	childlock = thread.Mklock()
	allprogs = make(map[string]user.Prog_t)
	user.Kill = func(status int) {
		Exit(status)
	}
}

// Register binds a program name to its text body. The executable file
// of the same name still has to exist and validate; the body is what
// the simulated CPU runs once the image is loaded.
func Register(name string, prog user.Prog_t) {
	allprogs[name] = prog
}

// Mkinit makes the root process for the boot thread so exec and wait
// have a parent to start from.
func Mkinit(t *thread.Thread_t) *Proc_t {
	p := &Proc_t{pid: t.Tid(), name: "init", fds: make(map[int]*fs.File_t), fdnext: 2}
	t.Udata = p
	return p
}

// Cur returns the process of the running thread.
func Cur() *Proc_t {
	p, ok := thread.Current().Udata.(*Proc_t)
	if !ok || p == nil {
		panic("no process on this thread")
	}
	return p
}

// stack cost of one marshalled argument: its bytes, a terminator, and
// an argv slot; plus the fixed words at the bottom of the frame.
const (
	arg_overhead = 4 + 1
	stack_base   = 16
)

// Execute starts a new process from a command line: the first token
// names the executable, the rest become its arguments. The caller
// blocks until the child has loaded; a failed load returns TID_ERROR.
func Execute(cmd string) defs.Tid_t {
	args := strings.Fields(cmd)
	if len(args) == 0 {
		return defs.TID_ERROR
	}
	size := stack_base
	for _, a := range args {
		size += len(a) + arg_overhead
	}
	if size > defs.PGSIZE {
		return defs.TID_ERROR
	}
	name := args[0]

	parent := Cur()
	rec := &Waitrec_t{parentalive: true, childalive: true}
	rec.elem.Item = rec
	er := &execrec_t{}

	tid := thread.Create(name, thread.PRI_DEFAULT, func() {
		start_process(name, args, rec, er)
	})
	rec.tid = tid
	childlock.Acquire()
	parent.children.Push_back(&rec.elem)
	childlock.Release()

	er.sema.Down()
	if !er.ok {
		return defs.TID_ERROR
	}
	return tid
}

// start_process runs on the child thread: load the image, report to
// the parent, and enter user mode.
func start_process(name string, args []string, rec *Waitrec_t, er *execrec_t) {
	// any exit, voluntary or forced, unwinds back here through the
	// death panic.
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(procdeath_t); ok {
				return
			}
			panic(r)
		}
	}()

	p := &Proc_t{
		pid:     thread.Current().Tid(),
		name:    name,
		fds:     make(map[int]*fs.File_t),
		fdnext:  2,
		waitrec: rec,
	}
	thread.Current().Udata = p

	prog := allprogs[name]
	esp, err := p.load(name, args)
	if err != 0 || prog == nil {
		er.ok = false
		er.sema.Up()
		Exit(defs.STATUS_FAIL)
	}
	p.env = user.Mkenv(p.As, esp)
	er.ok = true
	er.sema.Up()

	status := prog(p.env)
	Exit(status)
}

// Wait blocks until the child with the given pid exits and returns
// its status; -1 for unknown pids or a second wait on the same child.
func Wait(pid defs.Tid_t) int {
	p := Cur()
	childlock.Acquire()
	var rec *Waitrec_t
	for e := p.children.Front(); e != nil; e = e.Next() {
		if e.Item.tid == pid {
			rec = e.Item
			break
		}
	}
	childlock.Release()
	if rec == nil {
		return defs.STATUS_FAIL
	}
	rec.sema.Down()
	childlock.Acquire()
	code := rec.code
	p.children.Remove(&rec.elem)
	childlock.Release()
	return code
}

// Exit terminates the current process: report the status, release
// every kernel resource, and unwind the thread out of user mode.
// Never returns.
func Exit(status int) {
	p := Cur()
	console.Printf("%s: exit(%d)\n", p.name, status)

	// a forced termination can arrive with global locks held; they
	// must not outlive their holder.
	thread.Release_all()

	childlock.Acquire()
	if rec := p.waitrec; rec != nil {
		rec.childalive = false
		if rec.parentalive {
			rec.code = status
			rec.sema.Up()
		}
		p.waitrec = nil
	}
	// orphan the children; a record whose sides are both gone is
	// garbage from here.
	for {
		e := p.children.Pop_front()
		if e == nil {
			break
		}
		e.Item.parentalive = false
	}
	childlock.Release()

	// close every open file and the executable, which re-enables
	// writes to it.
	fs.Flock.Acquire()
	for fd, f := range p.fds {
		f.Close()
		delete(p.fds, fd)
	}
	if p.exe != nil {
		p.exe.Close()
		p.exe = nil
	}
	fs.Flock.Release()

	if p.As != nil {
		p.As.Destroy()
		p.As = nil
	}
	panic(procdeath_t{})
}

// Fd_new installs f in the descriptor table and returns its fd.
func (p *Proc_t) Fd_new(f *fs.File_t) int {
	fd := p.fdnext
	p.fdnext++
	p.fds[fd] = f
	return fd
}

// Fd_get looks a descriptor up; nil for stale or console fds.
func (p *Proc_t) Fd_get(fd int) *fs.File_t {
	return p.fds[fd]
}

// Fd_close removes and closes a descriptor.
func (p *Proc_t) Fd_close(fd int) defs.Err_t {
	f := p.fds[fd]
	if f == nil {
		return -defs.EBADF
	}
	delete(p.fds, fd)
	f.Close()
	return 0
}

// Nfds reports how many descriptors are open.
func (p *Proc_t) Nfds() int {
	return len(p.fds)
}
