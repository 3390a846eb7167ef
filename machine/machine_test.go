package machine

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shijua/pintos/console"
	"github.com/shijua/pintos/defs"
	"github.com/shijua/pintos/elfimg"
	"github.com/shijua/pintos/fs"
	"github.com/shijua/pintos/proc"
	"github.com/shijua/pintos/thread"
	"github.com/shijua/pintos/user"
)

func boot(t *testing.T, o Opts_t) (*Machine_t, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	o.Output = out
	m := Boot(o)
	return m, out
}

func TestExecWaitExit(t *testing.T) {
	// S5: the child exits 7; the first wait sees it, the second does
	// not.
	m, out := boot(t, Opts_t{})
	m.Install("child", elfimg.Mktrivial(), func(e *user.Env_t) int {
		args := e.Args()
		n, err := strconv.Atoi(args[1])
		require.NoError(t, err)
		e.Syscall(defs.SYS_EXIT, n)
		return 0
	})
	tid := proc.Execute("child 7")
	require.NotEqual(t, defs.TID_ERROR, tid)
	assert.Equal(t, 7, proc.Wait(tid))
	assert.Equal(t, -1, proc.Wait(tid))
	assert.Contains(t, out.String(), "child: exit(7)")
}

func TestExecMissingBinaryFails(t *testing.T) {
	m, out := boot(t, Opts_t{})
	assert.Equal(t, -1, m.Run("nosuch"))
	assert.Contains(t, out.String(), "load: nosuch: open failed")
}

func TestExecOversizedCommandFails(t *testing.T) {
	m, _ := boot(t, Opts_t{})
	m.Install("child", elfimg.Mktrivial(), func(e *user.Env_t) int { return 0 })
	assert.Equal(t, -1, m.Run("child "+strings.Repeat("a", defs.PGSIZE)))
}

func TestArgvLayout(t *testing.T) {
	m, _ := boot(t, Opts_t{})
	m.Install("echo", elfimg.Mktrivial(), func(e *user.Env_t) int {
		esp := e.Esp()
		require.Zero(t, esp%4, "stack pointer word aligned")
		require.Zero(t, e.Read32(esp), "fake return address")
		argc := e.Read32(esp + 4)
		require.Equal(t, uint32(3), argc)
		argv := e.Read32(esp + 8)
		assert.Equal(t, argv, esp+12, "argv points just above argc")
		require.Zero(t, e.Read32(argv+4*argc), "argv sentinel")

		var got []string
		for i := uint32(0); i < argc; i++ {
			ptr := e.Read32(argv + 4*i)
			require.True(t, ptr > argv && ptr < defs.USERBASE)
			got = append(got, e.Read_str(ptr))
		}
		if d := cmp.Diff([]string{"echo", "alpha", "beta"}, got); d != "" {
			t.Errorf("argv mismatch (-want +got):\n%s", d)
		}
		if d := cmp.Diff(got, e.Args()); d != "" {
			t.Errorf("Args mismatch:\n%s", d)
		}
		return 0
	})
	assert.Equal(t, 0, m.Run("echo alpha beta"))
}

func TestBadPointerKills(t *testing.T) {
	m, out := boot(t, Opts_t{})
	m.Install("bad", elfimg.Mktrivial(), func(e *user.Env_t) int {
		kva := uint32(0xf0000000)
		e.Syscall(defs.SYS_WRITE, 1, int(int32(kva)), 10)
		t.Error("survived bad pointer")
		return 0
	})
	assert.Equal(t, -1, m.Run("bad"))
	assert.Contains(t, out.String(), "bad: exit(-1)")
}

func TestNullPointerKills(t *testing.T) {
	m, _ := boot(t, Opts_t{})
	m.Install("null", elfimg.Mktrivial(), func(e *user.Env_t) int {
		e.Syscall(defs.SYS_OPEN, 0)
		t.Error("survived null pointer")
		return 0
	})
	assert.Equal(t, -1, m.Run("null"))
}

func TestUnknownSyscallKills(t *testing.T) {
	m, _ := boot(t, Opts_t{})
	m.Install("bad", elfimg.Mktrivial(), func(e *user.Env_t) int {
		e.Syscall(99)
		t.Error("survived unknown syscall")
		return 0
	})
	assert.Equal(t, -1, m.Run("bad"))
}

func TestStackGrowth(t *testing.T) {
	// S4: pushing just below the stack pointer grows the stack; a
	// touch below the 8 MiB window kills.
	m, _ := boot(t, Opts_t{})
	m.Install("grow", elfimg.Mktrivial(), func(e *user.Env_t) int {
		e.Set_esp(0xbffff000)
		e.Write8(e.Esp()-4, 0x42)
		if e.Read8(e.Esp()-4) != 0x42 {
			return 1
		}
		return 0
	})
	m.Install("under", elfimg.Mktrivial(), func(e *user.Env_t) int {
		e.Write8(defs.USERBASE-defs.STACKMAX-4, 1)
		t.Error("survived underflow")
		return 0
	})
	assert.Equal(t, 0, m.Run("grow"))
	assert.Equal(t, -1, m.Run("under"))
}

func TestMmapRoundTrip(t *testing.T) {
	// S3 through the syscall surface.
	m, _ := boot(t, Opts_t{})
	require.True(t, fs.Create("F", 6144))
	f := fs.Open("F")
	f.Write_at([]uint8{0x5d}, 0x1000)
	f.Close()

	m.Install("mapper", elfimg.Mktrivial(), func(e *user.Env_t) int {
		// name "F" in user memory
		e.Set_esp(e.Esp() - 64)
		nameva := e.Esp()
		e.Write8(nameva, 'F')
		e.Write8(nameva+1, 0)

		fd := e.Syscall(defs.SYS_OPEN, int(nameva))
		if fd < 2 {
			return 1
		}
		const base = 0x10000000
		id := e.Syscall(defs.SYS_MMAP, fd, base)
		if id < 0 {
			return 2
		}
		if e.Syscall(defs.SYS_MMAP, fd, base+0x100) != -1 {
			return 3 // unaligned must be rejected
		}
		if e.Read8(base+0x1000) != 0x5d {
			return 4
		}
		// closing the fd must not invalidate the mapping
		e.Syscall(defs.SYS_CLOSE, fd)
		e.Write8(base, 0xaa)
		e.Syscall(defs.SYS_MUNMAP, id)
		return 0
	})
	assert.Equal(t, 0, m.Run("mapper"))

	g := fs.Open("F")
	require.NotNil(t, g)
	b := make([]uint8, 1)
	g.Read_at(b, 0)
	assert.Equal(t, uint8(0xaa), b[0])
	assert.Equal(t, 6144, g.Len())
}

func TestEvictionUnderPressure(t *testing.T) {
	// S6 through a user program: more dirty pages than frames, every
	// byte survives the trip through swap.
	const K = 6
	m, _ := boot(t, Opts_t{Upages: K})
	m.Install("thrash", elfimg.Mktrivial(), func(e *user.Env_t) int {
		n := K + 3
		addrs := make([]uint32, n)
		for i := 0; i < n; i++ {
			e.Set_esp(e.Esp() - defs.PGSIZE)
			addrs[i] = e.Esp()
			e.Write8(addrs[i], uint8(0x60+i))
		}
		for i := 0; i < n; i++ {
			if e.Read8(addrs[i]) != uint8(0x60+i) {
				return 1 + i
			}
		}
		return 0
	})
	assert.Equal(t, 0, m.Run("thrash"))
}

func TestConsoleWrite(t *testing.T) {
	m, out := boot(t, Opts_t{})
	m.Install("hello", elfimg.Mktrivial(), func(e *user.Env_t) int {
		e.Set_esp(e.Esp() - 64)
		va := e.Esp()
		for i, c := range []uint8("hello\n") {
			e.Write8(va+uint32(i), c)
		}
		if e.Syscall(defs.SYS_WRITE, 1, int(va), 6) != 6 {
			return 1
		}
		return 0
	})
	assert.Equal(t, 0, m.Run("hello"))
	assert.Contains(t, out.String(), "hello\n")
}

func TestConsoleRead(t *testing.T) {
	m, out := boot(t, Opts_t{})
	console.Feed([]uint8("hi"))
	m.Install("cat", elfimg.Mktrivial(), func(e *user.Env_t) int {
		e.Set_esp(e.Esp() - 64)
		va := e.Esp()
		n := e.Syscall(defs.SYS_READ, 0, int(va), 2)
		if n != 2 {
			return 1
		}
		e.Syscall(defs.SYS_WRITE, 1, int(va), n)
		return 0
	})
	assert.Equal(t, 0, m.Run("cat"))
	assert.Contains(t, out.String(), "hi")
}

func TestFileSyscalls(t *testing.T) {
	m, _ := boot(t, Opts_t{})
	m.Install("files", elfimg.Mktrivial(), func(e *user.Env_t) int {
		e.Set_esp(e.Esp() - 64)
		va := e.Esp()
		for i, c := range []uint8("tmp\x00") {
			e.Write8(va+uint32(i), c)
		}
		if e.Syscall(defs.SYS_CREATE, int(va), 8) != 1 {
			return 1
		}
		if e.Syscall(defs.SYS_CREATE, int(va), 8) != 0 {
			return 2 // duplicate create fails
		}
		fd := e.Syscall(defs.SYS_OPEN, int(va))
		if fd < 2 {
			return 3
		}
		if e.Syscall(defs.SYS_FILESIZE, fd) != 8 {
			return 4
		}
		if e.Syscall(defs.SYS_WRITE, fd, int(va), 3) != 3 {
			return 5
		}
		if e.Syscall(defs.SYS_TELL, fd) != 3 {
			return 6
		}
		e.Syscall(defs.SYS_SEEK, fd, 1)
		buf := int(va) + 16
		if e.Syscall(defs.SYS_READ, fd, buf, 2) != 2 {
			return 7
		}
		if e.Read8(uint32(buf)) != 'm' || e.Read8(uint32(buf)+1) != 'p' {
			return 8
		}
		e.Syscall(defs.SYS_CLOSE, fd)
		if e.Syscall(defs.SYS_READ, fd, buf, 1) != -1 {
			return 9 // closed fd is stale
		}
		if e.Syscall(defs.SYS_REMOVE, int(va)) != 1 {
			return 10
		}
		if e.Syscall(defs.SYS_OPEN, int(va)) != -1 {
			return 11
		}
		return 0
	})
	assert.Equal(t, 0, m.Run("files"))
}

func TestExecutableWriteDenied(t *testing.T) {
	m, _ := boot(t, Opts_t{})
	m.Install("selfish", elfimg.Mktrivial(), func(e *user.Env_t) int {
		e.Set_esp(e.Esp() - 64)
		va := e.Esp()
		for i, c := range []uint8("selfish\x00") {
			e.Write8(va+uint32(i), c)
		}
		fd := e.Syscall(defs.SYS_OPEN, int(va))
		if fd < 2 {
			return 1
		}
		// the running image is write-protected
		if e.Syscall(defs.SYS_WRITE, fd, int(va), 4) != 0 {
			return 2
		}
		return 0
	})
	assert.Equal(t, 0, m.Run("selfish"))

	// after exit the denial is gone.
	f := fs.Open("selfish")
	require.NotNil(t, f)
	assert.Equal(t, 1, f.Write_at([]uint8{0}, 0))
}

func TestOrphanedChildDetaches(t *testing.T) {
	m, out := boot(t, Opts_t{})
	m.Install("gc", elfimg.Mktrivial(), func(e *user.Env_t) int {
		thread.Yield() // let the parent die first
		return 5
	})
	m.Install("parent", elfimg.Mktrivial(), func(e *user.Env_t) int {
		e.Set_esp(e.Esp() - 64)
		va := e.Esp()
		for i, c := range []uint8("gc\x00") {
			e.Write8(va+uint32(i), c)
		}
		if e.Syscall(defs.SYS_EXEC, int(va)) < 0 {
			return 1
		}
		return 0 // exit without waiting
	})
	assert.Equal(t, 0, m.Run("parent"))
	// the orphan finishes on its own.
	for strings.Count(out.String(), "exit") < 2 {
		thread.Yield()
	}
	assert.Contains(t, out.String(), "gc: exit(5)")
	assert.Contains(t, out.String(), "parent: exit(0)")
}

func TestWaitOnStrangerFails(t *testing.T) {
	m, _ := boot(t, Opts_t{})
	_ = m
	assert.Equal(t, -1, proc.Wait(12345))
}

func TestHalt(t *testing.T) {
	m, _ := boot(t, Opts_t{})
	m.Install("off", elfimg.Mktrivial(), func(e *user.Env_t) int {
		e.Syscall(defs.SYS_HALT)
		return 0
	})
	assert.Equal(t, 0, m.Run("off"))
	assert.True(t, m.Halted())
}

func TestExitStatusFromReturn(t *testing.T) {
	// falling off the end of the program exits with its return value.
	m, out := boot(t, Opts_t{})
	m.Install("ret", elfimg.Mktrivial(), func(e *user.Env_t) int {
		return 3
	})
	assert.Equal(t, 3, m.Run("ret"))
	assert.Contains(t, out.String(), "ret: exit(3)")
}

func TestManualTicks(t *testing.T) {
	m, _ := boot(t, Opts_t{})
	m.Tick(7)
	assert.False(t, m.Halted())
}

func TestMlfqsBoot(t *testing.T) {
	m, _ := boot(t, Opts_t{Mlfqs: true})
	m.Install("calc", elfimg.Mktrivial(), func(e *user.Env_t) int {
		return 0
	})
	m.Tick(10)
	assert.Equal(t, 0, m.Run("calc"))
}

func TestRejectedElf(t *testing.T) {
	m, _ := boot(t, Opts_t{})
	// PT_DYNAMIC segments are refused outright.
	img := elfimg.Mkimage(0x08048000, []elfimg.Seg_t{
		{Vaddr: 0x08048000, Data: make([]uint8, 16)},
	})
	// corrupt the phdr type in place: PT_LOAD -> PT_DYNAMIC
	img[52] = 2
	m.Install("dyn", img, func(e *user.Env_t) int { return 0 })
	assert.Equal(t, -1, m.Run("dyn"))

	garbage := []uint8("this is not an elf image at all........")
	m.Install("junk", garbage, func(e *user.Env_t) int { return 0 })
	assert.Equal(t, -1, m.Run("junk"))
}

func TestWriteToTextKills(t *testing.T) {
	m, out := boot(t, Opts_t{})
	m.Install("scribble", elfimg.Mktrivial(), func(e *user.Env_t) int {
		e.Write8(0x08048000, 0xff)
		t.Error("survived write to read-only text")
		return 0
	})
	assert.Equal(t, -1, m.Run("scribble"))
	assert.Contains(t, out.String(), "scribble: exit(-1)")
}

func TestLazyTextDemandLoads(t *testing.T) {
	// the text page is not resident until touched, then reads back
	// the image bytes.
	m, _ := boot(t, Opts_t{})
	m.Install("lazy", elfimg.Mktrivial(), func(e *user.Env_t) int {
		if e.Read8(0x08048000+5) != 5 {
			return 1
		}
		return 0
	})
	assert.Equal(t, 0, m.Run("lazy"))
}
