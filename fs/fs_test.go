package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shijua/pintos/thread"
)

func boot() {
	thread.Init(false)
	Init()
}

func TestCreateOpenReadWrite(t *testing.T) {
	boot()
	require.True(t, Create("f", 16))
	assert.False(t, Create("f", 8))
	assert.False(t, Create("", 8))
	assert.False(t, Create("neg", -1))

	f := Open("f")
	require.NotNil(t, f)
	assert.Nil(t, Open("missing"))
	assert.Equal(t, 16, f.Len())

	n := f.Write([]uint8("hello"))
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, f.Tell())

	f.Seek(0)
	buf := make([]uint8, 5)
	assert.Equal(t, 5, f.Read(buf))
	assert.Equal(t, []uint8("hello"), buf)
}

func TestFilesDoNotGrow(t *testing.T) {
	boot()
	Create("f", 4)
	f := Open("f")
	assert.Equal(t, 4, f.Write([]uint8("abcdef")))
	assert.Equal(t, 4, f.Len())
	f.Seek(10)
	assert.Equal(t, 0, f.Write([]uint8("x")))
	assert.Equal(t, 0, f.Read(make([]uint8, 1)))
}

func TestReadWriteAt(t *testing.T) {
	boot()
	Create("f", 8)
	f := Open("f")
	f.Seek(3)
	assert.Equal(t, 2, f.Write_at([]uint8{0xaa, 0xbb}, 6))
	assert.Equal(t, 3, f.Tell(), "write_at must not move the position")
	got := make([]uint8, 2)
	assert.Equal(t, 2, f.Read_at(got, 6))
	assert.Equal(t, []uint8{0xaa, 0xbb}, got)
}

func TestReopenIndependentPosition(t *testing.T) {
	boot()
	Create("f", 8)
	f := Open("f")
	f.Seek(4)
	g := f.Reopen()
	assert.Equal(t, 0, g.Tell())
	g.Seek(2)
	assert.Equal(t, 4, f.Tell())
}

func TestDenyWrite(t *testing.T) {
	boot()
	Create("f", 8)
	f := Open("f")
	g := f.Reopen()
	f.Deny_write()
	f.Deny_write() // idempotent per handle
	assert.Equal(t, 0, g.Write([]uint8("x")))
	f.Allow_write()
	assert.Equal(t, 1, g.Write([]uint8("x")))

	// closing a denying handle re-enables writes.
	f.Deny_write()
	f.Close()
	assert.Equal(t, 1, g.Write([]uint8("y")))
}

func TestRemoveKeepsOpenHandles(t *testing.T) {
	boot()
	Create("f", 4)
	f := Open("f")
	f.Write([]uint8("abcd"))
	require.True(t, Remove("f"))
	assert.False(t, Remove("f"))
	assert.Nil(t, Open("f"))

	f.Seek(0)
	buf := make([]uint8, 4)
	assert.Equal(t, 4, f.Read(buf))
	assert.Equal(t, []uint8("abcd"), buf)

	// the name is free again.
	assert.True(t, Create("f", 2))
}

func TestDoubleClosePanics(t *testing.T) {
	boot()
	Create("f", 1)
	f := Open("f")
	f.Close()
	assert.Panics(t, func() { f.Close() })
}
