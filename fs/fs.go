// Package fs is the on-disk file system's boundary as the kernel core
// sees it: named files of fixed length with open/close/read/write/
// seek/length/deny_write/reopen/read_at/write_at. The implementation
// is an in-memory store; the core never looks behind the interface.
//
// Flock is the global file-system lock the syscall layer serializes
// under; the fault path takes it around lazy loads and write-backs.
package fs

import (
	"sync"

	"github.com/shijua/pintos/thread"
)

// Flock is the machine-wide file-system lock.
var Flock *thread.Lock_t

type inode_t struct {
	name   string
	data   []uint8
	denywr int
	linked bool
}

type fs_t struct {
	sync.Mutex
	inodes map[string]*inode_t
}

var allfs fs_t

// Init resets the file system to empty and recreates the global lock.
func Init() {
	Flock = thread.Mklock()
	allfs.Lock()
	allfs.inodes = make(map[string]*inode_t)
	allfs.Unlock()
}

// Create makes a zero-filled file of the given length. False when the
// name exists or the size is negative.
func Create(name string, size int) bool {
	if size < 0 || name == "" {
		return false
	}
	allfs.Lock()
	defer allfs.Unlock()
	if _, ok := allfs.inodes[name]; ok {
		return false
	}
	allfs.inodes[name] = &inode_t{name: name, data: make([]uint8, size), linked: true}
	return true
}

// Remove unlinks the file. Open handles keep reading and writing it;
// the name is free for reuse immediately.
func Remove(name string) bool {
	allfs.Lock()
	defer allfs.Unlock()
	ino, ok := allfs.inodes[name]
	if !ok {
		return false
	}
	ino.linked = false
	delete(allfs.inodes, name)
	return true
}

// File_t is an open file: an inode plus a position. Positions are not
// shared between handles; Reopen gives an independent one.
type File_t struct {
	ino    *inode_t
	pos    int
	denied bool
	closed bool
}

// Open returns a handle on name, or nil.
func Open(name string) *File_t {
	allfs.Lock()
	defer allfs.Unlock()
	ino, ok := allfs.inodes[name]
	if !ok {
		return nil
	}
	return &File_t{ino: ino}
}

// Reopen returns a fresh handle on the same inode with its own
// position and write-deny state.
func (f *File_t) Reopen() *File_t {
	return &File_t{ino: f.ino}
}

// Close releases the handle, dropping any write denial it placed.
func (f *File_t) Close() {
	if f.closed {
		panic("double close")
	}
	f.Allow_write()
	f.closed = true
}

// Len returns the file length in bytes.
func (f *File_t) Len() int {
	allfs.Lock()
	defer allfs.Unlock()
	return len(f.ino.data)
}

// Seek sets the position; positions past the end read as EOF.
func (f *File_t) Seek(pos int) {
	if pos < 0 {
		pos = 0
	}
	allfs.Lock()
	f.pos = pos
	allfs.Unlock()
}

// Tell returns the position.
func (f *File_t) Tell() int {
	allfs.Lock()
	defer allfs.Unlock()
	return f.pos
}

// Read copies up to len(dst) bytes from the position, advancing it.
func (f *File_t) Read(dst []uint8) int {
	allfs.Lock()
	defer allfs.Unlock()
	n := f.read_at(dst, f.pos)
	f.pos += n
	return n
}

// Read_at reads at an explicit offset without touching the position.
func (f *File_t) Read_at(dst []uint8, off int) int {
	allfs.Lock()
	defer allfs.Unlock()
	return f.read_at(dst, off)
}

func (f *File_t) read_at(dst []uint8, off int) int {
	if off < 0 || off >= len(f.ino.data) {
		return 0
	}
	return copy(dst, f.ino.data[off:])
}

// Write copies bytes at the position, advancing it. Files do not
// grow: writes stop at the end. Zero when writes are denied.
func (f *File_t) Write(src []uint8) int {
	allfs.Lock()
	defer allfs.Unlock()
	n := f.write_at(src, f.pos)
	f.pos += n
	return n
}

// Write_at writes at an explicit offset without touching the position.
func (f *File_t) Write_at(src []uint8, off int) int {
	allfs.Lock()
	defer allfs.Unlock()
	return f.write_at(src, off)
}

func (f *File_t) write_at(src []uint8, off int) int {
	if f.ino.denywr > 0 {
		return 0
	}
	if off < 0 || off >= len(f.ino.data) {
		return 0
	}
	return copy(f.ino.data[off:], src)
}

// Deny_write blocks writes to the underlying inode until this handle
// allows them again (or closes). Denials nest across handles.
func (f *File_t) Deny_write() {
	allfs.Lock()
	defer allfs.Unlock()
	if !f.denied {
		f.denied = true
		f.ino.denywr++
	}
}

// Allow_write undoes this handle's denial.
func (f *File_t) Allow_write() {
	allfs.Lock()
	defer allfs.Unlock()
	if f.denied {
		f.denied = false
		f.ino.denywr--
	}
}
