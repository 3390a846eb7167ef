package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadnWriten(t *testing.T) {
	buf := make([]uint8, 8)
	Writen(buf, 4, 2, 0x11223344)
	assert.Equal(t, []uint8{0, 0, 0x44, 0x33, 0x22, 0x11, 0, 0}, buf)
	assert.Equal(t, 0x11223344, Readn(buf, 4, 2))
	assert.Equal(t, 0x3344, Readn(buf, 2, 2))

	Writen(buf, 2, 0, 0xbeef)
	assert.Equal(t, 0xbeef, Readn(buf, 2, 0))
}

func TestRounding(t *testing.T) {
	assert.Equal(t, 4096, Roundup(1, 4096))
	assert.Equal(t, 4096, Roundup(4096, 4096))
	assert.Equal(t, 0, Roundup(0, 4096))
	assert.Equal(t, 0, Rounddown(4095, 4096))
	assert.Equal(t, 4096, Rounddown(4097, 4096))
	assert.Equal(t, 3, Min(3, 9))
	assert.Equal(t, 9, Max(3, 9))
}
