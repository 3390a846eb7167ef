package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPallocPools(t *testing.T) {
	Phys_init(4, 2)
	assert.Equal(t, 2, Ufree())

	a, ok := Palloc_user()
	require.True(t, ok)
	b, ok := Palloc_user()
	require.True(t, ok)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 0, Ufree())

	_, ok = Palloc_user()
	assert.False(t, ok)

	Pfree_user(a)
	c, ok := Palloc_user()
	require.True(t, ok)
	assert.Equal(t, a, c)

	k := Palloc_kernel()
	assert.NotZero(t, k)
	Pfree_kernel(k)
}

func TestFreedPageIsScrubbed(t *testing.T) {
	Phys_init(4, 2)
	pa, ok := Palloc_user()
	require.True(t, ok)
	Dmap(pa)[0] = 0xaa
	Pfree_user(pa)
	pb, ok := Palloc_user()
	require.True(t, ok)
	if pb == pa {
		assert.Zero(t, Dmap(pb)[0])
	}
}

func TestFailallocHook(t *testing.T) {
	Phys_init(4, 4)
	Failalloc = func() bool { return true }
	defer func() { Failalloc = nil }()
	_, ok := Palloc_user()
	assert.False(t, ok)
}

func TestPagedirBits(t *testing.T) {
	Phys_init(4, 2)
	pd := Pagedir_create()
	pa, _ := Palloc_user()

	const va = 0x10000000
	require.True(t, pd.Set_page(va, pa, true))
	assert.False(t, pd.Set_page(va, pa, true))

	got, ok := pd.Get_page(va)
	require.True(t, ok)
	assert.Equal(t, pa, got)

	assert.True(t, pd.Is_writable(va))
	pd.Set_writable(va, false)
	assert.False(t, pd.Is_writable(va))

	assert.False(t, pd.Is_accessed(va))
	pd.Set_accessed(va, true)
	assert.True(t, pd.Is_accessed(va))
	pd.Set_accessed(va, false)
	assert.False(t, pd.Is_accessed(va))

	assert.False(t, pd.Is_dirty(va))
	pd.Set_dirty(va, true)
	assert.True(t, pd.Is_dirty(va))

	pd.Clear_page(va)
	_, ok = pd.Get_page(va)
	assert.False(t, ok)
	assert.False(t, pd.Is_dirty(va))
}
