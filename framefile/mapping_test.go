package framefile

import (
	"os"
	"testing"

	"github.com/raonyguimaraes/d4-format/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestFile(t *testing.T, name string) *RandFileMut {
	clearDir()
	f, err := OpenFile(&Options{
		FileName: "./work_test/" + name,
		Flag:     os.O_CREATE | os.O_RDWR,
	})
	require.NoError(t, err)
	return f
}

func TestMmapReadOnly(t *testing.T) {
	f := openTestFile(t, "map_ro.d4")
	defer f.Close()

	_, err := f.AppendBlock([]byte("mapped content"))
	require.NoError(t, err)

	h, err := f.Mmap(0, 14)
	require.NoError(t, err)
	assert.Equal(t, []byte("mapped content"), h.Bytes())

	clone := h.Clone()
	require.NoError(t, h.Close())
	assert.Equal(t, []byte("mapped content"), clone.Bytes())
	require.NoError(t, clone.Close())
}

func TestMmapUnalignedOffset(t *testing.T) {
	f := openTestFile(t, "map_unaligned.d4")
	defer f.Close()

	_, err := f.AppendBlock([]byte("0123456789abcdef"))
	require.NoError(t, err)

	// offset 没有按页对齐，对齐由映射层自己处理
	h, err := f.Mmap(3, 5)
	require.NoError(t, err)
	defer h.Close()
	assert.Equal(t, []byte("34567"), h.Bytes())
}

func TestMmapMutRoundTrip(t *testing.T) {
	f := openTestFile(t, "map_mut.d4")
	defer f.Close()

	addr, err := f.ReserveBlock(8)
	require.NoError(t, err)

	h, err := f.MmapMut(addr, 8)
	require.NoError(t, err)
	copy(h.Bytes(), "WXYZwxyz")
	require.NoError(t, h.Close())

	buf := make([]byte, 8)
	n, err := f.ReadBlock(addr, buf)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, []byte("WXYZwxyz"), buf)
}

// 可写视图的 Clone 共享同一个窗口，最后一个 Clone 关闭时才刷盘
func TestMmapMutCloneSharesWindow(t *testing.T) {
	f := openTestFile(t, "map_clone.d4")
	defer f.Close()

	_, err := f.ReserveBlock(4)
	require.NoError(t, err)

	h, err := f.MmapMut(0, 4)
	require.NoError(t, err)
	clone := h.Clone()

	copy(h.Bytes(), "ab")
	copy(clone.Bytes()[2:], "cd")
	assert.Equal(t, []byte("abcd"), h.Bytes())

	require.NoError(t, h.Close())
	require.NoError(t, clone.Close())

	buf := make([]byte, 4)
	n, err := f.ReadBlock(0, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("abcd"), buf)
}

func TestMmapMutSync(t *testing.T) {
	f := openTestFile(t, "map_sync.d4")
	defer f.Close()

	_, err := f.ReserveBlock(4)
	require.NoError(t, err)

	h, err := f.MmapMut(0, 4)
	require.NoError(t, err)
	defer h.Close()

	copy(h.Bytes(), "sync")
	require.NoError(t, h.Sync())

	buf := make([]byte, 4)
	n, err := f.ReadBlock(0, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("sync"), buf)
}

// 映射与租约栈无关：视图存活期间 Lock/AppendBlock 照常工作
func TestMmapIndependentOfLock(t *testing.T) {
	f := openTestFile(t, "map_lock.d4")
	defer f.Close()

	_, err := f.AppendBlock([]byte("head"))
	require.NoError(t, err)

	h, err := f.Mmap(0, 4)
	require.NoError(t, err)
	defer h.Close()

	locked, err := f.Lock(func() {})
	require.NoError(t, err)
	_, err = locked.AppendBlock([]byte("tail"))
	require.NoError(t, err)
	require.NoError(t, locked.Close())

	assert.Equal(t, []byte("head"), h.Bytes())
}

// 不是真实文件的 backend 无法建立映射
func TestMmapNotFile(t *testing.T) {
	f := OpenReadWrite(&memBackend{data: make([]byte, 16)})
	defer f.Close()

	_, err := f.Mmap(0, 16)
	assert.ErrorIs(t, err, utils.ErrNoFd)
	_, err = f.MmapMut(0, 16)
	assert.ErrorIs(t, err, utils.ErrNoFd)
}
