package framefile

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/raonyguimaraes/d4-format/utils"
	"github.com/raonyguimaraes/d4-format/utils/mmap"
)

// mapped 一段被映射进内存的文件区间，被同一次映射的所有句柄共享。
// mmap 的 offset 必须按页对齐，所以实际映射的是 raw，
// data 是调用方请求的那个窗口
type mapped struct {
	mu       sync.Mutex
	raw      []byte
	data     []byte
	refs     uint32
	writable bool
}

func newMapped(s *ioState, offset int64, size int, writable bool) (*mapped, error) {
	// 只在建立映射期间持有锁，映射建立后与租约栈完全无关：
	// 不占用 generation，也不会挡住同一句柄上的 Lock/AppendBlock
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, utils.ErrClosed
	}
	if s.fd == nil {
		return nil, utils.ErrNoFd
	}
	pageSize := int64(os.Getpagesize())
	aligned := offset &^ (pageSize - 1)
	head := int(offset - aligned)
	raw, err := mmap.Mmap(s.fd, writable, aligned, head+size)
	if err != nil {
		return nil, errors.Wrapf(err, "while mapping %s at %d with size %d", s.fd.Name(), offset, size)
	}
	return &mapped{
		raw:      raw,
		data:     raw[head : head+size],
		refs:     1,
		writable: writable,
	}, nil
}

func (m *mapped) clone() {
	m.mu.Lock()
	m.refs++
	m.mu.Unlock()
}

// close 最后一个句柄释放时解除映射；可写映射先刷回磁盘。
// 此时已经没有调用方能接住刷盘错误，吞掉它意味着写入悄悄丢失，
// 所以直接 panic
func (m *mapped) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs == 0 {
		return nil
	}
	m.refs--
	if m.refs > 0 {
		return nil
	}
	if m.writable {
		utils.Panic(errors.Wrap(mmap.Msync(m.raw), "while syncing mapping on close"))
	}
	return mmap.Munmap(m.raw)
}

// MappingHandle 文件区间的只读零拷贝视图
type MappingHandle struct {
	m      *mapped
	closed bool
}

// Mmap 将文件的 [offset, offset+size) 区间映射为只读视图。
// backend 必须是真实文件，否则返回 ErrNoFd
func (f *RandFile) Mmap(offset int64, size int) (*MappingHandle, error) {
	m, err := newMapped(f.state, offset, size, false)
	if err != nil {
		return nil, err
	}
	return &MappingHandle{m: m}, nil
}

// Bytes 返回映射出的字节窗口
func (h *MappingHandle) Bytes() []byte {
	return h.m.data
}

func (h *MappingHandle) Clone() *MappingHandle {
	h.m.clone()
	return &MappingHandle{m: h.m}
}

func (h *MappingHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	return h.m.close()
}

// MappingHandleMut 文件区间的可写零拷贝视图。
// 所有 Clone 共享同一个窗口，并发修改需要调用方自己同步。
// 最后一个 Clone 关闭时映射会被刷回文件，且只刷这一次
type MappingHandleMut struct {
	m      *mapped
	closed bool
}

// MmapMut 将文件的 [offset, offset+size) 区间映射为可写视图
func (f *RandFileMut) MmapMut(offset int64, size int) (*MappingHandleMut, error) {
	m, err := newMapped(f.state, offset, size, true)
	if err != nil {
		return nil, err
	}
	return &MappingHandleMut{m: m}, nil
}

// Bytes 返回映射出的字节窗口，对它的修改直接落在映射页上
func (h *MappingHandleMut) Bytes() []byte {
	return h.m.data
}

// Sync 主动将映射刷回磁盘文件。与关闭时的自动刷盘不同，
// 这里的错误可以返回给调用方处理
func (h *MappingHandleMut) Sync() error {
	return utils.Err(mmap.Msync(h.m.raw))
}

func (h *MappingHandleMut) Clone() *MappingHandleMut {
	h.m.clone()
	return &MappingHandleMut{m: h.m}
}

func (h *MappingHandleMut) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	return h.m.close()
}
