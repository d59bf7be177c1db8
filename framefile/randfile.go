package framefile

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/raonyguimaraes/d4-format/utils"
)

// leaseEntry generation 栈中的一项，refs 是该 generation 还存活的句柄数，
// onRelease 在该 generation 被弹出时执行一次
type leaseEntry struct {
	refs      uint32
	onRelease func()
}

// ioState 独占持有底层 backend，所有读写都要先拿到 mu 才能进行。
// stack 与 current 构成租约栈：只有 current 对应的 generation 才被允许
// 操作 backend，其余 generation 的句柄会拿到 ErrLocked
type ioState struct {
	mu      sync.Mutex
	r       io.ReadSeeker
	w       io.Writer // 只读时为 nil
	fd      *os.File  // backend 是真实文件时才非 nil，mmap 需要它
	closer  io.Closer // 由 OpenFile 打开的文件，最后一个句柄关闭时一并关掉
	current uint32
	stack   []leaseEntry
	closed  bool
}

func newIoState(r io.ReadSeeker, w io.Writer) *ioState {
	s := &ioState{
		r: r,
		w: w,
		// generation 0 的回调是空操作，且永远不会被弹出
		stack: []leaseEntry{{refs: 1, onRelease: func() {}}},
	}
	if fd, ok := r.(*os.File); ok {
		s.fd = fd
	}
	return s
}

// tryUse 检查 gen 是否是当前 generation，调用时必须持有 mu
func (s *ioState) tryUse(gen uint32) error {
	if s.closed {
		return utils.ErrClosed
	}
	if gen != s.current {
		return utils.ErrLocked
	}
	return nil
}

// acquireLease 压入新的 generation 并将其设为当前，调用时必须持有 mu。
// 新 generation 总是叠在全局当前 generation 之上，与调用句柄自身的
// generation 无关，因此嵌套 lock 可以任意组合
func (s *ioState) acquireLease(onRelease func()) uint32 {
	s.current++
	s.stack = append(s.stack, leaseEntry{refs: 1, onRelease: onRelease})
	return s.current
}

// popDrained 从栈顶开始弹出所有 refs 已经归零的 generation，
// 按弹出顺序（最内层在前）返回它们的回调，调用时必须持有 mu。
// 回调必须等 mu 释放后再执行，它们可能会重新进入句柄
func (s *ioState) popDrained() []func() {
	var callbacks []func()
	for s.current > 0 && s.stack[s.current].refs == 0 {
		callbacks = append(callbacks, s.stack[s.current].onRelease)
		s.stack = s.stack[:s.current]
		s.current--
	}
	utils.CondPanic(int(s.current) != len(s.stack)-1, errors.New("generation stack out of sync"))
	return callbacks
}

// RandFile 支持随机访问的文件对象。D4 文件采用随机访问模式，
// 所有读写都以地址定位，这里提供最底层的按块访问接口。
//
// RandFile 本身是同步的，多个句柄共享同一个底层文件时，
// 每个数据块的读写都能保证完整落到文件上。
//
// RandFile 只跟踪地址，不跟踪块大小，块的边界由上层负责确定。
// RandFile 只有读能力，写能力见 RandFileMut。
//
// 单个句柄不是并发安全的，并发访问请为每个 goroutine Clone 一个句柄
type RandFile struct {
	state  *ioState
	gen    uint32
	closed bool
}

// RandFileMut 具有读写能力的 RandFile。
// 写操作只存在于 RandFileMut 上，只读句柄在编译期就没有这些方法
type RandFileMut struct {
	RandFile
}

// OpenReadOnly 将任意可 seek 可读的 backend 包装为只读句柄
func OpenReadOnly(backend io.ReadSeeker) *RandFile {
	return &RandFile{state: newIoState(backend, nil)}
}

// OpenReadWrite 将任意可 seek 可读写的 backend 包装为读写句柄
func OpenReadWrite(backend io.ReadWriteSeeker) *RandFileMut {
	return &RandFileMut{RandFile{state: newIoState(backend, backend)}}
}

// Size 返回底层文件的字节长度
func (f *RandFile) Size() (int64, error) {
	s := f.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tryUse(f.gen); err != nil {
		return 0, err
	}
	return s.r.Seek(0, io.SeekEnd)
}

// ReadBlock 从 addr 开始读满 buf，返回实际读到的字节数。
// 文件比请求的短时返回实际长度，这不是错误
func (f *RandFile) ReadBlock(addr int64, buf []byte) (int, error) {
	s := f.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tryUse(f.gen); err != nil {
		return 0, err
	}
	if _, err := s.r.Seek(addr, io.SeekStart); err != nil {
		return 0, errors.Wrapf(err, "while seeking to %d", addr)
	}
	read := 0
	for read < len(buf) {
		n, err := s.r.Read(buf[read:])
		read += n
		if err == io.EOF || (err == nil && n == 0) {
			break
		}
		if err != nil {
			return read, errors.Wrapf(err, "while reading block at %d", addr)
		}
	}
	return read, nil
}

// Clone 新增一个指向同一 generation 的句柄，底层是共享引用而非拷贝，
// 原句柄关闭后 Clone 出的句柄依然可用
func (f *RandFile) Clone() *RandFile {
	f.state.mu.Lock()
	f.state.stack[f.gen].refs++
	f.state.mu.Unlock()
	return &RandFile{state: f.state, gen: f.gen}
}

// Lock 压入一个新的 generation 并返回绑定到它的句柄。
// 新句柄（及其所有 Clone）存活期间，其它 generation 的块操作
// 都会失败并返回 ErrLocked；它们全部关闭后 onRelease 执行一次，
// 控制权交还给下层 generation
func (f *RandFile) Lock(onRelease func()) (*RandFile, error) {
	gen, err := f.lock(onRelease)
	if err != nil {
		return nil, err
	}
	return &RandFile{state: f.state, gen: gen}, nil
}

func (f *RandFile) lock(onRelease func()) (uint32, error) {
	s := f.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, utils.ErrClosed
	}
	return s.acquireLease(onRelease), nil
}

// Close 释放当前句柄，可以重复调用。该 generation 的最后一个句柄
// 关闭时触发级联弹出：回调按最内层在前的顺序、在锁外执行。
// generation 0 的最后一个句柄关闭时整个状态被销毁，
// 由 OpenFile 打开的文件也会随之关闭
func (f *RandFile) Close() error {
	s := f.state
	s.mu.Lock()
	if f.closed {
		s.mu.Unlock()
		return nil
	}
	f.closed = true
	if s.stack[f.gen].refs > 0 {
		s.stack[f.gen].refs--
	}
	callbacks := s.popDrained()
	var closer io.Closer
	if !s.closed && s.current == 0 && s.stack[0].refs == 0 {
		s.closed = true
		closer = s.closer
	}
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	if closer != nil {
		return closer.Close()
	}
	return nil
}

// AppendBlock 在文件末尾追加一个数据块，返回它的起始地址。
// 共享同一 generation 的并发调用只由互斥锁串行化，
// 需要确定地址顺序的调用方要自己协调，或者使用 Lock
func (f *RandFileMut) AppendBlock(buf []byte) (int64, error) {
	s := f.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tryUse(f.gen); err != nil {
		return 0, err
	}
	addr, err := s.r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrap(err, "while seeking to end")
	}
	if _, err := s.w.Write(buf); err != nil {
		return 0, errors.Wrapf(err, "while appending block at %d", addr)
	}
	return addr, nil
}

// UpdateBlock 用 buf 覆盖写 offset 处的数据块。
// 这里不做任何越界或重叠检查，offset..offset+len(buf) 必须落在
// 之前写入或预留过的区间内，由调用方保证
func (f *RandFileMut) UpdateBlock(offset int64, buf []byte) error {
	s := f.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tryUse(f.gen); err != nil {
		return err
	}
	if _, err := s.r.Seek(offset, io.SeekStart); err != nil {
		return errors.Wrapf(err, "while seeking to %d", offset)
	}
	if _, err := s.w.Write(buf); err != nil {
		return errors.Wrapf(err, "while updating block at %d", offset)
	}
	return nil
}

// ReserveBlock 在文件末尾预留 size 个字节但不写入有效内容，
// 返回预留区间的起始地址。目录块这类易变数据先用它占位，
// 之后再用 UpdateBlock 原地刷新
func (f *RandFileMut) ReserveBlock(size int) (int64, error) {
	s := f.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tryUse(f.gen); err != nil {
		return 0, err
	}
	addr, err := s.r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrap(err, "while seeking to end")
	}
	if size <= 0 {
		return addr, nil
	}
	// 跳到预留区间的最后一个字节写个 0，让文件真正扩展到位
	if _, err := s.r.Seek(int64(size-1), io.SeekCurrent); err != nil {
		return 0, errors.Wrapf(err, "while reserving %d bytes", size)
	}
	if _, err := s.w.Write([]byte{0}); err != nil {
		return 0, errors.Wrapf(err, "while reserving %d bytes", size)
	}
	return addr, nil
}

func (f *RandFileMut) Clone() *RandFileMut {
	f.state.mu.Lock()
	f.state.stack[f.gen].refs++
	f.state.mu.Unlock()
	return &RandFileMut{RandFile{state: f.state, gen: f.gen}}
}

func (f *RandFileMut) Lock(onRelease func()) (*RandFileMut, error) {
	gen, err := f.lock(onRelease)
	if err != nil {
		return nil, err
	}
	return &RandFileMut{RandFile{state: f.state, gen: gen}}, nil
}
