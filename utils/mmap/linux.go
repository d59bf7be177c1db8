package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmap 使用 mmap 系统调用来 memory-map 一个文件
func mmap(fd *os.File, writable bool, offset int64, sz int) ([]byte, error) {
	mtype := unix.PROT_READ
	if writable {
		mtype |= unix.PROT_WRITE
	}
	// MAP_SHARED 修改会同步到磁盘的文件上
	return unix.Mmap(int(fd.Fd()), offset, sz, mtype, unix.MAP_SHARED)
}

// munmap 用于取消之前的映射
func munmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Munmap(data)
}

func msync(b []byte) error {
	return unix.Msync(b, unix.MS_SYNC)
}
