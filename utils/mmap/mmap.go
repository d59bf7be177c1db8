package mmap

import "os"

// Mmap 将文件 fd 从 offset 开始的 sz 个字节映射进内存
// offset 必须按页对齐，由调用方保证
func Mmap(fd *os.File, writable bool, offset int64, sz int) ([]byte, error) {
	return mmap(fd, writable, offset, sz)
}

func Munmap(b []byte) error {
	return munmap(b)
}

// Msync 将映射区间同步刷回磁盘文件
func Msync(b []byte) error {
	return msync(b)
}
