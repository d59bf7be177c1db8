package framefile

import (
	"os"

	"github.com/pkg/errors"
)

type Options struct {
	FileName string
	Flag     int
	Perm     os.FileMode
}

// OpenFile 按 opt 打开（或创建）一个磁盘文件并包装为读写句柄。
// 文件由句柄接管，最后一个句柄关闭时文件一并关闭
func OpenFile(opt *Options) (*RandFileMut, error) {
	perm := opt.Perm
	if perm == 0 {
		perm = 0666
	}
	fd, err := os.OpenFile(opt.FileName, opt.Flag, perm)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open: %s", opt.FileName)
	}
	f := OpenReadWrite(fd)
	f.state.closer = fd
	return f, nil
}

// OpenFileReadOnly 以只读方式打开一个磁盘文件
func OpenFileReadOnly(opt *Options) (*RandFile, error) {
	fd, err := os.OpenFile(opt.FileName, os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open: %s", opt.FileName)
	}
	f := OpenReadOnly(fd)
	f.state.closer = fd
	return f, nil
}
