package utils

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
)

var (
	// ErrLocked 句柄所属的 generation 不是当前 generation
	ErrLocked = errors.New("rand file locked by another generation")
	// ErrClosed 底层状态已经关闭，之后所有操作都会返回同样的错误
	ErrClosed = errors.New("rand file closed")
	// ErrNoFd backend 不是真实文件，无法建立内存映射
	ErrNoFd = errors.New("backend is not a regular file")
)

// Panic err != nil 时触发 panic
func Panic(err error) {
	if err != nil {
		panic(err)
	}
}

func Err(err error) error {
	if err != nil {
		fmt.Printf("%s %s\n", location(2), err)
	}
	return err
}

// location 获取调用栈信息，deep 表示调用栈深度
func location(deep int) string {
	_, file, line, ok := runtime.Caller(deep)
	if !ok {
		file = "???"
		line = 0
	}
	file = filepath.Base(file)
	return file + ":" + strconv.Itoa(line)
}

func CondPanic(cond bool, err error) {
	if cond {
		Panic(err)
	}
}
