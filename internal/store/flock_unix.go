//go:build !windows

package store

import (
	"os"
	"syscall"
)

func lockFd(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
}

func unlockFd(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
