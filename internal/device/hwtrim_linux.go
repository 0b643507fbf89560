//go:build linux

package device

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// blkDiscard is _IO(0x12, 119) from linux/fs.h, the ioctl number
// mmc_linux.c issues against BLKDISCARD.
const blkDiscard = 0x1277

// BlockHWTrimmer issues BLKDISCARD against a block device file, the Go
// equivalent of mmc_linux.c's ioctl(fd, BLKDISCARD, range) call that
// internal/blockcache.Cache.Trim forwards to when hw_trim is requested.
type BlockHWTrimmer struct {
	f *os.File
}

// NewBlockHWTrimmer wraps an already-open destination file descriptor.
func NewBlockHWTrimmer(f *os.File) *BlockHWTrimmer {
	return &BlockHWTrimmer{f: f}
}

func (t *BlockHWTrimmer) Trim(offset, length int64) error {
	rng := [2]uint64{uint64(offset), uint64(length)}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, t.f.Fd(), blkDiscard, uintptr(unsafe.Pointer(&rng[0])))
	if errno != 0 {
		// Best effort, matching mmc_linux.c's "ignoring" warning: a
		// failed discard just means the region wasn't pre-zeroed, not
		// that the destination can't be written to.
		return fmt.Errorf("device: BLKDISCARD %d..%d: %w", offset, offset+length, errno)
	}
	return nil
}
