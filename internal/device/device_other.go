//go:build !linux

package device

import (
	"fmt"
	"os"
)

// unsupported is the PathResolver/Manager used on platforms this pack's
// retrieved sources don't cover (mmc_osx.c and mmc_bsd.c exist in the
// original project but weren't part of this retrieval; porting them
// without a way to exercise them would be guessing, so they're left as a
// documented gap rather than faked).
type unsupported struct{}

func (unsupported) IsPathOnDevice(filePath, devicePath string) (bool, error) {
	return false, fmt.Errorf("device: path/device resolution is not implemented on this platform")
}

func (unsupported) IsPathAtOffset(filePath string, blockOffset int64) (bool, error) {
	return false, fmt.Errorf("device: path/offset resolution is not implemented on this platform")
}

func (unsupported) UnmountAll(devicePath string) error {
	return fmt.Errorf("device: unmount is not implemented on this platform")
}

func (unsupported) Eject(devicePath string) error {
	return fmt.Errorf("device: eject is not implemented on this platform")
}

// LinuxResolver and LinuxManager are aliased to the unsupported stub outside
// Linux so callers can reference one type name regardless of build target.
type LinuxResolver = unsupported
type LinuxManager = unsupported

// BlockHWTrimmer has no non-Linux implementation (BLKDISCARD is a Linux
// block-layer ioctl); NewBlockHWTrimmer returns a Trimmer whose Trim calls
// are all best-effort no-ops, matching blockcache.Cache.Trim treating a
// hardware-trim failure as non-fatal.
type BlockHWTrimmer struct{}

func NewBlockHWTrimmer(f *os.File) *BlockHWTrimmer { return &BlockHWTrimmer{} }

func (*BlockHWTrimmer) Trim(offset, length int64) error { return nil }
