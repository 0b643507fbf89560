// Package device wraps the platform-specific "what's out there and what's
// mounted on it" collaborators fwup-go needs to apply an archive safely to
// removable media, behind Go interfaces so platform code can be swapped
// or stubbed out in tests.
//
// Grounded on mmc.h's API surface (mmc_scan_for_devices, mmc_umount_all,
// mmc_eject, mmc_is_path_on_device, mmc_is_path_at_device_offset) and its
// per-platform bodies in mmc_linux.c/mmc_osx.c/mmc_bsd.c; per the carried
// Non-goal ("platform device enumeration/unmount remain external
// collaborators, interfaces only"), this package defines the interfaces and
// a Linux implementation and leaves macOS/BSD as a documented gap rather
// than porting every platform body.
package device

// Info describes one removable media device a Scanner found.
type Info struct {
	Name string
	Path string
	Size int64
}

// Scanner enumerates removable media, mirroring mmc_scan_for_devices.
type Scanner interface {
	Scan() ([]Info, error)
}

// Manager performs destructive or platform-privileged operations against
// a specific device path, mirroring mmc_umount_all/mmc_eject.
type Manager interface {
	// UnmountAll unmounts every currently-mounted partition whose device
	// path is prefixed by devicePath (mmc_umount_all's /proc/mounts scan).
	// Individual unmount failures are collected but do not stop the scan.
	UnmountAll(devicePath string) error

	// Eject ejects removable media if the platform supports it. A
	// platform where ejecting isn't meaningful (Linux) is a no-op success.
	Eject(devicePath string) error
}

// PathResolver answers the two device-identity questions
// require-path-on-device and require-path-at-offset need, mirroring
// mmc_is_path_on_device/mmc_is_path_at_device_offset.
type PathResolver interface {
	// IsPathOnDevice reports whether filePath resides on the block
	// device at devicePath (comparing the file's containing device's
	// major/minor against the device node's own major/minor).
	IsPathOnDevice(filePath, devicePath string) (bool, error)

	// IsPathAtOffset reports whether filePath's partition starts at
	// blockOffset (512-byte blocks), read from sysfs on Linux.
	IsPathAtOffset(filePath string, blockOffset int64) (bool, error)
}
