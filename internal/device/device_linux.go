//go:build linux

package device

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// LinuxResolver implements PathResolver using stat(2) and sysfs, the same
// checks mmc_linux.c's mmc_is_path_on_device/mmc_is_path_at_device_offset
// perform.
type LinuxResolver struct{}

func (LinuxResolver) IsPathOnDevice(filePath, devicePath string) (bool, error) {
	var fileSt, deviceSt syscall.Stat_t
	if err := syscall.Stat(filePath, &fileSt); err != nil {
		return false, fmt.Errorf("device: stat %s: %w", filePath, err)
	}
	if err := syscall.Stat(devicePath, &deviceSt); err != nil {
		return false, fmt.Errorf("device: stat %s: %w", devicePath, err)
	}
	// deviceSt.Rdev is the device node's own major/minor; fileSt.Dev is
	// the major/minor of the device the file's filesystem is mounted from.
	return deviceSt.Rdev == fileSt.Dev, nil
}

func (LinuxResolver) IsPathAtOffset(filePath string, blockOffset int64) (bool, error) {
	var fileSt syscall.Stat_t
	if err := syscall.Stat(filePath, &fileSt); err != nil {
		return false, fmt.Errorf("device: stat %s: %w", filePath, err)
	}

	major := (fileSt.Dev >> 8) & 0xfff
	minor := (fileSt.Dev & 0xff) | ((fileSt.Dev >> 12) & 0xfff00)
	startPath := fmt.Sprintf("/sys/dev/block/%d:%d/start", major, minor)

	data, err := os.ReadFile(startPath)
	if err != nil {
		return false, fmt.Errorf("device: read %s: %w", startPath, err)
	}
	start, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return false, fmt.Errorf("device: parse %s: %w", startPath, err)
	}
	return start == blockOffset, nil
}

// LinuxManager implements Manager via /proc/mounts and umount(8), mirroring
// mmc_umount_all/mmc_eject.
type LinuxManager struct{}

func (LinuxManager) UnmountAll(devicePath string) error {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return fmt.Errorf("device: %w", err)
	}
	defer f.Close()

	var mountpoints []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(fields[0], devicePath) {
			mountpoints = append(mountpoints, unescapeMount(fields[1]))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("device: reading /proc/mounts: %w", err)
	}

	var firstErr error
	for _, mp := range mountpoints {
		if err := exec.Command("umount", mp).Run(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("device: umount %s: %w", mp, err)
		}
	}
	return firstErr
}

func (LinuxManager) Eject(devicePath string) error {
	// Linux doesn't complain if you don't eject.
	_ = devicePath
	return nil
}

// unescapeMount reverses /proc/mounts' octal escaping of spaces, tabs, and
// backslashes in mount point paths.
func unescapeMount(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
