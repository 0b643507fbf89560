package requirements

import (
	"errors"
	"os"
	"testing"

	"github.com/fwup-go/fwup/internal/blockcache"
	"github.com/fwup-go/fwup/internal/cfgfile"
	"github.com/fwup-go/fwup/internal/fatfs"
	"github.com/fwup-go/fwup/internal/mbr"
	"github.com/fwup-go/fwup/internal/ubootenv"
)

// fakeResolver lets tests exercise require-path-on-device/
// require-path-at-offset without touching a real block device or sysfs.
type fakeResolver struct {
	onDevice map[string]bool
	atOffset map[string]bool
}

func (f fakeResolver) IsPathOnDevice(filePath, devicePath string) (bool, error) {
	return f.onDevice[filePath+"|"+devicePath], nil
}

func (f fakeResolver) IsPathAtOffset(filePath string, blockOffset int64) (bool, error) {
	return f.atOffset[filePath], nil
}

type fakeManager struct {
	unmountErr error
}

func (f fakeManager) UnmountAll(devicePath string) error { return f.unmountErr }
func (f fakeManager) Eject(devicePath string) error      { return nil }

type memDevice struct{ data []byte }

func newMemDevice(size int) *memDevice { return &memDevice{data: make([]byte, size)} }

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}
func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.data[off:], p), nil
}

func newTestCache(size int) *blockcache.Cache {
	return blockcache.New(newMemDevice(size), int64(size), false, nil)
}

func TestRequirePartitionOffset(t *testing.T) {
	cache := newTestCache(64 * blockcache.BlockSize)
	defer cache.Close()

	table := mbr.Table{}
	table.Partitions[0] = mbr.Partition{PartitionType: 0x83, BlockOffset: 63, BlockCount: 100}
	sectors, err := mbr.Create(table, nil, nil, 0, 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, s := range sectors {
		if err := cache.PWrite(s.Data[:], int64(s.BlockOffset)*mbr.SectorSize, false); err != nil {
			t.Fatalf("PWrite: %v", err)
		}
	}
	cache.Flush()

	c := &Context{Output: cache}

	c.Args = []string{"require-partition-offset", "0", "63"}
	ok, err := Met(c)
	if err != nil || !ok {
		t.Fatalf("expected requirement met, got ok=%v err=%v", ok, err)
	}

	c.Args = []string{"require-partition-offset", "0", "64"}
	ok, err = Met(c)
	if err != nil || ok {
		t.Fatalf("expected requirement unmet, got ok=%v err=%v", ok, err)
	}
}

func TestRequireFatFileExists(t *testing.T) {
	cache := newTestCache(2048 * blockcache.BlockSize)
	defer cache.Close()

	if _, err := fatfs.Mkfs(cache, 0, 2048, "TEST"); err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	fs, err := fatfs.Open(cache, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := fs.WriteFile("EXIST.TXT", 0, []byte("hi")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c := &Context{Output: cache, Args: []string{"require-fat-file-exists", "0", "EXIST.TXT"}}
	ok, err := Met(c)
	if err != nil || !ok {
		t.Fatalf("expected existing file to satisfy requirement, got ok=%v err=%v", ok, err)
	}

	c.Args = []string{"require-fat-file-exists", "0", "NOPE.TXT"}
	ok, err = Met(c)
	if err != nil || ok {
		t.Fatalf("expected missing file to fail requirement, got ok=%v err=%v", ok, err)
	}
}

func TestRequireUbootVariable(t *testing.T) {
	cache := newTestCache(64 * blockcache.BlockSize)
	defer cache.Close()

	env, err := ubootenv.Load(cache, 0, 4*blockcache.BlockSize, false, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	env.Env().Set("bootdelay", "2")
	if err := env.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg := &cfgfile.Config{
		UbootEnvironments: []*cfgfile.UbootEnvironment{
			{Name: "uboot-env", BlockOffset: 0, BlockCount: 4, BlockOffsetRedund: -1},
		},
	}
	c := &Context{Output: cache, Config: cfg, Args: []string{"require-uboot-variable", "uboot-env", "bootdelay", "2"}}
	ok, err := Met(c)
	if err != nil || !ok {
		t.Fatalf("expected matching variable, got ok=%v err=%v", ok, err)
	}

	c.Args = []string{"require-uboot-variable", "uboot-env", "bootdelay", "9"}
	ok, err = Met(c)
	if err != nil || ok {
		t.Fatalf("expected mismatched value to fail, got ok=%v err=%v", ok, err)
	}
}

func TestRequirePathOnDevice(t *testing.T) {
	resolver := fakeResolver{onDevice: map[string]bool{"/mnt/boot|/dev/sdb": true}}
	c := &Context{Resolver: resolver, Args: []string{"require-path-on-device", "/mnt/boot", "/dev/sdb"}}
	ok, err := Met(c)
	if err != nil || !ok {
		t.Fatalf("expected matching device path, got ok=%v err=%v", ok, err)
	}

	c.Args = []string{"require-path-on-device", "/mnt/boot", "/dev/sdc"}
	ok, err = Met(c)
	if err != nil || ok {
		t.Fatalf("expected mismatched device path to fail, got ok=%v err=%v", ok, err)
	}
}

func TestRequirePathAtOffset(t *testing.T) {
	resolver := fakeResolver{atOffset: map[string]bool{"/mnt/boot": true}}
	c := &Context{Resolver: resolver, Args: []string{"require-path-at-offset", "/mnt/boot", "63"}}
	ok, err := Met(c)
	if err != nil || !ok {
		t.Fatalf("expected matching offset, got ok=%v err=%v", ok, err)
	}

	c.Args = []string{"require-path-at-offset", "/mnt/other", "63"}
	ok, err = Met(c)
	if err != nil || ok {
		t.Fatalf("expected non-matching path to fail, got ok=%v err=%v", ok, err)
	}
}

func TestRequireUnmountedDestinationMet(t *testing.T) {
	c := &Context{Manager: fakeManager{}}
	ok, err := RequireUnmountedDestinationMet(c, "/dev/sdb")
	if err != nil || !ok {
		t.Fatalf("expected successful unmount to satisfy requirement, got ok=%v err=%v", ok, err)
	}

	c = &Context{Manager: fakeManager{unmountErr: errors.New("busy")}}
	ok, err = RequireUnmountedDestinationMet(c, "/dev/sdb")
	if err != nil || ok {
		t.Fatalf("expected failed unmount to fail requirement, got ok=%v err=%v", ok, err)
	}

	c = &Context{}
	if _, err := RequireUnmountedDestinationMet(c, "/dev/sdb"); err == nil {
		t.Fatalf("expected error with no manager configured")
	}
}

func TestRequireFatFileMatch(t *testing.T) {
	cache := newTestCache(2048 * blockcache.BlockSize)
	defer cache.Close()

	if _, err := fatfs.Mkfs(cache, 0, 2048, "TEST"); err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	fs, err := fatfs.Open(cache, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	payload := []byte("match me")
	if err := fs.WriteFile("MATCH.TXT", 0, payload); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := os.CreateTemp(t.TempDir(), "match")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := f.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()

	c := &Context{Output: cache, Args: []string{"require-fat-file-match", "0", "MATCH.TXT", f.Name()}}
	ok, err := Met(c)
	if err != nil || !ok {
		t.Fatalf("expected matching FAT file content, got ok=%v err=%v", ok, err)
	}
}
