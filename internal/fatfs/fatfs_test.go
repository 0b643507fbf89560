package fatfs

import (
	"testing"

	"github.com/fwup-go/fwup/internal/blockcache"
)

type memDevice struct{ data []byte }

func newMemDevice(size int) *memDevice { return &memDevice{data: make([]byte, size)} }

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}
func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.data[off:], p), nil
}

func newTestCache(sectors uint32) (*blockcache.Cache, func()) {
	size := int64(sectors) * sectorSize
	dev := newMemDevice(int(size))
	cache := blockcache.New(dev, size, false, nil)
	return cache, func() { cache.Close() }
}

func TestMkfsFAT16BootSector(t *testing.T) {
	cache, done := newTestCache(40000)
	defer done()

	fs, err := Mkfs(cache, 0, 40000, "VOLUME1")
	if err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	if fs.fsType != FAT16 {
		t.Fatalf("fsType = %v, want FAT16 for a 40000-sector volume", fs.fsType)
	}
	if err := cache.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reopened, err := Open(cache, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reopened.fsType != FAT16 || reopened.totalSectors != 40000 {
		t.Fatalf("reopened mismatch: %+v", reopened)
	}
}

func TestMkfsFAT32ChoosesLargeGeometry(t *testing.T) {
	cache, done := newTestCache(2097152)
	defer done()

	fs, err := Mkfs(cache, 0, 2097152, "BIGVOL")
	if err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	if fs.fsType != FAT32 {
		t.Fatalf("fsType = %v, want FAT32 for a 2097152-sector volume", fs.fsType)
	}
	if fs.rootCluster != 2 {
		t.Fatalf("rootCluster = %d, want 2", fs.rootCluster)
	}
}

func TestMkdirCreatesDirectoryEntryAndSelfParent(t *testing.T) {
	cache, done := newTestCache(40000)
	defer done()

	fs, err := Mkfs(cache, 0, 40000, "")
	if err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	if err := fs.Mkdir("BOOT"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	ok, err := fs.Exists("BOOT")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatalf("expected BOOT to exist after Mkdir")
	}
}

func TestWriteFileThenReadBack(t *testing.T) {
	cache, done := newTestCache(40000)
	defer done()

	fs, err := Mkfs(cache, 0, 40000, "")
	if err != nil {
		t.Fatalf("Mkfs: %v", err)
	}

	content := []byte("hello from fwup")
	if err := fs.WriteFile("HELLO.TXT", 0, content); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := fs.ReadFile("HELLO.TXT")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("got %q, want %q", got, content)
	}
}

func TestRemoveDeletesEntryAndFreesChain(t *testing.T) {
	cache, done := newTestCache(40000)
	defer done()

	fs, err := Mkfs(cache, 0, 40000, "")
	if err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	if err := fs.WriteFile("GONE.TXT", 0, []byte("bye")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := fs.Remove("GONE.TXT"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ok, err := fs.Exists("GONE.TXT")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatalf("expected GONE.TXT to be removed")
	}
}

func TestMoveRenamesEntry(t *testing.T) {
	cache, done := newTestCache(40000)
	defer done()

	fs, err := Mkfs(cache, 0, 40000, "")
	if err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	if err := fs.WriteFile("OLD.TXT", 0, []byte("data")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := fs.Move("OLD.TXT", "NEW.TXT"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if ok, _ := fs.Exists("OLD.TXT"); ok {
		t.Fatalf("OLD.TXT should no longer exist")
	}
	if ok, _ := fs.Exists("NEW.TXT"); !ok {
		t.Fatalf("NEW.TXT should exist after Move")
	}
}

func TestSetLabelWritesVolumeIDEntry(t *testing.T) {
	cache, done := newTestCache(40000)
	defer done()

	fs, err := Mkfs(cache, 0, 40000, "")
	if err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	if err := fs.SetLabel("MYLABEL"); err != nil {
		t.Fatalf("SetLabel: %v", err)
	}
	label, err := fs.Label()
	if err != nil {
		t.Fatalf("Label: %v", err)
	}
	if label != "MYLABEL" {
		t.Fatalf("label = %q, want MYLABEL", label)
	}
}

func TestShortNameRejectsLongNames(t *testing.T) {
	if _, err := shortName("averylongfilename.txt"); err == nil {
		t.Fatalf("expected error for a name longer than 8.3")
	}
}
