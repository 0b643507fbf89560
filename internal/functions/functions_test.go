package functions

import (
	"bytes"
	"encoding/hex"
	"testing"

	"golang.org/x/crypto/blake2b"

	"github.com/fwup-go/fwup/internal/blockcache"
	"github.com/fwup-go/fwup/internal/cfgfile"
	"github.com/fwup-go/fwup/internal/fatfs"
	"github.com/fwup-go/fwup/internal/mbr"
	"github.com/fwup-go/fwup/internal/progress"
)

type memDevice struct{ data []byte }

func newMemDevice(size int) *memDevice { return &memDevice{data: make([]byte, size)} }

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}
func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.data[off:], p), nil
}

func newTestCache(size int) (*blockcache.Cache, *memDevice) {
	dev := newMemDevice(size)
	return blockcache.New(dev, int64(size), false, nil), dev
}

// listReader replays a fixed list of chunks as a ResourceReader.
type listReader struct {
	chunks []struct {
		data   []byte
		offset int64
	}
	i int
}

func (r *listReader) Next() ([]byte, int64, bool, error) {
	if r.i >= len(r.chunks) {
		return nil, 0, false, nil
	}
	c := r.chunks[r.i]
	r.i++
	return c.data, c.offset, true, nil
}

func hashOf(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestRawWriteWritesAtBlockOffset(t *testing.T) {
	cache, dev := newTestCache(64 * blockcache.BlockSize)
	defer cache.Close()

	payload := bytes.Repeat([]byte{0xAB}, BlockSize*2)
	cfg := &cfgfile.Config{
		FileResources: []*cfgfile.FileResource{
			{Name: "img", Length: []int64{int64(len(payload))}, Blake2b256: hashOf(payload)},
		},
	}

	ctx := &Context{
		Type:         ContextFile,
		Args:         []string{"raw_write", "1"},
		Config:       cfg,
		Progress:     progress.New(progress.ModeOff, nil),
		Output:       cache,
		ResourceName: "img",
		Reader:       &listReader{chunks: []struct {
			data   []byte
			offset int64
		}{{payload, 0}}},
	}

	if err := Validate(ctx); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := ComputeProgress(ctx); err != nil {
		t.Fatalf("ComputeProgress: %v", err)
	}
	if err := Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cache.Flush()

	got := dev.data[BlockSize : BlockSize+len(payload)]
	if !bytes.Equal(got, payload) {
		t.Fatalf("raw_write didn't land at block 1: got %x", got[:8])
	}
}

func TestRawWriteDetectsHashMismatch(t *testing.T) {
	cache, _ := newTestCache(64 * blockcache.BlockSize)
	defer cache.Close()

	payload := bytes.Repeat([]byte{0x11}, BlockSize)
	cfg := &cfgfile.Config{
		FileResources: []*cfgfile.FileResource{
			{Name: "img", Length: []int64{int64(len(payload))}, Blake2b256: hashOf([]byte("not the payload"))},
		},
	}
	ctx := &Context{
		Type:         ContextFile,
		Args:         []string{"raw_write", "0"},
		Config:       cfg,
		Progress:     progress.New(progress.ModeOff, nil),
		Output:       cache,
		ResourceName: "img",
		Reader: &listReader{chunks: []struct {
			data   []byte
			offset int64
		}{{payload, 0}}},
	}
	if err := Run(ctx); err == nil {
		t.Fatalf("expected hash mismatch error")
	}
}

func TestRawMemsetFillsRange(t *testing.T) {
	cache, dev := newTestCache(64 * blockcache.BlockSize)
	defer cache.Close()

	ctx := &Context{
		Args:     []string{"raw_memset", "2", "3", "7"},
		Progress: progress.New(progress.ModeOff, nil),
		Output:   cache,
	}
	if err := Validate(ctx); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cache.Flush()

	region := dev.data[2*BlockSize : 5*BlockSize]
	for _, b := range region {
		if b != 7 {
			t.Fatalf("raw_memset region not filled with 7: got %v", b)
		}
	}
}

func TestFatMkfsThenFatWriteThenFatCp(t *testing.T) {
	cache, _ := newTestCache(2048 * blockcache.BlockSize)
	defer cache.Close()

	mkfsCtx := &Context{
		Args:     []string{"fat_mkfs", "0", "2048"},
		Progress: progress.New(progress.ModeOff, nil),
		Output:   cache,
	}
	if err := Run(mkfsCtx); err != nil {
		t.Fatalf("fat_mkfs: %v", err)
	}

	payload := []byte("hello from fat_write")
	cfg := &cfgfile.Config{
		FileResources: []*cfgfile.FileResource{
			{Name: "greeting.txt", Length: []int64{int64(len(payload))}, Blake2b256: hashOf(payload)},
		},
	}
	writeCtx := &Context{
		Type:         ContextFile,
		Args:         []string{"fat_write", "0", "GREET.TXT"},
		Config:       cfg,
		Progress:     progress.New(progress.ModeOff, nil),
		Output:       cache,
		ResourceName: "greeting.txt",
		Reader: &listReader{chunks: []struct {
			data   []byte
			offset int64
		}{{payload, 0}}},
	}
	if err := Run(writeCtx); err != nil {
		t.Fatalf("fat_write: %v", err)
	}

	cpCtx := &Context{
		Args:     []string{"fat_cp", "0", "GREET.TXT", "GREET2.TXT"},
		Progress: progress.New(progress.ModeOff, nil),
		Output:   cache,
	}
	if err := Run(cpCtx); err != nil {
		t.Fatalf("fat_cp: %v", err)
	}

	fs, err := fatfs.Open(cache, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, err := fs.ReadFile("GREET2.TXT")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("fat_cp didn't copy correctly: got %q", data)
	}
}

func TestUbootSetenvThenUnsetenv(t *testing.T) {
	cache, _ := newTestCache(64 * blockcache.BlockSize)
	defer cache.Close()

	cfg := &cfgfile.Config{
		UbootEnvironments: []*cfgfile.UbootEnvironment{
			{Name: "uboot-env", BlockOffset: 0, BlockCount: 8, BlockOffsetRedund: -1},
		},
	}

	// clearenv first establishes a valid, decodable environment on disk.
	clearCtx := &Context{Args: []string{"uboot_clearenv", "uboot-env"}, Config: cfg, Progress: progress.New(progress.ModeOff, nil), Output: cache}
	if err := Run(clearCtx); err != nil {
		t.Fatalf("uboot_clearenv: %v", err)
	}

	setCtx := &Context{Args: []string{"uboot_setenv", "uboot-env", "bootdelay", "1"}, Config: cfg, Progress: progress.New(progress.ModeOff, nil), Output: cache}
	if err := Run(setCtx); err != nil {
		t.Fatalf("uboot_setenv: %v", err)
	}

	u, _ := findUbootEnv(cfg, "uboot-env")
	env, err := loadUbootEnv(&Context{Output: cache}, u)
	if err != nil {
		t.Fatalf("loadUbootEnv: %v", err)
	}
	if env.Env().Get("bootdelay") != "1" {
		t.Fatalf("bootdelay = %q, want 1", env.Env().Get("bootdelay"))
	}

	unsetCtx := &Context{Args: []string{"uboot_unsetenv", "uboot-env", "bootdelay"}, Config: cfg, Progress: progress.New(progress.ModeOff, nil), Output: cache}
	if err := Run(unsetCtx); err != nil {
		t.Fatalf("uboot_unsetenv: %v", err)
	}
}

func TestErrorAndInfoValidate(t *testing.T) {
	if err := Validate(&Context{Args: []string{"error"}}); err == nil {
		t.Fatalf("expected error() to require a message")
	}
	if err := Validate(&Context{Args: []string{"error", "boom"}}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := Run(&Context{Args: []string{"error", "boom"}}); err == nil {
		t.Fatalf("expected error() to fail at run time")
	}
	if err := Run(&Context{Args: []string{"info", "hello"}}); err != nil {
		t.Fatalf("info Run: %v", err)
	}
}

func TestUnknownFunctionRejected(t *testing.T) {
	if err := Validate(&Context{Args: []string{"does_not_exist"}}); err == nil {
		t.Fatalf("expected unknown function error")
	}
}

func TestMBRWritePlacesPartitionsByIndexAndChainsLogical(t *testing.T) {
	cache, dev := newTestCache(256 * blockcache.BlockSize)
	defer cache.Close()

	// Partitions declared out of slot order, with a gap (no slot 1 or 2),
	// and one logical partition beyond the primary slot 3 extended entry --
	// the section title is the slot number, not declaration order.
	cfgMBR := &cfgfile.MBR{
		Name: "mbr-a",
		Partitions: []*cfgfile.MBRPartition{
			{Index: 3, BlockOffset: "100", BlockCount: 1, Type: mbr.TypeExtendedLBA, Expand: true},
			{Index: 0, BlockOffset: "1", BlockCount: 10, Type: 0x83},
			{Index: 4, BlockOffset: "101", BlockCount: 20, Type: 0x83},
		},
	}
	cfg := &cfgfile.Config{MBRs: []*cfgfile.MBR{cfgMBR}}

	ctx := &Context{
		Args:     []string{"mbr_write", "mbr-a"},
		Config:   cfg,
		Progress: progress.New(progress.ModeOff, nil),
		Output:   cache,
	}
	if err := Validate(ctx); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := ComputeProgress(ctx); err != nil {
		t.Fatalf("ComputeProgress: %v", err)
	}
	if err := Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cache.Flush()

	decoded, err := mbr.Decode(dev.data[:mbr.SectorSize])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Partitions[0].BlockOffset != 1 || decoded.Partitions[0].BlockCount != 10 || decoded.Partitions[0].PartitionType != 0x83 {
		t.Fatalf("slot 0 mismatch: %+v", decoded.Partitions[0])
	}
	if decoded.Partitions[1].PartitionType != 0 || decoded.Partitions[2].PartitionType != 0 {
		t.Fatalf("expected slots 1 and 2 to stay empty: %+v / %+v", decoded.Partitions[1], decoded.Partitions[2])
	}
	if decoded.Partitions[3].PartitionType != mbr.TypeExtendedLBA || decoded.Partitions[3].BlockOffset != 100 {
		t.Fatalf("slot 3 (extended) mismatch: %+v", decoded.Partitions[3])
	}

	ebr := dev.data[100*blockcache.BlockSize : 100*blockcache.BlockSize+mbr.SectorSize]
	if ebr[510] != 0x55 || ebr[511] != 0xaa {
		t.Fatalf("EBR for logical partition 4 missing boot signature")
	}
	if ebr[446+4] != 0x83 {
		t.Fatalf("EBR logical partition type = %#x, want 0x83", ebr[446+4])
	}
}
