package padwriter

import (
	"bytes"
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

func TestPadWriterUnalignedChunks(t *testing.T) {
	dev := newMemDevice(2 * blockcache.SegmentSize)
	cache := blockcache.New(dev, int64(len(dev.data)), false, nil)
	defer cache.Close()

	w := New(cache)
	chunks := [][]byte{
		bytes.Repeat([]byte{1}, 100),
		bytes.Repeat([]byte{2}, 300),
		bytes.Repeat([]byte{3}, 700),
	}
	var offset int64
	for _, c := range chunks {
		if err := w.PWrite(c, offset); err != nil {
			t.Fatalf("PWrite: %v", err)
		}
		offset += int64(len(c))
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := cache.Flush(); err != nil {
		t.Fatalf("cache.Flush: %v", err)
	}

	want := append(append(append([]byte{}, chunks[0]...), chunks[1]...), chunks[2]...)
	got := make([]byte, len(want))
	if err := cache.PRead(got, 0); err != nil {
		t.Fatalf("PRead: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("readback mismatch: got %v want %v", got, want)
	}
}

func TestPadWriterGap(t *testing.T) {
	dev := newMemDevice(2 * blockcache.SegmentSize)
	cache := blockcache.New(dev, int64(len(dev.data)), false, nil)
	defer cache.Close()

	w := New(cache)
	if err := w.PWrite([]byte{0xaa}, 0); err != nil {
		t.Fatalf("PWrite: %v", err)
	}
	if err := w.PWrite([]byte{0xbb}, 10); err != nil {
		t.Fatalf("PWrite with gap: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := make([]byte, 11)
	if err := cache.PRead(got, 0); err != nil {
		t.Fatalf("PRead: %v", err)
	}
	for i := 1; i < 10; i++ {
		if got[i] != 0 {
			t.Fatalf("gap byte %d should be zero-filled, got %x", i, got[i])
		}
	}
	if got[0] != 0xaa || got[10] != 0xbb {
		t.Fatalf("endpoints mismatch: %v", got)
	}
}
