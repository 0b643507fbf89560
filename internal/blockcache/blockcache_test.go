package blockcache

import (
	"bytes"
	"testing"
)

// memDevice is an in-memory Device for exercising the cache without a real
// block device.
type memDevice struct {
	data []byte
}

func newMemDevice(size int) *memDevice {
	return &memDevice{data: make([]byte, size)}
}

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m.data[off:], p)
	return n, nil
}

func TestPWriteReadRoundTrip(t *testing.T) {
	dev := newMemDevice(4 * SegmentSize)
	c := New(dev, int64(len(dev.data)), false, nil)
	defer c.Close()

	payload := bytes.Repeat([]byte{0x42}, BlockSize*3)
	if err := c.PWrite(payload, SegmentSize+BlockSize, true); err != nil {
		t.Fatalf("PWrite: %v", err)
	}

	got := make([]byte, len(payload))
	if err := c.PRead(got, SegmentSize+BlockSize); err != nil {
		t.Fatalf("PRead: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read back mismatch")
	}
}

func TestPWriteSpanningSegments(t *testing.T) {
	dev := newMemDevice(4 * SegmentSize)
	c := New(dev, int64(len(dev.data)), false, nil)
	defer c.Close()

	payload := bytes.Repeat([]byte{0x7}, SegmentSize+BlockSize*2)
	offset := int64(SegmentSize - BlockSize)
	if err := c.PWrite(payload, offset, false); err != nil {
		t.Fatalf("PWrite: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := make([]byte, len(payload))
	if err := c.PRead(got, offset); err != nil {
		t.Fatalf("PRead: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read back mismatch across segment boundary")
	}
}

func TestLRUEviction(t *testing.T) {
	dev := newMemDevice((NumSegments + 2) * SegmentSize)
	c := New(dev, int64(len(dev.data)), false, nil)
	defer c.Close()

	for i := 0; i < NumSegments+2; i++ {
		off := int64(i * SegmentSize)
		if err := c.PWrite(bytes.Repeat([]byte{byte(i)}, BlockSize), off, false); err != nil {
			t.Fatalf("PWrite segment %d: %v", i, err)
		}
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	for i := 0; i < NumSegments+2; i++ {
		var b [1]byte
		if err := c.PRead(b[:], int64(i*SegmentSize)); err != nil {
			t.Fatalf("PRead segment %d: %v", i, err)
		}
		if b[0] != byte(i) {
			t.Fatalf("segment %d: got %d, want %d (evicted segment lost its write-back)", i, b[0], i)
		}
	}
}

func TestTrimSkipsRead(t *testing.T) {
	dev := newMemDevice(4 * SegmentSize)
	for i := range dev.data {
		dev.data[i] = 0xff
	}
	c := New(dev, int64(len(dev.data)), false, nil)
	defer c.Close()

	if err := c.Trim(0, 2*SegmentSize, false); err != nil {
		t.Fatalf("Trim: %v", err)
	}

	got := make([]byte, BlockSize)
	if err := c.PRead(got, 0); err != nil {
		t.Fatalf("PRead: %v", err)
	}
	for _, b := range got {
		if b != 0 {
			t.Fatalf("trimmed region should read as zero, got %x", b)
		}
	}
}

func TestVerifyWritesAcceptsTruthfulDevice(t *testing.T) {
	dev := newMemDevice(2 * SegmentSize)
	c := New(dev, int64(len(dev.data)), false, nil)
	c.SetVerifyWrites(true)
	defer c.Close()

	if err := c.PWrite(bytes.Repeat([]byte{1, 2, 3, 4}, BlockSize/4), 0, false); err != nil {
		t.Fatalf("PWrite: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush with verify enabled and a truthful device should not fail: %v", err)
	}
}
