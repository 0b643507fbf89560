package ubootenv

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

func TestNonRedundantRoundTrip(t *testing.T) {
	dev := newMemDevice(2 * blockcache.SegmentSize)
	cache := blockcache.New(dev, int64(len(dev.data)), false, nil)
	defer cache.Close()

	env := NewEnv()
	env.Set("bootpart", "2")
	env.Set("mode", "normal")

	live := &Environment{cache: cache, baseOffset: 0, copySize: 4096, env: env}
	if err := live.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := cache.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	loaded, err := Load(cache, 0, 4096, false, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Env().Get("bootpart") != "2" || loaded.Env().Get("mode") != "normal" {
		t.Fatalf("loaded env mismatch: %+v", loaded.Env().data)
	}
}

func TestRedundantFailover(t *testing.T) {
	dev := newMemDevice(2 * blockcache.SegmentSize)
	cache := blockcache.New(dev, int64(len(dev.data)), false, nil)
	defer cache.Close()

	env := NewEnv()
	env.Set("bootpart", "1")
	live := &Environment{cache: cache, baseOffset: 0, copySize: 4096, redundant: true, env: env, activeFlag: 0, activeCopy: Copy2}
	if err := live.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := cache.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	loaded, err := Load(cache, 0, 4096, true, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Env().Get("bootpart") != "1" {
		t.Fatalf("bootpart = %q, want 1", loaded.Env().Get("bootpart"))
	}
	if loaded.activeCopy != Copy1 {
		t.Fatalf("activeCopy = %d, want Copy1 (the only copy written so far)", loaded.activeCopy)
	}

	loaded.Env().Set("bootpart", "2")
	if err := loaded.Save(); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if err := cache.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded, err := Load(cache, 0, 4096, true, false)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Env().Get("bootpart") != "2" {
		t.Fatalf("bootpart = %q, want 2 after second save", reloaded.Env().Get("bootpart"))
	}
}

func TestIsNewerFlagWraparound(t *testing.T) {
	if !isNewerFlag(0, 255) {
		t.Fatalf("0 should be considered newer than 255 (wraparound)")
	}
	if !isNewerFlag(5, 4) {
		t.Fatalf("5 should be newer than 4")
	}
	if isNewerFlag(4, 5) {
		t.Fatalf("4 should not be newer than 5")
	}
}
