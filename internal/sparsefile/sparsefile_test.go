package sparsefile

import (
	"os"
	"testing"
)

func TestFromLengthListSingle(t *testing.T) {
	m, err := FromLengthList([]int64{4096})
	if err != nil {
		t.Fatalf("FromLengthList: %v", err)
	}
	if !m.Single() {
		t.Fatalf("expected a single-segment map")
	}
	if m.DataSize() != 4096 || m.FileSize() != 4096 {
		t.Fatalf("got data=%d file=%d, want 4096/4096", m.DataSize(), m.FileSize())
	}
}

func TestFromLengthListAlternating(t *testing.T) {
	m, err := FromLengthList([]int64{100, 200, 50})
	if err != nil {
		t.Fatalf("FromLengthList: %v", err)
	}
	if m.DataSize() != 150 {
		t.Fatalf("DataSize() = %d, want 150", m.DataSize())
	}
	if m.FileSize() != 350 {
		t.Fatalf("FileSize() = %d, want 350", m.FileSize())
	}
}

func TestFromLengthListRejectsNegative(t *testing.T) {
	if _, err := FromLengthList([]int64{10, -1}); err == nil {
		t.Fatalf("expected an error for a negative length")
	}
}

func TestIterateYieldsOffsets(t *testing.T) {
	m := Map{Lengths: []int64{10, 20, 30}}
	var chunks []Chunk
	if err := m.Iterate(func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	}); err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	want := []Chunk{
		{Offset: 0, Length: 10, IsHole: false},
		{Offset: 10, Length: 20, IsHole: true},
		{Offset: 30, Length: 30, IsHole: false},
	}
	for i, c := range chunks {
		if c != want[i] {
			t.Fatalf("chunk %d = %+v, want %+v", i, c, want[i])
		}
	}
}

func TestFromHostFileDenseFallback(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "sparsefile-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := f.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := f.Seek(0, os.SEEK_SET); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	m, err := FromHostFile(f)
	if err != nil {
		t.Fatalf("FromHostFile: %v", err)
	}
	if m.FileSize() != int64(len(payload)) {
		t.Fatalf("FileSize() = %d, want %d", m.FileSize(), len(payload))
	}
}

func TestCollapseBoundsEntryCount(t *testing.T) {
	lengths := make([]int64, 0, (MaxEntries+20)*2)
	for i := 0; i < MaxEntries+20; i++ {
		lengths = append(lengths, 1, 1)
	}
	m := collapse(Map{Lengths: lengths})
	if len(m.Lengths) > MaxEntries {
		t.Fatalf("collapse produced %d entries, want <= %d", len(m.Lengths), MaxEntries)
	}
}
