// Package sparsefile builds and consumes the data/hole length maps
// ("sparse maps") that let a large image containing holes be stored
// compactly in an archive and reproduced exactly when applied.
//
// A sparse map is a list of nonnegative integers alternating data-segment
// length and hole length, starting with a data segment (which may be zero
// length). The sum of even-indexed entries is the number of payload bytes
// actually stored in the archive; the sum of the whole list is the logical
// file size.
package sparsefile

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// MaxEntries bounds the map: past this many alternating segments, trailing
// holes are collapsed into the preceding data segment so that meta.conf
// doesn't grow without bound for extremely fragmented sources.
const MaxEntries = 256

// Map is a data/hole length map for a single resource.
type Map struct {
	Lengths []int64
}

// DataSize returns the number of payload bytes represented by the map --
// the sum of the data (even-indexed) segments. This is how many bytes are
// actually stored in the archive's data/<name> entry.
func (m Map) DataSize() int64 {
	var total int64
	for i := 0; i < len(m.Lengths); i += 2 {
		total += m.Lengths[i]
	}
	return total
}

// FileSize returns the logical size of the file the map describes -- the
// sum of every entry, data and hole alike.
func (m Map) FileSize() int64 {
	var total int64
	for _, l := range m.Lengths {
		total += l
	}
	return total
}

// Single reports whether the map is the trivial single-segment case (no
// holes at all), which is also how a plain integer `length` value in
// meta.conf is interpreted.
func (m Map) Single() bool {
	return len(m.Lengths) == 1
}

// EndingHoleSize returns the size of a trailing hole, if the map's last
// segment is one, or 0 otherwise. A resource's archived data never includes
// its trailing hole, so a writer that only ever sees data chunks still
// needs this to grow the destination to the resource's full logical size.
func (m Map) EndingHoleSize() int64 {
	n := len(m.Lengths)
	if n == 0 || n%2 != 0 {
		return 0
	}
	return m.Lengths[n-1]
}

// FromHostFile builds a sparse map for f by locating holes with
// SEEK_DATA/SEEK_HOLE. If the underlying filesystem doesn't support hole
// detection, a single dense data segment spanning the whole file is
// returned instead -- this is always a legal (if less compact) map.
func FromHostFile(f *os.File) (Map, error) {
	info, err := f.Stat()
	if err != nil {
		return Map{}, fmt.Errorf("sparsefile: stat: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return Map{Lengths: []int64{0}}, nil
	}

	fd := int(f.Fd())
	lengths := make([]int64, 0, 8)
	pos := int64(0)
	for pos < size {
		dataStart, err := unix.Seek(fd, pos, unix.SEEK_DATA)
		if err != nil {
			// ENXIO means "no more data" -- treat as a final hole to EOF.
			if pos == 0 {
				// Hole detection unsupported on this filesystem/platform:
				// fall back to one dense segment.
				return Map{Lengths: []int64{size}}, nil
			}
			lengths = append(lengths, size-pos)
			pos = size
			break
		}

		if dataStart > pos {
			if len(lengths) == 0 {
				lengths = append(lengths, 0)
			}
			lengths = append(lengths, dataStart-pos)
		}

		holeStart, err := unix.Seek(fd, dataStart, unix.SEEK_HOLE)
		if err != nil {
			lengths = append(lengths, size-dataStart)
			pos = size
			break
		}
		if holeStart > size {
			holeStart = size
		}
		lengths = append(lengths, holeStart-dataStart)
		pos = holeStart
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Map{}, fmt.Errorf("sparsefile: seek to start: %w", err)
	}

	return collapse(Map{Lengths: lengths}), nil
}

// collapse enforces MaxEntries by folding any holes (and the data segments
// that follow them) past the cap into the final kept data segment, so the
// map never grows past the capacity the manifest grammar allows.
func collapse(m Map) Map {
	if len(m.Lengths) <= MaxEntries {
		return m
	}

	kept := append([]int64(nil), m.Lengths[:MaxEntries-1]...)
	var tail int64
	for _, l := range m.Lengths[MaxEntries-1:] {
		tail += l
	}
	kept[len(kept)-1] += tail
	return Map{Lengths: kept}
}

// FromLengthList decodes the `length` option of a file-resource section. A
// single-element list means "dense file of that size."
func FromLengthList(lengths []int64) (Map, error) {
	if len(lengths) == 0 {
		return Map{Lengths: []int64{0}}, nil
	}
	for _, l := range lengths {
		if l < 0 {
			return Map{}, fmt.Errorf("sparsefile: negative length %d in map", l)
		}
	}
	return Map{Lengths: append([]int64(nil), lengths...)}, nil
}

// Chunk is one piece yielded by an iteration over a map: Length bytes
// starting at Offset, either a data segment or (IsHole) a hole that
// downstream consumers may skip (raw writers) or fill with zeros (FAT
// writers).
type Chunk struct {
	Offset int64
	Length int64
	IsHole bool
}

// Iterate calls visit once per segment described by the map (data segments
// and holes alike) with consecutive offsets, so that callers can either
// skip holes (block-device writers, which rely on the destination already
// reading as zero) or materialize them (filesystem writers that need
// literal zero bytes on disk).
func (m Map) Iterate(visit func(Chunk) error) error {
	var offset int64
	for i, length := range m.Lengths {
		isHole := i%2 == 1
		if err := visit(Chunk{Offset: offset, Length: length, IsHole: isHole}); err != nil {
			return err
		}
		offset += length
	}
	return nil
}
