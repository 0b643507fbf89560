// Package padwriter adapts arbitrary-sized, possibly out-of-order-but-
// monotonic writes (as produced by a decompressor streaming a resource) into
// the block-aligned writes the block cache requires.
//
// It is intentionally narrow: writes must be non-decreasing in offset.
// Bytes of a block that a gap between writes leaves unwritten are filled
// with zeros when that block is written out; whole blocks lying entirely
// inside a gap are not written at all.
package padwriter

import (
	"fmt"

	"github.com/fwup-go/fwup/internal/blockcache"
)

const blockSize = blockcache.BlockSize

// Writer pads writes to block-size boundaries before handing them to a
// Cache.
type Writer struct {
	output *blockcache.Cache
	buffer [blockSize]byte
	index  int
	offset int64
}

// New returns a Writer that pads onto output.
func New(output *blockcache.Cache) *Writer {
	return &Writer{output: output}
}

// PWrite buffers buf (writing out full blocks as they accumulate) as if it
// were destined for offset. offset must never be less than the end of the
// previous call -- this is a streaming writer, not a general random-access
// one.
func (w *Writer) PWrite(buf []byte, offset int64) error {
	if w.index != 0 {
		currentIndex := w.offset + int64(w.index)
		maxIndex := w.offset + blockSize

		if offset < currentIndex {
			return fmt.Errorf("padwriter: write at offset %d goes backwards past already-buffered offset %d", offset, currentIndex)
		}

		if offset > currentIndex && offset < maxIndex {
			toSkip := offset - currentIndex
			for i := int64(0); i < toSkip; i++ {
				w.buffer[w.index] = 0
				w.index++
			}
			currentIndex = offset
		}

		if currentIndex == offset {
			toCopy := min(blockSize-w.index, len(buf))
			copy(w.buffer[w.index:], buf[:toCopy])
			buf = buf[toCopy:]
			w.index += toCopy
			offset += int64(toCopy)

			if w.index == blockSize {
				if err := w.output.PWrite(w.buffer[:], w.offset, true); err != nil {
					return err
				}
				w.index = 0
			} else {
				return nil
			}
		} else {
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}

	indexFromBoundary := int(offset & (blockSize - 1))
	if indexFromBoundary != 0 {
		for i := 0; i < indexFromBoundary; i++ {
			w.buffer[i] = 0
		}
		w.index = indexFromBoundary
		w.offset = offset - int64(indexFromBoundary)
		return w.PWrite(buf, offset)
	}

	if len(buf) > blockSize {
		toCopy := len(buf) &^ (blockSize - 1)
		if err := w.output.PWrite(buf[:toCopy], offset, true); err != nil {
			return err
		}
		offset += int64(toCopy)
		buf = buf[toCopy:]
	}

	if len(buf) > 0 {
		copy(w.buffer[:], buf)
		w.index = len(buf)
		w.offset = offset
	}

	return nil
}

// Flush writes out any partially filled block, zero-padding the remainder.
func (w *Writer) Flush() error {
	if w.index > 0 {
		for i := w.index; i < blockSize; i++ {
			w.buffer[i] = 0
		}
		if err := w.output.PWrite(w.buffer[:], w.offset, true); err != nil {
			return err
		}
		w.index = 0
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
