package apply

import (
	"fmt"
	"io"

	"github.com/fwup-go/fwup/internal/sparsefile"
)

// zipResourceReadSize bounds how much of a resource's archived bytes are
// pulled into memory at once, mirroring read_callback_normal's use of
// libarchive's own block size rather than reading a resource whole.
const zipResourceReadSize = 64 * 1024

// zipResourceReader implements functions.ResourceReader over a single zip
// entry's decompressed stream, splitting its concatenated data chunks back
// apart at hole boundaries using the resource's sparse map.
//
// Grounded on fwup_apply.c's read_callback_normal: since the zip format
// can't store holes, a resource's archive entry holds only its data
// segments back to back; this walks the sparse map's alternating
// data/hole lengths, handing back consecutive (data, destination-relative
// offset) chunks and silently advancing the logical offset across each
// hole, exactly as read_callback_normal's sparse_map_ix/sparse_block_offset/
// actual_offset state machine does.
type zipResourceReader struct {
	src    io.Reader
	chunks []sparsefile.Chunk

	idx       int
	remaining int64
	curOffset int64
}

func newZipResourceReader(src io.Reader, sfm sparsefile.Map) (*zipResourceReader, error) {
	var chunks []sparsefile.Chunk
	if err := sfm.Iterate(func(c sparsefile.Chunk) error {
		chunks = append(chunks, c)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("apply: walking sparse map: %w", err)
	}
	return &zipResourceReader{src: src, chunks: chunks}, nil
}

func (r *zipResourceReader) Next() (data []byte, offset int64, ok bool, err error) {
	for {
		if r.idx >= len(r.chunks) {
			return nil, 0, false, nil
		}
		c := r.chunks[r.idx]
		if c.IsHole || c.Length == 0 {
			r.idx++
			continue
		}
		if r.remaining == 0 {
			r.remaining = c.Length
			r.curOffset = c.Offset
		}

		toRead := r.remaining
		if toRead > zipResourceReadSize {
			toRead = zipResourceReadSize
		}
		buf := make([]byte, toRead)
		n, err := io.ReadFull(r.src, buf)
		if err != nil {
			return nil, 0, false, fmt.Errorf("apply: reading resource data: %w", err)
		}

		offset = r.curOffset
		r.curOffset += int64(n)
		r.remaining -= int64(n)
		if r.remaining == 0 {
			r.idx++
		}
		return buf[:n], offset, true, nil
	}
}
