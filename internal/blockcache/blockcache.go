// Package blockcache implements the write-back segment cache that sits
// between every destination-writing component (raw, FAT, MBR, GPT, U-Boot
// env) and the actual block device or image file.
//
// All reads and writes to the destination are aligned to 128 KiB segments;
// the cache holds up to 64 segments (8 MiB) and tracks per-512-byte-block
// valid/dirty state so that a segment only partially touched by the task
// graph can still be flushed correctly with a read-modify-write merge.
// Exactly one background goroutine performs the actual writes to the
// destination, communicating over a small channel pair -- the Go
// counterpart of the original implementation's single writer thread guarded
// by a mutex/condvar.
package blockcache

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

const (
	// BlockSize is the unit of valid/dirty tracking and the granularity at
	// which every destination write is expressed once inside a segment.
	BlockSize = 512

	// SegmentSize is the minimum read/write size actually issued to the
	// destination; all reads and writes are aligned to it.
	SegmentSize = 128 * 1024

	// NumSegments bounds the cache to an 8 MiB working set.
	NumSegments = 64

	blocksPerSegment = SegmentSize / BlockSize
	segmentMask      = ^int64(SegmentSize - 1)
)

// Device is the destination a Cache writes through to: a block device, disk
// image, or any other random-access byte sink.
type Device interface {
	io.ReaderAt
	io.WriterAt
}

// HWTrimmer issues a hardware discard (e.g. BLKDISCARD, TRIM) for a byte
// range of the destination. It is best effort -- a Cache with no HWTrimmer
// wired simply skips the hardware step and keeps doing the bookkeeping that
// lets it skip reads of the region.
type HWTrimmer interface {
	Trim(offset, length int64) error
}

type segment struct {
	inUse      bool
	data       []byte
	offset     int64
	lastAccess uint32
	streamed   bool
	valid      *bitset.BitSet
	dirty      *bitset.BitSet
}

func (s *segment) allDirty() bool {
	return s.dirty.Count() == blocksPerSegment
}

func (s *segment) anyDirty() bool {
	return s.dirty.Count() > 0
}

func (s *segment) validity() (allValid, allInvalid bool) {
	n := s.valid.Count()
	return n == blocksPerSegment, n == 0
}

// writeJob is one destination write handed to the background writer.
type writeJob struct {
	offset int64
	data   []byte
}

// Cache is the segment write-back cache. It is not safe for concurrent use
// from multiple goroutines -- the apply/create pipelines that drive it are
// single-goroutine by design (see the module's concurrency notes); the only
// other goroutine touching a Cache is its own background writer.
type Cache struct {
	dest      Device
	trimmer   HWTrimmer
	verify    bool
	timestamp uint32
	segments  [NumSegments]*segment
	temp      []byte

	trimmed          *bitset.BitSet
	trimmedRemainder bool
	hwTrimEnabled    bool

	numBlocks uint32

	publish chan writeJob
	done    chan error
	inFlyOffset int64
	inFlight    bool
	closed      chan struct{}
}

// New creates a Cache writing through to dest. endOffset, if positive, is
// the known size of the destination in bytes and is used to pre-mark
// everything past it as trimmed so that reads past the end of a sparse
// image don't touch the underlying device. trimmer may be nil.
func New(dest Device, endOffset int64, enableTrim bool, trimmer HWTrimmer) *Cache {
	c := &Cache{
		dest:          dest,
		trimmer:       trimmer,
		temp:          make([]byte, SegmentSize),
		trimmed:       bitset.New(0),
		hwTrimEnabled: enableTrim,
		publish:       make(chan writeJob),
		done:          make(chan error),
		closed:        make(chan struct{}),
	}
	for i := range c.segments {
		c.segments[i] = &segment{}
	}

	if endOffset > 0 {
		alignedEnd := alignUp(endOffset)
		_ = c.TrimAfter(alignedEnd, false)
		c.numBlocks = uint32(endOffset / BlockSize)
	}

	go c.writerLoop()
	return c
}

// NumBlocks returns the destination size in 512-byte blocks, or 0 if New
// was given an unknown (non-positive) endOffset.
func (c *Cache) NumBlocks() uint32 { return c.numBlocks }

// SetVerifyWrites enables reading back every segment immediately after it
// is written and comparing against what was requested, surfacing silent
// destination corruption as an error instead of letting it pass unnoticed.
func (c *Cache) SetVerifyWrites(v bool) { c.verify = v }

func (c *Cache) writerLoop() {
	for job := range c.publish {
		_, err := c.dest.WriteAt(job.data, job.offset)
		if err == nil && c.verify {
			readBack := make([]byte, len(job.data))
			if _, rerr := c.dest.ReadAt(readBack, job.offset); rerr != nil {
				err = fmt.Errorf("blockcache: verify read at offset %d: %w", job.offset, rerr)
			} else if !bytesEqual(readBack, job.data) {
				err = fmt.Errorf("blockcache: verify mismatch at offset %d", job.offset)
			}
		}
		c.done <- err
	}
	close(c.closed)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func alignUp(offset int64) int64 {
	return (offset + SegmentSize - 1) & segmentMask
}

// finishPendingWrite blocks until the one outstanding asynchronous write (if
// any) has completed, and returns its error. Since the cache only ever has
// a single write in flight at a time -- this Cache is driven by a single
// caller goroutine plus its own writer goroutine -- this is equivalent to
// the original's "wait for completion of a specific segment" check.
func (c *Cache) finishPendingWrite() error {
	if !c.inFlight {
		return nil
	}
	err := <-c.done
	c.inFlight = false
	return err
}

func (c *Cache) asyncWrite(seg *segment, streamed bool) error {
	pendingErr := c.finishPendingWrite()

	data := make([]byte, SegmentSize)
	copy(data, seg.data)
	c.publish <- writeJob{offset: seg.offset, data: data}
	c.inFlight = true
	c.inFlyOffset = seg.offset
	_ = streamed
	return pendingErr
}

func (c *Cache) syncWrite(seg *segment) error {
	if err := c.finishPendingWrite(); err != nil {
		return err
	}
	if _, err := c.dest.WriteAt(seg.data, seg.offset); err != nil {
		return fmt.Errorf("blockcache: write failed at offset %d: %w", seg.offset, err)
	}
	if c.verify {
		readBack := make([]byte, len(seg.data))
		if _, err := c.dest.ReadAt(readBack, seg.offset); err != nil {
			return fmt.Errorf("blockcache: verify read at offset %d: %w", seg.offset, err)
		}
		if !bytesEqual(readBack, seg.data) {
			return fmt.Errorf("blockcache: verify mismatch at offset %d", seg.offset)
		}
	}
	return nil
}

func (c *Cache) readSegment(seg *segment, into []byte) error {
	if c.isTrimmed(seg.offset) {
		for i := range into {
			into[i] = 0
		}
		return nil
	}
	n, err := c.dest.ReadAt(into, seg.offset)
	if err != nil && err != io.EOF {
		return fmt.Errorf("blockcache: read %d bytes at offset %d: %w (destination may be too small or failing)", len(into), seg.offset, err)
	}
	for i := n; i < len(into); i++ {
		into[i] = 0
	}
	return nil
}

func (c *Cache) makeSegmentValid(seg *segment) error {
	allValid, allInvalid := seg.validity()
	if allInvalid {
		if err := c.readSegment(seg, seg.data); err != nil {
			return err
		}
		seg.valid.SetAll()
		return nil
	}
	if !allValid {
		if err := c.readSegment(seg, c.temp); err != nil {
			return err
		}
		for i := uint(0); i < blocksPerSegment; i++ {
			if !seg.valid.Test(i) {
				off := i * BlockSize
				copy(seg.data[off:off+BlockSize], c.temp[off:off+BlockSize])
				seg.valid.Set(i)
			}
		}
	}
	return nil
}

func (c *Cache) flushSegment(seg *segment) error {
	if !seg.inUse || !seg.anyDirty() {
		return nil
	}
	err := c.makeSegmentValid(seg)
	if err == nil {
		err = c.syncWrite(seg)
	}
	seg.dirty.ClearAll()
	c.clearTrimmed(seg.offset)
	return err
}

func (c *Cache) initSegment(seg *segment, offset int64) {
	if seg.data == nil {
		seg.data = make([]byte, SegmentSize)
		seg.valid = bitset.New(blocksPerSegment)
		seg.dirty = bitset.New(blocksPerSegment)
	} else {
		seg.valid.ClearAll()
		seg.dirty.ClearAll()
	}
	seg.inUse = true
	seg.offset = offset
	seg.lastAccess = c.timestamp
	c.timestamp++
	seg.streamed = true
}

// getSegment returns the cached segment for offset (which must already be
// segment-aligned), allocating or evicting the LRU entry as needed.
func (c *Cache) getSegment(offset int64) (*segment, error) {
	for _, seg := range c.segments {
		if seg.inUse && seg.offset == offset {
			if c.inFlight && c.inFlyOffset == offset {
				if err := c.finishPendingWrite(); err != nil {
					return nil, err
				}
			}
			seg.lastAccess = c.timestamp
			c.timestamp++
			return seg, nil
		}
	}

	lru := c.segments[0]
	for _, seg := range c.segments[1:] {
		if !seg.inUse {
			lru = seg
			break
		}
		if lru.inUse && seg.lastAccess < lru.lastAccess {
			lru = seg
		}
	}
	if lru.inUse {
		if err := c.flushSegment(lru); err != nil {
			return nil, err
		}
	}
	c.initSegment(lru, offset)
	return lru, nil
}

func (c *Cache) segmentWrite(seg *segment, buf []byte, offsetInSeg int, streamed bool) error {
	copy(seg.data[offsetInSeg:offsetInSeg+len(buf)], buf)

	blockStart := offsetInSeg / BlockSize
	blockEnd := blockStart + len(buf)/BlockSize
	for i := blockStart; i < blockEnd; i++ {
		seg.valid.Set(uint(i))
		seg.dirty.Set(uint(i))
	}

	if streamed && seg.streamed && seg.allDirty() {
		if err := c.asyncWrite(seg, true); err != nil {
			return err
		}
		seg.valid.SetAll()
		seg.dirty.ClearAll()
		c.clearTrimmed(seg.offset)
	} else if !streamed {
		seg.streamed = false
	}
	return nil
}

// PWrite writes buf to the destination at offset, splitting across segment
// boundaries as needed. streamed indicates that the caller is writing data
// sequentially as it arrives (the typical apply-pipeline case), which lets
// a segment that becomes entirely dirty be flushed immediately rather than
// waiting for an explicit Flush.
func (c *Cache) PWrite(buf []byte, offset int64, streamed bool) error {
	first := offset & segmentMask
	if first != offset {
		seg, err := c.getSegment(first)
		if err != nil {
			return err
		}
		offsetInSeg := int(offset - first)
		n := min(len(buf), SegmentSize-offsetInSeg)
		if err := c.segmentWrite(seg, buf[:n], offsetInSeg, streamed); err != nil {
			return err
		}
		buf = buf[n:]
		offset += int64(n)
	}

	for len(buf) > 0 {
		seg, err := c.getSegment(offset)
		if err != nil {
			return err
		}
		n := min(len(buf), SegmentSize)
		if err := c.segmentWrite(seg, buf[:n], 0, streamed); err != nil {
			return err
		}
		buf = buf[n:]
		offset += int64(n)
	}
	return nil
}

// PRead reads len(buf) bytes from the destination at offset, through the
// cache, merging in any not-yet-flushed writes.
func (c *Cache) PRead(buf []byte, offset int64) error {
	first := offset & segmentMask
	if first != offset {
		seg, err := c.getSegment(first)
		if err != nil {
			return err
		}
		offsetInSeg := int(offset - first)
		n := min(len(buf), SegmentSize-offsetInSeg)
		if err := c.makeSegmentValid(seg); err != nil {
			return err
		}
		copy(buf[:n], seg.data[offsetInSeg:offsetInSeg+n])
		buf = buf[n:]
		offset += int64(n)
	}

	for len(buf) > 0 {
		seg, err := c.getSegment(offset)
		if err != nil {
			return err
		}
		n := min(len(buf), SegmentSize)
		if err := c.makeSegmentValid(seg); err != nil {
			return err
		}
		copy(buf[:n], seg.data[:n])
		buf = buf[n:]
		offset += int64(n)
	}
	return nil
}

// Flush writes back every dirty segment, oldest-access first. This ordering
// mostly preserves the sequencing of writes as laid out by the task graph
// (so that, e.g., an A/B partition switch performed last still lands last),
// with the caveat that cache hits necessarily collapse repeated writes to
// the same region into one.
func (c *Cache) Flush() error {
	ordered := append([]*segment(nil), c.segments[:]...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.inUse != b.inUse {
			return a.inUse
		}
		return a.lastAccess < b.lastAccess
	})

	var first error
	for _, seg := range ordered {
		if err := c.flushSegment(seg); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close waits for any in-flight write, stops the background writer, and
// releases cache memory. Callers that care about data durability must call
// Flush first; Close does not flush.
func (c *Cache) Close() error {
	err := c.finishPendingWrite()
	close(c.publish)
	<-c.closed
	return err
}

// Reset discards every cached segment's contents without writing them back,
// waiting out any write already in flight first (its result is discarded;
// whatever reached the destination before the failure that triggered the
// reset stays there). Used on the way into an apply's on-error handler so
// it starts from the destination's real contents rather than stale cached
// writes the failed run never flushed.
func (c *Cache) Reset() {
	if c.inFlight {
		<-c.done
		c.inFlight = false
	}
	for _, seg := range c.segments {
		seg.inUse = false
		if seg.valid != nil {
			seg.valid.ClearAll()
		}
		if seg.dirty != nil {
			seg.dirty.ClearAll()
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// --- Trim bitmap ---
//
// One bit per segment. A set bit means the segment is known to read back as
// zero without touching the destination, letting reads skip I/O and letting
// partial writes skip the read half of read-modify-write.

func (c *Cache) segmentIndex(offset int64) uint {
	return uint(offset / SegmentSize)
}

func (c *Cache) isTrimmed(offset int64) bool {
	ix := c.segmentIndex(offset)
	if ix >= c.trimmed.Len() {
		return c.trimmedRemainder
	}
	return c.trimmed.Test(ix)
}

func (c *Cache) clearTrimmed(offset int64) {
	ix := c.segmentIndex(offset)
	for c.trimmedRemainder && c.trimmed.Len() <= ix {
		c.trimmed.Set(c.trimmed.Len())
	}
	c.trimmed.Clear(ix)
}

// Trim marks [offset, offset+count) as containing no meaningful data, so
// that future reads in the range return zeros without touching the
// destination. The range is rounded to segment boundaries (outward is never
// assumed: the start is rounded up and the length down), since trimming is
// inherently best effort.
func (c *Cache) Trim(offset, count int64, hwTrim bool) error {
	alignedOffset := alignUp(offset)
	count -= alignedOffset - offset
	count &= segmentMask
	if count <= 0 {
		return nil
	}

	startIx := c.segmentIndex(alignedOffset)
	endIx := startIx + uint(count/SegmentSize)
	for i := startIx; i < endIx; i++ {
		if c.trimmedRemainder && i >= c.trimmed.Len() {
			break // already covered by trimmedRemainder
		}
		c.trimmed.Set(i)
	}

	for _, seg := range c.segments {
		if seg.inUse && seg.offset >= alignedOffset && seg.offset < alignedOffset+count {
			if c.inFlight && c.inFlyOffset == seg.offset {
				if err := c.finishPendingWrite(); err != nil {
					return err
				}
			}
			seg.inUse = false
		}
	}

	if c.hwTrimEnabled && hwTrim && c.trimmer != nil {
		_ = c.trimmer.Trim(alignedOffset, count)
	}
	return nil
}

// TrimAfter marks everything at or beyond offset as trimmed, used at
// startup once the destination's size is known so that reads past the end
// of a sparse image never touch storage.
func (c *Cache) TrimAfter(offset int64, hwTrim bool) error {
	// Segments below offset keep their current state; only those at or
	// beyond it fall under trimmedRemainder.
	for ix := c.segmentIndex(alignUp(offset)); c.trimmed.Len() < ix; {
		i := c.trimmed.Len()
		c.trimmed.Set(i)
		if !c.trimmedRemainder {
			c.trimmed.Clear(i)
		}
	}
	c.trimmedRemainder = true

	for _, seg := range c.segments {
		if seg.inUse && seg.offset >= offset {
			if c.inFlight && c.inFlyOffset == seg.offset {
				if err := c.finishPendingWrite(); err != nil {
					return err
				}
			}
			seg.inUse = false
		}
	}

	return c.Trim(offset, 1<<62, hwTrim)
}
