// Package gpt encodes and decodes GUID Partition Tables: the protective
// MBR, primary and secondary 92-byte headers, and the 128-entry x 128-byte
// partition array, including GPT's mixed-endian ("Microsoft GUID") encoding
// of UUIDs.
package gpt

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"unicode/utf16"

	"github.com/google/uuid"
)

const (
	// MaxPartitions mirrors the original implementation's self-imposed cap;
	// GPT itself supports more, but the partition array here is a fixed-size
	// Go array for the same reason the original keeps it on the stack.
	MaxPartitions = 16

	partitionEntrySize   = 128
	partitionTableBlocks = 32
	headerSize           = 92
	nameFieldBytes       = 72 // UTF-16LE, 36 code units

	// SizeBlocks is 1 header block + the partition table blocks.
	SizeBlocks = 1 + partitionTableBlocks

	// BlockSize is the sector size GPT structures are built against.
	BlockSize = 512

	// Size is SizeBlocks expressed in bytes.
	Size = SizeBlocks * BlockSize
)

// Partition is one GPT partition entry.
type Partition struct {
	Valid        bool
	BlockOffset  uint32
	BlockCount   uint32
	Flags        uint64
	PartitionType uuid.UUID
	GUID         uuid.UUID
	Name         string // truncated to 36 UTF-16 code units on encode

	// ExpandFlag requests BlockCount grow to consume the destination.
	ExpandFlag bool
}

// Header is the 92-byte primary or secondary GPT header (excluding its
// own CRC, which encodeHeader computes).
type Header struct {
	CurrentLBA     uint64
	BackupLBA      uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       uuid.UUID
	PartitionLBA   uint64
	NumPartitions  uint32
	PartitionCRC   uint32
}

// toMixedEndian repacks a standard (big-endian, RFC 4122) UUID into the
// little-endian-first-three-fields layout GPT/Microsoft GUIDs use on disk.
func toMixedEndian(u uuid.UUID) [16]byte {
	var out [16]byte
	out[0], out[1], out[2], out[3] = u[3], u[2], u[1], u[0]
	out[4], out[5] = u[5], u[4]
	out[6], out[7] = u[7], u[6]
	copy(out[8:16], u[8:16])
	return out
}

func fromMixedEndian(b []byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:16], b[8:16])
	return u
}

// Verify checks that the valid partitions in the table don't overlap and
// that at most the last one has ExpandFlag set.
func Verify(partitions [MaxPartitions]Partition) error {
	expanding := false
	for i, p := range partitions {
		if !p.Valid {
			continue
		}
		left, right := p.BlockOffset, p.BlockOffset+p.BlockCount
		if left == right && !p.ExpandFlag {
			continue
		}
		if expanding {
			return fmt.Errorf("gpt: a partition can't be specified after the one with expand=true")
		}
		if p.ExpandFlag {
			expanding = true
		}

		for j, jp := range partitions {
			if !jp.Valid || j == i {
				continue
			}
			jleft, jright := jp.BlockOffset, jp.BlockOffset+jp.BlockCount
			if (left >= jleft && left < jright) || (right > jleft && right <= jright) {
				return fmt.Errorf("gpt: partitions %d (blocks %d-%d) and %d (blocks %d-%d) overlap", i, left, right, j, jleft, jright)
			}
		}
	}
	return nil
}

func createProtectiveMBR(numBlocks uint32) [BlockSize]byte {
	var out [BlockSize]byte
	out[446] = 0
	out[446+2] = 0x02
	out[446+4] = 0xee
	out[446+5], out[446+6], out[446+7] = 0xff, 0xff, 0xff
	binary.LittleEndian.PutUint32(out[446+8:446+12], 1)
	binary.LittleEndian.PutUint32(out[446+12:446+16], numBlocks-1)
	out[510], out[511] = 0x55, 0xaa
	return out
}

func encodeName(name string) [nameFieldBytes]byte {
	var out [nameFieldBytes]byte
	units := utf16.Encode([]rune(name))
	if len(units) > 36 {
		units = units[:36]
	}
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], u)
	}
	return out
}

func decodeName(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
	n := 0
	for n < len(units) && units[n] != 0 {
		n++
	}
	return string(utf16.Decode(units[:n]))
}

func encodePartitionEntry(p Partition, numBlocks uint32) [partitionEntrySize]byte {
	var out [partitionEntrySize]byte
	if !p.Valid {
		return out
	}

	blockCount := p.BlockCount
	if p.ExpandFlag && numBlocks > p.BlockOffset+p.BlockCount+SizeBlocks {
		blockCount = numBlocks - SizeBlocks - 1 - p.BlockOffset
	}

	firstLBA := uint64(p.BlockOffset)
	lastLBA := uint64(p.BlockOffset) + uint64(blockCount) - 1

	ptype := toMixedEndian(p.PartitionType)
	pguid := toMixedEndian(p.GUID)
	copy(out[0:16], ptype[:])
	copy(out[16:32], pguid[:])
	binary.LittleEndian.PutUint64(out[32:40], firstLBA)
	binary.LittleEndian.PutUint64(out[40:48], lastLBA)
	binary.LittleEndian.PutUint64(out[48:56], p.Flags)
	name := encodeName(p.Name)
	copy(out[56:56+nameFieldBytes], name[:])
	return out
}

func decodePartitionEntry(b []byte) Partition {
	var zero [16]byte
	if string(b[0:16]) == string(zero[:]) {
		return Partition{}
	}
	first := binary.LittleEndian.Uint64(b[32:40])
	last := binary.LittleEndian.Uint64(b[40:48])
	return Partition{
		Valid:         true,
		PartitionType: fromMixedEndian(b[0:16]),
		GUID:          fromMixedEndian(b[16:32]),
		BlockOffset:   uint32(first),
		BlockCount:    uint32(last - first + 1),
		Flags:         binary.LittleEndian.Uint64(b[48:56]),
		Name:          decodeName(b[56 : 56+nameFieldBytes]),
	}
}

func encodePartitionArray(partitions [MaxPartitions]Partition, numBlocks uint32) []byte {
	out := make([]byte, partitionTableBlocks*BlockSize)
	for i, p := range partitions {
		entry := encodePartitionEntry(p, numBlocks)
		copy(out[i*partitionEntrySize:(i+1)*partitionEntrySize], entry[:])
	}
	return out
}

func encodeHeader(h Header) [BlockSize]byte {
	var out [BlockSize]byte
	copy(out[0:8], "EFI PART")
	binary.LittleEndian.PutUint32(out[8:12], 0x00010000)
	binary.LittleEndian.PutUint32(out[12:16], headerSize)
	// out[16:20] is the header CRC, filled in last.
	binary.LittleEndian.PutUint64(out[24:32], h.CurrentLBA)
	binary.LittleEndian.PutUint64(out[32:40], h.BackupLBA)
	binary.LittleEndian.PutUint64(out[40:48], h.FirstUsableLBA)
	binary.LittleEndian.PutUint64(out[48:56], h.LastUsableLBA)
	diskGUID := toMixedEndian(h.DiskGUID)
	copy(out[56:72], diskGUID[:])
	binary.LittleEndian.PutUint64(out[72:80], h.PartitionLBA)
	binary.LittleEndian.PutUint32(out[80:84], h.NumPartitions)
	binary.LittleEndian.PutUint32(out[84:88], partitionEntrySize)
	binary.LittleEndian.PutUint32(out[88:92], h.PartitionCRC)

	crc := crc32.ChecksumIEEE(out[:headerSize])
	binary.LittleEndian.PutUint32(out[16:20], crc)
	return out
}

// Table is the GPT layout to encode: the disk GUID and partition set. The
// destination size is not part of it; Create takes it as numBlocks.
type Table struct {
	DiskGUID   uuid.UUID
	Partitions [MaxPartitions]Partition
}

func computeNumBlocks(partitions [MaxPartitions]Partition) uint32 {
	var numBlocks uint32
	for _, p := range partitions {
		if p.Valid {
			if end := p.BlockOffset + p.BlockCount; end > numBlocks {
				numBlocks = end
			}
		}
	}
	return numBlocks + SizeBlocks + 1
}

// Encoded is the result of Create: the protective MBR + primary GPT
// (header + partition array, laid out starting at LBA 0) and the secondary
// GPT (partition array + header, at the end of the disk), plus the byte
// offset at which the secondary GPT must be written.
type Encoded struct {
	MBRAndPrimaryGPT []byte // BlockSize + Size bytes: MBR, primary header, primary array
	SecondaryGPT     []byte // Size bytes: secondary array, secondary header
	SecondaryOffset  int64
}

// Create builds the protective MBR, primary GPT, and secondary GPT for
// table. numBlocks is the destination size in blocks, or 0 to compute it
// from the partition layout.
func Create(table Table, numBlocks uint32) (Encoded, error) {
	if err := Verify(table.Partitions); err != nil {
		return Encoded{}, err
	}
	if numBlocks == 0 {
		numBlocks = computeNumBlocks(table.Partitions)
	}

	mbr := createProtectiveMBR(numBlocks)

	primaryArray := encodePartitionArray(table.Partitions, numBlocks)
	secondaryArray := encodePartitionArray(table.Partitions, numBlocks)

	numPartitions := uint32(partitionTableBlocks * BlockSize / partitionEntrySize)
	partitionCRC := crc32.ChecksumIEEE(secondaryArray)

	firstUsable := uint64(1 + SizeBlocks)
	lastUsable := uint64(numBlocks) - SizeBlocks - 1

	primaryHeader := encodeHeader(Header{
		CurrentLBA:     1,
		BackupLBA:      uint64(numBlocks) - 1,
		FirstUsableLBA: firstUsable,
		LastUsableLBA:  lastUsable,
		DiskGUID:       table.DiskGUID,
		PartitionLBA:   2,
		NumPartitions:  numPartitions,
		PartitionCRC:   partitionCRC,
	})

	secondaryPartitionLBA := uint64(numBlocks) - SizeBlocks
	secondaryHeader := encodeHeader(Header{
		CurrentLBA:     uint64(numBlocks) - 1,
		BackupLBA:      1,
		FirstUsableLBA: firstUsable,
		LastUsableLBA:  lastUsable,
		DiskGUID:       table.DiskGUID,
		PartitionLBA:   secondaryPartitionLBA,
		NumPartitions:  numPartitions,
		PartitionCRC:   partitionCRC,
	})

	mbrAndPrimary := make([]byte, BlockSize+Size)
	copy(mbrAndPrimary[0:BlockSize], mbr[:])
	copy(mbrAndPrimary[BlockSize:2*BlockSize], primaryHeader[:])
	copy(mbrAndPrimary[2*BlockSize:], primaryArray)

	secondary := make([]byte, Size)
	copy(secondary[0:len(secondaryArray)], secondaryArray)
	copy(secondary[Size-BlockSize:], secondaryHeader[:])

	return Encoded{
		MBRAndPrimaryGPT: mbrAndPrimary,
		SecondaryGPT:     secondary,
		SecondaryOffset:  int64(secondaryPartitionLBA) * BlockSize,
	}, nil
}

// DecodeHeader parses a 512-byte GPT header sector.
func DecodeHeader(sector []byte) (Header, error) {
	if len(sector) < BlockSize {
		return Header{}, fmt.Errorf("gpt: header sector must be %d bytes", BlockSize)
	}
	if string(sector[0:8]) != "EFI PART" {
		return Header{}, fmt.Errorf("gpt: missing EFI PART signature")
	}

	stored := binary.LittleEndian.Uint32(sector[16:20])
	check := make([]byte, headerSize)
	copy(check, sector[:headerSize])
	binary.LittleEndian.PutUint32(check[16:20], 0)
	if crc32.ChecksumIEEE(check) != stored {
		return Header{}, fmt.Errorf("gpt: header CRC-32 mismatch")
	}

	return Header{
		CurrentLBA:     binary.LittleEndian.Uint64(sector[24:32]),
		BackupLBA:      binary.LittleEndian.Uint64(sector[32:40]),
		FirstUsableLBA: binary.LittleEndian.Uint64(sector[40:48]),
		LastUsableLBA:  binary.LittleEndian.Uint64(sector[48:56]),
		DiskGUID:       fromMixedEndian(sector[56:72]),
		PartitionLBA:   binary.LittleEndian.Uint64(sector[72:80]),
		NumPartitions:  binary.LittleEndian.Uint32(sector[80:84]),
		PartitionCRC:   binary.LittleEndian.Uint32(sector[88:92]),
	}, nil
}

// DecodePartitionArray parses a GPT partition array (header.NumPartitions
// entries of 128 bytes each, verified by the caller against PartitionCRC).
func DecodePartitionArray(data []byte, numPartitions uint32) ([]Partition, error) {
	if uint32(len(data)) < numPartitions*partitionEntrySize {
		return nil, fmt.Errorf("gpt: partition array too short")
	}
	out := make([]Partition, 0, numPartitions)
	for i := uint32(0); i < numPartitions; i++ {
		entry := data[i*partitionEntrySize : (i+1)*partitionEntrySize]
		p := decodePartitionEntry(entry)
		if p.Valid {
			out = append(out, p)
		}
	}
	return out, nil
}
