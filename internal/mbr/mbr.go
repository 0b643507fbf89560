// Package mbr encodes and decodes classic MS-DOS master boot records,
// including the logical-partition (EBR) chain used to go beyond the four
// primary partition slots and the optional Intel OSIP header some embedded
// bootloaders expect in place of bootstrap code.
package mbr

import (
	"encoding/binary"
	"fmt"
)

const (
	// MaxPrimaryPartitions is the number of partition table entries that
	// fit directly in the MBR sector.
	MaxPrimaryPartitions = 4

	// MaxPartitions is the total number of partitions this package manages:
	// 4 primary slots plus up to 12 logical partitions (chained through
	// extended/EBR records) at indices MaxPrimaryPartitions..MaxPartitions-1.
	MaxPartitions = 16

	// SectorSize is the size of an MBR or EBR sector.
	SectorSize = 512

	sectorsPerHead   = 63
	headsPerCylinder = 255

	bootCodeSize = 440
)

// Extended partition type bytes.
const (
	TypeExtendedCHS = 0x05
	TypeExtendedLBA = 0x0f
)

func isExtendedType(t int) bool {
	return t == TypeExtendedCHS || t == TypeExtendedLBA
}

// Partition describes one MBR or logical partition entry.
type Partition struct {
	BootFlag     bool
	PartitionType int
	BlockOffset  uint32
	BlockCount   uint32

	// ExpandFlag requests that BlockCount be grown to consume the rest of
	// the destination at encode time (spec.md's "expand" option).
	ExpandFlag bool

	// RecordOffset is the sector holding this partition's own EBR, used
	// only for logical partitions (index >= MaxPrimaryPartitions).
	RecordOffset uint32
}

func (p Partition) inUse() bool { return p.PartitionType != 0 }

// OSIIDescriptor is one Intel OS Image entry inside an OSIP header.
type OSIIDescriptor struct {
	OSMinor          uint16
	OSMajor          uint16
	StartBlockOffset uint32
	DDRLoadAddress   uint32
	EntryPoint       uint32
	ImageSizeBlocks  uint32
	Attribute        uint8
}

// OSIPHeader is the optional Intel OS Image header written in place of
// bootstrap code at the start of the MBR.
type OSIPHeader struct {
	IncludeOSIP bool
	Minor       uint8
	Major       uint8
	NumPointers uint8
	Descriptors []OSIIDescriptor // index == image number
}

// Table is the full set of partitions (primary and logical) this package
// will encode into an MBR sector plus however many EBR sectors are needed.
type Table struct {
	Partitions            [MaxPartitions]Partition
	NumExtendedPartitions int
}

// RawSector is one encoded 512-byte sector (the MBR itself, or one EBR in
// the logical-partition chain) and the block offset it belongs at.
type RawSector struct {
	BlockOffset uint32
	Data        [SectorSize]byte
}

func lbaToCHS(lba uint32, out []byte) {
	if lba > sectorsPerHead*headsPerCylinder*0x3ff {
		// Can't be represented in CHS form; leave zeroed, matching the
		// original's "don't bother" behavior for huge offsets.
		return
	}
	cylinder := lba / (sectorsPerHead * headsPerCylinder)
	head := uint8((lba / sectorsPerHead) % headsPerCylinder)
	sector := uint8(lba%sectorsPerHead) + 1

	out[0] = head
	out[1] = byte((cylinder&0x300)>>2) | sector
	out[2] = byte(cylinder & 0xff)
}

func expandPartition(in Partition, numBlocks uint32) Partition {
	out := in
	if in.ExpandFlag && numBlocks > in.BlockOffset+in.BlockCount {
		out.BlockCount = numBlocks - in.BlockOffset
	} else {
		out.BlockCount = in.BlockCount
	}
	out.ExpandFlag = false
	return out
}

// expandTable grows any expand-flagged partition to consume the remainder
// of a numBlocks-sized destination. If numBlocks is less than the highest
// partition's extent, the table's own extent is used instead, matching the
// original's "grow to fit whichever is larger" behavior.
func expandTable(in Table, numBlocks uint32) Table {
	for _, p := range in.Partitions {
		if end := p.BlockOffset + p.BlockCount; end > numBlocks {
			numBlocks = end
		}
	}

	out := Table{NumExtendedPartitions: in.NumExtendedPartitions}
	for i, p := range in.Partitions {
		out.Partitions[i] = expandPartition(p, numBlocks)
	}
	return out
}

// Verify checks that table's partitions don't overlap each other or the EBR
// sectors of the logical partitions they contain, per the layout rules a
// real MBR/EBR chain requires.
func Verify(table Table) error {
	expanding := false
	for i := 0; i < MaxPartitions; i++ {
		p := table.Partitions[i]
		if p.PartitionType < 0 || p.PartitionType > 0xff {
			return fmt.Errorf("mbr: invalid partition type %d", p.PartitionType)
		}
		if p.PartitionType == 0 {
			continue
		}

		left, right := p.BlockOffset, p.BlockOffset+p.BlockCount
		if left == right && !p.ExpandFlag {
			continue
		}

		if expanding {
			return fmt.Errorf("mbr: a partition can't be specified after the one with expand=true")
		}
		if p.ExpandFlag && i != 3 && !isExtendedType(p.PartitionType) {
			expanding = true
		}

		for j := i + 1; j < MaxPartitions; j++ {
			jp := table.Partitions[j]
			if jp.PartitionType == 0 {
				continue
			}
			jleft, jright := jp.BlockOffset, jp.BlockOffset+jp.BlockCount
			if jleft == jright {
				continue
			}

			overlapRequired := i == 3 && isExtendedType(p.PartitionType)
			overlaps := !(left >= jright || right <= jleft)
			ebrIOverlaps := p.RecordOffset > 0 && p.RecordOffset >= jleft && p.RecordOffset < jright
			ebrJOverlaps := jp.RecordOffset > 0 && jp.RecordOffset >= left && jp.RecordOffset < right

			if overlaps != overlapRequired {
				if !overlapRequired {
					return fmt.Errorf("mbr: partitions %d (blocks %d-%d) and %d (blocks %d-%d) overlap", i, left, right, j, jleft, jright)
				}
				return fmt.Errorf("mbr: partition 3, the extended partition, is expected to contain partition %d", j)
			}
			if ebrJOverlaps != overlapRequired {
				if !overlapRequired {
					return fmt.Errorf("mbr: partition %d (blocks %d-%d) overlaps the EBR at %d for partition %d", i, left, right, jp.RecordOffset, j)
				}
				return fmt.Errorf("mbr: partition 3, the extended partition, is expected to contain the EBR for partition %d", j)
			}
			if ebrIOverlaps {
				return fmt.Errorf("mbr: partition %d (blocks %d-%d) overlaps the EBR at %d for partition %d", j, jleft, jright, p.RecordOffset, i)
			}
		}
	}
	return nil
}

func createPartitionRecord(p Partition, out []byte) {
	if p.PartitionType > 0 {
		if p.BootFlag {
			out[0] = 0x80
		} else {
			out[0] = 0x00
		}
		lbaToCHS(p.BlockOffset, out[1:4])
		out[4] = byte(p.PartitionType)
		lbaToCHS(p.BlockOffset+p.BlockCount-1, out[5:8])
	} else {
		for i := 0; i < 8; i++ {
			out[i] = 0
		}
	}

	binary.LittleEndian.PutUint32(out[8:12], p.BlockOffset)
	binary.LittleEndian.PutUint32(out[12:16], p.BlockCount)
}

func writeOSIP(osip OSIPHeader, out []byte) error {
	copy(out[0:4], "$OS$")
	out[4] = 0
	out[5] = osip.Minor
	out[6] = osip.Major
	out[7] = 0 // checksum placeholder
	out[8] = osip.NumPointers
	out[9] = uint8(len(osip.Descriptors))

	headerSize := 32 + 24*len(osip.Descriptors)
	if headerSize > bootCodeSize {
		return fmt.Errorf("mbr: too many OSII descriptors for a 440-byte OSIP header")
	}
	binary.LittleEndian.PutUint16(out[10:12], uint16(headerSize))
	for i := 12; i < 32; i++ {
		out[i] = 0
	}

	o := out[32:]
	for _, d := range osip.Descriptors {
		binary.LittleEndian.PutUint16(o[0:2], d.OSMinor)
		binary.LittleEndian.PutUint16(o[2:4], d.OSMajor)
		binary.LittleEndian.PutUint32(o[4:8], d.StartBlockOffset)
		binary.LittleEndian.PutUint32(o[8:12], d.DDRLoadAddress)
		binary.LittleEndian.PutUint32(o[12:16], d.EntryPoint)
		binary.LittleEndian.PutUint32(o[16:20], d.ImageSizeBlocks)
		o[20] = d.Attribute
		o[21], o[22], o[23] = 0, 0, 0
		o = o[24:]
	}

	var sum byte
	for i := 0; i < headerSize; i++ {
		sum ^= out[i]
	}
	out[7] = sum
	return nil
}

// Create encodes table (and, for tables with logical partitions, the EBR
// chain that follows it) into one or more 512-byte sectors. At most one of
// bootstrap (exactly 440 bytes) or osip may be supplied. numBlocks is the
// destination's size in blocks, or 0 if unknown; it's used to resolve any
// expand-flagged partition.
func Create(table Table, bootstrap []byte, osip *OSIPHeader, signature uint32, numBlocks uint32) ([]RawSector, error) {
	if bootstrap != nil && osip != nil && osip.IncludeOSIP {
		return nil, fmt.Errorf("mbr: can't specify both bootstrap code and OSIP")
	}
	if bootstrap != nil && len(bootstrap) != bootCodeSize {
		return nil, fmt.Errorf("mbr: bootstrap code must be exactly %d bytes", bootCodeSize)
	}

	expanded := expandTable(table, numBlocks)
	if err := Verify(expanded); err != nil {
		return nil, err
	}

	var mbrSector RawSector
	raw := mbrSector.Data[:]

	if bootstrap != nil {
		copy(raw[:bootCodeSize], bootstrap)
	}
	if osip != nil && osip.IncludeOSIP {
		if err := writeOSIP(*osip, raw[:bootCodeSize]); err != nil {
			return nil, err
		}
	}

	binary.LittleEndian.PutUint32(raw[440:444], signature)
	raw[444], raw[445] = 0, 0

	for i := 0; i < MaxPrimaryPartitions; i++ {
		createPartitionRecord(expanded.Partitions[i], raw[446+i*16:446+i*16+16])
	}
	raw[510], raw[511] = 0x55, 0xaa

	sectors := []RawSector{mbrSector}

	for i := 0; i < expanded.NumExtendedPartitions; i++ {
		p := expanded.Partitions[MaxPrimaryPartitions+i]

		var ebr RawSector
		ebr.BlockOffset = p.RecordOffset
		data := ebr.Data[:]

		entry := Partition{
			PartitionType: p.PartitionType,
			BlockOffset:   p.BlockOffset - ebr.BlockOffset,
			BlockCount:    p.BlockCount,
		}
		createPartitionRecord(entry, data[446:462])

		if i < expanded.NumExtendedPartitions-1 {
			next := Partition{
				PartitionType: TypeExtendedLBA,
				BlockOffset:   uint32(i + 1),
				BlockCount:    1,
			}
			createPartitionRecord(next, data[462:478])
		}
		data[510], data[511] = 0x55, 0xaa
		sectors = append(sectors, ebr)
	}

	return sectors, nil
}

func readPartitionRecord(in []byte) Partition {
	return Partition{
		BootFlag:      in[0]&0x80 != 0,
		PartitionType: int(in[4]),
		BlockOffset:   binary.LittleEndian.Uint32(in[8:12]),
		BlockCount:    binary.LittleEndian.Uint32(in[12:16]),
	}
}

// Decode reads the four primary partition entries out of a 512-byte MBR
// sector. It does not follow the logical-partition chain -- callers that
// need the logical partitions read each EBR in turn using the primary
// extended partition's geometry.
func Decode(sector []byte) (Table, error) {
	if len(sector) != SectorSize {
		return Table{}, fmt.Errorf("mbr: sector must be %d bytes, got %d", SectorSize, len(sector))
	}
	if sector[510] != 0x55 || sector[511] != 0xaa {
		return Table{}, fmt.Errorf("mbr: missing MBR boot signature")
	}

	var table Table
	for i := 0; i < MaxPrimaryPartitions; i++ {
		table.Partitions[i] = readPartitionRecord(sector[446+i*16 : 446+i*16+16])
	}
	return table, nil
}
