// Package fatfs implements a simplified FAT16/FAT32 driver: enough of the
// on-disk format to format a partition, create directories, and write,
// rename, remove, and stat short (8.3) named files -- the operations
// fwup's function dispatcher actually needs. It is not a general-purpose
// FAT implementation: there is no long-filename (VFAT) support, and FAT12
// is not produced by Mkfs.
//
// All I/O goes through internal/blockcache in 512-byte-sector units, not
// directly against an *os.File, since the driver operates on a region of a
// shared destination rather than owning a whole device.
package fatfs

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/fwup-go/fwup/internal/blockcache"
)

const (
	sectorSize = 512

	attrReadOnly = 0x01
	attrHidden   = 0x02
	attrSystem   = 0x04
	attrVolumeID = 0x08
	attrDirectory = 0x10
	attrArchive  = 0x20

	dirEntrySize = 32

	freeEntry   = 0x00
	deletedMark = 0xe5

	eocFAT16 = 0xffff
	eocFAT32 = 0x0fffffff
)

// Type identifies which FAT variant a filesystem was formatted as.
type Type int

const (
	FAT16 Type = 16
	FAT32 Type = 32
)

// Filesystem is an open FAT16 or FAT32 volume living at a byte offset
// inside a Cache-backed destination.
type Filesystem struct {
	cache  *blockcache.Cache
	base   int64 // byte offset of the volume's boot sector within the destination
	fsType Type

	bytesPerSector    uint16
	sectorsPerCluster uint8
	reservedSectors   uint16
	numFATs           uint8
	rootEntryCount    uint16 // FAT16 only
	totalSectors      uint32
	sectorsPerFAT     uint32
	rootCluster       uint32 // FAT32 only

	fatStartSector  uint32
	rootDirSector   uint32 // FAT16 only
	rootDirSectors  uint32 // FAT16 only
	dataStartSector uint32
}

func (fs *Filesystem) sectorOffset(sector uint32) int64 {
	return fs.base + int64(sector)*sectorSize
}

func (fs *Filesystem) readSector(sector uint32) ([]byte, error) {
	buf := make([]byte, sectorSize)
	if err := fs.cache.PRead(buf, fs.sectorOffset(sector)); err != nil {
		return nil, fmt.Errorf("fatfs: reading sector %d: %w", sector, err)
	}
	return buf, nil
}

func (fs *Filesystem) writeSector(sector uint32, buf []byte) error {
	if err := fs.cache.PWrite(buf, fs.sectorOffset(sector), false); err != nil {
		return fmt.Errorf("fatfs: writing sector %d: %w", sector, err)
	}
	return nil
}

// Mkfs formats sectorCount sectors starting at baseOffset (a byte offset
// into the destination) as FAT16 or FAT32, choosing the variant by the
// same cluster-count thresholds as Microsoft's FAT spec, and writes an
// empty root directory with the given volume label.
func Mkfs(cache *blockcache.Cache, baseOffset int64, sectorCount uint32, label string) (*Filesystem, error) {
	sectorsPerCluster, fsType := chooseGeometry(sectorCount)

	fs := &Filesystem{
		cache:             cache,
		base:              baseOffset,
		fsType:            fsType,
		bytesPerSector:    sectorSize,
		sectorsPerCluster: sectorsPerCluster,
		reservedSectors:   reservedSectorsFor(fsType),
		numFATs:           2,
		totalSectors:      sectorCount,
	}

	if fsType == FAT16 {
		fs.rootEntryCount = 512
		fs.rootDirSectors = uint32(fs.rootEntryCount) * dirEntrySize / sectorSize
	} else {
		fs.rootCluster = 2
	}

	fs.sectorsPerFAT = computeSectorsPerFAT(fs)
	fs.fatStartSector = uint32(fs.reservedSectors)
	fs.rootDirSector = fs.fatStartSector + uint32(fs.numFATs)*fs.sectorsPerFAT
	fs.dataStartSector = fs.rootDirSector + fs.rootDirSectors

	if err := fs.writeBootSector(); err != nil {
		return nil, err
	}
	if err := fs.zeroRegion(fs.fatStartSector, uint32(fs.numFATs)*fs.sectorsPerFAT); err != nil {
		return nil, err
	}
	if err := fs.initFATReservedEntries(); err != nil {
		return nil, err
	}

	if fsType == FAT16 {
		if err := fs.zeroRegion(fs.rootDirSector, fs.rootDirSectors); err != nil {
			return nil, err
		}
	} else {
		if err := fs.zeroCluster(fs.rootCluster); err != nil {
			return nil, err
		}
		if err := fs.setFAT(fs.rootCluster, eocFAT32); err != nil {
			return nil, err
		}
	}

	if label != "" {
		if err := fs.SetLabel(label); err != nil {
			return nil, err
		}
	}

	return fs, nil
}

func chooseGeometry(sectorCount uint32) (uint8, Type) {
	switch {
	case sectorCount < 32680:
		return 1, FAT16
	case sectorCount < 1048576:
		return 4, FAT16
	default:
		return 8, FAT32
	}
}

func reservedSectorsFor(t Type) uint16 {
	if t == FAT32 {
		return 32
	}
	return 1
}

func computeSectorsPerFAT(fs *Filesystem) uint32 {
	rootDirSectors := fs.rootDirSectors
	entrySize := uint32(2)
	if fs.fsType == FAT32 {
		entrySize = 4
	}
	dataSectors := fs.totalSectors - uint32(fs.reservedSectors) - rootDirSectors
	clusterCount := dataSectors / uint32(fs.sectorsPerCluster)
	return (clusterCount*entrySize + sectorSize - 1) / sectorSize
}

// Open reads an existing FAT16/FAT32 boot sector at baseOffset.
func Open(cache *blockcache.Cache, baseOffset int64) (*Filesystem, error) {
	fs := &Filesystem{cache: cache, base: baseOffset}
	boot, err := fs.readSector(0)
	if err != nil {
		return nil, err
	}
	if boot[510] != 0x55 || boot[511] != 0xaa {
		return nil, fmt.Errorf("fatfs: missing boot sector signature")
	}

	fs.bytesPerSector = binary.LittleEndian.Uint16(boot[11:13])
	fs.sectorsPerCluster = boot[13]
	fs.reservedSectors = binary.LittleEndian.Uint16(boot[14:16])
	fs.numFATs = boot[16]
	fs.rootEntryCount = binary.LittleEndian.Uint16(boot[17:19])
	totalSectors16 := binary.LittleEndian.Uint16(boot[19:21])
	sectorsPerFAT16 := binary.LittleEndian.Uint16(boot[22:24])
	totalSectors32 := binary.LittleEndian.Uint32(boot[32:36])

	if sectorsPerFAT16 != 0 {
		fs.fsType = FAT16
		fs.sectorsPerFAT = uint32(sectorsPerFAT16)
	} else {
		fs.fsType = FAT32
		fs.sectorsPerFAT = binary.LittleEndian.Uint32(boot[36:40])
		fs.rootCluster = binary.LittleEndian.Uint32(boot[44:48])
	}
	if totalSectors16 != 0 {
		fs.totalSectors = uint32(totalSectors16)
	} else {
		fs.totalSectors = totalSectors32
	}

	fs.rootDirSectors = uint32(fs.rootEntryCount) * dirEntrySize / sectorSize
	fs.fatStartSector = uint32(fs.reservedSectors)
	fs.rootDirSector = fs.fatStartSector + uint32(fs.numFATs)*fs.sectorsPerFAT
	fs.dataStartSector = fs.rootDirSector + fs.rootDirSectors

	return fs, nil
}

func (fs *Filesystem) writeBootSector() error {
	b := make([]byte, sectorSize)
	b[0] = 0xeb
	b[1] = 0x3c
	b[2] = 0x90
	copy(b[3:11], "FWUPGO  ")
	binary.LittleEndian.PutUint16(b[11:13], fs.bytesPerSector)
	b[13] = fs.sectorsPerCluster
	binary.LittleEndian.PutUint16(b[14:16], fs.reservedSectors)
	b[16] = fs.numFATs
	binary.LittleEndian.PutUint16(b[17:19], fs.rootEntryCount)
	if fs.totalSectors < 0x10000 {
		binary.LittleEndian.PutUint16(b[19:21], uint16(fs.totalSectors))
	}
	b[21] = 0xf8 // media descriptor: fixed disk
	if fs.fsType == FAT16 {
		binary.LittleEndian.PutUint16(b[22:24], uint16(fs.sectorsPerFAT))
	}
	binary.LittleEndian.PutUint16(b[24:26], 63) // sectors per track
	binary.LittleEndian.PutUint16(b[26:28], 255) // heads
	binary.LittleEndian.PutUint32(b[28:32], 0)   // hidden sectors
	if fs.totalSectors >= 0x10000 || fs.fsType == FAT32 {
		binary.LittleEndian.PutUint32(b[32:36], fs.totalSectors)
	}

	if fs.fsType == FAT32 {
		binary.LittleEndian.PutUint32(b[36:40], fs.sectorsPerFAT)
		binary.LittleEndian.PutUint32(b[44:48], fs.rootCluster)
		binary.LittleEndian.PutUint16(b[48:50], 1) // FSInfo sector
		b[66] = 0x29                                // extended boot signature
		copy(b[71:82], "NO NAME    ")
		copy(b[82:90], "FAT32   ")
	} else {
		b[38] = 0x29
		copy(b[43:54], "NO NAME    ")
		copy(b[54:62], "FAT16   ")
	}

	b[510], b[511] = 0x55, 0xaa
	return fs.writeSector(0, b)
}

func (fs *Filesystem) zeroRegion(startSector, count uint32) error {
	zero := make([]byte, sectorSize)
	for i := uint32(0); i < count; i++ {
		if err := fs.writeSector(startSector+i, zero); err != nil {
			return err
		}
	}
	return nil
}

func (fs *Filesystem) clusterStartSector(cluster uint32) uint32 {
	return fs.dataStartSector + (cluster-2)*uint32(fs.sectorsPerCluster)
}

func (fs *Filesystem) zeroCluster(cluster uint32) error {
	return fs.zeroRegion(fs.clusterStartSector(cluster), uint32(fs.sectorsPerCluster))
}

func (fs *Filesystem) initFATReservedEntries() error {
	if fs.fsType == FAT16 {
		if err := fs.setFAT(0, 0xfff8); err != nil {
			return err
		}
		return fs.setFAT(1, eocFAT16)
	}
	if err := fs.setFAT(0, 0x0ffffff8); err != nil {
		return err
	}
	return fs.setFAT(1, eocFAT32)
}

func (fs *Filesystem) fatEntryLocation(cluster uint32) (sector uint32, offset uint32) {
	if fs.fsType == FAT16 {
		byteOffset := cluster * 2
		return fs.fatStartSector + byteOffset/sectorSize, byteOffset % sectorSize
	}
	byteOffset := cluster * 4
	return fs.fatStartSector + byteOffset/sectorSize, byteOffset % sectorSize
}

func (fs *Filesystem) readFAT(cluster uint32) (uint32, error) {
	sector, offset := fs.fatEntryLocation(cluster)
	buf, err := fs.readSector(sector)
	if err != nil {
		return 0, err
	}
	if fs.fsType == FAT16 {
		return uint32(binary.LittleEndian.Uint16(buf[offset : offset+2])), nil
	}
	return binary.LittleEndian.Uint32(buf[offset:offset+4]) & 0x0fffffff, nil
}

func (fs *Filesystem) setFAT(cluster, value uint32) error {
	for copyIx := uint8(0); copyIx < fs.numFATs; copyIx++ {
		sector, offset := fs.fatEntryLocation(cluster)
		sector += copyIx * fs.sectorsPerFAT
		buf, err := fs.readSector(sector)
		if err != nil {
			return err
		}
		if fs.fsType == FAT16 {
			binary.LittleEndian.PutUint16(buf[offset:offset+2], uint16(value))
		} else {
			v := binary.LittleEndian.Uint32(buf[offset:offset+4])
			v = (v & 0xf0000000) | (value & 0x0fffffff)
			binary.LittleEndian.PutUint32(buf[offset:offset+4], v)
		}
		if err := fs.writeSector(sector, buf); err != nil {
			return err
		}
	}
	return nil
}

func (fs *Filesystem) isEOC(entry uint32) bool {
	if fs.fsType == FAT16 {
		return entry >= 0xfff8
	}
	return entry >= 0x0ffffff8
}

// chainSectors returns the sector numbers making up the cluster chain
// starting at startCluster.
func (fs *Filesystem) chainSectors(startCluster uint32) ([]uint32, error) {
	var sectors []uint32
	cluster := startCluster
	seen := make(map[uint32]bool)
	for cluster != 0 && !fs.isEOC(cluster) {
		if seen[cluster] {
			return nil, fmt.Errorf("fatfs: cluster chain loop detected at cluster %d", cluster)
		}
		seen[cluster] = true
		start := fs.clusterStartSector(cluster)
		for i := uint32(0); i < uint32(fs.sectorsPerCluster); i++ {
			sectors = append(sectors, start+i)
		}
		next, err := fs.readFAT(cluster)
		if err != nil {
			return nil, err
		}
		cluster = next
	}
	return sectors, nil
}

// allocateChain finds numClusters free clusters (FAT entry == 0), links
// them into a chain terminated by EOC, and returns the first cluster.
func (fs *Filesystem) allocateChain(numClusters int) (uint32, error) {
	if numClusters == 0 {
		return 0, nil
	}
	totalClusters := (fs.totalSectors - fs.dataStartSector) / uint32(fs.sectorsPerCluster)

	var chain []uint32
	for c := uint32(2); c < totalClusters+2 && len(chain) < numClusters; c++ {
		entry, err := fs.readFAT(c)
		if err != nil {
			return 0, err
		}
		if entry == 0 {
			chain = append(chain, c)
		}
	}
	if len(chain) < numClusters {
		return 0, fmt.Errorf("fatfs: not enough free clusters (need %d, found %d)", numClusters, len(chain))
	}

	for i, c := range chain {
		if i == len(chain)-1 {
			if err := fs.setFAT(c, eocMarker(fs.fsType)); err != nil {
				return 0, err
			}
		} else if err := fs.setFAT(c, chain[i+1]); err != nil {
			return 0, err
		}
	}
	return chain[0], nil
}

func eocMarker(t Type) uint32 {
	if t == FAT16 {
		return eocFAT16
	}
	return eocFAT32
}

func (fs *Filesystem) freeChain(startCluster uint32) error {
	cluster := startCluster
	for cluster != 0 && !fs.isEOC(cluster) {
		next, err := fs.readFAT(cluster)
		if err != nil {
			return err
		}
		if err := fs.setFAT(cluster, 0); err != nil {
			return err
		}
		cluster = next
	}
	return nil
}

func fatTime(t time.Time) (date, tm uint16) {
	date = uint16((t.Year()-1980)<<9 | int(t.Month())<<5 | t.Day())
	tm = uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
	return
}

// shortName encodes a filename into FAT's fixed 11-byte 8.3 short-name
// field, upper-casing and rejecting names that don't fit -- long names are
// out of scope for this simplified driver.
func shortName(name string) ([11]byte, error) {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	base, ext, _ := strings.Cut(name, ".")
	base = strings.ToUpper(base)
	ext = strings.ToUpper(ext)
	if len(base) > 8 || len(ext) > 3 {
		return out, fmt.Errorf("fatfs: %q is not a valid 8.3 short name", name)
	}
	copy(out[0:8], base)
	copy(out[8:11], ext)
	return out, nil
}

func decodeShortName(b [11]byte) string {
	base := strings.TrimRight(string(b[0:8]), " ")
	ext := strings.TrimRight(string(b[8:11]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// directoryEntry is one 32-byte short-name FAT directory entry, modeled on
// the teacher's fixed-offset byte-codec structs (directoryEntryFromBytes /
// toBytes in filesystem/ext4/directoryentry.go).
type directoryEntry struct {
	name       [11]byte
	attr       byte
	crtDate    uint16
	crtTime    uint16
	lstAccDate uint16
	fstClusHi  uint16
	wrtTime    uint16
	wrtDate    uint16
	fstClusLo  uint16
	fileSize   uint32
}

func directoryEntryFromBytes(b []byte) (*directoryEntry, error) {
	if len(b) < dirEntrySize {
		return nil, fmt.Errorf("fatfs: directory entry buffer too short")
	}
	de := &directoryEntry{attr: b[11]}
	copy(de.name[:], b[0:11])
	de.crtTime = binary.LittleEndian.Uint16(b[14:16])
	de.crtDate = binary.LittleEndian.Uint16(b[16:18])
	de.lstAccDate = binary.LittleEndian.Uint16(b[18:20])
	de.fstClusHi = binary.LittleEndian.Uint16(b[20:22])
	de.wrtTime = binary.LittleEndian.Uint16(b[22:24])
	de.wrtDate = binary.LittleEndian.Uint16(b[24:26])
	de.fstClusLo = binary.LittleEndian.Uint16(b[26:28])
	de.fileSize = binary.LittleEndian.Uint32(b[28:32])
	return de, nil
}

func (de *directoryEntry) toBytes() []byte {
	b := make([]byte, dirEntrySize)
	copy(b[0:11], de.name[:])
	b[11] = de.attr
	binary.LittleEndian.PutUint16(b[14:16], de.crtTime)
	binary.LittleEndian.PutUint16(b[16:18], de.crtDate)
	binary.LittleEndian.PutUint16(b[18:20], de.lstAccDate)
	binary.LittleEndian.PutUint16(b[20:22], de.fstClusHi)
	binary.LittleEndian.PutUint16(b[22:24], de.wrtTime)
	binary.LittleEndian.PutUint16(b[24:26], de.wrtDate)
	binary.LittleEndian.PutUint16(b[26:28], de.fstClusLo)
	binary.LittleEndian.PutUint32(b[28:32], de.fileSize)
	return b
}

func (de *directoryEntry) cluster() uint32 {
	return uint32(de.fstClusHi)<<16 | uint32(de.fstClusLo)
}

func (de *directoryEntry) setCluster(c uint32) {
	de.fstClusHi = uint16(c >> 16)
	de.fstClusLo = uint16(c & 0xffff)
}

func (de *directoryEntry) isFree() bool {
	return de.name[0] == freeEntry || de.name[0] == deletedMark
}

// rootDirSectorList returns the sector numbers making up the root
// directory: a fixed run for FAT16, or the root cluster's chain for FAT32.
func (fs *Filesystem) rootDirSectorList() ([]uint32, error) {
	if fs.fsType == FAT16 {
		sectors := make([]uint32, fs.rootDirSectors)
		for i := range sectors {
			sectors[i] = fs.rootDirSector + uint32(i)
		}
		return sectors, nil
	}
	return fs.chainSectors(fs.rootCluster)
}

// findEntry scans the root directory for name (case-insensitive 8.3
// comparison) and returns the sector and in-sector byte offset of its
// entry along with the decoded entry itself.
func (fs *Filesystem) findEntry(name string) (uint32, int, *directoryEntry, error) {
	want, err := shortName(name)
	if err != nil {
		return 0, 0, nil, err
	}
	sectors, err := fs.rootDirSectorList()
	if err != nil {
		return 0, 0, nil, err
	}
	for _, sector := range sectors {
		buf, err := fs.readSector(sector)
		if err != nil {
			return 0, 0, nil, err
		}
		for off := 0; off+dirEntrySize <= len(buf); off += dirEntrySize {
			if buf[off] == freeEntry {
				continue
			}
			de, err := directoryEntryFromBytes(buf[off : off+dirEntrySize])
			if err != nil {
				return 0, 0, nil, err
			}
			if de.isFree() {
				continue
			}
			if de.name == want {
				return sector, off, de, nil
			}
		}
	}
	return 0, 0, nil, fmt.Errorf("fatfs: %q not found", name)
}

// allocateEntry finds a free slot in the root directory (extending a FAT32
// root's cluster chain if every existing cluster is full) and returns the
// sector and in-sector offset to write the new entry at.
func (fs *Filesystem) allocateEntry() (uint32, int, error) {
	sectors, err := fs.rootDirSectorList()
	if err != nil {
		return 0, 0, err
	}
	for _, sector := range sectors {
		buf, err := fs.readSector(sector)
		if err != nil {
			return 0, 0, err
		}
		for off := 0; off+dirEntrySize <= len(buf); off += dirEntrySize {
			if buf[off] == freeEntry || buf[off] == deletedMark {
				return sector, off, nil
			}
		}
	}
	if fs.fsType == FAT16 {
		return 0, 0, fmt.Errorf("fatfs: root directory full (FAT16 root is fixed-size)")
	}

	lastClusterNum, err := fs.lastClusterOfChain(fs.rootCluster)
	if err != nil {
		return 0, 0, err
	}
	newCluster, err := fs.allocateChain(1)
	if err != nil {
		return 0, 0, err
	}
	if err := fs.zeroCluster(newCluster); err != nil {
		return 0, 0, err
	}
	if err := fs.setFAT(lastClusterNum, newCluster); err != nil {
		return 0, 0, err
	}
	return fs.clusterStartSector(newCluster), 0, nil
}

func (fs *Filesystem) lastClusterOfChain(start uint32) (uint32, error) {
	cluster := start
	for {
		next, err := fs.readFAT(cluster)
		if err != nil {
			return 0, err
		}
		if fs.isEOC(next) {
			return cluster, nil
		}
		cluster = next
	}
}

func (fs *Filesystem) writeEntryAt(sector uint32, off int, de *directoryEntry) error {
	buf, err := fs.readSector(sector)
	if err != nil {
		return err
	}
	copy(buf[off:off+dirEntrySize], de.toBytes())
	return fs.writeSector(sector, buf)
}

// Mkdir creates a subdirectory of the root directory named name, with
// self (".") and parent ("..") entries pointing at itself and the root.
func (fs *Filesystem) Mkdir(name string) error {
	if ok, err := fs.Exists(name); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("fatfs: %q already exists", name)
	}

	cluster, err := fs.allocateChain(1)
	if err != nil {
		return fmt.Errorf("fatfs: Mkdir %q: %w", name, err)
	}
	if err := fs.zeroCluster(cluster); err != nil {
		return err
	}

	date, tm := fatTime(time.Now())
	self := &directoryEntry{attr: attrDirectory, crtDate: date, crtTime: tm, wrtDate: date, wrtTime: tm}
	copy(self.name[:], ".          ")
	self.setCluster(cluster)
	parent := &directoryEntry{attr: attrDirectory, crtDate: date, crtTime: tm, wrtDate: date, wrtTime: tm}
	copy(parent.name[:], "..         ")
	parent.setCluster(0)

	dirSector := fs.clusterStartSector(cluster)
	if err := fs.writeEntryAt(dirSector, 0, self); err != nil {
		return err
	}
	if err := fs.writeEntryAt(dirSector, dirEntrySize, parent); err != nil {
		return err
	}

	sector, off, err := fs.allocateEntry()
	if err != nil {
		return err
	}
	short, err := shortName(name)
	if err != nil {
		return err
	}
	entry := &directoryEntry{name: short, attr: attrDirectory, crtDate: date, crtTime: tm, wrtDate: date, wrtTime: tm}
	entry.setCluster(cluster)
	return fs.writeEntryAt(sector, off, entry)
}

// Exists reports whether name has an entry in the root directory.
func (fs *Filesystem) Exists(name string) (bool, error) {
	_, _, _, err := fs.findEntry(name)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// WriteFile writes data to name starting at byte offset off, creating the
// file (and allocating its first cluster) if it doesn't already exist.
// Writing at a nonzero offset into a new file zero-fills the gap.
func (fs *Filesystem) WriteFile(name string, off int64, data []byte) error {
	sector, entOff, de, err := fs.findEntry(name)
	isNew := err != nil
	var short [11]byte
	if isNew {
		short, err = shortName(name)
		if err != nil {
			return err
		}
		date, tm := fatTime(time.Now())
		de = &directoryEntry{name: short, attr: attrArchive, crtDate: date, crtTime: tm, wrtDate: date, wrtTime: tm}
		sector, entOff, err = fs.allocateEntry()
		if err != nil {
			return err
		}
		if off > 0 {
			data = append(make([]byte, off), data...)
			off = 0
		}
	}

	clusterSize := int64(fs.sectorsPerCluster) * sectorSize
	needed := off + int64(len(data))
	cluster := de.cluster()

	if cluster == 0 && needed > 0 {
		cluster, err = fs.allocateChain(1)
		if err != nil {
			return err
		}
		de.setCluster(cluster)
	}

	clustersNeeded := (needed + clusterSize - 1) / clusterSize
	existing, err := fs.chainLength(cluster)
	if err != nil {
		return err
	}
	for int64(existing) < clustersNeeded {
		next, err := fs.allocateChain(1)
		if err != nil {
			return err
		}
		last, err := fs.lastClusterOfChain(cluster)
		if err != nil {
			return err
		}
		if err := fs.setFAT(last, next); err != nil {
			return err
		}
		existing++
	}

	if len(data) > 0 {
		if err := fs.writeClusterChainData(cluster, off, data); err != nil {
			return err
		}
	}

	if newSize := off + int64(len(data)); newSize > int64(de.fileSize) {
		de.fileSize = uint32(newSize)
	}
	date, tm := fatTime(time.Now())
	de.wrtDate, de.wrtTime = date, tm
	return fs.writeEntryAt(sector, entOff, de)
}

// writeClusterChainData writes data at byte offset off within the byte
// stream addressed by cluster's chain. Clusters allocated by allocateChain
// are taken in increasing cluster-number order, so a chain grown from an
// empty file is contiguous on disk; this lets the simplified driver treat
// the chain as one flat byte range instead of walking it cluster by
// cluster, at the cost of not handling a chain fragmented by prior
// allocation and removal of other files. Sectors that data only partly
// covers are read first, so the cache is always written whole sectors.
func (fs *Filesystem) writeClusterChainData(cluster uint32, off int64, data []byte) error {
	sectors, err := fs.chainSectors(cluster)
	if err != nil {
		return err
	}
	if len(sectors) == 0 {
		return fmt.Errorf("fatfs: empty cluster chain")
	}
	start := fs.sectorOffset(sectors[0]) + off
	alignedStart := start &^ (sectorSize - 1)
	alignedEnd := (start + int64(len(data)) + sectorSize - 1) &^ (sectorSize - 1)
	buf := make([]byte, alignedEnd-alignedStart)
	if err := fs.cache.PRead(buf, alignedStart); err != nil {
		return err
	}
	copy(buf[start-alignedStart:], data)
	return fs.cache.PWrite(buf, alignedStart, false)
}

// ReadFile returns the full contents of name.
func (fs *Filesystem) ReadFile(name string) ([]byte, error) {
	_, _, de, err := fs.findEntry(name)
	if err != nil {
		return nil, err
	}
	if de.fileSize == 0 {
		return nil, nil
	}
	sectors, err := fs.chainSectors(de.cluster())
	if err != nil {
		return nil, err
	}
	if len(sectors) == 0 {
		return nil, nil
	}
	buf := make([]byte, de.fileSize)
	if err := fs.cache.PRead(buf, fs.sectorOffset(sectors[0])); err != nil {
		return nil, err
	}
	return buf, nil
}

// Truncate sets name's recorded size to size bytes. The cluster chain is
// left as it is: clusters past the new size are not freed, and no clusters
// are allocated when the size grows.
func (fs *Filesystem) Truncate(name string, size int64) error {
	sector, off, de, err := fs.findEntry(name)
	if err != nil {
		return err
	}
	de.fileSize = uint32(size)
	return fs.writeEntryAt(sector, off, de)
}

func (fs *Filesystem) chainLength(cluster uint32) (int, error) {
	if cluster == 0 {
		return 0, nil
	}
	n := 0
	c := cluster
	for c != 0 && !fs.isEOC(c) {
		n++
		next, err := fs.readFAT(c)
		if err != nil {
			return 0, err
		}
		c = next
	}
	return n, nil
}

// Remove deletes name's directory entry and frees its cluster chain.
func (fs *Filesystem) Remove(name string) error {
	sector, off, de, err := fs.findEntry(name)
	if err != nil {
		return err
	}
	if err := fs.freeChain(de.cluster()); err != nil {
		return err
	}
	buf, err := fs.readSector(sector)
	if err != nil {
		return err
	}
	buf[off] = deletedMark
	return fs.writeSector(sector, buf)
}

// Move renames oldName to newName in place, without moving its data.
func (fs *Filesystem) Move(oldName, newName string) error {
	sector, off, de, err := fs.findEntry(oldName)
	if err != nil {
		return err
	}
	if ok, _ := fs.Exists(newName); ok {
		return fmt.Errorf("fatfs: %q already exists", newName)
	}
	short, err := shortName(newName)
	if err != nil {
		return err
	}
	de.name = short
	return fs.writeEntryAt(sector, off, de)
}

// Touch creates an empty file if name doesn't exist, or updates its
// modification time if it does.
func (fs *Filesystem) Touch(name string) error {
	sector, off, de, err := fs.findEntry(name)
	if err != nil {
		return fs.WriteFile(name, 0, nil)
	}
	date, tm := fatTime(time.Now())
	de.wrtDate, de.wrtTime = date, tm
	return fs.writeEntryAt(sector, off, de)
}

// Attrib sets name's FAT attribute byte directly (read-only, hidden,
// system, archive).
func (fs *Filesystem) Attrib(name string, attr byte) error {
	sector, off, de, err := fs.findEntry(name)
	if err != nil {
		return err
	}
	de.attr = attr
	return fs.writeEntryAt(sector, off, de)
}

// SetLabel writes (or replaces) the volume-label entry in the root
// directory.
func (fs *Filesystem) SetLabel(label string) error {
	short, err := shortName(label)
	if err != nil {
		return err
	}
	sectors, err := fs.rootDirSectorList()
	if err != nil {
		return err
	}
	for _, sector := range sectors {
		buf, err := fs.readSector(sector)
		if err != nil {
			return err
		}
		for o := 0; o+dirEntrySize <= len(buf); o += dirEntrySize {
			if buf[o] == freeEntry || buf[o] == deletedMark {
				continue
			}
			de, err := directoryEntryFromBytes(buf[o : o+dirEntrySize])
			if err != nil {
				return err
			}
			if de.attr&attrVolumeID != 0 {
				de.name = short
				return fs.writeEntryAt(sector, o, de)
			}
		}
	}

	sector, off, err := fs.allocateEntry()
	if err != nil {
		return err
	}
	entry := &directoryEntry{name: short, attr: attrVolumeID}
	return fs.writeEntryAt(sector, off, entry)
}

// Label returns the volume label, or "" if none is set.
func (fs *Filesystem) Label() (string, error) {
	sectors, err := fs.rootDirSectorList()
	if err != nil {
		return "", err
	}
	for _, sector := range sectors {
		buf, err := fs.readSector(sector)
		if err != nil {
			return "", err
		}
		for o := 0; o+dirEntrySize <= len(buf); o += dirEntrySize {
			if buf[o] == freeEntry || buf[o] == deletedMark {
				continue
			}
			de, err := directoryEntryFromBytes(buf[o : o+dirEntrySize])
			if err != nil {
				return "", err
			}
			if de.attr&attrVolumeID != 0 {
				return decodeShortName(de.name), nil
			}
		}
	}
	return "", nil
}
