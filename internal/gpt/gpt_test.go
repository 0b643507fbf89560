package gpt

import (
	"testing"

	"github.com/google/uuid"
)

func TestMixedEndianRoundTrip(t *testing.T) {
	u := uuid.MustParse("01234567-89ab-cdef-0123-456789abcdef")
	mixed := toMixedEndian(u)
	back := fromMixedEndian(mixed[:])
	if back != u {
		t.Fatalf("round trip mismatch: got %s, want %s", back, u)
	}
	// The first three fields are byte-swapped on disk; the last two are not.
	if mixed[0] != 0x67 || mixed[1] != 0x45 || mixed[2] != 0x23 || mixed[3] != 0x01 {
		t.Fatalf("unexpected mixed-endian encoding of first field: %x", mixed[:4])
	}
}

func TestCreateAndDecode(t *testing.T) {
	table := Table{DiskGUID: uuid.New()}
	table.Partitions[0] = Partition{
		Valid:         true,
		BlockOffset:   34,
		BlockCount:    1000,
		PartitionType: uuid.New(),
		GUID:          uuid.New(),
		Name:          "boot",
	}

	enc, err := Create(table, 100000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	primaryHeader, err := DecodeHeader(enc.MBRAndPrimaryGPT[BlockSize : 2*BlockSize])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if primaryHeader.DiskGUID != table.DiskGUID {
		t.Fatalf("disk GUID mismatch: got %s, want %s", primaryHeader.DiskGUID, table.DiskGUID)
	}

	parts, err := DecodePartitionArray(enc.MBRAndPrimaryGPT[2*BlockSize:], primaryHeader.NumPartitions)
	if err != nil {
		t.Fatalf("DecodePartitionArray: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("expected one valid partition, got %d", len(parts))
	}
	if parts[0].BlockOffset != 34 || parts[0].Name != "boot" {
		t.Fatalf("partition mismatch: %+v", parts[0])
	}
}

func TestVerifyRejectsOverlap(t *testing.T) {
	var partitions [MaxPartitions]Partition
	partitions[0] = Partition{Valid: true, BlockOffset: 0, BlockCount: 100}
	partitions[1] = Partition{Valid: true, BlockOffset: 50, BlockCount: 100}

	if err := Verify(partitions); err == nil {
		t.Fatalf("expected overlap error")
	}
}

func TestProtectiveMBRSignature(t *testing.T) {
	mbr := createProtectiveMBR(1000)
	if mbr[510] != 0x55 || mbr[511] != 0xaa {
		t.Fatalf("protective MBR missing boot signature")
	}
	if mbr[446+4] != 0xee {
		t.Fatalf("protective MBR partition type byte = %x, want 0xee", mbr[446+4])
	}
}
