package mbr

import (
	"testing"
)

func simpleTable() Table {
	var t Table
	t.Partitions[0] = Partition{PartitionType: 0x0c, BlockOffset: 2048, BlockCount: 1000}
	t.Partitions[1] = Partition{PartitionType: 0x83, BlockOffset: 3048, BlockCount: 2000, BootFlag: true}
	return t
}

func TestCreateAndDecodeRoundTrip(t *testing.T) {
	table := simpleTable()
	sectors, err := Create(table, nil, nil, 0xdeadbeef, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(sectors) != 1 {
		t.Fatalf("expected one sector with no logical partitions, got %d", len(sectors))
	}

	decoded, err := Decode(sectors[0].Data[:])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Partitions[0].BlockOffset != 2048 || decoded.Partitions[0].BlockCount != 1000 {
		t.Fatalf("partition 0 mismatch: %+v", decoded.Partitions[0])
	}
	if decoded.Partitions[1].PartitionType != 0x83 || !decoded.Partitions[1].BootFlag {
		t.Fatalf("partition 1 mismatch: %+v", decoded.Partitions[1])
	}
}

func TestVerifyRejectsOverlap(t *testing.T) {
	var table Table
	table.Partitions[0] = Partition{PartitionType: 0x83, BlockOffset: 0, BlockCount: 100}
	table.Partitions[1] = Partition{PartitionType: 0x83, BlockOffset: 50, BlockCount: 100}

	if err := Verify(table); err == nil {
		t.Fatalf("expected overlap error")
	}
}

func TestExpandFlagGrowsToDestination(t *testing.T) {
	var table Table
	table.Partitions[0] = Partition{PartitionType: 0x83, BlockOffset: 100, BlockCount: 10, ExpandFlag: true}

	sectors, err := Create(table, nil, nil, 0, 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	decoded, err := Decode(sectors[0].Data[:])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Partitions[0].BlockCount != 900 {
		t.Fatalf("expand flag: got block count %d, want 900", decoded.Partitions[0].BlockCount)
	}
}

func TestCreateRejectsBootstrapAndOSIPTogether(t *testing.T) {
	table := simpleTable()
	bootstrap := make([]byte, bootCodeSize)
	osip := &OSIPHeader{IncludeOSIP: true, Descriptors: []OSIIDescriptor{{}}}
	if _, err := Create(table, bootstrap, osip, 0, 0); err == nil {
		t.Fatalf("expected an error when both bootstrap and OSIP are specified")
	}
}

func TestLogicalPartitionChain(t *testing.T) {
	var table Table
	table.Partitions[3] = Partition{PartitionType: TypeExtendedLBA, BlockOffset: 1000, BlockCount: 1, ExpandFlag: true}
	table.Partitions[4] = Partition{PartitionType: 0x83, BlockOffset: 1001, BlockCount: 100, RecordOffset: 1000}
	table.NumExtendedPartitions = 1

	sectors, err := Create(table, nil, nil, 0, 2000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(sectors) != 2 {
		t.Fatalf("expected MBR + 1 EBR sector, got %d", len(sectors))
	}
	if sectors[1].BlockOffset != 1000 {
		t.Fatalf("EBR block offset = %d, want 1000", sectors[1].BlockOffset)
	}
	if sectors[1].Data[510] != 0x55 || sectors[1].Data[511] != 0xaa {
		t.Fatalf("EBR missing boot signature")
	}
}
