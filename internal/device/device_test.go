package device

import "testing"

type fakeResolver struct {
	onDevice map[string]bool
	atOffset map[string]bool
}

func (f fakeResolver) IsPathOnDevice(filePath, devicePath string) (bool, error) {
	return f.onDevice[filePath+"|"+devicePath], nil
}

func (f fakeResolver) IsPathAtOffset(filePath string, blockOffset int64) (bool, error) {
	return f.atOffset[filePath], nil
}

func TestPathResolverInterfaceSatisfiedByFake(t *testing.T) {
	var r PathResolver = fakeResolver{
		onDevice: map[string]bool{"/mnt/boot|/dev/sdb": true},
		atOffset: map[string]bool{"/mnt/boot": true},
	}

	ok, err := r.IsPathOnDevice("/mnt/boot", "/dev/sdb")
	if err != nil || !ok {
		t.Fatalf("expected IsPathOnDevice true, got %v, %v", ok, err)
	}

	ok, err = r.IsPathAtOffset("/mnt/boot", 63)
	if err != nil || !ok {
		t.Fatalf("expected IsPathAtOffset true, got %v, %v", ok, err)
	}
}
