package resources

import (
	"testing"

	"github.com/fwup-go/fwup/internal/cfgfile"
)

func sampleConfig() *cfgfile.Config {
	return &cfgfile.Config{
		FileResources: []*cfgfile.FileResource{
			{Name: "boot.bin"},
			{Name: "rootfs.img"},
			{Name: "unused.img"},
		},
		Tasks: []*cfgfile.Task{
			taskUsing("upgrade", "boot.bin", "rootfs.img"),
			taskUsing("recover", "boot.bin"),
		},
	}
}

func taskUsing(name string, resources ...string) *cfgfile.Task {
	t := &cfgfile.Task{Name: name}
	for _, r := range resources {
		t.AddOnResource(r, nil)
	}
	return t
}

func TestAllReturnsEveryResource(t *testing.T) {
	cfg := sampleConfig()
	all := All(cfg)
	if len(all) != 3 {
		t.Fatalf("All() = %d resources, want 3", len(all))
	}
}

func TestFromTaskReturnsOnlyReferenced(t *testing.T) {
	cfg := sampleConfig()
	list, err := FromTask(cfg, cfg.Tasks[0])
	if err != nil {
		t.Fatalf("FromTask: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("FromTask() = %d resources, want 2", len(list))
	}
	if FindByName(list, "unused.img") != nil {
		t.Fatalf("FromTask should not include unreferenced resources")
	}
}

func TestUsedDeduplicatesAcrossTasks(t *testing.T) {
	cfg := sampleConfig()
	used, err := Used(cfg)
	if err != nil {
		t.Fatalf("Used: %v", err)
	}
	if len(used) != 2 {
		t.Fatalf("Used() = %d resources, want 2 (boot.bin, rootfs.img deduped)", len(used))
	}
}

func TestSubtractRemovesByName(t *testing.T) {
	cfg := sampleConfig()
	all := All(cfg)
	used, _ := Used(cfg)
	remaining := Subtract(all, used)
	if len(remaining) != 1 || remaining[0].Name != "unused.img" {
		t.Fatalf("Subtract() = %v, want only unused.img", remaining)
	}
}

func TestFromTaskErrorsOnMissingResource(t *testing.T) {
	cfg := sampleConfig()
	bad := taskUsing("bad", "does-not-exist")
	if _, err := FromTask(cfg, bad); err == nil {
		t.Fatalf("expected error for missing resource")
	}
}
