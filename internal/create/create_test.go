package create

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/fwup-go/fwup/internal/cfgfile"
	"github.com/fwup-go/fwup/internal/integrity"
)

func writeHostFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestCreateProducesMetaConfAndDataEntry(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("hello firmware")
	writeHostFile(t, dir, "rootfs.img", payload)

	manifest := `
file-resource "rootfs.img" {
	host-path = "rootfs.img"
}
task "complete" {
	on-resource "rootfs.img" {
		raw_write(0)
	}
}
`
	cfgPath := writeHostFile(t, dir, "meta.conf.in", []byte(manifest))
	outPath := filepath.Join(dir, "out.fw")

	if err := Create(Options{ConfigPath: cfgPath, OutputPath: outPath}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	r, err := zip.OpenReader(outPath)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	if len(r.File) != 2 {
		t.Fatalf("got %d entries, want 2 (meta.conf, data/rootfs.img)", len(r.File))
	}
	if r.File[0].Name != "meta.conf" {
		t.Fatalf("first entry = %q, want meta.conf", r.File[0].Name)
	}
	if r.File[1].Name != "data/rootfs.img" {
		t.Fatalf("second entry = %q, want data/rootfs.img", r.File[1].Name)
	}

	rc, err := r.File[1].Open()
	if err != nil {
		t.Fatalf("Open data entry: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("data entry = %q, want %q", got, payload)
	}

	metaRC, err := r.File[0].Open()
	if err != nil {
		t.Fatalf("Open meta.conf: %v", err)
	}
	defer metaRC.Close()
	metaBytes, err := io.ReadAll(metaRC)
	if err != nil {
		t.Fatalf("ReadAll meta.conf: %v", err)
	}

	cfg, err := cfgfile.Parse(string(metaBytes), cfgfile.Environment{})
	if err != nil {
		t.Fatalf("re-parsing serialized meta.conf: %v", err)
	}
	fr, ok := cfg.FileResourceByName("rootfs.img")
	if !ok {
		t.Fatalf("file-resource rootfs.img missing from round-tripped config")
	}
	if fr.Blake2b256 != integrity.HashResource(payload) {
		t.Fatalf("blake2b-256 = %s, want %s", fr.Blake2b256, integrity.HashResource(payload))
	}
	if len(fr.Length) != 1 || fr.Length[0] != int64(len(payload)) {
		t.Fatalf("length = %v, want [%d]", fr.Length, len(payload))
	}

	if fr.HostPath != "" {
		t.Fatalf("serialized archive must not carry host-path, got %q", fr.HostPath)
	}
}

func TestCreateInlineContents(t *testing.T) {
	dir := t.TempDir()
	manifest := `
file-resource "banner" {
	contents = "hi there"
}
`
	cfgPath := writeHostFile(t, dir, "meta.conf.in", []byte(manifest))
	outPath := filepath.Join(dir, "out.fw")

	if err := Create(Options{ConfigPath: cfgPath, OutputPath: outPath}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	r, err := zip.OpenReader(outPath)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	rc, err := r.File[1].Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hi there" {
		t.Fatalf("contents = %q, want %q", got, "hi there")
	}
}

func TestCreateAssertSizeFails(t *testing.T) {
	dir := t.TempDir()
	writeHostFile(t, dir, "small.bin", []byte("x"))

	manifest := `
file-resource "small.bin" {
	host-path = "small.bin"
	assert-size-gte = 10
}
`
	cfgPath := writeHostFile(t, dir, "meta.conf.in", []byte(manifest))
	outPath := filepath.Join(dir, "out.fw")

	if err := Create(Options{ConfigPath: cfgPath, OutputPath: outPath}); err == nil {
		t.Fatal("expected size assertion to fail")
	}
}

func TestAppendMapKeepsAlternatingShape(t *testing.T) {
	cases := []struct {
		name     string
		combined []int64
		sub      []int64
		want     []int64
	}{
		{"empty+data", nil, []int64{5}, []int64{5}},
		{"data-seam-needs-gap", []int64{5}, []int64{3}, []int64{5, 0, 3}},
		{"hole-seam-no-gap", []int64{5, 2}, []int64{3}, []int64{5, 2, 3}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := appendMap(c.combined, c.sub)
			if len(got) != len(c.want) {
				t.Fatalf("appendMap(%v, %v) = %v, want %v", c.combined, c.sub, got, c.want)
			}
			for i := range got {
				if got[i] != c.want[i] {
					t.Fatalf("appendMap(%v, %v) = %v, want %v", c.combined, c.sub, got, c.want)
				}
			}
		})
	}
}
