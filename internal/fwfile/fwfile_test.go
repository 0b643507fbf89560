package fwfile

import (
	"archive/zip"
	"bytes"
	"testing"
)

func TestResourceNameFromArchivePath(t *testing.T) {
	cases := map[string]string{
		"data/rootfs.img": "rootfs.img",
		"data/a/b.bin":    "a/b.bin",
		"extra-file.txt":  "/extra-file.txt",
	}
	for in, want := range cases {
		if got := ResourceNameFromArchivePath(in); got != want {
			t.Errorf("ResourceNameFromArchivePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestArchivePathFromResourceName(t *testing.T) {
	got, err := ArchivePathFromResourceName("rootfs.img")
	if err != nil || got != "data/rootfs.img" {
		t.Fatalf("got %q, %v", got, err)
	}

	got, err = ArchivePathFromResourceName("/extra-file.txt")
	if err != nil || got != "extra-file.txt" {
		t.Fatalf("got %q, %v", got, err)
	}

	if _, err := ArchivePathFromResourceName("/meta.conf"); err == nil {
		t.Fatalf("expected error naming a resource /meta.conf")
	}
	if _, err := ArchivePathFromResourceName("/data/x"); err == nil {
		t.Fatalf("expected error for /data path")
	}
	if _, err := ArchivePathFromResourceName("trailing/"); err == nil {
		t.Fatalf("expected error for trailing slash")
	}
	if _, err := ArchivePathFromResourceName(""); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestWriteMetaConf(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if err := WriteMetaConf(zw, []byte("meta{}"), []byte("sig-bytes")); err != nil {
		t.Fatalf("WriteMetaConf: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("got %d entries, want 2", len(zr.File))
	}
	if zr.File[0].Name != MetaConfSignatureName || zr.File[1].Name != MetaConfName {
		t.Fatalf("entries in wrong order: %q, %q", zr.File[0].Name, zr.File[1].Name)
	}
}
