package cfgfile

import (
	"os"
	"strings"
	"testing"

	"github.com/go-test/deep"
)

const sampleManifest = `
meta-product="test product"
meta-version="1.0.0"
define(BOOTPART, "2")
define-eval(ROOTFS_SIZE, "1024 * 1024")

file-resource "rootfs.img" {
	length="${ROOTFS_SIZE}"
	blake2b-256="abc123"
}

mbr "mbr-a" {
	partition "0" {
		block-offset="63"
		block-count=77261
		type=0x83
		boot=true
	}
}

task "complete" {
	require-fat-file-exists("1", "/etc/hostname")
	on-init {
		mbr_write(mbr-a)
	}
	on-resource "rootfs.img" {
		raw_write("${BOOTPART}")
	}
}
`

func TestParseAndSerializeRoundTrip(t *testing.T) {
	cfg, err := Parse(sampleManifest, Environment{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Meta.Product != "test product" {
		t.Fatalf("meta-product = %q", cfg.Meta.Product)
	}
	if v, _ := cfg.Env.Get("BOOTPART"); v != "2" {
		t.Fatalf("BOOTPART = %q, want 2", v)
	}
	if v, _ := cfg.Env.Get("ROOTFS_SIZE"); v != "1048576" {
		t.Fatalf("ROOTFS_SIZE = %q, want 1048576", v)
	}

	fr, ok := cfg.FileResourceByName("rootfs.img")
	if !ok {
		t.Fatalf("rootfs.img resource not found")
	}
	if len(fr.Length) != 1 || fr.Length[0] != 1048576 {
		t.Fatalf("length = %v, want [1048576]", fr.Length)
	}

	if len(cfg.MBRs) != 1 || len(cfg.MBRs[0].Partitions) != 1 {
		t.Fatalf("expected one mbr with one partition, got %+v", cfg.MBRs)
	}
	part := cfg.MBRs[0].Partitions[0]
	if part.Index != 0 || part.BlockOffset != "63" || part.BlockCount != 77261 || part.Type != 0x83 || !part.Boot {
		t.Fatalf("partition mismatch: %+v", part)
	}

	task, ok := cfg.TaskByName("complete")
	if !ok {
		t.Fatalf("complete task not found")
	}
	if len(task.ReqList) != 1 || task.ReqList[0].Name != "require-fat-file-exists" {
		t.Fatalf("reqlist mismatch: %+v", task.ReqList)
	}
	if len(task.OnInit) != 1 || task.OnInit[0].Name != "mbr_write" {
		t.Fatalf("on-init mismatch: %+v", task.OnInit)
	}
	onResource := task.OnResource["rootfs.img"]
	if len(onResource) != 1 || onResource[0].Name != "raw_write" || onResource[0].Args[0] != "2" {
		t.Fatalf("on-resource mismatch: %+v", onResource)
	}

	out := Serialize(cfg)
	if !strings.Contains(out, `meta-product="test product"`) {
		t.Fatalf("serialized output missing meta-product: %s", out)
	}
	if strings.Contains(out, "host-path") {
		t.Fatalf("serialized output should never carry host-path: %s", out)
	}

	reparsed, err := Parse(out, Environment{})
	if err != nil {
		t.Fatalf("reparsing serialized output: %v", err)
	}
	if reparsed.Meta.Product != cfg.Meta.Product {
		t.Fatalf("round trip meta-product mismatch: %q vs %q", reparsed.Meta.Product, cfg.Meta.Product)
	}
	if diff := deep.Equal(reparsed.MBRs, cfg.MBRs); diff != nil {
		t.Fatalf("mbr section didn't survive serialize/reparse round trip: %v", diff)
	}
}

func TestFunctionCallFlattenAndParse(t *testing.T) {
	calls := []FunctionCall{
		{Name: "raw_write", Args: []string{"0"}},
		{Name: "fat_mkfs", Args: []string{}},
	}
	var flat []string
	for _, c := range calls {
		flat = append(flat, c.Flatten()...)
	}

	parsed, err := parseFunList(flat)
	if err != nil {
		t.Fatalf("parseFunList: %v", err)
	}
	if len(parsed) != 2 || parsed[0].Name != "raw_write" || len(parsed[0].Args) != 1 {
		t.Fatalf("parsed mismatch: %+v", parsed)
	}
}

func TestIncludeSplicesTokens(t *testing.T) {
	dir := t.TempDir()
	includedPath := dir + "/included.conf"
	writeFile(t, includedPath, `meta-author="included author"`)

	mainPath := dir + "/main.conf"
	writeFile(t, mainPath, `meta-product="main"
include("included.conf")
`)

	cfg, err := ParseFile(mainPath, Environment{})
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if cfg.Meta.Author != "included author" {
		t.Fatalf("meta-author = %q, want included author", cfg.Meta.Author)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}
