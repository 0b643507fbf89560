// Package create implements the create pipeline: the reverse of
// internal/apply. It parses a manifest, computes each file-resource's
// sparse map and BLAKE2b-256 digest by streaming its host file(s),
// canonically serializes the resulting configuration, optionally signs
// it, and writes a zip archive of meta.conf[.ed25519] followed by each
// resource's data/<name> entry.
//
// Grounded on original_source/src/fwup_create.c's fwup_create/
// compute_file_metadata/create_archive/add_file_resource(s) structure.
package create

import (
	"archive/zip"
	"compress/flate"
	"crypto/ed25519"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fwup-go/fwup/internal/cfgfile"
	"github.com/fwup-go/fwup/internal/fwfile"
	"github.com/fwup-go/fwup/internal/integrity"
	"github.com/fwup-go/fwup/internal/sparsefile"
)

// BlockSize mirrors FWUP_BLOCK_SIZE, the unit assert-size-lte/gte are
// expressed in.
const BlockSize = 512

// metaUUIDVar names the environment variable meta-uuid resolves through;
// it mirrors apply's own constant of the same name and value.
const metaUUIDVar = "FWUP_META_UUID"

// Options configures a Create run.
type Options struct {
	// ConfigPath is the meta.conf-syntax source file to read.
	ConfigPath string

	// OutputPath is the archive (.fw) to write.
	OutputPath string

	// SigningKey, if non-nil, produces a meta.conf.ed25519 entry preceding
	// meta.conf in the archive.
	SigningKey ed25519.PrivateKey

	// CompressionLevel turns compression off (0 or less) or on (any
	// positive value, at archive/zip's default deflate level). With
	// compression off, entries keep the Deflate method but hold only
	// stored, uncompressed deflate blocks, the way create_archive's "0"
	// compression-level string turns compression off.
	CompressionLevel int

	// Env seeds ${VAR} expansion (and define/define-eval mutation) while
	// parsing the config, the same as apply.Options.Env.
	Env cfgfile.Environment
}

// Create runs Options, following spec.md §4.M: parse, compute metadata,
// serialize, sign, write.
func Create(opts Options) error {
	env := opts.Env
	if env == nil {
		env = cfgfile.Environment{}
	}
	// meta-uuid can only be computed from meta.conf's own serialized text,
	// so it can't be resolved while that text is still being produced; a
	// placeholder that expands to itself lets a manifest reference
	// ${FWUP_META_UUID} without erroring, with the real value filled in
	// once it's known at apply time.
	env.Set(metaUUIDVar, "${"+metaUUIDVar+"}")

	cfg, err := cfgfile.ParseFile(opts.ConfigPath, env)
	if err != nil {
		return fmt.Errorf("create: parsing %s: %w", opts.ConfigPath, err)
	}

	baseDir := filepath.Dir(opts.ConfigPath)
	if err := computeFileMetadata(cfg, baseDir); err != nil {
		return fmt.Errorf("create: %w", err)
	}

	configText := cfgfile.Serialize(cfg)
	if uuid, err := integrity.DeriveUUID([]byte(configText)); err == nil {
		cfg.Meta.UUID = uuid
	}

	var signature []byte
	if opts.SigningKey != nil {
		signature = integrity.Sign(opts.SigningKey, []byte(configText))
	}

	if err := writeArchive(opts.OutputPath, []byte(configText), signature, cfg, baseDir, opts.CompressionLevel); err != nil {
		return fmt.Errorf("create: %w", err)
	}
	return nil
}

// computeFileMetadata implements compute_file_metadata: for every
// file-resource with a host-path, build its sparse map from the host
// file(s) and hash its data segments; for one with inline contents, the
// map is the trivial single dense segment and the hash covers the bytes
// directly.
func computeFileMetadata(cfg *cfgfile.Config, baseDir string) error {
	for _, fr := range cfg.FileResources {
		if fr.HostPath != "" {
			sfm, hash, err := hashHostPaths(fr, baseDir)
			if err != nil {
				return fmt.Errorf("file-resource %q: %w", fr.Name, err)
			}
			if err := checkAssertions(fr, sfm.FileSize()); err != nil {
				return err
			}
			fr.Length = sfm.Lengths
			fr.Blake2b256 = hash
		} else {
			fr.Length = []int64{int64(len(fr.Contents))}
			fr.Blake2b256 = integrity.HashResource(fr.Contents)
		}
	}
	return nil
}

func checkAssertions(fr *cfgfile.FileResource, totalLen int64) error {
	if fr.AssertSizeGte > 0 && totalLen < fr.AssertSizeGte*BlockSize {
		return fmt.Errorf("file-resource %q: size assertion failed: size is %d bytes; must be >= %d bytes (%d blocks)",
			fr.Name, totalLen, fr.AssertSizeGte*BlockSize, fr.AssertSizeGte)
	}
	if fr.AssertSizeLte > 0 && totalLen > fr.AssertSizeLte*BlockSize {
		return fmt.Errorf("file-resource %q: size assertion failed: size is %d bytes; must be <= %d bytes (%d blocks)",
			fr.Name, totalLen, fr.AssertSizeLte*BlockSize, fr.AssertSizeLte)
	}
	return nil
}

// hostPaths splits a file-resource's host-path on ';', the original's
// multi-file-concatenation convention (strtok in run_on_each_path),
// resolving each relative to baseDir.
func hostPaths(fr *cfgfile.FileResource, baseDir string) []string {
	parts := strings.Split(fr.HostPath, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		out = append(out, p)
	}
	return out
}

// hashHostPaths builds the combined sparse map and BLAKE2b-256 digest
// across every host path a resource names, concatenated in declaration
// order -- build_sparse_map plus calc_hash run over the same path list.
// Per-file maps are joined with appendMap, which keeps the result in the
// canonical "starts with data, alternates" shape even when two files'
// seam would otherwise put two data (or two hole) segments back to back.
func hashHostPaths(fr *cfgfile.FileResource, baseDir string) (sparsefile.Map, string, error) {
	paths := hostPaths(fr, baseDir)
	if len(paths) == 0 {
		return sparsefile.Map{}, "", fmt.Errorf("must specify a host-path")
	}

	var combined []int64
	for _, p := range paths {
		m, err := sparseMapFor(fr, p)
		if err != nil {
			return sparsefile.Map{}, "", fmt.Errorf("opening %q: %w", p, err)
		}
		combined = appendMap(combined, m.Lengths)
	}

	hasher, err := integrity.NewHasher()
	if err != nil {
		return sparsefile.Map{}, "", err
	}
	for _, p := range paths {
		if err := hashFileData(fr, p, hasher); err != nil {
			return sparsefile.Map{}, "", fmt.Errorf("hashing %q: %w", p, err)
		}
	}

	return sparsefile.Map{Lengths: combined}, fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// appendMap concatenates sub (always starting at a "data" position by its
// own local indexing, sparsefile's universal convention) onto combined. If
// combined's next position doesn't expect "data" (i.e. combined currently
// has an odd number of entries, so position len(combined) is a "hole"
// slot), a zero-length placeholder of the expected type is inserted first
// so the result stays in the canonical alternating shape.
func appendMap(combined, sub []int64) []int64 {
	if len(sub) == 0 {
		return combined
	}
	if len(combined)%2 != 0 {
		combined = append(combined, 0)
	}
	return append(combined, sub...)
}

func sparseMapFor(fr *cfgfile.FileResource, path string) (sparsefile.Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return sparsefile.Map{}, err
	}
	defer f.Close()

	if fr.SkipHoles {
		info, err := f.Stat()
		if err != nil {
			return sparsefile.Map{}, err
		}
		return sparsefile.Map{Lengths: []int64{info.Size()}}, nil
	}
	return sparsefile.FromHostFile(f)
}

func hashFileData(fr *cfgfile.FileResource, path string, hasher io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sfm, err := sparseMapFor(fr, path)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	return sfm.Iterate(func(c sparsefile.Chunk) error {
		if c.IsHole {
			_, err := f.Seek(c.Length, io.SeekCurrent)
			return err
		}
		_, err := io.CopyN(hasher, f, c.Length)
		return err
	})
}

// writeArchive implements create_archive/add_file_resource(s): meta.conf
// (and meta.conf.ed25519) first, then one data/<name> entry per
// file-resource, each resource's data segments streamed in without its
// holes (the reader reconstructs them from the Length map at apply time).
func writeArchive(path string, configText, signature []byte, cfg *cfgfile.Config, baseDir string, compressionLevel int) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	if compressionLevel <= 0 {
		zw.RegisterCompressor(zip.Deflate, storeCompressor)
	}

	if err := fwfile.WriteMetaConf(zw, configText, signature); err != nil {
		return err
	}

	for _, fr := range cfg.FileResources {
		if err := addFileResourceEntry(zw, fr, baseDir); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	return out.Close()
}

func addFileResourceEntry(zw *zip.Writer, fr *cfgfile.FileResource, baseDir string) error {
	archivePath, err := fwfile.ArchivePathFromResourceName(fr.Name)
	if err != nil {
		return err
	}

	w, err := zw.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", archivePath, err)
	}

	if fr.HostPath == "" {
		_, err := w.Write(fr.Contents)
		return err
	}

	for _, p := range hostPaths(fr, baseDir) {
		if err := writeFileData(w, fr, p); err != nil {
			return fmt.Errorf("writing %q: %w", p, err)
		}
	}
	return nil
}

// writeFileData streams one host file's data segments (holes skipped)
// into w, the per-path half of write_file_to_archive.
func writeFileData(w io.Writer, fr *cfgfile.FileResource, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sfm, err := sparseMapFor(fr, path)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	return sfm.Iterate(func(c sparsefile.Chunk) error {
		if c.IsHole {
			_, err := f.Seek(c.Length, io.SeekCurrent)
			return err
		}
		_, err := io.CopyN(w, f, c.Length)
		return err
	})
}

type storeWriteCloser struct{ io.Writer }

func (storeWriteCloser) Close() error { return nil }

// storeCompressor registers as zip.Deflate's implementation but performs
// no compression, used when CompressionLevel is 0 or less: it emits
// deflate's stored (uncompressed) blocks, so entries stay readable by any
// zip reader. The original's compression-level-string option is expressed
// here as swapping the method's compressor outright rather than passing
// the level through (this only toggles "on"/"off").
func storeCompressor(w io.Writer) (io.WriteCloser, error) {
	return flate.NewWriter(w, flate.NoCompression)
}

// ResourceSizeEnv returns the FWUP_SIZE_<resource> environment variable
// name for name, the auto-injected variable spec.md §6 documents so
// define-eval() expressions elsewhere in the manifest can reference a
// resource's size once it has been computed.
func ResourceSizeEnv(name string) string {
	return "FWUP_SIZE_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// InjectResourceSizes sets FWUP_SIZE_<resource> for every file-resource
// whose size is already known (Length populated by computeFileMetadata),
// for callers that want to reparse a second config referencing these
// sizes via define-eval(), matching fwup_create.c's environment variable
// naming convention.
func InjectResourceSizes(env cfgfile.Environment, cfg *cfgfile.Config) {
	for _, fr := range cfg.FileResources {
		size := sparsefile.Map{Lengths: fr.Length}.FileSize()
		env.Set(ResourceSizeEnv(fr.Name), strconv.FormatInt(size, 10))
	}
}
