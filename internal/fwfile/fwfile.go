// Package fwfile translates between a resource's name in meta.conf and
// its path inside the archive zip, and writes the fixed meta.conf /
// meta.conf.ed25519 entries every archive starts with.
//
// Grounded on fwfile.c/fwfile.h and util.c's archive_filename_to_resource.
package fwfile

import (
	"archive/zip"
	"crypto/ed25519"
	"fmt"
	"io"
	"strings"
)

// MetaConfName and MetaConfSignatureName are the two reserved entries
// every archive may start with, in this order.
const (
	MetaConfName          = "meta.conf"
	MetaConfSignatureName = "meta.conf.ed25519"
)

// ResourceNameFromArchivePath is the Go port of archive_filename_to_resource:
// by convention, everything useful in an archive lives under "data/"; a
// handful of resources specify an absolute archive path instead (for
// compatibility with tools expecting files at the zip root), which round-trip
// back to a resource name with a leading slash.
func ResourceNameFromArchivePath(name string) string {
	if strings.HasPrefix(name, "data/") {
		return name[len("data/"):]
	}
	return "/" + name
}

// ArchivePathFromResourceName is the inverse of ResourceNameFromArchivePath,
// grounded on fwup_create.c's add_file_resource path-building logic. Names
// starting with "/" are absolute archive paths (with the validation that
// logic already performs in internal/create); everything else lives under
// "data/".
func ArchivePathFromResourceName(resourceName string) (string, error) {
	if resourceName == "" {
		return "", fmt.Errorf("fwfile: resource name can't be empty")
	}
	if strings.HasSuffix(resourceName, "/") {
		return "", fmt.Errorf("fwfile: resource name %q can't end in a '/'", resourceName)
	}

	if resourceName[0] == '/' {
		if resourceName == "/" {
			return "", fmt.Errorf("fwfile: resource name can't be the root directory")
		}
		if resourceName == "/"+MetaConfName {
			return "", fmt.Errorf("fwfile: resources can't be named /%s", MetaConfName)
		}
		if strings.HasPrefix(resourceName, "/data/") || resourceName == "/data" {
			return "", fmt.Errorf("fwfile: use a normal resource name rather than specifying /data")
		}
		return resourceName[1:], nil
	}
	return "data/" + resourceName, nil
}

// WriteMetaConf writes the meta.conf (and, if signature is non-nil, the
// preceding meta.conf.ed25519 detached-signature entry) to a zip archive
// being created.
func WriteMetaConf(w *zip.Writer, configText []byte, signature []byte) error {
	if signature != nil {
		sigW, err := w.Create(MetaConfSignatureName)
		if err != nil {
			return fmt.Errorf("fwfile: create %s: %w", MetaConfSignatureName, err)
		}
		if _, err := sigW.Write(signature); err != nil {
			return fmt.Errorf("fwfile: write %s: %w", MetaConfSignatureName, err)
		}
	}

	metaW, err := w.Create(MetaConfName)
	if err != nil {
		return fmt.Errorf("fwfile: create %s: %w", MetaConfName, err)
	}
	if _, err := metaW.Write(configText); err != nil {
		return fmt.Errorf("fwfile: write %s: %w", MetaConfName, err)
	}
	return nil
}

// ReadMetaConf reads an archive's leading meta.conf[.ed25519] entries,
// shared by every command that needs to inspect an archive (apply, list,
// metadata, sign, verify) rather than run it. ResourceStart is the index
// of the first file entry after them, where resource data begins.
func ReadMetaConf(files []*zip.File) (metaConf, signature []byte, resourceStart int, err error) {
	if len(files) == 0 {
		return nil, nil, 0, fmt.Errorf("fwfile: empty archive")
	}
	i := 0
	if files[i].Name == MetaConfSignatureName {
		signature, err = ReadZipEntry(files[i])
		if err != nil {
			return nil, nil, 0, fmt.Errorf("reading %s: %w", MetaConfSignatureName, err)
		}
		if len(signature) != ed25519.SignatureSize {
			return nil, nil, 0, fmt.Errorf("unexpected %s size: %d", MetaConfSignatureName, len(signature))
		}
		i++
		if i >= len(files) {
			return nil, nil, 0, fmt.Errorf("expecting more than %s in archive", MetaConfSignatureName)
		}
	}
	if files[i].Name != MetaConfName {
		return nil, nil, 0, fmt.Errorf("expecting %s to be at the beginning of the archive", MetaConfName)
	}
	metaConf, err = ReadZipEntry(files[i])
	if err != nil {
		return nil, nil, 0, fmt.Errorf("reading %s: %w", MetaConfName, err)
	}
	return metaConf, signature, i + 1, nil
}

// ReadZipEntry fully reads one zip entry's contents.
func ReadZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
