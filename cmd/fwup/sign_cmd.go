package main

import (
	"archive/zip"
	"crypto/ed25519"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fwup-go/fwup/internal/fwfile"
	"github.com/fwup-go/fwup/internal/integrity"
)

type signOpts struct {
	input          string
	output         string
	privateKeyFile string
	privateKey     string
}

// newSignCommand ports fwup_sign.c: re-sign an archive's meta.conf with a
// new key, copying every other entry verbatim to a temporary file that's
// renamed into place once the whole archive has been rewritten.
func newSignCommand() *cobra.Command {
	o := &signOpts{}

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "re-sign a firmware update archive with a new key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(o)
		},
	}
	cmd.Flags().StringVarP(&o.input, "input", "i", "", "the firmware archive to sign (required)")
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "where to write the signed archive (required)")
	cmd.Flags().StringVarP(&o.privateKeyFile, "private-key-file", "s", "", "the signing key file")
	cmd.Flags().StringVar(&o.privateKey, "private-key", "", "the base64-encoded signing key")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("output")
	return cmd
}

func runSign(o *signOpts) error {
	var signingKey ed25519.PrivateKey
	switch {
	case o.privateKeyFile != "":
		key, err := loadPrivateKeyFile(o.privateKeyFile)
		if err != nil {
			return err
		}
		signingKey = key
	case o.privateKey != "":
		key, err := loadPrivateKeyLiteral(o.privateKey)
		if err != nil {
			return err
		}
		signingKey = key
	default:
		return fmt.Errorf("specify a signing key with --private-key-file or --private-key")
	}

	r, err := zip.OpenReader(o.input)
	if err != nil {
		return fmt.Errorf("opening %s: %w", o.input, err)
	}
	defer r.Close()

	tempPath := o.output + ".tmp"
	out, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tempPath, err)
	}
	zw := zip.NewWriter(out)

	if err := rewriteSigned(r, zw, signingKey); err != nil {
		zw.Close()
		out.Close()
		os.Remove(tempPath)
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(tempPath)
		return fmt.Errorf("closing %s: %w", tempPath, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	if err := os.Rename(tempPath, o.output); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("renaming %s to %s: %w", tempPath, o.output, err)
	}
	return nil
}

func rewriteSigned(r *zip.ReadCloser, zw *zip.Writer, signingKey ed25519.PrivateKey) error {
	foundMeta := false
	for _, f := range r.File {
		switch f.Name {
		case fwfile.MetaConfSignatureName:
			continue
		case fwfile.MetaConfName:
			configText, err := fwfile.ReadZipEntry(f)
			if err != nil {
				return fmt.Errorf("reading %s: %w", fwfile.MetaConfName, err)
			}
			signature := integrity.Sign(signingKey, configText)
			if err := fwfile.WriteMetaConf(zw, configText, signature); err != nil {
				return err
			}
			foundMeta = true
		default:
			if !foundMeta {
				return fmt.Errorf("invalid firmware: meta.conf must be at the beginning of the archive")
			}
			if err := copyEntry(zw, f); err != nil {
				return err
			}
		}
	}
	if !foundMeta {
		return fmt.Errorf("invalid firmware: no meta.conf found")
	}
	return nil
}

func copyEntry(zw *zip.Writer, f *zip.File) error {
	w, err := zw.CreateHeader(&f.FileHeader)
	if err != nil {
		return fmt.Errorf("create %s: %w", f.Name, err)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("reading %s: %w", f.Name, err)
	}
	defer rc.Close()
	_, err = io.Copy(w, rc)
	return err
}
