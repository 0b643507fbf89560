package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// globalFlags holds the options shared across subcommands, populated by
// cobra persistent flags on the root command -- the Go analogue of
// fwup.c's public_keys[]/signing_key globals threaded through getopt_long.
type globalFlags struct {
	publicKeyFiles []string
	publicKeys     []string
	verbose        bool
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "fwup",
		Short: "fwup creates and applies firmware update archives",
		Long: `fwup is a self-contained utility for creating and applying firmware
update archives. An archive bundles a declarative manifest (meta.conf) and
resource payloads; applying one writes raw sectors, MBR/GPT tables, FAT
filesystems, and U-Boot environment blocks to a destination.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}

	root.PersistentFlags().StringArrayVarP(&flags.publicKeyFiles, "public-key-file", "p", nil,
		"a public key file for verifying firmware updates (can be specified multiple times)")
	root.PersistentFlags().StringArrayVar(&flags.publicKeys, "public-key", nil,
		"a base64-encoded public key for verifying firmware updates (can be specified multiple times)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newApplyCommand(flags),
		newCreateCommand(),
		newListCommand(flags),
		newMetadataCommand(flags),
		newSignCommand(),
		newVerifyCommand(flags),
		newGenKeysCommand(),
	)
	return root
}

// loadPublicKeys collects every key named by -p/--public-key-file and
// --public-key into one ed25519.PublicKey slice, mirroring fwup.c's
// load_public_key/parse_public_key pair feeding the same public_keys[]
// array regardless of which flag named them.
func (f *globalFlags) loadPublicKeys() ([]ed25519.PublicKey, error) {
	var keys []ed25519.PublicKey
	for _, path := range f.publicKeyFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading public key file %s: %w", path, err)
		}
		key, err := decodeKey(strings.TrimSpace(string(data)), ed25519.PublicKeySize)
		if err != nil {
			return nil, fmt.Errorf("public key file %s: %w", path, err)
		}
		keys = append(keys, key)
	}
	for _, encoded := range f.publicKeys {
		key, err := decodeKey(encoded, ed25519.PublicKeySize)
		if err != nil {
			return nil, fmt.Errorf("--public-key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// decodeKey base64-decodes a key, matching fwup-key.pub/fwup-key.priv's
// on-disk format: fwup_genkeys pads libsodium's unpadded base64 output
// with '=' so the files are standard (RFC 4648) base64, but accepts the
// unpadded form too for keys typed on a command line.
func decodeKey(s string, wantLen int) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		key, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			return nil, fmt.Errorf("invalid base64 key: %w", err)
		}
	}
	if len(key) != wantLen {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(key), wantLen)
	}
	return key, nil
}

func loadPrivateKeyFile(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key file %s: %w", path, err)
	}
	key, err := decodeKey(strings.TrimSpace(string(data)), ed25519.PrivateKeySize)
	if err != nil {
		return nil, fmt.Errorf("private key file %s: %w", path, err)
	}
	return ed25519.PrivateKey(key), nil
}

func loadPrivateKeyLiteral(encoded string) (ed25519.PrivateKey, error) {
	key, err := decodeKey(encoded, ed25519.PrivateKeySize)
	if err != nil {
		return nil, fmt.Errorf("--private-key: %w", err)
	}
	return ed25519.PrivateKey(key), nil
}
