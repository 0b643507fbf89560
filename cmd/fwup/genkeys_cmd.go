package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newGenKeysCommand ports fwup_genkeys.c's save_key pair: generate a
// signing keypair and write it to fwup-key.pub/fwup-key.priv, refusing to
// overwrite either file if it already exists.
func newGenKeysCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "genkeys",
		Short: "generate a new firmware signing keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenKeys()
		},
	}
}

const (
	publicKeyFile  = "fwup-key.pub"
	privateKeyFile = "fwup-key.priv"
)

func runGenKeys() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("creating key pair: %w", err)
	}

	if err := saveKey(publicKeyFile, pub); err != nil {
		return err
	}
	if err := saveKey(privateKeyFile, priv); err != nil {
		os.Remove(publicKeyFile)
		return err
	}

	fmt.Printf("Firmware signing keys created and saved to %s and %s\n\n"+
		"Distribute %s with your system so that firmware updates can be\n"+
		"authenticated. Keep %s in a safe location.\n",
		publicKeyFile, privateKeyFile, publicKeyFile, privateKeyFile)
	return nil
}

// saveKey writes key as standard (padded) base64 to name, refusing to
// clobber an existing file the way save_key's O_EXCL open does.
func saveKey(name string, key []byte) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	defer f.Close()

	if _, err := f.WriteString(base64.StdEncoding.EncodeToString(key)); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}
