package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fwup-go/fwup/internal/cfgfile"
	"github.com/fwup-go/fwup/internal/create"
)

type createOpts struct {
	configPath      string
	outputPath      string
	privateKeyFile  string
	privateKey      string
	fastCompression bool
	defines         []string
}

func newCreateCommand() *cobra.Command {
	o := &createOpts{}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "create a firmware update archive from a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(o)
		},
	}

	cmd.Flags().StringVarP(&o.configPath, "config", "c", "", "the meta.conf-syntax source file (required)")
	cmd.Flags().StringVarP(&o.outputPath, "output", "o", "", "the archive to create (required)")
	cmd.Flags().StringVarP(&o.privateKeyFile, "private-key-file", "s", "", "sign the archive with this private key file")
	cmd.Flags().StringVar(&o.privateKey, "private-key", "", "sign the archive with this base64-encoded private key")
	cmd.Flags().BoolVarP(&o.fastCompression, "fast-compression", "1", false, "store resources uncompressed for faster archive creation")
	cmd.Flags().StringArrayVarP(&o.defines, "define", "d", nil, "define NAME=VALUE in the config environment (can be specified multiple times)")
	cmd.MarkFlagRequired("config")
	cmd.MarkFlagRequired("output")

	return cmd
}

func runCreate(o *createOpts) error {
	env, err := parseDefines(o.defines)
	if err != nil {
		return err
	}

	var signingKey []byte
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
	}

	compressionLevel := 6
	if o.fastCompression {
		compressionLevel = 0
	}

	return create.Create(create.Options{
		ConfigPath:       o.configPath,
		OutputPath:       o.outputPath,
		SigningKey:       signingKey,
		CompressionLevel: compressionLevel,
		Env:              env,
	})
}

// parseDefines turns a list of "NAME=VALUE" strings from -d/--define into
// a config environment, the CLI's equivalent of fwup.c's -D getopt case
// calling set_environment directly.
func parseDefines(defines []string) (cfgfile.Environment, error) {
	env := cfgfile.Environment{}
	for _, d := range defines {
		name, value, ok := splitOnce(d, '=')
		if !ok {
			return nil, fmt.Errorf("--define %q: expected NAME=VALUE", d)
		}
		env.Set(name, value)
	}
	return env, nil
}

func splitOnce(s string, sep byte) (before, after string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
