package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fwup-go/fwup/internal/cfgfile"
)

type metadataOpts struct {
	input string
}

// newMetadataCommand ports fwup_metadata.c's list_metadata: print the
// meta-* attributes of an archive's meta.conf, one per line.
func newMetadataCommand(flags *globalFlags) *cobra.Command {
	o := &metadataOpts{}

	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "print the metadata of a firmware update archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := openArchiveConfig(flags, o.input)
			if err != nil {
				return err
			}
			printMetadata(cfg)
			return nil
		},
	}
	cmd.Flags().StringVarP(&o.input, "input", "i", "", "the firmware archive to inspect (required)")
	cmd.MarkFlagRequired("input")
	return cmd
}

func printMetadata(cfg *cfgfile.Config) {
	fields := []struct {
		key   string
		value string
	}{
		{"meta-product", cfg.Meta.Product},
		{"meta-description", cfg.Meta.Description},
		{"meta-version", cfg.Meta.Version},
		{"meta-author", cfg.Meta.Author},
		{"meta-platform", cfg.Meta.Platform},
		{"meta-architecture", cfg.Meta.Architecture},
		{"meta-creation-date", cfg.Meta.CreationDate},
		{"meta-fwup-version", cfg.Meta.FwupVersion},
	}
	for _, f := range fields {
		fmt.Printf("%s = %q\n", f.key, f.value)
	}
}
