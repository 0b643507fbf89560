package main

import (
	"archive/zip"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fwup-go/fwup/internal/cfgfile"
	"github.com/fwup-go/fwup/internal/fwfile"
	"github.com/fwup-go/fwup/internal/integrity"
)

type listOpts struct {
	input string
}

// newListCommand ports fwup_list.c's list_tasks: sort the tasks declared
// in meta.conf by name and print one per line.
func newListCommand(flags *globalFlags) *cobra.Command {
	o := &listOpts{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "list the tasks available in a firmware update archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := openArchiveConfig(flags, o.input)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(cfg.Tasks))
			for _, t := range cfg.Tasks {
				names = append(names, t.Name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&o.input, "input", "i", "", "the firmware archive to list (required)")
	cmd.MarkFlagRequired("input")
	return cmd
}

// openArchiveConfig reads and parses an archive's meta.conf, verifying its
// signature against flags' public keys the same way apply.Apply does.
func openArchiveConfig(flags *globalFlags, path string) (*cfgfile.Config, error) {
	publicKeys, err := flags.loadPublicKeys()
	if err != nil {
		return nil, err
	}

	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer r.Close()

	metaConf, signature, _, err := fwfile.ReadMetaConf(r.File)
	if err != nil {
		return nil, err
	}
	if len(publicKeys) > 0 {
		if signature == nil {
			return nil, fmt.Errorf("expecting signed firmware archive")
		}
		if !integrity.Verify(publicKeys, metaConf, signature) {
			return nil, fmt.Errorf("firmware archive's meta.conf fails digital signature verification")
		}
	}

	uuid, err := integrity.DeriveUUID(metaConf)
	if err != nil {
		return nil, fmt.Errorf("deriving meta-uuid: %w", err)
	}
	env := cfgfile.Environment{}
	env.Set("FWUP_META_UUID", uuid)

	cfg, err := cfgfile.Parse(string(metaConf), env)
	if err != nil {
		return nil, fmt.Errorf("parsing meta.conf: %w", err)
	}
	return cfg, nil
}
