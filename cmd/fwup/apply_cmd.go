package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fwup-go/fwup/internal/apply"
	"github.com/fwup-go/fwup/internal/blockcache"
	"github.com/fwup-go/fwup/internal/device"
	"github.com/fwup-go/fwup/internal/progress"
)

type applyOpts struct {
	input        string
	output       string
	task         string
	unsafe       bool
	enableTrim   bool
	verifyWrites string // "", "true", "false" -- tri-state per spec.md §6
	progressMode string
	unmount      bool
}

func newApplyCommand(flags *globalFlags) *cobra.Command {
	o := &applyOpts{}

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "apply a firmware update archive to a destination",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(flags, o)
		},
	}

	cmd.Flags().StringVarP(&o.input, "input", "i", "", "the input firmware archive (required)")
	cmd.Flags().StringVarP(&o.output, "output", "d", "", "the destination device or file to write (required)")
	cmd.Flags().StringVarP(&o.task, "task", "t", "complete", "the task to apply within the archive")
	cmd.Flags().BoolVar(&o.unsafe, "unsafe", false, "allow unsafe commands (execute/path_write/pipe_write)")
	cmd.Flags().BoolVar(&o.enableTrim, "enable-trim", true, "trim the destination before applying")
	cmd.Flags().StringVar(&o.verifyWrites, "verify-writes", "", "verify writes after applying (true/false; default: true for devices, false for regular files)")
	cmd.Flags().StringVar(&o.progressMode, "progress", "normal", "progress reporting mode: off, numeric, normal, framed")
	cmd.Flags().BoolVar(&o.unmount, "unmount", true, "unmount any mounted partitions on the destination before writing")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("output")

	return cmd
}

func runApply(flags *globalFlags, o *applyOpts) error {
	publicKeys, err := flags.loadPublicKeys()
	if err != nil {
		return err
	}

	info, statErr := os.Stat(o.output)
	isRegularFile := statErr == nil && info.Mode().IsRegular()

	manager := device.Manager(device.LinuxManager{})
	if o.unmount {
		if err := manager.UnmountAll(o.output); err != nil {
			logWarn("could not unmount all partitions on %s: %v", o.output, err)
		}
	}

	flag := os.O_RDWR
	if !isRegularFile {
		flag |= os.O_EXCL
	} else {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(o.output, flag, 0o644)
	if err != nil {
		return fmt.Errorf("opening destination %s: %w", o.output, err)
	}
	defer f.Close()

	endOffset := int64(0)
	if isRegularFile {
		if info.Size() > 0 {
			endOffset = info.Size()
		}
	} else if size, err := blockDeviceSize(f); err == nil {
		endOffset = size
	}

	verifyWrites := !isRegularFile
	switch o.verifyWrites {
	case "true":
		verifyWrites = true
	case "false":
		verifyWrites = false
	}

	mode := progressModeFromString(o.progressMode)
	reporter := progress.New(mode, os.Stdout)

	err = apply.Apply(apply.Options{
		ArchivePath:  o.input,
		Output:       f,
		EndOffset:    endOffset,
		TaskPrefix:   o.task,
		DevicePath:   o.output,
		PublicKeys:   publicKeys,
		EnableTrim:   o.enableTrim,
		Trimmer:      hwTrimmerFor(f, isRegularFile),
		VerifyWrites: verifyWrites,
		Resolver:     device.LinuxResolver{},
		Manager:      manager,
		Unsafe:       o.unsafe,
		Progress:     reporter,
	})
	if err != nil {
		return err
	}

	if !isRegularFile {
		if ejectErr := manager.Eject(o.output); ejectErr != nil {
			logWarn("could not eject %s: %v", o.output, ejectErr)
		}
	}
	return nil
}

func hwTrimmerFor(f *os.File, isRegularFile bool) blockcache.HWTrimmer {
	if isRegularFile {
		return nil
	}
	return device.NewBlockHWTrimmer(f)
}

func progressModeFromString(s string) progress.Mode {
	switch s {
	case "numeric":
		return progress.ModeNumeric
	case "framed":
		return progress.ModeFraming
	case "off":
		return progress.ModeOff
	default:
		return progress.ModeNormal
	}
}

func logWarn(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "warning: "+format+"\n", args...)
}

// blockDeviceSize returns a block device's size by seeking to its end,
// the portable way to size a destination that isn't a regular file (a
// block device's os.FileInfo.Size() is 0 on Linux).
func blockDeviceSize(f *os.File) (int64, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return size, nil
}
