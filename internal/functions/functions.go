// Package functions implements the manifest function calls a task graph
// runs against a destination: the raw_write/raw_memset/fat_*/mbr_write/
// trim/uboot_*/error/info/path_write/pipe_write/execute vocabulary that
// appears inside on-init/on-finish/on-error/on-resource blocks.
//
// Each function is validated at create time (argument shape), sized at
// apply time before any byte is written (ComputeProgress, so the progress
// bar's denominator is known up front), and finally run. This three-phase
// split is a direct port of the original's fun_validate/fun_compute_progress/
// fun_run calling convention -- REDESIGN FLAGS replaces its fun_table[]
// array of C function pointers with a map[string]Function of small typed
// values, which is the idiomatic Go shape for the same open/closed registry.
package functions

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/fwup-go/fwup/internal/blockcache"
	"github.com/fwup-go/fwup/internal/cfgfile"
	"github.com/fwup-go/fwup/internal/fatfs"
	"github.com/fwup-go/fwup/internal/mbr"
	"github.com/fwup-go/fwup/internal/padwriter"
	"github.com/fwup-go/fwup/internal/progress"
	"github.com/fwup-go/fwup/internal/sparsefile"
	"github.com/fwup-go/fwup/internal/ubootenv"
)

// BlockSize is the unit block-offset/block-count arguments are expressed
// in, matching FWUP_BLOCK_SIZE.
const BlockSize = blockcache.BlockSize

// ContextType records which part of a task graph a Context runs in,
// mirroring enum fun_context_type.
type ContextType int

const (
	ContextInit ContextType = iota
	ContextFinish
	ContextError
	ContextFile
)

// ResourceReader streams a file-resource's data forward, chunk by chunk, in
// increasing destination-relative offset order -- the same contract as the
// original's fctx->read callback, minus the C calling convention.
type ResourceReader interface {
	// Next returns the resource's next chunk and the offset (relative to
	// the start of the resource) it begins at. It returns ok=false once
	// the resource is exhausted, with err nil.
	Next() (data []byte, offset int64, ok bool, err error)
}

// Context is the Go analogue of struct fun_context: everything a function
// needs to validate its arguments, size itself, and run.
type Context struct {
	Type ContextType

	// Args holds the function's own name in Args[0] followed by its
	// string arguments, exactly as the manifest wrote them -- kept this
	// way (rather than splitting Name out) so fat_mv/fat_rm can recover
	// a "!" force suffix from Args[0] the same way the original reads
	// argv[0][6].
	Args []string

	Config *cfgfile.Config
	Task   *cfgfile.Task

	Progress *progress.Reporter
	Output   *blockcache.Cache

	// ResourceName is the on-resource block's title (the file-resource
	// being processed); only set when Type == ContextFile.
	ResourceName string
	Reader       ResourceReader

	// Unsafe gates execute/path_write/pipe_write, matching --unsafe.
	Unsafe bool
}

func (c *Context) name() string { return c.Args[0] }

func (c *Context) arg(i int) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return ""
}

func (c *Context) argUint(i int) (uint64, error) {
	return strconv.ParseUint(c.arg(i), 0, 64)
}

func (c *Context) resource() (*cfgfile.FileResource, error) {
	fr, ok := c.Config.FileResourceByName(c.ResourceName)
	if !ok {
		return nil, fmt.Errorf("%s can't find file-resource %q", c.name(), c.ResourceName)
	}
	return fr, nil
}

// Function is one entry in the registry: the validate/compute-progress/run
// triad the original keeps in fun_table[].
type Function interface {
	Validate(c *Context) error
	ComputeProgress(c *Context) error
	Run(c *Context) error
}

// Registry is the set of all known functions, keyed by manifest name
// (including the "!" force-suffixed fat_mv!/fat_rm! aliases).
var Registry = map[string]Function{
	"raw_write":       rawWrite{},
	"raw_memset":      rawMemset{},
	"fat_attrib":      fatAttrib{},
	"fat_mkfs":        fatMkfs{},
	"fat_write":       fatWrite{},
	"fat_mv":          fatMv{},
	"fat_mv!":         fatMv{},
	"fat_rm":          fatRm{},
	"fat_rm!":         fatRm{},
	"fat_cp":          fatCp{},
	"fat_mkdir":       fatMkdir{},
	"fat_setlabel":    fatSetlabel{},
	"fat_touch":       fatTouch{},
	"mbr_write":       mbrWrite{},
	"trim":            trimFn{},
	"uboot_clearenv":  ubootClearenv{},
	"uboot_setenv":    ubootSetenv{},
	"uboot_unsetenv":  ubootUnsetenv{},
	"uboot_recover":   ubootRecover{},
	"error":           errorFn{},
	"info":            infoFn{},
	"path_write":      pathWrite{},
	"pipe_write":      pipeWrite{},
	"execute":         executeFn{},
}

func lookup(c *Context) (Function, error) {
	if len(c.Args) == 0 {
		return nil, fmt.Errorf("functions: empty function call")
	}
	fn, ok := Registry[c.name()]
	if !ok {
		return nil, fmt.Errorf("functions: unknown function %q", c.name())
	}
	return fn, nil
}

// Validate checks a function call's arguments, called while creating an
// archive.
func Validate(c *Context) error {
	fn, err := lookup(c)
	if err != nil {
		return err
	}
	return fn.Validate(c)
}

// ComputeProgress adds this call's share of progress units to c.Progress,
// called once per task before applying it.
func ComputeProgress(c *Context) error {
	fn, err := lookup(c)
	if err != nil {
		return err
	}
	return fn.ComputeProgress(c)
}

// Run executes the function against c.Output, called while applying.
func Run(c *Context) error {
	fn, err := lookup(c)
	if err != nil {
		return err
	}
	return fn.Run(c)
}

// ApplyFunList runs each call in calls through the given phase (Validate,
// ComputeProgress, or Run), reusing base for everything but Args -- the Go
// shape of fun_apply_funlist walking a flattened funlist.
func ApplyFunList(base *Context, calls []cfgfile.FunctionCall, phase func(*Context) error) error {
	for _, call := range calls {
		c := *base
		c.Args = append([]string{call.Name}, call.Args...)
		if err := phase(&c); err != nil {
			return err
		}
	}
	return nil
}

// processResourceComputeProgress adds the resource's expected size (data
// only, or data+holes if countHoles) to c.Progress's total.
func processResourceComputeProgress(c *Context, countHoles bool) error {
	fr, err := c.resource()
	if err != nil {
		return err
	}
	sfm, err := sparsefile.FromLengthList(fr.Length)
	if err != nil {
		return err
	}
	var expected int64
	if countHoles {
		expected = sfm.FileSize()
	} else {
		expected = sfm.DataSize()
	}
	c.Progress.SetTotal(c.Progress.TotalUnits() + expected)
	return nil
}

// processResource reads a file-resource end to end, verifying its declared
// length and blake2b-256 hash as it goes, handing each chunk to pwrite and
// any trailing sparse hole to finalHole. countHoles must match the value
// passed to processResourceComputeProgress for the same function, since it
// controls how progress is attributed as holes are skipped.
func processResource(c *Context, countHoles bool, pwrite func(buf []byte, offset int64) error, finalHole func(holeSize, fileSize int64) error) error {
	if c.Type != ContextFile {
		return fmt.Errorf("%s only usable in on-resource", c.name())
	}
	fr, err := c.resource()
	if err != nil {
		return err
	}
	if len(fr.Blake2b256) != blake2b.Size256*2 {
		return fmt.Errorf("invalid blake2b hash for %q", c.ResourceName)
	}
	sfm, err := sparsefile.FromLengthList(fr.Length)
	if err != nil {
		return err
	}
	expectedDataLength := sfm.DataSize()

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return err
	}

	var totalDataRead, lastOffset int64
	for {
		data, offset, ok, err := c.Reader.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		hasher.Write(data)
		if err := pwrite(data, offset); err != nil {
			return err
		}

		totalDataRead += int64(len(data))
		if !countHoles {
			c.Progress.Report(int64(len(data)))
		} else {
			nextOffset := offset + int64(len(data))
			c.Progress.Report(nextOffset - lastOffset)
			lastOffset = nextOffset
		}
	}

	if endingHole := sfm.EndingHoleSize(); endingHole > 0 {
		if err := finalHole(endingHole, sfm.FileSize()); err != nil {
			return err
		}
		if countHoles {
			c.Progress.Report(endingHole)
		}
	}

	if totalDataRead != expectedDataLength {
		if totalDataRead == 0 {
			return fmt.Errorf("%s didn't write anything and was likely called twice in an on-resource for %q; try a \"cp\" function", c.name(), c.ResourceName)
		}
		return fmt.Errorf("%s wrote %d bytes for %q, but should have written %d", c.name(), totalDataRead, c.ResourceName, expectedDataLength)
	}

	sum := hasher.Sum(nil)
	gotHash := hex.EncodeToString(sum)
	if gotHash != fr.Blake2b256 {
		return fmt.Errorf("%s detected blake2b mismatch on %q", c.name(), c.ResourceName)
	}
	return nil
}

// -- raw_write --------------------------------------------------------

type rawWrite struct{}

func (rawWrite) Validate(c *Context) error {
	if c.Type != ContextFile {
		return fmt.Errorf("raw_write only usable in on-resource")
	}
	if len(c.Args) != 2 {
		return fmt.Errorf("raw_write requires a block offset")
	}
	if _, err := c.argUint(1); err != nil {
		return fmt.Errorf("raw_write requires a non-negative integer block offset")
	}
	return nil
}

func (rawWrite) ComputeProgress(c *Context) error {
	return processResourceComputeProgress(c, false)
}

func (rawWrite) Run(c *Context) error {
	blockOffset, _ := c.argUint(1)
	destOffset := int64(blockOffset) * BlockSize

	w := padwriter.New(c.Output)
	err := processResource(c, false,
		func(buf []byte, offset int64) error {
			return w.PWrite(buf, destOffset+offset)
		},
		func(holeSize, fileSize int64) error {
			toWrite := holeSize
			if toWrite > BlockSize {
				toWrite = BlockSize
			}
			zeros := make([]byte, toWrite)
			return w.PWrite(zeros, destOffset+fileSize-toWrite)
		})
	if err != nil {
		return err
	}
	return w.Flush()
}

// -- raw_memset -------------------------------------------------------

type rawMemset struct{}

func (rawMemset) Validate(c *Context) error {
	if len(c.Args) != 4 {
		return fmt.Errorf("raw_memset requires a block offset, count, and value")
	}
	if _, err := c.argUint(1); err != nil {
		return fmt.Errorf("raw_memset requires a non-negative integer block offset")
	}
	count, err := c.argUint(2)
	if err != nil || count == 0 {
		return fmt.Errorf("raw_memset requires a positive integer block count")
	}
	value, err := strconv.Atoi(c.arg(3))
	if err != nil || value < 0 || value > 255 {
		return fmt.Errorf("raw_memset requires value to be between 0 and 255")
	}
	return nil
}

func (rawMemset) ComputeProgress(c *Context) error {
	count, _ := c.argUint(2)
	c.Progress.SetTotal(c.Progress.TotalUnits() + int64(count)*BlockSize)
	return nil
}

func (rawMemset) Run(c *Context) error {
	blockOffset, _ := c.argUint(1)
	count, _ := c.argUint(2)
	value, _ := strconv.Atoi(c.arg(3))

	destOffset := int64(blockOffset) * BlockSize
	total := int64(count) * BlockSize
	buf := bytes.Repeat([]byte{byte(value)}, BlockSize)

	for off := int64(0); off < total; off += BlockSize {
		if err := c.Output.PWrite(buf, destOffset+off, true); err != nil {
			return fmt.Errorf("raw_memset couldn't write %d bytes to offset %d: %w", BlockSize, destOffset+off, err)
		}
		c.Progress.Report(BlockSize)
	}
	return nil
}

// -- fat_mkfs -----------------------------------------------------------

type fatMkfs struct{}

func (fatMkfs) Validate(c *Context) error {
	if len(c.Args) != 3 {
		return fmt.Errorf("fat_mkfs requires a block offset and block count")
	}
	if _, err := c.argUint(1); err != nil {
		return fmt.Errorf("fat_mkfs requires a non-negative integer block offset")
	}
	if _, err := c.argUint(2); err != nil {
		return fmt.Errorf("fat_mkfs requires a non-negative integer block count")
	}
	return nil
}

func (fatMkfs) ComputeProgress(c *Context) error {
	c.Progress.SetTotal(c.Progress.TotalUnits() + BlockSize)
	return nil
}

func (fatMkfs) Run(c *Context) error {
	blockOffset, _ := c.argUint(1)
	blockCount, _ := c.argUint(2)
	if _, err := fatfs.Mkfs(c.Output, int64(blockOffset)*BlockSize, uint32(blockCount), ""); err != nil {
		return err
	}
	c.Progress.Report(BlockSize)
	return nil
}

// -- fat_attrib -----------------------------------------------------------

type fatAttrib struct{}

func (fatAttrib) Validate(c *Context) error {
	if len(c.Args) != 4 {
		return fmt.Errorf("fat_attrib requires a block offset, filename, and attributes (SHR)")
	}
	if _, err := c.argUint(1); err != nil {
		return fmt.Errorf("fat_attrib requires a non-negative integer block offset")
	}
	for _, ch := range strings.ToUpper(c.arg(3)) {
		if ch != 'S' && ch != 'H' && ch != 'R' {
			return fmt.Errorf("fat_attrib only supports R, H, and S attributes")
		}
	}
	return nil
}

func (fatAttrib) ComputeProgress(c *Context) error {
	c.Progress.SetTotal(c.Progress.TotalUnits() + BlockSize)
	return nil
}

func (fatAttrib) Run(c *Context) error {
	blockOffset, _ := c.argUint(1)
	fs, err := fatfs.Open(c.Output, int64(blockOffset)*BlockSize)
	if err != nil {
		return err
	}
	var attr byte
	for _, ch := range strings.ToUpper(c.arg(3)) {
		switch ch {
		case 'S':
			attr |= 0x04
		case 'H':
			attr |= 0x02
		case 'R':
			attr |= 0x01
		}
	}
	if err := fs.Attrib(c.arg(2), attr); err != nil {
		return err
	}
	c.Progress.Report(BlockSize)
	return nil
}

// -- fat_write ------------------------------------------------------------

type fatWrite struct{}

func (fatWrite) Validate(c *Context) error {
	if c.Type != ContextFile {
		return fmt.Errorf("fat_write only usable in on-resource")
	}
	if len(c.Args) != 3 {
		return fmt.Errorf("fat_write requires a block offset and destination filename")
	}
	if _, err := c.argUint(1); err != nil {
		return fmt.Errorf("fat_write requires a non-negative integer block offset")
	}
	return nil
}

func (fatWrite) ComputeProgress(c *Context) error {
	return processResourceComputeProgress(c, true)
}

func (fatWrite) Run(c *Context) error {
	blockOffset, _ := c.argUint(1)
	fs, err := fatfs.Open(c.Output, int64(blockOffset)*BlockSize)
	if err != nil {
		return err
	}
	name := c.arg(2)

	if exists, err := fs.Exists(name); err != nil {
		return err
	} else if exists {
		if err := fs.Truncate(name, 0); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	err = processResource(c, true,
		func(data []byte, offset int64) error {
			if offset != int64(buf.Len()) {
				return fmt.Errorf("fat_write requires sequential resource data")
			}
			buf.Write(data)
			return nil
		},
		func(holeSize, fileSize int64) error {
			buf.Write(make([]byte, holeSize))
			return nil
		})
	if err != nil {
		return err
	}
	return fs.WriteFile(name, 0, buf.Bytes())
}

// -- fat_mv / fat_mv! -------------------------------------------------

type fatMv struct{}

func (fatMv) Validate(c *Context) error {
	if len(c.Args) != 4 {
		return fmt.Errorf("fat_mv requires a block offset, old filename, new filename")
	}
	if _, err := c.argUint(1); err != nil {
		return fmt.Errorf("fat_mv requires a non-negative integer block offset")
	}
	return nil
}

func (fatMv) ComputeProgress(c *Context) error {
	c.Progress.SetTotal(c.Progress.TotalUnits() + BlockSize)
	return nil
}

func (fatMv) Run(c *Context) error {
	blockOffset, _ := c.argUint(1)
	fs, err := fatfs.Open(c.Output, int64(blockOffset)*BlockSize)
	if err != nil {
		return err
	}
	force := strings.HasSuffix(c.name(), "!")
	exists, err := fs.Exists(c.arg(2))
	if err != nil {
		return err
	}
	if !exists {
		if force {
			c.Progress.Report(BlockSize)
			return nil
		}
		return fmt.Errorf("fat_mv source %q doesn't exist", c.arg(2))
	}
	if err := fs.Move(c.arg(2), c.arg(3)); err != nil {
		return err
	}
	c.Progress.Report(BlockSize)
	return nil
}

// -- fat_rm / fat_rm! -------------------------------------------------

type fatRm struct{}

func (fatRm) Validate(c *Context) error {
	if len(c.Args) != 3 {
		return fmt.Errorf("fat_rm requires a block offset and filename")
	}
	if _, err := c.argUint(1); err != nil {
		return fmt.Errorf("fat_rm requires a non-negative integer block offset")
	}
	return nil
}

func (fatRm) ComputeProgress(c *Context) error {
	c.Progress.SetTotal(c.Progress.TotalUnits() + BlockSize)
	return nil
}

func (fatRm) Run(c *Context) error {
	blockOffset, _ := c.argUint(1)
	fs, err := fatfs.Open(c.Output, int64(blockOffset)*BlockSize)
	if err != nil {
		return err
	}
	mustExist := strings.HasSuffix(c.name(), "!")
	exists, err := fs.Exists(c.arg(2))
	if err != nil {
		return err
	}
	if !exists {
		if mustExist {
			return fmt.Errorf("fat_rm! %q doesn't exist", c.arg(2))
		}
		c.Progress.Report(BlockSize)
		return nil
	}
	if err := fs.Remove(c.arg(2)); err != nil {
		return err
	}
	c.Progress.Report(BlockSize)
	return nil
}

// -- fat_cp -------------------------------------------------------------

type fatCp struct{}

func (fatCp) Validate(c *Context) error {
	if len(c.Args) != 4 {
		return fmt.Errorf("fat_cp requires a block offset, from filename, and to filename")
	}
	if _, err := c.argUint(1); err != nil {
		return fmt.Errorf("fat_cp requires a non-negative integer block offset")
	}
	return nil
}

func (fatCp) ComputeProgress(c *Context) error {
	c.Progress.SetTotal(c.Progress.TotalUnits() + BlockSize)
	return nil
}

func (fatCp) Run(c *Context) error {
	blockOffset, _ := c.argUint(1)
	fs, err := fatfs.Open(c.Output, int64(blockOffset)*BlockSize)
	if err != nil {
		return err
	}
	data, err := fs.ReadFile(c.arg(2))
	if err != nil {
		return err
	}
	if err := fs.WriteFile(c.arg(3), 0, data); err != nil {
		return err
	}
	c.Progress.Report(BlockSize)
	return nil
}

// -- fat_mkdir ------------------------------------------------------------

type fatMkdir struct{}

func (fatMkdir) Validate(c *Context) error {
	if len(c.Args) != 3 {
		return fmt.Errorf("fat_mkdir requires a block offset and directory name")
	}
	if _, err := c.argUint(1); err != nil {
		return fmt.Errorf("fat_mkdir requires a non-negative integer block offset")
	}
	return nil
}

func (fatMkdir) ComputeProgress(c *Context) error {
	c.Progress.SetTotal(c.Progress.TotalUnits() + BlockSize)
	return nil
}

func (fatMkdir) Run(c *Context) error {
	blockOffset, _ := c.argUint(1)
	fs, err := fatfs.Open(c.Output, int64(blockOffset)*BlockSize)
	if err != nil {
		return err
	}
	if err := fs.Mkdir(c.arg(2)); err != nil {
		return err
	}
	c.Progress.Report(BlockSize)
	return nil
}

// -- fat_setlabel ---------------------------------------------------------

type fatSetlabel struct{}

func (fatSetlabel) Validate(c *Context) error {
	if len(c.Args) != 3 {
		return fmt.Errorf("fat_setlabel requires a block offset and name")
	}
	if _, err := c.argUint(1); err != nil {
		return fmt.Errorf("fat_setlabel requires a non-negative integer block offset")
	}
	return nil
}

func (fatSetlabel) ComputeProgress(c *Context) error {
	c.Progress.SetTotal(c.Progress.TotalUnits() + BlockSize)
	return nil
}

func (fatSetlabel) Run(c *Context) error {
	blockOffset, _ := c.argUint(1)
	fs, err := fatfs.Open(c.Output, int64(blockOffset)*BlockSize)
	if err != nil {
		return err
	}
	if err := fs.SetLabel(c.arg(2)); err != nil {
		return err
	}
	c.Progress.Report(BlockSize)
	return nil
}

// -- fat_touch ------------------------------------------------------------

type fatTouch struct{}

func (fatTouch) Validate(c *Context) error {
	if len(c.Args) != 3 {
		return fmt.Errorf("fat_touch requires a block offset and filename")
	}
	if _, err := c.argUint(1); err != nil {
		return fmt.Errorf("fat_touch requires a non-negative integer block offset")
	}
	return nil
}

func (fatTouch) ComputeProgress(c *Context) error {
	c.Progress.SetTotal(c.Progress.TotalUnits() + BlockSize)
	return nil
}

func (fatTouch) Run(c *Context) error {
	blockOffset, _ := c.argUint(1)
	fs, err := fatfs.Open(c.Output, int64(blockOffset)*BlockSize)
	if err != nil {
		return err
	}
	if err := fs.Touch(c.arg(2)); err != nil {
		return err
	}
	c.Progress.Report(BlockSize)
	return nil
}

// -- mbr_write ------------------------------------------------------------

type mbrWrite struct{}

func findMBR(cfg *cfgfile.Config, name string) (*cfgfile.MBR, error) {
	for _, m := range cfg.MBRs {
		if m.Name == name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("mbr_write can't find mbr reference %q", name)
}

func (mbrWrite) Validate(c *Context) error {
	if len(c.Args) != 2 {
		return fmt.Errorf("mbr_write requires an mbr")
	}
	if _, err := findMBR(c.Config, c.arg(1)); err != nil {
		return err
	}
	return nil
}

func (mbrWrite) ComputeProgress(c *Context) error {
	c.Progress.SetTotal(c.Progress.TotalUnits() + BlockSize)
	return nil
}

func (mbrWrite) Run(c *Context) error {
	cfgMBR, err := findMBR(c.Config, c.arg(1))
	if err != nil {
		return err
	}

	table := mbr.Table{}
	maxLogicalIndex := -1
	for _, p := range cfgMBR.Partitions {
		if p.Index < 0 || p.Index >= mbr.MaxPartitions {
			return fmt.Errorf("mbr_write: partition index %d out of range", p.Index)
		}
		blockOffset, err := strconv.ParseUint(p.BlockOffset, 0, 32)
		if err != nil {
			return fmt.Errorf("mbr_write: bad block-offset %q: %w", p.BlockOffset, err)
		}
		blockCount := p.BlockCount
		if blockCount < 0 {
			if !p.Expand {
				return fmt.Errorf("mbr_write: partition %d is missing block-count", p.Index)
			}
			blockCount = 0
		}
		table.Partitions[p.Index] = mbr.Partition{
			BootFlag:      p.Boot,
			PartitionType: p.Type,
			BlockOffset:   uint32(blockOffset),
			BlockCount:    uint32(blockCount),
			ExpandFlag:    p.Expand,
		}
		if p.Index >= mbr.MaxPrimaryPartitions && p.Index > maxLogicalIndex {
			maxLogicalIndex = p.Index
		}
	}

	// Logical partitions are chained through EBR sectors placed one after
	// another starting at the extended partition's (partition 3) block
	// offset, matching mbr_cfg_to_partitions's record-offset assignment.
	if maxLogicalIndex >= mbr.MaxPrimaryPartitions {
		table.NumExtendedPartitions = maxLogicalIndex - mbr.MaxPrimaryPartitions + 1
		recordOffset := table.Partitions[3].BlockOffset
		for i := mbr.MaxPrimaryPartitions; i < mbr.MaxPrimaryPartitions+table.NumExtendedPartitions; i++ {
			if table.Partitions[i].PartitionType == 0 {
				break
			}
			table.Partitions[i].RecordOffset = recordOffset
			recordOffset++
		}
	}

	var bootstrap []byte
	if cfgMBR.BootstrapCode != "" {
		bootstrap = []byte(cfgMBR.BootstrapCode)
	}

	var osip *mbr.OSIPHeader
	if cfgMBR.IncludeOSIP {
		osip = &mbr.OSIPHeader{
			IncludeOSIP: true,
			Major:       uint8(cfgMBR.OSIPMajor),
			Minor:       uint8(cfgMBR.OSIPMinor),
			NumPointers: uint8(cfgMBR.OSIPNumPointers),
		}
		numImages := 0
		for _, o := range cfgMBR.OSII {
			if o.Index+1 > numImages {
				numImages = o.Index + 1
			}
		}
		osip.Descriptors = make([]mbr.OSIIDescriptor, numImages)
		for _, o := range cfgMBR.OSII {
			osip.Descriptors[o.Index] = mbr.OSIIDescriptor{
				OSMajor:          uint16(o.OSMajor),
				OSMinor:          uint16(o.OSMinor),
				StartBlockOffset: uint32(o.StartBlockOffset),
				DDRLoadAddress:   uint32(o.DDRLoadAddress),
				EntryPoint:       uint32(o.EntryPoint),
				ImageSizeBlocks:  uint32(o.ImageSizeBlocks),
				Attribute:        uint8(o.Attribute),
			}
		}
	}

	var signature uint32
	if cfgMBR.Signature != "" {
		n, err := strconv.ParseUint(cfgMBR.Signature, 0, 32)
		if err != nil {
			return fmt.Errorf("mbr_write: bad signature %q: %w", cfgMBR.Signature, err)
		}
		signature = uint32(n)
	}

	sectors, err := mbr.Create(table, bootstrap, osip, signature, c.Output.NumBlocks())
	if err != nil {
		return err
	}
	for _, s := range sectors {
		if err := c.Output.PWrite(s.Data[:], int64(s.BlockOffset)*BlockSize, false); err != nil {
			return fmt.Errorf("unexpected error writing mbr: %w", err)
		}
	}
	c.Progress.Report(BlockSize)
	return nil
}

// -- trim -----------------------------------------------------------------

type trimFn struct{}

func (trimFn) Validate(c *Context) error {
	if len(c.Args) != 3 {
		return fmt.Errorf("trim requires a block offset and count")
	}
	if _, err := c.argUint(1); err != nil {
		return fmt.Errorf("trim requires a non-negative integer block offset")
	}
	count, err := c.argUint(2)
	if err != nil || count < 1 {
		return fmt.Errorf("trim requires a block count >= 1")
	}
	return nil
}

func (trimFn) ComputeProgress(c *Context) error {
	count, _ := c.argUint(2)
	// Heuristic: 1 progress unit per 128KB, matching the original.
	c.Progress.SetTotal(c.Progress.TotalUnits() + int64(count)/256)
	return nil
}

func (trimFn) Run(c *Context) error {
	blockOffset, _ := c.argUint(1)
	count, _ := c.argUint(2)
	offset := int64(blockOffset) * BlockSize
	byteCount := int64(count) * BlockSize
	if err := c.Output.Trim(offset, byteCount, true); err != nil {
		return err
	}
	c.Progress.Report(int64(count) / 256)
	return nil
}

// -- uboot_* ----------------------------------------------------------

func findUbootEnv(cfg *cfgfile.Config, name string) (*cfgfile.UbootEnvironment, error) {
	for _, u := range cfg.UbootEnvironments {
		if u.Name == name {
			return u, nil
		}
	}
	return nil, fmt.Errorf("can't find uboot-environment reference %q", name)
}

func loadUbootEnv(c *Context, u *cfgfile.UbootEnvironment) (*ubootenv.Environment, error) {
	if u.BlockOffsetRedund >= 0 {
		return ubootenv.Load(c.Output, u.BlockOffset*BlockSize, u.BlockCount*BlockSize, true, false)
	}
	return ubootenv.Load(c.Output, u.BlockOffset*BlockSize, u.BlockCount*BlockSize, false, false)
}

type ubootClearenv struct{}

func (ubootClearenv) Validate(c *Context) error {
	if len(c.Args) != 2 {
		return fmt.Errorf("uboot_clearenv requires a uboot-environment reference")
	}
	_, err := findUbootEnv(c.Config, c.arg(1))
	return err
}

func (ubootClearenv) ComputeProgress(c *Context) error {
	c.Progress.SetTotal(c.Progress.TotalUnits() + BlockSize)
	return nil
}

func (ubootClearenv) Run(c *Context) error {
	u, err := findUbootEnv(c.Config, c.arg(1))
	if err != nil {
		return err
	}
	// A clean environment is simply an empty one written out fresh --
	// there is nothing to read first.
	fresh, err := blankUbootEnv(c, u)
	if err != nil {
		return err
	}
	if err := fresh.Save(); err != nil {
		return fmt.Errorf("unexpected error writing uboot environment: %w", err)
	}
	c.Progress.Report(BlockSize)
	return nil
}

// blankUbootEnv constructs an Environment with an empty variable set ready
// to Save, without requiring a valid prior encoding on disk -- used by
// uboot_clearenv and as uboot_recover's fallback when the stored copy is
// corrupt.
func blankUbootEnv(c *Context, u *cfgfile.UbootEnvironment) (*ubootenv.Environment, error) {
	redundant := u.BlockOffsetRedund >= 0
	size := u.BlockCount * BlockSize
	if redundant {
		zeros := make([]byte, size*2)
		if err := c.Output.PWrite(zeros, u.BlockOffset*BlockSize, false); err != nil {
			return nil, err
		}
	} else {
		zeros := make([]byte, size)
		if err := c.Output.PWrite(zeros, u.BlockOffset*BlockSize, false); err != nil {
			return nil, err
		}
	}
	return ubootenv.Load(c.Output, u.BlockOffset*BlockSize, size, redundant, true)
}

type ubootSetenv struct{}

func (ubootSetenv) Validate(c *Context) error {
	if len(c.Args) != 4 {
		return fmt.Errorf("uboot_setenv requires a uboot-environment reference, variable name and value")
	}
	_, err := findUbootEnv(c.Config, c.arg(1))
	return err
}

func (ubootSetenv) ComputeProgress(c *Context) error {
	c.Progress.SetTotal(c.Progress.TotalUnits() + BlockSize)
	return nil
}

func (ubootSetenv) Run(c *Context) error {
	u, err := findUbootEnv(c.Config, c.arg(1))
	if err != nil {
		return err
	}
	e, err := loadUbootEnv(c, u)
	if err != nil {
		return fmt.Errorf("unexpected error reading uboot environment: %w", err)
	}
	e.Env().Set(c.arg(2), c.arg(3))
	if err := e.Save(); err != nil {
		return fmt.Errorf("unexpected error writing uboot environment: %w", err)
	}
	c.Progress.Report(BlockSize)
	return nil
}

type ubootUnsetenv struct{}

func (ubootUnsetenv) Validate(c *Context) error {
	if len(c.Args) != 3 {
		return fmt.Errorf("uboot_unsetenv requires a uboot-environment reference and a variable name")
	}
	_, err := findUbootEnv(c.Config, c.arg(1))
	return err
}

func (ubootUnsetenv) ComputeProgress(c *Context) error {
	c.Progress.SetTotal(c.Progress.TotalUnits() + BlockSize)
	return nil
}

func (ubootUnsetenv) Run(c *Context) error {
	u, err := findUbootEnv(c.Config, c.arg(1))
	if err != nil {
		return err
	}
	e, err := loadUbootEnv(c, u)
	if err != nil {
		return fmt.Errorf("unexpected error reading uboot environment: %w", err)
	}
	e.Env().Set(c.arg(2), "")
	if err := e.Save(); err != nil {
		return fmt.Errorf("unexpected error writing uboot environment: %w", err)
	}
	c.Progress.Report(BlockSize)
	return nil
}

type ubootRecover struct{}

func (ubootRecover) Validate(c *Context) error {
	if len(c.Args) != 2 {
		return fmt.Errorf("uboot_recover requires a uboot-environment reference")
	}
	_, err := findUbootEnv(c.Config, c.arg(1))
	return err
}

func (ubootRecover) ComputeProgress(c *Context) error {
	c.Progress.SetTotal(c.Progress.TotalUnits() + BlockSize)
	return nil
}

func (ubootRecover) Run(c *Context) error {
	u, err := findUbootEnv(c.Config, c.arg(1))
	if err != nil {
		return err
	}
	if _, err := loadUbootEnv(c, u); err != nil {
		// Corrupt: write a clean environment in its place.
		fresh, ferr := blankUbootEnv(c, u)
		if ferr != nil {
			return ferr
		}
		if err := fresh.Save(); err != nil {
			return fmt.Errorf("unexpected error writing uboot environment: %w", err)
		}
	}
	c.Progress.Report(BlockSize)
	return nil
}

// -- error / info -----------------------------------------------------

type errorFn struct{}

func (errorFn) Validate(c *Context) error {
	if len(c.Args) != 2 {
		return fmt.Errorf("error() requires a message parameter")
	}
	return nil
}
func (errorFn) ComputeProgress(*Context) error { return nil }
func (errorFn) Run(c *Context) error           { return fmt.Errorf("%s", c.arg(1)) }

type infoFn struct{}

func (infoFn) Validate(c *Context) error {
	if len(c.Args) != 2 {
		return fmt.Errorf("info() requires a message parameter")
	}
	return nil
}
func (infoFn) ComputeProgress(*Context) error { return nil }
func (infoFn) Run(c *Context) error {
	fmt.Fprintln(os.Stderr, c.arg(1))
	return nil
}

func checkUnsafe(c *Context) error {
	if !c.Unsafe {
		return fmt.Errorf("%s requires --unsafe", c.name())
	}
	return nil
}

// -- path_write -------------------------------------------------------

type pathWrite struct{}

func (pathWrite) Validate(c *Context) error {
	if c.Type != ContextFile {
		return fmt.Errorf("path_write only usable in on-resource")
	}
	if len(c.Args) != 2 {
		return fmt.Errorf("path_write requires a file path")
	}
	return nil
}

func (pathWrite) ComputeProgress(c *Context) error {
	return processResourceComputeProgress(c, false)
}

func (pathWrite) Run(c *Context) error {
	if err := checkUnsafe(c); err != nil {
		return err
	}
	path := c.arg(1)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("path_write can't open %q: %w", path, err)
	}
	defer f.Close()

	return processResource(c, false,
		func(data []byte, offset int64) error {
			if _, err := f.WriteAt(data, offset); err != nil {
				return fmt.Errorf("path_write failed to write %q: %w", path, err)
			}
			return nil
		},
		func(holeSize, fileSize int64) error {
			if _, err := f.WriteAt([]byte{0}, fileSize-1); err != nil {
				return fmt.Errorf("path_write failed to write %q: %w", path, err)
			}
			return nil
		})
}

// -- pipe_write -------------------------------------------------------

type pipeWrite struct{}

func (pipeWrite) Validate(c *Context) error {
	if c.Type != ContextFile {
		return fmt.Errorf("pipe_write only usable in on-resource")
	}
	if len(c.Args) != 2 {
		return fmt.Errorf("pipe_write requires a command to execute")
	}
	return nil
}

func (pipeWrite) ComputeProgress(c *Context) error {
	return processResourceComputeProgress(c, true)
}

func (pipeWrite) Run(c *Context) error {
	if err := checkUnsafe(c); err != nil {
		return err
	}
	command := c.arg(1)
	cmd := exec.Command("sh", "-c", command)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("pipe_write can't run %q: %w", command, err)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("pipe_write can't run %q: %w", command, err)
	}

	var lastOffset int64
	procErr := processResource(c, true,
		func(data []byte, offset int64) error {
			if lastOffset != offset {
				if _, err := stdin.Write(make([]byte, offset-lastOffset)); err != nil {
					return fmt.Errorf("pipe_write failed to write %q: %w", command, err)
				}
				lastOffset = offset
			}
			if _, err := stdin.Write(data); err != nil {
				return fmt.Errorf("pipe_write failed to write %q: %w", command, err)
			}
			lastOffset += int64(len(data))
			return nil
		},
		func(holeSize, fileSize int64) error {
			_, err := stdin.Write([]byte{0})
			return err
		})

	stdin.Close()
	waitErr := cmd.Wait()
	if procErr != nil {
		return procErr
	}
	if waitErr != nil {
		return fmt.Errorf("command %q returned an error to pipe_write: %w", command, waitErr)
	}
	return nil
}

// -- execute ------------------------------------------------------------

type executeFn struct{}

func (executeFn) Validate(c *Context) error {
	if len(c.Args) != 2 {
		return fmt.Errorf("execute requires a command to execute")
	}
	return nil
}

func (executeFn) ComputeProgress(c *Context) error {
	c.Progress.SetTotal(c.Progress.TotalUnits() + BlockSize)
	return nil
}

func (executeFn) Run(c *Context) error {
	if err := checkUnsafe(c); err != nil {
		return err
	}
	cmd := exec.Command("sh", "-c", c.arg(1))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%q failed: %w", c.arg(1), err)
	}
	c.Progress.Report(BlockSize)
	return nil
}
