// Package ubootenv reads and writes U-Boot environment blocks: a CRC-32'd,
// null-terminated "key=value" list, optionally stored as two redundant
// copies selected by a signed-wraparound flag byte.
//
// Unlike a file-based U-Boot environment tool, this package reads and
// writes through internal/blockcache, since fwup's destination is a block
// region inside a larger image or device rather than a standalone file.
package ubootenv

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/fwup-go/fwup/internal/blockcache"
)

// Flag values for the redundant-copy header byte. The copy with the
// numerically "newer" flag (by signed wraparound, so 0 is newer than 255)
// is the active one.
const (
	FlagActive   = 0x01
	FlagObsolete = 0x00
)

// Which redundant copy is currently active.
const (
	Copy1 = 1
	Copy2 = 2
)

func headerSize(flagByte bool) int {
	if flagByte {
		return 5
	}
	return 4
}

// Env is one decoded environment (single copy's worth of key=value data).
type Env struct {
	data map[string]string
}

// NewEnv returns an empty environment.
func NewEnv() *Env {
	return &Env{data: make(map[string]string)}
}

// Get returns the value of name, or "" if unset.
func (e *Env) Get(name string) string { return e.data[name] }

// Set assigns name=value. Setting an empty value removes the variable,
// matching the semantics of U-Boot's own `setenv`.
func (e *Env) Set(name, value string) {
	if value == "" {
		delete(e.data, name)
		return
	}
	e.data[name] = value
}

// Keys returns the environment's variable names in sorted order, the order
// they're serialized in.
func (e *Env) Keys() []string {
	keys := make([]string, 0, len(e.data))
	for k := range e.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var errBadCRC = fmt.Errorf("ubootenv: CRC-32 mismatch")

// decode parses one copy's raw bytes (size bytes, including the CRC and
// optional flag header) and returns the environment plus the flag byte (0
// if flagByte is false).
func decode(raw []byte, flagByte bool, bestEffort bool) (*Env, byte, error) {
	hdr := headerSize(flagByte)
	if len(raw) < hdr+2 {
		return nil, 0, fmt.Errorf("ubootenv: block smaller than minimum valid environment")
	}

	crc := leUint32(raw[0:4])
	var flag byte
	if flagByte {
		flag = raw[4]
	}
	payload := raw[hdr:]
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, 0, errBadCRC
	}

	if eof := bytes.Index(payload, []byte{0, 0}); eof >= 0 {
		payload = payload[:eof]
	}

	data := make(map[string]string)
	for _, entry := range bytes.Split(payload, []byte{0}) {
		if len(entry) == 0 || entry[0] == 0 || entry[0] == 0xff {
			continue
		}
		kv := bytes.SplitN(entry, []byte{'='}, 2)
		if len(kv) != 2 || len(kv[0]) == 0 {
			if bestEffort {
				continue
			}
			return nil, 0, fmt.Errorf("ubootenv: cannot parse entry %q as key=value", entry)
		}
		data[string(kv[0])] = string(kv[1])
	}

	return &Env{data: data}, flag, nil
}

// encode serializes e into a size-byte block with the given flag (ignored
// if flagByte is false) and a freshly computed CRC-32.
func (e *Env) encode(size int, flagByte bool, flag byte) []byte {
	hdr := headerSize(flagByte)

	var payload bytes.Buffer
	for _, k := range e.Keys() {
		payload.WriteString(k)
		payload.WriteByte('=')
		payload.WriteString(e.data[k])
		payload.WriteByte(0)
	}
	payload.WriteByte(0)
	if len(e.data) == 0 {
		payload.WriteByte(0)
	}
	for payload.Len() < size-hdr {
		payload.WriteByte(0xff)
	}

	buf := make([]byte, size)
	crc := crc32.ChecksumIEEE(payload.Bytes()[:size-hdr])
	putLeUint32(buf[0:4], crc)
	if flagByte {
		buf[4] = flag
	}
	copy(buf[hdr:], payload.Bytes())
	return buf
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLeUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// isNewerFlag reports whether flag1 should be considered more recent than
// flag2, using the same signed-byte wraparound comparison as the flag
// counter's producer, so that 0 correctly reads as newer than 255.
func isNewerFlag(flag1, flag2 byte) bool {
	return int8(flag1-flag2) >= 0
}

// Environment is a live U-Boot environment region on the destination,
// addressed through the block cache, with optional redundant two-copy
// storage.
type Environment struct {
	cache      *blockcache.Cache
	baseOffset int64
	copySize   int64
	redundant  bool

	env        *Env
	flagByte   bool
	activeFlag byte
	activeCopy int
}

// Load reads the environment region at baseOffset. If redundant is true,
// copySize bytes holds one copy and a second copy immediately follows at
// baseOffset+copySize; the newer-flagged valid copy wins, with failover to
// the other copy if one has a bad CRC. If redundant is false, copySize
// bytes holds the only copy and no flag byte is used. With bestEffort,
// entries that don't parse as key=value are skipped, and a region with no
// copy passing its CRC loads as an empty environment instead of an error.
func Load(cache *blockcache.Cache, baseOffset, copySize int64, redundant bool, bestEffort bool) (*Environment, error) {
	e := &Environment{cache: cache, baseOffset: baseOffset, copySize: copySize, redundant: redundant, flagByte: redundant}

	if !redundant {
		raw := make([]byte, copySize)
		if err := cache.PRead(raw, baseOffset); err != nil {
			return nil, fmt.Errorf("ubootenv: reading environment: %w", err)
		}
		env, _, err := decode(raw, false, bestEffort)
		if err != nil {
			if !bestEffort || err != errBadCRC {
				return nil, fmt.Errorf("ubootenv: %w", err)
			}
			env = NewEnv()
		}
		e.env = env
		return e, nil
	}

	copy1 := make([]byte, copySize)
	copy2 := make([]byte, copySize)
	err1 := cache.PRead(copy1, baseOffset)
	err2 := cache.PRead(copy2, baseOffset+copySize)

	env1, flag1, decErr1 := (*Env)(nil), byte(0), fmt.Errorf("not read")
	if err1 == nil {
		env1, flag1, decErr1 = decode(copy1, true, bestEffort)
	}
	env2, flag2, decErr2 := (*Env)(nil), byte(0), fmt.Errorf("not read")
	if err2 == nil {
		env2, flag2, decErr2 = decode(copy2, true, bestEffort)
	}

	switch {
	case decErr1 == nil && decErr2 == nil:
		if isNewerFlag(flag1, flag2) {
			e.env, e.activeFlag, e.activeCopy = env1, flag1, Copy1
		} else {
			e.env, e.activeFlag, e.activeCopy = env2, flag2, Copy2
		}
	case decErr1 == nil:
		e.env, e.activeFlag, e.activeCopy = env1, flag1, Copy1
	case decErr2 == nil:
		e.env, e.activeFlag, e.activeCopy = env2, flag2, Copy2
	case bestEffort && decErr1 == errBadCRC && decErr2 == errBadCRC:
		e.env, e.activeFlag, e.activeCopy = NewEnv(), 0, Copy2
	default:
		return nil, fmt.Errorf("ubootenv: both redundant copies invalid: copy1: %v, copy2: %v", decErr1, decErr2)
	}
	return e, nil
}

// Env returns the decoded environment for reading and mutation.
func (e *Environment) Env() *Env { return e.env }

// Save writes the environment back. In redundant mode the inactive copy is
// written with an incremented flag, making it the new active copy only
// once the write completes -- the previously-active copy is left untouched
// so a power loss mid-write leaves a valid environment in place.
func (e *Environment) Save() error {
	if !e.redundant {
		buf := e.env.encode(int(e.copySize), false, 0)
		return e.cache.PWrite(buf, e.baseOffset, false)
	}

	newFlag := e.activeFlag + 1
	writeOffset := e.baseOffset
	newActiveCopy := Copy1
	if e.activeCopy == Copy1 {
		writeOffset = e.baseOffset + e.copySize
		newActiveCopy = Copy2
	}

	buf := e.env.encode(int(e.copySize), true, newFlag)
	if err := e.cache.PWrite(buf, writeOffset, false); err != nil {
		return err
	}
	e.activeFlag = newFlag
	e.activeCopy = newActiveCopy
	return nil
}
