// Package abi implements the syscall surface user programs see: a fixed
// call id, five argument registers and a single u64 result.
//
// Calls that touch files go through a FileSystem (normally a mounted
// *shfs.Session); text and emoticons go to a Console; pointers are
// resolved against a UserMemory window. Failures never carry text across
// the boundary; callers ask for it with the errstr call.
package abi

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/marmos91/shfs/internal/logger"
	"github.com/marmos91/shfs/pkg/shfs"
	"github.com/marmos91/shfs/pkg/shfs/tree"
)

// Call ids.
const (
	SysRead     uint64 = 0
	SysWrite    uint64 = 1
	SysPanic    uint64 = 2
	SysWait     uint64 = 3
	SysRandU64  uint64 = 4
	SysIntToStr uint64 = 5
	SysEmoticon uint64 = 6
	SysListDir  uint64 = 7
	SysFileSize uint64 = 8
	SysErrStr   uint64 = 9
)

// WholeFile as the read length reads from the offset to the end of file.
const WholeFile = math.MaxUint64

// maxPathArg bounds the filename length read from user memory.
const maxPathArg = 4096

// Args are the five argument registers.
type Args [5]uint64

// FileSystem is the engine surface the dispatcher needs.
type FileSystem interface {
	Read(ctx context.Context, p string, off uint64, buf []byte) (int, error)
	Stat(ctx context.Context, p string) (tree.Entry, error)
}

var _ FileSystem = (*shfs.Session)(nil)

// HaltError is returned by Dispatch for the panic call.
type HaltError struct {
	Message string
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("kernel panic: %s", e.Message)
}

// Dispatcher executes syscalls for one program.
type Dispatcher struct {
	// FS serves file calls. Nil yields ResultNotMounted.
	FS FileSystem

	Memory  UserMemory
	Console Console

	// Rand returns random values for randu64. Defaults to math/rand/v2.
	Rand func() uint64

	// Sleep implements the wait hint. Defaults to a timer bounded by ctx.
	Sleep func(ctx context.Context, d time.Duration)
}

// Dispatch executes call id with args and returns its result code.
//
// The only non-nil error is a *HaltError from the panic call; every other
// failure is reported through the result.
func (d *Dispatcher) Dispatch(ctx context.Context, id uint64, args Args) (uint64, error) {
	switch id {
	case SysRead:
		return d.read(ctx, args), nil
	case SysWrite:
		return d.write(args), nil
	case SysPanic:
		return d.halt(args)
	case SysWait:
		return d.wait(ctx, args), nil
	case SysRandU64:
		return d.randU64(), nil
	case SysIntToStr:
		return d.intToStr(args), nil
	case SysEmoticon:
		return d.emoticon(args), nil
	case SysListDir:
		// The directory argument is undefined upstream.
		return ResultUnsupported, nil
	case SysFileSize:
		return d.fileSize(ctx, args), nil
	case SysErrStr:
		return d.errStr(args), nil
	default:
		logger.Error("Invalid syscall number %d", id)
		return ResultInvalid, nil
	}
}

// fail logs err at debug level and returns its result code.
func fail(call string, err error) uint64 {
	r := resultFor(err)
	logger.Debug("syscall %s: %v (result %#x)", call, err, r)
	return r
}

// readBytes copies n bytes of user memory. The range is checked before
// anything is allocated, so n comes straight from a register.
func (d *Dispatcher) readBytes(addr, n uint64) ([]byte, error) {
	if err := d.Memory.Check(addr, n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err := d.Memory.ReadAt(buf, addr); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *Dispatcher) readString(addr, n uint64) (string, error) {
	buf, err := d.readBytes(addr, n)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func (d *Dispatcher) readPath(addr, n uint64) (string, error) {
	if n == 0 || n > maxPathArg {
		return "", fmt.Errorf("path length %d: %w", n, tree.ErrInvalidPath)
	}
	return d.readString(addr, n)
}

// read: filename ptr, filename len, buffer ptr, offset, length.
func (d *Dispatcher) read(ctx context.Context, args Args) uint64 {
	if d.FS == nil {
		return ResultNotMounted
	}
	name, err := d.readPath(args[0], args[1])
	if err != nil {
		return fail("read", err)
	}
	bufAddr, off, length := args[2], args[3], args[4]

	e, err := d.FS.Stat(ctx, name)
	if err != nil {
		return fail("read", err)
	}
	if e.IsDir() {
		return fail("read", tree.ErrIsDirectory)
	}
	if off >= e.Size || length == 0 {
		return 0
	}
	length = min(length, e.Size-off)

	if err := d.Memory.Check(bufAddr, length); err != nil {
		return fail("read", err)
	}

	buf := make([]byte, length)
	n, err := d.FS.Read(ctx, name, off, buf)
	if err != nil {
		return fail("read", err)
	}
	if err := d.Memory.WriteAt(buf[:n], bufAddr); err != nil {
		return fail("read", err)
	}
	return uint64(n)
}

// write: style, text ptr, text len.
func (d *Dispatcher) write(args Args) uint64 {
	style := Style(args[0])
	if style < StyleNormal || style > StyleTodo {
		return ResultInvalid
	}
	text, err := d.readString(args[1], args[2])
	if err != nil {
		return fail("write", err)
	}
	d.Console.Emit(style, text)
	return args[2]
}

// panic: text ptr, text len.
func (d *Dispatcher) halt(args Args) (uint64, error) {
	text, err := d.readString(args[0], args[1])
	if err != nil {
		text = fmt.Sprintf("<unreadable panic message: %v>", err)
	}
	logger.Error("Kernel panic: %s", text)
	return ResultInvalid, &HaltError{Message: text}
}

// wait: milliseconds. A hint only; it may return early.
func (d *Dispatcher) wait(ctx context.Context, args Args) uint64 {
	dur := time.Duration(min(args[0], uint64(math.MaxInt64/int64(time.Millisecond)))) * time.Millisecond
	if d.Sleep != nil {
		d.Sleep(ctx, dur)
		return 0
	}

	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return 0
}

func (d *Dispatcher) randU64() uint64 {
	if d.Rand != nil {
		return d.Rand()
	}
	return rand.Uint64()
}

// inttostr: buffer ptr, buffer len, number.
func (d *Dispatcher) intToStr(args Args) uint64 {
	text := strconv.FormatUint(args[2], 10)
	if uint64(len(text)) > args[1] {
		return ResultBufferTooSmall
	}
	if err := d.Memory.WriteAt([]byte(text), args[0]); err != nil {
		return fail("inttostr", err)
	}
	return uint64(len(text))
}

// emoticon: mood.
func (d *Dispatcher) emoticon(args Args) uint64 {
	mood := Mood(args[0])
	if mood != MoodHappy && mood != MoodSad {
		return ResultInvalid
	}
	d.Console.Emote(mood)
	return 0
}

// filesize: filename ptr, filename len, size-out ptr.
func (d *Dispatcher) fileSize(ctx context.Context, args Args) uint64 {
	if d.FS == nil {
		return ResultNotMounted
	}
	name, err := d.readPath(args[0], args[1])
	if err != nil {
		return fail("filesize", err)
	}
	e, err := d.FS.Stat(ctx, name)
	if err != nil {
		return fail("filesize", err)
	}
	if e.IsDir() {
		return fail("filesize", tree.ErrIsDirectory)
	}

	var out [8]byte
	binary.LittleEndian.PutUint64(out[:], e.Size)
	if err := d.Memory.WriteAt(out[:], args[2]); err != nil {
		return fail("filesize", err)
	}
	return 0
}

// errstr: buffer ptr, buffer len, result code.
func (d *Dispatcher) errStr(args Args) uint64 {
	text, ok := ResultText(args[2])
	if !ok {
		return ResultInvalid
	}
	if uint64(len(text)) > args[1] {
		return ResultBufferTooSmall
	}
	if err := d.Memory.WriteAt([]byte(text), args[0]); err != nil {
		return fail("errstr", err)
	}
	return uint64(len(text))
}
