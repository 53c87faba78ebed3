package trace

import (
	"encoding/binary"
	"io"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

var TRACE_MAGIC = "QKTR"

var order = binary.LittleEndian

// Header opens a trace file. Everything after it is one snappy stream of
// type-prefixed event frames.
type Header struct {
	// MAGIC ("QKTR")
	Magic string `struc:"[4]byte"`
	// file format version
	Version uint32
	// emulated architecture, right-null-padded
	Arch string `struc:"[16]byte"`
	// byte order - 0 for little, 1 for big
	OrderNum uint8
}

// event frame types
const (
	EV_BLOCK   = 1
	EV_MEM     = 2
	EV_SYSCALL = 3
	EV_EXIT    = 4
)

// EvBlock records one execution of a translated block.
type EvBlock struct {
	Addr  uint64
	Insns uint16
	Hash  uint32
}

// EvMem records one data access.
type EvMem struct {
	Addr  uint64
	Size  uint8
	Write uint8
}

// EvSyscall records a completed syscall.
type EvSyscall struct {
	Num uint64
	Ret uint64
}

// EvExit records end of execution.
type EvExit struct{}

// Writer streams event frames through a compressed writer. It is not safe
// for concurrent use; the tracer serializes.
type Writer struct {
	w  io.Writer
	zw *snappy.Writer
}

func NewWriter(w io.Writer, arch string) (*Writer, error) {
	header := &Header{
		Magic:   TRACE_MAGIC,
		Version: 1,
		Arch:    arch,
	}
	if err := struc.PackWithOrder(w, header, order); err != nil {
		return nil, errors.Wrap(err, "failed to pack header")
	}
	return &Writer{w: w, zw: snappy.NewBufferedWriter(w)}, nil
}

// Pack writes one type-prefixed event frame.
func (t *Writer) Pack(ev interface{}) error {
	var typ byte
	switch ev.(type) {
	case *EvBlock:
		typ = EV_BLOCK
	case *EvMem:
		typ = EV_MEM
	case *EvSyscall:
		typ = EV_SYSCALL
	case *EvExit:
		typ = EV_EXIT
	default:
		return errors.Errorf("unknown event type %T", ev)
	}
	if _, err := t.zw.Write([]byte{typ}); err != nil {
		return err
	}
	if _, ok := ev.(*EvExit); ok {
		return nil
	}
	return struc.PackWithOrder(t.zw, ev, order)
}

// Close flushes the compressed stream. The underlying writer is the
// caller's to close.
func (t *Writer) Close() error {
	return t.zw.Close()
}

// Reader unpacks a trace stream.
type Reader struct {
	Header Header
	zr     *snappy.Reader
}

func NewReader(r io.Reader) (*Reader, error) {
	t := &Reader{}
	if err := struc.UnpackWithOrder(r, &t.Header, order); err != nil {
		return nil, errors.Wrap(err, "failed to unpack header")
	}
	if t.Header.Magic != TRACE_MAGIC {
		return nil, errors.Errorf("bad trace magic %q", t.Header.Magic)
	}
	t.zr = snappy.NewReader(r)
	return t, nil
}

// Next returns the next event frame, or io.EOF at end of stream.
func (t *Reader) Next() (interface{}, error) {
	var tmp [1]byte
	if _, err := io.ReadFull(t.zr, tmp[:]); err != nil {
		return nil, err
	}
	var ev interface{}
	switch tmp[0] {
	case EV_BLOCK:
		ev = &EvBlock{}
	case EV_MEM:
		ev = &EvMem{}
	case EV_SYSCALL:
		ev = &EvSyscall{}
	case EV_EXIT:
		return &EvExit{}, nil
	default:
		return nil, errors.Errorf("unknown event: %d", tmp[0])
	}
	if err := struc.UnpackWithOrder(t.zr, ev, order); err != nil {
		return nil, err
	}
	return ev, nil
}
