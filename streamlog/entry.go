package streamlog

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

var (
	ErrInvalidBufferSize        = errors.New("invalid buffer size")
	ErrEntryTooBig              = errors.New("entry is too big")
	ErrCorruptedEntry           = errors.New("entry corrupted")
	MaxEntrySize         uint64 = 20000000
)

const (
	checksumSize    int = 4
	EntryHeaderSize int = 8 + 8 + 8 + 2 + 2 + checksumSize
)

var encoding = binary.BigEndian

const (
	// FlagHasStep marks entries bound to a step index. One-shot
	// records (files, parameter dumps) leave it unset.
	FlagHasStep uint16 = 1 << iota
)

// Entry is one framed record in a stream file. The header
// self-describes the payload length so committed length can be
// recovered by walking headers after a restart.
type Entry interface {
	Size() uint64
	Timestamp() uint64
	Step() (uint64, bool)
	Kind() uint16
	Checksum() []byte
	Payload() []byte
	IsValid() bool
}

type entry struct {
	payloadSize uint64
	timestamp   uint64
	step        uint64
	kind        uint16
	flags       uint16
	checksum    []byte
	payload     []byte
}

func hash(b []byte) []byte {
	crc := crc32.NewIEEE()
	crc.Write(b)
	return crc.Sum(nil)
}

func (e entry) Size() uint64      { return e.payloadSize }
func (e entry) Timestamp() uint64 { return e.timestamp }
func (e entry) Kind() uint16      { return e.kind }
func (e entry) Payload() []byte   { return e.payload }
func (e entry) Checksum() []byte  { return e.checksum }
func (e entry) IsValid() bool     { return bytes.Equal(hash(e.payload), e.checksum) }
func (e entry) Step() (uint64, bool) {
	if e.flags&FlagHasStep == 0 {
		return 0, false
	}
	return e.step, true
}

// NewEntry frames a one-shot payload.
func NewEntry(ts uint64, kind uint16, payload []byte) Entry {
	return entry{
		payloadSize: uint64(len(payload)),
		timestamp:   ts,
		kind:        kind,
		checksum:    hash(payload),
		payload:     payload,
	}
}

// NewStepEntry frames a payload bound to a step index.
func NewStepEntry(ts uint64, step uint64, kind uint16, payload []byte) Entry {
	return entry{
		payloadSize: uint64(len(payload)),
		timestamp:   ts,
		step:        step,
		kind:        kind,
		flags:       FlagHasStep,
		checksum:    hash(payload),
		payload:     payload,
	}
}

// EncodedSize returns the on-disk size of an entry with the given
// payload length.
func EncodedSize(payloadLen int) uint64 {
	return uint64(EntryHeaderSize + payloadLen)
}

func readEntry(r io.Reader, buf []byte) (Entry, error) {
	if len(buf) != EntryHeaderSize {
		return nil, ErrInvalidBufferSize
	}
	_, err := io.ReadFull(r, buf)
	if err != nil {
		return nil, err
	}
	payloadSize := encoding.Uint64(buf[0:8])
	if payloadSize > MaxEntrySize {
		return nil, ErrEntryTooBig
	}
	bodyBuf := make([]byte, payloadSize+uint64(EntryHeaderSize))
	copy(bodyBuf[0:EntryHeaderSize], buf)
	_, err = io.ReadFull(r, bodyBuf[EntryHeaderSize:])
	if err != nil {
		return nil, err
	}
	return decodeEntry(bodyBuf)
}

func decodeEntry(buf []byte) (Entry, error) {
	if len(buf) < EntryHeaderSize {
		return nil, ErrInvalidBufferSize
	}
	e := entry{
		payloadSize: encoding.Uint64(buf[0:8]),
		timestamp:   encoding.Uint64(buf[8:16]),
		step:        encoding.Uint64(buf[16:24]),
		kind:        encoding.Uint16(buf[24:26]),
		flags:       encoding.Uint16(buf[26:28]),
		checksum:    buf[28 : 28+checksumSize],
		payload:     buf[28+checksumSize:],
	}
	return e, nil
}

func writeEntry(e Entry, w io.Writer) (int, error) {
	if e.Size() > MaxEntrySize {
		return 0, ErrEntryTooBig
	}
	buf := make([]byte, EntryHeaderSize+int(e.Size()))
	encoding.PutUint64(buf[0:8], e.Size())
	encoding.PutUint64(buf[8:16], e.Timestamp())
	step, hasStep := e.Step()
	encoding.PutUint64(buf[16:24], step)
	encoding.PutUint16(buf[24:26], e.Kind())
	var flags uint16
	if hasStep {
		flags |= FlagHasStep
	}
	encoding.PutUint16(buf[26:28], flags)
	copy(buf[28:28+checksumSize], e.Checksum())
	copy(buf[28+checksumSize:], e.Payload())
	return w.Write(buf)
}
