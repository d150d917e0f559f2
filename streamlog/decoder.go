package streamlog

import (
	"io"
)

// Decoder reads framed entries off a byte stream, typically the result
// of an incremental fetch.
type Decoder interface {
	Decode() (Entry, error)
}

type decoder struct {
	headerBuf []byte
	r         io.Reader
}

func NewDecoder(r io.Reader) Decoder {
	return &decoder{r: r, headerBuf: make([]byte, EntryHeaderSize)}
}

func (d *decoder) Decode() (Entry, error) {
	e, err := readEntry(d.r, d.headerBuf)
	if err != nil {
		return nil, err
	}
	if !e.IsValid() {
		return nil, ErrCorruptedEntry
	}
	return e, nil
}
