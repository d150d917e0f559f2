package streamlog

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrCorruptedLog     = errors.New("corrupted stream log")
	ErrOffsetOutOfRange = errors.New("offset is past the committed length")
)

// Log is one append-only stream file. Bytes below the committed length
// are immutable; the committed length only advances after a full entry
// has been written, so any byte range ending at Size() ends on an
// entry boundary.
type Log struct {
	mtx       sync.Mutex
	path      string
	fd        *os.File
	committed uint64
	entries   uint64
}

// Open opens the stream file at path, creating it (and its parent
// directories) if absent. An existing file is scanned header by header
// to recover the committed length; a partial trailing write left by a
// crash is truncated away so the file resumes at an entry boundary.
func Open(path string) (*Log, error) {
	err := os.MkdirAll(filepath.Dir(path), 0750)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create stream directory")
	}
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0650)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open stream file")
	}
	committed, entries, err := scanCommitted(fd)
	if err != nil {
		fd.Close()
		return nil, err
	}
	err = fd.Truncate(int64(committed))
	if err != nil {
		fd.Close()
		return nil, errors.Wrap(err, "failed to truncate partial tail")
	}
	return &Log{
		path:      path,
		fd:        fd,
		committed: committed,
		entries:   entries,
	}, nil
}

// scanCommitted walks entry headers from the start of the file and
// returns the byte length of the last complete entry, plus the entry
// count. Structural damage before the tail is corruption; a short tail
// is a crashed append and is simply ignored.
func scanCommitted(fd *os.File) (uint64, uint64, error) {
	info, err := fd.Stat()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to stat stream file")
	}
	fileSize := uint64(info.Size())
	buf := make([]byte, EntryHeaderSize)
	var pos, count uint64
	for pos < fileSize {
		if fileSize-pos < uint64(EntryHeaderSize) {
			return pos, count, nil
		}
		_, err := fd.ReadAt(buf, int64(pos))
		if err != nil {
			return 0, 0, ErrCorruptedLog
		}
		payloadSize := encoding.Uint64(buf[0:8])
		if payloadSize > MaxEntrySize {
			return 0, 0, ErrCorruptedLog
		}
		next := pos + uint64(EntryHeaderSize) + payloadSize
		if next > fileSize {
			return pos, count, nil
		}
		pos = next
		count++
	}
	return pos, count, nil
}

// Size returns the committed length of the stream in bytes. It is the
// offset readers use for incremental fetches.
func (l *Log) Size() uint64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.committed
}

// EntryCount returns the number of committed entries.
func (l *Log) EntryCount() uint64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.entries
}

func (l *Log) Path() string {
	return l.path
}

// Append writes one entry and returns the new committed length. The
// entry is synced to disk before the committed length advances.
func (l *Log) Append(e Entry) (uint64, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	n, err := writeEntry(e, &writerAt{pos: l.committed, w: l.fd})
	if err != nil {
		return l.committed, errors.Wrap(err, "failed to append entry")
	}
	err = l.fd.Sync()
	if err != nil {
		return l.committed, errors.Wrap(err, "failed to sync stream file")
	}
	l.committed += uint64(n)
	l.entries++
	return l.committed, nil
}

// ReadRange returns the committed bytes in [offset, Size()) plus the
// committed length the range ends at. Reads do not hold the append
// lock while touching the file: committed bytes never change.
func (l *Log) ReadRange(offset uint64) ([]byte, uint64, error) {
	l.mtx.Lock()
	committed := l.committed
	l.mtx.Unlock()

	if offset > committed {
		return nil, committed, ErrOffsetOutOfRange
	}
	if offset == committed {
		return nil, committed, nil
	}
	buf := make([]byte, committed-offset)
	_, err := l.fd.ReadAt(buf, int64(offset))
	if err != nil {
		return nil, committed, errors.Wrap(err, "failed to read stream range")
	}
	return buf, committed, nil
}

func (l *Log) Close() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.fd.Close()
}

// Delete closes the log and removes its backing file.
func (l *Log) Delete() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.fd.Close()
	return os.Remove(l.path)
}

type writerAt struct {
	pos uint64
	w   io.WriterAt
}

func (w *writerAt) Write(buf []byte) (int, error) {
	n, err := w.w.WriteAt(buf, int64(w.pos))
	w.pos += uint64(n)
	return n, err
}
