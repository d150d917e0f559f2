package store

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jonasrothfuss/ml-logger/api"
	"github.com/jonasrothfuss/ml-logger/streamlog"
)

var (
	ErrInvalidRun       = errors.New("invalid run name")
	ErrInvalidKey       = errors.New("invalid stream key")
	ErrMalformedPayload = errors.New("malformed step payload")
	ErrCorrupted        = streamlog.ErrCorruptedLog
)

// Store owns one append-only stream file per (run, key) pair, rooted
// at a data directory. Ingest on the same stream is serialized; ingest
// and fetch on different streams proceed concurrently.
type Store struct {
	dir    string
	logger *zap.Logger

	mtx     sync.Mutex
	streams map[string]*stream
}

type stream struct {
	mtx sync.Mutex
	log *streamlog.Log
	// latest logical field set per step, rebuilt from the log on open
	steps map[uint64]api.Fields
	// timestamp of the most recent entry, unix nanoseconds
	lastWrite uint64
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func Open(dir string, opts ...Option) (*Store, error) {
	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create data directory")
	}
	s := &Store{
		dir:     dir,
		logger:  zap.NewNop(),
		streams: map[string]*stream{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func streamID(run, key string) string {
	return run + "/" + key
}

func validateRun(run string) error {
	if run == "" || strings.ContainsAny(run, "/\\") || run == "." || run == ".." {
		return ErrInvalidRun
	}
	return nil
}

func (s *Store) streamPath(run, key string) string {
	return filepath.Join(s.dir, run, filepath.FromSlash(key)+".stream")
}

// resolve returns the stream for (run, key), opening it if needed.
// When create is false and the stream file does not exist, resolve
// returns nil without error.
func (s *Store) resolve(run, key string, create bool) (*stream, error) {
	if err := validateRun(run); err != nil {
		return nil, err
	}
	if err := api.ValidateKey(key); err != nil {
		return nil, errors.Wrap(ErrInvalidKey, err.Error())
	}
	id := streamID(run, key)
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if st, ok := s.streams[id]; ok {
		return st, nil
	}
	path := s.streamPath(run, key)
	if !create {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, nil
		}
	}
	log, err := streamlog.Open(path)
	if err != nil {
		return nil, err
	}
	st := &stream{log: log, steps: map[uint64]api.Fields{}}
	err = st.rebuildSteps()
	if err != nil {
		log.Close()
		return nil, err
	}
	s.streams[id] = st
	s.logger.Debug("opened stream",
		zap.String("run", run),
		zap.String("key", key),
		zap.Uint64("committed_bytes", log.Size()))
	return st, nil
}

// rebuildSteps replays the log to recover the latest logical entry per
// step. Appends carry already-merged snapshots, so the last physical
// entry for a step is its complete current value.
func (st *stream) rebuildSteps() error {
	data, _, err := st.log.ReadRange(0)
	if err != nil {
		return err
	}
	dec := streamlog.NewDecoder(bytes.NewReader(data))
	for {
		e, err := dec.Decode()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return ErrCorrupted
		}
		st.lastWrite = e.Timestamp()
		step, ok := e.Step()
		if !ok || api.Kind(e.Kind()) != api.KindScalar {
			continue
		}
		fields, err := api.DecodeFields(e.Payload())
		if err != nil {
			return ErrCorrupted
		}
		st.steps[step] = fields
	}
}

// Ingest appends one record to the (run, key) stream and returns the
// new committed length. Scalar records bound to a step are merged with
// the stream's current logical entry for that step before the merged
// snapshot is appended; other step-tagged records keep their step
// index but are appended untouched.
func (s *Store) Ingest(run, key string, rec api.Record) (uint64, error) {
	st, err := s.resolve(run, key, true)
	if err != nil {
		return 0, err
	}
	st.mtx.Lock()
	defer st.mtx.Unlock()

	if rec.Kind == api.KindScalar && rec.Step != nil {
		fields, err := api.DecodeFields(rec.Payload)
		if err != nil {
			return st.log.Size(), errors.Wrap(ErrMalformedPayload, err.Error())
		}
		merged := api.Merge(st.steps[*rec.Step], fields)
		payload, err := api.EncodeFields(merged)
		if err != nil {
			return st.log.Size(), errors.Wrap(err, "failed to encode merged entry")
		}
		size, err := st.log.Append(streamlog.NewStepEntry(rec.Timestamp, *rec.Step, uint16(rec.Kind), payload))
		if err != nil {
			return size, err
		}
		st.steps[*rec.Step] = merged
		st.lastWrite = rec.Timestamp
		return size, nil
	}
	var e streamlog.Entry
	if rec.Step != nil {
		e = streamlog.NewStepEntry(rec.Timestamp, *rec.Step, uint16(rec.Kind), rec.Payload)
	} else {
		e = streamlog.NewEntry(rec.Timestamp, uint16(rec.Kind), rec.Payload)
	}
	size, err := st.log.Append(e)
	if err != nil {
		return size, err
	}
	st.lastWrite = rec.Timestamp
	return size, nil
}

// Fetch returns the committed bytes of the (run, key) stream starting
// at offset, plus the new committed length. An absent stream yields an
// empty result with offset zero. The returned range always ends on an
// entry boundary.
func (s *Store) Fetch(run, key string, offset uint64) ([]byte, uint64, error) {
	st, err := s.resolve(run, key, false)
	if err != nil {
		return nil, 0, err
	}
	if st == nil {
		return nil, 0, nil
	}
	return st.log.ReadRange(offset)
}

// StepFields returns the current logical field set at the given step,
// or nil if the stream has no entry for it.
func (s *Store) StepFields(run, key string, step uint64) (api.Fields, error) {
	st, err := s.resolve(run, key, false)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, nil
	}
	st.mtx.Lock()
	defer st.mtx.Unlock()
	return st.steps[step], nil
}

// StreamInfo describes one stream for listings. LastWrite is the
// timestamp of the most recent entry, unix nanoseconds.
type StreamInfo struct {
	Run       string `json:"run"`
	Key       string `json:"key"`
	Bytes     uint64 `json:"bytes"`
	Entries   uint64 `json:"entries"`
	LastWrite uint64 `json:"lastWrite"`
}

// List walks the data directory and returns every stream, optionally
// filtered to one run.
func (s *Store) List(run string) ([]StreamInfo, error) {
	var out []StreamInfo
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".stream") {
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(strings.TrimSuffix(rel, ".stream"))
		idx := strings.Index(rel, "/")
		if idx < 0 {
			return nil
		}
		streamRun, key := rel[:idx], rel[idx+1:]
		if run != "" && streamRun != run {
			return nil
		}
		st, err := s.resolve(streamRun, key, false)
		if err != nil || st == nil {
			return err
		}
		st.mtx.Lock()
		lastWrite := st.lastWrite
		st.mtx.Unlock()
		out = append(out, StreamInfo{
			Run:       streamRun,
			Key:       key,
			Bytes:     st.log.Size(),
			Entries:   st.log.EntryCount(),
			LastWrite: lastWrite,
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list streams")
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Run != out[j].Run {
			return out[i].Run < out[j].Run
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// Close closes every open stream file.
func (s *Store) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var firstErr error
	for id, st := range s.streams {
		if err := st.log.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.streams, id)
	}
	return firstErr
}
