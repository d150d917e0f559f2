package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/pkg/errors"

	"github.com/jonasrothfuss/ml-logger/api"
	"github.com/jonasrothfuss/ml-logger/streamlog"
)

type eofBehaviour int

const (
	// EOFBehaviourPoll makes Tail poll for new bytes once it catches up
	// with the committed length.
	EOFBehaviourPoll eofBehaviour = 1 << iota
	// EOFBehaviourExit makes Tail stop at the committed length.
	EOFBehaviourExit eofBehaviour = 1 << iota
)

// TailOpts describes tail preferences.
type TailOpts struct {
	FromOffset   uint64
	PollInterval time.Duration
	EOFBehaviour eofBehaviour
}

type TailOption func(*TailOpts)

func FromOffset(o uint64) TailOption {
	return func(t *TailOpts) { t.FromOffset = o }
}
func WithPollInterval(d time.Duration) TailOption {
	return func(t *TailOpts) { t.PollInterval = d }
}
func WithEOFBehaviour(v eofBehaviour) TailOption {
	return func(t *TailOpts) { t.EOFBehaviour = v }
}

// Batch is one contiguous chunk of decoded records.
type Batch struct {
	FromOffset uint64
	NextOffset uint64
	Records    []api.Record
}

// Fetcher reads growing streams incrementally from a store server. A
// reader that cached offset O only ever requests bytes from O onward.
type Fetcher struct {
	endpoint string
	client   *http.Client
}

func NewFetcher(endpoint string) *Fetcher {
	return &Fetcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type fetchResponse struct {
	Data      []byte `json:"data"`
	NewOffset uint64 `json:"newOffset"`
}

// Fetch returns the stream bytes past offset plus the new committed
// length. An absent stream yields an empty result at offset zero.
func (f *Fetcher) Fetch(ctx context.Context, run, key string, offset uint64) ([]byte, uint64, error) {
	var out fetchResponse
	err := requests.
		URL(f.endpoint).
		Client(f.client).
		Pathf("/v1/fetch/%s/%s", run, key).
		Param("offset", strconv.FormatUint(offset, 10)).
		ToJSON(&out).
		Fetch(ctx)
	if err != nil {
		return nil, 0, errors.Wrap(err, "fetch request failed")
	}
	return out.Data, out.NewOffset, nil
}

// DecodeRecords turns fetched bytes back into records. The input must
// start at an entry boundary, which every Fetch result does.
func DecodeRecords(data []byte) ([]api.Record, error) {
	var out []api.Record
	dec := streamlog.NewDecoder(bytes.NewReader(data))
	for {
		e, err := dec.Decode()
		if err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
		rec := api.Record{
			Kind:      api.Kind(e.Kind()),
			Timestamp: e.Timestamp(),
			Payload:   e.Payload(),
		}
		if step, ok := e.Step(); ok {
			s := step
			rec.Step = &s
		}
		out = append(out, rec)
	}
}

// Poller emits batches of records read from a growing stream.
type Poller interface {
	Ready() <-chan Batch
	Error() error
}

type poller struct {
	ch  chan Batch
	err error
}

func (p *poller) Ready() <-chan Batch { return p.ch }
func (p *poller) Error() error        { return p.err }

// Tail follows the (run, key) stream from an offset, fetching
// incrementally and emitting decoded batches until the context is
// cancelled or, with EOFBehaviourExit, the committed length is
// reached.
func (f *Fetcher) Tail(ctx context.Context, run, key string, opts ...TailOption) Poller {
	config := TailOpts{
		FromOffset:   0,
		PollInterval: 100 * time.Millisecond,
		EOFBehaviour: EOFBehaviourPoll,
	}
	for _, opt := range opts {
		opt(&config)
	}
	p := &poller{ch: make(chan Batch)}
	go p.run(ctx, f, run, key, config)
	return p
}

func (p *poller) run(ctx context.Context, f *Fetcher, run, key string, opts TailOpts) {
	defer close(p.ch)
	offset := opts.FromOffset
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		data, newOffset, err := f.Fetch(ctx, run, key, offset)
		if err != nil {
			p.err = err
			return
		}
		if len(data) > 0 {
			records, err := DecodeRecords(data)
			if err != nil {
				p.err = err
				return
			}
			select {
			case p.ch <- Batch{FromOffset: offset, NextOffset: newOffset, Records: records}:
				offset = newOffset
			case <-ctx.Done():
				return
			}
			continue
		}
		if opts.EOFBehaviour == EOFBehaviourExit {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
