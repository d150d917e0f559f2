package client

import (
	"context"
	"net/http"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/pkg/errors"

	"github.com/jonasrothfuss/ml-logger/api"
	"github.com/jonasrothfuss/ml-logger/store"
)

// Job is one immutable unit of delivery: a single record bound for a
// (run, key) stream. The dispatcher owns it from enqueue until it is
// delivered or dropped.
type Job struct {
	Run      string
	Key      string
	Record   api.Record
	Created  time.Time
	Attempts int
}

// Transport delivers jobs to the store engine. Implementations
// classify failures: a permanent error (wrapped with Permanent) is
// dropped immediately, anything else is retried with backoff.
type Transport interface {
	Send(ctx context.Context, job Job) error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked non-retryable.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// localRetryDelay absorbs transient filesystem contention before a
// local append is declared failed.
const localRetryDelay = 50 * time.Millisecond

type localTransport struct {
	store *store.Store
}

// NewLocalTransport appends jobs directly to stream files under the
// given store. There is no remote party to retry against, so failures
// are fatal to the job after one internal retry.
func NewLocalTransport(st *store.Store) Transport {
	return &localTransport{store: st}
}

func (t *localTransport) Send(ctx context.Context, job Job) error {
	_, err := t.store.Ingest(job.Run, job.Key, job.Record)
	if err == nil {
		return nil
	}
	select {
	case <-time.After(localRetryDelay):
	case <-ctx.Done():
		return Permanent(errors.Wrap(err, "local append failed"))
	}
	_, err = t.store.Ingest(job.Run, job.Key, job.Record)
	if err != nil {
		return Permanent(errors.Wrap(err, "local append failed"))
	}
	return nil
}

// permanentStatuses are the 4xx codes that indicate the payload or
// target will never be accepted. 408 and 429 are server pushback and
// stay retryable.
var permanentStatuses = func() []int {
	out := make([]int, 0, 98)
	for code := 400; code < 500; code++ {
		if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
			continue
		}
		out = append(out, code)
	}
	return out
}()

type remoteTransport struct {
	endpoint string
	client   *http.Client
}

// NewRemoteTransport ships jobs to a store server's ingest endpoint.
func NewRemoteTransport(endpoint string) Transport {
	return &remoteTransport{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *remoteTransport) Send(ctx context.Context, job Job) error {
	body, err := api.EncodeRecord(job.Record)
	if err != nil {
		return Permanent(errors.Wrap(err, "failed to encode record"))
	}
	err = requests.
		URL(t.endpoint).
		Client(t.client).
		Pathf("/v1/ingest/%s/%s", job.Run, job.Key).
		Put().
		BodyBytes(body).
		ContentType("application/json").
		Fetch(ctx)
	if err == nil {
		return nil
	}
	if requests.HasStatusErr(err, permanentStatuses...) {
		return Permanent(errors.Wrap(err, "ingest rejected"))
	}
	return errors.Wrap(err, "ingest request failed")
}
