package client

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jonasrothfuss/ml-logger/api"
	"github.com/jonasrothfuss/ml-logger/store"
)

// Config is the construction-time configuration of a Client. The zero
// value of every optional field gets a usable default.
type Config struct {
	// Destination selects the transport: "http://host:port" for a
	// remote store server, "file:///dir" or a plain path for direct
	// local appends.
	Destination string
	// Run names the stream namespace. Generated (ULID) when empty.
	Run string
	// MetricsKey is the stream step-coalesced metrics are flushed to.
	MetricsKey string

	QueueSize      int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	EnqueueTimeout time.Duration
	DrainTimeout   time.Duration

	Logger *zap.Logger
	// OnDrop receives jobs that were dropped after delivery failed.
	OnDrop DropFunc
}

func (c *Config) setDefaults() {
	if c.MetricsKey == "" {
		c.MetricsKey = "metrics"
	}
	if c.Run == "" {
		entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
		c.Run = strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Client is the producer-side entry point: it owns a step buffer, a
// dispatcher and a transport. Logging calls never perform I/O; they
// hand jobs to the dispatcher's queue and return.
type Client struct {
	run        string
	metricsKey string
	logger     *zap.Logger

	mu     sync.Mutex
	buf    stepBuffer
	disp   *dispatcher
	local  *store.Store
	closed bool

	drainTimeout time.Duration
}

// New builds a Client for the configured destination. The transport
// variant is selected once, here.
func New(cfg Config) (*Client, error) {
	cfg.setDefaults()
	if cfg.Destination == "" {
		return nil, errors.New("destination is required")
	}

	var transport Transport
	var local *store.Store
	u, err := url.Parse(cfg.Destination)
	if err != nil {
		return nil, errors.Wrap(err, "invalid destination")
	}
	switch u.Scheme {
	case "http", "https":
		transport = NewRemoteTransport(cfg.Destination)
	case "file", "":
		dir := u.Path
		if u.Scheme == "" {
			dir = cfg.Destination
		}
		local, err = store.Open(dir, store.WithLogger(cfg.Logger.Named("store")))
		if err != nil {
			return nil, err
		}
		transport = NewLocalTransport(local)
	default:
		return nil, errors.Errorf("unsupported destination scheme %q", u.Scheme)
	}

	c := &Client{
		run:          cfg.Run,
		metricsKey:   cfg.MetricsKey,
		logger:       cfg.Logger,
		local:        local,
		drainTimeout: cfg.DrainTimeout,
	}
	c.disp = newDispatcher(transport, cfg.QueueSize, cfg.MaxAttempts,
		cfg.BackoffBase, cfg.BackoffMax, cfg.EnqueueTimeout,
		cfg.Logger.Named("dispatcher"), cfg.OnDrop)
	return c, nil
}

// Run returns the run name streams are created under.
func (c *Client) Run() string {
	return c.run
}

// Log merges fields into the step buffer for the given step. When the
// step rolls over, the superseded entry is enqueued before the new
// fields are recorded. The only error surfaced here is backpressure
// from a full queue.
func (c *Client) Log(step uint64, fields api.Fields) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrDispatcherClosed
	}
	flushed, flushedStep, needFlush := c.buf.log(step, fields)
	if !needFlush {
		return nil
	}
	return c.enqueueStep(flushedStep, flushed)
}

// LogKeyValue is the single-field form of Log.
func (c *Client) LogKeyValue(step uint64, field string, value interface{}) error {
	return c.Log(step, api.Fields{field: value})
}

// Flush enqueues the current step buffer regardless of step, then
// clears it.
func (c *Client) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrDispatcherClosed
	}
	fields, step, ok := c.buf.take()
	if !ok {
		return nil
	}
	return c.enqueueStep(step, fields)
}

// enqueueStep is called with c.mu held.
func (c *Client) enqueueStep(step uint64, fields api.Fields) error {
	rec, err := api.NewStepRecord(step, fields)
	if err != nil {
		return err
	}
	return c.disp.enqueue(Job{
		Run:     c.run,
		Key:     c.metricsKey,
		Record:  rec,
		Created: time.Now(),
	})
}

// enqueueOneShot bypasses step coalescing.
func (c *Client) enqueueOneShot(key string, kind api.Kind, payload []byte) error {
	if err := api.ValidateKey(key); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrDispatcherClosed
	}
	return c.disp.enqueue(Job{
		Run:     c.run,
		Key:     key,
		Record:  api.NewRecord(kind, payload),
		Created: time.Now(),
	})
}

// LogText appends a text record to the given key.
func (c *Client) LogText(key, text string) error {
	return c.enqueueOneShot(key, api.KindText, []byte(text))
}

// LogParams dumps a parameter set as a single blob record.
func (c *Client) LogParams(params map[string]interface{}) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "failed to encode params")
	}
	return c.enqueueOneShot("parameters.json", api.KindBlob, payload)
}

// LogImage appends encoded image bytes under the images namespace.
func (c *Client) LogImage(key string, image []byte) error {
	return c.enqueueOneShot(path.Join("images", key), api.KindImage, image)
}

// LogHistogram appends a value set under the histograms namespace.
func (c *Client) LogHistogram(key string, values []float64) error {
	payload, err := json.Marshal(values)
	if err != nil {
		return errors.Wrap(err, "failed to encode histogram")
	}
	return c.enqueueOneShot(path.Join("histograms", key), api.KindHistogram, payload)
}

// LogTensor appends opaque tensor bytes to the given key.
func (c *Client) LogTensor(key string, data []byte) error {
	return c.enqueueOneShot(key, api.KindTensor, data)
}

// LogFile uploads file contents under the files namespace.
func (c *Client) LogFile(name string, contents []byte) error {
	return c.enqueueOneShot(path.Join("files", name), api.KindBlob, contents)
}

// Close flushes the step buffer, drains the dispatch queue up to the
// drain deadline and releases the transport. Jobs still queued at the
// deadline are dropped and reported.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	var flushErr error
	if fields, step, ok := c.buf.take(); ok {
		flushErr = c.enqueueStep(step, fields)
	}
	c.closed = true
	c.mu.Unlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.drainTimeout)
		defer cancel()
	}
	drainErr := c.disp.close(ctx)

	if c.local != nil {
		if err := c.local.Close(); err != nil && drainErr == nil {
			drainErr = err
		}
	}
	if flushErr != nil {
		return flushErr
	}
	return drainErr
}
