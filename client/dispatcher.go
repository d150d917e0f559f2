package client

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrBackpressureTimeout is returned by a blocking enqueue when the
	// queue stayed full past the configured wait.
	ErrBackpressureTimeout = errors.New("dispatch queue is full")
	// ErrDispatcherClosed is returned when logging after Close.
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)

// DropFunc receives jobs the dispatcher gave up on, with the final
// delivery error. It runs on the delivery worker; keep it cheap.
type DropFunc func(job Job, err error)

// dispatcher owns the bounded job queue and the single delivery
// worker. Jobs are delivered strictly in enqueue order; a failed job
// never holds up the queue longer than its retry budget.
type dispatcher struct {
	jobs           chan Job
	transport      Transport
	maxAttempts    int
	backoffBase    time.Duration
	backoffMax     time.Duration
	enqueueTimeout time.Duration
	logger         *zap.Logger
	onDrop         DropFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newDispatcher(transport Transport, queueSize, maxAttempts int, backoffBase, backoffMax, enqueueTimeout time.Duration, logger *zap.Logger, onDrop DropFunc) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &dispatcher{
		jobs:           make(chan Job, queueSize),
		transport:      transport,
		maxAttempts:    maxAttempts,
		backoffBase:    backoffBase,
		backoffMax:     backoffMax,
		enqueueTimeout: enqueueTimeout,
		logger:         logger,
		onDrop:         onDrop,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go d.run()
	return d
}

// enqueue hands a job to the delivery worker. It blocks while the
// queue is full, up to the configured timeout; this is the deliberate
// backpressure path, trading a bounded pause for bounded memory.
func (d *dispatcher) enqueue(job Job) error {
	select {
	case <-d.ctx.Done():
		return ErrDispatcherClosed
	default:
	}
	if d.enqueueTimeout <= 0 {
		select {
		case d.jobs <- job:
			return nil
		case <-d.ctx.Done():
			return ErrDispatcherClosed
		}
	}
	timer := time.NewTimer(d.enqueueTimeout)
	defer timer.Stop()
	select {
	case d.jobs <- job:
		return nil
	case <-timer.C:
		return ErrBackpressureTimeout
	case <-d.ctx.Done():
		return ErrDispatcherClosed
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case job, ok := <-d.jobs:
			if !ok {
				return
			}
			d.deliver(job)
		case <-d.ctx.Done():
			d.abandonRemaining()
			return
		}
	}
}

func (d *dispatcher) abandonRemaining() {
	for {
		select {
		case job, ok := <-d.jobs:
			if !ok {
				return
			}
			d.drop(job, errors.New("abandoned at shutdown"))
		default:
			return
		}
	}
}

func (d *dispatcher) deliver(job Job) {
	for {
		job.Attempts++
		err := d.transport.Send(d.ctx, job)
		if err == nil {
			return
		}
		if IsPermanent(err) {
			d.drop(job, err)
			return
		}
		if job.Attempts >= d.maxAttempts {
			d.drop(job, errors.Wrapf(err, "retries exhausted after %d attempts", job.Attempts))
			return
		}
		select {
		case <-time.After(d.backoff(job.Attempts)):
		case <-d.ctx.Done():
			d.drop(job, errors.Wrap(err, "abandoned during drain"))
			return
		}
	}
}

func (d *dispatcher) backoff(attempts int) time.Duration {
	wait := d.backoffBase << uint(attempts-1)
	if wait > d.backoffMax || wait <= 0 {
		wait = d.backoffMax
	}
	return wait
}

// drop reports a failed job to the error sink. Delivery failures are
// never raised back into the caller's logging call; it has already
// returned.
func (d *dispatcher) drop(job Job, err error) {
	d.logger.Warn("dropped job",
		zap.String("run", job.Run),
		zap.String("key", job.Key),
		zap.Int("attempts", job.Attempts),
		zap.Error(err))
	if d.onDrop != nil {
		d.onDrop(job, err)
	}
}

// close stops accepting jobs, waits for the queue to empty or the
// context deadline to pass, then stops the worker. Jobs still queued
// at the deadline are dropped and reported, not silently lost.
func (d *dispatcher) close(ctx context.Context) error {
	close(d.jobs)
	select {
	case <-d.done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-d.done
		return errors.Wrap(ctx.Err(), "drain deadline elapsed")
	}
}
