package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jonasrothfuss/ml-logger/api"
)

type fakeTransport struct {
	mtx       sync.Mutex
	delivered []Job
	attempts  int
	failures  int
	permanent bool
	block     chan struct{}
}

func (f *fakeTransport) Send(ctx context.Context, job Job) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.attempts++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		if f.permanent {
			return Permanent(errors.New("rejected"))
		}
		return errors.New("connection refused")
	}
	f.delivered = append(f.delivered, job)
	return nil
}

func (f *fakeTransport) snapshot() ([]Job, int) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]Job{}, f.delivered...), f.attempts
}

func testJob(key string) Job {
	return Job{Run: "run", Key: key, Record: api.NewRecord(api.KindText, []byte("x")), Created: time.Now()}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestDispatcher(t *testing.T) {
	t.Run("should deliver jobs in enqueue order", func(t *testing.T) {
		transport := &fakeTransport{}
		d := newDispatcher(transport, 16, 3, time.Millisecond, 10*time.Millisecond, 0, zap.NewNop(), nil)
		for _, key := range []string{"a", "b", "c"} {
			require.NoError(t, d.enqueue(testJob(key)))
		}
		waitFor(t, func() bool { delivered, _ := transport.snapshot(); return len(delivered) == 3 })
		delivered, _ := transport.snapshot()
		require.Equal(t, "a", delivered[0].Key)
		require.Equal(t, "b", delivered[1].Key)
		require.Equal(t, "c", delivered[2].Key)
		require.NoError(t, d.close(context.Background()))
	})

	t.Run("should retry transient failures with backoff", func(t *testing.T) {
		transport := &fakeTransport{failures: 2}
		d := newDispatcher(transport, 16, 3, time.Millisecond, 10*time.Millisecond, 0, zap.NewNop(), nil)
		require.NoError(t, d.enqueue(testJob("a")))
		waitFor(t, func() bool { delivered, _ := transport.snapshot(); return len(delivered) == 1 })
		_, attempts := transport.snapshot()
		require.Equal(t, 3, attempts)
		require.NoError(t, d.close(context.Background()))
	})

	t.Run("should drop after exhausting the attempt budget", func(t *testing.T) {
		transport := &fakeTransport{failures: -1}
		var dropped []Job
		var mtx sync.Mutex
		onDrop := func(job Job, err error) {
			mtx.Lock()
			dropped = append(dropped, job)
			mtx.Unlock()
		}
		d := newDispatcher(transport, 16, 3, time.Millisecond, 10*time.Millisecond, 0, zap.NewNop(), onDrop)
		require.NoError(t, d.enqueue(testJob("a")))
		waitFor(t, func() bool {
			mtx.Lock()
			defer mtx.Unlock()
			return len(dropped) == 1
		})
		_, attempts := transport.snapshot()
		require.Equal(t, 3, attempts)
		mtx.Lock()
		require.Equal(t, 3, dropped[0].Attempts)
		mtx.Unlock()
		require.NoError(t, d.close(context.Background()))
	})

	t.Run("should drop permanent failures without retrying", func(t *testing.T) {
		transport := &fakeTransport{failures: -1, permanent: true}
		var dropped int
		var mtx sync.Mutex
		onDrop := func(job Job, err error) {
			mtx.Lock()
			dropped++
			mtx.Unlock()
			require.True(t, IsPermanent(errors.Cause(err)) || IsPermanent(err))
		}
		d := newDispatcher(transport, 16, 3, time.Millisecond, 10*time.Millisecond, 0, zap.NewNop(), onDrop)
		require.NoError(t, d.enqueue(testJob("a")))
		waitFor(t, func() bool {
			mtx.Lock()
			defer mtx.Unlock()
			return dropped == 1
		})
		_, attempts := transport.snapshot()
		require.Equal(t, 1, attempts)
		require.NoError(t, d.close(context.Background()))
	})

	t.Run("should block enqueue while the queue is full", func(t *testing.T) {
		transport := &fakeTransport{block: make(chan struct{})}
		d := newDispatcher(transport, 1, 3, time.Millisecond, 10*time.Millisecond, 50*time.Millisecond, zap.NewNop(), nil)
		// worker picks up the first job and blocks inside Send
		require.NoError(t, d.enqueue(testJob("a")))
		waitFor(t, func() bool { return len(d.jobs) == 0 })
		// second job fills the queue
		require.NoError(t, d.enqueue(testJob("b")))

		err := d.enqueue(testJob("c"))
		require.Equal(t, ErrBackpressureTimeout, err)

		// space frees once a delivery completes
		close(transport.block)
		require.NoError(t, d.close(context.Background()))
		delivered, _ := transport.snapshot()
		require.Len(t, delivered, 2)
	})

	t.Run("should abandon and report queued jobs at the drain deadline", func(t *testing.T) {
		transport := &fakeTransport{block: make(chan struct{})}
		var dropped int
		var mtx sync.Mutex
		onDrop := func(job Job, err error) {
			mtx.Lock()
			dropped++
			mtx.Unlock()
		}
		d := newDispatcher(transport, 4, 3, time.Millisecond, 10*time.Millisecond, 0, zap.NewNop(), onDrop)
		require.NoError(t, d.enqueue(testJob("a")))
		require.NoError(t, d.enqueue(testJob("b")))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := d.close(ctx)
		require.Error(t, err)

		mtx.Lock()
		require.Equal(t, 2, dropped)
		mtx.Unlock()
	})

	t.Run("should return quickly regardless of transport latency", func(t *testing.T) {
		transport := &fakeTransport{block: make(chan struct{})}
		d := newDispatcher(transport, 16, 3, time.Millisecond, 10*time.Millisecond, 0, zap.NewNop(), nil)
		start := time.Now()
		for i := 0; i < 10; i++ {
			require.NoError(t, d.enqueue(testJob("a")))
		}
		require.Less(t, time.Since(start), time.Second)
		close(transport.block)
		require.NoError(t, d.close(context.Background()))
	})
}
