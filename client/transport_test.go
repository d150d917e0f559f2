package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jonasrothfuss/ml-logger/api"
)

func statusServer(t *testing.T, status int, hits *int32) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.WriteHeader(status)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func textJob() Job {
	return Job{
		Run:     "run",
		Key:     "notes.txt",
		Record:  api.NewRecord(api.KindText, []byte("hello")),
		Created: time.Now(),
	}
}

func TestRemoteTransport(t *testing.T) {
	t.Run("should deliver accepted records without error", func(t *testing.T) {
		var hits int32
		ts := statusServer(t, http.StatusOK, &hits)
		err := NewRemoteTransport(ts.URL).Send(context.Background(), textJob())
		require.NoError(t, err)
		require.Equal(t, int32(1), atomic.LoadInt32(&hits))
	})

	t.Run("should classify rejections as permanent", func(t *testing.T) {
		var hits int32
		ts := statusServer(t, http.StatusBadRequest, &hits)
		err := NewRemoteTransport(ts.URL).Send(context.Background(), textJob())
		require.Error(t, err)
		require.True(t, IsPermanent(err))
	})

	t.Run("should keep server pushback retryable", func(t *testing.T) {
		for _, status := range []int{http.StatusRequestTimeout, http.StatusTooManyRequests} {
			var hits int32
			ts := statusServer(t, status, &hits)
			err := NewRemoteTransport(ts.URL).Send(context.Background(), textJob())
			require.Error(t, err)
			require.False(t, IsPermanent(err))
		}
	})

	t.Run("should keep server failures retryable", func(t *testing.T) {
		var hits int32
		ts := statusServer(t, http.StatusInternalServerError, &hits)
		err := NewRemoteTransport(ts.URL).Send(context.Background(), textJob())
		require.Error(t, err)
		require.False(t, IsPermanent(err))
	})

	t.Run("should keep network failures retryable", func(t *testing.T) {
		var hits int32
		ts := statusServer(t, http.StatusOK, &hits)
		ts.Close()
		err := NewRemoteTransport(ts.URL).Send(context.Background(), textJob())
		require.Error(t, err)
		require.False(t, IsPermanent(err))
	})

	t.Run("should make the dispatcher drop rejections after one attempt", func(t *testing.T) {
		var hits int32
		ts := statusServer(t, http.StatusBadRequest, &hits)
		var dropped []Job
		d := newDispatcher(NewRemoteTransport(ts.URL), 4, 3,
			time.Millisecond, 10*time.Millisecond, 0, zap.NewNop(),
			func(job Job, err error) { dropped = append(dropped, job) })
		require.NoError(t, d.enqueue(textJob()))
		require.NoError(t, d.close(context.Background()))
		require.Equal(t, int32(1), atomic.LoadInt32(&hits))
		require.Len(t, dropped, 1)
		require.Equal(t, 1, dropped[0].Attempts)
	})

	t.Run("should make the dispatcher retry server failures", func(t *testing.T) {
		var hits int32
		ts := statusServer(t, http.StatusInternalServerError, &hits)
		var dropped []Job
		d := newDispatcher(NewRemoteTransport(ts.URL), 4, 3,
			time.Millisecond, 10*time.Millisecond, 0, zap.NewNop(),
			func(job Job, err error) { dropped = append(dropped, job) })
		require.NoError(t, d.enqueue(textJob()))
		require.NoError(t, d.close(context.Background()))
		require.Equal(t, int32(3), atomic.LoadInt32(&hits))
		require.Len(t, dropped, 1)
		require.Equal(t, 3, dropped[0].Attempts)
	})
}
