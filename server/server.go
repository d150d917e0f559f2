package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jonasrothfuss/ml-logger/api"
	"github.com/jonasrothfuss/ml-logger/store"
	"github.com/jonasrothfuss/ml-logger/streamlog"
)

// Server exposes the store engine's ingest and fetch operations over
// HTTP:
//
//	PUT /v1/ingest/{run}/{key}
//	GET /v1/fetch/{run}/{key}?offset=N
//	GET /v1/streams?run=
//	GET /v1/healthz
type Server struct {
	store  *store.Store
	logger *zap.Logger
	srv    *http.Server
	lis    net.Listener
}

func New(st *store.Store, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{store: st, logger: logger}
	mux.HandleFunc("/v1/ingest/", s.handleIngest)
	mux.HandleFunc("/v1/fetch/", s.handleFetch)
	mux.HandleFunc("/v1/streams", s.handleListStreams)
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	s.srv = &http.Server{Handler: mux}
	return s
}

// ListenAndServe serves until the context is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listener failed to start")
	}
	s.lis = l
	s.logger.Info("http server started", zap.String("address", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler returns the route table for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

// splitStreamPath extracts (run, key) from a request path below the
// given route prefix. Keys may contain slashes.
func splitStreamPath(path, prefix string) (string, string, bool) {
	rest := strings.TrimPrefix(path, prefix)
	idx := strings.Index(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

type errorResponse struct {
	Error string `json:"error"`
	// Class tells clients whether retrying can help: "transient" or
	// "permanent".
	Class string `json:"class"`
}

func writeError(w http.ResponseWriter, status int, msg, class string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg, Class: class})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "permanent")
		return
	}
	run, key, ok := splitStreamPath(r.URL.Path, "/v1/ingest/")
	if !ok {
		writeError(w, http.StatusBadRequest, "expected /v1/ingest/{run}/{key}", "permanent")
		return
	}
	defer r.Body.Close()
	var rec api.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "malformed record", "permanent")
		return
	}
	size, err := s.store.Ingest(run, key, rec)
	if err != nil {
		s.logger.Error("ingest failed",
			zap.String("run", run),
			zap.String("key", key),
			zap.Error(err))
		status, class := classifyStoreError(err)
		writeError(w, status, err.Error(), class)
		return
	}
	writeJSON(w, map[string]uint64{"newOffset": size})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "permanent")
		return
	}
	run, key, ok := splitStreamPath(r.URL.Path, "/v1/fetch/")
	if !ok {
		writeError(w, http.StatusBadRequest, "expected /v1/fetch/{run}/{key}", "permanent")
		return
	}
	var offset uint64
	if raw := r.URL.Query().Get("offset"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid offset", "permanent")
			return
		}
		offset = v
	}
	data, newOffset, err := s.store.Fetch(run, key, offset)
	if err != nil {
		s.logger.Error("fetch failed",
			zap.String("run", run),
			zap.String("key", key),
			zap.Uint64("offset", offset),
			zap.Error(err))
		status, class := classifyStoreError(err)
		writeError(w, status, err.Error(), class)
		return
	}
	if data == nil {
		data = []byte{}
	}
	writeJSON(w, map[string]interface{}{"data": data, "newOffset": newOffset})
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "permanent")
		return
	}
	list, err := s.store.List(r.URL.Query().Get("run"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list streams", "transient")
		return
	}
	if list == nil {
		list = []store.StreamInfo{}
	}
	writeJSON(w, map[string]interface{}{"streams": list})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// classifyStoreError maps store failures onto the delivery taxonomy:
// rejections the writer caused are permanent, everything else is worth
// retrying.
func classifyStoreError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrInvalidRun),
		errors.Is(err, store.ErrInvalidKey),
		errors.Is(err, store.ErrMalformedPayload):
		return http.StatusBadRequest, "permanent"
	case errors.Is(err, streamlog.ErrOffsetOutOfRange):
		return http.StatusRequestedRangeNotSatisfiable, "permanent"
	case errors.Is(err, store.ErrCorrupted):
		return http.StatusInternalServerError, "permanent"
	default:
		return http.StatusInternalServerError, "transient"
	}
}
