package smt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/colorfulnotion/reimann/common"
	log "github.com/colorfulnotion/reimann/log"
	"github.com/colorfulnotion/reimann/merkle"
	"github.com/colorfulnotion/reimann/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	serverName = "Fast SMT Server"

	errLeafNotParseable  = "Leaf was not parseable as a 32-byte hex string"
	errIndexNotParseable = "Index was not parseable as an unsigned integer"

	maxLeafBody = 1024
)

type AppendResponse struct {
	Success bool        `json:"success"`
	Root    common.Hash `json:"root"`
	Index   uint64      `json:"index"`
}

type QueryResponse struct {
	Success bool         `json:"success"`
	Proof   merkle.Proof `json:"proof"`
	Root    common.Hash  `json:"root"`
}

type LookupResponse struct {
	Success bool   `json:"success"`
	Index   uint64 `json:"index"`
}

type StatusResponse struct {
	Success bool `json:"success"`
	Status
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server exposes a Service over HTTP.
type Server struct {
	svc     *Service
	feedCtx context.Context
}

// NewServer wires the HTTP routes. feedCtx bounds the lifetime of websocket subscribers.
func NewServer(feedCtx context.Context, svc *Service) *Server {
	return &Server{svc: svc, feedCtx: feedCtx}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.instrument("root", s.handleRoot))
	mux.HandleFunc("POST /add", s.instrument("add", s.handleAdd))
	mux.HandleFunc("GET /query/{index}", s.instrument("query", s.handleQuery))
	mux.HandleFunc("GET /leaf/{hash}", s.instrument("leaf", s.handleLeaf))
	mux.HandleFunc("GET /status", s.instrument("status", s.handleStatus))
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		s.svc.feed.serveWs(s.feedCtx, w, r)
	})
	mux.Handle("GET /metrics", s.svc.metrics.Handler())
	return mux
}

// ListenAndServe runs the feed and the HTTP server until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go s.svc.RunFeed(ctx)

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	log.Info(log.SMT, "Commitment log service listening", "addr", listener.Addr().String(), "leaves", s.svc.Len())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info(log.SMT, "Commitment log service stopped")
	return nil
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := tracing.Start(r.Context(), "smt", route)
		h(w, r.WithContext(ctx))
		span.End()
		s.svc.metrics.ObserveRequest(route, time.Since(start))
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"name": serverName, "success": "true"})
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxLeafBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	leaf, err := parseLeaf(body)
	if err != nil {
		s.svc.metrics.IncAppends("bad_request")
		writeError(w, http.StatusBadRequest, errLeafNotParseable)
		return
	}
	root, index, err := s.svc.Append(leaf)
	if errors.Is(err, merkle.ErrTreeFull) {
		s.svc.metrics.IncAppends("full")
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.svc.metrics.IncAppends("error")
		log.Error(log.SMT, "Append failed", "leaf", leaf.Hex(), "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.svc.metrics.IncAppends("ok")
	spanAttrs(r, attribute.Int64("index", int64(index)))
	writeJSON(w, http.StatusOK, AppendResponse{Success: true, Root: root, Index: index})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 64)
	if err != nil {
		s.svc.metrics.IncProofs("bad_request")
		writeError(w, http.StatusBadRequest, errIndexNotParseable)
		return
	}
	proof, root := s.svc.Query(index)
	s.svc.metrics.IncProofs("ok")
	spanAttrs(r, attribute.Int64("index", int64(index)))
	writeJSON(w, http.StatusOK, QueryResponse{Success: true, Proof: proof, Root: root})
}

func (s *Server) handleLeaf(w http.ResponseWriter, r *http.Request) {
	leaf, err := common.ParseHash(r.PathValue("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errLeafNotParseable)
		return
	}
	index, err := s.svc.Lookup(leaf)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, LookupResponse{Success: true, Index: index})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Success: true, Status: s.svc.Status()})
}

// parseLeaf accepts the hex string bare or as a JSON string, with or without 0x.
func parseLeaf(body []byte) (common.Hash, error) {
	str := strings.TrimSpace(string(body))
	if strings.HasPrefix(str, `"`) {
		if err := json.Unmarshal([]byte(str), &str); err != nil {
			return common.Hash{}, err
		}
	}
	return common.ParseHash(str)
}

func spanAttrs(r *http.Request, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(r.Context()).SetAttributes(attrs...)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn(log.SMT, "write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
