package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/lo"

	"depot/internal/auth"
	"depot/internal/depot"
)

const (
	serviceName    = "depot"
	serviceVersion = "0.1.0"
)

// DefaultTransactionMaxAge is how long an upload transaction may sit idle
// before the janitor aborts it.
const DefaultTransactionMaxAge = 30 * time.Minute

// Config holds configuration for the depot HTTP server.
type Config struct {
	// Cache serves all artifact operations.
	Cache *depot.Cache

	// Auth guards the API when non-nil; nil admits anonymous requests.
	Auth auth.AuthEngine

	// Cleanup bounds maintenance passes triggered over the API.
	Cleanup depot.CleanupOptions

	// TransactionMaxAge overrides DefaultTransactionMaxAge when positive.
	TransactionMaxAge time.Duration
}

// Server exposes a Cache over HTTP. Upload transactions live in an
// in-process registry keyed by opaque ids handed to the client, so a version
// upload spans several requests; ExpireStaleTransactions reaps transactions
// the client walked away from.
type Server struct {
	cfg          Config
	cache        *depot.Cache
	transactions *xsync.MapOf[string, *liveTransaction]
	startedAt    time.Time
}

// liveTransaction pairs a put transaction with its last activity time in
// unix nanoseconds.
type liveTransaction struct {
	trx        depot.PutTransaction
	lastActive atomic.Int64
}

func (l *liveTransaction) touch() {
	l.lastActive.Store(time.Now().UnixNano())
}

// NewServer creates a Server around the given cache.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Cache == nil {
		return nil, errors.New("Cache must not be nil")
	}
	if cfg.TransactionMaxAge <= 0 {
		cfg.TransactionMaxAge = DefaultTransactionMaxAge
	}

	return &Server{
		cfg:          cfg,
		cache:        cfg.Cache,
		transactions: xsync.NewMapOf[string, *liveTransaction](),
		startedAt:    time.Now(),
	}, nil
}

// registerTransaction stores trx in the registry and returns its public id.
func (s *Server) registerTransaction(trx depot.PutTransaction) string {
	id := uuid.NewString()
	live := &liveTransaction{trx: trx}
	live.touch()
	s.transactions.Store(id, live)
	return id
}

// lookupTransaction returns the live transaction for id, refreshing its
// activity time.
func (s *Server) lookupTransaction(id string) (*liveTransaction, bool) {
	live, ok := s.transactions.Load(id)
	if ok {
		live.touch()
	}
	return live, ok
}

// ExpireStaleTransactions aborts and drops every transaction idle longer
// than the configured age and returns how many it reaped. The main binary
// runs this on a ticker.
func (s *Server) ExpireStaleTransactions(ctx context.Context) int {
	deadline := time.Now().Add(-s.cfg.TransactionMaxAge).UnixNano()

	reaped := 0
	s.transactions.Range(func(id string, live *liveTransaction) bool {
		if live.lastActive.Load() >= deadline {
			return true
		}
		// LoadAndDelete settles the race against a concurrent commit/abort.
		if _, ok := s.transactions.LoadAndDelete(id); !ok {
			return true
		}

		if err := live.trx.Abort(ctx); err != nil {
			slog.Warn("Abort stale put transaction", "id", id, "err", err)
		}
		slog.Info("Expired stale put transaction",
			"id", id,
			"guid", live.trx.GUID(),
			"hash", live.trx.Hash())
		reaped++
		return true
	})

	return reaped
}

// Close aborts every live transaction. Called at shutdown.
func (s *Server) Close(ctx context.Context) error {
	s.transactions.Range(func(id string, live *liveTransaction) bool {
		if _, ok := s.transactions.LoadAndDelete(id); ok {
			if err := live.trx.Abort(ctx); err != nil {
				slog.Warn("Abort put transaction at shutdown", "id", id, "err", err)
			}
		}
		return true
	})
	return nil
}

// writeError writes a minimal JSON error response.
func writeError(w http.ResponseWriter, code string, message string, resource string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Code:     code,
		Message:  message,
		Resource: resource,
	})
}

// writeEngineError maps a cache or transaction error onto the API taxonomy.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, depot.ErrNotFound):
		writeError(w, "NotFound", "The specified artifact does not exist.", r.URL.Path, http.StatusNotFound)
	case errors.Is(err, depot.ErrNotImplemented):
		writeError(w, "NotImplemented", "The backend does not support this operation.", r.URL.Path, http.StatusNotImplemented)
	case errors.Is(err, depot.ErrClosed):
		writeError(w, "TransactionClosed", "The transaction is no longer open.", r.URL.Path, http.StatusConflict)
	case errors.Is(err, depot.ErrReplication):
		writeError(w, "ReplicationFailed", err.Error(), r.URL.Path, http.StatusInternalServerError)
	default:
		slog.Error("Request failed", "path", r.URL.Path, "err", err)
		writeError(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
	}
}

// writeJSONResponse encodes v as JSON and writes it to w with the given
// status.
func writeJSONResponse(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// parseIdentifiersOrError decodes the guid and hash path segments, writing
// an InvalidArgument error and returning false if either is malformed.
func parseIdentifiersOrError(w http.ResponseWriter, r *http.Request, guidStr string, hashStr string) (depot.ObjectID, depot.VersionHash, bool) {
	guid, err := depot.ParseObjectID(guidStr)
	if err != nil {
		writeError(w, "InvalidArgument", "The specified artifact id is not valid.", r.URL.Path, http.StatusBadRequest)
		return depot.ObjectID{}, depot.VersionHash{}, false
	}

	hash, err := depot.ParseVersionHash(hashStr)
	if err != nil {
		writeError(w, "InvalidArgument", "The specified version hash is not valid.", r.URL.Path, http.StatusBadRequest)
		return depot.ObjectID{}, depot.VersionHash{}, false
	}
	return guid, hash, true
}

// parseKindOrError decodes a one-letter kind code path segment, writing an
// InvalidArgument error and returning false if it is unknown.
func parseKindOrError(w http.ResponseWriter, r *http.Request, kindStr string) (depot.FileKind, bool) {
	kind, err := depot.ParseFileKind(kindStr)
	if err != nil {
		writeError(w, "InvalidArgument", "The specified file kind is not valid.", r.URL.Path, http.StatusBadRequest)
		return 0, false
	}
	return kind, true
}

// createETag formats a digest hex string as an ETag value.
func createETag(hashHex string) string {
	return fmt.Sprintf("\"%s\"", hashHex)
}

func (s *Server) handleServiceInfo(w http.ResponseWriter, r *http.Request) {
	resp := ServiceInfoResponse{
		Service: serviceName,
		Version: serviceVersion,
	}
	if err := writeJSONResponse(w, http.StatusOK, resp); err != nil {
		slog.Error("Encode service info", "err", err)
	}
}

func (s *Server) handleArtifactInfo(w http.ResponseWriter, r *http.Request, guidStr string, hashStr string) {
	guid, hash, ok := parseIdentifiersOrError(w, r, guidStr, hashStr)
	if !ok {
		return
	}

	infos, err := s.cache.GetFileInfo(r.Context(), guid, hash)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	resp := ArtifactInfoResponse{
		GUID: guid.String(),
		Hash: hash.String(),
		Files: lo.Map(infos, func(info depot.FileInfo, _ int) FileInfoEntry {
			return FileInfoEntry{
				Kind:   info.Kind.Code(),
				Size:   info.Size,
				Digest: info.Digest.String(),
			}
		}),
	}

	if err := writeJSONResponse(w, http.StatusOK, resp); err != nil {
		slog.Error("Encode artifact info", "guid", guid, "hash", hash, "err", err)
	}
}

func (s *Server) handleArtifactStream(w http.ResponseWriter, r *http.Request, guidStr string, hashStr string, kindStr string) {
	guid, hash, ok := parseIdentifiersOrError(w, r, guidStr, hashStr)
	if !ok {
		return
	}
	kind, ok := parseKindOrError(w, r, kindStr)
	if !ok {
		return
	}

	infos, err := s.cache.GetFileInfo(r.Context(), guid, hash)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	var info *depot.FileInfo
	for i := range infos {
		if infos[i].Kind == kind {
			info = &infos[i]
			break
		}
	}
	if info == nil {
		writeError(w, "NotFound", "The artifact version has no file of that kind.", r.URL.Path, http.StatusNotFound)
		return
	}

	stream, err := s.cache.GetFileStream(r.Context(), kind, guid, hash)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("ETag", createETag(info.Digest.Encoded()))

	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, stream); err != nil {
		slog.Error("Stream artifact file", "guid", guid, "hash", hash, "kind", kind, "err", err)
	}
}

func (s *Server) handleTransactionOpen(w http.ResponseWriter, r *http.Request, guidStr string, hashStr string) {
	guid, hash, ok := parseIdentifiersOrError(w, r, guidStr, hashStr)
	if !ok {
		return
	}

	trx, err := s.cache.CreatePutTransaction(r.Context(), guid, hash)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	id := s.registerTransaction(trx)
	slog.Info("Opened put transaction", "id", id, "guid", guid, "hash", hash)

	if err := writeJSONResponse(w, http.StatusOK, OpenTransactionResponse{ID: id}); err != nil {
		slog.Error("Encode open transaction response", "id", id, "err", err)
	}
}

func (s *Server) handleTransactionUpload(w http.ResponseWriter, r *http.Request, id string, kindStr string) {
	live, ok := s.lookupTransaction(id)
	if !ok {
		writeError(w, "NoSuchTransaction", "The specified transaction does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}
	kind, ok := parseKindOrError(w, r, kindStr)
	if !ok {
		return
	}

	// Content-Length is the declared size the commit validates against; a
	// chunked request declares no size.
	stream, err := live.trx.GetWriteStream(r.Context(), kind, r.ContentLength)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	written, copyErr := io.Copy(stream, r.Body)
	if err := stream.Close(); err != nil {
		writeEngineError(w, r, err)
		return
	}
	if copyErr != nil {
		writeError(w, "InvalidRequest", "Failed to read request body", r.URL.Path, http.StatusBadRequest)
		return
	}

	resp := UploadResponse{
		Kind: kind.Code(),
		Size: written,
	}
	if err := writeJSONResponse(w, http.StatusOK, resp); err != nil {
		slog.Error("Encode upload response", "id", id, "err", err)
	}
}

func (s *Server) handleTransactionCommit(w http.ResponseWriter, r *http.Request, id string) {
	live, ok := s.lookupTransaction(id)
	if !ok {
		writeError(w, "NoSuchTransaction", "The specified transaction does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}

	// On failure the transaction stays registered: commit is idempotent, so
	// the client may retry replication until the janitor gives up on it.
	if err := s.cache.EndPutTransaction(r.Context(), live.trx); err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.transactions.Delete(id)

	resp := CommitResponse{
		Valid:     live.trx.Valid(),
		FilesHash: live.trx.FilesHashStr(),
	}
	slog.Info("Committed put transaction",
		"id", id,
		"guid", live.trx.GUID(),
		"hash", live.trx.Hash(),
		"valid", resp.Valid)

	if err := writeJSONResponse(w, http.StatusOK, resp); err != nil {
		slog.Error("Encode commit response", "id", id, "err", err)
	}
}

func (s *Server) handleTransactionAbort(w http.ResponseWriter, r *http.Request, id string) {
	live, ok := s.transactions.LoadAndDelete(id)
	if !ok {
		writeError(w, "NoSuchTransaction", "The specified transaction does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}

	if err := live.trx.Abort(r.Context()); err != nil {
		writeEngineError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	opts := s.cfg.Cleanup

	switch r.URL.Query().Get("dry-run") {
	case "true":
		opts.DryRun = true
	case "false", "":
		opts.DryRun = false
	default:
		writeError(w, "InvalidArgument", "dry-run must be true or false.", r.URL.Path, http.StatusBadRequest)
		return
	}

	result, err := s.cache.Cleanup(r.Context(), opts)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	if err := writeJSONResponse(w, http.StatusOK, result); err != nil {
		slog.Error("Encode cleanup result", "err", err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	resp := StatsResponse{
		Stats:         stats,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
	}
	if err := writeJSONResponse(w, http.StatusOK, resp); err != nil {
		slog.Error("Encode stats", "err", err)
	}
}
