package server

import (
	"net/http"
)

// Handler returns an http.Handler implementing the depot API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Service info
	mux.HandleFunc("GET /{$}", s.handleServiceInfo)

	// Artifact reads
	mux.HandleFunc("GET /api/artifacts/{guid}/{hash}", func(w http.ResponseWriter, r *http.Request) {
		guid := r.PathValue("guid")
		hash := r.PathValue("hash")
		s.handleArtifactInfo(w, r, guid, hash)
	})
	mux.HandleFunc("GET /api/artifacts/{guid}/{hash}/{kind}", func(w http.ResponseWriter, r *http.Request) {
		guid := r.PathValue("guid")
		hash := r.PathValue("hash")
		kind := r.PathValue("kind")
		s.handleArtifactStream(w, r, guid, hash, kind)
	})

	// Upload transactions
	mux.HandleFunc("POST /api/transactions/{guid}/{hash}", func(w http.ResponseWriter, r *http.Request) {
		guid := r.PathValue("guid")
		hash := r.PathValue("hash")
		s.handleTransactionOpen(w, r, guid, hash)
	})
	mux.HandleFunc("PUT /api/transactions/{id}/{kind}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		kind := r.PathValue("kind")
		s.handleTransactionUpload(w, r, id, kind)
	})
	mux.HandleFunc("POST /api/transactions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		s.handleTransactionCommit(w, r, id)
	})
	mux.HandleFunc("DELETE /api/transactions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		s.handleTransactionAbort(w, r, id)
	})

	// Maintenance
	mux.HandleFunc("POST /api/cleanup", s.handleCleanup)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	return LogRequest(RequireAuthentication(s.cfg.Auth, SlashFix(Recoverer(mux))))
}
