package server

import "depot/internal/depot"

// ErrorResponse is the JSON body of every failed API call.
type ErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Resource string `json:"resource"`
}

// ServiceInfoResponse answers GET / with the service identity.
type ServiceInfoResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
}

// FileInfoEntry is a single stored file in an ArtifactInfoResponse. Kind is
// the one-letter kind code also used in upload and download URLs.
type FileInfoEntry struct {
	Kind   string `json:"kind"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
}

// ArtifactInfoResponse describes one stored artifact version.
type ArtifactInfoResponse struct {
	GUID  string          `json:"guid"`
	Hash  string          `json:"hash"`
	Files []FileInfoEntry `json:"files"`
}

// OpenTransactionResponse carries the id of a freshly opened upload
// transaction. All further transaction calls address it by this id.
type OpenTransactionResponse struct {
	ID string `json:"id"`
}

// UploadResponse acknowledges one uploaded file kind.
type UploadResponse struct {
	Kind string `json:"kind"`
	Size int64  `json:"size"`
}

// CommitResponse reports the outcome of committing an upload transaction.
// Valid is false when declared files were missing or sizes did not match;
// the version is not stored in that case.
type CommitResponse struct {
	Valid     bool   `json:"valid"`
	FilesHash string `json:"filesHash"`
}

// StatsResponse extends backend statistics with process uptime.
type StatsResponse struct {
	depot.Stats
	UptimeSeconds float64 `json:"uptimeSeconds"`
}
