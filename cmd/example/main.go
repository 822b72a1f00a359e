package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"depot/internal/auth"
	"depot/internal/server"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

const (
	BinaryContent = "pretend machine code: 7f 45 4c 46 02 01 01 00 00 00 00 00 00 00 00 00\n"

	ResourceContent = `These bytes stand in for the asset bundle an artifact version normally
carries: textures, meshes, translation tables, whatever the build pipeline
packs next to the executable. The cache treats them as an opaque stream and
fingerprints them together with the binary file, so any change here produces
a different content hash at commit time.
`

	InfoContent = `{"name": "example-artifact", "platform": "linux-x64", "builder": "depot-example"}`
)

// Client calls the depot HTTP API, signing requests when credentials are
// configured.
type Client struct {
	baseURL   string
	accessKey string
	secretKey string
	hc        *http.Client
}

func (c *Client) do(ctx context.Context, method string, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.accessKey != "" {
		auth.SignRequest(req, c.accessKey, c.secretKey, time.Now())
	}
	return c.hc.Do(req)
}

// doJSON performs a request and decodes the JSON response into v. Non-200
// statuses become errors carrying the response body.
func (c *Client) doJSON(ctx context.Context, method string, path string, body io.Reader, v any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// NewID returns a random 32-character hex identifier.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// OpenTransaction starts a put transaction for one artifact version and
// returns its id.
func OpenTransaction(ctx context.Context, client *Client, guid string, hash string) (string, error) {
	var opened server.OpenTransactionResponse
	if err := client.doJSON(ctx, http.MethodPost, "/api/transactions/"+guid+"/"+hash, nil, &opened); err != nil {
		return "", fmt.Errorf("failed to open transaction for %s/%s: %w", guid, hash, err)
	}

	slog.Info("Opened put transaction", "id", opened.ID, "guid", guid, "hash", hash)
	return opened.ID, nil
}

// UploadKind streams one file kind into an open transaction.
func UploadKind(ctx context.Context, client *Client, id string, kind string, content string) error {
	var uploaded server.UploadResponse
	if err := client.doJSON(ctx, http.MethodPut, "/api/transactions/"+id+"/"+kind, strings.NewReader(content), &uploaded); err != nil {
		return fmt.Errorf("failed to upload %s file: %w", kind, err)
	}

	slog.Info("Uploaded file to transaction", "id", id, "kind", uploaded.Kind, "size", uploaded.Size)
	return nil
}

// CommitTransaction finalizes the transaction and returns the commit result.
func CommitTransaction(ctx context.Context, client *Client, id string) (server.CommitResponse, error) {
	var committed server.CommitResponse
	if err := client.doJSON(ctx, http.MethodPost, "/api/transactions/"+id, nil, &committed); err != nil {
		return server.CommitResponse{}, fmt.Errorf("failed to commit transaction %s: %w", id, err)
	}

	slog.Info("Committed put transaction", "id", id, "valid", committed.Valid, "files_hash", committed.FilesHash)
	return committed, nil
}

// AbortTransaction abandons the transaction without storing anything.
func AbortTransaction(ctx context.Context, client *Client, id string) error {
	if err := client.doJSON(ctx, http.MethodDelete, "/api/transactions/"+id, nil, nil); err != nil {
		return fmt.Errorf("failed to abort transaction %s: %w", id, err)
	}

	slog.Info("Aborted put transaction", "id", id)
	return nil
}

// ShowArtifact lists the stored files of an artifact version.
func ShowArtifact(ctx context.Context, client *Client, guid string, hash string) error {
	var artifact server.ArtifactInfoResponse
	if err := client.doJSON(ctx, http.MethodGet, "/api/artifacts/"+guid+"/"+hash, nil, &artifact); err != nil {
		return fmt.Errorf("failed to fetch artifact info: %w", err)
	}

	slog.Info("Stored artifact version", "guid", artifact.GUID, "hash", artifact.Hash)
	for _, f := range artifact.Files {
		slog.Info("Stored file", "kind", f.Kind, "size", f.Size, "digest", f.Digest)
	}
	return nil
}

// DownloadKind downloads one file kind of an artifact version to a local
// file.
func DownloadKind(ctx context.Context, client *Client, guid string, hash string, kind string, downloadPath string) error {
	resp, err := client.do(ctx, http.MethodGet, "/api/artifacts/"+guid+"/"+hash+"/"+kind, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch %s file: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch %s file: status %d", kind, resp.StatusCode)
	}

	out, err := os.Create(downloadPath)
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", downloadPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write %q: %w", downloadPath, err)
	}

	slog.Info("Downloaded file", "path", downloadPath, "etag", resp.Header.Get("ETag"))
	return nil
}

// ShowStats prints the cache summary.
func ShowStats(ctx context.Context, client *Client) error {
	var stats server.StatsResponse
	if err := client.doJSON(ctx, http.MethodGet, "/api/stats", nil, &stats); err != nil {
		return fmt.Errorf("failed to fetch stats: %w", err)
	}

	slog.Info("Cache stats", "entries", stats.Entries, "total_bytes", stats.TotalBytes, "uptime_seconds", stats.UptimeSeconds)
	return nil
}

func Run(ctx context.Context, client *Client) error {
	// 1. Check the server is reachable.
	var info server.ServiceInfoResponse
	if err := client.doJSON(ctx, http.MethodGet, "/", nil, &info); err != nil {
		return fmt.Errorf("failed to reach the depot server: %w", err)
	}
	slog.Info("Connected", "service", info.Service, "version", info.Version)

	guid := NewID()
	hash := NewID()

	// 2. Open a put transaction for a fresh artifact version.
	id, err := OpenTransaction(ctx, client, guid, hash)
	if err != nil {
		return err
	}

	// 3. Upload the three file kinds.
	if err := UploadKind(ctx, client, id, "a", BinaryContent); err != nil {
		return err
	}
	if err := UploadKind(ctx, client, id, "r", ResourceContent); err != nil {
		return err
	}
	if err := UploadKind(ctx, client, id, "i", InfoContent); err != nil {
		return err
	}

	// 4. Commit the transaction.
	committed, err := CommitTransaction(ctx, client, id)
	if err != nil {
		return err
	}
	if !committed.Valid {
		return fmt.Errorf("transaction %s committed invalid", id)
	}

	// 5. List the stored files.
	if err := ShowArtifact(ctx, client, guid, hash); err != nil {
		return err
	}

	// 6. Download the binary file back.
	downloadPath := filepath.Join(".", "downloaded_"+guid+".a")
	if err := DownloadKind(ctx, client, guid, hash, "a", downloadPath); err != nil {
		return err
	}

	// 7. Open a second transaction and abort it; nothing is stored.
	abortID, err := OpenTransaction(ctx, client, NewID(), NewID())
	if err != nil {
		return err
	}
	if err := AbortTransaction(ctx, client, abortID); err != nil {
		return err
	}

	// 8. Print the cache summary.
	if err := ShowStats(ctx, client); err != nil {
		return err
	}

	return nil
}

func main() {
	endpoint := getenv("DEPOT_ENDPOINT", "http://localhost:8126")
	accessKey := getenv("DEPOT_ACCESS_KEY", "")
	secretKey := getenv("DEPOT_SECRET_KEY", "")

	client := &Client{
		baseURL:   endpoint,
		accessKey: accessKey,
		secretKey: secretKey,
		hc:        &http.Client{Timeout: 30 * time.Second},
	}

	if err := Run(context.Background(), client); err != nil {
		slog.Error("error running example", "err", err)
		os.Exit(1)
	}
}
