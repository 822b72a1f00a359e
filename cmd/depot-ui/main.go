package main

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"depot/internal/auth"
	"depot/internal/depot"
	"depot/internal/server"
	"depot/internal/ui"
)

var (
	//go:embed static
	staticFS embed.FS
)

// apiClient talks to the depot JSON API, signing requests when credentials
// are configured.
type apiClient struct {
	baseURL   string
	accessKey string
	secretKey string
	client    *http.Client
}

func (c *apiClient) newRequest(ctx context.Context, method string, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.accessKey != "" {
		auth.SignRequest(req, c.accessKey, c.secretKey, time.Now())
	}
	return req, nil
}

// getJSON fetches path and decodes the body into v on a 200. The status code
// is returned either way so callers can page non-200s.
func (c *apiClient) getJSON(ctx context.Context, path string, v any) (int, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path)
	if err != nil {
		return 0, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

type Server struct {
	api *apiClient
}

func (s *Server) Home(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var info server.ServiceInfoResponse
	if _, err := s.api.getJSON(ctx, "/", &info); err != nil {
		http.Error(w, fmt.Sprintf("failed to reach the depot API: %v", err), http.StatusBadGateway)
		return
	}

	var stats server.StatsResponse
	if _, err := s.api.getJSON(ctx, "/api/stats", &stats); err != nil {
		http.Error(w, fmt.Sprintf("failed to fetch stats: %v", err), http.StatusBadGateway)
		return
	}

	uptime := time.Duration(stats.UptimeSeconds * float64(time.Second)).Truncate(time.Second)
	page := ui.HomePage(ui.CacheStats{
		Service:    info.Service,
		Version:    info.Version,
		Entries:    stats.Entries,
		TotalBytes: stats.TotalBytes,
		Uptime:     uptime.String(),
	})
	if err := page.Render(ctx, w); err != nil {
		http.Error(w, fmt.Sprintf("failed to render home page: %v", err), http.StatusInternalServerError)
		return
	}
}

func (s *Server) Artifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	guid := r.URL.Query().Get("guid")
	hash := r.URL.Query().Get("hash")
	if guid == "" || hash == "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	var artifact server.ArtifactInfoResponse
	status, err := s.api.getJSON(ctx, "/api/artifacts/"+guid+"/"+hash, &artifact)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to fetch artifact info: %v", err), http.StatusBadGateway)
		return
	}

	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		page := ui.MessagePage("Not found", "No artifact version is stored under those identifiers.")
		if err := page.Render(ctx, w); err != nil {
			http.Error(w, fmt.Sprintf("failed to render page: %v", err), http.StatusInternalServerError)
		}
		return
	case http.StatusBadRequest:
		page := ui.MessagePage("Invalid identifiers", "The artifact id and version hash must each be 32 hex characters.")
		if err := page.Render(ctx, w); err != nil {
			http.Error(w, fmt.Sprintf("failed to render page: %v", err), http.StatusInternalServerError)
		}
		return
	default:
		http.Error(w, fmt.Sprintf("unexpected API status %d", status), http.StatusBadGateway)
		return
	}

	files := make([]ui.ArtifactFile, 0, len(artifact.Files))
	for _, f := range artifact.Files {
		kindName := f.Kind
		if kind, err := depot.ParseFileKind(f.Kind); err == nil {
			kindName = kind.String()
		}
		files = append(files, ui.ArtifactFile{
			Kind:   kindName,
			Code:   f.Kind,
			Size:   f.Size,
			Digest: f.Digest,
		})
	}

	if err := ui.ArtifactPage(artifact.GUID, artifact.Hash, files).Render(ctx, w); err != nil {
		http.Error(w, fmt.Sprintf("failed to render artifact page: %v", err), http.StatusInternalServerError)
		return
	}
}

// Download proxies one artifact file from the API so the browser never needs
// API credentials.
func (s *Server) Download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	guid := r.PathValue("guid")
	hash := r.PathValue("hash")
	kind := r.PathValue("kind")

	req, err := s.api.newRequest(ctx, http.MethodGet, "/api/artifacts/"+guid+"/"+hash+"/"+kind)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to build API request: %v", err), http.StatusInternalServerError)
		return
	}

	resp, err := s.api.client.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to fetch artifact file: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		http.Error(w, fmt.Sprintf("artifact file unavailable (API status %d)", resp.StatusCode), resp.StatusCode)
		return
	}

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	if length := resp.Header.Get("Content-Length"); length != "" {
		w.Header().Set("Content-Length", length)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", guid+"-"+hash+"."+kind))

	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Error("Proxy artifact file", "guid", guid, "hash", hash, "kind", kind, "err", err)
	}
}

func (s *Server) Cleanup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, fmt.Sprintf("failed to parse form: %v", err), http.StatusBadRequest)
		return
	}

	dryRun := r.FormValue("dry-run") == "true"
	req, err := s.api.newRequest(ctx, http.MethodPost, fmt.Sprintf("/api/cleanup?dry-run=%t", dryRun))
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to build API request: %v", err), http.StatusInternalServerError)
		return
	}

	resp, err := s.api.client.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to run cleanup: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("cleanup failed (API status %d)", resp.StatusCode)
		if r.Header.Get("HX-Request") == "true" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = fmt.Fprintf(w, "<p class=\"error-message\">%s</p>", html.EscapeString(msg))
			return
		}
		http.Error(w, msg, http.StatusBadGateway)
		return
	}

	var result depot.CleanupResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		http.Error(w, fmt.Sprintf("failed to decode cleanup result: %v", err), http.StatusBadGateway)
		return
	}

	if err := ui.CleanupOutcome(result.Artifacts, result.Objects, result.Bytes, dryRun).Render(ctx, w); err != nil {
		http.Error(w, fmt.Sprintf("failed to render cleanup result: %v", err), http.StatusInternalServerError)
		return
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func Run(ctx context.Context) error {

	var (
		HttpPort     = getEnv("DEPOT_UI_PORT", "9100")
		ApiEndpoint  = getEnv("DEPOT_UI_API", "http://localhost:8126")
		ApiAccessKey = getEnv("DEPOT_UI_ACCESS_KEY", "")
		ApiSecretKey = getEnv("DEPOT_UI_SECRET_KEY", "")
	)

	// Logging setup consistent with the main depot server.
	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})
	slog.SetDefault(slog.New(handler))

	mux := http.NewServeMux()
	// Serve embedded static assets from /static/
	staticContent, err := fs.Sub(staticFS, "static")
	if err != nil {
		return fmt.Errorf("failed to access embedded static assets: %w", err)
	}

	app := &Server{
		api: &apiClient{
			baseURL:   ApiEndpoint,
			accessKey: ApiAccessKey,
			secretKey: ApiSecretKey,
			client:    &http.Client{Timeout: 30 * time.Second},
		},
	}

	mux.HandleFunc("GET /{$}", app.Home)
	mux.HandleFunc("GET /artifact", app.Artifact)
	mux.HandleFunc("GET /artifact/{guid}/{hash}/{kind}", app.Download)
	mux.HandleFunc("POST /cleanup", app.Cleanup)
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticContent))))

	srv := &http.Server{
		Addr:              ":" + HttpPort,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	slog.Info("Starting Depot UI server", "port", HttpPort, "api_endpoint", ApiEndpoint)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("depot UI server failed: %w", err)
	}

	return nil
}

func main() {
	if err := Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
