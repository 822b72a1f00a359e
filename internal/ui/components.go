package ui

import (
	"context"
	"fmt"
	"html"
	"io"

	"github.com/a-h/templ"
)

// CacheStats represents the cache summary for display.
type CacheStats struct {
	Service    string
	Version    string
	Entries    int64
	TotalBytes int64
	Uptime     string
}

// ArtifactFile represents a single stored file of an artifact version for
// display.
type ArtifactFile struct {
	Kind   string
	Code   string
	Size   int64
	Digest string
}

// Layout renders a full HTML page with a title and body component.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<!DOCTYPE html><html lang=\"en\">")
		if err != nil {
			return err
		}

		// Head
		_, err = io.WriteString(w, "<head><meta charset=\"utf-8\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<title>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, html.EscapeString(title))
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "</title>")
		if err != nil {
			return err
		}
		// Minimal modern CSS framework (Pico.css) via CDN.
		_, err = io.WriteString(w, "<link rel=\"stylesheet\" href=\"https://unpkg.com/@picocss/pico@2/css/pico.min.css\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<link rel=\"stylesheet\" href=\"/static/depot.css\">")
		if err != nil {
			return err
		}
		// HTMX via CDN.
		_, err = io.WriteString(w, "<script src=\"https://unpkg.com/htmx.org@1.9.12\" integrity=\"sha384-srD8tA5lZgUlAXb/DvBy1UG775H8sG8vyXK3w63U1zrtRXkuTDIaTzGvX2UksI0M\" crossorigin=\"anonymous\"></script>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "</head>")
		if err != nil {
			return err
		}

		// Body with global htmx boost for links/forms.
		_, err = io.WriteString(w, "<body hx-boost=\"true\"><main class=\"container\">")
		if err != nil {
			return err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		_, err = io.WriteString(w, "</main></body></html>")
		return err
	})
}

// HomePage renders the cache summary with the artifact lookup and cleanup
// forms.
func HomePage(stats CacheStats) templ.Component {
	return Layout("Depot Browser", templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<section><header><h1>Depot Cache</h1>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<p>Browse cached artifacts via the JSON API.</p></header>")
		if err != nil {
			return err
		}

		summary := fmt.Sprintf(
			"<table><tbody><tr><th>Service</th><td>%s %s</td></tr><tr><th>Entries</th><td>%d</td></tr><tr><th>Total size (bytes)</th><td>%d</td></tr><tr><th>Uptime</th><td>%s</td></tr></tbody></table>",
			html.EscapeString(stats.Service), html.EscapeString(stats.Version), stats.Entries, stats.TotalBytes, html.EscapeString(stats.Uptime))
		_, err = io.WriteString(w, summary)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "</section>")
		if err != nil {
			return err
		}

		// Lookup form navigates to the artifact page.
		_, err = io.WriteString(w, "<section><h2>Find an artifact version</h2>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<form action=\"/artifact\" method=\"get\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<input type=\"text\" name=\"guid\" placeholder=\"artifact id (32 hex characters)\" required>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<input type=\"text\" name=\"hash\" placeholder=\"version hash (32 hex characters)\" required>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<button type=\"submit\">Look up</button></form></section>")
		if err != nil {
			return err
		}

		// Cleanup form posts over htmx and swaps the result in place.
		_, err = io.WriteString(w, "<section><h2>Maintenance</h2>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<form hx-post=\"/cleanup\" hx-target=\"#cleanup-result\" hx-swap=\"innerHTML\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<label><input type=\"checkbox\" name=\"dry-run\" value=\"true\" checked> Dry run</label>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<button type=\"submit\">Run cleanup</button></form>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<div id=\"cleanup-result\"></div></section>")
		return err
	}))
}

// ArtifactPage renders the stored files of a single artifact version.
func ArtifactPage(guid string, hash string, files []ArtifactFile) templ.Component {
	return Layout("Depot Browser - "+guid, templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<section><header>")
		if err != nil {
			return err
		}
		title := fmt.Sprintf("<h1>Artifact %s</h1><p><code>%s</code></p>", html.EscapeString(guid), html.EscapeString(hash))
		_, err = io.WriteString(w, title)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<p><a href=\"/\">&larr; Back to overview</a></p></header>")
		if err != nil {
			return err
		}

		if len(files) == 0 {
			_, err = io.WriteString(w, "<p>This artifact version has no files.</p></section>")
			return err
		}

		_, err = io.WriteString(w, "<table><thead><tr><th>Kind</th><th>Size (bytes)</th><th>Digest</th><th></th></tr></thead><tbody>")
		if err != nil {
			return err
		}

		for _, f := range files {
			link := fmt.Sprintf("/artifact/%s/%s/%s", html.EscapeString(guid), html.EscapeString(hash), html.EscapeString(f.Code))
			row := fmt.Sprintf("<tr><td>%s</td><td>%d</td><td><code>%s</code></td><td><a href=\"%s\" hx-boost=\"false\">Download</a></td></tr>",
				html.EscapeString(f.Kind), f.Size, html.EscapeString(f.Digest), link)
			_, err = io.WriteString(w, row)
			if err != nil {
				return err
			}
		}

		_, err = io.WriteString(w, "</tbody></table></section>")
		return err
	}))
}

// MessagePage renders a heading with a single message paragraph.
func MessagePage(title string, message string) templ.Component {
	return Layout("Depot Browser - "+title, templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		page := fmt.Sprintf("<section><header><h1>%s</h1></header><p>%s</p><p><a href=\"/\">&larr; Back to overview</a></p></section>",
			html.EscapeString(title), html.EscapeString(message))
		_, err := io.WriteString(w, page)
		return err
	}))
}

// CleanupOutcome renders the result of a maintenance pass as an htmx
// fragment.
func CleanupOutcome(artifacts int64, objects int64, bytes int64, dryRun bool) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		verb := "Removed"
		if dryRun {
			verb = "Would remove"
		}
		fragment := fmt.Sprintf("<p>%s %d artifact versions and %d objects (%d bytes).</p>",
			verb, artifacts, objects, bytes)
		_, err := io.WriteString(w, fragment)
		return err
	})
}
