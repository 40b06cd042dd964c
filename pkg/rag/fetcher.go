// Package rag implements the document ingest pipeline: fetch,
// preprocess, chunk, and embed.
package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	fetchTimeout   = 30 * time.Second
	fetchMaxBytes  = 10 << 20
	fetchUserAgent = "parley-ingest/1.0"
)

// Source types a fetch can resolve to.
const (
	SourceTypeURL  = "url"
	SourceTypeFile = "file"
	SourceTypeText = "text"
)

// FetchResult is raw fetched content plus the provenance the document
// record keeps.
type FetchResult struct {
	Content    string
	MimeType   string
	SourceType string
	SourceURI  string
	Title      string
}

// Fetcher resolves ingest sources: http(s) URLs, file paths, or inline
// text passed straight through.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a fetcher with the default HTTP timeout.
func NewFetcher() *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: fetchTimeout}}
}

// Fetch resolves a source string. Anything that does not parse as a URL
// or point at an existing file is treated as inline text.
func (f *Fetcher) Fetch(ctx context.Context, source string) (*FetchResult, error) {
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return f.fetchURL(ctx, source)
	case strings.HasPrefix(source, "file://"):
		return f.fetchFile(strings.TrimPrefix(source, "file://"))
	}
	if _, err := os.Stat(source); err == nil {
		return f.fetchFile(source)
	}
	return &FetchResult{
		Content:    source,
		MimeType:   "text/plain",
		SourceType: SourceTypeText,
	}, nil
}

func (f *Fetcher) fetchURL(ctx context.Context, rawURL string) (*FetchResult, error) {
	rawURL = NormalizeGitHubURL(rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	mimeType := "text/html"
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if parsed, _, err := mime.ParseMediaType(ct); err == nil {
			mimeType = parsed
		}
	}

	title := ""
	if u, err := url.Parse(rawURL); err == nil {
		title = strings.TrimPrefix(u.Path, "/")
		if title == "" {
			title = u.Host
		}
	}

	return &FetchResult{
		Content:    string(body),
		MimeType:   mimeType,
		SourceType: SourceTypeURL,
		SourceURI:  rawURL,
		Title:      title,
	}, nil
}

func (f *Fetcher) fetchFile(path string) (*FetchResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	mimeType := "text/plain"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		mimeType = "text/html"
	case ".md", ".markdown":
		mimeType = "text/markdown"
	case ".json":
		mimeType = "application/json"
	}

	return &FetchResult{
		Content:    string(data),
		MimeType:   mimeType,
		SourceType: SourceTypeFile,
		SourceURI:  path,
		Title:      filepath.Base(path),
	}, nil
}

// HashContent returns the hex SHA-256 of normalized content, used for
// ingest dedup within a namespace.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
