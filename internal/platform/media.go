package platform

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const maxMediaBytes = 15 << 20

type Media struct {
	Locator  string
	Data     []byte
	MIMEType string
}

// MediaLoader resolves media locators: data: URLs, http(s) URLs and local
// paths (relative ones under dir).
type MediaLoader struct {
	client     *http.Client
	dir        string
	publicBase string
}

func NewMediaLoader(client *http.Client, dir, publicBase string) *MediaLoader {
	return &MediaLoader{client: client, dir: dir, publicBase: strings.TrimRight(publicBase, "/")}
}

func IsRemote(locator string) bool {
	return strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://")
}

// ParseDataURL splits "data:<mime>;base64,<payload>".
func ParseDataURL(s string) (mimeType, payload string, ok bool) {
	if !strings.HasPrefix(s, "data:") {
		return "", "", false
	}
	meta, payload, found := strings.Cut(s[len("data:"):], ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	return strings.TrimSuffix(meta, ";base64"), payload, true
}

func (l *MediaLoader) Load(ctx context.Context, locator string) (*Media, error) {
	switch {
	case strings.HasPrefix(locator, "data:"):
		mimeType, payload, ok := ParseDataURL(locator)
		if !ok {
			return nil, fmt.Errorf("%w: malformed data url", ErrInvalidContent)
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: data url payload: %v", ErrInvalidContent, err)
		}
		return &Media{Locator: "data-url", Data: data, MIMEType: mimeType}, nil

	case IsRemote(locator):
		return l.fetch(ctx, locator)

	default:
		path, err := l.localPath(locator)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open media: %w", err)
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxMediaBytes+1))
		if err != nil {
			return nil, fmt.Errorf("read media: %w", err)
		}
		if len(data) > maxMediaBytes {
			return nil, fmt.Errorf("%w: media larger than %d bytes", ErrInvalidContent, maxMediaBytes)
		}
		return &Media{Locator: locator, Data: data, MIMEType: http.DetectContentType(data)}, nil
	}
}

func (l *MediaLoader) fetch(ctx context.Context, rawURL string) (*Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: media url: %v", ErrInvalidContent, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "GET media", Err: err}
	}
	defer resp.Body.Close()
	if !isSuccess(resp.StatusCode) {
		return nil, fmt.Errorf("fetch media %s: status %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, &NetworkError{Op: "GET media", Err: err}
	}
	if len(data) > maxMediaBytes {
		return nil, fmt.Errorf("%w: media larger than %d bytes", ErrInvalidContent, maxMediaBytes)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return &Media{Locator: rawURL, Data: data, MIMEType: mimeType}, nil
}

// localPath resolves a relative locator under the media dir and refuses
// paths that escape it.
func (l *MediaLoader) localPath(locator string) (string, error) {
	if filepath.IsAbs(locator) {
		return filepath.Clean(locator), nil
	}
	path := filepath.Join(l.dir, locator)
	rel, err := filepath.Rel(l.dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: media path %q escapes the media directory", ErrInvalidContent, locator)
	}
	return path, nil
}

// PublicURL returns a URL a remote platform can fetch the media from.
// Remote locators are returned as is; local files under the media dir are
// mapped onto the configured public base URL.
func (l *MediaLoader) PublicURL(locator string) (string, bool) {
	if IsRemote(locator) {
		return locator, true
	}
	if strings.HasPrefix(locator, "data:") || l.publicBase == "" {
		return "", false
	}

	path, err := l.localPath(locator)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(l.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return l.publicBase + "/" + strings.Join(parts, "/"), true
}
