package recipe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Downloader fetches recipe content, typically a Dockerfile, by URL.
type Downloader interface {
	Download(ctx context.Context, url string) (string, error)
}

// maxRecipeSize bounds a downloaded recipe.
const maxRecipeSize = 1 << 20

// HTTPDownloader fetches recipes over HTTP. Token, when set, is sent as a
// bearer token so internal recipe endpoints can be reached.
type HTTPDownloader struct {
	Client *http.Client
	Token  string
}

func (d *HTTPDownloader) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (d *HTTPDownloader) Download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("recipe request: %w", err)
	}
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}
	resp, err := d.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch recipe %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch recipe %s: unexpected status %s", url, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRecipeSize+1))
	if err != nil {
		return "", fmt.Errorf("read recipe %s: %w", url, err)
	}
	if len(body) > maxRecipeSize {
		return "", fmt.Errorf("recipe %s exceeds %d bytes", url, maxRecipeSize)
	}
	return string(body), nil
}
