package ready

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTP checks a server by making an HTTP GET request.
// Any response with status < 500 counts as running.
type HTTP struct {
	Path string // default "/"
	TLS  bool
}

func (h *HTTP) Check(ctx context.Context, addr string) error {
	path := h.Path
	if path == "" {
		path = "/"
	}
	scheme := "http"
	if h.TLS {
		scheme = "https"
	}

	url := fmt.Sprintf("%s://%s%s", scheme, addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}
