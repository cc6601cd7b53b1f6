package gtfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrFetch marks a transport failure or a non-success HTTP response.
var ErrFetch = errors.New("fetch feed")

const maxBodySize = 25 * 1024 * 1024

// Client downloads and decodes GTFS-RT feeds.
type Client struct {
	http *http.Client
}

// NewClient returns a client with its own transport. A zero timeout leaves
// requests unbounded.
func NewClient(timeout time.Duration) *Client {
	var transport *http.Transport
	if t, ok := http.DefaultTransport.(*http.Transport); ok {
		transport = t.Clone()
	} else {
		transport = &http.Transport{}
	}
	transport.MaxIdleConnsPerHost = 4
	transport.IdleConnTimeout = 90 * time.Second

	return &Client{http: &http.Client{Timeout: timeout, Transport: transport}}
}

// Fetch downloads url and decodes it. Errors wrap ErrFetch or ErrDecode.
func (c *Client) Fetch(ctx context.Context, url string, format Format) (*FeedMessage, error) {
	body, contentType, err := c.download(ctx, url)
	if err != nil {
		return nil, err
	}
	return Decode(body, format.Resolve(url, contentType))
}

func (c *Client) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: build request: %v", ErrFetch, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("%w: %s returned %s", ErrFetch, url, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: read body: %v", ErrFetch, err)
	}
	if len(body) > maxBodySize {
		return nil, "", fmt.Errorf("%w: %s exceeds %d bytes", ErrFetch, url, maxBodySize)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
