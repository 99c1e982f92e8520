package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	fspath "path"
	"time"

	"github.com/andydunstall/swarm/server/status"
)

type Client struct {
	httpClient *http.Client

	url *url.URL
}

func NewClient(url *url.URL) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: time.Second * 15,
		},
		url: url,
	}
}

func (c *Client) SetURL(url *url.URL) {
	c.url = url
}

// SetTimeout sets the maximum duration of each request.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

func (c *Client) Request(ctx context.Context, path string) (io.ReadCloser, error) {
	url := new(url.URL)
	*url = *c.url

	url.Path = fspath.Join(url.Path, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		errorInfo := &status.ErrorInfo{
			StatusCode: resp.StatusCode,
		}
		// The body may not be JSON, such as for unknown routes.
		if err := json.NewDecoder(resp.Body).Decode(errorInfo); err != nil {
			errorInfo.Message = "bad status"
		}
		return nil, errorInfo
	}

	return resp.Body, nil
}
