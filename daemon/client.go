package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Client talks to a running Daemon over its unix socket. It is the seam
// higher-level tooling (out of scope for kgsm-core itself) is expected to
// use instead of reaching into the daemon's internals directly.
type Client struct {
	SocketPath string
	httpClient *http.Client
}

func NewClient(socketPath string) *Client {
	return &Client{
		SocketPath: socketPath,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/ping", nil)
	return err
}

func (c *Client) Arm(ctx context.Context, instance string, timeout time.Duration) error {
	body, _ := json.Marshal(armRequest{Instance: instance, TimeoutSeconds: int(timeout.Seconds())})
	_, err := c.do(ctx, http.MethodPost, "/arm", body)
	return err
}

func (c *Client) Disarm(ctx context.Context, instance string) error {
	body, _ := json.Marshal(armRequest{Instance: instance})
	_, err := c.do(ctx, http.MethodPost, "/disarm", body)
	return err
}

func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/shutdown", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, "http://kgsmd"+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("daemon %s %s: status %d", method, path, resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
