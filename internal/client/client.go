// Package client is a typed HTTP client for the canvas server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreamware/pixelcanvas/internal/canvas"
	"github.com/dreamware/pixelcanvas/internal/identity"
	"github.com/dreamware/pixelcanvas/internal/reaper"
	"github.com/dreamware/pixelcanvas/internal/server"
)

// ErrSweepRejected is returned by Sweep when the server refuses the call,
// which it always does for client identities.
var ErrSweepRejected = errors.New("sweep rejected")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Body   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s %s: %d %s", e.Method, e.URL, e.Code, strings.TrimSpace(e.Body))
}

// Client talks to one canvas server.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// New creates a client for baseURL, e.g. "http://localhost:8080".
func New(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// SetToken sets the bearer token sent with authenticated calls.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	return c.token
}

// Identity requests a fresh identity and adopts its token.
func (c *Client) Identity(ctx context.Context) (identity.Grant, error) {
	var grant identity.Grant
	if err := c.doJSON(ctx, http.MethodPost, "/v1/identity", nil, &grant); err != nil {
		return identity.Grant{}, err
	}
	c.token = grant.Token
	return grant, nil
}

// SetPixel writes color at (x, y).
func (c *Client) SetPixel(ctx context.Context, x, y int32, color string) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/pixels", server.SetPixelRequest{X: &x, Y: &y, Color: color}, nil)
}

// Pixels returns every live pixel, sorted by key.
func (c *Client) Pixels(ctx context.Context) ([]canvas.Pixel, error) {
	var resp server.PixelsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/pixels", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Pixels, nil
}

// Sweep asks the server to sweep. Client identities are always refused;
// the refusal is reported as ErrSweepRejected.
func (c *Client) Sweep(ctx context.Context) (reaper.SweepResult, error) {
	var result reaper.SweepResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/sweep", nil, &result)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusForbidden {
		return reaper.SweepResult{}, fmt.Errorf("%w: %s", ErrSweepRejected, strings.TrimSpace(statusErr.Body))
	}
	return result, err
}

// Stats returns store and reaper statistics.
func (c *Client) Stats(ctx context.Context) (server.StatsResponse, error) {
	var resp server.StatsResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/stats", nil, &resp)
	return resp, err
}

// Subscription is an open pixel feed.
type Subscription struct {
	conn *websocket.Conn
}

// Subscribe opens the websocket feed. The first frame is the snapshot.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/pixels/subscribe"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Subscription{conn: conn}, nil
}

// Next blocks for the next frame.
func (s *Subscription) Next() (server.Frame, error) {
	var f server.Frame
	if err := s.conn.ReadJSON(&f); err != nil {
		return server.Frame{}, err
	}
	return f, nil
}

// Close closes the feed.
func (s *Subscription) Close() error {
	return s.conn.Close()
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, URL: url, Code: resp.StatusCode, Body: string(msg)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
