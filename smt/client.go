package smt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/colorfulnotion/reimann/common"
	"github.com/gorilla/websocket"
)

// HTTPError is a non-2xx reply from the service.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("smt: http %d: %s", e.StatusCode, e.Message)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *HTTPError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Client talks to a commitment log service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the service at baseURL, e.g. "http://127.0.0.1:3001".
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Append submits leaf and returns the assigned index and the new root.
// The log does not deduplicate: call Lookup first when a previous append may have succeeded.
func (c *Client) Append(ctx context.Context, leaf common.Hash) (*AppendResponse, error) {
	var resp AppendResponse
	if err := c.do(ctx, http.MethodPost, "/add", []byte(leaf.Hex()), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Query fetches the proof for index against the service's current root.
func (c *Client) Query(ctx context.Context, index uint64) (*QueryResponse, error) {
	var resp QueryResponse
	if err := c.do(ctx, http.MethodGet, "/query/"+strconv.FormatUint(index, 10), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Lookup returns the first index leaf was appended at, or ErrLeafNotFound.
func (c *Client) Lookup(ctx context.Context, leaf common.Hash) (uint64, error) {
	var resp LookupResponse
	err := c.do(ctx, http.MethodGet, "/leaf/"+leaf.Hex(), nil, &resp)
	if herr, ok := err.(*HTTPError); ok && herr.StatusCode == http.StatusNotFound {
		return 0, ErrLeafNotFound
	}
	if err != nil {
		return 0, err
	}
	return resp.Index, nil
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Status, nil
}

// Subscribe streams append events to fn until ctx is done or the connection drops.
func (c *Client) Subscribe(ctx context.Context, fn func(FeedEvent)) error {
	u, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("smt: dial feed: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev FeedEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("smt: read feed: %w", err)
		}
		fn(ev)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("smt: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("smt: read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("smt: decode %s: %w", path, err)
	}
	return nil
}
