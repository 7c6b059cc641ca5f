package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/stockdesk/internal/gateway"
)

// apiError is a non-2xx response from the server.
type apiError struct {
	Status  int
	Message string
	Body    map[string]any
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

// apiClient calls the stockdesk HTTP API as one user.
type apiClient struct {
	baseURL string
	token   string
	user    string
	http    *http.Client
}

func newAPIClient(baseURL, token, user string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		user:    user,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setHeaders(req.Header)
	return req, nil
}

func (c *apiClient) setHeaders(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	if c.user != "" {
		h.Set(gateway.UserHeader, c.user)
	}
}

// do sends a JSON request and decodes the JSON response into out. Error
// responses become *apiError; out still receives the body when it decodes.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(data, &apiErr.Body) == nil {
			if msg, ok := apiErr.Body["error"].(string); ok {
				apiErr.Message = msg
			}
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// isStatus reports whether err is an API error with the given status.
func isStatus(err error, status int) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// follow streams events for taskID over the WebSocket endpoint until the
// server closes the stream after the task's terminal transition.
func (c *apiClient) follow(ctx context.Context, taskID string, fn func(gateway.StreamEvent)) error {
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
	q := u.Query()
	q.Set("task_id", taskID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	c.setHeaders(header)
	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			return &apiError{Status: resp.StatusCode, Message: "stream rejected"}
		}
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.CloseNow()

	for {
		var ev gateway.StreamEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		fn(ev)
	}
}
