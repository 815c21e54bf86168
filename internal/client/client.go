// Package client talks to the agent backend's REST surface. Event
// delivery lives in internal/stream; this covers the request/response
// endpoints: session listing, status snapshots, prompts, aborts,
// message history, and the visibility hint.
package client

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

	"overseer/internal/state"
	"overseer/internal/types"
)

type Config struct {
	BaseURL  string
	Username string
	Token    string
	Timeout  time.Duration
}

type Client struct {
	baseURL    string
	username   string
	token      string
	httpClient *http.Client
}

// APIError carries the failing method, path, and status so callers can
// distinguish auth failures from transient server errors.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return "backend request failed"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("backend request failed (%s %s): %s", e.Method, e.Path, msg)
}

func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("server base_url is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base_url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base_url: %s", baseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(parsed.String(), "/"),
		username: strings.TrimSpace(cfg.Username),
		token:    strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// ListSessions returns the sessions visible to the current scope.
func (c *Client) ListSessions(ctx context.Context, directory string) ([]types.Session, error) {
	path := appendDirectoryQuery("/session", directory)
	var sessions []types.Session
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// SessionStatuses fetches the authoritative status snapshot used to
// repair local state after a reconnect.
func (c *Client) SessionStatuses(ctx context.Context) (map[string]types.SessionStatus, error) {
	var payload []struct {
		SessionID string `json:"sessionID"`
		Status    struct {
			Type string `json:"type"`
		} `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/session/status", nil, &payload); err != nil {
		return nil, err
	}
	out := make(map[string]types.SessionStatus, len(payload))
	for _, entry := range payload {
		sessionID := strings.TrimSpace(entry.SessionID)
		if sessionID == "" {
			continue
		}
		status := types.SessionStatus(strings.TrimSpace(entry.Status.Type))
		if !types.KnownSessionStatus(status) {
			continue
		}
		out[sessionID] = status
	}
	return out, nil
}

// SessionMessages returns the full message history for one session,
// with parts attached.
func (c *Client) SessionMessages(ctx context.Context, sessionID string) ([]state.MessageWithParts, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	var payload []struct {
		Info  types.Message       `json:"info"`
		Parts []types.MessagePart `json:"parts"`
	}
	path := fmt.Sprintf("/session/%s/message", url.PathEscape(sessionID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	out := make([]state.MessageWithParts, 0, len(payload))
	for _, entry := range payload {
		if strings.TrimSpace(entry.Info.ID) == "" {
			continue
		}
		if entry.Info.SessionID == "" {
			entry.Info.SessionID = sessionID
		}
		out = append(out, state.MessageWithParts{
			Message: entry.Info,
			Parts:   entry.Parts,
		})
	}
	return out, nil
}

// Prompt submits user text to a session. The correlation id lets the
// submitter match the confirmed message to its local placeholder.
func (c *Client) Prompt(ctx context.Context, sessionID, text, correlationID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("text is required")
	}
	body := map[string]any{
		"parts": []map[string]any{
			{
				"type": "text",
				"text": text,
			},
		},
	}
	if correlationID = strings.TrimSpace(correlationID); correlationID != "" {
		body["correlationID"] = correlationID
	}
	path := fmt.Sprintf("/session/%s/message", url.PathEscape(sessionID))
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

// AbortSession cancels the session's in-flight turn.
func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	path := fmt.Sprintf("/session/%s/abort", url.PathEscape(sessionID))
	return c.doJSON(ctx, http.MethodPost, path, map[string]any{}, nil)
}

// ReportVisibility tells the backend whether the console is visible and
// which session has focus. Advisory only.
func (c *Client) ReportVisibility(ctx context.Context, visible bool, focusedSessionID string) error {
	body := map[string]any{
		"visible": visible,
	}
	if focused := strings.TrimSpace(focusedSessionID); focused != "" {
		body["focusedSessionID"] = focused
	}
	return c.doJSON(ctx, http.MethodPost, "/client/visibility", body, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	path = "/" + strings.TrimLeft(strings.TrimSpace(path), "/")
	endpoint := c.baseURL + path

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		if c.username != "" {
			req.SetBasicAuth(c.username, c.token)
		} else {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    msg,
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func appendDirectoryQuery(path, directory string) string {
	directory = strings.TrimSpace(directory)
	if directory == "" {
		return path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + "directory=" + url.QueryEscape(directory)
}
