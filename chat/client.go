// Package chat talks to the assistant backend's text endpoints and keeps
// the conversation token.
package chat

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

	"talkbox/log"
	"talkbox/transcriber"
)

var ErrBackend = errors.New("backend request failed")

type Link struct {
	Number string `json:"number"`
	Title  string `json:"title"`
	URL    string `json:"url"`
}

type Turn struct {
	TurnID           string   `json:"turnId"`
	Timestamp        string   `json:"timestamp"`
	DetectedLanguage string   `json:"detectedLanguage"`
	Confidence       float64  `json:"confidence"`
	Sources          []string `json:"sources"`
}

type QueryResponse struct {
	SessionID string `json:"sessionId"`
	Answer    string `json:"answer"`
	Turn      Turn   `json:"turn"`
	Links     []Link `json:"links"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Services  []struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	} `json:"services"`
}

type ClearResponse struct {
	NewSessionID  string `json:"newSessionId"`
	Message       string `json:"message"`
	ArchivedTurns int    `json:"archivedTurns"`
}

type queryRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

type clearRequest struct {
	SessionID string `json:"sessionId"`
}

type Client struct {
	client  *transcriber.TracedClient
	baseURL string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		client:  transcriber.NewTracedClient(timeout),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (*transcriber.TracedResponse, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s %s: HTTP %d: %s", ErrBackend, method, path, resp.StatusCode, strings.TrimSpace(string(resp.Body)))
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return nil, fmt.Errorf("%w: %s %s: parse response: %w", ErrBackend, method, path, err)
	}
	return resp, nil
}

// Query sends a typed or transcribed message and returns the assistant's
// answer.
func (c *Client) Query(ctx context.Context, message, sessionID string) (*QueryResponse, error) {
	var out QueryResponse
	resp, err := c.do(ctx, http.MethodPost, "/query", queryRequest{SessionID: sessionID, Message: message}, &out)
	if err != nil {
		return nil, err
	}
	log.Query(sessionID, float64(resp.Metrics.Total.Milliseconds()), len(out.Links))
	return &out, nil
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if _, err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClearChat archives the conversation server-side. The response may carry
// the id of the session that replaces it.
func (c *Client) ClearChat(ctx context.Context, sessionID string) (*ClearResponse, error) {
	var out ClearResponse
	if _, err := c.do(ctx, http.MethodDelete, "/clear-chat", clearRequest{SessionID: sessionID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
