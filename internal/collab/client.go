// Package collab talks to the external collaborator services: the title
// summarizer and the query answerer. Both are plain HTTP POST endpoints
// owned by another team, so everything here is transport, not logic.
package collab

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

	"sohbet/internal/config"
)

const (
	maxAttempts = 3
	retryWait   = 200 * time.Millisecond
)

var ErrEmptyAnswer = errors.New("collaborator returned an empty answer")

// Client calls both collaborator endpoints with a shared http client and a
// small retry loop for transient failures.
type Client struct {
	http     *http.Client
	titleURL string
	queryURL string
}

func NewClient(cfg config.CollaboratorConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:     &http.Client{Timeout: timeout},
		titleURL: cfg.TitleURL,
		queryURL: cfg.QueryURL,
	}
}

type titleRequest struct {
	Messages []string `json:"messages"`
}

type titleResponse struct {
	Title string `json:"title"`
}

// GenerateTitle asks the summarizer for a short session title based on the
// given user messages.
func (c *Client) GenerateTitle(ctx context.Context, messages []string) (string, error) {
	var resp titleResponse
	err := c.post(ctx, c.titleURL, "", titleRequest{Messages: messages}, &resp)
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	title := strings.TrimSpace(resp.Title)
	if title == "" {
		return "", fmt.Errorf("generate title: %w", ErrEmptyAnswer)
	}
	return title, nil
}

type queryRequest struct {
	Query string `json:"query"`
}

type queryResponse struct {
	Response string `json:"response"`
}

// Ask sends a user question to the query service on behalf of the given
// identity and returns the answer text.
func (c *Client) Ask(ctx context.Context, identityID, question string) (string, error) {
	var resp queryResponse
	err := c.post(ctx, c.queryURL, identityID, queryRequest{Query: question}, &resp)
	if err != nil {
		return "", fmt.Errorf("query collaborator: %w", err)
	}
	answer := strings.TrimSpace(resp.Response)
	if answer == "" {
		return "", fmt.Errorf("query collaborator: %w", ErrEmptyAnswer)
	}
	return answer, nil
}

func (c *Client) post(ctx context.Context, url, bearer string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryWait << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = c.postOnce(ctx, url, bearer, payload, out)
		if lastErr == nil || !transient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) postOnce(ctx context.Context, url, bearer string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected status %d", e.code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func transient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Network-level failures are worth another try.
	return true
}
