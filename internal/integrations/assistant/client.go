package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"companion-agent/internal/domain"
)

// betaHeader opts in to the thread-based assistants API surface.
const betaHeader = "assistants=v2"

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// APIError captures a non-2xx response from the remote assistant service,
// tagged with the operation that produced it.
type APIError struct {
	Op         string
	StatusCode int
	URL        string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("assistant: %s: unexpected status %d from %s: %s", e.Op, e.StatusCode, e.URL, e.Body)
}

func (e *APIError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a thin adapter over the remote assistant service's thread API.
// It performs no retries; polling policy lives with the caller.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client backed by the given paramstore Getter for API
// key retrieval. The key is fetched on the first remote call and reused for
// the lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("assistant: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("assistant: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     "https://api.openai.com/v1",
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateThread creates a fresh remote thread and returns its id.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, "create_thread", http.MethodPost, "/threads", struct{}{}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("assistant: create_thread: response missing thread id")
	}
	return out.ID, nil
}

// AppendMessage adds a message to a thread.
func (c *Client) AppendMessage(ctx context.Context, threadID string, role domain.Role, content string) error {
	in := struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: string(role), Content: content}
	return c.call(ctx, "append_message", http.MethodPost, "/threads/"+threadID+"/messages", in, nil)
}

// CreateRun starts a run of the given assistant against a thread.
func (c *Client) CreateRun(ctx context.Context, threadID, assistantID string) (string, error) {
	in := struct {
		AssistantID string `json:"assistant_id"`
	}{AssistantID: assistantID}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, "create_run", http.MethodPost, "/threads/"+threadID+"/runs", in, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("assistant: create_run: response missing run id")
	}
	return out.ID, nil
}

// GetRun fetches the current status of a run.
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (domain.Run, error) {
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := c.call(ctx, "get_run", http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, &out); err != nil {
		return domain.Run{}, err
	}
	return domain.Run{ID: out.ID, Status: domain.RunStatus(out.Status)}, nil
}

// threadMessage is the minimal wire shape of a listed thread message. Content
// arrives as typed parts; only text parts carry reply text.
type threadMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text struct {
			Value string `json:"value"`
		} `json:"text"`
	} `json:"content"`
}

// ListMessages returns a thread's messages, newest first, with text content
// flattened.
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]domain.ThreadMessage, error) {
	var out struct {
		Data []threadMessage `json:"data"`
	}
	if err := c.call(ctx, "list_messages", http.MethodGet, "/threads/"+threadID+"/messages", nil, &out); err != nil {
		return nil, err
	}
	msgs := make([]domain.ThreadMessage, 0, len(out.Data))
	for _, m := range out.Data {
		var parts []string
		for _, part := range m.Content {
			if part.Type == "text" && part.Text.Value != "" {
				parts = append(parts, part.Text.Value)
			}
		}
		msgs = append(msgs, domain.ThreadMessage{
			Role: domain.Role(m.Role),
			Text: strings.Join(parts, "\n"),
		})
	}
	return msgs, nil
}

// resolveAPIKey fetches the API key from the paramstore on the first call and
// returns the cached result on every subsequent call.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = fetchAPIKey(ctx, c.getter, c.paramPrefix+"/assistant-api-token")
	})
	return c.apiKey, c.keyErr
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *Client) endpoint(path string) string {
	base := strings.TrimRight(c.baseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + path
}

// call issues one JSON request and decodes the response into out when given.
func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("assistant: %s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	url := c.endpoint(path)
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("assistant: %s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("OpenAI-Beta", betaHeader)

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("assistant: %s: request failed: %w", op, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &APIError{Op: op, StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	if out == nil {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("assistant: %s: read response body: %w", op, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("assistant: %s: decode response: %w", op, err)
	}
	return nil
}

func fetchAPIKey(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("assistant: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("assistant: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("assistant: API token is empty")
	}
	return tp.Token, nil
}
