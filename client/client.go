// Package client is the Go SDK the mobile app uses to talk to the backend.
// Ownership of conversations is enforced server-side; this layer only
// marshals requests and surfaces the server's error envelope.
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
)

// AssistantType selects which assistant persona handles a chat turn.
type AssistantType string

const (
	AssistantHealthCoach      AssistantType = "health_coach"
	AssistantExcursionCreator AssistantType = "excursion_creator"
)

// Location is an optional user location attached to a chat turn.
type Location struct {
	Address   string  `json:"address,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// UserContext carries structured per-user fields to attach to a turn. The
// server folds it into the text sent to the remote assistant; it never
// changes the persisted message content.
type UserContext struct {
	Goals       []string  `json:"goals,omitempty"`
	Constraints []string  `json:"constraints,omitempty"`
	Location    *Location `json:"location,omitempty"`
}

// Conversation is the wire shape of a conversation summary.
type Conversation struct {
	ID            string `json:"id"`
	AssistantType string `json:"assistantType"`
	ThreadID      string `json:"threadId"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

// Message is the wire shape of a persisted message.
type Message struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

// SendResult is the unified response of a chat turn.
type SendResult struct {
	Reply          string `json:"response"`
	ConversationID string `json:"conversationId"`
	ThreadID       string `json:"threadId"`
}

// APIError is the decoded server error envelope.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: server returned %d: %s", e.StatusCode, e.Message)
}

// Client calls the backend over its authenticated HTTP API.
type Client struct {
	baseURL     string
	anonKey     string
	accessToken string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a Client. anonKey identifies the app installation; accessToken
// is the signed-in user's bearer credential.
func New(baseURL, anonKey, accessToken string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("client: base URL must not be empty")
	}
	if strings.TrimSpace(anonKey) == "" {
		return nil, errors.New("client: anon key must not be empty")
	}
	if strings.TrimSpace(accessToken) == "" {
		return nil, errors.New("client: access token must not be empty")
	}
	c := &Client{
		baseURL:     baseURL,
		anonKey:     anonKey,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type sendRequest struct {
	Message        string       `json:"message"`
	ConversationID string       `json:"conversationId,omitempty"`
	UserContext    *UserContext `json:"userContext,omitempty"`
}

// SendMessage runs one chat turn against the given assistant type. An empty
// conversationID starts a new conversation.
func (c *Client) SendMessage(ctx context.Context, assistantType AssistantType, text, conversationID string, uc *UserContext) (SendResult, error) {
	body := sendRequest{Message: text, ConversationID: conversationID, UserContext: uc}
	var out SendResult
	err := c.call(ctx, http.MethodPost, "/chat/"+string(assistantType), body, &out)
	if err != nil {
		return SendResult{}, err
	}
	return out, nil
}

// ListConversations returns the caller's conversations, most recently active
// first. An empty assistantType returns all of them.
func (c *Client) ListConversations(ctx context.Context, assistantType AssistantType) ([]Conversation, error) {
	path := "/conversations"
	if assistantType != "" {
		path += "?assistantType=" + url.QueryEscape(string(assistantType))
	}
	var out struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// ListMessages returns a conversation's messages in creation order.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, errors.New("client: conversation id must not be empty")
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.call(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// DeleteConversation removes a conversation and all of its messages.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("client: conversation id must not be empty")
	}
	return c.call(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(conversationID), nil, nil)
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("client: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Apikey", c.anonKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("client: read response body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var envelope struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != "" {
			msg = envelope.Error
		}
		return &APIError{StatusCode: res.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
