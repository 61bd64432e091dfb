package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"companion-agent/internal/domain"
	"companion-agent/internal/usecase"
)

// ChatService runs one chat turn.
type ChatService interface {
	Send(ctx context.Context, in usecase.SendInput) (usecase.SendOutput, error)
}

// Authorizer derives a user identity from an Authorization header value.
type Authorizer interface {
	UserID(ctx context.Context, authorization string) (string, error)
}

// HistoryStore serves the read/delete side of conversation history. All
// operations are ownership-scoped in the store layer.
type HistoryStore interface {
	ListConversations(ctx context.Context, userID string, assistantType domain.AssistantType) ([]domain.Conversation, error)
	ListMessages(ctx context.Context, userID, conversationID string) ([]domain.Message, error)
	DeleteConversation(ctx context.Context, userID, conversationID string) error
}

type chatRequest struct {
	Message        string              `json:"message"`
	ConversationID string              `json:"conversationId,omitempty"`
	UserContext    *domain.UserContext `json:"userContext,omitempty"`
}

type chatResponse struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversationId"`
	ThreadID       string `json:"threadId"`
}

type conversationPayload struct {
	ID            string `json:"id"`
	AssistantType string `json:"assistantType"`
	ThreadID      string `json:"threadId"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

type messagePayload struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler adapts API Gateway events to the chat service and history store.
type Handler struct {
	chat  ChatService
	auth  Authorizer
	store HistoryStore
}

func NewHandler(chat ChatService, auth Authorizer, store HistoryStore) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	if auth == nil {
		return nil, errors.New("handler: authorizer must not be nil")
	}
	if store == nil {
		return nil, errors.New("handler: history store must not be nil")
	}
	return &Handler{chat: chat, auth: auth, store: store}, nil
}

// Handle routes one API Gateway event. Success is 200 with the operation
// payload; every failure collapses into one 500 envelope so the mobile
// client has a single error shape to parse.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	cid := correlationID(event.Headers)

	if strings.EqualFold(event.HTTPMethod, http.MethodOptions) {
		return preflight(cid), nil
	}

	userID, err := h.auth.UserID(ctx, headerValue(event.Headers, "Authorization"))
	if err != nil {
		return h.fail(cid, newUsecaseError(usecase.ErrorUnauthorized, "verify_credential", err)), nil
	}

	segments := pathSegments(event.Path)
	switch {
	case event.HTTPMethod == http.MethodPost && len(segments) == 2 && segments[0] == "chat":
		return h.handleChat(ctx, cid, userID, segments[1], event.Body), nil
	case event.HTTPMethod == http.MethodGet && len(segments) == 1 && segments[0] == "conversations":
		return h.handleListConversations(ctx, cid, userID, event.QueryStringParameters), nil
	case event.HTTPMethod == http.MethodGet && len(segments) == 3 && segments[0] == "conversations" && segments[2] == "messages":
		return h.handleListMessages(ctx, cid, userID, segments[1]), nil
	case event.HTTPMethod == http.MethodDelete && len(segments) == 2 && segments[0] == "conversations":
		return h.handleDelete(ctx, cid, userID, segments[1]), nil
	}
	return h.fail(cid, newUsecaseError(usecase.ErrorInvalidInput, "unknown_route", nil)), nil
}

func (h *Handler) handleChat(ctx context.Context, cid, userID, rawType, body string) events.APIGatewayProxyResponse {
	assistantType, err := domain.ParseAssistantType(rawType)
	if err != nil {
		return h.fail(cid, newUsecaseError(usecase.ErrorInvalidInput, "unknown_assistant_type", err))
	}
	var req chatRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return h.fail(cid, newUsecaseError(usecase.ErrorInvalidInput, "malformed_body", err))
	}

	out, err := h.chat.Send(ctx, usecase.SendInput{
		UserID:         userID,
		AssistantType:  assistantType,
		Message:        req.Message,
		ConversationID: req.ConversationID,
		UserContext:    req.UserContext,
	})
	if err != nil {
		return h.fail(cid, err)
	}
	return respond(cid, http.StatusOK, chatResponse{
		Response:       out.Reply,
		ConversationID: out.ConversationID,
		ThreadID:       out.ThreadID,
	})
}

func (h *Handler) handleListConversations(ctx context.Context, cid, userID string, query map[string]string) events.APIGatewayProxyResponse {
	var assistantType domain.AssistantType
	if raw := strings.TrimSpace(query["assistantType"]); raw != "" {
		parsed, err := domain.ParseAssistantType(raw)
		if err != nil {
			return h.fail(cid, newUsecaseError(usecase.ErrorInvalidInput, "unknown_assistant_type", err))
		}
		assistantType = parsed
	}
	convs, err := h.store.ListConversations(ctx, userID, assistantType)
	if err != nil {
		return h.fail(cid, newUsecaseError(usecase.ErrorStore, "list_conversations", err))
	}
	payload := make([]conversationPayload, 0, len(convs))
	for _, conv := range convs {
		payload = append(payload, conversationPayload{
			ID:            conv.ID,
			AssistantType: string(conv.AssistantType),
			ThreadID:      conv.ThreadID,
			CreatedAt:     conv.CreatedAt.UTC().Format(time.RFC3339Nano),
			UpdatedAt:     conv.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return respond(cid, http.StatusOK, map[string]any{"conversations": payload})
}

func (h *Handler) handleListMessages(ctx context.Context, cid, userID, conversationID string) events.APIGatewayProxyResponse {
	msgs, err := h.store.ListMessages(ctx, userID, conversationID)
	if err != nil {
		return h.fail(cid, newUsecaseError(usecase.ErrorStore, "list_messages", err))
	}
	payload := make([]messagePayload, 0, len(msgs))
	for _, msg := range msgs {
		payload = append(payload, messagePayload{
			ID:        msg.ID,
			Role:      string(msg.Role),
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return respond(cid, http.StatusOK, map[string]any{"messages": payload})
}

func (h *Handler) handleDelete(ctx context.Context, cid, userID, conversationID string) events.APIGatewayProxyResponse {
	if err := h.store.DeleteConversation(ctx, userID, conversationID); err != nil {
		return h.fail(cid, newUsecaseError(usecase.ErrorStore, "delete_conversation", err))
	}
	return respond(cid, http.StatusOK, map[string]any{"deleted": true})
}

func (h *Handler) fail(cid string, err error) events.APIGatewayProxyResponse {
	slog.Error("request failed", "err", err, "correlationId", cid)
	return respond(cid, http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

func respond(cid string, status int, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		raw = []byte(`{"error":"failed to encode response"}`)
		status = http.StatusInternalServerError
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    responseHeaders(cid),
		Body:       string(raw),
	}
}

func preflight(cid string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusNoContent,
		Headers:    responseHeaders(cid),
	}
}

func responseHeaders(cid string) map[string]string {
	return map[string]string{
		"Content-Type":                 "application/json",
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "GET, POST, DELETE, OPTIONS",
		"Access-Control-Allow-Headers": "Authorization, Content-Type, X-Correlation-Id",
		"X-Correlation-Id":             cid,
	}
}

// correlationID echoes the caller's id when present, otherwise mints one.
func correlationID(headers map[string]string) string {
	if v := headerValue(headers, "X-Correlation-Id"); v != "" {
		return v
	}
	return uuid.NewString()
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// pathSegments splits a request path into its non-empty segments.
func pathSegments(path string) []string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

func newUsecaseError(code usecase.ErrorCode, reason string, err error) *usecase.Error {
	return &usecase.Error{Code: code, Reason: reason, Err: err}
}
