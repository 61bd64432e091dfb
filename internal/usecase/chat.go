package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"companion-agent/internal/domain"
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ThreadClient is the remote assistant surface the orchestrator depends on.
type ThreadClient interface {
	CreateThread(ctx context.Context) (string, error)
	AppendMessage(ctx context.Context, threadID string, role domain.Role, content string) error
	CreateRun(ctx context.Context, threadID, assistantID string) (string, error)
	GetRun(ctx context.Context, threadID, runID string) (domain.Run, error)
	ListMessages(ctx context.Context, threadID string) ([]domain.ThreadMessage, error)
}

// ConversationStore is the persistence surface the orchestrator depends on.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv domain.Conversation) error
	GetConversation(ctx context.Context, userID, conversationID string) (domain.Conversation, error)
	AppendMessage(ctx context.Context, conv domain.Conversation, role domain.Role, content string) (domain.Message, error)
}

// AssistantConfig binds an assistant type to its remote assistant id
// parameter and its context-enrichment rule. Enrichment shapes only the
// remote-bound text, never persisted content.
type AssistantConfig struct {
	IDParam string
	Enrich  func(text string, uc *domain.UserContext) string
}

// ChatService orchestrates one chat turn: resolve or create the
// conversation+thread pair, persist the user message, drive a remote run to
// completion, persist and return the reply. One service instance covers
// every assistant type.
type ChatService struct {
	params      ParamGetter
	threads     ThreadClient
	store       ConversationStore
	paramPrefix string
	assistants  map[domain.AssistantType]AssistantConfig

	pollInterval    time.Duration
	pollMaxAttempts int
	sleep           func(ctx context.Context, d time.Duration) error

	idMu         sync.Mutex
	assistantIDs map[domain.AssistantType]string
}

type SendInput struct {
	UserID         string
	AssistantType  domain.AssistantType
	Message        string
	ConversationID string
	UserContext    *domain.UserContext
}

type SendOutput struct {
	Reply          string
	ConversationID string
	ThreadID       string
}

type Option func(*ChatService)

// WithPollPolicy overrides the fixed poll interval and attempt ceiling.
func WithPollPolicy(interval time.Duration, maxAttempts int) Option {
	return func(s *ChatService) {
		if interval > 0 {
			s.pollInterval = interval
		}
		if maxAttempts > 0 {
			s.pollMaxAttempts = maxAttempts
		}
	}
}

// WithSleep injects the poller's wait primitive so tests can run the poll
// loop without wall-clock delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *ChatService) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithAssistants replaces the assistant-type configuration table.
func WithAssistants(assistants map[domain.AssistantType]AssistantConfig) Option {
	return func(s *ChatService) {
		if assistants != nil {
			s.assistants = assistants
		}
	}
}

func NewChatService(p ParamGetter, tc ThreadClient, cs ConversationStore, paramPrefix string, opts ...Option) (*ChatService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if tc == nil {
		return nil, errors.New("usecase: thread client must not be nil")
	}
	if cs == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	s := &ChatService{
		params:          p,
		threads:         tc,
		store:           cs,
		paramPrefix:     paramPrefix,
		assistants:      DefaultAssistants(),
		pollInterval:    defaultPollInterval,
		pollMaxAttempts: defaultPollMaxAttempts,
		sleep:           sleepWithContext,
		assistantIDs:    make(map[domain.AssistantType]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send runs one chat turn end to end. The user message is persisted before
// any remote call so a failed turn never loses the user's side; partial
// state is left in place on failure.
func (s *ChatService) Send(ctx context.Context, in SendInput) (SendOutput, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return SendOutput{}, newError(ErrorUnauthorized, "missing_user_identity", nil)
	}
	if strings.TrimSpace(in.Message) == "" {
		return SendOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	cfg, ok := s.assistants[in.AssistantType]
	if !ok {
		return SendOutput{}, newError(ErrorConfig, "unknown_assistant_type", nil)
	}

	conv, err := s.resolveConversation(ctx, userID, in.AssistantType, in.ConversationID)
	if err != nil {
		return SendOutput{}, err
	}

	// Persisted content is the message exactly as sent, untrimmed.
	if _, err := s.store.AppendMessage(ctx, conv, domain.RoleUser, in.Message); err != nil {
		return SendOutput{}, newError(ErrorStore, "save_user_message", err)
	}

	remoteText := in.Message
	if cfg.Enrich != nil {
		remoteText = cfg.Enrich(in.Message, in.UserContext)
	}
	if err := s.threads.AppendMessage(ctx, conv.ThreadID, domain.RoleUser, remoteText); err != nil {
		return SendOutput{}, newError(ErrorRemote, "append_message", err)
	}

	assistantID, err := s.assistantID(ctx, in.AssistantType, cfg)
	if err != nil {
		return SendOutput{}, err
	}
	runID, err := s.threads.CreateRun(ctx, conv.ThreadID, assistantID)
	if err != nil {
		return SendOutput{}, newError(ErrorRemote, "create_run", err)
	}

	if err := s.pollRun(ctx, conv.ThreadID, runID); err != nil {
		return SendOutput{}, err
	}

	reply, err := s.latestReply(ctx, conv.ThreadID)
	if err != nil {
		return SendOutput{}, err
	}
	if _, err := s.store.AppendMessage(ctx, conv, domain.RoleAssistant, reply); err != nil {
		return SendOutput{}, newError(ErrorStore, "save_assistant_message", err)
	}

	return SendOutput{
		Reply:          reply,
		ConversationID: conv.ID,
		ThreadID:       conv.ThreadID,
	}, nil
}

// resolveConversation reuses the caller's own conversation when the supplied
// id matches one; anything else (missing, unknown, owned by someone else)
// falls back to a fresh remote thread and conversation row.
func (s *ChatService) resolveConversation(ctx context.Context, userID string, assistantType domain.AssistantType, conversationID string) (domain.Conversation, error) {
	if id := strings.TrimSpace(conversationID); id != "" {
		conv, err := s.store.GetConversation(ctx, userID, id)
		switch {
		case err == nil:
			return conv, nil
		case errors.Is(err, domain.ErrConversationNotFound):
			// fall through to create
		default:
			return domain.Conversation{}, newError(ErrorStore, "load_conversation", err)
		}
	}

	threadID, err := s.threads.CreateThread(ctx)
	if err != nil {
		return domain.Conversation{}, newError(ErrorRemote, "create_thread", err)
	}
	conv := domain.NewConversation(newUUID(), userID, assistantType, threadID, time.Now().UTC())
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return domain.Conversation{}, newError(ErrorStore, "create_conversation", err)
	}
	return conv, nil
}

// latestReply extracts the newest assistant message's text from the thread.
func (s *ChatService) latestReply(ctx context.Context, threadID string) (string, error) {
	msgs, err := s.threads.ListMessages(ctx, threadID)
	if err != nil {
		return "", newError(ErrorRemote, "list_messages", err)
	}
	// The remote service lists newest first; the first assistant entry is the
	// reply to the run that just completed.
	for _, m := range msgs {
		if m.Role == domain.RoleAssistant {
			if strings.TrimSpace(m.Text) == "" {
				return "", newError(ErrorRemote, "empty_assistant_reply", nil)
			}
			return m.Text, nil
		}
	}
	return "", newError(ErrorRemote, "no_assistant_reply", nil)
}

// assistantID resolves and caches the remote assistant id for a type.
func (s *ChatService) assistantID(ctx context.Context, assistantType domain.AssistantType, cfg AssistantConfig) (string, error) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	if id, ok := s.assistantIDs[assistantType]; ok {
		return id, nil
	}
	if cfg.IDParam == "" {
		return "", newError(ErrorConfig, "missing_assistant_id_param", nil)
	}
	id, err := s.params.GetParameter(ctx, s.paramPrefix+cfg.IDParam)
	if err != nil {
		return "", newError(ErrorConfig, "load_assistant_id", err)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", newError(ErrorConfig, "empty_assistant_id", nil)
	}
	s.assistantIDs[assistantType] = id
	return id, nil
}

// DefaultAssistants is the production assistant-type table.
func DefaultAssistants() map[domain.AssistantType]AssistantConfig {
	return map[domain.AssistantType]AssistantConfig{
		domain.AssistantHealthCoach: {
			IDParam: "/assistants/health_coach",
			Enrich:  AnnotateWithUserContext,
		},
		domain.AssistantExcursionCreator: {
			IDParam: "/assistants/excursion_creator",
			Enrich:  AnnotateWithUserContext,
		},
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
