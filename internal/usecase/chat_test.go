package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"companion-agent/internal/domain"
)

type fakeParams struct {
	vals map[string]string
	err  error
}

func (f *fakeParams) GetParameter(_ context.Context, name string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.vals[name]
	if !ok {
		return "", fmt.Errorf("param not found: %s", name)
	}
	return v, nil
}

type appendedMessage struct {
	threadID string
	role     domain.Role
	content  string
}

type fakeThreads struct {
	threadID        string
	createThreadErr error
	createCalls     int

	appendErr error
	appended  []appendedMessage

	runID        string
	createRunErr error
	runAssistant string

	runStatuses []domain.RunStatus
	getRunErr   error
	getRunCalls int

	listOut []domain.ThreadMessage
	listErr error
}

func (f *fakeThreads) CreateThread(_ context.Context) (string, error) {
	f.createCalls++
	return f.threadID, f.createThreadErr
}

func (f *fakeThreads) AppendMessage(_ context.Context, threadID string, role domain.Role, content string) error {
	f.appended = append(f.appended, appendedMessage{threadID: threadID, role: role, content: content})
	return f.appendErr
}

func (f *fakeThreads) CreateRun(_ context.Context, _, assistantID string) (string, error) {
	f.runAssistant = assistantID
	return f.runID, f.createRunErr
}

func (f *fakeThreads) GetRun(_ context.Context, _, runID string) (domain.Run, error) {
	if f.getRunErr != nil {
		return domain.Run{}, f.getRunErr
	}
	idx := f.getRunCalls
	if idx >= len(f.runStatuses) {
		idx = len(f.runStatuses) - 1
	}
	f.getRunCalls++
	return domain.Run{ID: runID, Status: f.runStatuses[idx]}, nil
}

func (f *fakeThreads) ListMessages(_ context.Context, _ string) ([]domain.ThreadMessage, error) {
	return f.listOut, f.listErr
}

type storedMessage struct {
	conversationID string
	role           domain.Role
	content        string
}

type fakeStore struct {
	conv      domain.Conversation
	getErr    error
	created   []domain.Conversation
	createErr error
	saved     []storedMessage
	appendErr error
}

func (f *fakeStore) CreateConversation(_ context.Context, conv domain.Conversation) error {
	f.created = append(f.created, conv)
	return f.createErr
}

func (f *fakeStore) GetConversation(_ context.Context, _, _ string) (domain.Conversation, error) {
	return f.conv, f.getErr
}

func (f *fakeStore) AppendMessage(_ context.Context, conv domain.Conversation, role domain.Role, content string) (domain.Message, error) {
	if f.appendErr != nil {
		return domain.Message{}, f.appendErr
	}
	f.saved = append(f.saved, storedMessage{conversationID: conv.ID, role: role, content: content})
	return domain.Message{ID: "msg", ConversationID: conv.ID, Role: role, Content: content, CreatedAt: time.Now()}, nil
}

func instantSleep(_ context.Context, _ time.Duration) error { return nil }

func healthParams() *fakeParams {
	return &fakeParams{vals: map[string]string{
		"/companion-agent/assistants/health_coach":      "asst_health",
		"/companion-agent/assistants/excursion_creator": "asst_trips",
	}}
}

func completedThreads() *fakeThreads {
	return &fakeThreads{
		threadID:    "thread_new",
		runID:       "run_1",
		runStatuses: []domain.RunStatus{domain.RunCompleted},
		listOut: []domain.ThreadMessage{
			{Role: domain.RoleAssistant, Text: "Here is a plan."},
			{Role: domain.RoleUser, Text: "Plan a beach day"},
		},
	}
}

func mustService(t *testing.T, p ParamGetter, tc ThreadClient, cs ConversationStore, opts ...Option) *ChatService {
	t.Helper()
	opts = append([]Option{WithSleep(instantSleep)}, opts...)
	s, err := NewChatService(p, tc, cs, "/companion-agent", opts...)
	require.NoError(t, err)
	return s
}

func requireCode(t *testing.T, err error, code ErrorCode) *Error {
	t.Helper()
	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	require.Equal(t, code, uerr.Code)
	return uerr
}

func TestNewChatService_ValidatesDependencies(t *testing.T) {
	_, err := NewChatService(nil, &fakeThreads{}, &fakeStore{}, "/p")
	require.Error(t, err)
	_, err = NewChatService(&fakeParams{}, nil, &fakeStore{}, "/p")
	require.Error(t, err)
	_, err = NewChatService(&fakeParams{}, &fakeThreads{}, nil, "/p")
	require.Error(t, err)
	_, err = NewChatService(&fakeParams{}, &fakeThreads{}, &fakeStore{}, "  ")
	require.Error(t, err)
}

func TestSend_NewConversation_HappyPath(t *testing.T) {
	threads := completedThreads()
	store := &fakeStore{getErr: domain.ErrConversationNotFound}
	s := mustService(t, healthParams(), threads, store)

	out, err := s.Send(context.Background(), SendInput{
		UserID:        "user-1",
		AssistantType: domain.AssistantHealthCoach,
		Message:       "Plan a beach day",
	})
	require.NoError(t, err)
	require.Equal(t, "Here is a plan.", out.Reply)
	require.Equal(t, "thread_new", out.ThreadID)
	require.NotEmpty(t, out.ConversationID)

	// Exactly one conversation and one remote thread were created.
	require.Equal(t, 1, threads.createCalls)
	require.Len(t, store.created, 1)
	require.Equal(t, "thread_new", store.created[0].ThreadID)
	require.Equal(t, domain.AssistantHealthCoach, store.created[0].AssistantType)
	require.NotEmpty(t, store.created[0].ID)
	require.False(t, store.created[0].CreatedAt.IsZero())
	require.Equal(t, store.created[0].CreatedAt, store.created[0].UpdatedAt)

	// Two persisted messages, user then assistant, in order.
	require.Len(t, store.saved, 2)
	require.Equal(t, domain.RoleUser, store.saved[0].role)
	require.Equal(t, "Plan a beach day", store.saved[0].content)
	require.Equal(t, domain.RoleAssistant, store.saved[1].role)
	require.Equal(t, "Here is a plan.", store.saved[1].content)

	require.Equal(t, "asst_health", threads.runAssistant)
}

func TestSend_ReusesOwnConversation(t *testing.T) {
	threads := completedThreads()
	store := &fakeStore{conv: domain.Conversation{
		ID: "conv-1", UserID: "user-1", AssistantType: domain.AssistantHealthCoach, ThreadID: "thread_existing",
	}}
	s := mustService(t, healthParams(), threads, store)

	out, err := s.Send(context.Background(), SendInput{
		UserID:         "user-1",
		AssistantType:  domain.AssistantHealthCoach,
		Message:        "Another question",
		ConversationID: "conv-1",
	})
	require.NoError(t, err)
	require.Equal(t, "conv-1", out.ConversationID)
	require.Equal(t, "thread_existing", out.ThreadID)
	require.Zero(t, threads.createCalls)
	require.Empty(t, store.created)
}

func TestSend_UnknownConversationFallsBackToCreate(t *testing.T) {
	threads := completedThreads()
	store := &fakeStore{getErr: fmt.Errorf("repository: GetConversation: %w", domain.ErrConversationNotFound)}
	s := mustService(t, healthParams(), threads, store)

	out, err := s.Send(context.Background(), SendInput{
		UserID:         "user-1",
		AssistantType:  domain.AssistantHealthCoach,
		Message:        "hello",
		ConversationID: "someone-elses-conversation",
	})
	require.NoError(t, err)
	require.Equal(t, 1, threads.createCalls)
	require.Len(t, store.created, 1)
	require.NotEqual(t, "someone-elses-conversation", out.ConversationID)
}

func TestSend_StoreLookupError(t *testing.T) {
	store := &fakeStore{getErr: errors.New("dynamo down")}
	s := mustService(t, healthParams(), completedThreads(), store)

	_, err := s.Send(context.Background(), SendInput{
		UserID:         "user-1",
		AssistantType:  domain.AssistantHealthCoach,
		Message:        "hello",
		ConversationID: "conv-1",
	})
	uerr := requireCode(t, err, ErrorStore)
	require.Equal(t, "load_conversation", uerr.Reason)
}

func TestSend_MissingUserIdentity(t *testing.T) {
	s := mustService(t, healthParams(), completedThreads(), &fakeStore{})
	_, err := s.Send(context.Background(), SendInput{
		AssistantType: domain.AssistantHealthCoach,
		Message:       "hello",
	})
	requireCode(t, err, ErrorUnauthorized)
}

func TestSend_EmptyMessage(t *testing.T) {
	threads := completedThreads()
	s := mustService(t, healthParams(), threads, &fakeStore{})
	_, err := s.Send(context.Background(), SendInput{
		UserID:        "user-1",
		AssistantType: domain.AssistantHealthCoach,
		Message:       "   ",
	})
	uerr := requireCode(t, err, ErrorInvalidInput)
	require.Equal(t, "empty_message", uerr.Reason)
	require.Zero(t, threads.createCalls)
}

func TestSend_UnknownAssistantType(t *testing.T) {
	s := mustService(t, healthParams(), completedThreads(), &fakeStore{})
	_, err := s.Send(context.Background(), SendInput{
		UserID:        "user-1",
		AssistantType: "life_coach",
		Message:       "hello",
	})
	requireCode(t, err, ErrorConfig)
}

func TestSend_EnrichmentOnlyAffectsRemoteText(t *testing.T) {
	threads := completedThreads()
	store := &fakeStore{getErr: domain.ErrConversationNotFound}
	s := mustService(t, healthParams(), threads, store)

	_, err := s.Send(context.Background(), SendInput{
		UserID:        "user-1",
		AssistantType: domain.AssistantExcursionCreator,
		Message:       "Plan a beach day",
		UserContext: &domain.UserContext{
			Location: &domain.Location{Address: "Santa Monica"},
		},
	})
	require.NoError(t, err)

	require.Len(t, threads.appended, 1)
	require.Contains(t, threads.appended[0].content, "Plan a beach day")
	require.Contains(t, threads.appended[0].content, "Santa Monica")

	// Stored user message is exactly the original text.
	require.Equal(t, "Plan a beach day", store.saved[0].content)
	require.NotContains(t, store.saved[0].content, "Santa Monica")
}

func TestSend_PersistsMessageExactlyAsSent(t *testing.T) {
	threads := completedThreads()
	store := &fakeStore{getErr: domain.ErrConversationNotFound}
	s := mustService(t, healthParams(), threads, store)

	_, err := s.Send(context.Background(), SendInput{
		UserID:        "user-1",
		AssistantType: domain.AssistantHealthCoach,
		Message:       "  hi there \n",
	})
	require.NoError(t, err)

	// Surrounding whitespace survives both the stored row and the remote text.
	require.Equal(t, "  hi there \n", store.saved[0].content)
	require.Len(t, threads.appended, 1)
	require.Equal(t, "  hi there \n", threads.appended[0].content)
}

func TestSend_RemoteAppendFailure_KeepsUserMessage(t *testing.T) {
	threads := completedThreads()
	threads.appendErr = errors.New("503 from upstream")
	store := &fakeStore{getErr: domain.ErrConversationNotFound}
	s := mustService(t, healthParams(), threads, store)

	_, err := s.Send(context.Background(), SendInput{
		UserID:        "user-1",
		AssistantType: domain.AssistantHealthCoach,
		Message:       "hello",
	})
	uerr := requireCode(t, err, ErrorRemote)
	require.Equal(t, "append_message", uerr.Reason)

	// User turn persisted, no assistant message.
	require.Len(t, store.saved, 1)
	require.Equal(t, domain.RoleUser, store.saved[0].role)
}

func TestSend_UserMessageSaveFailure(t *testing.T) {
	threads := completedThreads()
	store := &fakeStore{getErr: domain.ErrConversationNotFound, appendErr: errors.New("throttled")}
	s := mustService(t, healthParams(), threads, store)

	_, err := s.Send(context.Background(), SendInput{
		UserID:        "user-1",
		AssistantType: domain.AssistantHealthCoach,
		Message:       "hello",
	})
	uerr := requireCode(t, err, ErrorStore)
	require.Equal(t, "save_user_message", uerr.Reason)
	require.Empty(t, threads.appended)
}

func TestSend_MissingAssistantID(t *testing.T) {
	threads := completedThreads()
	store := &fakeStore{getErr: domain.ErrConversationNotFound}
	s := mustService(t, &fakeParams{vals: map[string]string{}}, threads, store)

	_, err := s.Send(context.Background(), SendInput{
		UserID:        "user-1",
		AssistantType: domain.AssistantHealthCoach,
		Message:       "hello",
	})
	uerr := requireCode(t, err, ErrorConfig)
	require.Equal(t, "load_assistant_id", uerr.Reason)
}

func TestSend_EmptyAssistantID(t *testing.T) {
	threads := completedThreads()
	store := &fakeStore{getErr: domain.ErrConversationNotFound}
	params := &fakeParams{vals: map[string]string{
		"/companion-agent/assistants/health_coach": "   ",
	}}
	s := mustService(t, params, threads, store)

	_, err := s.Send(context.Background(), SendInput{
		UserID:        "user-1",
		AssistantType: domain.AssistantHealthCoach,
		Message:       "hello",
	})
	uerr := requireCode(t, err, ErrorConfig)
	require.Equal(t, "empty_assistant_id", uerr.Reason)
}

func TestSend_AssistantIDIsCached(t *testing.T) {
	threads := completedThreads()
	store := &fakeStore{getErr: domain.ErrConversationNotFound}
	params := healthParams()
	s := mustService(t, params, threads, store)

	in := SendInput{UserID: "user-1", AssistantType: domain.AssistantHealthCoach, Message: "hello"}
	_, err := s.Send(context.Background(), in)
	require.NoError(t, err)

	// Second turn resolves the id from the in-process cache.
	params.err = errors.New("ssm down")
	_, err = s.Send(context.Background(), in)
	require.NoError(t, err)
}

func TestSend_CreateRunFailure(t *testing.T) {
	threads := completedThreads()
	threads.createRunErr = errors.New("boom")
	store := &fakeStore{getErr: domain.ErrConversationNotFound}
	s := mustService(t, healthParams(), threads, store)

	_, err := s.Send(context.Background(), SendInput{
		UserID:        "user-1",
		AssistantType: domain.AssistantHealthCoach,
		Message:       "hello",
	})
	uerr := requireCode(t, err, ErrorRemote)
	require.Equal(t, "create_run", uerr.Reason)
}

func TestSend_NoAssistantReply(t *testing.T) {
	threads := completedThreads()
	threads.listOut = []domain.ThreadMessage{{Role: domain.RoleUser, Text: "only me here"}}
	store := &fakeStore{getErr: domain.ErrConversationNotFound}
	s := mustService(t, healthParams(), threads, store)

	_, err := s.Send(context.Background(), SendInput{
		UserID:        "user-1",
		AssistantType: domain.AssistantHealthCoach,
		Message:       "hello",
	})
	uerr := requireCode(t, err, ErrorRemote)
	require.Equal(t, "no_assistant_reply", uerr.Reason)
	require.Len(t, store.saved, 1)
}

func TestSend_EmptyAssistantReply(t *testing.T) {
	threads := completedThreads()
	threads.listOut = []domain.ThreadMessage{{Role: domain.RoleAssistant, Text: "  "}}
	store := &fakeStore{getErr: domain.ErrConversationNotFound}
	s := mustService(t, healthParams(), threads, store)

	_, err := s.Send(context.Background(), SendInput{
		UserID:        "user-1",
		AssistantType: domain.AssistantHealthCoach,
		Message:       "hello",
	})
	uerr := requireCode(t, err, ErrorRemote)
	require.Equal(t, "empty_assistant_reply", uerr.Reason)
}
