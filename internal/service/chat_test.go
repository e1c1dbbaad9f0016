package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/relay/internal/config"
	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/producer"
	"github.com/xiaot623/gogo/relay/policy"
	"github.com/xiaot623/gogo/relay/tests/helpers"
)

// scriptedCompletion streams fixed chunks, then fails with err, or blocks
// until cancelled when block is set.
type scriptedCompletion struct {
	mu     sync.Mutex
	chunks []string
	err    error
	block  bool
	calls  []producer.Params
}

func (c *scriptedCompletion) Open(ctx context.Context, p producer.Params) (producer.Stream, error) {
	c.mu.Lock()
	c.calls = append(c.calls, p)
	chunks, failWith, block := c.chunks, c.err, c.block
	c.mu.Unlock()

	return producer.Streaming(func(ctx context.Context, p producer.Params, emit producer.EmitFunc) error {
		for _, ch := range chunks {
			if err := emit(ch); err != nil {
				return err
			}
		}
		if block {
			<-ctx.Done()
			return ctx.Err()
		}
		return failWith
	}).Open(ctx, p)
}

func (c *scriptedCompletion) lastPrompt(t *testing.T) []producer.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.calls)
	return c.calls[len(c.calls)-1].Messages
}

// collectSink records events and optionally inspects the store on each one.
type collectSink struct {
	mu     sync.Mutex
	events []domain.StreamEvent
	onSend func(ev domain.StreamEvent) error
}

func (s *collectSink) Send(ctx context.Context, ev domain.StreamEvent) error {
	if s.onSend != nil {
		if err := s.onSend(ev); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *collectSink) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func (s *collectSink) deltas() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sb strings.Builder
	for _, e := range s.events {
		if e.Type == domain.EventTypeDelta {
			sb.WriteString(e.Content)
		}
	}
	return sb.String()
}

type fixture struct {
	svc        *Service
	store      *helpers.FaultyStore
	completion *scriptedCompletion
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := helpers.NewFaultyStore(t)

	reg := producer.NewRegistry()
	reg.MustRegister(domain.ToolInfo{Name: "batch_tool"}, producer.Batch(func(ctx context.Context, p producer.Params) (string, error) {
		return "batch result for " + p.Query, nil
	}))
	reg.MustRegister(domain.ToolInfo{Name: "stream_tool", Kind: domain.ToolKindStreaming}, producer.Streaming(func(ctx context.Context, p producer.Params, emit producer.EmitFunc) error {
		for _, s := range []string{"s1 ", "s2"} {
			if err := emit(s); err != nil {
				return err
			}
		}
		return nil
	}))
	reg.MustRegister(domain.ToolInfo{Name: "failing_tool", Kind: domain.ToolKindStreaming}, producer.Streaming(func(ctx context.Context, p producer.Params, emit producer.EmitFunc) error {
		if err := emit("x"); err != nil {
			return err
		}
		return errors.New("search backend reset")
	}))
	reg.MustRegister(domain.ToolInfo{Name: "empty_tool"}, producer.Batch(func(context.Context, producer.Params) (string, error) {
		return "", producer.ErrNoResults
	}))

	completion := &scriptedCompletion{chunks: []string{"Hello", ", ", "world"}}
	svc := New(st, reg, completion, nil, config.Defaults())
	return &fixture{svc: svc, store: st, completion: completion}
}

func userRequest(content string, tools ...string) *domain.ChatRequest {
	return &domain.ChatRequest{
		Messages:    []domain.InputMessage{{Role: domain.RoleUser, Content: content}},
		SearchTypes: tools,
	}
}

func TestChatWithoutTools(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sink := &collectSink{}

	sessionID, err := f.svc.Chat(ctx, userRequest("Hello! How can you help me today?"), sink)
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	assert.Equal(t, []domain.EventType{
		domain.EventTypeDelta, domain.EventTypeDelta, domain.EventTypeDelta,
		domain.EventTypeChatMessageComplete,
	}, sink.types())
	assert.Equal(t, "Hello, world", sink.deltas())
	last := sink.events[len(sink.events)-1]
	assert.Equal(t, sessionID, last.SessionID)
	assert.Empty(t, last.Content)

	turns, err := f.store.ListTurns(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, domain.RoleUser, turns[0].Role)
	assert.Equal(t, "Hello! How can you help me today?", turns[0].Content)
	assert.Equal(t, domain.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Hello, world", turns[1].Content)
	for _, turn := range turns {
		assert.True(t, turn.Consistent())
		assert.True(t, turn.Partial.Complete)
		assert.False(t, turn.Partial.Interrupted)
	}

	session, err := f.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "Hello! How can you help me today?", session.Title)
	assert.Equal(t, "gpt-4", session.Model)
	require.NotNil(t, session.Temperature())
	assert.Equal(t, 0.7, *session.Temperature())

	prompt := f.completion.lastPrompt(t)
	require.Len(t, prompt, 1)
	assert.Equal(t, producer.Message{Role: "user", Content: "Hello! How can you help me today?"}, prompt[0])
}

func TestChatToolsRunInOrderBeforeCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sink := &collectSink{}

	sessionID, err := f.svc.Chat(ctx, userRequest("find go", "stream_tool", "batch_tool"), sink)
	require.NoError(t, err)

	assert.Equal(t, []domain.EventType{
		domain.EventTypeToolStarted, domain.EventTypeToolDelta, domain.EventTypeToolDelta, domain.EventTypeToolFinished,
		domain.EventTypeToolStarted, domain.EventTypeToolDelta, domain.EventTypeToolFinished,
		domain.EventTypeDelta, domain.EventTypeDelta, domain.EventTypeDelta,
		domain.EventTypeChatMessageComplete,
	}, sink.types())

	assert.Equal(t, "stream_tool", sink.events[0].ToolName)
	assert.Equal(t, "Starting stream_tool...", sink.events[0].Content)
	assert.Equal(t, "s1 ", sink.events[1].Content)
	assert.Equal(t, "stream_tool completed.", sink.events[3].Content)
	assert.Equal(t, "batch_tool", sink.events[4].ToolName)
	assert.Equal(t, "batch result for find go", sink.events[5].Content)

	turns, err := f.store.ListTurns(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	assert.Equal(t, domain.RoleTool, turns[1].Role)
	assert.Equal(t, "stream_tool", turns[1].ToolName)
	assert.Equal(t, "s1 s2", turns[1].Content)
	assert.JSONEq(t, `{"query":"find go"}`, string(turns[1].ToolArgs))
	assert.Equal(t, "batch_tool", turns[2].ToolName)
	assert.Equal(t, domain.RoleAssistant, turns[3].Role)

	prompt := f.completion.lastPrompt(t)
	require.Len(t, prompt, 2)
	assert.Equal(t, "system", prompt[0].Role)
	assert.Equal(t, SearchPreamble, prompt[0].Content)
	userMsg := prompt[1].Content
	assert.True(t, strings.HasPrefix(userMsg, "find go\n\n"+searchResultsHeader))
	first := strings.Index(userMsg, "### stream_tool\ns1 s2")
	second := strings.Index(userMsg, "### batch_tool\nbatch result for find go")
	assert.True(t, first > 0 && second > first, userMsg)
	assert.True(t, strings.HasSuffix(userMsg, searchResultsFooter))
}

func TestChatCommitsBeforeEmitting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var sessionID string
	sink := &collectSink{}
	sink.onSend = func(ev domain.StreamEvent) error {
		sessionID = ev.SessionID
		turns, err := f.store.ListTurns(ctx, ev.SessionID)
		require.NoError(t, err)
		require.NotEmpty(t, turns)
		for _, turn := range turns {
			require.True(t, turn.Consistent(), "turn %d torn", turn.ID)
		}
		latest := turns[len(turns)-1]
		switch ev.Type {
		case domain.EventTypeToolStarted:
			assert.Equal(t, ev.ToolName, latest.ToolName)
			assert.False(t, latest.Partial.Complete)
		case domain.EventTypeToolDelta, domain.EventTypeDelta:
			assert.True(t, strings.HasSuffix(latest.Content, ev.Content))
		case domain.EventTypeToolFinished:
			assert.True(t, latest.Partial.Complete)
		case domain.EventTypeChatMessageComplete:
			assert.True(t, latest.Partial.Complete)
			session, err := f.store.GetSession(ctx, ev.SessionID)
			require.NoError(t, err)
			assert.NotEmpty(t, session.Title)
		}
		return nil
	}

	_, err := f.svc.Chat(ctx, userRequest("q", "stream_tool"), sink)
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)
}

func TestChatTitleSetAtMostOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	long := strings.Repeat("abcdefghij", 12)
	sessionID, err := f.svc.Chat(ctx, userRequest(long), &collectSink{})
	require.NoError(t, err)

	session, err := f.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, long[:50], session.Title)

	req := userRequest("a different opening")
	req.SessionID = sessionID
	_, err = f.svc.Chat(ctx, req, &collectSink{})
	require.NoError(t, err)

	session, err = f.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, long[:50], session.Title)
}

func TestChatKeepsCallerTitle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sessionID, err := f.svc.Chat(ctx, userRequest("first"), &collectSink{})
	require.NoError(t, err)
	_, err = f.svc.RenameSession(ctx, sessionID, domain.UpdateSessionRequest{Title: "Mine"})
	require.NoError(t, err)

	req := userRequest("second")
	req.SessionID = sessionID
	_, err = f.svc.Chat(ctx, req, &collectSink{})
	require.NoError(t, err)

	session, err := f.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "Mine", session.Title)
}

func TestChatCompletionFailureSendsOneApology(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.completion.chunks = []string{"The answer ", "is"}
	f.completion.err = errors.New("provider disconnected")
	sink := &collectSink{}

	sessionID, err := f.svc.Chat(ctx, userRequest("q"), sink)
	require.NoError(t, err)

	assert.Equal(t, []domain.EventType{
		domain.EventTypeDelta, domain.EventTypeDelta, domain.EventTypeDelta,
		domain.EventTypeChatMessageComplete,
	}, sink.types())
	apologies := 0
	for _, ev := range sink.events {
		if ev.Content == ApologyText {
			apologies++
		}
	}
	assert.Equal(t, 1, apologies)
	assert.Equal(t, ApologyText, sink.events[2].Content)

	turns, err := f.store.ListTurns(ctx, sessionID)
	require.NoError(t, err)
	assistant := turns[len(turns)-1]
	assert.Equal(t, ApologyText, assistant.Content)
	assert.True(t, assistant.Consistent())
	assert.True(t, assistant.Partial.Complete)
	require.Len(t, assistant.Partial.Discarded, 2)
	assert.Equal(t, "The answer ", assistant.Partial.Discarded[0].Increment)
}

func TestChatCompletionOpenFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.completion.chunks = nil
	f.completion.err = errors.New("connection refused")
	sink := &collectSink{}

	_, err := f.svc.Chat(ctx, userRequest("q"), sink)
	require.NoError(t, err)
	assert.Equal(t, []domain.EventType{domain.EventTypeDelta, domain.EventTypeChatMessageComplete}, sink.types())
	assert.Equal(t, ApologyText, sink.deltas())
}

func TestChatPersistenceFailureInToolPhase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	diskFull := errors.New("disk full")
	var toolTurn int64
	f.store.SetOnAppend(func(turnID int64, entry domain.LogEntry) error {
		if entry.Increment == "s2" {
			toolTurn = turnID
			return diskFull
		}
		return nil
	})
	sink := &collectSink{}

	sessionID, err := f.svc.Chat(ctx, userRequest("q", "stream_tool", "batch_tool"), sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.ErrorIs(t, err, diskFull)

	// Nothing after the failure point, and no terminal event.
	assert.Equal(t, []domain.EventType{domain.EventTypeToolStarted, domain.EventTypeToolDelta}, sink.types())

	turn, err := f.store.GetTurn(ctx, toolTurn)
	require.NoError(t, err)
	assert.Equal(t, "s1 ", turn.Content)
	assert.True(t, turn.Partial.Complete)
	assert.True(t, turn.Partial.Interrupted)

	turns, err := f.store.ListTurns(ctx, sessionID)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestChatToolFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sink := &collectSink{}

	_, err := f.svc.Chat(ctx, userRequest("q", "failing_tool"), sink)
	require.Error(t, err)
	var uerr *domain.UpstreamError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, "failing_tool", uerr.Source)
	assert.Equal(t, []domain.EventType{domain.EventTypeToolStarted, domain.EventTypeToolDelta}, sink.types())
	assert.Empty(t, f.completion.calls)
}

func TestChatNoResultsTool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sink := &collectSink{}

	_, err := f.svc.Chat(ctx, userRequest("q", "empty_tool"), sink)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(sink.events), 3)
	assert.Equal(t, domain.EventTypeToolDelta, sink.events[1].Type)
	assert.Equal(t, producer.NoResultsText, sink.events[1].Content)
	assert.Contains(t, f.completion.lastPrompt(t)[1].Content, producer.NoResultsText)
}

func TestChatCancellationInterruptsTurn(t *testing.T) {
	f := newFixture(t)
	f.completion.chunks = []string{"partial"}
	f.completion.block = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &collectSink{}
	sink.onSend = func(ev domain.StreamEvent) error {
		if ev.Type == domain.EventTypeDelta {
			cancel()
		}
		return nil
	}

	sessionID, err := f.svc.Chat(ctx, userRequest("q"), sink)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []domain.EventType{domain.EventTypeDelta}, sink.types())

	turns, err := f.store.ListTurns(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assistant := turns[1]
	assert.Equal(t, "partial", assistant.Content)
	assert.True(t, assistant.Partial.Complete)
	assert.True(t, assistant.Partial.Interrupted)
}

func TestChatSinkFailureStopsStream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gone := errors.New("broken pipe")
	sink := &collectSink{}
	sink.onSend = func(ev domain.StreamEvent) error {
		if ev.Type == domain.EventTypeToolDelta {
			return gone
		}
		return nil
	}

	sessionID, err := f.svc.Chat(ctx, userRequest("q", "stream_tool"), sink)
	require.ErrorIs(t, err, gone)
	assert.Equal(t, []domain.EventType{domain.EventTypeToolStarted}, sink.types())

	turns, err := f.store.ListTurns(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.True(t, turns[1].Partial.Interrupted)
}

func TestChatExistingSessionUsesStoredHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seeded, err := f.svc.SeedSampleChat(ctx)
	require.NoError(t, err)

	req := &domain.ChatRequest{
		SessionID: seeded.ID,
		Messages: []domain.InputMessage{
			{Role: domain.RoleUser, Content: "ignored history"},
			{Role: domain.RoleUser, Content: "What can you do?"},
		},
	}
	_, err = f.svc.Chat(ctx, req, &collectSink{})
	require.NoError(t, err)

	prompt := f.completion.lastPrompt(t)
	require.Len(t, prompt, 4)
	assert.Equal(t, producer.Message{Role: "system", Content: "You are a helpful assistant."}, prompt[0])
	assert.Equal(t, producer.Message{Role: "user", Content: "Hello! How can you help me today?"}, prompt[1])
	assert.Equal(t, "assistant", prompt[2].Role)
	assert.Equal(t, producer.Message{Role: "user", Content: "What can you do?"}, prompt[3])

	session, err := f.store.GetSession(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, SampleChatTitle, session.Title)
}

func TestChatNewSessionUsesCallerHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := &domain.ChatRequest{
		SessionID: "caller-chosen",
		Model:     "gpt-4o",
		Messages: []domain.InputMessage{
			{Role: domain.RoleUser, Content: "a"},
			{Role: domain.RoleAssistant, Content: "b"},
			{Role: domain.RoleTool, Content: "tool output", ToolName: "web_search"},
			{Role: domain.RoleUser, Content: "c"},
		},
	}
	sessionID, err := f.svc.Chat(ctx, req, &collectSink{})
	require.NoError(t, err)
	assert.Equal(t, "caller-chosen", sessionID)

	prompt := f.completion.lastPrompt(t)
	assert.Equal(t, []producer.Message{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
		{Role: "user", Content: "c"},
	}, prompt)
	f.completion.mu.Lock()
	assert.Equal(t, "gpt-4o", f.completion.calls[0].Model)
	f.completion.mu.Unlock()

	session, err := f.store.GetSession(ctx, "caller-chosen")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", session.Model)

	// Only the latest message is recorded.
	turns, err := f.store.ListTurns(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "c", turns[0].Content)
}

func TestPrepareChatValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy, []string{"batch_tool"})
	require.NoError(t, err)
	f.svc.policyEngine = engine

	cases := []struct {
		name string
		req  *domain.ChatRequest
		want error
	}{
		{"no messages", &domain.ChatRequest{}, domain.ErrInvalidRequest},
		{"blank content", userRequest("   "), domain.ErrInvalidRequest},
		{"assistant last", &domain.ChatRequest{Messages: []domain.InputMessage{{Role: domain.RoleAssistant, Content: "x"}}}, domain.ErrInvalidRequest},
		{"unknown role", &domain.ChatRequest{Messages: []domain.InputMessage{{Role: "robot", Content: "x"}, {Role: domain.RoleUser, Content: "y"}}}, domain.ErrInvalidRequest},
		{"control chars in id", &domain.ChatRequest{SessionID: "a\x00b", Messages: []domain.InputMessage{{Content: "x"}}}, domain.ErrInvalidRequest},
		{"unknown tool", userRequest("x", "nope"), domain.ErrUnknownTool},
		{"blocked tool", userRequest("x", "stream_tool", "batch_tool"), domain.ErrToolBlocked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.PrepareChat(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	plan, err := f.svc.PrepareChat(ctx, &domain.ChatRequest{
		Messages: []domain.InputMessage{{Content: "x"}},
		Tools:    []string{"stream_tool"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, plan.SessionID)
	assert.Equal(t, []string{"stream_tool"}, plan.Tools)

	sessions, err := f.store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestChatSerializesPerSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.completion.block = true
	f.completion.chunks = []string{"x"}

	firstCtx, cancelFirst := context.WithCancel(ctx)
	started := make(chan struct{})
	done := make(chan error, 1)
	sink := &collectSink{onSend: func(ev domain.StreamEvent) error {
		if ev.Type == domain.EventTypeDelta {
			close(started)
		}
		return nil
	}}
	req := userRequest("first")
	req.SessionID = "shared"
	go func() {
		_, err := f.svc.Chat(firstCtx, req, sink)
		done <- err
	}()
	<-started

	waitCtx, cancelWait := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelWait()
	second := userRequest("second")
	second.SessionID = "shared"
	_, err := f.svc.Chat(waitCtx, second, &collectSink{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cancelFirst()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, f.svc.locks.size())

	turns, err := f.store.ListTurns(ctx, "shared")
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestPersistedLogReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sessionID, err := f.svc.Chat(ctx, userRequest("q", "stream_tool"), &collectSink{})
	require.NoError(t, err)

	turns, err := f.svc.ListTurns(ctx, sessionID)
	require.NoError(t, err)
	raw, err := json.Marshal(turns[1].Partial)
	require.NoError(t, err)
	var log domain.PartialLog
	require.NoError(t, json.Unmarshal(raw, &log))
	assert.Equal(t, turns[1].Content, log.Content())
	for _, e := range log.Entries {
		assert.NotZero(t, e.Ts)
	}
}
