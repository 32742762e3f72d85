package chat_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/webchat/backend/internal/config"
	modelchat "github.com/zhouzirui/webchat/backend/internal/model/chat"
	"github.com/zhouzirui/webchat/backend/internal/observability"
	"github.com/zhouzirui/webchat/backend/internal/service/ai"
	chat "github.com/zhouzirui/webchat/backend/internal/service/chat"
	"github.com/zhouzirui/webchat/backend/internal/store/memory"
)

type respondCall struct {
	history []modelchat.Turn
	input   string
}

type fakeGateway struct {
	mu             sync.Mutex
	reply          string
	replyErr       error
	title          string
	titleErr       error
	panicOnRespond bool
	respondCalls   []respondCall
	summarizeCalls []string
}

func (g *fakeGateway) Respond(_ context.Context, history []modelchat.Turn, input string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.respondCalls = append(g.respondCalls, respondCall{history: history, input: input})
	if g.panicOnRespond {
		panic("model exploded")
	}
	if g.replyErr != nil {
		return "", g.replyErr
	}
	return g.reply, nil
}

func (g *fakeGateway) Summarize(_ context.Context, text string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.summarizeCalls = append(g.summarizeCalls, text)
	if g.titleErr != nil {
		return "", g.titleErr
	}
	return g.title, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store   *memory.Store
	gateway *fakeGateway
	clock   *fakeClock
	metrics *observability.Metrics
	svc     *chat.Service
}

func newHarness(t *testing.T, cfg chat.Config) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		store:   memory.New(memory.WithClock(clock.Now)),
		gateway: &fakeGateway{reply: "Hi there!", title: "Greeting"},
		clock:   clock,
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	if cfg.RateLimitInterval == 0 {
		cfg.RateLimitInterval = 500 * time.Millisecond
	}
	h.svc = chat.NewService(h.store, h.gateway, cfg,
		chat.WithClock(clock.Now),
		chat.WithMetrics(h.metrics),
	)
	return h
}

// send advances past the rate limit and handles one frame.
func (h *harness) send(conv *chat.Conversation, frame string) *chat.Event {
	h.clock.Advance(time.Second)
	return conv.Handle(context.Background(), []byte(frame))
}

func (h *harness) messages(t *testing.T, sessionID string) []modelchat.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), sessionID)
	require.NoError(t, err)
	return msgs
}

func (h *harness) sessions(t *testing.T, userID int64) []modelchat.Session {
	t.Helper()
	sessions, err := h.store.ListSessions(context.Background(), userID)
	require.NoError(t, err)
	return sessions
}

func TestHelloCreatesSessionAndReplies(t *testing.T) {
	h := newHarness(t, chat.Config{})
	conv := h.svc.NewConversation(1)

	ev := h.send(conv, `{"message":"hello"}`)
	require.NotNil(t, ev)
	assert.Equal(t, chat.EventChatMessage, ev.Type)
	assert.Equal(t, "Hi there!", ev.Message)

	sessions := h.sessions(t, 1)
	require.Len(t, sessions, 1)
	assert.Equal(t, ev.SessionID, sessions[0].ID)
	assert.Equal(t, "Greeting", sessions[0].Title)

	msgs := h.messages(t, ev.SessionID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.True(t, msgs[0].IsUser)
	assert.Equal(t, "Hi there!", msgs[1].Content)
	assert.False(t, msgs[1].IsUser)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PassesTotal.WithLabelValues(observability.OutcomeReplied)))
}

func TestTitleFallsBackToTruncatedInput(t *testing.T) {
	h := newHarness(t, chat.Config{})
	h.gateway.titleErr = fmt.Errorf("%w: boom", ai.ErrGatewayFailure)
	conv := h.svc.NewConversation(1)

	ev := h.send(conv, `{"message":"hello"}`)
	require.NotNil(t, ev)
	assert.Equal(t, "hello...", h.sessions(t, 1)[0].Title)

	long := strings.Repeat("é", 50)
	ev = h.send(conv, fmt.Sprintf(`{"message":%q}`, long))
	require.NotNil(t, ev)
	session, err := h.store.GetSession(context.Background(), ev.SessionID, 1)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("é", 30)+"...", session.Title)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.TitleFallbacksTotal))
}

func TestTitleFromModelIsCleaned(t *testing.T) {
	h := newHarness(t, chat.Config{})
	h.gateway.title = "  \"Trip to Kyoto\"\nThis title describes..."
	conv := h.svc.NewConversation(1)

	h.send(conv, `{"message":"help me plan a trip"}`)
	assert.Equal(t, "Trip to Kyoto", h.sessions(t, 1)[0].Title)
}

func TestBlankModelTitleUsesFallback(t *testing.T) {
	h := newHarness(t, chat.Config{})
	h.gateway.title = ` "" `
	conv := h.svc.NewConversation(1)

	h.send(conv, `{"message":"hello"}`)
	assert.Equal(t, "hello...", h.sessions(t, 1)[0].Title)
}

func TestSecondInputWithinIntervalIsRateLimited(t *testing.T) {
	h := newHarness(t, chat.Config{})
	conv := h.svc.NewConversation(1)

	first := h.send(conv, `{"message":"hello"}`)
	require.NotNil(t, first)

	h.clock.Advance(100 * time.Millisecond)
	second := conv.Handle(context.Background(), []byte(fmt.Sprintf(`{"message":"what's 2+2?","session_id":%q}`, first.SessionID)))
	require.NotNil(t, second)
	assert.Equal(t, chat.EventError, second.Type)
	assert.Equal(t, chat.RateLimitedMessage, second.Message)
	assert.Empty(t, second.SessionID)

	assert.Len(t, h.messages(t, first.SessionID), 2)
	assert.Len(t, h.gateway.respondCalls, 1)
	assert.Len(t, h.gateway.summarizeCalls, 1)

	h.clock.Advance(400 * time.Millisecond)
	third := conv.Handle(context.Background(), []byte(`{"message":"again"}`))
	require.NotNil(t, third)
	assert.Equal(t, chat.EventChatMessage, third.Type)
}

func TestRateLimitIsPerConversation(t *testing.T) {
	h := newHarness(t, chat.Config{})
	first := h.svc.NewConversation(1)
	second := h.svc.NewConversation(1)

	a := first.Handle(context.Background(), []byte(`{"message":"one"}`))
	b := second.Handle(context.Background(), []byte(`{"message":"two"}`))

	assert.Equal(t, chat.EventChatMessage, a.Type)
	assert.Equal(t, chat.EventChatMessage, b.Type)
}

func TestForeignSessionStartsNewSession(t *testing.T) {
	h := newHarness(t, chat.Config{})
	owner := h.svc.NewConversation(1)
	intruder := h.svc.NewConversation(2)

	ev := h.send(owner, `{"message":"mine"}`)
	require.NotNil(t, ev)

	got := h.send(intruder, fmt.Sprintf(`{"message":"hijack","session_id":%q}`, ev.SessionID))
	require.NotNil(t, got)
	assert.Equal(t, chat.EventChatMessage, got.Type)
	assert.NotEqual(t, ev.SessionID, got.SessionID)

	assert.Len(t, h.messages(t, ev.SessionID), 2)
	require.Len(t, h.sessions(t, 2), 1)
	assert.Equal(t, got.SessionID, h.sessions(t, 2)[0].ID)
}

func TestUnknownSessionRejectedUnderRejectPolicy(t *testing.T) {
	h := newHarness(t, chat.Config{ForeignSessionPolicy: config.ForeignSessionReject})
	conv := h.svc.NewConversation(1)

	ev := h.send(conv, `{"message":"hi","session_id":"00000000-0000-0000-0000-000000000000"}`)
	require.NotNil(t, ev)
	assert.Equal(t, chat.EventError, ev.Type)
	assert.Equal(t, chat.UnknownSessionMessage, ev.Message)
	assert.Empty(t, h.sessions(t, 1))
	assert.Empty(t, h.gateway.respondCalls)
}

func TestExistingSessionIsReusedAndTitledOnce(t *testing.T) {
	h := newHarness(t, chat.Config{})
	conv := h.svc.NewConversation(1)

	first := h.send(conv, `{"message":"hello"}`)
	h.gateway.title = "Something else"
	second := h.send(conv, fmt.Sprintf(`{"message":"more","session_id":%q}`, first.SessionID))

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Len(t, h.gateway.summarizeCalls, 1)
	assert.Equal(t, "Greeting", h.sessions(t, 1)[0].Title)
	assert.Len(t, h.messages(t, first.SessionID), 4)
}

func TestSentinelTitledSessionGetsTitled(t *testing.T) {
	h := newHarness(t, chat.Config{})
	session, err := h.store.CreateSession(context.Background(), 1, modelchat.DefaultTitle)
	require.NoError(t, err)
	conv := h.svc.NewConversation(1)

	ev := h.send(conv, fmt.Sprintf(`{"message":"hello","session_id":%q}`, session.ID))
	require.NotNil(t, ev)
	assert.Equal(t, session.ID, ev.SessionID)
	assert.Equal(t, []string{"hello"}, h.gateway.summarizeCalls)
}

func TestInvalidInputIsDroppedSilently(t *testing.T) {
	frames := []string{
		`not json`,
		`{}`,
		`{"message":""}`,
		`{"message":"   \n\t "}`,
		`{"message":42}`,
		`{"message":null}`,
		fmt.Sprintf(`{"message":%q}`, strings.Repeat("a", chat.MaxContentBytes+1)),
	}

	for _, frame := range frames {
		t.Run(frame[:min(len(frame), 20)], func(t *testing.T) {
			h := newHarness(t, chat.Config{})
			conv := h.svc.NewConversation(1)

			assert.Nil(t, h.send(conv, frame))
			assert.Empty(t, h.sessions(t, 1))
			assert.Empty(t, h.gateway.respondCalls)
		})
	}
}

func TestInvalidInputReportedWhenEnabled(t *testing.T) {
	h := newHarness(t, chat.Config{ReportInvalidInput: true})
	conv := h.svc.NewConversation(1)

	ev := h.send(conv, `{"message":"  "}`)
	require.NotNil(t, ev)
	assert.Equal(t, chat.EventError, ev.Type)
	assert.Equal(t, chat.InvalidInputMessage, ev.Message)
}

func TestInputIsTrimmedBeforePersisting(t *testing.T) {
	h := newHarness(t, chat.Config{})
	conv := h.svc.NewConversation(1)

	ev := h.send(conv, `{"message":"  hi  ","session_id":null}`)
	require.NotNil(t, ev)
	assert.Equal(t, "hi", h.messages(t, ev.SessionID)[0].Content)
	assert.Equal(t, "hi", h.gateway.respondCalls[0].input)
}

func TestNumericSessionIDIsUnresolvable(t *testing.T) {
	h := newHarness(t, chat.Config{})
	conv := h.svc.NewConversation(1)

	ev := h.send(conv, `{"message":"hi","session_id":17}`)
	require.NotNil(t, ev)
	assert.Equal(t, chat.EventChatMessage, ev.Type)
	assert.Len(t, h.sessions(t, 1), 1)
}

func TestGatewayFailurePersistsApology(t *testing.T) {
	h := newHarness(t, chat.Config{})
	h.gateway.replyErr = fmt.Errorf("%w: timeout", ai.ErrGatewayFailure)
	conv := h.svc.NewConversation(1)

	ev := h.send(conv, `{"message":"hello"}`)
	require.NotNil(t, ev)
	assert.Equal(t, chat.EventChatMessage, ev.Type)
	assert.Equal(t, chat.ApologyReply, ev.Message)

	msgs := h.messages(t, ev.SessionID)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.ApologyReply, msgs[1].Content)
	assert.False(t, msgs[1].IsUser)
}

func TestContextWindowHoldsMostRecentMessages(t *testing.T) {
	h := newHarness(t, chat.Config{ContextWindow: 4})
	conv := h.svc.NewConversation(1)

	first := h.send(conv, `{"message":"m0"}`)
	for i := 1; i <= 3; i++ {
		h.send(conv, fmt.Sprintf(`{"message":"m%d","session_id":%q}`, i, first.SessionID))
	}

	require.Len(t, h.gateway.respondCalls, 4)
	assert.Empty(t, h.gateway.respondCalls[0].history)

	last := h.gateway.respondCalls[3]
	assert.Equal(t, "m3", last.input)
	assert.Equal(t, []modelchat.Turn{
		{Role: modelchat.RoleUser, Text: "m1"},
		{Role: modelchat.RoleModel, Text: "Hi there!"},
		{Role: modelchat.RoleUser, Text: "m2"},
		{Role: modelchat.RoleModel, Text: "Hi there!"},
	}, last.history)
}

func TestPanicBecomesGenericError(t *testing.T) {
	h := newHarness(t, chat.Config{})
	h.gateway.panicOnRespond = true
	conv := h.svc.NewConversation(1)

	ev := h.send(conv, `{"message":"hello"}`)
	require.NotNil(t, ev)
	assert.Equal(t, chat.EventError, ev.Type)
	assert.Equal(t, chat.GenericErrorMessage, ev.Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PassesTotal.WithLabelValues(observability.OutcomeError)))

	h.gateway.panicOnRespond = false
	again := h.send(conv, `{"message":"still there?"}`)
	require.NotNil(t, again)
	assert.Equal(t, chat.EventChatMessage, again.Type)
}

type failingStore struct {
	*memory.Store
}

func (failingStore) AppendMessage(context.Context, string, string, bool) (modelchat.Message, error) {
	return modelchat.Message{}, errors.New("disk full")
}

func TestStoreFailureBecomesGenericError(t *testing.T) {
	st := failingStore{Store: memory.New()}
	svc := chat.NewService(st, &fakeGateway{reply: "ok", title: "t"}, chat.Config{})

	ev := svc.NewConversation(1).Handle(context.Background(), []byte(`{"message":"hello"}`))
	require.NotNil(t, ev)
	assert.Equal(t, chat.EventError, ev.Type)
	assert.Equal(t, chat.GenericErrorMessage, ev.Message)
}

func TestMessagesStayChronological(t *testing.T) {
	h := newHarness(t, chat.Config{})
	conv := h.svc.NewConversation(1)

	first := h.send(conv, `{"message":"a"}`)
	for i := 0; i < 5; i++ {
		h.send(conv, fmt.Sprintf(`{"message":"b%d","session_id":%q}`, i, first.SessionID))
	}

	msgs := h.messages(t, first.SessionID)
	require.Len(t, msgs, 12)
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
		assert.Greater(t, msgs[i].ID, msgs[i-1].ID)
	}
}
