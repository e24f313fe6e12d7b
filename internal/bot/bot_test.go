package bot_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/chatrelay/internal/agents"
	"github.com/agentoven/chatrelay/internal/bot"
	"github.com/agentoven/chatrelay/internal/chat"
	"github.com/agentoven/chatrelay/internal/config"
	"github.com/agentoven/chatrelay/internal/history"
	"github.com/agentoven/chatrelay/internal/kv"
	"github.com/agentoven/chatrelay/internal/metrics"
	"github.com/agentoven/chatrelay/internal/telegram"
	"github.com/agentoven/chatrelay/pkg/contracts"
	"github.com/agentoven/chatrelay/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const (
	token       = "42:test-token"
	userID      = 7
	privateChat = 100
	groupChat   = -200
)

// ── fake Bot API ────────────────────────────────────────────

type apiCall struct {
	Method string
	Body   string
	// ID is the message id returned by sendMessage.
	ID int
}

func (c apiCall) get(p string) gjson.Result { return gjson.Get(c.Body, p) }

type fakeAPI struct {
	srv *httptest.Server

	mu       sync.Mutex
	calls    []apiCall
	nextID   int
	handlers map[string]func(c apiCall) string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{nextID: 1000, handlers: map[string]func(apiCall) string{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) on(method string, fn func(c apiCall) string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = fn
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.nextID++
	c := apiCall{Method: path.Base(r.URL.Path), Body: string(body), ID: f.nextID}
	f.calls = append(f.calls, c)
	fn := f.handlers[c.Method]
	f.mu.Unlock()

	result := ""
	if fn != nil {
		result = fn(c)
	} else {
		result = defaultResult(c)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, result)
}

func defaultResult(c apiCall) string {
	switch c.Method {
	case "sendMessage":
		return fmt.Sprintf(`{"ok":true,"result":{"message_id":%d,"chat":{"id":%d,"type":"private"}}}`, c.ID, c.get("chat_id").Int())
	case "editMessageText":
		return fmt.Sprintf(`{"ok":true,"result":{"message_id":%d,"chat":{"id":%d,"type":"private"}}}`, c.get("message_id").Int(), c.get("chat_id").Int())
	case "getMe":
		return `{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"Relay","username":"relay_bot"}}`
	case "getFile":
		return fmt.Sprintf(`{"ok":true,"result":{"file_id":%q,"file_path":"photos/file_1.jpg"}}`, c.get("file_id").String())
	case "getChatAdministrators":
		return `{"ok":true,"result":[]}`
	default:
		return `{"ok":true,"result":true}`
	}
}

func (f *fakeAPI) callsOf(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeAPI) last(t *testing.T, method string) apiCall {
	t.Helper()
	calls := f.callsOf(method)
	require.NotEmpty(t, calls, "no %s call", method)
	return calls[len(calls)-1]
}

// texts returns the text of every sent or edited message, in order.
func (f *fakeAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Method == "sendMessage" || c.Method == "editMessageText" {
			out = append(out, c.get("text").String())
		}
	}
	return out
}

// ── stub agent ──────────────────────────────────────────────

type stubAgent struct {
	answer   string
	err      error
	disabled bool
	progress string

	mu      sync.Mutex
	calls   []*models.LLMParams
	configs []string
}

func (a *stubAgent) Name() string                         { return "openai" }
func (a *stubAgent) Enabled(*config.AgentConfig) bool     { return !a.disabled }
func (a *stubAgent) Model(cfg *config.AgentConfig) string { return cfg.OpenAI.Model }

func (a *stubAgent) ModelList(context.Context, *config.AgentConfig) ([]string, error) {
	return []string{"m1", "m2", "m3"}, nil
}

func (a *stubAgent) Request(ctx context.Context, params *models.LLMParams, cfg *config.AgentConfig, onProgress contracts.ProgressFunc) (*models.CompletionResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, params)
	a.configs = append(a.configs, cfg.OpenAI.Model)
	a.mu.Unlock()

	if a.err != nil {
		return nil, a.err
	}
	if onProgress != nil && a.progress != "" {
		if err := onProgress(ctx, a.progress); err != nil {
			return nil, err
		}
	}
	return models.NewCompletionResult(a.answer), nil
}

func (a *stubAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *stubAgent) lastMessages(t *testing.T) []models.ChatMessage {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.calls)
	return a.calls[len(a.calls)-1].Messages
}

// ── fixture ─────────────────────────────────────────────────

type fixture struct {
	api     *fakeAPI
	agent   *stubAgent
	store   kv.Store
	history *history.Store
	metrics *metrics.Collector
	cfg     *config.Config
	handler *bot.Handler
	bot     *bot.Bot
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	api := newFakeAPI(t)

	cfg := config.Default()
	cfg.Telegram.Tokens = []string{token}
	cfg.Telegram.ChatWhiteList = []string{"100"}
	cfg.Telegram.GroupWhiteList = []string{"-200"}
	cfg.Telegram.StreamMode = false
	for _, fn := range mutate {
		fn(cfg)
	}

	store := kv.NewMemoryStore("")
	t.Cleanup(func() { _ = store.Close() })
	hist := history.New(store)
	agent := &stubAgent{answer: "hello back"}
	reg := agents.NewRegistry(agent)
	collector := metrics.NewCollector()

	h := bot.NewHandler(bot.Deps{
		Config:    cfg,
		Chat:      chat.New(hist, reg),
		History:   hist,
		Overrides: chat.NewOverrides(store),
		Agents:    reg,
		Store:     store,
		Metrics:   collector,
	})
	client := telegram.NewClient(token, telegram.WithAPIDomain(api.srv.URL), telegram.WithRetry(0, time.Millisecond))

	return &fixture{
		api:     api,
		agent:   agent,
		store:   store,
		history: hist,
		metrics: collector,
		cfg:     cfg,
		handler: h,
		bot:     bot.NewBot(client, ""),
	}
}

func (f *fixture) handle(u *telegram.Update) error {
	return f.handler.Handle(context.Background(), f.bot, u)
}

func (f *fixture) updates(result string) float64 {
	return testutil.ToFloat64(f.metrics.UpdatesTotal.WithLabelValues(result))
}

func privateText(id int, text string) *telegram.Update {
	return &telegram.Update{
		UpdateID: int64(id),
		Message: &telegram.Message{
			MessageID: id,
			From:      &telegram.User{ID: userID, FirstName: "Ann"},
			Chat:      telegram.Chat{ID: privateChat, Type: telegram.ChatPrivate},
			Text:      text,
		},
	}
}

func groupText(id int, text string, entities ...telegram.MessageEntity) *telegram.Update {
	return &telegram.Update{
		UpdateID: int64(id),
		Message: &telegram.Message{
			MessageID: id,
			From:      &telegram.User{ID: userID, FirstName: "Ann"},
			Chat:      telegram.Chat{ID: groupChat, Type: telegram.ChatSupergroup, Title: "team"},
			Text:      text,
			Entities:  entities,
		},
	}
}

func mention(text string) telegram.MessageEntity {
	return telegram.MessageEntity{Type: telegram.EntityMention, Offset: 0, Length: len(text)}
}

// ── conversation ────────────────────────────────────────────

func TestPrivateMessageIsAnswered(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.handle(privateText(1, "hello")))

	msgs := f.agent.lastMessages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].TextContent())

	assert.Len(t, f.api.callsOf("sendChatAction"), 1)
	reply := f.api.last(t, "sendMessage")
	assert.Equal(t, "hello back", reply.get("text").String())
	assert.Equal(t, "Markdown", reply.get("parse_mode").String())
	assert.False(t, reply.get("reply_parameters").Exists())

	stored := f.history.Read(context.Background(), "history:100:42")
	require.Len(t, stored, 2)
	assert.Equal(t, models.RoleAssistant, stored[1].Role)
	assert.Equal(t, 1.0, f.updates(bot.ResultHandled))
}

func TestStreamModeEditsPlaceholder(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Telegram.StreamMode = true })
	f.agent.progress = "partial answer"

	require.NoError(t, f.handle(privateText(1, "hello")))

	assert.Equal(t, []string{"...", "partial answer", "hello back"}, f.api.texts())
	placeholder := f.api.callsOf("sendMessage")
	require.Len(t, placeholder, 1)
	for _, edit := range f.api.callsOf("editMessageText") {
		assert.Equal(t, int64(placeholder[0].ID), edit.get("message_id").Int())
	}
	assert.Equal(t, "Markdown", f.api.last(t, "editMessageText").get("parse_mode").String())
}

func TestImageMessageSendsURLPart(t *testing.T) {
	f := newFixture(t)
	u := privateText(1, "")
	u.Message.Photo = []telegram.PhotoSize{{FileID: "small"}, {FileID: "medium"}, {FileID: "large"}}

	require.NoError(t, f.handle(u))

	assert.Equal(t, "medium", f.api.last(t, "getFile").get("file_id").String())
	msgs := f.agent.lastMessages(t)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Parts, 2)
	assert.Contains(t, msgs[0].Parts[0].Text, "Analyze this image")
	assert.Equal(t, f.api.srv.URL+"/file/bot"+token+"/photos/file_1.jpg", msgs[0].Parts[1].URL)
}

func TestAgentErrorIsReported(t *testing.T) {
	f := newFixture(t)
	f.agent.err = errors.New("upstream exploded")

	err := f.handle(privateText(1, "hello"))
	require.Error(t, err)

	assert.Equal(t, "Error: upstream exploded", f.api.last(t, "sendMessage").get("text").String())
	assert.Equal(t, 1.0, f.updates(bot.ResultFailed))
}

func TestLongErrorIsTruncated(t *testing.T) {
	f := newFixture(t)
	f.agent.err = errors.New(strings.Repeat("x", 3000))

	require.Error(t, f.handle(privateText(1, "hello")))

	text := f.api.last(t, "sendMessage").get("text").String()
	assert.Len(t, []rune(text), 2048)
	assert.True(t, strings.HasPrefix(text, "Error: xxx"))
}

func TestNoEnabledAgent(t *testing.T) {
	f := newFixture(t)
	f.agent.disabled = true

	err := f.handle(privateText(1, "hello"))
	require.ErrorIs(t, err, agents.ErrNoAgent)
	assert.Equal(t, "LLM is not enable", f.api.last(t, "sendMessage").get("text").String())
}

// ── filters ─────────────────────────────────────────────────

func TestWhiteListRejectsUnknownChat(t *testing.T) {
	f := newFixture(t)
	u := privateText(1, "hello")
	u.Message.Chat.ID = 101

	require.NoError(t, f.handle(u))

	assert.Zero(t, f.agent.callCount())
	assert.Equal(t,
		"You are not in the white list, please contact the administrator to add you to the white list. Your chat_id: 101",
		f.api.last(t, "sendMessage").get("text").String())
	assert.Equal(t, 1.0, f.updates(bot.ResultRejected))
}

func TestGenerousPersonAllowsEveryone(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Telegram.GenerousPerson = true })
	u := privateText(1, "hello")
	u.Message.Chat.ID = 101

	require.NoError(t, f.handle(u))
	assert.Equal(t, 1, f.agent.callCount())
}

func TestGroupChatsDisabled(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Telegram.GroupChatBotEnable = false
		c.Telegram.GenerousPerson = true
	})

	err := f.handle(groupText(1, "@relay_bot hi", mention("@relay_bot")))
	require.ErrorIs(t, err, bot.ErrGroupDisabled)
	assert.Empty(t, f.api.callsOf("sendMessage"))
}

func TestUnsupportedChatType(t *testing.T) {
	f := newFixture(t)
	u := privateText(1, "hello")
	u.Message.Chat.Type = telegram.ChatChannel

	require.NoError(t, f.handle(u))
	assert.Equal(t, "Not support chat type: channel", f.api.last(t, "sendMessage").get("text").String())
}

func TestUnsupportedMessageType(t *testing.T) {
	f := newFixture(t)
	u := privateText(1, "")
	u.Message.Document = &telegram.Document{FileID: "doc", MimeType: "application/pdf"}

	require.NoError(t, f.handle(u))
	assert.Equal(t, "Unsupported message type. Only text and images can be processed.",
		f.api.last(t, "sendMessage").get("text").String())
	assert.Zero(t, f.agent.callCount())
}

func TestEditedMessageIsIgnored(t *testing.T) {
	f := newFixture(t)
	u := privateText(1, "hello")
	u.EditedMessage, u.Message = u.Message, nil

	require.NoError(t, f.handle(u))
	assert.Empty(t, f.api.texts())
	assert.Equal(t, 1.0, f.updates(bot.ResultIgnored))
}

func TestGroupMessageWithoutMentionIsIgnored(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.handle(groupText(1, "just chatting")))
	assert.Zero(t, f.agent.callCount())
	assert.Empty(t, f.api.texts())
}

func TestGroupMentionIsStrippedAndAnsweredAsReply(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.handle(groupText(5, "@relay_bot hi there", mention("@relay_bot"))))

	msgs := f.agent.lastMessages(t)
	assert.Equal(t, "hi there", msgs[len(msgs)-1].TextContent())
	reply := f.api.last(t, "sendMessage")
	assert.Equal(t, int64(5), reply.get("reply_parameters.message_id").Int())
	assert.Equal(t, int64(groupChat), reply.get("chat_id").Int())
	assert.Len(t, f.api.callsOf("getMe"), 1)
}

func TestGroupReplyToBotIsAnswered(t *testing.T) {
	f := newFixture(t)
	u := groupText(5, "and then?")
	u.Message.ReplyToMessage = &telegram.Message{MessageID: 4, From: &telegram.User{ID: 42, IsBot: true}}

	require.NoError(t, f.handle(u))
	assert.Equal(t, 1, f.agent.callCount())
}

func TestRedeliveredMessageIsIgnored(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.handle(privateText(9, "hello")))
	require.NoError(t, f.handle(privateText(9, "hello")))

	assert.Equal(t, 1, f.agent.callCount())
	assert.Len(t, f.api.callsOf("sendMessage"), 1)
	assert.Equal(t, 1.0, f.updates(bot.ResultIgnored))
}

func TestRedeliveryCheckCanBeDisabled(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Telegram.SafeMode = false })

	require.NoError(t, f.handle(privateText(9, "hello")))
	require.NoError(t, f.handle(privateText(9, "hello")))

	assert.Equal(t, 2, f.agent.callCount())
}

// ── bots ────────────────────────────────────────────────────

func TestBotsLookup(t *testing.T) {
	cfg := config.Default().Telegram
	cfg.Tokens = []string{"1:a", "2:b"}
	cfg.BotNames = []string{"first_bot", "second_bot"}

	bots := bot.NewBots(cfg)
	require.Len(t, bots.All(), 2)

	b, ok := bots.Lookup("2:b")
	require.True(t, ok)
	assert.Equal(t, int64(2), b.ID())
	name, err := b.Name(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second_bot", name)

	_, ok = bots.Lookup("3:c")
	assert.False(t, ok)
}
