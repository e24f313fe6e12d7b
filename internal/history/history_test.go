package history_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agentoven/chatrelay/internal/history"
	"github.com/agentoven/chatrelay/internal/kv"
	"github.com/agentoven/chatrelay/internal/metrics"
	"github.com/agentoven/chatrelay/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgs(texts ...string) []models.ChatMessage {
	out := make([]models.ChatMessage, len(texts))
	for i, t := range texts {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		out[i] = models.NewTextMessage(role, t)
	}
	return out
}

func texts(h []models.ChatMessage) []string {
	out := make([]string, len(h))
	for i, m := range h {
		out[i] = m.TextContent()
	}
	return out
}

func newKV(t *testing.T) *kv.MemoryStore {
	t.Helper()
	s := kv.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	return s
}

// ── Trim ────────────────────────────────────────────────────

func TestTrim_TokenBudgetKeepsSuffix(t *testing.T) {
	h := msgs("A", "B", "C", "D")
	five := func(string) int { return 5 }

	got := history.Trim(h, -1, 12, five)
	assert.Equal(t, []string{"C", "D"}, texts(got))
}

func TestTrim_DisabledIsIdentity(t *testing.T) {
	h := msgs("one", "two", "three")
	got := history.Trim(h, -1, -1, nil)
	assert.Equal(t, h, got)
}

func TestTrim_CountThenTokens(t *testing.T) {
	h := msgs("aaaa", "bbbb", "cccc", "dddd", "eeee")

	got := history.Trim(h, 3, 9, history.CharCounter)
	assert.Equal(t, []string{"dddd", "eeee"}, texts(got))

	got = history.Trim(h, 0, -1, nil)
	assert.Empty(t, got)
}

func TestTrim_TextlessMessagesCostNothing(t *testing.T) {
	h := []models.ChatMessage{
		models.NewTextMessage(models.RoleUser, "xxxxxxxxxx"),
		models.NewPartsMessage(models.RoleUser, models.ImageURLPart("https://example.com/a.png")),
		models.NewTextMessage(models.RoleAssistant, "yyyy"),
	}
	got := history.Trim(h, -1, 5, nil)
	require.Len(t, got, 2)
	assert.True(t, got[0].IsMultipart())
}

func TestTrim_SuffixProperty(t *testing.T) {
	h := msgs("a", "bb", "ccc", "dddd", "eeeee", "ffffff", "g")
	for maxCount := -1; maxCount <= len(h)+1; maxCount++ {
		for maxTokens := -1; maxTokens <= 25; maxTokens++ {
			got := history.Trim(h, maxCount, maxTokens, nil)
			if maxCount >= 0 && len(got) > maxCount {
				t.Fatalf("Trim(%d, %d) len = %d, want <= %d", maxCount, maxTokens, len(got), maxCount)
			}
			want := h[len(h)-len(got):]
			if len(got) > 0 && &got[0] != &want[0] {
				t.Fatalf("Trim(%d, %d) is not a suffix of the input", maxCount, maxTokens)
			}
		}
	}
}

// ── Load ────────────────────────────────────────────────────

func TestLoad_MissingAndCorrupt(t *testing.T) {
	ctx := context.Background()
	store := newKV(t)
	h := history.New(store)

	assert.Empty(t, h.Load(ctx, "history:missing"))

	for _, raw := range []string{"not json", `{"role":"user","content":"hi"}`, "null", `[{"content":{"x":1}}]`} {
		require.NoError(t, store.Put(ctx, "history:bad", raw))
		got := h.Load(ctx, "history:bad")
		assert.NotNil(t, got, "value %q", raw)
		assert.Empty(t, got, "value %q", raw)
	}
}

func TestLoad_TrimsWhenAutoTrimOn(t *testing.T) {
	ctx := context.Background()
	store := newKV(t)
	data, err := json.Marshal(msgs("1", "2", "3", "4", "5"))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "k", string(data)))

	m := metrics.NewCollector()
	got := history.New(store, history.WithMaxCount(2), history.WithMetrics(m)).Load(ctx, "k")
	assert.Equal(t, []string{"4", "5"}, texts(got))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.HistoryTrimmedTotal))

	got = history.New(store, history.WithMaxCount(2), history.WithAutoTrim(false)).Load(ctx, "k")
	assert.Len(t, got, 5)
}

func TestDisabled(t *testing.T) {
	ctx := context.Background()
	store := newKV(t)
	h := history.New(store, history.WithMaxCount(0))
	require.True(t, h.Disabled())

	h.Append(ctx, "k", nil, models.NewTextMessage(models.RoleUser, "hi"), msgs("x"))
	_, err := store.Get(ctx, "k")
	require.ErrorIs(t, err, kv.ErrNotFound)

	assert.False(t, history.New(store, history.WithMaxCount(0), history.WithAutoTrim(false)).Disabled())
}

// ── Append ──────────────────────────────────────────────────

func TestAppend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	h := history.New(newKV(t))

	prev := msgs("hello", "hi!")
	user := models.NewTextMessage(models.RoleUser, "how are you")
	resp := []models.ChatMessage{models.NewTextMessage(models.RoleAssistant, "fine")}

	h.Append(ctx, "history:42", prev, user, resp)
	got := h.Load(ctx, "history:42")
	assert.Equal(t, []string{"hello", "hi!", "how are you", "fine"}, texts(got))
	assert.Equal(t, models.RoleAssistant, got[3].Role)

	require.NoError(t, h.Reset(ctx, "history:42"))
	assert.Empty(t, h.Load(ctx, "history:42"))
}

func TestAppend_ImagePlaceholderOnStoredCopyOnly(t *testing.T) {
	ctx := context.Background()
	store := newKV(t)
	h := history.New(store, history.WithImagePlaceholder("[image]"))

	user := models.NewPartsMessage(models.RoleUser,
		models.ImageURLPart("https://example.com/1.jpg"),
		models.TextPart("look"),
		models.ImageBase64Part("/9j/AAAA"),
	)
	h.Append(ctx, "k", nil, user, msgs("x", "nice")[1:])

	got := h.Load(ctx, "k")
	require.Len(t, got, 2)
	require.Len(t, got[0].Parts, 1)
	assert.Equal(t, "look [image] [image]", got[0].Parts[0].Text)

	assert.Len(t, user.Parts, 3, "caller's message is untouched")
	assert.Equal(t, "look", user.Parts[1].Text)
}

func TestAppend_PlaceholderNeedsTextPart(t *testing.T) {
	ctx := context.Background()
	h := history.New(newKV(t), history.WithImagePlaceholder("[image]"))

	user := models.NewPartsMessage(models.RoleUser, models.ImageURLPart("https://example.com/1.jpg"))
	h.Append(ctx, "k", nil, user, nil)

	got := h.Load(ctx, "k")
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].ImageCount())
}

type failingKV struct{ kv.Store }

func (failingKV) Put(context.Context, string, string, ...kv.PutOption) error {
	return errors.New("disk full")
}

func TestAppend_WriteFailureIsSwallowed(t *testing.T) {
	m := metrics.NewCollector()
	h := history.New(failingKV{Store: newKV(t)}, history.WithMetrics(m))

	h.Append(context.Background(), "k", nil, models.NewTextMessage(models.RoleUser, "hi"), nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HistoryWriteFailuresTotal))
}

func TestAppend_TTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	store := kv.NewMemoryStore("", kv.WithClock(clock))
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	h := history.New(store, history.WithTTL(time.Hour))
	h.Append(ctx, "k", nil, models.NewTextMessage(models.RoleUser, "hi"), nil)
	assert.Len(t, h.Load(ctx, "k"), 1)

	now = now.Add(2 * time.Hour)
	assert.Empty(t, h.Load(ctx, "k"))
}

func ExampleTrim() {
	h := msgs("A", "B", "C", "D")
	kept := history.Trim(h, -1, 12, func(string) int { return 5 })
	fmt.Println(texts(kept))
	// Output: [C D]
}
