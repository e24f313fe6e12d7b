package completion_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/chatrelay/internal/completion"
	"github.com/agentoven/chatrelay/internal/metrics"
	"github.com/agentoven/chatrelay/internal/stream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func jsonReply(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}
}

func sseReply(chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprint(w, c)
			flusher.Flush()
		}
	}
}

func delta(s string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", s)
}

type progressLog struct {
	mu      sync.Mutex
	updates []string
}

func (p *progressLog) fn(_ context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, text)
	return nil
}

func TestExecute_SingleJSON(t *testing.T) {
	var gotAuth, gotType string
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		jsonReply(http.StatusOK, `{"choices":[{"message":{"content":"hi there"}}]}`)(w, r)
	})

	e := completion.New()
	text, err := e.Execute(context.Background(), completion.Request{
		URL:    srv.URL,
		Header: http.Header{"Authorization": {"Bearer sk-test"}},
		Body:   []byte(`{"model":"m"}`),
	}, completion.OpenAIOptions(), nil)

	require.NoError(t, err)
	assert.Equal(t, "hi there", text)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "application/json", gotType)
}

func TestExecute_Streaming(t *testing.T) {
	srv := newServer(t, sseReply(delta("Hel"), delta("lo "), ": keep-alive\n\n", delta("world"), "data: [DONE]\n\n", delta("ignored")))

	var p progressLog
	e := completion.New(completion.WithThrottle(stream.Throttle{InitialStep: 0, StepIncrement: 1}))
	text, err := e.Execute(context.Background(), completion.Request{URL: srv.URL}, completion.OpenAIOptions(), p.fn)

	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)
	require.Len(t, p.updates, 3)
	assert.Equal(t, "Hello world\n...", p.updates[2])
}

func TestExecute_StreamRequestedButJSONAnswer(t *testing.T) {
	srv := newServer(t, jsonReply(http.StatusOK, `{"choices":[{"message":{"content":"whole"}}]}`))

	var p progressLog
	text, err := completion.New().Execute(context.Background(), completion.Request{URL: srv.URL}, completion.OpenAIOptions(), p.fn)
	require.NoError(t, err)
	assert.Equal(t, "whole", text)
	assert.Empty(t, p.updates)
}

func TestExecute_EventStreamWithoutStreamingIsProtocolError(t *testing.T) {
	srv := newServer(t, sseReply(delta("x")))

	_, err := completion.New().Execute(context.Background(), completion.Request{URL: srv.URL}, completion.OpenAIOptions(), nil)
	var pe *completion.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Reason, "text/event-stream")
}

func TestExecute_PlainTextIsProtocolError(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "hello")
	})

	_, err := completion.New().Execute(context.Background(), completion.Request{URL: srv.URL}, completion.OpenAIOptions(), nil)
	var pe *completion.ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestExecute_UpstreamErrorBody(t *testing.T) {
	srv := newServer(t, jsonReply(http.StatusUnauthorized, `{"error":{"message":"invalid api key"}}`))

	_, err := completion.New().Execute(context.Background(), completion.Request{URL: srv.URL}, completion.OpenAIOptions(), nil)
	var ue *completion.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusUnauthorized, ue.StatusCode)
	assert.Equal(t, "invalid api key", ue.Message)
}

func TestExecute_ErrorBodyOn200(t *testing.T) {
	srv := newServer(t, jsonReply(http.StatusOK, `{"errors":[{"message":"model overloaded"}],"result":null}`))

	opts := completion.Options{FullContentPath: "result.response", ErrorPath: "errors.0.message"}
	_, err := completion.New().Execute(context.Background(), completion.Request{URL: srv.URL}, opts, nil)
	var ue *completion.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "model overloaded", ue.Message)
}

func TestExecute_NonJSONErrorUsesStatusText(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "<html>bad gateway</html>")
	})

	_, err := completion.New().Execute(context.Background(), completion.Request{URL: srv.URL}, completion.OpenAIOptions(), nil)
	var ue *completion.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "Bad Gateway", ue.Message)
}

func TestExecute_EmptyBody(t *testing.T) {
	for _, body := range []string{"null", "  "} {
		srv := newServer(t, jsonReply(http.StatusOK, body))
		_, err := completion.New().Execute(context.Background(), completion.Request{URL: srv.URL}, completion.OpenAIOptions(), nil)
		require.ErrorIs(t, err, completion.ErrEmptyResponse, "body %q", body)
	}
}

func TestExecute_Timeout(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	e := completion.New(completion.WithTimeout(50 * time.Millisecond))
	_, err := e.Execute(context.Background(), completion.Request{URL: srv.URL}, completion.OpenAIOptions(), nil)

	require.ErrorIs(t, err, completion.ErrTimeout)
	var te *completion.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, err.Error(), "timed out")
	assert.Contains(t, err.Error(), "switch to another model")
	assert.Equal(t, "timeout", completion.Outcome(err))
}

func TestExecute_CallerCancelIsNotTimeout(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := completion.New(completion.WithTimeout(5*time.Second)).Execute(ctx, completion.Request{URL: srv.URL}, completion.OpenAIOptions(), nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, completion.ErrTimeout))
	var tr *completion.TransportError
	require.ErrorAs(t, err, &tr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecute_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := completion.New().Execute(context.Background(), completion.Request{URL: url}, completion.OpenAIOptions(), nil)
	var tr *completion.TransportError
	require.ErrorAs(t, err, &tr)
	assert.Equal(t, "transport_error", completion.Outcome(err))
}

func TestExecute_TimeoutMidStreamKeepsPartialText(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, delta("partial"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	var p progressLog
	e := completion.New(completion.WithTimeout(200 * time.Millisecond))
	text, err := e.Execute(context.Background(), completion.Request{URL: srv.URL}, completion.OpenAIOptions(), p.fn)

	var te *completion.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "timeout", completion.Outcome(err))
	assert.Equal(t, "partial\nError: "+te.Error(), text)
	assert.Contains(t, text, "retry or switch to another model")
}

func TestExecute_CallerCancelMidStreamKeepsPartialText(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, delta("partial"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	var p progressLog
	text, err := completion.New(completion.WithTimeout(5*time.Second)).Execute(ctx, completion.Request{URL: srv.URL}, completion.OpenAIOptions(), p.fn)
	require.NoError(t, err)
	assert.Equal(t, "partial", text)
}

func TestExecute_RecordsMetrics(t *testing.T) {
	srv := newServer(t, jsonReply(http.StatusOK, `{"choices":[{"message":{"content":"ok"}}]}`))
	m := metrics.NewCollector()

	_, err := completion.New(completion.WithMetrics(m)).Execute(context.Background(), completion.Request{URL: srv.URL}, completion.OpenAIOptions(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, testutil.CollectAndCount(m.CompletionDuration))
}

func TestContentTypes(t *testing.T) {
	h := func(ct string) http.Header { return http.Header{"Content-Type": {ct}} }

	assert.True(t, completion.IsEventStream(h("text/event-stream; charset=utf-8")))
	assert.True(t, completion.IsEventStream(h("application/stream+json")))
	assert.False(t, completion.IsEventStream(h("application/json")))
	assert.True(t, completion.IsJSON(h("application/json")))
	assert.False(t, completion.IsJSON(h("")))
	assert.False(t, completion.IsJSON(h(strings.Repeat(";", 3))))
}
