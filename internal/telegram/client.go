// Package telegram is a small Bot API client: a generic Call plus typed
// wrappers for the methods the relay uses, with outbound rate limiting and
// retries of transient failures.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentoven/chatrelay/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// DefaultAPIDomain is the public Bot API endpoint.
const DefaultAPIDomain = "https://api.telegram.org"

// APIError is a failed Bot API call.
type APIError struct {
	Method      string
	Code        int
	Description string
	// RetryAfter is set when the call was rate limited.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %s (%d)", e.Method, e.Description, e.Code)
}

// RetryAfter returns the cooldown requested by a rate-limited call.
func RetryAfter(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return apiErr.RetryAfter, true
	}
	return 0, false
}

// IsNotModified reports an edit that would leave the message unchanged.
func IsNotModified(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && strings.Contains(apiErr.Description, "message is not modified")
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Client calls the Bot API with one bot token.
type Client struct {
	token      string
	base       string
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries uint64
	retryBase  time.Duration
	metrics    *metrics.Collector
}

// Option configures a Client.
type Option func(*Client)

// WithAPIDomain overrides the API root (self-hosted Bot API servers,
// tests).
func WithAPIDomain(base string) Option {
	return func(c *Client) { c.base = strings.TrimRight(base, "/") }
}

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithRateLimit bounds outbound calls per second. rps <= 0 disables the
// limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithLimiter shares one limiter between clients.
func WithLimiter(l *rate.Limiter) Option { return func(c *Client) { c.limiter = l } }

// WithRetry sets how often transient failures are retried and the first
// backoff interval.
func WithRetry(maxRetries uint64, initial time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryBase = initial
	}
}

func WithMetrics(m *metrics.Collector) Option { return func(c *Client) { c.metrics = m } }

// NewClient creates a client for token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token:      token,
		base:       DefaultAPIDomain,
		http:       &http.Client{Timeout: 60 * time.Second},
		limiter:    rate.NewLimiter(rate.Inf, 0),
		maxRetries: 3,
		retryBase:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the bot token.
func (c *Client) Token() string { return c.token }

// BotID returns the numeric id prefix of the token, or 0.
func (c *Client) BotID() int64 {
	id, _, _ := strings.Cut(c.token, ":")
	n, _ := strconv.ParseInt(id, 10, 64)
	return n
}

// FileURL returns the download URL of a file path returned by GetFile.
func (c *Client) FileURL(filePath string) string {
	return fmt.Sprintf("%s/file/bot%s/%s", c.base, c.token, filePath)
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.base, c.token, method)
}

// Call invokes method with params encoded as JSON and decodes the result
// into out (which may be nil).
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("telegram %s: encode params: %w", method, err)
	}
	return c.do(ctx, method, "application/json", func() io.Reader { return bytes.NewReader(body) }, out)
}

// do sends one call, retrying transport failures and 5xx responses. API
// errors below 500 are returned immediately.
func (c *Client) do(ctx context.Context, method, contentType string, body func() io.Reader, out any) error {
	var b backoff.BackOff = backoff.NewExponentialBackOff(backoff.WithInitialInterval(c.retryBase))
	b = backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)

	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), body())
		if err != nil {
			return backoff.Permanent(fmt.Errorf("telegram %s: build request: %w", method, err))
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := c.http.Do(req)
		if err != nil {
			// The URL holds the token; keep it out of errors and logs.
			var urlErr *url.Error
			if errors.As(err, &urlErr) {
				err = urlErr.Err
			}
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("telegram %s: %w", method, err))
			}
			return fmt.Errorf("telegram %s: %w", method, err)
		}
		defer resp.Body.Close()

		apiErr, err := decodeResponse(method, resp, out)
		if err != nil {
			return backoff.Permanent(err)
		}
		if apiErr != nil {
			if apiErr.Code == http.StatusTooManyRequests {
				c.metrics.RateLimited()
			}
			if apiErr.Code >= 500 {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("method", method).Dur("retry_in", wait).Msg("Telegram call failed, retrying")
	}
	return backoff.RetryNotify(op, b, notify)
}

func decodeResponse(method string, resp *http.Response, out any) (*APIError, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("telegram %s: read response: %w", method, err)
	}

	var r apiResponse
	if err := json.Unmarshal(data, &r); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{Method: method, Code: resp.StatusCode, Description: http.StatusText(resp.StatusCode)}, nil
		}
		return nil, fmt.Errorf("telegram %s: decode response: %w", method, err)
	}
	if !r.OK {
		apiErr := &APIError{Method: method, Code: r.ErrorCode, Description: r.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if r.Parameters != nil && r.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(r.Parameters.RetryAfter) * time.Second
		} else if s := resp.Header.Get("Retry-After"); s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				apiErr.RetryAfter = time.Duration(n) * time.Second
			}
		}
		return apiErr, nil
	}
	if out != nil && len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, out); err != nil {
			return nil, fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil, nil
}

// ── typed methods ───────────────────────────────────────────

func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.Call(ctx, "getMe", struct{}{}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) SendMessage(ctx context.Context, p SendMessageParams) (*Message, error) {
	var m Message
	if err := c.Call(ctx, "sendMessage", p, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) EditMessageText(ctx context.Context, p EditMessageTextParams) (*Message, error) {
	var m Message
	if err := c.Call(ctx, "editMessageText", p, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SendChatAction shows a status such as "typing" in the chat.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return c.Call(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": action}, nil)
}

// SendPhoto sends a photo by URL or file id, or uploads p.Data as
// multipart form data.
func (c *Client) SendPhoto(ctx context.Context, p SendPhotoParams) (*Message, error) {
	var m Message
	if len(p.Data) == 0 {
		if err := c.Call(ctx, "sendPhoto", p, &m); err != nil {
			return nil, err
		}
		return &m, nil
	}

	body, contentType, err := photoForm(p)
	if err != nil {
		return nil, fmt.Errorf("telegram sendPhoto: %w", err)
	}
	if err := c.do(ctx, "sendPhoto", contentType, func() io.Reader { return bytes.NewReader(body) }, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func photoForm(p SendPhotoParams) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{"chat_id": strconv.FormatInt(p.ChatID, 10)}
	if p.MessageThreadID != 0 {
		fields["message_thread_id"] = strconv.Itoa(p.MessageThreadID)
	}
	if p.Caption != "" {
		fields["caption"] = p.Caption
	}
	if p.ReplyParameters != nil {
		rp, err := json.Marshal(p.ReplyParameters)
		if err != nil {
			return nil, "", err
		}
		fields["reply_parameters"] = string(rp)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	name := p.FileName
	if name == "" {
		name = "photo"
	}
	part, err := w.CreateFormFile("photo", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(p.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	var f File
	if err := c.Call(ctx, "getFile", map[string]string{"file_id": fileID}, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *Client) GetChatAdministrators(ctx context.Context, chatID int64) ([]ChatMember, error) {
	var members []ChatMember
	if err := c.Call(ctx, "getChatAdministrators", map[string]int64{"chat_id": chatID}, &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (c *Client) AnswerCallbackQuery(ctx context.Context, p AnswerCallbackQueryParams) error {
	return c.Call(ctx, "answerCallbackQuery", p, nil)
}

func (c *Client) SetWebhook(ctx context.Context, p SetWebhookParams) error {
	return c.Call(ctx, "setWebhook", p, nil)
}

func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.Call(ctx, "deleteWebhook", struct{}{}, nil)
}

func (c *Client) SetMyCommands(ctx context.Context, p SetMyCommandsParams) error {
	return c.Call(ctx, "setMyCommands", p, nil)
}
