// Package plugin runs templated HTTP requests behind chat commands.
//
// A plugin is a JSON request template. The command argument is parsed as
// DATA, configured plugin variables are exposed as ENV, and the upstream
// response is rendered through an output template into a message.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/agentoven/chatrelay/internal/config"
	"github.com/rs/zerolog/log"
)

// Input formats of the command argument.
const (
	InputText           = "text"
	InputJSON           = "json"
	InputSpaceSeparated = "space-separated"
	InputCommaSeparated = "comma-separated"
)

// Body types.
const (
	BodyJSON = "json"
	BodyForm = "form"
	BodyText = "text"
)

// Response input types.
const (
	ResponseJSON = "json"
	ResponseText = "text"
	ResponseBlob = "blob"
)

// Output types.
const (
	OutputText     = "text"
	OutputHTML     = "html"
	OutputMarkdown = "markdown"
	OutputImage    = "image"
)

var (
	ErrMissingInput  = errors.New("missing required input")
	ErrInvalidOutput = errors.New("invalid output type")
)

// Template describes one plugin request.
type Template struct {
	URL     string         `json:"url"`
	Method  string         `json:"method"`
	Query   map[string]any `json:"query,omitempty"`
	Headers map[string]any `json:"headers,omitempty"`
	Input   struct {
		Type     string `json:"type"`
		Required bool   `json:"required"`
	} `json:"input"`
	Body     *Body `json:"body,omitempty"`
	Response struct {
		Content *Render `json:"content"`
		Error   *Render `json:"error,omitempty"`
	} `json:"response"`
}

type Body struct {
	Type    string `json:"type"`
	Content any    `json:"content"`
}

// Render turns a response into output.
type Render struct {
	InputType  string `json:"input_type"`
	OutputType string `json:"output_type"`
	Output     string `json:"output"`
}

// Parse decodes a JSON template.
func Parse(data []byte) (*Template, error) {
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse plugin template: %w", err)
	}
	if t.URL == "" {
		return nil, errors.New("parse plugin template: url is required")
	}
	if t.Method == "" {
		t.Method = http.MethodGet
	}
	if t.Response.Content == nil {
		t.Response.Content = &Render{InputType: ResponseText, OutputType: OutputText, Output: "{{.}}"}
	}
	return &t, nil
}

// Output is the rendered result of a plugin call.
type Output struct {
	Type string
	Text string
	// Data holds the payload of an image response.
	Data        []byte
	ContentType string
}

// FormatInput parses the command argument according to format.
func FormatInput(input, format string) (any, error) {
	switch format {
	case InputJSON:
		var v any
		if err := json.Unmarshal([]byte(input), &v); err != nil {
			return nil, fmt.Errorf("parse json input: %w", err)
		}
		return v, nil
	case InputSpaceSeparated:
		return toList(strings.Fields(input)), nil
	case InputCommaSeparated:
		var items []string
		for _, s := range strings.Split(input, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		return toList(items), nil
	default:
		return input, nil
	}
}

func toList(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}

// ── commands ────────────────────────────────────────────────

// Command is a configured plugin command.
type Command struct {
	// Name includes the leading slash.
	Name        string
	Description string
	Scopes      []string
	// Source is a JSON template or an http(s) URL serving one.
	Source string
}

// Commands returns the configured plugin commands sorted by name.
func Commands(cfg config.PluginConfig) []Command {
	cmds := make([]Command, 0, len(cfg.Commands))
	for name, source := range cfg.Commands {
		cmds = append(cmds, Command{
			Name:        "/" + name,
			Description: cfg.Descriptions[name],
			Scopes:      cfg.Scopes[name],
			Source:      source,
		})
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	return cmds
}

// Match returns the command invoked by text and its argument.
func Match(cmds []Command, text string) (Command, string, bool) {
	for _, c := range cmds {
		if text == c.Name || strings.HasPrefix(text, c.Name+" ") {
			return c, strings.TrimSpace(text[len(c.Name):]), true
		}
	}
	return Command{}, "", false
}

// ── execution ───────────────────────────────────────────────

// Runner executes plugin templates.
type Runner struct {
	http *http.Client
	env  map[string]string
}

// NewRunner creates a Runner exposing env to templates as ENV.
func NewRunner(client *http.Client, env map[string]string) *Runner {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Runner{http: client, env: env}
}

// Load returns the template of c, fetching it when the source is a URL.
func (r *Runner) Load(ctx context.Context, c Command) (*Template, error) {
	source := strings.TrimSpace(c.Source)
	if !strings.HasPrefix(source, "http") {
		return Parse([]byte(source))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch plugin template: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch plugin template: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch plugin template: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("fetch plugin template: %w", err)
	}
	return Parse(data)
}

// Run parses input, executes the request of t and renders the response.
func (r *Runner) Run(ctx context.Context, t *Template, input string) (*Output, error) {
	if t.Input.Required && input == "" {
		return nil, ErrMissingInput
	}
	parsed, err := FormatInput(input, t.Input.Type)
	if err != nil {
		return nil, err
	}
	env := make(map[string]any, len(r.env))
	for k, v := range r.env {
		env[k] = v
	}
	return r.execute(ctx, t, map[string]any{"DATA": parsed, "ENV": env})
}

func (r *Runner) execute(ctx context.Context, t *Template, data map[string]any) (*Output, error) {
	req, err := buildRequest(ctx, t, data)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("plugin request: %w", err)
	}
	defer resp.Body.Close()
	log.Debug().
		Str("method", req.Method).
		Str("host", req.URL.Host).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Plugin request finished")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if t.Response.Error == nil {
			return nil, fmt.Errorf("plugin request: status %d", resp.StatusCode)
		}
		return renderResponse(t.Response.Error, resp)
	}

	if t.Response.Content.InputType == ResponseBlob {
		if t.Response.Content.OutputType != OutputImage {
			return nil, ErrInvalidOutput
		}
		payload, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
		if err != nil {
			return nil, fmt.Errorf("read plugin response: %w", err)
		}
		return &Output{Type: OutputImage, Data: payload, ContentType: resp.Header.Get("Content-Type")}, nil
	}
	return renderResponse(t.Response.Content, resp)
}

func buildRequest(ctx context.Context, t *Template, data map[string]any) (*http.Request, error) {
	u, err := url.Parse(InterpolateWith(t.URL, data, escapeComponent))
	if err != nil {
		return nil, fmt.Errorf("plugin url: %w", err)
	}
	if len(t.Query) > 0 {
		q := u.Query()
		for _, k := range sortedKeys(t.Query) {
			if s, ok := t.Query[k].(string); ok {
				q.Add(k, Interpolate(s, data))
			}
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	contentType := ""
	if t.Body != nil {
		switch t.Body.Type {
		case BodyJSON:
			b, err := json.Marshal(InterpolateValue(t.Body.Content, data))
			if err != nil {
				return nil, fmt.Errorf("plugin body: %w", err)
			}
			body, contentType = strings.NewReader(string(b)), "application/json"
		case BodyForm:
			form := url.Values{}
			if m, ok := t.Body.Content.(map[string]any); ok {
				for _, k := range sortedKeys(m) {
					form.Add(k, Interpolate(Format(m[k]), data))
				}
			}
			body, contentType = strings.NewReader(form.Encode()), "application/x-www-form-urlencoded"
		default:
			s, _ := t.Body.Content.(string)
			body, contentType = strings.NewReader(Interpolate(s, data)), "text/plain;charset=UTF-8"
		}
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(t.Method), u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("plugin request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for _, k := range sortedKeys(t.Headers) {
		// null removes a header
		if s, ok := t.Headers[k].(string); ok {
			req.Header.Set(k, Interpolate(s, data))
		}
	}
	return req, nil
}

func renderResponse(r *Render, resp *http.Response) (*Output, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read plugin response: %w", err)
	}

	var data any
	switch r.InputType {
	case ResponseText:
		data = string(raw)
	case ResponseBlob:
		return nil, ErrInvalidOutput
	default:
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("decode plugin response: %w", err)
		}
	}

	out := r.OutputType
	if out == "" {
		out = OutputText
	}
	return &Output{Type: out, Text: Interpolate(r.Output, data)}, nil
}

// escapeComponent percent-encodes a URL component.
func escapeComponent(v any) string {
	return strings.ReplaceAll(url.QueryEscape(Format(v)), "+", "%20")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
