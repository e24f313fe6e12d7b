package plugin

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
)

// Template syntax:
//
//	{{expr}}                                   value of expr
//	{{#each[:alias] item in expr}}…{{/each[:alias]}}   body per element
//	{{#if[:alias] expr}}…{{#else[:alias]}}…{{/if[:alias]}}
//
// Blocks with an alias close at the tag carrying the same alias, which is
// how blocks of one kind are nested. A variable that does not evaluate is
// left in place.
var (
	eachOpen = regexp.MustCompile(`\{\{#each(?::(\w+))?\s+(\w+)\s+in\s+([\w.\[\]]+)\}\}`)
	ifOpen   = regexp.MustCompile(`\{\{#if(?::(\w+))?\s+([\w.\[\]]+)\}\}`)
	variable = regexp.MustCompile(`\{\{([\w.\[\]]+)\}\}`)
)

// scope is the data visible to one template level. dot is the value of
// "{{.}}": the whole data at the top, the current element inside a loop.
type scope struct {
	vars map[string]any
	dot  any
}

func newScope(data any) scope {
	vars := map[string]any{}
	if m, ok := data.(map[string]any); ok {
		for k, v := range m {
			vars[k] = v
		}
	}
	return scope{vars: vars, dot: data}
}

func (s scope) with(name string, item any) scope {
	vars := make(map[string]any, len(s.vars)+1)
	for k, v := range s.vars {
		vars[k] = v
	}
	vars[name] = item
	return scope{vars: vars, dot: item}
}

// Formatter turns an interpolated value into text.
type Formatter func(any) string

// Interpolate renders tmpl against data.
func Interpolate(tmpl string, data any) string {
	return render(tmpl, newScope(data), Format)
}

// InterpolateWith renders tmpl, formatting variable values with f.
func InterpolateWith(tmpl string, data any, f Formatter) string {
	return render(tmpl, newScope(data), f)
}

// InterpolateValue renders every string inside a decoded JSON value.
func InterpolateValue(v any, data any) any {
	switch t := v.(type) {
	case string:
		return Interpolate(t, data)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = InterpolateValue(item, data)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = InterpolateValue(item, data)
		}
		return out
	default:
		return v
	}
}

func render(tmpl string, s scope, f Formatter) string {
	tmpl = replaceBlocks(tmpl, eachOpen, "each", func(m []string, body string) string {
		itemName, listExpr := m[2], m[3]
		list, ok := evaluate(listExpr, s).([]any)
		if !ok {
			log.Warn().Str("expr", listExpr).Msg("Template loop expression is not a list")
			return ""
		}
		var b strings.Builder
		for _, item := range list {
			b.WriteString(render(body, s.with(itemName, item), Format))
		}
		return b.String()
	})

	tmpl = replaceBlocks(tmpl, ifOpen, "if", func(m []string, body string) string {
		alias, cond := m[1], m[2]
		then, otherwise, _ := strings.Cut(body, tag("#else", alias))
		if truthy(evaluate(cond, s)) {
			return then
		}
		return otherwise
	})

	return variable.ReplaceAllStringFunc(tmpl, func(match string) string {
		v := evaluate(variable.FindStringSubmatch(match)[1], s)
		if v == nil {
			return match
		}
		return f(v)
	})
}

// replaceBlocks replaces every block opened by open and closed by the
// matching /kind tag with the result of fn. Unterminated blocks are left as
// text.
func replaceBlocks(tmpl string, open *regexp.Regexp, kind string, fn func(m []string, body string) string) string {
	var b strings.Builder
	for {
		loc := open.FindStringSubmatchIndex(tmpl)
		if loc == nil {
			b.WriteString(tmpl)
			return b.String()
		}
		m := submatches(tmpl, loc)
		rest := tmpl[loc[1]:]
		closing := tag("/"+kind, m[1])
		end := strings.Index(rest, closing)
		if end < 0 {
			b.WriteString(tmpl[:loc[1]])
			tmpl = rest
			continue
		}
		b.WriteString(tmpl[:loc[0]])
		b.WriteString(fn(m, rest[:end]))
		tmpl = rest[end+len(closing):]
	}
}

func submatches(s string, loc []int) []string {
	m := make([]string, len(loc)/2)
	for i := range m {
		if loc[2*i] >= 0 {
			m[i] = s[loc[2*i]:loc[2*i+1]]
		}
	}
	return m
}

func tag(name, alias string) string {
	if alias == "" {
		return "{{" + name + "}}"
	}
	return "{{" + name + ":" + alias + "}}"
}

// ── expressions ─────────────────────────────────────────────

var programs sync.Map // expression -> *vm.Program

// evaluate returns the value of an expression, or nil when it does not
// resolve.
func evaluate(code string, s scope) any {
	if code == "." {
		return s.dot
	}
	program, err := compile(code)
	if err != nil {
		log.Debug().Err(err).Str("expr", code).Msg("Template expression rejected")
		return nil
	}
	v, err := expr.Run(program, s.vars)
	if err != nil {
		return nil
	}
	return v
}

func compile(code string) (*vm.Program, error) {
	if p, ok := programs.Load(code); ok {
		return p.(*vm.Program), nil
	}
	p, err := expr.Compile(code, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	programs.Store(code, p)
	return p, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	default:
		return true
	}
}

// Format renders a value the way it reads in a message: strings as is,
// numbers without trailing zeros, lists and objects as JSON.
func Format(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
