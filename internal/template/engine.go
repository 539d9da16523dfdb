// Package template compiles, caches and renders channel-specific
// notification templates.
//
// Rendering is deterministic: identical (template version, channel, locale,
// sorted variables) always yields identical output, which is also the
// rendered-cache key. The cache is two-tier: compiled templates live in a
// process-local map, rendered output in the shared Redis cache. Cache
// failures degrade to a direct compile and render.
package template

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hivehub/notify/internal/cache"
	"github.com/hivehub/notify/internal/store"
	"github.com/hivehub/notify/internal/telemetry"
)

// ErrTemplateNotFound is returned when no template matches the requested
// key in either the requested or the default locale.
var ErrTemplateNotFound = store.ErrTemplateNotFound

// MissingVariableError reports a required placeholder with no value.
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing required template variable %q", e.Name)
}

// RenderError wraps any other rendering failure.
type RenderError struct {
	Cause error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render failed: %v", e.Cause)
}

func (e *RenderError) Unwrap() error {
	return e.Cause
}

// Source supplies template definitions; satisfied by *store.Store.
type Source interface {
	GetTemplate(ctx context.Context, id string, channel store.Channel, locale, defaultLocale string) (*store.Template, error)
}

// Output is a rendered template.
type Output struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// Config controls cache TTLs and locale fallback.
type Config struct {
	CompiledTTL   time.Duration
	RenderedTTL   time.Duration
	DefaultLocale string
}

// DefaultConfig mirrors the production defaults: compiled templates 24h,
// rendered output 1h.
func DefaultConfig() Config {
	return Config{
		CompiledTTL:   24 * time.Hour,
		RenderedTTL:   time.Hour,
		DefaultLocale: "en",
	}
}

// Engine renders templates with a process-local compiled cache and a shared
// rendered-output cache.
type Engine struct {
	source Source
	shared *cache.Service
	config Config

	mu       sync.RWMutex
	compiled map[string]*compiledEntry
}

type compiledEntry struct {
	subject  *compiledTemplate
	body     *compiledTemplate
	version  int
	html     bool
	loadedAt time.Time
}

// NewEngine creates a template engine. The shared cache may be nil, in
// which case only the local tier is used.
func NewEngine(source Source, shared *cache.Service, config Config) *Engine {
	if config.DefaultLocale == "" {
		config.DefaultLocale = "en"
	}
	return &Engine{
		source:   source,
		shared:   shared,
		config:   config,
		compiled: make(map[string]*compiledEntry),
	}
}

// Render produces the subject and body for (templateID, channel, locale)
// with the given variables. Subject is empty for channels without one.
func (e *Engine) Render(ctx context.Context, templateID string, channel store.Channel, locale string, vars map[string]string) (*Output, error) {
	entry, err := e.compiledFor(ctx, templateID, channel, locale)
	if err != nil {
		return nil, err
	}

	renderedKey := renderedCacheKey(templateID, entry.version, channel, locale, vars)
	if e.shared != nil {
		var out Output
		if err := e.shared.Get(ctx, renderedKey, &out); err == nil {
			return &out, nil
		}
		// miss or cache outage: fall through to a direct render
	}

	esc := escaperFor(channel, entry.html)

	out := &Output{}
	if entry.subject != nil {
		subject, err := entry.subject.execute(vars, esc)
		if err != nil {
			return nil, err
		}
		out.Subject = subject
	}
	body, err := entry.body.execute(vars, esc)
	if err != nil {
		return nil, err
	}
	out.Body = body

	if e.shared != nil {
		if err := e.shared.Set(ctx, renderedKey, out, e.config.RenderedTTL); err != nil {
			telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
				"operation":   "render_cache_set",
				"template_id": templateID,
			}).Warnf("failed to cache rendered output: %v", err)
		}
	}

	return out, nil
}

// Invalidate drops the local compiled entry so the next render reloads the
// template. Called after template upserts; the rendered cache needs no
// invalidation because its key carries the version.
func (e *Engine) Invalidate(templateID string, channel store.Channel, locale string) {
	e.mu.Lock()
	delete(e.compiled, localKey(templateID, channel, locale))
	e.mu.Unlock()
}

func (e *Engine) compiledFor(ctx context.Context, templateID string, channel store.Channel, locale string) (*compiledEntry, error) {
	key := localKey(templateID, channel, locale)

	e.mu.RLock()
	entry, ok := e.compiled[key]
	e.mu.RUnlock()
	if ok && time.Since(entry.loadedAt) < e.config.CompiledTTL {
		return entry, nil
	}

	tpl, err := e.source.GetTemplate(ctx, templateID, channel, locale, e.config.DefaultLocale)
	if err != nil {
		return nil, err
	}

	entry = &compiledEntry{
		version:  tpl.Version,
		html:     tpl.HTML,
		loadedAt: time.Now(),
	}
	entry.body, err = compile(tpl.Body)
	if err != nil {
		return nil, &RenderError{Cause: err}
	}
	if tpl.Subject != "" {
		entry.subject, err = compile(tpl.Subject)
		if err != nil {
			return nil, &RenderError{Cause: err}
		}
	}

	e.mu.Lock()
	e.compiled[key] = entry
	e.mu.Unlock()
	return entry, nil
}

func localKey(templateID string, channel store.Channel, locale string) string {
	return templateID + "|" + string(channel) + "|" + locale
}

// renderedCacheKey hashes the deterministic render inputs. Variables are
// sorted so map iteration order cannot change the key.
func renderedCacheKey(templateID string, version int, channel store.Channel, locale string, vars map[string]string) string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s", templateID, version, channel, locale)
	for _, name := range names {
		fmt.Fprintf(h, "|%s=%s", name, vars[name])
	}
	return "tpl:rendered:" + hex.EncodeToString(h.Sum(nil))
}

// escaperFor returns the channel-specific escape rule: HTML-escape for
// HTML email bodies, JSON string escaping for push payload fields, raw
// for SMS and in-app.
func escaperFor(channel store.Channel, htmlFlag bool) func(string) string {
	switch {
	case channel == store.ChannelEmail && htmlFlag:
		return html.EscapeString
	case channel == store.ChannelPush:
		return jsonEscape
	default:
		return func(s string) string { return s }
	}
}

func jsonEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// compiledTemplate is a parsed placeholder template. Literal text segments
// alternate with variable references.
type compiledTemplate struct {
	segments []segment
}

type segment struct {
	literal  string
	variable string
	optional bool
}

// compile parses {{name}} placeholders. A trailing '?' marks the variable
// optional: {{name?}} renders as empty when absent.
func compile(source string) (*compiledTemplate, error) {
	var segments []segment
	rest := source
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			if rest != "" {
				segments = append(segments, segment{literal: rest})
			}
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return nil, errors.New("unterminated placeholder")
		}
		end += start

		if start > 0 {
			segments = append(segments, segment{literal: rest[:start]})
		}

		name := strings.TrimSpace(rest[start+2 : end])
		optional := strings.HasSuffix(name, "?")
		if optional {
			name = strings.TrimSuffix(name, "?")
		}
		if name == "" {
			return nil, errors.New("empty placeholder name")
		}
		segments = append(segments, segment{variable: name, optional: optional})

		rest = rest[end+2:]
	}
	return &compiledTemplate{segments: segments}, nil
}

func (t *compiledTemplate) execute(vars map[string]string, esc func(string) string) (string, error) {
	var b strings.Builder
	for _, seg := range t.segments {
		if seg.variable == "" {
			b.WriteString(seg.literal)
			continue
		}
		value, ok := vars[seg.variable]
		if !ok {
			if seg.optional {
				continue
			}
			return "", &MissingVariableError{Name: seg.variable}
		}
		b.WriteString(esc(value))
	}
	return b.String(), nil
}
