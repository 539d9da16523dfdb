package template

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivehub/notify/internal/store"
)

type fakeSource struct {
	templates map[string]*store.Template
	loads     int
}

func (f *fakeSource) GetTemplate(_ context.Context, id string, channel store.Channel, locale, defaultLocale string) (*store.Template, error) {
	f.loads++
	if tpl, ok := f.templates[id+"|"+string(channel)+"|"+locale]; ok {
		return tpl, nil
	}
	if tpl, ok := f.templates[id+"|"+string(channel)+"|"+defaultLocale]; ok {
		return tpl, nil
	}
	return nil, store.ErrTemplateNotFound
}

func newFakeSource(templates ...*store.Template) *fakeSource {
	src := &fakeSource{templates: make(map[string]*store.Template)}
	for _, tpl := range templates {
		src.templates[tpl.ID+"|"+string(tpl.Channel)+"|"+tpl.Locale] = tpl
	}
	return src
}

func TestRender(t *testing.T) {
	src := newFakeSource(&store.Template{
		ID: "welcome", Channel: store.ChannelEmail, Locale: "en",
		Subject: "Hi {{name}}", Body: "Welcome, {{name}}!", Version: 1,
	})
	engine := NewEngine(src, nil, DefaultConfig())

	out, err := engine.Render(context.Background(), "welcome", store.ChannelEmail, "en",
		map[string]string{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada", out.Subject)
	assert.Equal(t, "Welcome, Ada!", out.Body)
}

func TestRenderLocaleFallback(t *testing.T) {
	src := newFakeSource(&store.Template{
		ID: "welcome", Channel: store.ChannelInApp, Locale: "en",
		Body: "Welcome, {{name}}!", Version: 1,
	})
	engine := NewEngine(src, nil, DefaultConfig())

	out, err := engine.Render(context.Background(), "welcome", store.ChannelInApp, "fr",
		map[string]string{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Welcome, Ada!", out.Body)
}

func TestRenderMissingVariable(t *testing.T) {
	src := newFakeSource(&store.Template{
		ID: "welcome", Channel: store.ChannelInApp, Locale: "en",
		Body: "Welcome, {{name}}!", Version: 1,
	})
	engine := NewEngine(src, nil, DefaultConfig())

	_, err := engine.Render(context.Background(), "welcome", store.ChannelInApp, "en", nil)
	var missing *MissingVariableError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "name", missing.Name)
}

func TestRenderOptionalVariable(t *testing.T) {
	src := newFakeSource(&store.Template{
		ID: "greet", Channel: store.ChannelInApp, Locale: "en",
		Body: "Hello{{ suffix? }}", Version: 1,
	})
	engine := NewEngine(src, nil, DefaultConfig())
	ctx := context.Background()

	out, err := engine.Render(ctx, "greet", store.ChannelInApp, "en", nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello", out.Body)

	out, err = engine.Render(ctx, "greet", store.ChannelInApp, "en", map[string]string{"suffix": ", Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, Ada", out.Body)
}

func TestRenderTemplateNotFound(t *testing.T) {
	engine := NewEngine(newFakeSource(), nil, DefaultConfig())

	_, err := engine.Render(context.Background(), "absent", store.ChannelInApp, "en", nil)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestRenderHTMLEscaping(t *testing.T) {
	src := newFakeSource(&store.Template{
		ID: "alert", Channel: store.ChannelEmail, Locale: "en",
		Body: "<p>{{msg}}</p>", HTML: true, Version: 1,
	})
	engine := NewEngine(src, nil, DefaultConfig())

	out, err := engine.Render(context.Background(), "alert", store.ChannelEmail, "en",
		map[string]string{"msg": `<script>alert("x")</script>`})
	require.NoError(t, err)
	assert.Equal(t, "<p>&lt;script&gt;alert(&#34;x&#34;)&lt;/script&gt;</p>", out.Body)
}

func TestRenderJSONEscapingForPush(t *testing.T) {
	src := newFakeSource(&store.Template{
		ID: "ping", Channel: store.ChannelPush, Locale: "en",
		Body: "{{msg}}", Version: 1,
	})
	engine := NewEngine(src, nil, DefaultConfig())

	out, err := engine.Render(context.Background(), "ping", store.ChannelPush, "en",
		map[string]string{"msg": "line1\nsaid \"hi\""})
	require.NoError(t, err)
	assert.Equal(t, `line1\nsaid \"hi\"`, out.Body)
}

func TestCompiledCacheReused(t *testing.T) {
	src := newFakeSource(&store.Template{
		ID: "welcome", Channel: store.ChannelInApp, Locale: "en",
		Body: "Hi {{name}}", Version: 1,
	})
	engine := NewEngine(src, nil, DefaultConfig())
	ctx := context.Background()

	_, err := engine.Render(ctx, "welcome", store.ChannelInApp, "en", map[string]string{"name": "a"})
	require.NoError(t, err)
	_, err = engine.Render(ctx, "welcome", store.ChannelInApp, "en", map[string]string{"name": "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, src.loads)

	engine.Invalidate("welcome", store.ChannelInApp, "en")
	_, err = engine.Render(ctx, "welcome", store.ChannelInApp, "en", map[string]string{"name": "c"})
	require.NoError(t, err)
	assert.Equal(t, 2, src.loads)
}

func TestRenderedCacheKeyDeterministic(t *testing.T) {
	a := renderedCacheKey("welcome", 2, store.ChannelEmail, "en",
		map[string]string{"x": "1", "y": "2", "z": "3"})
	b := renderedCacheKey("welcome", 2, store.ChannelEmail, "en",
		map[string]string{"z": "3", "y": "2", "x": "1"})
	assert.Equal(t, a, b)

	c := renderedCacheKey("welcome", 3, store.ChannelEmail, "en",
		map[string]string{"x": "1", "y": "2", "z": "3"})
	assert.NotEqual(t, a, c)
}

func TestCompileErrors(t *testing.T) {
	_, err := compile("broken {{name")
	assert.EqualError(t, err, "unterminated placeholder")

	_, err = compile("empty {{}}")
	assert.EqualError(t, err, "empty placeholder name")
}
