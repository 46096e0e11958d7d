package aiconnectors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convohub/internal/contextbuilder"
	"github.com/convohub/internal/diff"
	"github.com/convohub/internal/extraction"
	"github.com/convohub/internal/history"
	"github.com/convohub/internal/llm"
)

type fakeGenerator struct {
	prompts []string
	text    string
	json    string
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.text, nil
}

func (f *fakeGenerator) GenerateStructured(ctx context.Context, prompt string, target any) error {
	f.prompts = append(f.prompts, prompt)
	_, err := llm.DecodeJSON(f.json, target)
	return err
}

func msg(role history.Role, text string) *history.Message {
	return &history.Message{ID: text, Role: role, Content: map[string]any{"text": text}}
}

func TestAssistant_Generate(t *testing.T) {
	gen := &fakeGenerator{text: "  Sure thing.  "}
	c := &contextbuilder.Context{System: "sys", Messages: []*history.Message{msg(history.RoleUser, "hi")}}

	reply, err := NewAssistant(gen).Generate(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "Sure thing.", reply)
	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "user: hi")
}

func TestAssistant_Extract(t *testing.T) {
	gen := &fakeGenerator{json: "```json\n" + `{"summary": "Ana likes tea", "facts": [{"key": "user.name", "value": "Ana", "memory_type": "fact", "confidence": 0.9}]}` + "\n```"}
	res, err := NewAssistant(gen).Extract(context.Background(), extraction.Input{
		PreviousSummary: "Ana said hello",
		NewMessages:     []*history.Message{msg(history.RoleUser, "My name is Ana and I like tea")},
	})
	require.NoError(t, err)
	assert.Equal(t, "Ana likes tea", res.Summary)
	require.Len(t, res.Facts, 1)
	assert.Equal(t, history.FactInput{Key: "user.name", Value: "Ana", Type: history.MemoryFactType, Confidence: 0.9}, res.Facts[0])
	assert.Contains(t, gen.prompts[0], "Current summary:\nAna said hello")
}

func TestAssistant_ResolvePromptNamesConflicts(t *testing.T) {
	left := &history.MemoryFact{Key: "tone", Value: "casual", Type: history.MemoryPreference}
	right := &history.MemoryFact{Key: "tone", Value: "formal", Type: history.MemoryPreference}
	d := &diff.Result{
		Left:   &diff.View{Facts: map[string]*history.MemoryFact{"tone": left}},
		Right:  &diff.View{Facts: map[string]*history.MemoryFact{"tone": right}},
		Memory: &diff.MemoryDiff{Conflicts: []diff.FactChange{{Key: "tone", Left: left, Right: right}}},
	}
	gen := &fakeGenerator{json: `{"summary": "merged", "facts": [{"key": "tone", "value": "casual"}], "notes": [{"kind": "memory", "key": "tone", "resolution": "source is newer"}]}`}

	res, err := NewAssistant(gen).Resolve(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "merged", res.Summary)
	assert.Equal(t, "casual", res.Facts[0].Value)
	assert.Equal(t, "source is newer", res.Notes[0].Resolution)
	assert.Contains(t, gen.prompts[0], `- tone: source="casual" target="formal"`)
	assert.Contains(t, gen.prompts[0], "TARGET summary:\n(none)")
}

func TestEchoReplyGenerator(t *testing.T) {
	c := &contextbuilder.Context{Messages: []*history.Message{msg(history.RoleUser, "ping")}}
	reply, err := EchoReplyGenerator{}.Generate(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "You said: ping", reply)
}

func TestFetchOllamaModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"models": [{"name": "llama3", "size": 42}]}`))
	}))
	defer srv.Close()

	models, err := FetchOllamaModels(context.Background(), srv.URL, "tok")
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "llama3", models[0].Name)
}

func TestValidateKeyHandler_RequiresProvider(t *testing.T) {
	e := echo.New()
	RegisterHandlers(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ai/validate-key", strings.NewReader(`{"api_key": "x"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body ValidateAPIKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Valid)
}
