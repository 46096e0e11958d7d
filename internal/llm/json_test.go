package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convohub/internal/retry"
)

func TestRepairJSON_ValidUnchanged(t *testing.T) {
	in := `{"summary": "ok", "facts": []}`
	out, stats, err := RepairJSON(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.False(t, stats.WasRepaired)
}

func TestRepairJSON_TrailingCommas(t *testing.T) {
	out, stats, err := RepairJSON(`{"facts": [{"key": "tone", "value": "formal",}],}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"facts": [{"key": "tone", "value": "formal"}]}`, out)
	assert.True(t, stats.WasRepaired)
	assert.Contains(t, stats.RepairStrategies, "trailing_commas")
}

func TestRepairJSON_Truncated(t *testing.T) {
	out, _, err := RepairJSON(`{"summary": "user likes tea", "facts": [{"key": "drink"`)
	require.NoError(t, err)
	assert.Contains(t, out, `"summary"`)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"fenced", "Here you go:\n```json\n{\"a\":1}\n```\nDone.", `{"a":1}`},
		{"prose", `The answer is {"a":"}"} as requested`, `{"a":"}"}`},
		{"none", `no json at all`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.in))
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var out struct {
		Summary string `json:"summary"`
	}
	_, err := DecodeJSON("```\n{'summary': 'hello',}\n```", &out)
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Summary)

	_, err = DecodeJSON("nothing here", &out)
	assert.Error(t, err)
}

type scriptedModel struct {
	replies []string
	errs    []error
	calls   int
}

func (m *scriptedModel) Call(ctx context.Context, prompt string) (string, error) {
	i := m.calls
	m.calls++
	var err error
	if i < len(m.errs) {
		err = m.errs[i]
	}
	if err != nil {
		return "", err
	}
	if i < len(m.replies) {
		return m.replies[i], nil
	}
	return m.replies[len(m.replies)-1], nil
}

func quickRetry() retry.RetryConfig {
	return retry.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestResilientClient_RetriesTransientErrors(t *testing.T) {
	m := &scriptedModel{
		errs:    []error{errors.New("503 service unavailable"), nil},
		replies: []string{"", "hi"},
	}
	out, err := NewResilientClient(m, quickRetry(), time.Second).Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
	assert.Equal(t, 2, m.calls)
}

func TestResilientClient_PermanentErrorNotRetried(t *testing.T) {
	m := &scriptedModel{errs: []error{errors.New("invalid api key")}, replies: []string{""}}
	_, err := NewResilientClient(m, quickRetry(), 0).Generate(context.Background(), "p")
	require.Error(t, err)
	assert.Equal(t, 1, m.calls)
}

func TestResilientClient_StructuredRetriesBadJSON(t *testing.T) {
	m := &scriptedModel{replies: []string{"sorry, I cannot", `{"value": 3}`}}
	var out struct {
		Value int `json:"value"`
	}
	err := NewResilientClient(m, quickRetry(), time.Second).GenerateStructured(context.Background(), "p", &out)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Value)
	assert.Equal(t, 2, m.calls)
}
