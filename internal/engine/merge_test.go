package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s := NewSchema("test").
		Messages("messages").
		AppendStrings("execution_history", "error_messages").
		Bool("data_ready").
		Int("retry_count").
		String("next_action").
		Map("user_intent").
		Float("threshold")
	require.NoError(t, s.Err())
	return s
}

func TestSchema_DuplicateField_Conflict(t *testing.T) {
	s := NewSchema("dup").Bool("ready").Int("ready")
	require.Error(t, s.Err())
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(s.Err()))
}

func TestSchema_Normalize_FillsZeroValues(t *testing.T) {
	s := testSchema(t)
	st, err := s.Normalize(State{"retry_count": 2})
	require.NoError(t, err)

	assert.Equal(t, 2, st.Int("retry_count"))
	assert.False(t, st.Bool("data_ready"))
	assert.Empty(t, st.Strings("error_messages"))
	assert.Equal(t, "", st.String("next_action"))
}

func TestSchema_Normalize_UnknownField(t *testing.T) {
	s := testSchema(t)
	_, err := s.Normalize(State{"surprise": 1})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeMergeFailed, schema.ErrorCode(err))
}

func TestSchema_Apply_ReplaceAndAppend(t *testing.T) {
	s := testSchema(t)
	st, err := s.Normalize(State{})
	require.NoError(t, err)

	st, err = s.Apply(st, Update{Set: map[string]any{
		"data_ready":        true,
		"execution_history": []string{"fetched ohlcv"},
		"retry_count":       1,
	}})
	require.NoError(t, err)

	st, err = s.Apply(st, Update{Set: map[string]any{
		"execution_history": []string{"generated signal"},
		"retry_count":       2,
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{"fetched ohlcv", "generated signal"}, st.Strings("execution_history"))
	assert.Equal(t, 2, st.Int("retry_count"))
	assert.True(t, st.Bool("data_ready"))
}

func TestSchema_Apply_DoesNotMutateInput(t *testing.T) {
	s := testSchema(t)
	base, err := s.Normalize(State{})
	require.NoError(t, err)
	base, err = s.Apply(base, Update{Set: map[string]any{"execution_history": []string{"a"}}})
	require.NoError(t, err)

	next, err := s.Apply(base, Update{Set: map[string]any{
		"execution_history": []string{"b"},
		"data_ready":        true,
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, base.Strings("execution_history"))
	assert.False(t, base.Bool("data_ready"))
	assert.Equal(t, []string{"a", "b"}, next.Strings("execution_history"))
}

func TestSchema_Apply_NoAliasingBetweenStates(t *testing.T) {
	s := testSchema(t)
	base, err := s.Normalize(State{})
	require.NoError(t, err)
	base, err = s.Apply(base, Update{Set: map[string]any{"execution_history": []string{"a"}}})
	require.NoError(t, err)

	// Two divergent children of the same base must not share a backing array.
	c1, err := s.Apply(base, Update{Set: map[string]any{"execution_history": []string{"c1"}}})
	require.NoError(t, err)
	c2, err := s.Apply(base, Update{Set: map[string]any{"execution_history": []string{"c2"}}})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "c1"}, c1.Strings("execution_history"))
	assert.Equal(t, []string{"a", "c2"}, c2.Strings("execution_history"))
}

func TestSchema_Apply_ScalarWhereSequenceExpected(t *testing.T) {
	s := testSchema(t)
	st, err := s.Normalize(State{})
	require.NoError(t, err)

	_, err = s.Apply(st, Update{Set: map[string]any{"error_messages": "oops"}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeMergeFailed, schema.ErrorCode(err))
}

func TestSchema_Apply_UnknownField(t *testing.T) {
	s := testSchema(t)
	st, err := s.Normalize(State{})
	require.NoError(t, err)

	_, err = s.Apply(st, Update{Set: map[string]any{"unheard_of": 1}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeMergeFailed, schema.ErrorCode(err))
}

func TestSchema_Apply_TypeMismatch(t *testing.T) {
	s := testSchema(t)
	st, err := s.Normalize(State{})
	require.NoError(t, err)

	_, err = s.Apply(st, Update{Set: map[string]any{"data_ready": "yes"}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeMergeFailed, schema.ErrorCode(err))
}

func TestSchema_Apply_ClearResetsAppendField(t *testing.T) {
	s := testSchema(t)
	st, err := s.Normalize(State{})
	require.NoError(t, err)
	st, err = s.Apply(st, Update{Set: map[string]any{
		"error_messages": []string{"e1", "e2"},
		"retry_count":    2,
	}})
	require.NoError(t, err)

	st, err = s.Apply(st, Update{
		Clear: []string{"error_messages"},
		Set:   map[string]any{"retry_count": 0},
	})
	require.NoError(t, err)
	assert.Empty(t, st.Strings("error_messages"))
	assert.Equal(t, 0, st.Int("retry_count"))
}

func TestSchema_Apply_EmptyUpdateIsIdentity(t *testing.T) {
	s := testSchema(t)
	st, err := s.Normalize(State{
		"messages":          []schema.Message{schema.UserMessage("hi")},
		"execution_history": []string{"x"},
		"retry_count":       3,
		"data_ready":        true,
	})
	require.NoError(t, err)

	out, err := s.Apply(st, Update{})
	require.NoError(t, err)
	assert.True(t, s.Equal(st, out))
}

func TestSchema_Apply_MapIsReplacedWhole(t *testing.T) {
	s := testSchema(t)
	st, err := s.Normalize(State{"user_intent": map[string]any{"symbol": "600519.SH", "fast": 5}})
	require.NoError(t, err)

	st, err = s.Apply(st, Update{Set: map[string]any{"user_intent": map[string]any{"symbol": "000001.SZ"}}})
	require.NoError(t, err)

	// Replace-whole-value, no deep merge.
	assert.Equal(t, map[string]any{"symbol": "000001.SZ"}, st.Map("user_intent"))
}

func TestSchema_EncodeDecodeState_RoundTrip(t *testing.T) {
	s := testSchema(t)
	st, err := s.Normalize(State{
		"messages":          []schema.Message{schema.UserMessage("analyze 600519"), schema.AssistantMessage("ok")},
		"execution_history": []string{"fetched"},
		"retry_count":       2,
		"data_ready":        true,
		"threshold":         0.5,
		"user_intent":       map[string]any{"symbol": "600519.SH"},
	})
	require.NoError(t, err)

	raw, err := s.EncodeState(st)
	require.NoError(t, err)
	back, err := s.DecodeState(raw)
	require.NoError(t, err)

	assert.Equal(t, st.Messages("messages"), back.Messages("messages"))
	assert.Equal(t, st.Strings("execution_history"), back.Strings("execution_history"))
	assert.Equal(t, 2, back.Int("retry_count"))
	assert.True(t, back.Bool("data_ready"))
	assert.Equal(t, 0.5, back["threshold"])
}

// Property: an empty update leaves every field unchanged.
func TestProperty_EmptyUpdateIdempotent(t *testing.T) {
	s := NewSchema("prop").AppendStrings("history").Bool("ready").Int("count").String("action")
	require.NoError(t, s.Err())

	rapid.Check(t, func(t *rapid.T) {
		st, err := s.Normalize(State{
			"history": rapid.SliceOfN(rapid.String(), 0, 8).Draw(t, "history"),
			"ready":   rapid.Bool().Draw(t, "ready"),
			"count":   rapid.IntRange(0, 10).Draw(t, "count"),
			"action":  rapid.String().Draw(t, "action"),
		})
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		out, err := s.Apply(st, Update{})
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if !s.Equal(st, out) {
			t.Fatalf("empty update changed state: %v != %v", st, out)
		}
	})
}

// Property: N applies each appending one new entry yield exactly N
// entries in execution order, never fewer and never duplicated.
func TestProperty_AppendOnlyHistory(t *testing.T) {
	s := NewSchema("prop").AppendStrings("history")
	require.NoError(t, s.Err())

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 50).Draw(t, "n")
		st, err := s.Normalize(State{})
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		for i := 0; i < n; i++ {
			st, err = s.Apply(st, Update{Set: map[string]any{"history": []string{fmt.Sprintf("entry-%d", i)}}})
			if err != nil {
				t.Fatalf("apply %d: %v", i, err)
			}
		}
		got := st.Strings("history")
		if len(got) != n {
			t.Fatalf("history has %d entries, want %d", len(got), n)
		}
		for i, e := range got {
			if e != fmt.Sprintf("entry-%d", i) {
				t.Fatalf("entry %d is %q, out of order", i, e)
			}
		}
	})
}
