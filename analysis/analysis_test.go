package analysis

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/pkg/retry"
)

const validSummary = `{
  "title": "Master Services Agreement",
  "executiveSummary": "A two year services agreement between Acme and Globex.",
  "keyPoints": ["24 month term", "Monthly invoicing"],
  "importantFacts": ["Fee: 1,200 EUR per month"],
  "insights": "Renewal terms favour the supplier.",
  "tldr": "Two year services deal at 1,200 EUR monthly."
}`

func TestParseOutput_Valid(t *testing.T) {
	out, err := ParseOutput(validSummary)
	require.NoError(t, err)
	assert.Equal(t, "Master Services Agreement", out.Title)
	assert.Len(t, out.KeyPoints, 2)

	fenced, err := ParseOutput("```json\n" + validSummary + "\n```")
	require.NoError(t, err)
	assert.Equal(t, out, fenced)

	// only the fence is forgiven
	_, err = ParseOutput("Here is the summary:\n```json\n" + validSummary + "\n```")
	var fe *errors.AnalysisFormatError
	assert.True(t, stderrors.As(err, &fe), "got %T: %v", err, err)
}

func TestParseOutput_Strictness(t *testing.T) {
	mutate := func(fn func(m map[string]any)) string {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(validSummary), &m))
		fn(m)
		b, err := json.Marshal(m)
		require.NoError(t, err)
		return string(b)
	}

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "Here is your summary: great document"},
		{"empty", "   "},
		{"missing field", mutate(func(m map[string]any) { delete(m, "insights") })},
		{"extra field", mutate(func(m map[string]any) { m["sentiment"] = "positive" })},
		{"empty key points", mutate(func(m map[string]any) { m["keyPoints"] = []string{} })},
		{"blank fact", mutate(func(m map[string]any) { m["importantFacts"] = []string{"  "} })},
		{"title too long", mutate(func(m map[string]any) { m["title"] = strings.Repeat("t", MaxTitleLength+1) })},
		{"tldr too long", mutate(func(m map[string]any) { m["tldr"] = strings.Repeat("x", MaxTLDRLength+1) })},
		{"wrong type", mutate(func(m map[string]any) { m["keyPoints"] = "one point" })},
		{"array root", "[" + validSummary + "]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOutput(tt.raw)
			require.Error(t, err)
			var fe *errors.AnalysisFormatError
			assert.True(t, stderrors.As(err, &fe), "got %T: %v", err, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestTruncate(t *testing.T) {
	text, cut := Truncate("short", 10)
	assert.False(t, cut)
	assert.Equal(t, "short", text)

	text, cut = Truncate("ééééé", 3)
	assert.True(t, cut)
	assert.Equal(t, "ééé"+TruncationMarker, text)

	text, cut = Truncate(strings.Repeat("a", 100), 0)
	assert.False(t, cut)
	assert.Equal(t, 100, utf8.RuneCountInString(text))
}

type fakeModel struct {
	mu       sync.Mutex
	status   int
	content  string
	finish   string
	requests []openai.ChatCompletionRequest
}

func (f *fakeModel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/chat/completions" {
		http.NotFound(w, r)
		return
	}
	var req openai.ChatCompletionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	status, content, finish := f.status, f.content, f.finish
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 && status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream says no","type":"server_error"}}`))
		return
	}
	if finish == "" {
		finish = "stop"
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test-model-0613",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": finish,
		}},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
	})
}

func (f *fakeModel) lastRequest(t *testing.T) openai.ChatCompletionRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func newTestAnalyzer(t *testing.T, model *fakeModel, maxChars int) *OpenAIAnalyzer {
	t.Helper()
	srv := httptest.NewServer(model)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL + "/v1"
	cfg.Model = "test-model"
	cfg.RequestsPerMinute = 0
	cfg.MaxInputChars = maxChars
	a, err := NewOpenAIAnalyzer(cfg, nil)
	require.NoError(t, err)
	return a
}

func TestOpenAIAnalyzer_Success(t *testing.T) {
	model := &fakeModel{content: validSummary}
	a := newTestAnalyzer(t, model, 50000)

	s, err := a.Analyze(context.Background(), Request{DocumentID: 7, Filename: "msa.pdf", Text: "The agreement text."})
	require.NoError(t, err)
	assert.Equal(t, int64(7), s.DocumentID)
	assert.Equal(t, "Master Services Agreement", s.Title)
	assert.Equal(t, "test-model-0613", s.Model)

	req := model.lastRequest(t)
	assert.Equal(t, "test-model", req.Model)
	assert.InDelta(t, 0.3, req.Temperature, 0.0001)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, req.ResponseFormat.Type)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, "Analyze this document titled \"msa.pdf\":\n\nThe agreement text.", req.Messages[1].Content)
}

func TestOpenAIAnalyzer_TruncatesInput(t *testing.T) {
	model := &fakeModel{content: validSummary}
	a := newTestAnalyzer(t, model, 10)

	_, err := a.Analyze(context.Background(), Request{DocumentID: 1, Filename: "long.txt", Text: strings.Repeat("word ", 50)})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(model.lastRequest(t).Messages[1].Content, TruncationMarker))
}

func TestOpenAIAnalyzer_MalformedOutput(t *testing.T) {
	model := &fakeModel{content: `{"title": "Only a title"}`}
	a := newTestAnalyzer(t, model, 50000)

	_, err := a.Analyze(context.Background(), Request{DocumentID: 1, Filename: "a.txt", Text: "body"})
	var fe *errors.AnalysisFormatError
	require.True(t, stderrors.As(err, &fe))
	assert.NotEmpty(t, fe.Problems)
	assert.False(t, retry.IsNonRetryable(err))
}

func TestOpenAIAnalyzer_CutOffOutput(t *testing.T) {
	model := &fakeModel{content: `{"title": "Cut`, finish: "length"}
	a := newTestAnalyzer(t, model, 50000)

	_, err := a.Analyze(context.Background(), Request{DocumentID: 1, Filename: "a.txt", Text: "body"})
	var fe *errors.AnalysisFormatError
	assert.True(t, stderrors.As(err, &fe))
}

func TestOpenAIAnalyzer_TransportErrors(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		nonRetryable bool
		rateLimited  bool
	}{
		{"server error", http.StatusInternalServerError, false, false},
		{"rate limited", http.StatusTooManyRequests, false, true},
		{"unauthorized", http.StatusUnauthorized, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAnalyzer(t, &fakeModel{status: tt.status}, 50000)
			_, err := a.Analyze(context.Background(), Request{DocumentID: 1, Filename: "a.txt", Text: "body"})

			var te *errors.AnalysisTransportError
			require.True(t, stderrors.As(err, &te), "got %T: %v", err, err)
			assert.Equal(t, tt.status, te.StatusCode)
			assert.Equal(t, tt.nonRetryable, retry.IsNonRetryable(err))
			assert.Equal(t, tt.rateLimited, stderrors.Is(err, errors.ErrRateLimited))
			assert.True(t, errors.IsTransient(err))
		})
	}
}

func TestOpenAIAnalyzer_EmptyText(t *testing.T) {
	a := newTestAnalyzer(t, &fakeModel{content: validSummary}, 50000)
	_, err := a.Analyze(context.Background(), Request{DocumentID: 1, Filename: "a.txt", Text: " \n "})
	require.Error(t, err)
	assert.True(t, retry.IsNonRetryable(err))
}

func TestNewOpenAIAnalyzer_Validation(t *testing.T) {
	_, err := NewOpenAIAnalyzer(Config{Model: "m"}, nil)
	assert.True(t, errors.IsInvalid(err))
	_, err = NewOpenAIAnalyzer(Config{BaseURL: "http://localhost"}, nil)
	assert.True(t, errors.IsInvalid(err))
}
