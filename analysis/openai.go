// Package analysis asks an OpenAI-compatible model for a structured document
// summary and enforces the summary contract on the answer.
package analysis

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/c360/docrelay/document"
	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/pkg/retry"
)

// Request is one document to summarize
type Request struct {
	DocumentID int64
	Filename   string
	Text       string
}

// Analyzer produces a Summary for extracted document text. The returned
// Summary carries DocumentID and Model; CreatedAt is left to the caller.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*document.Summary, error)
}

// AnalyzerFunc adapts a function to Analyzer
type AnalyzerFunc func(ctx context.Context, req Request) (*document.Summary, error)

// Analyze implements Analyzer
func (f AnalyzerFunc) Analyze(ctx context.Context, req Request) (*document.Summary, error) {
	return f(ctx, req)
}

// Config configures the OpenAI-compatible client
type Config struct {
	// BaseURL of the API, for example "https://api.openai.com/v1" or a
	// local server such as "http://localhost:8080/v1".
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration

	// RequestsPerMinute limits outbound calls. Zero disables limiting.
	RequestsPerMinute int

	// MaxInputChars bounds the document text sent to the model.
	MaxInputChars int
}

// DefaultConfig returns the defaults used by the service
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://api.openai.com/v1",
		Model:             "gpt-4o-mini",
		Temperature:       0.3,
		MaxTokens:         4096,
		Timeout:           120 * time.Second,
		RequestsPerMinute: 30,
		MaxInputChars:     50000,
	}
}

// OpenAIAnalyzer implements Analyzer over the chat completions API in JSON mode
type OpenAIAnalyzer struct {
	client  *openai.Client
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewOpenAIAnalyzer creates an analyzer. Local servers usually accept any
// API key, so an empty key is allowed.
func NewOpenAIAnalyzer(cfg Config, logger *slog.Logger) (*OpenAIAnalyzer, error) {
	if cfg.BaseURL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "analysis", "NewOpenAIAnalyzer", "base URL is required")
	}
	if cfg.Model == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "analysis", "NewOpenAIAnalyzer", "model is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "not-needed"
	}
	oc := openai.DefaultConfig(apiKey)
	oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	a := &OpenAIAnalyzer{
		client: openai.NewClientWithConfig(oc),
		cfg:    cfg,
		logger: logger.With("component", "analysis"),
	}
	if cfg.RequestsPerMinute > 0 {
		a.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return a, nil
}

// Analyze sends the document text and validates the answer.
func (a *OpenAIAnalyzer) Analyze(ctx context.Context, req Request) (*document.Summary, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, retry.NonRetryable(
			errors.WrapInvalid(errors.ErrInvalidData, "analysis", "Analyze", "document text is empty"))
	}

	text, truncated := Truncate(req.Text, a.cfg.MaxInputChars)
	if truncated {
		a.logger.Info("Document text truncated for analysis",
			"document_id", req.DocumentID, "limit", a.cfg.MaxInputChars)
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, &errors.AnalysisTransportError{
				Err: fmt.Errorf("%w: %v", errors.ErrRateLimited, err),
			}
		}
	}

	start := time.Now()
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.cfg.Model,
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(req.Filename, text)},
		},
	})
	if err != nil {
		return nil, classify(err)
	}

	if len(resp.Choices) == 0 {
		return nil, &errors.AnalysisFormatError{Err: fmt.Errorf("no choices in response: %w", errors.ErrInvalidData)}
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonLength {
		return nil, &errors.AnalysisFormatError{
			Err: fmt.Errorf("response cut off at max tokens: %w", errors.ErrParsingFailed),
		}
	}

	out, err := ParseOutput(choice.Message.Content)
	if err != nil {
		a.logger.Warn("Model returned malformed summary",
			"document_id", req.DocumentID, "error", err)
		return nil, err
	}

	model := resp.Model
	if model == "" {
		model = a.cfg.Model
	}
	a.logger.Debug("Document analyzed",
		"document_id", req.DocumentID,
		"model", model,
		"duration", time.Since(start),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	return &document.Summary{
		DocumentID:       req.DocumentID,
		Title:            out.Title,
		ExecutiveSummary: out.ExecutiveSummary,
		KeyPoints:        out.KeyPoints,
		ImportantFacts:   out.ImportantFacts,
		Insights:         out.Insights,
		TLDR:             out.TLDR,
		Model:            model,
	}, nil
}

// classify maps client errors to AnalysisTransportError. Requests the API
// rejects outright are not worth retrying.
func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case stderrors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case stderrors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	te := &errors.AnalysisTransportError{StatusCode: status, Err: err}
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return retry.NonRetryable(te)
	case http.StatusTooManyRequests:
		te.Err = fmt.Errorf("%w: %v", errors.ErrRateLimited, err)
	}
	return te
}
