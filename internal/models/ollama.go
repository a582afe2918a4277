package models

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	einoollama "github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino/components/model"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaConfig configures the default summarization transport.
type OllamaConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
	// NumCtx is forwarded to the server so the model-level context matches
	// the limit the orchestrator computed.
	NumCtx      int
	NumPredict  int
	Temperature float32
}

// NewOllama creates the Ollama ChatModel used by the summarization service
// when the embedding client does not supply its own transport.
func NewOllama(ctx context.Context, cfg OllamaConfig) (model.BaseChatModel, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	opts := &einoollama.Options{}
	if cfg.NumCtx > 0 {
		opts.NumCtx = cfg.NumCtx
	}
	if cfg.NumPredict > 0 {
		opts.NumPredict = cfg.NumPredict
	}
	if cfg.Temperature > 0 {
		opts.Temperature = cfg.Temperature
	}

	modelConfig := &einoollama.ChatModelConfig{
		BaseURL: baseURL,
		Model:   cfg.Model,
		Timeout: timeout,
		Options: opts,
	}

	// Inject a validating transport to detect non-JSON responses (e.g.
	// a reverse proxy answering "no available server" in plain text).
	modelConfig.HTTPClient = &http.Client{
		Timeout:   timeout,
		Transport: &ollamaTransport{inner: http.DefaultTransport},
	}

	return einoollama.NewChatModel(ctx, modelConfig)
}

// ErrModelUnavailable reports a transport-level failure from the model
// backend.
type ErrModelUnavailable struct {
	Body  string
	Cause error
}

func (e *ErrModelUnavailable) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ollama unavailable: %v", e.Cause)
	}
	return fmt.Sprintf("ollama unavailable: %s", e.Body)
}

func (e *ErrModelUnavailable) Unwrap() error { return e.Cause }

// ollamaTransport wraps an http.RoundTripper to detect non-JSON error
// responses from Ollama backends.
type ollamaTransport struct {
	inner http.RoundTripper
}

func (t *ollamaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		return nil, &ErrModelUnavailable{Cause: err}
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &ErrModelUnavailable{Body: strings.TrimSpace(string(body))}
	}

	// Ollama sends application/x-ndjson for streaming, application/json
	// otherwise. A plain-text content type means a proxy answered instead.
	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "json") && !strings.Contains(ct, "ndjson") {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &ErrModelUnavailable{Body: strings.TrimSpace(string(body))}
	}

	return resp, nil
}
