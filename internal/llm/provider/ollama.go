package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	ollamaDefaultBaseURL = "http://localhost:11434"
	ollamaDefaultModel   = "llama3.1"
)

func init() {
	RegisterFactory("ollama", func(config map[string]any) (Provider, error) {
		baseURL := ""
		if url, ok := config["base_url"].(string); ok {
			baseURL = url
		}
		if baseURL == "" {
			baseURL = os.Getenv("OLLAMA_HOST")
		}
		return NewOllamaProvider(baseURL), nil
	})
}

// OllamaProvider implements Provider against a local Ollama server's
// /api/chat endpoint. No API key is required; the base URL defaults to
// the standard local install and can be overridden with base_url in the
// provider config or the OLLAMA_HOST environment variable.
type OllamaProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaProvider creates a new Ollama provider. An empty baseURL
// targets the default local server.
func NewOllamaProvider(baseURL string) *OllamaProvider {
	if baseURL == "" {
		baseURL = ollamaDefaultBaseURL
	}
	return &OllamaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			// Local models can be slow to load on first use.
			Timeout: 5 * time.Minute,
		},
	}
}

// Name returns the provider name
func (p *OllamaProvider) Name() string {
	return "ollama"
}

// ollamaChatRequest is the JSON body for POST /api/chat.
type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// ollamaChatResponse is the non-streaming response from POST /api/chat.
type ollamaChatResponse struct {
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
}

// CreateCompletion creates a completion
func (p *OllamaProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = ollamaDefaultModel
	}

	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)

	options := make(map[string]any)
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if len(options) == 0 {
		options = nil
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options:  options,
	})
	if err != nil {
		return nil, NewProviderError("ollama", ErrorCodeInvalidRequest, fmt.Sprintf("marshal request: %v", err), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError("ollama", ErrorCodeInvalidRequest, fmt.Sprintf("create request: %v", err), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, NewProviderError("ollama", ErrorCodeTimeout, err.Error(), err)
		}
		return nil, NewProviderError("ollama", ErrorCodeServerError, fmt.Sprintf("send request: %v", err), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp)
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, NewProviderError("ollama", ErrorCodeUnknown, fmt.Sprintf("decode response: %v", err), err)
	}

	finish := chatResp.DoneReason
	if finish == "" {
		finish = "stop"
	}

	return &CompletionResponse{
		Content:      chatResp.Message.Content,
		FinishReason: finish,
		Usage: Usage{
			PromptTokens:     chatResp.PromptEvalCount,
			CompletionTokens: chatResp.EvalCount,
			TotalTokens:      chatResp.PromptEvalCount + chatResp.EvalCount,
		},
		Raw: &chatResp,
	}, nil
}

// statusError maps a non-200 Ollama response to a ProviderError. Ollama
// reports errors as {"error": "..."} with a conventional status code.
func (p *OllamaProvider) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	message := strings.TrimSpace(string(body))
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		message = apiErr.Error
	}

	code := ErrorCodeUnknown
	switch {
	case resp.StatusCode == http.StatusNotFound:
		code = ErrorCodeModelNotFound
	case resp.StatusCode == http.StatusBadRequest:
		code = ErrorCodeInvalidRequest
	case resp.StatusCode == http.StatusTooManyRequests:
		code = ErrorCodeRateLimit
	case resp.StatusCode >= 500:
		code = ErrorCodeServerError
	}

	return &ProviderError{
		Provider:    "ollama",
		Code:        code,
		Message:     message,
		StatusCode:  resp.StatusCode,
		IsRetryable: isRetryableError(code),
	}
}
