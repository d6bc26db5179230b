package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"time"
)

const (
	anthropicBaseURL      = "https://api.anthropic.com/v1"
	anthropicVersion      = "2023-06-01"
	anthropicMaxRetries   = 3
	anthropicDefaultModel = "claude-sonnet-4-5"
)

func init() {
	RegisterFactory("anthropic", func(config map[string]any) (Provider, error) {
		apiKey := ""
		if key, ok := config["api_key"].(string); ok {
			apiKey = key
		}
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}

		baseURL := anthropicBaseURL
		if url, ok := config["base_url"].(string); ok && url != "" {
			baseURL = url
		}

		return NewAnthropicProvider(apiKey, baseURL), nil
	})
}

// AnthropicProvider implements Provider for the Anthropic API. It also
// implements BatchProvider via the Message Batches endpoints, which is the
// preferred path for research fan-out.
type AnthropicProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *anthropicAPIError `json:"error,omitempty"`
}

type anthropicAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// CreateCompletion creates a completion
func (p *AnthropicProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	anthropicReq := p.buildRequest(req)

	var resp anthropicResponse
	if err := p.doRequestWithRetry(ctx, http.MethodPost, "/messages", anthropicReq, &resp); err != nil {
		return nil, err
	}

	return p.parseResponse(&resp)
}

func (p *AnthropicProvider) buildRequest(req CompletionRequest) anthropicRequest {
	system := req.System
	messages := make([]anthropicMessage, 0, len(req.Messages))

	for _, m := range req.Messages {
		if m.Role == "system" {
			if system == "" {
				system = m.Content
			} else {
				system += "\n\n" + m.Content
			}
			continue
		}
		messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	model := req.Model
	if model == "" {
		model = anthropicDefaultModel
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return anthropicRequest{
		Model:       model,
		Messages:    messages,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
}

func (p *AnthropicProvider) doRequestWithRetry(ctx context.Context, method, endpoint string, reqBody any, result any) error {
	var body []byte
	if reqBody != nil {
		var err error
		body, err = json.Marshal(reqBody)
		if err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt < anthropicMaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, p.baseURL+endpoint, reader)
		if err != nil {
			return err
		}
		p.setHeaders(req)

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = NewProviderError("anthropic", ErrorCodeTimeout, err.Error(), err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = p.handleErrorResponse(resp)
			_ = resp.Body.Close()
			continue
		}

		if resp.StatusCode != http.StatusOK {
			err := p.handleErrorResponse(resp)
			_ = resp.Body.Close()
			return err
		}

		err = json.NewDecoder(resp.Body).Decode(result)
		_ = resp.Body.Close()
		return err
	}

	return lastErr
}

func (p *AnthropicProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
}

func (p *AnthropicProvider) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp anthropicResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil {
		code := ErrorCodeUnknown
		switch resp.StatusCode {
		case 401:
			code = ErrorCodeAuthentication
		case 429:
			code = ErrorCodeRateLimit
		case 400:
			code = ErrorCodeInvalidRequest
		case 404:
			code = ErrorCodeModelNotFound
		default:
			if resp.StatusCode >= 500 {
				code = ErrorCodeServerError
			}
		}
		return &ProviderError{
			Provider:    "anthropic",
			Code:        code,
			Message:     errResp.Error.Message,
			Type:        errResp.Error.Type,
			StatusCode:  resp.StatusCode,
			IsRetryable: code == ErrorCodeRateLimit || code == ErrorCodeServerError,
		}
	}

	return NewProviderError("anthropic", ErrorCodeUnknown, string(body), nil)
}

func (p *AnthropicProvider) parseResponse(resp *anthropicResponse) (*CompletionResponse, error) {
	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	finishReason := resp.StopReason
	if finishReason == "end_turn" {
		finishReason = "stop"
	}

	return &CompletionResponse{
		Content:      content,
		FinishReason: finishReason,
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Raw: resp,
	}, nil
}

// Message Batches API

type anthropicBatchItem struct {
	CustomID string           `json:"custom_id"`
	Params   anthropicRequest `json:"params"`
}

type anthropicBatchCreate struct {
	Requests []anthropicBatchItem `json:"requests"`
}

type anthropicBatch struct {
	ID               string             `json:"id"`
	Type             string             `json:"type"`
	ProcessingStatus string             `json:"processing_status"`
	RequestCounts    BatchRequestCounts `json:"request_counts"`
	ResultsURL       string             `json:"results_url,omitempty"`
	Error            *anthropicAPIError `json:"error,omitempty"`
}

type anthropicBatchResultLine struct {
	CustomID string `json:"custom_id"`
	Result   struct {
		Type    string             `json:"type"` // "succeeded", "errored", "canceled", "expired"
		Message *anthropicResponse `json:"message,omitempty"`
		Error   *struct {
			Type  string            `json:"type"`
			Error anthropicAPIError `json:"error"`
		} `json:"error,omitempty"`
	} `json:"result"`
}

// CreateBatch submits the requests as one message batch and returns its ID.
func (p *AnthropicProvider) CreateBatch(ctx context.Context, requests []BatchRequest) (string, error) {
	if len(requests) == 0 {
		return "", NewProviderError("anthropic", ErrorCodeInvalidRequest, "empty batch", nil)
	}

	create := anthropicBatchCreate{Requests: make([]anthropicBatchItem, len(requests))}
	for i, r := range requests {
		create.Requests[i] = anthropicBatchItem{
			CustomID: r.CustomID,
			Params:   p.buildRequest(r.Request),
		}
	}

	var batch anthropicBatch
	if err := p.doRequestWithRetry(ctx, http.MethodPost, "/messages/batches", create, &batch); err != nil {
		return "", err
	}
	if batch.ID == "" {
		return "", NewProviderError("anthropic", ErrorCodeUnknown, "batch response missing id", nil)
	}
	return batch.ID, nil
}

// GetBatch reports the processing status of a batch.
func (p *AnthropicProvider) GetBatch(ctx context.Context, id string) (*BatchStatus, error) {
	var batch anthropicBatch
	if err := p.doRequestWithRetry(ctx, http.MethodGet, "/messages/batches/"+id, nil, &batch); err != nil {
		return nil, err
	}
	return &BatchStatus{
		ID:               batch.ID,
		ProcessingStatus: batch.ProcessingStatus,
		Counts:           batch.RequestCounts,
	}, nil
}

// BatchResults streams the JSONL results of an ended batch, one BatchResult
// per submitted request. Errored, canceled, and expired requests come back
// with Err set instead of Response.
func (p *AnthropicProvider) BatchResults(ctx context.Context, id string) ([]BatchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/messages/batches/"+id+"/results", nil)
	if err != nil {
		return nil, err
	}
	p.setHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, NewProviderError("anthropic", ErrorCodeTimeout, err.Error(), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, p.handleErrorResponse(resp)
	}

	var results []BatchResult
	scanner := bufio.NewScanner(resp.Body)
	// Worker outputs run to thousands of tokens per line.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var item anthropicBatchResultLine
		if err := json.Unmarshal(line, &item); err != nil {
			return nil, NewProviderError("anthropic", ErrorCodeUnknown, fmt.Sprintf("malformed batch result line: %v", err), err)
		}

		result := BatchResult{CustomID: item.CustomID}
		switch item.Result.Type {
		case "succeeded":
			if item.Result.Message == nil {
				result.Err = NewProviderError("anthropic", ErrorCodeUnknown, "succeeded result missing message", nil)
				break
			}
			result.Response, result.Err = p.parseResponse(item.Result.Message)
		case "errored":
			msg := "request errored in batch"
			errType := ""
			if item.Result.Error != nil {
				msg = item.Result.Error.Error.Message
				errType = item.Result.Error.Error.Type
			}
			perr := NewProviderError("anthropic", anthropicCodeFromType(errType), msg, nil)
			perr.Type = errType
			result.Err = perr
		case "expired":
			result.Err = NewProviderError("anthropic", ErrorCodeTimeout, "request expired before the batch ended", nil)
		case "canceled":
			result.Err = NewProviderError("anthropic", ErrorCodeUnknown, "request canceled in batch", nil)
		default:
			result.Err = NewProviderError("anthropic", ErrorCodeUnknown, fmt.Sprintf("unknown batch result type %q", item.Result.Type), nil)
		}
		results = append(results, result)
	}
	if err := scanner.Err(); err != nil {
		return nil, NewProviderError("anthropic", ErrorCodeUnknown, err.Error(), err)
	}

	return results, nil
}

// anthropicCodeFromType maps the API's error type strings onto error codes.
func anthropicCodeFromType(errType string) string {
	switch errType {
	case "rate_limit_error":
		return ErrorCodeRateLimit
	case "authentication_error", "permission_error":
		return ErrorCodeAuthentication
	case "invalid_request_error":
		return ErrorCodeInvalidRequest
	case "not_found_error":
		return ErrorCodeModelNotFound
	case "overloaded_error", "api_error":
		return ErrorCodeServerError
	default:
		return ErrorCodeUnknown
	}
}
