package provider

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	geminiDefaultModel  = "gemini-2.0-flash"
	geminiMaxRetries    = 5
	geminiBaseDelay     = 1 * time.Second
	geminiMaxDelay      = 32 * time.Second
	geminiJitterFactor  = 0.3
	geminiClientTimeout = 30 * time.Second
)

func init() {
	RegisterFactory("gemini", func(config map[string]any) (Provider, error) {
		apiKey := ""
		if key, ok := config["api_key"].(string); ok {
			apiKey = key
		}
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			apiKey = os.Getenv("GOOGLE_API_KEY")
		}

		projectID := ""
		if id, ok := config["project_id"].(string); ok {
			projectID = id
		}
		if projectID == "" {
			projectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
		}

		if apiKey == "" && projectID == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY or GOOGLE_CLOUD_PROJECT not set")
		}

		location := ""
		if loc, ok := config["location"].(string); ok {
			location = loc
		}
		if location == "" {
			location = os.Getenv("VERTEX_AI_LOCATION")
		}
		if location == "" {
			location = "us-central1"
		}

		return NewGeminiProvider(apiKey, projectID, location)
	})
}

// GeminiProvider implements Provider using the Google Gen AI SDK. With an API
// key it talks to the Gemini API; with a project ID it uses the Vertex AI
// backend and Application Default Credentials.
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a new Gemini provider. An API key selects the
// Gemini API backend; otherwise projectID/location select Vertex AI.
func NewGeminiProvider(apiKey, projectID, location string) (*GeminiProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), geminiClientTimeout)
	defer cancel()

	cfg := &genai.ClientConfig{}
	if apiKey != "" {
		cfg.APIKey = apiKey
		cfg.Backend = genai.BackendGeminiAPI
	} else {
		cfg.Project = projectID
		cfg.Location = location
		cfg.Backend = genai.BackendVertexAI
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{client: client}, nil
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// CreateCompletion creates a completion using the Gen AI SDK
func (p *GeminiProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = geminiDefaultModel
	}

	config := &genai.GenerateContentConfig{}
	config.Temperature = genai.Ptr(float32(req.Temperature))
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	contents, systemInstruction := p.buildContents(req)
	if systemInstruction != nil {
		config.SystemInstruction = systemInstruction
	}

	var resp *genai.GenerateContentResponse
	var err error

	for attempt := 0; attempt < geminiMaxRetries; attempt++ {
		if attempt > 0 {
			delay := geminiBackoff(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err = p.client.Models.GenerateContent(ctx, model, contents, config)
		if err == nil {
			break
		}

		if !isRetryableGeminiError(err) {
			return nil, p.wrapError(err)
		}
	}

	if err != nil {
		return nil, p.wrapError(err)
	}

	return p.parseResponse(resp)
}

// buildContents converts the request to Gen AI content format. System text
// goes into a separate system instruction; the "assistant" role becomes
// "model".
func (p *GeminiProvider) buildContents(req CompletionRequest) ([]*genai.Content, *genai.Content) {
	var systemText string
	if req.System != "" {
		systemText = req.System
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			if systemText == "" {
				systemText = m.Content
			} else {
				systemText += "\n\n" + m.Content
			}
			continue
		}

		role := m.Role
		if role == "assistant" {
			role = "model"
		}

		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}

	var systemInstruction *genai.Content
	if systemText != "" {
		systemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemText}},
		}
	}

	return contents, systemInstruction
}

// parseResponse parses the Gen AI response into CompletionResponse
func (p *GeminiProvider) parseResponse(resp *genai.GenerateContentResponse) (*CompletionResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, NewProviderError("gemini", ErrorCodeUnknown, "no candidates in response", nil)
	}

	candidate := resp.Candidates[0]
	var content string
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				content += part.Text
			}
		}
	}

	finishReason := string(candidate.FinishReason)
	if finishReason == "STOP" || finishReason == "" {
		finishReason = "stop"
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return &CompletionResponse{
		Content:      content,
		FinishReason: finishReason,
		Usage:        usage,
		Raw:          resp,
	}, nil
}

// wrapError converts Gen AI errors to ProviderError
func (p *GeminiProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}

	code := ErrorCodeUnknown
	errMsg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errMsg, "authentication") || strings.Contains(errMsg, "credential") || strings.Contains(errMsg, "403") || strings.Contains(errMsg, "401"):
		code = ErrorCodeAuthentication
	case strings.Contains(errMsg, "rate limit") || strings.Contains(errMsg, "429") || strings.Contains(errMsg, "quota"):
		code = ErrorCodeRateLimit
	case strings.Contains(errMsg, "not found") || strings.Contains(errMsg, "404"):
		code = ErrorCodeModelNotFound
	case strings.Contains(errMsg, "invalid") || strings.Contains(errMsg, "400"):
		code = ErrorCodeInvalidRequest
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline"):
		code = ErrorCodeTimeout
	case strings.Contains(errMsg, "500") || strings.Contains(errMsg, "503") || strings.Contains(errMsg, "server"):
		code = ErrorCodeServerError
	}

	return &ProviderError{
		Provider:      "gemini",
		Code:          code,
		Message:       err.Error(),
		IsRetryable:   isRetryableError(code),
		OriginalError: err,
	}
}

// isRetryableGeminiError checks if a Gen AI error is retryable
func isRetryableGeminiError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "rate limit") ||
		strings.Contains(errMsg, "429") ||
		strings.Contains(errMsg, "500") ||
		strings.Contains(errMsg, "503") ||
		strings.Contains(errMsg, "timeout") ||
		strings.Contains(errMsg, "deadline") ||
		strings.Contains(errMsg, "unavailable")
}

// geminiBackoff returns the delay before the given retry attempt: exponential
// from the base delay, capped, with +/-30% jitter.
func geminiBackoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 31 {
		shift = 31
	}
	delay := time.Duration(1<<uint(shift)) * geminiBaseDelay
	if delay > geminiMaxDelay {
		delay = geminiMaxDelay
	}
	jitter := time.Duration(float64(delay) * geminiJitterFactor * (randFloat()*2 - 1))
	return delay + jitter
}

// randFloat returns a random float64 in [0.0, 1.0)
func randFloat() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}
