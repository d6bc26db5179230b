package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
)

const (
	bedrockDefaultModel  = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	bedrockDefaultRegion = "us-east-1"
	bedrockClientTimeout = 30 * time.Second
)

func init() {
	RegisterFactory("bedrock", func(config map[string]any) (Provider, error) {
		region := ""
		if r, ok := config["region"].(string); ok {
			region = r
		}
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = bedrockDefaultRegion
		}

		ctx, cancel := context.WithTimeout(context.Background(), bedrockClientTimeout)
		defer cancel()

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		return NewBedrockProvider(bedrockruntime.NewFromConfig(awsCfg)), nil
	})
}

// bedrockInvoker is the slice of the Bedrock runtime client the provider
// uses, kept as an interface so tests can substitute a fake.
type bedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockProvider implements Provider for Anthropic models served through
// AWS Bedrock. Credentials come from the AWS default chain.
type BedrockProvider struct {
	client bedrockInvoker
}

// NewBedrockProvider creates a new Bedrock provider
func NewBedrockProvider(client bedrockInvoker) *BedrockProvider {
	return &BedrockProvider{client: client}
}

// Name returns the provider name
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// bedrockAnthropicRequest is the Anthropic messages payload Bedrock expects
// in the InvokeModel body.
type bedrockAnthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	System           string             `json:"system,omitempty"`
	Messages         []anthropicMessage `json:"messages"`
	Temperature      float64            `json:"temperature,omitempty"`
}

// CreateCompletion creates a completion via InvokeModel
func (p *BedrockProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = bedrockDefaultModel
	}

	body, err := json.Marshal(buildBedrockRequest(req))
	if err != nil {
		return nil, err
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, wrapBedrockError(err)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, NewProviderError("bedrock", ErrorCodeUnknown, fmt.Sprintf("malformed response body: %v", err), err)
	}

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
		Raw: &resp,
	}, nil
}

// buildBedrockRequest converts a CompletionRequest to the Bedrock payload.
// Bedrock carries the model in the InvokeModel input, not the body.
func buildBedrockRequest(req CompletionRequest) bedrockAnthropicRequest {
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

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return bedrockAnthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		System:           system,
		Messages:         messages,
		Temperature:      req.Temperature,
	}
}

// wrapBedrockError converts AWS SDK errors to ProviderError
func wrapBedrockError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := ErrorCodeUnknown
		switch apiErr.ErrorCode() {
		case "ThrottlingException":
			code = ErrorCodeRateLimit
		case "ServiceQuotaExceededException":
			code = ErrorCodeQuotaExceeded
		case "ValidationException":
			code = ErrorCodeInvalidRequest
		case "AccessDeniedException", "UnrecognizedClientException":
			code = ErrorCodeAuthentication
		case "ResourceNotFoundException":
			code = ErrorCodeModelNotFound
		case "ModelTimeoutException":
			code = ErrorCodeTimeout
		case "ModelErrorException", "ModelNotReadyException", "InternalServerException", "ServiceUnavailableException":
			code = ErrorCodeServerError
		}

		perr := NewProviderError("bedrock", code, apiErr.ErrorMessage(), err)
		perr.Type = apiErr.ErrorCode()
		return perr
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewProviderError("bedrock", ErrorCodeTimeout, err.Error(), err)
	}

	return NewProviderError("bedrock", ErrorCodeUnknown, err.Error(), err)
}
