// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It splits system messages from conversational turns,
// builds the Converse inference configuration and translates responses and
// smithy errors into the engine's model structures.
package bedrock

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/flowmesh/flowmesh/runtime/model"
)

const providerName = "bedrock"

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
	// required by the adapter. It matches *bedrockruntime.Client so callers
	// can pass either the real client or a mock in tests.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the Bedrock adapter.
	Options struct {
		// Runtime provides access to the Bedrock runtime. Required.
		Runtime RuntimeClient

		// DefaultModel is used when model.Request.Model is empty.
		DefaultModel string

		// MaxTokens sets the completion cap when a request does not specify
		// MaxTokens. When zero, the cap is omitted and Bedrock applies its own
		// default.
		MaxTokens int
	}

	// Client implements model.Client on top of AWS Bedrock Converse.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTok       int
	}
)

// New builds a Bedrock-backed model client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	return &Client{runtime: opts.Runtime, defaultModel: opts.DefaultModel, maxTok: opts.MaxTokens}, nil
}

// NewFromConfig constructs a client from an AWS configuration.
func NewFromConfig(cfg aws.Config, defaultModel string) (*Client, error) {
	return New(Options{Runtime: bedrockruntime.NewFromConfig(cfg), DefaultModel: defaultModel})
}

// Complete issues a Converse request and translates the response.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return model.Response{}, errors.New("bedrock: model identifier is required")
	}

	var (
		turns  []brtypes.Message
		system []brtypes.SystemContentBlock
	)
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case model.RoleAssistant:
			turns = append(turns, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			turns = append(turns, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}
	if len(turns) == 0 {
		return model.Response{}, errors.New("bedrock: at least one non-system message is required")
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: turns,
	}
	if len(system) > 0 {
		input.System = system
	}
	if cfg := c.inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}

	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return model.Response{}, classify("converse", err)
	}

	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return model.Response{}, model.NewProviderError(providerName, "converse", 0,
			model.ProviderErrorKindUnknown, "response carries no message output", true, nil)
	}
	var text strings.Builder
	for _, block := range msg.Value.Content {
		if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text.WriteString(tb.Value)
		}
	}

	var usage model.Usage
	if out.Usage != nil {
		usage = model.Usage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	return model.Response{
		Text:     text.String(),
		Usage:    usage,
		Model:    modelID,
		Provider: providerName,
	}, nil
}

func (c *Client) inferenceConfig(req model.Request) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	set := false
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens))
		set = true
	}
	if req.Temperature > 0 {
		cfg.Temperature = aws.Float32(float32(req.Temperature))
		set = true
	}
	if !set {
		return nil
	}
	return &cfg
}

// classify converts smithy errors into ProviderError values. Throttling
// exceptions count as rate-limited; other API errors map through their HTTP
// status when the response carries one.
func classify(operation string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return model.NewProviderError(providerName, operation, 429,
				model.ProviderErrorKindRateLimited, apiErr.ErrorMessage(), true, err)
		case "ValidationException":
			return model.NewProviderError(providerName, operation, 400,
				model.ProviderErrorKindInvalidRequest, apiErr.ErrorMessage(), false, err)
		case "AccessDeniedException", "UnauthorizedOperation":
			return model.NewProviderError(providerName, operation, 403,
				model.ProviderErrorKindAuth, apiErr.ErrorMessage(), false, err)
		}
		var respErr *smithyhttp.ResponseError
		if errors.As(err, &respErr) {
			status := respErr.HTTPStatusCode()
			kind, retryable := model.KindForHTTP(status)
			return model.NewProviderError(providerName, operation, status, kind, apiErr.ErrorMessage(), retryable, err)
		}
		return model.NewProviderError(providerName, operation, 0,
			model.ProviderErrorKindUnavailable, apiErr.ErrorMessage(), true, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return model.NewProviderError(providerName, operation, 0, model.ProviderErrorKindUnavailable, err.Error(), true, err)
}
