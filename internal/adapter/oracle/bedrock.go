//go:build bedrock

package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"authbridge/internal/domain"
	"authbridge/internal/infra/config"
	"authbridge/internal/infra/tracer"
)

// bedrockConverseAPI abstracts the Bedrock runtime methods for testability.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockNavigator asks a Bedrock-hosted model for verdicts via the
// Converse API, using the default AWS credential chain.
type BedrockNavigator struct {
	model   string
	timeout time.Duration
	client  bedrockConverseAPI
	logger  *slog.Logger
}

// NewBedrockNavigator creates a navigator backed by AWS Bedrock.
func NewBedrockNavigator(cfg config.OracleConfig, logger *slog.Logger) (*BedrockNavigator, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &BedrockNavigator{
		model:   cfg.Model,
		timeout: timeout,
		client:  bedrockruntime.NewFromConfig(awsCfg),
		logger:  logger.With("component", "oracle", "provider", "bedrock"),
	}, nil
}

// newBedrockNavigatorWithClient injects a client for testing.
func newBedrockNavigatorWithClient(model string, client bedrockConverseAPI, logger *slog.Logger) *BedrockNavigator {
	return &BedrockNavigator{
		model:   model,
		timeout: 30 * time.Second,
		client:  client,
		logger:  logger,
	}
}

// Name identifies the provider.
func (n *BedrockNavigator) Name() string { return "bedrock" }

// Decide implements domain.Navigator over the Converse API.
func (n *BedrockNavigator) Decide(ctx context.Context, q domain.NavigatorQuery) (domain.NavigatorDecision, error) {
	ctx, span := tracer.StartSpan(ctx, "oracle.decide")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("oracle.provider", "bedrock"),
		tracer.StringAttr("oracle.model", n.model),
	)

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	maxTokens := int32(500)
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(n.model),
		System: []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: systemPrompt},
		},
		Messages: []types.Message{{
			Role: types.ConversationRoleUser,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: buildUserMessage(q)},
			},
		}},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: &maxTokens,
		},
	}

	output, err := n.client.Converse(ctx, input)
	if err != nil {
		err = mapBedrockError(err)
		tracer.RecordError(span, err)
		n.logger.Warn("oracle request failed", "error", err)
		return domain.NavigatorDecision{}, err
	}

	text := converseOutputText(output)
	if text == "" {
		err := domain.NewDomainError("oracle.decide", domain.ErrProviderError, "empty oracle response")
		tracer.RecordError(span, err)
		return domain.NavigatorDecision{}, err
	}

	dec, err := ParseDecision(text)
	if err != nil {
		n.logger.Warn("unparseable oracle output", "error", err, "raw", truncate(text, 200))
		tracer.SetOK(span)
		return domain.Uncertain(fmt.Sprintf("Error analyzing prompt: %v", err)), nil
	}

	span.SetAttributes(
		tracer.StringAttr("oracle.decision", string(dec.Type)),
		tracer.FloatAttr("oracle.confidence", dec.Confidence),
	)
	tracer.SetOK(span)
	return dec, nil
}

func converseOutputText(output *bedrockruntime.ConverseOutput) string {
	msg, ok := output.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok && text.Value != "" {
			return text.Value
		}
	}
	return ""
}

func mapBedrockError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return domain.NewDomainError("oracle.request", domain.ErrRateLimit, err.Error())
		case "AccessDeniedException", "UnrecognizedClientException":
			return domain.NewDomainError("oracle.request", domain.ErrAuthInvalid, err.Error())
		case "ModelNotReadyException", "ServiceUnavailableException", "InternalServerException":
			return domain.NewDomainError("oracle.request", domain.ErrProviderError, err.Error())
		}
	}

	return domain.WrapOp("oracle.request", err)
}
