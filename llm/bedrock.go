package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/m4xw311/agentloop/errors"
	"github.com/m4xw311/agentloop/tools"
)

// BedrockLLMClient is a client for the Anthropic models on AWS Bedrock.
type BedrockLLMClient struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockLLMClient creates a new BedrockLLMClient.
// It requires AWS credentials to be configured in the environment.
func NewBedrockLLMClient(ctx context.Context, modelID string) (*BedrockLLMClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	if cfg.Region == "" {
		cfg.Region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*bedrockruntime.Options)
	// Useful for testing against a local endpoint.
	if endpoint := os.Getenv("BEDROCK_ENDPOINT_URL"); endpoint != "" {
		opts = append(opts, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	return &BedrockLLMClient{
		client:  bedrockruntime.NewFromConfig(cfg, opts...),
		modelID: modelID,
	}, nil
}

func (b *BedrockLLMClient) Stream(ctx context.Context, req Request) (Events, error) {
	body, err := createAnthropicRequest(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Anthropic request")
	}

	modelID := req.Params.Model
	if modelID == "" {
		modelID = b.modelID
	}
	resp, err := b.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, &errors.TransportError{Provider: "bedrock", Err: err}
	}

	stream := resp.GetStream()
	tr := newAnthropicTranslator()
	return &stepEvents{
		provider: "bedrock",
		step: func() ([]StreamEvent, bool, error) {
			var (
				event types.ResponseStream
				ok    bool
			)
			select {
			case event, ok = <-stream.Events():
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
			if !ok {
				return nil, false, stream.Err()
			}
			chunk, isChunk := event.(*types.ResponseStreamMemberChunk)
			if !isChunk {
				return nil, true, nil
			}
			ev, err := parseBedrockChunk(tr, chunk.Value.Bytes)
			if err != nil || ev == nil {
				return nil, true, err
			}
			return []StreamEvent{ev}, true, nil
		},
		close: stream.Close,
	}, nil
}

func parseBedrockChunk(tr *anthropicTranslator, data []byte) (StreamEvent, error) {
	var raw anthropicEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal Bedrock chunk")
	}
	ev, ok, err := tr.translate(raw)
	if err != nil || !ok {
		return nil, err
	}
	return ev, nil
}

// createAnthropicRequest creates the request body for Anthropic models on Bedrock.
func createAnthropicRequest(req Request) ([]byte, error) {
	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	request := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        maxTokens,
		"messages":          anthropicWireMessages(req.Messages),
	}
	if req.Params.System != "" {
		request["system"] = req.Params.System
	}
	if req.Params.Temperature != nil {
		request["temperature"] = *req.Params.Temperature
	}
	if len(req.Tools) > 0 {
		request["tools"] = bedrockTools(req.Tools)
	}
	return json.Marshal(request)
}

func bedrockTools(specs []tools.Spec) []map[string]any {
	out := make([]map[string]any, 0, len(specs))
	for _, s := range specs {
		schema := s.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"name":         s.Name,
			"description":  s.Description,
			"input_schema": schema,
		})
	}
	return out
}
