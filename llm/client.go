package llm

import (
	"context"

	"github.com/m4xw311/agentloop/errors"
	"github.com/m4xw311/agentloop/session"
	"github.com/m4xw311/agentloop/tools"
)

// LLMClient is the transport capability the agent loop drives: it streams one
// model turn for a conversation. Implementations must honour ctx
// cancellation and supply their own request timeouts.
type LLMClient interface {
	Stream(ctx context.Context, req Request) (Events, error)
}

// Params are the generation parameters of a request.
type Params struct {
	Model       string
	MaxTokens   int64
	Temperature *float64
	System      string
}

type Request struct {
	Messages []session.Message
	Tools    []tools.Spec
	Params   Params
}

// NewClient builds the transport named by provider. Unknown providers fall
// back to the scripted mock client.
func NewClient(ctx context.Context, provider, model string) (LLMClient, error) {
	var (
		client LLMClient
		err    error
	)
	switch provider {
	case "anthropic":
		client, err = NewAnthropicLLMClient(ctx, model)
	case "bedrock":
		client, err = NewBedrockLLMClient(ctx, model)
	case "openai":
		client, err = NewOpenAILLMClient(ctx, model)
	case "gemini":
		client, err = NewGeminiLLMClient(ctx, model)
	default:
		client = &MockLLMClient{}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error initializing %s client", provider)
	}
	return client, nil
}

// schemaProperties splits a JSON schema object into its properties and
// required list, the two parts every provider's tool format needs.
func schemaProperties(schema map[string]any) (map[string]any, []string) {
	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	var required []string
	switch r := schema["required"].(type) {
	case []string:
		required = r
	case []any:
		for _, v := range r {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	return props, required
}
