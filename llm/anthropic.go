package llm

import (
	"context"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/agentloop/errors"
	"github.com/m4xw311/agentloop/session"
	"github.com/m4xw311/agentloop/tools"
)

// AnthropicLLMClient is a client for the Anthropic Messages API. Its stream
// events map one to one onto StreamEvents.
type AnthropicLLMClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicLLMClient creates a new AnthropicLLMClient.
// It requires the ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropicLLMClient(ctx context.Context, modelName string) (*AnthropicLLMClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := os.Getenv("ANTHROPIC_BASE_URL"); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)

	return &AnthropicLLMClient{
		client: &client,
		model:  modelName,
	}, nil
}

func (a *AnthropicLLMClient) Stream(ctx context.Context, req Request) (Events, error) {
	params := a.buildParams(req)
	stream := a.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, &errors.TransportError{Provider: "anthropic", Err: err}
	}

	tr := newAnthropicTranslator()
	return &stepEvents{
		provider: "anthropic",
		step: func() ([]StreamEvent, bool, error) {
			if !stream.Next() {
				return nil, false, stream.Err()
			}
			ev, ok, err := tr.translate(fromAnthropicUnion(stream.Current()))
			if err != nil || !ok {
				return nil, true, err
			}
			return []StreamEvent{ev}, true, nil
		},
		close: stream.Close,
	}, nil
}

func (a *AnthropicLLMClient) buildParams(req Request) anthropic.MessageNewParams {
	model := req.Params.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  convertMessagesToAnthropicMessages(req.Messages),
		Tools:     convertToolsToAnthropicTools(req.Tools),
	}
	if req.Params.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Params.Temperature)
	}
	if req.Params.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.Params.System}}
	}
	return params
}

func fromAnthropicUnion(u anthropic.MessageStreamEventUnion) anthropicEvent {
	var ev anthropicEvent
	ev.Type = u.Type
	ev.Index = u.Index
	ev.Message.Usage.InputTokens = u.Message.Usage.InputTokens
	ev.ContentBlock.Type = u.ContentBlock.Type
	ev.ContentBlock.ID = u.ContentBlock.ID
	ev.ContentBlock.Name = u.ContentBlock.Name
	ev.ContentBlock.Text = u.ContentBlock.Text
	ev.Delta.Type = u.Delta.Type
	ev.Delta.Text = u.Delta.Text
	ev.Delta.PartialJSON = u.Delta.PartialJSON
	ev.Delta.StopReason = string(u.Delta.StopReason)
	ev.Usage.OutputTokens = u.Usage.OutputTokens
	return ev
}

// convertMessagesToAnthropicMessages converts our internal message format to Anthropic's format.
func convertMessagesToAnthropicMessages(messages []session.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
		for _, b := range msg.Content {
			switch c := b.(type) {
			case session.Text:
				blocks = append(blocks, anthropic.NewTextBlock(c.Text))
			case session.ToolUse:
				input := c.Input
				if len(input) == 0 {
					input = []byte("{}")
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(c.ID, input, c.Name))
			case session.ToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(c.ToolUseID, c.Content, c.IsError))
			}
		}
		if msg.Role == session.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

// convertToolsToAnthropicTools converts tool specs to Anthropic's tool format.
func convertToolsToAnthropicTools(specs []tools.Spec) []anthropic.ToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		props, required := schemaProperties(s.InputSchema)
		tool := anthropic.ToolParam{
			Name:        s.Name,
			Description: anthropic.String(s.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: props,
				Required:   required,
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}
