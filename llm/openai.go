package llm

import (
	"context"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/m4xw311/agentloop/errors"
	"github.com/m4xw311/agentloop/session"
	"github.com/m4xw311/agentloop/tools"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAILLMClient is a client for the OpenAI Chat Completion API.
type OpenAILLMClient struct {
	client *openai.Client
	model  string
}

// NewOpenAILLMClient creates a new OpenAILLMClient. It requires the OPENAI_API_KEY environment variable to be set.
// It also supports OPENAI_BASE_URL for custom API endpoints.
func NewOpenAILLMClient(ctx context.Context, modelName string) (*OpenAILLMClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	// The &c is required, do not replace and just use c
	c := openai.NewClient(options...)
	return &OpenAILLMClient{client: &c, model: modelName}, nil
}

func (o *OpenAILLMClient) Stream(ctx context.Context, req Request) (Events, error) {
	model := req.Params.Model
	if model == "" {
		model = o.model
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: convertMessagesToOpenaiContent(req.Params.System, req.Messages),
		Tools:    convertToolsToOpenAITools(req.Tools),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.Params.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(req.Params.MaxTokens)
	}
	if req.Params.Temperature != nil {
		params.Temperature = openai.Float(*req.Params.Temperature)
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, &errors.TransportError{Provider: "openai", Err: err}
	}

	f := newBlockFramer()
	return &stepEvents{
		provider: "openai",
		step: func() ([]StreamEvent, bool, error) {
			if !stream.Next() {
				if err := stream.Err(); err != nil {
					return nil, false, err
				}
				return f.finish(), false, nil
			}
			events, err := frameOpenAIChunk(f, stream.Current())
			return events, true, err
		},
		close: stream.Close,
	}, nil
}

func frameOpenAIChunk(f *blockFramer, chunk openai.ChatCompletionChunk) ([]StreamEvent, error) {
	out := f.begin()
	if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
		f.usage(tokens(chunk.Usage.PromptTokens), tokens(chunk.Usage.CompletionTokens))
	}
	for _, choice := range chunk.Choices {
		// Only the first candidate is modelled.
		if choice.Index != 0 {
			continue
		}
		out = append(out, f.text(choice.Delta.Content)...)
		for _, tc := range choice.Delta.ToolCalls {
			key := strconv.FormatInt(tc.Index, 10)
			if !f.hasCall(key) {
				id := tc.ID
				if id == "" {
					id = "call_" + uuid.NewString()
				}
				out = append(out, f.toolStart(key, id, tc.Function.Name)...)
			}
			args, err := f.toolArgs(key, tc.Function.Arguments)
			if err != nil {
				return nil, err
			}
			out = append(out, args...)
		}
		if choice.FinishReason != "" {
			f.stopReason = openAIStopReason(choice.FinishReason)
		}
	}
	return out, nil
}

func openAIStopReason(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return "tool_use"
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	}
	return reason
}

// convertMessagesToOpenaiContent converts our internal message format to OpenAI's.
// Tool results become one tool message each, following the user message text.
func convertMessagesToOpenaiContent(system string, messages []session.Message) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		chatMessages = append(chatMessages, openai.SystemMessage(system))
	}
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleAssistant:
			assistantMessage := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.PlainText(),
			}
			for _, tu := range msg.ToolUses() {
				input := string(tu.Input)
				if input == "" {
					input = "{}"
				}
				assistantMessage.ToolCalls = append(assistantMessage.ToolCalls, openai.ChatCompletionMessageToolCallUnion{
					ID:   tu.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      tu.Name,
						Arguments: input,
					},
				})
			}
			chatMessages = append(chatMessages, assistantMessage.ToParam())
		default:
			for _, b := range msg.Content {
				switch c := b.(type) {
				case session.ToolResult:
					content := c.Content
					if c.IsError {
						content = "ERROR: " + content
					}
					chatMessages = append(chatMessages, openai.ToolMessage(content, c.ToolUseID))
				case session.Text:
					chatMessages = append(chatMessages, openai.UserMessage(c.Text))
				}
			}
		}
	}
	return chatMessages
}

// convertToolsToOpenAITools converts tool specs to the OpenAI Tool format.
func convertToolsToOpenAITools(specs []tools.Spec) []openai.ChatCompletionToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	var openAITools []openai.ChatCompletionToolUnionParam
	for _, s := range specs {
		params := openai.FunctionParameters(s.InputSchema)
		if params == nil {
			params = openai.FunctionParameters{"type": "object", "properties": map[string]any{}}
		}
		openAITools = append(openAITools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        s.Name,
			Description: openai.String(s.Description),
			Parameters:  params,
		}))
	}
	return openAITools
}
