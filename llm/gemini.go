package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/m4xw311/agentloop/errors"
	"github.com/m4xw311/agentloop/session"
	"github.com/m4xw311/agentloop/tools"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiLLMClient is a client for the Google Gemini API.
type GeminiLLMClient struct {
	client *genai.Client
	model  string
}

// NewGeminiLLMClient creates a new GeminiLLMClient.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGeminiLLMClient(ctx context.Context, modelName string) (*GeminiLLMClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	return &GeminiLLMClient{
		client: client,
		model:  modelName,
	}, nil
}

func (g *GeminiLLMClient) Stream(ctx context.Context, req Request) (Events, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("gemini request has no messages")
	}
	name := req.Params.Model
	if name == "" {
		name = g.model
	}
	// A model value carries per request settings, so one is built per call.
	model := g.client.GenerativeModel(name)
	model.Tools = convertToolsToGeminiTools(req.Tools)
	if req.Params.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.Params.System)}}
	}
	if req.Params.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.Params.MaxTokens))
	}
	if req.Params.Temperature != nil {
		model.SetTemperature(float32(*req.Params.Temperature))
	}

	// The last message is the new prompt.
	history, err := convertMessagesToGeminiContent(req.Messages)
	if err != nil {
		return nil, err
	}
	last := history[len(history)-1]
	chatSession := model.StartChat()
	chatSession.History = history[:len(history)-1]
	it := chatSession.SendMessageStream(ctx, last.Parts...)

	f := newBlockFramer()
	return &stepEvents{
		provider: "gemini",
		step: func() ([]StreamEvent, bool, error) {
			resp, err := it.Next()
			if err == iterator.Done {
				return f.finish(), false, nil
			}
			if err != nil {
				return nil, false, err
			}
			events, err := frameGeminiResponse(f, resp)
			return events, true, err
		},
		close: func() error { return nil },
	}, nil
}

func frameGeminiResponse(f *blockFramer, resp *genai.GenerateContentResponse) ([]StreamEvent, error) {
	out := f.begin()
	if u := resp.UsageMetadata; u != nil {
		f.usage(uint64(max(u.PromptTokenCount, 0)), uint64(max(u.CandidatesTokenCount, 0)))
	}
	if len(resp.Candidates) == 0 {
		return out, nil
	}
	cand := resp.Candidates[0]
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			switch v := part.(type) {
			case genai.Text:
				out = append(out, f.text(string(v))...)
			case genai.FunctionCall:
				// Gemini delivers each call whole and without an id.
				id := "call_" + uuid.NewString()
				args, err := json.Marshal(v.Args)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to marshal arguments for %s", v.Name)
				}
				out = append(out, f.toolStart(id, id, v.Name)...)
				delta, err := f.toolArgs(id, string(args))
				if err != nil {
					return nil, err
				}
				out = append(out, delta...)
				f.stopReason = "tool_use"
			}
		}
	}
	switch cand.FinishReason {
	case genai.FinishReasonStop:
		if f.stopReason != "tool_use" {
			f.stopReason = "end_turn"
		}
	case genai.FinishReasonMaxTokens:
		f.stopReason = "max_tokens"
	}
	return out, nil
}

// convertMessagesToGeminiContent converts our internal message format to Gemini's.
// Tool results are sent as function responses, which Gemini matches by name.
func convertMessagesToGeminiContent(messages []session.Message) ([]*genai.Content, error) {
	names := make(map[string]string)
	var contents []*genai.Content
	for _, msg := range messages {
		role := "user"
		if msg.Role == session.RoleAssistant {
			role = "model"
		}
		var parts []genai.Part
		for _, b := range msg.Content {
			switch c := b.(type) {
			case session.Text:
				parts = append(parts, genai.Text(c.Text))
			case session.ToolUse:
				names[c.ID] = c.Name
				args := map[string]any{}
				if len(c.Input) > 0 {
					if err := json.Unmarshal(c.Input, &args); err != nil {
						return nil, errors.Wrapf(err, "input of tool call %s is not a JSON object", c.ID)
					}
				}
				parts = append(parts, genai.FunctionCall{Name: c.Name, Args: args})
			case session.ToolResult:
				key := "output"
				if c.IsError {
					key = "error"
				}
				parts = append(parts, genai.FunctionResponse{
					Name:     names[c.ToolUseID],
					Response: map[string]any{key: c.Content},
				})
			}
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents, nil
}

// convertToolsToGeminiTools converts tool specs to Gemini's FunctionDeclaration format.
func convertToolsToGeminiTools(specs []tools.Spec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	funcDecls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, s := range specs {
		funcDecls = append(funcDecls, &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  toGeminiSchema(s.InputSchema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

// toGeminiSchema converts a JSON schema document into a genai.Schema. Keywords
// Gemini does not support are dropped.
func toGeminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	s := &genai.Schema{}
	switch schema["type"] {
	case "string":
		s.Type = genai.TypeString
	case "number":
		s.Type = genai.TypeNumber
	case "integer":
		s.Type = genai.TypeInteger
	case "boolean":
		s.Type = genai.TypeBoolean
	case "array":
		s.Type = genai.TypeArray
	default:
		s.Type = genai.TypeObject
	}
	if d, ok := schema["description"].(string); ok {
		s.Description = d
	}
	if f, ok := schema["format"].(string); ok {
		s.Format = f
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if v, ok := e.(string); ok {
				s.Enum = append(s.Enum, v)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGeminiSchema(items)
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[name] = toGeminiSchema(pm)
			}
		}
	}
	switch req := schema["required"].(type) {
	case []string:
		s.Required = append(s.Required, req...)
	case []any:
		for _, r := range req {
			if v, ok := r.(string); ok {
				s.Required = append(s.Required, v)
			}
		}
	}
	return s
}
