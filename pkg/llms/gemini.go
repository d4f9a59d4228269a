package llms

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"
)

// GeminiConfig configures the Google Gemini client.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// GeminiClient is an llms.Client over the official genai SDK. Like the
// OpenAI client, the full response is fetched in one call and replayed as
// chunks.
type GeminiClient struct {
	cfg    GeminiConfig
	client *genai.Client
}

// NewGeminiClient builds a client.
func NewGeminiClient(cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiClient{cfg: cfg, client: client}, nil
}

// Invoke implements Client.
func (c *GeminiClient) Invoke(ctx context.Context, req *Request) (<-chan Chunk, error) {
	contents, config := c.buildRequest(req)

	ch := make(chan Chunk, 8)
	go func() {
		defer close(ch)
		resp, err := c.client.Models.GenerateContent(ctx, c.cfg.Model, contents, config)
		if err != nil {
			ch <- Chunk{Type: ChunkTypeError, Err: fmt.Errorf("gemini generation failed: %w", err)}
			return
		}
		c.emit(ch, resp)
	}()
	return ch, nil
}

func (c *GeminiClient) buildRequest(req *Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	for _, t := range req.Tools {
		config.Tools = append(config.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  geminiSchema(t.Parameters),
			}},
		})
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		if content := messageToContent(m); content != nil {
			contents = append(contents, content)
		}
	}
	return contents, config
}

func messageToContent(m Message) *genai.Content {
	var parts []*genai.Part
	role := "user"

	switch m.Role {
	case RoleAssistant:
		role = "model"
		if m.Content != "" {
			parts = append(parts, &genai.Part{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			parts = append(parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: tc.Arguments,
				},
			})
		}

	case RoleTool:
		// Tool results travel as function responses. The content is the
		// JSON-encoded result map; fall back to a wrapper when it does not
		// decode.
		var response map[string]any
		if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
			response = map[string]any{"result": m.Content}
		}
		parts = append(parts, &genai.Part{
			FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Name:     m.ToolName,
				Response: response,
			},
		})

	default:
		if m.Content != "" {
			parts = append(parts, &genai.Part{Text: m.Content})
		}
	}

	if len(parts) == 0 {
		return nil
	}
	return &genai.Content{Role: role, Parts: parts}
}

func (c *GeminiClient) emit(ch chan<- Chunk, resp *genai.GenerateContentResponse) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		ch <- Chunk{Type: ChunkTypeError, Err: fmt.Errorf("gemini returned no candidates")}
		return
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			ch <- Chunk{Type: ChunkTypeText, Text: part.Text}
		}
		if part.FunctionCall != nil {
			callID := part.FunctionCall.ID
			if callID == "" {
				// Gemini often omits call ids; derive a stable one so the
				// matching function response can reference it.
				callID = stableCallID(part.FunctionCall.Name, part.FunctionCall.Args)
			}
			ch <- Chunk{Type: ChunkTypeToolCall, ToolCall: &ToolCall{
				ID:        callID,
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			}}
		}
	}

	if um := resp.UsageMetadata; um != nil {
		ch <- Chunk{Type: ChunkTypeUsage, Usage: &Usage{
			Model:             c.cfg.Model,
			Source:            "gemini",
			InputTokens:       int(um.PromptTokenCount),
			OutputTokens:      int(um.CandidatesTokenCount),
			CachedInputTokens: int(um.CachedContentTokenCount),
		}}
	}
}

func stableCallID(name string, args map[string]any) string {
	blob, _ := json.Marshal(map[string]any{"name": name, "args": args})
	sum := sha256.Sum256(blob)
	return fmt.Sprintf("call-%x", sum[:8])
}

// geminiSchema converts a JSON schema map to the genai schema type.
func geminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = geminiSchema(propMap)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = geminiSchema(items)
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	return s
}
