package domain

// ModelRequest is one outbound call to a language model.
type ModelRequest struct {
	Model  string
	System string
	Turns  []ChatTurn
	Tools  []ToolDefinition
}

// ModelResponse is the raw shape returned by a provider. It is one of
// *ObjectResponse, MappingResponse or TextResponse and must be normalized
// before anything else looks at it.
type ModelResponse interface {
	modelResponse()
}

// ObjectResponse is an attribute-bearing response decoded by a provider SDK.
// Nil pointer fields mean the provider did not populate them.
type ObjectResponse struct {
	Model     string
	Content   *string
	Reasoning *string
	ToolCalls []RawToolCall
}

// RawToolCall keeps the arguments exactly as the provider sent them.
type RawToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// MappingResponse is a loosely typed JSON object body.
type MappingResponse map[string]any

// TextResponse is a bare string body.
type TextResponse string

func (*ObjectResponse) modelResponse() {}
func (MappingResponse) modelResponse() {}
func (TextResponse) modelResponse()    {}
