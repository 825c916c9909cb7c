package grok

import "strings"

// Message is one chat turn forwarded to the backend.
type Message struct {
	Role    string
	Content string
}

// conversationRequest is the body of a new-conversation call. Everything except
// the model and message is fixed; the proxy never keeps conversations.
type conversationRequest struct {
	Temporary                 bool           `json:"temporary"`
	ModelName                 string         `json:"modelName"`
	Message                   string         `json:"message"`
	FileAttachments           []string       `json:"fileAttachments"`
	ImageAttachments          []string       `json:"imageAttachments"`
	DisableSearch             bool           `json:"disableSearch"`
	EnableImageGeneration     bool           `json:"enableImageGeneration"`
	ReturnImageBytes          bool           `json:"returnImageBytes"`
	ReturnRawGrokInXaiRequest bool           `json:"returnRawGrokInXaiRequest"`
	EnableImageStreaming      bool           `json:"enableImageStreaming"`
	ImageGenerationCount      int            `json:"imageGenerationCount"`
	ForceConcise              bool           `json:"forceConcise"`
	ToolOverrides             map[string]any `json:"toolOverrides"`
	EnableSideBySide          bool           `json:"enableSideBySide"`
	IsPreset                  bool           `json:"isPreset"`
	SendFinalMetadata         bool           `json:"sendFinalMetadata"`
	CustomInstructions        string         `json:"customInstructions"`
	DeepsearchPreset          string         `json:"deepsearchPreset"`
	IsReasoning               bool           `json:"isReasoning"`
}

func newConversationRequest(model string, messages []Message) conversationRequest {
	return conversationRequest{
		Temporary:            true,
		ModelName:            model,
		Message:              FlattenMessages(messages),
		FileAttachments:      []string{},
		ImageAttachments:     []string{},
		DisableSearch:        true,
		EnableImageStreaming: true,
		ImageGenerationCount: 2,
		ToolOverrides:        map[string]any{},
		EnableSideBySide:     true,
		SendFinalMetadata:    true,
	}
}

// FlattenMessages renders a conversation as the single prompt the backend
// expects: each turn as "<role>:\n\n<content>", turns separated by a blank line.
func FlattenMessages(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Role+":\n\n"+m.Content)
	}
	return strings.Join(parts, "\n\n")
}
