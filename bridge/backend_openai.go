package bridge

import (
	"context"
	"sync"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/c360/relaycore/errors"
)

// OpenAIBackend is a ChatBackend talking directly to an OpenAI-compatible
// chat completion API. Session ids are minted locally and map to in-memory
// conversation histories.
type OpenAIBackend struct {
	client     *openai.Client
	model      string
	systemRole string
	maxHistory int

	mu        sync.Mutex
	histories map[string][]openai.ChatCompletionMessage
}

var _ ChatBackend = (*OpenAIBackend)(nil)

// NewOpenAIBackend creates a backend using the given API key and model
func NewOpenAIBackend(apiKey, model, systemPrompt string) *OpenAIBackend {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIBackend{
		client:     openai.NewClient(apiKey),
		model:      model,
		systemRole: systemPrompt,
		maxHistory: 40,
		histories:  make(map[string][]openai.ChatCompletionMessage),
	}
}

// SendMessage appends text to the session's history and returns the model's
// reply. An empty sessionID starts a fresh session.
func (o *OpenAIBackend) SendMessage(ctx context.Context, text, sessionID string) (string, string, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	o.mu.Lock()
	history := append([]openai.ChatCompletionMessage{}, o.histories[sessionID]...)
	o.mu.Unlock()

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if o.systemRole != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: o.systemRole,
		})
	}
	messages = append(messages, history...)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
	})
	if err != nil {
		return "", "", errors.WrapTransient(err, "OpenAIBackend", "SendMessage", "chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", "", errors.WrapInvalid(errors.ErrEmptyPayload,
			"OpenAIBackend", "SendMessage", "empty completion")
	}

	reply := resp.Choices[0].Message.Content

	o.mu.Lock()
	turns := append(o.histories[sessionID],
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply},
	)
	if len(turns) > o.maxHistory {
		turns = turns[len(turns)-o.maxHistory:]
	}
	o.histories[sessionID] = turns
	o.mu.Unlock()

	return reply, sessionID, nil
}
