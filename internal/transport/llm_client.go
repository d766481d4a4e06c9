package transport

import (
	"context"
	"strings"

	"github.com/guyuedumingx/chatSpace/internal/message"
	"github.com/sashabaranov/go-openai"
)

const llmSystemPrompt = "你是银行远程核准线上咨询平台的助手，请准确、简洁地回答业务咨询。"

// CompletionClient is the minimal subset of the OpenAI client the bridge
// uses; it is easy to mock in tests.
type CompletionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// LLMClient answers user turns through an OpenAI-compatible completion
// endpoint instead of the backend's question bank, while session CRUD,
// history, hot topics and surveys still go to the REST backend.
type LLMClient struct {
	Client
	llm   CompletionClient
	model string
}

// NewLLMClient wraps rest so AppendUserMessage is served by completions.
func NewLLMClient(rest Client, completions CompletionClient, model string) *LLMClient {
	return &LLMClient{Client: rest, llm: completions, model: model}
}

func (c *LLMClient) AppendUserMessage(ctx context.Context, sessionID, text string) (message.Message, error) {
	history, err := c.Client.FetchHistory(ctx, sessionID)
	if err != nil {
		return message.Message{}, err
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: llmSystemPrompt,
	})
	for _, h := range history {
		if h.Status != message.StatusSuccess || h.Content == "" {
			continue
		}
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    string(h.Role),
			Content: h.Content,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})

	resp, err := c.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
	})
	if err != nil {
		return message.Message{}, err
	}

	var content string
	if len(resp.Choices) > 0 {
		content = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	return message.Normalize(message.Raw{
		Role:    string(message.RoleAssistant),
		Content: content,
	}), nil
}
