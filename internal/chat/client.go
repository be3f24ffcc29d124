// Package chat implements the conversational provider on top of the OpenAI
// chat completions API.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/book-expert/avatar-service/internal/config"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/logger"
	openai "github.com/sashabaranov/go-openai"
)

// DefaultPersona is the system prompt used when the caller sends none.
const DefaultPersona = "You are very friendly!"

const (
	providerName      = "OpenAI"
	logFmtCompletion  = "Chat completion for %d messages used %d tokens"
	logFmtNoChoices   = "Chat completion returned no choices"
	logFmtRequestFail = "Chat completion failed: %v"
)

var allowedRoles = map[string]struct{}{
	openai.ChatMessageRoleUser:      {},
	openai.ChatMessageRoleAssistant: {},
	openai.ChatMessageRoleSystem:    {},
}

// Client answers conversations with a fixed model.
type Client struct {
	api         *openai.Client
	apiKey      string
	model       string
	maxTokens   int
	temperature float32
	log         *logger.Logger
}

// NewClient creates a chat client. An empty base URL uses the public API.
func NewClient(cfg config.ChatConfig, log *logger.Logger) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout()}

	return &Client{
		api:         openai.NewClientWithConfig(clientConfig),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: float32(cfg.Temperature),
		log:         log,
	}
}

// Complete prepends the persona as a system message and returns the
// assistant reply.
func (c *Client) Complete(ctx context.Context, description string, messages []core.ChatMessage) (string, error) {
	if c.apiKey == "" {
		return "", core.NewMissingCredentialError(config.EnvOpenAIAPIKey)
	}

	if len(messages) == 0 {
		return "", core.ErrMessagesRequired
	}

	persona := strings.TrimSpace(description)
	if persona == "" {
		persona = DefaultPersona
	}

	conversation := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	conversation = append(conversation, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: persona,
	})

	for index, message := range messages {
		if _, ok := allowedRoles[message.Role]; !ok {
			return "", fmt.Errorf("%w: message %d has role %q", core.ErrInvalidRole, index, message.Role)
		}

		conversation = append(conversation, openai.ChatCompletionMessage{
			Role:    message.Role,
			Content: message.Content,
		})
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    conversation,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		c.log.Error(logFmtRequestFail, err)

		return "", convertError(err)
	}

	if len(resp.Choices) == 0 {
		c.log.Warn(logFmtNoChoices)

		return "", fmt.Errorf("%w: no choices in chat completion", core.ErrMalformedResponse)
	}

	c.log.Info(logFmtCompletion, len(messages), resp.Usage.TotalTokens)

	return resp.Choices[0].Message.Content, nil
}

func convertError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &core.ProviderError{Provider: providerName, Status: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &core.ProviderError{Provider: providerName, Status: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}

	return fmt.Errorf("chat completion request failed: %w", err)
}
