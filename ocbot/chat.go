package ocbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"sync"
)

const emptyChatReply = "Hmm... nothing came back."

var (
	ErrNoAPIKey     = errors.New("no API key set")
	ErrEmptyMessage = errors.New("empty message")
	ErrNoChoices    = errors.New("no choices in response")
)

// ChatClient is the subset of the go-openai client used for `!chat`
type ChatClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// Chat sends `!chat` prompts to an OpenAI-compatible chat completion
// API, using each user's own API key.
type Chat struct {
	config         *ChatConfig
	logger         *slog.Logger
	httpClient     *http.Client
	requestLimiter *rate.Limiter

	// newClient returns a client for the given API key
	newClient func(apiKey string) ChatClient

	mu sync.RWMutex
}

// ChatResult is a completed chat request
type ChatResult struct {
	Reply string

	// Tokens is the API-reported total token usage, or an estimate if
	// the API didn't report usage
	Tokens int

	Estimated bool
}

func newChat(config *ChatConfig, httpClient *http.Client, logger *slog.Logger) *Chat {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chat{
		config:     config,
		logger:     logger,
		httpClient: httpClient,
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			1,
		),
	}
	c.newClient = c.openaiClient
	return c
}

func (c *Chat) openaiClient(apiKey string) ChatClient {
	clientCfg := openai.DefaultConfig(apiKey)
	if c.config.BaseURL != "" {
		clientCfg.BaseURL = c.config.BaseURL
	}
	if c.httpClient != nil {
		clientCfg.HTTPClient = c.httpClient
	}
	return openai.NewClientWithConfig(clientCfg)
}

// SetRateLimit replaces the limit on outbound requests per second
func (c *Chat) SetRateLimit(requestsPerSecond float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
}

// waitOnRequestLimiter waits for the request limiter to allow the next request,
// returning any error from the limiter itself
func (c *Chat) waitOnRequestLimiter(ctx context.Context) error {
	c.mu.RLock()
	requestLimiter := c.requestLimiter
	c.mu.RUnlock()
	return requestLimiter.Wait(ctx)
}

// buildChatMessages returns the system prompt, followed by the
// conversation history, followed by text prefixed with username
func (c *Chat) buildChatMessages(
	history []MemoryEntry,
	username string,
	text string,
) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if c.config.SystemPrompt != "" {
		messages = append(
			messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: c.config.SystemPrompt,
			},
		)
	}
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		if m.Role == memoryRoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(
			messages,
			openai.ChatCompletionMessage{Role: role, Content: m.Content},
		)
	}
	return append(
		messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: chatPrompt(username, text),
		},
	)
}

// chatPrompt prefixes text with the author's name. Only the outgoing
// turn is prefixed, memory stores the bare text.
func chatPrompt(username string, text string) string {
	if username == "" {
		return text
	}
	return username + ": " + text
}

// Complete sends text from username (with history as context) using
// apiKey
func (c *Chat) Complete(
	ctx context.Context,
	apiKey string,
	history []MemoryEntry,
	username string,
	text string,
) (ChatResult, error) {
	if apiKey == "" {
		return ChatResult{}, ErrNoAPIKey
	}
	if text == "" {
		return ChatResult{}, ErrEmptyMessage
	}
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = c.logger
	}

	if err := c.waitOnRequestLimiter(ctx); err != nil {
		return ChatResult{}, fmt.Errorf("rate limiter: %w", err)
	}

	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model:    c.config.Model,
		Messages: c.buildChatMessages(history, username, text),
	}
	logger.InfoContext(
		ctx,
		"sending chat request",
		"model", req.Model,
		"messages", len(req.Messages),
	)
	resp, err := c.newClient(apiKey).CreateChatCompletion(ctx, req)
	if err != nil {
		return ChatResult{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ChatResult{}, ErrNoChoices
	}

	result := ChatResult{Reply: resp.Choices[0].Message.Content}
	if result.Reply == "" {
		result.Reply = emptyChatReply
	}
	if resp.Usage.TotalTokens > 0 {
		result.Tokens = resp.Usage.TotalTokens
	} else {
		result.Tokens = estimateTokens(text) + estimateTokens(result.Reply)
		result.Estimated = true
	}
	logger.InfoContext(
		ctx,
		"got chat response",
		"id", resp.ID,
		"tokens", result.Tokens,
		"estimated", result.Estimated,
	)
	return result, nil
}
