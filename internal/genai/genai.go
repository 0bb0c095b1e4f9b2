// Package genai provides the optional language-model helpers used by the booking bot.
//
// The bot works without it; when configured, free text that does not match a menu command is
// classified into one of the bot's intents.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrNoChoicesReturned is returned when the completion carries no choices.
var ErrNoChoicesReturned = errors.New("genai: no choices returned")

// Intent is what a patient's free-text message asks for.
type Intent string

const (
	IntentBook    Intent = "book"
	IntentList    Intent = "list"
	IntentCancel  Intent = "cancel"
	IntentMenu    Intent = "menu"
	IntentUnknown Intent = "unknown"
)

const classifySystemPrompt = `You route messages sent to a clinic's appointment assistant.
Answer with exactly one word:
book   - the patient wants a new appointment
list   - the patient asks which appointments they have
cancel - the patient wants to cancel an appointment
menu   - greetings, help requests or anything asking for options
unknown - none of the above`

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

type completions struct {
	svc openai.ChatCompletionService
}

func (c completions) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int64
}

// Option configures the client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
}

// NewClient builds a client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: openai.ChatModelGPT4oMini, MaxTokens: 16}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("genai: API key not set")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	return &Client{
		chat:        completions{svc: cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// GeneratePrompt generates a response based on the provided system and user prompts.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxTokens)
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("genai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// ClassifyIntent maps a free-text message onto one of the bot's intents. Answers the model
// gives outside the known set become IntentUnknown.
func (c *Client) ClassifyIntent(ctx context.Context, text string) (Intent, error) {
	out, err := c.GeneratePrompt(ctx, classifySystemPrompt, text)
	if err != nil {
		return IntentUnknown, err
	}
	intent := parseIntent(out)
	slog.Debug("Client.ClassifyIntent", "intent", intent, "raw", out)
	return intent, nil
}

func parseIntent(out string) Intent {
	word := strings.ToLower(strings.Trim(strings.TrimSpace(out), ".!\"'` "))
	if i := strings.IndexAny(word, " \n\t"); i >= 0 {
		word = word[:i]
	}
	switch Intent(word) {
	case IntentBook, IntentList, IntentCancel, IntentMenu:
		return Intent(word)
	default:
		return IntentUnknown
	}
}
