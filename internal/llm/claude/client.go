// Package claude generates short-form text through the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 512
)

// ErrEmptyReply is returned when the model produced no text.
var ErrEmptyReply = errors.New("claude: empty reply")

// messageCreator is the subset of the SDK's MessageService the client uses.
type messageCreator interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Reply is the generated text and its token usage.
type Reply struct {
	Text         string
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// Client wraps the Anthropic SDK for single-turn generation.
type Client struct {
	messages  messageCreator
	model     string
	maxTokens int64
}

// New creates a client with the given API key and model name.
func New(apiKey, model string) *Client {
	sdk := anthropic.NewClient(option.WithAPIKey(apiKey))
	return newWithCreator(&sdk.Messages, model)
}

func newWithCreator(m messageCreator, model string) *Client {
	if model == "" {
		model = DefaultModel
	}
	return &Client{messages: m, model: model, maxTokens: defaultMaxTokens}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Generate sends one user prompt under system and returns the text reply.
func (c *Client) Generate(ctx context.Context, system, prompt string) (*Reply, error) {
	msg, err := c.messages.New(ctx, c.toParams(system, prompt))
	if err != nil {
		return nil, fmt.Errorf("claude: create message: %w", err)
	}
	reply := fromSDKResponse(msg)
	if strings.TrimSpace(reply.Text) == "" {
		return nil, ErrEmptyReply
	}
	return reply, nil
}

func (c *Client) toParams(system, prompt string) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

func fromSDKResponse(msg *anthropic.Message) *Reply {
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return &Reply{
		Text:         strings.Join(parts, "\n"),
		StopReason:   string(msg.StopReason),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
}
