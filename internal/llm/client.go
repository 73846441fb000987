package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/assort-health/intake-agent/internal/intake"
	"github.com/assort-health/intake-agent/pkg/logging"
)

var tracer = otel.Tracer("intake.internal.llm")

// historyWindow caps how many prior turns are replayed to the model.
const historyWindow = 6

type chatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client implements slot extraction, intent classification, reply generation,
// and selection interpretation on top of the OpenAI chat API.
type Client struct {
	client      chatClient
	model       string
	logger      *logging.Logger
	callTimeout time.Duration
}

// NewClient wraps an OpenAI-compatible chat client.
func NewClient(client chatClient, model string, timeout time.Duration, logger *logging.Logger) *Client {
	if client == nil {
		panic("llm: chat client cannot be nil")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		client:      client,
		model:       model,
		logger:      logger,
		callTimeout: timeout,
	}
}

func (c *Client) complete(ctx context.Context, span string, req openai.ChatCompletionRequest) (string, error) {
	ctx, sp := tracer.Start(ctx, span)
	defer sp.End()
	sp.SetAttributes(attribute.String("intake.llm.model", c.model))

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req.Model = c.model
	resp, err := c.client.CreateChatCompletion(callCtx, req)
	if err != nil {
		sp.RecordError(err)
		return "", fmt.Errorf("llm: completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		err := errors.New("llm: completion returned no choices")
		sp.RecordError(err)
		return "", err
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// ExtractSlots pulls structured intake fields out of one patient message.
func (c *Client) ExtractSlots(ctx context.Context, userInput string) (intake.SlotRecord, error) {
	content, err := c.complete(ctx, "llm.extract", openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractionSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userInput},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		MaxTokens: 1024,
	})
	if err != nil {
		return intake.SlotRecord{}, err
	}

	var rec intake.SlotRecord
	if err := json.Unmarshal([]byte(content), &rec); err != nil {
		return intake.SlotRecord{}, fmt.Errorf("llm: decode extracted slots: %w", err)
	}
	return rec, nil
}

// ClassifyIntent determines whether the message affirms, declines, or asks
// for an update.
func (c *Client) ClassifyIntent(ctx context.Context, userInput string) (intake.Intent, error) {
	content, err := c.complete(ctx, "llm.intent", openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: intentSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userInput},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		MaxTokens: 256,
	})
	if err != nil {
		return intake.Intent{}, err
	}

	var intent intake.Intent
	if err := json.Unmarshal([]byte(content), &intent); err != nil {
		return intake.Intent{}, fmt.Errorf("llm: decode intent: %w", err)
	}
	return intent, nil
}

// GenerateReply produces the next assistant message for the given task.
func (c *Client) GenerateReply(ctx context.Context, req intake.ReplyRequest) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: buildReplySystemPrompt(req)},
	}

	history := req.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		if turn.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}

	if strings.TrimSpace(req.UserInput) != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserInput,
		})
	}

	return c.complete(ctx, "llm.reply", openai.ChatCompletionRequest{
		Messages:  messages,
		MaxTokens: 1024,
	})
}

func buildReplySystemPrompt(req intake.ReplyRequest) string {
	var b strings.Builder
	b.WriteString(replyPersona)

	b.WriteString("\n\nCURRENT TASK:\n")
	b.WriteString(req.Task)

	if req.PatientName != "" {
		fmt.Fprintf(&b, "\n\nThe patient's first name is %s.", req.PatientName)
	}

	if len(req.Collected) > 0 {
		if encoded, err := json.MarshalIndent(req.Collected, "", "  "); err == nil {
			b.WriteString("\n\nPATIENT INFO COLLECTED SO FAR:\n")
			b.Write(encoded)
		}
	}

	if !req.Data.Empty() {
		if encoded, err := json.MarshalIndent(req.Data, "", "  "); err == nil {
			b.WriteString("\n\nDATA TO INCLUDE IN YOUR REPLY (present every item):\n")
			b.Write(encoded)
		}
	}
	return b.String()
}

var firstNumberRe = regexp.MustCompile(`\d+`)

// InterpretSelection resolves which numbered option the patient picked.
// Returns the 0-based index, or -1 when the choice cannot be determined.
func (c *Client) InterpretSelection(ctx context.Context, userInput string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, nil
	}

	var b strings.Builder
	b.WriteString("Options:\n")
	for i, opt := range options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, opt)
	}
	fmt.Fprintf(&b, "\nPatient said: %s", userInput)

	content, err := c.complete(ctx, "llm.select", openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: selectionSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: b.String()},
		},
		MaxTokens: 512,
	})
	if err != nil {
		return -1, err
	}

	match := firstNumberRe.FindString(content)
	if match == "" {
		return -1, nil
	}
	n, err := strconv.Atoi(match)
	if err != nil || n < 1 || n > len(options) {
		return -1, nil
	}
	return n - 1, nil
}
