// Package bot adapts a langchaingo chat model to the automated reply
// dispatcher: given a customer message it returns a reply and whether the
// conversation should be handed to a live agent.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/raphaelgruber/chatsync/internal/config"
	"github.com/raphaelgruber/chatsync/internal/metrics"
	"github.com/raphaelgruber/chatsync/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// LiveAgentMarker is the token the model appends when a human should take
// over. It is stripped from the reply shown to the customer.
const LiveAgentMarker = "[[LIVE_AGENT]]"

// maxHistory bounds how many earlier messages are sent as context.
const maxHistory = 20

const systemPrompt = `You are the first-line support assistant of a retail bank.
Answer the customer briefly and politely. Never ask for passwords, PINs or full card numbers.
If the customer asks for a human, is upset, or needs something you cannot do
(disputes, account changes, anything involving their money), answer with a short
acknowledgement and put ` + LiveAgentMarker + ` on its own final line.`

// ErrFatalAPI indicates the provider rejected the request for a reason that
// retrying will not fix (credentials, quota, billing).
var ErrFatalAPI = errors.New("fatal bot provider error")

// Request is one inference call.
type Request struct {
	TicketID string
	Message  string
	// History holds earlier messages of the ticket, oldest first.
	History []models.Message
}

// Response is the model's answer.
type Response struct {
	Reply             string
	SuggestsLiveAgent bool
}

// Client calls a chat model through langchaingo.
type Client struct {
	llm       llms.Model
	modelName string
	logger    *slog.Logger
	metrics   *metrics.Collector
}

// Enabled reports whether cfg selects a bot provider.
func Enabled(cfg config.Config) bool {
	return cfg.BotProvider != "" && cfg.BotProvider != config.ProviderNone
}

// New creates a client for the provider selected in cfg.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, m *metrics.Collector) (*Client, error) {
	var model llms.Model
	var err error

	switch cfg.BotProvider {
	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.BotModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.BotModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.BotModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	case config.ProviderBedrock:
		awsCfg, awsErr := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if awsErr != nil {
			return nil, fmt.Errorf("load aws config: %w", awsErr)
		}
		model, err = bedrock.New(
			bedrock.WithClient(bedrockruntime.NewFromConfig(awsCfg)),
			bedrock.WithModel(cfg.BotModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create bedrock model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported bot provider: %s", cfg.BotProvider)
	}

	return NewWithModel(model, cfg.BotModel, logger, m), nil
}

// NewWithModel wraps an existing langchaingo model.
func NewWithModel(model llms.Model, modelName string, logger *slog.Logger, m *metrics.Collector) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{llm: model, modelName: modelName, logger: logger, metrics: m}
}

// Model returns the model name.
func (c *Client) Model() string {
	return c.modelName
}

// Infer asks the model for a reply to req.Message.
func (c *Client) Infer(ctx context.Context, req Request) (Response, error) {
	messages := buildMessages(req)

	start := time.Now()
	resp, err := c.llm.GenerateContent(ctx, messages, llms.WithTemperature(0.2), llms.WithMaxTokens(512))
	duration := time.Since(start)
	if err != nil {
		c.logger.Warn("bot inference failed", "model", c.modelName, "ticket", req.TicketID,
			"duration_ms", duration.Milliseconds(), "error", err)
		return Response{}, fmt.Errorf("infer: %w", wrapFatalError(err))
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("infer: no response choices: %w", models.ErrTransient)
	}

	choice := resp.Choices[0]
	in, out := tokenUsage(choice.GenerationInfo)
	c.metrics.RecordLLMUsage(metrics.OpBotInference, duration, in, out)

	reply, escalate := ParseReply(choice.Content)
	c.logger.Debug("bot inference complete", "model", c.modelName, "ticket", req.TicketID,
		"duration_ms", duration.Milliseconds(), "suggests_live_agent", escalate)
	return Response{Reply: reply, SuggestsLiveAgent: escalate}, nil
}

func buildMessages(req Request) []llms.MessageContent {
	history := req.History
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}

	messages := make([]llms.MessageContent, 0, len(history)+2)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	for _, m := range history {
		if m.State == models.StateLocal || strings.TrimSpace(m.Body) == "" {
			continue
		}
		switch m.Sender {
		case models.SenderUser:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, m.Body))
		case models.SenderBot, models.SenderStaff:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeAI, m.Body))
		}
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Message))
	return messages
}

// ParseReply splits model output into the customer-facing reply and the
// live-agent signal.
func ParseReply(content string) (string, bool) {
	escalate := strings.Contains(content, LiveAgentMarker)
	reply := strings.TrimSpace(strings.ReplaceAll(content, LiveAgentMarker, ""))
	return reply, escalate
}

// tokenUsage reads token counts from provider-specific generation info.
func tokenUsage(info map[string]any) (in, out int64) {
	in = firstInt(info, "InputTokens", "PromptTokens", "input_tokens", "prompt_eval_count")
	out = firstInt(info, "OutputTokens", "CompletionTokens", "output_tokens", "eval_count")
	return in, out
}

func firstInt(info map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
	}
	return 0
}

// isFatalAPIError checks if an error indicates a non-recoverable API issue.
func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	fatalPatterns := []string{
		"credit balance",
		"rate limit",
		"quota exceeded",
		"billing",
		"invalid api key",
		"authentication",
		"unauthorized",
		"401",
		"403",
	}
	for _, p := range fatalPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// wrapFatalError wraps err with ErrFatalAPI if it is fatal, otherwise marks
// it transient.
func wrapFatalError(err error) error {
	if err == nil {
		return nil
	}
	if isFatalAPIError(err) {
		return fmt.Errorf("%w: %v", ErrFatalAPI, err)
	}
	return fmt.Errorf("%w: %w", models.ErrTransient, err)
}
