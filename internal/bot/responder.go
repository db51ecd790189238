package bot

import (
	"context"
	"errors"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/whisper/internal/logger"
)

// Responder сочиняет ответ бота на текст пользователя.
type Responder interface {
	Reply(ctx context.Context, text string) (string, error)
}

// KeywordResponder отвечает заготовками по ключевым словам. Никогда не возвращает ошибку.
type KeywordResponder struct{}

const defaultReply = "That's interesting! Tell me more. (I'm a simple assistant, but I'm learning!)"

var keywordReplies = []struct {
	keywords []string
	reply    string
}{
	{[]string{"hello", "hi"}, "Hello! How can I help you today? 🤖"},
	{[]string{"help"}, "I can help you with:\n1. App features\n2. Life advice\n3. Jokes\nJust ask!"},
	{[]string{"joke"}, "Why did the programmer quit his job? Because he didn't get arrays. 😂"},
	{[]string{"features"}, "This app has Voice Calls, Video Calls, Groups, disappearing messages and me! 🚀"},
	{[]string{"who are you"}, "I am the AI Assistant built into this messenger."},
}

func (KeywordResponder) Reply(_ context.Context, text string) (string, error) {
	lower := strings.ToLower(text)
	for _, kr := range keywordReplies {
		for _, kw := range kr.keywords {
			if strings.Contains(lower, kw) {
				return kr.reply, nil
			}
		}
	}
	return defaultReply, nil
}

// OpenAIConfig - параметры OpenAI-ответчика.
type OpenAIConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	// BaseURL переопределяет адрес API (совместимые прокси, тесты).
	BaseURL string
}

// OpenAIResponder отвечает через chat completion; при ошибке или пустом ответе уходит в fallback.
type OpenAIResponder struct {
	client   *openai.Client
	cfg      OpenAIConfig
	fallback Responder
	tracer   trace.Tracer
}

func NewOpenAIResponder(cfg OpenAIConfig, fallback Responder) (*OpenAIResponder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 256
	}
	if fallback == nil {
		fallback = KeywordResponder{}
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIResponder{
		client:   openai.NewClientWithConfig(clientCfg),
		cfg:      cfg,
		fallback: fallback,
		tracer:   otel.Tracer("github.com/whisper/internal/bot"),
	}, nil
}

const systemPrompt = "You are the AI Assistant inside a chat messenger. Answer briefly and kindly, " +
	"in the language of the user. Do not use markdown headings."

func (r *OpenAIResponder) Reply(ctx context.Context, text string) (string, error) {
	ctx, span := r.tracer.Start(ctx, "bot.openai", trace.WithAttributes(attribute.String("model", r.cfg.Model)))
	defer span.End()

	start := time.Now()
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     r.cfg.Model,
		MaxTokens: r.cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err == nil && len(resp.Choices) == 0 {
		err = errors.New("no choices returned from openai")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Errorf("bot: openai after %s, falling back to keywords: %v", time.Since(start), err)
		return r.fallback.Reply(ctx, text)
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return r.fallback.Reply(ctx, text)
	}
	return reply, nil
}
