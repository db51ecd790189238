// Package bot - встроенный AI-ассистент. Бот наблюдает за новыми сообщениями и отвечает
// в чатах, где он участник, в отдельной горутине, не задерживая отправку.
package bot

import (
	"context"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/whisper/internal/logger"
	"github.com/whisper/internal/metrics"
	"github.com/whisper/internal/model"
)

const (
	Phone = "0000000000"
	Name  = "AI Assistant"

	// replyTimeout - сколько ответчик может думать после задержки.
	replyTimeout = 10 * time.Second
)

// Poster публикует ответ бота (service.Messaging.PostAs).
type Poster interface {
	PostAs(ctx context.Context, senderID, conversationID, content string) (*model.Message, error)
}

type Config struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// Bot реализует service.Observer.
type Bot struct {
	id        string
	poster    Poster
	responder Responder
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc
	// mu упорядочивает wg.Add в MessageCreated и wg.Wait в Close.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func New(id string, poster Poster, responder Responder, cfg Config) *Bot {
	if responder == nil {
		responder = KeywordResponder{}
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bot{
		id:        id,
		poster:    poster,
		responder: responder,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *Bot) ID() string { return b.id }

// MessageCreated запускает ответ, если бот участник чата и сообщение не от него самого.
func (b *Bot) MessageCreated(conv *model.Conversation, msg *model.Message, participantIDs []string) {
	if b.id == "" || msg.SenderID == b.id || msg.Type == model.MessageSystem {
		return
	}
	if !slices.Contains(participantIDs, b.id) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.wg.Add(1)
	go b.reply(conv.ID, msg.Content)
}

func (b *Bot) reply(conversationID, text string) {
	defer b.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			metrics.BotReplies().WithLabelValues("panic").Inc()
			logger.Errorf("bot: panic in reply to %s: %v", conversationID, rec)
		}
	}()

	select {
	case <-b.ctx.Done():
		return
	case <-time.After(b.delay()):
	}

	ctx, cancel := context.WithTimeout(b.ctx, replyTimeout)
	defer cancel()
	answer, err := b.responder.Reply(ctx, text)
	if err != nil || answer == "" {
		answer, _ = KeywordResponder{}.Reply(ctx, text)
	}
	if _, err := b.poster.PostAs(ctx, b.id, conversationID, answer); err != nil {
		metrics.BotReplies().WithLabelValues("error").Inc()
		logger.Errorf("bot: post reply to %s: %v", conversationID, err)
		return
	}
	metrics.BotReplies().WithLabelValues("ok").Inc()
}

func (b *Bot) delay() time.Duration {
	span := b.cfg.MaxDelay - b.cfg.MinDelay
	if span <= 0 {
		return b.cfg.MinDelay
	}
	b.rndMu.Lock()
	defer b.rndMu.Unlock()
	return b.cfg.MinDelay + time.Duration(b.rnd.Int63n(int64(span)))
}

// Close отменяет ожидающие ответы и ждёт завершения горутин.
func (b *Bot) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
}
