// Package push отправляет Web Push уведомления участникам, у которых нет живой сессии.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/whisper/internal/logger"
	"github.com/whisper/internal/metrics"
	"github.com/whisper/internal/model"
	"github.com/whisper/internal/storage"
)

type Presence interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Payload - то, что получает service worker.
type Payload struct {
	Title string      `json:"title"`
	Body  string      `json:"body"`
	Data  PayloadData `json:"data"`
}

type PayloadData struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

const (
	sendTimeout = 10 * time.Second
	maxBodyLen  = 120
)

type sendFunc func(ctx context.Context, message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Notifier реализует service.Observer. Без VAPID-ключей подписки хранятся, но отправка не выполняется.
type Notifier struct {
	subs     storage.PushSubscriptionStore
	presence Presence
	opts     *webpush.Options
	send     sendFunc

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewNotifier(subs storage.PushSubscriptionStore, presence Presence, keys *Keys, subject string) *Notifier {
	var opts *webpush.Options
	if keys != nil && keys.Public != "" && keys.Private != "" {
		opts = &webpush.Options{
			Subscriber:      subject,
			VAPIDPublicKey:  keys.Public,
			VAPIDPrivateKey: keys.Private,
			TTL:             30,
			Urgency:         webpush.UrgencyHigh,
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		subs:     subs,
		presence: presence,
		opts:     opts,
		send:     webpush.SendNotificationWithContext,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enabled сообщает, заданы ли VAPID-ключи.
func (n *Notifier) Enabled() bool { return n.opts != nil }

// PublicKey - applicationServerKey для PushManager.subscribe().
func (n *Notifier) PublicKey() string {
	if n.opts == nil {
		return ""
	}
	return n.opts.VAPIDPublicKey
}

func (n *Notifier) MessageCreated(conv *model.Conversation, msg *model.Message, participantIDs []string) {
	if n.opts == nil || msg.Type == model.MessageSystem {
		return
	}
	recipients := make([]string, 0, len(participantIDs))
	for _, id := range participantIDs {
		if id != msg.SenderID {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		return
	}
	payload, err := json.Marshal(buildPayload(conv, msg))
	if err != nil {
		logger.Errorf("push: payload for %s: %v", msg.ID, err)
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.wg.Add(1)
	go n.deliver(recipients, payload)
}

func (n *Notifier) deliver(recipients []string, payload []byte) {
	defer n.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("push: panic: %v", rec)
		}
	}()
	ctx, cancel := context.WithTimeout(n.ctx, sendTimeout)
	defer cancel()

	for _, userID := range recipients {
		online, err := n.presence.IsOnline(ctx, userID)
		if err != nil {
			logger.Errorf("push: presence %s: %v", userID, err)
			continue
		}
		if online {
			continue
		}
		n.notifyUser(ctx, userID, payload)
	}
}

// notifyUser шлёт payload на все подписки пользователя; подписки с ответом 404/410 удаляются.
func (n *Notifier) notifyUser(ctx context.Context, userID string, payload []byte) {
	subs, err := n.subs.PushSubscriptions(ctx, userID)
	if err != nil {
		logger.Errorf("push: subscriptions %s: %v", userID, err)
		return
	}
	for _, sub := range subs {
		resp, err := n.send(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}, n.opts)
		if err != nil {
			metrics.PushSent().WithLabelValues("error").Inc()
			logger.Errorf("push: send %s: %v", shortEndpoint(sub.Endpoint), err)
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			metrics.PushSent().WithLabelValues("expired").Inc()
			if err := n.subs.RemovePushSubscription(ctx, userID, sub.Endpoint); err != nil {
				logger.Errorf("push: remove expired %s: %v", shortEndpoint(sub.Endpoint), err)
			}
		case resp.StatusCode >= 400:
			metrics.PushSent().WithLabelValues("error").Inc()
			logger.Errorf("push: %s answered %d", shortEndpoint(sub.Endpoint), resp.StatusCode)
		default:
			metrics.PushSent().WithLabelValues("ok").Inc()
		}
	}
}

// Close отменяет незавершённые отправки и ждёт горутины.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.cancel()
	n.wg.Wait()
}

func buildPayload(conv *model.Conversation, msg *model.Message) Payload {
	sender := "New message"
	if msg.Sender != nil && msg.Sender.Username != "" {
		sender = msg.Sender.Username
	}
	title := sender
	if conv.Type == model.ConversationGroup && conv.Name != "" {
		title = sender + " @ " + conv.Name
	}
	return Payload{
		Title: title,
		Body:  previewBody(msg),
		Data:  PayloadData{ConversationID: conv.ID, MessageID: msg.ID},
	}
}

func previewBody(msg *model.Message) string {
	switch msg.Type {
	case model.MessageImage:
		return "📷 Photo"
	case model.MessageVideo:
		return "🎬 Video"
	case model.MessageAudio:
		return "🎤 Voice message"
	case model.MessageDocument:
		if msg.FileName != "" {
			return "📎 " + msg.FileName
		}
		return "📎 File"
	case model.MessageSticker:
		return "Sticker"
	case model.MessageLocation:
		return "📍 Location"
	}
	body := msg.Content
	if utf8.RuneCountInString(body) > maxBodyLen {
		body = string([]rune(body)[:maxBodyLen]) + "…"
	}
	return body
}

func shortEndpoint(endpoint string) string {
	if len(endpoint) > 50 {
		return endpoint[:50]
	}
	return endpoint
}
