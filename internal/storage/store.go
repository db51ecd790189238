package storage

import (
	"context"
	"time"

	"github.com/whisper/internal/model"
)

// PresenceStore - кто сейчас онлайн. Для каждого пользователя хранится множество живых сессий,
// поэтому второе подключение не «выключает» первое, а пользователь офлайн только когда закрыты все.
// Отсутствие данных означает «офлайн».
type PresenceStore interface {
	// Connect добавляет сессию. first = true, если до этого у пользователя не было сессий.
	Connect(ctx context.Context, userID, sessionID string, at time.Time) (first bool, err error)
	// Disconnect удаляет сессию. last = true, если сессий больше не осталось.
	Disconnect(ctx context.Context, userID, sessionID string, at time.Time) (last bool, err error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	// LastSeen возвращает последнее время активности из кеша; ok = false, если записи нет.
	LastSeen(ctx context.Context, userID string) (t time.Time, ok bool, err error)
}

// OTPStore - одноразовые коды входа и rate limit на их запрос.
type OTPStore interface {
	SetOTP(ctx context.Context, phone, code string) error
	// TakeOTP атомарно возвращает и удаляет код ("" - нет или истёк): из параллельных проверок код получит одна.
	TakeOTP(ctx context.Context, phone string) (string, error)
	CheckRateLimit(ctx context.Context, phone string) (allowed bool, err error)
}

// PushSubscriptionStore - Web Push подписки пользователя (не больше MaxPushSubscriptions на пользователя).
type PushSubscriptionStore interface {
	AddPushSubscription(ctx context.Context, userID string, sub model.PushSubscription) error
	RemovePushSubscription(ctx context.Context, userID, endpoint string) error
	PushSubscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error)
}

// Store объединяет всё эфемерное состояние. Реализации: redis.Client, memory.Client (для -dev без Redis).
type Store interface {
	PresenceStore
	OTPStore
	PushSubscriptionStore
	Close() error
}

const (
	OTPTTL               = 5 * time.Minute
	OTPRateLimitWindow   = 10 * time.Minute
	OTPRateLimitMax      = 5
	MaxPushSubscriptions = 10
	PushSubscriptionTTL  = 30 * 24 * time.Hour
	// LastSeenTTL - сколько кеш помнит last seen; дальше источник истины users.last_seen_at.
	LastSeenTTL = 7 * 24 * time.Hour
)
