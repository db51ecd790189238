// Package sweeper удаляет просроченные исчезающие сообщения и сообщает об этом участникам.
package sweeper

import (
	"context"
	"time"

	"github.com/whisper/internal/event"
	"github.com/whisper/internal/logger"
	"github.com/whisper/internal/metrics"
	"github.com/whisper/internal/model"
)

// ExpiredStore - repository.MessageRepository.
type ExpiredStore interface {
	DeleteExpired(ctx context.Context, now time.Time, limit int) ([]model.ExpiredMessage, error)
}

type Broadcaster interface {
	ToConversation(ctx context.Context, conversationID string, ev event.Event)
}

// maxBatchesPerTick не даёт одному тику крутиться бесконечно, если сообщения истекают быстрее, чем удаляются.
const maxBatchesPerTick = 20

type Sweeper struct {
	store    ExpiredStore
	bc       Broadcaster
	interval time.Duration
	batch    int
	now      func() time.Time
	done     chan struct{}
}

func New(store ExpiredStore, bc Broadcaster, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 500
	}
	return &Sweeper{
		store:    store,
		bc:       bc,
		interval: interval,
		batch:    batch,
		now:      func() time.Time { return time.Now().UTC() },
		done:     make(chan struct{}),
	}
}

// Run чистит таблицу раз в interval, пока ctx не отменён.
func (s *Sweeper) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Done закрывается после выхода из Run.
func (s *Sweeper) Done() <-chan struct{} {
	return s.done
}

func (s *Sweeper) tick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.SweepErrors().Inc()
			logger.Errorf("sweeper panic: %v", rec)
		}
	}()
	if _, err := s.Sweep(ctx); err != nil {
		metrics.SweepErrors().Inc()
		logger.Errorf("sweeper: %v", err)
	}
}

// Sweep удаляет просроченные сообщения пачками и рассылает message_deleted{expired:true}.
// Возвращает число удалённых сообщений; при ошибке остаток дочищается на следующем тике.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	defer logger.DeferLogDuration("sweeper.Sweep", time.Now())()
	total := 0
	for i := 0; i < maxBatchesPerTick; i++ {
		if ctx.Err() != nil {
			return total, nil
		}
		opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		expired, err := s.store.DeleteExpired(opCtx, s.now(), s.batch)
		cancel()
		if err != nil {
			return total, err
		}
		for _, e := range expired {
			s.bc.ToConversation(ctx, e.ConversationID, event.Event{Type: event.MessageDeleted, Payload: event.MessageDeletedPayload{
				MessageID:      e.ID,
				ConversationID: e.ConversationID,
				Expired:        true,
			}})
		}
		total += len(expired)
		metrics.MessagesSwept().Add(float64(len(expired)))
		if len(expired) < s.batch {
			break
		}
	}
	if total > 0 {
		logger.Infof("sweeper: removed %d expired messages", total)
	}
	return total, nil
}
