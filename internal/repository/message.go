package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/whisper/internal/logger"
	"github.com/whisper/internal/model"
)

// messageSelect - сообщение с профилем отправителя и превью ответа. Порядок колонок соответствует scanMessage.
const messageSelect = `SELECT m.id, m.conversation_id, m.sender_id, m.content, m.kind, m.status, m.read_by, m.reactions,
        m.media_url, m.media_type, m.thumbnail_url, m.file_name, m.file_size,
        m.reply_to_id, m.forwarded_from_id, m.is_deleted, m.edited_at, m.expires_at, m.created_at,
        u.username, u.avatar_url, u.is_bot,
        p.sender_id, p.content, p.kind, p.is_deleted, pu.username, pu.avatar_url
 FROM messages m
 JOIN users u ON u.id = m.sender_id
 LEFT JOIN messages p ON p.id = m.reply_to_id
 LEFT JOIN users pu ON pu.id = p.sender_id`

// notExpired отсекает просроченные сообщения ещё до того, как их удалит sweeper.
const notExpired = `(m.expires_at IS NULL OR m.expires_at > now())`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	var (
		sender                model.UserPublic
		pSender, pContent     *string
		pType                 *model.MessageType
		pDeleted              *bool
		pUsername, pAvatarURL *string
	)
	if err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Type, &m.Status, &m.ReadBy, &m.Reactions,
		&m.MediaURL, &m.MediaType, &m.ThumbnailURL, &m.FileName, &m.FileSize,
		&m.ReplyToID, &m.ForwardedFromID, &m.IsDeleted, &m.EditedAt, &m.ExpiresAt, &m.CreatedAt,
		&sender.Username, &sender.AvatarURL, &sender.IsBot,
		&pSender, &pContent, &pType, &pDeleted, &pUsername, &pAvatarURL); err != nil {
		return err
	}
	sender.ID = m.SenderID
	m.Sender = &sender
	if m.ReadBy == nil {
		m.ReadBy = []model.ReadReceipt{}
	}
	if m.Reactions == nil {
		m.Reactions = map[string]string{}
	}
	if m.ReplyToID != nil && pSender != nil {
		m.ReplyTo = &model.MessagePreview{
			ID:        *m.ReplyToID,
			SenderID:  *pSender,
			Content:   *pContent,
			Type:      *pType,
			IsDeleted: *pDeleted,
		}
		if pUsername != nil {
			m.ReplyTo.Sender = &model.UserPublic{ID: *pSender, Username: *pUsername, AvatarURL: *pAvatarURL}
		}
	}
	return nil
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	if m.ReadBy == nil {
		m.ReadBy = []model.ReadReceipt{}
	}
	if m.Reactions == nil {
		m.Reactions = map[string]string{}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, kind, status, read_by, reactions,
		                       media_url, media_type, thumbnail_url, file_name, file_size,
		                       reply_to_id, forwarded_from_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.Type, m.Status, m.ReadBy, m.Reactions,
		m.MediaURL, m.MediaType, m.ThumbnailURL, m.FileName, m.FileSize,
		m.ReplyToID, m.ForwardedFromID, m.ExpiresAt, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

// GetByID возвращает сообщение вместе с отправителем и превью ответа. Просроченные сообщения не возвращаются.
func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	if !validIDs(id) {
		return nil, ErrNotFound
	}
	m := &model.Message{}
	err := scanMessage(r.pool.QueryRow(ctx, messageSelect+` WHERE m.id = $1 AND `+notExpired, id), m)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// ListByConversation - страница сообщений, новые первыми. before задаёт курсор (created_at), nil - с конца.
func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID string, before *time.Time, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListByConversation", time.Now())()
	if !validIDs(conversationID) {
		return []model.Message{}, nil
	}
	rows, err := r.pool.Query(ctx,
		messageSelect+`
		 WHERE m.conversation_id = $1 AND `+notExpired+`
		   AND ($2::timestamptz IS NULL OR m.created_at < $2)
		 ORDER BY m.created_at DESC
		 LIMIT $3`, conversationID, before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListByConversation query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.ListByConversation scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListByConversation rows: %w", err)
	}
	return messages, nil
}

// UpdateContent меняет текст и выставляет edited_at. false - сообщение уже удалено или просрочено.
func (r *MessageRepository) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) (bool, error) {
	defer logger.DeferLogDuration("msg.UpdateContent", time.Now())()
	if !validIDs(id) {
		return false, nil
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages m SET content = $1, edited_at = $2
		 WHERE m.id = $3 AND NOT m.is_deleted AND `+notExpired,
		content, editedAt, id,
	)
	if err != nil {
		return false, fmt.Errorf("msgRepo.UpdateContent: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SoftDelete заменяет содержимое надгробием и очищает медиа. false - сообщение уже было удалено.
func (r *MessageRepository) SoftDelete(ctx context.Context, id string) (bool, error) {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	if !validIDs(id) {
		return false, nil
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_deleted = true, content = $2,
		        media_url = '', media_type = '', thumbnail_url = '', file_name = '', file_size = 0
		 WHERE id = $1 AND NOT is_deleted`,
		id, model.DeletedTombstone,
	)
	if err != nil {
		return false, fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ToggleReaction атомарно снимает реакцию пользователя, если она равна emoji, иначе ставит её.
// Возвращает итоговую реакцию ("" - снята).
func (r *MessageRepository) ToggleReaction(ctx context.Context, id, userID, emoji string) (string, error) {
	defer logger.DeferLogDuration("msg.ToggleReaction", time.Now())()
	if !validIDs(id) {
		return "", ErrNotFound
	}
	var result string
	err := r.pool.QueryRow(ctx,
		`UPDATE messages m SET reactions = CASE
		     WHEN m.reactions->>$2::text = $3::text THEN m.reactions - $2::text
		     ELSE m.reactions || jsonb_build_object($2::text, $3::text)
		 END
		 WHERE m.id = $1 AND NOT m.is_deleted AND `+notExpired+`
		 RETURNING COALESCE(m.reactions->>$2::text, '')`,
		id, userID, emoji,
	).Scan(&result)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("msgRepo.ToggleReaction: %w", err)
	}
	return result, nil
}

// MarkRead добавляет отметку о прочтении userID ко всем чужим сообщениям чата, где её ещё нет.
// Каждая строка обновляется атомарно, повторный вызов ничего не меняет. Возвращает id изменённых сообщений.
// status становится read, когда сообщение прочитали все участники, кроме отправителя.
func (r *MessageRepository) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) ([]string, error) {
	defer logger.DeferLogDuration("msg.MarkRead", time.Now())()
	if !validIDs(conversationID, userID) {
		return []string{}, nil
	}
	rows, err := r.pool.Query(ctx,
		`UPDATE messages m
		 SET read_by = m.read_by || jsonb_build_array(jsonb_build_object('user_id', $2::text, 'read_at', $3::timestamptz)),
		     status = CASE
		         WHEN jsonb_array_length(m.read_by) + 1 >= (SELECT COUNT(*) FROM participants p
		                                                     WHERE p.conversation_id = m.conversation_id AND p.user_id <> m.sender_id)
		         THEN 'read' ELSE m.status END
		 WHERE m.conversation_id = $1 AND m.sender_id <> $2 AND `+notExpired+`
		   AND NOT m.read_by @> jsonb_build_array(jsonb_build_object('user_id', $2::text))
		 RETURNING m.id`,
		conversationID, userID, at,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkRead query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("msgRepo.MarkRead scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.MarkRead rows: %w", err)
	}
	return ids, nil
}

// DeleteExpired удаляет до limit просроченных сообщений и возвращает их идентификаторы.
// SKIP LOCKED позволяет нескольким узлам чистить таблицу одновременно.
func (r *MessageRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]model.ExpiredMessage, error) {
	defer logger.DeferLogDuration("msg.DeleteExpired", time.Now())()
	rows, err := r.pool.Query(ctx,
		`DELETE FROM messages WHERE id IN (
		     SELECT id FROM messages
		     WHERE expires_at IS NOT NULL AND expires_at <= $1
		     ORDER BY expires_at
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED)
		 RETURNING id, conversation_id`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.DeleteExpired query: %w", err)
	}
	defer rows.Close()

	expired := make([]model.ExpiredMessage, 0, limit)
	for rows.Next() {
		var e model.ExpiredMessage
		if err := rows.Scan(&e.ID, &e.ConversationID); err != nil {
			return nil, fmt.Errorf("msgRepo.DeleteExpired scan: %w", err)
		}
		expired = append(expired, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.DeleteExpired rows: %w", err)
	}
	return expired, nil
}
