package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/whisper/internal/logger"
	"github.com/whisper/internal/model"
)

const conversationCols = `c.id, c.kind, c.name, c.description, c.icon_url, c.message_timer, c.created_by, c.created_at, c.updated_at`

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func scanConversation(s interface{ Scan(dest ...any) error }, c *model.Conversation) error {
	return s.Scan(&c.ID, &c.Type, &c.Name, &c.Description, &c.IconURL, &c.MessageTimer, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByID", time.Now())()
	if !validIDs(id) {
		return nil, ErrNotFound
	}
	c := &model.Conversation{}
	err := scanConversation(r.pool.QueryRow(ctx, `SELECT `+conversationCols+` FROM conversations c WHERE c.id = $1`, id), c)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetByID: %w", err)
	}
	return c, nil
}

// GetOrCreatePrivate возвращает личный чат пары пользователей, создавая его при первом контакте.
// Уникальность пары гарантирует индекс по pair_key, поэтому одновременные вызовы получают один и тот же чат.
func (r *ConversationRepository) GetOrCreatePrivate(ctx context.Context, userA, userB string) (*model.Conversation, bool, error) {
	defer logger.DeferLogDuration("conv.GetOrCreatePrivate", time.Now())()
	if !validIDs(userA, userB) {
		return nil, false, ErrNotFound
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("convRepo.GetOrCreatePrivate begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	pairKey := model.PairKey(userA, userB)
	c := &model.Conversation{
		ID:        uuid.New().String(),
		Type:      model.ConversationPrivate,
		CreatedBy: userA,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var id string
	err = tx.QueryRow(ctx,
		`INSERT INTO conversations (id, kind, name, description, icon_url, message_timer, created_by, created_at, updated_at, pair_key)
		 VALUES ($1, 'private', '', '', '', 0, $2, $3, $3, $4)
		 ON CONFLICT (pair_key) DO NOTHING
		 RETURNING id`,
		c.ID, userA, now, pairKey,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		existing := &model.Conversation{}
		err = scanConversation(tx.QueryRow(ctx, `SELECT `+conversationCols+` FROM conversations c WHERE c.pair_key = $1`, pairKey), existing)
		if err != nil {
			return nil, false, fmt.Errorf("convRepo.GetOrCreatePrivate select: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("convRepo.GetOrCreatePrivate insert: %w", err)
	}

	for _, uid := range []string{userA, userB} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO participants (conversation_id, user_id, role, joined_at, last_read_at) VALUES ($1, $2, 'member', $3, $3)`,
			c.ID, uid, now,
		); err != nil {
			return nil, false, fmt.Errorf("convRepo.GetOrCreatePrivate participant: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("convRepo.GetOrCreatePrivate commit: %w", err)
	}
	return c, true, nil
}

// CreateGroup создаёт группу; создатель становится admin, остальные - member.
func (r *ConversationRepository) CreateGroup(ctx context.Context, c *model.Conversation, memberIDs []string) error {
	defer logger.DeferLogDuration("conv.CreateGroup", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("convRepo.CreateGroup begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO conversations (id, kind, name, description, icon_url, message_timer, created_by, created_at, updated_at)
		 VALUES ($1, 'group', $2, $3, $4, $5, $6, $7, $7)`,
		c.ID, c.Name, c.Description, c.IconURL, c.MessageTimer, c.CreatedBy, c.CreatedAt,
	); err != nil {
		return fmt.Errorf("convRepo.CreateGroup insert: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO participants (conversation_id, user_id, role, joined_at, last_read_at) VALUES ($1, $2, 'admin', $3, $3)`,
		c.ID, c.CreatedBy, c.CreatedAt,
	); err != nil {
		return fmt.Errorf("convRepo.CreateGroup admin: %w", err)
	}
	for _, uid := range memberIDs {
		if uid == c.CreatedBy {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO participants (conversation_id, user_id, role, joined_at, last_read_at)
			 VALUES ($1, $2, 'member', $3, $3) ON CONFLICT DO NOTHING`,
			c.ID, uid, c.CreatedAt,
		); err != nil {
			return fmt.Errorf("convRepo.CreateGroup member: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("convRepo.CreateGroup commit: %w", err)
	}
	return nil
}

func (r *ConversationRepository) UpdateGroup(ctx context.Context, id, name, description, iconURL string) error {
	defer logger.DeferLogDuration("conv.UpdateGroup", time.Now())()
	if !validIDs(id) {
		return ErrNotFound
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversations SET name = $1, description = $2, icon_url = $3, updated_at = now()
		 WHERE id = $4 AND kind = 'group'`,
		name, description, iconURL, id,
	)
	if err != nil {
		return fmt.Errorf("convRepo.UpdateGroup: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTimer меняет таймер исчезающих сообщений; уже отправленные сообщения сохраняют свой expires_at.
func (r *ConversationRepository) UpdateTimer(ctx context.Context, id string, timerMs int64) error {
	defer logger.DeferLogDuration("conv.UpdateTimer", time.Now())()
	if !validIDs(id) {
		return ErrNotFound
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversations SET message_timer = $1, updated_at = now() WHERE id = $2`,
		timerMs, id,
	)
	if err != nil {
		return fmt.Errorf("convRepo.UpdateTimer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ConversationRepository) AddParticipant(ctx context.Context, p *model.Participant) (bool, error) {
	defer logger.DeferLogDuration("conv.AddParticipant", time.Now())()
	if !validIDs(p.ConversationID, p.UserID) {
		return false, ErrNotFound
	}
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO participants (conversation_id, user_id, role, joined_at, last_read_at)
		 VALUES ($1, $2, $3, $4, $4) ON CONFLICT DO NOTHING`,
		p.ConversationID, p.UserID, p.Role, p.JoinedAt,
	)
	if err != nil {
		return false, fmt.Errorf("convRepo.AddParticipant: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ConversationRepository) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	defer logger.DeferLogDuration("conv.RemoveParticipant", time.Now())()
	if !validIDs(conversationID, userID) {
		return ErrNotFound
	}
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM participants WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("convRepo.RemoveParticipant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureAdmin назначает admin самого раннего участника, если в группе не осталось админов.
// Возвращает id повышенного участника или "".
func (r *ConversationRepository) EnsureAdmin(ctx context.Context, conversationID string) (string, error) {
	defer logger.DeferLogDuration("conv.EnsureAdmin", time.Now())()
	if !validIDs(conversationID) {
		return "", nil
	}
	var promoted string
	err := r.pool.QueryRow(ctx,
		`UPDATE participants SET role = 'admin'
		 WHERE conversation_id = $1
		   AND NOT EXISTS (SELECT 1 FROM participants WHERE conversation_id = $1 AND role = 'admin')
		   AND user_id = (SELECT user_id FROM participants WHERE conversation_id = $1 ORDER BY joined_at, user_id LIMIT 1)
		 RETURNING user_id`,
		conversationID,
	).Scan(&promoted)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("convRepo.EnsureAdmin: %w", err)
	}
	return promoted, nil
}

func (r *ConversationRepository) ParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	defer logger.DeferLogDuration("conv.ParticipantIDs", time.Now())()
	if !validIDs(conversationID) {
		return []string{}, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM participants WHERE conversation_id = $1 ORDER BY joined_at`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.ParticipantIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("convRepo.ParticipantIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.ParticipantIDs rows: %w", err)
	}
	return ids, nil
}

func (r *ConversationRepository) Participants(ctx context.Context, conversationID string) ([]model.ParticipantView, error) {
	defer logger.DeferLogDuration("conv.Participants", time.Now())()
	if !validIDs(conversationID) {
		return []model.ParticipantView{}, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.username, u.avatar_url, u.bio, u.is_bot, p.role, p.joined_at
		 FROM participants p
		 JOIN users u ON u.id = p.user_id
		 WHERE p.conversation_id = $1
		 ORDER BY p.joined_at`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.Participants query: %w", err)
	}
	defer rows.Close()

	list := make([]model.ParticipantView, 0, 8)
	for rows.Next() {
		var p model.ParticipantView
		if err := rows.Scan(&p.ID, &p.Username, &p.AvatarURL, &p.Bio, &p.IsBot, &p.Role, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("convRepo.Participants scan: %w", err)
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.Participants rows: %w", err)
	}
	return list, nil
}

func (r *ConversationRepository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	defer logger.DeferLogDuration("conv.IsParticipant", time.Now())()
	if !validIDs(conversationID, userID) {
		return false, nil
	}
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("convRepo.IsParticipant: %w", err)
	}
	return exists, nil
}

func (r *ConversationRepository) Role(ctx context.Context, conversationID, userID string) (model.Role, error) {
	defer logger.DeferLogDuration("conv.Role", time.Now())()
	if !validIDs(conversationID, userID) {
		return "", ErrNotFound
	}
	var role model.Role
	err := r.pool.QueryRow(ctx,
		`SELECT role FROM participants WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("convRepo.Role: %w", err)
	}
	return role, nil
}

func (r *ConversationRepository) UpdateMemberLastRead(ctx context.Context, conversationID, userID string, t time.Time) error {
	defer logger.DeferLogDuration("conv.UpdateMemberLastRead", time.Now())()
	if !validIDs(conversationID, userID) {
		return nil
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE participants SET last_read_at = GREATEST(last_read_at, $1) WHERE conversation_id = $2 AND user_id = $3`,
		t, conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("convRepo.UpdateMemberLastRead: %w", err)
	}
	return nil
}

// ListForUser возвращает чаты пользователя с последним сообщением и счётчиком непрочитанных,
// отсортированные по времени последней активности.
func (r *ConversationRepository) ListForUser(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	defer logger.DeferLogDuration("conv.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+conversationCols+`,
		        lm.id, lm.sender_id, lm.content, lm.kind, lm.is_deleted, lm.created_at,
		        (SELECT COUNT(*) FROM messages um
		          WHERE um.conversation_id = c.id AND um.sender_id <> $1
		            AND um.created_at > me.last_read_at AND NOT um.is_deleted
		            AND (um.expires_at IS NULL OR um.expires_at > now()))
		 FROM conversations c
		 JOIN participants me ON me.conversation_id = c.id AND me.user_id = $1
		 LEFT JOIN LATERAL (
		     SELECT m.id, m.sender_id, m.content, m.kind, m.is_deleted, m.created_at
		     FROM messages m
		     WHERE m.conversation_id = c.id AND (m.expires_at IS NULL OR m.expires_at > now())
		     ORDER BY m.created_at DESC
		     LIMIT 1
		 ) lm ON true
		 ORDER BY COALESCE(lm.created_at, c.updated_at) DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	list := make([]model.ConversationSummary, 0, 16)
	for rows.Next() {
		var (
			s         model.ConversationSummary
			lmID      *string
			lmSender  *string
			lmContent *string
			lmType    *model.MessageType
			lmDeleted *bool
			lmAt      *time.Time
		)
		c := &s.Conversation
		if err := rows.Scan(&c.ID, &c.Type, &c.Name, &c.Description, &c.IconURL, &c.MessageTimer, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt,
			&lmID, &lmSender, &lmContent, &lmType, &lmDeleted, &lmAt, &s.UnreadCount); err != nil {
			return nil, fmt.Errorf("convRepo.ListForUser scan: %w", err)
		}
		if lmID != nil {
			s.LastMessage = &model.Message{
				ID:             *lmID,
				ConversationID: c.ID,
				SenderID:       *lmSender,
				Content:        *lmContent,
				Type:           *lmType,
				IsDeleted:      *lmDeleted,
				CreatedAt:      *lmAt,
			}
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.ListForUser rows: %w", err)
	}

	for i := range list {
		parts, err := r.Participants(ctx, list[i].ID)
		if err != nil {
			return nil, err
		}
		list[i].Participants = parts
	}
	return list, nil
}
