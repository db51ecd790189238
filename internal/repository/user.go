package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/whisper/internal/apperr"
	"github.com/whisper/internal/logger"
	"github.com/whisper/internal/model"
)

var ErrNotFound = apperr.ErrNotFound

// validIDs сообщает, что все ids - UUID. Остальные строки не совпадут ни с одной записью,
// а Postgres отвергает их ошибкой синтаксиса, поэтому такие запросы не отправляются.
func validIDs(ids ...string) bool {
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return false
		}
	}
	return true
}

// userCols - список колонок для SELECT (порядок соответствует scanUser).
const userCols = `id, username, phone, avatar_url, bio, privacy, app_settings, is_bot, last_seen_at, created_at`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	if err := s.Scan(&u.ID, &u.Username, &u.Phone, &u.AvatarURL, &u.Bio, &u.Privacy, &u.Settings, &u.IsBot, &u.LastSeenAt, &u.CreatedAt); err != nil {
		return err
	}
	u.Privacy = u.Privacy.Normalize()
	u.Settings = u.Settings.Normalize()
	return nil
}

func (r *UserRepository) Create(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, username, phone, avatar_url, bio, privacy, app_settings, is_bot, last_seen_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.Username, u.Phone, u.AvatarURL, u.Bio, u.Privacy, u.Settings, u.IsBot, u.LastSeenAt, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("userRepo.Create: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	if !validIDs(id) {
		return nil, ErrNotFound
	}
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

func (r *UserRepository) GetByPhone(ctx context.Context, phone string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByPhone", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE phone = $1`, phone)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByPhone: %w", err)
	}
	return u, nil
}

// GetOrCreateByPhone возвращает пользователя по телефону или создаёт u. created = true, если пользователь новый.
func (r *UserRepository) GetOrCreateByPhone(ctx context.Context, u *model.User) (*model.User, bool, error) {
	defer logger.DeferLogDuration("user.GetOrCreateByPhone", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, username, phone, avatar_url, bio, privacy, app_settings, is_bot, last_seen_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (phone) DO NOTHING`,
		u.ID, u.Username, u.Phone, u.AvatarURL, u.Bio, u.Privacy, u.Settings, u.IsBot, u.LastSeenAt, u.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("userRepo.GetOrCreateByPhone insert: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return u, true, nil
	}
	existing, err := r.GetByPhone(ctx, u.Phone)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// UpdateProfile сохраняет имя, bio, аватар и настройки.
func (r *UserRepository) UpdateProfile(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.UpdateProfile", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET username = $1, bio = $2, avatar_url = $3, privacy = $4, app_settings = $5 WHERE id = $6`,
		u.Username, u.Bio, u.AvatarURL, u.Privacy, u.Settings, u.ID,
	)
	if err != nil {
		return fmt.Errorf("userRepo.UpdateProfile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLastSeen - долговременный last seen, используется когда в кеше присутствия записи нет.
func (r *UserRepository) SetLastSeen(ctx context.Context, userID string, at time.Time) error {
	defer logger.DeferLogDuration("user.SetLastSeen", time.Now())()
	if !validIDs(userID) {
		return nil
	}
	_, err := r.pool.Exec(ctx, `UPDATE users SET last_seen_at = $1 WHERE id = $2`, at, userID)
	if err != nil {
		return fmt.Errorf("userRepo.SetLastSeen: %w", err)
	}
	return nil
}

// Search ищет по имени или телефону, исключая excludeID.
func (r *UserRepository) Search(ctx context.Context, query, excludeID string, limit int) ([]model.UserPublic, error) {
	defer logger.DeferLogDuration("user.Search", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, username, avatar_url, bio, is_bot FROM users
		 WHERE id <> $1 AND (username ILIKE '%' || $2 || '%' OR phone LIKE '%' || $2 || '%')
		 ORDER BY username
		 LIMIT $3`, excludeID, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("userRepo.Search query: %w", err)
	}
	defer rows.Close()

	users := make([]model.UserPublic, 0, limit)
	for rows.Next() {
		var u model.UserPublic
		if err := rows.Scan(&u.ID, &u.Username, &u.AvatarURL, &u.Bio, &u.IsBot); err != nil {
			return nil, fmt.Errorf("userRepo.Search scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.Search rows: %w", err)
	}
	return users, nil
}

// ContactIDs возвращает всех пользователей, с которыми у userID есть общий чат.
func (r *UserRepository) ContactIDs(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("user.ContactIDs", time.Now())()
	if !validIDs(userID) {
		return []string{}, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT other.user_id
		 FROM participants me
		 JOIN participants other ON other.conversation_id = me.conversation_id AND other.user_id <> me.user_id
		 WHERE me.user_id = $1`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("userRepo.ContactIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("userRepo.ContactIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.ContactIDs rows: %w", err)
	}
	return ids, nil
}

// AreContacts сообщает, есть ли у двух пользователей общий чат.
func (r *UserRepository) AreContacts(ctx context.Context, a, b string) (bool, error) {
	defer logger.DeferLogDuration("user.AreContacts", time.Now())()
	if !validIDs(a, b) {
		return false, nil
	}
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM participants p1
			JOIN participants p2 ON p2.conversation_id = p1.conversation_id
			WHERE p1.user_id = $1 AND p2.user_id = $2)`, a, b,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("userRepo.AreContacts: %w", err)
	}
	return exists, nil
}

// EnsureBot создаёт служебного пользователя-бота, если его ещё нет.
func (r *UserRepository) EnsureBot(ctx context.Context, id, phone, name string) (*model.User, error) {
	defer logger.DeferLogDuration("user.EnsureBot", time.Now())()
	now := time.Now().UTC()
	bot := &model.User{
		ID:         id,
		Username:   name,
		Phone:      phone,
		Bio:        "I reply to your messages automatically.",
		Privacy:    model.DefaultPrivacy(),
		Settings:   model.DefaultAppSettings(),
		IsBot:      true,
		LastSeenAt: now,
		CreatedAt:  now,
	}
	u, _, err := r.GetOrCreateByPhone(ctx, bot)
	if err != nil {
		return nil, fmt.Errorf("userRepo.EnsureBot: %w", err)
	}
	return u, nil
}
