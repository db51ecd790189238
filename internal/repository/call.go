package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/whisper/internal/apperr"
	"github.com/whisper/internal/logger"
	"github.com/whisper/internal/model"
)

type CallRepository struct {
	pool *pgxpool.Pool
}

func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

func (r *CallRepository) Create(ctx context.Context, c *model.Call) error {
	defer logger.DeferLogDuration("call.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO calls (id, caller_id, receiver_id, kind, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.CallerID, c.ReceiverID, c.Type, c.Status, c.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("callRepo.Create: %w", err)
	}
	return nil
}

func (r *CallRepository) GetByID(ctx context.Context, id string) (*model.Call, error) {
	defer logger.DeferLogDuration("call.GetByID", time.Now())()
	if !validIDs(id) {
		return nil, ErrNotFound
	}
	c := &model.Call{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, caller_id, receiver_id, kind, status, started_at, accepted_at, ended_at, duration
		 FROM calls WHERE id = $1`, id,
	).Scan(&c.ID, &c.CallerID, &c.ReceiverID, &c.Type, &c.Status, &c.StartedAt, &c.AcceptedAt, &c.EndedAt, &c.Duration)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("callRepo.GetByID: %w", err)
	}
	return c, nil
}

// Transition сохраняет новое состояние звонка, только если в базе он всё ещё в состоянии from.
// Так два конкурирующих перехода (accept и таймаут) не затирают друг друга.
func (r *CallRepository) Transition(ctx context.Context, c *model.Call, from model.CallStatus) error {
	defer logger.DeferLogDuration("call.Transition", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE calls SET status = $1, accepted_at = $2, ended_at = $3, duration = $4
		 WHERE id = $5 AND status = $6`,
		c.Status, c.AcceptedAt, c.EndedAt, c.Duration, c.ID, from,
	)
	if err != nil {
		return fmt.Errorf("callRepo.Transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.InvalidState("call is no longer " + string(from))
	}
	return nil
}

// ListForUser - история звонков пользователя, новые первыми.
func (r *CallRepository) ListForUser(ctx context.Context, userID string, limit int) ([]model.Call, error) {
	defer logger.DeferLogDuration("call.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.caller_id, c.receiver_id, c.kind, c.status, c.started_at, c.accepted_at, c.ended_at, c.duration,
		        cu.username, cu.avatar_url, ru.username, ru.avatar_url
		 FROM calls c
		 JOIN users cu ON cu.id = c.caller_id
		 JOIN users ru ON ru.id = c.receiver_id
		 WHERE c.caller_id = $1 OR c.receiver_id = $1
		 ORDER BY c.started_at DESC
		 LIMIT $2`, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("callRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	calls := make([]model.Call, 0, limit)
	for rows.Next() {
		var (
			c                model.Call
			caller, receiver model.UserPublic
		)
		if err := rows.Scan(&c.ID, &c.CallerID, &c.ReceiverID, &c.Type, &c.Status, &c.StartedAt, &c.AcceptedAt, &c.EndedAt, &c.Duration,
			&caller.Username, &caller.AvatarURL, &receiver.Username, &receiver.AvatarURL); err != nil {
			return nil, fmt.Errorf("callRepo.ListForUser scan: %w", err)
		}
		caller.ID, receiver.ID = c.CallerID, c.ReceiverID
		c.Caller, c.Receiver = &caller, &receiver
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("callRepo.ListForUser rows: %w", err)
	}
	return calls, nil
}
