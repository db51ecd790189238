package middleware

import "context"

type contextKey string

const UserIDKey contextKey = "user_id"

// WithUserID кладёт user_id в контекст (Authenticate, тесты обработчиков).
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID возвращает user_id из контекста (устанавливается Authenticate).
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}
