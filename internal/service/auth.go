package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/whisper/internal/apperr"
	"github.com/whisper/internal/auth"
	"github.com/whisper/internal/logger"
	"github.com/whisper/internal/model"
	"github.com/whisper/internal/storage"
)

const otpLength = 6

type AuthUsers interface {
	GetOrCreateByPhone(ctx context.Context, u *model.User) (*model.User, bool, error)
}

// CodeSender доставляет код пользователю. SMS-шлюза нет, по умолчанию код пишется в лог.
type CodeSender interface {
	SendCode(ctx context.Context, phone, code string) error
}

type LogCodeSender struct{}

func (LogCodeSender) SendCode(ctx context.Context, phone, code string) error {
	logger.Infof("auth: код для %s: %s", maskPhone(phone), code)
	return nil
}

// Auth - вход по телефону и одноразовому коду, выдаёт JWT.
type Auth struct {
	users  AuthUsers
	otp    storage.OTPStore
	sender CodeSender
	tokens *auth.Issuer
	policy *bluemonday.Policy
	// exposeCode возвращает код в ответе (только -dev).
	exposeCode bool
	now        func() time.Time
}

func NewAuth(users AuthUsers, otp storage.OTPStore, sender CodeSender, tokens *auth.Issuer, exposeCode bool) *Auth {
	if sender == nil {
		sender = LogCodeSender{}
	}
	return &Auth{
		users:      users,
		otp:        otp,
		sender:     sender,
		tokens:     tokens,
		policy:     bluemonday.StrictPolicy(),
		exposeCode: exposeCode,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type VerifyInput struct {
	Phone    string `json:"phone"`
	Code     string `json:"code"`
	Username string `json:"username"`
}

type AuthResult struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      model.User `json:"user"`
	IsNew     bool       `json:"is_new"`
}

// onlyDigits оставляет в строке только цифры (убирает пробелы, скобки и невидимые символы при вставке).
func onlyDigits(s string) string {
	var b []byte
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b = append(b, s[i])
		}
	}
	return string(b)
}

// NormalizePhone приводит номер к виду «только цифры», 10–15 знаков.
func NormalizePhone(phone string) (string, error) {
	digits := onlyDigits(phone)
	if len(digits) < 10 || len(digits) > 15 {
		return "", apperr.InvalidState("phone must contain 10 to 15 digits")
	}
	return digits, nil
}

func maskPhone(p string) string {
	if len(p) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(p)-4) + p[len(p)-4:]
}

// RequestCode выдаёт новый код. Возвращает код только когда включён exposeCode.
func (s *Auth) RequestCode(ctx context.Context, phone string) (string, error) {
	defer logger.DeferLogDuration("auth.RequestCode", time.Now())()
	norm, err := NormalizePhone(phone)
	if err != nil {
		return "", err
	}
	allowed, err := s.otp.CheckRateLimit(ctx, norm)
	if err != nil {
		return "", storeErr("auth.RequestCode limit", "code", err)
	}
	if !allowed {
		return "", apperr.RateLimited("too many code requests, try again later")
	}
	code := generateOTP(otpLength)
	if err := s.otp.SetOTP(ctx, norm, code); err != nil {
		return "", storeErr("auth.RequestCode set", "code", err)
	}
	if err := s.sender.SendCode(ctx, norm, code); err != nil {
		logger.Errorf("auth: send code to %s: %v", maskPhone(norm), err)
		return "", apperr.Transient("auth.RequestCode send", err)
	}
	if s.exposeCode {
		return code, nil
	}
	return "", nil
}

// VerifyCode проверяет код (одноразовый), при первом входе создаёт пользователя и выдаёт токен.
func (s *Auth) VerifyCode(ctx context.Context, in VerifyInput) (*AuthResult, error) {
	defer logger.DeferLogDuration("auth.VerifyCode", time.Now())()
	norm, err := NormalizePhone(in.Phone)
	if err != nil {
		return nil, err
	}
	code := onlyDigits(in.Code)
	if len(code) != otpLength {
		return nil, apperr.Unauthenticated("invalid or expired code")
	}
	// Код забирается до сравнения: неверная попытка тоже его сжигает, нужен новый запрос.
	stored, err := s.otp.TakeOTP(ctx, norm)
	if err != nil {
		return nil, storeErr("auth.VerifyCode take", "code", err)
	}
	if stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(code)) != 1 {
		logger.Infof("auth: неверный или истёкший код для %s", maskPhone(norm))
		return nil, apperr.Unauthenticated("invalid or expired code")
	}

	username := plainText(s.policy, in.Username)
	if username == "" {
		username = "user_" + norm[len(norm)-4:]
	}
	if len([]rune(username)) > 50 {
		username = string([]rune(username)[:50])
	}
	now := s.now()
	u, created, err := s.users.GetOrCreateByPhone(ctx, &model.User{
		ID:         uuid.New().String(),
		Username:   username,
		Phone:      norm,
		Privacy:    model.DefaultPrivacy(),
		Settings:   model.DefaultAppSettings(),
		LastSeenAt: now,
		CreatedAt:  now,
	})
	if err != nil {
		return nil, storeErr("auth.VerifyCode user", "user", err)
	}
	if u.IsBot {
		return nil, apperr.Forbidden("this account cannot sign in")
	}
	token, exp, err := s.tokens.Issue(u.ID)
	if err != nil {
		return nil, apperr.Transient("auth.VerifyCode token", err)
	}
	if created {
		logger.Infof("auth: новый пользователь %s", u.ID)
	}
	return &AuthResult{Token: token, ExpiresAt: exp, User: *u, IsNew: created}, nil
}

func generateOTP(length int) string {
	const digits = "0123456789"
	b := make([]byte, length)
	for i := range b {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
		b[i] = digits[n.Int64()]
	}
	return string(b)
}
