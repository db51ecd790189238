package model

import (
	"fmt"
	"time"
)

// SettingsVersion - текущая версия схемы privacy/app настроек.
const SettingsVersion = 1

type Visibility string

const (
	VisibilityEveryone Visibility = "everyone"
	VisibilityContacts Visibility = "contacts"
	VisibilityNobody   Visibility = "nobody"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityEveryone, VisibilityContacts, VisibilityNobody:
		return true
	}
	return false
}

// PrivacySettings - кто видит last seen и фото, отправлять ли отчёты о прочтении.
type PrivacySettings struct {
	Version          int        `json:"version"`
	LastSeen         Visibility `json:"last_seen"`
	ProfilePhoto     Visibility `json:"profile_photo"`
	ReadReceipts     bool       `json:"read_receipts"`
	TwoFactorEnabled bool       `json:"two_factor_enabled"`
}

func DefaultPrivacy() PrivacySettings {
	return PrivacySettings{
		Version:      SettingsVersion,
		LastSeen:     VisibilityEveryone,
		ProfilePhoto: VisibilityEveryone,
		ReadReceipts: true,
	}
}

// Normalize поднимает настройки старых версий до текущей, заполняя пустые поля значениями по умолчанию.
func (p PrivacySettings) Normalize() PrivacySettings {
	if p.Version == 0 {
		def := DefaultPrivacy()
		if p.LastSeen == "" && p.ProfilePhoto == "" {
			p.ReadReceipts = def.ReadReceipts
		}
	}
	if p.LastSeen == "" {
		p.LastSeen = VisibilityEveryone
	}
	if p.ProfilePhoto == "" {
		p.ProfilePhoto = VisibilityEveryone
	}
	p.Version = SettingsVersion
	return p
}

func (p PrivacySettings) Validate() error {
	if !p.LastSeen.Valid() {
		return fmt.Errorf("privacy.last_seen: unknown value %q", p.LastSeen)
	}
	if !p.ProfilePhoto.Valid() {
		return fmt.Errorf("privacy.profile_photo: unknown value %q", p.ProfilePhoto)
	}
	return nil
}

type Theme string

const (
	ThemeLight  Theme = "light"
	ThemeDark   Theme = "dark"
	ThemeSystem Theme = "system"
)

type FontSize string

const (
	FontSmall  FontSize = "small"
	FontMedium FontSize = "medium"
	FontLarge  FontSize = "large"
)

// AppSettings - клиентские настройки, хранятся на сервере для синхронизации между устройствами.
type AppSettings struct {
	Version       int      `json:"version"`
	Theme         Theme    `json:"theme"`
	Wallpaper     string   `json:"wallpaper"`
	FontSize      FontSize `json:"font_size"`
	Language      string   `json:"language"`
	Notifications bool     `json:"notifications"`
}

func DefaultAppSettings() AppSettings {
	return AppSettings{
		Version:       SettingsVersion,
		Theme:         ThemeSystem,
		FontSize:      FontMedium,
		Language:      "en",
		Notifications: true,
	}
}

func (s AppSettings) Normalize() AppSettings {
	def := DefaultAppSettings()
	if s.Version == 0 && s.Theme == "" && s.FontSize == "" {
		s.Notifications = def.Notifications
	}
	if s.Theme == "" {
		s.Theme = def.Theme
	}
	if s.FontSize == "" {
		s.FontSize = def.FontSize
	}
	if s.Language == "" {
		s.Language = def.Language
	}
	s.Version = SettingsVersion
	return s
}

func (s AppSettings) Validate() error {
	switch s.Theme {
	case ThemeLight, ThemeDark, ThemeSystem:
	default:
		return fmt.Errorf("settings.theme: unknown value %q", s.Theme)
	}
	switch s.FontSize {
	case FontSmall, FontMedium, FontLarge:
	default:
		return fmt.Errorf("settings.font_size: unknown value %q", s.FontSize)
	}
	if len(s.Language) > 8 {
		return fmt.Errorf("settings.language: too long")
	}
	return nil
}

type User struct {
	ID         string          `json:"id"`
	Username   string          `json:"username"`
	Phone      string          `json:"phone"`
	AvatarURL  string          `json:"avatar_url"`
	Bio        string          `json:"bio"`
	Privacy    PrivacySettings `json:"privacy"`
	Settings   AppSettings     `json:"settings"`
	IsBot      bool            `json:"is_bot"`
	LastSeenAt time.Time       `json:"last_seen_at"`
	CreatedAt  time.Time       `json:"created_at"`
}

// UserPublic - то, что видят другие пользователи (без телефона и настроек).
type UserPublic struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
	Bio       string `json:"bio,omitempty"`
	IsBot     bool   `json:"is_bot,omitempty"`
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:        u.ID,
		Username:  u.Username,
		AvatarURL: u.AvatarURL,
		Bio:       u.Bio,
		IsBot:     u.IsBot,
	}
}

// UserStatus - ответ на запрос статуса; LastSeen nil, если скрыт настройками приватности.
type UserStatus struct {
	UserID   string     `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}
