package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/internal/apperr"
	"github.com/whisper/internal/model"
	"github.com/whisper/internal/storage/memory"
)

type fakeDirectory struct {
	*fakeUsers
	contacts map[string]bool
}

func (d *fakeDirectory) UpdateProfile(ctx context.Context, u *model.User) error {
	cp := *u
	d.users[u.ID] = &cp
	return nil
}

func (d *fakeDirectory) Search(ctx context.Context, query, excludeID string, limit int) ([]model.UserPublic, error) {
	var out []model.UserPublic
	for _, u := range d.users {
		if u.ID != excludeID && u.Username == query {
			out = append(out, u.ToPublic())
		}
	}
	return out, nil
}

func (d *fakeDirectory) AreContacts(ctx context.Context, a, b string) (bool, error) {
	return d.contacts[a+"/"+b] || d.contacts[b+"/"+a], nil
}

func TestUsers_StatusPrivacy(t *testing.T) {
	ctx := context.Background()
	dir := &fakeDirectory{fakeUsers: newFakeUsers("alice", "bob", "carol"), contacts: map[string]bool{"alice/bob": true}}
	seenAt := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	dir.users["alice"].LastSeenAt = seenAt
	presence := memory.New()
	svc := NewUsers(dir, presence, "")

	st, err := svc.Status(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, st.Online)
	require.NotNil(t, st.LastSeen)
	assert.Equal(t, seenAt, *st.LastSeen)

	dir.users["alice"].Privacy.LastSeen = model.VisibilityContacts
	st, err = svc.Status(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.NotNil(t, st.LastSeen)
	st, err = svc.Status(ctx, "carol", "alice")
	require.NoError(t, err)
	assert.Nil(t, st.LastSeen)

	dir.users["alice"].Privacy.LastSeen = model.VisibilityNobody
	st, err = svc.Status(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Nil(t, st.LastSeen)
	st, err = svc.Status(ctx, "alice", "alice")
	require.NoError(t, err)
	assert.NotNil(t, st.LastSeen)

	_, err = svc.Status(ctx, "bob", "ghost")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUsers_StatusPrefersPresenceCache(t *testing.T) {
	ctx := context.Background()
	dir := &fakeDirectory{fakeUsers: newFakeUsers("alice", "bob")}
	presence := memory.New()
	svc := NewUsers(dir, presence, "")

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	_, err := presence.Connect(ctx, "alice", "s1", at)
	require.NoError(t, err)

	st, err := svc.Status(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.True(t, st.Online)
	assert.Nil(t, st.LastSeen)

	later := at.Add(time.Hour)
	_, err = presence.Disconnect(ctx, "alice", "s1", later)
	require.NoError(t, err)
	st, err = svc.Status(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, st.Online)
	require.NotNil(t, st.LastSeen)
	assert.Equal(t, later, *st.LastSeen)
}

func TestUsers_UpdateProfile(t *testing.T) {
	ctx := context.Background()
	dir := &fakeDirectory{fakeUsers: newFakeUsers("alice")}
	svc := NewUsers(dir, memory.New(), "")

	name := " <script>x</script>Alice "
	bio := "hi <b>there</b>"
	u, err := svc.UpdateProfile(ctx, "alice", ProfileInput{
		Username: &name,
		Bio:      &bio,
		Privacy:  &model.PrivacySettings{LastSeen: model.VisibilityContacts},
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.Username)
	assert.Equal(t, "hi there", u.Bio)
	assert.Equal(t, model.VisibilityContacts, u.Privacy.LastSeen)
	assert.Equal(t, model.VisibilityEveryone, u.Privacy.ProfilePhoto)
	assert.Equal(t, model.SettingsVersion, u.Privacy.Version)

	_, err = svc.UpdateProfile(ctx, "alice", ProfileInput{Privacy: &model.PrivacySettings{LastSeen: "friends"}})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	name, bio = "Tom & Jerry", "don't <3"
	u, err = svc.UpdateProfile(ctx, "alice", ProfileInput{Username: &name, Bio: &bio})
	require.NoError(t, err)
	assert.Equal(t, "Tom & Jerry", u.Username)
	assert.Equal(t, "don't <3", u.Bio)

	empty := "   "
	_, err = svc.UpdateProfile(ctx, "alice", ProfileInput{Username: &empty})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestUsers_SearchAndBot(t *testing.T) {
	ctx := context.Background()
	dir := &fakeDirectory{fakeUsers: newFakeUsers("alice", "bot")}
	dir.users["bot"].IsBot = true
	svc := NewUsers(dir, memory.New(), "bot")

	list, err := svc.Search(ctx, "alice", "  ")
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = svc.Search(ctx, "bot", "user-alice")
	require.NoError(t, err)
	require.Len(t, list, 1)

	b, err := svc.Bot(ctx)
	require.NoError(t, err)
	assert.True(t, b.IsBot)

	st, err := svc.Status(ctx, "alice", "bot")
	require.NoError(t, err)
	assert.True(t, st.Online)

	_, err = NewUsers(dir, memory.New(), "").Bot(ctx)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
