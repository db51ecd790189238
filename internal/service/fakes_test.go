package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/whisper/internal/apperr"
	"github.com/whisper/internal/event"
	"github.com/whisper/internal/model"
)

type fakeConvs struct {
	mu        sync.Mutex
	convs     map[string]*model.Conversation
	members   map[string]map[string]model.Role
	lastRead  map[string]time.Time
	joinOrder []string // порядок вступления для EnsureAdmin
	err       error
}

func newFakeConvs() *fakeConvs {
	return &fakeConvs{
		convs:    make(map[string]*model.Conversation),
		members:  make(map[string]map[string]model.Role),
		lastRead: make(map[string]time.Time),
	}
}

func (f *fakeConvs) add(c *model.Conversation, userIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs[c.ID] = c
	m := make(map[string]model.Role)
	for i, id := range userIDs {
		if i == 0 && c.Type == model.ConversationGroup {
			m[id] = model.RoleAdmin
		} else {
			m[id] = model.RoleMember
		}
	}
	f.members[c.ID] = m
	f.joinOrder = append(f.joinOrder, userIDs...)
}

func (f *fakeConvs) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.convs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConvs) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.members[conversationID][userID]
	return ok, nil
}

func (f *fakeConvs) ParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.members[conversationID]))
	for id := range f.members[conversationID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeConvs) UpdateTimer(ctx context.Context, id string, timerMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return apperr.ErrNotFound
	}
	c.MessageTimer = timerMs
	return nil
}

func (f *fakeConvs) UpdateMemberLastRead(ctx context.Context, conversationID, userID string, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRead[conversationID+"/"+userID] = t
	return nil
}

type fakeMsgs struct {
	mu      sync.Mutex
	msgs    map[string]*model.Message
	order   []string
	now     func() time.Time
	failNew error
}

func newFakeMsgs(now func() time.Time) *fakeMsgs {
	return &fakeMsgs{msgs: make(map[string]*model.Message), now: now}
}

func (f *fakeMsgs) Create(ctx context.Context, m *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew != nil {
		return f.failNew
	}
	cp := *m
	cp.Reactions = map[string]string{}
	f.msgs[m.ID] = &cp
	f.order = append(f.order, m.ID)
	return nil
}

func (f *fakeMsgs) GetByID(ctx context.Context, id string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok || m.Expired(f.now()) {
		return nil, apperr.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMsgs) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok || m.IsDeleted {
		return false, nil
	}
	m.Content = content
	m.EditedAt = &editedAt
	return true, nil
}

func (f *fakeMsgs) SoftDelete(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok || m.IsDeleted {
		return false, nil
	}
	m.Tombstone()
	return true, nil
}

func (f *fakeMsgs) ToggleReaction(ctx context.Context, id, userID, emoji string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok || m.IsDeleted {
		return "", apperr.ErrNotFound
	}
	return m.ToggleReaction(userID, emoji), nil
}

func (f *fakeMsgs) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, id := range f.order {
		m := f.msgs[id]
		if m.ConversationID != conversationID || m.IsDeleted || m.Expired(at) {
			continue
		}
		if m.MarkReadBy(userID, at) {
			m.Status = model.MessageStatusRead
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeMsgs) get(id string) *model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.msgs[id]
	return &cp
}

type fakeUsers struct {
	users map[string]*model.User
}

func newFakeUsers(ids ...string) *fakeUsers {
	f := &fakeUsers{users: make(map[string]*model.User)}
	for _, id := range ids {
		f.users[id] = &model.User{ID: id, Username: "user-" + id, Privacy: model.DefaultPrivacy()}
	}
	return f
}

func (f *fakeUsers) GetByID(ctx context.Context, id string) (*model.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

type sent struct {
	Scope  string
	Target string
	Except string
	Event  event.Event
}

type recorder struct {
	mu     sync.Mutex
	events []sent
}

func (r *recorder) ToConversation(ctx context.Context, conversationID string, ev event.Event) {
	r.add(sent{Scope: "conversation", Target: conversationID, Event: ev})
}

func (r *recorder) ToConversationExcept(ctx context.Context, conversationID, exceptUserID string, ev event.Event) {
	r.add(sent{Scope: "conversation", Target: conversationID, Except: exceptUserID, Event: ev})
}

func (r *recorder) ToUser(ctx context.Context, userID string, ev event.Event) {
	r.add(sent{Scope: "user", Target: userID, Event: ev})
}

func (r *recorder) Evict(ctx context.Context, conversationID, userID string) {
	r.add(sent{Scope: "evict", Target: conversationID, Except: userID})
}

func (r *recorder) add(s sent) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.events...)
}

func (r *recorder) ofType(t event.Type) []sent {
	var out []sent
	for _, s := range r.all() {
		if s.Event.Type == t {
			out = append(out, s)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type observerFunc func(conv *model.Conversation, msg *model.Message, participantIDs []string)

func (f observerFunc) MessageCreated(conv *model.Conversation, msg *model.Message, participantIDs []string) {
	f(conv, msg, participantIDs)
}

func (f *fakeConvs) GetOrCreatePrivate(ctx context.Context, userA, userB string) (*model.Conversation, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := model.PairKey(userA, userB)
	for id, c := range f.convs {
		if c.Type != model.ConversationPrivate {
			continue
		}
		if _, ok := f.members[id][userA]; !ok {
			continue
		}
		if _, ok := f.members[id][userB]; ok && len(f.members[id]) == 2 {
			cp := *c
			return &cp, false, nil
		}
	}
	c := &model.Conversation{ID: "p-" + key, Type: model.ConversationPrivate, CreatedBy: userA}
	f.convs[c.ID] = c
	f.members[c.ID] = map[string]model.Role{userA: model.RoleMember, userB: model.RoleMember}
	cp := *c
	return &cp, true, nil
}

func (f *fakeConvs) CreateGroup(ctx context.Context, c *model.Conversation, memberIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.convs[c.ID] = &cp
	m := map[string]model.Role{c.CreatedBy: model.RoleAdmin}
	for _, id := range memberIDs {
		if id != c.CreatedBy {
			m[id] = model.RoleMember
		}
	}
	f.members[c.ID] = m
	f.joinOrder = append(f.joinOrder, memberIDs...)
	return nil
}

func (f *fakeConvs) UpdateGroup(ctx context.Context, id, name, description, iconURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok || c.Type != model.ConversationGroup {
		return apperr.ErrNotFound
	}
	c.Name, c.Description, c.IconURL = name, description, iconURL
	return nil
}

func (f *fakeConvs) AddParticipant(ctx context.Context, p *model.Participant) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.members[p.ConversationID][p.UserID]; ok {
		return false, nil
	}
	f.members[p.ConversationID][p.UserID] = p.Role
	f.joinOrder = append(f.joinOrder, p.UserID)
	return true, nil
}

func (f *fakeConvs) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.members[conversationID][userID]; !ok {
		return apperr.ErrNotFound
	}
	delete(f.members[conversationID], userID)
	return nil
}

// EnsureAdmin повышает первого оставшегося участника в порядке joinOrder.
func (f *fakeConvs) EnsureAdmin(ctx context.Context, conversationID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.members[conversationID]
	for _, r := range m {
		if r == model.RoleAdmin {
			return "", nil
		}
	}
	for _, id := range f.joinOrder {
		if _, ok := m[id]; ok {
			m[id] = model.RoleAdmin
			return id, nil
		}
	}
	return "", nil
}

func (f *fakeConvs) Participants(ctx context.Context, conversationID string) ([]model.ParticipantView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.ParticipantView, 0, len(f.members[conversationID]))
	for id, role := range f.members[conversationID] {
		out = append(out, model.ParticipantView{UserPublic: model.UserPublic{ID: id, Username: "user-" + id}, Role: role})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeConvs) Role(ctx context.Context, conversationID, userID string) (model.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.members[conversationID][userID]
	if !ok {
		return "", apperr.ErrNotFound
	}
	return r, nil
}

func (f *fakeConvs) ListForUser(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	f.mu.Lock()
	var out []model.ConversationSummary
	for id, m := range f.members {
		if _, ok := m[userID]; ok {
			out = append(out, model.ConversationSummary{Conversation: *f.convs[id]})
		}
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeMsgs) ListByConversation(ctx context.Context, conversationID string, before *time.Time, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Message
	for i := len(f.order) - 1; i >= 0 && len(out) < limit; i-- {
		m := f.msgs[f.order[i]]
		if m.ConversationID != conversationID || m.Expired(f.now()) {
			continue
		}
		if before != nil && !m.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}
