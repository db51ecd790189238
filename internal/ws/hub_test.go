package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/internal/bus"
	"github.com/whisper/internal/event"
	"github.com/whisper/internal/storage/memory"
)

type fakeDirectory struct {
	mu       sync.Mutex
	contacts map[string][]string
	lastSeen map[string]time.Time
}

func (d *fakeDirectory) ContactIDs(ctx context.Context, userID string) ([]string, error) {
	return d.contacts[userID], nil
}

func (d *fakeDirectory) SetLastSeen(ctx context.Context, userID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSeen[userID] = at
	return nil
}

type captureBus struct {
	mu   sync.Mutex
	sent []bus.Envelope
}

func (b *captureBus) Publish(ctx context.Context, env bus.Envelope) error {
	b.mu.Lock()
	b.sent = append(b.sent, env)
	b.mu.Unlock()
	return nil
}

func (b *captureBus) Subscribe(ctx context.Context, _ func(bus.Envelope)) error {
	<-ctx.Done()
	return nil
}

func (b *captureBus) Close() error { return nil }

func newTestHub(b bus.Bus) (*Hub, *fakeDirectory) {
	dir := &fakeDirectory{
		contacts: map[string][]string{"alice": {"bob"}, "bob": {"alice"}},
		lastSeen: map[string]time.Time{},
	}
	return NewHub(memory.New(), dir, b, 0), dir
}

// connect регистрирует клиента и ждёт, пока его сессия дойдёт до хранилища присутствия.
func connect(h *Hub, userID string, buffer int) *Client {
	c := NewClient(h, nil, userID, Limits{SendBuffer: buffer})
	h.addClient(c)
	if c.registered {
		<-c.connected
	}
	return c
}

func disconnect(h *Hub, c *Client) {
	h.removeClient(c)
	<-c.released
}

// drain возвращает всё, что накопилось в буфере клиента.
func drain(c *Client) []event.Event {
	var out []event.Event
	for {
		select {
		case ev := <-c.send:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func types(evs []event.Event) []event.Type {
	out := make([]event.Type, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func TestHub_RoomDelivery(t *testing.T) {
	h, _ := newTestHub(nil)
	ctx := context.Background()
	alice := connect(h, "alice", 16)
	bob := connect(h, "bob", 16)
	carol := connect(h, "carol", 16)
	drain(alice)
	drain(bob)

	h.Join(alice, "c1")
	h.Join(bob, "c1")

	h.ToConversation(ctx, "c1", event.Event{Type: event.NewMessage})
	assert.Equal(t, []event.Type{event.NewMessage}, types(drain(alice)))
	assert.Equal(t, []event.Type{event.NewMessage}, types(drain(bob)))
	assert.Empty(t, drain(carol))

	h.ToConversationExcept(ctx, "c1", "alice", event.Event{Type: event.Typing})
	assert.Empty(t, drain(alice))
	assert.Equal(t, []event.Type{event.Typing}, types(drain(bob)))

	h.Leave(bob, "c1")
	h.ToConversation(ctx, "c1", event.Event{Type: event.MessageEdited})
	assert.Len(t, drain(alice), 1)
	assert.Empty(t, drain(bob))
}

func TestHub_ToUserReachesEverySession(t *testing.T) {
	h, _ := newTestHub(nil)
	phone := connect(h, "alice", 16)
	laptop := connect(h, "alice", 16)
	drain(phone)
	drain(laptop)

	h.ToUser(context.Background(), "alice", event.Event{Type: event.IncomingCall})
	assert.Len(t, drain(phone), 1)
	assert.Len(t, drain(laptop), 1)
	assert.True(t, h.IsConnected("alice"))
	assert.False(t, h.IsConnected("bob"))
}

func TestHub_PresenceBroadcastsOnFirstAndLastSession(t *testing.T) {
	h, dir := newTestHub(nil)
	bob := connect(h, "bob", 16)
	drain(bob)

	first := connect(h, "alice", 16)
	got := drain(bob)
	require.Len(t, got, 1)
	assert.Equal(t, event.UserOnline, got[0].Type)

	second := connect(h, "alice", 16)
	assert.Empty(t, drain(bob), "second session must not announce again")

	disconnect(h, first)
	assert.Empty(t, drain(bob), "user still has a session")
	online, err := h.presence.IsOnline(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, online)

	disconnect(h, second)
	got = drain(bob)
	require.Len(t, got, 1)
	assert.Equal(t, event.UserOffline, got[0].Type)
	p := got[0].Payload.(event.UserStatusPayload)
	assert.False(t, p.Online)
	assert.False(t, p.LastSeen.IsZero())

	dir.mu.Lock()
	_, stored := dir.lastSeen["alice"]
	dir.mu.Unlock()
	assert.True(t, stored)
	assert.False(t, h.IsConnected("alice"))
}

func TestHub_RemoveDropsRooms(t *testing.T) {
	h, _ := newTestHub(nil)
	alice := connect(h, "alice", 16)
	h.Join(alice, "c1")
	h.removeClient(alice)

	h.mu.RLock()
	_, ok := h.rooms["c1"]
	h.mu.RUnlock()
	assert.False(t, ok)
}

func TestHub_UnregisterBeforeRegister(t *testing.T) {
	h, _ := newTestHub(nil)
	c := NewClient(h, nil, "alice", Limits{})
	h.removeClient(c)
	h.addClient(c)
	assert.False(t, h.IsConnected("alice"))
}

func TestHub_SlowClientIsClosed(t *testing.T) {
	h, _ := newTestHub(nil)
	c := connect(h, "carol", 1)
	h.Join(c, "c1")

	h.ToConversation(context.Background(), "c1", event.Event{Type: event.NewMessage})
	h.ToConversation(context.Background(), "c1", event.Event{Type: event.NewMessage})

	select {
	case <-c.done:
	default:
		t.Fatal("slow client was not closed")
	}
}

func TestHub_ConnectionLimit(t *testing.T) {
	h, _ := newTestHub(nil)
	h.maxConns = 1
	connect(h, "alice", 4)
	rejected := connect(h, "bob", 4)

	select {
	case <-rejected.done:
	default:
		t.Fatal("client over the limit was not closed")
	}
	assert.False(t, h.IsConnected("bob"))
}

func TestHub_Evict(t *testing.T) {
	h, _ := newTestHub(nil)
	alice := connect(h, "alice", 16)
	drain(alice)
	h.Join(alice, "c1")

	h.Evict(context.Background(), "c1", "alice")
	h.ToConversation(context.Background(), "c1", event.Event{Type: event.NewMessage})
	assert.Empty(t, drain(alice))
}

func TestHub_PublishesAndDeliversRemote(t *testing.T) {
	b := &captureBus{}
	h, _ := newTestHub(b)
	ctx := context.Background()
	alice := connect(h, "alice", 16)
	drain(alice)
	h.Join(alice, "c1")

	h.ToConversationExcept(ctx, "c1", "bob", event.Event{Type: event.Typing, Payload: event.TypingPayload{ConversationID: "c1", UserID: "bob"}})
	drain(alice)

	b.mu.Lock()
	var env bus.Envelope
	for _, e := range b.sent {
		if e.Scope == bus.ScopeConversation {
			env = e
		}
	}
	b.mu.Unlock()
	assert.Equal(t, "c1", env.Target)
	assert.Equal(t, "bob", env.Except)
	require.NotEmpty(t, env.Event)

	// Тот же конверт, пришедший с другого узла.
	h.deliverRemote(env)
	got := drain(alice)
	require.Len(t, got, 1)
	assert.Equal(t, event.Typing, got[0].Type)
	raw, ok := got[0].Payload.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"conversation_id":"c1","user_id":"bob"}`, string(raw))

	h.deliverRemote(bus.Envelope{Scope: bus.ScopeEvict, Target: "c1", UserID: "alice"})
	h.sendToRoom("c1", "", event.Event{Type: event.NewMessage})
	assert.Empty(t, drain(alice))
}

func TestHub_RunStopsOnCancel(t *testing.T) {
	h, _ := newTestHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	c := NewClient(h, nil, "alice", Limits{})
	h.Register(c)
	require.Eventually(t, func() bool { return h.IsConnected("alice") }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	assert.False(t, h.IsConnected("alice"))
}

// blockingPresence зависает на Connect, пока не закрыт release или не истёк ctx.
type blockingPresence struct {
	*memory.Client
	release chan struct{}
}

func (p *blockingPresence) Connect(ctx context.Context, userID, sessionID string, at time.Time) (bool, error) {
	select {
	case <-p.release:
		return p.Client.Connect(ctx, userID, sessionID, at)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func TestHub_SlowPresenceDoesNotStallRegistration(t *testing.T) {
	presence := &blockingPresence{Client: memory.New(), release: make(chan struct{})}
	dir := &fakeDirectory{contacts: map[string][]string{}, lastSeen: map[string]time.Time{}}
	h := NewHub(presence, dir, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	users := []string{"alice", "bob", "carol"}
	clients := make([]*Client, 0, len(users))
	for _, u := range users {
		c := NewClient(h, nil, u, Limits{})
		h.Register(c)
		clients = append(clients, c)
	}
	require.Eventually(t, func() bool {
		for _, u := range users {
			if !h.IsConnected(u) {
				return false
			}
		}
		return true
	}, 500*time.Millisecond, 5*time.Millisecond)

	close(presence.release)
	for _, c := range clients {
		select {
		case <-c.connected:
		case <-time.After(time.Second):
			t.Fatal("presence connect did not finish after release")
		}
	}
	online, err := presence.IsOnline(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, online)

	cancel()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	online, err = presence.IsOnline(context.Background(), "bob")
	require.NoError(t, err)
	assert.False(t, online, "shutdown releases every session")
}

func TestHub_PresenceOutageKeepsSessionsAlive(t *testing.T) {
	presence := &blockingPresence{Client: memory.New(), release: make(chan struct{})}
	dir := &fakeDirectory{contacts: map[string][]string{"alice": {"bob"}}, lastSeen: map[string]time.Time{}}
	h := NewHub(presence, dir, nil, 0)
	h.presenceTimeout = 20 * time.Millisecond

	bob := NewClient(h, nil, "bob", Limits{SendBuffer: 4})
	h.addClient(bob)
	alice := NewClient(h, nil, "alice", Limits{SendBuffer: 4})
	h.addClient(alice)
	<-alice.connected

	assert.True(t, h.IsConnected("alice"))
	assert.Empty(t, drain(bob), "no online status without a presence record")
	h.ToUser(context.Background(), "alice", event.Event{Type: event.NewMessage})
	assert.Len(t, drain(alice), 1)

	disconnect(h, alice)
	assert.False(t, h.IsConnected("alice"))
}
