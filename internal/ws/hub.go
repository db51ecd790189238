package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/whisper/internal/bus"
	"github.com/whisper/internal/event"
	"github.com/whisper/internal/logger"
	"github.com/whisper/internal/metrics"
	"github.com/whisper/internal/storage"
)

// Directory - то, что хабу нужно знать о пользователях для рассылки статуса.
type Directory interface {
	ContactIDs(ctx context.Context, userID string) ([]string, error)
	SetLastSeen(ctx context.Context, userID string, at time.Time) error
}

// Handler обрабатывает входящие сообщения клиента (Router).
type Handler interface {
	Handle(ctx context.Context, c *Client, msg IncomingMessage)
}

// Hub держит живые сессии: личную группу каждого пользователя и комнаты чатов.
// Рассылка идёт локальным клиентам и, через bus, остальным узлам.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	rooms    map[string]map[*Client]struct{}
	total    int
	maxConns int

	presence storage.PresenceStore
	dir      Directory
	bus      bus.Bus
	handler  Handler

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	busDone    chan struct{}
	now        func() time.Time

	// presenceWG считает горутины trackPresence; Add и Wait вызываются только из Run.
	presenceWG      sync.WaitGroup
	presenceTimeout time.Duration
}

func NewHub(presence storage.PresenceStore, dir Directory, b bus.Bus, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	if b == nil {
		b = bus.Local{}
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		presence:   presence,
		dir:        dir,
		bus:        b,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
		busDone:    make(chan struct{}),
		now:        func() time.Time { return time.Now().UTC() },

		presenceTimeout: 5 * time.Second,
	}
}

// SetHandler задаёт обработчик входящих сообщений. Вызывать до Run.
func (h *Hub) SetHandler(handler Handler) {
	h.handler = handler
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	go func() {
		defer close(h.busDone)
		if err := h.bus.Subscribe(ctx, h.deliverRemote); err != nil {
			logger.Errorf("ws bus subscribe: %v", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			<-h.busDone
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Done закрывается, когда Run завершился.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Закрытие клиента запускает Disconnect в его trackPresence.
	for _, c := range allClients {
		c.Close()
	}
	h.presenceWG.Wait()
	for _, c := range allClients {
		c.Wait()
	}
	metrics.ActiveSessions().Set(0)
	metrics.OnlineUsers().Set(0)
}

func (h *Hub) addClient(c *Client) {
	select {
	case <-c.done:
		// unregister обработан раньше register
		return
	default:
	}
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	c.registered = true
	h.updateGauges()
	h.mu.Unlock()

	h.presenceWG.Add(1)
	go h.trackPresence(c)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	h.dropRooms(c)
	if !c.registered {
		h.mu.Unlock()
		c.Close()
		return
	}
	c.registered = false
	clients := h.clients[c.userID]
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	h.updateGauges()
	h.mu.Unlock()

	c.Close()
}

// trackPresence ведёт присутствие одной сессии вне цикла Run: Connect при регистрации,
// Disconnect после закрытия клиента. Для одной сессии порядок строгий; медленное
// хранилище задерживает только её, остальные подключения идут без ожидания.
func (h *Hub) trackPresence(c *Client) {
	defer h.presenceWG.Done()
	defer close(c.released)

	ctx, cancel := context.WithTimeout(context.Background(), h.presenceTimeout)
	first, err := h.presence.Connect(ctx, c.userID, c.sessionID, h.now())
	switch {
	case err != nil:
		logger.Errorf("ws presence connect user=%s: %v", c.userID, err)
	case first:
		h.broadcastUserStatus(ctx, c.userID, true, time.Time{})
	}
	cancel()
	close(c.connected)

	<-c.done

	// Disconnect и при ошибке Connect: запись могла дойти до хранилища.
	ctx, cancel = context.WithTimeout(context.Background(), h.presenceTimeout)
	defer cancel()
	now := h.now()
	last, err := h.presence.Disconnect(ctx, c.userID, c.sessionID, now)
	if err != nil {
		logger.Errorf("ws presence disconnect user=%s: %v", c.userID, err)
		return
	}
	if !last {
		return
	}
	if err := h.dir.SetLastSeen(ctx, c.userID, now); err != nil {
		logger.Errorf("ws set last seen user=%s: %v", c.userID, err)
	}
	h.broadcastUserStatus(ctx, c.userID, false, now)
}

// dropRooms убирает клиента из всех комнат. Вызывать под h.mu.
func (h *Hub) dropRooms(c *Client) {
	for convID := range c.rooms {
		if room, ok := h.rooms[convID]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, convID)
			}
		}
	}
	c.rooms = make(map[string]struct{})
}

func (h *Hub) updateGauges() {
	metrics.ActiveSessions().Set(float64(h.total))
	metrics.OnlineUsers().Set(float64(len(h.clients)))
}

func (h *Hub) broadcastUserStatus(ctx context.Context, userID string, online bool, lastSeen time.Time) {
	contacts, err := h.dir.ContactIDs(ctx, userID)
	if err != nil {
		logger.Errorf("ws contacts for status broadcast user=%s: %v", userID, err)
		return
	}
	evType := event.UserOffline
	if online {
		evType = event.UserOnline
	}
	ev := event.Event{Type: evType, Payload: event.UserStatusPayload{
		UserID:   userID,
		Online:   online,
		LastSeen: lastSeen,
	}}
	for _, uid := range contacts {
		h.ToUser(ctx, uid, ev)
	}
}

// Join подписывает сессию на события чата. Права проверяет вызывающий.
func (h *Hub) Join(c *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[conversationID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[conversationID] = room
	}
	room[c] = struct{}{}
	c.rooms[conversationID] = struct{}{}
}

func (h *Hub) Leave(c *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, conversationID)
}

func (h *Hub) leaveLocked(c *Client, conversationID string) {
	delete(c.rooms, conversationID)
	if room, ok := h.rooms[conversationID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// ToConversation отправляет событие всем сессиям, вошедшим в комнату чата, на всех узлах.
func (h *Hub) ToConversation(ctx context.Context, conversationID string, ev event.Event) {
	h.ToConversationExcept(ctx, conversationID, "", ev)
}

// ToConversationExcept - как ToConversation, но без сессий exceptUserID.
func (h *Hub) ToConversationExcept(ctx context.Context, conversationID, exceptUserID string, ev event.Event) {
	h.sendToRoom(conversationID, exceptUserID, ev)
	h.publish(ctx, bus.Envelope{Scope: bus.ScopeConversation, Target: conversationID, Except: exceptUserID}, ev)
}

// ToUser отправляет событие в личную группу пользователя (все его сессии).
func (h *Hub) ToUser(ctx context.Context, userID string, ev event.Event) {
	h.sendToUser(userID, ev)
	h.publish(ctx, bus.Envelope{Scope: bus.ScopeUser, Target: userID}, ev)
}

// Evict выводит все сессии пользователя из комнаты чата.
func (h *Hub) Evict(ctx context.Context, conversationID, userID string) {
	h.evictLocal(conversationID, userID)
	h.publish(ctx, bus.Envelope{Scope: bus.ScopeEvict, Target: conversationID, UserID: userID}, event.Event{})
}

// IsConnected сообщает, есть ли у пользователя сессия на этом узле.
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) evictLocal(conversationID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[userID] {
		h.leaveLocked(c, conversationID)
	}
}

func (h *Hub) publish(ctx context.Context, env bus.Envelope, ev event.Event) {
	if _, local := h.bus.(bus.Local); local {
		return
	}
	if ev.Type != "" {
		raw, err := json.Marshal(ev)
		if err != nil {
			logger.Errorf("ws bus marshal %s: %v", ev.Type, err)
			return
		}
		env.Event = raw
	}
	env.SentAt = h.now()
	if err := h.bus.Publish(ctx, env); err != nil {
		logger.Errorf("ws bus publish %s %s: %v", env.Scope, env.Target, err)
	}
}

// deliverRemote доставляет локальным сессиям событие, опубликованное другим узлом.
func (h *Hub) deliverRemote(env bus.Envelope) {
	if env.Scope == bus.ScopeEvict {
		h.evictLocal(env.Target, env.UserID)
		return
	}
	var wire struct {
		Type    event.Type      `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(env.Event, &wire); err != nil {
		logger.Errorf("ws bus decode from %s: %v", env.Origin, err)
		return
	}
	ev := event.Event{Type: wire.Type, Payload: wire.Payload}
	switch env.Scope {
	case bus.ScopeConversation:
		h.sendToRoom(env.Target, env.Except, ev)
	case bus.ScopeUser:
		h.sendToUser(env.Target, ev)
	}
}

func (h *Hub) sendToRoom(conversationID, exceptUserID string, ev event.Event) {
	h.mu.RLock()
	room := h.rooms[conversationID]
	targets := make([]*Client, 0, len(room))
	for c := range room {
		if exceptUserID != "" && c.userID == exceptUserID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, ev)
	}
}

func (h *Hub) sendToUser(userID string, ev event.Event) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, ev)
	}
}

// SendTo отправляет событие одной сессии (ответы и ошибки инициатору).
func (h *Hub) SendTo(c *Client, ev event.Event) {
	h.sendToClient(c, ev)
}

func (h *Hub) sendToClient(c *Client, ev event.Event) {
	select {
	case c.send <- ev:
		metrics.EventsDelivered().WithLabelValues(string(ev.Type)).Inc()
	case <-c.done:
	default:
		// Буфер переполнен: медленный клиент закрывается, остальные не ждут.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		metrics.SlowClientsClosed().Inc()
		c.Close()
	}
}

// HandleMessage передаёт входящее сообщение обработчику.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	if h.handler == nil {
		h.sendToClient(c, errorEvent(msg.Type, "internal", "not ready"))
		return
	}
	h.handler.Handle(ctx, c, msg)
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
