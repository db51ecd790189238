package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/whisper/internal/event"
	"github.com/whisper/internal/logger"
)

// Limits - параметры соединения; нулевые поля заменяются значениями по умолчанию.
type Limits struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func (l Limits) withDefaults() Limits {
	if l.WriteWait <= 0 {
		l.WriteWait = 10 * time.Second
	}
	if l.PongWait <= 0 {
		l.PongWait = 60 * time.Second
	}
	if l.MaxMessageSize <= 0 {
		l.MaxMessageSize = 64 * 1024
	}
	if l.SendBuffer <= 0 {
		l.SendBuffer = 256
	}
	return l
}

// bufPool - буферы для JSON-кодирования в writePump.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client - одна WebSocket-сессия.
// Жизненный цикл: NewClient -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan event.Event
	userID    string
	sessionID string
	limits    Limits

	// rooms и registered защищены hub.mu.
	rooms      map[string]struct{}
	registered bool

	// done - неблокирующий сторож для sendToClient.
	done chan struct{}

	// connected закрывается после Connect в хранилище присутствия, released - после Disconnect.
	connected chan struct{}
	released  chan struct{}

	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string, limits Limits) *Client {
	limits = limits.withDefaults()
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan event.Event, limits.SendBuffer),
		userID:    userID,
		sessionID: uuid.New().String(),
		limits:    limits,
		rooms:     make(map[string]struct{}),
		done:      make(chan struct{}),
		connected: make(chan struct{}),
		released:  make(chan struct{}),
	}
}

func (c *Client) UserID() string { return c.userID }

func (c *Client) SessionID() string { return c.sessionID }

// Start запускает readPump и writePump. ctx управляет их временем жизни, cancel вызывается в Close.
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait ждёт завершения обеих помп.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close останавливает клиента. Можно вызывать многократно из любой горутины.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		// ReadMessage / WriteMessage вернут ошибку, обе помпы выйдут.
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.limits.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.limits.PongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.limits.PongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.userID, err)
			}
			return
		}

		var msg IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Debugf("ws unmarshal error user=%s: %v", c.userID, err)
			c.hub.SendTo(c, errorEvent("", "invalid_state", "malformed message"))
			continue
		}

		c.hub.HandleMessage(ctx, c, msg)
	}
}

func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.limits.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Debugf("ws close message user=%s: %v", c.userID, err)
			}
			return
		case ev := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.limits.WriteWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			if err := json.NewEncoder(buf).Encode(ev); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal error user=%s event=%s: %v", c.userID, ev.Type, err)
				continue
			}
			data := buf.Bytes()
			// json.Encoder дописывает '\n'; для текстового фрейма он не нужен.
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.limits.WriteWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
