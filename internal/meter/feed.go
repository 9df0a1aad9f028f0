package meter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Bldg-7/agentmeter/internal/storage"
)

const (
	feedSendBuffer = 64
	feedWriteWait  = 10 * time.Second
	feedPingPeriod = 30 * time.Second
)

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Feed fans stored events out to WebSocket subscribers using the Gorilla
// hub pattern. Subscribers are read-only consumers; a subscriber that
// cannot keep up is dropped rather than allowed to stall the broadcast.
type Feed struct {
	clients    map[*feedClient]struct{}
	register   chan *feedClient
	unregister chan *feedClient
	broadcast  chan []byte

	authToken      string
	allowedOrigins []string

	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *Metrics
	mu       sync.RWMutex
	ctx      context.Context
}

func NewFeed(ctx context.Context, authToken string, allowedOrigins []string, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Feed{
		clients:        make(map[*feedClient]struct{}),
		register:       make(chan *feedClient),
		unregister:     make(chan *feedClient),
		broadcast:      make(chan []byte, 256),
		authToken:      authToken,
		allowedOrigins: allowedOrigins,
		logger:         logger,
		metrics:        GetMetrics(),
		ctx:            ctx,
	}
	f.upgrader = websocket.Upgrader{
		CheckOrigin: f.checkOrigin,
	}
	return f
}

func (f *Feed) Run() {
	for {
		select {
		case <-f.ctx.Done():
			f.mu.Lock()
			for client := range f.clients {
				close(client.send)
				client.conn.Close()
				delete(f.clients, client)
			}
			f.metrics.SetFeedClients(0)
			f.mu.Unlock()
			return

		case client := <-f.register:
			f.mu.Lock()
			f.clients[client] = struct{}{}
			f.metrics.SetFeedClients(int64(len(f.clients)))
			f.mu.Unlock()

		case client := <-f.unregister:
			f.mu.Lock()
			if _, ok := f.clients[client]; ok {
				delete(f.clients, client)
				close(client.send)
			}
			f.metrics.SetFeedClients(int64(len(f.clients)))
			f.mu.Unlock()

		case msg := <-f.broadcast:
			f.mu.Lock()
			for client := range f.clients {
				select {
				case client.send <- msg:
				default:
					f.logger.Warn("dropping slow feed subscriber")
					close(client.send)
					delete(f.clients, client)
				}
			}
			f.metrics.SetFeedClients(int64(len(f.clients)))
			f.mu.Unlock()
		}
	}
}

// Broadcast queues an event for delivery to all subscribers. Delivery is
// best-effort: if the broadcast queue itself is full the event is dropped.
func (f *Feed) Broadcast(event storage.Event) {
	msg, err := json.Marshal(event)
	if err != nil {
		f.logger.Warn("failed to encode feed event", zap.Error(err))
		return
	}
	select {
	case f.broadcast <- msg:
	default:
		f.logger.Warn("feed broadcast queue full, dropping event",
			zap.String("event_id", event.ID))
	}
}

// ServeWS handles WebSocket upgrade requests with token auth (header or query param).
func (f *Feed) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := ""
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	} else {
		token = r.URL.Query().Get("token")
	}
	if token != f.authToken {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &feedClient{conn: conn, send: make(chan []byte, feedSendBuffer)}
	select {
	case f.register <- client:
	case <-f.ctx.Done():
		conn.Close()
		return
	}

	go f.writePump(client)
	go f.readPump(client)
}

func (f *Feed) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

func (f *Feed) checkOrigin(r *http.Request) bool {
	if len(f.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range f.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (f *Feed) writePump(client *feedClient) {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; its job is to notice disconnects and
// service control messages.
func (f *Feed) readPump(client *feedClient) {
	defer func() {
		select {
		case f.unregister <- client:
		case <-f.ctx.Done():
		}
		client.conn.Close()
	}()
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
