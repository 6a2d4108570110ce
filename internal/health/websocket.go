package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vietddude/queryflow/internal/core/domain"
	"github.com/vietddude/queryflow/internal/progress"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Outbound message types beyond the progress events.
const (
	MessageConnected = "connection_established"
	MessagePong      = "pong"
	MessageError     = "error"
)

// Inbound message types.
const (
	MessageStartTrace = "start_query_trace"
	MessagePing       = "ping"
)

// Message is the envelope of every outbound websocket frame.
type Message struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type traceRequest struct {
	Message   string           `json:"message"`
	Persona   string           `json:"persona"`
	QueryType domain.QueryType `json:"queryType"`
}

type inbound struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Data      *traceRequest   `json:"data,omitempty"`
	traceRequest
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub bridges progress events to websocket clients and lets clients start
// simulated traces.
type Hub struct {
	ctx      context.Context
	tracer   *progress.Tracer
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient
	log     *slog.Logger
}

// NewHub creates a hub. Simulated traces run until ctx is done.
func NewHub(ctx context.Context, tracer *progress.Tracer) *Hub {
	return &Hub{
		ctx:    ctx,
		tracer: tracer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
		log:     slog.Default().With("component", "websocket"),
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.close()
	}
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Failed to upgrade connection", "error", err)
		return
	}

	c := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	sub := h.tracer.Bus().SubscribeAll(func(ev progress.Event) {
		h.enqueue(c, string(ev.Name), ev.Payload, ev.Timestamp)
	})

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.log.Debug("Client connected", "client_id", c.id, "remote", r.RemoteAddr)

	defer func() {
		h.tracer.Bus().Unsubscribe(sub)
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		c.close()
		h.log.Debug("Client disconnected", "client_id", c.id)
	}()

	h.enqueue(c, MessageConnected, map[string]string{"client_id": c.id}, time.Now())

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) enqueue(c *wsClient, msgType string, data any, ts time.Time) {
	raw, err := json.Marshal(Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Data:      data,
		Timestamp: ts,
	})
	if err != nil {
		h.log.Error("Failed to encode message", "type", msgType, "error", err)
		return
	}

	select {
	case c.send <- raw:
	case <-c.done:
	default:
		h.log.Warn("Client send buffer full, dropping message", "client_id", c.id, "type", msgType)
	}
}

func (h *Hub) sendError(c *wsClient, errType, message string) {
	h.enqueue(c, MessageError, map[string]string{"error": message, "error_type": errType}, time.Now())
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}

func (h *Hub) readPump(c *wsClient) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("Connection read error", "client_id", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handle(c, raw)
	}
}

func (h *Hub) handle(c *wsClient, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(c, "json_error", "Invalid JSON format")
		return
	}

	switch msg.Type {
	case MessagePing:
		h.enqueue(c, MessagePong, map[string]json.RawMessage{"timestamp": msg.Timestamp}, time.Now())
	case MessagePong:
	case MessageStartTrace:
		req := msg.traceRequest
		if msg.Data != nil {
			req = *msg.Data
		}
		h.startTrace(c, req)
	default:
		h.sendError(c, "unknown_message", "Unknown message type: "+msg.Type)
	}
}

func (h *Hub) startTrace(c *wsClient, req traceRequest) {
	if req.Message == "" {
		h.sendError(c, "validation_error", "Query message is required")
		return
	}
	if req.Persona == "" {
		req.Persona = domain.PersonaGeneralAssistant
	}
	switch req.QueryType {
	case domain.QueryTypeMathematical, domain.QueryTypeFactual, domain.QueryTypeConversational:
	default:
		req.QueryType = domain.ClassifyQueryType(req.Message)
	}

	trace, err := h.tracer.Begin(req.Message, req.Persona, req.QueryType)
	if err != nil {
		h.sendError(c, "trace_error", err.Error())
		return
	}
	go func() {
		if err := trace.Run(h.ctx); err != nil {
			h.log.Debug("Simulated trace aborted", "error", err)
		}
	}()
}
